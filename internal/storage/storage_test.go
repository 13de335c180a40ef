package storage

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/ignite/bulk-verifier/internal/domain"
	"github.com/ignite/bulk-verifier/internal/service/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStoreRoundTrip(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "outputs/bulk/job-1.json", []byte(`{"ok":true}`), "application/json"))
	got, err := s.Get(ctx, "outputs/bulk/job-1.json")
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(got))

	_, err = s.Get(ctx, "outputs/bulk/missing.json")
	assert.ErrorIs(t, err, ErrObjectNotFound)

	assert.Error(t, s.Put(ctx, "../escape", nil, ""))
	assert.NoError(t, s.Ping(ctx))
}

func exportTasks() []domain.AddressTask {
	return []domain.AddressTask{
		{JobID: "job-1", Index: 0, Email: "a@good.com", State: domain.TaskDone,
			Result: &domain.Result{Status: domain.StatusValid, Reason: domain.ReasonAccepted, RiskScore: 5, SMTPCode: 250, MXHost: "mx.good.com"}},
		{JobID: "job-1", Index: 1, Email: "b@badmx.invalid", State: domain.TaskDone,
			Result: &domain.Result{Status: domain.StatusInvalid, Reason: domain.ReasonNoMX, RiskScore: 95}},
		{JobID: "job-1", Index: 2, Email: "c@good.com", State: domain.TaskCancelled},
	}
}

func TestExporterWritesJSONAndCSV(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	exp := NewExporter(store, "")
	ctx := context.Background()

	job := domain.Job{ID: "job-1", Total: 3, Status: domain.JobCancelled}
	require.NoError(t, exp.Export(ctx, job, exportTasks()))

	jsonKey, csvKey := exp.Keys("job-1")
	assert.Equal(t, "outputs/bulk/job-1.json", jsonKey)
	assert.Equal(t, "outputs/bulk/job-1.csv", csvKey)

	raw, err := store.Get(ctx, jsonKey)
	require.NoError(t, err)
	var doc exportDoc
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, "job-1", doc.Job.ID)
	require.Len(t, doc.Results, 3)
	assert.Equal(t, domain.StatusInvalid, doc.Results[1].Result.Status)
	assert.Nil(t, doc.Results[2].Result)

	raw, err = store.Get(ctx, csvKey)
	require.NoError(t, err)
	records, err := csv.NewReader(bytes.NewReader(raw)).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.Equal(t, csvHeader, records[0])
	assert.Equal(t, []string{"0", "a@good.com", "done", "valid", "accepted", "5", "false", "false", "false", "false", "250", "mx.good.com"}, records[1])
	assert.Equal(t, "no_mx_records", records[2][4])
	assert.Equal(t, "cancelled", records[3][2])
	assert.Equal(t, "", records[3][3])
}

// fakeS3 keeps objects in a map.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = body
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(body))}, nil
}

func (f *fakeS3) HeadBucket(_ context.Context, in *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if aws.ToString(in.Bucket) != "results" {
		return nil, &s3types.NotFound{}
	}
	return &s3.HeadBucketOutput{}, nil
}

func TestS3StoreExport(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{}}
	store := &S3Store{client: fake, bucket: "results"}
	exp := NewExporter(store, "exports")

	require.NoError(t, exp.Export(context.Background(), domain.Job{ID: "job-9"}, exportTasks()))
	assert.Contains(t, fake.objects, "exports/job-9.json")
	assert.Contains(t, fake.objects, "exports/job-9.csv")

	_, err := store.Get(context.Background(), "exports/nope.json")
	assert.ErrorIs(t, err, ErrObjectNotFound)

	assert.NoError(t, store.Ping(context.Background()))
	missing := &S3Store{client: fake, bucket: "other"}
	assert.Error(t, missing.Ping(context.Background()))
}

// fakeDynamo is a single-table DynamoDB keyed by DeliveryID that pages
// scans one item at a time.
type fakeDynamo struct {
	mu    sync.Mutex
	items map[string]map[string]types.AttributeValue
	order []string
}

func keyOf(m map[string]types.AttributeValue) string {
	return m["DeliveryID"].(*types.AttributeValueMemberS).Value
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := keyOf(in.Item)
	if _, exists := f.items[k]; exists && in.ConditionExpression != nil {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("exists")}
	}
	if _, exists := f.items[k]; !exists {
		f.order = append(f.order, k)
	}
	f.items[k] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &dynamodb.GetItemOutput{Item: f.items[keyOf(in.Key)]}, nil
}

func (f *fakeDynamo) Scan(_ context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	start := 0
	if in.ExclusiveStartKey != nil {
		last := keyOf(in.ExclusiveStartKey)
		for i, k := range f.order {
			if k == last {
				start = i + 1
			}
		}
	}
	out := &dynamodb.ScanOutput{}
	if start < len(f.order) {
		k := f.order[start]
		if item, ok := f.items[k]; ok {
			out.Items = append(out.Items, item)
		}
		if start+1 < len(f.order) {
			out.LastEvaluatedKey = map[string]types.AttributeValue{"DeliveryID": &types.AttributeValueMemberS{Value: k}}
		}
	}
	return out, nil
}

func (f *fakeDynamo) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.items, keyOf(in.Key))
	return &dynamodb.DeleteItemOutput{}, nil
}

func TestDynamoDeadLetterStore(t *testing.T) {
	fake := &fakeDynamo{items: map[string]map[string]types.AttributeValue{}}
	store := &DynamoDeadLetterStore{client: fake, table: "dead-letters", retention: 30 * 24 * time.Hour}
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	dl := domain.DeadLetter{
		DeliveryID: "d-1", EndpointID: "e-1", OwnerID: "owner-1", JobID: "job-1",
		URL: "https://hooks.example.com/x", Event: domain.EventJobCompleted,
		Payload: []byte(`{"job_id":"job-1"}`), Attempts: 6, LastError: "status 500", LastStatusCode: 500, DeadAt: base,
	}
	stored, err := store.Put(ctx, dl)
	require.NoError(t, err)
	assert.True(t, stored)

	stored, err = store.Put(ctx, dl)
	require.NoError(t, err)
	assert.False(t, stored, "a delivery is dead-lettered at most once")

	other := dl
	other.DeliveryID, other.OwnerID, other.DeadAt = "d-2", "owner-2", base.Add(time.Minute)
	_, err = store.Put(ctx, other)
	require.NoError(t, err)

	got, err := store.Get(ctx, "d-1")
	require.NoError(t, err)
	assert.Equal(t, dl.Payload, got.Payload)
	assert.True(t, base.Equal(got.DeadAt))
	assert.Equal(t, domain.EventJobCompleted, got.Event)

	all, err := store.List(ctx, webhook.DeadLetterFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "d-1", all[0].DeliveryID)

	mine, err := store.List(ctx, webhook.DeadLetterFilter{OwnerID: "owner-2"})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "d-2", mine[0].DeliveryID)

	require.NoError(t, store.Delete(ctx, "d-1"))
	_, err = store.Get(ctx, "d-1")
	assert.ErrorIs(t, err, webhook.ErrNotFound)
}
