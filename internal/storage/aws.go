package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/ignite/bulk-verifier/internal/domain"
	"github.com/ignite/bulk-verifier/internal/service/webhook"
)

// AWSConfig holds the settings shared by the S3 and DynamoDB clients.
// Endpoint points the S3 client at a compatible server such as MinIO.
type AWSConfig struct {
	Region          string
	Profile         string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	DeadLetterTable string
}

// LoadAWSConfig builds an aws.Config. Static keys win over the default
// credential chain.
func LoadAWSConfig(ctx context.Context, c AWSConfig) (aws.Config, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(c.Region)}
	if c.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(c.Profile))
	}
	if c.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(c.AccessKeyID, c.SecretAccessKey, "")))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading AWS config: %w", err)
	}
	return cfg, nil
}

// =============================================================================
// S3
// =============================================================================

type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3Store is an ObjectStore backed by one S3 bucket.
type S3Store struct {
	client s3API
	bucket string
}

// NewS3Store creates an S3 store for c.Bucket.
func NewS3Store(cfg aws.Config, c AWSConfig) *S3Store {
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if c.Endpoint != "" {
			o.BaseEndpoint = aws.String(c.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Store{client: client, bucket: c.Bucket}
}

func (s *S3Store) Put(ctx context.Context, key string, body []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("putting object to S3: %w", err)
	}
	return nil
}

func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("getting object from S3: %w", err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// Ping verifies the bucket is reachable.
func (s *S3Store) Ping(ctx context.Context) error {
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		return fmt.Errorf("HeadBucket %s: %w", s.bucket, err)
	}
	return nil
}

// =============================================================================
// DYNAMODB DEAD LETTERS
// =============================================================================

type dynamoAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// deadLetterItem is the DynamoDB shape of a dead letter. The table's
// partition key is DeliveryID.
type deadLetterItem struct {
	DeliveryID     string `dynamodbav:"DeliveryID"`
	EndpointID     string `dynamodbav:"EndpointID"`
	OwnerID        string `dynamodbav:"OwnerID"`
	JobID          string `dynamodbav:"JobID"`
	URL            string `dynamodbav:"URL"`
	Event          string `dynamodbav:"Event"`
	Payload        string `dynamodbav:"Payload"`
	Attempts       int    `dynamodbav:"Attempts"`
	LastError      string `dynamodbav:"LastError"`
	LastStatusCode int    `dynamodbav:"LastStatusCode,omitempty"`
	DeadAt         string `dynamodbav:"DeadAt"`
	TTL            int64  `dynamodbav:"TTL,omitempty"`
}

func toItem(dl domain.DeadLetter, ttl time.Duration) deadLetterItem {
	it := deadLetterItem{
		DeliveryID:     dl.DeliveryID,
		EndpointID:     dl.EndpointID,
		OwnerID:        dl.OwnerID,
		JobID:          dl.JobID,
		URL:            dl.URL,
		Event:          string(dl.Event),
		Payload:        string(dl.Payload),
		Attempts:       dl.Attempts,
		LastError:      dl.LastError,
		LastStatusCode: dl.LastStatusCode,
		DeadAt:         dl.DeadAt.UTC().Format(time.RFC3339Nano),
	}
	if ttl > 0 {
		it.TTL = dl.DeadAt.Add(ttl).Unix()
	}
	return it
}

func (it deadLetterItem) deadLetter() domain.DeadLetter {
	deadAt, _ := time.Parse(time.RFC3339Nano, it.DeadAt)
	return domain.DeadLetter{
		DeliveryID:     it.DeliveryID,
		EndpointID:     it.EndpointID,
		OwnerID:        it.OwnerID,
		JobID:          it.JobID,
		URL:            it.URL,
		Event:          domain.WebhookEvent(it.Event),
		Payload:        []byte(it.Payload),
		Attempts:       it.Attempts,
		LastError:      it.LastError,
		LastStatusCode: it.LastStatusCode,
		DeadAt:         deadAt,
	}
}

// DynamoDeadLetterStore implements webhook.DeadLetterStore on a DynamoDB
// table. Entries expire after the configured retention through the table's
// TTL attribute.
type DynamoDeadLetterStore struct {
	client    dynamoAPI
	table     string
	retention time.Duration
}

// NewDynamoDeadLetterStore creates a store on c.DeadLetterTable.
func NewDynamoDeadLetterStore(cfg aws.Config, c AWSConfig, retention time.Duration) *DynamoDeadLetterStore {
	return &DynamoDeadLetterStore{
		client:    dynamodb.NewFromConfig(cfg),
		table:     c.DeadLetterTable,
		retention: retention,
	}
}

func deliveryKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"DeliveryID": &types.AttributeValueMemberS{Value: id}}
}

func (s *DynamoDeadLetterStore) Put(ctx context.Context, dl domain.DeadLetter) (bool, error) {
	av, err := attributevalue.MarshalMap(toItem(dl, s.retention))
	if err != nil {
		return false, fmt.Errorf("marshaling dead letter: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(DeliveryID)"),
	})
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("putting dead letter to DynamoDB: %w", err)
	}
	return true, nil
}

func (s *DynamoDeadLetterStore) Get(ctx context.Context, deliveryID string) (*domain.DeadLetter, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            deliveryKey(deliveryID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("getting dead letter from DynamoDB: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, webhook.ErrNotFound
	}
	var it deadLetterItem
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return nil, fmt.Errorf("unmarshaling dead letter: %w", err)
	}
	dl := it.deadLetter()
	return &dl, nil
}

// List scans the table. The dead-letter queue is expected to stay small.
func (s *DynamoDeadLetterStore) List(ctx context.Context, f webhook.DeadLetterFilter) ([]domain.DeadLetter, error) {
	var (
		out   []domain.DeadLetter
		start map[string]types.AttributeValue
	)
	for {
		page, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:         aws.String(s.table),
			ExclusiveStartKey: start,
		})
		if err != nil {
			return nil, fmt.Errorf("scanning dead letters: %w", err)
		}
		for _, item := range page.Items {
			var it deadLetterItem
			if err := attributevalue.UnmarshalMap(item, &it); err != nil {
				continue
			}
			if dl := it.deadLetter(); f.Matches(dl) {
				out = append(out, dl)
			}
		}
		if len(page.LastEvaluatedKey) == 0 {
			break
		}
		start = page.LastEvaluatedKey
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeadAt.Before(out[j].DeadAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *DynamoDeadLetterStore) Delete(ctx context.Context, deliveryID string) error {
	if _, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key:       deliveryKey(deliveryID),
	}); err != nil {
		return fmt.Errorf("deleting dead letter from DynamoDB: %w", err)
	}
	return nil
}
