package webhook_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ignite/bulk-verifier/internal/domain"
	"github.com/ignite/bulk-verifier/internal/repository/memory"
	"github.com/ignite/bulk-verifier/internal/service/webhook"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// receiver is a test endpoint whose status code can be switched.
type receiver struct {
	srv    *httptest.Server
	status atomic.Int32
	hits   atomic.Int32

	mu       sync.Mutex
	lastBody []byte
	lastHdr  http.Header
}

func newReceiver(t *testing.T, status int) *receiver {
	t.Helper()
	r := &receiver{}
	r.status.Store(int32(status))
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		r.mu.Lock()
		r.lastBody = body
		r.lastHdr = req.Header.Clone()
		r.mu.Unlock()
		r.hits.Add(1)
		w.WriteHeader(int(r.status.Load()))
	}))
	t.Cleanup(r.srv.Close)
	return r
}

type fixture struct {
	svc   *webhook.Service
	repo  *memory.WebhookRepo
	dlq   *memory.DeadLetterStore
	clock clockwork.FakeClock
}

func newFixture() *fixture {
	repo := memory.NewWebhookRepo()
	dlq := memory.NewDeadLetterStore()
	clock := clockwork.NewFakeClock()
	cfg := webhook.DefaultConfig()
	cfg.Timeout = 2 * time.Second
	cfg.RatePerHost = 0
	return &fixture{
		svc:   webhook.NewService(repo, dlq, nil, cfg, clock),
		repo:  repo,
		dlq:   dlq,
		clock: clock,
	}
}

func completedJob() domain.Job {
	return domain.Job{
		ID:      "job-1",
		OwnerID: "owner-1",
		Total:   3,
		Status:  domain.JobCompleted,
		Stats:   domain.JobStats{Processed: 3, Valid: 2, Invalid: 1},
	}
}

func TestEnqueueAndDeliver_SignedPayload(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	rcv := newReceiver(t, http.StatusOK)

	ep, err := f.svc.Register(ctx, "owner-1", rcv.srv.URL, "s3cret", []string{"job.completed"})
	require.NoError(t, err)
	_, err = f.svc.Register(ctx, "owner-1", rcv.srv.URL+"/failed-only", "x", []string{"job.failed"})
	require.NoError(t, err)
	_, err = f.svc.Register(ctx, "owner-2", rcv.srv.URL+"/other", "x", nil)
	require.NoError(t, err)

	n, err := f.svc.Enqueue(ctx, completedJob())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	attempted, err := f.svc.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, attempted)
	assert.Equal(t, int32(1), rcv.hits.Load())

	rcv.mu.Lock()
	body, hdr := rcv.lastBody, rcv.lastHdr
	rcv.mu.Unlock()

	var payload domain.WebhookPayload
	require.NoError(t, json.Unmarshal(body, &payload))
	assert.Equal(t, domain.EventJobCompleted, payload.Event)
	assert.Equal(t, "job-1", payload.JobID)
	assert.Equal(t, 3, payload.Processed)
	assert.Equal(t, domain.PayloadStats{Valid: 2, Invalid: 1}, payload.Stats)
	assert.Equal(t, payload.DeliveryID, hdr.Get(webhook.HeaderDelivery))
	assert.Equal(t, "job.completed", hdr.Get(webhook.HeaderEvent))
	assert.NoError(t, webhook.VerifySignature("s3cret", hdr.Get(webhook.HeaderSignature), body, 0, f.clock.Now()))
	assert.Error(t, webhook.VerifySignature("wrong", hdr.Get(webhook.HeaderSignature), body, 0, f.clock.Now()))

	d, err := f.repo.GetDelivery(ctx, payload.DeliveryID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryDelivered, d.State)
	assert.Equal(t, 1, d.Attempts)

	got, err := f.repo.GetEndpoint(ctx, ep.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.LastSuccessAt)
	assert.Equal(t, http.StatusOK, got.LastStatusCode)

	// Nothing left to do.
	attempted, err = f.svc.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, attempted)
}

func TestRetryScheduleThenDeadLetterExactlyOnce(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	rcv := newReceiver(t, http.StatusInternalServerError)

	_, err := f.svc.Register(ctx, "owner-1", rcv.srv.URL, "s", nil)
	require.NoError(t, err)
	_, err = f.svc.Enqueue(ctx, completedJob())
	require.NoError(t, err)

	waits := []time.Duration{30 * time.Second, 2 * time.Minute, 10 * time.Minute, time.Hour, time.Hour}
	for i, wait := range waits {
		_, err := f.svc.ProcessDue(ctx)
		require.NoError(t, err)
		assert.Equal(t, int32(i+1), rcv.hits.Load())

		// Not due again until the scheduled delay has passed.
		f.clock.Advance(wait - time.Second)
		_, err = f.svc.ProcessDue(ctx)
		require.NoError(t, err)
		assert.Equal(t, int32(i+1), rcv.hits.Load(), "attempt %d retried early", i+1)
		f.clock.Advance(time.Second)
	}

	// Sixth and last attempt.
	_, err = f.svc.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(6), rcv.hits.Load())

	dead, err := f.svc.DeadLetters(ctx, webhook.DeadLetterFilter{})
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, 6, dead[0].Attempts)
	assert.Equal(t, http.StatusInternalServerError, dead[0].LastStatusCode)
	assert.Contains(t, dead[0].LastError, "500")

	// No automatic retries after dead-lettering.
	f.clock.Advance(24 * time.Hour)
	_, err = f.svc.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(6), rcv.hits.Load())

	d, err := f.repo.GetDelivery(ctx, dead[0].DeliveryID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryDead, d.State)

	// A repeated transition does not add a second entry.
	d.State = domain.DeliveryPending
	require.NoError(t, f.svc.Deliver(ctx, d))
	dead, _ = f.svc.DeadLetters(ctx, webhook.DeadLetterFilter{})
	assert.Len(t, dead, 1)
}

func TestReplayResetsAttempts(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	rcv := newReceiver(t, http.StatusBadGateway)

	_, err := f.svc.Register(ctx, "owner-1", rcv.srv.URL, "s", nil)
	require.NoError(t, err)
	_, err = f.svc.Enqueue(ctx, completedJob())
	require.NoError(t, err)
	for i := 0; i < 6; i++ {
		_, err := f.svc.ProcessDue(ctx)
		require.NoError(t, err)
		f.clock.Advance(2 * time.Hour)
	}
	dead, _ := f.svc.DeadLetters(ctx, webhook.DeadLetterFilter{})
	require.Len(t, dead, 1)
	id := dead[0].DeliveryID

	require.NoError(t, f.svc.Replay(ctx, id))
	d, err := f.repo.GetDelivery(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0, d.Attempts)
	assert.Equal(t, domain.DeliveryPending, d.State)
	dead, _ = f.svc.DeadLetters(ctx, webhook.DeadLetterFilter{})
	assert.Empty(t, dead)

	assert.ErrorIs(t, f.svc.Replay(ctx, id), webhook.ErrNotFound)

	rcv.status.Store(http.StatusNoContent)
	_, err = f.svc.ProcessDue(ctx)
	require.NoError(t, err)
	d, _ = f.repo.GetDelivery(ctx, id)
	assert.Equal(t, domain.DeliveryDelivered, d.State)
	assert.Equal(t, 1, d.Attempts)
	rcv.mu.Lock()
	assert.Equal(t, id, rcv.lastHdr.Get(webhook.HeaderDelivery), "replays keep the delivery id")
	rcv.mu.Unlock()
}

func TestReplayAllHonoursFilter(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	now := f.clock.Now()
	for _, dl := range []domain.DeadLetter{
		{DeliveryID: "d1", OwnerID: "owner-1", JobID: "j1", URL: "http://a.example", Event: domain.EventJobCompleted, DeadAt: now},
		{DeliveryID: "d2", OwnerID: "owner-1", JobID: "j2", URL: "http://a.example", Event: domain.EventJobFailed, DeadAt: now},
		{DeliveryID: "d3", OwnerID: "owner-2", JobID: "j3", URL: "http://b.example", Event: domain.EventJobCompleted, DeadAt: now},
	} {
		_, err := f.dlq.Put(ctx, dl)
		require.NoError(t, err)
	}

	n, err := f.svc.ReplayAll(ctx, webhook.DeadLetterFilter{OwnerID: "owner-1"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	left, _ := f.svc.DeadLetters(ctx, webhook.DeadLetterFilter{})
	require.Len(t, left, 1)
	assert.Equal(t, "d3", left[0].DeliveryID)

	// Dead letters whose delivery row is gone are recreated from the entry.
	d, err := f.repo.GetDelivery(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryPending, d.State)
	assert.Equal(t, "j1", d.JobID)
}

func TestRemovedEndpointIsDeadLettered(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	rcv := newReceiver(t, http.StatusOK)
	ep, err := f.svc.Register(ctx, "owner-1", rcv.srv.URL, "", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, ep.Secret)

	_, err = f.svc.Enqueue(ctx, completedJob())
	require.NoError(t, err)
	require.NoError(t, f.svc.Unregister(ctx, "owner-1", ep.ID))

	_, err = f.svc.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(0), rcv.hits.Load())
	dead, _ := f.svc.DeadLetters(ctx, webhook.DeadLetterFilter{EndpointID: ep.ID})
	assert.Len(t, dead, 1)
}

func TestRegisterValidates(t *testing.T) {
	f := newFixture()
	_, err := f.svc.Register(context.Background(), "o", "ftp://x", "", nil)
	assert.ErrorIs(t, err, webhook.ErrInvalidURL)
	_, err = f.svc.Register(context.Background(), "o", "https://x.example/hook", "", []string{"job.exploded"})
	assert.Error(t, err)
}

func TestEnqueueRejectsRunningJob(t *testing.T) {
	f := newFixture()
	job := completedJob()
	job.Status = domain.JobRunning
	_, err := f.svc.Enqueue(context.Background(), job)
	assert.Error(t, err)
}

func TestSignatureTolerance(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	body := []byte(`{"a":1}`)
	header := webhook.Sign("k", now, body)
	assert.NoError(t, webhook.VerifySignature("k", header, body, 5*time.Minute, now.Add(time.Minute)))
	assert.Error(t, webhook.VerifySignature("k", header, body, 5*time.Minute, now.Add(10*time.Minute)))
	assert.Error(t, webhook.VerifySignature("k", header, []byte(`{"a":2}`), 0, now))
	assert.Error(t, webhook.VerifySignature("k", "garbage", body, 0, now))
}
