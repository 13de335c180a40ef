package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/bulk-verifier/internal/domain"
	"github.com/ignite/bulk-verifier/internal/pkg/backoff"
	"github.com/ignite/bulk-verifier/internal/pkg/logger"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
)

// Config tunes delivery.
type Config struct {
	Timeout       time.Duration
	MaxAttempts   int
	Schedule      backoff.Schedule
	BatchSize     int
	Concurrency   int
	RatePerHost   float64
	BurstPerHost  int
	SigningSecret string
	UserAgent     string
}

// DefaultConfig returns the production delivery settings.
func DefaultConfig() Config {
	return Config{
		Timeout:      10 * time.Second,
		MaxAttempts:  6,
		Schedule:     backoff.Schedule{30 * time.Second, 2 * time.Minute, 10 * time.Minute, time.Hour},
		BatchSize:    100,
		Concurrency:  8,
		RatePerHost:  5,
		BurstPerHost: 10,
		UserAgent:    "bulk-verifier-webhooks/1.0",
	}
}

// Service registers endpoints and delivers events to them. It is safe for
// concurrent use.
type Service struct {
	repo    Repository
	dlq     DeadLetterStore
	client  *http.Client
	limiter *hostLimiter
	cfg     Config
	clock   clockwork.Clock
	log     *logger.Logger
}

// NewService creates a dispatcher. client may be nil.
func NewService(repo Repository, dlq DeadLetterStore, client *http.Client, cfg Config, clock clockwork.Clock) *Service {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if len(cfg.Schedule) == 0 {
		cfg.Schedule = def.Schedule
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if client == nil {
		client = &http.Client{}
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Service{
		repo:    repo,
		dlq:     dlq,
		client:  client,
		limiter: newHostLimiter(cfg.RatePerHost, cfg.BurstPerHost),
		cfg:     cfg,
		clock:   clock,
		log:     logger.New("webhooks"),
	}
}

// Register stores a new endpoint for an owner. An empty secret gets a
// generated one, which is returned once on the endpoint.
func (s *Service) Register(ctx context.Context, ownerID, rawURL, secret string, events []string) (*domain.WebhookEndpoint, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, ErrInvalidURL
	}
	for _, ev := range events {
		switch domain.WebhookEvent(ev) {
		case domain.EventJobCompleted, domain.EventJobFailed, domain.EventJobCancelled, domain.EventAll:
		default:
			return nil, fmt.Errorf("%w %q", ErrUnknownEvent, ev)
		}
	}
	if secret == "" {
		if secret, err = NewSecret(); err != nil {
			return nil, fmt.Errorf("generate secret: %w", err)
		}
	}
	e := &domain.WebhookEndpoint{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		URL:       u.String(),
		Secret:    secret,
		Events:    events,
		Active:    true,
		CreatedAt: s.clock.Now().UTC(),
	}
	if err := s.repo.CreateEndpoint(ctx, e); err != nil {
		return nil, fmt.Errorf("create endpoint: %w", err)
	}
	s.log.Info("webhook endpoint registered", "endpoint_id", e.ID, "owner_id", ownerID, "url", e.URL)
	return e, nil
}

// Endpoints lists an owner's endpoints.
func (s *Service) Endpoints(ctx context.Context, ownerID string) ([]domain.WebhookEndpoint, error) {
	return s.repo.ListEndpoints(ctx, ownerID)
}

// Unregister removes an owner's endpoint.
func (s *Service) Unregister(ctx context.Context, ownerID, id string) error {
	return s.repo.DeleteEndpoint(ctx, ownerID, id)
}

// EventFor maps a terminal job status to its webhook event.
func EventFor(status domain.JobStatus) (domain.WebhookEvent, bool) {
	switch status {
	case domain.JobCompleted:
		return domain.EventJobCompleted, true
	case domain.JobFailed:
		return domain.EventJobFailed, true
	case domain.JobCancelled:
		return domain.EventJobCancelled, true
	}
	return "", false
}

// Enqueue creates one pending delivery per endpoint of the job's owner that
// subscribes to the job's terminal event. It returns how many were created.
func (s *Service) Enqueue(ctx context.Context, job domain.Job) (int, error) {
	event, ok := EventFor(job.Status)
	if !ok {
		return 0, fmt.Errorf("job %s is not terminal (%s)", job.ID, job.Status)
	}
	endpoints, err := s.repo.ListEndpoints(ctx, job.OwnerID)
	if err != nil {
		return 0, fmt.Errorf("list endpoints: %w", err)
	}

	now := s.clock.Now().UTC()
	created := 0
	for _, ep := range endpoints {
		if !ep.Subscribes(event) {
			continue
		}
		id := uuid.New().String()
		payload, err := json.Marshal(domain.WebhookPayload{
			Event:     event,
			JobID:     job.ID,
			Processed: job.Stats.Processed,
			Total:     job.Total,
			Stats: domain.PayloadStats{
				Valid:   job.Stats.Valid,
				Risky:   job.Stats.Risky,
				Invalid: job.Stats.Invalid,
				Unknown: job.Stats.Unknown + job.Stats.Errors,
			},
			Error:      job.Error,
			DeliveryID: id,
			Timestamp:  now,
		})
		if err != nil {
			return created, fmt.Errorf("encode payload: %w", err)
		}
		d := &domain.WebhookDelivery{
			ID:            id,
			EndpointID:    ep.ID,
			OwnerID:       job.OwnerID,
			JobID:         job.ID,
			URL:           ep.URL,
			Event:         event,
			Payload:       payload,
			NextAttemptAt: now,
			State:         domain.DeliveryPending,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := s.repo.CreateDelivery(ctx, d); err != nil {
			return created, fmt.Errorf("create delivery: %w", err)
		}
		created++
	}
	if created > 0 {
		s.log.Info("webhook deliveries enqueued", "job_id", job.ID, "event", string(event), "count", created)
	}
	return created, nil
}

// ProcessDue attempts every delivery that is due, a bounded number at a
// time, and returns how many were attempted.
func (s *Service) ProcessDue(ctx context.Context) (int, error) {
	due, err := s.repo.DueDeliveries(ctx, s.clock.Now().UTC(), s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("load due deliveries: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for i := range due {
		d := due[i]
		g.Go(func() error {
			if err := s.Deliver(gctx, &d); err != nil {
				s.log.Error("webhook delivery bookkeeping failed", "delivery_id", d.ID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return len(due), ctx.Err()
}

// Deliver makes one attempt at d and records the outcome. Receiver errors
// are not returned; they schedule a retry or dead-letter the delivery.
// Errors returned are storage failures.
func (s *Service) Deliver(ctx context.Context, d *domain.WebhookDelivery) error {
	if d.State != domain.DeliveryPending {
		return nil
	}

	ep, err := s.repo.GetEndpoint(ctx, d.EndpointID)
	if errors.Is(err, ErrNotFound) || (err == nil && !ep.Active) {
		d.LastError = "endpoint no longer registered"
		return s.deadLetter(ctx, d)
	}
	if err != nil {
		return fmt.Errorf("load endpoint: %w", err)
	}
	// Exhausted but not yet recorded dead, e.g. after a crash between the
	// two writes.
	if d.Attempts >= s.cfg.MaxAttempts {
		return s.deadLetter(ctx, d)
	}

	if err := s.limiter.wait(ctx, d.URL); err != nil {
		return err
	}

	status, sendErr := s.send(ctx, ep, d)
	now := s.clock.Now().UTC()
	d.Attempts++
	d.LastStatusCode = status
	d.UpdatedAt = now

	if sendErr == nil {
		d.State = domain.DeliveryDelivered
		d.DeliveredAt = &now
		d.LastError = ""
		if err := s.repo.UpdateDelivery(ctx, d); err != nil {
			return fmt.Errorf("mark delivered: %w", err)
		}
		s.recordEndpoint(ctx, ep.ID, true, status, now)
		s.log.Info("webhook delivered", "delivery_id", d.ID, "job_id", d.JobID, "attempt", d.Attempts, "status", status)
		return nil
	}

	d.LastError = sendErr.Error()
	s.recordEndpoint(ctx, ep.ID, false, status, now)
	if d.Attempts >= s.cfg.MaxAttempts {
		return s.deadLetter(ctx, d)
	}
	d.NextAttemptAt = now.Add(s.cfg.Schedule.At(d.Attempts))
	if err := s.repo.UpdateDelivery(ctx, d); err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}
	s.log.Warn("webhook attempt failed",
		"delivery_id", d.ID, "attempt", d.Attempts, "status", status, "error", sendErr, "next_attempt_at", d.NextAttemptAt)
	return nil
}

func (s *Service) send(ctx context.Context, ep *domain.WebhookEndpoint, d *domain.WebhookDelivery) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(d.Payload))
	if err != nil {
		return 0, err
	}
	secret := ep.Secret
	if secret == "" {
		secret = s.cfg.SigningSecret
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", s.cfg.UserAgent)
	req.Header.Set(HeaderDelivery, d.ID)
	req.Header.Set(HeaderEvent, string(d.Event))
	req.Header.Set(HeaderSignature, Sign(secret, s.clock.Now(), d.Payload))

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

func (s *Service) recordEndpoint(ctx context.Context, id string, ok bool, status int, at time.Time) {
	if err := s.repo.RecordEndpointResult(ctx, id, ok, status, at); err != nil {
		s.log.Warn("record endpoint result failed", "endpoint_id", id, "error", err)
	}
}

// deadLetter writes d to the dead-letter store, then marks it dead. The
// store's conditional put keeps a retried transition to a single entry.
func (s *Service) deadLetter(ctx context.Context, d *domain.WebhookDelivery) error {
	now := s.clock.Now().UTC()
	stored, err := s.dlq.Put(ctx, domain.DeadLetter{
		DeliveryID:     d.ID,
		EndpointID:     d.EndpointID,
		OwnerID:        d.OwnerID,
		JobID:          d.JobID,
		URL:            d.URL,
		Event:          d.Event,
		Payload:        d.Payload,
		Attempts:       d.Attempts,
		LastError:      d.LastError,
		LastStatusCode: d.LastStatusCode,
		DeadAt:         now,
	})
	if err != nil {
		return fmt.Errorf("dead-letter delivery %s: %w", d.ID, err)
	}
	d.State = domain.DeliveryDead
	d.UpdatedAt = now
	if err := s.repo.UpdateDelivery(ctx, d); err != nil {
		return fmt.Errorf("mark dead: %w", err)
	}
	if stored {
		s.log.Error("webhook dead-lettered",
			"delivery_id", d.ID, "job_id", d.JobID, "attempts", d.Attempts, "error", d.LastError)
	}
	return nil
}

// DeadLetters lists dead-lettered deliveries.
func (s *Service) DeadLetters(ctx context.Context, f DeadLetterFilter) ([]domain.DeadLetter, error) {
	return s.dlq.List(ctx, f)
}

// Replay puts a dead-lettered delivery back into the retry pipeline with a
// fresh attempt counter. The delivery id is kept so receivers can still
// deduplicate.
func (s *Service) Replay(ctx context.Context, deliveryID string) error {
	dl, err := s.dlq.Get(ctx, deliveryID)
	if err != nil {
		return err
	}
	now := s.clock.Now().UTC()

	d, err := s.repo.GetDelivery(ctx, deliveryID)
	switch {
	case errors.Is(err, ErrNotFound):
		d = &domain.WebhookDelivery{
			ID:         dl.DeliveryID,
			EndpointID: dl.EndpointID,
			OwnerID:    dl.OwnerID,
			JobID:      dl.JobID,
			URL:        dl.URL,
			Event:      dl.Event,
			Payload:    dl.Payload,
			State:      domain.DeliveryPending,
			CreatedAt:  now,
		}
		d.NextAttemptAt = now
		d.UpdatedAt = now
		if err := s.repo.CreateDelivery(ctx, d); err != nil {
			return fmt.Errorf("recreate delivery: %w", err)
		}
	case err != nil:
		return fmt.Errorf("load delivery: %w", err)
	default:
		if d.State == domain.DeliveryDelivered {
			return ErrNotDead
		}
		if d.State == domain.DeliveryPending {
			// Requeued by an earlier replay that did not get to remove the
			// dead letter.
			break
		}
		d.State = domain.DeliveryPending
		d.Attempts = 0
		d.LastError = ""
		d.LastStatusCode = 0
		d.NextAttemptAt = now
		d.UpdatedAt = now
		if err := s.repo.UpdateDelivery(ctx, d); err != nil {
			return fmt.Errorf("reset delivery: %w", err)
		}
	}

	if err := s.dlq.Delete(ctx, deliveryID); err != nil {
		return fmt.Errorf("remove dead letter: %w", err)
	}
	s.log.Info("webhook replayed", "delivery_id", deliveryID, "job_id", dl.JobID)
	return nil
}

// ReplayAll replays every dead letter matching f and returns how many were
// requeued.
func (s *Service) ReplayAll(ctx context.Context, f DeadLetterFilter) (int, error) {
	dls, err := s.dlq.List(ctx, f)
	if err != nil {
		return 0, fmt.Errorf("list dead letters: %w", err)
	}
	n := 0
	for _, dl := range dls {
		if err := s.Replay(ctx, dl.DeliveryID); err != nil {
			if errors.Is(err, ErrNotDead) {
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}
