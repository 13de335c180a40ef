package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/bulk-verifier/internal/domain"
	"github.com/ignite/bulk-verifier/internal/normalize"
	"github.com/ignite/bulk-verifier/internal/pkg/distlock"
	"github.com/ignite/bulk-verifier/internal/pkg/logger"
	"github.com/ignite/bulk-verifier/internal/service/ledger"
	"github.com/jonboulle/clockwork"
)

// Runner executes stored jobs.
type Runner interface {
	// Start begins verifying a queued job in the background.
	Start(job domain.Job, tasks []domain.AddressTask)
	// Cancel stops a job, whether it is running here or was never started.
	Cancel(ctx context.Context, jobID string) error
}

// LockFactory returns a lock for an intake key.
type LockFactory func(key string) distlock.DistLock

// SubmitRequest is one intake call.
type SubmitRequest struct {
	OwnerID        string   `json:"owner_id"`
	IdempotencyKey string   `json:"idempotency_key"`
	Addresses      []string `json:"addresses"`
}

// SubmitResult describes the job an intake call resolved to.
type SubmitResult struct {
	Job        *domain.Job `json:"job"`
	Existing   bool        `json:"existing"`
	Discarded  int         `json:"discarded"`
	Duplicates int         `json:"duplicates"`
}

// Service implements job intake. It is safe for concurrent use.
type Service struct {
	repo         Repository
	ledger       *ledger.Service
	runner       Runner
	locks        LockFactory
	maxAddresses int
	clock        clockwork.Clock
	log          *logger.Logger
}

// NewService creates a jobs service.
func NewService(repo Repository, ledgerSvc *ledger.Service, runner Runner, clock clockwork.Clock) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Service{
		repo:   repo,
		ledger: ledgerSvc,
		runner: runner,
		clock:  clock,
		log:    logger.New("intake"),
	}
}

// WithIntakeLocks serialises concurrent submits sharing an idempotency key
// across replicas, so only one of them reserves credits.
func (s *Service) WithIntakeLocks(f LockFactory) *Service {
	s.locks = f
	return s
}

// WithMaxAddresses caps the size of a single job. Zero means no cap.
func (s *Service) WithMaxAddresses(n int) *Service {
	s.maxAddresses = n
	return s
}

// Submit creates and starts a job, or returns the job previously created
// with the same idempotency key.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	req.OwnerID = strings.TrimSpace(req.OwnerID)
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if req.OwnerID == "" {
		return nil, ErrOwnerRequired
	}
	if req.IdempotencyKey == "" {
		return s.submit(ctx, req)
	}

	if existing, err := s.repo.FindByIdempotencyKey(ctx, req.OwnerID, req.IdempotencyKey); err == nil {
		return &SubmitResult{Job: existing, Existing: true}, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("lookup idempotency key: %w", err)
	}

	if s.locks == nil {
		return s.submit(ctx, req)
	}
	var res *SubmitResult
	ran, err := distlock.WithLock(ctx, s.locks("intake:"+req.OwnerID+":"+req.IdempotencyKey), func(ctx context.Context) error {
		var err error
		res, err = s.submit(ctx, req)
		return err
	})
	if !ran && err == nil {
		return nil, ErrSubmitInProgress
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Service) submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	wl := normalize.Normalize(req.Addresses)
	if len(wl.Entries) == 0 {
		return nil, ErrNoAddresses
	}
	if s.maxAddresses > 0 && len(wl.Entries) > s.maxAddresses {
		return nil, ErrTooManyAddresses
	}

	jobID := uuid.New().String()
	if _, err := s.ledger.Reserve(ctx, jobID, req.OwnerID, len(wl.Entries)); err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	job := &domain.Job{
		ID:             jobID,
		OwnerID:        req.OwnerID,
		IdempotencyKey: req.IdempotencyKey,
		Total:          len(wl.Entries),
		Status:         domain.JobQueued,
		CreatedAt:      now,
	}
	tasks := make([]domain.AddressTask, len(wl.Entries))
	for i, e := range wl.Entries {
		tasks[i] = domain.AddressTask{
			JobID:  jobID,
			Index:  e.Index,
			Email:  e.Email,
			Domain: e.Domain,
			State:  domain.TaskPending,
		}
	}

	if err := s.repo.Create(ctx, job, tasks); err != nil {
		// Nothing was verified, so finalizing returns the whole hold.
		s.refund(ctx, jobID)
		if errors.Is(err, ErrDuplicate) {
			existing, ferr := s.repo.FindByIdempotencyKey(ctx, req.OwnerID, req.IdempotencyKey)
			if ferr != nil {
				return nil, fmt.Errorf("load job for duplicate key: %w", ferr)
			}
			return &SubmitResult{Job: existing, Existing: true}, nil
		}
		return nil, fmt.Errorf("create job: %w", err)
	}

	s.log.Info("job accepted",
		"job_id", jobID, "owner_id", req.OwnerID, "total", job.Total,
		"discarded", wl.Discarded, "duplicates", wl.Duplicates)
	s.runner.Start(*job, tasks)

	return &SubmitResult{Job: job, Discarded: wl.Discarded, Duplicates: wl.Duplicates}, nil
}

func (s *Service) refund(ctx context.Context, jobID string) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if _, err := s.ledger.Finalize(fctx, jobID); err != nil {
		s.log.Error("refund of abandoned reservation failed", "job_id", jobID, "error", err)
	}
}

// Get returns a job. A non-empty ownerID hides other owners' jobs.
func (s *Service) Get(ctx context.Context, ownerID, id string) (*domain.Job, error) {
	job, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ownerID != "" && job.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	return job, nil
}

// Results lists the per-address tasks of a job.
func (s *Service) Results(ctx context.Context, ownerID, id string, f TaskFilter) ([]domain.AddressTask, int, error) {
	if _, err := s.Get(ctx, ownerID, id); err != nil {
		return nil, 0, err
	}
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 1000
	}
	return s.repo.Tasks(ctx, id, f)
}

// Cancel stops a job. Cancelling a finished job returns ErrJobTerminal.
func (s *Service) Cancel(ctx context.Context, ownerID, id string) error {
	job, err := s.Get(ctx, ownerID, id)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return ErrJobTerminal
	}
	s.log.Info("job cancel requested", "job_id", id)
	return s.runner.Cancel(ctx, id)
}
