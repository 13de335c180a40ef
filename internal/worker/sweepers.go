package worker

import (
	"context"
	"errors"
	"time"

	"github.com/ignite/bulk-verifier/internal/pkg/distlock"
	"github.com/ignite/bulk-verifier/internal/pkg/logger"
	"github.com/ignite/bulk-verifier/internal/service/jobs"
	"github.com/ignite/bulk-verifier/internal/service/ledger"
	"github.com/jonboulle/clockwork"
)

// =============================================================================
// PERIODIC SWEEPERS
// =============================================================================
// The sweepers run on every replica but do their work under a distributed
// lock, so one replica sweeps per tick.

const (
	// DefaultWebhookInterval is how often due webhook deliveries are sent.
	DefaultWebhookInterval = 5 * time.Second

	// DefaultReapInterval is how often open reservations are checked.
	DefaultReapInterval = 5 * time.Minute

	// orphanAge is how old a reservation without a job must be before it is
	// refunded. Intake creates the reservation just before the job row.
	orphanAge = 10 * time.Minute
)

// DueProcessor sends due webhook deliveries; *webhook.Service satisfies it.
type DueProcessor interface {
	ProcessDue(ctx context.Context) (int, error)
}

// WebhookWorker periodically sends due webhook deliveries.
type WebhookWorker struct {
	svc      DueProcessor
	lock     func() distlock.DistLock
	interval time.Duration
	clock    clockwork.Clock
	log      *logger.Logger
}

// NewWebhookWorker creates the delivery loop. lock returns a fresh lock
// instance per sweep.
func NewWebhookWorker(svc DueProcessor, lock func() distlock.DistLock, interval time.Duration, clock clockwork.Clock) *WebhookWorker {
	if interval <= 0 {
		interval = DefaultWebhookInterval
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &WebhookWorker{svc: svc, lock: lock, interval: interval, clock: clock, log: logger.New("webhook-worker")}
}

// Start runs the loop until ctx is cancelled.
func (w *WebhookWorker) Start(ctx context.Context) {
	w.log.Info("starting", "interval", w.interval.String())
	ticker := w.clock.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.log.Info("stopping")
			return
		case <-ticker.Chan():
			w.Sweep(ctx)
		}
	}
}

// Sweep sends every due delivery once, if this replica wins the lock.
func (w *WebhookWorker) Sweep(ctx context.Context) {
	var sent int
	ran, err := distlock.WithLock(ctx, w.lock(), func(ctx context.Context) error {
		var err error
		sent, err = w.svc.ProcessDue(ctx)
		return err
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		w.log.Error("webhook sweep failed", "error", err)
		return
	}
	if ran && sent > 0 {
		w.log.Debug("webhook sweep", "attempted", sent)
	}
}

// ReservationReaper settles reservations that the normal end-of-job path
// missed: jobs that ended while the ledger was unreachable, and holds whose
// job was never stored.
type ReservationReaper struct {
	ledger   *ledger.Service
	jobs     jobs.Repository
	lock     func() distlock.DistLock
	interval time.Duration
	clock    clockwork.Clock
	log      *logger.Logger
}

// NewReservationReaper creates the reaper.
func NewReservationReaper(ledgerSvc *ledger.Service, repo jobs.Repository, lock func() distlock.DistLock, interval time.Duration, clock clockwork.Clock) *ReservationReaper {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ReservationReaper{
		ledger:   ledgerSvc,
		jobs:     repo,
		lock:     lock,
		interval: interval,
		clock:    clock,
		log:      logger.New("reservation-reaper"),
	}
}

// Start runs the reaper until ctx is cancelled.
func (rr *ReservationReaper) Start(ctx context.Context) {
	rr.log.Info("starting", "interval", rr.interval.String())
	ticker := rr.clock.NewTicker(rr.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			rr.log.Info("stopping")
			return
		case <-ticker.Chan():
			if _, err := distlock.WithLock(ctx, rr.lock(), func(ctx context.Context) error {
				_, err := rr.Reap(ctx)
				return err
			}); err != nil && !errors.Is(err, context.Canceled) {
				rr.log.Error("reap failed", "error", err)
			}
		}
	}
}

// Reap finalizes open reservations whose job is terminal or missing, and
// returns how many it settled.
func (rr *ReservationReaper) Reap(ctx context.Context) (int, error) {
	open, err := rr.ledger.ListOpen(ctx, 500)
	if err != nil {
		return 0, err
	}
	now := rr.clock.Now()
	settled := 0
	for _, res := range open {
		job, err := rr.jobs.Get(ctx, res.JobID)
		switch {
		case errors.Is(err, jobs.ErrNotFound):
			if now.Sub(res.CreatedAt) < orphanAge {
				continue
			}
		case err != nil:
			return settled, err
		case !job.Status.Terminal():
			continue
		}
		if _, err := rr.ledger.Finalize(ctx, res.JobID); err != nil {
			rr.log.Error("reap reservation failed", "job_id", res.JobID, "error", err)
			continue
		}
		settled++
	}
	if settled > 0 {
		rr.log.Info("reservations reaped", "count", settled)
	}
	return settled, nil
}

// Recoverer fails jobs abandoned by their runner; *JobRunner satisfies it.
type Recoverer interface {
	RecoverInterrupted(ctx context.Context) (int, error)
}

// StaleJobSweeper recovers jobs left behind by a replica that stopped
// renewing their leases.
type StaleJobSweeper struct {
	runner   Recoverer
	lock     func() distlock.DistLock
	interval time.Duration
	clock    clockwork.Clock
	log      *logger.Logger
}

// NewStaleJobSweeper creates the sweep. interval defaults to DefaultJobLease.
func NewStaleJobSweeper(runner Recoverer, lock func() distlock.DistLock, interval time.Duration, clock clockwork.Clock) *StaleJobSweeper {
	if interval <= 0 {
		interval = DefaultJobLease
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &StaleJobSweeper{runner: runner, lock: lock, interval: interval, clock: clock, log: logger.New("stale-job-sweeper")}
}

// Start runs the sweep until ctx is cancelled.
func (s *StaleJobSweeper) Start(ctx context.Context) {
	s.log.Info("starting", "interval", s.interval.String())
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("stopping")
			return
		case <-ticker.Chan():
			s.Sweep(ctx)
		}
	}
}

// Sweep recovers stale jobs once, if this replica wins the lock.
func (s *StaleJobSweeper) Sweep(ctx context.Context) {
	_, err := distlock.WithLock(ctx, s.lock(), func(ctx context.Context) error {
		_, err := s.runner.RecoverInterrupted(ctx)
		return err
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Error("stale job sweep failed", "error", err)
	}
}
