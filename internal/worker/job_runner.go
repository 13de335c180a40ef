package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/bulk-verifier/internal/domain"
	"github.com/ignite/bulk-verifier/internal/pkg/logger"
	"github.com/ignite/bulk-verifier/internal/progress"
	"github.com/ignite/bulk-verifier/internal/service/jobs"
	"github.com/ignite/bulk-verifier/internal/service/ledger"
	"github.com/jonboulle/clockwork"
)

// =============================================================================
// JOB RUNNER
// =============================================================================
// Runs accepted jobs through the scheduler and owns everything that happens
// when a job ends, whatever the reason:
//
//   1. unfinished tasks are marked cancelled
//   2. the job moves to its terminal status (only once every task is terminal)
//   3. the credit reservation is finalized
//   4. the terminal progress event is published
//   5. webhook deliveries are enqueued
//   6. results are exported (best effort, off the critical path)
//
// A running job is held under a lease in the job store that the runner
// renews every third of DefaultJobLease. Other replicas only recover jobs
// whose lease ran out, and reach a leased job's runner through the store's
// cancel flag, which the lease renewal reads.

// DefaultJobLease is how long a job lease lasts without renewal.
const DefaultJobLease = 30 * time.Second

// Cancellation causes.
var (
	ErrCancelRequested = errors.New("cancelled by request")
	ErrShuttingDown    = errors.New("interrupted")
	ErrLeaseLost       = errors.New("job lease lost")
)

// WebhookEnqueuer creates deliveries for a terminal job.
type WebhookEnqueuer interface {
	Enqueue(ctx context.Context, job domain.Job) (int, error)
}

// ResultExporter writes a finished job's results somewhere durable.
type ResultExporter interface {
	Export(ctx context.Context, job domain.Job, tasks []domain.AddressTask) error
}

// JobRunner implements jobs.Runner.
type JobRunner struct {
	scheduler *Scheduler
	repo      jobs.Repository
	ledger    *ledger.Service
	publisher progress.Publisher
	webhooks  WebhookEnqueuer
	exporter  ResultExporter
	clock     clockwork.Clock
	log       *logger.Logger
	holder    string
	leaseTTL  time.Duration

	baseCtx    context.Context
	stopBase   context.CancelCauseFunc
	mu         sync.Mutex
	running    map[string]context.CancelCauseFunc
	wg         sync.WaitGroup
	finishWait time.Duration
}

// NewJobRunner wires a runner. webhooks and exporter may be nil.
func NewJobRunner(s *Scheduler, repo jobs.Repository, ledgerSvc *ledger.Service, pub progress.Publisher, webhooks WebhookEnqueuer, exporter ResultExporter, clock clockwork.Clock) *JobRunner {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	base, stop := context.WithCancelCause(context.Background())
	return &JobRunner{
		scheduler:  s,
		repo:       repo,
		ledger:     ledgerSvc,
		publisher:  pub,
		webhooks:   webhooks,
		exporter:   exporter,
		clock:      clock,
		log:        logger.New("job-runner"),
		holder:     uuid.NewString(),
		leaseTTL:   DefaultJobLease,
		baseCtx:    base,
		stopBase:   stop,
		running:    make(map[string]context.CancelCauseFunc),
		finishWait: 30 * time.Second,
	}
}

// WithLease sets how long a job lease lasts without renewal.
func (r *JobRunner) WithLease(ttl time.Duration) *JobRunner {
	if ttl > 0 {
		r.leaseTTL = ttl
	}
	return r
}

// Start begins running job in the background.
func (r *JobRunner) Start(job domain.Job, tasks []domain.AddressTask) {
	ctx, cancel := context.WithCancelCause(r.baseCtx)
	r.mu.Lock()
	if _, dup := r.running[job.ID]; dup {
		r.mu.Unlock()
		cancel(nil)
		return
	}
	r.running[job.ID] = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.running, job.ID)
			r.mu.Unlock()
			cancel(nil)
		}()
		r.run(ctx, cancel, job, tasks)
	}()
}

// Cancel stops a job. A job leased by another replica is flagged for that
// replica to stop; a job nobody holds is finished directly.
func (r *JobRunner) Cancel(ctx context.Context, jobID string) error {
	r.mu.Lock()
	cancel, ok := r.running[jobID]
	r.mu.Unlock()
	if ok {
		cancel(ErrCancelRequested)
		return nil
	}
	leased, err := r.repo.RequestCancel(ctx, jobID, r.clock.Now().UTC())
	switch {
	case errors.Is(err, jobs.ErrJobTerminal):
		return nil
	case err != nil:
		return err
	case leased:
		r.log.Info("cancel left to the job's lease holder", "job_id", jobID)
		return nil
	}
	_, err = r.finish(ctx, jobID, domain.JobCancelled, "")
	return err
}

// Running reports how many jobs this process is running.
func (r *JobRunner) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running)
}

// Shutdown interrupts every running job and waits for them to be finished
// as failed, or for ctx to end.
func (r *JobRunner) Shutdown(ctx context.Context) error {
	r.stopBase(ErrShuttingDown)
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *JobRunner) run(ctx context.Context, cancel context.CancelCauseFunc, job domain.Job, tasks []domain.AddressTask) {
	start := r.clock.Now()
	cancelRequested, err := r.repo.AcquireLease(ctx, job.ID, r.holder, start.UTC(), start.Add(r.leaseTTL).UTC())
	switch {
	case errors.Is(err, jobs.ErrLeaseHeld), errors.Is(err, jobs.ErrJobTerminal):
		r.log.Warn("job not started", "job_id", job.ID, "reason", err.Error())
		return
	case err != nil:
		// Unleased jobs are picked up by the stale job sweep.
		r.log.Error("acquire job lease failed", "job_id", job.ID, "error", err)
		return
	case cancelRequested:
		cancel(ErrCancelRequested)
	}
	stopHeartbeat := make(chan struct{})
	defer close(stopHeartbeat)
	go r.heartbeat(job.ID, cancel, stopHeartbeat)

	if err := r.repo.MarkRunning(ctx, job.ID, start.UTC()); err != nil {
		r.log.Error("mark job running failed", "job_id", job.ID, "error", err)
	}
	r.log.Info("job started", "job_id", job.ID, "total", job.Total)

	sink := &jobSink{r: r, job: job}
	summary := r.scheduler.Run(ctx, job, tasks, sink)

	status, errMsg := domain.JobCompleted, ""
	switch {
	case errors.Is(summary.Err, ErrLeaseLost):
		r.log.Warn("job abandoned to another runner", "job_id", job.ID, "processed", sink.stats.Processed)
		return
	case errors.Is(summary.Err, ErrCancelRequested):
		status = domain.JobCancelled
	case summary.Err != nil:
		status, errMsg = domain.JobFailed, summary.Err.Error()
	}
	final, err := r.finish(ctx, job.ID, status, errMsg)
	if err != nil {
		r.log.Error("finish job failed", "job_id", job.ID, "error", err)
		return
	}
	r.log.Info("job finished",
		"job_id", job.ID, "status", string(final.Status), "processed", final.Stats.Processed,
		"cancelled", summary.Cancelled, "duration", r.clock.Since(start).Round(time.Millisecond).String())
}

// heartbeat renews the job lease until stop is closed. A cancel requested
// through the store cancels the job with ErrCancelRequested; a lease taken
// over by another runner cancels it with ErrLeaseLost.
func (r *JobRunner) heartbeat(jobID string, cancel context.CancelCauseFunc, stop <-chan struct{}) {
	every := r.leaseTTL / 3
	ticker := r.clock.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
		}
		now := r.clock.Now().UTC()
		ctx, done := context.WithTimeout(context.Background(), every)
		cancelRequested, err := r.repo.AcquireLease(ctx, jobID, r.holder, now, now.Add(r.leaseTTL))
		done()
		switch {
		case errors.Is(err, jobs.ErrLeaseHeld), errors.Is(err, jobs.ErrJobTerminal):
			r.log.Warn("job lease lost", "job_id", jobID, "reason", err.Error())
			cancel(ErrLeaseLost)
			return
		case err != nil:
			r.log.Warn("renew job lease failed", "job_id", jobID, "error", err)
		case cancelRequested:
			cancel(ErrCancelRequested)
		}
	}
}

// finish runs the end-of-job sequence. It is safe to call more than once;
// only the first call changes anything.
func (r *JobRunner) finish(ctx context.Context, jobID string, status domain.JobStatus, errMsg string) (*domain.Job, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.finishWait)
	defer cancel()
	now := r.clock.Now().UTC()

	if status != domain.JobCompleted {
		if n, err := r.repo.CancelPending(ctx, jobID, now); err != nil {
			return nil, err
		} else if n > 0 {
			r.log.Info("unfinished addresses cancelled", "job_id", jobID, "count", n)
		}
	}

	final, err := r.repo.Finish(ctx, jobID, status, errMsg, now)
	if errors.Is(err, jobs.ErrTasksOutstanding) {
		// Results that could not be recorded leave tasks open.
		r.log.Error("job has unrecorded results, failing it", "job_id", jobID)
		if _, err := r.repo.CancelPending(ctx, jobID, now); err != nil {
			return nil, err
		}
		final, err = r.repo.Finish(ctx, jobID, domain.JobFailed, "results could not be recorded", now)
	}
	if errors.Is(err, jobs.ErrJobTerminal) {
		r.log.Warn("finish skipped: job already terminal", "job_id", jobID)
		// Still make sure the reservation is settled.
		if _, ferr := r.ledger.Finalize(ctx, jobID); ferr != nil && !errors.Is(ferr, ledger.ErrNotFound) {
			r.log.Error("finalize reservation failed", "job_id", jobID, "error", ferr)
		}
		return r.repo.Get(ctx, jobID)
	}
	if err != nil {
		return nil, err
	}

	if _, err := r.ledger.Finalize(ctx, jobID); err != nil {
		// The reaper settles it later.
		r.log.Error("finalize reservation failed", "job_id", jobID, "error", err)
	}

	if ev := progress.Terminal(*final, now); ev != nil {
		r.publisher.Publish(ctx, ev)
	}

	if r.webhooks != nil {
		if _, err := r.webhooks.Enqueue(ctx, *final); err != nil {
			r.log.Error("enqueue webhooks failed", "job_id", jobID, "error", err)
		}
	}

	if r.exporter != nil {
		r.wg.Add(1)
		go func(job domain.Job) {
			defer r.wg.Done()
			r.export(job)
		}(*final)
	}
	return final, nil
}

func (r *JobRunner) export(job domain.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	tasks, _, err := r.repo.Tasks(ctx, job.ID, jobs.TaskFilter{})
	if err != nil {
		r.log.Error("load results for export failed", "job_id", job.ID, "error", err)
		return
	}
	if err := r.exporter.Export(ctx, job, tasks); err != nil {
		r.log.Error("export results failed", "job_id", job.ID, "error", err)
	}
}

// RecoverInterrupted fails jobs whose runner went away: queued or running
// jobs whose lease ran out, or that nobody leased within a lease period.
// Each is leased before it is finished so two replicas never settle the
// same job. Reservations are settled for what was recorded.
func (r *JobRunner) RecoverInterrupted(ctx context.Context) (int, error) {
	now := r.clock.Now().UTC()
	stale, err := r.repo.ListStale(ctx, now, r.leaseTTL)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, job := range stale {
		r.mu.Lock()
		_, mine := r.running[job.ID]
		r.mu.Unlock()
		if mine {
			continue
		}
		if _, err := r.repo.AcquireLease(ctx, job.ID, r.holder, now, now.Add(r.leaseTTL)); err != nil {
			if !errors.Is(err, jobs.ErrLeaseHeld) && !errors.Is(err, jobs.ErrJobTerminal) {
				r.log.Error("lease interrupted job failed", "job_id", job.ID, "error", err)
			}
			continue
		}
		if _, err := r.finish(ctx, job.ID, domain.JobFailed, ErrShuttingDown.Error()); err != nil {
			r.log.Error("recover interrupted job failed", "job_id", job.ID, "error", err)
			continue
		}
		n++
	}
	if n > 0 {
		r.log.Warn("interrupted jobs failed", "count", n)
	}
	return n, nil
}

// =============================================================================
// SINK
// =============================================================================

// jobSink records results for one job. It runs on the job's dispatcher
// goroutine, so its tallies need no lock.
type jobSink struct {
	r     *JobRunner
	job   domain.Job
	stats domain.JobStats
}

func (s *jobSink) Retrying(ctx context.Context, task domain.AddressTask) {
	ctx = context.WithoutCancel(ctx)
	if err := s.r.repo.RecordAttempt(ctx, task); err != nil {
		s.r.log.Warn("record attempt failed", "job_id", task.JobID, "index", task.Index, "error", err)
	}
}

func (s *jobSink) Result(ctx context.Context, task domain.AddressTask) {
	// Results that arrive while a cancelled job drains are still recorded.
	ctx = context.WithoutCancel(ctx)

	// The charge commits with the result, so a retry after a failed attempt
	// can neither skip nor repeat it.
	var (
		charge   = s.r.ledger.Cost(1)
		recorded bool
		err      error
	)
	for try := 0; try < 3; try++ {
		if recorded, err = s.r.repo.RecordResult(ctx, task, charge); err == nil {
			break
		}
		time.Sleep(time.Duration(try+1) * 100 * time.Millisecond)
	}
	if err != nil {
		s.r.log.Error("record result failed", "job_id", task.JobID, "index", task.Index, "error", err)
		return
	}
	if !recorded {
		s.r.log.Warn("result ignored: task already terminal", "job_id", task.JobID, "index", task.Index)
		return
	}

	s.stats.Add(*task.Result)
	s.r.publisher.Publish(ctx, progress.ProgressEvent{
		JobID:     s.job.ID,
		Processed: s.stats.Processed,
		Total:     s.job.Total,
		Stats:     s.stats,
		Last:      &progress.AddressResult{Index: task.Index, Email: task.Email, Result: *task.Result},
		At:        s.r.clock.Now().UTC(),
	})
}
