package jobs

import (
	"context"
	"time"

	"github.com/ignite/bulk-verifier/internal/domain"
)

// Repository defines the data access contract for jobs and their tasks.
type Repository interface {
	// Create stores a queued job and its tasks. Returns ErrDuplicate when the
	// owner already used the job's idempotency key.
	Create(ctx context.Context, job *domain.Job, tasks []domain.AddressTask) error

	// Get returns a job or ErrNotFound.
	Get(ctx context.Context, id string) (*domain.Job, error)

	// FindByIdempotencyKey returns the owner's job for key or ErrNotFound.
	FindByIdempotencyKey(ctx context.Context, ownerID, key string) (*domain.Job, error)

	// MarkRunning moves a queued job to running.
	MarkRunning(ctx context.Context, id string, at time.Time) error

	// RecordAttempt persists the attempt count and state of a task that is
	// not terminal yet. Terminal tasks are left untouched.
	RecordAttempt(ctx context.Context, task domain.AddressTask) error

	// RecordResult stores the terminal result of a task, folds it into the
	// job counters and charges charge credit units against the job's open
	// reservation in one unit. It reports false, changing nothing, when the
	// task was already terminal. A charge never raises consumed past
	// reserved, and a settled reservation is not charged.
	RecordResult(ctx context.Context, task domain.AddressTask, charge int64) (bool, error)

	// CancelPending marks every non-terminal task of the job cancelled and
	// returns how many were changed.
	CancelPending(ctx context.Context, jobID string, at time.Time) (int, error)

	// Finish moves the job to a terminal status. Returns ErrJobTerminal when
	// the job already finished and ErrTasksOutstanding when a task is still
	// open.
	Finish(ctx context.Context, id string, status domain.JobStatus, errMsg string, at time.Time) (*domain.Job, error)

	// Tasks lists a job's tasks in index order.
	Tasks(ctx context.Context, jobID string, f TaskFilter) ([]domain.AddressTask, int, error)

	// AcquireLease claims or renews the run lease of a queued or running job
	// for holder until the given time. It fails with ErrLeaseHeld while
	// another holder's lease is live at now, and with ErrJobTerminal once
	// the job has finished. The result reports whether a cancel has been
	// requested for the job.
	AcquireLease(ctx context.Context, id, holder string, now, until time.Time) (cancelRequested bool, err error)

	// RequestCancel flags a queued or running job for cancellation and
	// reports whether a live lease holds it at now, in which case the lease
	// holder finishes the job. Returns ErrJobTerminal for finished jobs.
	RequestCancel(ctx context.Context, id string, now time.Time) (leased bool, err error)

	// ListStale returns queued or running jobs without a live lease at now,
	// oldest first. Jobs that were never leased only count once they are
	// older than unclaimedAfter, so freshly accepted jobs are left to the
	// replica that accepted them.
	ListStale(ctx context.Context, now time.Time, unclaimedAfter time.Duration) ([]domain.Job, error)
}

// TaskFilter controls pagination and filtering of task listings.
type TaskFilter struct {
	Status string
	Limit  int
	Offset int
}
