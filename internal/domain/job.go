package domain

import "time"

// JobStatus is the lifecycle state of a bulk verification job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status can no longer change.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// JobStats are the aggregate counters of a job. Processed counts every
// address that reached a result; cancelled addresses are not processed.
type JobStats struct {
	Processed int `json:"processed" db:"processed"`
	Valid     int `json:"valid" db:"valid"`
	Risky     int `json:"risky" db:"risky"`
	Invalid   int `json:"invalid" db:"invalid"`
	Unknown   int `json:"unknown" db:"unknown"`
	Errors    int `json:"errors" db:"errors"`
}

// Sum returns valid+risky+invalid+unknown+errors.
func (s JobStats) Sum() int {
	return s.Valid + s.Risky + s.Invalid + s.Unknown + s.Errors
}

// Add folds one terminal result into the counters. Internal failures are
// tallied under Errors rather than Unknown so Sum never double counts.
func (s *JobStats) Add(r Result) {
	s.Processed++
	if r.Reason == ReasonInternalError {
		s.Errors++
		return
	}
	switch r.Status {
	case StatusValid:
		s.Valid++
	case StatusRisky:
		s.Risky++
	case StatusInvalid:
		s.Invalid++
	default:
		s.Unknown++
	}
}

// Job is one bulk verification request. Counters are mutated only while the
// job runs; the record is immutable once Status is terminal.
type Job struct {
	ID             string     `json:"id" db:"id"`
	OwnerID        string     `json:"owner_id" db:"owner_id"`
	IdempotencyKey string     `json:"idempotency_key,omitempty" db:"idempotency_key"`
	Total          int        `json:"total" db:"total"`
	Status         JobStatus  `json:"status" db:"status"`
	Stats          JobStats   `json:"stats"`
	Error          string     `json:"error,omitempty" db:"error"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty" db:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty" db:"finished_at"`
}
