// Package progress fans live job events out to whoever is listening.
//
// Publishing is fire-and-forget: the publisher keeps no subscriber list and
// gives no delivery guarantee beyond having tried. Subscribers that miss
// events resynchronise by reading the job snapshot. Durable notification is
// the webhook dispatcher's job, not this package's.
package progress

import (
	"time"

	"github.com/ignite/bulk-verifier/internal/domain"
)

// Kind names an event on the wire.
type Kind string

const (
	KindProgress  Kind = "progress"
	KindCompleted Kind = "completed"
	KindFailed    Kind = "failed"
	KindCancelled Kind = "cancelled"
)

// Event is the closed set of job events. Only types in this package can
// implement it; consumers switch over kinds through Visitor, so adding a
// kind breaks every consumer until it handles the new case.
type Event interface {
	Kind() Kind
	Job() string
	Accept(v Visitor)
	sealed()
}

// Visitor handles every event kind.
type Visitor interface {
	Progress(ProgressEvent)
	Completed(CompletedEvent)
	Failed(FailedEvent)
	Cancelled(CancelledEvent)
}

// AddressResult is the per-address result carried by progress events.
type AddressResult struct {
	Index  int           `json:"index"`
	Email  string        `json:"email"`
	Result domain.Result `json:"result"`
}

// ProgressEvent reports running tallies after an address finished.
type ProgressEvent struct {
	JobID     string          `json:"job_id"`
	Processed int             `json:"processed"`
	Total     int             `json:"total"`
	Stats     domain.JobStats `json:"stats"`
	Last      *AddressResult  `json:"last,omitempty"`
	At        time.Time       `json:"at"`
}

// CompletedEvent carries the final tallies of a finished job.
type CompletedEvent struct {
	JobID string          `json:"job_id"`
	Total int             `json:"total"`
	Stats domain.JobStats `json:"stats"`
	At    time.Time       `json:"at"`
}

// FailedEvent reports a job-level error.
type FailedEvent struct {
	JobID string          `json:"job_id"`
	Total int             `json:"total"`
	Stats domain.JobStats `json:"stats"`
	Error string          `json:"error"`
	At    time.Time       `json:"at"`
}

// CancelledEvent reports a job stopped on request.
type CancelledEvent struct {
	JobID string          `json:"job_id"`
	Total int             `json:"total"`
	Stats domain.JobStats `json:"stats"`
	At    time.Time       `json:"at"`
}

func (ProgressEvent) Kind() Kind  { return KindProgress }
func (CompletedEvent) Kind() Kind { return KindCompleted }
func (FailedEvent) Kind() Kind    { return KindFailed }
func (CancelledEvent) Kind() Kind { return KindCancelled }

func (e ProgressEvent) Job() string  { return e.JobID }
func (e CompletedEvent) Job() string { return e.JobID }
func (e FailedEvent) Job() string    { return e.JobID }
func (e CancelledEvent) Job() string { return e.JobID }

func (e ProgressEvent) Accept(v Visitor)  { v.Progress(e) }
func (e CompletedEvent) Accept(v Visitor) { v.Completed(e) }
func (e FailedEvent) Accept(v Visitor)    { v.Failed(e) }
func (e CancelledEvent) Accept(v Visitor) { v.Cancelled(e) }

func (ProgressEvent) sealed()  {}
func (CompletedEvent) sealed() {}
func (FailedEvent) sealed()    {}
func (CancelledEvent) sealed() {}

// Terminal builds the job-terminal event matching the job's status. It
// returns nil for non-terminal jobs.
func Terminal(job domain.Job, at time.Time) Event {
	switch job.Status {
	case domain.JobCompleted:
		return CompletedEvent{JobID: job.ID, Total: job.Total, Stats: job.Stats, At: at}
	case domain.JobFailed:
		return FailedEvent{JobID: job.ID, Total: job.Total, Stats: job.Stats, Error: job.Error, At: at}
	case domain.JobCancelled:
		return CancelledEvent{JobID: job.ID, Total: job.Total, Stats: job.Stats, At: at}
	}
	return nil
}
