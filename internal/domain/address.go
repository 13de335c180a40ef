package domain

import "time"

// VerificationStatus is the verdict reported for an address.
type VerificationStatus string

const (
	StatusValid   VerificationStatus = "valid"
	StatusRisky   VerificationStatus = "risky"
	StatusInvalid VerificationStatus = "invalid"
	StatusUnknown VerificationStatus = "unknown"
)

// ReasonCode explains how a result was reached.
type ReasonCode string

const (
	ReasonAccepted         ReasonCode = "accepted"
	ReasonCatchAll         ReasonCode = "catch_all"
	ReasonInvalidSyntax    ReasonCode = "invalid_syntax"
	ReasonNoMX             ReasonCode = "no_mx_records"
	ReasonDisposable       ReasonCode = "disposable_domain"
	ReasonMailboxNotFound  ReasonCode = "mailbox_not_found"
	ReasonTemporaryFailure ReasonCode = "temporary_failure"
	ReasonTimeout          ReasonCode = "timeout"
	ReasonConnectionFailed ReasonCode = "connection_failed"
	ReasonSMTPUnknown      ReasonCode = "smtp_unknown_response"
	ReasonMaxRetries       ReasonCode = "max_retries_exceeded"
	ReasonCancelled        ReasonCode = "cancelled"
	ReasonInternalError    ReasonCode = "internal_error"
)

// ResultFlags carry heuristics that influence the risk score without
// deciding the status on their own.
type ResultFlags struct {
	Role       bool `json:"role"`
	Disposable bool `json:"disposable"`
	CatchAll   bool `json:"catch_all"`
	Suspicious bool `json:"suspicious"`
}

// Result is the terminal outcome of verifying one address. RiskScore ranges
// 0 (safe) to 100 (certain to bounce) and is independent of Status: two
// addresses with the same status may carry different scores.
type Result struct {
	Status    VerificationStatus `json:"status"`
	RiskScore int                `json:"risk_score"`
	Reason    ReasonCode         `json:"reason"`
	Flags     ResultFlags        `json:"flags"`
	SMTPCode  int                `json:"smtp_code,omitempty"`
	MXHost    string             `json:"mx_host,omitempty"`
}

// TaskState tracks an address task through the scheduler.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskInFlight  TaskState = "in_flight"
	TaskRetryWait TaskState = "retry_wait"
	TaskDone      TaskState = "done"
	TaskCancelled TaskState = "cancelled"
)

// Terminal reports whether the task is finished.
func (s TaskState) Terminal() bool {
	return s == TaskDone || s == TaskCancelled
}

// AddressTask is one deduplicated address of a job. Result is set exactly
// once, when State becomes TaskDone.
type AddressTask struct {
	JobID         string     `json:"job_id" db:"job_id"`
	Index         int        `json:"index" db:"idx"`
	Email         string     `json:"email" db:"email"`
	Domain        string     `json:"domain" db:"domain"`
	Attempts      int        `json:"attempts" db:"attempts"`
	State         TaskState  `json:"state" db:"state"`
	Result        *Result    `json:"result,omitempty"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty" db:"last_attempt_at"`
}
