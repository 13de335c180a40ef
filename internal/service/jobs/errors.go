package jobs

import "errors"

// Sentinel errors for the jobs service layer.
var (
	ErrNotFound         = errors.New("job not found")
	ErrNoAddresses      = errors.New("no valid addresses in request")
	ErrJobTerminal      = errors.New("job already finished")
	ErrDuplicate        = errors.New("idempotency key already used")
	ErrSubmitInProgress = errors.New("a submit with this idempotency key is in progress")
	ErrTasksOutstanding = errors.New("job has unfinished address tasks")
	ErrOwnerRequired    = errors.New("owner id is required")
	ErrTooManyAddresses = errors.New("too many addresses in request")
	ErrLeaseHeld        = errors.New("job is leased by another runner")
)
