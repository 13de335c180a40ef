package ledger

import "errors"

// Sentinel errors for the ledger service layer.
var (
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrNotFound            = errors.New("credit reservation not found")
	ErrAlreadyFinalized    = errors.New("credit reservation already finalized")
	ErrInvalidAmount       = errors.New("amount must be positive")
)
