package ledger

import (
	"context"
	"time"

	"github.com/ignite/bulk-verifier/internal/domain"
)

// Repository defines the data access contract for accounts and reservations.
// The account balance belongs to the billing side; the ledger only calls
// the debit and credit primitives through these methods.
//
// Per-address charges are not part of this contract: the job store applies
// them in the same unit that records each result (see
// jobs.Repository.RecordResult), so a result is never billed twice or left
// unbilled.
type Repository interface {
	// Reserve debits r.Reserved from the owner's balance, stores r as an
	// open reservation and records a reserve transaction in one unit.
	// Returns ErrInsufficientCredits when the balance is short, leaving
	// nothing behind.
	Reserve(ctx context.Context, r *domain.CreditReservation) error

	// Finalize settles the open reservation of jobID and credits the unused
	// hold back to the owner, with a refund transaction when anything was
	// returned, in one unit. Returns ErrAlreadyFinalized without
	// touching the balance when the reservation is already settled.
	Finalize(ctx context.Context, jobID string, at time.Time) (*domain.CreditReservation, error)

	// Get returns the reservation of jobID or ErrNotFound.
	Get(ctx context.Context, jobID string) (*domain.CreditReservation, error)

	// ListOpen returns up to limit open reservations, oldest first.
	ListOpen(ctx context.Context, limit int) ([]domain.CreditReservation, error)

	// Balance returns the owner's available balance. Unknown owners have zero.
	Balance(ctx context.Context, ownerID string) (int64, error)

	// Deposit adds amount to the owner's balance, creating the account, and
	// records a deposit transaction at the given time in one unit.
	Deposit(ctx context.Context, ownerID string, amount int64, at time.Time) error

	// Transactions returns up to limit of the owner's transactions, newest
	// first.
	Transactions(ctx context.Context, ownerID string, limit int) ([]domain.CreditTransaction, error)
}
