package domain

import "time"

// ReservationState is the lifecycle of a credit reservation.
type ReservationState string

const (
	ReservationOpen      ReservationState = "open"
	ReservationFinalized ReservationState = "finalized"
	ReservationRefunded  ReservationState = "refunded"
)

// CreditReservation is the provisional debit held for a job. Amounts are in
// credit units. Reserved keeps the original hold so that after finalization
// Reserved == Consumed + Refunded.
type CreditReservation struct {
	ID          string           `json:"id" db:"id"`
	JobID       string           `json:"job_id" db:"job_id"`
	OwnerID     string           `json:"owner_id" db:"owner_id"`
	Reserved    int64            `json:"reserved" db:"reserved"`
	Consumed    int64            `json:"consumed" db:"consumed"`
	Refunded    int64            `json:"refunded" db:"refunded"`
	State       ReservationState `json:"state" db:"state"`
	CreatedAt   time.Time        `json:"created_at" db:"created_at"`
	FinalizedAt *time.Time       `json:"finalized_at,omitempty" db:"finalized_at"`
}

// Held returns the amount still debited from the account for this job.
func (r CreditReservation) Held() int64 {
	return r.Reserved - r.Refunded
}

// Settled reports whether the reservation has been finalized.
func (r CreditReservation) Settled() bool {
	return r.State != ReservationOpen
}

// CreditTransactionKind names what moved credits on an account.
type CreditTransactionKind string

const (
	CreditDeposit CreditTransactionKind = "deposit"
	CreditReserve CreditTransactionKind = "reserve"
	CreditRefund  CreditTransactionKind = "refund"
)

// CreditTransaction is one entry in an account's balance history. Amount is
// the signed change to the available balance, so reserves are negative, and
// BalanceAfter is the balance once it was applied.
type CreditTransaction struct {
	ID           string                `json:"id" db:"id"`
	OwnerID      string                `json:"owner_id" db:"owner_id"`
	JobID        string                `json:"job_id,omitempty" db:"job_id"`
	Kind         CreditTransactionKind `json:"kind" db:"kind"`
	Amount       int64                 `json:"amount" db:"amount"`
	BalanceAfter int64                 `json:"balance_after" db:"balance_after"`
	CreatedAt    time.Time             `json:"created_at" db:"created_at"`
}
