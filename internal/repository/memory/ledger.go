package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/bulk-verifier/internal/domain"
	"github.com/ignite/bulk-verifier/internal/service/ledger"
)

// LedgerRepo implements ledger.Repository in memory.
type LedgerRepo struct {
	mu           sync.Mutex
	balances     map[string]int64
	reservations map[string]*domain.CreditReservation // by job id
	history      map[string][]domain.CreditTransaction // by owner, oldest first
}

// NewLedgerRepo creates an empty ledger.
func NewLedgerRepo() *LedgerRepo {
	return &LedgerRepo{
		balances:     make(map[string]int64),
		reservations: make(map[string]*domain.CreditReservation),
		history:      make(map[string][]domain.CreditTransaction),
	}
}

// record applies amount to the owner's balance and logs it. Callers hold mu.
func (r *LedgerRepo) record(ownerID, jobID string, kind domain.CreditTransactionKind, amount int64, at time.Time) {
	r.balances[ownerID] += amount
	r.history[ownerID] = append(r.history[ownerID], domain.CreditTransaction{
		ID:           uuid.NewString(),
		OwnerID:      ownerID,
		JobID:        jobID,
		Kind:         kind,
		Amount:       amount,
		BalanceAfter: r.balances[ownerID],
		CreatedAt:    at,
	})
}

func (r *LedgerRepo) Reserve(_ context.Context, res *domain.CreditReservation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.balances[res.OwnerID] < res.Reserved {
		return ledger.ErrInsufficientCredits
	}
	r.record(res.OwnerID, res.JobID, domain.CreditReserve, -res.Reserved, res.CreatedAt)
	cp := *res
	r.reservations[res.JobID] = &cp
	return nil
}

// Charge raises consumed by n, never past reserved. JobRepo calls it while
// recording a result; settled reservations are left alone.
func (r *LedgerRepo) Charge(_ context.Context, jobID string, n int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.reservations[jobID]
	if !ok {
		return ledger.ErrNotFound
	}
	if res.Settled() {
		return nil
	}
	res.Consumed += n
	if res.Consumed > res.Reserved {
		res.Consumed = res.Reserved
	}
	return nil
}

func (r *LedgerRepo) Finalize(_ context.Context, jobID string, at time.Time) (*domain.CreditReservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.reservations[jobID]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	if res.Settled() {
		return nil, ledger.ErrAlreadyFinalized
	}
	res.Refunded = res.Reserved - res.Consumed
	res.State = domain.ReservationFinalized
	if res.Consumed == 0 {
		res.State = domain.ReservationRefunded
	}
	res.FinalizedAt = &at
	if res.Refunded > 0 {
		r.record(res.OwnerID, res.JobID, domain.CreditRefund, res.Refunded, at)
	}
	cp := *res
	return &cp, nil
}

func (r *LedgerRepo) Get(_ context.Context, jobID string) (*domain.CreditReservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.reservations[jobID]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	cp := *res
	return &cp, nil
}

func (r *LedgerRepo) ListOpen(_ context.Context, limit int) ([]domain.CreditReservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.CreditReservation
	for _, res := range r.reservations {
		if !res.Settled() {
			out = append(out, *res)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *LedgerRepo) Balance(_ context.Context, ownerID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.balances[ownerID], nil
}

func (r *LedgerRepo) Deposit(_ context.Context, ownerID string, amount int64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(ownerID, "", domain.CreditDeposit, amount, at)
	return nil
}

func (r *LedgerRepo) Transactions(_ context.Context, ownerID string, limit int) ([]domain.CreditTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.history[ownerID]
	out := make([]domain.CreditTransaction, 0, len(h))
	for i := len(h) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, h[i])
	}
	return out, nil
}
