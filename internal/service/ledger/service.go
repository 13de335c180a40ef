package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/ignite/bulk-verifier/internal/domain"
	"github.com/ignite/bulk-verifier/internal/pkg/logger"
	"github.com/jonboulle/clockwork"
)

// Service implements reservation bookkeeping. It is safe for concurrent use.
type Service struct {
	repo  Repository
	price int64
	clock clockwork.Clock
	log   *logger.Logger
}

// NewService creates a ledger charging pricePerAddress credit units per
// verified address. A non-positive price means 1.
func NewService(repo Repository, pricePerAddress int64, clock clockwork.Clock) *Service {
	if pricePerAddress <= 0 {
		pricePerAddress = 1
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Service{repo: repo, price: pricePerAddress, clock: clock, log: logger.New("ledger")}
}

// Cost returns the cost of verifying n addresses. Cost(1) is the amount
// charged with every recorded result.
func (s *Service) Cost(n int) int64 {
	return int64(n) * s.price
}

// Reserve holds the cost of addresses for jobID against the owner's balance.
func (s *Service) Reserve(ctx context.Context, jobID, ownerID string, addresses int) (*domain.CreditReservation, error) {
	amount := s.Cost(addresses)
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	r := &domain.CreditReservation{
		ID:        uuid.New().String(),
		JobID:     jobID,
		OwnerID:   ownerID,
		Reserved:  amount,
		State:     domain.ReservationOpen,
		CreatedAt: s.clock.Now().UTC(),
	}
	if err := s.repo.Reserve(ctx, r); err != nil {
		if errors.Is(err, ErrInsufficientCredits) {
			return nil, err
		}
		return nil, fmt.Errorf("reserve credits for job %s: %w", jobID, err)
	}
	s.log.Info("credits reserved", "job_id", jobID, "owner_id", ownerID, "amount", amount)
	return r, nil
}

// Finalize settles the job's reservation and refunds what was not consumed.
// A second call is a logged no-op that returns the settled reservation.
func (s *Service) Finalize(ctx context.Context, jobID string) (*domain.CreditReservation, error) {
	r, err := s.repo.Finalize(ctx, jobID, s.clock.Now().UTC())
	switch {
	case errors.Is(err, ErrAlreadyFinalized):
		s.log.Warn("finalize skipped: reservation already settled", "job_id", jobID)
		return s.repo.Get(ctx, jobID)
	case err != nil:
		return nil, fmt.Errorf("finalize job %s: %w", jobID, err)
	}
	s.log.Info("reservation finalized",
		"job_id", jobID, "reserved", r.Reserved, "consumed", r.Consumed, "refunded", r.Refunded, "state", string(r.State))
	return r, nil
}

// Get returns the reservation of a job.
func (s *Service) Get(ctx context.Context, jobID string) (*domain.CreditReservation, error) {
	return s.repo.Get(ctx, jobID)
}

// ListOpen returns open reservations for the reaper.
func (s *Service) ListOpen(ctx context.Context, limit int) ([]domain.CreditReservation, error) {
	return s.repo.ListOpen(ctx, limit)
}

// Balance returns the owner's available balance.
func (s *Service) Balance(ctx context.Context, ownerID string) (int64, error) {
	return s.repo.Balance(ctx, ownerID)
}

// Deposit credits an owner's account.
func (s *Service) Deposit(ctx context.Context, ownerID string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	return s.repo.Deposit(ctx, ownerID, amount, s.clock.Now().UTC())
}

// Transactions returns the owner's balance history, newest first. limit is
// clamped to 1..500.
func (s *Service) Transactions(ctx context.Context, ownerID string, limit int) ([]domain.CreditTransaction, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	return s.repo.Transactions(ctx, ownerID, limit)
}
