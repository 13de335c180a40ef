package ledger_test

import (
	"context"
	"testing"

	"github.com/ignite/bulk-verifier/internal/domain"
	"github.com/ignite/bulk-verifier/internal/repository/memory"
	"github.com/ignite/bulk-verifier/internal/service/ledger"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const owner = "owner-1"

func newLedger(t *testing.T, balance int64) (*ledger.Service, *memory.LedgerRepo) {
	t.Helper()
	repo := memory.NewLedgerRepo()
	svc := ledger.NewService(repo, 1, clockwork.NewFakeClock())
	if balance > 0 {
		require.NoError(t, svc.Deposit(context.Background(), owner, balance))
	}
	return svc, repo
}

func TestReserve_InsufficientCredits(t *testing.T) {
	svc, _ := newLedger(t, 5)
	ctx := context.Background()

	_, err := svc.Reserve(ctx, "job-1", owner, 6)
	assert.ErrorIs(t, err, ledger.ErrInsufficientCredits)

	bal, err := svc.Balance(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, int64(5), bal, "a failed reserve leaves the balance untouched")

	_, err = svc.Get(ctx, "job-1")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestReserve_DebitsBalance(t *testing.T) {
	svc, _ := newLedger(t, 10)
	ctx := context.Background()

	r, err := svc.Reserve(ctx, "job-1", owner, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(4), r.Reserved)
	assert.Equal(t, domain.ReservationOpen, r.State)

	bal, _ := svc.Balance(ctx, owner)
	assert.Equal(t, int64(6), bal)
}

func TestCharge_NeverExceedsReserved(t *testing.T) {
	svc, repo := newLedger(t, 10)
	ctx := context.Background()
	_, err := svc.Reserve(ctx, "job-1", owner, 3)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, repo.Charge(ctx, "job-1", 1))
	}
	r, err := svc.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), r.Consumed)
}

func TestFinalize_ExactEstimateRefundsNothing(t *testing.T) {
	svc, repo := newLedger(t, 3)
	ctx := context.Background()
	_, err := svc.Reserve(ctx, "job-1", owner, 3)
	require.NoError(t, err)
	require.NoError(t, repo.Charge(ctx, "job-1", 3))

	r, err := svc.Finalize(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), r.Refunded)
	assert.Equal(t, domain.ReservationFinalized, r.State)
	assert.Equal(t, r.Reserved, r.Consumed+r.Refunded)

	bal, _ := svc.Balance(ctx, owner)
	assert.Equal(t, int64(0), bal)
}

func TestFinalize_RefundsUnconsumedOnCancel(t *testing.T) {
	svc, repo := newLedger(t, 20000)
	ctx := context.Background()
	_, err := svc.Reserve(ctx, "job-big", owner, 10000)
	require.NoError(t, err)
	for i := 0; i < 200; i++ {
		require.NoError(t, repo.Charge(ctx, "job-big", 1))
	}

	r, err := svc.Finalize(ctx, "job-big")
	require.NoError(t, err)
	assert.Equal(t, int64(200), r.Consumed)
	assert.Equal(t, int64(9800), r.Refunded)
	assert.Equal(t, int64(200), r.Held())

	bal, _ := svc.Balance(ctx, owner)
	assert.Equal(t, int64(19800), bal)
}

func TestFinalize_IsIdempotent(t *testing.T) {
	svc, repo := newLedger(t, 10)
	ctx := context.Background()
	_, err := svc.Reserve(ctx, "job-1", owner, 10)
	require.NoError(t, err)
	require.NoError(t, repo.Charge(ctx, "job-1", 4))

	first, err := svc.Finalize(ctx, "job-1")
	require.NoError(t, err)
	balAfterFirst, _ := svc.Balance(ctx, owner)

	second, err := svc.Finalize(ctx, "job-1")
	require.NoError(t, err)
	balAfterSecond, _ := svc.Balance(ctx, owner)

	assert.Equal(t, balAfterFirst, balAfterSecond)
	assert.Equal(t, int64(6), balAfterSecond)
	assert.Equal(t, first.Refunded, second.Refunded)
	assert.Equal(t, first.State, second.State)
}

func TestFinalize_NothingConsumedIsRefunded(t *testing.T) {
	svc, repo := newLedger(t, 5)
	ctx := context.Background()
	_, err := svc.Reserve(ctx, "job-1", owner, 5)
	require.NoError(t, err)

	r, err := svc.Finalize(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationRefunded, r.State)
	assert.Equal(t, int64(0), r.Held())

	// Late charges against a settled reservation change nothing.
	require.NoError(t, repo.Charge(ctx, "job-1", 2))
	r, _ = svc.Get(ctx, "job-1")
	assert.Equal(t, int64(0), r.Consumed)
}

func TestTransactions_RecordEveryBalanceMove(t *testing.T) {
	svc, repo := newLedger(t, 10)
	ctx := context.Background()
	_, err := svc.Reserve(ctx, "job-1", owner, 4)
	require.NoError(t, err)
	require.NoError(t, repo.Charge(ctx, "job-1", 1))
	_, err = svc.Finalize(ctx, "job-1")
	require.NoError(t, err)

	txs, err := svc.Transactions(ctx, owner, 0)
	require.NoError(t, err)
	require.Len(t, txs, 3)

	assert.Equal(t, domain.CreditRefund, txs[0].Kind)
	assert.Equal(t, int64(3), txs[0].Amount)
	assert.Equal(t, int64(9), txs[0].BalanceAfter)
	assert.Equal(t, "job-1", txs[0].JobID)

	assert.Equal(t, domain.CreditReserve, txs[1].Kind)
	assert.Equal(t, int64(-4), txs[1].Amount)
	assert.Equal(t, int64(6), txs[1].BalanceAfter)

	assert.Equal(t, domain.CreditDeposit, txs[2].Kind)
	assert.Equal(t, int64(10), txs[2].BalanceAfter)
	assert.Empty(t, txs[2].JobID)

	bal, _ := svc.Balance(ctx, owner)
	assert.Equal(t, txs[0].BalanceAfter, bal)

	latest, err := svc.Transactions(ctx, owner, 1)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, txs[0].ID, latest[0].ID)
}

func TestPriceScalesCost(t *testing.T) {
	repo := memory.NewLedgerRepo()
	svc := ledger.NewService(repo, 250, nil)
	assert.Equal(t, int64(750), svc.Cost(3))
	_, err := svc.Reserve(context.Background(), "j", owner, 0)
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
}
