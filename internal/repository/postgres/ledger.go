package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/bulk-verifier/internal/domain"
	"github.com/ignite/bulk-verifier/internal/service/ledger"
)

// LedgerRepo implements ledger.Repository against PostgreSQL.
type LedgerRepo struct{ db *sql.DB }

// NewLedgerRepo creates a Postgres-backed ledger repository.
func NewLedgerRepo(db *sql.DB) *LedgerRepo { return &LedgerRepo{db: db} }

const reservationColumns = `id, job_id, owner_id, reserved, consumed, refunded, state, created_at, finalized_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReservation(row rowScanner) (*domain.CreditReservation, error) {
	var (
		r         domain.CreditReservation
		finalized sql.NullTime
	)
	if err := row.Scan(&r.ID, &r.JobID, &r.OwnerID, &r.Reserved, &r.Consumed, &r.Refunded, &r.State, &r.CreatedAt, &finalized); err != nil {
		return nil, err
	}
	r.FinalizedAt = timePtr(finalized)
	return &r, nil
}

func (r *LedgerRepo) Reserve(ctx context.Context, res *domain.CreditReservation) error {
	if res.ID == "" {
		res.ID = uuid.New().String()
	}
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		var balance int64
		err := tx.QueryRowContext(ctx,
			`UPDATE verify_accounts SET balance = balance - $2, updated_at = NOW() WHERE owner_id = $1 AND balance >= $2 RETURNING balance`,
			res.OwnerID, res.Reserved).Scan(&balance)
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.ErrInsufficientCredits
		}
		if err != nil {
			return fmt.Errorf("debit account: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO verify_credit_reservations (id, job_id, owner_id, reserved, consumed, refunded, state, created_at)
			VALUES ($1, $2, $3, $4, 0, 0, $5, $6)
		`, res.ID, res.JobID, res.OwnerID, res.Reserved, res.State, res.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert reservation: %w", err)
		}
		return insertTransaction(ctx, tx, domain.CreditTransaction{
			OwnerID: res.OwnerID, JobID: res.JobID, Kind: domain.CreditReserve,
			Amount: -res.Reserved, BalanceAfter: balance, CreatedAt: res.CreatedAt,
		})
	})
}

// chargeReservation raises consumed by n inside tx, never past reserved.
// Settled or missing reservations are left alone.
func chargeReservation(ctx context.Context, tx *sql.Tx, jobID string, n int64) error {
	if n <= 0 {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE verify_credit_reservations SET consumed = LEAST(reserved, consumed + $2)
		WHERE job_id = $1 AND state = 'open'
	`, jobID, n); err != nil {
		return fmt.Errorf("charge reservation: %w", err)
	}
	return nil
}

func (r *LedgerRepo) Finalize(ctx context.Context, jobID string, at time.Time) (*domain.CreditReservation, error) {
	var out *domain.CreditReservation
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := scanReservation(tx.QueryRowContext(ctx,
			`SELECT `+reservationColumns+` FROM verify_credit_reservations WHERE job_id = $1 FOR UPDATE`, jobID))
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock reservation: %w", err)
		}
		if res.Settled() {
			return ledger.ErrAlreadyFinalized
		}

		res.Refunded = res.Reserved - res.Consumed
		res.State = domain.ReservationFinalized
		if res.Consumed == 0 {
			res.State = domain.ReservationRefunded
		}
		res.FinalizedAt = &at

		if _, err := tx.ExecContext(ctx, `
			UPDATE verify_credit_reservations SET refunded = $2, state = $3, finalized_at = $4 WHERE job_id = $1
		`, jobID, res.Refunded, res.State, at); err != nil {
			return fmt.Errorf("settle reservation: %w", err)
		}
		if res.Refunded > 0 {
			balance, err := credit(ctx, tx, res.OwnerID, res.Refunded)
			if err != nil {
				return fmt.Errorf("refund account: %w", err)
			}
			if err := insertTransaction(ctx, tx, domain.CreditTransaction{
				OwnerID: res.OwnerID, JobID: res.JobID, Kind: domain.CreditRefund,
				Amount: res.Refunded, BalanceAfter: balance, CreatedAt: at,
			}); err != nil {
				return err
			}
		}
		out = res
		return nil
	})
	return out, err
}

func (r *LedgerRepo) Get(ctx context.Context, jobID string) (*domain.CreditReservation, error) {
	res, err := scanReservation(r.db.QueryRowContext(ctx,
		`SELECT `+reservationColumns+` FROM verify_credit_reservations WHERE job_id = $1`, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get reservation: %w", err)
	}
	return res, nil
}

func (r *LedgerRepo) ListOpen(ctx context.Context, limit int) ([]domain.CreditReservation, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+reservationColumns+` FROM verify_credit_reservations
		WHERE state = 'open' ORDER BY created_at LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list open reservations: %w", err)
	}
	defer rows.Close()

	var out []domain.CreditReservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		out = append(out, *res)
	}
	return out, rows.Err()
}

func (r *LedgerRepo) Balance(ctx context.Context, ownerID string) (int64, error) {
	var bal int64
	err := r.db.QueryRowContext(ctx, `SELECT balance FROM verify_accounts WHERE owner_id = $1`, ownerID).Scan(&bal)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return bal, err
}

func (r *LedgerRepo) Deposit(ctx context.Context, ownerID string, amount int64, at time.Time) error {
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		balance, err := credit(ctx, tx, ownerID, amount)
		if err != nil {
			return fmt.Errorf("deposit: %w", err)
		}
		return insertTransaction(ctx, tx, domain.CreditTransaction{
			OwnerID: ownerID, Kind: domain.CreditDeposit, Amount: amount, BalanceAfter: balance, CreatedAt: at,
		})
	})
}

func (r *LedgerRepo) Transactions(ctx context.Context, ownerID string, limit int) ([]domain.CreditTransaction, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, owner_id, job_id, kind, amount, balance_after, created_at
		FROM verify_credit_transactions
		WHERE owner_id = $1 ORDER BY seq DESC LIMIT $2
	`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list credit transactions: %w", err)
	}
	defer rows.Close()

	out := []domain.CreditTransaction{}
	for rows.Next() {
		var (
			t     domain.CreditTransaction
			jobID sql.NullString
		)
		if err := rows.Scan(&t.ID, &t.OwnerID, &jobID, &t.Kind, &t.Amount, &t.BalanceAfter, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan credit transaction: %w", err)
		}
		t.JobID = jobID.String
		out = append(out, t)
	}
	return out, rows.Err()
}

// credit adds amount to the owner's balance, creating the account, and
// returns the new balance.
func credit(ctx context.Context, tx *sql.Tx, ownerID string, amount int64) (int64, error) {
	var balance int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO verify_accounts (owner_id, balance) VALUES ($1, $2)
		ON CONFLICT (owner_id) DO UPDATE SET balance = verify_accounts.balance + $2, updated_at = NOW()
		RETURNING balance
	`, ownerID, amount).Scan(&balance)
	return balance, err
}

func insertTransaction(ctx context.Context, tx *sql.Tx, t domain.CreditTransaction) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO verify_credit_transactions (id, owner_id, job_id, kind, amount, balance_after, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, t.ID, t.OwnerID, nullString(t.JobID), t.Kind, t.Amount, t.BalanceAfter, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("record %s transaction: %w", t.Kind, err)
	}
	return nil
}
