package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/bulk-verifier/internal/domain"
	"github.com/ignite/bulk-verifier/internal/service/jobs"
	"github.com/lib/pq"
)

// JobRepo implements jobs.Repository against PostgreSQL.
type JobRepo struct{ db *sql.DB }

// NewJobRepo creates a Postgres-backed job repository.
func NewJobRepo(db *sql.DB) *JobRepo { return &JobRepo{db: db} }

const jobColumns = `id, owner_id, idempotency_key, total, status, processed, valid, risky, invalid, unknown, errors, error, created_at, started_at, finished_at`

const taskColumns = `job_id, idx, email, domain, attempts, state, status, risk_score, reason, flags, smtp_code, mx_host, last_attempt_at`

func scanJob(row rowScanner) (*domain.Job, error) {
	var (
		j                 domain.Job
		key               sql.NullString
		started, finished sql.NullTime
	)
	err := row.Scan(&j.ID, &j.OwnerID, &key, &j.Total, &j.Status,
		&j.Stats.Processed, &j.Stats.Valid, &j.Stats.Risky, &j.Stats.Invalid, &j.Stats.Unknown, &j.Stats.Errors,
		&j.Error, &j.CreatedAt, &started, &finished)
	if err != nil {
		return nil, err
	}
	j.IdempotencyKey = key.String
	j.StartedAt = timePtr(started)
	j.FinishedAt = timePtr(finished)
	return &j, nil
}

func scanTask(row rowScanner) (*domain.AddressTask, error) {
	var (
		t         domain.AddressTask
		status    sql.NullString
		reason    sql.NullString
		mxHost    sql.NullString
		risk      sql.NullInt64
		smtpCode  sql.NullInt64
		flags     []byte
		attemptAt sql.NullTime
	)
	err := row.Scan(&t.JobID, &t.Index, &t.Email, &t.Domain, &t.Attempts, &t.State,
		&status, &risk, &reason, &flags, &smtpCode, &mxHost, &attemptAt)
	if err != nil {
		return nil, err
	}
	t.LastAttemptAt = timePtr(attemptAt)
	if status.Valid {
		res := &domain.Result{
			Status:    domain.VerificationStatus(status.String),
			RiskScore: int(risk.Int64),
			Reason:    domain.ReasonCode(reason.String),
			SMTPCode:  int(smtpCode.Int64),
			MXHost:    mxHost.String,
		}
		if len(flags) > 0 {
			if err := json.Unmarshal(flags, &res.Flags); err != nil {
				return nil, fmt.Errorf("decode flags: %w", err)
			}
		}
		t.Result = res
	}
	return &t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (r *JobRepo) Create(ctx context.Context, job *domain.Job, tasks []domain.AddressTask) error {
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO verify_jobs (id, owner_id, idempotency_key, total, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, job.ID, job.OwnerID, nullString(job.IdempotencyKey), job.Total, job.Status, job.CreatedAt)
		if isUniqueViolation(err) {
			return jobs.ErrDuplicate
		}
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, pq.CopyIn("verify_address_tasks", "job_id", "idx", "email", "domain", "attempts", "state"))
		if err != nil {
			return fmt.Errorf("prepare task copy: %w", err)
		}
		for _, t := range tasks {
			if _, err := stmt.ExecContext(ctx, t.JobID, t.Index, t.Email, t.Domain, t.Attempts, string(t.State)); err != nil {
				stmt.Close()
				return fmt.Errorf("copy task %d: %w", t.Index, err)
			}
		}
		if _, err := stmt.ExecContext(ctx); err != nil {
			stmt.Close()
			return fmt.Errorf("flush task copy: %w", err)
		}
		return stmt.Close()
	})
}

func (r *JobRepo) Get(ctx context.Context, id string) (*domain.Job, error) {
	j, err := scanJob(r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM verify_jobs WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, jobs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (r *JobRepo) FindByIdempotencyKey(ctx context.Context, ownerID, key string) (*domain.Job, error) {
	j, err := scanJob(r.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM verify_jobs WHERE owner_id = $1 AND idempotency_key = $2`, ownerID, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, jobs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find job by idempotency key: %w", err)
	}
	return j, nil
}

func (r *JobRepo) MarkRunning(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE verify_jobs SET status = 'running', started_at = $2 WHERE id = $1 AND status = 'queued'`, id, at)
	if err != nil {
		return fmt.Errorf("mark job running: %w", err)
	}
	return nil
}

func (r *JobRepo) RecordAttempt(ctx context.Context, task domain.AddressTask) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE verify_address_tasks SET attempts = $3, state = $4, last_attempt_at = $5
		WHERE job_id = $1 AND idx = $2 AND state NOT IN ('done', 'cancelled')
	`, task.JobID, task.Index, task.Attempts, task.State, nullTime(task.LastAttemptAt))
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

// counterColumn names the verify_jobs counter a result is tallied under.
func counterColumn(res domain.Result) string {
	if res.Reason == domain.ReasonInternalError {
		return "errors"
	}
	switch res.Status {
	case domain.StatusValid:
		return "valid"
	case domain.StatusRisky:
		return "risky"
	case domain.StatusInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

func (r *JobRepo) RecordResult(ctx context.Context, task domain.AddressTask, charge int64) (bool, error) {
	if task.Result == nil {
		return false, nil
	}
	res := *task.Result
	flags, err := json.Marshal(res.Flags)
	if err != nil {
		return false, fmt.Errorf("encode flags: %w", err)
	}

	recorded := false
	err = withTx(ctx, r.db, func(tx *sql.Tx) error {
		out, err := tx.ExecContext(ctx, `
			UPDATE verify_address_tasks
			SET state = 'done', attempts = $3, status = $4, risk_score = $5, reason = $6,
			    flags = $7, smtp_code = $8, mx_host = $9, last_attempt_at = $10
			WHERE job_id = $1 AND idx = $2 AND state NOT IN ('done', 'cancelled')
		`, task.JobID, task.Index, task.Attempts, res.Status, res.RiskScore, res.Reason,
			flags, res.SMTPCode, res.MXHost, nullTime(task.LastAttemptAt))
		if err != nil {
			return fmt.Errorf("store result: %w", err)
		}
		if n, _ := out.RowsAffected(); n == 0 {
			var exists bool
			if err := tx.QueryRowContext(ctx,
				`SELECT EXISTS(SELECT 1 FROM verify_address_tasks WHERE job_id = $1 AND idx = $2)`,
				task.JobID, task.Index).Scan(&exists); err != nil {
				return fmt.Errorf("check task: %w", err)
			}
			if !exists {
				return jobs.ErrNotFound
			}
			return nil
		}
		col := counterColumn(res)
		if _, err := tx.ExecContext(ctx,
			`UPDATE verify_jobs SET processed = processed + 1, `+col+` = `+col+` + 1 WHERE id = $1`,
			task.JobID); err != nil {
			return fmt.Errorf("update job counters: %w", err)
		}
		if err := chargeReservation(ctx, tx, task.JobID, charge); err != nil {
			return err
		}
		recorded = true
		return nil
	})
	return recorded, err
}

func (r *JobRepo) CancelPending(ctx context.Context, jobID string, at time.Time) (int, error) {
	out, err := r.db.ExecContext(ctx, `
		UPDATE verify_address_tasks SET state = 'cancelled', last_attempt_at = COALESCE(last_attempt_at, $2)
		WHERE job_id = $1 AND state NOT IN ('done', 'cancelled')
	`, jobID, at)
	if err != nil {
		return 0, fmt.Errorf("cancel pending tasks: %w", err)
	}
	n, _ := out.RowsAffected()
	return int(n), nil
}

func (r *JobRepo) Finish(ctx context.Context, id string, status domain.JobStatus, errMsg string, at time.Time) (*domain.Job, error) {
	var out *domain.Job
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		var current domain.JobStatus
		err := tx.QueryRowContext(ctx, `SELECT status FROM verify_jobs WHERE id = $1 FOR UPDATE`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return jobs.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock job: %w", err)
		}
		if current.Terminal() {
			return jobs.ErrJobTerminal
		}

		var open bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM verify_address_tasks WHERE job_id = $1 AND state NOT IN ('done', 'cancelled'))`,
			id).Scan(&open); err != nil {
			return fmt.Errorf("check open tasks: %w", err)
		}
		if open {
			return jobs.ErrTasksOutstanding
		}

		out, err = scanJob(tx.QueryRowContext(ctx, `
			UPDATE verify_jobs SET status = $2, error = $3, finished_at = $4
			WHERE id = $1 RETURNING `+jobColumns,
			id, status, errMsg, at))
		if err != nil {
			return fmt.Errorf("finish job: %w", err)
		}
		return nil
	})
	return out, err
}

func (r *JobRepo) Tasks(ctx context.Context, jobID string, f jobs.TaskFilter) ([]domain.AddressTask, int, error) {
	var total int
	if err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM verify_address_tasks WHERE job_id = $1 AND ($2 = '' OR status = $2)
	`, jobID, f.Status).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}
	if total == 0 {
		if _, err := r.Get(ctx, jobID); err != nil {
			return nil, 0, err
		}
	}

	// LIMIT NULL means no limit.
	limit := sql.NullInt64{Int64: int64(f.Limit), Valid: f.Limit > 0}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM verify_address_tasks
		WHERE job_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY idx
		LIMIT $3 OFFSET $4
	`, jobID, f.Status, limit, f.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	out := []domain.AddressTask{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, *t)
	}
	return out, total, rows.Err()
}

// jobState reports ErrNotFound or ErrJobTerminal for a job a conditional
// update skipped. A live job yields nil.
func (r *JobRepo) jobState(ctx context.Context, id string) error {
	var status domain.JobStatus
	err := r.db.QueryRowContext(ctx, `SELECT status FROM verify_jobs WHERE id = $1`, id).Scan(&status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return jobs.ErrNotFound
	case err != nil:
		return fmt.Errorf("get job status: %w", err)
	case status.Terminal():
		return jobs.ErrJobTerminal
	}
	return nil
}

func (r *JobRepo) AcquireLease(ctx context.Context, id, holder string, now, until time.Time) (bool, error) {
	var cancelRequested bool
	err := r.db.QueryRowContext(ctx, `
		UPDATE verify_jobs SET lease_holder = $2, lease_expires_at = $4
		WHERE id = $1 AND status IN ('queued', 'running')
		  AND (lease_holder IS NULL OR lease_holder = $2 OR lease_expires_at <= $3)
		RETURNING cancel_requested
	`, id, holder, now, until).Scan(&cancelRequested)
	if errors.Is(err, sql.ErrNoRows) {
		if err := r.jobState(ctx, id); err != nil {
			return false, err
		}
		return false, jobs.ErrLeaseHeld
	}
	if err != nil {
		return false, fmt.Errorf("acquire job lease: %w", err)
	}
	return cancelRequested, nil
}

func (r *JobRepo) RequestCancel(ctx context.Context, id string, now time.Time) (bool, error) {
	var leased bool
	err := r.db.QueryRowContext(ctx, `
		UPDATE verify_jobs SET cancel_requested = true
		WHERE id = $1 AND status IN ('queued', 'running')
		RETURNING lease_holder IS NOT NULL AND lease_expires_at > $2
	`, id, now).Scan(&leased)
	if errors.Is(err, sql.ErrNoRows) {
		if err := r.jobState(ctx, id); err != nil {
			return false, err
		}
		return false, fmt.Errorf("request job cancel: job %s changed during the update", id)
	}
	if err != nil {
		return false, fmt.Errorf("request job cancel: %w", err)
	}
	return leased, nil
}

func (r *JobRepo) ListStale(ctx context.Context, now time.Time, unclaimedAfter time.Duration) ([]domain.Job, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM verify_jobs
		WHERE status IN ('queued', 'running')
		  AND (lease_expires_at <= $1 OR (lease_holder IS NULL AND created_at <= $2))
		ORDER BY created_at
	`, now, now.Add(-unclaimedAfter))
	if err != nil {
		return nil, fmt.Errorf("list stale jobs: %w", err)
	}
	defer rows.Close()

	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}
