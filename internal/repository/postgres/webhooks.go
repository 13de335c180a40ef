package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/bulk-verifier/internal/domain"
	"github.com/ignite/bulk-verifier/internal/service/webhook"
	"github.com/lib/pq"
)

// WebhookRepo implements webhook.Repository against PostgreSQL.
type WebhookRepo struct{ db *sql.DB }

// NewWebhookRepo creates a Postgres-backed webhook repository.
func NewWebhookRepo(db *sql.DB) *WebhookRepo { return &WebhookRepo{db: db} }

const endpointColumns = `id, owner_id, url, secret, events, active, created_at, last_success_at, last_failure_at, last_status_code`

const deliveryColumns = `id, endpoint_id, owner_id, job_id, url, event, payload, attempts, next_attempt_at, state, last_error, last_status_code, created_at, updated_at, delivered_at`

func scanEndpoint(row rowScanner) (*domain.WebhookEndpoint, error) {
	var (
		e            domain.WebhookEndpoint
		success, bad sql.NullTime
	)
	if err := row.Scan(&e.ID, &e.OwnerID, &e.URL, &e.Secret, pq.Array(&e.Events), &e.Active, &e.CreatedAt,
		&success, &bad, &e.LastStatusCode); err != nil {
		return nil, err
	}
	e.LastSuccessAt = timePtr(success)
	e.LastFailureAt = timePtr(bad)
	return &e, nil
}

func scanDelivery(row rowScanner) (*domain.WebhookDelivery, error) {
	var (
		d         domain.WebhookDelivery
		payload   []byte
		delivered sql.NullTime
	)
	if err := row.Scan(&d.ID, &d.EndpointID, &d.OwnerID, &d.JobID, &d.URL, &d.Event, &payload, &d.Attempts,
		&d.NextAttemptAt, &d.State, &d.LastError, &d.LastStatusCode, &d.CreatedAt, &d.UpdatedAt, &delivered); err != nil {
		return nil, err
	}
	d.Payload = payload
	d.DeliveredAt = timePtr(delivered)
	return &d, nil
}

func (r *WebhookRepo) CreateEndpoint(ctx context.Context, e *domain.WebhookEndpoint) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO verify_webhook_endpoints (id, owner_id, url, secret, events, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.ID, e.OwnerID, e.URL, e.Secret, pq.Array(e.Events), e.Active, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("create endpoint: %w", err)
	}
	return nil
}

func (r *WebhookRepo) GetEndpoint(ctx context.Context, id string) (*domain.WebhookEndpoint, error) {
	e, err := scanEndpoint(r.db.QueryRowContext(ctx,
		`SELECT `+endpointColumns+` FROM verify_webhook_endpoints WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, webhook.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get endpoint: %w", err)
	}
	return e, nil
}

func (r *WebhookRepo) ListEndpoints(ctx context.Context, ownerID string) ([]domain.WebhookEndpoint, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+endpointColumns+` FROM verify_webhook_endpoints WHERE owner_id = $1 ORDER BY created_at`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list endpoints: %w", err)
	}
	defer rows.Close()

	var out []domain.WebhookEndpoint
	for rows.Next() {
		e, err := scanEndpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan endpoint: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (r *WebhookRepo) DeleteEndpoint(ctx context.Context, ownerID, id string) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM verify_webhook_endpoints WHERE id = $1 AND owner_id = $2`, id, ownerID)
	if err != nil {
		return fmt.Errorf("delete endpoint: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return webhook.ErrNotFound
	}
	return nil
}

func (r *WebhookRepo) RecordEndpointResult(ctx context.Context, id string, ok bool, statusCode int, at time.Time) error {
	column := "last_failure_at"
	if ok {
		column = "last_success_at"
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE verify_webhook_endpoints SET `+column+` = $2, last_status_code = $3 WHERE id = $1`,
		id, at, statusCode)
	if err != nil {
		return fmt.Errorf("record endpoint result: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return webhook.ErrNotFound
	}
	return nil
}

func (r *WebhookRepo) CreateDelivery(ctx context.Context, d *domain.WebhookDelivery) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO verify_webhook_deliveries (`+deliveryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, d.ID, d.EndpointID, d.OwnerID, d.JobID, d.URL, d.Event, []byte(d.Payload), d.Attempts,
		d.NextAttemptAt, d.State, d.LastError, d.LastStatusCode, d.CreatedAt, d.UpdatedAt, nullTime(d.DeliveredAt))
	if err != nil {
		return fmt.Errorf("create delivery: %w", err)
	}
	return nil
}

func (r *WebhookRepo) GetDelivery(ctx context.Context, id string) (*domain.WebhookDelivery, error) {
	d, err := scanDelivery(r.db.QueryRowContext(ctx,
		`SELECT `+deliveryColumns+` FROM verify_webhook_deliveries WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, webhook.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get delivery: %w", err)
	}
	return d, nil
}

func (r *WebhookRepo) UpdateDelivery(ctx context.Context, d *domain.WebhookDelivery) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE verify_webhook_deliveries
		SET attempts = $2, next_attempt_at = $3, state = $4, last_error = $5, last_status_code = $6,
		    updated_at = $7, delivered_at = $8
		WHERE id = $1
	`, d.ID, d.Attempts, d.NextAttemptAt, d.State, d.LastError, d.LastStatusCode, d.UpdatedAt, nullTime(d.DeliveredAt))
	if err != nil {
		return fmt.Errorf("update delivery: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return webhook.ErrNotFound
	}
	return nil
}

func (r *WebhookRepo) DueDeliveries(ctx context.Context, now time.Time, limit int) ([]domain.WebhookDelivery, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+deliveryColumns+` FROM verify_webhook_deliveries
		WHERE state = 'pending' AND next_attempt_at <= $1
		ORDER BY next_attempt_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("due deliveries: %w", err)
	}
	defer rows.Close()

	var out []domain.WebhookDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// =============================================================================
// DEAD LETTERS
// =============================================================================

// DeadLetterStore implements webhook.DeadLetterStore against PostgreSQL.
type DeadLetterStore struct{ db *sql.DB }

// NewDeadLetterStore creates a Postgres-backed dead-letter store.
func NewDeadLetterStore(db *sql.DB) *DeadLetterStore { return &DeadLetterStore{db: db} }

const deadLetterColumns = `delivery_id, endpoint_id, owner_id, job_id, url, event, payload, attempts, last_error, last_status_code, dead_at`

func scanDeadLetter(row rowScanner) (*domain.DeadLetter, error) {
	var (
		dl      domain.DeadLetter
		payload []byte
	)
	if err := row.Scan(&dl.DeliveryID, &dl.EndpointID, &dl.OwnerID, &dl.JobID, &dl.URL, &dl.Event, &payload,
		&dl.Attempts, &dl.LastError, &dl.LastStatusCode, &dl.DeadAt); err != nil {
		return nil, err
	}
	dl.Payload = payload
	return &dl, nil
}

func (s *DeadLetterStore) Put(ctx context.Context, dl domain.DeadLetter) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO verify_webhook_dead_letters (`+deadLetterColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (delivery_id) DO NOTHING
	`, dl.DeliveryID, dl.EndpointID, dl.OwnerID, dl.JobID, dl.URL, dl.Event, []byte(dl.Payload),
		dl.Attempts, dl.LastError, dl.LastStatusCode, dl.DeadAt)
	if err != nil {
		return false, fmt.Errorf("put dead letter: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *DeadLetterStore) Get(ctx context.Context, deliveryID string) (*domain.DeadLetter, error) {
	dl, err := scanDeadLetter(s.db.QueryRowContext(ctx,
		`SELECT `+deadLetterColumns+` FROM verify_webhook_dead_letters WHERE delivery_id = $1`, deliveryID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, webhook.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get dead letter: %w", err)
	}
	return dl, nil
}

func (s *DeadLetterStore) List(ctx context.Context, f webhook.DeadLetterFilter) ([]domain.DeadLetter, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.OwnerID != "" {
		add("owner_id = $%d", f.OwnerID)
	}
	if f.EndpointID != "" {
		add("endpoint_id = $%d", f.EndpointID)
	}
	if f.JobID != "" {
		add("job_id = $%d", f.JobID)
	}
	if f.Event != "" {
		add("event = $%d", string(f.Event))
	}
	if !f.Since.IsZero() {
		add("dead_at >= $%d", f.Since)
	}

	q := `SELECT ` + deadLetterColumns + ` FROM verify_webhook_dead_letters`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY dead_at"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []domain.DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		out = append(out, *dl)
	}
	return out, rows.Err()
}

func (s *DeadLetterStore) Delete(ctx context.Context, deliveryID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM verify_webhook_dead_letters WHERE delivery_id = $1`, deliveryID); err != nil {
		return fmt.Errorf("delete dead letter: %w", err)
	}
	return nil
}
