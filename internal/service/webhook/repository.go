package webhook

import (
	"context"
	"time"

	"github.com/ignite/bulk-verifier/internal/domain"
)

// Repository defines the data access contract for endpoints and deliveries.
type Repository interface {
	CreateEndpoint(ctx context.Context, e *domain.WebhookEndpoint) error
	GetEndpoint(ctx context.Context, id string) (*domain.WebhookEndpoint, error)
	ListEndpoints(ctx context.Context, ownerID string) ([]domain.WebhookEndpoint, error)
	// DeleteEndpoint removes an owner's endpoint. Returns ErrNotFound if it
	// doesn't exist.
	DeleteEndpoint(ctx context.Context, ownerID, id string) error
	// RecordEndpointResult stamps the outcome of the latest attempt.
	RecordEndpointResult(ctx context.Context, id string, ok bool, statusCode int, at time.Time) error

	CreateDelivery(ctx context.Context, d *domain.WebhookDelivery) error
	GetDelivery(ctx context.Context, id string) (*domain.WebhookDelivery, error)
	UpdateDelivery(ctx context.Context, d *domain.WebhookDelivery) error
	// DueDeliveries returns pending deliveries whose next attempt is at or
	// before now, oldest first.
	DueDeliveries(ctx context.Context, now time.Time, limit int) ([]domain.WebhookDelivery, error)
}

// DeadLetterStore is the durable holding area for exhausted deliveries.
type DeadLetterStore interface {
	// Put stores dl unless an entry with the same delivery id exists. It
	// reports whether dl was stored.
	Put(ctx context.Context, dl domain.DeadLetter) (bool, error)
	// Get returns the entry for deliveryID or ErrNotFound.
	Get(ctx context.Context, deliveryID string) (*domain.DeadLetter, error)
	List(ctx context.Context, f DeadLetterFilter) ([]domain.DeadLetter, error)
	Delete(ctx context.Context, deliveryID string) error
}

// DeadLetterFilter narrows dead-letter listings and bulk replays.
type DeadLetterFilter struct {
	OwnerID    string
	EndpointID string
	JobID      string
	Event      domain.WebhookEvent
	Since      time.Time
	Limit      int
}

// Matches reports whether dl passes the filter, ignoring Limit.
func (f DeadLetterFilter) Matches(dl domain.DeadLetter) bool {
	if f.OwnerID != "" && dl.OwnerID != f.OwnerID {
		return false
	}
	if f.EndpointID != "" && dl.EndpointID != f.EndpointID {
		return false
	}
	if f.JobID != "" && dl.JobID != f.JobID {
		return false
	}
	if f.Event != "" && dl.Event != f.Event {
		return false
	}
	if !f.Since.IsZero() && dl.DeadAt.Before(f.Since) {
		return false
	}
	return true
}
