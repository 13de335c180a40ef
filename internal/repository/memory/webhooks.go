package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ignite/bulk-verifier/internal/domain"
	"github.com/ignite/bulk-verifier/internal/service/webhook"
)

// WebhookRepo implements webhook.Repository in memory.
type WebhookRepo struct {
	mu         sync.RWMutex
	endpoints  map[string]*domain.WebhookEndpoint
	deliveries map[string]*domain.WebhookDelivery
}

// NewWebhookRepo creates an empty webhook store.
func NewWebhookRepo() *WebhookRepo {
	return &WebhookRepo{
		endpoints:  make(map[string]*domain.WebhookEndpoint),
		deliveries: make(map[string]*domain.WebhookDelivery),
	}
}

func (r *WebhookRepo) CreateEndpoint(_ context.Context, e *domain.WebhookEndpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *e
	cp.Events = append([]string(nil), e.Events...)
	r.endpoints[e.ID] = &cp
	return nil
}

func (r *WebhookRepo) GetEndpoint(_ context.Context, id string) (*domain.WebhookEndpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.endpoints[id]
	if !ok {
		return nil, webhook.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (r *WebhookRepo) ListEndpoints(_ context.Context, ownerID string) ([]domain.WebhookEndpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.WebhookEndpoint
	for _, e := range r.endpoints {
		if e.OwnerID == ownerID {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *WebhookRepo) DeleteEndpoint(_ context.Context, ownerID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.endpoints[id]
	if !ok || e.OwnerID != ownerID {
		return webhook.ErrNotFound
	}
	delete(r.endpoints, id)
	return nil
}

func (r *WebhookRepo) RecordEndpointResult(_ context.Context, id string, ok bool, statusCode int, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, found := r.endpoints[id]
	if !found {
		return webhook.ErrNotFound
	}
	e.LastStatusCode = statusCode
	if ok {
		e.LastSuccessAt = &at
	} else {
		e.LastFailureAt = &at
	}
	return nil
}

func (r *WebhookRepo) CreateDelivery(_ context.Context, d *domain.WebhookDelivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *d
	r.deliveries[d.ID] = &cp
	return nil
}

func (r *WebhookRepo) GetDelivery(_ context.Context, id string) (*domain.WebhookDelivery, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.deliveries[id]
	if !ok {
		return nil, webhook.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (r *WebhookRepo) UpdateDelivery(_ context.Context, d *domain.WebhookDelivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.deliveries[d.ID]; !ok {
		return webhook.ErrNotFound
	}
	cp := *d
	r.deliveries[d.ID] = &cp
	return nil
}

func (r *WebhookRepo) DueDeliveries(_ context.Context, now time.Time, limit int) ([]domain.WebhookDelivery, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.WebhookDelivery
	for _, d := range r.deliveries {
		if d.State == domain.DeliveryPending && !d.NextAttemptAt.After(now) {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextAttemptAt.Before(out[j].NextAttemptAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeadLetterStore implements webhook.DeadLetterStore in memory.
type DeadLetterStore struct {
	mu      sync.RWMutex
	entries map[string]domain.DeadLetter
}

// NewDeadLetterStore creates an empty dead-letter store.
func NewDeadLetterStore() *DeadLetterStore {
	return &DeadLetterStore{entries: make(map[string]domain.DeadLetter)}
}

func (s *DeadLetterStore) Put(_ context.Context, dl domain.DeadLetter) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[dl.DeliveryID]; exists {
		return false, nil
	}
	s.entries[dl.DeliveryID] = dl
	return true, nil
}

func (s *DeadLetterStore) Get(_ context.Context, deliveryID string) (*domain.DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dl, ok := s.entries[deliveryID]
	if !ok {
		return nil, webhook.ErrNotFound
	}
	return &dl, nil
}

func (s *DeadLetterStore) List(_ context.Context, f webhook.DeadLetterFilter) ([]domain.DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.DeadLetter
	for _, dl := range s.entries {
		if f.Matches(dl) {
			out = append(out, dl)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeadAt.Before(out[j].DeadAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *DeadLetterStore) Delete(_ context.Context, deliveryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, deliveryID)
	return nil
}
