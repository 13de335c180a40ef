package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ignite/bulk-verifier/internal/domain"
	"github.com/ignite/bulk-verifier/internal/pkg/httputil"
	"github.com/ignite/bulk-verifier/internal/service/webhook"
)

type registerWebhookRequest struct {
	URL    string   `json:"url"`
	Secret string   `json:"secret,omitempty"`
	Events []string `json:"events"`
}

// registeredEndpoint exposes the signing secret once, on creation.
type registeredEndpoint struct {
	*domain.WebhookEndpoint
	Secret string `json:"secret"`
}

// RegisterWebhook handles POST /api/webhooks.
func (h *Handlers) RegisterWebhook(w http.ResponseWriter, r *http.Request) {
	var req registerWebhookRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if len(req.Events) == 0 {
		req.Events = []string{string(domain.EventAll)}
	}
	ep, err := h.webhooks.Register(r.Context(), OwnerFromContext(r.Context()), req.URL, req.Secret, req.Events)
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.Created(w, registeredEndpoint{WebhookEndpoint: ep, Secret: ep.Secret})
}

// ListWebhooks handles GET /api/webhooks.
func (h *Handlers) ListWebhooks(w http.ResponseWriter, r *http.Request) {
	eps, err := h.webhooks.Endpoints(r.Context(), OwnerFromContext(r.Context()))
	if err != nil {
		respondError(w, err)
		return
	}
	if eps == nil {
		eps = []domain.WebhookEndpoint{}
	}
	httputil.OK(w, map[string]interface{}{"endpoints": eps})
}

// DeleteWebhook handles DELETE /api/webhooks/{id}.
func (h *Handlers) DeleteWebhook(w http.ResponseWriter, r *http.Request) {
	if err := h.webhooks.Unregister(r.Context(), OwnerFromContext(r.Context()), chi.URLParam(r, "id")); err != nil {
		respondError(w, err)
		return
	}
	httputil.NoContent(w)
}

// =============================================================================
// ADMIN
// =============================================================================

type deadLetterFilterRequest struct {
	OwnerID    string    `json:"owner_id,omitempty"`
	EndpointID string    `json:"endpoint_id,omitempty"`
	JobID      string    `json:"job_id,omitempty"`
	Event      string    `json:"event,omitempty"`
	Since      time.Time `json:"since,omitempty"`
	Limit      int       `json:"limit,omitempty"`
}

func (f deadLetterFilterRequest) filter() webhook.DeadLetterFilter {
	return webhook.DeadLetterFilter{
		OwnerID:    f.OwnerID,
		EndpointID: f.EndpointID,
		JobID:      f.JobID,
		Event:      domain.WebhookEvent(f.Event),
		Since:      f.Since,
		Limit:      f.Limit,
	}
}

func filterFromQuery(r *http.Request) (webhook.DeadLetterFilter, bool) {
	q := r.URL.Query()
	f := deadLetterFilterRequest{
		OwnerID:    q.Get("owner_id"),
		EndpointID: q.Get("endpoint_id"),
		JobID:      q.Get("job_id"),
		Event:      q.Get("event"),
		Limit:      parseWindow(r, 100, 1000).Limit,
	}
	if s := q.Get("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return webhook.DeadLetterFilter{}, false
		}
		f.Since = t
	}
	return f.filter(), true
}

// ListDeadLetters handles GET /api/admin/dead-letters.
func (h *Handlers) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	f, ok := filterFromQuery(r)
	if !ok {
		httputil.BadRequest(w, "since must be an RFC 3339 timestamp")
		return
	}
	dls, err := h.webhooks.DeadLetters(r.Context(), f)
	if err != nil {
		respondError(w, err)
		return
	}
	if dls == nil {
		dls = []domain.DeadLetter{}
	}
	httputil.OK(w, map[string]interface{}{"dead_letters": dls, "count": len(dls)})
}

// ReplayDeadLetter handles POST /api/admin/dead-letters/{id}/replay.
func (h *Handlers) ReplayDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.webhooks.Replay(r.Context(), id); err != nil {
		respondError(w, err)
		return
	}
	httputil.Accepted(w, map[string]string{"delivery_id": id, "status": "requeued"})
}

// ReplayDeadLetters handles POST /api/admin/dead-letters/replay. An empty
// body replays everything.
func (h *Handlers) ReplayDeadLetters(w http.ResponseWriter, r *http.Request) {
	var req deadLetterFilterRequest
	if r.ContentLength != 0 && !httputil.Decode(w, r, &req) {
		return
	}
	n, err := h.webhooks.ReplayAll(r.Context(), req.filter())
	if err != nil {
		h.log.Error("bulk replay stopped", "replayed", n, "error", err)
		respondError(w, err)
		return
	}
	httputil.Accepted(w, map[string]int{"replayed": n})
}

// ThrottleState handles GET /api/admin/throttle/{domain}.
func (h *Handlers) ThrottleState(w http.ResponseWriter, r *http.Request) {
	d := chi.URLParam(r, "domain")
	snap, ok := h.throttle.State(d)
	if !ok {
		httputil.NotFound(w, "domain not tracked")
		return
	}
	httputil.OK(w, map[string]interface{}{
		"state":             snap,
		"reputation":        h.throttle.Reputation(d),
		"backoff_remaining": h.throttle.BackoffRemaining(d).String(),
	})
}

type depositRequest struct {
	OwnerID string `json:"owner_id"`
	Amount  int64  `json:"amount"`
}

// Deposit handles POST /api/admin/credits.
func (h *Handlers) Deposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.OwnerID == "" {
		httputil.BadRequest(w, "owner_id is required")
		return
	}
	if err := h.ledger.Deposit(r.Context(), req.OwnerID, req.Amount); err != nil {
		respondError(w, err)
		return
	}
	bal, err := h.ledger.Balance(r.Context(), req.OwnerID)
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{"owner_id": req.OwnerID, "balance": bal})
}
