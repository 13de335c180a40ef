package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/ignite/bulk-verifier/internal/domain"
	"github.com/ignite/bulk-verifier/internal/pkg/httputil"
	"github.com/ignite/bulk-verifier/internal/service/jobs"
)

type submitJobRequest struct {
	Addresses      []string `json:"addresses"`
	IdempotencyKey string   `json:"idempotency_key,omitempty"`
}

// SubmitJob handles POST /api/jobs. The idempotency key may come from the
// body or the Idempotency-Key header. A replayed key answers 200 with the
// original job, a new job answers 202.
func (h *Handlers) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	key := req.IdempotencyKey
	if key == "" {
		key = r.Header.Get("Idempotency-Key")
	}

	res, err := h.jobs.Submit(r.Context(), jobs.SubmitRequest{
		OwnerID:        OwnerFromContext(r.Context()),
		IdempotencyKey: key,
		Addresses:      req.Addresses,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	if res.Existing {
		httputil.OK(w, res)
		return
	}
	httputil.Accepted(w, res)
}

// GetJob handles GET /api/jobs/{id}.
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.Get(r.Context(), OwnerFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.OK(w, job)
}

var resultStatuses = map[string]bool{
	string(domain.StatusValid):   true,
	string(domain.StatusRisky):   true,
	string(domain.StatusInvalid): true,
	string(domain.StatusUnknown): true,
}

// JobResults handles GET /api/jobs/{id}/results?status=&offset=&limit=.
func (h *Handlers) JobResults(w http.ResponseWriter, r *http.Request) {
	status := strings.ToLower(r.URL.Query().Get("status"))
	if status != "" && !resultStatuses[status] {
		httputil.BadRequest(w, "status must be one of valid, risky, invalid, unknown")
		return
	}
	p := parseWindow(r, 100, 1000)

	tasks, total, err := h.jobs.Results(r.Context(), OwnerFromContext(r.Context()), chi.URLParam(r, "id"), jobs.TaskFilter{
		Status: status,
		Limit:  p.Limit,
		Offset: p.Offset,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	if tasks == nil {
		tasks = []domain.AddressTask{}
	}
	httputil.OK(w, newResultPage(tasks, p, int64(total)))
}

// CancelJob handles POST /api/jobs/{id}/cancel.
func (h *Handlers) CancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.jobs.Cancel(r.Context(), OwnerFromContext(r.Context()), id); err != nil {
		respondError(w, err)
		return
	}
	httputil.Accepted(w, map[string]string{"job_id": id, "status": "cancelling"})
}

// Balance handles GET /api/credits.
func (h *Handlers) Balance(w http.ResponseWriter, r *http.Request) {
	owner := OwnerFromContext(r.Context())
	bal, err := h.ledger.Balance(r.Context(), owner)
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{"owner_id": owner, "balance": bal})
}

// CreditTransactions handles GET /api/credits/transactions, newest first.
func (h *Handlers) CreditTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := h.ledger.Transactions(r.Context(), OwnerFromContext(r.Context()), parseWindow(r, 50, 500).Limit)
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{"data": txs})
}
