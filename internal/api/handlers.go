package api

import (
	"errors"
	"net/http"

	"github.com/ignite/bulk-verifier/internal/pkg/httputil"
	"github.com/ignite/bulk-verifier/internal/pkg/logger"
	"github.com/ignite/bulk-verifier/internal/progress"
	"github.com/ignite/bulk-verifier/internal/service/jobs"
	"github.com/ignite/bulk-verifier/internal/service/ledger"
	"github.com/ignite/bulk-verifier/internal/service/webhook"
	"github.com/ignite/bulk-verifier/internal/throttle"
)

// Handlers holds the services behind the HTTP routes.
type Handlers struct {
	jobs     *jobs.Service
	ledger   *ledger.Service
	webhooks *webhook.Service
	hub      *progress.Hub
	throttle *throttle.Throttle
	health   *HealthChecker
	log      *logger.Logger
}

// NewHandlers wires the handler set. health may be nil.
func NewHandlers(jobSvc *jobs.Service, ledgerSvc *ledger.Service, webhookSvc *webhook.Service, hub *progress.Hub, th *throttle.Throttle, health *HealthChecker) *Handlers {
	return &Handlers{
		jobs:     jobSvc,
		ledger:   ledgerSvc,
		webhooks: webhookSvc,
		hub:      hub,
		throttle: th,
		health:   health,
		log:      logger.New("api"),
	}
}

// respondError maps service sentinels to HTTP statuses. Anything unknown is
// logged and reported as a generic 500.
func respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrInsufficientCredits):
		httputil.PaymentRequired(w, err.Error())
	case errors.Is(err, jobs.ErrNotFound),
		errors.Is(err, webhook.ErrNotFound),
		errors.Is(err, ledger.ErrNotFound):
		httputil.NotFound(w, err.Error())
	case errors.Is(err, jobs.ErrJobTerminal),
		errors.Is(err, jobs.ErrSubmitInProgress),
		errors.Is(err, jobs.ErrDuplicate),
		errors.Is(err, webhook.ErrNotDead):
		httputil.Conflict(w, err.Error())
	case errors.Is(err, jobs.ErrNoAddresses),
		errors.Is(err, jobs.ErrOwnerRequired),
		errors.Is(err, jobs.ErrTooManyAddresses),
		errors.Is(err, webhook.ErrInvalidURL),
		errors.Is(err, webhook.ErrUnknownEvent),
		errors.Is(err, ledger.ErrInvalidAmount):
		httputil.BadRequest(w, err.Error())
	default:
		httputil.InternalError(w, err)
	}
}
