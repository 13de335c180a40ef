package probe

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/ignite/bulk-verifier/internal/domain"
	"github.com/ignite/bulk-verifier/internal/pkg/logger"
)

// State is a step of the per-address probe state machine.
type State string

const (
	StateStart            State = "start"
	StateMXResolved       State = "mx_resolved"
	StateConnected        State = "connected"
	StateGreetingOK       State = "greeting_ok"
	StateSenderOK         State = "sender_ok"
	StateRecipientChecked State = "recipient_checked"
	StateDone             State = "done"
)

// Config holds the probe engine settings.
type Config struct {
	HeloName       string
	MailFrom       string
	Port           int
	ConnectTimeout time.Duration
	StepTimeout    time.Duration
	ProbeTimeout   time.Duration
	MaxMXHosts     int
	CatchAll       bool
	Weights        Weights
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		HeloName:       "verifier.localhost",
		MailFrom:       "postmaster@verifier.localhost",
		Port:           25,
		ConnectTimeout: 8 * time.Second,
		StepTimeout:    8 * time.Second,
		ProbeTimeout:   30 * time.Second,
		MaxMXHosts:     2,
		CatchAll:       true,
		Weights:        DefaultWeights(),
	}
}

// ReputationSource reports a domain's recent health in [0,1].
type ReputationSource interface {
	Reputation(domain string) float64
}

// HostResolver returns a domain's mail hosts; *MXLookup satisfies it.
type HostResolver interface {
	Hosts(ctx context.Context, domain string) ([]string, error)
}

// Report is the outcome of one verification attempt.
type Report struct {
	Email  string
	Domain string
	Result domain.Result
	// Soft marks a transient failure the scheduler may retry.
	Soft bool
	// Cancelled is set when ctx ended before the attempt finished.
	Cancelled bool
	// Contacted is set once an SMTP connection was attempted, so the
	// outcome says something about the domain's mail servers.
	Contacted bool
	States    []State
}

// Engine runs the probe state machine. It is safe for concurrent use.
type Engine struct {
	cfg        Config
	mx         HostResolver
	prober     Prober
	reputation ReputationSource
	log        *logger.Logger
}

// NewEngine wires an engine. reputation may be nil.
func NewEngine(cfg Config, mx HostResolver, prober Prober, reputation ReputationSource) *Engine {
	if cfg.MaxMXHosts <= 0 {
		cfg.MaxMXHosts = 1
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultConfig().ProbeTimeout
	}
	return &Engine{
		cfg:        cfg,
		mx:         mx,
		prober:     prober,
		reputation: reputation,
		log:        logger.New("probe"),
	}
}

// Verify runs one attempt for email. It never retries and never returns an
// error: every failure is folded into the report.
func (e *Engine) Verify(ctx context.Context, email string) Report {
	r := Report{Email: email, States: []State{StateStart}}
	step := func(s State) { r.States = append(r.States, s) }

	ctx, cancel := context.WithTimeout(ctx, e.cfg.ProbeTimeout)
	defer cancel()

	local, dom, ok := SplitAddress(email)
	if ok {
		r.Domain = dom
	}
	if err := ValidateSyntax(email); err != nil {
		return e.finish(r, domain.StatusInvalid, domain.ReasonInvalidSyntax, domain.ResultFlags{})
	}
	if ctx.Err() != nil {
		return e.cancelled(r, ctx)
	}

	hosts, err := e.mx.Hosts(ctx, dom)
	if err != nil {
		if ctx.Err() != nil {
			return e.cancelled(r, ctx)
		}
		e.log.Debug("mx lookup failed", "domain", dom, "error", err)
		r.Soft = true
		return e.finish(r, domain.StatusUnknown, domain.ReasonTemporaryFailure, domain.ResultFlags{})
	}
	if len(hosts) == 0 {
		return e.finish(r, domain.StatusInvalid, domain.ReasonNoMX, domain.ResultFlags{})
	}
	step(StateMXResolved)

	flags := domain.ResultFlags{
		Role:       IsRoleAccount(local),
		Suspicious: IsSuspicious(local, dom),
	}
	if IsDisposable(dom) {
		flags.Disposable = true
		return e.finish(r, domain.StatusInvalid, domain.ReasonDisposable, flags)
	}

	if len(hosts) > e.cfg.MaxMXHosts {
		hosts = hosts[:e.cfg.MaxMXHosts]
	}
	catchAll := ""
	if e.cfg.CatchAll {
		catchAll = randomMailbox(dom)
	}

	r.Contacted = true
	var (
		session *SessionResult
		lastErr error
	)
	for _, host := range hosts {
		if ctx.Err() != nil {
			return e.cancelled(r, ctx)
		}
		// Only the session that reaches the server is kept in the trace.
		trace := r.States
		session, err = e.prober.Probe(ctx, host, email, catchAll, step)
		if err == nil {
			r.Result.MXHost = host
			break
		}
		lastErr = err
		if ctx.Err() != nil {
			return e.cancelled(r, ctx)
		}
		var se *StepError
		if errors.As(err, &se) && se.During != StateConnected && se.During != StateGreetingOK {
			// The server spoke to us and refused; another MX will not differ.
			r.Result.MXHost = host
			break
		}
		r.States = trace
	}

	if session == nil {
		return e.sessionFailure(r, lastErr, flags)
	}

	r.Result.SMTPCode = session.Recipient.Code
	switch MapRcptCode(session.Recipient.Code, session.Recipient.Message) {
	case SignalDeliverable:
		if session.CatchAll != nil && session.CatchAll.Code/100 == 2 {
			flags.CatchAll = true
			return e.finish(r, domain.StatusRisky, domain.ReasonCatchAll, flags)
		}
		return e.finish(r, domain.StatusValid, domain.ReasonAccepted, flags)
	case SignalInvalid:
		return e.finish(r, domain.StatusInvalid, domain.ReasonMailboxNotFound, flags)
	case SignalSoft:
		r.Soft = true
		return e.finish(r, domain.StatusUnknown, domain.ReasonTemporaryFailure, flags)
	default:
		return e.finish(r, domain.StatusUnknown, domain.ReasonSMTPUnknown, flags)
	}
}

// sessionFailure classifies an SMTP conversation that broke off before a
// recipient verdict.
func (e *Engine) sessionFailure(r Report, err error, flags domain.ResultFlags) Report {
	var se *StepError
	if !errors.As(err, &se) {
		r.Soft = true
		return e.finish(r, domain.StatusUnknown, domain.ReasonConnectionFailed, flags)
	}
	if se.Reply != nil {
		r.Result.SMTPCode = se.Reply.Code
		if ClassifyBounce(se.Reply.Code, se.Reply.Message) == BounceSoft || ClassifyBounce(0, se.Reply.Message) == BounceSoft {
			r.Soft = true
			return e.finish(r, domain.StatusUnknown, domain.ReasonTemporaryFailure, flags)
		}
		return e.finish(r, domain.StatusUnknown, domain.ReasonSMTPUnknown, flags)
	}

	r.Soft = true
	if se.Timeout() {
		return e.finish(r, domain.StatusUnknown, domain.ReasonTimeout, flags)
	}
	return e.finish(r, domain.StatusUnknown, domain.ReasonConnectionFailed, flags)
}

func (e *Engine) cancelled(r Report, ctx context.Context) Report {
	// The probe's own deadline is a timeout, not a cancellation of the job.
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		r.Soft = true
		return e.finish(r, domain.StatusUnknown, domain.ReasonTimeout, domain.ResultFlags{})
	}
	r.Cancelled = true
	r.Result = domain.Result{Status: domain.StatusUnknown, Reason: domain.ReasonCancelled}
	r.States = append(r.States, StateDone)
	return r
}

func (e *Engine) finish(r Report, status domain.VerificationStatus, reason domain.ReasonCode, flags domain.ResultFlags) Report {
	rep := 1.0
	if e.reputation != nil && r.Domain != "" {
		rep = e.reputation.Reputation(r.Domain)
	}
	r.Result.Status = status
	r.Result.Reason = reason
	r.Result.Flags = flags
	r.Result.RiskScore = e.cfg.Weights.Score(status, flags, rep)
	r.States = append(r.States, StateDone)
	return r
}

// randomMailbox builds an address that almost certainly does not exist.
func randomMailbox(dom string) string {
	b := make([]byte, 9)
	rand.Read(b)
	return "nx-" + hex.EncodeToString(b) + "@" + dom
}
