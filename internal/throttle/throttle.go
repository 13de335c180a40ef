package throttle

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ignite/bulk-verifier/internal/pkg/backoff"
	"github.com/jonboulle/clockwork"
)

// Outcome is what a probe reported back when releasing its permit.
type Outcome int

const (
	// OutcomeSuccess means the domain's mail server answered normally. A
	// definitive rejection of the mailbox is still a success for the domain.
	OutcomeSuccess Outcome = iota
	// OutcomeSoftFailure means the server throttled, greylisted, timed out
	// or refused the connection.
	OutcomeSoftFailure
	// OutcomeAborted means the probe was abandoned (cancellation, cache hit);
	// the domain's state is left untouched.
	OutcomeAborted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeSoftFailure:
		return "soft_failure"
	default:
		return "aborted"
	}
}

// Config holds the throttle constants.
type Config struct {
	DefaultConcurrency int
	BackoffBase        time.Duration
	BackoffFactor      float64
	BackoffMax         time.Duration
	IdleEviction       time.Duration
	ReputationWindow   int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		DefaultConcurrency: 2,
		BackoffBase:        5 * time.Second,
		BackoffFactor:      2,
		BackoffMax:         10 * time.Minute,
		IdleEviction:       15 * time.Minute,
		ReputationWindow:   50,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DefaultConcurrency <= 0 {
		c.DefaultConcurrency = d.DefaultConcurrency
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffFactor <= 0 {
		c.BackoffFactor = d.BackoffFactor
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = d.BackoffMax
	}
	if c.IdleEviction <= 0 {
		c.IdleEviction = d.IdleEviction
	}
	if c.ReputationWindow <= 0 {
		c.ReputationWindow = d.ReputationWindow
	}
	return c
}

// Permit is one unit of probing capacity against a domain. It must be
// released exactly once; further releases are ignored.
type Permit struct {
	st       *domainState
	released bool
}

// Domain returns the domain the permit was issued for.
func (p *Permit) Domain() string { return p.st.domain }

// Throttle is the registry of per-domain states. The registry lock only
// guards the map; each domain's counters sit behind the domain's own mutex.
type Throttle struct {
	cfg     Config
	backoff backoff.Exponential
	clock   clockwork.Clock

	mu      sync.RWMutex
	domains map[string]*domainState

	changedMu sync.Mutex
	changed   chan struct{}
}

// New creates a throttle. A nil clock means the real clock.
func New(cfg Config, clock clockwork.Clock) *Throttle {
	cfg = cfg.withDefaults()
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Throttle{
		cfg:     cfg,
		backoff: backoff.Exponential{Base: cfg.BackoffBase, Factor: cfg.BackoffFactor, Max: cfg.BackoffMax},
		clock:   clock,
		domains: make(map[string]*domainState),
		changed: make(chan struct{}),
	}
}

func normalizeDomain(domain string) string {
	return strings.ToLower(strings.TrimSpace(domain))
}

// state returns the live state for domain, creating it if needed.
func (t *Throttle) state(domain string) *domainState {
	t.mu.RLock()
	st, ok := t.domains[domain]
	t.mu.RUnlock()
	if ok {
		return st
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok = t.domains[domain]; ok {
		return st
	}
	st = newDomainState(domain, t.cfg.DefaultConcurrency, t.cfg.ReputationWindow, t.clock.Now())
	t.domains[domain] = st
	return st
}

// TryAcquire takes a permit if the domain is out of backoff and under its
// concurrency limit. The boolean is false when the caller would block.
func (t *Throttle) TryAcquire(domain string) (*Permit, bool) {
	domain = normalizeDomain(domain)
	for {
		st := t.state(domain)
		st.mu.Lock()
		if st.evicted {
			st.mu.Unlock()
			continue
		}
		ok := st.tryTake(t.clock.Now())
		st.mu.Unlock()
		if !ok {
			return nil, false
		}
		return &Permit{st: st}, true
	}
}

// Acquire blocks until a permit for domain is available or ctx ends. It
// parks on the domain's wake channel and, during backoff, on a timer for
// the end of the window.
func (t *Throttle) Acquire(ctx context.Context, domain string) (*Permit, error) {
	domain = normalizeDomain(domain)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		st := t.state(domain)
		st.mu.Lock()
		if st.evicted {
			st.mu.Unlock()
			continue
		}
		now := t.clock.Now()
		if st.tryTake(now) {
			st.mu.Unlock()
			return &Permit{st: st}, nil
		}
		wake := st.wake
		var timer clockwork.Timer
		var expired <-chan time.Time
		if now.Before(st.backoffUntil) {
			timer = t.clock.NewTimer(st.backoffUntil.Sub(now))
			expired = timer.Chan()
		}
		st.mu.Unlock()

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil, ctx.Err()
		case <-wake:
		case <-expired:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// Release returns a permit and applies the outcome to the domain's state.
func (t *Throttle) Release(p *Permit, outcome Outcome) {
	if p == nil {
		return
	}
	st := p.st
	st.mu.Lock()
	if p.released {
		st.mu.Unlock()
		return
	}
	p.released = true

	now := t.clock.Now()
	st.inFlight--
	st.lastUsed = now
	switch outcome {
	case OutcomeSuccess:
		st.consecutiveFailures = 0
		st.backoffUntil = time.Time{}
		if st.limit < t.cfg.DefaultConcurrency {
			st.limit++
		}
		st.record(true)
	case OutcomeSoftFailure:
		st.consecutiveFailures++
		st.limit /= 2
		if st.limit < 1 {
			st.limit = 1
		}
		until := now.Add(t.backoff.Delay(st.consecutiveFailures))
		if until.After(st.backoffUntil) {
			st.backoffUntil = until
		}
		st.record(false)
	}
	st.broadcast()
	st.mu.Unlock()

	t.notifyChanged()
}

// Changed returns a channel closed on the next release of any domain. The
// scheduler parks on it when every ready domain would block.
func (t *Throttle) Changed() <-chan struct{} {
	t.changedMu.Lock()
	defer t.changedMu.Unlock()
	return t.changed
}

func (t *Throttle) notifyChanged() {
	t.changedMu.Lock()
	close(t.changed)
	t.changed = make(chan struct{})
	t.changedMu.Unlock()
}

// NextExpiry returns the earliest future backoff expiry among domains.
func (t *Throttle) NextExpiry(domains []string) (time.Time, bool) {
	now := t.clock.Now()
	var earliest time.Time
	for _, d := range domains {
		t.mu.RLock()
		st, ok := t.domains[normalizeDomain(d)]
		t.mu.RUnlock()
		if !ok {
			continue
		}
		st.mu.Lock()
		until := st.backoffUntil
		st.mu.Unlock()
		if until.After(now) && (earliest.IsZero() || until.Before(earliest)) {
			earliest = until
		}
	}
	return earliest, !earliest.IsZero()
}

// BackoffRemaining returns how long domain stays in backoff.
func (t *Throttle) BackoffRemaining(domain string) time.Duration {
	t.mu.RLock()
	st, ok := t.domains[normalizeDomain(domain)]
	t.mu.RUnlock()
	if !ok {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if d := st.backoffUntil.Sub(t.clock.Now()); d > 0 {
		return d
	}
	return 0
}

// Reputation returns the share of recent probes against domain that did not
// soft-fail, in [0,1]. Unseen domains score 1.
func (t *Throttle) Reputation(domain string) float64 {
	t.mu.RLock()
	st, ok := t.domains[normalizeDomain(domain)]
	t.mu.RUnlock()
	if !ok {
		return 1
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.reputation()
}

// State returns a point-in-time copy of a domain's throttle state.
func (t *Throttle) State(domain string) (Snapshot, bool) {
	t.mu.RLock()
	st, ok := t.domains[normalizeDomain(domain)]
	t.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.snapshot(), true
}

// Len returns the number of tracked domains.
func (t *Throttle) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.domains)
}

// Sweep evicts domains with nothing in flight, no active backoff and no use
// for at least idle. It returns the number evicted.
func (t *Throttle) Sweep(idle time.Duration) int {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for key, st := range t.domains {
		st.mu.Lock()
		if st.inFlight == 0 && !now.Before(st.backoffUntil) && now.Sub(st.lastUsed) >= idle {
			st.evicted = true
			st.broadcast()
			delete(t.domains, key)
			n++
		}
		st.mu.Unlock()
	}
	return n
}

// Run evicts idle domains periodically until ctx ends.
func (t *Throttle) Run(ctx context.Context, interval time.Duration) {
	ticker := t.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			t.Sweep(t.cfg.IdleEviction)
		}
	}
}
