package throttle

import (
	"sync"
	"time"
)

// Snapshot is a read-only copy of one domain's throttle state.
type Snapshot struct {
	Domain              string    `json:"domain"`
	Limit               int       `json:"limit"`
	InFlight            int       `json:"in_flight"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	BackoffUntil        time.Time `json:"backoff_until,omitempty"`
	RecentSuccesses     int       `json:"recent_successes"`
	RecentFailures      int       `json:"recent_failures"`
	LastUsed            time.Time `json:"last_used"`
}

// domainState is owned by its mutex. wake is closed and replaced whenever
// capacity may have opened up so parked acquirers re-check.
type domainState struct {
	mu                  sync.Mutex
	domain              string
	limit               int
	inFlight            int
	consecutiveFailures int
	backoffUntil        time.Time
	lastUsed            time.Time
	wake                chan struct{}
	evicted             bool

	// rolling outcome window
	window    []bool
	next      int
	filled    int
	successes int
	failures  int
}

func newDomainState(domain string, limit, window int, now time.Time) *domainState {
	return &domainState{
		domain:   domain,
		limit:    limit,
		lastUsed: now,
		wake:     make(chan struct{}),
		window:   make([]bool, window),
	}
}

func (s *domainState) tryTake(now time.Time) bool {
	if now.Before(s.backoffUntil) || s.inFlight >= s.limit {
		return false
	}
	s.inFlight++
	s.lastUsed = now
	return true
}

func (s *domainState) broadcast() {
	close(s.wake)
	s.wake = make(chan struct{})
}

func (s *domainState) record(ok bool) {
	if s.filled == len(s.window) {
		if s.window[s.next] {
			s.successes--
		} else {
			s.failures--
		}
	} else {
		s.filled++
	}
	s.window[s.next] = ok
	s.next = (s.next + 1) % len(s.window)
	if ok {
		s.successes++
	} else {
		s.failures++
	}
}

func (s *domainState) reputation() float64 {
	total := s.successes + s.failures
	if total == 0 {
		return 1
	}
	return float64(s.successes) / float64(total)
}

func (s *domainState) snapshot() Snapshot {
	return Snapshot{
		Domain:              s.domain,
		Limit:               s.limit,
		InFlight:            s.inFlight,
		ConsecutiveFailures: s.consecutiveFailures,
		BackoffUntil:        s.backoffUntil,
		RecentSuccesses:     s.successes,
		RecentFailures:      s.failures,
		LastUsed:            s.lastUsed,
	}
}
