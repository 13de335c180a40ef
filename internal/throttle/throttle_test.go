package throttle

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestThrottle(t *testing.T, concurrency int) (*Throttle, clockwork.FakeClock) {
	t.Helper()
	fc := clockwork.NewFakeClock()
	cfg := DefaultConfig()
	cfg.DefaultConcurrency = concurrency
	return New(cfg, fc), fc
}

func TestTryAcquireRespectsConcurrency(t *testing.T) {
	th, _ := newTestThrottle(t, 2)

	p1, ok := th.TryAcquire("Gmail.com")
	require.True(t, ok)
	p2, ok := th.TryAcquire("gmail.com")
	require.True(t, ok)

	_, ok = th.TryAcquire("gmail.com")
	assert.False(t, ok, "third concurrent probe must block")

	// unrelated domains are independent
	_, ok = th.TryAcquire("yahoo.com")
	assert.True(t, ok)

	th.Release(p1, OutcomeSuccess)
	p3, ok := th.TryAcquire("gmail.com")
	require.True(t, ok)

	th.Release(p2, OutcomeSuccess)
	th.Release(p3, OutcomeSuccess)
	th.Release(p3, OutcomeSuccess) // double release is ignored

	snap, ok := th.State("gmail.com")
	require.True(t, ok)
	assert.Equal(t, 0, snap.InFlight)
	assert.Equal(t, "gmail.com", p1.Domain())
}

func TestSoftFailureHalvesAndBacksOff(t *testing.T) {
	th, fc := newTestThrottle(t, 4)

	p, ok := th.TryAcquire("corp.io")
	require.True(t, ok)
	th.Release(p, OutcomeSoftFailure)

	snap, _ := th.State("corp.io")
	assert.Equal(t, 2, snap.Limit)
	assert.Equal(t, 1, snap.ConsecutiveFailures)
	assert.Equal(t, 5*time.Second, th.BackoffRemaining("corp.io"))

	_, ok = th.TryAcquire("corp.io")
	assert.False(t, ok, "domain in backoff rejects acquire")

	fc.Advance(5 * time.Second)
	p, ok = th.TryAcquire("corp.io")
	require.True(t, ok)
	th.Release(p, OutcomeSoftFailure)

	snap, _ = th.State("corp.io")
	assert.Equal(t, 1, snap.Limit)
	assert.Equal(t, 10*time.Second, th.BackoffRemaining("corp.io"), "second consecutive failure doubles the window")

	fc.Advance(10 * time.Second)
	p, ok = th.TryAcquire("corp.io")
	require.True(t, ok)
	th.Release(p, OutcomeSoftFailure)
	snap, _ = th.State("corp.io")
	assert.Equal(t, 1, snap.Limit, "concurrency never drops below one")
}

func TestBackoffIsCapped(t *testing.T) {
	th, fc := newTestThrottle(t, 2)
	for i := 0; i < 12; i++ {
		p, ok := th.TryAcquire("slow.net")
		require.True(t, ok, "attempt %d", i)
		th.Release(p, OutcomeSoftFailure)
		remaining := th.BackoffRemaining("slow.net")
		assert.LessOrEqual(t, remaining, 10*time.Minute)
		fc.Advance(remaining)
	}
	p, _ := th.TryAcquire("slow.net")
	th.Release(p, OutcomeSoftFailure)
	assert.Equal(t, 10*time.Minute, th.BackoffRemaining("slow.net"))
}

func TestSuccessRecoversGradually(t *testing.T) {
	th, fc := newTestThrottle(t, 4)

	for i := 0; i < 2; i++ {
		p, ok := th.TryAcquire("mx.org")
		require.True(t, ok)
		th.Release(p, OutcomeSoftFailure)
		fc.Advance(th.BackoffRemaining("mx.org"))
	}
	snap, _ := th.State("mx.org")
	require.Equal(t, 1, snap.Limit)

	for _, want := range []int{2, 3, 4, 4} {
		p, ok := th.TryAcquire("mx.org")
		require.True(t, ok)
		th.Release(p, OutcomeSuccess)
		snap, _ = th.State("mx.org")
		assert.Equal(t, want, snap.Limit)
		assert.Equal(t, 0, snap.ConsecutiveFailures)
		assert.Zero(t, th.BackoffRemaining("mx.org"))
	}
}

func TestAcquireBlocksUntilBackoffElapses(t *testing.T) {
	th, fc := newTestThrottle(t, 2)

	for i := 0; i < 3; i++ {
		p, ok := th.TryAcquire("greylist.com")
		require.True(t, ok)
		th.Release(p, OutcomeSoftFailure)
		if i < 2 {
			fc.Advance(th.BackoffRemaining("greylist.com"))
		}
	}
	require.Equal(t, 20*time.Second, th.BackoffRemaining("greylist.com"))

	got := make(chan *Permit, 1)
	go func() {
		p, err := th.Acquire(context.Background(), "greylist.com")
		if err == nil {
			got <- p
		}
	}()

	fc.BlockUntil(1)
	fc.Advance(19 * time.Second)
	select {
	case <-got:
		t.Fatal("acquire returned before the backoff window elapsed")
	case <-time.After(50 * time.Millisecond):
	}

	fc.Advance(time.Second)
	select {
	case p := <-got:
		assert.Equal(t, "greylist.com", p.Domain())
	case <-time.After(2 * time.Second):
		t.Fatal("acquire did not wake at backoff expiry")
	}
}

func TestAcquireWokenByRelease(t *testing.T) {
	th, _ := newTestThrottle(t, 1)

	held, ok := th.TryAcquire("busy.com")
	require.True(t, ok)

	got := make(chan struct{})
	go func() {
		p, err := th.Acquire(context.Background(), "busy.com")
		if err == nil {
			th.Release(p, OutcomeSuccess)
			close(got)
		}
	}()

	select {
	case <-got:
		t.Fatal("acquire must park while capacity is taken")
	case <-time.After(50 * time.Millisecond):
	}

	th.Release(held, OutcomeSuccess)
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("parked acquirer was not woken by release")
	}
}

func TestAcquireHonoursCancellation(t *testing.T) {
	th, _ := newTestThrottle(t, 1)
	_, ok := th.TryAcquire("busy.com")
	require.True(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := th.Acquire(ctx, "busy.com")
		errc <- err
	}()
	cancel()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("acquire ignored cancellation")
	}
}

func TestChangedAndNextExpiry(t *testing.T) {
	th, fc := newTestThrottle(t, 2)

	changed := th.Changed()
	p, _ := th.TryAcquire("a.com")
	th.Release(p, OutcomeSoftFailure)
	select {
	case <-changed:
	default:
		t.Fatal("release must signal Changed")
	}

	fc.Advance(time.Second)
	q, _ := th.TryAcquire("b.com")
	th.Release(q, OutcomeSoftFailure)

	at, ok := th.NextExpiry([]string{"a.com", "b.com", "unseen.com"})
	require.True(t, ok)
	assert.Equal(t, fc.Now().Add(4*time.Second), at)

	_, ok = th.NextExpiry([]string{"unseen.com"})
	assert.False(t, ok)
}

func TestReputationTracksRecentOutcomes(t *testing.T) {
	th, fc := newTestThrottle(t, 2)
	assert.Equal(t, 1.0, th.Reputation("new.com"))

	for i := 0; i < 3; i++ {
		p, _ := th.TryAcquire("new.com")
		th.Release(p, OutcomeSuccess)
	}
	p, _ := th.TryAcquire("new.com")
	th.Release(p, OutcomeSoftFailure)
	fc.Advance(th.BackoffRemaining("new.com"))

	assert.InDelta(t, 0.75, th.Reputation("new.com"), 0.001)

	p, _ = th.TryAcquire("new.com")
	th.Release(p, OutcomeAborted)
	assert.InDelta(t, 0.75, th.Reputation("new.com"), 0.001, "aborted probes are not counted")
}

func TestSweepEvictsIdleDomains(t *testing.T) {
	th, fc := newTestThrottle(t, 2)

	idle, _ := th.TryAcquire("idle.com")
	th.Release(idle, OutcomeSuccess)
	_, ok := th.TryAcquire("busy.com")
	require.True(t, ok)
	backing, _ := th.TryAcquire("backoff.com")
	th.Release(backing, OutcomeSoftFailure)

	fc.Advance(3 * time.Second)
	assert.Equal(t, 0, th.Sweep(time.Minute))

	fc.Advance(time.Minute)
	assert.Equal(t, 2, th.Sweep(time.Minute), "idle and expired-backoff domains go, in-flight stays")
	assert.Equal(t, 1, th.Len())

	// evicted domains come back fresh on next use
	p, ok := th.TryAcquire("idle.com")
	require.True(t, ok)
	th.Release(p, OutcomeSuccess)
	assert.Equal(t, 2, th.Len())
}
