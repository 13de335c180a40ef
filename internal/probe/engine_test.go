package probe

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/ignite/bulk-verifier/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHosts struct {
	hosts map[string][]string
	err   error
	calls int
}

func (f *fakeHosts) Hosts(_ context.Context, d string) ([]string, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.hosts[d], nil
}

// fakeProber answers RCPT by mailbox; random catch-all mailboxes start
// with "nx-". hostErrs fail the connection to a specific host.
type fakeProber struct {
	mu       sync.Mutex
	rcpt     map[string]Reply
	catchAll *Reply
	hostErrs map[string]error
	hosts    []string
}

func (f *fakeProber) Probe(ctx context.Context, host, rcpt, catchAllRcpt string, step func(State)) (*SessionResult, error) {
	f.mu.Lock()
	f.hosts = append(f.hosts, host)
	f.mu.Unlock()

	if err := f.hostErrs[host]; err != nil {
		return nil, err
	}
	step(StateConnected)
	step(StateGreetingOK)
	step(StateSenderOK)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	reply, ok := f.rcpt[rcpt]
	if !ok {
		reply = Reply{Code: 550, Message: "5.1.1 user unknown"}
	}
	step(StateRecipientChecked)
	res := &SessionResult{Recipient: reply}
	if catchAllRcpt != "" && reply.Code/100 == 2 && f.catchAll != nil {
		if !strings.HasPrefix(catchAllRcpt, "nx-") {
			return nil, errors.New("catch-all mailbox not randomised")
		}
		res.CatchAll = f.catchAll
	}
	return res, nil
}

type fixedReputation float64

func (r fixedReputation) Reputation(string) float64 { return float64(r) }

func newTestEngine(hosts *fakeHosts, prober *fakeProber) *Engine {
	cfg := DefaultConfig()
	return NewEngine(cfg, hosts, prober, fixedReputation(1))
}

var fullPath = []State{StateStart, StateMXResolved, StateConnected, StateGreetingOK, StateSenderOK, StateRecipientChecked, StateDone}

func TestVerifyInvalidSyntaxSkipsNetwork(t *testing.T) {
	hosts := &fakeHosts{}
	prober := &fakeProber{}
	e := newTestEngine(hosts, prober)

	for _, addr := range []string{"no-at-sign", "a..b@good.com", ".a@good.com", "a@-bad-.com", "a@nodot", "a b@good.com"} {
		r := e.Verify(context.Background(), addr)
		assert.Equal(t, domain.StatusInvalid, r.Result.Status, addr)
		assert.Equal(t, domain.ReasonInvalidSyntax, r.Result.Reason, addr)
		assert.Equal(t, []State{StateStart, StateDone}, r.States, addr)
		assert.False(t, r.Contacted)
	}
	assert.Zero(t, hosts.calls)
	assert.Empty(t, prober.hosts)
}

func TestVerifyNoMXIsInvalid(t *testing.T) {
	e := newTestEngine(&fakeHosts{hosts: map[string][]string{}}, &fakeProber{})
	r := e.Verify(context.Background(), "b@badmx.invalid")
	assert.Equal(t, domain.StatusInvalid, r.Result.Status)
	assert.Equal(t, domain.ReasonNoMX, r.Result.Reason)
	assert.False(t, r.Soft)
}

func TestVerifyDisposableIsInvalidAndFlagged(t *testing.T) {
	prober := &fakeProber{}
	e := newTestEngine(&fakeHosts{hosts: map[string][]string{"mailinator.com": {"mx.mailinator.com"}}}, prober)

	r := e.Verify(context.Background(), "x@mailinator.com")
	assert.Equal(t, domain.StatusInvalid, r.Result.Status)
	assert.Equal(t, domain.ReasonDisposable, r.Result.Reason)
	assert.True(t, r.Result.Flags.Disposable)
	assert.Equal(t, []State{StateStart, StateMXResolved, StateDone}, r.States)
	assert.Empty(t, prober.hosts)
}

func TestVerifyRcptCodeMapping(t *testing.T) {
	tests := []struct {
		code   int
		msg    string
		status domain.VerificationStatus
		reason domain.ReasonCode
		soft   bool
	}{
		{250, "OK", domain.StatusValid, domain.ReasonAccepted, false},
		{550, "5.1.1 no such user", domain.StatusInvalid, domain.ReasonMailboxNotFound, false},
		{551, "user not local", domain.StatusInvalid, domain.ReasonMailboxNotFound, false},
		{553, "mailbox name not allowed", domain.StatusInvalid, domain.ReasonMailboxNotFound, false},
		{421, "service not available", domain.StatusUnknown, domain.ReasonTemporaryFailure, true},
		{450, "greylisted", domain.StatusUnknown, domain.ReasonTemporaryFailure, true},
		{451, "local error", domain.StatusUnknown, domain.ReasonTemporaryFailure, true},
		{452, "too many recipients", domain.StatusUnknown, domain.ReasonTemporaryFailure, true},
		{252, "cannot verify", domain.StatusUnknown, domain.ReasonSMTPUnknown, false},
		{554, "transaction failed", domain.StatusUnknown, domain.ReasonSMTPUnknown, false},
	}
	for _, tt := range tests {
		prober := &fakeProber{rcpt: map[string]Reply{"a@good.com": {Code: tt.code, Message: tt.msg}}}
		e := newTestEngine(&fakeHosts{hosts: map[string][]string{"good.com": {"mx1.good.com"}}}, prober)

		r := e.Verify(context.Background(), "a@good.com")
		assert.Equal(t, tt.status, r.Result.Status, "code %d", tt.code)
		assert.Equal(t, tt.reason, r.Result.Reason, "code %d", tt.code)
		assert.Equal(t, tt.soft, r.Soft, "code %d", tt.code)
		assert.Equal(t, tt.code, r.Result.SMTPCode)
		assert.Equal(t, fullPath, r.States)
		assert.True(t, r.Contacted)
	}
}

func TestVerifyCatchAllDowngradesToRisky(t *testing.T) {
	prober := &fakeProber{
		rcpt:     map[string]Reply{"a@catchall.com": {Code: 250}},
		catchAll: &Reply{Code: 250},
	}
	e := newTestEngine(&fakeHosts{hosts: map[string][]string{"catchall.com": {"mx.catchall.com"}}}, prober)

	r := e.Verify(context.Background(), "a@catchall.com")
	assert.Equal(t, domain.StatusRisky, r.Result.Status, "catch-all domains are never reported valid")
	assert.Equal(t, domain.ReasonCatchAll, r.Result.Reason)
	assert.True(t, r.Result.Flags.CatchAll)
}

func TestVerifyCatchAllRejectedStaysValid(t *testing.T) {
	prober := &fakeProber{
		rcpt:     map[string]Reply{"a@good.com": {Code: 250}},
		catchAll: &Reply{Code: 550, Message: "no such user"},
	}
	e := newTestEngine(&fakeHosts{hosts: map[string][]string{"good.com": {"mx.good.com"}}}, prober)

	r := e.Verify(context.Background(), "a@good.com")
	assert.Equal(t, domain.StatusValid, r.Result.Status)
	assert.False(t, r.Result.Flags.CatchAll)
	assert.Equal(t, "mx.good.com", r.Result.MXHost)
}

func TestVerifyRoleAccountFlaggedNotInvalid(t *testing.T) {
	prober := &fakeProber{rcpt: map[string]Reply{
		"admin@good.com": {Code: 250},
		"jane@good.com":  {Code: 250},
	}}
	e := newTestEngine(&fakeHosts{hosts: map[string][]string{"good.com": {"mx.good.com"}}}, prober)

	role := e.Verify(context.Background(), "admin@good.com")
	person := e.Verify(context.Background(), "jane@good.com")

	assert.Equal(t, domain.StatusValid, role.Result.Status)
	assert.True(t, role.Result.Flags.Role)
	assert.Equal(t, domain.StatusValid, person.Result.Status)
	assert.Greater(t, role.Result.RiskScore, person.Result.RiskScore, "same status, different score")
}

func TestVerifyFallsBackToNextMX(t *testing.T) {
	prober := &fakeProber{
		rcpt:     map[string]Reply{"a@good.com": {Code: 250}},
		hostErrs: map[string]error{"mx1.good.com": &StepError{During: StateConnected, Err: errors.New("connection refused")}},
	}
	e := newTestEngine(&fakeHosts{hosts: map[string][]string{"good.com": {"mx1.good.com", "mx2.good.com"}}}, prober)

	r := e.Verify(context.Background(), "a@good.com")
	assert.Equal(t, domain.StatusValid, r.Result.Status)
	assert.Equal(t, "mx2.good.com", r.Result.MXHost)
	assert.Equal(t, []string{"mx1.good.com", "mx2.good.com"}, prober.hosts)
	assert.Equal(t, fullPath, r.States)
}

func TestVerifyAllHostsUnreachableIsSoft(t *testing.T) {
	refused := &StepError{During: StateConnected, Err: errors.New("connection refused")}
	prober := &fakeProber{hostErrs: map[string]error{"mx1.good.com": refused, "mx2.good.com": refused}}
	e := newTestEngine(&fakeHosts{hosts: map[string][]string{"good.com": {"mx1.good.com", "mx2.good.com", "mx3.good.com"}}}, prober)

	r := e.Verify(context.Background(), "a@good.com")
	assert.True(t, r.Soft)
	assert.True(t, r.Contacted)
	assert.Equal(t, domain.ReasonConnectionFailed, r.Result.Reason)
	assert.Len(t, prober.hosts, 2, "only MaxMXHosts hosts are tried")
}

func TestVerifyGreetingRejectionClassifiedByText(t *testing.T) {
	prober := &fakeProber{hostErrs: map[string]error{
		"mx.busy.com":    &StepError{During: StateGreetingOK, Reply: &Reply{Code: 554, Message: "too many connections, try again later"}},
		"mx.blocked.com": &StepError{During: StateGreetingOK, Reply: &Reply{Code: 554, Message: "access denied"}},
	}}
	e := newTestEngine(&fakeHosts{hosts: map[string][]string{
		"busy.com":    {"mx.busy.com"},
		"blocked.com": {"mx.blocked.com"},
	}}, prober)

	busy := e.Verify(context.Background(), "a@busy.com")
	assert.True(t, busy.Soft)
	assert.Equal(t, domain.ReasonTemporaryFailure, busy.Result.Reason)

	blocked := e.Verify(context.Background(), "a@blocked.com")
	assert.False(t, blocked.Soft)
	assert.Equal(t, domain.ReasonSMTPUnknown, blocked.Result.Reason)
	assert.Equal(t, 554, blocked.Result.SMTPCode)
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestVerifyTimeoutIsSoft(t *testing.T) {
	prober := &fakeProber{hostErrs: map[string]error{
		"mx.slow.com": &StepError{During: StateRecipientChecked, Err: timeoutErr{}},
	}}
	e := newTestEngine(&fakeHosts{hosts: map[string][]string{"slow.com": {"mx.slow.com"}}}, prober)

	r := e.Verify(context.Background(), "a@slow.com")
	assert.True(t, r.Soft)
	assert.Equal(t, domain.ReasonTimeout, r.Result.Reason)
	assert.Equal(t, domain.StatusUnknown, r.Result.Status)
}

func TestVerifyDNSFailureIsSoft(t *testing.T) {
	e := newTestEngine(&fakeHosts{err: errors.New("server misbehaving")}, &fakeProber{})
	r := e.Verify(context.Background(), "a@good.com")
	assert.True(t, r.Soft)
	assert.False(t, r.Contacted)
	assert.Equal(t, domain.ReasonTemporaryFailure, r.Result.Reason)
}

func TestVerifyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e := newTestEngine(&fakeHosts{hosts: map[string][]string{"good.com": {"mx.good.com"}}}, &fakeProber{})

	r := e.Verify(ctx, "a@good.com")
	require.True(t, r.Cancelled)
	assert.Equal(t, domain.ReasonCancelled, r.Result.Reason)
	assert.False(t, r.Soft)
}

func TestVerifyReputationRaisesScore(t *testing.T) {
	hosts := &fakeHosts{hosts: map[string][]string{"good.com": {"mx.good.com"}}}
	prober := &fakeProber{rcpt: map[string]Reply{"a@good.com": {Code: 250}}}

	healthy := NewEngine(DefaultConfig(), hosts, prober, fixedReputation(1)).Verify(context.Background(), "a@good.com")
	flaky := NewEngine(DefaultConfig(), hosts, prober, fixedReputation(0.5)).Verify(context.Background(), "a@good.com")

	assert.Equal(t, healthy.Result.Status, flaky.Result.Status)
	assert.Greater(t, flaky.Result.RiskScore, healthy.Result.RiskScore)
}
