package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ignite/bulk-verifier/internal/domain"
	"github.com/ignite/bulk-verifier/internal/pkg/distlock"
	"github.com/ignite/bulk-verifier/internal/probe"
	"github.com/ignite/bulk-verifier/internal/progress"
	"github.com/ignite/bulk-verifier/internal/repository/memory"
	"github.com/ignite/bulk-verifier/internal/service/jobs"
	"github.com/ignite/bulk-verifier/internal/service/ledger"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// capturePublisher records published events in order.
type capturePublisher struct {
	mu     sync.Mutex
	events []progress.Event
	onEvt  func(progress.Event)
}

func (p *capturePublisher) Publish(_ context.Context, e progress.Event) {
	p.mu.Lock()
	p.events = append(p.events, e)
	hook := p.onEvt
	p.mu.Unlock()
	if hook != nil {
		hook(e)
	}
}

func (p *capturePublisher) kinds() []progress.Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]progress.Kind, len(p.events))
	for i, e := range p.events {
		out[i] = e.Kind()
	}
	return out
}

type countingEnqueuer struct{ jobs atomic.Int32 }

func (c *countingEnqueuer) Enqueue(context.Context, domain.Job) (int, error) {
	c.jobs.Add(1)
	return 1, nil
}

type stack struct {
	repo   *memory.JobRepo
	ledger *ledger.Service
	runner *JobRunner
	intake *jobs.Service
	pub    *capturePublisher
	hooks  *countingEnqueuer
}

// newRunner builds a runner over repo the way the server wires one.
func newRunner(t *testing.T, v Verifier, repo jobs.Repository, led *ledger.Service, clock clockwork.Clock) (*JobRunner, *capturePublisher, *countingEnqueuer) {
	t.Helper()
	pub := &capturePublisher{}
	hooks := &countingEnqueuer{}
	sched := NewScheduler(SchedulerConfig{Workers: 50, MaxAttempts: 3, RetryBase: time.Millisecond}, fastThrottle(2), v, nil, nil)
	runner := NewJobRunner(sched, repo, led, pub, hooks, nil, clock)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = runner.Shutdown(ctx)
	})
	return runner, pub, hooks
}

func newStack(t *testing.T, v Verifier, balance int64) *stack {
	return newStackWith(t, v, balance, nil)
}

// newStackWith lets wrap stand in front of the job store the runner and
// intake see.
func newStackWith(t *testing.T, v Verifier, balance int64, wrap func(*memory.JobRepo) jobs.Repository) *stack {
	t.Helper()
	ledgerRepo := memory.NewLedgerRepo()
	repo := memory.NewJobRepo(ledgerRepo)
	led := ledger.NewService(ledgerRepo, 1, nil)
	require.NoError(t, led.Deposit(context.Background(), "owner-1", balance))
	var store jobs.Repository = repo
	if wrap != nil {
		store = wrap(repo)
	}
	runner, pub, hooks := newRunner(t, v, store, led, nil)
	return &stack{
		repo:   repo,
		ledger: led,
		runner: runner,
		intake: jobs.NewService(store, led, runner, nil),
		pub:    pub,
		hooks:  hooks,
	}
}

func (s *stack) waitTerminal(t *testing.T, jobID string) *domain.Job {
	t.Helper()
	var job *domain.Job
	require.Eventually(t, func() bool {
		j, err := s.repo.Get(context.Background(), jobID)
		if err != nil || !j.Status.Terminal() {
			return false
		}
		job = j
		return true
	}, 20*time.Second, 5*time.Millisecond)
	// The terminal event is the last thing published before webhooks.
	require.Eventually(t, func() bool { return s.hooks.jobs.Load() > 0 }, 5*time.Second, 5*time.Millisecond)
	return job
}

// mxTable answers MX lookups from a map.
type mxTable map[string][]string

func (m mxTable) Hosts(_ context.Context, dom string) ([]string, error) { return m[dom], nil }

// acceptingMTA accepts every real recipient and rejects the catch-all probe.
type acceptingMTA struct{}

func (acceptingMTA) Probe(_ context.Context, _, _, catchAll string, step func(probe.State)) (*probe.SessionResult, error) {
	step(probe.StateConnected)
	step(probe.StateGreetingOK)
	step(probe.StateSenderOK)
	step(probe.StateRecipientChecked)
	res := &probe.SessionResult{Recipient: probe.Reply{Code: 250, Message: "2.1.5 OK"}}
	if catchAll != "" {
		res.CatchAll = &probe.Reply{Code: 550, Message: "5.1.1 no such user"}
	}
	return res, nil
}

func TestJobRunnerThreeAddressScenario(t *testing.T) {
	engine := probe.NewEngine(probe.DefaultConfig(),
		mxTable{"good.com": {"mx1.good.com"}, "badmx.invalid": nil},
		acceptingMTA{}, nil)
	s := newStack(t, engine, 3)
	ctx := context.Background()

	res, err := s.intake.Submit(ctx, jobs.SubmitRequest{
		OwnerID:   "owner-1",
		Addresses: []string{"a@good.com", "b@badmx.invalid", "c@good.com"},
	})
	require.NoError(t, err)
	job := s.waitTerminal(t, res.Job.ID)

	assert.Equal(t, domain.JobCompleted, job.Status)
	assert.Equal(t, 3, job.Stats.Processed)
	assert.Equal(t, job.Total, job.Stats.Sum())

	tasks, _, err := s.repo.Tasks(ctx, job.ID, jobs.TaskFilter{})
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, domain.StatusValid, tasks[0].Result.Status)
	assert.Equal(t, domain.StatusInvalid, tasks[1].Result.Status)
	assert.Equal(t, domain.ReasonNoMX, tasks[1].Result.Reason)
	assert.Equal(t, domain.StatusValid, tasks[2].Result.Status)

	r, err := s.ledger.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), r.Consumed)
	assert.Equal(t, int64(0), r.Refunded)
	assert.True(t, r.Settled())

	kinds := s.pub.kinds()
	require.Len(t, kinds, 4)
	assert.Equal(t, progress.KindCompleted, kinds[3], "terminal event comes after every result")
}

func TestJobRunnerCancelAfter200Of10000(t *testing.T) {
	var calls atomic.Int32
	v := verifierFunc(func(ctx context.Context, email string) probe.Report {
		if calls.Add(1) <= 200 {
			return validReport(email)
		}
		<-ctx.Done()
		return probe.Report{Email: email, Cancelled: true}
	})
	s := newStack(t, v, 10000)
	ctx := context.Background()

	addresses := make([]string, 10000)
	for i := range addresses {
		addresses[i] = fmt.Sprintf("user%d@domain%d.com", i, i%100)
	}

	var jobID atomic.Value
	var once sync.Once
	s.pub.onEvt = func(e progress.Event) {
		if pe, ok := e.(progress.ProgressEvent); ok && pe.Processed == 200 {
			once.Do(func() {
				go func() {
					assert.NoError(t, s.intake.Cancel(ctx, "owner-1", jobID.Load().(string)))
				}()
			})
		}
	}
	// The hook reads jobID, so hold events until it is set.
	s.pub.mu.Lock()
	res, err := s.intake.Submit(ctx, jobs.SubmitRequest{OwnerID: "owner-1", Addresses: addresses})
	if err == nil {
		jobID.Store(res.Job.ID)
	}
	s.pub.mu.Unlock()
	require.NoError(t, err)

	job := s.waitTerminal(t, res.Job.ID)
	assert.Equal(t, domain.JobCancelled, job.Status)
	assert.Equal(t, 200, job.Stats.Processed)

	r, err := s.ledger.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), r.Reserved)
	assert.Equal(t, int64(200), r.Consumed)
	assert.Equal(t, int64(9800), r.Refunded)
	bal, _ := s.ledger.Balance(ctx, "owner-1")
	assert.Equal(t, int64(9800), bal)

	cancelled := 0
	tasks, _, _ := s.repo.Tasks(ctx, job.ID, jobs.TaskFilter{})
	for _, task := range tasks {
		if task.State == domain.TaskCancelled {
			cancelled++
		}
	}
	assert.Equal(t, 9800, cancelled)

	kinds := s.pub.kinds()
	assert.Equal(t, progress.KindCancelled, kinds[len(kinds)-1])
}

func TestJobRunnerCancelNotRunningJob(t *testing.T) {
	s := newStack(t, verifierFunc(func(_ context.Context, e string) probe.Report { return validReport(e) }), 10)
	ctx := context.Background()

	_, err := s.ledger.Reserve(ctx, "job-x", "owner-1", 2)
	require.NoError(t, err)
	require.NoError(t, s.repo.Create(ctx, &domain.Job{ID: "job-x", OwnerID: "owner-1", Total: 2, Status: domain.JobQueued},
		makeTasks("job-x", "a@x.com", "b@x.com")))

	require.NoError(t, s.runner.Cancel(ctx, "job-x"))
	job, err := s.repo.Get(ctx, "job-x")
	require.NoError(t, err)
	assert.Equal(t, domain.JobCancelled, job.Status)

	r, _ := s.ledger.Get(ctx, "job-x")
	assert.Equal(t, domain.ReservationRefunded, r.State)
	bal, _ := s.ledger.Balance(ctx, "owner-1")
	assert.Equal(t, int64(10), bal)

	// Finishing again is a no-op.
	again, err := s.runner.finish(ctx, "job-x", domain.JobCompleted, "")
	require.NoError(t, err)
	assert.Equal(t, domain.JobCancelled, again.Status)
	assert.Equal(t, int32(1), s.hooks.jobs.Load())
}

func TestRecoverInterruptedFailsLeftoverJobs(t *testing.T) {
	s := newStack(t, verifierFunc(func(_ context.Context, e string) probe.Report { return validReport(e) }), 10)
	ctx := context.Background()

	_, err := s.ledger.Reserve(ctx, "job-old", "owner-1", 3)
	require.NoError(t, err)
	tasks := makeTasks("job-old", "a@x.com", "b@x.com", "c@x.com")
	require.NoError(t, s.repo.Create(ctx, &domain.Job{ID: "job-old", OwnerID: "owner-1", Total: 3, Status: domain.JobQueued}, tasks))
	require.NoError(t, s.repo.MarkRunning(ctx, "job-old", time.Now()))
	done := tasks[0]
	done.Result = &domain.Result{Status: domain.StatusValid}
	ok, err := s.repo.RecordResult(ctx, done, 1)
	require.NoError(t, err)
	require.True(t, ok)

	n, err := s.runner.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, _ := s.repo.Get(ctx, "job-old")
	assert.Equal(t, domain.JobFailed, job.Status)
	assert.Equal(t, "interrupted", job.Error)
	assert.Equal(t, 1, job.Stats.Processed)

	r, _ := s.ledger.Get(ctx, "job-old")
	assert.Equal(t, int64(1), r.Consumed)
	assert.Equal(t, int64(2), r.Refunded)
}

// flakyResults fails the first RecordResult before it touches the store.
type flakyResults struct {
	*memory.JobRepo
	failed atomic.Bool
}

func (f *flakyResults) RecordResult(ctx context.Context, task domain.AddressTask, charge int64) (bool, error) {
	if f.failed.CompareAndSwap(false, true) {
		return false, errors.New("connection reset")
	}
	return f.JobRepo.RecordResult(ctx, task, charge)
}

func TestJobRunnerChargesEveryResultOnceDespiteStoreErrors(t *testing.T) {
	flaky := &flakyResults{}
	s := newStackWith(t, verifierFunc(func(_ context.Context, e string) probe.Report { return validReport(e) }), 3,
		func(repo *memory.JobRepo) jobs.Repository {
			flaky.JobRepo = repo
			return flaky
		})
	ctx := context.Background()

	res, err := s.intake.Submit(ctx, jobs.SubmitRequest{
		OwnerID:   "owner-1",
		Addresses: []string{"a@good.com", "b@good.com", "c@good.com"},
	})
	require.NoError(t, err)
	job := s.waitTerminal(t, res.Job.ID)
	require.True(t, flaky.failed.Load())

	assert.Equal(t, domain.JobCompleted, job.Status)
	assert.Equal(t, 3, job.Stats.Processed)

	r, err := s.ledger.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), r.Consumed)
	assert.Equal(t, int64(0), r.Refunded)
	bal, _ := s.ledger.Balance(ctx, "owner-1")
	assert.Equal(t, int64(0), bal)
}

// gatedVerifier blocks every address until release is closed or the job
// is cancelled, and counts the addresses it has started.
type gatedVerifier struct {
	started atomic.Int32
	release chan struct{}
}

func newGatedVerifier() *gatedVerifier { return &gatedVerifier{release: make(chan struct{})} }

func (g *gatedVerifier) Verify(ctx context.Context, email string) probe.Report {
	g.started.Add(1)
	select {
	case <-g.release:
		return validReport(email)
	case <-ctx.Done():
		return probe.Report{Email: email, Cancelled: true}
	}
}

// replicas is two runners sharing one job store and ledger.
type replicas struct {
	repo   *memory.JobRepo
	ledger *ledger.Service
	a, b   *JobRunner
	intake *jobs.Service
	hooksA *countingEnqueuer
}

func newReplicas(t *testing.T, v Verifier, clock clockwork.Clock) *replicas {
	t.Helper()
	ledgerRepo := memory.NewLedgerRepo()
	repo := memory.NewJobRepo(ledgerRepo)
	led := ledger.NewService(ledgerRepo, 1, nil)
	require.NoError(t, led.Deposit(context.Background(), "owner-1", 10))
	a, _, hooksA := newRunner(t, v, repo, led, clock)
	b, _, _ := newRunner(t, verifierFunc(func(_ context.Context, e string) probe.Report { return validReport(e) }), repo, led, clock)
	return &replicas{repo: repo, ledger: led, a: a, b: b, intake: jobs.NewService(repo, led, a, nil), hooksA: hooksA}
}

func (rp *replicas) waitStatus(t *testing.T, jobID string, tick func()) *domain.Job {
	t.Helper()
	var job *domain.Job
	require.Eventually(t, func() bool {
		if tick != nil {
			tick()
		}
		j, err := rp.repo.Get(context.Background(), jobID)
		if err != nil || !j.Status.Terminal() {
			return false
		}
		job = j
		return true
	}, 10*time.Second, 5*time.Millisecond)
	return job
}

func TestRecoverInterruptedLeavesJobsLeasedByAnotherReplica(t *testing.T) {
	gate := newGatedVerifier()
	rp := newReplicas(t, gate, nil)
	ctx := context.Background()

	res, err := rp.intake.Submit(ctx, jobs.SubmitRequest{OwnerID: "owner-1", Addresses: []string{"a@good.com", "b@good.com"}})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return gate.started.Load() == 2 }, 5*time.Second, time.Millisecond)

	n, err := rp.b.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "a live lease keeps the job with its runner")

	close(gate.release)
	job := rp.waitStatus(t, res.Job.ID, nil)
	assert.Equal(t, domain.JobCompleted, job.Status)
	assert.Equal(t, 2, job.Stats.Processed)

	r, _ := rp.ledger.Get(ctx, job.ID)
	assert.Equal(t, int64(2), r.Consumed)
	assert.Equal(t, int64(0), r.Refunded)
}

func TestRecoverInterruptedTakesOverExpiredLease(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rp := newReplicas(t, newGatedVerifier(), clock)
	ctx := context.Background()

	_, err := rp.ledger.Reserve(ctx, "job-dead", "owner-1", 2)
	require.NoError(t, err)
	require.NoError(t, rp.repo.Create(ctx, &domain.Job{ID: "job-dead", OwnerID: "owner-1", Total: 2, Status: domain.JobQueued, CreatedAt: clock.Now()},
		makeTasks("job-dead", "a@x.com", "b@x.com")))
	_, err = rp.repo.AcquireLease(ctx, "job-dead", "replica-gone", clock.Now(), clock.Now().Add(DefaultJobLease))
	require.NoError(t, err)

	n, err := rp.b.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(DefaultJobLease + time.Second)
	n, err = rp.b.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, _ := rp.repo.Get(ctx, "job-dead")
	assert.Equal(t, domain.JobFailed, job.Status)
	r, _ := rp.ledger.Get(ctx, "job-dead")
	assert.Equal(t, int64(2), r.Refunded)
}

func TestCancelReachesJobRunningOnAnotherReplica(t *testing.T) {
	clock := clockwork.NewFakeClock()
	gate := newGatedVerifier()
	rp := newReplicas(t, gate, clock)
	ctx := context.Background()

	res, err := rp.intake.Submit(ctx, jobs.SubmitRequest{OwnerID: "owner-1", Addresses: []string{"a@good.com", "b@good.com"}})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return gate.started.Load() == 2 }, 5*time.Second, time.Millisecond)

	require.NoError(t, rp.b.Cancel(ctx, res.Job.ID))
	job, err := rp.repo.Get(ctx, res.Job.ID)
	require.NoError(t, err)
	assert.False(t, job.Status.Terminal(), "the lease holder finishes the job, not the replica that was asked")

	job = rp.waitStatus(t, res.Job.ID, func() { clock.Advance(DefaultJobLease / 3) })
	assert.Equal(t, domain.JobCancelled, job.Status)
	require.Eventually(t, func() bool { return rp.hooksA.jobs.Load() == 1 }, 5*time.Second, time.Millisecond)

	r, _ := rp.ledger.Get(ctx, job.ID)
	assert.Equal(t, int64(0), r.Consumed)
	bal, _ := rp.ledger.Balance(ctx, "owner-1")
	assert.Equal(t, int64(10), bal)
}

func TestReservationReaper(t *testing.T) {
	clock := clockwork.NewFakeClock()
	repo := memory.NewJobRepo(nil)
	led := ledger.NewService(memory.NewLedgerRepo(), 1, clock)
	ctx := context.Background()
	require.NoError(t, led.Deposit(ctx, "owner-1", 100))

	// Orphan: reserved but the job row never made it.
	_, err := led.Reserve(ctx, "ghost", "owner-1", 5)
	require.NoError(t, err)
	// Terminal job whose finalize was missed.
	_, err = led.Reserve(ctx, "done-job", "owner-1", 4)
	require.NoError(t, err)
	require.NoError(t, repo.Create(ctx, &domain.Job{ID: "done-job", OwnerID: "owner-1", Total: 1, Status: domain.JobQueued}, nil))
	_, err = repo.Finish(ctx, "done-job", domain.JobCompleted, "", clock.Now())
	require.NoError(t, err)
	// Running job: must be left alone.
	_, err = led.Reserve(ctx, "live-job", "owner-1", 3)
	require.NoError(t, err)
	require.NoError(t, repo.Create(ctx, &domain.Job{ID: "live-job", OwnerID: "owner-1", Total: 3, Status: domain.JobQueued}, makeTasks("live-job", "a@x.com")))

	reaper := NewReservationReaper(led, repo, func() distlock.DistLock { return distlock.NewLock(nil, nil, "reaper", time.Minute) }, 0, clock)

	n, err := reaper.Reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "orphans are only reaped once they are old")

	clock.Advance(orphanAge + time.Minute)
	n, err = reaper.Reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	open, _ := led.ListOpen(ctx, 10)
	require.Len(t, open, 1)
	assert.Equal(t, "live-job", open[0].JobID)
	bal, _ := led.Balance(ctx, "owner-1")
	assert.Equal(t, int64(97), bal)
}

type countingProcessor struct{ calls atomic.Int32 }

func (c *countingProcessor) ProcessDue(context.Context) (int, error) {
	c.calls.Add(1)
	return 0, nil
}

func TestWebhookWorkerSweepsUnderLock(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	proc := &countingProcessor{}
	w := NewWebhookWorker(proc, func() distlock.DistLock {
		return distlock.NewLock(client, nil, "webhook-sweep", time.Minute)
	}, time.Second, nil)

	w.Sweep(context.Background())
	assert.Equal(t, int32(1), proc.calls.Load())

	other := distlock.NewRedisLock(client, "webhook-sweep", time.Minute)
	ok, err := other.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	w.Sweep(context.Background())
	assert.Equal(t, int32(1), proc.calls.Load(), "another replica holds the sweep")
}
