package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/ignite/bulk-verifier/internal/domain"
	"github.com/ignite/bulk-verifier/internal/pkg/backoff"
	"github.com/ignite/bulk-verifier/internal/pkg/logger"
	"github.com/ignite/bulk-verifier/internal/probe"
	"github.com/ignite/bulk-verifier/internal/throttle"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/semaphore"
)

// =============================================================================
// VERIFICATION SCHEDULER
// =============================================================================
// One dispatcher goroutine per job owns every task of that job. It takes a
// global worker slot, then walks the job's ready domains round-robin and
// starts the first task whose domain grants a throttle permit. When every
// ready domain would block it gives the slot back and parks until a permit
// is released anywhere, a backoff window ends, a retry comes due or the job
// is cancelled. A busy domain therefore never holds up tasks for others.
//
// Task state only changes on the dispatcher goroutine. A task that reaches
// a result is handed to the sink and dropped from every queue in the same
// step, and a task has at most one attempt or retry timer outstanding, so
// no late attempt can produce a second result.

// SchedulerConfig holds the scheduler settings.
type SchedulerConfig struct {
	// Workers caps concurrent probes across all jobs.
	Workers int
	// MaxAttempts is the retry ceiling for soft failures.
	MaxAttempts int
	// RetryBase, RetryFactor and RetryMax shape the per-address retry delay.
	RetryBase   time.Duration
	RetryFactor float64
	RetryMax    time.Duration
}

// DefaultSchedulerConfig returns production defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Workers:     50,
		MaxAttempts: 3,
		RetryBase:   10 * time.Second,
		RetryFactor: 2,
		RetryMax:    10 * time.Minute,
	}
}

// Verifier runs one verification attempt; *probe.Engine satisfies it.
type Verifier interface {
	Verify(ctx context.Context, email string) probe.Report
}

// ResultCache short-circuits addresses verified recently.
type ResultCache interface {
	Get(ctx context.Context, email string) (domain.Result, bool)
	Set(ctx context.Context, email string, r domain.Result)
}

// Sink receives task transitions. Its methods are called from the job's
// dispatcher goroutine only, possibly after ctx was cancelled.
type Sink interface {
	// Retrying is called when a soft failure schedules another attempt.
	Retrying(ctx context.Context, task domain.AddressTask)
	// Result is called exactly once for every task that reaches a result.
	Result(ctx context.Context, task domain.AddressTask)
}

// RunSummary describes how a job's run ended.
type RunSummary struct {
	Stats domain.JobStats
	// Cancelled counts tasks left without a result.
	Cancelled int
	// Err is the cancellation cause when the run was stopped early.
	Err error
}

// Scheduler verifies the tasks of many jobs under one global worker limit
// and one domain throttle. It is safe for concurrent use.
type Scheduler struct {
	cfg      SchedulerConfig
	retry    backoff.Exponential
	slots    *semaphore.Weighted
	throttle *throttle.Throttle
	verifier Verifier
	cache    ResultCache
	clock    clockwork.Clock
	log      *logger.Logger
}

// NewScheduler wires a scheduler. cache may be nil.
func NewScheduler(cfg SchedulerConfig, th *throttle.Throttle, verifier Verifier, cache ResultCache, clock clockwork.Clock) *Scheduler {
	def := DefaultSchedulerConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = def.RetryBase
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = def.RetryMax
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Scheduler{
		cfg:      cfg,
		retry:    backoff.Exponential{Base: cfg.RetryBase, Factor: cfg.RetryFactor, Max: cfg.RetryMax},
		slots:    semaphore.NewWeighted(int64(cfg.Workers)),
		throttle: th,
		verifier: verifier,
		cache:    cache,
		clock:    clock,
		log:      logger.New("scheduler"),
	}
}

// entry is the dispatcher's handle on one task.
type entry struct {
	task  domain.AddressTask
	timer clockwork.Timer
}

// attempt is a finished attempt reported back to the dispatcher.
type attempt struct {
	e      *entry
	report probe.Report
}

// run is the dispatcher state of one job.
type run struct {
	s    *Scheduler
	ctx  context.Context
	job  domain.Job
	sink Sink

	ready     map[string][]*entry
	order     []string // domains with ready tasks, round-robin
	cursor    int
	waiting   map[*entry]struct{} // in retry_wait
	inFlight  int
	remaining int

	done    chan attempt
	retries chan *entry
	summary RunSummary
}

// Run verifies tasks until each has a result or ctx ends. Tasks that are
// already terminal are skipped. On cancellation in-flight attempts are
// abandoned and waited for, and unfinished tasks are counted as cancelled.
func (s *Scheduler) Run(ctx context.Context, job domain.Job, tasks []domain.AddressTask, sink Sink) RunSummary {
	r := &run{
		s:       s,
		ctx:     ctx,
		job:     job,
		sink:    sink,
		ready:   make(map[string][]*entry),
		waiting: make(map[*entry]struct{}),
		done:    make(chan attempt, len(tasks)),
		retries: make(chan *entry, len(tasks)),
	}
	for _, t := range tasks {
		if t.State.Terminal() {
			continue
		}
		t.State = domain.TaskPending
		r.enqueue(&entry{task: t})
		r.remaining++
	}

	r.loop()
	if ctx.Err() != nil && r.remaining > 0 {
		r.drain()
		r.summary.Cancelled = r.remaining
		r.summary.Err = context.Cause(ctx)
	}
	return r.summary
}

func (r *run) enqueue(e *entry) {
	d := e.task.Domain
	if len(r.ready[d]) == 0 {
		r.order = append(r.order, d)
	}
	r.ready[d] = append(r.ready[d], e)
}

func (r *run) loop() {
	for r.remaining > 0 {
		r.absorb()
		if r.remaining == 0 || r.ctx.Err() != nil {
			return
		}

		if len(r.order) == 0 {
			// Everything is in flight or waiting on a retry timer.
			select {
			case <-r.ctx.Done():
				return
			case a := <-r.done:
				r.handle(a)
			case e := <-r.retries:
				r.requeue(e)
			}
			continue
		}

		if err := r.s.slots.Acquire(r.ctx, 1); err != nil {
			return
		}
		changed := r.s.throttle.Changed()
		if e, permit, ok := r.pick(); ok {
			r.start(e, permit)
			continue
		}
		r.s.slots.Release(1)
		r.park(changed)
	}
}

// absorb handles every event that is already waiting.
func (r *run) absorb() {
	for {
		select {
		case a := <-r.done:
			r.handle(a)
		case e := <-r.retries:
			r.requeue(e)
		default:
			return
		}
	}
}

// pick takes the next task whose domain grants a permit, starting after the
// domain served last.
func (r *run) pick() (*entry, *throttle.Permit, bool) {
	n := len(r.order)
	for i := 0; i < n; i++ {
		idx := (r.cursor + i) % n
		d := r.order[idx]
		permit, ok := r.s.throttle.TryAcquire(d)
		if !ok {
			continue
		}
		q := r.ready[d]
		e := q[0]
		q[0] = nil
		r.ready[d] = q[1:]
		if len(r.ready[d]) == 0 {
			delete(r.ready, d)
			r.order = append(r.order[:idx], r.order[idx+1:]...)
			r.cursor = idx
		} else {
			r.cursor = idx + 1
		}
		if len(r.order) > 0 {
			r.cursor %= len(r.order)
		} else {
			r.cursor = 0
		}
		return e, permit, true
	}
	return nil, nil, false
}

// park waits until something could let a blocked domain make progress.
func (r *run) park(changed <-chan struct{}) {
	var (
		timer  clockwork.Timer
		expiry <-chan time.Time
	)
	if at, ok := r.s.throttle.NextExpiry(r.order); ok {
		timer = r.s.clock.NewTimer(at.Sub(r.s.clock.Now()))
		expiry = timer.Chan()
	}
	select {
	case <-r.ctx.Done():
	case a := <-r.done:
		r.handle(a)
	case e := <-r.retries:
		r.requeue(e)
	case <-changed:
	case <-expiry:
	}
	if timer != nil {
		timer.Stop()
	}
}

func (r *run) start(e *entry, permit *throttle.Permit) {
	r.inFlight++
	e.task.State = domain.TaskInFlight
	go r.s.attempt(r.ctx, e, permit, r.done)
}

// attempt runs on a worker goroutine. It owns one global slot and one
// domain permit and gives both back before reporting.
func (s *Scheduler) attempt(ctx context.Context, e *entry, permit *throttle.Permit, done chan<- attempt) {
	report := s.verify(ctx, e.task.Email)

	outcome := throttle.OutcomeSuccess
	switch {
	case report.Cancelled || !report.Contacted:
		// No verdict about the domain's servers either way.
		outcome = throttle.OutcomeAborted
	case report.Soft:
		outcome = throttle.OutcomeSoftFailure
	}
	s.throttle.Release(permit, outcome)
	s.slots.Release(1)
	done <- attempt{e: e, report: report}
}

// verify consults the cache, then the verifier. A panic inside the
// verifier is reported as an internal error for this address only.
func (s *Scheduler) verify(ctx context.Context, email string) (report probe.Report) {
	if s.cache != nil {
		if res, ok := s.cache.Get(ctx, email); ok {
			return probe.Report{Email: email, Result: res}
		}
	}
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("verifier panicked", "email", email, "panic", fmt.Sprint(p), "stack", string(debug.Stack()))
			report = probe.Report{
				Email:  email,
				Result: domain.Result{Status: domain.StatusUnknown, Reason: domain.ReasonInternalError, RiskScore: 50},
			}
		}
	}()
	report = s.verifier.Verify(ctx, email)
	if s.cache != nil && !report.Soft && !report.Cancelled {
		s.cache.Set(ctx, email, report.Result)
	}
	return report
}

// handle applies a finished attempt on the dispatcher goroutine.
func (r *run) handle(a attempt) {
	r.inFlight--
	e, rep := a.e, a.report
	if rep.Cancelled {
		e.task.State = domain.TaskPending
		return
	}

	now := r.s.clock.Now().UTC()
	e.task.Attempts++
	e.task.LastAttemptAt = &now

	if rep.Soft {
		if e.task.Attempts < r.s.cfg.MaxAttempts && r.ctx.Err() == nil {
			r.scheduleRetry(e)
			return
		}
		if r.ctx.Err() != nil {
			// Cancelled before the retry; the task stays unfinished.
			e.task.State = domain.TaskPending
			return
		}
		rep.Result.Status = domain.StatusUnknown
		rep.Result.Reason = domain.ReasonMaxRetries
	}
	r.complete(e, rep.Result)
}

func (r *run) complete(e *entry, res domain.Result) {
	e.task.State = domain.TaskDone
	e.task.Result = &res
	r.remaining--
	r.summary.Stats.Add(res)
	r.sink.Result(r.ctx, e.task)
}

func (r *run) scheduleRetry(e *entry) {
	delay := r.s.retry.Jittered(e.task.Attempts)
	// Never come back before the domain is out of backoff.
	if wait := r.s.throttle.BackoffRemaining(e.task.Domain); wait > delay {
		delay = wait
	}
	e.task.State = domain.TaskRetryWait
	r.waiting[e] = struct{}{}
	retries := r.retries
	e.timer = r.s.clock.AfterFunc(delay, func() { retries <- e })
	r.sink.Retrying(r.ctx, e.task)
	r.s.log.Debug("address retry scheduled",
		"job_id", r.job.ID, "email", e.task.Email, "attempt", e.task.Attempts, "delay", delay.String())
}

func (r *run) requeue(e *entry) {
	if _, ok := r.waiting[e]; !ok {
		return
	}
	delete(r.waiting, e)
	e.timer = nil
	e.task.State = domain.TaskPending
	r.enqueue(e)
}

// drain stops retry timers and waits for in-flight attempts after the job
// context ended. Attempts that still produced a definitive result are kept.
func (r *run) drain() {
	for e := range r.waiting {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(r.waiting, e)
	}
	for r.inFlight > 0 {
		r.handle(<-r.done)
	}
}
