package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ignite/bulk-verifier/internal/domain"
	"github.com/ignite/bulk-verifier/internal/service/jobs"
	"github.com/ignite/bulk-verifier/internal/service/ledger"
)

// JobRepo implements jobs.Repository in memory.
type JobRepo struct {
	mu     sync.RWMutex
	jobs   map[string]*domain.Job
	tasks  map[string][]domain.AddressTask // by job id, in index order
	keys   map[string]string               // "owner\x00key" -> job id
	leases map[string]*jobLease
	ledger *LedgerRepo
}

type jobLease struct {
	holder          string
	until           time.Time
	cancelRequested bool
}

// NewJobRepo creates an empty job store. Recorded results are charged to
// led's reservations under the store's lock; a nil led bills nothing.
func NewJobRepo(led *LedgerRepo) *JobRepo {
	return &JobRepo{
		jobs:   make(map[string]*domain.Job),
		tasks:  make(map[string][]domain.AddressTask),
		keys:   make(map[string]string),
		leases: make(map[string]*jobLease),
		ledger: led,
	}
}

func idemKey(owner, key string) string { return owner + "\x00" + key }

func (r *JobRepo) Create(_ context.Context, job *domain.Job, tasks []domain.AddressTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job.IdempotencyKey != "" {
		k := idemKey(job.OwnerID, job.IdempotencyKey)
		if _, exists := r.keys[k]; exists {
			return jobs.ErrDuplicate
		}
		r.keys[k] = job.ID
	}
	cp := *job
	r.jobs[job.ID] = &cp
	r.tasks[job.ID] = append([]domain.AddressTask(nil), tasks...)
	return nil
}

func (r *JobRepo) Get(_ context.Context, id string) (*domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, jobs.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (r *JobRepo) FindByIdempotencyKey(ctx context.Context, ownerID, key string) (*domain.Job, error) {
	r.mu.RLock()
	id, ok := r.keys[idemKey(ownerID, key)]
	r.mu.RUnlock()
	if !ok {
		return nil, jobs.ErrNotFound
	}
	return r.Get(ctx, id)
}

func (r *JobRepo) MarkRunning(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return jobs.ErrNotFound
	}
	if j.Status != domain.JobQueued {
		return nil
	}
	j.Status = domain.JobRunning
	j.StartedAt = &at
	return nil
}

func (r *JobRepo) task(jobID string, idx int) (*domain.AddressTask, bool) {
	ts := r.tasks[jobID]
	if idx < 0 || idx >= len(ts) || ts[idx].Index != idx {
		for i := range ts {
			if ts[i].Index == idx {
				return &ts[i], true
			}
		}
		return nil, false
	}
	return &ts[idx], true
}

func (r *JobRepo) RecordAttempt(_ context.Context, task domain.AddressTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.task(task.JobID, task.Index)
	if !ok {
		return jobs.ErrNotFound
	}
	if t.State.Terminal() {
		return nil
	}
	t.Attempts = task.Attempts
	t.State = task.State
	t.LastAttemptAt = task.LastAttemptAt
	return nil
}

func (r *JobRepo) RecordResult(ctx context.Context, task domain.AddressTask, charge int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.task(task.JobID, task.Index)
	if !ok {
		return false, jobs.ErrNotFound
	}
	if t.State.Terminal() || task.Result == nil {
		return false, nil
	}
	if r.ledger != nil && charge > 0 {
		if err := r.ledger.Charge(ctx, task.JobID, charge); err != nil && !errors.Is(err, ledger.ErrNotFound) {
			return false, err
		}
	}
	res := *task.Result
	t.Attempts = task.Attempts
	t.State = domain.TaskDone
	t.Result = &res
	t.LastAttemptAt = task.LastAttemptAt
	r.jobs[task.JobID].Stats.Add(res)
	return true, nil
}

func (r *JobRepo) CancelPending(_ context.Context, jobID string, _ time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	ts := r.tasks[jobID]
	for i := range ts {
		if !ts[i].State.Terminal() {
			ts[i].State = domain.TaskCancelled
			n++
		}
	}
	return n, nil
}

func (r *JobRepo) Finish(_ context.Context, id string, status domain.JobStatus, errMsg string, at time.Time) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, jobs.ErrNotFound
	}
	if j.Status.Terminal() {
		return nil, jobs.ErrJobTerminal
	}
	for _, t := range r.tasks[id] {
		if !t.State.Terminal() {
			return nil, jobs.ErrTasksOutstanding
		}
	}
	j.Status = status
	j.Error = errMsg
	j.FinishedAt = &at
	cp := *j
	return &cp, nil
}

func (r *JobRepo) Tasks(_ context.Context, jobID string, f jobs.TaskFilter) ([]domain.AddressTask, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.jobs[jobID]; !ok {
		return nil, 0, jobs.ErrNotFound
	}
	var matched []domain.AddressTask
	for _, t := range r.tasks[jobID] {
		if f.Status != "" && (t.Result == nil || string(t.Result.Status) != f.Status) {
			continue
		}
		matched = append(matched, t)
	}
	total := len(matched)
	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			return []domain.AddressTask{}, total, nil
		}
		matched = matched[f.Offset:]
	}
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	out := make([]domain.AddressTask, len(matched))
	copy(out, matched)
	return out, total, nil
}

func (r *JobRepo) AcquireLease(_ context.Context, id, holder string, now, until time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return false, jobs.ErrNotFound
	}
	if j.Status.Terminal() {
		return false, jobs.ErrJobTerminal
	}
	l := r.leases[id]
	if l == nil {
		l = &jobLease{}
		r.leases[id] = l
	}
	if l.holder != "" && l.holder != holder && l.until.After(now) {
		return false, jobs.ErrLeaseHeld
	}
	l.holder = holder
	l.until = until
	return l.cancelRequested, nil
}

func (r *JobRepo) RequestCancel(_ context.Context, id string, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return false, jobs.ErrNotFound
	}
	if j.Status.Terminal() {
		return false, jobs.ErrJobTerminal
	}
	l := r.leases[id]
	if l == nil {
		l = &jobLease{}
		r.leases[id] = l
	}
	l.cancelRequested = true
	return l.holder != "" && l.until.After(now), nil
}

func (r *JobRepo) ListStale(_ context.Context, now time.Time, unclaimedAfter time.Duration) ([]domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Job
	for id, j := range r.jobs {
		if j.Status.Terminal() {
			continue
		}
		l := r.leases[id]
		switch {
		case l != nil && l.holder != "":
			if l.until.After(now) {
				continue
			}
		case now.Sub(j.CreatedAt) < unclaimedAfter:
			continue
		}
		out = append(out, *j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}
