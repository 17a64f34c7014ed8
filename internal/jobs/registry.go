package jobs

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

var (
	ErrJobExists          = errors.New("job already exists")
	ErrJobNotFound        = errors.New("job not found")
	ErrJobTerminal        = errors.New("job already finished")
	ErrProgressRegression = errors.New("progress may not decrease")
	ErrProgressOutOfRange = errors.New("progress must be within [0, 100]")
	ErrProgressIncomplete = errors.New("progress has not reached 100")
	ErrResultAlreadySet   = errors.New("result already set")
	ErrEmptyResult        = errors.New("result is empty")
)

type entry struct {
	job Job
	// changed is closed and replaced on every mutation of job.
	changed chan struct{}
}

// Registry is the concurrency-safe store of job records. Only the worker
// bound to a job mutates it; any number of readers may observe it.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*entry
	now  func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		jobs: make(map[string]*entry),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Create registers a new pending job with progress 0.
func (r *Registry) Create(id string, params Params) (Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[id]; ok {
		return Job{}, fmt.Errorf("%w: %s", ErrJobExists, id)
	}

	now := r.now()
	e := &entry{
		job: Job{
			ID:        id,
			Status:    StatusPending,
			Params:    params,
			CreatedAt: now,
			UpdatedAt: now,
		},
		changed: make(chan struct{}),
	}
	r.jobs[id] = e
	return e.job, nil
}

func (r *Registry) Get(id string) (Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return e.job, nil
}

// Watch returns the current snapshot of a job together with a channel
// that is closed the next time the job changes or is removed.
func (r *Registry) Watch(id string) (Job, <-chan struct{}, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.jobs[id]
	if !ok {
		return Job{}, nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return e.job, e.changed, nil
}

// MarkRunning moves a pending job to running. It is a no-op for a job
// that is already running.
func (r *Registry) MarkRunning(id string) error {
	return r.mutate(id, func(j *Job, now time.Time) error {
		switch j.Status {
		case StatusRunning:
			return errNoChange
		case StatusPending:
			j.Status = StatusRunning
			j.StartedAt = &now
			return nil
		default:
			return ErrJobTerminal
		}
	})
}

// UpdateProgress records a new progress percentage. Equal values are
// accepted silently; lower values are rejected.
func (r *Registry) UpdateProgress(id string, value float64) error {
	if math.IsNaN(value) || value < 0 || value > 100 {
		return fmt.Errorf("%w: %v", ErrProgressOutOfRange, value)
	}
	return r.mutate(id, func(j *Job, now time.Time) error {
		if j.Status.Terminal() {
			return ErrJobTerminal
		}
		if value < j.Progress {
			return fmt.Errorf("%w: %v < %v", ErrProgressRegression, value, j.Progress)
		}
		if value == j.Progress && j.Status == StatusRunning {
			return errNoChange
		}
		if j.Status == StatusPending {
			j.Status = StatusRunning
			j.StartedAt = &now
		}
		j.Progress = value
		return nil
	})
}

// SetResult stores the finished artifact and completes the job. It may
// only be called once, after progress has reached 100.
func (r *Registry) SetResult(id string, artifact []byte) error {
	if len(artifact) == 0 {
		return ErrEmptyResult
	}
	return r.mutate(id, func(j *Job, now time.Time) error {
		if j.Result != nil || j.Status == StatusCompleted {
			return ErrResultAlreadySet
		}
		if j.Status == StatusFailed {
			return ErrJobTerminal
		}
		if j.Progress < 100 {
			return ErrProgressIncomplete
		}
		j.Result = artifact
		j.Status = StatusCompleted
		j.CompletedAt = &now
		return nil
	})
}

// SetError fails a pending or running job.
func (r *Registry) SetError(id string, cause string) error {
	return r.mutate(id, func(j *Job, now time.Time) error {
		if j.Status.Terminal() {
			return ErrJobTerminal
		}
		if cause == "" {
			cause = "unknown error"
		}
		j.Error = cause
		j.Status = StatusFailed
		j.CompletedAt = &now
		return nil
	})
}

var errNoChange = errors.New("no change")

func (r *Registry) mutate(id string, fn func(j *Job, now time.Time) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	now := r.now()
	next := e.job
	if err := fn(&next, now); err != nil {
		if errors.Is(err, errNoChange) {
			return nil
		}
		return err
	}
	next.UpdatedAt = now
	e.job = next
	r.notify(e)
	return nil
}

func (r *Registry) notify(e *entry) {
	close(e.changed)
	e.changed = make(chan struct{})
}

// ListFilter narrows List results.
type ListFilter struct {
	Status Status
	Limit  int
}

// List returns job snapshots, newest first, without their artifacts.
func (r *Registry) List(f ListFilter) []Job {
	r.mu.RLock()
	out := make([]Job, 0, len(r.jobs))
	for _, e := range r.jobs {
		if f.Status != "" && e.job.Status != f.Status {
			continue
		}
		j := e.job
		j.Result = nil
		out = append(out, j)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, k int) bool {
		if !out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].CreatedAt.After(out[k].CreatedAt)
		}
		return out[i].ID > out[k].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// Counts returns the number of jobs per status.
func (r *Registry) Counts() map[Status]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := map[Status]int{
		StatusPending:   0,
		StatusRunning:   0,
		StatusCompleted: 0,
		StatusFailed:    0,
	}
	for _, e := range r.jobs {
		counts[e.job.Status]++
	}
	return counts
}

// DeleteExpired removes finished jobs that completed before cutoff and
// returns how many were removed. Watchers of removed jobs are woken.
func (r *Registry) DeleteExpired(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, e := range r.jobs {
		if !e.job.Status.Terminal() || e.job.CompletedAt == nil {
			continue
		}
		if e.job.CompletedAt.Before(cutoff) {
			delete(r.jobs, id)
			close(e.changed)
			n++
		}
	}
	return n
}
