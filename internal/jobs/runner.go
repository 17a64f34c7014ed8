package jobs

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueFull is returned by Submit when the runner already holds the
// maximum number of accepted, unfinished jobs.
var ErrQueueFull = errors.New("job queue is full")

// Task is one unit of background work, typically a worker bound to a
// single job.
type Task func(ctx context.Context)

// Runner launches one goroutine per accepted task. It caps how many
// tasks execute at once and, optionally, how many may be accepted but
// not yet finished.
type Runner struct {
	ctx       context.Context
	sem       chan struct{}
	maxQueued int

	mu       sync.Mutex
	inFlight int
	running  int

	wg sync.WaitGroup
}

// NewRunner constructs a Runner whose tasks receive ctx. maxConcurrent
// defaults to 4 when non-positive; maxQueued <= 0 means unbounded.
func NewRunner(ctx context.Context, maxConcurrent, maxQueued int) *Runner {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	if maxQueued < 0 {
		maxQueued = 0
	}
	return &Runner{
		ctx:       ctx,
		sem:       make(chan struct{}, maxConcurrent),
		maxQueued: maxQueued,
	}
}

// Submit reserves a slot, calls prepare to build the task, and starts it
// in the background. If no slot is available prepare is never called, so
// callers can allocate job records inside prepare without leaking them.
func (r *Runner) Submit(prepare func() (Task, error)) error {
	r.mu.Lock()
	if r.maxQueued > 0 && r.inFlight >= r.maxQueued {
		r.mu.Unlock()
		return ErrQueueFull
	}
	r.inFlight++
	r.mu.Unlock()

	task, err := prepare()
	if err != nil {
		r.done(false)
		return err
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		r.sem <- struct{}{}
		r.mu.Lock()
		r.running++
		r.mu.Unlock()

		defer func() {
			<-r.sem
			r.done(true)
		}()

		task(r.ctx)
	}()

	return nil
}

func (r *Runner) done(started bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inFlight--
	if started {
		r.running--
	}
}

// InFlight returns the number of accepted tasks that have not finished.
func (r *Runner) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inFlight
}

// Running returns the number of tasks currently executing.
func (r *Runner) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Wait blocks until every submitted task has returned or ctx is done.
func (r *Runner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
