package jobs

import (
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry()
}

func TestRegistry_CreateRejectsDuplicateID(t *testing.T) {
	reg := newTestRegistry(t)

	job, err := reg.Create("job-1", Params{Prompt: "a cat dancing in ice"})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, job.Status)
	assert.Zero(t, job.Progress)

	_, err = reg.Create("job-1", Params{})
	require.ErrorIs(t, err, ErrJobExists)
}

func TestRegistry_GetUnknown(t *testing.T) {
	reg := newTestRegistry(t)
	_, err := reg.Get("missing")
	require.ErrorIs(t, err, ErrJobNotFound)
}

func TestRegistry_ProgressIsMonotonic(t *testing.T) {
	reg := newTestRegistry(t)
	_, err := reg.Create("job-1", Params{})
	require.NoError(t, err)

	require.NoError(t, reg.UpdateProgress("job-1", 10))
	require.NoError(t, reg.UpdateProgress("job-1", 10))
	require.ErrorIs(t, reg.UpdateProgress("job-1", 5), ErrProgressRegression)
	require.ErrorIs(t, reg.UpdateProgress("job-1", 101), ErrProgressOutOfRange)
	require.ErrorIs(t, reg.UpdateProgress("job-1", -1), ErrProgressOutOfRange)
	require.ErrorIs(t, reg.UpdateProgress("job-1", math.NaN()), ErrProgressOutOfRange)
	require.ErrorIs(t, reg.UpdateProgress("job-1", 5), ErrProgressRegression)

	job, err := reg.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, 10.0, job.Progress)
	assert.Equal(t, StatusRunning, job.Status)
	assert.NotNil(t, job.StartedAt)
}

func TestRegistry_SetResultRequiresFullProgress(t *testing.T) {
	reg := newTestRegistry(t)
	_, err := reg.Create("job-1", Params{})
	require.NoError(t, err)

	require.ErrorIs(t, reg.SetResult("job-1", []byte("jpeg")), ErrProgressIncomplete)

	require.NoError(t, reg.UpdateProgress("job-1", 100))
	require.ErrorIs(t, reg.SetResult("job-1", nil), ErrEmptyResult)
	require.NoError(t, reg.SetResult("job-1", []byte("jpeg")))
	require.ErrorIs(t, reg.SetResult("job-1", []byte("again")), ErrResultAlreadySet)

	job, err := reg.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, job.Status)
	assert.Equal(t, []byte("jpeg"), job.Result)
	assert.True(t, job.HasResult())
	assert.Empty(t, job.Error)
	assert.NotNil(t, job.CompletedAt)
}

func TestRegistry_FailedOnlyFromNonTerminal(t *testing.T) {
	reg := newTestRegistry(t)

	_, err := reg.Create("pending", Params{})
	require.NoError(t, err)
	require.NoError(t, reg.SetError("pending", "engine exploded"))

	job, err := reg.Get("pending")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, "engine exploded", job.Error)
	assert.False(t, job.HasResult())

	require.ErrorIs(t, reg.SetError("pending", "again"), ErrJobTerminal)
	require.ErrorIs(t, reg.UpdateProgress("pending", 50), ErrJobTerminal)
	require.ErrorIs(t, reg.SetResult("pending", []byte("x")), ErrJobTerminal)

	_, err = reg.Create("done", Params{})
	require.NoError(t, err)
	require.NoError(t, reg.UpdateProgress("done", 100))
	require.NoError(t, reg.SetResult("done", []byte("x")))
	require.ErrorIs(t, reg.SetError("done", "too late"), ErrJobTerminal)

	job, err = reg.Get("done")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, job.Status)
}

func TestRegistry_MarkRunning(t *testing.T) {
	reg := newTestRegistry(t)
	_, err := reg.Create("job-1", Params{})
	require.NoError(t, err)

	require.NoError(t, reg.MarkRunning("job-1"))
	require.NoError(t, reg.MarkRunning("job-1"))

	job, err := reg.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, job.Status)

	require.NoError(t, reg.SetError("job-1", "boom"))
	require.ErrorIs(t, reg.MarkRunning("job-1"), ErrJobTerminal)
}

func TestRegistry_WatchWakesOnChange(t *testing.T) {
	reg := newTestRegistry(t)
	_, err := reg.Create("job-1", Params{})
	require.NoError(t, err)

	_, changed, err := reg.Watch("job-1")
	require.NoError(t, err)

	select {
	case <-changed:
		t.Fatal("watch channel closed before any change")
	default:
	}

	require.NoError(t, reg.UpdateProgress("job-1", 20))

	select {
	case <-changed:
	case <-time.After(time.Second):
		t.Fatal("watch channel not closed after progress update")
	}

	snap, next, err := reg.Watch("job-1")
	require.NoError(t, err)
	assert.Equal(t, 20.0, snap.Progress)

	// An equal progress value is not a change.
	require.NoError(t, reg.UpdateProgress("job-1", 20))
	select {
	case <-next:
		t.Fatal("watch channel closed on a no-op update")
	default:
	}
}

func TestRegistry_ConcurrentWriterAndReaders(t *testing.T) {
	reg := newTestRegistry(t)
	_, err := reg.Create("job-1", Params{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	violations := make(chan string, 16)

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			last := 0.0
			for {
				select {
				case <-stop:
					return
				default:
				}
				job, err := reg.Get("job-1")
				if err != nil {
					violations <- err.Error()
					return
				}
				if job.Progress < last || job.Progress > 100 {
					violations <- fmt.Sprintf("observed %v after %v", job.Progress, last)
					return
				}
				if job.Status == StatusCompleted && len(job.Result) == 0 {
					violations <- "completed without result"
					return
				}
				last = job.Progress
			}
		}()
	}

	for step := 1; step <= 50; step++ {
		require.NoError(t, reg.UpdateProgress("job-1", float64(step)*2))
	}
	require.NoError(t, reg.SetResult("job-1", []byte("jpeg")))

	close(stop)
	wg.Wait()
	close(violations)

	for v := range violations {
		t.Errorf("reader violation: %s", v)
	}
}

func TestRegistry_ListAndCounts(t *testing.T) {
	reg := newTestRegistry(t)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	reg.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	for _, id := range []string{"a", "b", "c"} {
		_, err := reg.Create(id, Params{})
		require.NoError(t, err)
	}
	require.NoError(t, reg.UpdateProgress("b", 100))
	require.NoError(t, reg.SetResult("b", []byte("jpeg")))
	require.NoError(t, reg.SetError("c", "boom"))

	all := reg.List(ListFilter{})
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].ID)
	assert.Equal(t, "a", all[2].ID)
	for _, j := range all {
		assert.Nil(t, j.Result)
	}

	completed := reg.List(ListFilter{Status: StatusCompleted})
	require.Len(t, completed, 1)
	assert.Equal(t, "b", completed[0].ID)
	assert.True(t, completed[0].HasResult())

	assert.Len(t, reg.List(ListFilter{Limit: 2}), 2)

	counts := reg.Counts()
	assert.Equal(t, 1, counts[StatusPending])
	assert.Equal(t, 0, counts[StatusRunning])
	assert.Equal(t, 1, counts[StatusCompleted])
	assert.Equal(t, 1, counts[StatusFailed])
}

func TestRegistry_DeleteExpiredOnlyTerminal(t *testing.T) {
	reg := newTestRegistry(t)
	old := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	reg.now = func() time.Time { return old }

	_, err := reg.Create("old-done", Params{})
	require.NoError(t, err)
	require.NoError(t, reg.SetError("old-done", "boom"))

	_, err = reg.Create("old-running", Params{})
	require.NoError(t, err)
	require.NoError(t, reg.UpdateProgress("old-running", 40))

	_, changed, err := reg.Watch("old-done")
	require.NoError(t, err)

	n := reg.DeleteExpired(old.Add(time.Hour))
	assert.Equal(t, 1, n)

	_, err = reg.Get("old-done")
	require.ErrorIs(t, err, ErrJobNotFound)
	_, err = reg.Get("old-running")
	require.NoError(t, err)

	select {
	case <-changed:
	default:
		t.Fatal("watchers of a deleted job should be woken")
	}
}
