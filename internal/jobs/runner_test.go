package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunner_CapsConcurrency(t *testing.T) {
	r := NewRunner(context.Background(), 2, 0)

	var current, peak atomic.Int32
	release := make(chan struct{})

	for i := 0; i < 6; i++ {
		err := r.Submit(func() (Task, error) {
			return func(ctx context.Context) {
				n := current.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				<-release
				current.Add(-1)
			}, nil
		})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return r.Running() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 6, r.InFlight())

	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.Wait(ctx))

	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Zero(t, r.InFlight())
	assert.Zero(t, r.Running())
}

func TestRunner_QueueFullSkipsPrepare(t *testing.T) {
	r := NewRunner(context.Background(), 1, 1)
	release := make(chan struct{})

	require.NoError(t, r.Submit(func() (Task, error) {
		return func(ctx context.Context) { <-release }, nil
	}))

	prepared := false
	err := r.Submit(func() (Task, error) {
		prepared = true
		return func(ctx context.Context) {}, nil
	})
	require.ErrorIs(t, err, ErrQueueFull)
	assert.False(t, prepared)

	close(release)
	require.NoError(t, r.Wait(context.Background()))

	require.NoError(t, r.Submit(func() (Task, error) {
		return func(ctx context.Context) {}, nil
	}))
	require.NoError(t, r.Wait(context.Background()))
}

func TestRunner_PrepareErrorReleasesSlot(t *testing.T) {
	r := NewRunner(context.Background(), 1, 1)
	boom := errors.New("boom")

	err := r.Submit(func() (Task, error) { return nil, boom })
	require.ErrorIs(t, err, boom)
	assert.Zero(t, r.InFlight())

	require.NoError(t, r.Submit(func() (Task, error) {
		return func(ctx context.Context) {}, nil
	}))
	require.NoError(t, r.Wait(context.Background()))
}
