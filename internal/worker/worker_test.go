package worker

import (
	"context"
	"errors"
	"image"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"diffusion/internal/engine"
	"diffusion/internal/jobs"
	"diffusion/internal/store"
)

type fakeEngine struct {
	err       error
	panicWith any
	// observed holds the progress read back from the registry after each
	// reported step.
	observed []float64
	reg      *jobs.Registry
	jobID    string
	sawHook  bool
}

func (f *fakeEngine) Name() string { return "fake" }

func (f *fakeEngine) Generate(_ context.Context, req engine.Request) (image.Image, error) {
	f.sawHook = req.Progress != nil
	for step := 1; step <= req.Steps; step++ {
		if req.Progress != nil {
			req.Progress(step, req.Steps)
			if job, err := f.reg.Get(f.jobID); err == nil {
				f.observed = append(f.observed, job.Progress)
			}
		}
		if step == req.Steps/2 {
			if f.panicWith != nil {
				panic(f.panicWith)
			}
			if f.err != nil {
				return nil, f.err
			}
		}
	}
	return image.NewRGBA(image.Rect(0, 0, 4, 4)), nil
}

type fakeEvents struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeEvents) RecordJobEvent(_ context.Context, _ string, event string, _ any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func setup(t *testing.T, eng *fakeEngine) (*jobs.Registry, *fakeEvents, Deps) {
	t.Helper()
	reg := jobs.NewRegistry()
	_, err := reg.Create("job-1", jobs.Params{Prompt: "a cat dancing in ice"})
	require.NoError(t, err)

	eng.reg = reg
	eng.jobID = "job-1"
	events := &fakeEvents{}
	return reg, events, Deps{
		Engine:      eng,
		Registry:    reg,
		Events:      events,
		JPEGQuality: 80,
	}
}

func TestWorker_CompletesAndStoresJPEG(t *testing.T) {
	eng := &fakeEngine{}
	reg, events, deps := setup(t, eng)

	New("job-1", jobs.ModeTextToImage, engine.Request{Prompt: "a cat dancing in ice", Steps: 4}, deps).Run(context.Background())

	job, err := reg.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, job.Status)
	assert.Equal(t, 100.0, job.Progress)
	require.NotEmpty(t, job.Result)
	assert.Equal(t, []byte{0xff, 0xd8}, job.Result[:2])
	assert.Empty(t, job.Error)

	assert.True(t, eng.sawHook)
	assert.Equal(t, []float64{25, 50, 75, 100}, eng.observed)
	assert.Equal(t, []string{store.EventStarted, store.EventCompleted}, events.events)
}

func TestWorker_EngineErrorFailsJob(t *testing.T) {
	eng := &fakeEngine{err: errors.New("CUDA out of memory")}
	reg, events, deps := setup(t, eng)

	New("job-1", jobs.ModeTextToImage, engine.Request{Prompt: "x", Steps: 4}, deps).Run(context.Background())

	job, err := reg.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, job.Status)
	assert.Contains(t, job.Error, "CUDA out of memory")
	assert.Contains(t, job.Error, ErrEngineFailure.Error())
	assert.Nil(t, job.Result)
	assert.Equal(t, 50.0, job.Progress)
	assert.Equal(t, []string{store.EventStarted, store.EventFailed}, events.events)
}

func TestWorker_EnginePanicFailsJob(t *testing.T) {
	eng := &fakeEngine{panicWith: "tensor shape mismatch"}
	reg, _, deps := setup(t, eng)

	require.NotPanics(t, func() {
		New("job-1", jobs.ModeImageToImage, engine.Request{Prompt: "x", Steps: 2}, deps).Run(context.Background())
	})

	job, err := reg.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, job.Status)
	assert.Contains(t, job.Error, "tensor shape mismatch")
}

func TestWorker_SimulatedProgress(t *testing.T) {
	eng := &fakeEngine{}
	reg, _, deps := setup(t, eng)
	deps.Simulate = true

	_, changed, err := reg.Watch("job-1")
	require.NoError(t, err)

	New("job-1", jobs.ModeTextToImage, engine.Request{Prompt: "x", Steps: 5}, deps).Run(context.Background())

	<-changed
	job, err := reg.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, job.Status)
	assert.False(t, eng.sawHook)
	assert.Empty(t, eng.observed)
}

func TestWorker_SimulatedProgressCancelled(t *testing.T) {
	eng := &fakeEngine{}
	reg, _, deps := setup(t, eng)
	deps.Simulate = true

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	New("job-1", jobs.ModeTextToImage, engine.Request{Prompt: "x", Steps: 5}, deps).Run(ctx)

	job, err := reg.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, job.Status)
	assert.Contains(t, job.Error, context.Canceled.Error())
}

func TestWorker_NilEventsAndLogger(t *testing.T) {
	eng := &fakeEngine{}
	reg, _, deps := setup(t, eng)
	deps.Events = nil

	New("job-1", jobs.ModeTextToImage, engine.Request{Prompt: "x", Steps: 1}, deps).Run(context.Background())

	job, err := reg.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, job.Status)
}
