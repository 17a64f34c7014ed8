package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"diffusion/internal/engine"
	"diffusion/internal/jobs"
	"diffusion/internal/metrics"
	"diffusion/internal/store"
)

// ErrEngineFailure wraps any error or panic raised by the engine.
var ErrEngineFailure = errors.New("generation engine failed")

// EventRecorder persists job lifecycle events. Implementations must be
// safe for concurrent use.
type EventRecorder interface {
	RecordJobEvent(ctx context.Context, jobID string, event string, detail any) error
}

// Deps are shared by every worker.
type Deps struct {
	Engine   engine.Engine
	Registry *jobs.Registry
	Events   EventRecorder
	Logger   *slog.Logger

	JPEGQuality int
	// Simulate makes the worker pace progress itself, one StepDelay per
	// step, before calling the engine without a progress callback.
	Simulate  bool
	StepDelay time.Duration
}

// Worker executes exactly one job and is the only writer of its record.
type Worker struct {
	jobID string
	mode  jobs.Mode
	req   engine.Request
	deps  Deps
}

func New(jobID string, mode jobs.Mode, req engine.Request, deps Deps) *Worker {
	return &Worker{jobID: jobID, mode: mode, req: req, deps: deps}
}

// Run drives the job to Completed or Failed. It never panics.
func (w *Worker) Run(ctx context.Context) {
	start := time.Now()
	status := w.run(ctx)
	metrics.RecordJobFinished(string(w.mode), string(status), time.Since(start).Milliseconds())
}

func (w *Worker) run(ctx context.Context) (status jobs.Status) {
	defer func() {
		if rec := recover(); rec != nil {
			status = w.fail(ctx, fmt.Errorf("%w: panic: %v", ErrEngineFailure, rec))
		}
	}()

	if err := w.deps.Registry.MarkRunning(w.jobID); err != nil {
		w.logWarn("generation_start_failed", "error", err)
		return jobs.StatusFailed
	}
	w.record(ctx, store.EventStarted, map[string]any{
		"device": w.req.Device,
		"model":  w.req.Model.Key,
	})

	req := w.req
	if w.deps.Simulate {
		for step := 1; step <= req.Steps; step++ {
			if err := engine.Pace(ctx, w.deps.StepDelay); err != nil {
				return w.fail(ctx, err)
			}
			w.report(step, req.Steps)
		}
		req.Progress = nil
	} else {
		req.Progress = w.report
	}

	img, err := w.deps.Engine.Generate(ctx, req)
	if err != nil {
		return w.fail(ctx, fmt.Errorf("%w: %v", ErrEngineFailure, err))
	}

	if err := w.deps.Registry.UpdateProgress(w.jobID, 100); err != nil {
		return w.fail(ctx, fmt.Errorf("finalize progress: %w", err))
	}

	data, err := engine.EncodeJPEG(img, w.deps.JPEGQuality)
	if err != nil {
		return w.fail(ctx, err)
	}

	if err := w.deps.Registry.SetResult(w.jobID, data); err != nil {
		return w.fail(ctx, fmt.Errorf("store result: %w", err))
	}

	w.record(ctx, store.EventCompleted, map[string]any{"bytes": len(data)})
	w.logInfo("generation_completed", "bytes", len(data))
	return jobs.StatusCompleted
}

func (w *Worker) report(step, total int) {
	if total <= 0 {
		return
	}
	pct := float64(step) * 100 / float64(total)
	if pct > 100 {
		pct = 100
	}
	if err := w.deps.Registry.UpdateProgress(w.jobID, pct); err != nil && w.deps.Logger != nil {
		w.deps.Logger.Debug("progress_update_rejected", "job_id", w.jobID, "progress", pct, "error", err)
	}
}

func (w *Worker) fail(ctx context.Context, cause error) jobs.Status {
	if err := w.deps.Registry.SetError(w.jobID, cause.Error()); err != nil {
		w.logWarn("generation_fail_not_recorded", "cause", cause, "error", err)
	}
	w.record(ctx, store.EventFailed, map[string]any{"error": cause.Error()})
	w.logWarn("generation_failed", "error", cause)
	return jobs.StatusFailed
}

func (w *Worker) record(ctx context.Context, event string, detail any) {
	if w.deps.Events == nil {
		return
	}
	// Audit writes must not be lost to a cancelled job context.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := w.deps.Events.RecordJobEvent(rctx, w.jobID, event, detail); err != nil {
		w.logWarn("job_event_record_failed", "event", event, "error", err)
	}
}

func (w *Worker) logInfo(msg string, args ...any) {
	if w.deps.Logger != nil {
		w.deps.Logger.Info(msg, append([]any{"job_id", w.jobID, "mode", string(w.mode)}, args...)...)
	}
}

func (w *Worker) logWarn(msg string, args ...any) {
	if w.deps.Logger != nil {
		w.deps.Logger.Warn(msg, append([]any{"job_id", w.jobID, "mode", string(w.mode)}, args...)...)
	}
}
