package services

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"diffusion/internal/config"
	"diffusion/internal/engine"
	"diffusion/internal/jobs"
	"diffusion/internal/metrics"
	"diffusion/internal/store"
	"diffusion/internal/worker"
)

var (
	ErrInvalidRequest   = errors.New("invalid request")
	ErrPromptRequired   = fmt.Errorf("%w: Prompt is required", ErrInvalidRequest)
	ErrJobNotFound      = jobs.ErrJobNotFound
	ErrQueueFull        = jobs.ErrQueueFull
	ErrNotReady         = errors.New("image generation in progress")
	ErrGenerationFailed = errors.New("generation failed")
)

// GenerateRequest is a submission as received from a client.
type GenerateRequest struct {
	Prompt         string   `json:"prompt"`
	NegativePrompt string   `json:"negativePrompt" validate:"max=2000"`
	Mode           string   `json:"mode" validate:"omitempty,oneof=txt2img img2img"`
	Model          string   `json:"model" validate:"max=128"`
	Strength       *float64 `json:"strength" validate:"omitempty,gte=0,lte=1"`
	Device         string   `json:"device" validate:"max=32"`
	Seed           *int64   `json:"seed"`
	Steps          int      `json:"steps" validate:"omitempty,gte=1,lte=1000"`
	GuidanceScale  float64  `json:"guidanceScale" validate:"omitempty,gt=0,lte=50"`
	Sampler        string   `json:"sampler" validate:"max=32"`

	// Image is the encoded source image for img2img.
	Image []byte `json:"-"`
}

// ProgressEvent is one observation pushed to a progress stream. The
// last event on a stream has a terminal Status.
type ProgressEvent struct {
	Progress float64
	Status   jobs.Status
	Error    string
}

func (e ProgressEvent) Terminal() bool {
	return e.Status.Terminal()
}

// GenerationService owns submission, retrieval and progress streaming
// for generation jobs.
type GenerationService struct {
	cfg      *config.Config
	registry *jobs.Registry
	runner   *jobs.Runner
	resolver *engine.Resolver
	deps     worker.Deps
	events   worker.EventRecorder
	logger   *slog.Logger
	validate *validator.Validate
	newID    func() string
}

// NewGenerationService wires the service. events may be nil.
func NewGenerationService(cfg *config.Config, reg *jobs.Registry, runner *jobs.Runner, eng engine.Engine, events worker.EventRecorder, logger *slog.Logger) *GenerationService {
	return &GenerationService{
		cfg:      cfg,
		registry: reg,
		runner:   runner,
		resolver: engine.NewResolver(cfg.Engine),
		deps: worker.Deps{
			Engine:      eng,
			Registry:    reg,
			Events:      events,
			Logger:      logger,
			JPEGQuality: cfg.Engine.JPEGQuality,
			Simulate:    cfg.Worker.SimulateProgress,
			StepDelay:   time.Duration(cfg.Engine.StepDelayMs) * time.Millisecond,
		},
		events:   events,
		logger:   logger,
		validate: validator.New(),
		newID:    newJobID,
	}
}

// newJobID prefers uuidv7 and falls back to v4.
func newJobID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.New().String()
}

// Submit validates req, creates a pending job and starts its worker. It
// returns as soon as the job is registered.
func (s *GenerationService) Submit(ctx context.Context, req *GenerateRequest) (jobs.Job, error) {
	if req == nil || strings.TrimSpace(req.Prompt) == "" {
		return jobs.Job{}, ErrPromptRequired
	}
	if err := s.validate.Struct(req); err != nil {
		return jobs.Job{}, validationError(err)
	}

	mode := jobs.Mode(req.Mode)
	if mode == "" {
		mode = jobs.ModeTextToImage
	}

	var input image.Image
	if mode == jobs.ModeImageToImage {
		if len(req.Image) == 0 {
			return jobs.Job{}, fmt.Errorf("%w: source image is required for img2img mode", ErrInvalidRequest)
		}
		img, _, err := engine.DecodeImage(req.Image, s.cfg.Engine.MaxInputPixels)
		if err != nil {
			return jobs.Job{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		input = img
	}

	model, modelFallback := s.resolver.Model(req.Model)
	if modelFallback {
		s.logInfo("model_fallback", "requested", req.Model, "model", model.Key)
	}

	device, deviceFallback := s.resolver.Device(req.Device)
	if deviceFallback {
		requested := req.Device
		if requested == "" {
			requested = s.cfg.Engine.Device
		}
		metrics.RecordDeviceFallback(strings.ToLower(requested))
		s.logWarn("device_fallback", "requested", requested, "device", device)
	}

	strength := 1.0
	if req.Strength != nil {
		strength = *req.Strength
	}

	params := jobs.Params{
		Prompt:         strings.TrimSpace(req.Prompt),
		NegativePrompt: strings.TrimSpace(req.NegativePrompt),
		Mode:           mode,
		Model:          model.Key,
		Strength:       strength,
		Device:         device,
		Sampler:        s.resolver.Sampler(req.Sampler),
		Steps:          s.resolver.Steps(req.Steps),
		Seed:           s.resolver.Seed(req.Seed),
		UseGuidance:    s.resolver.UseGuidance(),
		GuidanceScale:  s.resolver.GuidanceScale(req.GuidanceScale),
	}

	engineReq := engine.Request{
		Prompt:         params.Prompt,
		NegativePrompt: params.NegativePrompt,
		InputImage:     input,
		Strength:       params.Strength,
		UseGuidance:    params.UseGuidance,
		GuidanceScale:  params.GuidanceScale,
		Sampler:        params.Sampler,
		Steps:          params.Steps,
		Seed:           params.Seed,
		Model:          model,
		Device:         params.Device,
		IdleDevice:     s.resolver.IdleDevice(),
		Tokenizer:      s.resolver.Tokenizer(),
	}

	var job jobs.Job
	err := s.runner.Submit(func() (jobs.Task, error) {
		created, err := s.registry.Create(s.newID(), params)
		if err != nil {
			return nil, err
		}
		job = created
		s.record(ctx, job.ID, store.EventSubmitted, params)
		return worker.New(job.ID, mode, engineReq, s.deps).Run, nil
	})
	if err != nil {
		if errors.Is(err, jobs.ErrQueueFull) {
			metrics.RecordJobRejected("queue_full")
		}
		return jobs.Job{}, err
	}

	metrics.RecordJobSubmitted(string(mode), model.Key)
	s.logInfo("generation_enqueued",
		"job_id", job.ID,
		"mode", string(mode),
		"model", model.Key,
		"device", device,
		"steps", params.Steps,
		"seed", params.Seed,
	)

	return job, nil
}

// Job returns a snapshot of the job with id.
func (s *GenerationService) Job(id string) (jobs.Job, error) {
	return s.registry.Get(id)
}

// List returns job snapshots without artifacts.
func (s *GenerationService) List(f jobs.ListFilter) []jobs.Job {
	return s.registry.List(f)
}

// Counts returns the number of jobs per status.
func (s *GenerationService) Counts() map[jobs.Status]int {
	return s.registry.Counts()
}

// Image returns the finished artifact. It never waits: unfinished jobs
// yield ErrNotReady and failed jobs ErrGenerationFailed.
func (s *GenerationService) Image(id string) ([]byte, error) {
	job, err := s.registry.Get(id)
	if err != nil {
		return nil, err
	}

	switch job.Status {
	case jobs.StatusCompleted:
		return job.Result, nil
	case jobs.StatusFailed:
		return nil, fmt.Errorf("%w: %s", ErrGenerationFailed, job.Error)
	default:
		return nil, ErrNotReady
	}
}

// Watch streams progress for id until the job finishes or ctx is done.
// Unknown ids fail immediately. Each call gets an independent stream.
func (s *GenerationService) Watch(ctx context.Context, id string) (<-chan ProgressEvent, error) {
	if _, err := s.registry.Get(id); err != nil {
		return nil, err
	}

	out := make(chan ProgressEvent)
	go s.stream(ctx, id, out)
	return out, nil
}

func (s *GenerationService) stream(ctx context.Context, id string, out chan<- ProgressEvent) {
	defer close(out)

	ticker := time.NewTicker(s.pollInterval())
	defer ticker.Stop()

	send := func(ev ProgressEvent) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	last := -1.0
	for {
		job, changed, err := s.registry.Watch(id)
		if err != nil {
			// Removed by retention while being watched.
			send(ProgressEvent{Progress: last, Status: jobs.StatusFailed, Error: "job not found"})
			return
		}

		if job.Status == jobs.StatusCompleted && job.Progress != last {
			if !send(ProgressEvent{Progress: job.Progress, Status: jobs.StatusRunning}) {
				return
			}
		}
		if job.Status.Terminal() {
			send(ProgressEvent{Progress: job.Progress, Status: job.Status, Error: job.Error})
			return
		}

		if job.Progress != last {
			if !send(ProgressEvent{Progress: job.Progress, Status: job.Status}) {
				return
			}
			last = job.Progress
		}

		select {
		case <-ctx.Done():
			return
		case <-changed:
		case <-ticker.C:
		}
	}
}

// Wait blocks until the job reaches a terminal status or ctx is done.
func (s *GenerationService) Wait(ctx context.Context, id string) (jobs.Job, error) {
	for {
		job, changed, err := s.registry.Watch(id)
		if err != nil {
			return jobs.Job{}, err
		}
		if job.Status.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-changed:
		}
	}
}

func (s *GenerationService) pollInterval() time.Duration {
	d := time.Duration(s.cfg.Stream.PollIntervalMs) * time.Millisecond
	if d <= 0 {
		d = 100 * time.Millisecond
	}
	return d
}

func (s *GenerationService) record(ctx context.Context, jobID, event string, detail any) {
	if s.events == nil {
		return
	}
	if err := s.events.RecordJobEvent(ctx, jobID, event, detail); err != nil {
		s.logWarn("job_event_record_failed", "job_id", jobID, "event", event, "error", err)
	}
}

func (s *GenerationService) logInfo(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Info(msg, args...)
	}
}

func (s *GenerationService) logWarn(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Warn(msg, args...)
	}
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return fmt.Errorf("%w: field '%s' failed '%s' validation", ErrInvalidRequest, lowerFirst(fe.Field()), fe.Tag())
	}
	return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}
