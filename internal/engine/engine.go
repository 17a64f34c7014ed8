// Package engine defines the boundary to the image synthesis pipeline.
//
// The orchestration layer treats an Engine as an opaque, slow, possibly
// failing call. The bundled procedural engine is a deterministic
// stand-in so the service can run end to end without model weights.
package engine

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"diffusion/internal/config"
)

var ErrUnknownEngine = errors.New("unknown engine")

// ModelBundle identifies the weights a generation runs against.
type ModelBundle struct {
	Key         string
	WeightsPath string
}

// Tokenizer points at the vocabulary files used to encode prompts.
type Tokenizer struct {
	VocabPath  string
	MergesPath string
}

// ProgressFunc is called after each completed denoising step.
type ProgressFunc func(step, total int)

// Request carries every input to one generation call.
type Request struct {
	Prompt         string
	NegativePrompt string
	InputImage     image.Image
	Strength       float64
	UseGuidance    bool
	GuidanceScale  float64
	Sampler        string
	Steps          int
	Seed           int64
	Model          ModelBundle
	Device         string
	IdleDevice     string
	Tokenizer      Tokenizer

	// Progress may be nil. Engines that report progress call it once
	// per step, in order.
	Progress ProgressFunc
}

// Engine synthesizes a raster image from a prompt.
type Engine interface {
	Name() string
	Generate(ctx context.Context, req Request) (image.Image, error)
}

// New builds the engine selected by cfg.Name.
func New(cfg config.EngineConfig) (Engine, error) {
	switch cfg.Name {
	case "", "procedural":
		return NewProcedural(cfg), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEngine, cfg.Name)
	}
}

// Pace blocks for d or until ctx is done.
func Pace(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
