package engine

import (
	"math/rand"
	"slices"
	"strings"

	"diffusion/internal/config"
)

const DeviceCPU = "cpu"

// KnownDevices lists the device names a request may hint at.
var KnownDevices = []string{"cpu", "cuda", "mps"}

// Resolver maps request hints onto concrete generation parameters.
// Unknown models and unavailable devices fall back to defaults rather
// than failing the request.
type Resolver struct {
	cfg config.EngineConfig
}

func NewResolver(cfg config.EngineConfig) *Resolver {
	return &Resolver{cfg: cfg}
}

// Model returns the bundle for key. The second result is true when key
// was not configured and the default model was substituted.
func (r *Resolver) Model(key string) (ModelBundle, bool) {
	key = strings.TrimSpace(key)
	if key == "" {
		key = r.cfg.DefaultModel
	}
	if path, ok := r.cfg.Models[key]; ok {
		return ModelBundle{Key: key, WeightsPath: path}, false
	}

	fellBack := key != r.cfg.DefaultModel
	return ModelBundle{
		Key:         r.cfg.DefaultModel,
		WeightsPath: r.cfg.Models[r.cfg.DefaultModel],
	}, fellBack
}

// Device returns the device to run on. An empty hint selects the
// configured default. The second result is true when the hint (or the
// configured default) is unknown or unavailable and CPU was chosen.
func (r *Resolver) Device(hint string) (string, bool) {
	dev := strings.ToLower(strings.TrimSpace(hint))
	if dev == "" {
		dev = strings.ToLower(r.cfg.Device)
	}
	if dev == DeviceCPU {
		return DeviceCPU, false
	}
	if slices.Contains(KnownDevices, dev) && slices.Contains(r.cfg.AvailableDevices, dev) {
		return dev, false
	}
	return DeviceCPU, true
}

// Seed returns the pinned seed when present, then the configured seed,
// and otherwise a fresh random one.
func (r *Resolver) Seed(pinned *int64) int64 {
	if pinned != nil {
		return *pinned
	}
	if r.cfg.Seed != nil {
		return *r.cfg.Seed
	}
	return rand.Int63()
}

// Steps returns n when positive, else the configured step count.
func (r *Resolver) Steps(n int) int {
	if n > 0 {
		return n
	}
	return r.cfg.Steps
}

// Sampler returns name when set, else the configured sampler.
func (r *Resolver) Sampler(name string) string {
	if s := strings.TrimSpace(name); s != "" {
		return strings.ToLower(s)
	}
	return r.cfg.Sampler
}

// GuidanceScale returns v when positive, else the configured scale.
func (r *Resolver) GuidanceScale(v float64) float64 {
	if v > 0 {
		return v
	}
	return r.cfg.GuidanceScale
}

func (r *Resolver) UseGuidance() bool {
	return r.cfg.UseGuidance == nil || *r.cfg.UseGuidance
}

func (r *Resolver) IdleDevice() string {
	return r.cfg.IdleDevice
}

func (r *Resolver) Tokenizer() Tokenizer {
	return Tokenizer{
		VocabPath:  r.cfg.Tokenizer.VocabPath,
		MergesPath: r.cfg.Tokenizer.MergesPath,
	}
}
