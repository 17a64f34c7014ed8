package engine

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"math"
	"math/rand"
	"strings"
	"time"
	"unicode/utf8"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"diffusion/internal/config"
)

var ErrEmptyPrompt = errors.New("prompt is empty")

// Procedural renders a seeded colour field that is "denoised" over the
// requested number of steps. Output depends only on the prompt, negative
// prompt, guidance settings, seed, strength and input image.
type Procedural struct {
	width     int
	height    int
	stepDelay time.Duration
}

func NewProcedural(cfg config.EngineConfig) *Procedural {
	w, h := cfg.Width, cfg.Height
	if w <= 0 {
		w = 512
	}
	if h <= 0 {
		h = 512
	}
	return &Procedural{
		width:     w,
		height:    h,
		stepDelay: time.Duration(cfg.StepDelayMs) * time.Millisecond,
	}
}

func (p *Procedural) Name() string { return "procedural" }

func (p *Procedural) Generate(ctx context.Context, req Request) (image.Image, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, ErrEmptyPrompt
	}
	if req.Steps <= 0 {
		return nil, fmt.Errorf("steps must be positive, got %d", req.Steps)
	}

	total := req.Steps
	strength := 1.0
	if req.InputImage != nil {
		strength = clamp01(req.Strength)
		// Like a real img2img sampler, weaker strength skips early steps.
		total = int(math.Ceil(float64(req.Steps) * strength))
		if total < 1 {
			total = 1
		}
	}

	n := p.width * p.height * 3
	target := p.target(req)
	cur := make([]float64, n)

	rng := rand.New(rand.NewSource(req.Seed))
	if req.InputImage != nil {
		src := p.scaled(req.InputImage)
		for i := range cur {
			noise := (rng.Float64()*2 - 1) * 255 * strength * 0.5
			cur[i] = src[i] + noise
			target[i] = src[i]*(1-strength) + target[i]*strength
		}
	} else {
		for i := range cur {
			cur[i] = rng.Float64() * 255
		}
	}

	for step := 1; step <= total; step++ {
		if err := Pace(ctx, p.stepDelay); err != nil {
			return nil, err
		}

		alpha := 1.0 / float64(total-step+1)
		for i := range cur {
			cur[i] += (target[i] - cur[i]) * alpha
		}

		if req.Progress != nil {
			req.Progress(step, total)
		}
	}

	out := image.NewRGBA(image.Rect(0, 0, p.width, p.height))
	for i := 0; i < p.width*p.height; i++ {
		out.Pix[i*4+0] = toByte(cur[i*3+0])
		out.Pix[i*4+1] = toByte(cur[i*3+1])
		out.Pix[i*4+2] = toByte(cur[i*3+2])
		out.Pix[i*4+3] = 0xff
	}
	p.caption(out, req.Prompt)

	return out, nil
}

// target builds the fully denoised field: a two-colour gradient with a
// ripple, both derived from the prompt. With guidance enabled the
// negative prompt's palette is extrapolated away from, as classifier
// free guidance would.
func (p *Procedural) target(req Request) []float64 {
	cond := palette(req.Prompt, req.Seed)
	if req.UseGuidance && req.GuidanceScale > 0 {
		uncond := palette(req.NegativePrompt, req.Seed)
		scale := math.Min(req.GuidanceScale, 20) / 8
		for i := range cond {
			cond[i] = uncond[i] + scale*(cond[i]-uncond[i])
		}
	}

	freq := 2 + float64(hashString(req.Prompt)%7)
	out := make([]float64, p.width*p.height*3)
	for y := 0; y < p.height; y++ {
		for x := 0; x < p.width; x++ {
			t := (float64(x)/float64(p.width) + float64(y)/float64(p.height)) / 2
			ripple := 0.15 * math.Sin(freq*math.Pi*float64(x+y)/float64(p.width))
			t = clamp01(t + ripple)
			i := (y*p.width + x) * 3
			for c := 0; c < 3; c++ {
				out[i+c] = cond[c]*(1-t) + cond[3+c]*t
			}
		}
	}
	return out
}

func (p *Procedural) scaled(src image.Image) []float64 {
	dst := image.NewRGBA(image.Rect(0, 0, p.width, p.height))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Src, nil)

	out := make([]float64, p.width*p.height*3)
	for i := 0; i < p.width*p.height; i++ {
		out[i*3+0] = float64(dst.Pix[i*4+0])
		out[i*3+1] = float64(dst.Pix[i*4+1])
		out[i*3+2] = float64(dst.Pix[i*4+2])
	}
	return out
}

func (p *Procedural) caption(img *image.RGBA, prompt string) {
	face := basicfont.Face7x13
	text := captionText(prompt, (p.width-16)/face.Advance)
	if text == "" {
		return
	}

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}),
		Face: face,
		Dot:  fixed.P(8, p.height-8),
	}
	d.DrawString(text)
}

// captionText trims prompt to at most maxChars runes.
func captionText(prompt string, maxChars int) string {
	if maxChars <= 0 {
		return ""
	}
	text := strings.TrimSpace(prompt)
	if utf8.RuneCountInString(text) <= maxChars {
		return text
	}
	return string([]rune(text)[:maxChars])
}

// palette derives two RGB colours from s and seed.
func palette(s string, seed int64) [6]float64 {
	rng := rand.New(rand.NewSource(int64(hashString(s)) ^ seed))
	var out [6]float64
	for i := range out {
		out[i] = 32 + rng.Float64()*192
	}
	return out
}

func hashString(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(s))))
	return h.Sum64()
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func toByte(v float64) uint8 {
	return uint8(math.Max(0, math.Min(255, math.Round(v))))
}
