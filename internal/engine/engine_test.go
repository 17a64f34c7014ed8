package engine

import (
	"bytes"
	"context"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"diffusion/internal/config"
)

func testEngineConfig() config.EngineConfig {
	cfg := config.Default().Engine
	cfg.Width = 64
	cfg.Height = 48
	cfg.StepDelayMs = 0
	return cfg
}

func TestNew_SelectsEngine(t *testing.T) {
	eng, err := New(testEngineConfig())
	require.NoError(t, err)
	assert.Equal(t, "procedural", eng.Name())

	cfg := testEngineConfig()
	cfg.Name = "onnx"
	_, err = New(cfg)
	require.ErrorIs(t, err, ErrUnknownEngine)
}

func TestProcedural_ReportsEveryStep(t *testing.T) {
	eng := NewProcedural(testEngineConfig())

	var steps []int
	img, err := eng.Generate(context.Background(), Request{
		Prompt:   "a cat dancing in ice",
		Steps:    10,
		Seed:     42,
		Progress: func(step, total int) { steps = append(steps, step); assert.Equal(t, 10, total) },
	})
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 64, 48), img.Bounds())
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, steps)
}

func TestProcedural_DeterministicForSeed(t *testing.T) {
	eng := NewProcedural(testEngineConfig())
	req := Request{Prompt: "lighthouse at dusk", Steps: 5, Seed: 7, UseGuidance: true, GuidanceScale: 8}

	a, err := eng.Generate(context.Background(), req)
	require.NoError(t, err)
	b, err := eng.Generate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, a.(*image.RGBA).Pix, b.(*image.RGBA).Pix)

	req.Seed = 8
	c, err := eng.Generate(context.Background(), req)
	require.NoError(t, err)
	assert.NotEqual(t, a.(*image.RGBA).Pix, c.(*image.RGBA).Pix)
}

func TestProcedural_ImageToImageRunsFewerSteps(t *testing.T) {
	eng := NewProcedural(testEngineConfig())

	src := image.NewRGBA(image.Rect(0, 0, 10, 10))
	for i := range src.Pix {
		src.Pix[i] = 0x80
	}

	var total int
	img, err := eng.Generate(context.Background(), Request{
		Prompt:     "watercolor",
		InputImage: src,
		Strength:   0.5,
		Steps:      10,
		Progress:   func(_, n int) { total = n },
	})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Equal(t, image.Rect(0, 0, 64, 48), img.Bounds())
}

func TestProcedural_RejectsBadInput(t *testing.T) {
	eng := NewProcedural(testEngineConfig())

	_, err := eng.Generate(context.Background(), Request{Prompt: "   ", Steps: 1})
	require.ErrorIs(t, err, ErrEmptyPrompt)

	_, err = eng.Generate(context.Background(), Request{Prompt: "ok", Steps: 0})
	require.Error(t, err)
}

func TestProcedural_StopsOnCancel(t *testing.T) {
	cfg := testEngineConfig()
	cfg.StepDelayMs = 50
	eng := NewProcedural(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := eng.Generate(ctx, Request{Prompt: "slow", Steps: 100})
	require.ErrorIs(t, err, context.Canceled)
}

func TestResolver_ModelFallsBackToDefault(t *testing.T) {
	cfg := testEngineConfig()
	cfg.Models = map[string]string{"default": "/w/base.ckpt", "anime": "/w/anime.ckpt"}
	r := NewResolver(cfg)

	m, fellBack := r.Model("anime")
	assert.False(t, fellBack)
	assert.Equal(t, ModelBundle{Key: "anime", WeightsPath: "/w/anime.ckpt"}, m)

	m, fellBack = r.Model("")
	assert.False(t, fellBack)
	assert.Equal(t, "default", m.Key)

	m, fellBack = r.Model("does-not-exist")
	assert.True(t, fellBack)
	assert.Equal(t, ModelBundle{Key: "default", WeightsPath: "/w/base.ckpt"}, m)
}

func TestResolver_DeviceFallsBackToCPU(t *testing.T) {
	cfg := testEngineConfig()
	cfg.AvailableDevices = []string{"cpu", "cuda"}
	r := NewResolver(cfg)

	cases := []struct {
		hint     string
		want     string
		fellBack bool
	}{
		{"", "cpu", false},
		{"CUDA", "cuda", false},
		{"mps", "cpu", true},
		{"tpu", "cpu", true},
		{"cpu", "cpu", false},
	}
	for _, tc := range cases {
		got, fellBack := r.Device(tc.hint)
		assert.Equal(t, tc.want, got, "hint %q", tc.hint)
		assert.Equal(t, tc.fellBack, fellBack, "hint %q", tc.hint)
	}
}

func TestResolver_SeedPrecedence(t *testing.T) {
	cfg := testEngineConfig()
	r := NewResolver(cfg)

	pinned := int64(3)
	assert.Equal(t, int64(3), r.Seed(&pinned))

	configured := int64(42)
	cfg.Seed = &configured
	r = NewResolver(cfg)
	assert.Equal(t, int64(42), r.Seed(nil))
	assert.Equal(t, int64(3), r.Seed(&pinned))
}

func TestCodec_EncodeAndDecode(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})

	data, err := EncodeJPEG(img, 90)
	require.NoError(t, err)
	require.NotEmpty(t, data)
	assert.Equal(t, []byte{0xff, 0xd8}, data[:2])

	decoded, format, err := DecodeImage(data, 0)
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, img.Bounds(), decoded.Bounds())

	var pngBuf bytes.Buffer
	require.NoError(t, png.Encode(&pngBuf, img))
	_, format, err = DecodeImage(pngBuf.Bytes(), 0)
	require.NoError(t, err)
	assert.Equal(t, "png", format)

	_, _, err = DecodeImage([]byte("not an image"), 0)
	require.ErrorIs(t, err, ErrInvalidImage)

	_, err = EncodeJPEG(nil, 90)
	require.ErrorIs(t, err, ErrInvalidImage)
}

// pngWithSize encodes a 1x1 PNG and rewrites its IHDR to claim w x h, so
// the header can be checked without allocating the full pixel buffer.
func pngWithSize(t *testing.T, w, h uint32) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 1, 1))))
	data := buf.Bytes()

	// 8-byte signature, 4-byte length, "IHDR", then width and height.
	binary.BigEndian.PutUint32(data[16:20], w)
	binary.BigEndian.PutUint32(data[20:24], h)
	binary.BigEndian.PutUint32(data[29:33], crc32.ChecksumIEEE(data[12:29]))
	return data
}

func TestDecodeImage_RejectsOversizedInput(t *testing.T) {
	limit := config.Default().Engine.MaxInputPixels
	require.Equal(t, 4096*4096, limit)

	_, _, err := DecodeImage(pngWithSize(t, 8000, 8000), limit)
	require.ErrorIs(t, err, ErrInvalidImage)
	assert.Contains(t, err.Error(), "8000x8000")

	_, _, err = DecodeImage(pngWithSize(t, 4097, 4096), limit)
	require.ErrorIs(t, err, ErrInvalidImage)

	var small bytes.Buffer
	require.NoError(t, png.Encode(&small, image.NewGray(image.Rect(0, 0, 16, 16))))
	img, _, err := DecodeImage(small.Bytes(), limit)
	require.NoError(t, err)
	assert.Equal(t, 16, img.Bounds().Dx())
}

func TestCaptionText_TruncatesByRune(t *testing.T) {
	prompt := strings.Repeat("日本", 20)

	text := captionText(prompt, 5)
	assert.True(t, utf8.ValidString(text))
	assert.Equal(t, "日本日本日", text)

	assert.Equal(t, "short", captionText("  short  ", 10))
	assert.Equal(t, "", captionText("anything", 0))
}
