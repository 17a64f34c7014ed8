package http

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"

	"diffusion/internal/config"
	"diffusion/internal/jobs"
	"diffusion/internal/services"
)

const pendingStatus = "image generation in progress"

// sseLineBreaks flattens every SSE line terminator so a failure cause
// cannot end the data field early.
var sseLineBreaks = strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ")

func serviceFrom(c *fiber.Ctx) *services.GenerationService {
	return c.Locals("service").(*services.GenerationService)
}

func loggerFrom(c *fiber.Ctx) *slog.Logger {
	if lg, ok := c.Locals("logger").(*slog.Logger); ok && lg != nil {
		return lg
	}
	return slog.Default()
}

// startGenerationHandler accepts a generation request and returns the new
// job id without waiting for the image.
func startGenerationHandler(c *fiber.Ctx) error {
	svc := serviceFrom(c)

	req, err := parseGenerateRequest(c)
	if err != nil {
		return submitError(c, err)
	}

	job, err := svc.Submit(c.UserContext(), req)
	if err != nil {
		return submitError(c, err)
	}
	c.Locals("job_id", job.ID)

	return c.Status(fiber.StatusAccepted).JSON(SubmitResponse{
		Success:     true,
		ID:          job.ID,
		ImageID:     job.ID,
		Status:      string(job.Status),
		ProgressURL: "/generate-progress/" + job.ID,
		ImageURL:    "/get-image/" + job.ID,
	})
}

// generateSyncHandler submits a job and holds the request open until the
// image is ready or worker.syncJobWaitTimeoutMs elapses.
func generateSyncHandler(c *fiber.Ctx) error {
	svc := serviceFrom(c)
	cfg := c.Locals("config").(*config.Config)
	logger := loggerFrom(c)

	req, err := parseGenerateRequest(c)
	if err != nil {
		return submitError(c, err)
	}

	job, err := svc.Submit(c.UserContext(), req)
	if err != nil {
		return submitError(c, err)
	}
	c.Locals("job_id", job.ID)

	// Use a separate timeout for how long the API waits for the job.
	waitCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Worker.SyncJobWaitTimeoutMs)*time.Millisecond)
	defer cancel()

	done, err := svc.Wait(waitCtx, job.ID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			// Distinguish between timeout-before-start and timeout-during-run.
			msg := "generation job did not complete before timeout"
			if done.Status == jobs.StatusPending {
				msg = "generation job did not start before timeout"
			}
			logger.Warn("generation_sync_timeout", "job_id", job.ID, "status", string(done.Status), "progress", done.Progress)
			return c.Status(fiber.StatusGatewayTimeout).JSON(ErrorResponse{
				Success: false,
				Code:    "TIMEOUT",
				Error:   msg,
				Details: fiber.Map{"id": job.ID, "progressUrl": "/generate-progress/" + job.ID},
			})
		}
		return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
			Success: false,
			Code:    "NOT_FOUND",
			Error:   err.Error(),
		})
	}

	if done.Status == jobs.StatusFailed {
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Success: false,
			Code:    "GENERATION_FAILED",
			Error:   done.Error,
			Details: fiber.Map{"id": job.ID},
		})
	}

	data, err := svc.Image(job.ID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Success: false,
			Code:    "INTERNAL_ERROR",
			Error:   err.Error(),
		})
	}

	c.Set("X-Job-Id", job.ID)
	c.Set(fiber.HeaderContentType, "image/jpeg")
	return c.Send(data)
}

// generationProgressHandler streams progress as Server-Sent Events:
// "data: <percent>" per observed value, then "data: image" on completion
// or an "error" event carrying the failure cause.
func generationProgressHandler(c *fiber.Ctx) error {
	svc := serviceFrom(c)
	id := c.Params("id")

	// The stream outlives the handler, so it cannot be bound to the
	// request context; cancel fires once the writer returns.
	ctx, cancel := context.WithCancel(context.Background())
	events, err := svc.Watch(ctx, id)
	if err != nil {
		cancel()
		if errors.Is(err, services.ErrJobNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
				Success: false,
				Code:    "NOT_FOUND",
				Error:   "job not found",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Success: false,
			Code:    "INTERNAL_ERROR",
			Error:   err.Error(),
		})
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer cancel()
		for ev := range events {
			if err := writeProgressEvent(w, ev); err != nil {
				return
			}
			// A flush error means the client went away.
			if err := w.Flush(); err != nil {
				return
			}
		}
	}))

	return nil
}

func writeProgressEvent(w io.Writer, ev services.ProgressEvent) error {
	var err error
	switch {
	case ev.Status == jobs.StatusCompleted:
		_, err = io.WriteString(w, "data: image\n\n")
	case ev.Status == jobs.StatusFailed:
		cause := sseLineBreaks.Replace(ev.Error)
		if cause == "" {
			cause = "generation failed"
		}
		_, err = fmt.Fprintf(w, "event: error\ndata: %s\n\n", cause)
	default:
		_, err = fmt.Fprintf(w, "data: %s\n\n", strconv.FormatFloat(ev.Progress, 'f', -1, 64))
	}
	return err
}

// getImageHandler returns the JPEG for a completed job. It never waits.
func getImageHandler(c *fiber.Ctx) error {
	svc := serviceFrom(c)
	id := c.Params("id")

	data, err := svc.Image(id)
	switch {
	case err == nil:
		c.Set(fiber.HeaderContentType, "image/jpeg")
		return c.Send(data)
	case errors.Is(err, services.ErrNotReady):
		return c.Status(fiber.StatusAccepted).JSON(PendingResponse{Status: pendingStatus})
	case errors.Is(err, services.ErrJobNotFound):
		return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
			Success: false,
			Code:    "NOT_FOUND",
			Error:   "image not found",
		})
	case errors.Is(err, services.ErrGenerationFailed):
		return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
			Success: false,
			Code:    "GENERATION_FAILED",
			Error:   err.Error(),
		})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Success: false,
			Code:    "INTERNAL_ERROR",
			Error:   err.Error(),
		})
	}
}

func submitError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, services.ErrInvalidRequest):
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Success: false,
			Code:    "BAD_REQUEST",
			Error:   strings.TrimPrefix(err.Error(), services.ErrInvalidRequest.Error()+": "),
		})
	case errors.Is(err, services.ErrQueueFull):
		return c.Status(fiber.StatusServiceUnavailable).JSON(ErrorResponse{
			Success: false,
			Code:    "QUEUE_FULL",
			Error:   "Too many generation jobs in progress, try again later",
		})
	default:
		loggerFrom(c).Error("generation_submit_failed", "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Success: false,
			Code:    "INTERNAL_ERROR",
			Error:   err.Error(),
		})
	}
}

// parseGenerateRequest accepts either a JSON body or a multipart form
// whose "image" file part holds the img2img source.
func parseGenerateRequest(c *fiber.Ctx) (*services.GenerateRequest, error) {
	if strings.HasPrefix(string(c.Request().Header.ContentType()), fiber.MIMEMultipartForm) {
		return parseMultipartRequest(c)
	}

	var body GenerateBody
	if err := c.BodyParser(&body); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON body", services.ErrInvalidRequest)
	}

	req := &services.GenerateRequest{
		Prompt:         body.Prompt,
		NegativePrompt: body.NegativePrompt,
		Mode:           body.Mode,
		Model:          body.Model,
		Strength:       body.Strength,
		Device:         body.Device,
		Seed:           body.Seed,
		Steps:          body.Steps,
		GuidanceScale:  body.GuidanceScale,
		Sampler:        body.Sampler,
	}
	if body.Image != "" {
		data, err := decodeBase64Image(body.Image)
		if err != nil {
			return nil, err
		}
		req.Image = data
	}
	return req, nil
}

func parseMultipartRequest(c *fiber.Ctx) (*services.GenerateRequest, error) {
	req := &services.GenerateRequest{
		Prompt:         c.FormValue("prompt"),
		NegativePrompt: c.FormValue("negativePrompt"),
		Mode:           c.FormValue("mode"),
		Model:          c.FormValue("model"),
		Device:         c.FormValue("device"),
		Sampler:        c.FormValue("sampler"),
	}

	if v := c.FormValue("strength"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid strength value", services.ErrInvalidRequest)
		}
		req.Strength = &f
	}
	if v := c.FormValue("seed"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid seed value", services.ErrInvalidRequest)
		}
		req.Seed = &n
	}
	if v := c.FormValue("steps"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid steps value", services.ErrInvalidRequest)
		}
		req.Steps = n
	}
	if v := c.FormValue("guidanceScale"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid guidanceScale value", services.ErrInvalidRequest)
		}
		req.GuidanceScale = f
	}

	fh, err := c.FormFile("image")
	if err == nil {
		f, err := fh.Open()
		if err != nil {
			return nil, fmt.Errorf("%w: unreadable image part", services.ErrInvalidRequest)
		}
		defer f.Close()
		data, err := io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("%w: unreadable image part", services.ErrInvalidRequest)
		}
		req.Image = data
	}

	return req, nil
}

func decodeBase64Image(s string) ([]byte, error) {
	if strings.HasPrefix(s, "data:") {
		if i := strings.Index(s, ","); i >= 0 {
			s = s[i+1:]
		}
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: image is not valid base64", services.ErrInvalidRequest)
	}
	return data, nil
}
