package http

import (
	"time"

	"diffusion/internal/jobs"
	"diffusion/internal/store"
)

// ErrorResponse is the error envelope returned by every JSON endpoint.
type ErrorResponse struct {
	Success bool        `json:"success"`
	Code    string      `json:"code,omitempty"`
	Error   string      `json:"error"`
	Details interface{} `json:"details,omitempty"`
}

// GenerateBody is the JSON submission shape. Image carries the source
// image for img2img as base64, optionally as a data URL.
type GenerateBody struct {
	Prompt         string   `json:"prompt"`
	NegativePrompt string   `json:"negativePrompt,omitempty"`
	Mode           string   `json:"mode,omitempty"`
	Model          string   `json:"model,omitempty"`
	Strength       *float64 `json:"strength,omitempty"`
	Device         string   `json:"device,omitempty"`
	Seed           *int64   `json:"seed,omitempty"`
	Steps          int      `json:"steps,omitempty"`
	GuidanceScale  float64  `json:"guidanceScale,omitempty"`
	Sampler        string   `json:"sampler,omitempty"`
	Image          string   `json:"image,omitempty"`
}

// SubmitResponse is returned with 202 Accepted. ImageID duplicates ID for
// clients written against the original /start-generation contract.
type SubmitResponse struct {
	Success     bool   `json:"success"`
	ID          string `json:"id"`
	ImageID     string `json:"image_id"`
	Status      string `json:"status"`
	ProgressURL string `json:"progressUrl"`
	ImageURL    string `json:"imageUrl"`
}

// PendingResponse is returned by /get-image while the job is unfinished.
type PendingResponse struct {
	Status string `json:"status"`
}

type JobParams struct {
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negativePrompt,omitempty"`
	Mode           string  `json:"mode"`
	Model          string  `json:"model"`
	Strength       float64 `json:"strength"`
	Device         string  `json:"device"`
	Sampler        string  `json:"sampler"`
	Steps          int     `json:"steps"`
	Seed           int64   `json:"seed"`
	UseGuidance    bool    `json:"useGuidance"`
	GuidanceScale  float64 `json:"guidanceScale"`
}

type JobItem struct {
	ID          string     `json:"id"`
	Status      string     `json:"status"`
	Progress    float64    `json:"progress"`
	Error       string     `json:"error,omitempty"`
	HasImage    bool       `json:"hasImage"`
	Params      JobParams  `json:"params"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

type ListJobsResponse struct {
	Success bool           `json:"success"`
	Code    string         `json:"code,omitempty"`
	Error   string         `json:"error,omitempty"`
	Jobs    []JobItem      `json:"jobs"`
	Counts  map[string]int `json:"counts,omitempty"`
}

type JobDetailResponse struct {
	Success bool     `json:"success"`
	Code    string   `json:"code,omitempty"`
	Error   string   `json:"error,omitempty"`
	Job     *JobItem `json:"job,omitempty"`
}

type JobEventsResponse struct {
	Success bool             `json:"success"`
	Events  []store.JobEvent `json:"events"`
}

func toJobItem(j jobs.Job) JobItem {
	return JobItem{
		ID:       j.ID,
		Status:   string(j.Status),
		Progress: j.Progress,
		Error:    j.Error,
		HasImage: j.HasResult(),
		Params: JobParams{
			Prompt:         j.Params.Prompt,
			NegativePrompt: j.Params.NegativePrompt,
			Mode:           string(j.Params.Mode),
			Model:          j.Params.Model,
			Strength:       j.Params.Strength,
			Device:         j.Params.Device,
			Sampler:        j.Params.Sampler,
			Steps:          j.Params.Steps,
			Seed:           j.Params.Seed,
			UseGuidance:    j.Params.UseGuidance,
			GuidanceScale:  j.Params.GuidanceScale,
		},
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
	}
}
