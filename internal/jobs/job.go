package jobs

import "time"

// Mode selects the generation pipeline variant.
type Mode string

const (
	ModeTextToImage  Mode = "txt2img"
	ModeImageToImage Mode = "img2img"
)

// Params are the resolved generation parameters a job was submitted with.
type Params struct {
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negativePrompt,omitempty"`
	Mode           Mode    `json:"mode"`
	Model          string  `json:"model"`
	Strength       float64 `json:"strength"`
	Device         string  `json:"device"`
	Sampler        string  `json:"sampler"`
	Steps          int     `json:"steps"`
	Seed           int64   `json:"seed"`
	UseGuidance    bool    `json:"useGuidance"`
	GuidanceScale  float64 `json:"guidanceScale"`
}

// Job is a snapshot of one generation request. Values handed out by the
// Registry are copies; Result is shared but never written after SetResult.
type Job struct {
	ID          string     `json:"id"`
	Status      Status     `json:"status"`
	Progress    float64    `json:"progress"`
	Result      []byte     `json:"-"`
	Error       string     `json:"error,omitempty"`
	Params      Params     `json:"params"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// HasResult reports whether the job's artifact can be fetched. Completed
// jobs always hold a non-empty artifact, so this also holds for List
// snapshots, which drop the bytes.
func (j Job) HasResult() bool {
	return j.Status == StatusCompleted
}
