package prediction

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Status is the server-reported state of a remote prediction.
type Status string

const (
	StatusStarting   Status = "starting"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
)

// Terminal reports whether no further status updates are expected.
// Unrecognized values are never terminal.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// State is the controller-side lifecycle of a job.
type State string

const (
	StateIdle     State = "idle"
	StateActive   State = "active"
	StateTerminal State = "terminal"
)

// Handle identifies a remote prediction.
type Handle string

// Request holds the generation parameters for one job. Zero values for the
// optional fields mean "use the remote default".
type Request struct {
	Prompt               string   `json:"prompt"`
	NegativePrompt       string   `json:"negative_prompt,omitempty"`
	InputImage           string   `json:"input_image"`
	ExtraImages          []string `json:"extra_images,omitempty"`
	StyleName            string   `json:"style_name,omitempty"`
	NumSteps             int      `json:"num_steps,omitempty"`
	NumOutputs           int      `json:"num_outputs,omitempty"`
	StyleStrengthRatio   float64  `json:"style_strength_ratio,omitempty"`
	GuidanceScale        float64  `json:"guidance_scale,omitempty"`
	Seed                 *int     `json:"seed,omitempty"`
	DisableSafetyChecker bool     `json:"disable_safety_checker,omitempty"`
}

const maxExtraImages = 3

// Normalized returns a copy with trimmed, NFC-normalized text fields.
func (r Request) Normalized() Request {
	out := r
	out.Prompt = norm.NFC.String(strings.TrimSpace(r.Prompt))
	out.NegativePrompt = norm.NFC.String(strings.TrimSpace(r.NegativePrompt))
	out.InputImage = strings.TrimSpace(r.InputImage)
	out.StyleName = strings.TrimSpace(r.StyleName)
	if len(r.ExtraImages) > 0 {
		out.ExtraImages = make([]string, 0, len(r.ExtraImages))
		for _, img := range r.ExtraImages {
			if img = strings.TrimSpace(img); img != "" {
				out.ExtraImages = append(out.ExtraImages, img)
			}
		}
	}
	return out
}

func (r Request) Validate() error {
	if strings.TrimSpace(r.Prompt) == "" {
		return fmt.Errorf("prompt is required")
	}
	if strings.TrimSpace(r.InputImage) == "" {
		return fmt.Errorf("input_image is required")
	}
	if len(r.ExtraImages) > maxExtraImages {
		return fmt.Errorf("at most %d extra images are supported", maxExtraImages)
	}
	if r.NumSteps < 0 || r.NumSteps > 100 {
		return fmt.Errorf("num_steps must be between 1 and 100")
	}
	if r.NumOutputs < 0 || r.NumOutputs > 4 {
		return fmt.Errorf("num_outputs must be between 1 and 4")
	}
	if r.StyleStrengthRatio != 0 && (r.StyleStrengthRatio < 15 || r.StyleStrengthRatio > 50) {
		return fmt.Errorf("style_strength_ratio must be between 15 and 50")
	}
	if r.GuidanceScale != 0 && (r.GuidanceScale < 1 || r.GuidanceScale > 10) {
		return fmt.Errorf("guidance_scale must be between 1 and 10")
	}
	return nil
}

// StatusUpdate is one observation of the remote prediction.
type StatusUpdate struct {
	Status Status
	Output []string
	Error  string
}

// Predictor is the remote prediction service.
type Predictor interface {
	// Create submits the job and returns its handle.
	Create(ctx context.Context, req Request) (Handle, error)
	// Wait polls or streams the prediction until it reaches a terminal
	// status, calling onUpdate for every observation in receipt order.
	Wait(ctx context.Context, h Handle, onUpdate func(StatusUpdate)) (StatusUpdate, error)
	// Cancel asks the service to stop the prediction.
	Cancel(ctx context.Context, h Handle) error
}

// Image is a loaded output image.
type Image struct {
	Ref         string `json:"ref"`
	Data        []byte `json:"-"`
	ContentType string `json:"content_type"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
}

// ImageLoader resolves an output reference into image data.
type ImageLoader interface {
	Load(ctx context.Context, ref string) (Image, error)
}

// Result is the outcome of a succeeded job.
type Result struct {
	JobID    string   `json:"job_id"`
	Handle   Handle   `json:"handle"`
	Images   []Image  `json:"images"`
	Failures []string `json:"failures,omitempty"`
}

// Update is one published (status, progress) pair.
type Update struct {
	JobID    string    `json:"job_id"`
	State    State     `json:"state"`
	Status   Status    `json:"status,omitempty"`
	Progress float64   `json:"progress"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

// Snapshot is the controller's current view.
type Snapshot struct {
	JobID     string    `json:"job_id,omitempty"`
	State     State     `json:"state"`
	Status    Status    `json:"status,omitempty"`
	Progress  float64   `json:"progress"`
	Handle    Handle    `json:"handle,omitempty"`
	Error     string    `json:"error,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
}
