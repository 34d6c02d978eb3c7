package replicate

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Prediction is the API representation of a prediction.
type Prediction struct {
	ID          string            `json:"id"`
	Version     string            `json:"version"`
	Status      string            `json:"status"`
	Input       json.RawMessage   `json:"input,omitempty"`
	Output      Output            `json:"output"`
	Error       json.RawMessage   `json:"error,omitempty"`
	Logs        string            `json:"logs,omitempty"`
	Metrics     *Metrics          `json:"metrics,omitempty"`
	URLs        map[string]string `json:"urls,omitempty"`
	CreatedAt   *time.Time        `json:"created_at,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

type Metrics struct {
	PredictTime float64 `json:"predict_time,omitempty"`
}

// ErrorText flattens the API error field, which is a string, an object or null.
func (p *Prediction) ErrorText() string {
	raw := strings.TrimSpace(string(p.Error))
	if raw == "" || raw == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(p.Error, &s); err == nil {
		return s
	}
	var obj struct {
		Detail  string `json:"detail"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(p.Error, &obj); err == nil {
		if obj.Detail != "" {
			return obj.Detail
		}
		if obj.Message != "" {
			return obj.Message
		}
	}
	return raw
}

// Output is the list of output URLs. The API returns either a list or a
// single string depending on the model.
type Output []string

func (o *Output) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		*o = nil
		return nil
	}

	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*o = list
		return nil
	}
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		if single == "" {
			*o = nil
		} else {
			*o = Output{single}
		}
		return nil
	}
	return fmt.Errorf("unsupported output shape: %s", trimmed)
}

type createRequest struct {
	Version string `json:"version"`
	Input   Input  `json:"input"`
}

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int    `json:"status"`
	Title      string `json:"title,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

func (e *APIError) Error() string {
	msg := e.Detail
	if msg == "" {
		msg = e.Title
	}
	if msg == "" {
		msg = "no detail"
	}
	return fmt.Sprintf("replicate API error (status %d): %s", e.StatusCode, msg)
}
