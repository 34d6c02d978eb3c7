package persistence

import (
	"time"

	"golang.org/x/text/language"
)

// Outcome is how a finished prediction job ended.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeCanceled  Outcome = "canceled"
)

// HistoryRecord is one finished prediction job.
type HistoryRecord struct {
	ID             string       `json:"id"`
	Handle         string       `json:"handle,omitempty"`
	Prompt         string       `json:"prompt"`
	PromptLanguage language.Tag `json:"prompt_language"`
	StyleName      string       `json:"style_name,omitempty"`
	InputImage     string       `json:"input_image,omitempty"`
	Outcome        Outcome      `json:"outcome"`
	Error          string       `json:"error,omitempty"`
	ImageCount     int          `json:"image_count"`
	Outputs        []string     `json:"outputs,omitempty"`
	Failures       []string     `json:"failures,omitempty"`
	StartedAt      time.Time    `json:"started_at"`
	FinishedAt     time.Time    `json:"finished_at"`
}

// HistoryFilter narrows ListHistory. Zero values match everything.
type HistoryFilter struct {
	Outcome Outcome
	Limit   int
}

// OutcomeCounts maps outcomes to the number of recorded jobs.
type OutcomeCounts map[Outcome]int
