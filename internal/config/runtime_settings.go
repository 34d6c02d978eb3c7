package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const DefaultRuntimeSettingsFile = "/app/config/settings.json"

// RuntimeSettings are the settings that can change while the service runs.
type RuntimeSettings struct {
	ModelVersion             string `json:"model_version"`
	EstimatedDurationSeconds int    `json:"estimated_duration_seconds"`
	HistoryRetentionDays     int    `json:"history_retention_days"`
	RetentionCron            string `json:"retention_cron"`
}

func RuntimeSettingsFilePath() string {
	return getEnvString("SETTINGS_FILE", DefaultRuntimeSettingsFile)
}

func (s RuntimeSettings) Validate() error {
	if strings.TrimSpace(s.ModelVersion) == "" {
		return fmt.Errorf("model_version is required")
	}
	if s.EstimatedDurationSeconds < 1 {
		return fmt.Errorf("estimated_duration_seconds must be greater than 0")
	}
	if s.HistoryRetentionDays < 0 {
		return fmt.Errorf("history_retention_days must not be negative")
	}
	if strings.TrimSpace(s.RetentionCron) == "" {
		return fmt.Errorf("retention_cron is required")
	}
	if _, err := cron.ParseStandard(s.RetentionCron); err != nil {
		return fmt.Errorf("invalid retention_cron: %w", err)
	}
	return nil
}

// EstimatedDuration returns the estimate as a duration.
func (s RuntimeSettings) EstimatedDuration() time.Duration {
	return time.Duration(s.EstimatedDurationSeconds) * time.Second
}

func (c *Config) RuntimeSettings() RuntimeSettings {
	return RuntimeSettings{
		ModelVersion:             c.Replicate.ModelVersion,
		EstimatedDurationSeconds: int(c.Progress.EstimatedDuration / time.Second),
		HistoryRetentionDays:     c.History.RetentionDays,
		RetentionCron:            c.History.RetentionCron,
	}
}

func WithRuntimeSettings(settings RuntimeSettings) Option {
	return func(c *Config) {
		if strings.TrimSpace(settings.ModelVersion) != "" {
			c.Replicate.ModelVersion = settings.ModelVersion
		}
		if settings.EstimatedDurationSeconds > 0 {
			c.Progress.EstimatedDuration = settings.EstimatedDuration()
		}
		if settings.HistoryRetentionDays > 0 {
			c.History.RetentionDays = settings.HistoryRetentionDays
		}
		if strings.TrimSpace(settings.RetentionCron) != "" {
			c.History.RetentionCron = settings.RetentionCron
		}
	}
}

func LoadRuntimeSettingsFile(path string) (RuntimeSettings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RuntimeSettings{}, err
	}
	var settings RuntimeSettings
	if err := json.Unmarshal(data, &settings); err != nil {
		return RuntimeSettings{}, fmt.Errorf("invalid settings file: %w", err)
	}
	return settings, nil
}

func WriteRuntimeSettingsFile(path string, settings RuntimeSettings) error {
	if err := settings.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	content, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	content = append(content, '\n')

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, content, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// RuntimeSettingsApplier pushes accepted settings into running components.
type RuntimeSettingsApplier func(RuntimeSettings) error

type RuntimeSettingsStore struct {
	path  string
	apply RuntimeSettingsApplier

	mu      sync.RWMutex
	current RuntimeSettings
}

func NewRuntimeSettingsStore(path string, initial RuntimeSettings, apply RuntimeSettingsApplier) (*RuntimeSettingsStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("settings file path is required")
	}
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	return &RuntimeSettingsStore{
		path:    path,
		apply:   apply,
		current: initial,
	}, nil
}

func (s *RuntimeSettingsStore) GetRuntimeSettings() (RuntimeSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current, nil
}

// UpdateRuntimeSettings validates, applies and persists next. Nothing is
// written when the applier rejects the settings.
func (s *RuntimeSettingsStore) UpdateRuntimeSettings(next RuntimeSettings) (RuntimeSettings, error) {
	if err := next.Validate(); err != nil {
		return RuntimeSettings{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.apply != nil {
		if err := s.apply(next); err != nil {
			return RuntimeSettings{}, fmt.Errorf("apply settings: %w", err)
		}
	}
	if err := WriteRuntimeSettingsFile(s.path, next); err != nil {
		return RuntimeSettings{}, err
	}
	s.current = next
	return next, nil
}
