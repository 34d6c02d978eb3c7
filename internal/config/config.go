package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/MimeLyc/imagen-studio/internal/replicate"
	"github.com/MimeLyc/imagen-studio/pkg/log"
)

// Config holds all application configuration
// Supports environment variables with sensible defaults
//
// Environment Variables:
// Replicate Configuration:
// - REPLICATE_API_TOKEN: API token (required)
// - REPLICATE_API_URL: API endpoint URL (default: https://api.replicate.com/v1)
// - REPLICATE_MODEL_VERSION: PhotoMaker model version
// - REPLICATE_TIMEOUT: per-request timeout in seconds (default: 30)
// - POLL_INTERVAL_MS: status poll interval (default: 1000)
//
// Progress Configuration:
// - ESTIMATED_DURATION_SECONDS: assumed job duration for the time estimator (default: 30)
// - PROGRESS_TICK_MS: time estimator tick (default: 500)
// - JOB_DEADLINE_SECONDS: overall job deadline, 0 disables (default: 0)
// - CANCEL_TIMEOUT_SECONDS: timeout of a best-effort remote cancel (default: 10)
//
// Image Configuration:
// - IMAGE_FETCH_TIMEOUT: per-image fetch timeout in seconds (default: 30)
// - IMAGE_MAX_BYTES: largest accepted output image (default: 20 MiB)
// - IMAGE_LOAD_CONCURRENCY: parallel image fetches per job (default: 4)
//
// History Configuration:
// - HISTORY_RETENTION_DAYS: days of job history to keep, 0 keeps everything (default: 30)
// - RETENTION_CRON: schedule of the retention sweep (default: 0 3 * * *)
//
// System Configuration:
// - HTTP_ADDR: listen address (default: :8080)
// - DATA_DIR: directory of the history database (default: /app/data)
// - LOG_LEVEL: debug, info, warn, error (default: info)
// - LOG_FILE: write logs to this file instead of stdout (default: unset)
// - SETTINGS_FILE: runtime settings file (default: /app/config/settings.json)
type Config struct {
	Replicate ReplicateConfig `json:"replicate"`
	Progress  ProgressConfig  `json:"progress"`
	Images    ImageConfig     `json:"images"`
	History   HistoryConfig   `json:"history"`
	HTTP      HTTPConfig      `json:"http"`
	System    SystemConfig    `json:"system"`
}

type ReplicateConfig struct {
	APIToken     string        `json:"-"`
	APIURL       string        `json:"api_url"`
	ModelVersion string        `json:"model_version"`
	Timeout      int           `json:"timeout"`
	PollInterval time.Duration `json:"poll_interval"`
}

type ProgressConfig struct {
	EstimatedDuration time.Duration `json:"estimated_duration"`
	TickInterval      time.Duration `json:"tick_interval"`
	Deadline          time.Duration `json:"deadline"`
	CancelTimeout     time.Duration `json:"cancel_timeout"`
}

type ImageConfig struct {
	FetchTimeout    time.Duration `json:"fetch_timeout"`
	MaxBytes        int64         `json:"max_bytes"`
	LoadConcurrency int           `json:"load_concurrency"`
}

type HistoryConfig struct {
	RetentionDays int    `json:"retention_days"`
	RetentionCron string `json:"retention_cron"`
}

type HTTPConfig struct {
	Addr string `json:"addr"`
}

// SystemConfig holds the system configuration
type SystemConfig struct {
	DataDir      string `json:"data_dir"`
	LogLevel     string `json:"log_level"`
	LogFile      string `json:"log_file,omitempty"`
	SettingsFile string `json:"settings_file"`
}

// Option is a function type for configuring Config
type Option func(*Config)

// NewFromEnv creates a new Config instance with values from environment variables and options
func NewFromEnv(opts ...Option) (*Config, error) {
	config := &Config{
		Replicate: ReplicateConfig{
			APIToken:     getEnvString("REPLICATE_API_TOKEN", ""),
			APIURL:       getEnvString("REPLICATE_API_URL", replicate.DefaultAPIURL),
			ModelVersion: getEnvString("REPLICATE_MODEL_VERSION", replicate.PhotoMakerVersion),
			Timeout:      getEnvInt("REPLICATE_TIMEOUT", replicate.DefaultTimeout),
			PollInterval: getEnvMillis("POLL_INTERVAL_MS", replicate.DefaultPollInterval),
		},
		Progress: ProgressConfig{
			EstimatedDuration: getEnvSeconds("ESTIMATED_DURATION_SECONDS", 30*time.Second),
			TickInterval:      getEnvMillis("PROGRESS_TICK_MS", 500*time.Millisecond),
			Deadline:          getEnvSeconds("JOB_DEADLINE_SECONDS", 0),
			CancelTimeout:     getEnvSeconds("CANCEL_TIMEOUT_SECONDS", 10*time.Second),
		},
		Images: ImageConfig{
			FetchTimeout:    getEnvSeconds("IMAGE_FETCH_TIMEOUT", 30*time.Second),
			MaxBytes:        int64(getEnvInt("IMAGE_MAX_BYTES", 20<<20)),
			LoadConcurrency: getEnvInt("IMAGE_LOAD_CONCURRENCY", 4),
		},
		History: HistoryConfig{
			RetentionDays: getEnvInt("HISTORY_RETENTION_DAYS", 30),
			RetentionCron: getEnvString("RETENTION_CRON", "0 3 * * *"),
		},
		HTTP: HTTPConfig{
			Addr: getEnvString("HTTP_ADDR", ":8080"),
		},
		System: SystemConfig{
			DataDir:      getEnvString("DATA_DIR", "/app/data"),
			LogLevel:     getEnvString("LOG_LEVEL", "info"),
			LogFile:      getEnvString("LOG_FILE", ""),
			SettingsFile: RuntimeSettingsFilePath(),
		},
	}

	// Apply custom options
	for _, opt := range opts {
		opt(config)
	}

	// Validate required configuration
	if err := config.validate(); err != nil {
		return nil, err
	}

	log.Info("Config: api=%s model=%s estimate=%s tick=%s deadline=%s data=%s",
		config.Replicate.APIURL, config.Replicate.ModelVersion, config.Progress.EstimatedDuration,
		config.Progress.TickInterval, config.Progress.Deadline, config.System.DataDir)
	return config, nil
}

// validate checks if all required configuration is properly set
func (c *Config) validate() error {
	if c.Replicate.APIToken == "" {
		return fmt.Errorf("REPLICATE_API_TOKEN is required")
	}
	if c.Progress.EstimatedDuration <= 0 {
		return fmt.Errorf("ESTIMATED_DURATION_SECONDS must be greater than 0")
	}
	if c.Progress.TickInterval <= 0 {
		return fmt.Errorf("PROGRESS_TICK_MS must be greater than 0")
	}
	if c.Progress.Deadline < 0 {
		return fmt.Errorf("JOB_DEADLINE_SECONDS must not be negative")
	}
	if c.Images.LoadConcurrency < 1 {
		return fmt.Errorf("IMAGE_LOAD_CONCURRENCY must be greater than 0")
	}
	if c.History.RetentionDays < 0 {
		return fmt.Errorf("HISTORY_RETENTION_DAYS must not be negative")
	}
	if _, err := cron.ParseStandard(c.History.RetentionCron); err != nil {
		return fmt.Errorf("invalid RETENTION_CRON: %w", err)
	}
	return nil
}

// DBPath returns the history database location.
func (c *Config) DBPath() string {
	return filepath.Join(c.System.DataDir, "studio.db")
}

// ReplicateClientConfig returns the replicate client configuration.
func (c *Config) ReplicateClientConfig() *replicate.Config {
	return &replicate.Config{
		APIToken:     c.Replicate.APIToken,
		APIURL:       c.Replicate.APIURL,
		ModelVersion: c.Replicate.ModelVersion,
		Timeout:      c.Replicate.Timeout,
		PollInterval: c.Replicate.PollInterval,
	}
}

// LoadDotEnv loads variables from the given .env files. Missing files are
// skipped; variables already set in the environment win.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	existing := make([]string, 0, len(files))
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
		existing = append(existing, f)
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

// getEnvString gets a string value from environment variables with default
func getEnvString(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer value from environment variables with default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat gets a float value from environment variables with default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// getEnvSeconds reads a possibly fractional number of seconds.
func getEnvSeconds(key string, defaultValue time.Duration) time.Duration {
	secs := getEnvFloat(key, -1)
	if secs < 0 {
		return defaultValue
	}
	return time.Duration(secs * float64(time.Second))
}

func getEnvMillis(key string, defaultValue time.Duration) time.Duration {
	ms := getEnvInt(key, -1)
	if ms < 0 {
		return defaultValue
	}
	return time.Duration(ms) * time.Millisecond
}
