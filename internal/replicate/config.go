package replicate

import (
	"fmt"
	"time"
)

const (
	DefaultAPIURL       = "https://api.replicate.com/v1"
	DefaultPollInterval = time.Second
	DefaultTimeout      = 30

	// PhotoMakerVersion is the PhotoMaker model version the studio targets by default.
	PhotoMakerVersion = "ddfc2b08d209f9fa8c1eca692712918bd449f695dabb4a958da31802a9570fe4"
)

// Config holds the configuration for the Replicate client.
//
// Environment Variables (read by internal/config):
// - REPLICATE_API_TOKEN: API token (required)
// - REPLICATE_API_URL: API endpoint URL (default: https://api.replicate.com/v1)
// - REPLICATE_MODEL_VERSION: model version to run (default: PhotoMaker)
// - REPLICATE_TIMEOUT: per-request timeout in seconds (default: 30)
// - POLL_INTERVAL_MS: interval between status polls (default: 1000)
type Config struct {
	APIToken     string        `json:"-"`
	APIURL       string        `json:"api_url"`
	ModelVersion string        `json:"model_version"`
	Timeout      int           `json:"timeout"`
	PollInterval time.Duration `json:"poll_interval"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.APIToken == "" {
		return fmt.Errorf("API token is required")
	}
	if c.APIURL == "" {
		return fmt.Errorf("API URL is required")
	}
	if c.ModelVersion == "" {
		return fmt.Errorf("model version is required")
	}
	if c.Timeout < 1 {
		return fmt.Errorf("timeout must be greater than 0")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be greater than 0")
	}
	return nil
}

// GetHeaders returns the headers for a Replicate API request
func (c *Config) GetHeaders() map[string]string {
	return map[string]string{
		"Authorization": "Bearer " + c.APIToken,
		"Content-Type":  "application/json",
		"Accept":        "application/json",
	}
}
