package retry

import (
	"time"
)

// Config holds retry configuration
type Config struct {
	Enabled      bool          `yaml:"enabled" envconfig:"RETRY_ENABLED"`            // Enable/disable retry mechanism
	MaxRetries   int           `yaml:"maxRetries" envconfig:"RETRY_MAX_RETRIES"`     // Maximum number of retry attempts
	InitialDelay time.Duration `yaml:"initialDelay" envconfig:"RETRY_INITIAL_DELAY"` // Initial delay before first retry
	MaxDelay     time.Duration `yaml:"maxDelay" envconfig:"RETRY_MAX_DELAY"`         // Maximum delay between retries
}

// DefaultConfig returns the retry settings used when nothing is configured
func DefaultConfig() Config {
	return Config{
		Enabled:      false,
		MaxRetries:   3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     10 * time.Second,
	}
}
