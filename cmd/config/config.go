package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// Config holds the environment-sourced defaults for the runner. CLI flags
// take precedence over these.
type Config struct {
	// Server configuration
	Host string `envconfig:"HOST" default:"localhost"`
	Port int    `envconfig:"PORT" default:"3000"`

	// Build download configuration
	CacheDir  string `envconfig:"CACHE_DIR" default:""`
	UpdateURL string `envconfig:"UPDATE_URL" default:"https://update.editkit.dev"`
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	var config Config
	if err := envconfig.Process("WEBTEST", &config); err != nil {
		return nil, err
	}
	if err := validate(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func validate(config *Config) error {
	if config.Host == "" {
		return fmt.Errorf("WEBTEST_HOST is required")
	}
	if config.Port < 0 || config.Port > 65535 {
		return fmt.Errorf("WEBTEST_PORT must be a valid port number")
	}
	if config.UpdateURL == "" {
		return fmt.Errorf("WEBTEST_UPDATE_URL is required")
	}

	return nil
}
