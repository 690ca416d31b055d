package broadcast

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
)

// Config stores connectivity information for the remote broadcast backend.
type Config struct {
	BaseURL        string
	Token          string
	HealthEndpoint string
	HTTPClient     *http.Client
	RequestTimeout time.Duration
	ProbeTimeout   time.Duration
}

// LoadConfigFromEnv initialises a Config from environment variables.
func LoadConfigFromEnv() (Config, error) {
	cfg := Config{
		BaseURL:        strings.TrimSpace(os.Getenv("MENTORLIVE_BROADCAST_API")),
		Token:          strings.TrimSpace(os.Getenv("MENTORLIVE_BROADCAST_TOKEN")),
		HealthEndpoint: strings.TrimSpace(os.Getenv("MENTORLIVE_BROADCAST_HEALTH")),
		RequestTimeout: 10 * time.Second,
		ProbeTimeout:   3 * time.Second,
	}

	if timeout := strings.TrimSpace(os.Getenv("MENTORLIVE_BROADCAST_TIMEOUT")); timeout != "" {
		parsed, err := time.ParseDuration(timeout)
		if err != nil {
			return Config{}, fmt.Errorf("parse MENTORLIVE_BROADCAST_TIMEOUT: %w", err)
		}
		if parsed > 0 {
			cfg.RequestTimeout = parsed
		}
	}

	if timeout := strings.TrimSpace(os.Getenv("MENTORLIVE_BROADCAST_PROBE_TIMEOUT")); timeout != "" {
		parsed, err := time.ParseDuration(timeout)
		if err != nil {
			return Config{}, fmt.Errorf("parse MENTORLIVE_BROADCAST_PROBE_TIMEOUT: %w", err)
		}
		if parsed > 0 {
			cfg.ProbeTimeout = parsed
		}
	}

	if cfg.HealthEndpoint == "" {
		cfg.HealthEndpoint = "/healthz"
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Enabled reports whether enough configuration has been provided to talk to
// the remote backend.
func (c Config) Enabled() bool {
	return c.BaseURL != "" && c.Token != ""
}

// Validate ensures the configuration is usable.
func (c Config) Validate() error {
	if c.BaseURL == "" && c.Token == "" {
		return nil
	}
	if c.BaseURL == "" {
		return errors.New("missing broadcast configuration: MENTORLIVE_BROADCAST_API")
	}
	if c.Token == "" {
		return errors.New("missing broadcast configuration: MENTORLIVE_BROADCAST_TOKEN")
	}
	if c.RequestTimeout < 0 {
		return errors.New("request timeout cannot be negative")
	}
	if c.ProbeTimeout < 0 {
		return errors.New("probe timeout cannot be negative")
	}
	return nil
}

// NewHTTPGateway constructs a Gateway backed by the backend's REST API.
func (c Config) NewHTTPGateway() (*HTTPGateway, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if !c.Enabled() {
		return nil, errors.New("broadcast gateway is not configured")
	}
	gateway := &HTTPGateway{config: c}
	if gateway.config.HTTPClient == nil {
		gateway.config.HTTPClient = &http.Client{Timeout: c.RequestTimeout}
	}
	return gateway, nil
}
