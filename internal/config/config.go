package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the application configuration, read from the environment.
type Config struct {
	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	Port        string `env:"PORT" envDefault:"8080"`

	// Mediator connection
	MediatorHost       string        `env:"MEDIATOR_HOST" envDefault:"localhost"`
	MediatorPort       string        `env:"MEDIATOR_PORT" envDefault:"8766"`
	MediatorRetryDelay time.Duration `env:"MEDIATOR_RETRY_DELAY" envDefault:"2s"`
	MediatorTimeout    time.Duration `env:"MEDIATOR_TIMEOUT" envDefault:"10s"`
	MediatorQueueSize  int           `env:"MEDIATOR_QUEUE_SIZE" envDefault:"256"`

	// Relay transport. With MQ disabled the relay runs in-process.
	MQEnabled     bool   `env:"MQ_ENABLED" envDefault:"true"`
	MQURL         string `env:"MQ_URL" envDefault:"amqp://localhost"`
	MQQueue       string `env:"MQ_QUEUE" envDefault:"controls"`
	RelayCapacity int    `env:"RELAY_CAPACITY" envDefault:"1024"`

	// Shared secret for control messages (optional)
	ControlToken string `env:"CONTROL_TOKEN"`

	// Timers
	TickInterval time.Duration `env:"TICK_INTERVAL" envDefault:"50ms"`
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"1s"`

	// Collaborators
	FramesDir         string `env:"FRAMES_DIR" envDefault:"./frames"`
	StreamPlaylist    string `env:"STREAM_PLAYLIST"`
	AudioDir          string `env:"AUDIO_DIR" envDefault:"./audio"`
	MIDIMapFile       string `env:"MIDI_MAP_FILE"`
	ForgeAPIURL       string `env:"FORGE_API_URL" envDefault:"http://localhost:7860"`
	AnalysisCacheSize int    `env:"ANALYSIS_CACHE_SIZE" envDefault:"64"`
	FFmpegPath        string `env:"FFMPEG_PATH" envDefault:"ffmpeg"`

	// Observability
	SentryDSN string `env:"SENTRY_DSN"`
}

// ConfigurationError reports a missing or invalid startup parameter.
// The process must not start when one is returned.
type ConfigurationError struct {
	Key    string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Key, e.Reason)
}

// Load parses the environment and validates the result.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, &ConfigurationError{Key: "env", Reason: err.Error()}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required values and their shape.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.MediatorHost) == "" {
		return &ConfigurationError{Key: "MEDIATOR_HOST", Reason: "required"}
	}
	if p, err := strconv.Atoi(c.MediatorPort); err != nil || p <= 0 || p > 65535 {
		return &ConfigurationError{Key: "MEDIATOR_PORT", Reason: fmt.Sprintf("invalid port %q", c.MediatorPort)}
	}
	if c.MediatorRetryDelay <= 0 {
		return &ConfigurationError{Key: "MEDIATOR_RETRY_DELAY", Reason: "must be positive"}
	}
	if c.MediatorTimeout <= 0 {
		return &ConfigurationError{Key: "MEDIATOR_TIMEOUT", Reason: "must be positive"}
	}
	if c.MediatorQueueSize <= 0 {
		return &ConfigurationError{Key: "MEDIATOR_QUEUE_SIZE", Reason: "must be positive"}
	}
	if c.RelayCapacity <= 0 {
		return &ConfigurationError{Key: "RELAY_CAPACITY", Reason: "must be positive"}
	}
	if c.MQEnabled {
		if strings.TrimSpace(c.MQURL) == "" {
			return &ConfigurationError{Key: "MQ_URL", Reason: "required when MQ_ENABLED=true"}
		}
		if u, err := url.Parse(c.MQURL); err != nil || (u.Scheme != "amqp" && u.Scheme != "amqps") {
			return &ConfigurationError{Key: "MQ_URL", Reason: fmt.Sprintf("not an amqp url: %q", c.MQURL)}
		}
		if strings.TrimSpace(c.MQQueue) == "" {
			return &ConfigurationError{Key: "MQ_QUEUE", Reason: "required when MQ_ENABLED=true"}
		}
	}
	if c.TickInterval <= 0 {
		return &ConfigurationError{Key: "TICK_INTERVAL", Reason: "must be positive"}
	}
	if c.PollInterval <= 0 {
		return &ConfigurationError{Key: "POLL_INTERVAL", Reason: "must be positive"}
	}
	if c.AnalysisCacheSize <= 0 {
		return &ConfigurationError{Key: "ANALYSIS_CACHE_SIZE", Reason: "must be positive"}
	}
	return nil
}

// MediatorURL is the websocket endpoint of the mediator.
func (c *Config) MediatorURL() string {
	return "ws://" + net.JoinHostPort(c.MediatorHost, c.MediatorPort)
}

// IsProduction returns true when running in the production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// TokenRequired returns true if control messages must carry the shared secret
func (c *Config) TokenRequired() bool {
	return c.ControlToken != ""
}
