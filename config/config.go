// Package config loads the configuration shared by the relay and the session
// client.
//
// Configuration comes from a YAML file named by the COLLAB_CONFIG environment
// variable or the --config flag. Fields the file leaves out keep the values of
// Default. The relay additionally honours PORT, ORIGIN and REDIS_URL so it can
// run unchanged on platforms that inject those.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfig names the variable holding the config file path.
const EnvConfig = "COLLAB_CONFIG"

// Config is the top-level configuration.
type Config struct {
	// Client configures the session client.
	Client ClientConfig `yaml:"client"`

	// Relay configures the reference relay.
	Relay RelayConfig `yaml:"relay"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`
}

// ClientConfig configures the session client.
type ClientConfig struct {
	// URL is the relay websocket endpoint.
	// Default: ws://localhost:3000/ws
	URL string `yaml:"url"`

	// UserName is announced to the room on join.
	UserName string `yaml:"user_name"`

	// DeviceID identifies this device; a random id is used when empty.
	DeviceID string `yaml:"device_id"`

	// HeartbeatInterval is the period of websocket pings.
	// Default: 10s
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// HeartbeatTimeout is how long the connection may stay silent before it
	// counts as lost.
	// Default: 30s
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`

	// RequestTimeout bounds the wait for a correlated response.
	// Default: 10s
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// WriteTimeout bounds enqueueing an outbound message and writing a frame.
	// Default: 5s
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// AckTimeout is how long an optimistic change waits for its echo.
	// Default: 5s
	AckTimeout time.Duration `yaml:"ack_timeout"`

	// QueueSize bounds the outbound queue.
	// Default: 256
	QueueSize int `yaml:"queue_size"`

	// ChatLimit bounds the local chat log.
	// Default: 200
	ChatLimit int `yaml:"chat_limit"`

	// Reconnect configures the backoff after a transport failure.
	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig configures exponential reconnect backoff.
type ReconnectConfig struct {
	// InitialInterval is the first delay.
	// Default: 500ms
	InitialInterval time.Duration `yaml:"initial_interval"`

	// MaxInterval caps a single delay.
	// Default: 15s
	MaxInterval time.Duration `yaml:"max_interval"`

	// Multiplier grows the delay between attempts.
	// Default: 2
	Multiplier float64 `yaml:"multiplier"`

	// MaxAttempts is the retry budget; zero disables reconnecting.
	// Default: 8
	MaxAttempts int `yaml:"max_attempts"`
}

// RelayConfig configures the reference relay.
type RelayConfig struct {
	// Port is the listen port. PORT overrides it.
	// Default: 3000
	Port string `yaml:"port"`

	// Origin is the allowed CORS origin. ORIGIN overrides it.
	// Default: http://localhost:8080
	Origin string `yaml:"origin"`

	// RedisURL enables the pub/sub backplane. REDIS_URL overrides it.
	RedisURL string `yaml:"redis_url"`

	// TicketSecret signs rejoin tickets.
	TicketSecret string `yaml:"ticket_secret"`

	// TicketTTL is how long a rejoin ticket stays valid.
	// Default: 10m
	TicketTTL time.Duration `yaml:"ticket_ttl"`

	// LandscapeToken is the landscape new rooms start with.
	// Default: default
	LandscapeToken string `yaml:"landscape_token"`

	// PingInterval is the period of websocket pings to clients.
	// Default: 10s
	PingInterval time.Duration `yaml:"ping_interval"`

	// PongTimeout is how long a client may stay silent.
	// Default: 30s
	PongTimeout time.Duration `yaml:"pong_timeout"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	// Default: info
	Level string `yaml:"level"`

	// Format is text or json.
	// Default: text
	Format string `yaml:"format"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Client: ClientConfig{
			URL:               "ws://localhost:3000/ws",
			UserName:          "anonymous",
			HeartbeatInterval: 10 * time.Second,
			HeartbeatTimeout:  30 * time.Second,
			RequestTimeout:    10 * time.Second,
			WriteTimeout:      5 * time.Second,
			AckTimeout:        5 * time.Second,
			QueueSize:         256,
			ChatLimit:         200,
			Reconnect: ReconnectConfig{
				InitialInterval: 500 * time.Millisecond,
				MaxInterval:     15 * time.Second,
				Multiplier:      2,
				MaxAttempts:     8,
			},
		},
		Relay: RelayConfig{
			Port:           "3000",
			Origin:         "http://localhost:8080",
			TicketTTL:      10 * time.Minute,
			LandscapeToken: "default",
			PingInterval:   10 * time.Second,
			PongTimeout:    30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads the file named by COLLAB_CONFIG, or the defaults when it is not
// set, and applies environment overrides.
func Load() (*Config, error) {
	path := os.Getenv(EnvConfig)
	if path == "" {
		cfg := Default()
		cfg.applyEnv()
		return cfg, cfg.Validate()
	}
	return LoadFile(path)
}

// LoadFile loads configuration from a specific file path.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if port := os.Getenv("PORT"); port != "" {
		c.Relay.Port = port
	}
	if origin := os.Getenv("ORIGIN"); origin != "" {
		c.Relay.Origin = origin
	}
	if url := os.Getenv("REDIS_URL"); url != "" {
		c.Relay.RedisURL = url
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Client.URL == "" {
		errs = append(errs, errors.New("client.url is required"))
	}
	if c.Client.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("client.heartbeat_interval must be positive"))
	}
	if c.Client.HeartbeatTimeout <= c.Client.HeartbeatInterval {
		errs = append(errs, errors.New("client.heartbeat_timeout must exceed client.heartbeat_interval"))
	}
	if c.Client.RequestTimeout <= 0 {
		errs = append(errs, errors.New("client.request_timeout must be positive"))
	}
	if c.Client.QueueSize <= 0 {
		errs = append(errs, errors.New("client.queue_size must be positive"))
	}
	if c.Client.Reconnect.MaxAttempts < 0 {
		errs = append(errs, errors.New("client.reconnect.max_attempts cannot be negative"))
	}
	if c.Client.Reconnect.Multiplier < 1 {
		errs = append(errs, errors.New("client.reconnect.multiplier must be at least 1"))
	}
	if c.Relay.Port == "" {
		errs = append(errs, errors.New("relay.port is required"))
	}
	if c.Relay.PongTimeout <= c.Relay.PingInterval {
		errs = append(errs, errors.New("relay.pong_timeout must exceed relay.ping_interval"))
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("invalid logging.level: %s", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("invalid logging.format: %s", c.Logging.Format))
	}

	return errors.Join(errs...)
}
