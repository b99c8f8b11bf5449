package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/robfig/cron/v3"
)

// Config holds all bingrelay configuration
type Config struct {
	// Server settings
	Server ServerConfig `json:"server" toml:"server"`

	// Credential pool source
	Credentials CredentialsConfig `json:"credentials" toml:"credentials"`

	// Upstream chat provider
	Upstream UpstreamConfig `json:"upstream" toml:"upstream"`

	// Progress store and polling protocol
	Progress ProgressConfig `json:"progress" toml:"progress"`

	// Turn settlement events
	Events EventsConfig `json:"events" toml:"events"`
}

type ServerConfig struct {
	Port            int    `json:"port" toml:"port"`
	LogLevel        string `json:"logLevel" toml:"logLevel"`
	ReadTimeoutSec  int    `json:"readTimeoutSec" toml:"readTimeoutSec"`
	WriteTimeoutSec int    `json:"writeTimeoutSec" toml:"writeTimeoutSec"`
}

type CredentialsConfig struct {
	// YAML file with a top-level "cookies" list
	File string `json:"file" toml:"file"`
}

type UpstreamConfig struct {
	Provider       string `json:"provider" toml:"provider"` // "bing" or "echo"
	BaseURL        string `json:"baseUrl" toml:"baseUrl"`
	ChatHubURL     string `json:"chatHubUrl" toml:"chatHubUrl"`
	TurnTimeoutSec int    `json:"turnTimeoutSec" toml:"turnTimeoutSec"`
	EchoDelayMs    int    `json:"echoDelayMs,omitempty" toml:"echoDelayMs"`
}

type ProgressConfig struct {
	// Bound raced against a polled turn before it is reported as timed out
	DeadlineSec int `json:"deadlineSec" toml:"deadlineSec"`
	// Settled records nobody polled are dropped after this long
	RetentionMin  int    `json:"retentionMin" toml:"retentionMin"`
	SweepSchedule string `json:"sweepSchedule" toml:"sweepSchedule"`
}

type EventsConfig struct {
	MQTT MQTTConfig `json:"mqtt" toml:"mqtt"`
}

type MQTTConfig struct {
	Enabled     bool   `json:"enabled" toml:"enabled"`
	Host        string `json:"host" toml:"host"`
	Port        int    `json:"port" toml:"port"`
	Username    string `json:"username,omitempty" toml:"username"`
	Password    string `json:"password,omitempty" toml:"password"`
	TopicPrefix string `json:"topicPrefix" toml:"topicPrefix"`
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            3000,
			LogLevel:        "info",
			ReadTimeoutSec:  15,
			WriteTimeoutSec: 90, // must outlast the first-fragment wait
		},
		Credentials: CredentialsConfig{
			File: "cookies.yaml",
		},
		Upstream: UpstreamConfig{
			Provider:       "bing",
			BaseURL:        "https://www.bing.com",
			ChatHubURL:     "wss://sydney.bing.com/sydney/ChatHub",
			TurnTimeoutSec: 300,
			EchoDelayMs:    200,
		},
		Progress: ProgressConfig{
			DeadlineSec:   60,
			RetentionMin:  30,
			SweepSchedule: "@every 1m",
		},
		Events: EventsConfig{
			MQTT: MQTTConfig{
				Host:        "localhost",
				Port:        1883,
				TopicPrefix: "bingrelay",
			},
		},
	}
}

// Load reads config from a JSON file, or TOML when the path ends in .toml.
// Environment overrides are applied after the file is parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if isTOML(path) {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	} else if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes config to a JSON or TOML file depending on the extension
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	var data []byte
	if isTOML(path) {
		var sb strings.Builder
		if err := toml.NewEncoder(&sb).Encode(c); err != nil {
			return fmt.Errorf("marshal config: %w", err)
		}
		data = []byte(sb.String())
	} else {
		var err error
		data, err = json.MarshalIndent(c, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal config: %w", err)
		}
	}

	return os.WriteFile(path, data, 0640)
}

// Validate checks the config for values the server cannot run with
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	switch c.Upstream.Provider {
	case "bing":
		if c.Upstream.BaseURL == "" || c.Upstream.ChatHubURL == "" {
			errs = append(errs, errors.New("upstream.baseUrl and upstream.chatHubUrl are required for the bing provider"))
		}
	case "echo":
	default:
		errs = append(errs, fmt.Errorf("unknown upstream.provider %q (use bing or echo)", c.Upstream.Provider))
	}
	if c.Upstream.TurnTimeoutSec <= 0 {
		errs = append(errs, errors.New("upstream.turnTimeoutSec must be positive"))
	}
	if c.Progress.DeadlineSec <= 0 {
		errs = append(errs, errors.New("progress.deadlineSec must be positive"))
	}
	if c.Progress.RetentionMin <= 0 {
		errs = append(errs, errors.New("progress.retentionMin must be positive"))
	}
	if _, err := cron.ParseStandard(c.Progress.SweepSchedule); err != nil {
		errs = append(errs, fmt.Errorf("invalid progress.sweepSchedule: %w", err))
	}
	if c.Events.MQTT.Enabled && (c.Events.MQTT.Host == "" || c.Events.MQTT.Port <= 0) {
		errs = append(errs, errors.New("events.mqtt.host and events.mqtt.port are required when mqtt is enabled"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("BINGRELAY_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("BINGRELAY_PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("BINGRELAY_COOKIES"); v != "" {
		c.Credentials.File = v
	}
	if v := os.Getenv("BINGRELAY_LOG_LEVEL"); v != "" {
		c.Server.LogLevel = v
	}
	return nil
}

func (c *Config) TurnTimeout() time.Duration {
	return time.Duration(c.Upstream.TurnTimeoutSec) * time.Second
}

func (c *Config) Deadline() time.Duration {
	return time.Duration(c.Progress.DeadlineSec) * time.Second
}

func (c *Config) Retention() time.Duration {
	return time.Duration(c.Progress.RetentionMin) * time.Minute
}

func (c *Config) EchoDelay() time.Duration {
	return time.Duration(c.Upstream.EchoDelayMs) * time.Millisecond
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}
