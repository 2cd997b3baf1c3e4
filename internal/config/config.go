// Package config loads and validates the roundtable YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Providers ProvidersConfig `yaml:"providers"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Streaming StreamingConfig `yaml:"streaming"`
	Summary   SummaryConfig   `yaml:"summary"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Workers   WorkersConfig   `yaml:"workers"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Host        string `yaml:"host"`
	HTTPPort    int    `yaml:"http_port"`
	MetricsPort int    `yaml:"metrics_port"`
}

type DatabaseConfig struct {
	// Path is the SQLite database file. ":memory:" is accepted for
	// ephemeral runs.
	Path string `yaml:"path"`
}

type ProvidersConfig struct {
	OpenRouter OpenRouterConfig `yaml:"openrouter"`
	Anthropic  AnthropicConfig  `yaml:"anthropic"`
}

// OpenRouterConfig configures the generic aggregator provider.
type OpenRouterConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	AppName string `yaml:"app_name"`
	SiteURL string `yaml:"site_url"`
}

// AnthropicConfig configures the direct Anthropic provider used for
// extended thinking.
type AnthropicConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

type SchedulerConfig struct {
	Enabled bool `yaml:"enabled"`

	// Interval is the cadence at which every agent gets one initiation
	// decision.
	Interval time.Duration `yaml:"interval"`

	// MaxContinuable caps the number of conversations offered to an
	// agent per tick.
	MaxContinuable int `yaml:"max_continuable"`
}

type StreamingConfig struct {
	// ContentFlushMs is the debounce interval for content chunks.
	ContentFlushMs int `yaml:"content_flush_ms"`

	// ThinkingFlushMs is the debounce interval for reasoning chunks.
	ThinkingFlushMs int `yaml:"thinking_flush_ms"`
}

// ContentFlush returns the content debounce interval as a duration.
func (s StreamingConfig) ContentFlush() time.Duration {
	return time.Duration(s.ContentFlushMs) * time.Millisecond
}

// ThinkingFlush returns the reasoning debounce interval as a duration.
func (s StreamingConfig) ThinkingFlush() time.Duration {
	return time.Duration(s.ThinkingFlushMs) * time.Millisecond
}

type SummaryConfig struct {
	// Model is the aggregator model id used for summary generation.
	Model string `yaml:"model"`

	// Cooldown is the minimum age of a summary before it is regenerated.
	Cooldown time.Duration `yaml:"cooldown"`

	// HistoryLimit is how many recent messages feed a regeneration.
	HistoryLimit int `yaml:"history_limit"`

	// ContextWindow bounds how old another conversation may be and still
	// contribute a cross-conversation context line.
	ContextWindow time.Duration `yaml:"context_window"`

	// ContextLimit caps the number of cross-conversation context lines.
	ContextLimit int `yaml:"context_limit"`
}

type ExecutorConfig struct {
	// MaxAttempts is the ceiling on provider attempts per activation.
	MaxAttempts int `yaml:"max_attempts"`

	// MaxToolRounds bounds tool-call round trips within one activation.
	MaxToolRounds int `yaml:"max_tool_rounds"`

	// HistoryLimit is how many recent messages are included in a prompt.
	HistoryLimit int `yaml:"history_limit"`

	// MaxTokens is the response token limit passed to providers.
	MaxTokens int `yaml:"max_tokens"`
}

type WorkersConfig struct {
	// Count is the number of concurrent job workers.
	Count int `yaml:"count"`

	// QueueSize is the buffered job queue depth.
	QueueSize int `yaml:"queue_size"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// Load reads the configuration file, applies environment fallbacks for
// credentials, fills defaults and validates.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv fills credentials from the environment when the file leaves
// them empty.
func (c *Config) applyEnv() {
	if c.Providers.OpenRouter.APIKey == "" {
		c.Providers.OpenRouter.APIKey = os.Getenv("OPENROUTER_API_KEY")
	}
	if c.Providers.Anthropic.APIKey == "" {
		c.Providers.Anthropic.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
}

// ApplyDefaults fills zero values with sensible defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.HTTPPort == 0 {
		c.Server.HTTPPort = 8090
	}
	if c.Server.MetricsPort == 0 {
		c.Server.MetricsPort = 9090
	}
	if c.Database.Path == "" {
		c.Database.Path = "roundtable.db"
	}
	if c.Scheduler.Interval <= 0 {
		c.Scheduler.Interval = time.Minute
	}
	if c.Scheduler.MaxContinuable <= 0 {
		c.Scheduler.MaxContinuable = 10
	}
	if c.Streaming.ContentFlushMs <= 0 {
		c.Streaming.ContentFlushMs = 200
	}
	if c.Streaming.ThinkingFlushMs <= 0 {
		c.Streaming.ThinkingFlushMs = 100
	}
	if c.Summary.Model == "" {
		c.Summary.Model = "openai/gpt-4o-mini"
	}
	if c.Summary.Cooldown <= 0 {
		c.Summary.Cooldown = 5 * time.Minute
	}
	if c.Summary.HistoryLimit <= 0 {
		c.Summary.HistoryLimit = 10
	}
	if c.Summary.ContextWindow <= 0 {
		c.Summary.ContextWindow = 6 * time.Hour
	}
	if c.Summary.ContextLimit <= 0 {
		c.Summary.ContextLimit = 10
	}
	if c.Executor.MaxAttempts <= 0 {
		c.Executor.MaxAttempts = 3
	}
	if c.Executor.MaxToolRounds <= 0 {
		c.Executor.MaxToolRounds = 4
	}
	if c.Executor.HistoryLimit <= 0 {
		c.Executor.HistoryLimit = 50
	}
	if c.Executor.MaxTokens <= 0 {
		c.Executor.MaxTokens = 4096
	}
	if c.Workers.Count <= 0 {
		c.Workers.Count = 4
	}
	if c.Workers.QueueSize <= 0 {
		c.Workers.QueueSize = 256
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Providers.OpenRouter.APIKey == "" {
		return fmt.Errorf("config: providers.openrouter.api_key is required (or OPENROUTER_API_KEY)")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid logging.level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: invalid logging.format %q", c.Logging.Format)
	}
	if c.Server.HTTPPort == c.Server.MetricsPort {
		return fmt.Errorf("config: http_port and metrics_port must differ")
	}
	return nil
}
