package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "roundtable.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadParsesYAML(t *testing.T) {
	path := writeConfig(t, `
server:
  host: 0.0.0.0
  http_port: 9000
database:
  path: /tmp/rt.db
providers:
  openrouter:
    api_key: sk-or-test
    app_name: roundtable-dev
  anthropic:
    api_key: sk-ant-test
scheduler:
  enabled: true
  interval: 30s
summary:
  cooldown: 10m
logging:
  level: debug
  format: json
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Host != "0.0.0.0" || cfg.Server.HTTPPort != 9000 {
		t.Fatalf("server = %+v", cfg.Server)
	}
	if cfg.Database.Path != "/tmp/rt.db" {
		t.Fatalf("database path = %q", cfg.Database.Path)
	}
	if !cfg.Scheduler.Enabled || cfg.Scheduler.Interval != 30*time.Second {
		t.Fatalf("scheduler = %+v", cfg.Scheduler)
	}
	if cfg.Summary.Cooldown != 10*time.Minute {
		t.Fatalf("summary cooldown = %v", cfg.Summary.Cooldown)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
}

func TestLoadFillsDefaults(t *testing.T) {
	path := writeConfig(t, `
providers:
  openrouter:
    api_key: sk-or-test
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.HTTPPort != 8090 || cfg.Server.MetricsPort != 9090 {
		t.Fatalf("server defaults = %+v", cfg.Server)
	}
	if cfg.Scheduler.Interval != time.Minute || cfg.Scheduler.MaxContinuable != 10 {
		t.Fatalf("scheduler defaults = %+v", cfg.Scheduler)
	}
	if cfg.Streaming.ContentFlush() != 200*time.Millisecond {
		t.Fatalf("content flush = %v", cfg.Streaming.ContentFlush())
	}
	if cfg.Streaming.ThinkingFlush() != 100*time.Millisecond {
		t.Fatalf("thinking flush = %v", cfg.Streaming.ThinkingFlush())
	}
	if cfg.Summary.Model != "openai/gpt-4o-mini" || cfg.Summary.Cooldown != 5*time.Minute {
		t.Fatalf("summary defaults = %+v", cfg.Summary)
	}
	if cfg.Executor.MaxAttempts != 3 || cfg.Executor.MaxToolRounds != 4 {
		t.Fatalf("executor defaults = %+v", cfg.Executor)
	}
	if cfg.Workers.Count != 4 || cfg.Workers.QueueSize != 256 {
		t.Fatalf("workers defaults = %+v", cfg.Workers)
	}
}

func TestLoadEnvFallback(t *testing.T) {
	t.Setenv("OPENROUTER_API_KEY", "sk-or-env")
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-env")

	cfg, err := Load(writeConfig(t, "logging:\n  level: info\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Providers.OpenRouter.APIKey != "sk-or-env" {
		t.Fatalf("openrouter key = %q", cfg.Providers.OpenRouter.APIKey)
	}
	if cfg.Providers.Anthropic.APIKey != "sk-ant-env" {
		t.Fatalf("anthropic key = %q", cfg.Providers.Anthropic.APIKey)
	}
}

func TestFileKeyWinsOverEnv(t *testing.T) {
	t.Setenv("OPENROUTER_API_KEY", "sk-or-env")
	cfg, err := Load(writeConfig(t, `
providers:
  openrouter:
    api_key: sk-or-file
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Providers.OpenRouter.APIKey != "sk-or-file" {
		t.Fatalf("openrouter key = %q, want file value", cfg.Providers.OpenRouter.APIKey)
	}
}

func TestValidateFailures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{
			"missing openrouter key",
			func(c *Config) { c.Providers.OpenRouter.APIKey = "" },
			"openrouter.api_key",
		},
		{
			"bad log level",
			func(c *Config) { c.Logging.Level = "loud" },
			"logging.level",
		},
		{
			"bad log format",
			func(c *Config) { c.Logging.Format = "xml" },
			"logging.format",
		},
		{
			"port collision",
			func(c *Config) { c.Server.MetricsPort = c.Server.HTTPPort },
			"must differ",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			cfg.Providers.OpenRouter.APIKey = "sk-or-test"
			cfg.ApplyDefaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("loading a missing file should fail")
	}
}
