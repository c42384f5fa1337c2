// Package config loads layered settings: defaults, then an optional YAML file,
// then OUTREACH_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rendis/outreach/pkg/schema"
)

// EnvPrefix prefixes every environment override, e.g. OUTREACH_DISPATCH_MIN_INTERVAL.
const EnvPrefix = "OUTREACH"

// Agent kinds.
const (
	AgentEcho = "echo"
	AgentHTTP = "http"
	AgentMCP  = "mcp"
)

// Config holds all outreach configuration.
type Config struct {
	DBPath        string `mapstructure:"db_path"`
	ListenAddr    string `mapstructure:"listen_addr"`
	LogLevel      string `mapstructure:"log_level"`
	LogFormat     string `mapstructure:"log_format"`
	PoolSize      int    `mapstructure:"pool_size"`
	SweepSchedule string `mapstructure:"sweep_schedule"`
	PipelineFile  string `mapstructure:"pipeline_file"`

	Retry struct {
		MaxAttempts int           `mapstructure:"max_attempts"`
		BaseDelay   time.Duration `mapstructure:"base_delay"`
	} `mapstructure:"retry"`

	Dispatch struct {
		MinInterval   time.Duration `mapstructure:"min_interval"`
		DailyCap      int           `mapstructure:"daily_cap"`
		RatePerSecond float64       `mapstructure:"rate_per_second"`
		Burst         int           `mapstructure:"burst"`
		PublisherURL  string        `mapstructure:"publisher_url"`
		Timeout       time.Duration `mapstructure:"timeout"`
	} `mapstructure:"dispatch"`

	Approval struct {
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"approval"`

	Agent struct {
		Kind    string        `mapstructure:"kind"`
		URL     string        `mapstructure:"url"`
		Command string        `mapstructure:"command"`
		Args    []string      `mapstructure:"args"`
		Tool    string        `mapstructure:"tool"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"agent"`
}

// Dir returns the per-user outreach directory.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".outreach"
	}
	return filepath.Join(home, ".outreach")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db_path", filepath.Join(Dir(), "outreach.db"))
	v.SetDefault("listen_addr", ":4200")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("pool_size", 10)
	v.SetDefault("sweep_schedule", "@every 5s")
	v.SetDefault("pipeline_file", "")

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", 2*time.Second)

	v.SetDefault("dispatch.min_interval", 60*time.Second)
	v.SetDefault("dispatch.daily_cap", 50)
	v.SetDefault("dispatch.rate_per_second", 0.0)
	v.SetDefault("dispatch.burst", 1)
	v.SetDefault("dispatch.publisher_url", "")
	v.SetDefault("dispatch.timeout", 30*time.Second)

	v.SetDefault("approval.timeout", time.Duration(0))

	v.SetDefault("agent.kind", AgentEcho)
	v.SetDefault("agent.url", "")
	v.SetDefault("agent.command", "")
	v.SetDefault("agent.args", []string{})
	v.SetDefault("agent.tool", "")
	v.SetDefault("agent.timeout", 60*time.Second)
}

// Load reads configuration. An explicit path must exist; without one, outreach.yaml
// is looked up in the working directory and in Dir() and is optional.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("outreach")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(Dir())
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration with no file and no environment.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	var problems []string
	if c.Retry.MaxAttempts < 1 {
		problems = append(problems, "retry.max_attempts must be at least 1")
	}
	if c.Retry.BaseDelay < 0 {
		problems = append(problems, "retry.base_delay must not be negative")
	}
	if c.Dispatch.MinInterval < 0 {
		problems = append(problems, "dispatch.min_interval must not be negative")
	}
	if c.Dispatch.RatePerSecond < 0 {
		problems = append(problems, "dispatch.rate_per_second must not be negative")
	}
	if c.Approval.Timeout < 0 {
		problems = append(problems, "approval.timeout must not be negative")
	}
	if c.PoolSize < 1 {
		problems = append(problems, "pool_size must be at least 1")
	}
	switch c.Agent.Kind {
	case AgentEcho:
	case AgentHTTP:
		if c.Agent.URL == "" {
			problems = append(problems, "agent.url is required for the http agent")
		}
	case AgentMCP:
		if c.Agent.Command == "" {
			problems = append(problems, "agent.command is required for the mcp agent")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown agent.kind %q", c.Agent.Kind))
	}
	if len(problems) == 0 {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeInvalidConfiguration, "invalid configuration: %s", strings.Join(problems, "; ")).
		WithDetails(map[string]any{"problems": problems})
}
