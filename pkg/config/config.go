// Package config loads the chatpipe YAML configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/mintlabs/chatpipe/pkg/stream"
)

const (
	// DefaultBaseDir is the base configuration directory name under
	// the user's home.
	DefaultBaseDir = ".chatpipe"
	// DefaultConfigFile is the default configuration filename.
	DefaultConfigFile = "config.yaml"
)

// Model selects the LLM provider and model.
type Model struct {
	// Provider is "openai" or "gemini".
	Provider string `yaml:"provider"`

	// Name is the provider model name (e.g. "gpt-4o-mini").
	Name string `yaml:"name"`

	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv string `yaml:"api_key_env,omitempty"`

	// BaseURL overrides the provider endpoint (optional).
	BaseURL string `yaml:"base_url,omitempty"`

	Temperature float64 `yaml:"temperature,omitempty"`
	MaxTokens   int     `yaml:"max_tokens,omitempty"`
}

// Streaming tunes the streaming pipeline and its failure handling.
// All *_s fields are seconds.
type Streaming struct {
	// Enabled turns streaming output on. When off, replies use the
	// blocking Chat path.
	Enabled bool `yaml:"enabled"`

	FirstChunkTimeoutS float64 `yaml:"first_chunk_timeout_s,omitempty"`
	IdleChunkTimeoutS  float64 `yaml:"idle_chunk_timeout_s,omitempty"`
	TotalTimeoutS      float64 `yaml:"total_timeout_s,omitempty"`

	// MinChunkChars is the coalescer threshold for emitted pieces.
	MinChunkChars int `yaml:"min_chunk_chars,omitempty"`

	// DisableAfterFailures temporarily disables streaming after this
	// many consecutive streaming failures.
	DisableAfterFailures int `yaml:"disable_after_failures,omitempty"`

	// DisableCooldownS is how long streaming stays disabled. Zero
	// means disabled for the current turn only.
	DisableCooldownS float64 `yaml:"disable_cooldown_s"`

	// FailoverTimeoutS bounds the non-streaming retry after a
	// zero-output streaming failure.
	FailoverTimeoutS float64 `yaml:"failover_timeout_s,omitempty"`

	// FastRetry enables the gated retry steps of the rescue chain.
	FastRetry bool `yaml:"fast_retry"`
}

// Tools tunes tool execution.
type Tools struct {
	TimeoutS       float64 `yaml:"timeout_s,omitempty"`
	OutputMaxChars int     `yaml:"output_max_chars,omitempty"`
}

// Config is the root configuration.
type Config struct {
	Model     Model     `yaml:"model"`
	Streaming Streaming `yaml:"streaming"`
	Tools     Tools     `yaml:"tools"`

	// DataDir holds the conversation store. Defaults to the config
	// directory.
	DataDir string `yaml:"data_dir,omitempty"`

	configPath string
}

// Default returns the configuration with all defaults applied.
func Default() *Config {
	return &Config{
		Model: Model{
			Provider:  "openai",
			Name:      "gpt-4o-mini",
			APIKeyEnv: "OPENAI_API_KEY",
		},
		Streaming: Streaming{
			Enabled:              true,
			FirstChunkTimeoutS:   18,
			IdleChunkTimeoutS:    30,
			TotalTimeoutS:        120,
			MinChunkChars:        8,
			DisableAfterFailures: 2,
			DisableCooldownS:     60,
			FailoverTimeoutS:     60,
			FastRetry:            true,
		},
		Tools: Tools{
			TimeoutS:       30,
			OutputMaxChars: 12000,
		},
	}
}

// Load reads the configuration from path. An empty path uses
// ~/.chatpipe/config.yaml; a missing file yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("config: resolve home directory: %w", err)
		}
		path = filepath.Join(home, DefaultBaseDir, DefaultConfigFile)
	}

	cfg := Default()
	cfg.configPath = path

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyDataDir()
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyDataDir()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDataDir() {
	if c.DataDir == "" && c.configPath != "" {
		c.DataDir = filepath.Join(filepath.Dir(c.configPath), "data")
	}
}

// Validate checks field ranges.
func (c *Config) Validate() error {
	switch c.Model.Provider {
	case "openai", "gemini":
	default:
		return fmt.Errorf("config: unknown provider %q", c.Model.Provider)
	}
	if c.Model.Name == "" {
		return fmt.Errorf("config: model.name is required")
	}
	if c.Streaming.FirstChunkTimeoutS <= 0 || c.Streaming.IdleChunkTimeoutS <= 0 || c.Streaming.TotalTimeoutS <= 0 {
		return fmt.Errorf("config: streaming timeouts must be positive")
	}
	if c.Streaming.MinChunkChars < 1 {
		return fmt.Errorf("config: streaming.min_chunk_chars must be >= 1")
	}
	if c.Streaming.DisableAfterFailures < 1 {
		return fmt.Errorf("config: streaming.disable_after_failures must be >= 1")
	}
	return nil
}

// Path returns the config file path.
func (c *Config) Path() string { return c.configPath }

// APIKey reads the configured API key environment variable.
func (c *Config) APIKey() string {
	if c.Model.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.Model.APIKeyEnv)
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Budget converts the streaming timeouts to a watchdog budget.
func (c *Config) Budget() stream.Budget {
	return stream.Budget{
		FirstChunk: seconds(c.Streaming.FirstChunkTimeoutS),
		IdleChunk:  seconds(c.Streaming.IdleChunkTimeoutS),
		Total:      seconds(c.Streaming.TotalTimeoutS),
	}
}

// FailoverTimeout bounds the non-streaming retry after a streaming
// failure.
func (c *Config) FailoverTimeout() time.Duration {
	return seconds(c.Streaming.FailoverTimeoutS)
}

// DisableCooldown is how long streaming stays disabled after repeated
// failures.
func (c *Config) DisableCooldown() time.Duration {
	return seconds(c.Streaming.DisableCooldownS)
}

// ToolTimeout is the default per-tool execution timeout.
func (c *Config) ToolTimeout() time.Duration {
	return seconds(c.Tools.TimeoutS)
}
