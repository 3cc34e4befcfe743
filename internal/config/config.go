// Package config loads the worker configuration from a TOML file. Every
// field has a compiled default; a missing file or a partial file is fine.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration so TOML values can be written as "45m" or
// "2s" strings.
type Duration struct {
	time.Duration
}

func (duration *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	duration.Duration = parsed
	return nil
}

type Config struct {
	LogLevel string `toml:"log_level"`

	Worker WorkerConfig `toml:"worker"`
	Agent  AgentConfig  `toml:"agent"`
	Retry  RetryConfig  `toml:"retry"`
	TDD    TDDConfig    `toml:"tdd"`
}

type WorkerConfig struct {
	MaxConcurrency       int      `toml:"max_concurrency"`
	PollInterval         Duration `toml:"poll_interval"`
	DispatchDelay        Duration `toml:"dispatch_delay"`
	TestGenDispatchDelay Duration `toml:"test_gen_dispatch_delay"`
	DispatchJitter       Duration `toml:"dispatch_jitter"`
	LongStuckTimeout     Duration `toml:"long_stuck_timeout"`
	ShortStuckTimeout    Duration `toml:"short_stuck_timeout"`
}

type AgentConfig struct {
	DefaultProvider string   `toml:"default_provider"`
	Timeout         Duration `toml:"timeout"`
}

type RetryConfig struct {
	MaxAttempts         int      `toml:"max_attempts"`
	InitialInterval     Duration `toml:"initial_interval"`
	MaxInterval         Duration `toml:"max_interval"`
	RandomizationFactor float64  `toml:"randomization_factor"`
}

type TDDConfig struct {
	BatchSize      int `toml:"batch_size"`
	StuckThreshold int `toml:"stuck_threshold"`
}

// Default returns the compiled defaults. MaxConcurrency defaults to 1:
// parallel agents editing one repository corrupt each other's work, so
// raising it is an explicit operator decision.
func Default() Config {
	return Config{
		LogLevel: "info",
		Worker: WorkerConfig{
			MaxConcurrency:       1,
			PollInterval:         Duration{3 * time.Second},
			DispatchDelay:        Duration{2 * time.Second},
			TestGenDispatchDelay: Duration{10 * time.Second},
			DispatchJitter:       Duration{time.Second},
			LongStuckTimeout:     Duration{45 * time.Minute},
			ShortStuckTimeout:    Duration{10 * time.Minute},
		},
		Agent: AgentConfig{
			DefaultProvider: "claude_code",
			Timeout:         Duration{20 * time.Minute},
		},
		Retry: RetryConfig{
			MaxAttempts:         5,
			InitialInterval:     Duration{2 * time.Second},
			MaxInterval:         Duration{time.Minute},
			RandomizationFactor: 0.5,
		},
		TDD: TDDConfig{
			BatchSize:      3,
			StuckThreshold: 3,
		},
	}
}

// Load reads path over the defaults; keys absent from the file keep their
// default values. An empty path or a missing file returns the defaults.
func Load(path string) (Config, error) {
	loaded := Default()
	if path == "" {
		return loaded, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return loaded, nil
	}
	if _, err := toml.DecodeFile(path, &loaded); err != nil {
		return Config{}, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	return loaded, nil
}
