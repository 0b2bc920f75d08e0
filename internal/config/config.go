package config

import (
	"fmt"
	"time"
)

type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Synth   SynthConfig
	Match   MatchConfig
	Sweep   SweepConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir string
}

type SynthConfig struct {
	Provider string
	BaseURL  string
	Model    string
	APIKey   string
	Timeout  string
}

type MatchConfig struct {
	Threshold float64
}

type SweepConfig struct {
	Interval    string
	Concurrency int
}

type LogConfig struct {
	Level     string
	AuditFile string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Synth: SynthConfig{
			Provider: "ollama",
			BaseURL:  "http://localhost:11434",
			Model:    "qwen2.5-coder:7b",
			Timeout:  "30s",
		},
		Match: MatchConfig{
			Threshold: 0.7,
		},
		Sweep: SweepConfig{
			Interval:    "30s",
			Concurrency: 4,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON config file at
// $XDG_CONFIG_HOME/runeforge/config.json, then applies RUNEFORGE_* environment
// overrides. A synthesizer API key not given in the environment is looked up
// in the secrets file.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), secretStore{})
}

// secrets abstracts the secrets file for testing.
type secrets interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, sec secrets) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Synth.APIKey == "" {
		if key, err := sec.Get(secretService, "synth_api_key"); err == nil && key != "" {
			cfg.Synth.APIKey = key
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Synth.Provider {
	case "ollama", "none":
	case "openai", "anthropic":
		if c.Synth.APIKey == "" {
			return fmt.Errorf("missing required config: synthesizer API key for provider %q. "+
				"Set it via environment variable RUNEFORGE_SYNTH_API_KEY", c.Synth.Provider)
		}
	default:
		return fmt.Errorf("invalid synth.provider %q: want ollama, openai, anthropic or none", c.Synth.Provider)
	}
	if c.Match.Threshold <= 0 || c.Match.Threshold > 1 {
		return fmt.Errorf("invalid match.threshold %v: must be in (0, 1]", c.Match.Threshold)
	}
	if c.Sweep.Concurrency < 1 {
		return fmt.Errorf("invalid sweep.concurrency %d: must be at least 1", c.Sweep.Concurrency)
	}
	if _, err := c.SynthTimeout(); err != nil {
		return err
	}
	if _, err := c.SweepInterval(); err != nil {
		return err
	}
	return nil
}

// SynthTimeout parses synth.timeout.
func (c Config) SynthTimeout() (time.Duration, error) {
	return parsePositiveDuration("synth.timeout", c.Synth.Timeout)
}

// SweepInterval parses sweep.interval. Zero disables the sweep worker.
func (c Config) SweepInterval() (time.Duration, error) {
	if c.Sweep.Interval == "0" || c.Sweep.Interval == "" {
		return 0, nil
	}
	return parsePositiveDuration("sweep.interval", c.Sweep.Interval)
}

func parsePositiveDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be positive", key, raw)
	}
	return d, nil
}
