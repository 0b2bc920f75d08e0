package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "RUNEFORGE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", typ: kString, env: "RUNEFORGE_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "synth.provider", typ: kString, env: "RUNEFORGE_SYNTH_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Synth.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.Synth.Provider },
	},
	{
		key: "synth.base_url", typ: kString, env: "RUNEFORGE_SYNTH_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Synth.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Synth.BaseURL },
	},
	{
		key: "synth.model", typ: kString, env: "RUNEFORGE_SYNTH_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Synth.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Synth.Model },
	},
	{
		key: "synth.api_key", typ: kString, env: "RUNEFORGE_SYNTH_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Synth.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Synth.APIKey },
	},
	{
		key: "synth.timeout", typ: kString, env: "RUNEFORGE_SYNTH_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Synth.Timeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Synth.Timeout },
	},
	{
		key: "match.threshold", typ: kFloat, env: "RUNEFORGE_MATCH_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Match.Threshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Match.Threshold },
	},
	{
		key: "sweep.interval", typ: kString, env: "RUNEFORGE_SWEEP_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Sweep.Interval = v.(string) },
		extract: func(cfg Config) any { return cfg.Sweep.Interval },
	},
	{
		key: "sweep.concurrency", typ: kInt, env: "RUNEFORGE_SWEEP_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Sweep.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Sweep.Concurrency },
	},
	{
		key: "log.level", typ: kString, env: "RUNEFORGE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.audit_file", typ: kString, env: "RUNEFORGE_LOG_AUDIT_FILE",
		apply:   func(cfg *Config, v any) { cfg.Log.AuditFile = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.AuditFile },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					slog.Warn("could not parse bool from config key, using default value", "key", s.key, "value", v, "error", err)
				}
			}
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.apply(cfg, f)
				} else {
					slog.Warn("could not parse float from config key, using default value", "key", s.key, "value", v, "error", err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				slog.Warn("could not parse integer from env var, using default value", "env", s.env, "value", raw, "error", err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				slog.Warn("could not parse bool from env var, using default value", "env", s.env, "value", raw, "error", err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				slog.Warn("could not parse float from env var, using default value", "env", s.env, "value", raw, "error", err)
			}
		}
	}
}
