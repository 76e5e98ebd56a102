package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kDuration
)

// keySpec describes one config key. legacyEnv is an older variable name
// still honored when env is unset.
type keySpec struct {
	key       string
	typ       keyType
	env       string
	legacyEnv string
	secret    bool
	apply     func(cfg *Config, v any)
	extract   func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "FRONTDESK_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", typ: kString, env: "FRONTDESK_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.backend", typ: kString, env: "FRONTDESK_STORAGE_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Storage.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.Backend },
	},
	{
		key: "log.level", typ: kString, env: "FRONTDESK_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "escalation.poll_interval", typ: kDuration, env: "FRONTDESK_ESCALATION_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Escalation.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Escalation.PollInterval },
	},
	{
		key: "escalation.max_wait", typ: kDuration, env: "FRONTDESK_ESCALATION_MAX_WAIT",
		apply:   func(cfg *Config, v any) { cfg.Escalation.MaxWait = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Escalation.MaxWait },
	},
	{
		key: "notify.schedule", typ: kString, env: "FRONTDESK_NOTIFY_SCHEDULE",
		apply:   func(cfg *Config, v any) { cfg.Notify.Schedule = v.(string) },
		extract: func(cfg Config) any { return cfg.Notify.Schedule },
	},
	{
		key: "twilio.account_sid", typ: kString, env: "FRONTDESK_TWILIO_ACCOUNT_SID", legacyEnv: "TWILIO_SID",
		apply:   func(cfg *Config, v any) { cfg.Twilio.AccountSID = v.(string) },
		extract: func(cfg Config) any { return cfg.Twilio.AccountSID },
	},
	{
		key: "twilio.from_number", typ: kString, env: "FRONTDESK_TWILIO_FROM_NUMBER", legacyEnv: "TWILIO_OUTBOUND",
		apply:   func(cfg *Config, v any) { cfg.Twilio.FromNumber = v.(string) },
		extract: func(cfg Config) any { return cfg.Twilio.FromNumber },
	},
	{
		key: "twilio.auth_token", typ: kString, env: "FRONTDESK_TWILIO_AUTH_TOKEN", legacyEnv: "TWILIO_SECRET",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Twilio.AuthToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Twilio.AuthToken },
	},
	{
		key: "twilio.base_url", typ: kString, env: "FRONTDESK_TWILIO_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Twilio.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Twilio.BaseURL },
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
		case kDuration:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				d, err := time.ParseDuration(v)
				if err != nil {
					return fmt.Errorf("reading %s: %w", s.key, err)
				}
				s.apply(cfg, d)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		name, raw := s.env, os.Getenv(s.env)
		if raw == "" && s.legacyEnv != "" {
			name, raw = s.legacyEnv, os.Getenv(s.legacyEnv)
		}
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
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", name, raw, err)
			}
		case kDuration:
			if d, err := time.ParseDuration(raw); err == nil {
				s.apply(cfg, d)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from env var %s=%q: %v. Using default value.\n", name, raw, err)
			}
		}
	}
}
