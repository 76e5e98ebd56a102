package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type Config struct {
	Server     ServerConfig
	Storage    StorageConfig
	Log        LogConfig
	Escalation EscalationConfig
	Notify     NotifyConfig
	Twilio     TwilioConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir string
	// Backend is "sqlite" or "csv".
	Backend string
}

type LogConfig struct {
	Level string
}

type EscalationConfig struct {
	PollInterval time.Duration
	MaxWait      time.Duration
}

type NotifyConfig struct {
	Schedule string
}

type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	BaseURL    string
}

// Configured reports whether outbound SMS can be sent.
func (t TwilioConfig) Configured() bool {
	return t.AccountSID != "" && t.AuthToken != "" && t.FromNumber != ""
}

const (
	BackendSQLite = "sqlite"
	BackendCSV    = "csv"
)

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 5000,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
			Backend: BackendSQLite,
		},
		Log: LogConfig{
			Level: "info",
		},
		Escalation: EscalationConfig{
			PollInterval: 3 * time.Second,
			MaxWait:      60 * time.Second,
		},
		Notify: NotifyConfig{
			Schedule: "@every 1m",
		},
		Twilio: TwilioConfig{
			BaseURL: "https://api.twilio.com",
		},
	}
}

// Load reads configuration from the JSON file at
// $XDG_CONFIG_HOME/frontdesk/config.json, then applies FRONTDESK_*
// environment overrides. Secrets come from the environment or the secrets
// file in the data directory.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()), NewSecretStore())
}

func loadWith(b ConfigBackend, secrets SecretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Twilio.AuthToken == "" {
		if tok, err := secrets.Get(secretService, "twilio_auth_token"); err == nil && tok != "" {
			cfg.Twilio.AuthToken = tok
		}
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	switch cfg.Storage.Backend {
	case BackendSQLite, BackendCSV:
	default:
		return fmt.Errorf("invalid storage.backend %q: want %s or %s", cfg.Storage.Backend, BackendSQLite, BackendCSV)
	}
	if cfg.Escalation.PollInterval <= 0 {
		return fmt.Errorf("escalation.poll_interval must be positive, got %s", cfg.Escalation.PollInterval)
	}
	if cfg.Escalation.MaxWait < cfg.Escalation.PollInterval {
		return fmt.Errorf("escalation.max_wait (%s) must be at least escalation.poll_interval (%s)",
			cfg.Escalation.MaxWait, cfg.Escalation.PollInterval)
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", cfg.Server.Port)
	}
	return nil
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "frontdesk-data"
		}
	}
	return filepath.Join(dir, "frontdesk")
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "frontdesk", "config.json")
}

// SlogLevel maps Log.Level to a name understood by slog.Level.UnmarshalText.
func (c LogConfig) SlogLevel() string {
	switch strings.ToLower(c.Level) {
	case "debug", "warn", "error":
		return strings.ToUpper(c.Level)
	}
	return "INFO"
}
