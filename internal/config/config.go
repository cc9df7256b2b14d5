package config

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	StoreBackend string `envconfig:"STORE_BACKEND" default:"memory"`

	APIBaseURL string `envconfig:"API_BASE_URL"`
	APIToken   string `envconfig:"API_TOKEN"`

	Scope     string `envconfig:"SCOPE" default:"private"`
	ZoneName  string `envconfig:"ZONE_NAME" default:"payloads"`
	ZoneOwner string `envconfig:"ZONE_OWNER" default:"_default"`

	StagingDir      string        `envconfig:"STAGING_DIR" default:"staging"`
	CacheDir        string        `envconfig:"CACHE_DIR" default:"cache"`
	ScratchDir      string        `envconfig:"SCRATCH_DIR" default:"scratch"`
	JournalPath     string        `envconfig:"JOURNAL_PATH" default:"transfers.db"`
	KeepStagingFor  time.Duration `envconfig:"KEEP_STAGING_FOR" default:"24h"`
	CleanupInterval time.Duration `envconfig:"CLEANUP_INTERVAL" default:"10m"`

	// EncryptionKey is a base64-encoded 32-byte key; empty disables
	// end-to-end encryption.
	EncryptionKey string `envconfig:"ENCRYPTION_KEY"`

	// MemoryDelay is the simulated latency of the in-memory backend.
	MemoryDelay time.Duration `envconfig:"MEMORY_DELAY" default:"100ms"`

	LogLevel   string `envconfig:"LOG_LEVEL" default:"INFO"`
	WebhookURL string `envconfig:"WEBHOOK_URL"`

	Auth struct {
		Username string `split_words:"true"`
		Password string `split_words:"true"`
	}

	Telemetry struct {
		Enabled     bool   `split_words:"true" default:"true"`
		ServiceName string `split_words:"true" default:"recordvault"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:8080"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	return &cfg, nil
}

// Key decodes the configured encryption key, nil when unset.
func (c *Config) Key() ([]byte, error) {
	if c.EncryptionKey == "" {
		return nil, nil
	}

	key, err := base64.StdEncoding.DecodeString(c.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: %w", err)
	}

	return key, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
