package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/timebridge/timebridge/internal/models"
)

// Config holds all application configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Notion  NotionConfig  `mapstructure:"notion"`
	Toggl   TogglConfig   `mapstructure:"toggl"`
	Storage StorageConfig `mapstructure:"storage"`
	Sync    SyncConfig    `mapstructure:"sync"`
	Log     LogConfig     `mapstructure:"log"`
}

// ServerConfig for the HTTP surface.
type ServerConfig struct {
	Addr          string        `mapstructure:"addr"`
	WebhookSecret string        `mapstructure:"webhook_secret"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
}

// NotionConfig for the document-side API.
type NotionConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	Version      string        `mapstructure:"version"` // Notion-Version protocol header
	ClientID     string        `mapstructure:"client_id"`
	ClientSecret string        `mapstructure:"client_secret"`
	// TasksDatabaseID is the fallback container for mapper-created pages
	// when an account has no per-user database configured.
	TasksDatabaseID string        `mapstructure:"tasks_database_id"`
	TimerProperty   string        `mapstructure:"timer_property"`
	EntryProperty   string        `mapstructure:"entry_property"`
	Timeout         time.Duration `mapstructure:"timeout"`
	MaxRetries      int           `mapstructure:"max_retries"`
}

// TogglConfig for the tracking-side API.
type TogglConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
}

// StorageConfig for local state.
type StorageConfig struct {
	DataDir string `mapstructure:"data_dir"`
	DBPath  string `mapstructure:"db_path"`
	// EncryptionKey is the base64 of 32 bytes used to seal stored
	// tracking credentials.
	EncryptionKey string `mapstructure:"encryption_key"`
}

// SyncConfig for producer/consumer behavior.
type SyncConfig struct {
	// CursorBootstrap bounds the first poll for a user with no cursor.
	CursorBootstrap time.Duration `mapstructure:"cursor_bootstrap"`
	// MaxAttempts dead-letters a job after this many claims.
	MaxAttempts int `mapstructure:"max_attempts"`
	// PollInterval and DispatchInterval drive the internal tickers in
	// serve mode. Zero disables a ticker; external cron can POST the
	// endpoints instead.
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	DispatchInterval time.Duration `mapstructure:"dispatch_interval"`
}

// LogConfig for logging behavior.
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // text, json
	File   string `mapstructure:"file"`   // empty = stdout
}

// DefaultConfig returns config with sensible defaults.
func DefaultConfig() *Config {
	dataDir := ".timebridge"

	return &Config{
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Notion: NotionConfig{
			BaseURL:       "https://api.notion.com",
			Version:       "2022-06-28",
			TimerProperty: "Timer Started",
			EntryProperty: "Toggl Entry ID",
			Timeout:       30 * time.Second,
			MaxRetries:    3,
		},
		Toggl: TogglConfig{
			BaseURL:    "https://api.track.toggl.com/api/v9",
			Timeout:    30 * time.Second,
			MaxRetries: 3,
		},
		Storage: StorageConfig{
			DataDir: dataDir,
			DBPath:  filepath.Join(dataDir, "timebridge.db"),
		},
		Sync: SyncConfig{
			CursorBootstrap:  24 * time.Hour,
			MaxAttempts:      25,
			PollInterval:     0,
			DispatchInterval: 0,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks configuration validity. Failures wrap
// models.ErrInvalidConfig.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("%w: server.addr is required", models.ErrInvalidConfig)
	}

	if c.Notion.BaseURL == "" || c.Toggl.BaseURL == "" {
		return fmt.Errorf("%w: notion.base_url and toggl.base_url are required", models.ErrInvalidConfig)
	}

	if c.Notion.Timeout <= 0 || c.Toggl.Timeout <= 0 {
		return fmt.Errorf("%w: API timeouts must be positive", models.ErrInvalidConfig)
	}

	if c.Notion.TimerProperty == "" || c.Notion.EntryProperty == "" {
		return fmt.Errorf("%w: notion timer/entry property names are required", models.ErrInvalidConfig)
	}

	if c.Sync.CursorBootstrap <= 0 {
		return fmt.Errorf("%w: sync.cursor_bootstrap must be positive", models.ErrInvalidConfig)
	}

	if c.Sync.MaxAttempts <= 0 {
		return fmt.Errorf("%w: sync.max_attempts must be positive", models.ErrInvalidConfig)
	}

	if c.Storage.EncryptionKey != "" {
		key, err := base64.StdEncoding.DecodeString(c.Storage.EncryptionKey)
		if err != nil {
			return fmt.Errorf("%w: storage.encryption_key is not base64: %v", models.ErrInvalidConfig, err)
		}
		if len(key) != 32 {
			return fmt.Errorf("%w: storage.encryption_key must decode to 32 bytes", models.ErrInvalidConfig)
		}
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("%w: invalid log level: %s", models.ErrInvalidConfig, c.Log.Level)
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("%w: invalid log format: %s", models.ErrInvalidConfig, c.Log.Format)
	}

	return nil
}

// SealingKey returns the decoded credential sealing key.
func (c *Config) SealingKey() ([32]byte, error) {
	var key [32]byte
	if c.Storage.EncryptionKey == "" {
		return key, errors.New("storage.encryption_key not set")
	}
	raw, err := base64.StdEncoding.DecodeString(c.Storage.EncryptionKey)
	if err != nil || len(raw) != 32 {
		return key, errors.New("storage.encryption_key must be base64 of 32 bytes")
	}
	copy(key[:], raw)
	return key, nil
}

// EnsureDirectories creates required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Storage.DataDir,
		filepath.Dir(c.Storage.DBPath),
	}

	if c.Log.File != "" {
		dirs = append(dirs, filepath.Dir(c.Log.File))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}
