package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from an optional file plus environment
// overrides (prefix TIMEBRIDGE_, dots become underscores, e.g.
// TIMEBRIDGE_SERVER_ADDR, TIMEBRIDGE_NOTION_CLIENT_SECRET).
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix("TIMEBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("timebridge")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/timebridge")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
			// No file is fine; defaults plus env carry the day.
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can see it.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.webhook_secret", d.Server.WebhookSecret)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)

	v.SetDefault("notion.base_url", d.Notion.BaseURL)
	v.SetDefault("notion.version", d.Notion.Version)
	v.SetDefault("notion.client_id", d.Notion.ClientID)
	v.SetDefault("notion.client_secret", d.Notion.ClientSecret)
	v.SetDefault("notion.tasks_database_id", d.Notion.TasksDatabaseID)
	v.SetDefault("notion.timer_property", d.Notion.TimerProperty)
	v.SetDefault("notion.entry_property", d.Notion.EntryProperty)
	v.SetDefault("notion.timeout", d.Notion.Timeout)
	v.SetDefault("notion.max_retries", d.Notion.MaxRetries)

	v.SetDefault("toggl.base_url", d.Toggl.BaseURL)
	v.SetDefault("toggl.timeout", d.Toggl.Timeout)
	v.SetDefault("toggl.max_retries", d.Toggl.MaxRetries)

	v.SetDefault("storage.data_dir", d.Storage.DataDir)
	v.SetDefault("storage.db_path", d.Storage.DBPath)
	v.SetDefault("storage.encryption_key", d.Storage.EncryptionKey)

	v.SetDefault("sync.cursor_bootstrap", d.Sync.CursorBootstrap)
	v.SetDefault("sync.max_attempts", d.Sync.MaxAttempts)
	v.SetDefault("sync.poll_interval", d.Sync.PollInterval)
	v.SetDefault("sync.dispatch_interval", d.Sync.DispatchInterval)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file", d.Log.File)
}
