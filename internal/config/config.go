package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ilyakaznacheev/cleanenv"
)

// Config represents the global ~/.chatsync/config.toml. Every field can be
// overridden by its CHATSYNC_* environment variable.
type Config struct {
	DefaultSession string       `toml:"default_session" env:"CHATSYNC_SESSION"`
	Server         ServerConfig `toml:"server"`
	Sync           SyncConfig   `toml:"sync"`
	Log            LogConfig    `toml:"log"`
}

// ServerConfig locates the chat backend.
type ServerConfig struct {
	APIURL    string `toml:"api_url" env:"CHATSYNC_API_URL" env-default:"http://127.0.0.1:8088"`
	StreamURL string `toml:"stream_url" env:"CHATSYNC_STREAM_URL" env-default:"ws://127.0.0.1:8088/stream"`
	Token     string `toml:"token,omitempty" env:"CHATSYNC_TOKEN"`
	// SelfID is the local user id. When empty it is read from Token.
	SelfID string `toml:"self_id,omitempty" env:"CHATSYNC_SELF_ID"`
}

// SyncConfig tunes cache freshness and action handling.
type SyncConfig struct {
	ChatsStaleAfter    time.Duration `toml:"chats_stale_after" env:"CHATSYNC_CHATS_STALE_AFTER" env-default:"30s"`
	MessagesStaleAfter time.Duration `toml:"messages_stale_after" env:"CHATSYNC_MESSAGES_STALE_AFTER" env-default:"60s"`
	QueryLifetime      time.Duration `toml:"query_lifetime" env:"CHATSYNC_QUERY_LIFETIME" env-default:"5m"`
	PageSize           int           `toml:"page_size" env:"CHATSYNC_PAGE_SIZE" env-default:"30"`
	TypingTimeout      time.Duration `toml:"typing_timeout" env:"CHATSYNC_TYPING_TIMEOUT" env-default:"5s"`
	ActionTimeout      time.Duration `toml:"action_timeout" env:"CHATSYNC_ACTION_TIMEOUT" env-default:"15s"`
	RequestTimeout     time.Duration `toml:"request_timeout" env:"CHATSYNC_REQUEST_TIMEOUT" env-default:"10s"`
}

// LogConfig selects the log level.
type LogConfig struct {
	Level string `toml:"level" env:"CHATSYNC_LOG_LEVEL" env-default:"info"`
}

// Load reads config from the given path, then applies environment
// overrides and defaults. Returns nil config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault is like Load but falls back to defaults and environment
// overrides when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		var cfg Config
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, fmt.Errorf("read env: %w", err)
		}
		return &cfg, nil
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// Usage describes the environment variables the config understands.
func Usage() string {
	var cfg Config
	text, err := cleanenv.GetDescription(&cfg, nil)
	if err != nil {
		return ""
	}
	return text
}
