package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/MimeLyc/procmap-orchestrator/pkg/icron"
	"github.com/MimeLyc/procmap-orchestrator/pkg/log"
	"github.com/joho/godotenv"
)

// Config holds all application configuration
// Values come from the environment (optionally seeded from a .env file)
// and may be overridden by a YAML settings file.
//
// Environment Variables:
// Remote Service:
// - PROCOPT_API_URL: base URL of the processing service (default: http://localhost:5001)
// - REMOTE_TIMEOUT: per-request timeout (default: 30s)
//
// Pipeline:
// - POLL_INTERVAL: period between poll cycles (default: 2s)
// - POLL_CONCURRENCY: concurrent fetches per cycle (default: 4)
// - ADVANCE_DELAY: debounce before a stage advance-request is sent (default: 1s)
// - CHAT_TIMEOUT: timeout for one chat round trip (default: 60s)
//
// Inbox:
// - INBOX_DIR: directory scanned for new process maps (optional)
// - INBOX_CRON: scan schedule (default: @every 30s)
//
// System:
// - HTTP_ADDR: local API bind address (default: :8080)
// - UI_STATIC_DIR: built web UI served next to the API (optional)
// - DATA_DIR: lock file and artifact archive location (default: ./data)
// - OUTPUT_DIR: where exported markdown is written (optional)
// - LOG_LEVEL: debug, info, warn, error (default: info)
// - SETTINGS_FILE: YAML overrides (optional)
type Config struct {
	Remote RemoteConfig `json:"remote"`

	Pipeline PipelineConfig `json:"pipeline"`

	Inbox InboxConfig `json:"inbox"`

	HTTP HTTPConfig `json:"http"`

	System SystemConfig `json:"system"`
}

// RemoteConfig locates the processing service.
type RemoteConfig struct {
	BaseURL string        `json:"base_url"`
	Timeout time.Duration `json:"timeout"`
}

type PipelineConfig struct {
	PollInterval    time.Duration `json:"poll_interval"`
	PollConcurrency int           `json:"poll_concurrency"`
	AdvanceDelay    time.Duration `json:"advance_delay"`
	ChatTimeout     time.Duration `json:"chat_timeout"`
}

type InboxConfig struct {
	Dir      string `json:"dir"`
	CronExpr string `json:"cron_expr"`
}

type HTTPConfig struct {
	Addr        string `json:"addr"`
	UIStaticDir string `json:"ui_static_dir"`
}

// SystemConfig holds process-level settings
type SystemConfig struct {
	DataDir      string `json:"data_dir"`
	OutputDir    string `json:"output_dir"`
	LogLevel     string `json:"log_level"`
	SettingsFile string `json:"settings_file"`
}

// DBPath is the artifact archive location.
func (c *Config) DBPath() string {
	return filepath.Join(c.System.DataDir, "procmap.db")
}

// LockPath guards against two orchestrators sharing one data dir.
func (c *Config) LockPath() string {
	return filepath.Join(c.System.DataDir, "procmap.lock")
}

// Option is a function type for configuring Config
type Option func(*Config)

// New loads .env (when present), the environment, and the settings file
// named by SETTINGS_FILE.
func New(opts ...Option) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	if path := getEnvString("SETTINGS_FILE", ""); path != "" {
		settings, err := LoadRuntimeSettingsFile(path)
		if err != nil {
			return nil, fmt.Errorf("load settings file %s: %w", path, err)
		}
		opts = append([]Option{WithRuntimeSettings(settings)}, opts...)
	}
	return NewFromEnv(opts...)
}

// NewFromEnv creates a new Config instance with values from environment variables and options
func NewFromEnv(opts ...Option) (*Config, error) {
	config := &Config{
		Remote: RemoteConfig{
			BaseURL: getEnvString("PROCOPT_API_URL", "http://localhost:5001"),
			Timeout: getEnvDuration("REMOTE_TIMEOUT", 30*time.Second),
		},
		Pipeline: PipelineConfig{
			PollInterval:    getEnvDuration("POLL_INTERVAL", 2*time.Second),
			PollConcurrency: getEnvInt("POLL_CONCURRENCY", 4),
			AdvanceDelay:    getEnvDuration("ADVANCE_DELAY", time.Second),
			ChatTimeout:     getEnvDuration("CHAT_TIMEOUT", 60*time.Second),
		},
		Inbox: InboxConfig{
			Dir:      getEnvString("INBOX_DIR", ""),
			CronExpr: getEnvString("INBOX_CRON", "@every 30s"),
		},
		HTTP: HTTPConfig{
			Addr:        getEnvString("HTTP_ADDR", ":8080"),
			UIStaticDir: getEnvString("UI_STATIC_DIR", ""),
		},
		System: SystemConfig{
			DataDir:      getEnvString("DATA_DIR", "./data"),
			OutputDir:    getEnvString("OUTPUT_DIR", ""),
			LogLevel:     getEnvString("LOG_LEVEL", "info"),
			SettingsFile: getEnvString("SETTINGS_FILE", ""),
		},
	}

	for _, opt := range opts {
		opt(config)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	log.Debug("Config: %+v", *config)
	return config, nil
}

// validate checks if all required configuration is properly set
func (c *Config) validate() error {
	if strings.TrimSpace(c.Remote.BaseURL) == "" {
		return fmt.Errorf("PROCOPT_API_URL is required")
	}
	if !strings.HasPrefix(c.Remote.BaseURL, "http://") && !strings.HasPrefix(c.Remote.BaseURL, "https://") {
		return fmt.Errorf("PROCOPT_API_URL must be an http(s) URL, got %q", c.Remote.BaseURL)
	}
	if c.Remote.Timeout <= 0 {
		return fmt.Errorf("REMOTE_TIMEOUT must be positive")
	}
	if c.Pipeline.PollInterval < time.Second {
		return fmt.Errorf("POLL_INTERVAL must be at least 1s, got %s", c.Pipeline.PollInterval)
	}
	if c.Pipeline.PollConcurrency < 1 {
		return fmt.Errorf("POLL_CONCURRENCY must be greater than 0")
	}
	if c.Pipeline.AdvanceDelay < 0 {
		return fmt.Errorf("ADVANCE_DELAY must not be negative")
	}
	if c.Pipeline.ChatTimeout <= 0 {
		return fmt.Errorf("CHAT_TIMEOUT must be positive")
	}
	if c.Inbox.Dir != "" {
		if _, err := icron.ParseSchedule(c.Inbox.CronExpr); err != nil {
			return fmt.Errorf("invalid INBOX_CRON: %w", err)
		}
	}
	if strings.TrimSpace(c.System.DataDir) == "" {
		return fmt.Errorf("DATA_DIR is required")
	}
	return nil
}

// getEnvString gets a string value from environment variables with default
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer value from environment variables with default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("2s") or bare seconds ("2").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	log.Warn("Ignoring invalid duration %s=%q", key, value)
	return defaultValue
}
