package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MimeLyc/procmap-orchestrator/pkg/icron"
	"gopkg.in/yaml.v3"
)

// RuntimeSettings is the YAML overlay applied on top of the environment.
// Empty fields leave the environment value in place.
type RuntimeSettings struct {
	APIURL       string `yaml:"api_url,omitempty" json:"api_url,omitempty"`
	PollInterval string `yaml:"poll_interval,omitempty" json:"poll_interval,omitempty"`
	AdvanceDelay string `yaml:"advance_delay,omitempty" json:"advance_delay,omitempty"`
	ChatTimeout  string `yaml:"chat_timeout,omitempty" json:"chat_timeout,omitempty"`
	InboxDir     string `yaml:"inbox_dir,omitempty" json:"inbox_dir,omitempty"`
	InboxCron    string `yaml:"inbox_cron,omitempty" json:"inbox_cron,omitempty"`
	OutputDir    string `yaml:"output_dir,omitempty" json:"output_dir,omitempty"`
	LogLevel     string `yaml:"log_level,omitempty" json:"log_level,omitempty"`
}

func (s RuntimeSettings) Validate() error {
	for name, value := range map[string]string{
		"poll_interval": s.PollInterval,
		"advance_delay": s.AdvanceDelay,
		"chat_timeout":  s.ChatTimeout,
	} {
		if strings.TrimSpace(value) == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	if strings.TrimSpace(s.InboxCron) != "" {
		if _, err := icron.ParseSchedule(s.InboxCron); err != nil {
			return fmt.Errorf("invalid inbox_cron: %w", err)
		}
	}
	return nil
}

func WithRuntimeSettings(settings RuntimeSettings) Option {
	return func(c *Config) {
		if strings.TrimSpace(settings.APIURL) != "" {
			c.Remote.BaseURL = settings.APIURL
		}
		if d, err := time.ParseDuration(settings.PollInterval); err == nil {
			c.Pipeline.PollInterval = d
		}
		if d, err := time.ParseDuration(settings.AdvanceDelay); err == nil {
			c.Pipeline.AdvanceDelay = d
		}
		if d, err := time.ParseDuration(settings.ChatTimeout); err == nil {
			c.Pipeline.ChatTimeout = d
		}
		if strings.TrimSpace(settings.InboxDir) != "" {
			c.Inbox.Dir = settings.InboxDir
		}
		if strings.TrimSpace(settings.InboxCron) != "" {
			c.Inbox.CronExpr = settings.InboxCron
		}
		if strings.TrimSpace(settings.OutputDir) != "" {
			c.System.OutputDir = settings.OutputDir
		}
		if strings.TrimSpace(settings.LogLevel) != "" {
			c.System.LogLevel = settings.LogLevel
		}
	}
}

func LoadRuntimeSettingsFile(path string) (RuntimeSettings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RuntimeSettings{}, err
	}
	var settings RuntimeSettings
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return RuntimeSettings{}, fmt.Errorf("invalid settings file: %w", err)
	}
	if err := settings.Validate(); err != nil {
		return RuntimeSettings{}, err
	}
	return settings, nil
}

func WriteRuntimeSettingsFile(path string, settings RuntimeSettings) error {
	if err := settings.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	content, err := yaml.Marshal(settings)
	if err != nil {
		return err
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, content, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// SettingsFile stores runtime settings in a YAML file.
type SettingsFile struct {
	Path string
}

// GetRuntimeSettings returns empty settings when the file does not exist yet.
func (f SettingsFile) GetRuntimeSettings() (RuntimeSettings, error) {
	settings, err := LoadRuntimeSettingsFile(f.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return RuntimeSettings{}, nil
	}
	return settings, err
}

func (f SettingsFile) UpdateRuntimeSettings(next RuntimeSettings) (RuntimeSettings, error) {
	if err := WriteRuntimeSettingsFile(f.Path, next); err != nil {
		return RuntimeSettings{}, err
	}
	return next, nil
}
