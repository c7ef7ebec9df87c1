package config

import (
	"fmt"
	"os"

	"github.com/mitchellh/mapstructure"
	"github.com/wavecap/wavecap/notify"
	"github.com/wavecap/wavecap/session"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

type LoggerConfig struct {
	Level string `yaml:"level"`
}

type DatabaseConfig struct {
	// Path enables the on-disk history backend; empty keeps history in
	// memory.
	Path string `yaml:"path,omitempty"`
}

type SessionConfig struct {
	// Autoload is a session file restored on startup.
	Autoload      string                       `yaml:"autoload,omitempty"`
	HistoryDepth  int                          `yaml:"history-depth,omitempty"`
	ImportWatcher *session.ImportWatcherConfig `yaml:"import-watcher,omitempty"`
}

type Config struct {
	Listener string                      `yaml:"listener"`
	BaseURL  string                      `yaml:"base-url"`
	Logger   LoggerConfig                `yaml:"logger"`
	Database DatabaseConfig              `yaml:"database"`
	Session  SessionConfig               `yaml:"session"`
	Notifier *notify.KafkaNotifierConfig `yaml:"notifier,omitempty"`
}

// NewConfig returns a new decoded Config struct
func NewConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return NewConfigFromStr(data)
}

// NewConfigFromStr decodes in two stages: yaml into a generic map, then
// mapstructure into the typed struct, so duration strings like "2s" parse.
func NewConfigFromStr(data []byte) (*Config, error) {
	raw := make(map[string]interface{})
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	config := &Config{
		Listener: "localhost:8080",
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "yaml",
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		Result:           config,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(raw); err != nil {
		return nil, err
	}
	return config, nil
}

// ZapLevel parses the configured log level, defaulting to info.
func (c *Config) ZapLevel() zapcore.Level {
	if c.Logger.Level == "" {
		return zapcore.InfoLevel
	}
	level, err := zapcore.ParseLevel(c.Logger.Level)
	if err != nil {
		return zapcore.InfoLevel
	}
	return level
}

// ValidateConfigPath just makes sure, that the path provided is a file,
// that can be read
func ValidateConfigPath(path string) error {
	s, err := os.Stat(path)
	if err != nil {
		return err
	}
	if s.IsDir() {
		return fmt.Errorf("'%s' is a directory, not a normal file", path)
	}
	return nil
}
