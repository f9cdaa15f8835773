// Package config loads the YAML configuration of the cartridge server.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/eigerco/cartridge/pkg/log"
)

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Listen  string        `yaml:"listen"`
	Storage StorageConfig `yaml:"storage"`
	Log     LogConfig     `yaml:"log"`
	Channel ChannelConfig `yaml:"channel"`
	App     AppConfig     `yaml:"app"`
	Jobs    JobsConfig    `yaml:"jobs"`
	// QUICListen is the UDP address of the QUIC chat listener; empty
	// disables it.
	QUICListen string `yaml:"quic_listen"`
	// Metrics is the path /metrics is served on; empty disables it.
	Metrics string `yaml:"metrics"`
}

const (
	EnginePebble = "pebble"
	EngineBadger = "badger"
)

type StorageConfig struct {
	// Engine is the storage medium: "pebble" or "badger".
	Engine string `yaml:"engine"`
	// Dir is the data directory. Empty keeps everything in memory.
	Dir       string `yaml:"dir"`
	CacheSize int64  `yaml:"cache_size"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	Type  string `yaml:"type"`
}

type ChannelConfig struct {
	ReadLimit    int64         `yaml:"read_limit"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// AllowedOrigins lists browser origins allowed to open websockets; "*"
	// allows any. Empty keeps the same-origin check.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type AppConfig struct {
	// Templates is a directory of *.mustache files installed on start.
	Templates     string `yaml:"templates"`
	ChatRetention int    `yaml:"chat_retention"`
}

type JobsConfig struct {
	// HistorySize bounds the succeeded and the failed job records kept.
	HistorySize int `yaml:"history_size"`
	// CleanupInterval is how often finished records older than Keep are
	// deleted. Zero disables it.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	Keep            time.Duration `yaml:"keep"`
}

func Default() Config {
	return Config{
		Listen: "127.0.0.1:5001",
		Storage: StorageConfig{
			Engine:    EnginePebble,
			CacheSize: 64 << 20,
		},
		Log: LogConfig{
			Level: "info",
			Type:  "console",
		},
		Channel: ChannelConfig{
			ReadLimit:    1 << 20,
			WriteTimeout: 10 * time.Second,
		},
		App: AppConfig{
			ChatRetention: 10,
		},
		Jobs: JobsConfig{
			HistorySize:     100,
			CleanupInterval: time.Hour,
			Keep:            7 * 24 * time.Hour,
		},
		Metrics: "/metrics",
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("%w: listen address is required", ErrInvalid)
	}
	switch c.Storage.Engine {
	case EnginePebble, EngineBadger:
	default:
		return fmt.Errorf("%w: unknown storage.engine %q", ErrInvalid, c.Storage.Engine)
	}
	if c.Storage.CacheSize < 0 {
		return fmt.Errorf("%w: storage.cache_size must not be negative", ErrInvalid)
	}
	if _, err := c.LogOptions(); err != nil {
		return err
	}
	if c.Channel.ReadLimit <= 0 {
		return fmt.Errorf("%w: channel.read_limit must be positive", ErrInvalid)
	}
	if c.Channel.WriteTimeout <= 0 {
		return fmt.Errorf("%w: channel.write_timeout must be positive", ErrInvalid)
	}
	if c.App.ChatRetention < 1 {
		return fmt.Errorf("%w: app.chat_retention must be at least 1", ErrInvalid)
	}
	if c.Jobs.HistorySize < 1 {
		return fmt.Errorf("%w: jobs.history_size must be at least 1", ErrInvalid)
	}
	if c.Jobs.CleanupInterval < 0 || c.Jobs.Keep < 0 {
		return fmt.Errorf("%w: jobs durations must not be negative", ErrInvalid)
	}
	return nil
}

// LogOptions converts the log section for log.Init.
func (c Config) LogOptions() (log.Options, error) {
	level, err := log.ParseLogLevel(c.Log.Level)
	if err != nil {
		return log.Options{}, fmt.Errorf("%w: log.level: %w", ErrInvalid, err)
	}
	if level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	typ, err := log.ParseLoggerType(c.Log.Type)
	if err != nil {
		return log.Options{}, fmt.Errorf("%w: log.type: %w", ErrInvalid, err)
	}
	return log.Options{LogLevel: level, Type: typ}, nil
}
