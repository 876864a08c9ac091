// Package config handles loading, defaulting, and validation of the logcat-relay
// TOML configuration file. Every section maps to a typed struct so the rest
// of the codebase gets strong typing without manual key lookups. Environment
// variables prefixed with LOGCAT_ override file values (LOGCAT_SERVER_BIND,
// LOGCAT_PRODUCER_PATH, ...).
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
)

// EnvPrefix is the prefix for environment overrides.
const EnvPrefix = "LOGCAT"

// DefaultPath is where logcatd and logcatctl look for a config file when
// none is given on the command line.
const DefaultPath = "/etc/logcat/logcat.toml"

// Config is the top-level configuration, mirroring the TOML sections.
type Config struct {
	Server   ServerConfig   `toml:"server"   json:"server"`
	Producer ProducerConfig `toml:"producer" json:"producer"`
	Batch    BatchConfig    `toml:"batch"    json:"batch"`
	Logging  LoggingConfig  `toml:"logging"  json:"logging"`
	Viewer   ViewerConfig   `toml:"viewer"   json:"viewer"`
}

type ServerConfig struct {
	Bind     string `toml:"bind"      json:"bind"      split_words:"true"`
	LockFile string `toml:"lock_file" json:"lock_file" split_words:"true"`
}

// ProducerConfig describes the external log-producing executable. The
// device selector ("-s <udid>") is always placed before StreamArgs and
// ClearArgs; a stream filter is appended after StreamArgs. Demo replaces the
// executable with a simulated device stream.
type ProducerConfig struct {
	Path           string   `toml:"path"             json:"path"             split_words:"true"`
	StreamArgs     []string `toml:"stream_args"      json:"stream_args"      split_words:"true"`
	ClearArgs      []string `toml:"clear_args"       json:"clear_args"       split_words:"true"`
	Demo           bool     `toml:"demo"             json:"demo"             split_words:"true"`
	DemoIntervalMS int      `toml:"demo_interval_ms" json:"demo_interval_ms" split_words:"true"`
}

type BatchConfig struct {
	FlushIntervalMS int `toml:"flush_interval_ms" json:"flush_interval_ms" split_words:"true"`
	MaxLines        int `toml:"max_lines"         json:"max_lines"         split_words:"true"`
}

type LoggingConfig struct {
	Level string `toml:"level" json:"level" split_words:"true"`
	File  string `toml:"file"  json:"file"  split_words:"true"`
}

// ViewerConfig is consumed by logcatctl. Host, Port, Path and Secure select
// the daemon's multiplex endpoint.
type ViewerConfig struct {
	Host             string `toml:"host"               json:"host"               split_words:"true"`
	Port             int    `toml:"port"               json:"port"               split_words:"true"`
	Path             string `toml:"path"               json:"path"               split_words:"true"`
	Secure           bool   `toml:"secure"             json:"secure"             split_words:"true"`
	ReconnectDelayMS int    `toml:"reconnect_delay_ms" json:"reconnect_delay_ms" split_words:"true"`
	HistoryCapacity  int    `toml:"history_capacity"   json:"history_capacity"   split_words:"true"`
}

// FlushInterval returns the batch timer as a duration.
func (b BatchConfig) FlushInterval() time.Duration {
	return time.Duration(b.FlushIntervalMS) * time.Millisecond
}

// DemoInterval returns the simulated producer's burst interval.
func (p ProducerConfig) DemoInterval() time.Duration {
	return time.Duration(p.DemoIntervalMS) * time.Millisecond
}

// ReconnectDelay returns the viewer reconnect delay as a duration.
func (v ViewerConfig) ReconnectDelay() time.Duration {
	return time.Duration(v.ReconnectDelayMS) * time.Millisecond
}

// Default returns a Config populated with sane defaults. Values here are
// used whenever the TOML file omits a field.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind:     "0.0.0.0:8090",
			LockFile: "",
		},
		Producer: ProducerConfig{
			Path:           defaultProducerPath(),
			StreamArgs:     []string{"logcat", "-v", "time"},
			ClearArgs:      []string{"logcat", "-c"},
			DemoIntervalMS: 500,
		},
		Batch: BatchConfig{
			FlushIntervalMS: 50,
			MaxLines:        100,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Viewer: ViewerConfig{
			Host:             "127.0.0.1",
			Port:             8090,
			Path:             "/",
			Secure:           false,
			ReconnectDelayMS: 3000,
			HistoryCapacity:  5000,
		},
	}
}

func defaultProducerPath() string {
	if runtime.GOOS == "windows" {
		return "adb.exe"
	}
	return "adb"
}

// Load reads the TOML file at path, layers it on top of the defaults,
// applies environment overrides, and validates the result. An error is
// returned if the file can't be read, parsed, or if any constraint is
// violated.
func Load(path string) (Config, error) {
	cfg := Default()

	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	if err := toml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}

	return finish(cfg)
}

// LoadOrDefault behaves like Load but treats a missing file as empty, so
// both binaries run out of the box without /etc/logcat/logcat.toml.
func LoadOrDefault(path string) (Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return finish(Default())
	}
	return cfg, err
}

func finish(cfg Config) (Config, error) {
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return cfg, fmt.Errorf("env overrides: %w", err)
	}
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	if cfg.Server.Bind == "" {
		return errors.New("server.bind must not be empty")
	}
	if cfg.Producer.Path == "" {
		return errors.New("producer.path must not be empty")
	}
	if len(cfg.Producer.StreamArgs) == 0 {
		return errors.New("producer.stream_args must not be empty")
	}
	if len(cfg.Producer.ClearArgs) == 0 {
		return errors.New("producer.clear_args must not be empty")
	}
	if cfg.Producer.Demo && cfg.Producer.DemoIntervalMS < 1 {
		return errors.New("producer.demo_interval_ms must be >= 1")
	}
	if cfg.Batch.FlushIntervalMS < 1 {
		return errors.New("batch.flush_interval_ms must be >= 1")
	}
	if cfg.Batch.MaxLines < 1 {
		return errors.New("batch.max_lines must be >= 1")
	}
	switch cfg.Logging.Level {
	case "debug", "info":
	default:
		return fmt.Errorf("logging.level must be debug or info, got %q", cfg.Logging.Level)
	}
	if cfg.Viewer.Port < 1 || cfg.Viewer.Port > 65535 {
		return errors.New("viewer.port must be between 1 and 65535")
	}
	if cfg.Viewer.ReconnectDelayMS < 1 {
		return errors.New("viewer.reconnect_delay_ms must be >= 1")
	}
	if cfg.Viewer.HistoryCapacity < 1 {
		return errors.New("viewer.history_capacity must be >= 1")
	}
	return nil
}
