// Package config loads engine configuration from a YAML file and MODCKPT_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"

	"github.com/systemshift/modckpt/internal/checkpoint"
	"github.com/systemshift/modckpt/internal/engine"
	"github.com/systemshift/modckpt/internal/store"
)

// Sentinel validation errors.
var (
	ErrInvalidCompression   = errors.New("invalid store compression")
	ErrInvalidHash          = errors.New("invalid store hash")
	ErrInvalidInterval      = errors.New("anchor interval must not be negative")
	ErrInvalidSizeThreshold = errors.New("invalid anchor size threshold")
	ErrInvalidWorkers       = errors.New("builder workers must be positive")
	ErrInvalidTempMaxAge    = errors.New("gc temp max age must not be negative")
	ErrInvalidLogLevel      = errors.New("invalid logging level")
	ErrInvalidLogFormat     = errors.New("invalid logging format")
)

// Default configuration values.
const (
	DefaultCompression    = "zstd"
	DefaultHash           = "sha2-256"
	DefaultAnchorInterval = 10
	DefaultSizeThreshold  = "64MiB"
	DefaultWorkers        = 4
	DefaultTempMaxAge     = time.Hour
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "text"

	// FileName is the config file looked up inside the engine directory.
	FileName = "config"
)

// Config holds all engine configuration.
type Config struct {
	Store   StoreConfig   `mapstructure:"store"`
	Anchors AnchorsConfig `mapstructure:"anchors"`
	Builder BuilderConfig `mapstructure:"builder"`
	GC      GCConfig      `mapstructure:"gc"`
	Journal JournalConfig `mapstructure:"journal"`
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// StoreConfig selects how new blobs are written.
type StoreConfig struct {
	Compression string `mapstructure:"compression"`
	Hash        string `mapstructure:"hash"`
}

// AnchorsConfig is the anchor promotion policy.
type AnchorsConfig struct {
	Interval      int    `mapstructure:"interval"`
	SizeThreshold string `mapstructure:"size_threshold"`
}

type BuilderConfig struct {
	Workers int `mapstructure:"workers"`
}

type GCConfig struct {
	TempMaxAge time.Duration `mapstructure:"temp_max_age"`
}

type JournalConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig names a Prometheus textfile to write after each command.
type MetricsConfig struct {
	Textfile string `mapstructure:"textfile"`
}

// LoadConfig loads configuration from configPath, or from config.yaml in
// the first of searchDirs that has one, then applies environment overrides.
// A missing config file is not an error.
func LoadConfig(configPath string, searchDirs ...string) (*Config, error) {
	viperCfg := viper.New()

	setDefaults(viperCfg)

	if configPath != "" {
		viperCfg.SetConfigFile(configPath)
	} else {
		viperCfg.SetConfigName(FileName)
		viperCfg.SetConfigType("yaml")
		for _, dir := range searchDirs {
			viperCfg.AddConfigPath(dir)
		}
	}

	viperCfg.SetEnvPrefix("MODCKPT")
	viperCfg.AutomaticEnv()
	viperCfg.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	readErr := viperCfg.ReadInConfig()
	if readErr != nil {
		var notFoundErr viper.ConfigFileNotFoundError
		if !errors.As(readErr, &notFoundErr) {
			return nil, fmt.Errorf("failed to read config file: %w", readErr)
		}
	}

	var config Config

	unmarshalErr := viperCfg.Unmarshal(&config)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", unmarshalErr)
	}

	validateErr := validateConfig(&config)
	if validateErr != nil {
		return nil, fmt.Errorf("invalid configuration: %w", validateErr)
	}

	return &config, nil
}

func setDefaults(viperCfg *viper.Viper) {
	viperCfg.SetDefault("store.compression", DefaultCompression)
	viperCfg.SetDefault("store.hash", DefaultHash)

	viperCfg.SetDefault("anchors.interval", DefaultAnchorInterval)
	viperCfg.SetDefault("anchors.size_threshold", DefaultSizeThreshold)

	viperCfg.SetDefault("builder.workers", DefaultWorkers)

	viperCfg.SetDefault("gc.temp_max_age", DefaultTempMaxAge.String())

	viperCfg.SetDefault("journal.enabled", true)

	viperCfg.SetDefault("logging.level", DefaultLogLevel)
	viperCfg.SetDefault("logging.format", DefaultLogFormat)

	viperCfg.SetDefault("metrics.textfile", "")
}

func validateConfig(config *Config) error {
	if _, err := store.ParseCompression(config.Store.Compression); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidCompression, err)
	}
	if _, err := store.ParseHash(config.Store.Hash); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidHash, err)
	}
	if config.Anchors.Interval < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidInterval, config.Anchors.Interval)
	}
	if _, err := config.sizeThreshold(); err != nil {
		return err
	}
	if config.Builder.Workers <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidWorkers, config.Builder.Workers)
	}
	if config.GC.TempMaxAge < 0 {
		return fmt.Errorf("%w: %s", ErrInvalidTempMaxAge, config.GC.TempMaxAge)
	}
	switch strings.ToLower(config.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidLogLevel, config.Logging.Level)
	}
	switch config.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidLogFormat, config.Logging.Format)
	}
	return nil
}

// sizeThreshold parses a human-readable size such as "64MiB". Empty or "0"
// disables the size rule.
func (c *Config) sizeThreshold() (int64, error) {
	s := strings.TrimSpace(c.Anchors.SizeThreshold)
	if s == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidSizeThreshold, err)
	}
	return int64(n), nil
}

// EngineOptions converts the configuration to engine options. The config
// must have passed validation.
func (c *Config) EngineOptions() (engine.Options, error) {
	compression, err := store.ParseCompression(c.Store.Compression)
	if err != nil {
		return engine.Options{}, err
	}
	hash, err := store.ParseHash(c.Store.Hash)
	if err != nil {
		return engine.Options{}, err
	}
	threshold, err := c.sizeThreshold()
	if err != nil {
		return engine.Options{}, err
	}
	return engine.Options{
		Store:      store.Options{Hash: hash, Compression: compression},
		Policy:     checkpoint.Policy{Interval: c.Anchors.Interval, SizeThreshold: threshold},
		Workers:    c.Builder.Workers,
		TempMaxAge: c.GC.TempMaxAge,
	}, nil
}
