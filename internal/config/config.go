// Package config loads configuration from a YAML file, a .env file and
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all photocache configuration.
type Config struct {
	Cache     CacheConfig     `mapstructure:"cache"`
	Workers   WorkersConfig   `mapstructure:"workers"`
	Transcode TranscodeConfig `mapstructure:"transcode"`
	Source    SourceConfig    `mapstructure:"source"`
	S3        S3Config        `mapstructure:"s3"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// CacheConfig holds cache store settings.
type CacheConfig struct {
	Dir        string `mapstructure:"dir"`
	StagingDir string `mapstructure:"staging_dir"`
	MaxBytes   int64  `mapstructure:"max_bytes"` // eviction budget
}

// WorkersConfig holds fetch/transcode pool settings.
type WorkersConfig struct {
	MaxConcurrentFetches int           `mapstructure:"max_concurrent_fetches"`
	RetryCount           int           `mapstructure:"retry_count"`
	RetryWait            time.Duration `mapstructure:"retry_wait"` // linear backoff step
}

// TranscodeConfig holds the fixed output parameters.
type TranscodeConfig struct {
	DimensionBound int    `mapstructure:"dimension_bound"`
	Codec          string `mapstructure:"codec"` // jpeg or png
	Quality        int    `mapstructure:"quality"`
}

// SourceConfig describes where originals are enumerated from.
type SourceConfig struct {
	Backend      string        `mapstructure:"backend"` // local or s3
	Root         string        `mapstructure:"root"`
	Prefix       string        `mapstructure:"prefix"`
	FavoritesKey string        `mapstructure:"favorites_key"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// S3Config holds S3/MinIO settings for the s3 source backend.
type S3Config struct {
	Endpoint  string `mapstructure:"endpoint"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
}

// PublisherConfig holds snapshot broadcast settings.
type PublisherConfig struct {
	SubscriberBuffer int `mapstructure:"subscriber_buffer"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	ListenAddr  string `mapstructure:"listen_addr"`
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level     string `mapstructure:"level"`
	Format    string `mapstructure:"format"`
	Output    string `mapstructure:"output"`
	MaxSizeMB int    `mapstructure:"max_size_mb"`
}

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Cache: CacheConfig{
			Dir:        filepath.Join(defaultDataPath(), "cache"),
			StagingDir: filepath.Join(defaultDataPath(), "staging"),
			MaxBytes:   512 << 20,
		},
		Workers: WorkersConfig{
			MaxConcurrentFetches: 4,
			RetryCount:           2,
			RetryWait:            200 * time.Millisecond,
		},
		Transcode: TranscodeConfig{
			DimensionBound: 1024,
			Codec:          "jpeg",
			Quality:        80,
		},
		Source: SourceConfig{
			Backend:      "local",
			Root:         ".",
			FavoritesKey: ".favorites",
			PollInterval: 30 * time.Second,
		},
		S3: S3Config{
			Endpoint: "http://localhost:9000",
			Region:   "us-east-1",
		},
		Publisher: PublisherConfig{
			SubscriberBuffer: 16,
		},
		Server: ServerConfig{
			ListenAddr:  ":8080",
			MetricsAddr: ":9090",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stderr",
		},
	}
}

func defaultDataPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".photocache"
	}
	return filepath.Join(home, ".local", "share", "photocache")
}

// Load reads configuration with defaults. configFile may be empty, in which
// case photocache.yaml is searched in . and ~/.config/photocache.
func Load(configFile string) (*Config, error) {
	// A missing .env is fine.
	_ = godotenv.Load()

	v := viper.New()
	cfg := DefaultConfig()
	setDefaults(v, cfg)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("photocache")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "photocache"))
		}
	}

	v.SetEnvPrefix("PHOTOCACHE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override keys that
// are absent from the config file.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("cache.dir", cfg.Cache.Dir)
	v.SetDefault("cache.staging_dir", cfg.Cache.StagingDir)
	v.SetDefault("cache.max_bytes", cfg.Cache.MaxBytes)
	v.SetDefault("workers.max_concurrent_fetches", cfg.Workers.MaxConcurrentFetches)
	v.SetDefault("workers.retry_count", cfg.Workers.RetryCount)
	v.SetDefault("workers.retry_wait", cfg.Workers.RetryWait)
	v.SetDefault("transcode.dimension_bound", cfg.Transcode.DimensionBound)
	v.SetDefault("transcode.codec", cfg.Transcode.Codec)
	v.SetDefault("transcode.quality", cfg.Transcode.Quality)
	v.SetDefault("source.backend", cfg.Source.Backend)
	v.SetDefault("source.root", cfg.Source.Root)
	v.SetDefault("source.prefix", cfg.Source.Prefix)
	v.SetDefault("source.favorites_key", cfg.Source.FavoritesKey)
	v.SetDefault("source.poll_interval", cfg.Source.PollInterval)
	v.SetDefault("s3.endpoint", cfg.S3.Endpoint)
	v.SetDefault("s3.bucket", cfg.S3.Bucket)
	v.SetDefault("s3.region", cfg.S3.Region)
	v.SetDefault("s3.access_key", cfg.S3.AccessKey)
	v.SetDefault("s3.secret_key", cfg.S3.SecretKey)
	v.SetDefault("publisher.subscriber_buffer", cfg.Publisher.SubscriberBuffer)
	v.SetDefault("server.listen_addr", cfg.Server.ListenAddr)
	v.SetDefault("server.metrics_addr", cfg.Server.MetricsAddr)
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.output", cfg.Logging.Output)
	v.SetDefault("logging.max_size_mb", cfg.Logging.MaxSizeMB)
}

// Validate checks option ranges.
func (c *Config) Validate() error {
	if c.Cache.Dir == "" {
		return fmt.Errorf("%w: cache.dir is required", ErrInvalidConfig)
	}
	if c.Cache.MaxBytes <= 0 {
		return fmt.Errorf("%w: cache.max_bytes must be positive", ErrInvalidConfig)
	}
	if c.Workers.MaxConcurrentFetches <= 0 {
		return fmt.Errorf("%w: workers.max_concurrent_fetches must be positive", ErrInvalidConfig)
	}
	if c.Workers.RetryCount < 0 {
		return fmt.Errorf("%w: workers.retry_count must not be negative", ErrInvalidConfig)
	}
	if c.Transcode.DimensionBound <= 0 {
		return fmt.Errorf("%w: transcode.dimension_bound must be positive", ErrInvalidConfig)
	}
	switch c.Transcode.Codec {
	case "jpeg", "png":
	default:
		return fmt.Errorf("%w: unknown transcode.codec %q", ErrInvalidConfig, c.Transcode.Codec)
	}
	switch c.Source.Backend {
	case "local":
	case "s3":
		if c.S3.Bucket == "" {
			return fmt.Errorf("%w: s3.bucket is required for the s3 source", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown source.backend %q", ErrInvalidConfig, c.Source.Backend)
	}
	if c.Publisher.SubscriberBuffer <= 0 {
		return fmt.Errorf("%w: publisher.subscriber_buffer must be positive", ErrInvalidConfig)
	}
	return nil
}
