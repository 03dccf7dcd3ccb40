package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Warehouse WarehouseConfig `yaml:"warehouse" mapstructure:"warehouse"`
	Aggregate AggregateConfig `yaml:"aggregate" mapstructure:"aggregate"`
	Locales   LocalesConfig   `yaml:"locales" mapstructure:"locales"`
	Worker    WorkerConfig    `yaml:"worker" mapstructure:"worker"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the relational store.
type StoreConfig struct {
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// WarehouseConfig configures the analytical warehouse client.
type WarehouseConfig struct {
	BaseURL          string  `yaml:"base_url" mapstructure:"base_url"`
	TablePrefix      string  `yaml:"table_prefix" mapstructure:"table_prefix"`
	MaxRowsPerPage   int     `yaml:"max_rows_per_page" mapstructure:"max_rows_per_page"`
	CursorTimeoutSec int     `yaml:"cursor_timeout_secs" mapstructure:"cursor_timeout_secs"`
	FetchRetries     int     `yaml:"fetch_retries" mapstructure:"fetch_retries"`
	RequestsPerSec   float64 `yaml:"requests_per_sec" mapstructure:"requests_per_sec"`
}

// CursorTimeout returns the absolute per-cursor time budget.
func (c WarehouseConfig) CursorTimeout() time.Duration {
	return time.Duration(c.CursorTimeoutSec) * time.Second
}

// AggregateConfig configures the aggregation engine.
type AggregateConfig struct {
	MinSamples int      `yaml:"min_samples" mapstructure:"min_samples"`
	Splits     []string `yaml:"splits" mapstructure:"splits"`
}

// LocalesConfig configures the locale catalog and spatial index.
type LocalesConfig struct {
	RefreshIntervalHours int `yaml:"refresh_interval_hours" mapstructure:"refresh_interval_hours"`
}

// RefreshInterval returns the catalog/index refresh interval as a duration.
func (c LocalesConfig) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalHours) * time.Hour
}

// WorkerConfig configures the task-queue worker pool.
type WorkerConfig struct {
	Concurrency     int `yaml:"concurrency" mapstructure:"concurrency"`
	PollIntervalSec int `yaml:"poll_interval_secs" mapstructure:"poll_interval_secs"`
	MaxAttempts     int `yaml:"max_attempts" mapstructure:"max_attempts"`
}

// PollInterval returns the idle-queue polling interval.
func (c WorkerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

// ServerConfig configures the HTTP receiver.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("PERFATLAS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("warehouse.table_prefix", "tests")
	v.SetDefault("warehouse.max_rows_per_page", 2000)
	v.SetDefault("warehouse.cursor_timeout_secs", 600)
	v.SetDefault("warehouse.fetch_retries", 4)
	v.SetDefault("warehouse.requests_per_sec", 10)
	v.SetDefault("aggregate.min_samples", 100)
	v.SetDefault("locales.refresh_interval_hours", 48)
	v.SetDefault("worker.concurrency", 2)
	v.SetDefault("worker.poll_interval_secs", 5)
	v.SetDefault("worker.max_attempts", 5)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
