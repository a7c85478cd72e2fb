package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Liqflow   LiqflowConfig   `yaml:"liqflow"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Collector CollectorConfig `yaml:"collector"`
	Detector  DetectorConfig  `yaml:"detector"`
	Risk      RiskConfig      `yaml:"risk"`
	Cascade   CascadeConfig   `yaml:"cascade"`
	Source    SourceConfig    `yaml:"source"`
	Storage   StorageConfig   `yaml:"storage"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type LiqflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type ChannelsConfig struct {
	RawBuffer int `yaml:"raw_buffer"`
}

type CollectorConfig struct {
	BufferCapacity int             `yaml:"buffer_capacity"`
	HistoryLimit   int             `yaml:"history_limit"`
	PollTimeout    time.Duration   `yaml:"poll_timeout"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

type DetectorConfig struct {
	Sensitivity    float64 `yaml:"sensitivity"`      // [0,1]
	LookbackBars   int     `yaml:"lookback_bars"`    // candle history per analysis
	CandleInterval string  `yaml:"candle_interval"`  // e.g. 5m
	OrderBookDepth int     `yaml:"order_book_depth"` // levels per side
	TradeLimit     int     `yaml:"trade_limit"`
}

type RiskConfig struct {
	DefaultHorizonMinutes int     `yaml:"default_horizon_minutes"`
	FundingRateThreshold  float64 `yaml:"funding_rate_threshold"`
}

type CascadeConfig struct {
	MinProbability   float64       `yaml:"min_probability"`
	WindowMinutes    int           `yaml:"window_minutes"`
	ClusterSpan      time.Duration `yaml:"cluster_span"`
	MinClusterEvents int           `yaml:"min_cluster_events"`
	MinEventNotional float64       `yaml:"min_event_notional"`
}

type SourceConfig struct {
	Binance ExchangeSourceConfig `yaml:"binance"`
	Bybit   ExchangeSourceConfig `yaml:"bybit"`
	Okx     ExchangeSourceConfig `yaml:"okx"`
	Kucoin  ExchangeSourceConfig `yaml:"kucoin"`
}

type ExchangeSourceConfig struct {
	Enabled      bool          `yaml:"enabled"`
	URL          string        `yaml:"url"`
	WebsocketURL string        `yaml:"websocket_url"`
	Symbols      []string      `yaml:"symbols"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// EnabledSources returns the source configs that are switched on, keyed by
// exchange name.
func (s SourceConfig) EnabledSources() map[string]ExchangeSourceConfig {
	out := make(map[string]ExchangeSourceConfig, 4)
	if s.Binance.Enabled {
		out["binance"] = s.Binance
	}
	if s.Bybit.Enabled {
		out["bybit"] = s.Bybit
	}
	if s.Okx.Enabled {
		out["okx"] = s.Okx
	}
	if s.Kucoin.Enabled {
		out["kucoin"] = s.Kucoin
	}
	return out
}

type StorageConfig struct {
	RetentionDays int      `yaml:"retention_days"`
	MetadataDir   string   `yaml:"metadata_dir"`
	S3            S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool          `yaml:"enabled"`
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	PathStyle       bool          `yaml:"path_style"`
	Prefix          string        `yaml:"prefix"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	MaxBufferSize   int           `yaml:"max_buffer_size"`
}

type MetricsConfig struct {
	Enabled    bool             `yaml:"enabled"`
	Address    string           `yaml:"address"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

type ServerConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

const defaultConfigPath = "config/config.yml"

var envConfigPaths = map[string]string{
	environmentProduction: "config/config.production.yml",
	environmentStaging:    "config/config.staging.yml",
}

// LoadConfig reads and validates the YAML configuration at path, applying
// environment overrides for S3 credentials. When APP_ENV names an environment
// with its own config file and the caller did not override the path, that file
// is used instead.
func LoadConfig(path string) (*Config, error) {
	path = resolveEnvSpecificPath(path, defaultConfigPath, envConfigPaths)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand ${VAR} references so credentials can live in the environment.
	data = []byte(os.ExpandEnv(string(data)))

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override S3 settings from environment variables if available
	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// DefaultConfig returns a configuration with all documented defaults applied.
func DefaultConfig() *Config {
	return &Config{
		Liqflow:  LiqflowConfig{Name: "liqflow"},
		Channels: ChannelsConfig{RawBuffer: 1000},
		Collector: CollectorConfig{
			BufferCapacity: 1000,
			HistoryLimit:   1000,
			PollTimeout:    10 * time.Second,
			RateLimit:      RateLimitConfig{RequestsPerSecond: 5, BurstSize: 1},
		},
		Detector: DetectorConfig{
			Sensitivity:    0.5,
			LookbackBars:   100,
			CandleInterval: "5m",
			OrderBookDepth: 20,
			TradeLimit:     100,
		},
		Risk: RiskConfig{
			DefaultHorizonMinutes: 60,
			FundingRateThreshold:  0.01,
		},
		Cascade: CascadeConfig{
			MinProbability:   0.5,
			WindowMinutes:    120,
			ClusterSpan:      15 * time.Minute,
			MinClusterEvents: 2,
			MinEventNotional: 100_000,
		},
		Source: SourceConfig{
			Binance: ExchangeSourceConfig{PollInterval: 30 * time.Second},
			Bybit:   ExchangeSourceConfig{PollInterval: 45 * time.Second},
			Okx:     ExchangeSourceConfig{PollInterval: 60 * time.Second},
			Kucoin:  ExchangeSourceConfig{PollInterval: 60 * time.Second},
		},
		Storage: StorageConfig{RetentionDays: 30},
		Metrics: MetricsConfig{Address: ":2112", CloudWatch: CloudWatchConfig{Namespace: "Liqflow"}},
		Server: ServerConfig{
			Address:      ":8080",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Channels.RawBuffer <= 0 {
		return fmt.Errorf("channels.raw_buffer must be positive")
	}
	if cfg.Collector.BufferCapacity <= 0 {
		return fmt.Errorf("collector.buffer_capacity must be positive")
	}
	if cfg.Detector.Sensitivity < 0 || cfg.Detector.Sensitivity > 1 {
		return fmt.Errorf("detector.sensitivity must be within [0,1], got %v", cfg.Detector.Sensitivity)
	}
	if cfg.Detector.LookbackBars < 20 {
		return fmt.Errorf("detector.lookback_bars must be at least 20, got %d", cfg.Detector.LookbackBars)
	}
	if cfg.Cascade.MinProbability < 0 || cfg.Cascade.MinProbability > 1 {
		return fmt.Errorf("cascade.min_probability must be within [0,1], got %v", cfg.Cascade.MinProbability)
	}
	if cfg.Cascade.MinClusterEvents < 2 {
		return fmt.Errorf("cascade.min_cluster_events must be at least 2, got %d", cfg.Cascade.MinClusterEvents)
	}
	if cfg.Risk.FundingRateThreshold <= 0 {
		return fmt.Errorf("risk.funding_rate_threshold must be positive")
	}
	if cfg.Storage.S3.Enabled && cfg.Storage.S3.Bucket == "" {
		return fmt.Errorf("storage.s3.bucket is required when s3 is enabled")
	}
	for name, src := range cfg.Source.EnabledSources() {
		if src.PollInterval <= 0 {
			return fmt.Errorf("source.%s.poll_interval must be positive", name)
		}
	}
	return nil
}
