package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Barflow BarflowConfig `yaml:"barflow"`
	Source  SourceConfig  `yaml:"source"`
	Ingest  IngestConfig  `yaml:"ingest"`
	State   StateConfig   `yaml:"state"`
	Sink    SinkConfig    `yaml:"sink"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

type BarflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type SourceConfig struct {
	Polygon PolygonConfig `yaml:"polygon"`
}

type PolygonConfig struct {
	BaseURL    string          `yaml:"base_url"`
	Ticker     string          `yaml:"ticker"`
	Multiplier int             `yaml:"multiplier"`
	Timespan   string          `yaml:"timespan"`
	Adjusted   bool            `yaml:"adjusted"`
	Limit      int             `yaml:"limit"`
	Timeout    time.Duration   `yaml:"timeout"`
	RateLimit  RateLimitConfig `yaml:"rate_limit"`
	Retry      RetryConfig     `yaml:"retry"`

	// APIKey is only ever read from the environment, never from the file.
	APIKey string `yaml:"-"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
}

type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

type IngestConfig struct {
	Interval time.Duration `yaml:"interval"`
	Lookback time.Duration `yaml:"lookback"`
}

type StateConfig struct {
	Path string `yaml:"path"`
}

type SinkConfig struct {
	Console ConsoleSinkConfig `yaml:"console"`
	JSONL   JSONLSinkConfig   `yaml:"jsonl"`
	S3      S3SinkConfig      `yaml:"s3"`
}

type ConsoleSinkConfig struct {
	Enabled bool `yaml:"enabled"`
}

type JSONLSinkConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

type S3SinkConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	PathStyle       bool          `yaml:"path_style"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	Parquet         ParquetConfig `yaml:"parquet"`
}

type ParquetConfig struct {
	Compression string `yaml:"compression"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type MetricsConfig struct {
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

// validTimespans are the aggregation units accepted by the aggregates API.
var validTimespans = map[string]struct{}{
	"second": {}, "minute": {}, "hour": {}, "day": {},
	"week": {}, "month": {}, "quarter": {}, "year": {},
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Secrets come from the environment only.
	config.Source.Polygon.APIKey = strings.TrimSpace(os.Getenv("POLYGON_API_KEY"))

	// Override S3 settings from environment variables if available
	if config.Sink.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Sink.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Sink.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Sink.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Sink.S3.Bucket = strings.TrimSpace(v)
		}
	}
	config.Sink.S3.Bucket = strings.TrimSpace(config.Sink.S3.Bucket)

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

func defaultConfig() *Config {
	// Production-like environments default to the parquet/S3 sink;
	// development prints to the console. The file can override either.
	productionLike := IsProductionLike(getAppEnvironment())

	return &Config{
		Source: SourceConfig{
			Polygon: PolygonConfig{
				BaseURL:    "https://api.polygon.io/v2/aggs/ticker",
				Ticker:     "SPY",
				Multiplier: 1,
				Timespan:   "minute",
				Adjusted:   true,
				Limit:      50000,
				Timeout:    30 * time.Second,
				RateLimit: RateLimitConfig{
					RequestsPerSecond: 1,
					BurstSize:         1,
				},
				Retry: RetryConfig{
					MaxAttempts:    5,
					InitialBackoff: time.Second,
					MaxBackoff:     60 * time.Second,
				},
			},
		},
		Ingest: IngestConfig{
			Interval: 60 * time.Second,
			Lookback: 24 * time.Hour,
		},
		State: StateConfig{
			Path: "state/last_processed_index.json",
		},
		Sink: SinkConfig{
			Console: ConsoleSinkConfig{Enabled: !productionLike},
			JSONL:   JSONLSinkConfig{Dir: "data"},
			S3: S3SinkConfig{
				Enabled: productionLike,
				Parquet: ParquetConfig{Compression: "snappy"},
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
			MaxAge: 7,
		},
		Metrics: MetricsConfig{
			CloudWatch: CloudWatchConfig{
				Namespace: "Barflow",
				Dashboard: "Barflow",
			},
		},
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Barflow.Name == "" {
		return fmt.Errorf("barflow.name is required")
	}
	if cfg.Barflow.Version == "" {
		return fmt.Errorf("barflow.version is required")
	}

	pc := cfg.Source.Polygon
	if pc.APIKey == "" {
		return fmt.Errorf("POLYGON_API_KEY environment variable is required")
	}
	if pc.BaseURL == "" {
		return fmt.Errorf("source.polygon.base_url is required")
	}
	if pc.Ticker == "" {
		return fmt.Errorf("source.polygon.ticker is required")
	}
	if pc.Multiplier <= 0 {
		return fmt.Errorf("source.polygon.multiplier must be greater than 0")
	}
	if _, ok := validTimespans[pc.Timespan]; !ok {
		return fmt.Errorf("source.polygon.timespan '%s' is invalid", pc.Timespan)
	}
	if pc.Timeout <= 0 {
		return fmt.Errorf("source.polygon.timeout must be greater than 0")
	}
	if pc.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("source.polygon.rate_limit.requests_per_second must be greater than 0")
	}
	if pc.RateLimit.BurstSize <= 0 {
		return fmt.Errorf("source.polygon.rate_limit.burst_size must be greater than 0")
	}
	if pc.Retry.MaxAttempts < 0 {
		return fmt.Errorf("source.polygon.retry.max_attempts must not be negative")
	}
	if pc.Retry.InitialBackoff <= 0 {
		return fmt.Errorf("source.polygon.retry.initial_backoff must be greater than 0")
	}
	if pc.Retry.MaxBackoff < pc.Retry.InitialBackoff {
		return fmt.Errorf("source.polygon.retry.max_backoff must not be less than initial_backoff")
	}

	if cfg.Ingest.Interval <= 0 {
		return fmt.Errorf("ingest.interval must be greater than 0")
	}
	if cfg.Ingest.Lookback <= 0 {
		return fmt.Errorf("ingest.lookback must be greater than 0")
	}
	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}

	if !cfg.Sink.Console.Enabled && !cfg.Sink.JSONL.Enabled && !cfg.Sink.S3.Enabled {
		return fmt.Errorf("at least one sink must be enabled")
	}
	if cfg.Sink.JSONL.Enabled && cfg.Sink.JSONL.Dir == "" {
		return fmt.Errorf("sink.jsonl.dir is required when the jsonl sink is enabled")
	}

	if cfg.Sink.S3.Enabled {
		if cfg.Sink.S3.Bucket == "" {
			return fmt.Errorf("sink.s3.bucket is required when S3 is enabled")
		}
		if cfg.Sink.S3.Region == "" {
			return fmt.Errorf("sink.s3.region is required when S3 is enabled")
		}
		if cfg.Sink.S3.AccessKeyID == "" || cfg.Sink.S3.SecretAccessKey == "" {
			return fmt.Errorf("sink.s3.access_key_id and sink.s3.secret_access_key are required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Sink.S3.Bucket) {
			return fmt.Errorf("sink.s3.bucket '%s' is invalid", cfg.Sink.S3.Bucket)
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
