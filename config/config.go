package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Pitwatch PitwatchConfig `yaml:"pitwatch"`
}

// PitwatchConfig is the project configuration.
type PitwatchConfig struct {
	Input    InputConfig    `yaml:"input"`
	Bus      BusConfig      `yaml:"bus"`
	Sinks    SinksConfig    `yaml:"sinks"`
	Archiver ArchiverConfig `yaml:"archiver"`
	Rules    RulesConfig    `yaml:"rules"`
	Presence RedisConfig    `yaml:"presence"`
	Review   ReviewConfig   `yaml:"review"`
	Detect   DetectConfig   `yaml:"detect"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// InputConfig controls the inbound event-log reader.
type InputConfig struct {
	Redis        RedisConfig   `yaml:"redis"`
	StreamPrefix string        `yaml:"stream_prefix"`
	BlockTimeout time.Duration `yaml:"block_timeout"`
	BatchSize    int64         `yaml:"batch_size"`
}

// RedisConfig controls access to a Redis instance.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// BusConfig controls the message bus.
type BusConfig struct {
	Brokers []string `yaml:"brokers"`
	GroupID string   `yaml:"group_id"`
}

// SinksConfig groups the fan-out sinks.
type SinksConfig struct {
	ClickHouse  ClickHouseConfig  `yaml:"clickhouse"`
	ObjectStore ObjectStoreConfig `yaml:"object_store"`
}

// ClickHouseConfig configures the analytics sink (HTTP JSONEachRow).
type ClickHouseConfig struct {
	URL      string            `yaml:"url"`
	Database string            `yaml:"database"`
	Username string            `yaml:"username"`
	Password string            `yaml:"password"`
	Timeout  time.Duration     `yaml:"timeout"`
	Headers  map[string]string `yaml:"headers"`
}

// ObjectStoreConfig configures S3-compatible cold storage.
type ObjectStoreConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// ArchiverConfig controls columnar batching.
type ArchiverConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// RulesConfig controls optional Sigma tagging of routed events.
type RulesConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// ReviewConfig controls the escalation store.
type ReviewConfig struct {
	Store    string      `yaml:"store"` // redis|postgres
	Redis    RedisConfig `yaml:"redis"`
	Postgres string      `yaml:"postgres"` // connection string
}

// DetectConfig controls the periodic collusion-detection job.
type DetectConfig struct {
	Interval   time.Duration    `yaml:"interval"`
	Thresholds ThresholdsConfig `yaml:"thresholds"`
}

// ThresholdsConfig holds the per-feature flagging thresholds.
type ThresholdsConfig struct {
	SharedDevices    int     `yaml:"shared_devices"`
	SharedIPs        int     `yaml:"shared_ips"`
	VpipCorrelation  float64 `yaml:"vpip_correlation"`
	TimingSimilarity float64 `yaml:"timing_similarity"`
	SeatProximity    float64 `yaml:"seat_proximity"`
	ChipDumpScore    float64 `yaml:"chip_dump_score"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// LoggingConfig controls logging output.
type LoggingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level"`
	File    string `yaml:"file"`
	Console bool   `yaml:"console"`
}

// LoadConfig reads and parses a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
