package pipeline

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config bundles the ingest pipeline tuning knobs. Connection secrets
// (DSNs, tokens) stay in the process environment and never appear here.
type Config struct {
	BatchSize       int    `yaml:"batch_size"`
	FlushSeconds    int    `yaml:"flush_seconds"`
	MaxRetries      int    `yaml:"max_retries"`
	BackoffMillis   int    `yaml:"backoff_millis"`
	CacheTTLSeconds int    `yaml:"cache_ttl_seconds"`
	GraceDays       int    `yaml:"grace_days"`
	QuarantineDir   string `yaml:"quarantine_dir"`
	Workers         int    `yaml:"workers"`
	QueueCapacity   int    `yaml:"queue_capacity"`

	BootTopic        string `yaml:"boot_topic"`
	MeasurementTopic string `yaml:"measurement_topic"`
}

// FlushTimeout returns the flush age limit as a duration.
func (c Config) FlushTimeout() time.Duration {
	return time.Duration(c.FlushSeconds) * time.Second
}

// BackoffBase returns the first retry backoff as a duration.
func (c Config) BackoffBase() time.Duration {
	return time.Duration(c.BackoffMillis) * time.Millisecond
}

// CacheTTL returns the entitlement cache lifetime as a duration.
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// LoadConfig loads pipeline tuning from env, then overlays an optional
// yaml file named by PIPELINE_CONFIG.
func LoadConfig() (Config, error) {
	cfg := Config{
		BatchSize:        getenvIntDefault("PIPELINE_BATCH_SIZE", 50),
		FlushSeconds:     getenvIntDefault("PIPELINE_FLUSH_SECONDS", 10),
		MaxRetries:       getenvIntDefault("INFLUX_MAX_RETRIES", 3),
		BackoffMillis:    getenvIntDefault("INFLUX_BACKOFF_MILLIS", 500),
		CacheTTLSeconds:  getenvIntDefault("ENTITLEMENT_CACHE_TTL_SECONDS", 300),
		GraceDays:        getenvIntDefault("ENTITLEMENT_GRACE_DAYS", 10),
		QuarantineDir:    getenvDefault("QUARANTINE_DIR", filepath.FromSlash("var/quarantine")),
		Workers:          getenvIntDefault("TRANSITION_WORKERS", 2),
		QueueCapacity:    getenvIntDefault("TRANSITION_QUEUE_CAPACITY", 64),
		BootTopic:        getenvDefault("MQTT_BOOT_TOPIC", "cuentatron/devices/boot"),
		MeasurementTopic: getenvDefault("MQTT_MEASUREMENT_TOPIC", "cuentatron/measurements/+"),
	}

	if path := os.Getenv("PIPELINE_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}

	if cfg.BatchSize <= 0 {
		return cfg, errors.New("pipeline: batch_size must be positive")
	}
	if cfg.FlushSeconds <= 0 {
		return cfg, errors.New("pipeline: flush_seconds must be positive")
	}
	if cfg.MaxRetries <= 0 {
		return cfg, errors.New("pipeline: max_retries must be positive")
	}
	if cfg.GraceDays < 0 {
		return cfg, errors.New("pipeline: grace_days must not be negative")
	}
	if cfg.QuarantineDir == "" {
		return cfg, errors.New("pipeline: quarantine_dir required")
	}
	if cfg.BootTopic == "" || cfg.MeasurementTopic == "" {
		return cfg, errors.New("pipeline: boot_topic and measurement_topic required")
	}
	return cfg, nil
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
