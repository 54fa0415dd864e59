// Package config handles loading and validating configuration from environment
// variables, an optional .env file and an optional YAML analytics file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the analytics service.
type Config struct {
	// Server
	Port        string
	LogLevel    string
	LogFormat   string
	CORSOrigins []string

	// Database
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	DBSSLMode  string
	Migrate    bool

	// Redis
	RedisHost     string
	RedisPort     int
	RedisPassword string

	Analytics Analytics
}

// Analytics holds the detection thresholds, overridable from YAML.
type Analytics struct {
	AnomalySigma        float64       `yaml:"anomaly_sigma"`
	SpikeMultiplier     float64       `yaml:"spike_multiplier"`
	DriftThresholdPct   float64       `yaml:"drift_threshold_pct"`
	DriftBaselineWindow int           `yaml:"drift_baseline_window"`
	MandatoryTags       []string      `yaml:"mandatory_tags"`
	ZombieMinZeroDays   int           `yaml:"zombie_min_zero_days"`
	NameCacheTTL        time.Duration `yaml:"name_cache_ttl"`
	RateLimitPerMinute  int           `yaml:"rate_limit_per_minute"`
}

// DefaultAnalytics returns the built-in analytics settings.
func DefaultAnalytics() Analytics {
	return Analytics{
		AnomalySigma:       2,
		SpikeMultiplier:    1.5,
		DriftThresholdPct:  15,
		MandatoryTags:      []string{"environment", "owner", "application"},
		ZombieMinZeroDays:  3,
		NameCacheTTL:       10 * time.Minute,
		RateLimitPerMinute: 120,
	}
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is loaded first if present; variables
// already set in the environment win.
func Load() (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return nil, fmt.Errorf("loading .env: %w", err)
		}
	}

	cfg := &Config{
		Port:        getEnv("KCX_PORT", "8080"),
		LogLevel:    getEnv("KCX_LOG_LEVEL", "info"),
		LogFormat:   getEnv("KCX_LOG_FORMAT", "json"),
		CORSOrigins: splitList(getEnv("KCX_CORS_ORIGINS", "*")),
		Migrate:     getEnv("KCX_MIGRATE", "false") == "true",

		DBHost:     getEnv("POSTGRES_HOST", "localhost"),
		DBName:     getEnv("POSTGRES_DB", "kcx"),
		DBUser:     getEnv("POSTGRES_USER", "kcx"),
		DBPassword: getEnv("POSTGRES_PASSWORD", ""),
		DBSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		Analytics: DefaultAnalytics(),
	}

	dbPort, err := strconv.Atoi(getEnv("POSTGRES_PORT", "5432"))
	if err != nil {
		return nil, fmt.Errorf("invalid POSTGRES_PORT: %w", err)
	}
	cfg.DBPort = dbPort

	redisPort, err := strconv.Atoi(getEnv("REDIS_PORT", "6379"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
	}
	cfg.RedisPort = redisPort

	if path := os.Getenv("KCX_ANALYTICS_CONFIG"); path != "" {
		if err := cfg.Analytics.LoadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile overlays the YAML file at path onto a. Keys absent from the file
// keep their current values.
func (a *Analytics) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading analytics config: %w", err)
	}
	if err := yaml.Unmarshal(data, a); err != nil {
		return fmt.Errorf("parsing analytics config %s: %w", path, err)
	}
	return nil
}

// Validate rejects thresholds that would disable detection.
func (c *Config) Validate() error {
	a := c.Analytics
	var errs []error
	if a.AnomalySigma <= 0 {
		errs = append(errs, fmt.Errorf("anomaly_sigma must be positive, got %v", a.AnomalySigma))
	}
	if a.SpikeMultiplier <= 0 {
		errs = append(errs, fmt.Errorf("spike_multiplier must be positive, got %v", a.SpikeMultiplier))
	}
	if a.DriftThresholdPct <= 0 {
		errs = append(errs, fmt.Errorf("drift_threshold_pct must be positive, got %v", a.DriftThresholdPct))
	}
	if a.DriftBaselineWindow < 0 {
		errs = append(errs, fmt.Errorf("drift_baseline_window must not be negative, got %d", a.DriftBaselineWindow))
	}
	if a.ZombieMinZeroDays <= 0 {
		errs = append(errs, fmt.Errorf("zombie_min_zero_days must be positive, got %d", a.ZombieMinZeroDays))
	}
	if a.NameCacheTTL <= 0 {
		errs = append(errs, fmt.Errorf("name_cache_ttl must be positive, got %s", a.NameCacheTTL))
	}
	if a.RateLimitPerMinute < 0 {
		errs = append(errs, fmt.Errorf("rate_limit_per_minute must not be negative, got %d", a.RateLimitPerMinute))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// DSN returns the PostgreSQL connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

// RedactedDSN returns the DSN with the password masked for safe logging.
func (c *Config) RedactedDSN() string {
	return fmt.Sprintf("postgres://%s:***@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

// RedisAddr returns the Redis address in host:port format.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
