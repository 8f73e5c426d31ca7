// Package config loads the courtflow configuration from a YAML file with
// environment-variable overrides. Unknown environment variables are ignored.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the control-plane.
type Config struct {
	Server      ServerConfig             `yaml:"server"`
	Auth        AuthConfig               `yaml:"auth"`
	RateLimit   RateLimitConfig          `yaml:"rate_limit"`
	Services    map[string]ServiceConfig `yaml:"services"`
	Venues      map[string]VenueConfig   `yaml:"venues"`
	Redis       RedisConfig              `yaml:"redis"`
	Postgres    PostgresConfig           `yaml:"postgres"`
	Budget      BudgetConfig             `yaml:"budget"`
	Suspicious  SuspiciousConfig         `yaml:"suspicious"`
	Monitor     MonitorConfig            `yaml:"monitor"`
	Arbitrage   ArbitrageConfig          `yaml:"arbitrage"`
	HealthCheck HealthCheckConfig        `yaml:"health_check"`
	LogLevel    string                   `yaml:"log_level" env:"LOG_LEVEL"`
}

// ServerConfig holds ingress HTTP server settings.
type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port" env:"PORT"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	Production     bool          `yaml:"production" env:"PRODUCTION"`
	Version        string        `yaml:"version"`
}

// AuthConfig holds token-verification settings. The gateway only verifies;
// issuance is external.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" env:"JWT_SECRET"`
}

// RateLimitConfig holds ingress token-bucket settings.
type RateLimitConfig struct {
	Window      time.Duration `yaml:"window" env:"RATE_LIMIT_WINDOW"`
	Max         int           `yaml:"max" env:"RATE_LIMIT_MAX"`
	AuthMax     int           `yaml:"auth_max" env:"RATE_LIMIT_AUTH_MAX"`
	BypassPaths []string      `yaml:"bypass_paths"`
}

// ServiceConfig describes one backend service reachable via the dispatcher.
type ServiceConfig struct {
	URL        string        `yaml:"url"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
	AuthHeader string        `yaml:"auth_header"`
}

// VenueConfig describes one external marketplace.
type VenueConfig struct {
	BaseURL           string        `yaml:"base_url"`
	StreamURL         string        `yaml:"stream_url"`
	Channels          []string      `yaml:"channels"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	MaxRetries        int           `yaml:"max_retries"`
	ReconnectAttempts int           `yaml:"reconnect_attempts"`
	HealthPath        string        `yaml:"health_path"`
	QueueThreshold    int           `yaml:"queue_threshold"`
	ExecutionRisk     float64       `yaml:"execution_risk"`
	Timeout           time.Duration `yaml:"timeout"`
}

// RedisConfig holds cache connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db"`
}

// PostgresConfig holds relational-store connection settings.
type PostgresConfig struct {
	DSN             string        `yaml:"dsn" env:"PG_DSN"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
}

// BudgetConfig holds default limits and approval tunables.
type BudgetConfig struct {
	DefaultDaily         string  `yaml:"default_daily" env:"BUDGET_DEFAULT_DAILY"`
	DefaultWeekly        string  `yaml:"default_weekly" env:"BUDGET_DEFAULT_WEEKLY"`
	DefaultMonthly       string  `yaml:"default_monthly" env:"BUDGET_DEFAULT_MONTHLY"`
	DefaultTotal         string  `yaml:"default_total" env:"BUDGET_DEFAULT_TOTAL"`
	DefaultMaxPerItem    string  `yaml:"default_max_per_item" env:"BUDGET_DEFAULT_MAX_PER_ITEM"`
	DefaultEmergencyStop string  `yaml:"default_emergency_stop" env:"BUDGET_DEFAULT_EMERGENCY_STOP"`
	WarningThreshold     float64 `yaml:"warning_threshold" env:"BUDGET_WARNING_THRESHOLD"`
	HourlyTxMax          int     `yaml:"hourly_tx_max"`
	Currency             string  `yaml:"currency"`
}

// SuspiciousConfig holds behavioural-scoring tunables.
type SuspiciousConfig struct {
	MaxHourlyTx      int           `yaml:"max_hourly_tx"`
	MaxDailyTx       int           `yaml:"max_daily_tx"`
	AmountRatio      float64       `yaml:"amount_ratio"`
	RapidFireSeconds int           `yaml:"rapid_fire_seconds"`
	PatternTTL       time.Duration `yaml:"pattern_ttl"`
}

// MonitorConfig holds price-monitor tunables.
type MonitorConfig struct {
	UpdateInterval   time.Duration `yaml:"update_interval" env:"MONITOR_UPDATE_INTERVAL"`
	ChangeThreshold  float64       `yaml:"change_threshold" env:"MONITOR_CHANGE_THRESHOLD"`
	VolumeSpikeRatio float64       `yaml:"volume_spike_ratio"`
	HistoryRetention time.Duration `yaml:"history_retention"`
}

// ArbitrageConfig holds detector tunables.
type ArbitrageConfig struct {
	ScanInterval        time.Duration `yaml:"scan_interval" env:"ARBITRAGE_SCAN_INTERVAL"`
	MinProfitPercentage float64       `yaml:"min_profit_percentage" env:"ARBITRAGE_MIN_PROFIT_PCT"`
	MinProfitAmount     string        `yaml:"min_profit_amount" env:"ARBITRAGE_MIN_PROFIT_AMOUNT"`
	MaxRiskScore        float64       `yaml:"max_risk_score" env:"ARBITRAGE_MAX_RISK_SCORE"`
	OpportunityTTL      time.Duration `yaml:"opportunity_ttl"`
}

// HealthCheckConfig controls the adapter health-probe cycle.
type HealthCheckConfig struct {
	Interval time.Duration `yaml:"interval" env:"HEALTH_CHECK_INTERVAL"`
	Timeout  time.Duration `yaml:"timeout" env:"HEALTH_CHECK_TIMEOUT"`
}

// Default returns the built-in configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
			MaxBodyBytes: 10 << 20, // 10 MB
			Version:      "1.0.0",
		},
		RateLimit: RateLimitConfig{
			Window:      15 * time.Minute,
			Max:         100,
			AuthMax:     10,
			BypassPaths: []string{"/health", "/api/health"},
		},
		Services: map[string]ServiceConfig{},
		Venues:   map[string]VenueConfig{},
		Redis:    RedisConfig{Addr: "localhost:6379"},
		Postgres: PostgresConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			QueryTimeout:    30 * time.Second,
		},
		Budget: BudgetConfig{
			DefaultDaily:         "500",
			DefaultWeekly:        "3500",
			DefaultMonthly:       "14000",
			DefaultTotal:         "50000",
			DefaultMaxPerItem:    "200",
			DefaultEmergencyStop: "40000",
			WarningThreshold:     0.8,
			HourlyTxMax:          10,
			Currency:             "USD",
		},
		Suspicious: SuspiciousConfig{
			MaxHourlyTx:      10,
			MaxDailyTx:       50,
			AmountRatio:      3.0,
			RapidFireSeconds: 30,
			PatternTTL:       7 * 24 * time.Hour,
		},
		Monitor: MonitorConfig{
			UpdateInterval:   60 * time.Second,
			ChangeThreshold:  10.0,
			VolumeSpikeRatio: 3.0,
			HistoryRetention: 30 * 24 * time.Hour,
		},
		Arbitrage: ArbitrageConfig{
			ScanInterval:        30 * time.Second,
			MinProfitPercentage: 5.0,
			MinProfitAmount:     "1",
			MaxRiskScore:        70,
			OpportunityTTL:      10 * time.Minute,
		},
		HealthCheck: HealthCheckConfig{
			Interval: 30 * time.Second,
			Timeout:  5 * time.Second,
		},
		LogLevel: "info",
	}
}

// Load reads the YAML file at path (if non-empty), applies environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// serviceEnvNames maps service names to their endpoint override variables.
var serviceEnvNames = map[string]string{
	"user":                "USER_SERVICE_URL",
	"ai-scouting":         "AI_SCOUTING_SERVICE_URL",
	"marketplace-monitor": "MARKETPLACE_MONITOR_SERVICE_URL",
	"trading":             "TRADING_SERVICE_URL",
	"notification":        "NOTIFICATION_SERVICE_URL",
	"risk-management":     "RISK_MANAGEMENT_SERVICE_URL",
	"strategy":            "STRATEGY_SERVICE_URL",
	"execution-primary":   "EXECUTION_PRIMARY_SERVICE_URL",
	"execution-fallback":  "EXECUTION_FALLBACK_SERVICE_URL",
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Server.Port = p
		}
	}
	if v := os.Getenv("PRODUCTION"); v != "" {
		c.Server.Production = v == "true" || v == "1"
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("PG_DSN"); v != "" {
		c.Postgres.DSN = v
	}
	if v := os.Getenv("RATE_LIMIT_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.RateLimit.Window = d
		}
	}
	if v := os.Getenv("RATE_LIMIT_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RateLimit.Max = n
		}
	}
	if v := os.Getenv("HEALTH_CHECK_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.HealthCheck.Interval = d
		}
	}
	if v := os.Getenv("HEALTH_CHECK_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.HealthCheck.Timeout = d
		}
	}
	if v := os.Getenv("BUDGET_WARNING_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Budget.WarningThreshold = f
		}
	}
	if v := os.Getenv("ARBITRAGE_MIN_PROFIT_PCT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Arbitrage.MinProfitPercentage = f
		}
	}
	if v := os.Getenv("ARBITRAGE_MAX_RISK_SCORE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Arbitrage.MaxRiskScore = f
		}
	}
	if v := os.Getenv("MONITOR_CHANGE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Monitor.ChangeThreshold = f
		}
	}

	// Per-service endpoint overrides; missing services are created so a
	// bare-env deployment still resolves all backends.
	for name, envName := range serviceEnvNames {
		v := os.Getenv(envName)
		if v == "" {
			continue
		}
		svc := c.Services[name]
		svc.URL = v
		c.Services[name] = svc
	}
}

// Validate ensures the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port out of range: %d", c.Server.Port)
	}
	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("max_body_bytes must be positive")
	}
	if c.RateLimit.Max <= 0 || c.RateLimit.AuthMax <= 0 {
		return fmt.Errorf("rate limit capacities must be positive")
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate limit window must be positive")
	}
	if c.Budget.WarningThreshold <= 0 || c.Budget.WarningThreshold > 1 {
		return fmt.Errorf("budget warning_threshold must be in (0,1], got %f", c.Budget.WarningThreshold)
	}
	if c.Arbitrage.MinProfitPercentage < 0 {
		return fmt.Errorf("min_profit_percentage must be non-negative")
	}
	if c.Arbitrage.MaxRiskScore <= 0 || c.Arbitrage.MaxRiskScore > 100 {
		return fmt.Errorf("max_risk_score must be in (0,100], got %f", c.Arbitrage.MaxRiskScore)
	}
	if c.Monitor.UpdateInterval <= 0 || c.Arbitrage.ScanInterval <= 0 {
		return fmt.Errorf("cycle intervals must be positive")
	}
	for name, svc := range c.Services {
		if svc.URL == "" {
			return fmt.Errorf("service %s has no URL", name)
		}
		if !strings.HasPrefix(svc.URL, "http://") && !strings.HasPrefix(svc.URL, "https://") {
			return fmt.Errorf("service %s URL must be http(s): %s", name, svc.URL)
		}
	}
	for name, venue := range c.Venues {
		if venue.RequestsPerSecond <= 0 {
			return fmt.Errorf("venue %s requests_per_second must be positive", name)
		}
	}
	return nil
}

// ServiceTimeout returns the per-call timeout for a service, with default.
func (s ServiceConfig) ServiceTimeout() time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	return 30 * time.Second
}

// Retries returns the bounded retry count for a service, with default.
func (s ServiceConfig) Retries() int {
	if s.MaxRetries > 0 {
		return s.MaxRetries
	}
	return 3
}
