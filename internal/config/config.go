package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Logging    LoggingConfig    `yaml:"logging"`
	API        APIConfig        `yaml:"api"`
	Booking    BookingConfig    `yaml:"booking"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	TTLock     TTLockConfig     `yaml:"ttlock"`
	Payments   PaymentsConfig   `yaml:"payments"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
	// Timezone is applied to timestamps that arrive without an offset.
	Timezone string `yaml:"timezone"`
}

type APIConfig struct {
	HTTP      APIHTTPConfig      `yaml:"http"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIHTTPConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	HeaderExtra  string         `yaml:"header_extra"`
	HeaderUserID string         `yaml:"header_user_id"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Extra       string   `yaml:"extra"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type DatabaseConfig struct {
	// Driver is "sqlite3" (default) or "postgres".
	Driver   string         `yaml:"driver"`
	Path     string         `yaml:"path"`
	Postgres PostgresConfig `yaml:"postgres"`
}

type PostgresConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	User           string `yaml:"user"`
	Password       string `yaml:"password"`
	DBName         string `yaml:"dbname"`
	SSLMode        string `yaml:"sslmode"`
	MaxConnections int    `yaml:"max_connections"`
}

// DSN builds a libpq style connection string understood by pgx.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.DBName, p.SSLMode)
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
	// Rotation settings, used only when Output is "file".
	MaxSizeMB  int  `yaml:"max_size_mb"`
	MaxBackups int  `yaml:"max_backups"`
	MaxAgeDays int  `yaml:"max_age_days"`
	Compress   bool `yaml:"compress"`
}

type BookingConfig struct {
	PendingTTL   time.Duration `yaml:"pending_ttl"`
	OverdueGrace time.Duration `yaml:"overdue_grace"`
	// OverdueInterval is the minimum gap between two overdue charges of one booking.
	OverdueInterval time.Duration `yaml:"overdue_interval"`
	PayRateLimit    time.Duration `yaml:"pay_rate_limit"`
}

type SchedulerConfig struct {
	Enabled              bool          `yaml:"enabled"`
	ExpiryInterval       time.Duration `yaml:"expiry_interval"`
	AutocompleteInterval time.Duration `yaml:"autocomplete_interval"`
	OverdueInterval      time.Duration `yaml:"overdue_interval"`
	AutoRefundInterval   time.Duration `yaml:"auto_refund_interval"`
	SweepTimeout         time.Duration `yaml:"sweep_timeout"`
}

type TTLockConfig struct {
	BaseURL         string        `yaml:"base_url"`
	ClientID        string        `yaml:"client_id"`
	AccessToken     string        `yaml:"access_token"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxRetries      int           `yaml:"max_retries"`
	InitialBackoff  time.Duration `yaml:"initial_backoff"`
	BackoffFactor   float64       `yaml:"backoff_factor"`
	RateLimit       int           `yaml:"rate_limit"`
	RateWindow      time.Duration `yaml:"rate_window"`
	CircuitCooldown time.Duration `yaml:"circuit_cooldown"`
	StatusCacheTTL  time.Duration `yaml:"status_cache_ttl"`
}

type PaymentsConfig struct {
	Provider  string        `yaml:"provider"`
	BaseURL   string        `yaml:"base_url"`
	ReturnURL string        `yaml:"return_url"`
	Currency  string        `yaml:"currency"`
	Timeout   time.Duration `yaml:"timeout"`
}

func Load(configPath string) (*Config, error) {
	// .env необязателен, переменные могут прийти из окружения
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	// Предварительная замена переменных окружения в YAML
	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite3":
		if c.Database.Path == "" {
			return errors.New("database path is required")
		}
	case "postgres":
		if c.Database.Postgres.Host == "" || c.Database.Postgres.DBName == "" {
			return errors.New("postgres host and dbname are required")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	if c.Booking.PendingTTL <= 0 {
		return errors.New("booking.pending_ttl must be positive")
	}
	if c.Booking.OverdueGrace < 0 {
		return errors.New("booking.overdue_grace must not be negative")
	}
	if c.TTLock.MaxRetries < 1 {
		return errors.New("ttlock.max_retries must be at least 1")
	}
	if c.TTLock.RateLimit < 1 {
		return errors.New("ttlock.rate_limit must be at least 1")
	}
	if _, err := time.LoadLocation(c.App.Timezone); err != nil {
		return fmt.Errorf("invalid app.timezone: %w", err)
	}

	seen := make(map[string]bool)
	for _, k := range c.API.Auth.APIKeys {
		if k.Key == "" {
			return fmt.Errorf("api key %q is empty", k.Name)
		}
		if seen[k.Key] {
			return fmt.Errorf("duplicate api key for client %q", k.Name)
		}
		seen[k.Key] = true
	}
	return nil
}

// Location returns the configured deployment zone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.App.Timezone)
	if err != nil {
		return time.FixedZone("MSK", 3*60*60)
	}
	return loc
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "sunbed"
	}
	if c.App.Timezone == "" {
		c.App.Timezone = "Europe/Moscow"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite3"
	}
	if c.Database.Postgres.Port == 0 {
		c.Database.Postgres.Port = 5432
	}
	if c.Database.Postgres.SSLMode == "" {
		c.Database.Postgres.SSLMode = "disable"
	}

	if c.API.HTTP.Port == 0 {
		c.API.HTTP.Port = 8080
	}
	if c.API.HTTP.ReadTimeout == 0 {
		c.API.HTTP.ReadTimeout = 10 * time.Second
	}
	if c.API.HTTP.WriteTimeout == 0 {
		c.API.HTTP.WriteTimeout = 30 * time.Second
	}
	if c.API.HTTP.ShutdownTimeout == 0 {
		c.API.HTTP.ShutdownTimeout = 10 * time.Second
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.API.Auth.HeaderExtra == "" {
		c.API.Auth.HeaderExtra = "x-api-extra"
	}
	if c.API.Auth.HeaderUserID == "" {
		c.API.Auth.HeaderUserID = "x-user-id"
	}

	if c.Booking.PendingTTL == 0 {
		c.Booking.PendingTTL = 15 * time.Minute
	}
	if c.Booking.OverdueGrace == 0 {
		c.Booking.OverdueGrace = 5 * time.Minute
	}
	if c.Booking.OverdueInterval == 0 {
		c.Booking.OverdueInterval = time.Hour
	}
	if c.Booking.PayRateLimit == 0 {
		c.Booking.PayRateLimit = 5 * time.Second
	}

	if c.Scheduler.ExpiryInterval == 0 {
		c.Scheduler.ExpiryInterval = time.Minute
	}
	if c.Scheduler.AutocompleteInterval == 0 {
		c.Scheduler.AutocompleteInterval = time.Minute
	}
	if c.Scheduler.OverdueInterval == 0 {
		c.Scheduler.OverdueInterval = time.Minute
	}
	if c.Scheduler.AutoRefundInterval == 0 {
		c.Scheduler.AutoRefundInterval = 60 * time.Second
	}
	if c.Scheduler.SweepTimeout == 0 {
		c.Scheduler.SweepTimeout = 50 * time.Second
	}

	if c.TTLock.BaseURL == "" {
		c.TTLock.BaseURL = "https://api.sciener.com"
	}
	if c.TTLock.Timeout == 0 {
		c.TTLock.Timeout = 5 * time.Second
	}
	if c.TTLock.MaxRetries == 0 {
		c.TTLock.MaxRetries = 3
	}
	if c.TTLock.InitialBackoff == 0 {
		c.TTLock.InitialBackoff = time.Second
	}
	if c.TTLock.BackoffFactor == 0 {
		c.TTLock.BackoffFactor = 1.5
	}
	if c.TTLock.RateLimit == 0 {
		c.TTLock.RateLimit = 20
	}
	if c.TTLock.RateWindow == 0 {
		c.TTLock.RateWindow = 60 * time.Second
	}
	if c.TTLock.CircuitCooldown == 0 {
		c.TTLock.CircuitCooldown = 60 * time.Second
	}
	if c.TTLock.StatusCacheTTL == 0 {
		c.TTLock.StatusCacheTTL = 30 * time.Second
	}

	if c.Payments.Provider == "" {
		c.Payments.Provider = "yookassa"
	}
	if c.Payments.BaseURL == "" {
		c.Payments.BaseURL = "https://api.yookassa.ru/v3"
	}
	if c.Payments.Currency == "" {
		c.Payments.Currency = "RUB"
	}
	if c.Payments.Timeout == 0 {
		c.Payments.Timeout = 10 * time.Second
	}
}
