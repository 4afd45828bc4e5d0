package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the immutable service configuration, built once at start-up.
type Config struct {
	API       APIConfig       `yaml:"api"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Auth      AuthConfig      `yaml:"auth"`
	Allocator AllocatorConfig `yaml:"allocator"`
}

type APIConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	EnableCORS bool   `yaml:"enable_cors"`
}

type DatabaseConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	Database     string `yaml:"database"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

type RedisConfig struct {
	// Addr empty means "run on the in-process coordination store". Fine for
	// a single node; every multi-process deployment needs Redis.
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	// AdminUser / AdminPasswordHash gate the mutating endpoints. The hash is
	// bcrypt; generate one with `cidrotate hash <password>`.
	AdminUser         string `yaml:"admin_user"`
	AdminPasswordHash string `yaml:"admin_password_hash"`
}

// AllocatorConfig holds the engine knobs. Zero values are replaced by
// defaults in Load so a minimal YAML file still yields a working engine.
type AllocatorConfig struct {
	ReservationTTLSeconds   int  `yaml:"reservation_ttl_seconds"`
	AgentRateLimitPerMinute int  `yaml:"agent_rate_limit_per_minute"`
	CandidateScanLimit      int  `yaml:"candidate_scan_limit"`
	DefaultHourlyCap        int  `yaml:"default_hourly_cap"`
	DefaultDailyCap         int  `yaml:"default_daily_cap"`
	RequestDeadlineMs       int  `yaml:"request_deadline_ms"`
	CooldownSeconds         int  `yaml:"cooldown_seconds"`
	StrictAreaCode          bool `yaml:"strict_area_code"`
}

// Load reads the YAML file, applies environment overrides and defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}

	overrideWithEnv(&cfg)
	applyDefaults(&cfg)

	if cfg.Allocator.DefaultHourlyCap > cfg.Allocator.DefaultDailyCap {
		return nil, fmt.Errorf("default_hourly_cap %d exceeds default_daily_cap %d",
			cfg.Allocator.DefaultHourlyCap, cfg.Allocator.DefaultDailyCap)
	}

	return &cfg, nil
}

// overrideWithEnv lets deploys inject secrets without touching the file.
func overrideWithEnv(cfg *Config) {
	if v := os.Getenv("CIDROTATE_DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("CIDROTATE_DB_USERNAME"); v != "" {
		cfg.Database.Username = v
	}
	if v := os.Getenv("CIDROTATE_DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("CIDROTATE_DB_DATABASE"); v != "" {
		cfg.Database.Database = v
	}
	if v := os.Getenv("CIDROTATE_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("CIDROTATE_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("CIDROTATE_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("CIDROTATE_RESERVATION_TTL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Allocator.ReservationTTLSeconds = n
		}
	}
	if v := os.Getenv("CIDROTATE_AGENT_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Allocator.AgentRateLimitPerMinute = n
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.API.Host == "" {
		cfg.API.Host = "127.0.0.1"
	}
	if cfg.API.Port == 0 {
		cfg.API.Port = 8080
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 3306
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	a := &cfg.Allocator
	if a.ReservationTTLSeconds == 0 {
		a.ReservationTTLSeconds = 300
	}
	if a.AgentRateLimitPerMinute == 0 {
		a.AgentRateLimitPerMinute = 100
	}
	if a.CandidateScanLimit == 0 {
		a.CandidateScanLimit = 50
	}
	if a.DefaultHourlyCap == 0 {
		a.DefaultHourlyCap = 100
	}
	if a.DefaultDailyCap == 0 {
		a.DefaultDailyCap = 1000
	}
	if a.RequestDeadlineMs == 0 {
		a.RequestDeadlineMs = 2000
	}
}

// Address returns the listen address for the API server.
func (a APIConfig) Address() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// DSN returns the Data Source Name for MySQL.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&charset=utf8mb4",
		d.Username, d.Password, d.Host, d.Port, d.Database)
}

// ReservationTTL returns the reservation lifetime as a duration.
func (a AllocatorConfig) ReservationTTL() time.Duration {
	return time.Duration(a.ReservationTTLSeconds) * time.Second
}

// RequestDeadline returns the per-request deadline as a duration.
func (a AllocatorConfig) RequestDeadline() time.Duration {
	return time.Duration(a.RequestDeadlineMs) * time.Millisecond
}

// Cooldown returns the optional per-caller-ID reuse cooldown.
func (a AllocatorConfig) Cooldown() time.Duration {
	return time.Duration(a.CooldownSeconds) * time.Second
}
