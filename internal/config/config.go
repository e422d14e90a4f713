package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the process configuration for both the backend and matching
// services. Values load from a YAML file and may be overridden by
// environment variables.
type Config struct {
	Backend   BackendConfig   `yaml:"backend"`
	Matching  MatchingConfig  `yaml:"matching"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Scraper   ScraperConfig   `yaml:"scraper"`
	LLM       LLMConfig       `yaml:"llm"`
	Log       LogConfig       `yaml:"log"`
	DebugCORS bool            `yaml:"debug_cors" env:"XM_DEBUG_CORS"`
}

// BackendConfig configures the ingest+scoring+blender service.
type BackendConfig struct {
	Host          string        `yaml:"host"`
	Port          int           `yaml:"port"`
	AdminKey      string        `yaml:"admin_key" env:"XM_ADMIN_KEY"`
	IngestSecret  string        `yaml:"ingest_secret" env:"XM_INGEST_SECRET"`
	MatchingURL   string        `yaml:"matching_url" env:"XM_MATCHING_URL"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
}

// MatchingConfig configures the order-matching service.
type MatchingConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// BackendURL is where trade commits nudge the blender.
	BackendURL   string        `yaml:"backend_url" env:"XM_BACKEND_URL"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	// OrderRPS throttles order placement per user (token bucket).
	OrderRPS   float64 `yaml:"order_rps"`
	OrderBurst int     `yaml:"order_burst"`
}

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn" env:"XM_PG_DSN"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
}

// RedisConfig holds the optional idempotency cache settings. The database
// remains the authority; Redis only makes replay rejection cheap.
type RedisConfig struct {
	Addr     string        `yaml:"addr" env:"XM_REDIS_ADDR"`
	Password string        `yaml:"password" env:"XM_REDIS_PASSWORD"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
	Enabled  bool          `yaml:"enabled"`
}

// ScraperConfig pins the external producer's polling cadence.
type ScraperConfig struct {
	PollInterval time.Duration `yaml:"poll_interval" env:"XM_POLL_INTERVAL"`
}

// LLMConfig carries pass-through limits for the external producer.
type LLMConfig struct {
	Mode         string `yaml:"mode"`
	CallsPerHour int    `yaml:"calls_per_hour"`
}

// LogConfig controls zerolog verbosity and format.
type LogConfig struct {
	Level string `yaml:"level" env:"XM_LOG_LEVEL"`
}

// Default returns the configuration defaults used when a field is absent
// from the YAML file.
func Default() Config {
	return Config{
		Backend: BackendConfig{
			Host:         "0.0.0.0",
			Port:         8000,
			MatchingURL:  "http://localhost:8001",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Matching: MatchingConfig{
			Host:         "0.0.0.0",
			Port:         8001,
			BackendURL:   "http://localhost:8000",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
			OrderRPS:     20,
			OrderBurst:   40,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			QueryTimeout:    30 * time.Second,
		},
		Redis: RedisConfig{
			TTL: RollingWindow,
		},
		Scraper: ScraperConfig{
			PollInterval: 5 * time.Minute,
		},
		LLM: LLMConfig{
			Mode:         "tiny",
			CallsPerHour: LLMCallsPerHour,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads the YAML config at path (optional; empty path keeps defaults)
// and applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

// Validate checks the fields required to run the given service.
func (c Config) Validate(service string) error {
	if c.Database.DSN == "" {
		return fmt.Errorf("database dsn is required (XM_PG_DSN)")
	}
	if service == "backend" {
		if c.Backend.AdminKey == "" {
			return fmt.Errorf("admin key is required (XM_ADMIN_KEY)")
		}
		if c.Backend.IngestSecret == "" {
			return fmt.Errorf("ingest secret is required (XM_INGEST_SECRET)")
		}
		if c.Backend.MatchingURL == "" {
			return fmt.Errorf("matching service url is required (XM_MATCHING_URL)")
		}
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("XM_ADMIN_KEY"); v != "" {
		cfg.Backend.AdminKey = v
	}
	if v := os.Getenv("XM_INGEST_SECRET"); v != "" {
		cfg.Backend.IngestSecret = v
	}
	if v := os.Getenv("XM_MATCHING_URL"); v != "" {
		cfg.Backend.MatchingURL = v
	}
	if v := os.Getenv("XM_BACKEND_URL"); v != "" {
		cfg.Matching.BackendURL = v
	}
	if v := os.Getenv("XM_PG_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("XM_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
		cfg.Redis.Enabled = true
	}
	if v := os.Getenv("XM_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("XM_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("XM_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Scraper.PollInterval = d
		}
	}
	if v := os.Getenv("XM_BACKEND_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Backend.Port = p
		}
	}
	if v := os.Getenv("XM_MATCHING_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Matching.Port = p
		}
	}
	if v := os.Getenv("XM_DEBUG_CORS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.DebugCORS = b
		}
	}
}
