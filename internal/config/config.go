// Package config loads server configuration from an optional YAML file, a
// .env file and environment variables, in increasing order of precedence.
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

// Config is the top-level server configuration.
type Config struct {
	Server    Server    `yaml:"server"`
	Database  Database  `yaml:"database"`
	Redis     Redis     `yaml:"redis"`
	NATS      NATS      `yaml:"nats"`
	Auth      Auth      `yaml:"auth"`
	Game      Game      `yaml:"game"`
	Scheduler Scheduler `yaml:"scheduler"`
	Logging   Logging   `yaml:"logging"`
}

// Server holds HTTP listener settings.
type Server struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORSOrigins     []string      `yaml:"cors_origins"`
}

// Database selects the Postgres store. Empty URL means in-memory.
type Database struct {
	URL string `yaml:"url"`
}

// Redis enables the read-through cache in front of Postgres.
type Redis struct {
	URL string        `yaml:"url"`
	TTL time.Duration `yaml:"ttl"`
}

// NATS enables publishing game events to a NATS server.
type NATS struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// Auth selects the identity provider.
type Auth struct {
	Mode      string        `yaml:"mode"` // "jwt" or "header"
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

// Game holds gameplay tuning.
type Game struct {
	AdvanceGrace time.Duration `yaml:"advance_grace"`
	OrderRate    float64       `yaml:"order_rate"` // orders per second per player
	OrderBurst   int           `yaml:"order_burst"`
}

// Scheduler selects the auto-advance backend.
type Scheduler struct {
	Backend       string        `yaml:"backend"` // "timer" or "river"
	SweepInterval time.Duration `yaml:"sweep_interval"`
	MaxWorkers    int           `yaml:"max_workers"`
}

// Logging configures the application logger.
type Logging struct {
	Level string `yaml:"level"`
}

const (
	AuthJWT    = "jwt"
	AuthHeader = "header"

	SchedulerTimer = "timer"
	SchedulerRiver = "river"
)

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Server: Server{
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			IdleTimeout:     60 * time.Second,
			RequestTimeout:  30 * time.Second,
			ShutdownTimeout: 5 * time.Second,
			CORSOrigins:     []string{"*"},
		},
		Redis:     Redis{TTL: 30 * time.Second},
		NATS:      NATS{SubjectPrefix: "marketgame"},
		Auth:      Auth{Mode: AuthHeader, TokenTTL: 24 * time.Hour},
		Game:      Game{AdvanceGrace: 5 * time.Second, OrderRate: 5, OrderBurst: 10},
		Scheduler: Scheduler{Backend: SchedulerTimer, SweepInterval: 15 * time.Second, MaxWorkers: 10},
		Logging:   Logging{Level: "info"},
	}
}

// Load builds the configuration. path may be empty. A .env file in the
// working directory is loaded if present; variables already set in the
// environment win over it.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides
// the corresponding fields when they are set.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT: %w", err)
		}
		cfg.Server.Port = port
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("AUTH_MODE"); v != "" {
		cfg.Auth.Mode = strings.ToLower(v)
	}
	if v := os.Getenv("SCHEDULER_BACKEND"); v != "" {
		cfg.Scheduler.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("ADVANCE_GRACE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("ADVANCE_GRACE: %w", err)
		}
		cfg.Game.AdvanceGrace = d
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	return nil
}

// Validate reports the first inconsistent setting.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	switch c.Auth.Mode {
	case AuthJWT:
		if c.Auth.JWTSecret == "" {
			return errors.New("auth.jwt_secret is required in jwt mode")
		}
	case AuthHeader:
	default:
		return fmt.Errorf("auth.mode %q must be jwt or header", c.Auth.Mode)
	}
	switch c.Scheduler.Backend {
	case SchedulerTimer:
	case SchedulerRiver:
		if c.Database.URL == "" {
			return errors.New("scheduler.backend river requires database.url")
		}
	default:
		return fmt.Errorf("scheduler.backend %q must be timer or river", c.Scheduler.Backend)
	}
	if c.Redis.URL != "" && c.Database.URL == "" {
		return errors.New("redis.url requires database.url")
	}
	if c.Game.AdvanceGrace < 0 {
		return errors.New("game.advance_grace must be >= 0")
	}
	if c.Game.OrderRate <= 0 || c.Game.OrderBurst < 1 {
		return errors.New("game.order_rate and game.order_burst must be positive")
	}
	return nil
}
