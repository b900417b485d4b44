package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"PORT", "DATABASE_URL", "REDIS_URL", "NATS_URL", "JWT_SECRET",
		"AUTH_MODE", "SCHEDULER_BACKEND", "ADVANCE_GRACE", "LOG_LEVEL"} {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Auth.Mode != AuthHeader {
		t.Errorf("auth mode = %q, want header", cfg.Auth.Mode)
	}
	if cfg.Scheduler.Backend != SchedulerTimer {
		t.Errorf("scheduler = %q, want timer", cfg.Scheduler.Backend)
	}
	if cfg.Game.AdvanceGrace != 5*time.Second {
		t.Errorf("grace = %s, want 5s", cfg.Game.AdvanceGrace)
	}
}

func TestLoadYAML(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
server:
  port: 9000
  request_timeout: 15s
database:
  url: "postgres://localhost/game"
auth:
  mode: jwt
  jwt_secret: "s3cret"
game:
  advance_grace: 2s
  order_rate: 1.5
  order_burst: 3
scheduler:
  backend: river
  max_workers: 4
logging:
  level: debug
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9000 || cfg.Server.RequestTimeout != 15*time.Second {
		t.Errorf("server = %+v", cfg.Server)
	}
	// Unset keys keep their defaults.
	if cfg.Server.ShutdownTimeout != 5*time.Second {
		t.Errorf("shutdown timeout = %s, want default 5s", cfg.Server.ShutdownTimeout)
	}
	if cfg.Game.AdvanceGrace != 2*time.Second || cfg.Game.OrderRate != 1.5 || cfg.Game.OrderBurst != 3 {
		t.Errorf("game = %+v", cfg.Game)
	}
	if cfg.Scheduler.Backend != SchedulerRiver || cfg.Scheduler.MaxWorkers != 4 {
		t.Errorf("scheduler = %+v", cfg.Scheduler)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level = %q", cfg.Logging.Level)
	}
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "server:\n  port: 9000\n")
	t.Setenv("PORT", "7000")
	t.Setenv("DATABASE_URL", "postgres://db/game")
	t.Setenv("AUTH_MODE", "JWT")
	t.Setenv("JWT_SECRET", "env-secret")
	t.Setenv("ADVANCE_GRACE", "250ms")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 7000 {
		t.Errorf("port = %d, want 7000", cfg.Server.Port)
	}
	if cfg.Database.URL != "postgres://db/game" {
		t.Errorf("database url = %q", cfg.Database.URL)
	}
	if cfg.Auth.Mode != AuthJWT || cfg.Auth.JWTSecret != "env-secret" {
		t.Errorf("auth = %+v", cfg.Auth)
	}
	if cfg.Game.AdvanceGrace != 250*time.Millisecond {
		t.Errorf("grace = %s", cfg.Game.AdvanceGrace)
	}
}

func TestEnvOverrides_BadValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "eighty")
	if _, err := Load(""); err == nil {
		t.Error("expected error for non-numeric PORT")
	}

	clearEnv(t)
	t.Setenv("ADVANCE_GRACE", "soon")
	if _, err := Load(""); err == nil {
		t.Error("expected error for bad ADVANCE_GRACE")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port", func(c *Config) { c.Server.Port = 0 }},
		{"jwt without secret", func(c *Config) { c.Auth.Mode = AuthJWT }},
		{"unknown auth", func(c *Config) { c.Auth.Mode = "oauth" }},
		{"river without database", func(c *Config) { c.Scheduler.Backend = SchedulerRiver }},
		{"unknown scheduler", func(c *Config) { c.Scheduler.Backend = "cron" }},
		{"redis without database", func(c *Config) { c.Redis.URL = "redis://localhost" }},
		{"negative grace", func(c *Config) { c.Game.AdvanceGrace = -time.Second }},
		{"zero order rate", func(c *Config) { c.Game.OrderRate = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}

	if err := Default().Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}
