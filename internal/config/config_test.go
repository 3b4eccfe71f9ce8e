package config

import (
	"strings"
	"testing"
	"time"
)

func TestFromEnv_Defaults(t *testing.T) {
	for _, key := range []string{"PORT", "DATABASE_DRIVER", "DB_PATH", "WORKER_COUNT", "JOB_TIMEOUT", "JOB_STALE_AFTER", "GEMINI_API_KEY"} {
		t.Setenv(key, "")
	}

	cfg := FromEnv()
	if cfg.Server.Port != "8080" {
		t.Errorf("port = %q", cfg.Server.Port)
	}
	if cfg.Database.Driver != "sqlite" || cfg.Database.DSN() != "data/recap.db" {
		t.Errorf("database = %+v", cfg.Database)
	}
	if cfg.Worker.JobTimeout != 10*time.Minute {
		t.Errorf("job timeout = %v", cfg.Worker.JobTimeout)
	}
	if cfg.Worker.StaleAfter != 20*time.Minute {
		t.Errorf("stale after = %v, want twice the job timeout", cfg.Worker.StaleAfter)
	}
	if cfg.Worker.MaxRetries != 3 || cfg.Worker.PollInterval != 5*time.Second {
		t.Errorf("worker = %+v", cfg.Worker)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", "Postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/recap")
	t.Setenv("WORKER_COUNT", "8")
	t.Setenv("JOB_TIMEOUT", "90s")
	t.Setenv("JOB_STALE_AFTER", "0")
	t.Setenv("WORKER_POLL_INTERVAL", "not-a-duration")

	cfg := FromEnv()
	if cfg.Database.Driver != "postgres" || cfg.Database.DSN() != "postgres://localhost/recap" {
		t.Errorf("database = %+v", cfg.Database)
	}
	if cfg.Worker.Count != 8 || cfg.Worker.JobTimeout != 90*time.Second || cfg.Worker.StaleAfter != 0 {
		t.Errorf("worker = %+v", cfg.Worker)
	}
	if cfg.Worker.PollInterval != 5*time.Second {
		t.Errorf("invalid duration should fall back to default, got %v", cfg.Worker.PollInterval)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "postgres without url", mutate: func(c *Config) { c.Database.Driver = "postgres"; c.Database.URL = "" }, wantErr: "DATABASE_URL"},
		{name: "unknown driver", mutate: func(c *Config) { c.Database.Driver = "mysql" }, wantErr: "not supported"},
		{name: "no workers", mutate: func(c *Config) { c.Worker.Count = 0 }, wantErr: "WORKER_COUNT"},
		{name: "backoff too long", mutate: func(c *Config) { c.Worker.BackoffMax = 2 * time.Minute }, wantErr: "JOB_BACKOFF_MAX"},
		{name: "stale sweep shorter than timeout", mutate: func(c *Config) { c.Worker.StaleAfter = time.Minute }, wantErr: "JOB_STALE_AFTER"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := FromEnv()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}
