// Package config loads runtime configuration from the environment.
// A .env file in the working directory is read first when present.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Media    MediaConfig
	Gemini   GeminiConfig
	Worker   WorkerConfig
	Events   EventsConfig
	Log      LogConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            string
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	Driver          string // sqlite or postgres
	URL             string // postgres connection url
	Path            string // sqlite file path
	MaxConns        int32
	MaxConnLifetime time.Duration
	DialTimeout     time.Duration
}

// DSN returns the data source for the configured driver.
func (c DatabaseConfig) DSN() string {
	if c.Driver == "postgres" {
		return c.URL
	}
	return c.Path
}

// MediaConfig holds upload storage configuration
type MediaConfig struct {
	Root string
}

// GeminiConfig holds generative-AI adapter configuration
type GeminiConfig struct {
	APIKey   string
	Model    string
	Endpoint string
}

// WorkerConfig holds job pipeline configuration
type WorkerConfig struct {
	Count        int
	PollInterval time.Duration
	JobTimeout   time.Duration
	MaxRetries   int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	StaleAfter   time.Duration
	QueueSize    int
}

// EventsConfig holds session event publishing configuration
type EventsConfig struct {
	NATSURL string
	Subject string
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string
	Format string // text or json
}

// Load reads .env (if present) and builds the configuration from the environment
func Load() (*Config, error) {
	_ = godotenv.Load()
	cfg := FromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv builds the configuration from environment variables without validation
func FromEnv() *Config {
	jobTimeout := getEnvAsDuration("JOB_TIMEOUT", 10*time.Minute)
	return &Config{
		Server: ServerConfig{
			Port:            getEnv("PORT", "8080"),
			ShutdownTimeout: getEnvAsDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
		},
		Database: DatabaseConfig{
			Driver:          strings.ToLower(getEnv("DATABASE_DRIVER", "sqlite")),
			URL:             getEnv("DATABASE_URL", ""),
			Path:            getEnv("DB_PATH", "data/recap.db"),
			MaxConns:        int32(getEnvAsInt("DB_MAX_CONNS", 10)),
			MaxConnLifetime: getEnvAsDuration("DB_MAX_CONN_LIFETIME", 30*time.Minute),
			DialTimeout:     getEnvAsDuration("DB_DIAL_TIMEOUT", 5*time.Second),
		},
		Media: MediaConfig{
			Root: getEnv("MEDIA_ROOT", "data/media"),
		},
		Gemini: GeminiConfig{
			APIKey:   getEnv("GEMINI_API_KEY", ""),
			Model:    getEnv("GEMINI_MODEL", "gemini-2.5-pro"),
			Endpoint: getEnv("GEMINI_ENDPOINT", "https://generativelanguage.googleapis.com/v1beta"),
		},
		Worker: WorkerConfig{
			Count:        getEnvAsInt("WORKER_COUNT", 2),
			PollInterval: getEnvAsDuration("WORKER_POLL_INTERVAL", 5*time.Second),
			JobTimeout:   jobTimeout,
			MaxRetries:   getEnvAsInt("JOB_MAX_RETRIES", 3),
			BackoffBase:  getEnvAsDuration("JOB_BACKOFF_BASE", time.Second),
			BackoffMax:   getEnvAsDuration("JOB_BACKOFF_MAX", 30*time.Second),
			StaleAfter:   getEnvAsDuration("JOB_STALE_AFTER", 2*jobTimeout),
			QueueSize:    getEnvAsInt("DISPATCH_QUEUE_SIZE", 256),
		},
		Events: EventsConfig{
			NATSURL: getEnv("NATS_URL", ""),
			Subject: getEnv("NATS_SUBJECT", "recap.sessions.status"),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
		},
	}
}

// Validate checks required and ranged values
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			errs = append(errs, errors.New("DB_PATH is required for sqlite"))
		}
	case "postgres":
		if c.Database.URL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("DATABASE_DRIVER %q is not supported", c.Database.Driver))
	}
	if c.Media.Root == "" {
		errs = append(errs, errors.New("MEDIA_ROOT is required"))
	}
	if c.Worker.Count < 1 {
		errs = append(errs, errors.New("WORKER_COUNT must be at least 1"))
	}
	if c.Worker.PollInterval <= 0 {
		errs = append(errs, errors.New("WORKER_POLL_INTERVAL must be positive"))
	}
	if c.Worker.JobTimeout <= 0 {
		errs = append(errs, errors.New("JOB_TIMEOUT must be positive"))
	}
	if c.Worker.MaxRetries < 1 {
		errs = append(errs, errors.New("JOB_MAX_RETRIES must be at least 1"))
	}
	if c.Worker.BackoffMax >= time.Minute {
		errs = append(errs, errors.New("JOB_BACKOFF_MAX must be under a minute"))
	}
	if c.Worker.StaleAfter != 0 && c.Worker.StaleAfter <= c.Worker.JobTimeout {
		errs = append(errs, errors.New("JOB_STALE_AFTER must exceed JOB_TIMEOUT (or be 0 to disable)"))
	}
	return errors.Join(errs...)
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
