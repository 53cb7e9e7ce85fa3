package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

const (
	defaultAppName        = "TidePay"
	defaultAppEnv         = "development"
	defaultPort           = "8080"
	defaultLogLevel       = "info"
	defaultShutdownDelay  = 10 * time.Second
	defaultIdempotencyTTL = 24 * time.Hour
	defaultLockTTL        = 15 * time.Second
	defaultSweepInterval  = 10 * time.Minute
	defaultStaleAfter     = time.Hour
)

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName        string
	Env            string
	Port           string
	LogLevel       string
	DatabaseURL    string
	RedisURL       string
	ShutdownPeriod time.Duration
	IdempotencyTTL time.Duration
	LockTTL        time.Duration
	SweepInterval  time.Duration
	StaleAfter     time.Duration
	FraudCeiling   string
}

// Load reads configuration values from the environment and populates a Config instance.
func Load() (Config, error) {
	cfg := Config{
		AppName:        getEnv("APP_NAME", defaultAppName),
		Env:            getEnv("APP_ENV", defaultAppEnv),
		Port:           getEnv("PORT", defaultPort),
		LogLevel:       strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		RedisURL:       os.Getenv("REDIS_URL"),
		ShutdownPeriod: defaultShutdownDelay,
		IdempotencyTTL: defaultIdempotencyTTL,
		LockTTL:        defaultLockTTL,
		SweepInterval:  defaultSweepInterval,
		StaleAfter:     defaultStaleAfter,
		FraudCeiling:   os.Getenv("FRAUD_AMOUNT_CEILING"),
	}

	durations := []struct {
		envVar string
		target *time.Duration
	}{
		{"SHUTDOWN_TIMEOUT", &cfg.ShutdownPeriod},
		{"IDEMPOTENCY_TTL", &cfg.IdempotencyTTL},
		{"LOCK_TTL", &cfg.LockTTL},
		{"SWEEP_INTERVAL", &cfg.SweepInterval},
		{"STALE_AFTER", &cfg.StaleAfter},
	}
	for _, d := range durations {
		if v := os.Getenv(d.envVar); v != "" {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				return Config{}, fmt.Errorf("invalid %s: %w", d.envVar, err)
			}
			*d.target = parsed
		}
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL must be set")
	}

	if cfg.RedisURL == "" {
		return Config{}, fmt.Errorf("REDIS_URL must be set")
	}

	return cfg, nil
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
