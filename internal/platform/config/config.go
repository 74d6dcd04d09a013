package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"scribe/internal/platform/secrets"
	"scribe/pkg/eventbus"
)

// Config captures everything the service needs from the environment.
type Config struct {
	Addr          string
	LogLevel      string
	DatabaseURL   string
	JWTSigningKey string

	Broker eventbus.Config
}

// FromEnv builds a Config from environment variables so main stays lean.
// SCRIBE_SECRET_KEY, when set, is the base64 AES key used to decrypt
// SCRIBE_BROKER_PASSWORD, which is stored encrypted at rest.
func FromEnv() (Config, error) {
	cfg := Config{
		Addr:          envOr("SCRIBE_ADDR", ":8080"),
		LogLevel:      envOr("SCRIBE_LOG_LEVEL", "info"),
		DatabaseURL:   envOr("SCRIBE_DATABASE_URL", "postgres://localhost:5432/scribe?sslmode=disable"),
		JWTSigningKey: envOr("SCRIBE_JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
		Broker: eventbus.Config{
			Brokers:       strings.Split(envOr("SCRIBE_BROKERS", "localhost:9092"), ","),
			Username:      os.Getenv("SCRIBE_BROKER_USERNAME"),
			Password:      os.Getenv("SCRIBE_BROKER_PASSWORD"),
			RetryCount:    envIntOr("SCRIBE_BROKER_RETRY_COUNT", 3),
			RetryDuration: envDurationOr("SCRIBE_BROKER_RETRY_DURATION", 2*time.Second),
			GroupID:       envOr("SCRIBE_BROKER_GROUP", "scribe"),
		},
	}

	if key := os.Getenv("SCRIBE_SECRET_KEY"); key != "" && cfg.Broker.Password != "" {
		codec, err := secrets.NewCodec(key)
		if err != nil {
			return Config{}, fmt.Errorf("load secret key: %w", err)
		}
		password, err := codec.Decrypt(cfg.Broker.Password)
		if err != nil {
			return Config{}, fmt.Errorf("decrypt broker password: %w", err)
		}
		cfg.Broker.Password = password
	}
	return cfg, nil
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func envIntOr(name string, fallback int) int {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envDurationOr(name string, fallback time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
