// Package config loads service settings from the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Store backends accepted by SAGA_STORE.
const (
	StorePostgres = "postgres"
	StoreRedis    = "redis"
	StoreMemory   = "memory"
)

// StreamConfig describes one supplier's source stream.
type StreamConfig struct {
	Topic   string `env:"TOPIC"`
	GroupID string `env:"GROUP_ID"`
	// ConcurrentMessageLimit bounds records processed at once.
	ConcurrentMessageLimit int `env:"CONCURRENT_MESSAGE_LIMIT" envDefault:"10"`
	// Prefetch bounds records buffered ahead of processing.
	Prefetch int `env:"PREFETCH" envDefault:"20"`
}

type Config struct {
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`

	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:"," envDefault:"localhost:9092"`

	Store       string        `env:"SAGA_STORE" envDefault:"postgres"`
	DatabaseURL string        `env:"DATABASE_URL"`
	RedisAddr   string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	// RedisTTL expires terminal sagas when positive. Expired sagas are
	// resolved and emitted again on replay, so zero keeps them forever.
	RedisTTL time.Duration `env:"REDIS_TERMINAL_TTL"`

	SagaLease           time.Duration `env:"SAGA_LEASE" envDefault:"30s"`
	MaxDeliveryAttempts int           `env:"MAX_DELIVERY_ATTEMPTS" envDefault:"5"`
	RetryMaxInterval    time.Duration `env:"RETRY_MAX_INTERVAL" envDefault:"10s"`

	IngressJWTSecret string `env:"INGRESS_JWT_SECRET"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	SupplierA StreamConfig `envPrefix:"SUPPLIER_A_"`
	SupplierB StreamConfig `envPrefix:"SUPPLIER_B_"`
}

// Load parses the environment and fills per-stream defaults.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	c.Store = strings.ToLower(strings.TrimSpace(c.Store))
	if c.SupplierA.Topic == "" {
		c.SupplierA.Topic = "source.supplier-a.v1"
	}
	if c.SupplierA.GroupID == "" {
		c.SupplierA.GroupID = "saga-group-a"
	}
	if c.SupplierB.Topic == "" {
		c.SupplierB.Topic = "source.supplier-b.v1"
	}
	if c.SupplierB.GroupID == "" {
		c.SupplierB.GroupID = "saga-group-b"
	}
}

// Validate rejects settings the service cannot run with.
func (c Config) Validate() error {
	var errs []error
	switch c.Store {
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres store"))
		}
	case StoreRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required for the redis store"))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("SAGA_STORE %q is not one of postgres, redis, memory", c.Store))
	}
	if len(c.KafkaBrokers) == 0 {
		errs = append(errs, errors.New("KAFKA_BROKERS is required"))
	}
	if c.SagaLease <= 0 {
		errs = append(errs, errors.New("SAGA_LEASE must be positive"))
	}
	if c.RedisTTL < 0 {
		errs = append(errs, errors.New("REDIS_TERMINAL_TTL must not be negative"))
	}
	if c.MaxDeliveryAttempts < 1 {
		errs = append(errs, errors.New("MAX_DELIVERY_ATTEMPTS must be at least 1"))
	}
	for name, s := range map[string]StreamConfig{"SUPPLIER_A": c.SupplierA, "SUPPLIER_B": c.SupplierB} {
		if s.ConcurrentMessageLimit < 1 {
			errs = append(errs, fmt.Errorf("%s_CONCURRENT_MESSAGE_LIMIT must be at least 1", name))
		}
		if s.Prefetch < 0 {
			errs = append(errs, fmt.Errorf("%s_PREFETCH must not be negative", name))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
