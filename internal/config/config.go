// Package config loads process-wide configuration from environment variables.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

// Config holds application configuration populated from environment variables.
type Config struct {
	// Core
	ServerEnv  string // "development", "staging", or "production"
	ServerPort int
	APIBaseURL string

	// Database
	DatabaseURL     string
	DatabaseMaxConn int
	DatabaseMinConn int

	// Redis (queue backend, rate limiting, adapter session cache)
	RedisURL         string
	RedisDialTimeout time.Duration

	// Credential vault
	EncryptionKey string // 64 hex chars (32 bytes), required outside development

	// Rate limiting
	RateLimitAPIRequests      int
	RateLimitAPIWindowSeconds int

	// Attachments
	MaxAttachmentBytes int64

	// Queue
	JobMaxAttempts      int
	JobBackoffBase      time.Duration
	JobStallThreshold   time.Duration
	ShutdownGracePeriod time.Duration
	QueueConcurrency    int

	// CORS
	CORSAllowOrigins string

	LogHealthRequests bool
}

// Load reads configuration from environment variables. It returns an error if any variable is set but cannot be
// parsed, or if required security values are missing.
func Load() (*Config, error) {
	p := &parser{}

	cfg := &Config{
		ServerEnv:  envStr("SERVER_ENV", "production"),
		ServerPort: p.int("PORT", 3000),
		APIBaseURL: envStr("API_BASE_URL", "http://localhost:3000"),

		DatabaseURL:     envStr("DATABASE_URL", ""),
		DatabaseMaxConn: p.int("DATABASE_MAX_CONNS", 25),
		DatabaseMinConn: p.int("DATABASE_MIN_CONNS", 5),

		RedisURL:         envStr("REDIS_URL", ""),
		RedisDialTimeout: p.duration("REDIS_DIAL_TIMEOUT", 5*time.Second),

		EncryptionKey: envStr("ENCRYPTION_KEY", ""),

		RateLimitAPIRequests:      p.int("RATE_LIMIT_API_REQUESTS", 60),
		RateLimitAPIWindowSeconds: p.int("RATE_LIMIT_API_WINDOW_SECONDS", 60),

		MaxAttachmentBytes: p.int64("MAX_ATTACHMENT_BYTES", 25*1024*1024),

		JobMaxAttempts:      p.int("JOB_MAX_ATTEMPTS", 3),
		JobBackoffBase:      p.duration("JOB_BACKOFF_BASE", 2*time.Second),
		JobStallThreshold:   p.duration("JOB_STALL_THRESHOLD", 60*time.Second),
		ShutdownGracePeriod: p.duration("SHUTDOWN_GRACE_PERIOD", 30*time.Second),
		QueueConcurrency:    p.int("QUEUE_CONCURRENCY", 4),

		CORSAllowOrigins: envStr("CORS_ALLOW_ORIGINS", "*"),

		LogHealthRequests: p.bool("LOG_HEALTH_REQUESTS", false),
	}

	if parseErr := errors.Join(p.errs...); parseErr != nil {
		return nil, parseErr
	}

	if cfg.IsDevelopment() && cfg.EncryptionKey == "" {
		// Development-only convenience: generate an ephemeral key so the service runs out of the box. Every restart
		// invalidates previously encrypted rows.
		key := make([]byte, 32)
		_, _ = rand.Read(key)
		cfg.EncryptionKey = hex.EncodeToString(key)
		log.Warn().Msg("ENCRYPTION_KEY not set; generated an ephemeral development key. Restarting invalidates existing encrypted rows.")
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// IsDevelopment returns true when running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.ServerEnv == "development"
}

func (c *Config) validate() error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DATABASE_URL is required"))
	}
	if c.RedisURL == "" {
		errs = append(errs, fmt.Errorf("REDIS_URL is required"))
	}
	if c.APIBaseURL == "" {
		errs = append(errs, fmt.Errorf("API_BASE_URL is required"))
	}

	if c.EncryptionKey == "" {
		errs = append(errs, fmt.Errorf("ENCRYPTION_KEY is required outside development"))
	} else {
		b, err := hex.DecodeString(c.EncryptionKey)
		if err != nil || len(b) != 32 {
			errs = append(errs, fmt.Errorf("ENCRYPTION_KEY must be exactly 64 hex characters (32 bytes)"))
		}
	}

	if c.ServerPort < 1 || c.ServerPort > 65535 {
		errs = append(errs, fmt.Errorf("PORT must be between 1 and 65535"))
	}

	if c.DatabaseMaxConn < 1 {
		errs = append(errs, fmt.Errorf("DATABASE_MAX_CONNS must be at least 1"))
	}
	if c.DatabaseMinConn < 0 {
		errs = append(errs, fmt.Errorf("DATABASE_MIN_CONNS must not be negative"))
	}
	if c.DatabaseMinConn > c.DatabaseMaxConn {
		errs = append(errs, fmt.Errorf("DATABASE_MIN_CONNS (%d) must not exceed DATABASE_MAX_CONNS (%d)", c.DatabaseMinConn, c.DatabaseMaxConn))
	}

	if c.MaxAttachmentBytes < 1 {
		errs = append(errs, fmt.Errorf("MAX_ATTACHMENT_BYTES must be at least 1"))
	}

	if c.JobMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("JOB_MAX_ATTEMPTS must be at least 1"))
	}
	if c.JobBackoffBase < time.Millisecond {
		errs = append(errs, fmt.Errorf("JOB_BACKOFF_BASE must be at least 1ms"))
	}
	if c.JobStallThreshold < time.Second {
		errs = append(errs, fmt.Errorf("JOB_STALL_THRESHOLD must be at least 1s"))
	}
	if c.QueueConcurrency < 1 {
		errs = append(errs, fmt.Errorf("QUEUE_CONCURRENCY must be at least 1"))
	}

	if c.RateLimitAPIRequests < 1 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_API_REQUESTS must be at least 1"))
	}
	if c.RateLimitAPIWindowSeconds < 1 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_API_WINDOW_SECONDS must be at least 1"))
	}

	return errors.Join(errs...)
}

// parser collects parse errors so Load can report all invalid values at once.
type parser struct {
	errs []error
}

func (p *parser) int(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid value for %s: %q (expected integer)", key, v))
		return fallback
	}
	return n
}

func (p *parser) int64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid value for %s: %q (expected integer)", key, v))
		return fallback
	}
	return n
}

func (p *parser) bool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid value for %s: %q (expected boolean)", key, v))
		return fallback
	}
	return b
}

func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid value for %s: %q (expected duration like \"30s\" or \"2m\")", key, v))
		return fallback
	}
	return d
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
