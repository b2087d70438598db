// Package config reads grievd settings from GRIEVDESK_* environment
// variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"grievdesk.org/internal/grievance"
)

type Config struct {
	HTTPAddr string
	GRPCAddr string
	// DatabaseDSN selects the backend, see store.Open.
	DatabaseDSN string

	AuthSecret string
	DevTokens  bool

	SweepInterval    time.Duration
	SweepConcurrency int
	SweepLockTTL     time.Duration
	PolicyFile       string
	Policy           grievance.Policy

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisLockKey  string

	WebhookURL  string
	NotifyQueue int

	OTLPEndpoint string
	OTLPInsecure bool

	RatePerSec int
	RateBurst  int
	CORSOrigin string
}

// Load reads the process environment.
func Load() (*Config, error) {
	return LoadFrom(os.Getenv)
}

// LoadFrom reads settings through getenv so tests can supply a map.
func LoadFrom(getenv func(string) string) (*Config, error) {
	e := env{get: getenv}
	c := &Config{
		HTTPAddr:         e.str("GRIEVDESK_HTTP_ADDR", ":8080"),
		GRPCAddr:         e.str("GRIEVDESK_GRPC_ADDR", ":9090"),
		DatabaseDSN:      e.str("GRIEVDESK_DB_DSN", ""),
		AuthSecret:       e.str("GRIEVDESK_AUTH_SECRET", ""),
		DevTokens:        e.boolean("GRIEVDESK_DEV_TOKENS", false),
		SweepInterval:    e.duration("GRIEVDESK_SWEEP_INTERVAL", time.Minute),
		SweepConcurrency: e.integer("GRIEVDESK_SWEEP_CONCURRENCY", 8),
		SweepLockTTL:     e.duration("GRIEVDESK_SWEEP_LOCK_TTL", 5*time.Minute),
		PolicyFile:       e.str("GRIEVDESK_POLICY_FILE", ""),
		RedisAddr:        e.str("GRIEVDESK_REDIS_ADDR", ""),
		RedisPassword:    e.str("GRIEVDESK_REDIS_PASSWORD", ""),
		RedisDB:          e.integer("GRIEVDESK_REDIS_DB", 0),
		RedisLockKey:     e.str("GRIEVDESK_REDIS_LOCK_KEY", "grievdesk:sweep:lock"),
		WebhookURL:       e.str("GRIEVDESK_WEBHOOK_URL", ""),
		NotifyQueue:      e.integer("GRIEVDESK_NOTIFY_QUEUE", 256),
		OTLPEndpoint:     e.str("GRIEVDESK_OTLP_ENDPOINT", ""),
		OTLPInsecure:     e.boolean("GRIEVDESK_OTLP_INSECURE", true),
		RatePerSec:       e.integer("GRIEVDESK_RATE_RPS", 20),
		RateBurst:        e.integer("GRIEVDESK_RATE_BURST", 40),
		CORSOrigin:       e.str("GRIEVDESK_CORS_ORIGIN", ""),
	}
	if len(e.errs) > 0 {
		return nil, fmt.Errorf("config: %s", strings.Join(e.errs, "; "))
	}
	if c.SweepInterval <= 0 {
		return nil, fmt.Errorf("config: GRIEVDESK_SWEEP_INTERVAL must be positive")
	}
	if c.SweepConcurrency < 1 {
		return nil, fmt.Errorf("config: GRIEVDESK_SWEEP_CONCURRENCY must be at least 1")
	}

	c.Policy = grievance.DefaultPolicy()
	if c.PolicyFile != "" {
		p, err := grievance.LoadPolicyFile(c.PolicyFile)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		c.Policy = p
	}
	return c, nil
}

type env struct {
	get  func(string) string
	errs []string
}

func (e *env) str(key, def string) string {
	if v := strings.TrimSpace(e.get(key)); v != "" {
		return v
	}
	return def
}

func (e *env) integer(key string, def int) int {
	v := strings.TrimSpace(e.get(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: %v", key, err))
		return def
	}
	return n
}

func (e *env) boolean(key string, def bool) bool {
	v := strings.TrimSpace(e.get(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: %v", key, err))
		return def
	}
	return b
}

func (e *env) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(e.get(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: %v", key, err))
		return def
	}
	return d
}
