package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"agentgrid/internal/domain"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	validateEventLog(cfg, ve)
	validateStream(cfg, ve)
	validateDelivery(cfg, ve)
	validateSession(cfg, ve)
	validateGateway(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

var validLevels = map[string]bool{"": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is invalid (want: debug, info, warn, error)", cfg.Logger.Level)
	}
	switch strings.ToLower(cfg.Logger.Format) {
	case "", "text", "json":
	default:
		ve.Add("logger.format %q is invalid (want: text, json)", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "", "noop", "stdout":
	default:
		ve.Add("tracer.exporter %q is invalid (want: noop, stdout)", cfg.Tracer.Exporter)
	}
	if cfg.Tracer.SampleRatio < 0 || cfg.Tracer.SampleRatio > 1 {
		ve.Add("tracer.sample_ratio must be between 0 and 1 (got %g)", cfg.Tracer.SampleRatio)
	}
}

func validateEventLog(cfg *Config, ve *ValidationError) {
	switch cfg.EventLog.Driver {
	case "memory":
	case "sqlite":
		if cfg.EventLog.Path == "" {
			ve.Add("eventlog.path is required for the sqlite driver")
		}
	default:
		ve.Add("eventlog.driver %q is invalid (want: sqlite, memory)", cfg.EventLog.Driver)
	}
	if cfg.EventLog.PageSize < 0 {
		ve.Add("eventlog.page_size must be >= 0")
	}
	if cfg.EventLog.SnapshotEvery < 0 {
		ve.Add("eventlog.snapshot_every must be >= 0")
	}
	if cfg.EventLog.HopLimit < 0 {
		ve.Add("eventlog.hop_limit must be >= 0")
	}
}

func validateStream(cfg *Config, ve *ValidationError) {
	switch cfg.Stream.Backend {
	case "bus":
	case "redis":
		validateRedisURL(cfg.Cluster.RedisURL, ve)
	default:
		ve.Add("stream.backend %q is invalid (want: bus, redis)", cfg.Stream.Backend)
	}
	if cfg.Cluster.LeaseTTL < 0 {
		ve.Add("cluster.lease_ttl must be >= 0")
	}
}

func validateRedisURL(raw string, ve *ValidationError) {
	if raw == "" {
		ve.Add("cluster.redis_url is required when stream.backend is redis")
		return
	}
	// Still encrypted: Load could not decrypt it without AGENTGRID_CONFIG_KEY.
	if strings.HasPrefix(raw, "enc:") {
		ve.Add("cluster.redis_url is encrypted but AGENTGRID_CONFIG_KEY is not set")
		return
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "redis" && u.Scheme != "rediss") {
		ve.Add("cluster.redis_url must be a redis:// or rediss:// URL")
	}
}

func validateDelivery(cfg *Config, ve *ValidationError) {
	if cfg.Delivery.Interval < 0 {
		ve.Add("delivery.interval must be >= 0")
	}
	if cfg.Delivery.BatchSize < 0 {
		ve.Add("delivery.batch_size must be >= 0")
	}
	if cfg.Delivery.MaxAttempts < 0 {
		ve.Add("delivery.max_attempts must be >= 0")
	}
	if cfg.Delivery.Backoff < 0 {
		ve.Add("delivery.backoff must be >= 0")
	}
}

func validateSession(cfg *Config, ve *ValidationError) {
	if cfg.Session.FailureThreshold < 0 {
		ve.Add("session.failure_threshold must be >= 0")
	}
	if cfg.Session.Breaker.Timeout < 0 {
		ve.Add("session.breaker.timeout must be >= 0")
	}
}

func validateGateway(cfg *Config, ve *ValidationError) {
	if !cfg.Gateway.Enabled {
		return
	}
	if cfg.Gateway.Addr == "" {
		ve.Add("gateway.addr is required when gateway is enabled")
	} else if _, _, err := net.SplitHostPort(cfg.Gateway.Addr); err != nil {
		ve.Add("gateway.addr %q is not a valid host:port", cfg.Gateway.Addr)
	}
	if cfg.Gateway.RPCPerSecond < 0 {
		ve.Add("gateway.rpc_per_second must be >= 0")
	}
	if cfg.Gateway.HeartbeatTTL < 0 {
		ve.Add("gateway.heartbeat_ttl must be >= 0")
	}

	seen := make(map[string]bool)
	for i, tok := range cfg.Gateway.Auth.Tokens {
		if strings.TrimSpace(tok.Token) == "" {
			ve.Add("gateway.auth.tokens[%d].token must not be empty", i)
			continue
		}
		if seen[tok.Token] {
			ve.Add("gateway.auth.tokens[%d]: duplicate token", i)
		}
		seen[tok.Token] = true
		for _, role := range tok.Roles {
			if !domain.IsValidAuthRole(role) {
				ve.Add("gateway.auth.tokens[%d].roles: unknown role %q", i, role)
			}
		}
	}
}
