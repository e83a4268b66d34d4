// Package middleware holds the HTTP wrappers the gateway mounts in front of
// its upgrade and metrics endpoints.
package middleware

import (
	"context"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// SecurityHeaders sets the response headers every gateway endpoint carries.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Content-Security-Policy", "default-src 'self'")
		h.Set("Referrer-Policy", "no-referrer")
		if r.TLS != nil {
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// ConnectLimitConfig bounds how often one client address may open
// connections.
type ConnectLimitConfig struct {
	PerMinute int `yaml:"per_minute"`
	Burst     int `yaml:"burst"`
	// TrustedProxies are peers whose X-Forwarded-For and X-Real-IP headers
	// are believed. Requests from any other peer are keyed by peer address.
	TrustedProxies []string `yaml:"trusted_proxies"`
	// IdleAfter drops the limiter of an address unseen for this long.
	IdleAfter time.Duration `yaml:"idle_after"`
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ConnectLimit rejects requests from an address that exceeds cfg with 429.
// Idle limiters are swept until ctx is done. A zero PerMinute disables the
// limit.
func ConnectLimit(ctx context.Context, cfg ConnectLimitConfig) func(http.Handler) http.Handler {
	if cfg.PerMinute <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if cfg.IdleAfter <= 0 {
		cfg.IdleAfter = 3 * time.Minute
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	var (
		mu       sync.Mutex
		visitors = make(map[string]*visitor)
	)

	go func() {
		ticker := time.NewTicker(cfg.IdleAfter / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				mu.Lock()
				for addr, v := range visitors {
					if now.Sub(v.lastSeen) > cfg.IdleAfter {
						delete(visitors, addr)
					}
				}
				mu.Unlock()
			}
		}
	}()

	every := rate.Limit(float64(cfg.PerMinute) / 60)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			addr := ClientAddr(r, cfg.TrustedProxies)
			mu.Lock()
			v, ok := visitors[addr]
			if !ok {
				v = &visitor{limiter: rate.NewLimiter(every, cfg.Burst)}
				visitors[addr] = v
			}
			v.lastSeen = time.Now()
			mu.Unlock()

			if !v.limiter.Allow() {
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientAddr returns the address a request is attributed to. Forwarding
// headers count only when the peer is one of trusted.
func ClientAddr(r *http.Request, trusted []string) string {
	peer := r.RemoteAddr
	if host, _, err := net.SplitHostPort(peer); err == nil {
		peer = host
	}
	if !slices.Contains(trusted, peer) {
		return peer
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	return peer
}
