package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"agentgrid/internal/domain"
)

// Default breaker settings for server forwards.
const (
	defaultBreakerMaxFailures uint32        = 5
	defaultBreakerTimeout     time.Duration = 30 * time.Second
	defaultBreakerInterval    time.Duration = 60 * time.Second
)

// BreakerConfig configures the per-server circuit breaker.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive publish failures before the
	// circuit opens.
	MaxFailures uint32 `yaml:"max_failures"`
	// Timeout is how long the circuit stays open before half-open.
	Timeout time.Duration `yaml:"timeout"`
	// Interval clears failure counts while closed.
	Interval time.Duration `yaml:"interval"`
}

// Forwarder puts outbound messages on gateway server channels. Each server
// gets its own breaker so a dead server fails fast without slowing the rest.
type Forwarder struct {
	transport domain.StreamTransport
	cfg       BreakerConfig
	logger    *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[struct{}]
}

// NewForwarder creates a forwarder over transport. Zero config fields use
// defaults.
func NewForwarder(transport domain.StreamTransport, cfg BreakerConfig, logger *slog.Logger) *Forwarder {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = defaultBreakerMaxFailures
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultBreakerTimeout
	}
	if cfg.Interval == 0 {
		cfg.Interval = defaultBreakerInterval
	}
	return &Forwarder{
		transport: transport,
		cfg:       cfg,
		logger:    logger.With("component", "forwarder"),
		breakers:  make(map[string]*gobreaker.CircuitBreaker[struct{}]),
	}
}

// Forward publishes msg for sessionID on serverID's channel.
func (f *Forwarder) Forward(ctx context.Context, serverID, sessionID string, msg domain.OutboundMessage) error {
	raw, err := json.Marshal(domain.ForwardEnvelope{SessionID: sessionID, Message: msg})
	if err != nil {
		return fmt.Errorf("encode forward envelope: %w", err)
	}
	_, err = f.breaker(serverID).Execute(func() (struct{}, error) {
		return struct{}{}, f.transport.Publish(ctx, domain.ServerChannel(serverID), raw)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("server %q circuit open: %w", serverID, err)
	}
	return err
}

// State returns the breaker state for serverID.
func (f *Forwarder) State(serverID string) gobreaker.State {
	return f.breaker(serverID).State()
}

func (f *Forwarder) breaker(serverID string) *gobreaker.CircuitBreaker[struct{}] {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cb, ok := f.breakers[serverID]; ok {
		return cb
	}
	maxFailures := f.cfg.MaxFailures
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "server:" + serverID,
		MaxRequests: 1,
		Interval:    f.cfg.Interval,
		Timeout:     f.cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			f.logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	f.breakers[serverID] = cb
	return cb
}
