// Package cluster runs agentgrid across several nodes through Redis: a
// pub/sub stream transport, a TTL-based gateway server directory and short
// drain leases.
package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"agentgrid/internal/domain"
)

// Key prefixes in Redis.
const (
	prefixStream = "agentgrid:stream:"
	prefixServer = "agentgrid:server:"
	prefixLease  = "agentgrid:lease:"
)

// RedisClient abstracts the Redis operations the cluster needs.
// This allows a real go-redis client or a mock to be used interchangeably.
type RedisClient interface {
	// SetNX sets key to value if it does not exist. Returns true if set.
	SetNX(ctx context.Context, key string, value string, expiration time.Duration) (bool, error)
	// Set sets key to value with an expiration; zero means no expiry.
	Set(ctx context.Context, key string, value string, expiration time.Duration) error
	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)
	// Del deletes one or more keys.
	Del(ctx context.Context, keys ...string) error
	// Get retrieves the value of a key.
	Get(ctx context.Context, key string) (string, error)
	// Publish publishes a message to a channel.
	Publish(ctx context.Context, channel string, message string) error
	// Subscribe subscribes to a channel until ctx is done. Returns a
	// channel of messages.
	Subscribe(ctx context.Context, channel string) (<-chan string, error)
	// Close shuts down the client.
	Close() error
}

// Coordinator is this node's view of the cluster: it keeps the gateway
// server directory and hands out drain leases.
type Coordinator struct {
	nodeID string
	client RedisClient
	logger *slog.Logger
}

// CoordinatorConfig holds configuration for the coordinator.
type CoordinatorConfig struct {
	NodeID string
}

// NewCoordinator creates a coordinator over client.
func NewCoordinator(client RedisClient, cfg CoordinatorConfig, logger *slog.Logger) *Coordinator {
	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID = domain.NewID()
	}
	return &Coordinator{
		nodeID: nodeID,
		client: client,
		logger: logger.With("component", "cluster", "node", nodeID),
	}
}

// NodeID returns this node's identifier.
func (c *Coordinator) NodeID() string { return c.nodeID }

// Acquire attempts to take the lease key for ttl. Returns true if the
// lease was acquired, false if another holder owns it.
func (c *Coordinator) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	acquired, err := c.client.SetNX(ctx, prefixLease+key, c.nodeID, ttl)
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	if acquired {
		c.logger.Debug("lease acquired", "lease", key)
	}
	return acquired, nil
}

// Release drops the lease key if this node holds it.
func (c *Coordinator) Release(ctx context.Context, key string) error {
	k := prefixLease + key
	owner, err := c.client.Get(ctx, k)
	if err != nil {
		// Key doesn't exist or error: either way, nothing to release.
		return nil
	}
	if owner != c.nodeID {
		c.logger.Debug("skipping lease release (not owner)", "lease", key, "owner", owner)
		return nil
	}
	if err := c.client.Del(ctx, k); err != nil {
		return fmt.Errorf("release lease %s: %w", key, err)
	}
	c.logger.Debug("lease released", "lease", key)
	return nil
}

// Heartbeat marks serverID alive for ttl.
func (c *Coordinator) Heartbeat(ctx context.Context, serverID string, ttl time.Duration) error {
	if serverID == "" {
		return domain.NewSubSystemError("cluster", "Coordinator.Heartbeat", domain.ErrInvalidInput, "empty server id")
	}
	if ttl < 0 {
		ttl = 0
	}
	if err := c.client.Set(ctx, prefixServer+serverID, c.nodeID, ttl); err != nil {
		return fmt.Errorf("heartbeat %s: %w", serverID, err)
	}
	return nil
}

// Alive reports whether serverID's heartbeat has not expired.
func (c *Coordinator) Alive(ctx context.Context, serverID string) (bool, error) {
	ok, err := c.client.Exists(ctx, prefixServer+serverID)
	if err != nil {
		return false, fmt.Errorf("check server %s: %w", serverID, err)
	}
	return ok, nil
}

// Remove deletes serverID from the directory.
func (c *Coordinator) Remove(ctx context.Context, serverID string) error {
	if err := c.client.Del(ctx, prefixServer+serverID); err != nil {
		return fmt.Errorf("remove server %s: %w", serverID, err)
	}
	return nil
}

// Stop shuts down the coordinator's client.
func (c *Coordinator) Stop() error {
	return c.client.Close()
}

var (
	_ domain.Leaser          = (*Coordinator)(nil)
	_ domain.ServerDirectory = (*Coordinator)(nil)
)
