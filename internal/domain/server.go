package domain

import (
	"context"
	"time"
)

// ServerDirectory records which gateway servers are alive. Entries expire
// unless refreshed by Heartbeat within their TTL.
type ServerDirectory interface {
	Heartbeat(ctx context.Context, serverID string, ttl time.Duration) error
	Alive(ctx context.Context, serverID string) (bool, error)
	Remove(ctx context.Context, serverID string) error
}

// Leaser grants short exclusive leases across nodes. Acquire reports false
// when another holder owns key.
type Leaser interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}
