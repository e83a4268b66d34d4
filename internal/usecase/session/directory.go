package session

import (
	"context"
	"sync"
	"time"

	"agentgrid/internal/domain"
)

// MemoryDirectory is a single-process domain.ServerDirectory.
type MemoryDirectory struct {
	mu      sync.Mutex
	expires map[string]time.Time
	now     func() time.Time
}

// NewMemoryDirectory creates an empty directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{expires: make(map[string]time.Time), now: time.Now}
}

// Heartbeat marks serverID alive for ttl. A non-positive ttl never expires.
func (d *MemoryDirectory) Heartbeat(_ context.Context, serverID string, ttl time.Duration) error {
	if serverID == "" {
		return domain.NewSubSystemError("cluster", "MemoryDirectory.Heartbeat", domain.ErrInvalidInput, "empty server id")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if ttl <= 0 {
		d.expires[serverID] = time.Time{}
		return nil
	}
	d.expires[serverID] = d.now().Add(ttl)
	return nil
}

// Alive reports whether serverID has an unexpired heartbeat.
func (d *MemoryDirectory) Alive(_ context.Context, serverID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	exp, ok := d.expires[serverID]
	if !ok {
		return false, nil
	}
	if !exp.IsZero() && !d.now().Before(exp) {
		delete(d.expires, serverID)
		return false, nil
	}
	return true, nil
}

// Remove forgets serverID.
func (d *MemoryDirectory) Remove(_ context.Context, serverID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.expires, serverID)
	return nil
}

var _ domain.ServerDirectory = (*MemoryDirectory)(nil)
