package domain

import (
	"context"
	"time"
)

// EventLogStore is the durable, per-agent, append-only event log.
type EventLogStore interface {
	// Append stores records after expectedVersion and returns the new last
	// version. It fails with a *VersionConflictError when the stored last
	// version differs from expectedVersion.
	Append(ctx context.Context, agentID AgentID, records []RecordedEvent, expectedVersion int64) (int64, error)
	// Read returns up to maxCount records with a version greater than
	// afterVersion, in version order.
	Read(ctx context.Context, agentID AgentID, afterVersion int64, maxCount int) ([]RecordedEvent, error)
	// LastVersion returns the version of the newest record, or 0.
	LastVersion(ctx context.Context, agentID AgentID) (int64, error)
}

// AgentLister is implemented by stores that can enumerate the agents they
// hold a log for.
type AgentLister interface {
	// ListAgents returns the ids of kind that have at least one record,
	// sorted.
	ListAgents(ctx context.Context, kind string) ([]AgentID, error)
}

// Snapshot is an encoded copy of an agent's state at Version.
type Snapshot struct {
	AgentID AgentID
	Version int64
	Data    []byte
	TakenAt time.Time
}

// SnapshotStore keeps the latest snapshot per agent.
type SnapshotStore interface {
	// LoadSnapshot returns ErrNotFound when no snapshot exists.
	LoadSnapshot(ctx context.Context, agentID AgentID) (Snapshot, error)
	SaveSnapshot(ctx context.Context, snapshot Snapshot) error
}
