// Package eventlog provides domain.EventLogStore and domain.SnapshotStore
// implementations: an in-memory store for tests and single-process runs, and
// a SQLite store for durable logs.
package eventlog

import (
	"context"
	"slices"
	"sync"

	"agentgrid/internal/domain"
)

// MemoryStore keeps every agent's log in process memory.
type MemoryStore struct {
	mu        sync.RWMutex
	logs      map[domain.AgentID][]domain.RecordedEvent
	snapshots map[domain.AgentID]domain.Snapshot
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		logs:      make(map[domain.AgentID][]domain.RecordedEvent),
		snapshots: make(map[domain.AgentID]domain.Snapshot),
	}
}

func (s *MemoryStore) Append(_ context.Context, agentID domain.AgentID, records []domain.RecordedEvent, expectedVersion int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.logs[agentID]
	last := int64(len(log))
	if last != expectedVersion {
		return 0, &domain.VersionConflictError{AgentID: agentID, Expected: expectedVersion, Actual: last}
	}
	for _, rec := range records {
		last++
		rec.AgentID = agentID
		rec.Version = last
		rec.Data = slices.Clone(rec.Data)
		log = append(log, rec)
	}
	s.logs[agentID] = log
	return last, nil
}

func (s *MemoryStore) Read(_ context.Context, agentID domain.AgentID, afterVersion int64, maxCount int) ([]domain.RecordedEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.logs[agentID]
	if afterVersion < 0 {
		afterVersion = 0
	}
	if afterVersion >= int64(len(log)) || maxCount <= 0 {
		return nil, nil
	}
	end := min(int(afterVersion)+maxCount, len(log))
	return slices.Clone(log[afterVersion:end]), nil
}

func (s *MemoryStore) LastVersion(_ context.Context, agentID domain.AgentID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.logs[agentID])), nil
}

func (s *MemoryStore) ListAgents(_ context.Context, kind string) ([]domain.AgentID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []domain.AgentID
	for id, log := range s.logs {
		if id.Kind() == kind && len(log) > 0 {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (s *MemoryStore) LoadSnapshot(_ context.Context, agentID domain.AgentID) (domain.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[agentID]
	if !ok {
		return domain.Snapshot{}, domain.NewSubSystemError("eventlog", "MemoryStore.LoadSnapshot", domain.ErrNotFound, string(agentID))
	}
	return snap, nil
}

func (s *MemoryStore) SaveSnapshot(_ context.Context, snap domain.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.snapshots[snap.AgentID]; ok && cur.Version >= snap.Version {
		return nil
	}
	snap.Data = slices.Clone(snap.Data)
	s.snapshots[snap.AgentID] = snap
	return nil
}

var (
	_ domain.EventLogStore = (*MemoryStore)(nil)
	_ domain.SnapshotStore = (*MemoryStore)(nil)
	_ domain.EventLogStore = (*SQLiteStore)(nil)
	_ domain.SnapshotStore = (*SQLiteStore)(nil)
	_ domain.AgentLister   = (*MemoryStore)(nil)
	_ domain.AgentLister   = (*SQLiteStore)(nil)
)
