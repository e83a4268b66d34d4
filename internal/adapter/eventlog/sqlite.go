package eventlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"agentgrid/internal/domain"
)

// SQLiteStore implements domain.EventLogStore and domain.SnapshotStore on SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath
// and runs the schema migration.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open event log db: %w", err)
	}
	// One connection serializes appends, which is what the version check needs.
	db.SetMaxOpenConns(1)
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate event log db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			agent_id       TEXT NOT NULL,
			version        INTEGER NOT NULL,
			kind           TEXT NOT NULL,
			event_id       TEXT NOT NULL,
			correlation_id TEXT NOT NULL DEFAULT '',
			created_at     TEXT NOT NULL,
			data           BLOB,
			PRIMARY KEY (agent_id, version)
		)
	`); err != nil {
		return err
	}
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS snapshots (
			agent_id TEXT PRIMARY KEY,
			version  INTEGER NOT NULL,
			data     BLOB,
			taken_at TEXT NOT NULL
		)
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Append(ctx context.Context, agentID domain.AgentID, records []domain.RecordedEvent, expectedVersion int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin append: %w", errors.Join(domain.ErrLogStore, err))
	}
	defer tx.Rollback() //nolint:errcheck

	var last int64
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) FROM events WHERE agent_id = ?", string(agentID),
	).Scan(&last); err != nil {
		return 0, fmt.Errorf("read last version: %w", errors.Join(domain.ErrLogStore, err))
	}
	if last != expectedVersion {
		return 0, &domain.VersionConflictError{AgentID: agentID, Expected: expectedVersion, Actual: last}
	}

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO events (agent_id, version, kind, event_id, correlation_id, created_at, data) VALUES (?, ?, ?, ?, ?, ?, ?)")
	if err != nil {
		return 0, fmt.Errorf("prepare append: %w", errors.Join(domain.ErrLogStore, err))
	}
	defer stmt.Close()

	version := expectedVersion
	for _, rec := range records {
		version++
		if _, err := stmt.ExecContext(ctx,
			string(agentID), version, rec.Kind, rec.EventID, rec.CorrelationID,
			rec.CreatedAt.UTC().Format(time.RFC3339Nano), rec.Data,
		); err != nil {
			return 0, fmt.Errorf("insert event %d: %w", version, errors.Join(domain.ErrLogStore, err))
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit append: %w", errors.Join(domain.ErrLogStore, err))
	}
	return version, nil
}

func (s *SQLiteStore) Read(ctx context.Context, agentID domain.AgentID, afterVersion int64, maxCount int) ([]domain.RecordedEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT version, kind, event_id, correlation_id, created_at, data FROM events WHERE agent_id = ? AND version > ? ORDER BY version LIMIT ?",
		string(agentID), afterVersion, maxCount,
	)
	if err != nil {
		return nil, fmt.Errorf("read events: %w", errors.Join(domain.ErrLogStore, err))
	}
	defer rows.Close()

	var out []domain.RecordedEvent
	for rows.Next() {
		rec := domain.RecordedEvent{AgentID: agentID}
		var createdAt string
		if err := rows.Scan(&rec.Version, &rec.Kind, &rec.EventID, &rec.CorrelationID, &createdAt, &rec.Data); err != nil {
			return nil, fmt.Errorf("scan event: %w", errors.Join(domain.ErrLogStore, err))
		}
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read events: %w", errors.Join(domain.ErrLogStore, err))
	}
	return out, nil
}

func (s *SQLiteStore) LastVersion(ctx context.Context, agentID domain.AgentID) (int64, error) {
	var last int64
	if err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) FROM events WHERE agent_id = ?", string(agentID),
	).Scan(&last); err != nil {
		return 0, fmt.Errorf("last version: %w", errors.Join(domain.ErrLogStore, err))
	}
	return last, nil
}

func (s *SQLiteStore) ListAgents(ctx context.Context, kind string) ([]domain.AgentID, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT DISTINCT agent_id FROM events WHERE instr(agent_id, ?) = 1 ORDER BY agent_id",
		kind+"/",
	)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", errors.Join(domain.ErrLogStore, err))
	}
	defer rows.Close()

	var ids []domain.AgentID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan agent id: %w", errors.Join(domain.ErrLogStore, err))
		}
		ids = append(ids, domain.AgentID(id))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list agents: %w", errors.Join(domain.ErrLogStore, err))
	}
	return ids, nil
}

func (s *SQLiteStore) LoadSnapshot(ctx context.Context, agentID domain.AgentID) (domain.Snapshot, error) {
	snap := domain.Snapshot{AgentID: agentID}
	var takenAt string
	err := s.db.QueryRowContext(ctx,
		"SELECT version, data, taken_at FROM snapshots WHERE agent_id = ?", string(agentID),
	).Scan(&snap.Version, &snap.Data, &takenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Snapshot{}, domain.NewSubSystemError("eventlog", "SQLiteStore.LoadSnapshot", domain.ErrNotFound, string(agentID))
	}
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("load snapshot: %w", errors.Join(domain.ErrLogStore, err))
	}
	snap.TakenAt, _ = time.Parse(time.RFC3339Nano, takenAt)
	return snap, nil
}

func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap domain.Snapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (agent_id, version, data, taken_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET version = excluded.version, data = excluded.data, taken_at = excluded.taken_at
		WHERE excluded.version > snapshots.version`,
		string(snap.AgentID), snap.Version, snap.Data, snap.TakenAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", errors.Join(domain.ErrLogStore, err))
	}
	return nil
}
