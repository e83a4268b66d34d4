package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"agentgrid/internal/adapter/eventlog"
	"agentgrid/internal/domain"
	"agentgrid/internal/infra/config"
	"agentgrid/internal/usecase/journal"
)

// eventStore is the durable log plus the snapshot table next to it.
type eventStore interface {
	domain.EventLogStore
	domain.SnapshotStore
	domain.AgentLister
}

// initStore opens the configured event log. The returned closer is always
// safe to call.
func initStore(cfg config.EventLogConfig) (eventStore, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Driver {
	case "memory":
		return eventlog.NewMemoryStore(), noop, nil
	case "sqlite", "":
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
			return nil, nil, fmt.Errorf("create data dir: %w", err)
		}
		store, err := eventlog.NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown driver %q", cfg.Driver)
	}
}

// replay rebuilds id's lineage and version from the log alone. Domain
// payloads are not decoded, so any kind can be inspected without its code.
func replay(ctx context.Context, store domain.EventLogStore, id domain.AgentID, pageSize int, log *slog.Logger, out io.Writer) error {
	j := journal.New(id, journal.Definition[struct{}]{
		Kind:  id.Kind(),
		Apply: func(*struct{}, domain.StateLogEvent) {},
	}, store, journal.Config{PageSize: pageSize}, log)
	if err := j.Activate(ctx); err != nil {
		return fmt.Errorf("replay %s: %w", id, err)
	}
	if j.Version() == 0 {
		fmt.Fprintf(out, "%s: no events recorded\n", id)
		return nil
	}

	lin := j.Lineage()
	fmt.Fprintf(out, "agent:    %s\n", id)
	fmt.Fprintf(out, "version:  %d\n", j.Version())
	fmt.Fprintf(out, "parent:   %s\n", orNone(string(lin.Parent)))
	children := make([]string, len(lin.Children))
	for i, c := range lin.Children {
		children[i] = string(c)
	}
	fmt.Fprintf(out, "children: %s\n", orNone(strings.Join(children, ", ")))

	recs, err := store.Read(ctx, id, 0, int(j.Version()))
	if err != nil {
		return fmt.Errorf("read %s: %w", id, err)
	}
	fmt.Fprintln(out, "events:")
	for _, rec := range recs {
		fmt.Fprintf(out, "  %4d  %s  %s\n", rec.Version, rec.CreatedAt.UTC().Format(time.RFC3339), rec.Kind)
	}
	return nil
}

func orNone(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
