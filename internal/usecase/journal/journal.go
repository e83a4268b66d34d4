// Package journal is the event-sourced state machine behind every agent.
// A Journal rebuilds state by replaying the agent's log, buffers raised
// events and appends them with optimistic concurrency on confirm.
package journal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"agentgrid/internal/domain"
	"agentgrid/internal/infra/codec"
	"agentgrid/internal/infra/tracer"
)

// Definition describes one agent kind's state.
type Definition[S any] struct {
	Kind string
	// New returns the empty state of a fresh agent.
	New func() S
	// Apply is the deterministic transition for domain events. It must not
	// perform I/O. Lineage events never reach it.
	Apply func(state *S, ev domain.StateLogEvent)
	// Clone returns a copy of state that shares no mutable memory with it.
	// Nil means a plain value copy is enough.
	Clone func(state S) S
	// Payloads decodes the kind's persisted events. Nil uses a registry
	// holding only the lineage payloads.
	Payloads *Registry
}

// Config holds journal tuning.
type Config struct {
	PageSize      int // events per replay page (default: 100)
	SnapshotEvery int // confirmed events between snapshots; 0 disables snapshots
}

// Observer receives confirm outcomes. *metrics.Metrics satisfies it.
type Observer interface {
	EventsConfirmed(kind string, n int)
	VersionConflict(kind string)
}

// Confirmed describes a successful confirm.
type Confirmed[S any] struct {
	AgentID domain.AgentID
	Version int64
	Events  []domain.StateLogEvent
	State   S
	Lineage domain.Lineage
}

// Option configures a Journal.
type Option func(*options)

type options struct {
	snapshots domain.SnapshotStore
	codec     codec.Codec
	observer  Observer
	now       func() time.Time
}

// WithSnapshots enables snapshot loading and saving.
func WithSnapshots(store domain.SnapshotStore) Option {
	return func(o *options) { o.snapshots = store }
}

// WithCodec sets the payload and snapshot codec (default: CBOR).
func WithCodec(c codec.Codec) Option {
	return func(o *options) { o.codec = c }
}

// WithObserver reports confirms and conflicts to obs.
func WithObserver(obs Observer) Option {
	return func(o *options) { o.observer = obs }
}

// WithClock overrides time.Now for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Journal owns one agent's reconstructed state. Methods are safe for
// concurrent use; callers still route mutations through the agent's
// exclusive mailbox so raise and confirm are not interleaved by peers.
type Journal[S any] struct {
	id     domain.AgentID
	def    Definition[S]
	store  domain.EventLogStore
	cfg    Config
	opts   options
	logger *slog.Logger

	confirmMu sync.Mutex // serializes Activate, ConfirmEvents and Refresh

	mu            sync.RWMutex
	activated     bool
	state         S
	lineage       domain.Lineage
	version       int64
	pending       []domain.StateLogEvent
	sinceSnapshot int
	hooks         []func(context.Context, Confirmed[S])
}

// New creates an inactive Journal. Call Activate before raising events.
func New[S any](id domain.AgentID, def Definition[S], store domain.EventLogStore, cfg Config, logger *slog.Logger, opts ...Option) *Journal[S] {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if def.Payloads == nil {
		def.Payloads = NewRegistry()
	}
	if def.New == nil {
		def.New = func() S {
			var zero S
			return zero
		}
	}
	o := options{codec: codec.CBOR{}, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Journal[S]{
		id:     id,
		def:    def,
		store:  store,
		cfg:    cfg,
		opts:   o,
		logger: logger.With("component", "journal", "agent", string(id)),
		state:  def.New(),
	}
}

// ID returns the agent this journal belongs to.
func (j *Journal[S]) ID() domain.AgentID { return j.id }

// OnConfirmed registers fn to run after every successful confirm, outside
// the journal's locks.
func (j *Journal[S]) OnConfirmed(fn func(context.Context, Confirmed[S])) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.hooks = append(j.hooks, fn)
}

// Activate rebuilds state from the latest snapshot, if any, and then the
// log tail. It is idempotent.
func (j *Journal[S]) Activate(ctx context.Context) error {
	j.confirmMu.Lock()
	defer j.confirmMu.Unlock()

	j.mu.RLock()
	done := j.activated
	j.mu.RUnlock()
	if done {
		return nil
	}

	j.loadSnapshot(ctx)
	if err := j.catchUp(ctx); err != nil {
		return domain.WrapOp("Journal.Activate", err)
	}

	j.mu.Lock()
	j.activated = true
	j.mu.Unlock()
	j.logger.Debug("journal activated", "version", j.Version())
	return nil
}

type snapshotBody[S any] struct {
	State   S              `json:"state" cbor:"state"`
	Lineage domain.Lineage `json:"lineage" cbor:"lineage"`
	Version int64          `json:"version" cbor:"version"`
}

func (j *Journal[S]) loadSnapshot(ctx context.Context) {
	if j.opts.snapshots == nil {
		return
	}
	snap, err := j.opts.snapshots.LoadSnapshot(ctx, j.id)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			j.logger.Warn("snapshot load failed, replaying full log", "error", err)
		}
		return
	}
	body := snapshotBody[S]{State: j.def.New()}
	if err := j.opts.codec.Unmarshal(snap.Data, &body); err != nil {
		j.logger.Warn("snapshot decode failed, replaying full log", "version", snap.Version, "error", err)
		return
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	j.state = body.State
	j.lineage = body.Lineage
	j.version = body.Version
}

// catchUp replays every persisted event after the current version, one page
// at a time, and fails on a version gap.
func (j *Journal[S]) catchUp(ctx context.Context) error {
	for {
		j.mu.RLock()
		after := j.version
		j.mu.RUnlock()

		page, err := j.store.Read(ctx, j.id, after, j.cfg.PageSize)
		if err != nil {
			return wrapStoreErr(err)
		}
		if len(page) == 0 {
			return nil
		}

		events := make([]domain.StateLogEvent, 0, len(page))
		expected := after
		for _, rec := range page {
			expected++
			if rec.Version != expected {
				return fmt.Errorf("agent %s: want version %d, got %d: %w", j.id, expected, rec.Version, domain.ErrEventGap)
			}
			payload, err := j.def.Payloads.Decode(j.opts.codec, rec)
			if err != nil {
				return errors.Join(domain.ErrLogStore, err)
			}
			events = append(events, domain.StateLogEvent{
				ID:            rec.EventID,
				CorrelationID: rec.CorrelationID,
				CreatedAt:     rec.CreatedAt,
				Version:       rec.Version,
				Payload:       payload,
			})
		}

		j.mu.Lock()
		for _, ev := range events {
			j.apply(ev)
		}
		j.version = expected
		j.mu.Unlock()

		if len(page) < j.cfg.PageSize {
			return nil
		}
	}
}

// RaiseEvent validates payload and appends it to the pending buffer. State
// is unchanged until ConfirmEvents succeeds.
func (j *Journal[S]) RaiseEvent(ctx context.Context, payload domain.StateLogPayload) error {
	if payload == nil {
		return domain.NewDomainError("Journal.RaiseEvent", domain.ErrInvalidEvent, "nil payload")
	}
	if v, ok := payload.(domain.Validator); ok {
		if err := v.Validate(); err != nil {
			if !errors.Is(err, domain.ErrInvalidEvent) {
				err = fmt.Errorf("%w: %w", domain.ErrInvalidEvent, err)
			}
			return domain.WrapOp("Journal.RaiseEvent", err)
		}
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.activated {
		return domain.NewDomainError("Journal.RaiseEvent", domain.ErrInvalidInput, "agent not activated")
	}
	j.pending = append(j.pending, domain.StateLogEvent{
		ID:            domain.NewID(),
		CorrelationID: domain.CorrelationIDFromContext(ctx),
		CreatedAt:     j.opts.now().UTC(),
		Payload:       payload,
	})
	return nil
}

// ConfirmEvents durably appends the pending buffer and applies it. On a
// version conflict the buffer is kept and the error matches
// domain.ErrVersionConflict; the caller decides whether to Refresh and retry.
// It returns the version after the call.
func (j *Journal[S]) ConfirmEvents(ctx context.Context) (int64, error) {
	j.confirmMu.Lock()
	defer j.confirmMu.Unlock()

	j.mu.RLock()
	batch := slices.Clone(j.pending)
	expected := j.version
	j.mu.RUnlock()
	if len(batch) == 0 {
		return expected, nil
	}

	ctx, span := tracer.StartSpan(ctx, "journal.confirm")
	defer span.End()
	span.SetAttributes(tracer.AgentAttr(j.id), tracer.IntAttr("events", len(batch)))

	records := make([]domain.RecordedEvent, len(batch))
	for i, ev := range batch {
		data, err := j.opts.codec.Marshal(ev.Payload)
		if err != nil {
			tracer.RecordError(span, err)
			return expected, domain.NewDomainError("Journal.ConfirmEvents", domain.ErrInvalidEvent,
				fmt.Sprintf("encode %s: %v", ev.Payload.EventKind(), err))
		}
		records[i] = domain.RecordedEvent{
			AgentID:       j.id,
			Kind:          ev.Payload.EventKind(),
			EventID:       ev.ID,
			CorrelationID: ev.CorrelationID,
			CreatedAt:     ev.CreatedAt,
			Data:          data,
		}
	}

	newVersion, err := j.store.Append(ctx, j.id, records, expected)
	if err != nil {
		tracer.RecordError(span, err)
		if errors.Is(err, domain.ErrVersionConflict) {
			if j.opts.observer != nil {
				j.opts.observer.VersionConflict(j.def.Kind)
			}
			j.logger.Info("confirm rejected by version conflict", "expected", expected, "error", err)
			return expected, domain.WrapOp("Journal.ConfirmEvents", err)
		}
		return expected, domain.WrapOp("Journal.ConfirmEvents", wrapStoreErr(err))
	}
	if want := expected + int64(len(batch)); newVersion != want {
		j.logger.Warn("store returned unexpected version", "want", want, "got", newVersion)
	}

	j.mu.Lock()
	for i := range batch {
		batch[i].Version = expected + int64(i) + 1
		j.apply(batch[i])
	}
	j.version = expected + int64(len(batch))
	if len(j.pending) > len(batch) {
		j.pending = slices.Clone(j.pending[len(batch):])
	} else {
		j.pending = nil
	}
	j.sinceSnapshot += len(batch)
	takeSnapshot := j.cfg.SnapshotEvery > 0 && j.sinceSnapshot >= j.cfg.SnapshotEvery
	if takeSnapshot {
		j.sinceSnapshot = 0
	}
	confirmed := Confirmed[S]{
		AgentID: j.id,
		Version: j.version,
		Events:  batch,
		State:   j.cloneState(),
		Lineage: j.lineage.Clone(),
	}
	hooks := slices.Clone(j.hooks)
	j.mu.Unlock()

	if j.opts.observer != nil {
		j.opts.observer.EventsConfirmed(j.def.Kind, len(batch))
	}
	if takeSnapshot {
		j.saveSnapshot(ctx, confirmed)
	}
	tracer.SetOK(span)

	for _, hook := range hooks {
		hook(ctx, confirmed)
	}
	return confirmed.Version, nil
}

func (j *Journal[S]) saveSnapshot(ctx context.Context, c Confirmed[S]) {
	if j.opts.snapshots == nil {
		return
	}
	data, err := j.opts.codec.Marshal(snapshotBody[S]{State: c.State, Lineage: c.Lineage, Version: c.Version})
	if err != nil {
		j.logger.Warn("snapshot encode failed", "version", c.Version, "error", err)
		return
	}
	err = j.opts.snapshots.SaveSnapshot(ctx, domain.Snapshot{
		AgentID: j.id,
		Version: c.Version,
		Data:    data,
		TakenAt: j.opts.now().UTC(),
	})
	if err != nil {
		j.logger.Warn("snapshot save failed", "version", c.Version, "error", err)
	}
}

// Refresh applies events persisted by other writers since the last
// confirm. The pending buffer is left untouched.
func (j *Journal[S]) Refresh(ctx context.Context) error {
	j.confirmMu.Lock()
	defer j.confirmMu.Unlock()
	return domain.WrapOp("Journal.Refresh", j.catchUp(ctx))
}

// DiscardPending drops the pending buffer and returns how many events it held.
func (j *Journal[S]) DiscardPending() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	n := len(j.pending)
	j.pending = nil
	return n
}

// Pending returns the number of raised but unconfirmed events.
func (j *Journal[S]) Pending() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.pending)
}

// State returns a copy of the confirmed state.
func (j *Journal[S]) State() S {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.cloneState()
}

// Lineage returns a copy of the agent's parent and children.
func (j *Journal[S]) Lineage() domain.Lineage {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.lineage.Clone()
}

// Version returns the version of the last applied event, 0 for a new agent.
func (j *Journal[S]) Version() int64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.version
}

// apply is the single transition point. Caller holds j.mu.
func (j *Journal[S]) apply(ev domain.StateLogEvent) {
	if j.lineage.ApplyLineage(ev.Payload) {
		return
	}
	if _, unknown := ev.Payload.(domain.UnknownPayload); unknown {
		return
	}
	if j.def.Apply != nil {
		j.def.Apply(&j.state, ev)
	}
}

func (j *Journal[S]) cloneState() S {
	if j.def.Clone != nil {
		return j.def.Clone(j.state)
	}
	return j.state
}

func wrapStoreErr(err error) error {
	if errors.Is(err, domain.ErrLogStore) || errors.Is(err, domain.ErrEventGap) {
		return err
	}
	return errors.Join(domain.ErrLogStore, err)
}
