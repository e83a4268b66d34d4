// Package scheduling runs recurring runtime work: gateway heartbeats, the
// idle-agent sweep and the per-agent delivery drain loops.
package scheduling

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ScheduledAction names a registered piece of recurring work.
type ScheduledAction string

const (
	ActionServerHeartbeat ScheduledAction = "server_heartbeat"
	ActionAgentSweep      ScheduledAction = "agent_sweep"
	ActionOutboxRecover   ScheduledAction = "outbox_recover"
)

// runTimeout bounds one run of any task.
const runTimeout = 5 * time.Minute

// ScheduledTask binds a registered action to a schedule.
type ScheduledTask struct {
	Name     string
	Schedule string // cron expression ("*/5 * * * *", "@every 5m") or duration ("30s")
	Action   ScheduledAction
}

// Scheduler fires named tasks on cron schedules or fixed intervals. Runs of
// the same task may overlap; callers guard against it.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger

	mu      sync.Mutex
	actions map[ScheduledAction]func(ctx context.Context) error
	entries map[string]cron.EntryID
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		logger:  logger.With("component", "scheduler"),
		actions: make(map[ScheduledAction]func(ctx context.Context) error),
		entries: make(map[string]cron.EntryID),
	}
}

// RegisterAction makes fn available to tasks that name action.
func (s *Scheduler) RegisterAction(action ScheduledAction, fn func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions[action] = fn
}

// AddTask schedules a registered action under task.Name.
func (s *Scheduler) AddTask(task ScheduledTask) error {
	s.mu.Lock()
	fn, ok := s.actions[task.Action]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("scheduler: unknown action %q for task %q", task.Action, task.Name)
	}
	sched, err := ParseSchedule(task.Schedule)
	if err != nil {
		return fmt.Errorf("scheduler: task %q: %w", task.Name, err)
	}
	if err := s.add(task.Name, sched, fn); err != nil {
		return err
	}
	s.logger.Info("task scheduled", "name", task.Name, "schedule", task.Schedule, "action", string(task.Action))
	return nil
}

// Every runs fn every interval under id until Remove(id).
func (s *Scheduler) Every(id string, interval time.Duration, fn func(ctx context.Context) error) error {
	if interval <= 0 {
		return fmt.Errorf("scheduler: interval must be positive for %q", id)
	}
	if err := s.add(id, fixedInterval(interval), fn); err != nil {
		return err
	}
	s.logger.Debug("interval task added", "id", id, "interval", interval)
	return nil
}

// Remove unschedules a task. Unknown ids are ignored.
func (s *Scheduler) Remove(id string) {
	s.mu.Lock()
	entry, ok := s.entries[id]
	delete(s.entries, id)
	s.mu.Unlock()
	if ok {
		s.cron.Remove(entry)
		s.logger.Debug("task removed", "id", id)
	}
}

// Next reports when the task runs next. ok is false for unknown tasks and
// for tasks that have not been placed on the timeline yet.
func (s *Scheduler) Next(id string) (next time.Time, ok bool) {
	s.mu.Lock()
	entry, found := s.entries[id]
	s.mu.Unlock()
	if !found {
		return time.Time{}, false
	}
	e := s.cron.Entry(entry)
	if !e.Valid() || e.Next.IsZero() {
		return time.Time{}, false
	}
	return e.Next, true
}

// Tasks lists the scheduled task ids in sorted order.
func (s *Scheduler) Tasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Scheduler) add(id string, sched cron.Schedule, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[id]; exists {
		return fmt.Errorf("scheduler: task %q already exists", id)
	}
	s.entries[id] = s.cron.Schedule(sched, cron.FuncJob(func() { s.run(id, fn) }))
	return nil
}

func (s *Scheduler) run(id string, fn func(ctx context.Context) error) {
	s.mu.Lock()
	parent := s.ctx
	s.mu.Unlock()
	if parent == nil {
		return
	}

	ctx, cancel := context.WithTimeout(parent, runTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled task panicked", "id", id, "panic", r)
		}
	}()

	start := time.Now()
	if err := fn(ctx); err != nil {
		s.logger.Warn("scheduled task failed", "id", id, "error", err, "duration", time.Since(start))
		return
	}
	s.logger.Debug("scheduled task completed", "id", id, "duration", time.Since(start))
}

// Start begins firing tasks. Runs receive a context derived from ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	return nil
}

// Stop cancels running tasks and waits for them to return.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if s.ctx == nil {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	s.ctx, s.cancel = nil, nil
	s.mu.Unlock()

	// Jobs take s.mu in run, so wait outside the lock.
	<-s.cron.Stop().Done()
	return nil
}

// ParseSchedule accepts a five-field cron expression or descriptor, falling
// back to a positive Go duration.
func ParseSchedule(schedule string) (cron.Schedule, error) {
	if schedule == "" {
		return nil, fmt.Errorf("empty schedule")
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(schedule); err == nil {
		return sched, nil
	}
	d, err := time.ParseDuration(schedule)
	if err != nil {
		return nil, fmt.Errorf("not a cron expression or duration: %q", schedule)
	}
	if d <= 0 {
		return nil, fmt.Errorf("duration must be positive: %q", schedule)
	}
	return fixedInterval(d), nil
}

// fixedInterval is a cron.Schedule that, unlike cron.Every, keeps
// sub-second precision.
type fixedInterval time.Duration

func (d fixedInterval) Next(t time.Time) time.Time {
	return t.Add(time.Duration(d))
}
