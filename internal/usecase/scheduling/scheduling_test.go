package scheduling

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func started(t *testing.T) *Scheduler {
	t.Helper()
	s := NewScheduler(newTestLogger())
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func counter(n *atomic.Int32) func(context.Context) error {
	return func(context.Context) error {
		n.Add(1)
		return nil
	}
}

func TestStartStopIdempotent(t *testing.T) {
	s := NewScheduler(newTestLogger())
	require.NoError(t, s.Stop())
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
}

func TestActionTaskFires(t *testing.T) {
	var heartbeats, sweeps atomic.Int32
	s := started(t)
	s.RegisterAction(ActionServerHeartbeat, counter(&heartbeats))
	s.RegisterAction(ActionAgentSweep, counter(&sweeps))

	require.NoError(t, s.AddTask(ScheduledTask{Name: "heartbeat", Schedule: "20ms", Action: ActionServerHeartbeat}))
	require.NoError(t, s.AddTask(ScheduledTask{Name: "sweep", Schedule: "20ms", Action: ActionAgentSweep}))

	assert.Eventually(t, func() bool { return heartbeats.Load() >= 1 && sweeps.Load() >= 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"heartbeat", "sweep"}, s.Tasks())
}

func TestAddTaskErrors(t *testing.T) {
	s := NewScheduler(newTestLogger())
	s.RegisterAction(ActionServerHeartbeat, func(context.Context) error { return nil })

	assert.ErrorContains(t, s.AddTask(ScheduledTask{Name: "x", Schedule: "1s", Action: "missing"}), "unknown action")
	assert.ErrorContains(t, s.AddTask(ScheduledTask{Name: "x", Schedule: "soon", Action: ActionServerHeartbeat}), `task "x"`)

	require.NoError(t, s.AddTask(ScheduledTask{Name: "x", Schedule: "1h", Action: ActionServerHeartbeat}))
	assert.ErrorContains(t, s.AddTask(ScheduledTask{Name: "x", Schedule: "1h", Action: ActionServerHeartbeat}), "already exists")
}

func TestFailingAndPanickingTasksKeepRunning(t *testing.T) {
	var runs atomic.Int32
	s := started(t)
	require.NoError(t, s.Every("fails", 10*time.Millisecond, func(context.Context) error {
		runs.Add(1)
		return errors.New("boom")
	}))
	require.NoError(t, s.Every("panics", 10*time.Millisecond, func(context.Context) error {
		runs.Add(1)
		panic("boom")
	}))

	assert.Eventually(t, func() bool { return runs.Load() >= 4 }, time.Second, 5*time.Millisecond)
}

func TestNoRunsAfterStop(t *testing.T) {
	var runs atomic.Int32
	s := NewScheduler(newTestLogger())
	require.NoError(t, s.Every("tick", 10*time.Millisecond, counter(&runs)))
	require.NoError(t, s.Start(context.Background()))

	assert.Eventually(t, func() bool { return runs.Load() >= 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop())
	after := runs.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, runs.Load())
}

func TestRunContextCancelledOnStop(t *testing.T) {
	s := NewScheduler(newTestLogger())
	entered := make(chan struct{})
	var cancelled atomic.Bool
	var once atomic.Bool
	require.NoError(t, s.Every("wait", 10*time.Millisecond, func(ctx context.Context) error {
		if once.Swap(true) {
			return nil
		}
		close(entered)
		<-ctx.Done()
		cancelled.Store(true)
		return ctx.Err()
	}))
	require.NoError(t, s.Start(context.Background()))

	<-entered
	require.NoError(t, s.Stop())
	assert.True(t, cancelled.Load())
}

func TestEveryNextAndRemove(t *testing.T) {
	var runs atomic.Int32
	s := started(t)

	require.NoError(t, s.Every("drain:delivery/a", 20*time.Millisecond, counter(&runs)))
	require.Error(t, s.Every("drain:delivery/a", time.Second, counter(&runs)))
	assert.Error(t, s.Every("bad", 0, counter(&runs)))

	assert.Eventually(t, func() bool { return runs.Load() >= 2 }, time.Second, 5*time.Millisecond)
	next, ok := s.Next("drain:delivery/a")
	require.True(t, ok)
	assert.False(t, next.Before(time.Now().Add(-time.Second)))

	s.Remove("drain:delivery/a")
	s.Remove("drain:delivery/a")
	_, ok = s.Next("drain:delivery/a")
	assert.False(t, ok)
	assert.Empty(t, s.Tasks())

	after := runs.Load()
	time.Sleep(60 * time.Millisecond)
	assert.LessOrEqual(t, runs.Load(), after+1)
}

func TestNextFarSchedule(t *testing.T) {
	s := started(t)
	require.NoError(t, s.Every("hourly", time.Hour, func(context.Context) error { return nil }))

	next, ok := s.Next("hourly")
	require.True(t, ok)
	assert.True(t, next.After(time.Now()))

	_, ok = s.Next("nope")
	assert.False(t, ok)
}

func TestParseSchedule(t *testing.T) {
	for _, tc := range []struct {
		in string
		ok bool
	}{
		{"*/5 * * * *", true},
		{"@every 30m", true},
		{"@hourly", true},
		{"30m", true},
		{"100ms", true},
		{"", false},
		{"not-a-schedule", false},
		{"-5m", false},
		{"0s", false},
	} {
		t.Run(tc.in, func(t *testing.T) {
			sched, err := ParseSchedule(tc.in)
			if !tc.ok {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, sched)
		})
	}
}

func TestFixedIntervalSubSecond(t *testing.T) {
	sched, err := ParseSchedule("250ms")
	require.NoError(t, err)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, base.Add(250*time.Millisecond), sched.Next(base))
}
