package actor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentgrid/internal/domain"
)

var agentA = domain.NewAgentID("test", "a")

func TestGateExclusiveSerializes(t *testing.T) {
	g := NewGate()
	var running, maxRunning atomic.Int32

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := g.Do(context.Background(), agentA, Exclusive, func(context.Context) error {
				n := running.Add(1)
				for {
					m := maxRunning.Load()
					if n <= m || maxRunning.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				running.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxRunning.Load())
	assert.Equal(t, 0, g.ActiveCount())
}

func TestGateSharedTurnsOverlap(t *testing.T) {
	g := NewGate()
	inside := make(chan struct{})
	release := make(chan struct{})

	go func() {
		_ = g.Do(context.Background(), agentA, Shared, func(context.Context) error {
			close(inside)
			<-release
			return nil
		})
	}()
	<-inside

	done := make(chan struct{})
	go func() {
		_ = g.Do(context.Background(), agentA, Shared, func(context.Context) error { return nil })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second shared turn blocked behind the first")
	}
	close(release)
}

func TestGateSharedWaitsForExclusive(t *testing.T) {
	g := NewGate()
	inside := make(chan struct{})
	release := make(chan struct{})

	go func() {
		_ = g.Do(context.Background(), agentA, Exclusive, func(context.Context) error {
			close(inside)
			<-release
			return nil
		})
	}()
	<-inside

	var ran atomic.Bool
	done := make(chan struct{})
	go func() {
		_ = g.Do(context.Background(), agentA, Shared, func(context.Context) error {
			ran.Store(true)
			return nil
		})
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	assert.False(t, ran.Load(), "shared turn overlapped an exclusive one")
	close(release)
	<-done
	assert.True(t, ran.Load())
}

func TestGateReentrantCallRunsInline(t *testing.T) {
	g := NewGate()
	err := g.Do(context.Background(), agentA, Exclusive, func(ctx context.Context) error {
		assert.True(t, Holds(ctx, agentA))
		return g.Do(ctx, agentA, Exclusive, func(ctx context.Context) error {
			return g.Do(ctx, agentA, Shared, func(context.Context) error { return nil })
		})
	})
	require.NoError(t, err)
	assert.Equal(t, 0, g.ActiveCount())
}

func TestGateUpgradeFromSharedFails(t *testing.T) {
	g := NewGate()
	err := g.Do(context.Background(), agentA, Shared, func(ctx context.Context) error {
		return g.Do(ctx, agentA, Exclusive, func(context.Context) error { return nil })
	})
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
}

func TestGateDifferentAgentsDoNotBlock(t *testing.T) {
	g := NewGate()
	b := domain.NewAgentID("test", "b")
	err := g.Do(context.Background(), agentA, Exclusive, func(ctx context.Context) error {
		return g.Do(ctx, b, Exclusive, func(ctx context.Context) error {
			assert.True(t, Holds(ctx, agentA))
			assert.True(t, Holds(ctx, b))
			return nil
		})
	})
	require.NoError(t, err)
}

func TestGateContextCancelled(t *testing.T) {
	g := NewGate()
	_, unlock, err := g.Enter(context.Background(), agentA, Exclusive)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err = g.Enter(ctx, agentA, Exclusive)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	unlock()
	assert.Eventually(t, func() bool { return g.ActiveCount() == 0 }, time.Second, 5*time.Millisecond)
}
