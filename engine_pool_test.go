package chesstournament

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type countingInstance struct {
	mu     sync.Mutex
	closed bool
}

func (ci *countingInstance) BestMove(ctx context.Context, fen string, history []string, legalMoves []string, temperature float64) (string, float64, error) {
	return legalMoves[0], 1, nil
}

func (ci *countingInstance) Evaluate(ctx context.Context, fen string, history []string) (WinDrawLoss, error) {
	return WinDrawLoss{}, nil
}

func (ci *countingInstance) Close() error {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	ci.closed = true
	return nil
}

func (ci *countingInstance) isClosed() bool {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	return ci.closed
}

type countingBackend struct {
	mu        sync.Mutex
	created   []string
	instances map[string]*countingInstance
}

func newCountingBackend() *countingBackend {
	return &countingBackend{
		instances: make(map[string]*countingInstance),
	}
}

func (cb *countingBackend) NewInstance(entrant *Entrant) (EngineInstance, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	instance := &countingInstance{}
	cb.created = append(cb.created, entrant.ID)
	cb.instances[entrant.ID] = instance
	return instance, nil
}

func (cb *countingBackend) createdCount(entrantID string) int {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	count := 0
	for _, id := range cb.created {
		if id == entrantID {
			count++
		}
	}
	return count
}

func TestEnginePool_ReusesInstance(t *testing.T) {
	backend := newCountingBackend()
	pool := NewEnginePool(backend, 4)
	ctx := context.Background()
	entrant := &Entrant{ID: "a"}

	first, err := pool.Acquire(ctx, entrant)
	assert.Nil(t, err)
	second, err := pool.Acquire(ctx, entrant)
	assert.Nil(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, backend.createdCount("a"))
	assert.Equal(t, 1, pool.Len())
}

func TestEnginePool_EvictsFurthestUpcoming(t *testing.T) {
	backend := newCountingBackend()
	pool := NewEnginePool(backend, 2)
	ctx := context.Background()

	pool.Acquire(ctx, &Entrant{ID: "a"})
	pool.Acquire(ctx, &Entrant{ID: "b"})
	pool.SetUpcoming(map[string]int{"a": 0, "b": 1, "c": 2})

	_, err := pool.Acquire(ctx, &Entrant{ID: "c"})
	assert.Nil(t, err)
	assert.Equal(t, 2, pool.Len())

	// b was the furthest scheduled use, so b went first
	pool.Acquire(ctx, &Entrant{ID: "a"})
	assert.Equal(t, 1, backend.createdCount("a"), "a survived the eviction")
	assert.Equal(t, 1, backend.createdCount("b"))

	pool.Acquire(ctx, &Entrant{ID: "b"})
	assert.Equal(t, 2, backend.createdCount("b"), "b had to be rebuilt")
}

func TestEnginePool_NoUpcomingUseIsMostEvictable(t *testing.T) {
	backend := newCountingBackend()
	pool := NewEnginePool(backend, 2)
	ctx := context.Background()

	pool.Acquire(ctx, &Entrant{ID: "a"})
	pool.Acquire(ctx, &Entrant{ID: "b"})
	pool.SetUpcoming(map[string]int{"a": 0, "c": 1})

	pool.Acquire(ctx, &Entrant{ID: "c"})
	pool.Acquire(ctx, &Entrant{ID: "a"})
	assert.Equal(t, 1, backend.createdCount("a"))
	pool.Acquire(ctx, &Entrant{ID: "b"})
	assert.Equal(t, 2, backend.createdCount("b"), "b had no scheduled use left")
}

func TestEnginePool_ProtectBlocksEviction(t *testing.T) {
	backend := newCountingBackend()
	pool := NewEnginePool(backend, 1)
	ctx := context.Background()

	pool.Acquire(ctx, &Entrant{ID: "a"})
	release := pool.Protect("a", "b")

	// both sides pinned: the pool tolerates an overshoot instead of evicting
	pool.Acquire(ctx, &Entrant{ID: "b"})
	assert.Equal(t, 2, pool.Len())

	release()
	release() // releasing twice is harmless

	pool.Acquire(ctx, &Entrant{ID: "c"})
	assert.Equal(t, 1, pool.Len(), "eviction resumes once the protection is gone")
}

func TestEnginePool_InvalidateIgnoresProtection(t *testing.T) {
	backend := newCountingBackend()
	pool := NewEnginePool(backend, 4)
	ctx := context.Background()

	pool.Acquire(ctx, &Entrant{ID: "a"})
	release := pool.Protect("a")
	defer release()

	pool.Invalidate("a")
	assert.Equal(t, 0, pool.Len())

	time.Sleep(50 * time.Millisecond)
	backend.mu.Lock()
	instance := backend.instances["a"]
	backend.mu.Unlock()
	assert.True(t, instance.isClosed())

	pool.Acquire(ctx, &Entrant{ID: "a"})
	assert.Equal(t, 2, backend.createdCount("a"), "a fresh instance replaces the invalidated one")
}

func TestEnginePool_ClosedRejectsAcquire(t *testing.T) {
	backend := newCountingBackend()
	pool := NewEnginePool(backend, 4)
	ctx := context.Background()

	pool.Acquire(ctx, &Entrant{ID: "a"})
	pool.Close()

	_, err := pool.Acquire(ctx, &Entrant{ID: "b"})
	assert.ErrorIs(t, err, ErrEnginePoolClosed)
	assert.Equal(t, 0, pool.Len())
}
