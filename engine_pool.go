package chesstournament

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

var (
	ErrEnginePoolClosed = errors.New("engine pool: closed")
)

/*
EnginePool owns every live engine instance, keyed by entrant id. Instances
are reused across consecutive matches of the same entrant to avoid reload
cost; the pool caps how many may be live at once.
  - Callers mark both entrants of a match protected before any eviction can
    happen, so an instance in use is never reclaimed.
  - On a capacity breach the least valuable instance goes first: furthest
    next scheduled use (no upcoming use at all is maximally evictable),
    tie-broken by least-recently-used.
  - Initialization is memoized per entrant; concurrent acquires share one
    in-flight initialization.
  - Invalidate always removes an instance, protection or not.
*/
type EnginePool struct {
	mu        sync.Mutex
	capacity  int
	backend   InferenceBackend
	instances map[string]*pooledEngine
	reserved  map[string]int // entrant id -> protection refcount
	upcoming  map[string]int // entrant id -> soonest scheduled slot
	group     singleflight.Group
	closed    bool
}

type pooledEngine struct {
	entrantID  string
	instance   EngineInstance
	lastUsedAt time.Time
}

func NewEnginePool(backend InferenceBackend, capacity int) *EnginePool {
	if capacity < 1 {
		capacity = 1
	}

	return &EnginePool{
		capacity:  capacity,
		backend:   backend,
		instances: make(map[string]*pooledEngine),
		reserved:  make(map[string]int),
		upcoming:  make(map[string]int),
	}
}

// Protect pins the given entrants' instances against eviction until the
// returned release func is called. Call it before acquiring.
func (ep *EnginePool) Protect(entrantIDs ...string) func() {
	ep.mu.Lock()
	for _, entrantID := range entrantIDs {
		ep.reserved[entrantID]++
	}
	ep.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			ep.mu.Lock()
			for _, entrantID := range entrantIDs {
				ep.reserved[entrantID]--
				if ep.reserved[entrantID] <= 0 {
					delete(ep.reserved, entrantID)
				}
			}
			ep.mu.Unlock()
		})
	}
}

// Acquire returns the entrant's live instance, initializing one (and evicting
// if over capacity) when missing.
func (ep *EnginePool) Acquire(ctx context.Context, entrant *Entrant) (EngineInstance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ep.mu.Lock()
	if ep.closed {
		ep.mu.Unlock()
		return nil, ErrEnginePoolClosed
	}
	if pooled, exist := ep.instances[entrant.ID]; exist {
		pooled.lastUsedAt = time.Now()
		ep.mu.Unlock()
		return pooled.instance, nil
	}
	ep.mu.Unlock()

	result, err, _ := ep.group.Do(entrant.ID, func() (interface{}, error) {
		instance, err := ep.backend.NewInstance(entrant)
		if err != nil {
			return nil, err
		}
		guarded := newSingleRequestInstance(instance)

		ep.mu.Lock()
		defer ep.mu.Unlock()

		if ep.closed {
			guarded.Close()
			return nil, ErrEnginePoolClosed
		}

		ep.evictForCapacity(entrant.ID)
		ep.instances[entrant.ID] = &pooledEngine{
			entrantID:  entrant.ID,
			instance:   guarded,
			lastUsedAt: time.Now(),
		}
		return guarded, nil
	})
	if err != nil {
		return nil, err
	}

	return result.(EngineInstance), nil
}

// evictForCapacity drops least-valuable unprotected instances until there is
// room for one more. Caller holds the lock.
func (ep *EnginePool) evictForCapacity(incomingEntrantID string) {
	for len(ep.instances) >= ep.capacity {
		victim := ep.pickEvictable(incomingEntrantID)
		if victim == nil {
			// everything is protected; tolerate a temporary overshoot
			return
		}

		delete(ep.instances, victim.entrantID)
		ep.group.Forget(victim.entrantID)
		go victim.instance.Close()
	}
}

func (ep *EnginePool) pickEvictable(incomingEntrantID string) *pooledEngine {
	var victim *pooledEngine
	victimSlot := 0
	for entrantID, pooled := range ep.instances {
		if entrantID == incomingEntrantID || ep.reserved[entrantID] > 0 {
			continue
		}

		// no upcoming use is maximally evictable
		slot, scheduled := ep.upcoming[entrantID]
		if !scheduled {
			slot = int(^uint(0) >> 1)
		}

		if victim == nil ||
			slot > victimSlot ||
			(slot == victimSlot && pooled.lastUsedAt.Before(victim.lastUsedAt)) {
			victim = pooled
			victimSlot = slot
		}
	}
	return victim
}

// SetUpcoming replaces the pool's view of who plays next; smaller slot means
// sooner. Refreshed by the scheduler every pass.
func (ep *EnginePool) SetUpcoming(upcoming map[string]int) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.upcoming = make(map[string]int, len(upcoming))
	for entrantID, slot := range upcoming {
		ep.upcoming[entrantID] = slot
	}
}

// Invalidate discards the entrant's instance regardless of protection; used
// after a failure left its internal state suspect.
func (ep *EnginePool) Invalidate(entrantID string) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.group.Forget(entrantID)
	if pooled, exist := ep.instances[entrantID]; exist {
		delete(ep.instances, entrantID)
		go pooled.instance.Close()
	}
}

func (ep *EnginePool) Len() int {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return len(ep.instances)
}

func (ep *EnginePool) Close() {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.closed = true
	for entrantID, pooled := range ep.instances {
		delete(ep.instances, entrantID)
		go pooled.instance.Close()
	}
}
