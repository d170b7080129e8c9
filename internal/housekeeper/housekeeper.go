// Package housekeeper implements the lazy cleanup policy for in-memory
// holder state. It tracks when each holder was last of interest and, on
// request, releases cache slots and registry entries for holders that are
// neither connected nor recently used. It never touches persisted storage,
// so calling it is unconditionally safe: the worst case is a later reload.
package housekeeper

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultRetention is how long a touched holder is protected from cleanup.
const DefaultRetention = time.Minute

// Target releases in-memory state for a holder identifier. The cache
// manager and the registry both implement it.
type Target interface {
	Evict(id string)
}

// Liveness reports whether the holder is still connected or otherwise of
// active interest. A nil Liveness treats every holder as offline.
type Liveness func(id string) bool

// Housekeeper tracks last-use times and applies the cleanup policy.
type Housekeeper struct {
	retention time.Duration
	alive     Liveness
	targets   []Target
	log       zerolog.Logger
	now       func() time.Time

	mu      sync.Mutex
	lastUse map[string]time.Time
}

// New creates a housekeeper. Pass the cache manager and registry as
// targets; they are evicted in order.
func New(retention time.Duration, alive Liveness, logger zerolog.Logger, targets ...Target) *Housekeeper {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Housekeeper{
		retention: retention,
		alive:     alive,
		targets:   targets,
		log:       logger,
		now:       time.Now,
		lastUse:   make(map[string]time.Time),
	}
}

// Touch records activity for a holder. Query paths call it; bulk loads do
// not, so a holder materialized only for an export stays eligible for
// immediate cleanup.
func (k *Housekeeper) Touch(id string) {
	k.mu.Lock()
	k.lastUse[id] = k.now()
	k.mu.Unlock()
}

// Cleanup releases the holder's in-memory state unless it is live or was
// recently used. It reports whether an eviction happened.
func (k *Housekeeper) Cleanup(id string) bool {
	if k.alive != nil && k.alive(id) {
		return false
	}
	k.mu.Lock()
	if at, ok := k.lastUse[id]; ok && k.now().Sub(at) < k.retention {
		k.mu.Unlock()
		return false
	}
	delete(k.lastUse, id)
	k.mu.Unlock()

	for _, t := range k.targets {
		t.Evict(id)
	}
	k.log.Debug().Str("holder", id).Msg("Evicted inactive holder state")
	return true
}

// Sweep runs Cleanup over every tracked holder and returns how many were
// evicted. It is meant for a periodic background task.
func (k *Housekeeper) Sweep() int {
	k.mu.Lock()
	ids := make([]string, 0, len(k.lastUse))
	for id := range k.lastUse {
		ids = append(ids, id)
	}
	k.mu.Unlock()

	evicted := 0
	for _, id := range ids {
		if k.Cleanup(id) {
			evicted++
		}
	}
	return evicted
}
