// Package cache memoizes resolved permission and meta views per
// (holder, context) pair. A slot moves Empty -> Computing -> Ready; requests
// that observe Computing join the in-flight resolution instead of
// duplicating it, so at most one resolution runs per slot at a time. Any
// holder mutation invalidates every slot of that holder atomically with
// respect to new readers.
package cache

import (
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/lattice-perms/lattice/internal/holder"
	"github.com/lattice-perms/lattice/internal/node"
	"github.com/lattice-perms/lattice/internal/resolver"
)

// Data is the memoized result for one (holder, context) slot: the ordered
// resolved view plus the flattened lookup maps derived from it. Data is
// immutable once published.
type Data struct {
	entries     []resolver.Entry
	permissions map[string]bool // lower-cased keys, hot-path checks
	exported    map[string]bool // raw keys, editor/export consumers
}

// Entries returns the ordered resolved view.
func (d *Data) Entries() []resolver.Entry { return d.entries }

// Check looks up a permission by key, case-insensitively. The second return
// reports whether the key is known at all; an unknown key is neither granted
// nor denied.
func (d *Data) Check(key string) (value, known bool) {
	value, known = d.permissions[strings.ToLower(key)]
	return value, known
}

// Exported returns a copy of the flattened key to value map.
func (d *Data) Exported() map[string]bool {
	out := make(map[string]bool, len(d.exported))
	for k, v := range d.exported {
		out[k] = v
	}
	return out
}

// Manager owns the cache slots. Invalidation is generation-fenced: every
// holder carries a generation counter that mutations bump, and a resolution
// only publishes its slot if the generation it started under is still
// current. A reader that arrives after an invalidation therefore never joins
// or observes a computation that predates it.
type Manager struct {
	resolver *resolver.Resolver
	log      zerolog.Logger

	mu    sync.RWMutex
	slots map[string]*Data  // slotKey -> ready data
	gens  map[string]uint64 // holder identifier -> generation
	epoch uint64            // bumped by InvalidateAll

	group singleflight.Group

	hits     atomic.Uint64
	misses   atomic.Uint64
	computes atomic.Uint64
}

// NewManager creates a cache manager over the given resolver.
func NewManager(r *resolver.Resolver, logger zerolog.Logger) *Manager {
	return &Manager{
		resolver: r,
		log:      logger,
		slots:    make(map[string]*Data),
		gens:     make(map[string]uint64),
	}
}

func slotKey(id string, query node.ContextSet) string {
	return id + "|" + query.String()
}

// Get returns the memoized data for the holder under the query context,
// resolving it on a miss. Concurrent callers for the same slot share one
// resolution.
func (m *Manager) Get(h *holder.Holder, query node.ContextSet) *Data {
	id := h.Identifier()
	key := slotKey(id, query)

	m.mu.RLock()
	data, ready := m.slots[key]
	gen := m.gens[id]
	epoch := m.epoch
	m.mu.RUnlock()
	if ready {
		m.hits.Add(1)
		return data
	}
	m.misses.Add(1)

	// The generation and epoch are part of the flight key, so a reader
	// arriving after an invalidation starts a fresh computation instead of
	// joining one that began against the old node set.
	flightKey := key + "#" + strconv.FormatUint(gen, 10) + "." + strconv.FormatUint(epoch, 10)
	v, _, _ := m.group.Do(flightKey, func() (any, error) {
		m.mu.RLock()
		existing, ok := m.slots[key]
		m.mu.RUnlock()
		if ok {
			return existing, nil
		}

		m.computes.Add(1)
		entries := m.resolver.Resolve(h, query, resolver.Options{Inherited: true})
		d := &Data{
			entries:     entries,
			permissions: resolver.PermissionIndex(entries),
			exported:    resolver.Flatten(entries),
		}

		m.mu.Lock()
		if m.gens[id] == gen && m.epoch == epoch {
			m.slots[key] = d
		}
		m.mu.Unlock()
		return d, nil
	})
	return v.(*Data)
}

// PermissionValue resolves the holder and checks a single permission key.
func (m *Manager) PermissionValue(h *holder.Holder, query node.ContextSet, key string) (value, known bool) {
	return m.Get(h, query).Check(key)
}

// Entries returns the memoized ordered view for the holder under the query
// context. It satisfies the view interface the meta evaluator consumes.
func (m *Manager) Entries(h *holder.Holder, query node.ContextSet) []resolver.Entry {
	return m.Get(h, query).Entries()
}

// InvalidateHolder drops every slot belonging to the holder and bumps its
// generation, so in-flight resolutions against the old node set cannot
// publish. Callers invalidate after applying a mutation and before
// acknowledging it.
func (m *Manager) InvalidateHolder(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gens[id]++
	m.dropSlotsLocked(id)
}

// InvalidateAll drops every slot and fences all in-flight resolutions.
// Group mutations use it: a group's nodes can sit in the resolved view of
// any holder, so per-holder invalidation is not enough.
func (m *Manager) InvalidateAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.epoch++
	clear(m.slots)
}

// Evict drops every slot belonging to a holder. This is the housekeeper's
// advisory cleanup; a later request simply repopulates the slot. The
// generation counter is bumped rather than removed: resetting it would
// un-fence an in-flight resolution that an earlier invalidation already
// fenced, letting it publish a pre-mutation view.
func (m *Manager) Evict(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropSlotsLocked(id)
	m.gens[id]++
}

func (m *Manager) dropSlotsLocked(id string) {
	prefix := id + "|"
	for key := range m.slots {
		if strings.HasPrefix(key, prefix) {
			delete(m.slots, key)
		}
	}
}

// Stats reports cache activity counters: hits, misses and underlying
// resolutions executed.
func (m *Manager) Stats() (hits, misses, computes uint64) {
	return m.hits.Load(), m.misses.Load(), m.computes.Load()
}

// SlotCount returns the number of ready slots, used by operational
// introspection and tests.
func (m *Manager) SlotCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.slots)
}
