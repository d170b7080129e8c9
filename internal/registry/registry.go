// Package registry owns the in-memory maps of loaded users, groups and
// tracks. It is the single shared mutable resource of the engine: lookups
// are read-mostly, loads and unloads are synchronized, and two concurrent
// requests for the same offline user share one storage load.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/lattice-perms/lattice/internal/holder"
)

// Registry errors.
var (
	ErrGroupExists = errors.New("group already exists")
	ErrTrackExists = errors.New("track already exists")
)

// Store is the storage collaborator the registry reads from and writes to.
type Store interface {
	// LoadUser fetches a user's data by ID. It returns (nil, nil) when the
	// user is unknown to storage.
	LoadUser(ctx context.Context, id uuid.UUID, name string) (*holder.Holder, error)
	// UniqueUsers lists every user ID known to storage.
	UniqueUsers(ctx context.Context) ([]uuid.UUID, error)
	// LoadGroups fetches all groups.
	LoadGroups(ctx context.Context) ([]*holder.Holder, error)
	// LoadTracks fetches all tracks.
	LoadTracks(ctx context.Context) ([]*holder.Track, error)
	// SaveHolder persists a user or group.
	SaveHolder(ctx context.Context, h *holder.Holder) error
	// SaveTrack persists a track.
	SaveTrack(ctx context.Context, t *holder.Track) error
}

// Invalidator drops cache slots for a holder; the registry calls it when a
// sync replaces holder data underneath readers.
type Invalidator interface {
	InvalidateHolder(id string)
}

// Registry holds every loaded holder and track.
type Registry struct {
	store Store
	log   zerolog.Logger

	mu     sync.RWMutex
	users  map[uuid.UUID]*holder.Holder
	groups map[string]*holder.Holder
	tracks map[string]*holder.Track

	loads       singleflight.Group
	invalidator Invalidator
}

// New creates an empty registry over the given store.
func New(store Store, logger zerolog.Logger) *Registry {
	return &Registry{
		store:  store,
		log:    logger,
		users:  make(map[uuid.UUID]*holder.Holder),
		groups: make(map[string]*holder.Holder),
		tracks: make(map[string]*holder.Track),
	}
}

// SetInvalidator wires the cache invalidator. It must be called before any
// Sync; it is separate from New only because the cache is constructed after
// the registry.
func (r *Registry) SetInvalidator(inv Invalidator) {
	r.invalidator = inv
}

// Group returns the loaded group with the given case-insensitive name, or
// nil. This satisfies the resolver's GroupSource.
func (r *Registry) Group(name string) *holder.Holder {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.groups[strings.ToLower(name)]
}

// Groups returns all loaded groups ordered by descending weight, then
// case-insensitive name. This is the operator-facing listing order.
func (r *Registry) Groups() []*holder.Holder {
	r.mu.RLock()
	out := make([]*holder.Holder, 0, len(r.groups))
	for _, g := range r.groups {
		out = append(out, g)
	}
	r.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		wi, wj := out[i].Weight(), out[j].Weight()
		if wi != wj {
			return wi > wj
		}
		return out[i].Name() < out[j].Name()
	})
	return out
}

// CreateGroup registers a new empty group.
func (r *Registry) CreateGroup(name string) (*holder.Holder, error) {
	name = strings.ToLower(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.groups[name]; exists {
		return nil, ErrGroupExists
	}
	g := holder.NewGroup(name)
	r.groups[name] = g
	return g, nil
}

// User returns the loaded user with the given ID, or nil. It does not touch
// storage.
func (r *Registry) User(id uuid.UUID) *holder.Holder {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.users[id]
}

// UserByName returns the loaded user with the given display name
// (case-insensitive), or nil. The bridge's by-name lookups only ever see
// connected (already loaded) users, so storage is not consulted.
func (r *Registry) UserByName(name string) *holder.Holder {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, u := range r.users {
		if strings.EqualFold(u.Name(), name) {
			return u
		}
	}
	return nil
}

// Users returns every loaded user in unspecified order.
func (r *Registry) Users() []*holder.Holder {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*holder.Holder, 0, len(r.users))
	for _, u := range r.users {
		out = append(out, u)
	}
	return out
}

// LoadUser returns the user, loading it from storage when not in memory.
// Concurrent loads for the same ID are deduplicated so the holder is
// constructed exactly once; a reader never observes a half-constructed
// holder. Returns (nil, nil) when storage does not know the user either.
func (r *Registry) LoadUser(ctx context.Context, id uuid.UUID, name string) (*holder.Holder, error) {
	r.mu.RLock()
	if u, ok := r.users[id]; ok {
		r.mu.RUnlock()
		return u, nil
	}
	r.mu.RUnlock()

	v, err, _ := r.loads.Do(id.String(), func() (any, error) {
		r.mu.RLock()
		existing, ok := r.users[id]
		r.mu.RUnlock()
		if ok {
			return existing, nil
		}

		loaded, err := r.store.LoadUser(ctx, id, name)
		if err != nil {
			return nil, fmt.Errorf("load user %s: %w", id, err)
		}
		if loaded == nil {
			return (*holder.Holder)(nil), nil
		}

		r.mu.Lock()
		// A racing load already published: keep the first.
		if existing, ok := r.users[id]; ok {
			r.mu.Unlock()
			return existing, nil
		}
		r.users[id] = loaded
		r.mu.Unlock()
		return loaded, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*holder.Holder), nil
}

// Evict releases the in-memory entry for a user holder identifier
// ("user:<uuid>"). Groups are never evicted; they are few and always of
// interest. This satisfies the housekeeper's Target.
func (r *Registry) Evict(id string) {
	raw, ok := strings.CutPrefix(id, "user:")
	if !ok {
		return
	}
	uid, err := uuid.Parse(raw)
	if err != nil {
		return
	}
	r.mu.Lock()
	delete(r.users, uid)
	r.mu.Unlock()
}

// Track returns the loaded track with the given case-insensitive name, or
// nil.
func (r *Registry) Track(name string) *holder.Track {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tracks[strings.ToLower(name)]
}

// Tracks returns all loaded tracks sorted by name.
func (r *Registry) Tracks() []*holder.Track {
	r.mu.RLock()
	out := make([]*holder.Track, 0, len(r.tracks))
	for _, t := range r.tracks {
		out = append(out, t)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// CreateTrack registers a new track.
func (r *Registry) CreateTrack(name string, groups ...string) (*holder.Track, error) {
	t, err := holder.NewTrack(name, groups...)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tracks[t.Name()]; exists {
		return nil, ErrTrackExists
	}
	r.tracks[t.Name()] = t
	return t, nil
}

// LoadAll populates groups and tracks from storage. It is called once at
// startup, before the registry is shared.
func (r *Registry) LoadAll(ctx context.Context) error {
	groups, err := r.store.LoadGroups(ctx)
	if err != nil {
		return fmt.Errorf("load groups: %w", err)
	}
	tracks, err := r.store.LoadTracks(ctx)
	if err != nil {
		return fmt.Errorf("load tracks: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, g := range groups {
		r.groups[g.Name()] = g
	}
	for _, t := range tracks {
		r.tracks[t.Name()] = t
	}
	return nil
}

// Sync force-reloads every group, track and loaded user from storage,
// invalidating cache slots for each holder whose data was replaced. Callers
// needing a consistent snapshot wait for it (see SyncBuffer).
func (r *Registry) Sync(ctx context.Context) error {
	groups, err := r.store.LoadGroups(ctx)
	if err != nil {
		return fmt.Errorf("sync groups: %w", err)
	}
	tracks, err := r.store.LoadTracks(ctx)
	if err != nil {
		return fmt.Errorf("sync tracks: %w", err)
	}

	r.mu.Lock()
	for _, fresh := range groups {
		if current, ok := r.groups[fresh.Name()]; ok {
			current.Replace(fresh.Nodes(), fresh.Parents(), fresh.Tracks())
		} else {
			r.groups[fresh.Name()] = fresh
		}
	}
	for _, t := range tracks {
		r.tracks[t.Name()] = t
	}
	userIDs := make([]uuid.UUID, 0, len(r.users))
	for id := range r.users {
		userIDs = append(userIDs, id)
	}
	r.mu.Unlock()

	if r.invalidator != nil {
		for _, g := range groups {
			r.invalidator.InvalidateHolder(g.Identifier())
		}
	}

	// Reload each connected user. A user that vanished from storage keeps
	// its in-memory state; only its cache is refreshed.
	for _, id := range userIDs {
		current := r.User(id)
		if current == nil {
			continue
		}
		fresh, err := r.store.LoadUser(ctx, id, current.Name())
		if err != nil {
			r.log.Warn().Err(err).Stringer("user", id).Msg("Sync reload failed for user")
			continue
		}
		if fresh != nil {
			current.Replace(fresh.Nodes(), fresh.Parents(), fresh.Tracks())
		}
		if r.invalidator != nil {
			r.invalidator.InvalidateHolder(current.Identifier())
		}
	}
	return nil
}
