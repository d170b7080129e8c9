// Package holder defines permission holders: users and groups that own an
// unordered collection of nodes plus inheritance edges to parent groups.
// Holders are safe for concurrent use; every read method works on an
// atomic-per-holder snapshot so an inheritance walk never observes a node
// set mutating mid-walk.
package holder

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lattice-perms/lattice/internal/node"
)

// Sentinel errors for the holder package.
var (
	ErrAlreadyHasNode  = errors.New("holder already has an identical node")
	ErrDoesNotHaveNode = errors.New("holder does not have a matching node")
	ErrAlreadyInherits = errors.New("holder already inherits that group")
	ErrDoesNotInherit  = errors.New("holder does not inherit that group")
	ErrAlreadyOnTrack  = errors.New("holder is already on that track")
	ErrNotOnTrack      = errors.New("holder is not on that track")
)

// Type distinguishes the two holder kinds.
type Type string

const (
	TypeUser  Type = "user"
	TypeGroup Type = "group"
)

// Holder is a user or group owning nodes and inheritance edges.
type Holder struct {
	typ  Type
	id   uuid.UUID // users only
	name string    // users: display name; groups: canonical lower-case name

	mu      sync.RWMutex
	nodes   []node.Node // insertion order, relied on by listings
	parents []string    // inherited group names, lower-case
	tracks  []string    // track memberships, lower-case
}

// NewUser creates a user holder. The display name may be empty when the user
// is loaded by ID only.
func NewUser(id uuid.UUID, name string) *Holder {
	return &Holder{typ: TypeUser, id: id, name: name}
}

// NewGroup creates a group holder. Group names are case-insensitive; the
// canonical form is lower case.
func NewGroup(name string) *Holder {
	return &Holder{typ: TypeGroup, name: strings.ToLower(name)}
}

// Type returns the holder kind.
func (h *Holder) Type() Type { return h.typ }

// ID returns the stable unique ID of a user holder. It is the nil UUID for
// groups.
func (h *Holder) ID() uuid.UUID { return h.id }

// Name returns the group name or the user's display name.
func (h *Holder) Name() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.name
}

// SetName updates a user's display name, which may only become known after
// the holder was first referenced by ID.
func (h *Holder) SetName(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.name = name
}

// Identifier returns the stable cache/registry key for this holder:
// "user:<uuid>" or "group:<name>".
func (h *Holder) Identifier() string {
	if h.typ == TypeUser {
		return "user:" + h.id.String()
	}
	return "group:" + h.name
}

// SetNode appends a node to the holder. It fails with ErrAlreadyHasNode when
// an identical node (key, value, contexts, expiry) is already present; the
// caller decides whether that conflict matters.
func (h *Holder) SetNode(n node.Node) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, existing := range h.nodes {
		if existing.Equal(n) {
			return ErrAlreadyHasNode
		}
	}
	h.nodes = append(h.nodes, n)
	return nil
}

// UnsetNode removes every node matching the key and context selector,
// regardless of value or expiry. It fails with ErrDoesNotHaveNode when
// nothing matched.
func (h *Holder) UnsetNode(key string, contexts node.ContextSet) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	kept := h.nodes[:0]
	removed := false
	for _, n := range h.nodes {
		if n.Matches(key, contexts) {
			removed = true
			continue
		}
		kept = append(kept, n)
	}
	if !removed {
		return ErrDoesNotHaveNode
	}
	h.nodes = kept
	return nil
}

// Nodes returns a snapshot copy of the holder's raw node collection,
// including expired nodes.
func (h *Holder) Nodes() []node.Node {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]node.Node, len(h.nodes))
	copy(out, h.nodes)
	return out
}

// LocalNodes returns the holder's own nodes applicable under the query
// context, in insertion order. Expired nodes are excluded unless
// includeExpired is set. Inherited nodes are never included; callers needing
// the inherited view go through the resolver.
func (h *Holder) LocalNodes(query node.ContextSet, includeExpired bool) []node.Node {
	now := time.Now()
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]node.Node, 0, len(h.nodes))
	for _, n := range h.nodes {
		if !includeExpired && n.ExpiredAt(now) {
			continue
		}
		if !n.Contexts().SatisfiedBy(query) {
			continue
		}
		out = append(out, n)
	}
	return out
}

// SweepExpired removes expired nodes and returns how many were dropped.
func (h *Holder) SweepExpired() int {
	now := time.Now()
	h.mu.Lock()
	defer h.mu.Unlock()
	kept := h.nodes[:0]
	dropped := 0
	for _, n := range h.nodes {
		if n.ExpiredAt(now) {
			dropped++
			continue
		}
		kept = append(kept, n)
	}
	h.nodes = kept
	return dropped
}

// Parents returns the names of the groups this holder directly inherits.
func (h *Holder) Parents() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, len(h.parents))
	copy(out, h.parents)
	return out
}

// AddParent records a direct inheritance edge to the named group.
func (h *Holder) AddParent(group string) error {
	group = strings.ToLower(group)
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, p := range h.parents {
		if p == group {
			return ErrAlreadyInherits
		}
	}
	h.parents = append(h.parents, group)
	return nil
}

// RemoveParent drops the direct inheritance edge to the named group.
func (h *Holder) RemoveParent(group string) error {
	group = strings.ToLower(group)
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, p := range h.parents {
		if p == group {
			h.parents = append(h.parents[:i], h.parents[i+1:]...)
			return nil
		}
	}
	return ErrDoesNotInherit
}

// Tracks returns the names of the tracks this holder is a member of.
func (h *Holder) Tracks() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, len(h.tracks))
	copy(out, h.tracks)
	return out
}

// AddTrack records membership of the named track.
func (h *Holder) AddTrack(track string) error {
	track = strings.ToLower(track)
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, t := range h.tracks {
		if t == track {
			return ErrAlreadyOnTrack
		}
	}
	h.tracks = append(h.tracks, track)
	return nil
}

// RemoveTrack drops membership of the named track.
func (h *Holder) RemoveTrack(track string) error {
	track = strings.ToLower(track)
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, t := range h.tracks {
		if t == track {
			h.tracks = append(h.tracks[:i], h.tracks[i+1:]...)
			return nil
		}
	}
	return ErrNotOnTrack
}

// Weight returns the holder's ordering weight: the largest active weight
// node, or 0 when none is set. Weight only matters for groups, where it
// breaks ties during inheritance ordering and operator-facing listings.
func (h *Holder) Weight() int {
	now := time.Now()
	h.mu.RLock()
	defer h.mu.RUnlock()
	w := 0
	for _, n := range h.nodes {
		if n.Kind() == node.KindWeight && n.Value() && !n.ExpiredAt(now) && n.GroupWeight() > w {
			w = n.GroupWeight()
		}
	}
	return w
}

// Replace swaps the holder's nodes, parents and tracks in one step. Storage
// reloads use it; the caller must invalidate the holder's cache slots before
// acknowledging the reload.
func (h *Holder) Replace(nodes []node.Node, parents, tracks []string) {
	lower := func(in []string) []string {
		out := make([]string, len(in))
		for i, s := range in {
			out[i] = strings.ToLower(s)
		}
		return out
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nodes = append([]node.Node(nil), nodes...)
	h.parents = lower(parents)
	h.tracks = lower(tracks)
}
