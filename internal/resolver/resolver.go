// Package resolver performs the inheritance graph walk: starting from a
// holder it flattens the holder's own nodes and every inherited group's
// nodes into a single ordered view for a given query context. The walk is
// breadth-first, so a holder's own nodes always precede anything inherited,
// and closer ancestors precede more distant ones.
package resolver

import (
	"sort"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/lattice-perms/lattice/internal/holder"
	"github.com/lattice-perms/lattice/internal/node"
)

// GroupSource looks up loaded groups by name. Unknown names return nil.
type GroupSource interface {
	Group(name string) *holder.Holder
}

// Entry is one applicable node in the flattened view, annotated with the
// holder that contributed it and its distance from the query root.
type Entry struct {
	Node   node.Node
	Origin string
	Depth  int
}

// Options tune a resolution.
type Options struct {
	// Inherited walks parent groups; when false only the holder's own
	// nodes are returned.
	Inherited bool
	// IncludeExpired keeps expired nodes in the view.
	IncludeExpired bool
}

// Resolver computes effective node views over the inheritance graph. It
// never mutates any holder; each holder visited is read through its own
// snapshot, so a fixed graph always yields a deterministic view.
type Resolver struct {
	groups GroupSource
	log    zerolog.Logger

	cyclesSkipped  atomic.Uint64
	missingSkipped atomic.Uint64
}

// New creates a resolver reading groups from the given source.
func New(groups GroupSource, logger zerolog.Logger) *Resolver {
	return &Resolver{groups: groups, log: logger}
}

// Resolve returns the ordered effective view for a holder under the query
// context: the holder's own applicable nodes at depth 0, then each level of
// inherited groups. At every level groups are visited in descending weight
// order, ties broken by case-insensitive name, so output order is stable.
//
// Cycles in the inheritance graph are broken by skipping already-visited
// holders; the skip is counted and logged since it indicates a data
// integrity problem upstream, but it never fails the resolution.
func (r *Resolver) Resolve(h *holder.Holder, query node.ContextSet, opts Options) []Entry {
	entries := appendLocal(nil, h, query, opts.IncludeExpired, 0)
	if !opts.Inherited {
		return entries
	}

	visited := map[string]struct{}{h.Identifier(): {}}
	frontier := r.collectParents(h, visited)

	for depth := 1; len(frontier) > 0; depth++ {
		orderGroups(frontier)
		var next []*holder.Holder
		for _, g := range frontier {
			entries = appendLocal(entries, g, query, opts.IncludeExpired, depth)
			next = append(next, r.collectParents(g, visited)...)
		}
		frontier = next
	}
	return entries
}

// collectParents resolves a holder's direct parents to group holders,
// marking each as visited. Already-visited parents (cycles or diamonds) and
// unknown group names are skipped.
func (r *Resolver) collectParents(h *holder.Holder, visited map[string]struct{}) []*holder.Holder {
	var out []*holder.Holder
	for _, name := range h.Parents() {
		if _, seen := visited["group:"+name]; seen {
			r.cyclesSkipped.Add(1)
			r.log.Warn().
				Str("holder", h.Identifier()).
				Str("parent", name).
				Msg("Inheritance edge revisits a holder, skipping")
			continue
		}
		g := r.groups.Group(name)
		if g == nil {
			r.missingSkipped.Add(1)
			r.log.Warn().
				Str("holder", h.Identifier()).
				Str("parent", name).
				Msg("Inherited group is not loaded, skipping")
			continue
		}
		visited[g.Identifier()] = struct{}{}
		out = append(out, g)
	}
	return out
}

func appendLocal(entries []Entry, h *holder.Holder, query node.ContextSet, includeExpired bool, depth int) []Entry {
	origin := h.Identifier()
	for _, n := range h.LocalNodes(query, includeExpired) {
		entries = append(entries, Entry{Node: n, Origin: origin, Depth: depth})
	}
	return entries
}

// orderGroups sorts groups by descending weight, then case-insensitive name
// ascending. This mirrors the ordering used when presenting holder lists to
// operators.
func orderGroups(groups []*holder.Holder) {
	sort.SliceStable(groups, func(i, j int) bool {
		wi, wj := groups[i].Weight(), groups[j].Weight()
		if wi != wj {
			return wi > wj
		}
		return strings.ToLower(groups[i].Name()) < strings.ToLower(groups[j].Name())
	})
}

// ExportNodes flattens a holder into a final key to value map. Precedence
// follows the view order: the first applicable node for a key wins, except
// that an explicit denial beats a grant when both come from the same holder
// at the same depth with identical contexts.
func (r *Resolver) ExportNodes(h *holder.Holder, query node.ContextSet, opts Options) map[string]bool {
	return Flatten(r.Resolve(h, query, opts))
}

// Flatten reduces an ordered view to a key to value map using the export
// precedence rules. The caller owns the returned map.
func Flatten(entries []Entry) map[string]bool {
	type winner struct {
		value    bool
		depth    int
		origin   string
		contexts node.ContextSet
	}
	winners := make(map[string]winner, len(entries))
	for _, e := range entries {
		key := e.Node.Key()
		prev, seen := winners[key]
		if !seen {
			winners[key] = winner{e.Node.Value(), e.Depth, e.Origin, e.Node.Contexts()}
			continue
		}
		// Deny overrides grant at equal specificity.
		if prev.value && !e.Node.Value() &&
			prev.depth == e.Depth && prev.origin == e.Origin &&
			prev.contexts.Equal(e.Node.Contexts()) {
			winners[key] = winner{false, e.Depth, e.Origin, e.Node.Contexts()}
		}
	}
	out := make(map[string]bool, len(winners))
	for key, w := range winners {
		out[key] = w.value
	}
	return out
}

// PermissionIndex reduces an ordered view to a lower-cased key to value map
// for hot-path permission checks. Precedence matches Flatten.
func PermissionIndex(entries []Entry) map[string]bool {
	lowered := make([]Entry, 0, len(entries))
	for _, e := range entries {
		e.Node = rekeyLower(e.Node)
		lowered = append(lowered, e)
	}
	return Flatten(lowered)
}

func rekeyLower(n node.Node) node.Node {
	key := n.Key()
	low := strings.ToLower(key)
	if low == key {
		return n
	}
	out := node.NewWithContext(low, n.Value(), n.Contexts())
	if n.HasExpiry() {
		out = out.WithExpiry(n.Expiry())
	}
	return out
}

// CyclesSkipped returns how many inheritance edges were skipped because they
// revisited a holder.
func (r *Resolver) CyclesSkipped() uint64 { return r.cyclesSkipped.Load() }

// MissingSkipped returns how many inheritance edges referenced a group that
// was not loaded.
func (r *Resolver) MissingSkipped() uint64 { return r.missingSkipped.Load() }
