// Package bridge exposes the engine through the flat, name-keyed surface
// that game-server chat and permission plugins expect: players addressed by
// display name, groups by name, and an optional world string standing in
// for a full context set.
package bridge

import (
	"context"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/lattice-perms/lattice/internal/cache"
	"github.com/lattice-perms/lattice/internal/holder"
	"github.com/lattice-perms/lattice/internal/meta"
	"github.com/lattice-perms/lattice/internal/node"
	"github.com/lattice-perms/lattice/internal/registry"
)

// Bridge adapts the registry, evaluator and cache to a plugin-facing API.
// Lookups by player name only see connected (loaded) users; a miss yields
// the zero answer, never an error.
type Bridge struct {
	registry *registry.Registry
	eval     *meta.Evaluator
	cache    *cache.Manager
	log      zerolog.Logger
}

// New creates a bridge over the given collaborators.
func New(reg *registry.Registry, eval *meta.Evaluator, c *cache.Manager, logger zerolog.Logger) *Bridge {
	return &Bridge{registry: reg, eval: eval, cache: c, log: logger}
}

// worldContext maps an optional world name to a context set. An empty world
// means the global context.
func worldContext(world string) node.ContextSet {
	if world == "" {
		return node.ContextSet{}
	}
	return node.NewContextSet(node.Pair{Key: "world", Value: world})
}

func (b *Bridge) player(name string) *holder.Holder {
	return b.registry.UserByName(name)
}

// PlayerHas reports whether the named player holds the permission in the
// given world. Unknown players and unset permissions are false.
func (b *Bridge) PlayerHas(world, name, permission string) bool {
	p := b.player(name)
	if p == nil {
		return false
	}
	value, known := b.cache.PermissionValue(p, worldContext(world), permission)
	return known && value
}

// PlayerInGroup reports whether the named player inherits from the group,
// directly or transitively. Membership is not world-scoped.
func (b *Bridge) PlayerInGroup(name, group string) bool {
	p := b.player(name)
	if p == nil {
		return false
	}
	target := strings.ToLower(group)
	visited := make(map[string]bool)
	queue := append([]string(nil), p.Parents()...)
	for len(queue) > 0 {
		current := strings.ToLower(queue[0])
		queue = queue[1:]
		if visited[current] {
			continue
		}
		visited[current] = true
		if current == target {
			return true
		}
		if g := b.registry.Group(current); g != nil {
			queue = append(queue, g.Parents()...)
		}
	}
	return false
}

// PlayerPrefix returns the player's effective prefix, or "".
func (b *Bridge) PlayerPrefix(world, name string) string {
	return b.eval.Prefix(b.player(name), worldContext(world))
}

// PlayerSuffix returns the player's effective suffix, or "".
func (b *Bridge) PlayerSuffix(world, name string) string {
	return b.eval.Suffix(b.player(name), worldContext(world))
}

// SetPlayerPrefix assigns a prefix to the player at the override priority.
func (b *Bridge) SetPlayerPrefix(ctx context.Context, world, name, prefix string) error {
	return b.eval.SetPrefix(ctx, b.player(name), prefix, worldContext(world))
}

// SetPlayerSuffix assigns a suffix to the player at the override priority.
func (b *Bridge) SetPlayerSuffix(ctx context.Context, world, name, suffix string) error {
	return b.eval.SetSuffix(ctx, b.player(name), suffix, worldContext(world))
}

// PlayerInfoString returns the named meta value for the player, or def.
func (b *Bridge) PlayerInfoString(world, name, key, def string) string {
	return b.eval.MetaString(b.player(name), worldContext(world), key, def)
}

// PlayerInfoInteger returns the named meta value parsed as an int, or def.
func (b *Bridge) PlayerInfoInteger(world, name, key string, def int) int {
	return b.eval.MetaInt(b.player(name), worldContext(world), key, def)
}

// PlayerInfoDouble returns the named meta value parsed as a float, or def.
func (b *Bridge) PlayerInfoDouble(world, name, key string, def float64) float64 {
	return b.eval.MetaFloat(b.player(name), worldContext(world), key, def)
}

// PlayerInfoBoolean returns the named meta value parsed as a bool, or def.
func (b *Bridge) PlayerInfoBoolean(world, name, key string, def bool) bool {
	return b.eval.MetaBool(b.player(name), worldContext(world), key, def)
}

// SetPlayerInfoString stores a meta value on the player.
func (b *Bridge) SetPlayerInfoString(ctx context.Context, world, name, key, value string) error {
	return b.eval.SetMeta(ctx, b.player(name), key, value, worldContext(world))
}

// SetPlayerInfoInteger stores an int meta value on the player.
func (b *Bridge) SetPlayerInfoInteger(ctx context.Context, world, name, key string, value int) error {
	return b.SetPlayerInfoString(ctx, world, name, key, strconv.Itoa(value))
}

// SetPlayerInfoDouble stores a float meta value on the player.
func (b *Bridge) SetPlayerInfoDouble(ctx context.Context, world, name, key string, value float64) error {
	return b.SetPlayerInfoString(ctx, world, name, key, strconv.FormatFloat(value, 'f', -1, 64))
}

// SetPlayerInfoBoolean stores a bool meta value on the player.
func (b *Bridge) SetPlayerInfoBoolean(ctx context.Context, world, name, key string, value bool) error {
	return b.SetPlayerInfoString(ctx, world, name, key, strconv.FormatBool(value))
}

// GroupPrefix returns the group's effective prefix, or "".
func (b *Bridge) GroupPrefix(world, group string) string {
	return b.eval.Prefix(b.registry.Group(group), worldContext(world))
}

// GroupSuffix returns the group's effective suffix, or "".
func (b *Bridge) GroupSuffix(world, group string) string {
	return b.eval.Suffix(b.registry.Group(group), worldContext(world))
}

// SetGroupPrefix assigns a prefix to the group at the override priority.
func (b *Bridge) SetGroupPrefix(ctx context.Context, world, group, prefix string) error {
	return b.eval.SetPrefix(ctx, b.registry.Group(group), prefix, worldContext(world))
}

// SetGroupSuffix assigns a suffix to the group at the override priority.
func (b *Bridge) SetGroupSuffix(ctx context.Context, world, group, suffix string) error {
	return b.eval.SetSuffix(ctx, b.registry.Group(group), suffix, worldContext(world))
}

// GroupInfoString returns the named meta value for the group, or def.
func (b *Bridge) GroupInfoString(world, group, key, def string) string {
	return b.eval.MetaString(b.registry.Group(group), worldContext(world), key, def)
}

// GroupInfoInteger returns the named meta value parsed as an int, or def.
func (b *Bridge) GroupInfoInteger(world, group, key string, def int) int {
	return b.eval.MetaInt(b.registry.Group(group), worldContext(world), key, def)
}

// GroupInfoDouble returns the named meta value parsed as a float, or def.
func (b *Bridge) GroupInfoDouble(world, group, key string, def float64) float64 {
	return b.eval.MetaFloat(b.registry.Group(group), worldContext(world), key, def)
}

// GroupInfoBoolean returns the named meta value parsed as a bool, or def.
func (b *Bridge) GroupInfoBoolean(world, group, key string, def bool) bool {
	return b.eval.MetaBool(b.registry.Group(group), worldContext(world), key, def)
}

// SetGroupInfoString stores a meta value on the group.
func (b *Bridge) SetGroupInfoString(ctx context.Context, world, group, key, value string) error {
	return b.eval.SetMeta(ctx, b.registry.Group(group), key, value, worldContext(world))
}

// SetGroupInfoInteger stores an int meta value on the group.
func (b *Bridge) SetGroupInfoInteger(ctx context.Context, world, group, key string, value int) error {
	return b.SetGroupInfoString(ctx, world, group, key, strconv.Itoa(value))
}

// SetGroupInfoDouble stores a float meta value on the group.
func (b *Bridge) SetGroupInfoDouble(ctx context.Context, world, group, key string, value float64) error {
	return b.SetGroupInfoString(ctx, world, group, key, strconv.FormatFloat(value, 'f', -1, 64))
}

// SetGroupInfoBoolean stores a bool meta value on the group.
func (b *Bridge) SetGroupInfoBoolean(ctx context.Context, world, group, key string, value bool) error {
	return b.SetGroupInfoString(ctx, world, group, key, strconv.FormatBool(value))
}

// PlayerGroups lists the groups the player directly inherits from.
func (b *Bridge) PlayerGroups(name string) []string {
	p := b.player(name)
	if p == nil {
		return nil
	}
	return p.Parents()
}

// PrimaryGroup returns the highest-weighted group the player directly
// inherits from, or "" when the player has none.
func (b *Bridge) PrimaryGroup(name string) string {
	p := b.player(name)
	if p == nil {
		return ""
	}
	var (
		best       string
		bestWeight = -1
	)
	for _, parent := range p.Parents() {
		g := b.registry.Group(parent)
		if g == nil {
			continue
		}
		if w := g.Weight(); w > bestWeight || (w == bestWeight && (best == "" || g.Name() < best)) {
			best = g.Name()
			bestWeight = w
		}
	}
	return best
}
