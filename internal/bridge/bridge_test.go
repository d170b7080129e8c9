package bridge

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lattice-perms/lattice/internal/cache"
	"github.com/lattice-perms/lattice/internal/holder"
	"github.com/lattice-perms/lattice/internal/meta"
	"github.com/lattice-perms/lattice/internal/node"
	"github.com/lattice-perms/lattice/internal/registry"
	"github.com/lattice-perms/lattice/internal/resolver"
)

type stubStore struct {
	users map[uuid.UUID]*holder.Holder
}

func (s *stubStore) LoadUser(_ context.Context, id uuid.UUID, _ string) (*holder.Holder, error) {
	return s.users[id], nil
}
func (s *stubStore) UniqueUsers(context.Context) ([]uuid.UUID, error)     { return nil, nil }
func (s *stubStore) LoadGroups(context.Context) ([]*holder.Holder, error) { return nil, nil }
func (s *stubStore) LoadTracks(context.Context) ([]*holder.Track, error)  { return nil, nil }
func (s *stubStore) SaveHolder(context.Context, *holder.Holder) error     { return nil }
func (s *stubStore) SaveTrack(context.Context, *holder.Track) error       { return nil }

// newTestBridge wires a bridge with one loaded player "Steve" in group
// "default", which in turn inherits from "base".
func newTestBridge(t *testing.T) (*Bridge, *holder.Holder, *registry.Registry) {
	t.Helper()

	id := uuid.New()
	steve := holder.NewUser(id, "Steve")
	store := &stubStore{users: map[uuid.UUID]*holder.Holder{id: steve}}
	reg := registry.New(store, zerolog.Nop())

	if _, err := reg.CreateGroup("default"); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if _, err := reg.CreateGroup("base"); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if err := reg.Group("default").AddParent("base"); err != nil {
		t.Fatalf("AddParent: %v", err)
	}
	if err := steve.AddParent("default"); err != nil {
		t.Fatalf("AddParent: %v", err)
	}
	if _, err := reg.LoadUser(context.Background(), id, "Steve"); err != nil {
		t.Fatalf("LoadUser: %v", err)
	}

	res := resolver.New(reg, zerolog.Nop())
	mgr := cache.NewManager(res, zerolog.Nop())
	eval := meta.New(mgr, store, mgr, zerolog.Nop())
	return New(reg, eval, mgr, zerolog.Nop()), steve, reg
}

func TestPlayerHas(t *testing.T) {
	t.Parallel()

	b, steve, _ := newTestBridge(t)
	if err := steve.SetNode(node.New("fly.use", true)); err != nil {
		t.Fatalf("SetNode: %v", err)
	}

	if !b.PlayerHas("", "steve", "FLY.USE") {
		t.Error("PlayerHas(fly.use) = false, want true")
	}
	if b.PlayerHas("", "steve", "fly.other") {
		t.Error("PlayerHas(fly.other) = true, want false")
	}
	if b.PlayerHas("", "nobody", "fly.use") {
		t.Error("PlayerHas for unknown player = true, want false")
	}
}

func TestPlayerHasWorldScoped(t *testing.T) {
	t.Parallel()

	b, steve, _ := newTestBridge(t)
	scoped := node.NewWithContext("build.place", true,
		node.NewContextSet(node.Pair{Key: "world", Value: "creative"}))
	if err := steve.SetNode(scoped); err != nil {
		t.Fatalf("SetNode: %v", err)
	}

	if !b.PlayerHas("creative", "steve", "build.place") {
		t.Error("scoped node missing in its world")
	}
	if b.PlayerHas("survival", "steve", "build.place") {
		t.Error("scoped node leaked into another world")
	}
}

func TestPlayerInGroup(t *testing.T) {
	t.Parallel()

	b, _, _ := newTestBridge(t)
	if !b.PlayerInGroup("steve", "default") {
		t.Error("direct membership not reported")
	}
	if !b.PlayerInGroup("steve", "BASE") {
		t.Error("transitive membership not reported")
	}
	if b.PlayerInGroup("steve", "admin") {
		t.Error("phantom membership reported")
	}
}

func TestPlayerPrefixFromGroup(t *testing.T) {
	t.Parallel()

	b, _, reg := newTestBridge(t)
	if err := reg.Group("default").SetNode(node.New("prefix.10.[Member] ", true)); err != nil {
		t.Fatalf("SetNode: %v", err)
	}

	if got := b.PlayerPrefix("", "steve"); got != "[Member] " {
		t.Errorf("PlayerPrefix = %q, want %q", got, "[Member] ")
	}
	if got := b.PlayerPrefix("", "nobody"); got != "" {
		t.Errorf("PlayerPrefix for unknown player = %q, want empty", got)
	}
}

func TestSetPlayerPrefixOverrides(t *testing.T) {
	t.Parallel()

	b, _, reg := newTestBridge(t)
	if err := reg.Group("default").SetNode(node.New("prefix.999.[Old] ", true)); err != nil {
		t.Fatalf("SetNode: %v", err)
	}
	if err := b.SetPlayerPrefix(context.Background(), "", "steve", "[New] "); err != nil {
		t.Fatalf("SetPlayerPrefix: %v", err)
	}

	if got := b.PlayerPrefix("", "steve"); got != "[New] " {
		t.Errorf("PlayerPrefix after override = %q, want %q", got, "[New] ")
	}
}

func TestPlayerInfoTyped(t *testing.T) {
	t.Parallel()

	b, _, _ := newTestBridge(t)
	ctx := context.Background()

	if err := b.SetPlayerInfoInteger(ctx, "", "steve", "homes", 7); err != nil {
		t.Fatalf("SetPlayerInfoInteger: %v", err)
	}
	if err := b.SetPlayerInfoDouble(ctx, "", "steve", "multiplier", 1.5); err != nil {
		t.Fatalf("SetPlayerInfoDouble: %v", err)
	}
	if err := b.SetPlayerInfoBoolean(ctx, "", "steve", "vip", true); err != nil {
		t.Fatalf("SetPlayerInfoBoolean: %v", err)
	}

	if got := b.PlayerInfoInteger("", "steve", "homes", 0); got != 7 {
		t.Errorf("PlayerInfoInteger = %d, want 7", got)
	}
	if got := b.PlayerInfoDouble("", "steve", "multiplier", 0); got != 1.5 {
		t.Errorf("PlayerInfoDouble = %v, want 1.5", got)
	}
	if got := b.PlayerInfoBoolean("", "steve", "vip", false); !got {
		t.Error("PlayerInfoBoolean = false, want true")
	}
	if got := b.PlayerInfoInteger("", "steve", "unset", 42); got != 42 {
		t.Errorf("PlayerInfoInteger default = %d, want 42", got)
	}
}

func TestGroupInfo(t *testing.T) {
	t.Parallel()

	b, _, _ := newTestBridge(t)
	ctx := context.Background()

	if err := b.SetGroupInfoString(ctx, "", "default", "motd", "welcome"); err != nil {
		t.Fatalf("SetGroupInfoString: %v", err)
	}
	if got := b.GroupInfoString("", "default", "motd", ""); got != "welcome" {
		t.Errorf("GroupInfoString = %q, want %q", got, "welcome")
	}
	if got := b.GroupInfoString("", "missing", "motd", "fallback"); got != "fallback" {
		t.Errorf("GroupInfoString for unknown group = %q, want fallback", got)
	}
}

func TestPrimaryGroup(t *testing.T) {
	t.Parallel()

	b, steve, reg := newTestBridge(t)
	if _, err := reg.CreateGroup("admin"); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if err := reg.Group("admin").SetNode(node.New("weight.100", true)); err != nil {
		t.Fatalf("SetNode: %v", err)
	}
	if err := steve.AddParent("admin"); err != nil {
		t.Fatalf("AddParent: %v", err)
	}

	if got := b.PrimaryGroup("steve"); got != "admin" {
		t.Errorf("PrimaryGroup = %q, want admin", got)
	}
	if got := b.PrimaryGroup("nobody"); got != "" {
		t.Errorf("PrimaryGroup for unknown player = %q, want empty", got)
	}
}
