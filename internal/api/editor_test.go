package api

import (
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lattice-perms/lattice/internal/holder"
	"github.com/lattice-perms/lattice/internal/node"
	"github.com/lattice-perms/lattice/internal/registry"
)

func TestExportSnapshot(t *testing.T) {
	t.Parallel()

	e := newEnv(t)

	g := e.addGroup(t, "alpha")
	if err := g.SetNode(node.New("weight.10", true)); err != nil {
		t.Fatalf("SetNode: %v", err)
	}
	z := e.addGroup(t, "zulu")
	if err := z.SetNode(node.New("weight.50", true)); err != nil {
		t.Fatalf("SetNode: %v", err)
	}
	e.addGroup(t, "bravo")

	online := e.addUser(t, "Steve")
	e.keeper.Touch(online.Identifier())

	offlineID := uuid.New()
	e.store.mu.Lock()
	e.store.users[offlineID] = holder.NewUser(offlineID, "Alex")
	e.store.mu.Unlock()

	if _, err := e.registry.CreateTrack("staff"); err != nil {
		t.Fatalf("CreateTrack: %v", err)
	}

	resp := e.do(t, http.MethodPost, "/api/v1/editor/export", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var data exportModel
	decodeData(t, resp, &data)

	var groupNames []string
	for _, g := range data.Groups {
		groupNames = append(groupNames, g.Name)
	}
	want := []string{"zulu", "alpha", "bravo"}
	if len(groupNames) != len(want) {
		t.Fatalf("groups = %v, want %v", groupNames, want)
	}
	for i := range want {
		if groupNames[i] != want[i] {
			t.Errorf("groups[%d] = %q, want %q", i, groupNames[i], want[i])
		}
	}

	if len(data.Users) != 2 {
		t.Fatalf("users = %d, want 2 (online plus offline)", len(data.Users))
	}
	if !sort.SliceIsSorted(data.Users, func(i, j int) bool { return data.Users[i].ID < data.Users[j].ID }) {
		t.Error("users not sorted by id")
	}
	if len(data.Tracks) != 1 || data.Tracks[0].Name != "staff" {
		t.Errorf("tracks = %v, want staff", data.Tracks)
	}
	if data.Truncated {
		t.Error("export truncated under cap")
	}

	// The offline user was loaded only for the export and must be released;
	// the online user stays.
	if e.registry.User(offlineID) != nil {
		t.Error("offline user still resident after export")
	}
	if e.registry.User(online.ID()) == nil {
		t.Error("online user evicted by export")
	}
}

func TestExportTruncatedAtOfflineCap(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	for range 3 {
		id := uuid.New()
		e.store.mu.Lock()
		e.store.users[id] = holder.NewUser(id, "")
		e.store.mu.Unlock()
	}

	editor := NewEditorHandler(e.registry, e.store, registry.NewSyncBuffer(e.registry, zerolog.Nop()), e.keeper, 1, zerolog.Nop())
	app := fiber.New()
	app.Post("/export", editor.Export)

	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/export", nil))
	if err != nil {
		t.Fatalf("app.Test() error: %v", err)
	}
	var data exportModel
	decodeData(t, resp, &data)

	if !data.Truncated {
		t.Error("export not marked truncated at cap")
	}
	if len(data.Users) != 1 {
		t.Errorf("users = %d, want 1", len(data.Users))
	}
}
