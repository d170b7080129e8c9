package api

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/lattice-perms/lattice/internal/node"
)

func TestCheckPermission(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	u := e.addUser(t, "alice")
	if err := u.SetNode(node.New("fly.use", true)); err != nil {
		t.Fatalf("SetNode: %v", err)
	}

	resp := e.do(t, http.MethodGet, "/api/v1/users/"+u.ID().String()+"/check?permission=fly.use", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var data struct {
		Value bool `json:"value"`
		Known bool `json:"known"`
	}
	decodeData(t, resp, &data)
	if !data.Value || !data.Known {
		t.Fatalf("check = %+v, want granted and known", data)
	}
}

func TestCheckPermissionUnknownUser(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	resp := e.do(t, http.MethodGet, "/api/v1/users/"+uuid.NewString()+"/check?permission=fly.use", nil)
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestCheckPermissionMissingParam(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	u := e.addUser(t, "alice")
	resp := e.do(t, http.MethodGet, "/api/v1/users/"+u.ID().String()+"/check", nil)
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestCheckPermissionWithContexts(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	u := e.addUser(t, "alice")
	scoped := node.NewWithContext("build.place", true,
		node.NewContextSet(node.Pair{Key: "world", Value: "creative"}))
	if err := u.SetNode(scoped); err != nil {
		t.Fatalf("SetNode: %v", err)
	}

	resp := e.do(t, http.MethodGet,
		"/api/v1/users/"+u.ID().String()+"/check?permission=build.place&contexts=world%3Dcreative", nil)
	var data struct {
		Value bool `json:"value"`
	}
	decodeData(t, resp, &data)
	if !data.Value {
		t.Fatal("scoped check = false, want true")
	}

	resp = e.do(t, http.MethodGet,
		"/api/v1/users/"+u.ID().String()+"/check?permission=build.place", nil)
	decodeData(t, resp, &data)
	if data.Value {
		t.Fatal("global check = true, want false")
	}
}

func TestSetUserNodePersistsAndInvalidates(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	u := e.addUser(t, "alice")

	// Warm the cache so the mutation must invalidate it.
	resp := e.do(t, http.MethodGet, "/api/v1/users/"+u.ID().String()+"/check?permission=kit.daily", nil)
	var data struct {
		Value bool `json:"value"`
	}
	decodeData(t, resp, &data)
	if data.Value {
		t.Fatal("permission granted before it was set")
	}

	resp = e.do(t, http.MethodPost, "/api/v1/users/"+u.ID().String()+"/nodes",
		map[string]any{"key": "kit.daily"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	_ = resp.Body.Close()

	resp = e.do(t, http.MethodGet, "/api/v1/users/"+u.ID().String()+"/check?permission=kit.daily", nil)
	decodeData(t, resp, &data)
	if !data.Value {
		t.Fatal("mutation not visible after set")
	}

	saved := e.store.savedHolders()
	if len(saved) != 1 || saved[0] != u.Identifier() {
		t.Fatalf("saved holders = %v, want [%s]", saved, u.Identifier())
	}
}

func TestSetUserNodeDuplicate(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	u := e.addUser(t, "alice")

	body := map[string]any{"key": "fly.use"}
	resp := e.do(t, http.MethodPost, "/api/v1/users/"+u.ID().String()+"/nodes", body)
	_ = resp.Body.Close()
	resp = e.do(t, http.MethodPost, "/api/v1/users/"+u.ID().String()+"/nodes", body)
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate status = %d, want 409", resp.StatusCode)
	}
}

func TestUnsetUserNode(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	u := e.addUser(t, "alice")
	if err := u.SetNode(node.New("fly.use", true)); err != nil {
		t.Fatalf("SetNode: %v", err)
	}

	resp := e.do(t, http.MethodDelete, "/api/v1/users/"+u.ID().String()+"/nodes",
		map[string]any{"key": "fly.use"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	_ = resp.Body.Close()

	resp = e.do(t, http.MethodDelete, "/api/v1/users/"+u.ID().String()+"/nodes",
		map[string]any{"key": "fly.use"})
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second unset status = %d, want 404", resp.StatusCode)
	}
}

func TestGroupNodeAffectsMember(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	u := e.addUser(t, "alice")
	e.addGroup(t, "default")

	resp := e.do(t, http.MethodPut, "/api/v1/users/"+u.ID().String()+"/parents/default", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("add parent status = %d, want 200", resp.StatusCode)
	}
	_ = resp.Body.Close()

	// Warm the user's cache, then mutate the group: the group write must
	// invalidate the member's cached view too.
	var data struct {
		Value bool `json:"value"`
	}
	resp = e.do(t, http.MethodGet, "/api/v1/users/"+u.ID().String()+"/check?permission=spawn.use", nil)
	decodeData(t, resp, &data)
	if data.Value {
		t.Fatal("permission granted before group had it")
	}

	resp = e.do(t, http.MethodPost, "/api/v1/groups/default/nodes", map[string]any{"key": "spawn.use"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("group node status = %d, want 201", resp.StatusCode)
	}
	_ = resp.Body.Close()

	resp = e.do(t, http.MethodGet, "/api/v1/users/"+u.ID().String()+"/check?permission=spawn.use", nil)
	decodeData(t, resp, &data)
	if !data.Value {
		t.Fatal("group grant not visible through inheritance")
	}
}

func TestAddParentUnknownGroup(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	u := e.addUser(t, "alice")
	resp := e.do(t, http.MethodPut, "/api/v1/users/"+u.ID().String()+"/parents/ghost", nil)
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestCreateGroupAndList(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	resp := e.do(t, http.MethodPost, "/api/v1/groups", map[string]any{"name": "Admin"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	_ = resp.Body.Close()

	resp = e.do(t, http.MethodPost, "/api/v1/groups", map[string]any{"name": "admin"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate status = %d, want 409", resp.StatusCode)
	}
	_ = resp.Body.Close()

	resp = e.do(t, http.MethodGet, "/api/v1/groups", nil)
	var groups []struct {
		Name string `json:"name"`
	}
	decodeData(t, resp, &groups)
	if len(groups) != 1 || groups[0].Name != "admin" {
		t.Fatalf("groups = %v, want [admin]", groups)
	}
}

func TestCreateTrack(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	resp := e.do(t, http.MethodPost, "/api/v1/tracks",
		map[string]any{"name": "staff", "groups": []string{"helper", "mod", "admin"}})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	var track struct {
		Name   string   `json:"name"`
		Groups []string `json:"groups"`
	}
	decodeData(t, resp, &track)
	if track.Name != "staff" || len(track.Groups) != 3 {
		t.Fatalf("track = %+v", track)
	}
}

func TestCreateTrackConflictFromStorage(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	// Another instance inserted the row first: the registry guard passes
	// but the insert comes back as a unique violation.
	e.store.mu.Lock()
	e.store.trackErr = fmt.Errorf("insert track staff: %w", &pgconn.PgError{Code: "23505"})
	e.store.mu.Unlock()

	resp := e.do(t, http.MethodPost, "/api/v1/tracks",
		map[string]any{"name": "staff", "groups": []string{"helper"}})
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}
