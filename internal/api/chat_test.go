package api

import (
	"net/http"
	"testing"

	"github.com/lattice-perms/lattice/internal/node"
)

func TestGetPlayerChatFromGroup(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	u := e.addUser(t, "Steve")
	g := e.addGroup(t, "default")
	if err := u.AddParent("default"); err != nil {
		t.Fatalf("AddParent: %v", err)
	}
	if err := g.SetNode(node.New("prefix.10.[Member] ", true)); err != nil {
		t.Fatalf("SetNode: %v", err)
	}

	resp := e.do(t, http.MethodGet, "/api/v1/chat/players/steve", nil)
	var data struct {
		Prefix string `json:"prefix"`
		Suffix string `json:"suffix"`
	}
	decodeData(t, resp, &data)
	if data.Prefix != "[Member] " {
		t.Errorf("prefix = %q, want %q", data.Prefix, "[Member] ")
	}
	if data.Suffix != "" {
		t.Errorf("suffix = %q, want empty", data.Suffix)
	}
}

func TestGetPlayerChatUnknownPlayer(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	resp := e.do(t, http.MethodGet, "/api/v1/chat/players/nobody", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var data struct {
		Prefix string `json:"prefix"`
	}
	decodeData(t, resp, &data)
	if data.Prefix != "" {
		t.Errorf("prefix for unknown player = %q, want empty", data.Prefix)
	}
}

func TestSetPlayerChat(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.addUser(t, "Steve")

	resp := e.do(t, http.MethodPut, "/api/v1/chat/players/steve",
		map[string]any{"prefix": "[VIP] "})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var data struct {
		Prefix string `json:"prefix"`
	}
	decodeData(t, resp, &data)
	if data.Prefix != "[VIP] " {
		t.Errorf("prefix = %q, want %q", data.Prefix, "[VIP] ")
	}

	saved := e.store.savedHolders()
	if len(saved) != 1 {
		t.Fatalf("saved holders = %v, want one save", saved)
	}
}

func TestPlayerMetaRoundTrip(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.addUser(t, "Steve")

	resp := e.do(t, http.MethodPut, "/api/v1/chat/players/steve/meta/home.server",
		map[string]any{"value": "hub.main"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("set status = %d, want 200", resp.StatusCode)
	}
	_ = resp.Body.Close()

	resp = e.do(t, http.MethodGet, "/api/v1/chat/players/steve/meta/home.server", nil)
	var data struct {
		Value string `json:"value"`
	}
	decodeData(t, resp, &data)
	if data.Value != "hub.main" {
		t.Errorf("meta value = %q, want %q", data.Value, "hub.main")
	}
}

func TestSetGroupChatWorldScoped(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.addGroup(t, "default")

	resp := e.do(t, http.MethodPut, "/api/v1/chat/groups/default?world=nether",
		map[string]any{"suffix": " [N]"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var data struct {
		Suffix string `json:"suffix"`
	}
	decodeData(t, resp, &data)
	if data.Suffix != " [N]" {
		t.Errorf("suffix in world = %q, want %q", data.Suffix, " [N]")
	}

	resp = e.do(t, http.MethodGet, "/api/v1/chat/groups/default", nil)
	decodeData(t, resp, &data)
	if data.Suffix != "" {
		t.Errorf("global suffix = %q, want empty", data.Suffix)
	}
}
