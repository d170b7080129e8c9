package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lattice-perms/lattice/internal/bridge"
	"github.com/lattice-perms/lattice/internal/cache"
	"github.com/lattice-perms/lattice/internal/holder"
	"github.com/lattice-perms/lattice/internal/housekeeper"
	"github.com/lattice-perms/lattice/internal/meta"
	"github.com/lattice-perms/lattice/internal/registry"
	"github.com/lattice-perms/lattice/internal/resolver"
)

// fakeStore backs the registry in handler tests and records saves.
type fakeStore struct {
	mu        sync.Mutex
	users     map[uuid.UUID]*holder.Holder
	groups    []*holder.Holder
	tracks    []*holder.Track
	saved     []string
	groupsErr error
	trackErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{users: make(map[uuid.UUID]*holder.Holder)}
}

func (s *fakeStore) LoadUser(_ context.Context, id uuid.UUID, _ string) (*holder.Holder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.users[id], nil
}

func (s *fakeStore) UniqueUsers(context.Context) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(s.users))
	for id := range s.users {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *fakeStore) LoadGroups(context.Context) ([]*holder.Holder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.groups, s.groupsErr
}

func (s *fakeStore) LoadTracks(context.Context) ([]*holder.Track, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracks, nil
}

func (s *fakeStore) SaveHolder(_ context.Context, h *holder.Holder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, h.Identifier())
	return nil
}

func (s *fakeStore) SaveTrack(context.Context, *holder.Track) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trackErr
}

func (s *fakeStore) savedHolders() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.saved...)
}

// env bundles the wired engine for handler tests.
type env struct {
	app      *fiber.App
	store    *fakeStore
	registry *registry.Registry
	cache    *cache.Manager
	keeper   *housekeeper.Housekeeper
}

func newEnv(t *testing.T) *env {
	t.Helper()

	store := newFakeStore()
	reg := registry.New(store, zerolog.Nop())
	res := resolver.New(reg, zerolog.Nop())
	mgr := cache.NewManager(res, zerolog.Nop())
	fanout := &cache.Fanout{Local: mgr, Log: zerolog.Nop()}
	reg.SetInvalidator(fanout)
	keeper := housekeeper.New(time.Minute, nil, zerolog.Nop(), mgr, reg)
	eval := meta.New(mgr, store, fanout, zerolog.Nop())
	br := bridge.New(reg, eval, mgr, zerolog.Nop())
	buf := registry.NewSyncBuffer(reg, zerolog.Nop())

	holders := NewHolderHandler(reg, mgr, store, fanout, keeper, zerolog.Nop())
	chat := NewChatHandler(br, zerolog.Nop())
	editor := NewEditorHandler(reg, store, buf, keeper, 1000, zerolog.Nop())
	synch := NewSyncHandler(buf, zerolog.Nop())

	app := fiber.New()
	registerTestRoutes(app, holders, chat, editor, synch)

	return &env{app: app, store: store, registry: reg, cache: mgr, keeper: keeper}
}

func registerTestRoutes(app *fiber.App, holders *HolderHandler, chat *ChatHandler, editor *EditorHandler, synch *SyncHandler) {
	v1 := app.Group("/api/v1")

	v1.Get("/users/:userID", holders.GetUser)
	v1.Get("/users/:userID/check", holders.CheckPermission)
	v1.Post("/users/:userID/nodes", holders.SetUserNode)
	v1.Delete("/users/:userID/nodes", holders.UnsetUserNode)
	v1.Put("/users/:userID/parents/:group", holders.AddUserParent)
	v1.Delete("/users/:userID/parents/:group", holders.RemoveUserParent)

	v1.Get("/groups", holders.ListGroups)
	v1.Post("/groups", holders.CreateGroup)
	v1.Get("/groups/:name", holders.GetGroup)
	v1.Post("/groups/:name/nodes", holders.SetGroupNode)
	v1.Delete("/groups/:name/nodes", holders.UnsetGroupNode)
	v1.Put("/groups/:name/parents/:group", holders.AddGroupParent)
	v1.Delete("/groups/:name/parents/:group", holders.RemoveGroupParent)

	v1.Get("/tracks", holders.ListTracks)
	v1.Post("/tracks", holders.CreateTrack)

	v1.Get("/chat/players/:name", chat.GetPlayerChat)
	v1.Put("/chat/players/:name", chat.SetPlayerChat)
	v1.Get("/chat/players/:name/meta/:key", chat.GetPlayerMeta)
	v1.Put("/chat/players/:name/meta/:key", chat.SetPlayerMeta)
	v1.Get("/chat/groups/:name", chat.GetGroupChat)
	v1.Put("/chat/groups/:name", chat.SetGroupChat)

	v1.Post("/editor/export", editor.Export)
	v1.Post("/sync", synch.Sync)
}

// addUser seeds a user into storage and loads it into the registry.
func (e *env) addUser(t *testing.T, name string) *holder.Holder {
	t.Helper()
	id := uuid.New()
	u := holder.NewUser(id, name)
	e.store.mu.Lock()
	e.store.users[id] = u
	e.store.mu.Unlock()
	loaded, err := e.registry.LoadUser(context.Background(), id, name)
	if err != nil {
		t.Fatalf("LoadUser: %v", err)
	}
	return loaded
}

func (e *env) addGroup(t *testing.T, name string) *holder.Holder {
	t.Helper()
	g, err := e.registry.CreateGroup(name)
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	return g
}

func (e *env) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := e.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error: %v", err)
	}
	return resp
}

func decodeData(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	var envl struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envl); err != nil {
		t.Fatalf("decode envelope: %v\nraw: %s", err, raw)
	}
	if dst != nil {
		if err := json.Unmarshal(envl.Data, dst); err != nil {
			t.Fatalf("decode data: %v\nraw: %s", err, envl.Data)
		}
	}
}
