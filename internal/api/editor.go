package api

import (
	"context"
	"sort"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lattice-perms/lattice/internal/housekeeper"
	"github.com/lattice-perms/lattice/internal/httputil"
	"github.com/lattice-perms/lattice/internal/registry"
)

// UserLister enumerates every user known to storage.
type UserLister interface {
	UniqueUsers(ctx context.Context) ([]uuid.UUID, error)
}

// EditorHandler serves the bulk export consumed by the web editor. The
// export is a point-in-time snapshot: storage is synced first, offline
// users are materialized up to a cap, and any holder loaded only for the
// export is released again afterwards.
type EditorHandler struct {
	registry   *registry.Registry
	users      UserLister
	buf        *registry.SyncBuffer
	keeper     *housekeeper.Housekeeper
	maxOffline int
	log        zerolog.Logger
}

// NewEditorHandler creates an editor handler. maxOffline caps how many
// offline users a single export will load.
func NewEditorHandler(reg *registry.Registry, users UserLister, buf *registry.SyncBuffer, keeper *housekeeper.Housekeeper, maxOffline int, logger zerolog.Logger) *EditorHandler {
	return &EditorHandler{registry: reg, users: users, buf: buf, keeper: keeper, maxOffline: maxOffline, log: logger}
}

// exportModel is the editor export payload: groups ordered by weight then
// name, users, and tracks.
type exportModel struct {
	Groups    []holderModel `json:"groups"`
	Users     []holderModel `json:"users"`
	Tracks    []trackModel  `json:"tracks"`
	Truncated bool          `json:"truncated"`
}

// Export handles POST /api/v1/editor/export.
func (h *EditorHandler) Export(c fiber.Ctx) error {
	ctx := c.Context()

	// The editor must see the latest persisted state, so run a sync pass
	// inline rather than through the coalescing buffer.
	if err := h.buf.RequestDirect(ctx); err != nil {
		h.log.Error().Err(err).Msg("Pre-export sync failed")
		return httputil.Fail(c, fiber.StatusServiceUnavailable, httputil.CodeServiceUnavailable, "Storage sync failed")
	}

	ids, err := h.users.UniqueUsers(ctx)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to enumerate users")
		return httputil.Fail(c, fiber.StatusServiceUnavailable, httputil.CodeServiceUnavailable, "Failed to enumerate users")
	}

	var (
		loadedForExport []string
		truncated       bool
	)
	for _, id := range ids {
		if h.registry.User(id) != nil {
			continue
		}
		if len(loadedForExport) >= h.maxOffline {
			truncated = true
			break
		}
		u, err := h.registry.LoadUser(ctx, id, "")
		if err != nil {
			h.log.Warn().Err(err).Stringer("user", id).Msg("Skipping user that failed to load")
			continue
		}
		if u != nil {
			loadedForExport = append(loadedForExport, u.Identifier())
		}
	}

	payload := exportModel{Truncated: truncated}
	for _, g := range h.registry.Groups() {
		payload.Groups = append(payload.Groups, toHolderModel(g))
	}
	for _, u := range h.registry.Users() {
		payload.Users = append(payload.Users, toHolderModel(u))
	}
	sort.Slice(payload.Users, func(i, j int) bool { return payload.Users[i].ID < payload.Users[j].ID })
	for _, t := range h.registry.Tracks() {
		payload.Tracks = append(payload.Tracks, trackModel{Name: t.Name(), Groups: t.Groups()})
	}

	// Release the holders this export materialized. Cleanup re-checks
	// liveness, so a user that connected mid-export is kept.
	for _, id := range loadedForExport {
		h.keeper.Cleanup(id)
	}

	return httputil.Success(c, payload)
}
