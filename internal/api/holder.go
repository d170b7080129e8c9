package api

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lattice-perms/lattice/internal/cache"
	"github.com/lattice-perms/lattice/internal/holder"
	"github.com/lattice-perms/lattice/internal/housekeeper"
	"github.com/lattice-perms/lattice/internal/httputil"
	"github.com/lattice-perms/lattice/internal/node"
	"github.com/lattice-perms/lattice/internal/postgres"
	"github.com/lattice-perms/lattice/internal/registry"
)

// Saver persists mutated holders and tracks.
type Saver interface {
	SaveHolder(ctx context.Context, h *holder.Holder) error
	SaveTrack(ctx context.Context, t *holder.Track) error
}

// Invalidator drops cached state for a holder after a mutation.
type Invalidator interface {
	InvalidateHolder(id string)
}

// HolderHandler serves user and group endpoints: lookups, permission checks
// and node mutations.
type HolderHandler struct {
	registry *registry.Registry
	cache    *cache.Manager
	saver    Saver
	inv      Invalidator
	keeper   *housekeeper.Housekeeper
	log      zerolog.Logger
}

// NewHolderHandler creates a holder handler.
func NewHolderHandler(reg *registry.Registry, c *cache.Manager, saver Saver, inv Invalidator, keeper *housekeeper.Housekeeper, logger zerolog.Logger) *HolderHandler {
	return &HolderHandler{registry: reg, cache: c, saver: saver, inv: inv, keeper: keeper, log: logger}
}

// user loads the user named in the :userID path param, falling back to
// storage for offline users. A loaded user is touched so the housekeeper
// keeps it around for follow-up requests.
func (h *HolderHandler) user(c fiber.Ctx) (*holder.Holder, error) {
	id, err := uuid.Parse(c.Params("userID"))
	if err != nil {
		return nil, httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "Invalid user ID format")
	}

	u, err := h.registry.LoadUser(c.Context(), id, "")
	if err != nil {
		h.log.Error().Err(err).Stringer("user", id).Msg("Failed to load user")
		return nil, httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternal, "Failed to load user")
	}
	if u == nil {
		return nil, httputil.Fail(c, fiber.StatusNotFound, httputil.CodeNotFound, "User not found")
	}

	h.keeper.Touch(u.Identifier())
	return u, nil
}

// group loads the group named in the :name path param.
func (h *HolderHandler) group(c fiber.Ctx) (*holder.Holder, error) {
	g := h.registry.Group(c.Params("name"))
	if g == nil {
		return nil, httputil.Fail(c, fiber.StatusNotFound, httputil.CodeNotFound, "Group not found")
	}
	return g, nil
}

// GetUser handles GET /api/v1/users/:userID.
func (h *HolderHandler) GetUser(c fiber.Ctx) error {
	u, err := h.user(c)
	if u == nil {
		return err
	}
	return httputil.Success(c, toHolderModel(u))
}

// CheckPermission handles GET /api/v1/users/:userID/check.
func (h *HolderHandler) CheckPermission(c fiber.Ctx) error {
	u, err := h.user(c)
	if u == nil {
		return err
	}

	permission := c.Query("permission")
	if permission == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "Missing permission query parameter")
	}
	query, err := parseContextsParam(c.Query("contexts"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, err.Error())
	}

	value, known := h.cache.PermissionValue(u, query, permission)
	return httputil.Success(c, fiber.Map{
		"permission": permission,
		"contexts":   contextsToMap(query),
		"value":      value && known,
		"known":      known,
	})
}

// SetUserNode handles POST /api/v1/users/:userID/nodes.
func (h *HolderHandler) SetUserNode(c fiber.Ctx) error {
	u, err := h.user(c)
	if u == nil {
		return err
	}
	return h.setNode(c, u)
}

// UnsetUserNode handles DELETE /api/v1/users/:userID/nodes.
func (h *HolderHandler) UnsetUserNode(c fiber.Ctx) error {
	u, err := h.user(c)
	if u == nil {
		return err
	}
	return h.unsetNode(c, u)
}

// AddUserParent handles PUT /api/v1/users/:userID/parents/:group.
func (h *HolderHandler) AddUserParent(c fiber.Ctx) error {
	u, err := h.user(c)
	if u == nil {
		return err
	}
	return h.addParent(c, u)
}

// RemoveUserParent handles DELETE /api/v1/users/:userID/parents/:group.
func (h *HolderHandler) RemoveUserParent(c fiber.Ctx) error {
	u, err := h.user(c)
	if u == nil {
		return err
	}
	return h.removeParent(c, u)
}

// ListGroups handles GET /api/v1/groups.
func (h *HolderHandler) ListGroups(c fiber.Ctx) error {
	groups := h.registry.Groups()
	out := make([]holderModel, len(groups))
	for i, g := range groups {
		out[i] = toHolderModel(g)
	}
	return httputil.Success(c, out)
}

// GetGroup handles GET /api/v1/groups/:name.
func (h *HolderHandler) GetGroup(c fiber.Ctx) error {
	g, err := h.group(c)
	if g == nil {
		return err
	}
	return httputil.Success(c, toHolderModel(g))
}

// CreateGroup handles POST /api/v1/groups.
func (h *HolderHandler) CreateGroup(c fiber.Ctx) error {
	var body struct {
		Name string `json:"name"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeInvalidBody, "Invalid request body")
	}
	if body.Name == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "Group name is required")
	}

	g, err := h.registry.CreateGroup(body.Name)
	if err != nil {
		if errors.Is(err, registry.ErrGroupExists) {
			return httputil.Fail(c, fiber.StatusConflict, httputil.CodeConflict, "Group already exists")
		}
		h.log.Error().Err(err).Str("group", body.Name).Msg("Failed to create group")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternal, "Failed to create group")
	}

	if err := h.saver.SaveHolder(c.Context(), g); err != nil {
		h.log.Error().Err(err).Str("group", g.Name()).Msg("Failed to persist group")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternal, "Failed to persist group")
	}
	return httputil.SuccessStatus(c, fiber.StatusCreated, toHolderModel(g))
}

// SetGroupNode handles POST /api/v1/groups/:name/nodes.
func (h *HolderHandler) SetGroupNode(c fiber.Ctx) error {
	g, err := h.group(c)
	if g == nil {
		return err
	}
	return h.setNode(c, g)
}

// UnsetGroupNode handles DELETE /api/v1/groups/:name/nodes.
func (h *HolderHandler) UnsetGroupNode(c fiber.Ctx) error {
	g, err := h.group(c)
	if g == nil {
		return err
	}
	return h.unsetNode(c, g)
}

// AddGroupParent handles PUT /api/v1/groups/:name/parents/:group.
func (h *HolderHandler) AddGroupParent(c fiber.Ctx) error {
	g, err := h.group(c)
	if g == nil {
		return err
	}
	return h.addParent(c, g)
}

// RemoveGroupParent handles DELETE /api/v1/groups/:name/parents/:group.
func (h *HolderHandler) RemoveGroupParent(c fiber.Ctx) error {
	g, err := h.group(c)
	if g == nil {
		return err
	}
	return h.removeParent(c, g)
}

// ListTracks handles GET /api/v1/tracks.
func (h *HolderHandler) ListTracks(c fiber.Ctx) error {
	tracks := h.registry.Tracks()
	out := make([]trackModel, len(tracks))
	for i, t := range tracks {
		out[i] = trackModel{Name: t.Name(), Groups: t.Groups()}
	}
	return httputil.Success(c, out)
}

// CreateTrack handles POST /api/v1/tracks.
func (h *HolderHandler) CreateTrack(c fiber.Ctx) error {
	var body trackModel
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeInvalidBody, "Invalid request body")
	}
	if body.Name == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "Track name is required")
	}

	t, err := h.registry.CreateTrack(body.Name, body.Groups...)
	if err != nil {
		if errors.Is(err, registry.ErrTrackExists) {
			return httputil.Fail(c, fiber.StatusConflict, httputil.CodeConflict, "Track already exists")
		}
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, err.Error())
	}
	if err := h.saver.SaveTrack(c.Context(), t); err != nil {
		// Another instance may have inserted the same track first; the
		// local registry guard cannot see that.
		if postgres.IsUniqueViolation(err) {
			return httputil.Fail(c, fiber.StatusConflict, httputil.CodeConflict, "Track already exists")
		}
		h.log.Error().Err(err).Str("track", t.Name()).Msg("Failed to persist track")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternal, "Failed to persist track")
	}
	return httputil.SuccessStatus(c, fiber.StatusCreated, trackModel{Name: t.Name(), Groups: t.Groups()})
}

func (h *HolderHandler) setNode(c fiber.Ctx, target *holder.Holder) error {
	var body setNodeRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeInvalidBody, "Invalid request body")
	}
	if body.Key == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "Node key is required")
	}

	value := true
	if body.Value != nil {
		value = *body.Value
	}
	n := node.NewWithContext(body.Key, value, contextsFromMap(body.Contexts))
	if body.Expiry != nil {
		n = n.WithExpiry(*body.Expiry)
	}

	if err := target.SetNode(n); err != nil {
		if errors.Is(err, holder.ErrAlreadyHasNode) {
			return httputil.Fail(c, fiber.StatusConflict, httputil.CodeConflict, "Holder already has this node")
		}
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, err.Error())
	}

	if err := h.persist(c.Context(), target); err != nil {
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternal, "Failed to persist holder")
	}
	return httputil.SuccessStatus(c, fiber.StatusCreated, toNodeModel(n))
}

func (h *HolderHandler) unsetNode(c fiber.Ctx, target *holder.Holder) error {
	var body unsetNodeRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeInvalidBody, "Invalid request body")
	}
	if body.Key == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "Node key is required")
	}

	if err := target.UnsetNode(body.Key, contextsFromMap(body.Contexts)); err != nil {
		if errors.Is(err, holder.ErrDoesNotHaveNode) {
			return httputil.Fail(c, fiber.StatusNotFound, httputil.CodeNotFound, "Holder does not have this node")
		}
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, err.Error())
	}

	if err := h.persist(c.Context(), target); err != nil {
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternal, "Failed to persist holder")
	}
	return httputil.Success(c, fiber.Map{"removed": body.Key})
}

func (h *HolderHandler) addParent(c fiber.Ctx, target *holder.Holder) error {
	parent := c.Params("group")
	if h.registry.Group(parent) == nil {
		return httputil.Fail(c, fiber.StatusNotFound, httputil.CodeNotFound, "Parent group not found")
	}

	if err := target.AddParent(parent); err != nil {
		if errors.Is(err, holder.ErrAlreadyInherits) {
			return httputil.Fail(c, fiber.StatusConflict, httputil.CodeConflict, "Holder already inherits from this group")
		}
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, err.Error())
	}

	if err := h.persist(c.Context(), target); err != nil {
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternal, "Failed to persist holder")
	}
	return httputil.Success(c, fiber.Map{"parents": target.Parents()})
}

func (h *HolderHandler) removeParent(c fiber.Ctx, target *holder.Holder) error {
	if err := target.RemoveParent(c.Params("group")); err != nil {
		if errors.Is(err, holder.ErrDoesNotInherit) {
			return httputil.Fail(c, fiber.StatusNotFound, httputil.CodeNotFound, "Holder does not inherit from this group")
		}
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, err.Error())
	}

	if err := h.persist(c.Context(), target); err != nil {
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternal, "Failed to persist holder")
	}
	return httputil.Success(c, fiber.Map{"parents": target.Parents()})
}

// persist invalidates cached state for the holder, then writes it to
// storage. Invalidation comes first so a racing reader cannot re-cache the
// pre-mutation view.
func (h *HolderHandler) persist(ctx context.Context, target *holder.Holder) error {
	h.inv.InvalidateHolder(target.Identifier())
	if err := h.saver.SaveHolder(ctx, target); err != nil {
		h.log.Error().Err(err).Str("holder", target.Identifier()).Msg("Failed to persist holder")
		return err
	}
	return nil
}
