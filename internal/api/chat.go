package api

import (
	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/lattice-perms/lattice/internal/bridge"
	"github.com/lattice-perms/lattice/internal/httputil"
)

// ChatHandler serves prefix, suffix and meta endpoints through the
// name-keyed bridge. Player endpoints address connected users by display
// name; a miss reads as the empty value, matching the bridge contract.
type ChatHandler struct {
	bridge *bridge.Bridge
	log    zerolog.Logger
}

// NewChatHandler creates a chat handler.
func NewChatHandler(b *bridge.Bridge, logger zerolog.Logger) *ChatHandler {
	return &ChatHandler{bridge: b, log: logger}
}

// GetPlayerChat handles GET /api/v1/chat/players/:name. The optional ?world=
// query scopes the lookup.
func (h *ChatHandler) GetPlayerChat(c fiber.Ctx) error {
	name := c.Params("name")
	world := c.Query("world")
	return httputil.Success(c, fiber.Map{
		"prefix": h.bridge.PlayerPrefix(world, name),
		"suffix": h.bridge.PlayerSuffix(world, name),
	})
}

// SetPlayerChat handles PUT /api/v1/chat/players/:name.
func (h *ChatHandler) SetPlayerChat(c fiber.Ctx) error {
	var body struct {
		Prefix *string `json:"prefix"`
		Suffix *string `json:"suffix"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeInvalidBody, "Invalid request body")
	}

	name := c.Params("name")
	world := c.Query("world")
	if body.Prefix != nil {
		if err := h.bridge.SetPlayerPrefix(c.Context(), world, name, *body.Prefix); err != nil {
			h.log.Error().Err(err).Str("player", name).Msg("Failed to set prefix")
			return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternal, "Failed to set prefix")
		}
	}
	if body.Suffix != nil {
		if err := h.bridge.SetPlayerSuffix(c.Context(), world, name, *body.Suffix); err != nil {
			h.log.Error().Err(err).Str("player", name).Msg("Failed to set suffix")
			return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternal, "Failed to set suffix")
		}
	}

	return httputil.Success(c, fiber.Map{
		"prefix": h.bridge.PlayerPrefix(world, name),
		"suffix": h.bridge.PlayerSuffix(world, name),
	})
}

// GetPlayerMeta handles GET /api/v1/chat/players/:name/meta/:key.
func (h *ChatHandler) GetPlayerMeta(c fiber.Ctx) error {
	value := h.bridge.PlayerInfoString(c.Query("world"), c.Params("name"), c.Params("key"), "")
	return httputil.Success(c, fiber.Map{
		"key":   c.Params("key"),
		"value": value,
	})
}

// SetPlayerMeta handles PUT /api/v1/chat/players/:name/meta/:key.
func (h *ChatHandler) SetPlayerMeta(c fiber.Ctx) error {
	var body struct {
		Value string `json:"value"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeInvalidBody, "Invalid request body")
	}

	name, key := c.Params("name"), c.Params("key")
	if err := h.bridge.SetPlayerInfoString(c.Context(), c.Query("world"), name, key, body.Value); err != nil {
		h.log.Error().Err(err).Str("player", name).Str("key", key).Msg("Failed to set meta")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternal, "Failed to set meta")
	}
	return httputil.Success(c, fiber.Map{"key": key, "value": body.Value})
}

// GetGroupChat handles GET /api/v1/chat/groups/:name.
func (h *ChatHandler) GetGroupChat(c fiber.Ctx) error {
	name := c.Params("name")
	world := c.Query("world")
	return httputil.Success(c, fiber.Map{
		"prefix": h.bridge.GroupPrefix(world, name),
		"suffix": h.bridge.GroupSuffix(world, name),
	})
}

// SetGroupChat handles PUT /api/v1/chat/groups/:name.
func (h *ChatHandler) SetGroupChat(c fiber.Ctx) error {
	var body struct {
		Prefix *string `json:"prefix"`
		Suffix *string `json:"suffix"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeInvalidBody, "Invalid request body")
	}

	name := c.Params("name")
	world := c.Query("world")
	if body.Prefix != nil {
		if err := h.bridge.SetGroupPrefix(c.Context(), world, name, *body.Prefix); err != nil {
			h.log.Error().Err(err).Str("group", name).Msg("Failed to set prefix")
			return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternal, "Failed to set prefix")
		}
	}
	if body.Suffix != nil {
		if err := h.bridge.SetGroupSuffix(c.Context(), world, name, *body.Suffix); err != nil {
			h.log.Error().Err(err).Str("group", name).Msg("Failed to set suffix")
			return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternal, "Failed to set suffix")
		}
	}

	return httputil.Success(c, fiber.Map{
		"prefix": h.bridge.GroupPrefix(world, name),
		"suffix": h.bridge.GroupSuffix(world, name),
	})
}
