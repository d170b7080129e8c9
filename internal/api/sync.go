package api

import (
	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/lattice-perms/lattice/internal/httputil"
	"github.com/lattice-perms/lattice/internal/registry"
)

// SyncHandler triggers a storage reload.
type SyncHandler struct {
	buf *registry.SyncBuffer
	log zerolog.Logger
}

// NewSyncHandler creates a sync handler.
func NewSyncHandler(buf *registry.SyncBuffer, logger zerolog.Logger) *SyncHandler {
	return &SyncHandler{buf: buf, log: logger}
}

// Sync handles POST /api/v1/sync. The request waits for a sync pass that
// started at or after it arrived; concurrent requests share passes.
func (h *SyncHandler) Sync(c fiber.Ctx) error {
	if err := h.buf.Request(c.Context()).Wait(c.Context()); err != nil {
		h.log.Error().Err(err).Msg("Requested sync failed")
		return httputil.Fail(c, fiber.StatusServiceUnavailable, httputil.CodeServiceUnavailable, "Sync failed")
	}
	return httputil.Success(c, fiber.Map{"synced": true})
}
