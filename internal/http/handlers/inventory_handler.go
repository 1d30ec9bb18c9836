package handlers

import (
	"github.com/gofiber/fiber/v2"

	"grantmarket/internal/services"
)

type InventoryHandler struct {
	Inv *services.InventoryService
}

// Check handles GET /api/v1/listings/:slug/availability.
func (h *InventoryHandler) Check(c *fiber.Ctx) error {
	avail, err := h.Inv.CheckAvailability(c.UserContext(), c.Params("slug"))
	if err != nil {
		return fail(c, "availability.check", err)
	}
	return c.JSON(avail)
}
