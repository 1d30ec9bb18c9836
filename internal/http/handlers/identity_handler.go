package handlers

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"grantmarket/internal/identity"
)

type IdentityHandler struct {
	Resolver identity.Resolver
}

// Lookup handles GET /api/v1/identities?addresses=0xa,0xb. Unknown or invalid
// addresses are left out of the result.
func (h *IdentityHandler) Lookup(c *fiber.Ctx) error {
	raw := strings.TrimSpace(c.Query("addresses"))
	if raw == "" {
		return badRequest(c, "addresses", "addresses is required")
	}
	addrs := strings.Split(raw, ",")
	if len(addrs) > identity.MaxAddresses {
		return badRequest(c, "addresses", "too many addresses")
	}
	profiles, err := h.Resolver.Resolve(c.UserContext(), addrs)
	if err != nil {
		return fail(c, "identity.lookup", err)
	}
	return c.JSON(fiber.Map{"profiles": profiles})
}
