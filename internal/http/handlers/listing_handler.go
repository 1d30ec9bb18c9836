package handlers

import (
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"grantmarket/internal/domain"
	applog "grantmarket/internal/log"
	"grantmarket/internal/repos"
	"grantmarket/internal/services"
	"grantmarket/internal/signature"
	"grantmarket/internal/validate"
)

type ListingHandler struct {
	Listings *services.ListingService
}

type createRequest struct {
	signature.CreateListing
	Signature string `json:"signature"`
}

type updateRequest struct {
	signature.UpdateListing
	Signature string `json:"signature"`
}

type cancelRequest struct {
	signature.CancelListing
	Signature string `json:"signature"`
}

// Create handles POST /api/v1/listings.
func (h *ListingHandler) Create(c *fiber.Ctx) error {
	var req createRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "body", "request body must be a JSON listing")
	}
	l, err := h.Listings.Create(c.UserContext(), req.CreateListing, req.Signature)
	if err != nil {
		return fail(c, "listing.create", err)
	}
	applog.Audit(c, "listing.create", map[string]any{"slug": l.Slug, "seller": l.SellerAddress})
	return c.Status(fiber.StatusCreated).JSON(l.Public())
}

// Update handles PATCH /api/v1/listings/:slug. The signed slug must match the path.
func (h *ListingHandler) Update(c *fiber.Ctx) error {
	var req updateRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "body", "request body must be a JSON listing update")
	}
	slug := c.Params("slug")
	if req.Slug == "" {
		req.Slug = slug
	}
	if req.Slug != slug {
		return badRequest(c, "slug", "slug does not match the URL")
	}
	l, err := h.Listings.Update(c.UserContext(), req.UpdateListing, req.Signature)
	if err != nil {
		return fail(c, "listing.update", err)
	}
	applog.Audit(c, "listing.update", map[string]any{"slug": l.Slug, "version": l.Version})
	return c.JSON(l.Public())
}

// Cancel handles POST /api/v1/listings/:slug/cancel.
func (h *ListingHandler) Cancel(c *fiber.Ctx) error {
	var req cancelRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "body", "request body must be a JSON cancellation")
	}
	slug := c.Params("slug")
	if req.Slug == "" {
		req.Slug = slug
	}
	if req.Slug != slug {
		return badRequest(c, "slug", "slug does not match the URL")
	}
	l, err := h.Listings.Cancel(c.UserContext(), req.CancelListing, req.Signature)
	if err != nil {
		return fail(c, "listing.cancel", err)
	}
	applog.Audit(c, "listing.cancel", map[string]any{"slug": l.Slug})
	return c.JSON(l.Public())
}

func (h *ListingHandler) Get(c *fiber.Ctx) error {
	l, err := h.Listings.Get(c.UserContext(), c.Params("slug"))
	if err != nil {
		return fail(c, "listing.get", err)
	}
	return c.JSON(l.Public())
}

// List handles GET /api/v1/listings?seller=&status=&chainId=&limit=&offset=.
func (h *ListingHandler) List(c *fiber.Ctx) error {
	f := repos.ListFilter{
		Limit:  validate.Limit(c.Query("limit")),
		Offset: validate.Offset(c.Query("offset")),
	}
	if s := strings.TrimSpace(c.Query("seller")); s != "" {
		addr, ok := validate.Address(s)
		if !ok {
			return badRequest(c, "seller", "seller must be a 0x address")
		}
		f.Seller = addr
	}
	switch st := domain.Status(strings.TrimSpace(c.Query("status"))); st {
	case "":
	case domain.StatusActive, domain.StatusSold, domain.StatusCancelled:
		f.Status = st
	default:
		return badRequest(c, "status", "status must be active, sold or cancelled")
	}
	if s := strings.TrimSpace(c.Query("chainId")); s != "" {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil || id <= 0 {
			return badRequest(c, "chainId", "chainId must be a positive integer")
		}
		f.ChainID = id
	}

	ls, err := h.Listings.List(c.UserContext(), f)
	if err != nil {
		return fail(c, "listing.list", err)
	}
	out := make([]domain.PublicListing, 0, len(ls))
	for _, l := range ls {
		out = append(out, l.Public())
	}
	return c.JSON(fiber.Map{"listings": out, "limit": f.Limit, "offset": f.Offset})
}

// Sales handles GET /api/v1/listings/:slug/sales.
func (h *ListingHandler) Sales(c *fiber.Ctx) error {
	limit, offset := validate.Limit(c.Query("limit")), validate.Offset(c.Query("offset"))
	sales, err := h.Listings.SalesByListing(c.UserContext(), c.Params("slug"), limit, offset)
	if err != nil {
		return fail(c, "listing.sales", err)
	}
	return c.JSON(fiber.Map{"sales": sales, "limit": limit, "offset": offset})
}

// SellerSales handles GET /api/v1/sellers/:address/sales.
func (h *ListingHandler) SellerSales(c *fiber.Ctx) error {
	limit, offset := validate.Limit(c.Query("limit")), validate.Offset(c.Query("offset"))
	sales, err := h.Listings.SalesBySeller(c.UserContext(), c.Params("address"), limit, offset)
	if err != nil {
		return fail(c, "seller.sales", err)
	}
	return c.JSON(fiber.Map{"sales": sales, "limit": limit, "offset": offset})
}
