package handlers

import (
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	applog "grantmarket/internal/log"
	"grantmarket/internal/services"
)

const (
	HeaderPayment         = "X-PAYMENT"
	HeaderPaymentResponse = "X-PAYMENT-RESPONSE"
	HeaderChainID         = "X-Chain-Id"
)

type PurchaseHandler struct {
	Purchases *services.PurchaseService
	// BaseURL overrides the scheme and host used for the x402 resource.
	BaseURL string
}

// Purchase handles POST /api/v1/listings/:slug/purchase. Without X-PAYMENT it
// answers with the 402 challenge; with one it settles and discloses.
func (h *PurchaseHandler) Purchase(c *fiber.Ctx) error {
	var chainID int64
	if v := strings.TrimSpace(c.Get(HeaderChainID)); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			return badRequest(c, "chainId", "X-Chain-Id must be a positive integer")
		}
		chainID = id
	}

	slug := c.Params("slug")
	res, err := h.Purchases.Purchase(c.UserContext(), services.PurchaseRequest{
		Slug:         slug,
		PaymentProof: strings.TrimSpace(c.Get(HeaderPayment)),
		Resource:     h.resource(c),
		ChainID:      chainID,
		ClientIP:     c.IP(),
	})
	if err != nil {
		return fail(c, "purchase", err)
	}
	if res.PaymentResponse != "" {
		c.Set(HeaderPaymentResponse, res.PaymentResponse)
	}

	switch {
	case res.Disclosure != nil:
		applog.Audit(c, "purchase.disclosed", map[string]any{"slug": slug, "settlement_tx": res.Disclosure.SettlementTx})
		return c.JSON(res.Disclosure)
	case res.Pending != nil:
		applog.Audit(c, "purchase.pending", map[string]any{"slug": slug, "reason": res.Pending.Reason})
		return c.Status(fiber.StatusAccepted).JSON(res.Pending)
	}
	if res.Status == fiber.StatusPaymentRequired {
		if c.Get(HeaderPayment) != "" {
			applog.Security(c, "payment.rejected", map[string]any{"slug": slug})
		} else {
			applog.Info(c, "purchase.challenge", map[string]any{"slug": slug})
		}
	}
	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return c.Status(res.Status).Send(res.Body)
}

func (h *PurchaseHandler) resource(c *fiber.Ctx) string {
	base := strings.TrimRight(h.BaseURL, "/")
	if base == "" {
		base = c.BaseURL()
	}
	return base + c.Path()
}
