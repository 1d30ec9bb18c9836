// Package http assembles the Fiber application: middleware, rate limits and
// the /api/v1 routes.
package http

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"

	"grantmarket/internal/config"
	apperrors "grantmarket/internal/errors"
	"grantmarket/internal/http/handlers"
	applog "grantmarket/internal/log"
)

// MaxBodyBytes caps every request body.
const MaxBodyBytes = 1 << 20

// NewApp builds the API server around deps.
func NewApp(deps *handlers.Deps, cfg config.Config) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:      "grantmarket",
		BodyLimit:    MaxBodyBytes,
		ErrorHandler: ErrorHandler,
	})

	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(logger.New())
	app.Use(helmet.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins:  "*",
		AllowHeaders:  "Content-Type, " + handlers.HeaderPayment + ", " + handlers.HeaderChainID,
		ExposeHeaders: handlers.HeaderPaymentResponse,
	}))
	app.Use(limiter.New(limiter.Config{
		Max:        cfg.RateLimitPerMinute,
		Expiration: time.Minute,
		Next: func(c *fiber.Ctx) bool {
			return c.Path() == "/healthz"
		},
		LimitReached: limitReached("rate.global.hit"),
	}))

	api := app.Group("/api/v1")

	purchaseLimiter := limiter.New(limiter.Config{
		Max:        10,
		Expiration: time.Minute,
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP() + "|purchase"
		},
		LimitReached: limitReached("rate.purchase.hit"),
	})
	availLimiter := limiter.New(limiter.Config{
		Max:        15,
		Expiration: 30 * time.Second,
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP() + "|avail"
		},
		LimitReached: limitReached("rate.availability.hit"),
	})

	// Listings
	api.Post("/listings", deps.ListingHandler.Create)
	api.Get("/listings", deps.ListingHandler.List)
	api.Get("/listings/:slug", deps.ListingHandler.Get)
	api.Patch("/listings/:slug", deps.ListingHandler.Update)
	api.Post("/listings/:slug/cancel", deps.ListingHandler.Cancel)
	api.Get("/listings/:slug/sales", deps.ListingHandler.Sales)
	api.Get("/listings/:slug/availability", availLimiter, deps.InventoryHandler.Check)

	// Purchase
	api.Post("/listings/:slug/purchase", purchaseLimiter, deps.PurchaseHandler.Purchase)

	api.Get("/sellers/:address/sales", deps.ListingHandler.SellerSales)
	api.Get("/identities", deps.IdentityHandler.Lookup)

	// Health & 404
	app.Get("/healthz", func(c *fiber.Ctx) error { return c.JSON(fiber.Map{"ok": true}) })
	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":  "not found",
			"reason": string(apperrors.CodeNotFound),
		})
	})
	return app
}

// ErrorHandler answers errors that escaped a handler. Client errors raised by
// Fiber keep their status; everything else is logged and reported generically.
func ErrorHandler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) && fe.Code < fiber.StatusInternalServerError {
		reason := apperrors.CodeValidation
		switch fe.Code {
		case fiber.StatusNotFound:
			reason = apperrors.CodeNotFound
		case fiber.StatusTooManyRequests:
			reason = apperrors.CodeRateLimited
		}
		return c.Status(fe.Code).JSON(fiber.Map{"error": fe.Message, "reason": string(reason)})
	}
	applog.Error(c, "server.error", err, nil)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error":  handlers.GenericError,
		"reason": string(apperrors.CodeUnknown),
	})
}

func limitReached(action string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		applog.Security(c, action, nil)
		c.Set(fiber.HeaderRetryAfter, "30")
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
			"error":  "rate limit exceeded, retry soon",
			"reason": string(apperrors.CodeRateLimited),
		})
	}
}
