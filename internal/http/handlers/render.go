package handlers

import (
	"github.com/gofiber/fiber/v2"

	apperrors "grantmarket/internal/errors"
	applog "grantmarket/internal/log"
)

// GenericError is the only message a client sees for an unexpected failure.
const GenericError = "Something went wrong. Please try again."

// fail writes err as {error, reason}. Domain errors keep their message; any
// other error is logged and replaced with GenericError.
func fail(c *fiber.Ctx, action string, err error) error {
	code := apperrors.GetCode(err)
	if code == apperrors.CodeUnknown {
		applog.Error(c, action, err, nil)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":  GenericError,
			"reason": string(apperrors.CodeUnknown),
		})
	}
	switch code {
	case apperrors.CodeInvalidSignature, apperrors.CodeSignatureExpired, apperrors.CodeInvalidTimestamp:
		applog.Security(c, "signature.reject", map[string]any{"reason": string(code), "action": action})
	case apperrors.CodeNotFoundOrNotOwned:
		applog.Security(c, "access.denied.listing", map[string]any{"action": action})
	case apperrors.CodePersistenceFailure, apperrors.CodeSettlementTimeout:
		applog.Error(c, action, err, map[string]any{"reason": string(code)})
	}
	return c.Status(code.HTTPStatus()).JSON(fiber.Map{
		"error":  apperrors.Message(err),
		"reason": string(code),
	})
}

func badRequest(c *fiber.Ctx, field, msg string) error {
	applog.Security(c, "validation.fail", map[string]any{"field": field})
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error":  msg,
		"reason": string(apperrors.CodeValidation),
	})
}
