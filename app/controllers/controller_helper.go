package controllers

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/nexmobile/subsync/app/models"
	"github.com/nexmobile/subsync/internal/pkg/platform"
	"github.com/nexmobile/subsync/internal/pkg/subscription"
)

// Stable machine-readable error codes returned by the API.
const (
	CodeUnauthenticated    = "unauthenticated"
	CodeInvalidArgument    = "invalid-argument"
	CodeNotFound           = "not-found"
	CodeFailedPrecondition = "failed-precondition"
	CodeAlreadyExists      = "already-exists"
	CodePermissionDenied   = "permission-denied"
	CodeInternal           = "internal"
)

// errorStatus maps pipeline and ledger errors to an HTTP status and a
// stable error code. Transient platform errors surface only after the
// retry budget is exhausted, so they count as internal here.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, platform.ErrBadRequest),
		errors.Is(err, subscription.ErrUnknownProduct),
		errors.Is(err, subscription.ErrUnsupportedPlatform):
		return fiber.StatusBadRequest, CodeInvalidArgument
	case errors.Is(err, platform.ErrNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return fiber.StatusNotFound, CodeNotFound
	case errors.Is(err, platform.ErrAuthFailure):
		return fiber.StatusForbidden, CodePermissionDenied
	case errors.Is(err, platform.ErrUnconfirmed),
		errors.Is(err, platform.ErrExpired),
		errors.Is(err, subscription.ErrInvalidTransition):
		return fiber.StatusBadRequest, CodeFailedPrecondition
	case errors.Is(err, subscription.ErrRefClaimed):
		return fiber.StatusConflict, CodeAlreadyExists
	default:
		return fiber.StatusInternalServerError, CodeInternal
	}
}

func errorJSON(c *fiber.Ctx, err error, message string) error {
	status, code := errorStatus(err)
	if message == "" {
		message = err.Error()
	}
	return c.Status(status).JSON(fiber.Map{"error": code, "message": message})
}

func formatTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

// entitlementStatusFor reconciles the projected status with the fallback
// chain's verdict so the response fields cannot contradict each other.
func entitlementStatusFor(projected string, isSubscribed bool) string {
	projectedEntitles := projected == models.SubStateActive || projected == models.SubStateGracePeriod
	switch {
	case isSubscribed && !projectedEntitles:
		// Granted by a fallback strategy (offline grace, direct platform
		// check) the projection has not caught up with yet.
		return models.SubStateGracePeriod
	case !isSubscribed && projectedEntitles:
		return models.SubStateExpired
	default:
		return projected
	}
}
