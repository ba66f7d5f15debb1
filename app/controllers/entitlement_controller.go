package controllers

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/nexmobile/subsync/app/repository"
	"github.com/nexmobile/subsync/internal/pkg/entitlement"
	"github.com/nexmobile/subsync/internal/pkg/usercontext"
)

var entitlementChecker *entitlement.Checker

// SetEntitlementChecker injects the fallback-chain checker. Optional: when
// unset, the endpoint answers from the ledger projection alone.
func SetEntitlementChecker(ch *entitlement.Checker) {
	entitlementChecker = ch
}

// HandleGetEntitlement answers the single question clients gate features on:
// is this user currently subscribed.
func HandleGetEntitlement(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": CodeUnauthenticated, "message": "Missing or invalid authentication"})
	}

	repo := repository.GetGlobalFactory().GetUserRepository()
	user, err := repo.GetByID(userCtx.UserID)
	if err != nil {
		return errorJSON(c, err, "Failed to load user")
	}

	now := time.Now()
	status := user.EntitlementStatus(now)
	isSubscribed := user.IsEntitled

	if entitlementChecker != nil {
		force := c.QueryBool("refresh", false)
		isSubscribed = entitlementChecker.IsEntitled(c.UserContext(), userCtx.UserID, force)
		status = entitlementStatusFor(status, isSubscribed)
	}

	return c.JSON(fiber.Map{
		"isSubscribed": isSubscribed,
		"status":       status,
		"expiryDate":   formatTimePtr(user.EntitlementExpiresAt),
	})
}
