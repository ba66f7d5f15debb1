package controllers

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/nexmobile/subsync/internal/pkg/subscription"
	"github.com/nexmobile/subsync/internal/pkg/usercontext"
)

var subscriptionService *subscription.Service

// SetSubscriptionService injects the validation pipeline. Called once at
// startup before routes are registered.
func SetSubscriptionService(s *subscription.Service) {
	subscriptionService = s
}

// GetSubscriptionService returns the injected pipeline (used by webhook and
// entitlement controllers).
func GetSubscriptionService() *subscription.Service {
	return subscriptionService
}

type validatePurchaseRequest struct {
	Platform    string `json:"platform" validate:"required,oneof=google_play app_store"`
	PlatformRef string `json:"platformRef" validate:"required,min=8"`
	ProductID   string `json:"productId" validate:"required"`
}

var validate = validator.New()

// HandleValidatePurchase verifies a purchase reference against its platform
// and records the subscription. Safe to replay: a duplicate call returns the
// stored record with isDuplicate set.
func HandleValidatePurchase(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": CodeUnauthenticated, "message": "Missing or invalid authentication"})
	}

	var req validatePurchaseRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": CodeInvalidArgument, "message": "Invalid request body"})
	}
	if err := validate.Struct(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": CodeInvalidArgument, "message": err.Error()})
	}

	result, err := subscriptionService.ValidatePurchase(c.UserContext(), userCtx.UserID, req.Platform, req.PlatformRef, req.ProductID)
	if err != nil {
		log.Warnf("[API] purchase validation failed for user %d on %s: %v", userCtx.UserID, req.Platform, err)
		return errorJSON(c, err, "")
	}

	sub := result.Subscription
	return c.JSON(fiber.Map{
		"success":        true,
		"subscriptionId": sub.ID,
		"state":          sub.State,
		"expiryDate":     formatTimePtr(sub.CurrentPeriodEnd),
		"isDuplicate":    result.Duplicate,
	})
}
