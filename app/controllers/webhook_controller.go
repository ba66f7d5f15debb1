package controllers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/nexmobile/subsync/app/models"
	"github.com/nexmobile/subsync/internal/pkg/subscription"
)

// HandleGooglePlayWebhook receives Pub/Sub push deliveries of real-time
// developer notifications. The platform redelivers on non-2xx, so anything
// that retrying cannot fix is acknowledged with 200.
func HandleGooglePlayWebhook(c *fiber.Ctx) error {
	return handleWebhook(c, models.PlatformGooglePlay)
}

// HandleAppStoreWebhook receives App Store server notifications (V2 signed
// payloads).
func HandleAppStoreWebhook(c *fiber.Ctx) error {
	return handleWebhook(c, models.PlatformAppStore)
}

func handleWebhook(c *fiber.Ctx, platformKind string) error {
	err := subscriptionService.HandleNotification(c.UserContext(), platformKind, c.Body())
	if err == nil {
		return c.SendStatus(fiber.StatusOK)
	}

	if errors.Is(err, subscription.ErrMalformedNotification) {
		log.Warnf("[Webhook] malformed %s notification: %v", platformKind, err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": CodeInvalidArgument, "message": "Malformed notification"})
	}

	// Ledger failure: signal the platform to redeliver.
	log.Errorf("[Webhook] failed to process %s notification: %v", platformKind, err)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": CodeInternal, "message": "Notification processing failed"})
}
