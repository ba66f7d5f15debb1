package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/nexmobile/subsync/app/controllers"
)

type WebhookRouter struct {
}

// InstallRouter registers the platform notification endpoints. These are
// authenticated by deployment configuration (Pub/Sub OIDC push auth, App
// Store JWS signatures), not by user API keys, so they sit outside /api.
func (h WebhookRouter) InstallRouter(app *fiber.App) {
	hooks := app.Group("/webhooks")
	hooks.Post("/googleplay", controllers.HandleGooglePlayWebhook)
	hooks.Post("/appstore", controllers.HandleAppStoreWebhook)
}

func NewWebhookRouter() *WebhookRouter {
	return &WebhookRouter{}
}
