package api

import (
	"bumpti-iap/internal/middleware"
	"bumpti-iap/internal/services"

	"github.com/gin-gonic/gin"
)

var (
	validators         *services.ValidatorRegistry
	jwsVerifier        = services.NewJWSVerifier()
	entitlementService = services.NewEntitlementService()
	webhookNotifier    = services.NewWebhookNotifier()
)

// SetupRoutes sets up all routes. The validator registry is built at startup
// so platform support is fixed by configuration, not probed per request.
func SetupRoutes(r *gin.Engine, registry *services.ValidatorRegistry) {
	validators = registry

	iap := r.Group("/iap")
	{
		// Client API (bearer tokens issued by the app backend)
		client := iap.Group("")
		client.Use(middleware.BearerAuthMiddleware())
		{
			client.POST("/validate", ValidatePurchase)
			client.GET("/entitlements", GetEntitlements)
		}

		// Vendor webhooks (authenticated by signature / shared secret)
		webhook := iap.Group("/webhook")
		{
			webhook.POST("/apple", AppleWebhookHandler)
			webhook.POST("/google", GoogleWebhookHandler)
		}
	}

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":  "ok",
			"service": "bumpti-iap",
		})
	})
}
