package main

import (
	"log"

	"bumpti-iap/internal/api"
	"bumpti-iap/internal/config"
	"bumpti-iap/internal/database"
	"bumpti-iap/internal/services"
	"bumpti-iap/pkg/logging"

	"github.com/gin-gonic/gin"
)

func main() {
	// Initialize configuration
	if err := config.InitConfig(); err != nil {
		log.Fatal("Failed to initialize config:", err)
	}

	// Initialize logging
	logging.InitLogging()

	// Initialize database
	if err := database.InitDatabase(); err != nil {
		log.Fatal("Failed to initialize database:", err)
	}

	// Build platform validators from credentials
	registry, err := services.NewValidatorRegistry()
	if err != nil {
		log.Fatal("Failed to initialize receipt validators:", err)
	}

	// Set Gin mode
	gin.SetMode(config.AppConfig.Mode)

	// Create Gin engine
	r := gin.Default()

	// Setup routes
	api.SetupRoutes(r, registry)

	// Start server
	port := config.AppConfig.Port
	logging.Infof("Starting server on port %s", port)

	if err := r.Run(":" + port); err != nil {
		log.Fatal("Failed to start server:", err)
	}
}
