package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server configuration
	Port string
	Mode string

	// Database configuration
	DatabaseURL string

	// Redis configuration
	RedisURL string

	// Client auth (bearer tokens issued by the app backend)
	AuthJWTSecret string

	// Apple App Store Server API credentials
	AppleKeyID      string
	AppleIssuerID   string
	ApplePrivateKey string // PEM-encoded ES256 key
	AppleBundleID   string

	// Google Play Developer API credentials
	GooglePackageName        string
	GoogleServiceAccountJSON string
	GooglePubSubSecret       string

	// App backend callback for subscription changes
	BackendWebhookURL    string
	BackendWebhookSecret string

	// Entitlement cache TTL in seconds
	EntitlementCacheSeconds int
}

var AppConfig *Config

func InitConfig() error {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		// Ignore error if .env file doesn't exist
	}

	AppConfig = &Config{
		Port:                     getEnv("PORT", "8080"),
		Mode:                     getEnv("GIN_MODE", "debug"),
		DatabaseURL:              getEnv("DATABASE_URL", ""),
		RedisURL:                 getEnv("REDIS_URL", "redis://localhost:6379/0"),
		AuthJWTSecret:            getEnv("AUTH_JWT_SECRET", ""),
		AppleKeyID:               getEnv("APPLE_KEY_ID", ""),
		AppleIssuerID:            getEnv("APPLE_ISSUER_ID", ""),
		ApplePrivateKey:          getEnv("APPLE_PRIVATE_KEY", ""),
		AppleBundleID:            getEnv("APPLE_BUNDLE_ID", "com.bumpti.app"),
		GooglePackageName:        getEnv("GOOGLE_PACKAGE_NAME", "com.bumpti.app"),
		GoogleServiceAccountJSON: getEnv("GOOGLE_SERVICE_ACCOUNT_JSON", ""),
		GooglePubSubSecret:       getEnv("GOOGLE_PUBSUB_SECRET", ""),
		BackendWebhookURL:        getEnv("BACKEND_WEBHOOK_URL", ""),
		BackendWebhookSecret:     getEnv("BACKEND_WEBHOOK_SECRET", ""),
		EntitlementCacheSeconds:  getEnvInt("ENTITLEMENT_CACHE_SECONDS", 60),
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
