package database

import (
	"context"
	"fmt"
	"time"

	"bumpti-iap/internal/config"
	"bumpti-iap/internal/models"
	"bumpti-iap/pkg/logging"

	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

var (
	DB          *gorm.DB
	RedisClient *redis.Client
)

// InitDatabase initializes database connections
func InitDatabase() error {
	if err := initPostgres(); err != nil {
		return fmt.Errorf("failed to initialize PostgreSQL: %w", err)
	}

	if err := initRedis(); err != nil {
		return fmt.Errorf("failed to initialize Redis: %w", err)
	}

	if err := AutoMigrate(DB); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	return nil
}

// initPostgres initializes PostgreSQL connection
func initPostgres() error {
	var err error
	var dsn string

	// TranslateError turns vendor duplicate-key errors into
	// gorm.ErrDuplicatedKey, which the idempotency checks rely on.
	gormConfig := &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
		NamingStrategy: schema.NamingStrategy{
			SingularTable: true,
		},
	}

	if dsn = config.AppConfig.DatabaseURL; dsn == "" {
		// Fallback to SQLite for development
		logging.Infof("Database URL not set, using SQLite for development")
		DB, err = gorm.Open(sqlite.Open("bumpti-iap.db"), gormConfig)
	} else {
		DB, err = gorm.Open(postgres.Open(dsn), gormConfig)
	}

	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	logging.Infof("Database connected successfully")
	return nil
}

// initRedis initializes Redis connection
func initRedis() error {
	redisURL := config.AppConfig.RedisURL
	if redisURL == "" {
		return fmt.Errorf("REDIS_URL is not set")
	}

	logging.Infof("Connecting to Redis: %s", maskRedisURL(redisURL))

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	RedisClient = redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err = RedisClient.Ping(ctx).Result(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logging.Infof("Redis connected successfully")
	return nil
}

// maskRedisURL masks sensitive information in Redis URL for logging
func maskRedisURL(url string) string {
	if len(url) > 20 {
		return url[:10] + "***" + url[len(url)-10:]
	}
	return "***"
}

// AutoMigrate creates or updates all tables owned by this service
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.PurchaseRecord{},
		&models.SubscriptionState{},
		&models.SubscriptionEvent{},
		&models.CreditBalance{},
	)
}

// GetDB returns database instance
func GetDB() *gorm.DB {
	return DB
}

// GetRedis returns Redis client
func GetRedis() *redis.Client {
	return RedisClient
}

// CloseDatabase closes database connections
func CloseDatabase() error {
	if sqlDB, err := DB.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			logging.Errorf("Failed to close database: %v", err)
		}
	}

	if RedisClient != nil {
		if err := RedisClient.Close(); err != nil {
			logging.Errorf("Failed to close Redis: %v", err)
		}
	}

	return nil
}

// SetCache sets cache with expiration. No-op when Redis is not configured
// (tests run against SQLite only).
func SetCache(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	if RedisClient == nil {
		return nil
	}
	return RedisClient.Set(ctx, key, value, expiration).Err()
}

// GetCache gets cache value
func GetCache(ctx context.Context, key string) (string, error) {
	if RedisClient == nil {
		return "", redis.Nil
	}
	return RedisClient.Get(ctx, key).Result()
}

// DeleteCache deletes cache
func DeleteCache(ctx context.Context, key string) error {
	if RedisClient == nil {
		return nil
	}
	return RedisClient.Del(ctx, key).Err()
}
