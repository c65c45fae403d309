package database_test

import (
	"fmt"
	"testing"
	"time"

	"bumpti-iap/internal/database"
	"bumpti-iap/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func setupTestDB(t *testing.T) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
		NamingStrategy: schema.NamingStrategy{SingularTable: true},
	})
	require.NoError(t, err)
	require.NoError(t, database.AutoMigrate(db))

	database.DB = db
	database.RedisClient = nil
}

func TestRecordPurchaseIsIdempotent(t *testing.T) {
	setupTestDB(t)
	userID := uuid.NewString()

	purchase := &models.PurchaseRecord{
		UserID:             userID,
		Store:              models.StoreApple,
		SKU:                "bumpti_checkin_5",
		StoreTransactionID: "txn-777",
	}
	created, err := database.RecordPurchase(purchase)
	require.NoError(t, err)
	assert.True(t, created)

	retry := &models.PurchaseRecord{
		UserID:             userID,
		Store:              models.StoreApple,
		SKU:                "bumpti_checkin_5",
		StoreTransactionID: "txn-777",
	}
	created, err = database.RecordPurchase(retry)
	require.NoError(t, err, "duplicate key must not surface as an error")
	assert.False(t, created)

	var count int64
	database.GetDB().Model(&models.PurchaseRecord{}).Count(&count)
	assert.EqualValues(t, 1, count)

	// Same transaction id under the other store is a distinct purchase.
	created, err = database.RecordPurchase(&models.PurchaseRecord{
		UserID:             userID,
		Store:              models.StoreGoogle,
		SKU:                "bumpti_checkin_5",
		StoreTransactionID: "txn-777",
	})
	require.NoError(t, err)
	assert.True(t, created)
}

func TestHasProcessedPurchase(t *testing.T) {
	setupTestDB(t)

	processed, err := database.HasProcessedPurchase(models.StoreApple, "txn-1")
	require.NoError(t, err)
	assert.False(t, processed)

	_, err = database.RecordPurchase(&models.PurchaseRecord{
		UserID:             uuid.NewString(),
		Store:              models.StoreApple,
		StoreTransactionID: "txn-1",
	})
	require.NoError(t, err)

	processed, err = database.HasProcessedPurchase(models.StoreApple, "txn-1")
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestInsertEventDeduplicatesByStoreEventID(t *testing.T) {
	setupTestDB(t)
	userID := uuid.NewString()

	event := &models.SubscriptionEvent{
		UserID:       &userID,
		Store:        models.StoreApple,
		EventType:    "DID_RENEW",
		StoreEventID: "uuid-abc",
		OccurredAt:   time.Now(),
	}
	created, err := database.InsertEvent(event)
	require.NoError(t, err)
	assert.True(t, created)

	redelivery := &models.SubscriptionEvent{
		Store:        models.StoreApple,
		EventType:    "DID_RENEW",
		StoreEventID: "uuid-abc",
		OccurredAt:   time.Now(),
	}
	created, err = database.InsertEvent(redelivery)
	require.NoError(t, err)
	assert.False(t, created, "redelivery loses the insert race and must skip side effects")

	var count int64
	database.GetDB().Model(&models.SubscriptionEvent{}).Count(&count)
	assert.EqualValues(t, 1, count)
}

func TestUpsertSubscriptionStateExpiryGuard(t *testing.T) {
	setupTestDB(t)
	userID := uuid.NewString()
	now := time.Now()

	first := &models.SubscriptionState{
		UserID:                userID,
		Status:                models.StatusActive,
		Plan:                  "plus_monthly",
		StartedAt:             now,
		ExpiresAt:             now.Add(30 * 24 * time.Hour),
		AutoRenew:             true,
		Store:                 models.StoreApple,
		OriginalTransactionID: "orig-1",
	}
	_, created, applied, err := database.UpsertSubscriptionState(first, false)
	require.NoError(t, err)
	assert.True(t, created, "first write creates the user's subscription row")
	assert.True(t, applied)

	// A write carrying an older expiry is stale and must be skipped.
	stale := *first
	stale.ExpiresAt = now.Add(24 * time.Hour)
	stale.Status = models.StatusActive
	result, created, applied, err := database.UpsertSubscriptionState(&stale, false)
	require.NoError(t, err)
	assert.False(t, created)
	assert.False(t, applied)
	assert.Equal(t, first.ExpiresAt.Unix(), result.ExpiresAt.Unix(), "stored expiry wins")

	// A newer expiry applies normally.
	renewal := *first
	renewal.ExpiresAt = now.Add(60 * 24 * time.Hour)
	result, created, applied, err = database.UpsertSubscriptionState(&renewal, false)
	require.NoError(t, err)
	assert.False(t, created)
	assert.True(t, applied)
	assert.Equal(t, renewal.ExpiresAt.Unix(), result.ExpiresAt.Unix())

	// Revocation bypasses the guard even with an older expiry.
	revoked := *first
	revoked.Status = models.StatusCanceled
	revoked.AutoRenew = false
	revoked.ExpiresAt = now.Add(24 * time.Hour)
	result, _, applied, err = database.UpsertSubscriptionState(&revoked, true)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, models.StatusCanceled, result.Status)

	var count int64
	database.GetDB().Model(&models.SubscriptionState{}).Where("user_id = ?", userID).Count(&count)
	assert.EqualValues(t, 1, count, "one state row per user")
}

func TestGrantCredits(t *testing.T) {
	setupTestDB(t)
	userID := uuid.NewString()

	balance, err := database.GrantCredits(userID, 5, "consumable:bumpti_checkin_5")
	require.NoError(t, err)
	assert.Equal(t, 5, balance)

	balance, err = database.GrantCredits(userID, 15, "consumable:bumpti_checkin_15")
	require.NoError(t, err)
	assert.Equal(t, 20, balance)

	_, err = database.GrantCredits(userID, 0, "bogus")
	assert.Error(t, err)
	_, err = database.GrantCredits(userID, -3, "bogus")
	assert.Error(t, err)

	credits, err := database.GetCreditBalance(userID)
	require.NoError(t, err)
	assert.Equal(t, 20, credits)
}

func TestGetCreditBalanceDefaultsToZero(t *testing.T) {
	setupTestDB(t)

	credits, err := database.GetCreditBalance(uuid.NewString())
	require.NoError(t, err)
	assert.Equal(t, 0, credits)
}
