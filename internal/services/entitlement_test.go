package services

import (
	"fmt"
	"testing"
	"time"

	"bumpti-iap/internal/config"
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

	config.AppConfig = &config.Config{EntitlementCacheSeconds: 0}

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

func monthlyPurchase(userID string, expiresAt time.Time) *NormalizedPurchase {
	return &NormalizedPurchase{
		Store:                 models.StoreApple,
		SKU:                   "bumpti_plus_monthly",
		TransactionID:         uuid.NewString(),
		OriginalTransactionID: "orig-" + userID,
		PurchaseDate:          time.Now().Add(-time.Minute),
		ExpiresDate:           expiresAt,
		AutoRenew:             true,
	}
}

func TestApplyConsumableGrantsCredits(t *testing.T) {
	setupTestDB(t)
	svc := NewEntitlementService()
	userID := uuid.NewString()

	entitlements, err := svc.Apply(userID, &NormalizedPurchase{
		Store:         models.StoreApple,
		SKU:           "bumpti_checkin_5",
		TransactionID: "txn-consumable-1",
	})
	require.NoError(t, err)
	assert.Equal(t, 5, entitlements.Credits)
	assert.False(t, entitlements.Subscription.Active)

	credits, err := database.GetCreditBalance(userID)
	require.NoError(t, err)
	assert.Equal(t, 5, credits)
}

func TestApplySubscriptionGrantsWelcomeBonusOnce(t *testing.T) {
	setupTestDB(t)
	svc := NewEntitlementService()
	userID := uuid.NewString()

	entitlements, err := svc.Apply(userID, monthlyPurchase(userID, time.Now().Add(30*24*time.Hour)))
	require.NoError(t, err)
	assert.True(t, entitlements.Subscription.Active)
	assert.Equal(t, "plus_monthly", entitlements.Subscription.Plan)
	assert.Equal(t, 10, entitlements.Credits, "first subscription grants the welcome bonus")

	// Renewal with a later expiry must not regrant the bonus.
	entitlements, err = svc.Apply(userID, monthlyPurchase(userID, time.Now().Add(60*24*time.Hour)))
	require.NoError(t, err)
	assert.True(t, entitlements.Subscription.Active)
	assert.Equal(t, 10, entitlements.Credits)

	// Nor does an expire/resubscribe cycle.
	state, err := database.GetSubscriptionByUserID(userID)
	require.NoError(t, err)
	state.Status = models.StatusExpired
	state.ExpiresAt = time.Now().Add(-time.Hour)
	require.NoError(t, database.GetDB().Save(state).Error)

	entitlements, err = svc.Apply(userID, monthlyPurchase(userID, time.Now().Add(90*24*time.Hour)))
	require.NoError(t, err)
	assert.True(t, entitlements.Subscription.Active)
	assert.Equal(t, 10, entitlements.Credits)
}

func TestApplyUnknownSKUIsNoOp(t *testing.T) {
	setupTestDB(t)
	svc := NewEntitlementService()
	userID := uuid.NewString()

	entitlements, err := svc.Apply(userID, &NormalizedPurchase{
		Store:         models.StoreApple,
		SKU:           "bumpti_mystery_box",
		TransactionID: "txn-unknown-1",
	})
	require.NoError(t, err)
	assert.Equal(t, 0, entitlements.Credits)
	assert.False(t, entitlements.Subscription.Active)

	_, err = database.GetSubscriptionByUserID(userID)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestApplyGoogleBasePlanResolution(t *testing.T) {
	setupTestDB(t)
	svc := NewEntitlementService()
	userID := uuid.NewString()

	entitlements, err := svc.Apply(userID, &NormalizedPurchase{
		Store:                 models.StoreGoogle,
		SKU:                   "bumpti_plus",
		BasePlanID:            "plus-yearly",
		TransactionID:         "GPA.1234-5678",
		OriginalTransactionID: "token-abc",
		PurchaseDate:          time.Now(),
		ExpiresDate:           time.Now().Add(365 * 24 * time.Hour),
		AutoRenew:             true,
	})
	require.NoError(t, err)
	assert.Equal(t, "plus_yearly", entitlements.Subscription.Plan)
	assert.Equal(t, 30, entitlements.Credits, "yearly tier welcome bonus")
}

func TestCurrentEntitlementsForUnknownUser(t *testing.T) {
	setupTestDB(t)
	svc := NewEntitlementService()

	entitlements, err := svc.CurrentEntitlements(uuid.NewString())
	require.NoError(t, err)
	assert.False(t, entitlements.Subscription.Active)
	assert.Equal(t, 0, entitlements.Credits)
}

func TestCurrentEntitlementsPropagatesStorageErrors(t *testing.T) {
	setupTestDB(t)
	svc := NewEntitlementService()

	require.NoError(t, database.GetDB().Migrator().DropTable(&models.SubscriptionState{}))

	_, err := svc.CurrentEntitlements(uuid.NewString())
	assert.Error(t, err, "a failed subscription read must not report the user as unsubscribed")
}
