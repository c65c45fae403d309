package services

import (
	"testing"
	"time"

	"bumpti-iap/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func activeState(expiresAt time.Time) *models.SubscriptionState {
	return &models.SubscriptionState{
		UserID:                "c0ffee00-0000-4000-8000-000000000001",
		Status:                models.StatusActive,
		Plan:                  "plus_monthly",
		StartedAt:             time.Now().Add(-20 * 24 * time.Hour),
		ExpiresAt:             expiresAt,
		AutoRenew:             true,
		Store:                 models.StoreApple,
		OriginalTransactionID: "orig-1000",
	}
}

func TestAppleRevokeOverridesFutureExpiry(t *testing.T) {
	now := time.Now()
	current := activeState(now.Add(10 * 24 * time.Hour))

	txn := &models.AppleTransactionInfo{
		TransactionID:         "txn-2000",
		OriginalTransactionID: "orig-1000",
		ProductID:             "bumpti_plus_monthly",
		ExpiresDateMS:         now.Add(10 * 24 * time.Hour).UnixMilli(),
	}

	change := ApplyAppleNotification(current, "REVOKE", "", txn, nil, now)

	require.False(t, change.Skip)
	assert.True(t, change.Force, "revocations must bypass the expiry guard")
	assert.Equal(t, models.StatusCanceled, change.State.Status)
	assert.False(t, change.State.AutoRenew)
}

func TestAppleStatusRecomputedFromExpiry(t *testing.T) {
	now := time.Now()

	t.Run("future expiry forces active even for unknown types", func(t *testing.T) {
		current := activeState(now.Add(-time.Hour))
		current.Status = models.StatusExpired

		txn := &models.AppleTransactionInfo{
			OriginalTransactionID: "orig-1000",
			ProductID:             "bumpti_plus_monthly",
			ExpiresDateMS:         now.Add(48 * time.Hour).UnixMilli(),
		}

		change := ApplyAppleNotification(current, "RENEWAL_EXTENDED", "", txn, nil, now)
		require.False(t, change.Skip)
		assert.Equal(t, models.StatusActive, change.State.Status)
	})

	t.Run("past expiry forces expired even for SUBSCRIBED", func(t *testing.T) {
		current := activeState(now.Add(time.Hour))

		txn := &models.AppleTransactionInfo{
			OriginalTransactionID: "orig-1000",
			ProductID:             "bumpti_plus_monthly",
			ExpiresDateMS:         now.Add(-time.Hour).UnixMilli(),
		}

		change := ApplyAppleNotification(current, "SUBSCRIBED", "", txn, nil, now)
		require.False(t, change.Skip)
		assert.Equal(t, models.StatusExpired, change.State.Status)
	})
}

func TestAppleFailToRenewHeldDuringGracePeriod(t *testing.T) {
	now := time.Now()
	current := activeState(now.Add(-time.Hour))

	change := ApplyAppleNotification(current, "DID_FAIL_TO_RENEW", "GRACE_PERIOD", nil, nil, now)
	assert.True(t, change.Skip, "billing retry in flight must not change status")

	renewal := &models.AppleRenewalInfo{IsInBillingRetry: true}
	change = ApplyAppleNotification(current, "DID_FAIL_TO_RENEW", "", nil, renewal, now)
	assert.True(t, change.Skip)

	change = ApplyAppleNotification(current, "DID_FAIL_TO_RENEW", "", nil, nil, now)
	require.False(t, change.Skip)
	assert.Equal(t, models.StatusExpired, change.State.Status)
}

func TestAppleRenewalStatusChangeOnlyTouchesAutoRenew(t *testing.T) {
	now := time.Now()
	current := activeState(now.Add(5 * 24 * time.Hour))

	change := ApplyAppleNotification(current, "DID_CHANGE_RENEWAL_STATUS", "AUTO_RENEW_DISABLED", nil, nil, now)

	require.False(t, change.Skip)
	assert.Equal(t, models.StatusActive, change.State.Status, "access runs until natural expiry")
	assert.False(t, change.State.AutoRenew)
	assert.Equal(t, current.ExpiresAt, change.State.ExpiresAt)

	change = ApplyAppleNotification(change.State, "DID_CHANGE_RENEWAL_STATUS", "AUTO_RENEW_ENABLED", nil, nil, now)
	assert.True(t, change.State.AutoRenew)
}

func TestAppleExpiredNotification(t *testing.T) {
	now := time.Now()
	current := activeState(now.Add(-time.Minute))

	change := ApplyAppleNotification(current, "EXPIRED", "", nil, nil, now)
	require.False(t, change.Skip)
	assert.Equal(t, models.StatusExpired, change.State.Status)
}

func TestGoogleNotificationMapping(t *testing.T) {
	now := time.Now()

	fresh := &NormalizedPurchase{
		Store:                 models.StoreGoogle,
		SKU:                   "bumpti_plus",
		BasePlanID:            "plus-monthly",
		OriginalTransactionID: "token-123",
		PurchaseDate:          now.Add(-24 * time.Hour),
		ExpiresDate:           now.Add(6 * 24 * time.Hour),
		AutoRenew:             true,
	}

	base := func() *models.SubscriptionState {
		s := activeState(now.Add(6 * 24 * time.Hour))
		s.Store = models.StoreGoogle
		return s
	}

	t.Run("renewed", func(t *testing.T) {
		change := ApplyGoogleNotification(base(), models.GoogleSubscriptionRenewed, fresh, now)
		require.False(t, change.Skip)
		assert.Equal(t, models.StatusActive, change.State.Status)
		assert.Equal(t, "plus_monthly", change.State.Plan)
	})

	t.Run("canceled keeps access until expiry", func(t *testing.T) {
		canceled := *fresh
		canceled.AutoRenew = false
		change := ApplyGoogleNotification(base(), models.GoogleSubscriptionCanceled, &canceled, now)
		require.False(t, change.Skip)
		assert.Equal(t, models.StatusActive, change.State.Status)
		assert.False(t, change.State.AutoRenew)
	})

	t.Run("revoked overrides future expiry", func(t *testing.T) {
		change := ApplyGoogleNotification(base(), models.GoogleSubscriptionRevoked, fresh, now)
		require.False(t, change.Skip)
		assert.True(t, change.Force)
		assert.Equal(t, models.StatusCanceled, change.State.Status)
	})

	t.Run("grace period holds state", func(t *testing.T) {
		change := ApplyGoogleNotification(base(), models.GoogleSubscriptionInGracePeriod, fresh, now)
		assert.True(t, change.Skip)
	})

	t.Run("expired", func(t *testing.T) {
		stale := *fresh
		stale.ExpiresDate = now.Add(-time.Hour)
		change := ApplyGoogleNotification(base(), models.GoogleSubscriptionExpired, &stale, now)
		require.False(t, change.Skip)
		assert.Equal(t, models.StatusExpired, change.State.Status)
	})
}
