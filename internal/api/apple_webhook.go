package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"bumpti-iap/internal/config"
	"bumpti-iap/internal/database"
	"bumpti-iap/internal/models"
	"bumpti-iap/internal/services"
	"bumpti-iap/pkg/logging"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AppleWebhookHandler processes App Store Server Notifications V2.
// POST /iap/webhook/apple
//
// Apple redelivers on anything other than 2xx, so processing failures are
// acknowledged with 200; only signature and bundle-id failures return 401,
// where redelivery is expected and desired.
func AppleWebhookHandler(c *gin.Context) {
	startTime := time.Now()

	var wrapper models.AppStoreNotificationWrapper
	if err := c.ShouldBindJSON(&wrapper); err != nil || wrapper.SignedPayload == "" {
		logging.Errorf("Malformed Apple webhook body: %v", err)
		c.JSON(http.StatusOK, gin.H{"success": false, "message": "Malformed notification body"})
		return
	}

	var notification models.AppStoreNotification
	if err := jwsVerifier.VerifyAndDecode(wrapper.SignedPayload, &notification); err != nil {
		logging.Errorf("Apple webhook signature verification failed: %v", err)
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "message": "Signature verification failed"})
		return
	}

	// Heartbeat / test notifications carry no type or transaction.
	if notification.NotificationType == "" || notification.NotificationType == "TEST" {
		c.JSON(http.StatusOK, gin.H{"success": true, "status": "heartbeat_ok"})
		return
	}

	if notification.Data.BundleID != config.AppConfig.AppleBundleID {
		logging.Errorf("Apple webhook bundle id mismatch - got: %s", notification.Data.BundleID)
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "message": "Bundle id mismatch"})
		return
	}

	// Nested payloads are verified against the same chain as the envelope,
	// never trusted transitively.
	var txn *models.AppleTransactionInfo
	if notification.Data.SignedTransactionInfo != "" {
		var decoded models.AppleTransactionInfo
		if err := jwsVerifier.VerifyAndDecode(notification.Data.SignedTransactionInfo, &decoded); err != nil {
			logging.Errorf("Apple webhook transaction info verification failed: %v", err)
			c.JSON(http.StatusUnauthorized, gin.H{"success": false, "message": "Transaction info verification failed"})
			return
		}
		txn = &decoded
	}

	var renewal *models.AppleRenewalInfo
	if notification.Data.SignedRenewalInfo != "" {
		var decoded models.AppleRenewalInfo
		if err := jwsVerifier.VerifyAndDecode(notification.Data.SignedRenewalInfo, &decoded); err != nil {
			logging.Errorf("Apple webhook renewal info verification failed: %v", err)
			c.JSON(http.StatusUnauthorized, gin.H{"success": false, "message": "Renewal info verification failed"})
			return
		}
		renewal = &decoded
	}

	eventID := notification.NotificationUUID
	if eventID == "" && txn != nil {
		eventID = fmt.Sprintf("%s:%s:%s", txn.TransactionID, notification.NotificationType, notification.Subtype)
	}
	if eventID == "" {
		logging.Errorf("Apple webhook has no usable event id - type: %s", notification.NotificationType)
		c.JSON(http.StatusOK, gin.H{"success": false, "message": "Missing notification id"})
		return
	}

	userID := resolveAppleUser(txn)

	event := &models.SubscriptionEvent{
		Store:        models.StoreApple,
		EventType:    notification.NotificationType,
		StoreEventID: eventID,
		RawPayload:   wrapper.SignedPayload,
		OccurredAt:   time.UnixMilli(notification.SignedDate),
	}
	if userID != "" {
		event.UserID = &userID
	}

	created, err := database.InsertEvent(event)
	if err != nil {
		logging.Errorf("Failed to log Apple webhook event: %v", err)
		c.JSON(http.StatusOK, gin.H{"success": false, "message": "Failed to log event"})
		return
	}
	if !created {
		// At-least-once delivery: another delivery already won the insert.
		logging.Infof("Duplicate Apple notification skipped - uuid: %s", eventID)
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "Already processed"})
		return
	}

	if userID == "" {
		// Audit row is in place; without an account there is no state to
		// update, and webhooks have no caller to surface this to.
		logging.Warnf("Apple notification with unresolvable user - type: %s, uuid: %s",
			notification.NotificationType, eventID)
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "Event logged, user unresolved"})
		return
	}

	if err := applyAppleEvent(userID, &notification, txn, renewal); err != nil {
		logging.Errorf("Failed to apply Apple notification - type: %s, user: %s, error: %v",
			notification.NotificationType, userID, err)
		c.JSON(http.StatusOK, gin.H{"success": false, "message": "Failed to process notification"})
		return
	}

	logging.Infof("Apple notification processed - type: %s, subtype: %s, user: %s, time: %v",
		notification.NotificationType, notification.Subtype, userID, time.Since(startTime))
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Notification processed"})
}

// resolveAppleUser maps a notification to a known account: first through the
// subscription row the original transaction belongs to, then through the
// app account token the client attached at purchase time.
func resolveAppleUser(txn *models.AppleTransactionInfo) string {
	if txn == nil {
		return ""
	}

	if txn.OriginalTransactionID != "" {
		state, err := database.GetSubscriptionByOriginalTransactionID(txn.OriginalTransactionID)
		if err == nil {
			return state.UserID
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			logging.Errorf("Subscription lookup failed for original transaction %s: %v", txn.OriginalTransactionID, err)
		}
	}

	if txn.AppAccountToken != "" {
		if _, err := uuid.Parse(txn.AppAccountToken); err == nil && isKnownUser(txn.AppAccountToken) {
			return txn.AppAccountToken
		}
	}

	return ""
}

// isKnownUser reports whether any state exists for the id - a subscription
// row, a purchase, or a credit balance.
func isKnownUser(userID string) bool {
	if _, err := database.GetSubscriptionByUserID(userID); err == nil {
		return true
	}
	var count int64
	database.GetDB().Model(&models.PurchaseRecord{}).Where("user_id = ?", userID).Count(&count)
	if count > 0 {
		return true
	}
	database.GetDB().Model(&models.CreditBalance{}).Where("user_id = ?", userID).Count(&count)
	return count > 0
}

func applyAppleEvent(userID string, notification *models.AppStoreNotification,
	txn *models.AppleTransactionInfo, renewal *models.AppleRenewalInfo) error {

	current, err := database.GetSubscriptionByUserID(userID)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		current = &models.SubscriptionState{UserID: userID, Store: models.StoreApple}
	}

	change := services.ApplyAppleNotification(current, notification.NotificationType, notification.Subtype, txn, renewal, time.Now())
	if change.Skip {
		logging.Infof("Apple notification held pending next event - type: %s, user: %s",
			notification.NotificationType, userID)
		return nil
	}

	persisted, _, applied, err := database.UpsertSubscriptionState(change.State, change.Force)
	if err != nil {
		return err
	}

	services.InvalidateEntitlementCache(userID)
	if applied {
		webhookNotifier.NotifySubscriptionChanged(persisted)
	}
	return nil
}
