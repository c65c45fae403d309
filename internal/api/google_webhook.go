package api

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
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

// GoogleWebhookHandler processes Play Real-Time Developer Notifications
// delivered through a Pub/Sub push subscription.
// POST /iap/webhook/google?secret=<shared secret>
//
// Pub/Sub redelivers on anything other than 2xx, so like the Apple handler
// this acknowledges processing failures with 200 and reserves 401 for the
// shared-secret check.
func GoogleWebhookHandler(c *gin.Context) {
	startTime := time.Now()

	secret := c.Query("secret")
	if config.AppConfig.GooglePubSubSecret == "" ||
		subtle.ConstantTimeCompare([]byte(secret), []byte(config.AppConfig.GooglePubSubSecret)) != 1 {
		logging.Errorf("Google webhook rejected: bad shared secret")
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "message": "Invalid secret"})
		return
	}

	var envelope models.PubSubEnvelope
	if err := c.ShouldBindJSON(&envelope); err != nil {
		logging.Errorf("Malformed Pub/Sub envelope: %v", err)
		c.JSON(http.StatusOK, gin.H{"success": false, "message": "Malformed envelope"})
		return
	}
	if envelope.Message.MessageID == "" || envelope.Message.Data == "" {
		logging.Errorf("Pub/Sub envelope missing messageId or data")
		c.JSON(http.StatusOK, gin.H{"success": false, "message": "Missing message fields"})
		return
	}

	decoded, err := base64.StdEncoding.DecodeString(envelope.Message.Data)
	if err != nil {
		logging.Errorf("Failed to decode Pub/Sub data: %v", err)
		c.JSON(http.StatusOK, gin.H{"success": false, "message": "Invalid message data"})
		return
	}

	var notification models.DeveloperNotification
	if err := json.Unmarshal(decoded, &notification); err != nil {
		logging.Errorf("Failed to parse developer notification: %v", err)
		c.JSON(http.StatusOK, gin.H{"success": false, "message": "Invalid notification payload"})
		return
	}

	if notification.TestNotification != nil {
		logging.Infof("Google test notification received - message: %s", envelope.Message.MessageID)
		c.JSON(http.StatusOK, gin.H{"success": true, "status": "test_ok"})
		return
	}

	sub := notification.SubscriptionNotification
	eventType := "UNKNOWN"
	if sub != nil {
		eventType = googleEventTypeName(sub.NotificationType)
	}

	// The purchase token is stable across renewals and is what subscription
	// rows are keyed by on the Google side.
	userID := ""
	if sub != nil {
		userID = resolveGoogleUser(sub.PurchaseToken)
	}

	event := &models.SubscriptionEvent{
		Store:        models.StoreGoogle,
		EventType:    eventType,
		StoreEventID: envelope.Message.MessageID,
		RawPayload:   string(decoded),
		OccurredAt:   googleEventTime(notification.EventTimeMillis),
	}
	if userID != "" {
		event.UserID = &userID
	}

	created, err := database.InsertEvent(event)
	if err != nil {
		logging.Errorf("Failed to log Google webhook event: %v", err)
		c.JSON(http.StatusOK, gin.H{"success": false, "message": "Failed to log event"})
		return
	}
	if !created {
		logging.Infof("Duplicate Google notification skipped - message: %s", envelope.Message.MessageID)
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "Already processed"})
		return
	}

	if sub == nil || sub.PurchaseToken == "" {
		logging.Infof("Google notification without subscription payload logged - message: %s", envelope.Message.MessageID)
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "Event logged"})
		return
	}

	// Refresh the authoritative subscription window from the Play API before
	// applying the notification type.
	validator, _, err := validators.ForPlatform("android")
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"success": false, "message": "Validator unavailable"})
		return
	}
	fresh, err := validator.Validate(c.Request.Context(), "",
		services.RawPurchase{PurchaseToken: sub.PurchaseToken, ProductID: sub.SubscriptionID}, false)
	if err != nil {
		logging.Errorf("Failed to refresh Google subscription - token: %s, error: %v", sub.PurchaseToken, err)
		c.JSON(http.StatusOK, gin.H{"success": false, "message": "Verification failed"})
		return
	}

	if userID == "" {
		userID = knownUserFromToken(fresh.AppAccountToken)
		if userID == "" {
			logging.Warnf("Google notification with unresolvable user - type: %s, message: %s",
				eventType, envelope.Message.MessageID)
			c.JSON(http.StatusOK, gin.H{"success": true, "message": "Event logged, user unresolved"})
			return
		}
		if err := database.BindEventUser(envelope.Message.MessageID, userID); err != nil {
			logging.Errorf("Failed to bind user to event %s: %v", envelope.Message.MessageID, err)
		}
	}

	if err := applyGoogleEvent(userID, sub.NotificationType, fresh); err != nil {
		logging.Errorf("Failed to apply Google notification - type: %s, user: %s, error: %v", eventType, userID, err)
		c.JSON(http.StatusOK, gin.H{"success": false, "message": "Failed to process notification"})
		return
	}

	logging.Infof("Google notification processed - type: %s, user: %s, time: %v",
		eventType, userID, time.Since(startTime))
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Notification processed"})
}

func resolveGoogleUser(purchaseToken string) string {
	if purchaseToken == "" {
		return ""
	}
	state, err := database.GetSubscriptionByOriginalTransactionID(purchaseToken)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			logging.Errorf("Subscription lookup failed for purchase token: %v", err)
		}
		return ""
	}
	return state.UserID
}

func knownUserFromToken(token string) string {
	if token == "" {
		return ""
	}
	if _, err := uuid.Parse(token); err != nil {
		return ""
	}
	if isKnownUser(token) {
		return token
	}
	return ""
}

func applyGoogleEvent(userID string, notificationType int, fresh *services.NormalizedPurchase) error {
	current, err := database.GetSubscriptionByUserID(userID)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		current = &models.SubscriptionState{UserID: userID, Store: models.StoreGoogle}
	}

	change := services.ApplyGoogleNotification(current, notificationType, fresh, time.Now())
	if change.Skip {
		logging.Infof("Google notification held pending next event - type: %d, user: %s", notificationType, userID)
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

func googleEventTypeName(notificationType int) string {
	names := map[int]string{
		models.GoogleSubscriptionRecovered:            "SUBSCRIPTION_RECOVERED",
		models.GoogleSubscriptionRenewed:              "SUBSCRIPTION_RENEWED",
		models.GoogleSubscriptionCanceled:             "SUBSCRIPTION_CANCELED",
		models.GoogleSubscriptionPurchased:            "SUBSCRIPTION_PURCHASED",
		models.GoogleSubscriptionOnHold:               "SUBSCRIPTION_ON_HOLD",
		models.GoogleSubscriptionInGracePeriod:        "SUBSCRIPTION_IN_GRACE_PERIOD",
		models.GoogleSubscriptionRestarted:            "SUBSCRIPTION_RESTARTED",
		models.GoogleSubscriptionPriceChangeConfirm:   "SUBSCRIPTION_PRICE_CHANGE_CONFIRMED",
		models.GoogleSubscriptionDeferred:             "SUBSCRIPTION_DEFERRED",
		models.GoogleSubscriptionPaused:               "SUBSCRIPTION_PAUSED",
		models.GoogleSubscriptionPauseScheduleChanged: "SUBSCRIPTION_PAUSE_SCHEDULE_CHANGED",
		models.GoogleSubscriptionRevoked:              "SUBSCRIPTION_REVOKED",
		models.GoogleSubscriptionExpired:              "SUBSCRIPTION_EXPIRED",
	}
	if name, ok := names[notificationType]; ok {
		return name
	}
	return "SUBSCRIPTION_NOTIFICATION_" + strconv.Itoa(notificationType)
}

func googleEventTime(millis string) time.Time {
	if ms, err := strconv.ParseInt(millis, 10, 64); err == nil {
		return time.UnixMilli(ms)
	}
	return time.Now()
}
