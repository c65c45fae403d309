package services

import (
	"time"

	"bumpti-iap/internal/models"
)

// Apple App Store Server Notification V2 types handled explicitly. All other
// types refresh dates and the renew flag without forcing a status change.
const (
	appleSubscribed             = "SUBSCRIBED"
	appleDidRenew               = "DID_RENEW"
	appleOfferRedeemed          = "OFFER_REDEEMED"
	appleExpired                = "EXPIRED"
	appleGracePeriodExpired     = "GRACE_PERIOD_EXPIRED"
	appleDidFailToRenew         = "DID_FAIL_TO_RENEW"
	appleDidChangeRenewalStatus = "DID_CHANGE_RENEWAL_STATUS"
	appleRevoke                 = "REVOKE"
	appleRefund                 = "REFUND"

	appleSubtypeAutoRenewEnabled = "AUTO_RENEW_ENABLED"
	appleSubtypeGracePeriod      = "GRACE_PERIOD"
)

// StateChange is the outcome of running one vendor notification through the
// subscription state machine.
type StateChange struct {
	State *models.SubscriptionState
	// Force marks revocations/refunds, which bypass the expiry guard and the
	// status-from-expiry override.
	Force bool
	// Skip means the notification requires no state write (e.g. a failed
	// renewal still inside its billing-retry window).
	Skip bool
}

// ApplyAppleNotification mutates a copy of the subscription state according
// to the notification type, then recomputes the status from the entitlement
// window so persisted status never drifts from the actual expiry, even when
// notifications arrive out of order or misclassified.
func ApplyAppleNotification(current *models.SubscriptionState, notificationType, subtype string,
	txn *models.AppleTransactionInfo, renewal *models.AppleRenewalInfo, now time.Time) StateChange {

	state := *current

	// Refresh window fields from the signed transaction info.
	if txn != nil {
		if txn.ExpiresDateMS > 0 {
			state.ExpiresAt = time.UnixMilli(txn.ExpiresDateMS)
		}
		if txn.PurchaseDateMS > 0 && state.StartedAt.IsZero() {
			state.StartedAt = time.UnixMilli(txn.PurchaseDateMS)
		}
		if txn.OriginalTransactionID != "" {
			state.OriginalTransactionID = txn.OriginalTransactionID
		}
		if plan, ok := ResolvePlan(models.StoreApple, txn.ProductID, ""); ok {
			state.Plan = plan.Name
		}
	}
	if renewal != nil {
		state.AutoRenew = renewal.AutoRenewStatus == 1
	}

	revoked := false
	switch notificationType {
	case appleSubscribed, appleDidRenew, appleOfferRedeemed:
		state.Status = models.StatusActive
		if renewal == nil {
			// Auto-renew defaults on for a fresh signup/renewal unless the
			// renewal info explicitly says otherwise.
			state.AutoRenew = true
		}

	case appleExpired, appleGracePeriodExpired:
		state.Status = models.StatusExpired

	case appleDidFailToRenew:
		inGrace := subtype == appleSubtypeGracePeriod ||
			(renewal != nil && (renewal.IsInBillingRetry || time.UnixMilli(renewal.GracePeriodExpiresMS).After(now)))
		if inGrace {
			// Billing retry still running; leave the status to the next event.
			return StateChange{Skip: true}
		}
		state.Status = models.StatusExpired

	case appleDidChangeRenewalStatus:
		// Access runs until natural expiry; only the renew flag moves.
		state.AutoRenew = subtype == appleSubtypeAutoRenewEnabled ||
			(renewal != nil && renewal.AutoRenewStatus == 1)
		return StateChange{State: &state}

	case appleRevoke, appleRefund:
		state.Status = models.StatusCanceled
		state.AutoRenew = false
		revoked = true

	default:
		// Informational type: fields refreshed above, status recomputed below.
	}

	// Status-from-expiry override: whenever an entitlement window is known
	// and the event is not a revocation, the window wins over the per-type
	// default.
	if !revoked && !state.ExpiresAt.IsZero() {
		if state.ExpiresAt.After(now) {
			state.Status = models.StatusActive
		} else {
			state.Status = models.StatusExpired
		}
	}

	return StateChange{State: &state, Force: revoked}
}

// ApplyGoogleNotification maps a Play RTDN type onto the subscription state,
// using the freshly fetched subscription purchase to refresh the window.
// CANCELED in Play terms means auto-renew turned off with access running
// until expiry, matching Apple's DID_CHANGE_RENEWAL_STATUS.
func ApplyGoogleNotification(current *models.SubscriptionState, notificationType int,
	fresh *NormalizedPurchase, now time.Time) StateChange {

	state := *current

	if fresh != nil {
		if !fresh.ExpiresDate.IsZero() {
			state.ExpiresAt = fresh.ExpiresDate
		}
		if state.StartedAt.IsZero() {
			state.StartedAt = fresh.PurchaseDate
		}
		state.AutoRenew = fresh.AutoRenew
		if fresh.OriginalTransactionID != "" {
			state.OriginalTransactionID = fresh.OriginalTransactionID
		}
		if plan, ok := ResolvePlan(models.StoreGoogle, fresh.SKU, fresh.BasePlanID); ok {
			state.Plan = plan.Name
		}
	}

	revoked := false
	switch notificationType {
	case models.GoogleSubscriptionRecovered,
		models.GoogleSubscriptionRenewed,
		models.GoogleSubscriptionPurchased,
		models.GoogleSubscriptionRestarted:
		state.Status = models.StatusActive

	case models.GoogleSubscriptionCanceled:
		state.AutoRenew = false

	case models.GoogleSubscriptionExpired, models.GoogleSubscriptionOnHold:
		state.Status = models.StatusExpired

	case models.GoogleSubscriptionInGracePeriod:
		// Payment retry in flight; hold status until the next event.
		return StateChange{Skip: true}

	case models.GoogleSubscriptionRevoked:
		state.Status = models.StatusCanceled
		state.AutoRenew = false
		revoked = true

	default:
		// Price changes, pauses, deferrals: refresh fields only.
	}

	if !revoked && !state.ExpiresAt.IsZero() {
		if state.ExpiresAt.After(now) {
			state.Status = models.StatusActive
		} else {
			state.Status = models.StatusExpired
		}
	}

	return StateChange{State: &state, Force: revoked}
}
