package models

// AppStoreNotificationWrapper is the outer body of an App Store Server
// Notification V2. Apple sends the actual notification as a JWS in
// signedPayload.
type AppStoreNotificationWrapper struct {
	SignedPayload string `json:"signedPayload"`
}

// AppStoreNotification is the decoded signedPayload content.
// Apple uses camelCase field names.
type AppStoreNotification struct {
	NotificationType string           `json:"notificationType"` // e.g. "SUBSCRIBED", "DID_RENEW"
	Subtype          string           `json:"subtype,omitempty"`
	NotificationUUID string           `json:"notificationUUID"`
	Version          string           `json:"version"`
	SignedDate       int64            `json:"signedDate"`
	Data             NotificationData `json:"data"`
}

// NotificationData carries the signed transaction and renewal payloads.
type NotificationData struct {
	AppAppleID            int64  `json:"appAppleId"`
	BundleID              string `json:"bundleId"`
	BundleVersion         string `json:"bundleVersion"`
	Environment           string `json:"environment"` // "Sandbox" or "Production"
	SignedTransactionInfo string `json:"signedTransactionInfo"`
	SignedRenewalInfo     string `json:"signedRenewalInfo"`
}

// AppleTransactionInfo is the decoded signedTransactionInfo JWS payload.
type AppleTransactionInfo struct {
	TransactionID         string `json:"transactionId"`
	OriginalTransactionID string `json:"originalTransactionId"`
	ProductID             string `json:"productId"`
	BundleID              string `json:"bundleId"`
	PurchaseDateMS        int64  `json:"purchaseDate"`
	ExpiresDateMS         int64  `json:"expiresDate"`
	RevocationDateMS      int64  `json:"revocationDate"`
	AppAccountToken       string `json:"appAccountToken"`
	Type                  string `json:"type"` // "Auto-Renewable Subscription", "Consumable", ...
	Environment           string `json:"environment"`
}

// AppleRenewalInfo is the decoded signedRenewalInfo JWS payload.
type AppleRenewalInfo struct {
	OriginalTransactionID string `json:"originalTransactionId"`
	AutoRenewProductID    string `json:"autoRenewProductId"`
	AutoRenewStatus       int    `json:"autoRenewStatus"` // 1 = on, 0 = off
	IsInBillingRetry      bool   `json:"isInBillingRetryPeriod"`
	GracePeriodExpiresMS  int64  `json:"gracePeriodExpiresDate"`
}

// PubSubEnvelope is the Google Cloud Pub/Sub push envelope delivered to the
// Google webhook endpoint.
type PubSubEnvelope struct {
	Message struct {
		Data      string `json:"data"` // base64-encoded DeveloperNotification JSON
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// DeveloperNotification is the decoded Real-Time Developer Notification.
type DeveloperNotification struct {
	Version                  string `json:"version"`
	PackageName              string `json:"packageName"`
	EventTimeMillis          string `json:"eventTimeMillis"`
	SubscriptionNotification *struct {
		Version          string `json:"version"`
		NotificationType int    `json:"notificationType"`
		PurchaseToken    string `json:"purchaseToken"`
		SubscriptionID   string `json:"subscriptionId"`
	} `json:"subscriptionNotification,omitempty"`
	TestNotification *struct {
		Version string `json:"version"`
	} `json:"testNotification,omitempty"`
}

// Google RTDN subscription notification types.
const (
	GoogleSubscriptionRecovered            = 1
	GoogleSubscriptionRenewed              = 2
	GoogleSubscriptionCanceled             = 3
	GoogleSubscriptionPurchased            = 4
	GoogleSubscriptionOnHold               = 5
	GoogleSubscriptionInGracePeriod        = 6
	GoogleSubscriptionRestarted            = 7
	GoogleSubscriptionPriceChangeConfirm   = 8
	GoogleSubscriptionDeferred             = 9
	GoogleSubscriptionPaused               = 10
	GoogleSubscriptionPauseScheduleChanged = 11
	GoogleSubscriptionRevoked              = 12
	GoogleSubscriptionExpired              = 13
)
