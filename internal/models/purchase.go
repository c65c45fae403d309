package models

import (
	"time"
)

// PurchaseRecord is the audit row for every accepted client-submitted purchase.
// The (store, store_transaction_id) pair is unique so retried submissions of
// the same transaction are processed at most once. Rows are never mutated or
// deleted.
type PurchaseRecord struct {
	BaseModel

	UserID             string `json:"user_id" gorm:"not null;size:36;index"`
	Store              string `json:"store" gorm:"not null;size:10;uniqueIndex:idx_store_transaction"`
	SKU                string `json:"sku" gorm:"size:100"`
	StoreTransactionID string `json:"store_transaction_id" gorm:"not null;size:100;uniqueIndex:idx_store_transaction"`
	AppAccountToken    string `json:"app_account_token" gorm:"size:36;index"`
	RawPayload         string `json:"raw_payload" gorm:"type:text"`
}

func (PurchaseRecord) TableName() string {
	return "store_purchases"
}

// CreditBalance is the per-user consumable check-in credit counter.
// Credits only ever increase through the grant path; spend is owned by the
// app backend, not this service.
type CreditBalance struct {
	BaseModel

	UserID  string `json:"user_id" gorm:"not null;size:36;uniqueIndex"`
	Credits int    `json:"credits" gorm:"not null;default:0"`
}

func (CreditBalance) TableName() string {
	return "user_checkin_credits"
}

// SubscriptionEvent is the append-only log of vendor webhook notifications.
// StoreEventID is the idempotency key: Apple notificationUUID (falling back
// to transactionId:type:subtype) or the Google Pub/Sub messageId. The unique
// index makes at-least-once delivery safe.
type SubscriptionEvent struct {
	BaseModel

	// UserID is nil when the notification could not be resolved to a known
	// account at arrival time. The event is still persisted for audit.
	UserID       *string   `json:"user_id" gorm:"size:36;index"`
	Store        string    `json:"store" gorm:"not null;size:10"`
	EventType    string    `json:"event_type" gorm:"not null;size:50"`
	StoreEventID string    `json:"store_event_id" gorm:"not null;size:150;uniqueIndex"`
	RawPayload   string    `json:"raw_payload" gorm:"type:text"`
	OccurredAt   time.Time `json:"occurred_at"`
}

func (SubscriptionEvent) TableName() string {
	return "subscription_events"
}
