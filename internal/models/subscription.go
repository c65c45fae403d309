package models

import (
	"time"
)

// Subscription status values. ExpiresAt in the future implies StatusActive
// unless a revocation or refund forced StatusCanceled.
const (
	StatusActive   = "active"
	StatusExpired  = "expired"
	StatusCanceled = "canceled"
)

// SubscriptionState is the single durable subscription row per user, updated
// by both the direct validation flow and the asynchronous webhook flow.
type SubscriptionState struct {
	BaseModel

	UserID string `json:"user_id" gorm:"not null;size:36;uniqueIndex"`
	Status string `json:"status" gorm:"not null;size:20;index"`
	Plan   string `json:"plan" gorm:"size:50"`

	StartedAt time.Time `json:"started_at"`
	ExpiresAt time.Time `json:"expires_at" gorm:"index"`
	AutoRenew bool      `json:"auto_renew"`

	Store                 string `json:"store" gorm:"size:10"`
	OriginalTransactionID string `json:"original_transaction_id" gorm:"size:100;index"`
}

func (SubscriptionState) TableName() string {
	return "user_subscriptions"
}

// IsActive reports whether the subscription currently grants access.
func (s *SubscriptionState) IsActive() bool {
	return s.Status == StatusActive && s.ExpiresAt.After(time.Now())
}

// DeriveStatus recomputes the status from the entitlement window. A canceled
// (revoked/refunded) subscription stays canceled regardless of expiry.
func (s *SubscriptionState) DeriveStatus(now time.Time) {
	if s.Status == StatusCanceled {
		return
	}
	if s.ExpiresAt.After(now) {
		s.Status = StatusActive
	} else {
		s.Status = StatusExpired
	}
}
