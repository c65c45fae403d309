package services

import (
	"context"
	"fmt"
	"time"

	"bumpti-iap/internal/models"
)

// RawPurchase is the purchase object submitted by the client. iOS clients
// send the StoreKit transaction id; Android clients send the Play Billing
// purchase token plus the product id it was bought under.
type RawPurchase struct {
	TransactionID string `json:"transactionId,omitempty"` // iOS
	PurchaseToken string `json:"purchaseToken,omitempty"` // Android
	ProductID     string `json:"productId,omitempty"`
}

// NormalizedPurchase is the platform-independent result of verifying a raw
// purchase with the vendor's server API.
type NormalizedPurchase struct {
	Store                 string
	SKU                   string
	BasePlanID            string // Android only; Play exposes plans below the product level
	TransactionID         string
	OriginalTransactionID string
	PurchaseDate          time.Time
	ExpiresDate           time.Time
	AutoRenew             bool
	AppAccountToken       string
	Environment           string
	Raw                   string // vendor response, kept for the audit row
}

// ReceiptValidator confirms a raw purchase against the vendor server and
// normalizes the result. Implementations are selected per platform at
// startup; no runtime SDK probing.
type ReceiptValidator interface {
	Validate(ctx context.Context, userID string, purchase RawPurchase, isConsumable bool) (*NormalizedPurchase, error)
}

// ValidatorRegistry holds the per-platform validators.
type ValidatorRegistry struct {
	apple  ReceiptValidator
	google ReceiptValidator
}

// NewValidatorRegistry wires the platform validators from configuration.
func NewValidatorRegistry() (*ValidatorRegistry, error) {
	apple, err := NewAppleValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Apple validator: %w", err)
	}
	google, err := NewGoogleValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Google validator: %w", err)
	}
	return &ValidatorRegistry{apple: apple, google: google}, nil
}

// NewValidatorRegistryWith builds a registry from explicit validators.
func NewValidatorRegistryWith(apple, google ReceiptValidator) *ValidatorRegistry {
	return &ValidatorRegistry{apple: apple, google: google}
}

// ForPlatform returns the validator for the client platform and the store
// name it writes under.
func (r *ValidatorRegistry) ForPlatform(platform string) (ReceiptValidator, string, error) {
	switch platform {
	case "ios":
		return r.apple, models.StoreApple, nil
	case "android":
		return r.google, models.StoreGoogle, nil
	default:
		return nil, "", fmt.Errorf("unsupported platform: %s", platform)
	}
}
