package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bumpti-iap/internal/config"
	"bumpti-iap/internal/database"
	"bumpti-iap/internal/models"
	"bumpti-iap/pkg/logging"

	"gorm.io/gorm"
)

// PlanInfo describes one subscription tier of the catalog.
type PlanInfo struct {
	Name           string
	WelcomeCredits int
}

// Plan lookup is keyed differently per platform: the App Store exposes one
// SKU per plan, while Play exposes one subscription product with base plans
// underneath it.
var applePlans = map[string]PlanInfo{
	"bumpti_plus_monthly": {Name: "plus_monthly", WelcomeCredits: 10},
	"bumpti_plus_yearly":  {Name: "plus_yearly", WelcomeCredits: 30},
}

var googleBasePlans = map[string]PlanInfo{
	"plus-monthly": {Name: "plus_monthly", WelcomeCredits: 10},
	"plus-yearly":  {Name: "plus_yearly", WelcomeCredits: 30},
}

// Consumable check-in credit packs by SKU.
var consumableCredits = map[string]int{
	"bumpti_checkin_5":  5,
	"bumpti_checkin_15": 15,
	"bumpti_checkin_40": 40,
}

// ResolvePlan maps a normalized purchase to a subscription plan, if any.
func ResolvePlan(store, sku, basePlanID string) (PlanInfo, bool) {
	if store == models.StoreGoogle {
		plan, ok := googleBasePlans[basePlanID]
		return plan, ok
	}
	plan, ok := applePlans[sku]
	return plan, ok
}

// ResolveConsumable maps a SKU to a credit amount, if it is a credit pack.
func ResolveConsumable(sku string) (int, bool) {
	amount, ok := consumableCredits[sku]
	return amount, ok
}

// Entitlements is the client-facing view of what a user currently owns.
type Entitlements struct {
	Subscription SubscriptionEntitlement `json:"subscription"`
	Credits      int                     `json:"credits"`
}

// SubscriptionEntitlement summarizes the subscription row.
type SubscriptionEntitlement struct {
	Active    bool   `json:"active"`
	Status    string `json:"status,omitempty"`
	Plan      string `json:"plan,omitempty"`
	ExpiresAt string `json:"expires_at,omitempty"`
	AutoRenew bool   `json:"auto_renew"`
}

// EntitlementService applies purchase effects and reads entitlement state.
type EntitlementService struct {
	notifier *WebhookNotifier
}

// NewEntitlementService creates a new entitlement service
func NewEntitlementService() *EntitlementService {
	return &EntitlementService{
		notifier: NewWebhookNotifier(),
	}
}

// Apply decides and applies the effect of a freshly validated purchase:
// subscription activation, consumable credit grant, or no-op for unknown
// SKUs. Callers must have passed the purchase ledger first - Apply itself is
// not idempotent.
func (s *EntitlementService) Apply(userID string, purchase *NormalizedPurchase) (*Entitlements, error) {
	if plan, ok := ResolvePlan(purchase.Store, purchase.SKU, purchase.BasePlanID); ok {
		if err := s.applySubscription(userID, purchase, plan); err != nil {
			return nil, err
		}
		return s.CurrentEntitlements(userID)
	}

	if amount, ok := ResolveConsumable(purchase.SKU); ok {
		if _, err := database.GrantCredits(userID, amount, "consumable:"+purchase.SKU); err != nil {
			return nil, fmt.Errorf("failed to grant credits: %w", err)
		}
		InvalidateEntitlementCache(userID)
		return s.CurrentEntitlements(userID)
	}

	// Unknown SKU: recorded for audit by the caller, no entitlement effect.
	logging.Warnf("Purchase with unknown SKU - user: %s, store: %s, sku: %s", userID, purchase.Store, purchase.SKU)
	return s.CurrentEntitlements(userID)
}

func (s *EntitlementService) applySubscription(userID string, purchase *NormalizedPurchase, plan PlanInfo) error {
	state := &models.SubscriptionState{
		UserID:                userID,
		Plan:                  plan.Name,
		StartedAt:             purchase.PurchaseDate,
		ExpiresAt:             purchase.ExpiresDate,
		AutoRenew:             purchase.AutoRenew,
		Store:                 purchase.Store,
		OriginalTransactionID: purchase.OriginalTransactionID,
	}
	state.DeriveStatus(time.Now())

	persisted, created, applied, err := database.UpsertSubscriptionState(state, false)
	if err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}

	// Welcome bonus only when this purchase created the user's first
	// subscription row. Resubscriptions and renewals never regrant it.
	if created && plan.WelcomeCredits > 0 {
		if _, err := database.GrantCredits(userID, plan.WelcomeCredits, "welcome_bonus:"+plan.Name); err != nil {
			return fmt.Errorf("failed to grant welcome bonus: %w", err)
		}
	}

	InvalidateEntitlementCache(userID)
	if applied {
		s.notifier.NotifySubscriptionChanged(persisted)
	}
	return nil
}

// CurrentEntitlements returns the user's subscription summary and credit
// balance, served from the Redis cache when fresh.
func (s *EntitlementService) CurrentEntitlements(userID string) (*Entitlements, error) {
	ctx := context.Background()
	cacheKey := entitlementCacheKey(userID)

	if cached, err := database.GetCache(ctx, cacheKey); err == nil && cached != "" {
		var entitlements Entitlements
		if err := json.Unmarshal([]byte(cached), &entitlements); err == nil {
			return &entitlements, nil
		}
	}

	entitlements := &Entitlements{}

	state, err := database.GetSubscriptionByUserID(userID)
	if err != nil {
		// Only a missing row means "no subscription". A storage failure must
		// not be reported (or cached) as an unsubscribed user.
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("failed to read subscription state: %w", err)
		}
	} else {
		entitlements.Subscription = SubscriptionEntitlement{
			Active:    state.IsActive(),
			Status:    state.Status,
			Plan:      state.Plan,
			ExpiresAt: state.ExpiresAt.Format(time.RFC3339),
			AutoRenew: state.AutoRenew,
		}
	}

	credits, err := database.GetCreditBalance(userID)
	if err != nil {
		return nil, fmt.Errorf("failed to read credit balance: %w", err)
	}
	entitlements.Credits = credits

	if payload, err := json.Marshal(entitlements); err == nil {
		ttl := time.Duration(config.AppConfig.EntitlementCacheSeconds) * time.Second
		_ = database.SetCache(ctx, cacheKey, string(payload), ttl)
	}

	return entitlements, nil
}

// InvalidateEntitlementCache drops the cached entitlement view after any
// state write from either the validation or the webhook path.
func InvalidateEntitlementCache(userID string) {
	if userID == "" {
		return
	}
	_ = database.DeleteCache(context.Background(), entitlementCacheKey(userID))
}

func entitlementCacheKey(userID string) string {
	return "entitlements:" + userID
}
