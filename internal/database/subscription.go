package database

import (
	"errors"

	"bumpti-iap/internal/models"
	"bumpti-iap/pkg/logging"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// forUpdate adds a row-level lock to the query. Postgres emits FOR UPDATE;
// the sqlite driver drops the clause, so the dev/test path runs the same code
// without it.
func forUpdate(tx *gorm.DB) *gorm.DB {
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

// GetSubscriptionByUserID returns the user's subscription row.
func GetSubscriptionByUserID(userID string) (*models.SubscriptionState, error) {
	var state models.SubscriptionState
	err := DB.Where("user_id = ?", userID).First(&state).Error
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// GetSubscriptionByOriginalTransactionID resolves the subscription row a
// webhook notification belongs to.
func GetSubscriptionByOriginalTransactionID(originalTransactionID string) (*models.SubscriptionState, error) {
	var state models.SubscriptionState
	err := DB.Where("original_transaction_id = ?", originalTransactionID).First(&state).Error
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// UpsertSubscriptionState writes the subscription row for state.UserID inside
// a row-locking transaction. The direct validation flow and the webhook flow
// both funnel through here, so ordering between the two is enforced by the
// expiry guard: a write carrying an older expires_at than the stored row is
// skipped unless force is set (revocations and refunds always win).
//
// Returns the persisted row, whether this call created the user's first
// subscription row (the welcome-bonus gate), and whether the write was
// applied at all.
func UpsertSubscriptionState(state *models.SubscriptionState, force bool) (result *models.SubscriptionState, created bool, applied bool, err error) {
	err = DB.Transaction(func(tx *gorm.DB) error {
		var existing models.SubscriptionState
		lookupErr := forUpdate(tx).
			Where("user_id = ?", state.UserID).
			First(&existing).Error

		if lookupErr != nil {
			if errors.Is(lookupErr, gorm.ErrRecordNotFound) {
				if createErr := tx.Create(state).Error; createErr != nil {
					return createErr
				}
				result, created, applied = state, true, true
				return nil
			}
			return lookupErr
		}

		// Stale write: the stored row already knows a later expiry. Keep it.
		if !force && existing.ExpiresAt.After(state.ExpiresAt) {
			logging.Infof("Skipping stale subscription write - user: %s, stored expiry: %v, incoming expiry: %v",
				state.UserID, existing.ExpiresAt, state.ExpiresAt)
			result, created, applied = &existing, false, false
			return nil
		}

		existing.Status = state.Status
		existing.Plan = state.Plan
		existing.StartedAt = state.StartedAt
		existing.ExpiresAt = state.ExpiresAt
		existing.AutoRenew = state.AutoRenew
		existing.Store = state.Store
		existing.OriginalTransactionID = state.OriginalTransactionID

		if saveErr := tx.Save(&existing).Error; saveErr != nil {
			return saveErr
		}
		result, created, applied = &existing, false, true
		return nil
	})
	if err != nil {
		return nil, false, false, err
	}
	return result, created, applied, nil
}
