package database

import (
	"errors"

	"bumpti-iap/internal/models"

	"gorm.io/gorm"
)

// InsertEvent appends a webhook notification to the audit log. The unique
// index on store_event_id is the only concurrency control for webhook
// delivery: when two deliveries of the same notification race, exactly one
// insert succeeds and the loser sees created=false and must not apply side
// effects. Insert-before-process ordering is therefore required by callers.
func InsertEvent(event *models.SubscriptionEvent) (bool, error) {
	err := DB.Create(event).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// BindEventUser backfills the user id on an event that was logged before the
// account could be resolved.
func BindEventUser(storeEventID, userID string) error {
	return DB.Model(&models.SubscriptionEvent{}).
		Where("store_event_id = ? AND user_id IS NULL", storeEventID).
		Update("user_id", userID).Error
}
