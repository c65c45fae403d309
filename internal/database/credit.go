package database

import (
	"errors"

	"bumpti-iap/internal/models"
	"bumpti-iap/pkg/logging"

	"gorm.io/gorm"
)

// GetCreditBalance returns the user's current check-in credit count.
// A missing row reads as zero.
func GetCreditBalance(userID string) (int, error) {
	var balance models.CreditBalance
	err := DB.Where("user_id = ?", userID).First(&balance).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return balance.Credits, nil
}

// GrantCredits adds amount credits to the user's balance, creating the row
// lazily on first grant. The grant itself is not idempotent - callers must
// reach it only through a ledger-guarded path (purchase or event insert).
func GrantCredits(userID string, amount int, source string) (int, error) {
	if amount <= 0 {
		return 0, errors.New("credit grant amount must be positive")
	}

	var credits int
	err := DB.Transaction(func(tx *gorm.DB) error {
		var balance models.CreditBalance
		lookupErr := forUpdate(tx).
			Where("user_id = ?", userID).
			First(&balance).Error

		if lookupErr != nil {
			if errors.Is(lookupErr, gorm.ErrRecordNotFound) {
				balance = models.CreditBalance{UserID: userID, Credits: amount}
				if createErr := tx.Create(&balance).Error; createErr != nil {
					return createErr
				}
				credits = balance.Credits
				return nil
			}
			return lookupErr
		}

		balance.Credits += amount
		if saveErr := tx.Save(&balance).Error; saveErr != nil {
			return saveErr
		}
		credits = balance.Credits
		return nil
	})
	if err != nil {
		return 0, err
	}

	logging.Infof("Granted %d credits - user: %s, source: %s, balance: %d", amount, userID, source, credits)
	return credits, nil
}
