package database

import (
	"errors"

	"bumpti-iap/internal/models"

	"gorm.io/gorm"
)

// GetPurchaseByTransactionID looks up a previously accepted purchase by its
// store transaction id. Returns gorm.ErrRecordNotFound when the purchase has
// not been processed yet.
func GetPurchaseByTransactionID(store, transactionID string) (*models.PurchaseRecord, error) {
	var purchase models.PurchaseRecord
	err := DB.Where("store = ? AND store_transaction_id = ?", store, transactionID).First(&purchase).Error
	if err != nil {
		return nil, err
	}
	return &purchase, nil
}

// HasProcessedPurchase reports whether a purchase with this transaction id
// was already accepted for this store.
func HasProcessedPurchase(store, transactionID string) (bool, error) {
	_, err := GetPurchaseByTransactionID(store, transactionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// RecordPurchase inserts the purchase audit row. A duplicate-key error on the
// (store, store_transaction_id) index means another request already processed
// this transaction; that is reported as created=false, not as an error.
func RecordPurchase(purchase *models.PurchaseRecord) (bool, error) {
	err := DB.Create(purchase).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
