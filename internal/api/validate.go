package api

import (
	"net/http"

	"bumpti-iap/internal/database"
	"bumpti-iap/internal/middleware"
	"bumpti-iap/internal/models"
	"bumpti-iap/internal/response"
	"bumpti-iap/internal/services"
	"bumpti-iap/pkg/logging"

	"github.com/gin-gonic/gin"
)

// ValidatePurchaseRequest is the client-submitted purchase.
type ValidatePurchaseRequest struct {
	Platform     string               `json:"platform" binding:"required,oneof=ios android"`
	Purchase     services.RawPurchase `json:"purchase" binding:"required"`
	IsConsumable bool                 `json:"isConsumable"`
}

// ValidatePurchaseResponse carries the user's entitlements after the
// purchase has been applied (or re-read, for retried submissions).
type ValidatePurchaseResponse struct {
	Success      bool                   `json:"success"`
	Entitlements *services.Entitlements `json:"entitlements"`
}

// ValidatePurchase confirms a raw purchase with the vendor, records it in
// the purchase ledger and applies its entitlement effect exactly once.
// POST /iap/validate
func ValidatePurchase(c *gin.Context) {
	userID := c.GetString(middleware.UserIDKey)
	if userID == "" {
		response.ErrorJSON(c, http.StatusUnauthorized, "Missing authenticated user")
		return
	}

	var req ValidatePurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorJSON(c, http.StatusBadRequest, "Invalid request format: "+err.Error())
		return
	}

	validator, store, err := validators.ForPlatform(req.Platform)
	if err != nil {
		response.ErrorJSON(c, http.StatusBadRequest, err.Error())
		return
	}

	purchase, err := validator.Validate(c.Request.Context(), userID, req.Purchase, req.IsConsumable)
	if err != nil {
		logging.Errorf("Purchase validation failed - user: %s, platform: %s, error: %v", userID, req.Platform, err)
		response.ErrorJSON(c, http.StatusBadRequest, "Purchase validation failed: "+err.Error())
		return
	}

	// Retried submission: the transaction was already accepted, so return
	// the current entitlements without reapplying any effect.
	processed, err := database.HasProcessedPurchase(store, purchase.TransactionID)
	if err != nil {
		response.ErrorJSON(c, http.StatusBadRequest, "Failed to check purchase ledger")
		return
	}
	if processed {
		logging.Infof("Duplicate purchase submission - user: %s, store: %s, transaction: %s", userID, store, purchase.TransactionID)
		respondWithEntitlements(c, userID)
		return
	}

	record := &models.PurchaseRecord{
		UserID:             userID,
		Store:              store,
		SKU:                purchase.SKU,
		StoreTransactionID: purchase.TransactionID,
		AppAccountToken:    purchase.AppAccountToken,
		RawPayload:         purchase.Raw,
	}
	created, err := database.RecordPurchase(record)
	if err != nil {
		response.ErrorJSON(c, http.StatusBadRequest, "Failed to record purchase")
		return
	}
	if !created {
		// Lost the insert race against a concurrent retry; the winner applied
		// the effects.
		respondWithEntitlements(c, userID)
		return
	}

	entitlements, err := entitlementService.Apply(userID, purchase)
	if err != nil {
		logging.Errorf("Failed to apply purchase - user: %s, transaction: %s, error: %v", userID, purchase.TransactionID, err)
		response.ErrorJSON(c, http.StatusBadRequest, "Failed to apply purchase: "+err.Error())
		return
	}

	logging.Infof("Purchase applied - user: %s, store: %s, sku: %s, transaction: %s",
		userID, store, purchase.SKU, purchase.TransactionID)

	c.JSON(http.StatusOK, ValidatePurchaseResponse{
		Success:      true,
		Entitlements: entitlements,
	})
}

// GetEntitlements returns the user's current subscription and credit state.
// GET /iap/entitlements
func GetEntitlements(c *gin.Context) {
	userID := c.GetString(middleware.UserIDKey)
	if userID == "" {
		response.ErrorJSON(c, http.StatusUnauthorized, "Missing authenticated user")
		return
	}
	respondWithEntitlements(c, userID)
}

func respondWithEntitlements(c *gin.Context, userID string) {
	entitlements, err := entitlementService.CurrentEntitlements(userID)
	if err != nil {
		response.ErrorJSON(c, http.StatusBadRequest, "Failed to load entitlements")
		return
	}
	c.JSON(http.StatusOK, ValidatePurchaseResponse{
		Success:      true,
		Entitlements: entitlements,
	})
}
