package services

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"bumpti-iap/internal/config"
	"bumpti-iap/internal/models"
	"bumpti-iap/pkg/logging"

	"github.com/golang-jwt/jwt/v5"
)

const (
	appStoreProductionURL = "https://api.storekit.itunes.apple.com"
	appStoreSandboxURL    = "https://api.storekit-sandbox.itunes.apple.com"
)

// AppleValidator verifies purchases with the App Store Server API.
type AppleValidator struct {
	httpClient *http.Client
	keyID      string
	issuerID   string
	bundleID   string
	privateKey *ecdsa.PrivateKey
}

// NewAppleValidator creates the validator from configured App Store Connect
// credentials.
func NewAppleValidator() (*AppleValidator, error) {
	cfg := config.AppConfig
	if cfg.ApplePrivateKey == "" || cfg.AppleKeyID == "" || cfg.AppleIssuerID == "" {
		return nil, fmt.Errorf("Apple App Store credentials are not configured")
	}

	privateKey, err := jwt.ParseECPrivateKeyFromPEM([]byte(cfg.ApplePrivateKey))
	if err != nil {
		return nil, fmt.Errorf("failed to parse Apple private key: %w", err)
	}

	return &AppleValidator{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		keyID:      cfg.AppleKeyID,
		issuerID:   cfg.AppleIssuerID,
		bundleID:   cfg.AppleBundleID,
		privateKey: privateKey,
	}, nil
}

// AppleAPIError is a non-2xx response from the App Store Server API.
type AppleAPIError struct {
	StatusCode int
	Body       string
}

func (e *AppleAPIError) Error() string {
	return fmt.Sprintf("App Store Server API returned status %d: %s", e.StatusCode, e.Body)
}

// clientToken builds the short-lived ES256 JWT the App Store Server API
// requires for authentication.
func (v *AppleValidator) clientToken() (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"iss": v.issuerID,
		"iat": now.Unix(),
		"exp": now.Add(5 * time.Minute).Unix(),
		"aud": "appstoreconnect-v1",
		"bid": v.bundleID,
	})
	token.Header["kid"] = v.keyID

	signed, err := token.SignedString(v.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign App Store API token: %w", err)
	}
	return signed, nil
}

type transactionInfoResponse struct {
	SignedTransactionInfo string `json:"signedTransactionInfo"`
}

// Validate fetches the transaction from the App Store Server API, trying
// production first and falling back to the sandbox host when the transaction
// is unknown there. The returned signedTransactionInfo is decoded without
// re-verification: it was fetched from Apple directly over TLS.
func (v *AppleValidator) Validate(ctx context.Context, userID string, purchase RawPurchase, isConsumable bool) (*NormalizedPurchase, error) {
	if purchase.TransactionID == "" {
		return nil, fmt.Errorf("transactionId is required for iOS purchases")
	}

	body, err := v.fetchTransaction(ctx, appStoreProductionURL, purchase.TransactionID)
	if err != nil {
		apiErr, ok := err.(*AppleAPIError)
		if !ok || (apiErr.StatusCode != http.StatusNotFound && apiErr.StatusCode != http.StatusUnauthorized) {
			return nil, err
		}
		logging.Infof("Transaction %s not found in production, retrying sandbox", purchase.TransactionID)
		body, err = v.fetchTransaction(ctx, appStoreSandboxURL, purchase.TransactionID)
		if err != nil {
			return nil, err
		}
	}

	var resp transactionInfoResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse App Store response: %w", err)
	}
	if resp.SignedTransactionInfo == "" {
		return nil, fmt.Errorf("App Store response is missing signedTransactionInfo")
	}

	var txn models.AppleTransactionInfo
	if err := DecodeJWSPayload(resp.SignedTransactionInfo, &txn); err != nil {
		return nil, fmt.Errorf("failed to decode transaction info: %w", err)
	}

	if txn.RevocationDateMS > 0 {
		return nil, fmt.Errorf("transaction %s has been revoked", txn.TransactionID)
	}
	if txn.TransactionID == "" {
		return nil, fmt.Errorf("transaction info is missing transactionId")
	}

	return &NormalizedPurchase{
		Store:                 models.StoreApple,
		SKU:                   txn.ProductID,
		TransactionID:         txn.TransactionID,
		OriginalTransactionID: txn.OriginalTransactionID,
		PurchaseDate:          time.UnixMilli(txn.PurchaseDateMS),
		ExpiresDate:           expiresFromMillis(txn.ExpiresDateMS),
		AutoRenew:             txn.ExpiresDateMS > 0, // refined later by renewal notifications
		AppAccountToken:       txn.AppAccountToken,
		Environment:           txn.Environment,
		Raw:                   string(body),
	}, nil
}

func (v *AppleValidator) fetchTransaction(ctx context.Context, baseURL, transactionID string) ([]byte, error) {
	token, err := v.clientToken()
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/inApps/v1/transactions/%s", baseURL, transactionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to contact App Store Server API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read App Store response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &AppleAPIError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

func expiresFromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
