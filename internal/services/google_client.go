package services

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"bumpti-iap/internal/config"
	"bumpti-iap/internal/models"
	"bumpti-iap/pkg/logging"

	"github.com/golang-jwt/jwt/v5"
)

const androidPublisherURL = "https://androidpublisher.googleapis.com/androidpublisher/v3"

// GoogleValidator verifies purchases with the Google Play Developer API
// using a service account.
type GoogleValidator struct {
	httpClient  *http.Client
	packageName string
	clientEmail string
	tokenURI    string
	privateKey  *rsa.PrivateKey

	mutex       sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

type serviceAccountKey struct {
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
	TokenURI    string `json:"token_uri"`
}

// NewGoogleValidator creates the validator from the configured service
// account JSON.
func NewGoogleValidator() (*GoogleValidator, error) {
	cfg := config.AppConfig
	if cfg.GoogleServiceAccountJSON == "" {
		return nil, fmt.Errorf("Google service account is not configured")
	}

	var key serviceAccountKey
	if err := json.Unmarshal([]byte(cfg.GoogleServiceAccountJSON), &key); err != nil {
		return nil, fmt.Errorf("failed to parse service account JSON: %w", err)
	}
	if key.ClientEmail == "" || key.PrivateKey == "" {
		return nil, fmt.Errorf("service account JSON is missing client_email or private_key")
	}
	if key.TokenURI == "" {
		key.TokenURI = "https://oauth2.googleapis.com/token"
	}

	privateKey, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(key.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("failed to parse service account private key: %w", err)
	}

	return &GoogleValidator{
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		packageName: cfg.GooglePackageName,
		clientEmail: key.ClientEmail,
		tokenURI:    key.TokenURI,
		privateKey:  privateKey,
	}, nil
}

// getAccessToken mints (or reuses) a service-account OAuth token for the
// androidpublisher scope.
func (v *GoogleValidator) getAccessToken(ctx context.Context) (string, error) {
	v.mutex.Lock()
	defer v.mutex.Unlock()

	if v.accessToken != "" && time.Now().Before(v.tokenExpiry.Add(-time.Minute)) {
		return v.accessToken, nil
	}

	now := time.Now()
	assertion := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss":   v.clientEmail,
		"scope": "https://www.googleapis.com/auth/androidpublisher",
		"aud":   v.tokenURI,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	})
	signed, err := assertion.SignedString(v.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign service account assertion: %w", err)
	}

	form := url.Values{}
	form.Set("grant_type", "urn:ietf:params:oauth:grant-type:jwt-bearer")
	form.Set("assertion", signed)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.tokenURI, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to exchange service account assertion: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned status %d: %s", resp.StatusCode, string(body))
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return "", fmt.Errorf("failed to parse token response: %w", err)
	}

	v.accessToken = tokenResp.AccessToken
	v.tokenExpiry = now.Add(time.Duration(tokenResp.ExpiresIn) * time.Second)
	return v.accessToken, nil
}

type subscriptionPurchaseV2 struct {
	SubscriptionState string `json:"subscriptionState"`
	LatestOrderID     string `json:"latestOrderId"`
	StartTime         string `json:"startTime"`
	LineItems         []struct {
		ProductID       string `json:"productId"`
		ExpiryTime      string `json:"expiryTime"`
		AutoRenewingPlan *struct {
			AutoRenewEnabled bool `json:"autoRenewEnabled"`
		} `json:"autoRenewingPlan"`
		OfferDetails *struct {
			BasePlanID string `json:"basePlanId"`
			OfferID    string `json:"offerId"`
		} `json:"offerDetails"`
	} `json:"lineItems"`
	ExternalAccountIdentifiers *struct {
		ObfuscatedExternalAccountID string `json:"obfuscatedExternalAccountId"`
	} `json:"externalAccountIdentifiers"`
}

type productPurchase struct {
	PurchaseState               int    `json:"purchaseState"` // 0 purchased, 1 canceled, 2 pending
	OrderID                     string `json:"orderId"`
	PurchaseTimeMillis          string `json:"purchaseTimeMillis"`
	ObfuscatedExternalAccountID string `json:"obfuscatedExternalAccountId"`
}

// Validate confirms the purchase token with the Play Developer API.
// Subscriptions go through the subscriptionsv2 endpoint (which exposes the
// base plan id); consumables go through purchases.products.
func (v *GoogleValidator) Validate(ctx context.Context, userID string, purchase RawPurchase, isConsumable bool) (*NormalizedPurchase, error) {
	if purchase.PurchaseToken == "" {
		return nil, fmt.Errorf("purchaseToken is required for Android purchases")
	}

	if isConsumable {
		if purchase.ProductID == "" {
			return nil, fmt.Errorf("productId is required for Android consumable purchases")
		}
		return v.validateProduct(ctx, userID, purchase)
	}
	return v.validateSubscription(ctx, userID, purchase)
}

func (v *GoogleValidator) validateSubscription(ctx context.Context, userID string, purchase RawPurchase) (*NormalizedPurchase, error) {
	endpoint := fmt.Sprintf("%s/applications/%s/purchases/subscriptionsv2/tokens/%s",
		androidPublisherURL, v.packageName, purchase.PurchaseToken)

	body, err := v.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var sub subscriptionPurchaseV2
	if err := json.Unmarshal(body, &sub); err != nil {
		return nil, fmt.Errorf("failed to parse subscription response: %w", err)
	}
	if len(sub.LineItems) == 0 {
		return nil, fmt.Errorf("subscription has no line items")
	}

	if err := v.checkAccountID(userID, externalAccountID(&sub)); err != nil {
		return nil, err
	}

	item := sub.LineItems[0]
	expiry, err := time.Parse(time.RFC3339, item.ExpiryTime)
	if err != nil {
		return nil, fmt.Errorf("failed to parse expiry time: %w", err)
	}
	start := time.Now()
	if sub.StartTime != "" {
		if parsed, parseErr := time.Parse(time.RFC3339, sub.StartTime); parseErr == nil {
			start = parsed
		}
	}

	basePlanID := ""
	if item.OfferDetails != nil {
		basePlanID = item.OfferDetails.BasePlanID
	}
	autoRenew := false
	if item.AutoRenewingPlan != nil {
		autoRenew = item.AutoRenewingPlan.AutoRenewEnabled
	}

	return &NormalizedPurchase{
		Store:      models.StoreGoogle,
		SKU:        item.ProductID,
		BasePlanID: basePlanID,
		// Play order ids gain a renewal suffix (..0, ..1); the purchase token
		// is the stable identity across renewals.
		TransactionID:         sub.LatestOrderID,
		OriginalTransactionID: purchase.PurchaseToken,
		PurchaseDate:          start,
		ExpiresDate:           expiry,
		AutoRenew:             autoRenew,
		AppAccountToken:       externalAccountID(&sub),
		Environment:           "production",
		Raw:                   string(body),
	}, nil
}

func (v *GoogleValidator) validateProduct(ctx context.Context, userID string, purchase RawPurchase) (*NormalizedPurchase, error) {
	endpoint := fmt.Sprintf("%s/applications/%s/purchases/products/%s/tokens/%s",
		androidPublisherURL, v.packageName, purchase.ProductID, purchase.PurchaseToken)

	body, err := v.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var product productPurchase
	if err := json.Unmarshal(body, &product); err != nil {
		return nil, fmt.Errorf("failed to parse product response: %w", err)
	}
	if product.PurchaseState != 0 {
		return nil, fmt.Errorf("purchase is not in purchased state: %d", product.PurchaseState)
	}

	if err := v.checkAccountID(userID, product.ObfuscatedExternalAccountID); err != nil {
		return nil, err
	}

	purchaseTime := time.Now()
	if ms, parseErr := strconv.ParseInt(product.PurchaseTimeMillis, 10, 64); parseErr == nil {
		purchaseTime = time.UnixMilli(ms)
	}

	return &NormalizedPurchase{
		Store:                 models.StoreGoogle,
		SKU:                   purchase.ProductID,
		TransactionID:         product.OrderID,
		OriginalTransactionID: product.OrderID,
		PurchaseDate:          purchaseTime,
		AppAccountToken:       product.ObfuscatedExternalAccountID,
		Environment:           "production",
		Raw:                   string(body),
	}, nil
}

// checkAccountID cross-checks the obfuscated account id Play echoes back
// against the authenticated user. Absence of the id is tolerated (older
// clients did not set it).
func (v *GoogleValidator) checkAccountID(userID, obfuscatedID string) error {
	if userID == "" || obfuscatedID == "" {
		return nil
	}
	if obfuscatedID != userID {
		logging.Warnf("Obfuscated account id mismatch - expected: %s, got: %s", userID, obfuscatedID)
		return fmt.Errorf("purchase belongs to a different account")
	}
	return nil
}

func (v *GoogleValidator) get(ctx context.Context, endpoint string) ([]byte, error) {
	token, err := v.getAccessToken(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to contact Play Developer API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read Play response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("Play Developer API returned status %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

func externalAccountID(sub *subscriptionPurchaseV2) string {
	if sub.ExternalAccountIdentifiers == nil {
		return ""
	}
	return sub.ExternalAccountIdentifiers.ObfuscatedExternalAccountID
}
