package services

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"bumpti-iap/internal/config"
	"bumpti-iap/internal/models"
	"bumpti-iap/pkg/logging"
)

// WebhookNotifier pushes subscription state changes to the app backend so it
// can refresh its own caches and push client updates.
type WebhookNotifier struct {
	httpClient *http.Client
}

// NewWebhookNotifier creates a new webhook notifier
func NewWebhookNotifier() *WebhookNotifier {
	return &WebhookNotifier{
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// SubscriptionChangedPayload is the body sent to the app backend.
type SubscriptionChangedPayload struct {
	Event     string `json:"event"`
	UserID    string `json:"user_id"`
	Status    string `json:"status"`
	Plan      string `json:"plan"`
	ExpiresAt string `json:"expires_at"`
	AutoRenew bool   `json:"auto_renew"`
	Store     string `json:"store"`
	Timestamp string `json:"timestamp"`
}

// NotifySubscriptionChanged sends the change asynchronously; delivery is
// best-effort and never blocks the request path.
func (wn *WebhookNotifier) NotifySubscriptionChanged(state *models.SubscriptionState) {
	callbackURL := config.AppConfig.BackendWebhookURL
	if callbackURL == "" || state == nil {
		return
	}

	payload := SubscriptionChangedPayload{
		Event:     "subscription.updated",
		UserID:    state.UserID,
		Status:    state.Status,
		Plan:      state.Plan,
		ExpiresAt: state.ExpiresAt.Format(time.RFC3339),
		AutoRenew: state.AutoRenew,
		Store:     state.Store,
		Timestamp: time.Now().Format(time.RFC3339),
	}

	go wn.sendWithRetry(callbackURL, config.AppConfig.BackendWebhookSecret, payload)
}

// sendWithRetry retries on a 1s, 5s, 30s schedule before giving up.
func (wn *WebhookNotifier) sendWithRetry(callbackURL, secret string, payload SubscriptionChangedPayload) {
	retryDelays := []time.Duration{1 * time.Second, 5 * time.Second, 30 * time.Second}

	for attempt := 0; attempt < len(retryDelays); attempt++ {
		err := wn.send(callbackURL, secret, payload)
		if err == nil {
			logging.Infof("Backend webhook delivered - user: %s, status: %s, attempt: %d",
				payload.UserID, payload.Status, attempt+1)
			return
		}

		logging.Errorf("Backend webhook failed - user: %s, attempt: %d, error: %v",
			payload.UserID, attempt+1, err)

		if attempt < len(retryDelays)-1 {
			time.Sleep(retryDelays[attempt])
		}
	}

	logging.Errorf("Backend webhook gave up after %d attempts - user: %s", len(retryDelays), payload.UserID)
}

func (wn *WebhookNotifier) send(callbackURL, secret string, payload SubscriptionChangedPayload) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, callbackURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "bumpti-iap/1.0")

	if secret != "" {
		req.Header.Set("X-Bumpti-Signature", signPayload(jsonData, secret))
	}

	resp, err := wn.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return nil
}

// signPayload generates the HMAC-SHA256 signature for a webhook body.
func signPayload(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
