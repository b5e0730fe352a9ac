package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tallyhq/tally/internal/config"
)

// CheckoutClient creates hosted checkout sessions against the payment
// provider's HTTP API.
type CheckoutClient struct {
	baseURL   string
	secretKey string
	appURL    string
	client    *http.Client
}

// NewCheckoutClient creates a CheckoutClient from billing config. appURL is
// the dashboard base URL used for success/cancel redirects.
func NewCheckoutClient(cfg config.BillingConfig, appURL string) *CheckoutClient {
	return &CheckoutClient{
		baseURL:   strings.TrimRight(cfg.ProviderURL, "/"),
		secretKey: cfg.SecretKey,
		appURL:    strings.TrimRight(appURL, "/"),
		client:    &http.Client{Timeout: 15 * time.Second},
	}
}

// CreateSession starts a subscription checkout for the given price and
// returns the provider's session ID. The userId travels in the session and
// subscription metadata so later webhook events can be correlated back to
// the account.
func (c *CheckoutClient) CreateSession(ctx context.Context, priceID, userID, email string) (string, error) {
	form := url.Values{}
	form.Set("mode", "subscription")
	form.Set("payment_method_types[0]", "card")
	form.Set("line_items[0][price]", priceID)
	form.Set("line_items[0][quantity]", "1")
	form.Set("success_url", c.appURL+"/dashboard?success=true")
	form.Set("cancel_url", c.appURL+"/pricing?canceled=true")
	form.Set("customer_email", email)
	form.Set("metadata[userId]", userID)
	form.Set("subscription_data[metadata][userId]", userID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/checkout/sessions", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build checkout request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("create checkout session: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read checkout response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("checkout session failed: provider returned %d", resp.StatusCode)
	}

	var session struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &session); err != nil {
		return "", fmt.Errorf("decode checkout response: %w", err)
	}
	if session.ID == "" {
		return "", fmt.Errorf("checkout response missing session id")
	}
	return session.ID, nil
}
