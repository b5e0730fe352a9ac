package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tallyhq/tally/internal/auth"
	"github.com/tallyhq/tally/internal/billing"
	"github.com/tallyhq/tally/internal/config"
	"github.com/tallyhq/tally/internal/ledger"
	"github.com/tallyhq/tally/internal/store"
)

const testWebhookSecret = "whsec_test"

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Addr:           ":0",
			AllowedOrigins: []string{"*"},
			MaxBodyBytes:   1024 * 1024,
			AppURL:         "http://localhost:3000",
		},
		Auth: config.AuthConfig{
			JWTSecret: "test-secret-at-least-32-chars-long",
			JWTExpiry: config.Duration{Duration: 1 * time.Hour},
		},
		Billing: config.BillingConfig{
			Enabled:       true,
			SecretKey:     "sk_test_123",
			WebhookSecret: testWebhookSecret,
			ProPriceID:    "price_pro_monthly",
		},
		RateLimit: config.RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
		},
	}
}

func setupTestServer(t *testing.T) (*Server, *auth.Service, store.Store) {
	t.Helper()
	return setupTestServerWithConfig(t, testConfig())
}

func setupTestServerWithConfig(t *testing.T, cfg *config.Config) (*Server, *auth.Service, store.Store) {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	authSvc := auth.NewService(s, cfg.Auth)
	l := ledger.New(s, slog.Default())
	rec := billing.NewReconciler(s, l, cfg.Billing, slog.Default())
	co := billing.NewCheckoutClient(cfg.Billing, cfg.Server.AppURL)
	srv := NewServer(s, authSvc, authSvc, l, rec, co, cfg, slog.Default())
	return srv, authSvc, s
}

// signupAndGetToken creates an account through the HTTP surface so the
// initial free grant happens exactly as it would for a real client.
func signupAndGetToken(t *testing.T, srv *Server, email string) (userID, token string) {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"email": email, "password": "testpassword123"})
	req := httptest.NewRequest(http.MethodPost, "/api/auth/signup", bytes.NewReader(body))
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("signup: expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Token string `json:"token"`
		User  struct {
			ID string `json:"id"`
		} `json:"user"`
	}
	parseJSONResponse(t, w, &resp)
	return resp.User.ID, resp.Token
}

func authedRequest(method, path, token string, body []byte) *http.Request {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

// parseJSONResponse decodes the JSON body of the response into the given target.
func parseJSONResponse(t *testing.T, w *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(target); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
}

// --- Tests ---

func TestHealthz(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
}

func TestReadyz(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
}

func TestAuthConfig(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/auth/config", nil)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	var resp map[string]string
	parseJSONResponse(t, w, &resp)
	if resp["provider"] != "builtin" {
		t.Errorf("provider = %q, want builtin", resp["provider"])
	}
}

func TestSignupGrantsFreeCredits(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	_, token := signupAndGetToken(t, srv, "new@example.com")

	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, authedRequest(http.MethodGet, "/api/credits", token, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Balance int64 `json:"balance"`
	}
	parseJSONResponse(t, w, &resp)
	if resp.Balance != billing.Plans[billing.PlanFree].Credits {
		t.Errorf("balance = %d, want free grant %d", resp.Balance, billing.Plans[billing.PlanFree].Credits)
	}
}

func TestSignupDuplicateEmail(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	signupAndGetToken(t, srv, "dup@example.com")

	body, _ := json.Marshal(map[string]string{"email": "dup@example.com", "password": "testpassword123"})
	req := httptest.NewRequest(http.MethodPost, "/api/auth/signup", bytes.NewReader(body))
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
}

func TestLogin(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	signupAndGetToken(t, srv, "login@example.com")

	body, _ := json.Marshal(map[string]string{"email": "login@example.com", "password": "testpassword123"})
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(body))
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]string
	parseJSONResponse(t, w, &resp)
	if resp["token"] == "" {
		t.Error("login response missing token")
	}
}

func TestLoginWrongPassword(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	signupAndGetToken(t, srv, "wrongpw@example.com")

	body, _ := json.Marshal(map[string]string{"email": "wrongpw@example.com", "password": "not-the-password"})
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(body))
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestAuthStatus(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	_, token := signupAndGetToken(t, srv, "status@example.com")

	// Anonymous.
	req := httptest.NewRequest(http.MethodGet, "/api/auth/status", nil)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)
	var anon struct {
		Authenticated bool `json:"authenticated"`
	}
	parseJSONResponse(t, w, &anon)
	if anon.Authenticated {
		t.Error("anonymous request reported as authenticated")
	}

	// With token.
	w = httptest.NewRecorder()
	srv.mux.ServeHTTP(w, authedRequest(http.MethodGet, "/api/auth/status", token, nil))
	var authed struct {
		Authenticated bool `json:"authenticated"`
		User          struct {
			Email string `json:"email"`
		} `json:"user"`
	}
	parseJSONResponse(t, w, &authed)
	if !authed.Authenticated || authed.User.Email != "status@example.com" {
		t.Errorf("unexpected status response: %+v", authed)
	}
}

func TestCreditsRequiresAuth(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/credits", nil)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestDemoReportConsumesCredits(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	_, token := signupAndGetToken(t, srv, "report@example.com")

	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, authedRequest(http.MethodPost, "/api/demo/report", token, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Message     string `json:"message"`
		CreditsUsed int64  `json:"creditsUsed"`
		Remaining   int64  `json:"remainingBalance"`
	}
	parseJSONResponse(t, w, &resp)
	if resp.CreditsUsed != reportCost || resp.Remaining != 90 {
		t.Errorf("got used=%d remaining=%d, want used=%d remaining=90", resp.CreditsUsed, resp.Remaining, reportCost)
	}
	if resp.Message == "" {
		t.Error("expected a message in the response")
	}
}

func TestDemoReportInsufficientCredits(t *testing.T) {
	srv, _, s := setupTestServer(t)
	userID, token := signupAndGetToken(t, srv, "broke@example.com")

	if err := s.SetBalance(context.Background(), userID, 3, time.Now()); err != nil {
		t.Fatal(err)
	}

	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, authedRequest(http.MethodPost, "/api/demo/report", token, nil))
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Balance  int64 `json:"balance"`
		Required int64 `json:"required"`
	}
	parseJSONResponse(t, w, &resp)
	if resp.Balance != 3 || resp.Required != reportCost {
		t.Errorf("got balance=%d required=%d", resp.Balance, resp.Required)
	}

	// A failed consume leaves the balance untouched.
	cb, err := s.GetCreditBalance(context.Background(), userID)
	if err != nil {
		t.Fatal(err)
	}
	if cb.Balance != 3 {
		t.Errorf("balance = %d after rejected consume, want 3", cb.Balance)
	}
}

func TestDemoNotify(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	_, token := signupAndGetToken(t, srv, "notify@example.com")
	srv.notifyFailRate = 0

	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, authedRequest(http.MethodPost, "/api/demo/notify", token, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Message   string `json:"message"`
		Sent      bool   `json:"sent"`
		Remaining int64  `json:"remainingBalance"`
	}
	parseJSONResponse(t, w, &resp)
	if !resp.Sent || resp.Remaining != 95 {
		t.Errorf("got sent=%v remaining=%d, want sent=true remaining=95", resp.Sent, resp.Remaining)
	}
	if resp.Message == "" {
		t.Error("expected a message in the response")
	}
}

func TestDemoNotifyDeliveryFailureStillCharges(t *testing.T) {
	srv, _, s := setupTestServer(t)
	userID, token := signupAndGetToken(t, srv, "flaky@example.com")
	srv.notifyFailRate = 1

	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, authedRequest(http.MethodPost, "/api/demo/notify", token, nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		CreditsUsed int64 `json:"creditsUsed"`
		Remaining   int64 `json:"remainingBalance"`
	}
	parseJSONResponse(t, w, &resp)
	if resp.CreditsUsed != notifyCost || resp.Remaining != 95 {
		t.Errorf("got used=%d remaining=%d, want used=%d remaining=95", resp.CreditsUsed, resp.Remaining, notifyCost)
	}

	cb, err := s.GetCreditBalance(context.Background(), userID)
	if err != nil {
		t.Fatal(err)
	}
	if cb.Balance != 95 {
		t.Errorf("balance = %d, delivery failure must still charge %d credits", cb.Balance, notifyCost)
	}
}

func TestListTransactions(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	_, token := signupAndGetToken(t, srv, "txs@example.com")

	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, authedRequest(http.MethodPost, "/api/demo/report", token, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("report: expected 200, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	srv.mux.ServeHTTP(w, authedRequest(http.MethodGet, "/api/credits/transactions", token, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var txs []store.CreditTransaction
	parseJSONResponse(t, w, &txs)
	// Initial grant plus the report usage, newest first.
	if len(txs) != 2 {
		t.Fatalf("got %d transactions, want 2", len(txs))
	}
	if txs[0].Amount != -reportCost || txs[0].TransactionType != store.TxUsage {
		t.Errorf("newest transaction = %+v, want usage of -%d", txs[0], reportCost)
	}
}

func TestSubscriptionEmpty(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	_, token := signupAndGetToken(t, srv, "nosub@example.com")

	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, authedRequest(http.MethodGet, "/api/subscription", token, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp struct {
		Subscription *store.Subscription `json:"subscription"`
		Plan         string              `json:"plan"`
	}
	parseJSONResponse(t, w, &resp)
	if resp.Subscription != nil || resp.Plan != billing.PlanFree {
		t.Errorf("got %+v, want nil subscription on free plan", resp)
	}
}

func TestWebhookUpgradesPlan(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	userID, token := signupAndGetToken(t, srv, "upgrade@example.com")

	payload := []byte(fmt.Sprintf(`{
		"id": "evt_1",
		"type": "customer.subscription.created",
		"data": {"object": {
			"id": "sub_1",
			"customer": "cus_1",
			"status": "active",
			"metadata": {"userId": %q},
			"items": {"data": [{"price": {"id": "price_pro_monthly"}}]}
		}}
	}`, userID))

	req := httptest.NewRequest(http.MethodPost, "/api/billing/webhook", bytes.NewReader(payload))
	req.Header.Set("Tally-Signature", billing.SignPayload(payload, testWebhookSecret, time.Now()))
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var ack map[string]bool
	parseJSONResponse(t, w, &ack)
	if !ack["received"] {
		t.Error("webhook ack missing received:true")
	}

	w = httptest.NewRecorder()
	srv.mux.ServeHTTP(w, authedRequest(http.MethodGet, "/api/credits", token, nil))
	var credits struct {
		Balance int64 `json:"balance"`
	}
	parseJSONResponse(t, w, &credits)
	if credits.Balance != billing.Plans[billing.PlanPro].Credits {
		t.Errorf("balance = %d, want pro grant %d", credits.Balance, billing.Plans[billing.PlanPro].Credits)
	}

	w = httptest.NewRecorder()
	srv.mux.ServeHTTP(w, authedRequest(http.MethodGet, "/api/subscription", token, nil))
	var sub struct {
		Plan string `json:"plan"`
	}
	parseJSONResponse(t, w, &sub)
	if sub.Plan != billing.PlanPro {
		t.Errorf("plan = %q, want PRO", sub.Plan)
	}
}

func TestWebhookBadSignature(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	payload := []byte(`{"id":"evt_1","type":"customer.subscription.created","data":{"object":{}}}`)
	req := httptest.NewRequest(http.MethodPost, "/api/billing/webhook", bytes.NewReader(payload))
	req.Header.Set("Tally-Signature", billing.SignPayload(payload, "whsec_wrong", time.Now()))
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestWebhookMissingUserID(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	payload := []byte(`{
		"id": "evt_1",
		"type": "customer.subscription.created",
		"data": {"object": {"id": "sub_1", "customer": "cus_1", "status": "active"}}
	}`)
	req := httptest.NewRequest(http.MethodPost, "/api/billing/webhook", bytes.NewReader(payload))
	req.Header.Set("Tally-Signature", billing.SignPayload(payload, testWebhookSecret, time.Now()))
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestCheckout(t *testing.T) {
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"cs_test_xyz"}`))
	}))
	defer provider.Close()

	cfg := testConfig()
	cfg.Billing.ProviderURL = provider.URL
	srv, _, _ := setupTestServerWithConfig(t, cfg)
	userID, token := signupAndGetToken(t, srv, "buyer@example.com")

	body, _ := json.Marshal(map[string]string{
		"priceId": "price_pro_monthly",
		"userId":  userID,
		"email":   "buyer@example.com",
	})
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, authedRequest(http.MethodPost, "/api/checkout", token, body))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]string
	parseJSONResponse(t, w, &resp)
	if resp["sessionId"] != "cs_test_xyz" {
		t.Errorf("sessionId = %q", resp["sessionId"])
	}
}

func TestCheckoutMissingPrice(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	_, token := signupAndGetToken(t, srv, "noprice@example.com")

	body, _ := json.Marshal(map[string]string{"email": "noprice@example.com"})
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, authedRequest(http.MethodPost, "/api/checkout", token, body))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestCheckoutForAnotherUserForbidden(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	_, token := signupAndGetToken(t, srv, "attacker@example.com")

	body, _ := json.Marshal(map[string]string{
		"priceId": "price_pro_monthly",
		"userId":  "someone-else",
		"email":   "victim@example.com",
	})
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, authedRequest(http.MethodPost, "/api/checkout", token, body))
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
}

func TestLoginRateLimit(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	body, _ := json.Marshal(map[string]string{"email": "rl@example.com", "password": "wrong"})
	limited := false
	for i := 0; i < 30; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(body))
		req.RemoteAddr = "10.0.0.9:1234"
		w := httptest.NewRecorder()
		srv.mux.ServeHTTP(w, req)
		if w.Code == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	if !limited {
		t.Error("login was never rate limited")
	}
}
