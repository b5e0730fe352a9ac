// Package api provides the HTTP API and middleware for tallyd.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/tallyhq/tally/internal/auth"
	"github.com/tallyhq/tally/internal/billing"
	"github.com/tallyhq/tally/internal/config"
	"github.com/tallyhq/tally/internal/ledger"
	"github.com/tallyhq/tally/internal/store"
)

// Demo endpoint credit costs.
const (
	reportCost = 10
	notifyCost = 5
)

// Server is the HTTP API server.
type Server struct {
	store          store.Store
	authProvider   auth.Provider
	signupProvider auth.SignupProvider
	ledger         *ledger.Ledger
	reconciler     *billing.Reconciler
	checkout       *billing.CheckoutClient
	logger         *slog.Logger
	mux            *chi.Mux
	startTime      time.Time
	maxBodyBytes   int64
	loginRL        *rateLimiter
	rl             *rateLimiter

	// Simulated delivery failure rate for the notify demo endpoint.
	// Tests override it to make the outcome deterministic.
	notifyFailRate float64
}

// NewServer creates a new API server. sp is nil when auth is external;
// rec and co are nil when billing is disabled.
func NewServer(s store.Store, ap auth.Provider, sp auth.SignupProvider, l *ledger.Ledger, rec *billing.Reconciler, co *billing.CheckoutClient, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		store:          s,
		authProvider:   ap,
		signupProvider: sp,
		ledger:         l,
		reconciler:     rec,
		checkout:       co,
		logger:         logger.With("component", "api"),
		startTime:      time.Now(),
		maxBodyBytes:   cfg.Server.MaxBodyBytes,
		notifyFailRate: 0.3,
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	// Auth config endpoint (unauthenticated)
	mux.Get("/api/auth/config", srv.handleAuthConfig)

	// Status works with or without a token.
	mux.Get("/api/auth/status", srv.handleAuthStatus)

	// Signup/login only registered when using builtin auth.
	if sp != nil {
		srv.loginRL = newRateLimiter(5, 10)
		mux.With(ipRateLimitMiddleware(srv.loginRL)).Post("/api/auth/signup", srv.handleSignup)
		mux.With(ipRateLimitMiddleware(srv.loginRL)).Post("/api/auth/login", srv.handleLogin)
	}

	// Webhook route authenticates by signature, not bearer token.
	if rec != nil {
		mux.Post("/api/billing/webhook", srv.handleWebhook)
	}

	// WebSocket balance stream (auth handled inside, via ?token=).
	mux.Get("/ws/credits", srv.handleCreditsWS)

	// Authenticated API routes
	srv.rl = newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)
		r.Use(rateLimitMiddleware(srv.rl))

		r.Get("/api/credits", srv.handleGetCredits)
		r.Get("/api/credits/transactions", srv.handleListTransactions)
		r.Get("/api/subscription", srv.handleGetSubscription)
		r.Post("/api/checkout", srv.handleCheckout)
		r.Post("/api/demo/report", srv.handleDemoReport)
		r.Post("/api/demo/notify", srv.handleDemoNotify)
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup tasks for rate limiters.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	if s.loginRL != nil {
		s.loginRL.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
	if s.rl != nil {
		s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
}

// --- Auth handlers ---

func (s *Server) handleAuthConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"provider": s.authProvider.Name()})
}

func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	identity := s.identityFromRequest(r)
	if identity == nil {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "user": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"user": map[string]any{
			"id":             identity.UserID,
			"email":          identity.Email,
			"emailConfirmed": identity.EmailConfirmed,
		},
	})
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Email == "" || !strings.Contains(req.Email, "@") {
		writeError(w, http.StatusBadRequest, "valid email is required")
		return
	}
	if len(req.Password) < 8 || len(req.Password) > 128 {
		writeError(w, http.StatusBadRequest, "password must be 8-128 characters")
		return
	}

	user, token, err := s.signupProvider.Signup(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrUserExists) {
			writeError(w, http.StatusConflict, "an account with this email already exists")
			return
		}
		s.logger.Error("signup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "signup failed")
		return
	}

	// New accounts start on the free plan with its full grant.
	if err := s.ledger.Grant(r.Context(), user.ID, billing.Plans[billing.PlanFree].Credits); err != nil {
		s.logger.Error("initial credit grant failed", "user_id", user.ID, "error", err)
	}

	s.audit(r.Context(), "signup", user.ID, nil)
	writeJSON(w, http.StatusCreated, map[string]any{
		"token": token,
		"user":  map[string]string{"id": user.ID, "email": user.Email},
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, err := s.signupProvider.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		s.audit(r.Context(), "login.failed", "", json.RawMessage(fmt.Sprintf(`{"email":%q}`, req.Email)))
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	user, _ := s.store.GetUserByEmail(r.Context(), strings.ToLower(strings.TrimSpace(req.Email)))
	userID := ""
	if user != nil {
		userID = user.ID
	}
	s.audit(r.Context(), "login.success", userID, nil)

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// --- Credit handlers ---

func (s *Server) handleGetCredits(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())

	cb, err := s.ledger.Balance(r.Context(), identity.UserID)
	if err != nil {
		s.logger.Error("failed to get balance", "user_id", identity.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get balance")
		return
	}

	windowDays := 30
	if v := r.URL.Query().Get("days"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 365 {
			windowDays = n
		}
	}
	stats, err := s.ledger.Stats(r.Context(), identity.UserID, windowDays)
	if err != nil {
		s.logger.Error("failed to get stats", "user_id", identity.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"balance":     cb.Balance,
		"lastUpdated": cb.UpdatedAt,
		"stats":       stats,
	})
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())

	limit := 50
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	txs, err := s.ledger.Transactions(r.Context(), identity.UserID, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list transactions")
		return
	}
	if txs == nil {
		txs = []store.CreditTransaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

// --- Billing handlers ---

func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())

	sub, err := s.store.GetSubscription(r.Context(), identity.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get subscription")
		return
	}
	if sub == nil {
		writeJSON(w, http.StatusOK, map[string]any{"subscription": nil, "plan": billing.PlanFree})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscription": sub, "plan": sub.PlanType})
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	if s.checkout == nil {
		writeError(w, http.StatusServiceUnavailable, "billing is not enabled")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	identity := getIdentityFromContext(r.Context())

	var req struct {
		PriceID string `json:"priceId"`
		UserID  string `json:"userId"`
		Email   string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" {
		req.UserID = identity.UserID
	}
	if req.Email == "" {
		req.Email = identity.Email
	}
	if req.PriceID == "" || req.UserID == "" || req.Email == "" {
		writeError(w, http.StatusBadRequest, "priceId, userId and email are required")
		return
	}
	// The checkout metadata is what later correlates webhook events back
	// to an account, so it must be the caller's own ID.
	if req.UserID != identity.UserID {
		writeError(w, http.StatusForbidden, "cannot start checkout for another user")
		return
	}

	sessionID, err := s.checkout.CreateSession(r.Context(), req.PriceID, req.UserID, req.Email)
	if err != nil {
		s.logger.Error("checkout session failed", "user_id", req.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create checkout session")
		return
	}

	s.audit(r.Context(), "checkout.created", req.UserID,
		json.RawMessage(fmt.Sprintf(`{"price_id":%q}`, req.PriceID)))
	writeJSON(w, http.StatusOK, map[string]string{"sessionId": sessionID})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	err = s.reconciler.HandleWebhook(r.Context(), payload, r.Header.Get("Tally-Signature"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]bool{"received": true})
	case errors.Is(err, billing.ErrBadSignature):
		writeError(w, http.StatusBadRequest, "invalid signature")
	case errors.Is(err, billing.ErrMissingUserID):
		writeError(w, http.StatusBadRequest, "event has no user correlation")
	default:
		s.logger.Error("webhook processing failed", "error", err)
		writeError(w, http.StatusInternalServerError, "webhook processing failed")
	}
}

// --- Demo handlers (credit-gated) ---

// consumeOr402 runs the deduction shared by the demo endpoints. It writes
// the error response itself and reports whether the handler may proceed.
func (s *Server) consumeOr402(w http.ResponseWriter, r *http.Request, userID string, cost int64, description string) (int64, bool) {
	remaining, err := s.ledger.Consume(r.Context(), userID, cost, description)
	if err != nil {
		var insufficient *ledger.InsufficientCreditsError
		if errors.As(err, &insufficient) {
			writeJSON(w, http.StatusPaymentRequired, map[string]any{
				"error":    "insufficient credits",
				"balance":  insufficient.Balance,
				"required": cost,
			})
			return 0, false
		}
		s.logger.Error("credit deduction failed", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "credit deduction failed")
		return 0, false
	}
	return remaining, true
}

func (s *Server) handleDemoReport(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())

	remaining, ok := s.consumeOr402(w, r, identity.UserID, reportCost, "Generated usage report")
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Usage report generated",
		"report": map[string]any{
			"id":          uuid.New().String(),
			"generatedAt": time.Now(),
		},
		"creditsUsed":      reportCost,
		"remainingBalance": remaining,
	})
}

func (s *Server) handleDemoNotify(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())

	remaining, ok := s.consumeOr402(w, r, identity.UserID, notifyCost, "Sent notification")
	if !ok {
		return
	}

	// Delivery happens after the deduction and can fail on its own. The
	// credits stay spent, mirroring a provider that charges per attempt.
	if rand.Float64() < s.notifyFailRate {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":            "notification delivery failed",
			"message":          "Notification delivery failed",
			"creditsUsed":      notifyCost,
			"remainingBalance": remaining,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message":          "Notification sent",
		"sent":             true,
		"creditsUsed":      notifyCost,
		"remainingBalance": remaining,
	})
}

// --- Health handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Helpers ---

func (s *Server) audit(ctx context.Context, action, userID string, detail json.RawMessage) {
	err := s.store.LogAuditEvent(ctx, &store.AuditEvent{
		ID:        uuid.New().String(),
		Action:    action,
		UserID:    userID,
		Detail:    detail,
		CreatedAt: time.Now(),
	})
	if err != nil {
		s.logger.Warn("failed to log audit event", "action", action, "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
