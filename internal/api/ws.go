package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	// Clients only send pings; anything larger is a protocol error.
	wsMaxClientMessage = 1024
	wsPollInterval     = 2 * time.Second
	wsWriteTimeout     = 10 * time.Second
)

// balanceUpdate is pushed to the dashboard whenever the balance changes,
// so a webhook refill shows up without a page reload.
type balanceUpdate struct {
	Balance     int64     `json:"balance"`
	LastUpdated time.Time `json:"lastUpdated"`
}

func (s *Server) handleCreditsWS(w http.ResponseWriter, r *http.Request) {
	// Browsers cannot set headers on WebSocket dials, so the token rides
	// in a query param, with the Authorization header as fallback.
	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		authHeader := r.Header.Get("Authorization")
		if strings.HasPrefix(authHeader, "Bearer ") {
			tokenStr = authHeader[7:]
		}
	}
	if tokenStr == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	identity, err := s.authProvider.ValidateToken(r.Context(), tokenStr)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("credits ws: upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	conn.SetReadLimit(wsMaxClientMessage)

	s.logger.Info("credits ws: connected", "user_id", identity.UserID)

	// Reader goroutine drains control frames and signals disconnect.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPollInterval)
	defer ticker.Stop()

	var lastSent *balanceUpdate
	for {
		select {
		case <-done:
			s.logger.Info("credits ws: disconnected", "user_id", identity.UserID)
			return
		case <-ticker.C:
			cb, err := s.store.GetCreditBalance(r.Context(), identity.UserID)
			if err != nil || cb == nil {
				continue
			}
			update := balanceUpdate{Balance: cb.Balance, LastUpdated: cb.UpdatedAt}
			if lastSent != nil && lastSent.Balance == update.Balance {
				continue
			}

			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(update); err != nil {
				s.logger.Info("credits ws: write failed", "user_id", identity.UserID, "error", err)
				return
			}
			lastSent = &update
		}
	}
}
