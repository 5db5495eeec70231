package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var usageUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	// Interval between usage snapshots pushed to the client.
	usagePushInterval = 5 * time.Second
	// The feed is push-only; anything beyond a control frame is oversized.
	usageMaxClientMessage = 512
)

// handleUsageWS streams periodic usage summaries to an admin client over a
// WebSocket. The session guard and admin check have already run by the time
// this handler is reached.
func (s *Server) handleUsageWS(w http.ResponseWriter, r *http.Request) {
	principal := getPrincipalFromContext(r.Context())

	conn, err := usageUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("usage feed: upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	conn.SetReadLimit(usageMaxClientMessage)
	s.logger.Info("usage feed: connected", "user", principal.Username)

	// Reader goroutine: drains control frames and signals disconnect.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(usagePushInterval)
	defer ticker.Stop()

	// Push an immediate snapshot, then one per tick.
	for {
		summary, err := s.billing.Summary(r.Context(), principal.OrgID)
		if err != nil {
			s.logger.Warn("usage feed: summary failed", "error", err)
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "usage unavailable"))
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(summary); err != nil {
			return
		}

		select {
		case <-done:
			s.logger.Info("usage feed: disconnected", "user", principal.Username)
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}
