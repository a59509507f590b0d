package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
)

// handleEventsWS upgrades GET /ws/events to a WebSocket and forwards every
// event published on the hub as a JSON text message until the client
// disconnects.
func (g *Gateway) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if !g.authorizeWS(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{"sanduku-events-v1"},
	})
	if err != nil {
		g.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "connection closed")

	ctx := r.Context()
	ch, cancel := g.hub.Subscribe()
	defer cancel()

	// Drain client frames so pings and close frames are processed.
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
					g.logger.Debug("websocket write failed", slog.String("error", err.Error()))
				}
				return
			}
		}
	}
}

// authorizeWS validates the API key from the "token" query parameter or the
// Authorization header. Query tokens are supported because browser WebSocket
// clients cannot set headers.
func (g *Gateway) authorizeWS(r *http.Request) bool {
	if len(g.config.APIKeys) == 0 {
		return true
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		// Header tokens must use the Bearer scheme, a bare key is rejected.
		auth := r.Header.Get("Authorization")
		if len(auth) <= 7 || auth[:7] != "Bearer " {
			return false
		}
		token = auth[7:]
	}
	for _, key := range g.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(token), []byte(key)) == 1 {
			return true
		}
	}
	return false
}
