package ws

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"goose-realtime/internal/auth"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: Validate origin in production
		return true
	},
}

// Gateway authenticates websocket handshakes and admits connections into the
// registry.
type Gateway struct {
	verifier   *auth.Verifier
	registry   *Registry
	router     *Router
	sendBuffer int
}

func NewGateway(verifier *auth.Verifier, registry *Registry, router *Router, sendBuffer int) *Gateway {
	return &Gateway{
		verifier:   verifier,
		registry:   registry,
		router:     router,
		sendBuffer: sendBuffer,
	}
}

// ServeWS resolves the credential to a user identity before the upgrade; a
// missing or invalid credential refuses the connection with no registry
// entry created.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	remoteAddr := r.RemoteAddr
	slog.Debug("[WS] New websocket connection request", "from", remoteAddr)

	token := auth.ExtractTokenFromRequest(r)
	if token == "" {
		slog.Warn("[WS] No token provided", "from", remoteAddr)
		http.Error(w, "Unauthorized: token required", http.StatusUnauthorized)
		return
	}

	user, err := g.verifier.Verify(r.Context(), token)
	if err != nil {
		slog.Warn("[WS] Token validation failed", "from", remoteAddr, "error", err)
		http.Error(w, "Unauthorized: invalid token", http.StatusUnauthorized)
		return
	}

	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("[WS] Failed to upgrade connection", "user", user.ID, "error", err)
		return
	}

	conn := NewConn(user.ID, user.Username, g.sendBuffer)
	g.registry.Admit(conn)

	slog.Info("[WS] Connection established",
		"user", user.ID, "username", user.Username, "conn", conn.ID, "from", remoteAddr)

	// The request context ends when this handler returns; the pumps
	// outlive it.
	client := NewClient(wsConn, conn, g.registry, g.router)
	go client.WritePump()
	go client.ReadPump(context.Background())
}
