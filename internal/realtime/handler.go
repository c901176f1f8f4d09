package realtime

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/kimhsiao/routesync/internal/auth"
	"github.com/kimhsiao/routesync/internal/logging"
	"github.com/kimhsiao/routesync/internal/uuid"
)

// Handler upgrades authenticated requests to realtime connections.
type Handler struct {
	hub       *Hub
	validator auth.Validator
	commands  Commands
	upgrader  websocket.Upgrader
	ctx       context.Context
}

// NewHandler creates a Handler. ctx bounds the lifetime of command
// execution; cancel it on shutdown. commands may be nil to disable
// client-originated writes.
func NewHandler(ctx context.Context, hub *Hub, validator auth.Validator, commands Commands, checkOrigin func(*http.Request) bool) *Handler {
	return &Handler{
		hub:       hub,
		validator: validator,
		commands:  commands,
		ctx:       ctx,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
	}
}

// ServeHTTP validates the bearer token before upgrading. A rejected
// handshake never reaches the hub.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	principal, err := h.validator.Validate(r.Context(), auth.BearerToken(r))
	if err != nil {
		logging.Warn("Realtime handshake rejected", map[string]interface{}{
			"remote_addr": r.RemoteAddr,
			"error":       err.Error(),
		})
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("Realtime upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}

	client := &Client{
		id:        uuid.New(),
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
		hub:       h.hub,
		principal: principal,
		commands:  h.commands,
		rooms:     make(map[string]struct{}),
	}
	if !h.hub.submit(op{kind: opRegister, client: client}) {
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump(h.ctx)
}
