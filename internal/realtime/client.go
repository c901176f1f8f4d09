package realtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kimhsiao/routesync/internal/auth"
	apperrors "github.com/kimhsiao/routesync/internal/errors"
	"github.com/kimhsiao/routesync/internal/logging"
	"github.com/kimhsiao/routesync/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

// Commands persists changes requested over the socket. Implementations
// broadcast through the hub after the change is durable.
type Commands interface {
	// UpdateRoute and UpdateDelivery carry the client's origin time so a
	// stale socket write can be rejected like a divergent queue item.
	UpdateRoute(ctx context.Context, actor auth.Principal, p models.RoutePayload, clientTimestamp int64) error
	UpdateDelivery(ctx context.Context, actor auth.Principal, p models.DeliveryPayload, clientTimestamp int64) error
	SendMessage(ctx context.Context, actor auth.Principal, p models.MessagePayload) error
	ReadMessage(ctx context.Context, actor auth.Principal, uid models.UUID) error
}

// Client is one authenticated websocket connection.
type Client struct {
	id        string
	conn      *websocket.Conn
	send      chan []byte
	hub       *Hub
	principal auth.Principal
	commands  Commands

	// owned by the hub goroutine
	rooms map[string]struct{}
}

type routeRef struct {
	RouteID int64 `json:"route_id"`
}

type routeUpdate struct {
	models.RoutePayload
	ClientTimestamp int64 `json:"client_timestamp"`
}

type deliveryUpdate struct {
	models.DeliveryPayload
	ClientTimestamp int64 `json:"client_timestamp"`
}

type uidRef struct {
	UID models.UUID `json:"uid"`
}

// readPump reads commands until the connection fails.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.submit(op{kind: opUnregister, client: c})
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logging.Warn("Realtime read failed", map[string]interface{}{"client_id": c.id, "error": err.Error()})
			}
			return
		}

		var cmd Command
		if err := json.Unmarshal(message, &cmd); err != nil {
			c.replyError("", apperrors.Wrap(apperrors.ErrValidation, "invalid command", err))
			continue
		}
		c.handle(ctx, cmd)
	}
}

func (c *Client) handle(ctx context.Context, cmd Command) {
	switch cmd.Type {
	case CmdPing:
		c.hub.reply(c, EventPong, nil)

	case CmdRouteJoin, CmdRouteLeave:
		var ref routeRef
		if err := json.Unmarshal(cmd.Data, &ref); err != nil || ref.RouteID <= 0 {
			c.replyError(cmd.Type, apperrors.New(apperrors.ErrValidation, "route_id is required"))
			return
		}
		kind, ack := opJoin, EventRouteJoined
		if cmd.Type == CmdRouteLeave {
			kind, ack = opLeave, EventRouteLeft
		}
		c.hub.submit(op{
			kind:   kind,
			client: c,
			room:   RouteScope(ref.RouteID),
			event:  Event{Type: ack, Scope: RouteScope(ref.RouteID), Data: ref, ServerTimestamp: c.hub.now().UnixMilli()},
		})

	case CmdRouteUpdate:
		var u routeUpdate
		c.run(cmd, &u, func() error { return c.commands.UpdateRoute(ctx, c.principal, u.RoutePayload, u.ClientTimestamp) })

	case CmdDeliveryUpdate:
		var u deliveryUpdate
		c.run(cmd, &u, func() error {
			return c.commands.UpdateDelivery(ctx, c.principal, u.DeliveryPayload, u.ClientTimestamp)
		})

	case CmdMessageSend:
		var p models.MessagePayload
		c.run(cmd, &p, func() error { return c.commands.SendMessage(ctx, c.principal, p) })

	case CmdMessageRead:
		var ref uidRef
		c.run(cmd, &ref, func() error { return c.commands.ReadMessage(ctx, c.principal, ref.UID) })

	default:
		c.replyError(cmd.Type, apperrors.New(apperrors.ErrValidation, "unknown command"))
	}
}

// run decodes cmd.Data into v, executes fn and acks or reports the error.
func (c *Client) run(cmd Command, v interface{}, fn func() error) {
	if c.commands == nil {
		c.replyError(cmd.Type, apperrors.New(apperrors.ErrPermission, "commands are disabled"))
		return
	}
	if err := json.Unmarshal(cmd.Data, v); err != nil {
		c.replyError(cmd.Type, apperrors.Wrap(apperrors.ErrValidation, "invalid command data", err))
		return
	}
	if err := fn(); err != nil {
		c.replyError(cmd.Type, err)
		return
	}
	c.hub.reply(c, EventAck, map[string]string{"command": cmd.Type})
}

func (c *Client) replyError(command string, err error) {
	c.hub.reply(c, EventError, map[string]string{
		"command": command,
		"code":    string(apperrors.CodeOf(err)),
		"message": err.Error(),
	})
}

// writePump writes queued events and keepalive pings. It exits when the hub
// closes send or a write fails.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
