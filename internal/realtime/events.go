// Package realtime pushes committed server changes to connected clients over
// websockets.
//
// Connections are grouped into rooms: every connection is in "global" and
// "user:<id>"; "route:<id>" rooms are joined on request. The room map is
// owned by the Hub goroutine and changed only through its operations
// channel. Events go to currently connected sockets only; a client that
// reconnects reconciles by pulling current state.
package realtime

import (
	"encoding/json"
	"fmt"

	"github.com/kimhsiao/routesync/internal/models"
)

// Scope names.
const (
	ScopeGlobal = "global"
)

// RouteScope returns the room name of a route.
func RouteScope(routeID int64) string {
	return fmt.Sprintf("route:%d", routeID)
}

// UserScope returns the room name of a user.
func UserScope(userID int64) string {
	return fmt.Sprintf("user:%d", userID)
}

// Event is one server-to-client message.
type Event struct {
	Type            string      `json:"type"`
	Scope           string      `json:"scope,omitempty"`
	Data            interface{} `json:"data,omitempty"`
	Actor           int64       `json:"actor,omitempty"`
	ServerTimestamp int64       `json:"server_timestamp"`
}

// Command is one client-to-server message.
type Command struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Client command types.
const (
	CmdRouteJoin      = "route:join"
	CmdRouteLeave     = "route:leave"
	CmdRouteUpdate    = "route:update"
	CmdDeliveryUpdate = "delivery:update"
	CmdMessageSend    = "message:send"
	CmdMessageRead    = "message:read"
	CmdPing           = "ping"
)

// Server reply types that are not change events.
const (
	EventRouteJoined = "route:joined"
	EventRouteLeft   = "route:left"
	EventPong        = "pong"
	EventError       = "error"
	EventAck         = "ack"
)

// scopesFor returns the rooms a change fans out to, most specific first.
func scopesFor(c models.ChangeLog) []string {
	switch c.Kind {
	case models.ChangeDelivery:
		return []string{RouteScope(c.RouteID)}
	case models.ChangeRoute:
		return []string{RouteScope(c.RouteID), ScopeGlobal}
	case models.ChangeMessage, models.ChangeMessageRead:
		if c.RouteID != 0 {
			return []string{RouteScope(c.RouteID), ScopeGlobal}
		}
		return []string{ScopeGlobal}
	case models.ChangeSubscription:
		return []string{ScopeGlobal}
	case models.ChangeWorkingTime:
		return []string{UserScope(c.UserID)}
	default:
		return nil
	}
}
