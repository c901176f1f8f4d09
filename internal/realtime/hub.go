package realtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/kimhsiao/routesync/internal/logging"
	"github.com/kimhsiao/routesync/internal/metrics"
	"github.com/kimhsiao/routesync/internal/models"
)

type opKind int

const (
	opRegister opKind = iota
	opUnregister
	opJoin
	opLeave
	opPublish
	opReply
	opMembers
)

// op is one unit of work for the hub goroutine.
type op struct {
	kind   opKind
	client *Client
	room   string
	scopes []string
	event  Event
	reply  chan int
}

// Hub owns room membership and fans events out to clients.
type Hub struct {
	ops     chan op
	done    chan struct{}
	metrics *metrics.Metrics
	now     func() time.Time

	// owned by run
	clients map[*Client]struct{}
	rooms   map[string]map[*Client]struct{}
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithHubClock overrides the server timestamp source.
func WithHubClock(now func() time.Time) HubOption {
	return func(h *Hub) { h.now = now }
}

// NewHub creates a Hub. Call Run to start it.
func NewHub(m *metrics.Metrics, opts ...HubOption) *Hub {
	h := &Hub{
		ops:     make(chan op, 256),
		done:    make(chan struct{}),
		metrics: m,
		now:     time.Now,
		clients: make(map[*Client]struct{}),
		rooms:   make(map[string]map[*Client]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run processes operations until ctx is done, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				h.drop(c)
			}
			return
		case o := <-h.ops:
			h.handle(o)
		}
	}
}

// submit hands o to the hub. It reports false once the hub has stopped.
func (h *Hub) submit(o op) bool {
	select {
	case h.ops <- o:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) handle(o op) {
	switch o.kind {
	case opRegister:
		h.clients[o.client] = struct{}{}
		h.join(o.client, ScopeGlobal)
		h.join(o.client, UserScope(o.client.principal.UserID))
		h.metrics.ConnectionOpened()
		logging.Info("Realtime client connected", map[string]interface{}{
			"client_id": o.client.id,
			"user_id":   o.client.principal.UserID,
			"total":     len(h.clients),
		})

	case opUnregister:
		if _, ok := h.clients[o.client]; ok {
			h.drop(o.client)
			logging.Info("Realtime client disconnected", map[string]interface{}{
				"client_id": o.client.id,
				"total":     len(h.clients),
			})
		}

	case opJoin:
		if _, ok := h.clients[o.client]; !ok {
			return
		}
		h.join(o.client, o.room)
		h.deliver(o.client, o.event)

	case opLeave:
		if _, ok := h.clients[o.client]; !ok {
			return
		}
		h.leave(o.client, o.room)
		h.deliver(o.client, o.event)

	case opReply:
		if _, ok := h.clients[o.client]; ok {
			h.deliver(o.client, o.event)
		}

	case opPublish:
		h.publish(o.scopes, o.event)

	case opMembers:
		o.reply <- len(h.rooms[o.room])
	}
}

func (h *Hub) join(c *Client, room string) {
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Client]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	c.rooms[room] = struct{}{}
}

func (h *Hub) leave(c *Client, room string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(c.rooms, room)
}

// drop removes c everywhere and closes its send channel. Only the hub closes
// send channels.
func (h *Hub) drop(c *Client) {
	for room := range c.rooms {
		h.leave(c, room)
	}
	delete(h.clients, c)
	close(c.send)
	h.metrics.ConnectionClosed()
}

// publish delivers e once per connection, labelled with the most specific
// scope the connection is in.
func (h *Hub) publish(scopes []string, e Event) {
	seen := make(map[*Client]struct{})
	for _, scope := range scopes {
		for c := range h.rooms[scope] {
			if _, dup := seen[c]; dup {
				continue
			}
			seen[c] = struct{}{}
			scoped := e
			scoped.Scope = scope
			h.deliver(c, scoped)
		}
	}
	h.metrics.Broadcast(e.Type)
}

// deliver queues e on c without blocking. A client whose buffer is full is
// dropped.
func (h *Hub) deliver(c *Client, e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		logging.Error("Failed to encode realtime event", err, map[string]interface{}{"type": e.Type})
		return
	}
	select {
	case c.send <- data:
	default:
		logging.Warn("Dropping slow realtime client", map[string]interface{}{
			"client_id": c.id,
			"user_id":   c.principal.UserID,
		})
		h.drop(c)
		h.metrics.SlowConsumerDropped()
	}
}

// Notify broadcasts a committed change. Callers invoke it only after the
// change is durably persisted.
func (h *Hub) Notify(_ context.Context, change models.ChangeLog) {
	scopes := scopesFor(change)
	if len(scopes) == 0 {
		return
	}
	ts := change.Timestamp
	if ts == 0 {
		ts = h.now().UnixMilli()
	}
	h.submit(op{
		kind:   opPublish,
		scopes: scopes,
		event: Event{
			Type:            string(change.Kind),
			Data:            change.Data,
			Actor:           change.Actor,
			ServerTimestamp: ts,
		},
	})
}

// Members returns how many connections are in room.
func (h *Hub) Members(room string) int {
	reply := make(chan int, 1)
	if !h.submit(op{kind: opMembers, room: room, reply: reply}) {
		return 0
	}
	select {
	case n := <-reply:
		return n
	case <-h.done:
		return 0
	}
}

func (h *Hub) reply(c *Client, typ string, data interface{}) {
	h.submit(op{kind: opReply, client: c, event: Event{Type: typ, Data: data, ServerTimestamp: h.now().UnixMilli()}})
}
