// Package models provides data model definitions for routesync.
package models

// Message is a note exchanged between workers and dispatch, optionally tied
// to a route. UID is assigned by the sending client and is unique.
type Message struct {
	ID        int64  `db:"id" json:"id"`
	UID       UUID   `db:"uid" json:"uid"`
	RouteID   int64  `db:"route_id" json:"route_id,omitempty"`
	SenderID  int64  `db:"sender_id" json:"sender_id"`
	Body      string `db:"body" json:"body"`
	ReadAt    int64  `db:"read_at" json:"read_at,omitempty"`
	CreatedAt int64  `db:"created_at" json:"created_at"`
}

// TableName returns the table name for Message.
func (Message) TableName() string {
	return "messages"
}

// MessagePayload is the queued/wire form of a message mutation. A create
// sends Body; an update with Read set marks the message read.
type MessagePayload struct {
	UID     UUID   `json:"uid"`
	RouteID int64  `json:"route_id,omitempty"`
	Body    string `json:"body,omitempty"`
	Read    bool   `json:"read,omitempty"`
}
