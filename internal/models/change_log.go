// Package models provides data model definitions for routesync.
package models

import "time"

// ChangeKind names a committed server-side change the broadcaster fans out.
type ChangeKind string

const (
	ChangeDelivery     ChangeKind = "delivery:updated"
	ChangeRoute        ChangeKind = "route:updated"
	ChangeMessage      ChangeKind = "message:received"
	ChangeMessageRead  ChangeKind = "message:read"
	ChangeSubscription ChangeKind = "subscription:changed"
	ChangeWorkingTime  ChangeKind = "workingTime:updated"
)

// ChangeLog is one committed change. RouteID is zero when the change is not
// tied to a route; UserID is zero when it is not tied to a worker.
type ChangeLog struct {
	Kind      ChangeKind  `json:"kind"`
	RouteID   int64       `json:"route_id,omitempty"`
	UserID    int64       `json:"user_id,omitempty"`
	Actor     int64       `json:"actor"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"` // unix millis, server clock
}

// Time returns the Timestamp as time.Time.
func (c *ChangeLog) Time() time.Time {
	return time.UnixMilli(c.Timestamp)
}
