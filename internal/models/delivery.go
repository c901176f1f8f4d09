// Package models provides data model definitions for routesync.
package models

// DeliveryRecord is the server-authoritative delivery state of one
// subscriber on one route. (RouteID, SubscriberID) is unique.
type DeliveryRecord struct {
	ID           int64  `db:"id" json:"id"`
	RouteID      int64  `db:"route_id" json:"route_id"`
	SubscriberID int64  `db:"subscriber_id" json:"subscriber_id"`
	IsDelivered  bool   `db:"is_delivered" json:"is_delivered"`
	DeliveredAt  int64  `db:"delivered_at" json:"delivered_at,omitempty"`
	Notes        string `db:"notes" json:"notes,omitempty"`
	UpdatedAt    int64  `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for DeliveryRecord.
func (DeliveryRecord) TableName() string {
	return "deliveries"
}

// Key returns the natural key.
func (d *DeliveryRecord) Key() string {
	return DeliveryKey(d.RouteID, d.SubscriberID)
}

// DeliveryPayload is the queued/wire form of a delivery mutation.
type DeliveryPayload struct {
	RouteID      int64  `json:"route_id"`
	SubscriberID int64  `json:"subscriber_id"`
	IsDelivered  bool   `json:"is_delivered"`
	Notes        string `json:"notes,omitempty"`
}

// Key returns the natural key.
func (p DeliveryPayload) Key() string {
	return DeliveryKey(p.RouteID, p.SubscriberID)
}
