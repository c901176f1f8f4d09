// Package db provides repository interfaces for routesync server data.
package db

import (
	"context"

	"github.com/kimhsiao/routesync/internal/models"
)

// DeliveryRepository defines operations for delivery persistence.
type DeliveryRepository interface {
	// UpsertDelivery writes the delivery keyed by (route, subscriber). The
	// returned bool is false when the stored values already matched, in which
	// case UpdatedAt is left untouched.
	UpsertDelivery(ctx context.Context, p models.DeliveryPayload, at int64) (*models.DeliveryRecord, bool, error)

	// GetDelivery retrieves a delivery by natural key.
	GetDelivery(ctx context.Context, routeID, subscriberID int64) (*models.DeliveryRecord, error)

	// DeleteDelivery removes a delivery and reports whether it existed.
	DeleteDelivery(ctx context.Context, routeID, subscriberID int64) (bool, error)

	// ListRouteDeliveries returns every delivery of a route ordered by subscriber.
	ListRouteDeliveries(ctx context.Context, routeID int64) ([]*models.DeliveryRecord, error)
}

// WorkingTimeRepository defines operations for working time persistence.
type WorkingTimeRepository interface {
	UpsertWorkingTime(ctx context.Context, p models.WorkingTimePayload, at int64) (*models.WorkingTime, bool, error)
	GetWorkingTime(ctx context.Context, userID int64, workDate string) (*models.WorkingTime, error)
}

// RouteRepository defines operations for route persistence.
type RouteRepository interface {
	CreateRoute(ctx context.Context, route *models.Route) error
	GetRoute(ctx context.Context, id int64) (*models.Route, error)

	// UpdateRouteStatus applies a forward transition. Re-applying the current
	// status reports no change.
	UpdateRouteStatus(ctx context.Context, id int64, to models.RouteStatus, at int64) (*models.Route, bool, error)

	// ResetRoute moves a route back to not-started.
	ResetRoute(ctx context.Context, id int64, at int64) (*models.Route, error)
}

// MessageRepository defines operations for message persistence.
type MessageRepository interface {
	// InsertMessage stores a message keyed by UID. A replay reports no change
	// and returns the stored message.
	InsertMessage(ctx context.Context, senderID int64, p models.MessagePayload, at int64) (*models.Message, bool, error)

	// MarkMessageRead stamps ReadAt once.
	MarkMessageRead(ctx context.Context, uid models.UUID, at int64) (*models.Message, bool, error)
}

// SubscriberRepository defines operations for the circuit reference data.
type SubscriberRepository interface {
	CreateCircuit(ctx context.Context, circuit *models.Circuit) error
	UpsertSubscriber(ctx context.Context, sub *models.Subscriber) (bool, error)
}

// Store combines everything the server ingestion path persists.
type Store interface {
	DeliveryRepository
	WorkingTimeRepository
	RouteRepository
	MessageRepository
	SubscriberRepository

	Ping(ctx context.Context) error
	Close() error
}

// Ensure both backends implement the interfaces at compile time.
var (
	_ Store = (*Repository)(nil)
	_ Store = (*PostgresStore)(nil)
)
