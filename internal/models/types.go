// Package models provides data model definitions for routesync.
package models

import (
	"database/sql/driver"
	"fmt"
	"strconv"
	"strings"
)

// UUID is a wrapper around string for UUID v4 type safety.
type UUID string

// Value implements driver.Valuer for UUID.
func (u UUID) Value() (driver.Value, error) {
	return string(u), nil
}

// Scan implements sql.Scanner for UUID.
func (u *UUID) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*u = ""
	case []byte:
		*u = UUID(v)
	case string:
		*u = UUID(v)
	default:
		return fmt.Errorf("cannot scan %T into UUID", value)
	}
	return nil
}

// String returns the string representation of the UUID.
func (u UUID) String() string {
	return string(u)
}

// DeliveryKey formats the natural key of a delivery record.
func DeliveryKey(routeID, subscriberID int64) string {
	return fmt.Sprintf("%d:%d", routeID, subscriberID)
}

// ParseDeliveryKey is the inverse of DeliveryKey.
func ParseDeliveryKey(key string) (routeID, subscriberID int64, err error) {
	parts := strings.SplitN(key, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid delivery key %q", key)
	}
	if routeID, err = strconv.ParseInt(parts[0], 10, 64); err != nil {
		return 0, 0, fmt.Errorf("invalid route id in %q: %w", key, err)
	}
	if subscriberID, err = strconv.ParseInt(parts[1], 10, 64); err != nil {
		return 0, 0, fmt.Errorf("invalid subscriber id in %q: %w", key, err)
	}
	return routeID, subscriberID, nil
}

// WorkingTimeKey formats the natural key of a working time record.
func WorkingTimeKey(userID int64, workDate string) string {
	return fmt.Sprintf("%d:%s", userID, workDate)
}
