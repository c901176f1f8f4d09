// Package models provides data model definitions for routesync.
package models

import (
	"fmt"

	apperrors "github.com/kimhsiao/routesync/internal/errors"
)

// RouteStatus is the execution state of a route instance.
type RouteStatus string

const (
	RouteNotStarted RouteStatus = "not-started"
	RouteInProgress RouteStatus = "in-progress"
	RouteCompleted  RouteStatus = "completed"
	RouteCancelled  RouteStatus = "cancelled"
)

// Valid reports whether s is a known status.
func (s RouteStatus) Valid() bool {
	switch s {
	case RouteNotStarted, RouteInProgress, RouteCompleted, RouteCancelled:
		return true
	}
	return false
}

// Terminal reports whether no forward transition leaves s.
func (s RouteStatus) Terminal() bool {
	return s == RouteCompleted || s == RouteCancelled
}

var routeTransitions = map[RouteStatus][]RouteStatus{
	RouteNotStarted: {RouteInProgress, RouteCancelled},
	RouteInProgress: {RouteCompleted, RouteCancelled},
}

// CanTransition reports whether from -> to is a forward transition.
// Re-applying the current status is allowed so replays stay idempotent.
func CanTransition(from, to RouteStatus) bool {
	if from == to {
		return true
	}
	for _, next := range routeTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Route is one day's execution of a circuit by a specific worker.
type Route struct {
	ID        int64       `db:"id" json:"id"`
	CircuitID int64       `db:"circuit_id" json:"circuit_id"`
	UserID    int64       `db:"user_id" json:"user_id"`
	Date      string      `db:"date" json:"date"` // YYYY-MM-DD
	Status    RouteStatus `db:"status" json:"status"`
	StartTime int64       `db:"start_time" json:"start_time,omitempty"`
	EndTime   int64       `db:"end_time" json:"end_time,omitempty"`
	UpdatedAt int64       `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for Route.
func (Route) TableName() string {
	return "routes"
}

// Transition moves the route forward, stamping start/end times. It reports
// whether anything changed.
func (r *Route) Transition(to RouteStatus, at int64) (bool, error) {
	if !to.Valid() {
		return false, apperrors.New(apperrors.ErrValidation, fmt.Sprintf("unknown route status %q", to))
	}
	if !CanTransition(r.Status, to) {
		return false, apperrors.New(apperrors.ErrInvalidTransition,
			fmt.Sprintf("route %d cannot go from %s to %s", r.ID, r.Status, to))
	}
	if r.Status == to {
		return false, nil
	}
	switch to {
	case RouteInProgress:
		r.StartTime = at
	case RouteCompleted, RouteCancelled:
		r.EndTime = at
	}
	r.Status = to
	r.UpdatedAt = at
	return true, nil
}

// Reset is the externally triggered re-entry to not-started.
func (r *Route) Reset(at int64) {
	r.Status = RouteNotStarted
	r.StartTime = 0
	r.EndTime = 0
	r.UpdatedAt = at
}

// RoutePayload is the queued/wire form of a route status change.
type RoutePayload struct {
	RouteID int64       `json:"route_id"`
	Status  RouteStatus `json:"status"`
}
