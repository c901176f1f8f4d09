// Package models tests for data model definitions.
package models

import (
	"testing"

	apperrors "github.com/kimhsiao/routesync/internal/errors"
)

// =====================================================
// UUID Type Tests
// =====================================================

// TestUUID_Scan verifies nil, []byte and string handling.
func TestUUID_Scan(t *testing.T) {
	tests := []struct {
		name  string
		input interface{}
		want  UUID
	}{
		{"nil", nil, ""},
		{"bytes", []byte("123e4567-e89b-42d3-a456-426614174000"), "123e4567-e89b-42d3-a456-426614174000"},
		{"string", "abc", "abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var u UUID
			if err := u.Scan(tt.input); err != nil {
				t.Fatalf("Scan() error = %v", err)
			}
			if u != tt.want {
				t.Errorf("Scan() = %q, want %q", u, tt.want)
			}
		})
	}

	var u UUID
	if err := u.Scan(42); err == nil {
		t.Error("Scan(int) should fail")
	}
}

// =====================================================
// Natural Key Tests
// =====================================================

// TestDeliveryKey_roundTrip verifies key formatting and parsing.
func TestDeliveryKey_roundTrip(t *testing.T) {
	key := DeliveryKey(10, 5)
	if key != "10:5" {
		t.Fatalf("DeliveryKey() = %q, want 10:5", key)
	}

	routeID, subscriberID, err := ParseDeliveryKey(key)
	if err != nil {
		t.Fatalf("ParseDeliveryKey() error = %v", err)
	}
	if routeID != 10 || subscriberID != 5 {
		t.Errorf("ParseDeliveryKey() = %d, %d", routeID, subscriberID)
	}

	for _, bad := range []string{"", "10", "a:5", "10:b"} {
		if _, _, err := ParseDeliveryKey(bad); err == nil {
			t.Errorf("ParseDeliveryKey(%q) should fail", bad)
		}
	}
}

// =====================================================
// Route State Machine Tests
// =====================================================

// TestCanTransition verifies the monotonic route lifecycle.
func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to RouteStatus
		want     bool
	}{
		{RouteNotStarted, RouteInProgress, true},
		{RouteNotStarted, RouteCancelled, true},
		{RouteNotStarted, RouteCompleted, false},
		{RouteInProgress, RouteCompleted, true},
		{RouteInProgress, RouteCancelled, true},
		{RouteInProgress, RouteNotStarted, false},
		{RouteCompleted, RouteInProgress, false},
		{RouteCancelled, RouteNotStarted, false},
		{RouteCompleted, RouteCompleted, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestRoute_Transition verifies timestamps and idempotent replays.
func TestRoute_Transition(t *testing.T) {
	r := &Route{ID: 10, Status: RouteNotStarted}

	changed, err := r.Transition(RouteInProgress, 1000)
	if err != nil || !changed {
		t.Fatalf("Transition(in-progress) = %v, %v", changed, err)
	}
	if r.StartTime != 1000 {
		t.Errorf("StartTime = %d, want 1000", r.StartTime)
	}

	changed, err = r.Transition(RouteInProgress, 2000)
	if err != nil || changed {
		t.Errorf("replayed Transition() = %v, %v, want no change", changed, err)
	}
	if r.StartTime != 1000 {
		t.Error("replay must not restamp StartTime")
	}

	if _, err := r.Transition(RouteCompleted, 3000); err != nil {
		t.Fatalf("Transition(completed) error = %v", err)
	}
	if r.EndTime != 3000 {
		t.Errorf("EndTime = %d, want 3000", r.EndTime)
	}

	_, err = r.Transition(RouteInProgress, 4000)
	if !apperrors.Is(err, apperrors.ErrInvalidTransition) {
		t.Errorf("backward Transition() error = %v, want INVALID_TRANSITION", err)
	}

	_, err = r.Transition("paused", 4000)
	if !apperrors.Is(err, apperrors.ErrValidation) {
		t.Errorf("unknown status error = %v, want VALIDATION_ERROR", err)
	}
}

// TestRoute_Reset verifies the external re-entry to not-started.
func TestRoute_Reset(t *testing.T) {
	r := &Route{ID: 10, Status: RouteCompleted, StartTime: 1, EndTime: 2}
	r.Reset(5)

	if r.Status != RouteNotStarted || r.StartTime != 0 || r.EndTime != 0 || r.UpdatedAt != 5 {
		t.Errorf("Reset() left %+v", r)
	}
	if _, err := r.Transition(RouteInProgress, 6); err != nil {
		t.Errorf("Transition after Reset() error = %v", err)
	}
}

// TestEntityType_Valid verifies the known set.
func TestEntityType_Valid(t *testing.T) {
	for _, et := range []EntityType{EntityDelivery, EntityMessage, EntityRoute, EntityWorkingTime} {
		if !et.Valid() {
			t.Errorf("%s should be valid", et)
		}
	}
	if EntityType("circuit").Valid() {
		t.Error("circuit should not be a sync entity")
	}
	if Action("upsert").Valid() {
		t.Error("upsert should not be a valid action")
	}
}
