// Package db provides unit tests for server repository operations.
package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/routesync/internal/errors"
	"github.com/kimhsiao/routesync/internal/models"
)

// setupRepository creates a migrated in-memory server database.
func setupRepository(t *testing.T) *Repository {
	t.Helper()
	db, err := OpenMemory()
	require.NoError(t, err)
	require.NoError(t, Migrate(context.Background(), db.DB, SchemaServer))

	repo := NewRepository(db.DB)
	t.Cleanup(func() {
		repo.Close()
		db.Close()
	})
	return repo
}

// =====================================================
// Delivery Tests
// =====================================================

// TestUpsertDelivery_idempotent verifies a replay leaves updated_at alone.
func TestUpsertDelivery_idempotent(t *testing.T) {
	repo := setupRepository(t)
	ctx := context.Background()
	p := models.DeliveryPayload{RouteID: 10, SubscriberID: 5, IsDelivered: true}

	first, changed, err := repo.UpsertDelivery(ctx, p, 1000)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, int64(1000), first.UpdatedAt)
	assert.Equal(t, int64(1000), first.DeliveredAt)

	second, changed, err := repo.UpsertDelivery(ctx, p, 2000)
	require.NoError(t, err)
	assert.False(t, changed, "identical replay must not change state")
	assert.Equal(t, int64(1000), second.UpdatedAt)
	assert.Equal(t, first.ID, second.ID)

	p.IsDelivered = false
	third, changed, err := repo.UpsertDelivery(ctx, p, 3000)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.False(t, third.IsDelivered)
	assert.Equal(t, int64(3000), third.UpdatedAt)
	assert.Zero(t, third.DeliveredAt)
}

// TestGetDelivery_notFound verifies the not-found code.
func TestGetDelivery_notFound(t *testing.T) {
	repo := setupRepository(t)

	_, err := repo.GetDelivery(context.Background(), 10, 99)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound), "got %v", err)
}

// TestListRouteDeliveries verifies per-route filtering and ordering.
func TestListRouteDeliveries(t *testing.T) {
	repo := setupRepository(t)
	ctx := context.Background()

	for _, sub := range []int64{7, 3, 5} {
		_, _, err := repo.UpsertDelivery(ctx, models.DeliveryPayload{RouteID: 10, SubscriberID: sub}, 1)
		require.NoError(t, err)
	}
	_, _, err := repo.UpsertDelivery(ctx, models.DeliveryPayload{RouteID: 11, SubscriberID: 1}, 1)
	require.NoError(t, err)

	records, err := repo.ListRouteDeliveries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, int64(3), records[0].SubscriberID)
	assert.Equal(t, int64(7), records[2].SubscriberID)

	deleted, err := repo.DeleteDelivery(ctx, 10, 3)
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = repo.DeleteDelivery(ctx, 10, 3)
	require.NoError(t, err)
	assert.False(t, deleted)
}

// =====================================================
// Working Time Tests
// =====================================================

// TestUpsertWorkingTime verifies keying by user and date.
func TestUpsertWorkingTime(t *testing.T) {
	repo := setupRepository(t)
	ctx := context.Background()
	p := models.WorkingTimePayload{UserID: 3, WorkDate: "2026-10-14", StartTime: 100}

	wt, changed, err := repo.UpsertWorkingTime(ctx, p, 100)
	require.NoError(t, err)
	assert.True(t, changed)

	_, changed, err = repo.UpsertWorkingTime(ctx, p, 200)
	require.NoError(t, err)
	assert.False(t, changed)

	p.EndTime = 900
	updated, changed, err := repo.UpsertWorkingTime(ctx, p, 900)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, wt.ID, updated.ID)
	assert.Equal(t, int64(900), updated.EndTime)
}

// =====================================================
// Route Tests
// =====================================================

// TestUpdateRouteStatus verifies the state machine is enforced on persist.
func TestUpdateRouteStatus(t *testing.T) {
	repo := setupRepository(t)
	ctx := context.Background()

	route := &models.Route{CircuitID: 1, UserID: 3, Date: "2026-10-14", UpdatedAt: 1}
	require.NoError(t, repo.CreateRoute(ctx, route))
	require.NotZero(t, route.ID)

	rt, changed, err := repo.UpdateRouteStatus(ctx, route.ID, models.RouteInProgress, 100)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, int64(100), rt.StartTime)

	_, changed, err = repo.UpdateRouteStatus(ctx, route.ID, models.RouteInProgress, 200)
	require.NoError(t, err)
	assert.False(t, changed)

	_, _, err = repo.UpdateRouteStatus(ctx, route.ID, models.RouteNotStarted, 300)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidTransition))

	stored, err := repo.GetRoute(ctx, route.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RouteInProgress, stored.Status)
	assert.Equal(t, int64(100), stored.UpdatedAt)

	reset, err := repo.ResetRoute(ctx, route.ID, 400)
	require.NoError(t, err)
	assert.Equal(t, models.RouteNotStarted, reset.Status)
	assert.Zero(t, reset.StartTime)
}

// =====================================================
// Message Tests
// =====================================================

// TestInsertMessage_replay verifies UID keyed idempotence and read marking.
func TestInsertMessage_replay(t *testing.T) {
	repo := setupRepository(t)
	ctx := context.Background()
	p := models.MessagePayload{UID: "0b7c3c2e-2f0e-4bbf-9d1f-35c9e0b1d001", RouteID: 10, Body: "gate code 4411"}

	m, changed, err := repo.InsertMessage(ctx, 3, p, 100)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, p.UID, m.UID)

	_, changed, err = repo.InsertMessage(ctx, 3, p, 200)
	require.NoError(t, err)
	assert.False(t, changed)

	read, changed, err := repo.MarkMessageRead(ctx, p.UID, 300)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, int64(300), read.ReadAt)

	_, changed, err = repo.MarkMessageRead(ctx, p.UID, 400)
	require.NoError(t, err)
	assert.False(t, changed)

	_, _, err = repo.MarkMessageRead(ctx, "missing", 500)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

// TestUpsertSubscriber verifies insert then change detection.
func TestUpsertSubscriber(t *testing.T) {
	repo := setupRepository(t)
	ctx := context.Background()

	circuit := &models.Circuit{Name: "North"}
	require.NoError(t, repo.CreateCircuit(ctx, circuit))

	sub := &models.Subscriber{CircuitID: circuit.ID, Name: "Ada", Address: "1 Main St", Active: true, UpdatedAt: 1}
	changed, err := repo.UpsertSubscriber(ctx, sub)
	require.NoError(t, err)
	assert.True(t, changed)
	require.NotZero(t, sub.ID)

	changed, err = repo.UpsertSubscriber(ctx, sub)
	require.NoError(t, err)
	assert.False(t, changed)

	sub.Active = false
	changed, err = repo.UpsertSubscriber(ctx, sub)
	require.NoError(t, err)
	assert.True(t, changed)
}

// TestPersistenceError verifies driver failures carry the persistence code.
func TestPersistenceError(t *testing.T) {
	db, err := OpenMemory()
	require.NoError(t, err)
	repo := NewRepository(db.DB)
	// no migrations: every table is missing
	_, _, err = repo.UpsertDelivery(context.Background(), models.DeliveryPayload{RouteID: 1, SubscriberID: 1}, 1)
	assert.True(t, apperrors.Is(err, apperrors.ErrPersistence), "got %v", err)
	db.Close()
}
