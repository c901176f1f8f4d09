// Package db provides the PostgreSQL server store.
package db

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	apperrors "github.com/kimhsiao/routesync/internal/errors"
	"github.com/kimhsiao/routesync/internal/models"
)

// PostgresStore is the pgx-backed server Store for shared deployments.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects a pool to dsn and applies the server migrations.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to reach database: %w", err)
	}

	// goose speaks database/sql; borrow the pool for the migration run.
	sqlDB := stdlib.OpenDBFromPool(pool)
	defer sqlDB.Close()
	if err := Migrate(ctx, sqlDB, SchemaServerPostgres); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// NewPostgresStore wraps an existing pool. The schema must already be applied.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Ping verifies the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return apperrors.Wrap(apperrors.ErrPersistence, "ping database", err)
	}
	return nil
}

func pgErr(op string, err error) error {
	if stderrors.Is(err, pgx.ErrNoRows) {
		return apperrors.Wrap(apperrors.ErrNotFound, op, err)
	}
	return apperrors.Wrap(apperrors.ErrPersistence, op, err)
}

// UpsertDelivery writes the delivery keyed by (route, subscriber).
func (s *PostgresStore) UpsertDelivery(ctx context.Context, p models.DeliveryPayload, at int64) (*models.DeliveryRecord, bool, error) {
	var deliveredAt int64
	if p.IsDelivered {
		deliveredAt = at
	}
	tag, err := s.pool.Exec(ctx, `
	INSERT INTO deliveries (route_id, subscriber_id, is_delivered, delivered_at, notes, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (route_id, subscriber_id) DO UPDATE SET
		is_delivered = EXCLUDED.is_delivered,
		delivered_at = EXCLUDED.delivered_at,
		notes = EXCLUDED.notes,
		updated_at = EXCLUDED.updated_at
	WHERE deliveries.is_delivered IS DISTINCT FROM EXCLUDED.is_delivered
	   OR deliveries.notes IS DISTINCT FROM EXCLUDED.notes
	`, p.RouteID, p.SubscriberID, p.IsDelivered, deliveredAt, p.Notes, at)
	if err != nil {
		return nil, false, pgErr("upsert delivery", err)
	}

	record, err := s.GetDelivery(ctx, p.RouteID, p.SubscriberID)
	if err != nil {
		return nil, false, err
	}
	return record, tag.RowsAffected() > 0, nil
}

// GetDelivery retrieves a delivery by natural key.
func (s *PostgresStore) GetDelivery(ctx context.Context, routeID, subscriberID int64) (*models.DeliveryRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+deliveryColumns+`
	FROM deliveries WHERE route_id = $1 AND subscriber_id = $2`, routeID, subscriberID)
	d, err := scanDelivery(row)
	if err != nil {
		return nil, pgErr(fmt.Sprintf("get delivery %s", models.DeliveryKey(routeID, subscriberID)), err)
	}
	return d, nil
}

// DeleteDelivery removes a delivery and reports whether it existed.
func (s *PostgresStore) DeleteDelivery(ctx context.Context, routeID, subscriberID int64) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM deliveries WHERE route_id = $1 AND subscriber_id = $2`, routeID, subscriberID)
	if err != nil {
		return false, pgErr("delete delivery", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListRouteDeliveries returns all deliveries of a route ordered by subscriber.
func (s *PostgresStore) ListRouteDeliveries(ctx context.Context, routeID int64) ([]*models.DeliveryRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+deliveryColumns+`
	FROM deliveries WHERE route_id = $1 ORDER BY subscriber_id`, routeID)
	if err != nil {
		return nil, pgErr("list deliveries", err)
	}
	defer rows.Close()

	var records []*models.DeliveryRecord
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, pgErr("scan delivery", err)
		}
		records = append(records, d)
	}
	if err := rows.Err(); err != nil {
		return nil, pgErr("list deliveries", err)
	}
	return records, nil
}

// UpsertWorkingTime writes the time sheet keyed by (user, work date).
func (s *PostgresStore) UpsertWorkingTime(ctx context.Context, p models.WorkingTimePayload, at int64) (*models.WorkingTime, bool, error) {
	tag, err := s.pool.Exec(ctx, `
	INSERT INTO working_times (user_id, work_date, start_time, end_time, break_minutes, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (user_id, work_date) DO UPDATE SET
		start_time = EXCLUDED.start_time,
		end_time = EXCLUDED.end_time,
		break_minutes = EXCLUDED.break_minutes,
		updated_at = EXCLUDED.updated_at
	WHERE working_times.start_time IS DISTINCT FROM EXCLUDED.start_time
	   OR working_times.end_time IS DISTINCT FROM EXCLUDED.end_time
	   OR working_times.break_minutes IS DISTINCT FROM EXCLUDED.break_minutes
	`, p.UserID, p.WorkDate, p.StartTime, p.EndTime, p.BreakMinutes, at)
	if err != nil {
		return nil, false, pgErr("upsert working time", err)
	}

	wt, err := s.GetWorkingTime(ctx, p.UserID, p.WorkDate)
	if err != nil {
		return nil, false, err
	}
	return wt, tag.RowsAffected() > 0, nil
}

// GetWorkingTime retrieves a time sheet by natural key.
func (s *PostgresStore) GetWorkingTime(ctx context.Context, userID int64, workDate string) (*models.WorkingTime, error) {
	var wt models.WorkingTime
	err := s.pool.QueryRow(ctx, `
	SELECT id, user_id, work_date, start_time, end_time, break_minutes, updated_at
	FROM working_times WHERE user_id = $1 AND work_date = $2
	`, userID, workDate).Scan(&wt.ID, &wt.UserID, &wt.WorkDate,
		&wt.StartTime, &wt.EndTime, &wt.BreakMinutes, &wt.UpdatedAt)
	if err != nil {
		return nil, pgErr(fmt.Sprintf("get working time %s", models.WorkingTimeKey(userID, workDate)), err)
	}
	return &wt, nil
}

func scanPgRoute(row pgx.Row) (*models.Route, error) {
	var rt models.Route
	var status string
	if err := row.Scan(&rt.ID, &rt.CircuitID, &rt.UserID, &rt.Date, &status,
		&rt.StartTime, &rt.EndTime, &rt.UpdatedAt); err != nil {
		return nil, err
	}
	rt.Status = models.RouteStatus(status)
	return &rt, nil
}

// CreateRoute inserts a route. A zero ID is assigned by the sequence.
func (s *PostgresStore) CreateRoute(ctx context.Context, route *models.Route) error {
	if route.Status == "" {
		route.Status = models.RouteNotStarted
	}
	if route.ID != 0 {
		_, err := s.pool.Exec(ctx, `
		INSERT INTO routes (id, circuit_id, user_id, date, status, start_time, end_time, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, route.ID, route.CircuitID, route.UserID, route.Date, string(route.Status),
			route.StartTime, route.EndTime, route.UpdatedAt)
		if err != nil {
			return pgErr("create route", err)
		}
		return nil
	}
	err := s.pool.QueryRow(ctx, `
	INSERT INTO routes (circuit_id, user_id, date, status, start_time, end_time, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id
	`, route.CircuitID, route.UserID, route.Date, string(route.Status),
		route.StartTime, route.EndTime, route.UpdatedAt).Scan(&route.ID)
	if err != nil {
		return pgErr("create route", err)
	}
	return nil
}

// GetRoute retrieves a route by ID.
func (s *PostgresStore) GetRoute(ctx context.Context, id int64) (*models.Route, error) {
	rt, err := scanPgRoute(s.pool.QueryRow(ctx, `SELECT `+routeColumns+` FROM routes WHERE id = $1`, id))
	if err != nil {
		return nil, pgErr(fmt.Sprintf("get route %d", id), err)
	}
	return rt, nil
}

// UpdateRouteStatus applies a forward transition under a row lock.
func (s *PostgresStore) UpdateRouteStatus(ctx context.Context, id int64, to models.RouteStatus, at int64) (*models.Route, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, pgErr("begin route update", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rt, err := scanPgRoute(tx.QueryRow(ctx, `SELECT `+routeColumns+` FROM routes WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, false, pgErr(fmt.Sprintf("get route %d", id), err)
	}

	changed, err := rt.Transition(to, at)
	if err != nil || !changed {
		return rt, false, err
	}

	if _, err := tx.Exec(ctx, `
	UPDATE routes SET status = $1, start_time = $2, end_time = $3, updated_at = $4 WHERE id = $5
	`, string(rt.Status), rt.StartTime, rt.EndTime, rt.UpdatedAt, rt.ID); err != nil {
		return nil, false, pgErr("update route status", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, pgErr("commit route update", err)
	}
	return rt, true, nil
}

// ResetRoute moves a route back to not-started.
func (s *PostgresStore) ResetRoute(ctx context.Context, id int64, at int64) (*models.Route, error) {
	rt, err := scanPgRoute(s.pool.QueryRow(ctx, `
	UPDATE routes SET status = $1, start_time = 0, end_time = 0, updated_at = $2 WHERE id = $3
	RETURNING `+routeColumns, string(models.RouteNotStarted), at, id))
	if err != nil {
		return nil, pgErr(fmt.Sprintf("reset route %d", id), err)
	}
	return rt, nil
}

// InsertMessage stores a message keyed by UID.
func (s *PostgresStore) InsertMessage(ctx context.Context, senderID int64, p models.MessagePayload, at int64) (*models.Message, bool, error) {
	tag, err := s.pool.Exec(ctx, `
	INSERT INTO messages (uid, route_id, sender_id, body, read_at, created_at)
	VALUES ($1, $2, $3, $4, 0, $5)
	ON CONFLICT (uid) DO NOTHING
	`, p.UID.String(), p.RouteID, senderID, p.Body, at)
	if err != nil {
		return nil, false, pgErr("insert message", err)
	}
	m, err := s.getMessage(ctx, p.UID)
	if err != nil {
		return nil, false, err
	}
	return m, tag.RowsAffected() > 0, nil
}

// MarkMessageRead stamps ReadAt once.
func (s *PostgresStore) MarkMessageRead(ctx context.Context, uid models.UUID, at int64) (*models.Message, bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE messages SET read_at = $1 WHERE uid = $2 AND read_at = 0`, at, uid.String())
	if err != nil {
		return nil, false, pgErr("mark message read", err)
	}
	m, err := s.getMessage(ctx, uid)
	if err != nil {
		return nil, false, err
	}
	return m, tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) getMessage(ctx context.Context, uid models.UUID) (*models.Message, error) {
	var m models.Message
	var storedUID string
	err := s.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE uid = $1`, uid.String()).
		Scan(&m.ID, &storedUID, &m.RouteID, &m.SenderID, &m.Body, &m.ReadAt, &m.CreatedAt)
	if err != nil {
		return nil, pgErr(fmt.Sprintf("get message %s", uid), err)
	}
	m.UID = models.UUID(storedUID)
	return &m, nil
}

// CreateCircuit inserts a circuit, assigning its ID.
func (s *PostgresStore) CreateCircuit(ctx context.Context, circuit *models.Circuit) error {
	err := s.pool.QueryRow(ctx, `INSERT INTO circuits (name) VALUES ($1) RETURNING id`, circuit.Name).
		Scan(&circuit.ID)
	if err != nil {
		return pgErr("create circuit", err)
	}
	return nil
}

// UpsertSubscriber inserts a new subscriber (zero ID) or updates an existing one.
func (s *PostgresStore) UpsertSubscriber(ctx context.Context, sub *models.Subscriber) (bool, error) {
	if sub.ID == 0 {
		err := s.pool.QueryRow(ctx, `
		INSERT INTO subscribers (circuit_id, name, address, active, updated_at)
		VALUES ($1, $2, $3, $4, $5) RETURNING id
		`, sub.CircuitID, sub.Name, sub.Address, sub.Active, sub.UpdatedAt).Scan(&sub.ID)
		if err != nil {
			return false, pgErr("insert subscriber", err)
		}
		return true, nil
	}

	tag, err := s.pool.Exec(ctx, `
	INSERT INTO subscribers (id, circuit_id, name, address, active, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (id) DO UPDATE SET
		circuit_id = EXCLUDED.circuit_id,
		name = EXCLUDED.name,
		address = EXCLUDED.address,
		active = EXCLUDED.active,
		updated_at = EXCLUDED.updated_at
	WHERE subscribers.circuit_id IS DISTINCT FROM EXCLUDED.circuit_id
	   OR subscribers.name IS DISTINCT FROM EXCLUDED.name
	   OR subscribers.address IS DISTINCT FROM EXCLUDED.address
	   OR subscribers.active IS DISTINCT FROM EXCLUDED.active
	`, sub.ID, sub.CircuitID, sub.Name, sub.Address, sub.Active, sub.UpdatedAt)
	if err != nil {
		return false, pgErr("upsert subscriber", err)
	}
	return tag.RowsAffected() > 0, nil
}
