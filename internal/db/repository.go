// Package db provides CRUD repository operations for routesync server data.
package db

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"sync"

	apperrors "github.com/kimhsiao/routesync/internal/errors"
	"github.com/kimhsiao/routesync/internal/models"
)

// Repository is the SQLite-backed server Store.
// Frequently used queries go through a prepared statement cache.
type Repository struct {
	db *sql.DB

	// Statements are prepared on first use and cached for reuse
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// PrepareStmt gets or creates a prepared statement from cache.
// Key is the query string, value is the prepared statement.
func (r *Repository) PrepareStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	// If already stored by another goroutine, use existing
	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}

	return stmt, nil
}

// Close closes all cached prepared statements.
// The underlying *sql.DB is owned by the caller.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.stmtCache.Delete(key)
		return true
	})
	return firstErr
}

// Ping verifies the database is reachable.
func (r *Repository) Ping(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return apperrors.Wrap(apperrors.ErrPersistence, "ping database", err)
	}
	return nil
}

// persistErr classifies a driver error. sql.ErrNoRows becomes ErrNotFound,
// everything else ErrPersistence.
func persistErr(op string, err error) error {
	if stderrors.Is(err, sql.ErrNoRows) {
		return apperrors.Wrap(apperrors.ErrNotFound, op, err)
	}
	return apperrors.Wrap(apperrors.ErrPersistence, op, err)
}

// =====================================================
// Delivery Operations
// =====================================================

const deliveryColumns = `id, route_id, subscriber_id, is_delivered, delivered_at, notes, updated_at`

func scanDelivery(row interface{ Scan(...interface{}) error }) (*models.DeliveryRecord, error) {
	var d models.DeliveryRecord
	if err := row.Scan(&d.ID, &d.RouteID, &d.SubscriberID, &d.IsDelivered,
		&d.DeliveredAt, &d.Notes, &d.UpdatedAt); err != nil {
		return nil, err
	}
	return &d, nil
}

// UpsertDelivery writes the delivery keyed by (route, subscriber).
// The DO UPDATE only fires when a value differs, so a replayed batch leaves
// updated_at unchanged and reports changed=false.
func (r *Repository) UpsertDelivery(ctx context.Context, p models.DeliveryPayload, at int64) (*models.DeliveryRecord, bool, error) {
	query := `
	INSERT INTO deliveries (route_id, subscriber_id, is_delivered, delivered_at, notes, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(route_id, subscriber_id) DO UPDATE SET
		is_delivered = excluded.is_delivered,
		delivered_at = excluded.delivered_at,
		notes = excluded.notes,
		updated_at = excluded.updated_at
	WHERE deliveries.is_delivered IS NOT excluded.is_delivered
	   OR deliveries.notes IS NOT excluded.notes
	`
	stmt, err := r.PrepareStmt(ctx, query)
	if err != nil {
		return nil, false, persistErr("prepare upsert delivery", err)
	}

	var deliveredAt int64
	if p.IsDelivered {
		deliveredAt = at
	}
	result, err := stmt.ExecContext(ctx, p.RouteID, p.SubscriberID, p.IsDelivered, deliveredAt, p.Notes, at)
	if err != nil {
		return nil, false, persistErr("upsert delivery", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, false, persistErr("upsert delivery", err)
	}

	record, err := r.GetDelivery(ctx, p.RouteID, p.SubscriberID)
	if err != nil {
		return nil, false, err
	}
	return record, rows > 0, nil
}

// GetDelivery retrieves a delivery by natural key.
func (r *Repository) GetDelivery(ctx context.Context, routeID, subscriberID int64) (*models.DeliveryRecord, error) {
	stmt, err := r.PrepareStmt(ctx, `SELECT `+deliveryColumns+` FROM deliveries WHERE route_id = ? AND subscriber_id = ?`)
	if err != nil {
		return nil, persistErr("prepare get delivery", err)
	}
	d, err := scanDelivery(stmt.QueryRowContext(ctx, routeID, subscriberID))
	if err != nil {
		return nil, persistErr(fmt.Sprintf("get delivery %s", models.DeliveryKey(routeID, subscriberID)), err)
	}
	return d, nil
}

// DeleteDelivery removes a delivery and reports whether it existed.
func (r *Repository) DeleteDelivery(ctx context.Context, routeID, subscriberID int64) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM deliveries WHERE route_id = ? AND subscriber_id = ?`, routeID, subscriberID)
	if err != nil {
		return false, persistErr("delete delivery", err)
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// ListRouteDeliveries returns all deliveries of a route ordered by subscriber.
func (r *Repository) ListRouteDeliveries(ctx context.Context, routeID int64) ([]*models.DeliveryRecord, error) {
	stmt, err := r.PrepareStmt(ctx, `SELECT `+deliveryColumns+` FROM deliveries WHERE route_id = ? ORDER BY subscriber_id`)
	if err != nil {
		return nil, persistErr("prepare list deliveries", err)
	}
	rows, err := stmt.QueryContext(ctx, routeID)
	if err != nil {
		return nil, persistErr("list deliveries", err)
	}
	defer rows.Close()

	var records []*models.DeliveryRecord
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, persistErr("scan delivery", err)
		}
		records = append(records, d)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("list deliveries", err)
	}
	return records, nil
}

// =====================================================
// Working Time Operations
// =====================================================

// UpsertWorkingTime writes the time sheet keyed by (user, work date).
func (r *Repository) UpsertWorkingTime(ctx context.Context, p models.WorkingTimePayload, at int64) (*models.WorkingTime, bool, error) {
	query := `
	INSERT INTO working_times (user_id, work_date, start_time, end_time, break_minutes, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id, work_date) DO UPDATE SET
		start_time = excluded.start_time,
		end_time = excluded.end_time,
		break_minutes = excluded.break_minutes,
		updated_at = excluded.updated_at
	WHERE working_times.start_time IS NOT excluded.start_time
	   OR working_times.end_time IS NOT excluded.end_time
	   OR working_times.break_minutes IS NOT excluded.break_minutes
	`
	stmt, err := r.PrepareStmt(ctx, query)
	if err != nil {
		return nil, false, persistErr("prepare upsert working time", err)
	}
	result, err := stmt.ExecContext(ctx, p.UserID, p.WorkDate, p.StartTime, p.EndTime, p.BreakMinutes, at)
	if err != nil {
		return nil, false, persistErr("upsert working time", err)
	}
	rows, _ := result.RowsAffected()

	wt, err := r.GetWorkingTime(ctx, p.UserID, p.WorkDate)
	if err != nil {
		return nil, false, err
	}
	return wt, rows > 0, nil
}

// GetWorkingTime retrieves a time sheet by natural key.
func (r *Repository) GetWorkingTime(ctx context.Context, userID int64, workDate string) (*models.WorkingTime, error) {
	query := `
	SELECT id, user_id, work_date, start_time, end_time, break_minutes, updated_at
	FROM working_times WHERE user_id = ? AND work_date = ?
	`
	stmt, err := r.PrepareStmt(ctx, query)
	if err != nil {
		return nil, persistErr("prepare get working time", err)
	}
	var wt models.WorkingTime
	err = stmt.QueryRowContext(ctx, userID, workDate).Scan(&wt.ID, &wt.UserID, &wt.WorkDate,
		&wt.StartTime, &wt.EndTime, &wt.BreakMinutes, &wt.UpdatedAt)
	if err != nil {
		return nil, persistErr(fmt.Sprintf("get working time %s", models.WorkingTimeKey(userID, workDate)), err)
	}
	return &wt, nil
}

// =====================================================
// Route Operations
// =====================================================

const routeColumns = `id, circuit_id, user_id, date, status, start_time, end_time, updated_at`

func scanRoute(row interface{ Scan(...interface{}) error }) (*models.Route, error) {
	var rt models.Route
	if err := row.Scan(&rt.ID, &rt.CircuitID, &rt.UserID, &rt.Date, &rt.Status,
		&rt.StartTime, &rt.EndTime, &rt.UpdatedAt); err != nil {
		return nil, err
	}
	return &rt, nil
}

// CreateRoute inserts a route. A zero ID is assigned by the database.
func (r *Repository) CreateRoute(ctx context.Context, route *models.Route) error {
	if route.Status == "" {
		route.Status = models.RouteNotStarted
	}
	var id interface{}
	if route.ID != 0 {
		id = route.ID
	}
	result, err := r.db.ExecContext(ctx, `
	INSERT INTO routes (id, circuit_id, user_id, date, status, start_time, end_time, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, id, route.CircuitID, route.UserID, route.Date, route.Status,
		route.StartTime, route.EndTime, route.UpdatedAt)
	if err != nil {
		return persistErr("create route", err)
	}
	if route.ID == 0 {
		if route.ID, err = result.LastInsertId(); err != nil {
			return persistErr("create route", err)
		}
	}
	return nil
}

// GetRoute retrieves a route by ID.
func (r *Repository) GetRoute(ctx context.Context, id int64) (*models.Route, error) {
	stmt, err := r.PrepareStmt(ctx, `SELECT `+routeColumns+` FROM routes WHERE id = ?`)
	if err != nil {
		return nil, persistErr("prepare get route", err)
	}
	rt, err := scanRoute(stmt.QueryRowContext(ctx, id))
	if err != nil {
		return nil, persistErr(fmt.Sprintf("get route %d", id), err)
	}
	return rt, nil
}

// UpdateRouteStatus applies a forward transition inside a transaction.
func (r *Repository) UpdateRouteStatus(ctx context.Context, id int64, to models.RouteStatus, at int64) (*models.Route, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, persistErr("begin route update", err)
	}
	defer func() { _ = tx.Rollback() }()

	rt, err := scanRoute(tx.QueryRowContext(ctx, `SELECT `+routeColumns+` FROM routes WHERE id = ?`, id))
	if err != nil {
		return nil, false, persistErr(fmt.Sprintf("get route %d", id), err)
	}

	changed, err := rt.Transition(to, at)
	if err != nil || !changed {
		return rt, false, err
	}

	if _, err := tx.ExecContext(ctx, `
	UPDATE routes SET status = ?, start_time = ?, end_time = ?, updated_at = ? WHERE id = ?
	`, rt.Status, rt.StartTime, rt.EndTime, rt.UpdatedAt, rt.ID); err != nil {
		return nil, false, persistErr("update route status", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, persistErr("commit route update", err)
	}
	return rt, true, nil
}

// ResetRoute moves a route back to not-started.
func (r *Repository) ResetRoute(ctx context.Context, id int64, at int64) (*models.Route, error) {
	rt, err := r.GetRoute(ctx, id)
	if err != nil {
		return nil, err
	}
	rt.Reset(at)
	if _, err := r.db.ExecContext(ctx, `
	UPDATE routes SET status = ?, start_time = 0, end_time = 0, updated_at = ? WHERE id = ?
	`, rt.Status, rt.UpdatedAt, rt.ID); err != nil {
		return nil, persistErr("reset route", err)
	}
	return rt, nil
}

// =====================================================
// Message Operations
// =====================================================

const messageColumns = `id, uid, route_id, sender_id, body, read_at, created_at`

func scanMessage(row interface{ Scan(...interface{}) error }) (*models.Message, error) {
	var m models.Message
	if err := row.Scan(&m.ID, &m.UID, &m.RouteID, &m.SenderID, &m.Body, &m.ReadAt, &m.CreatedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

// InsertMessage stores a message keyed by UID.
func (r *Repository) InsertMessage(ctx context.Context, senderID int64, p models.MessagePayload, at int64) (*models.Message, bool, error) {
	result, err := r.db.ExecContext(ctx, `
	INSERT INTO messages (uid, route_id, sender_id, body, read_at, created_at)
	VALUES (?, ?, ?, ?, 0, ?)
	ON CONFLICT(uid) DO NOTHING
	`, p.UID, p.RouteID, senderID, p.Body, at)
	if err != nil {
		return nil, false, persistErr("insert message", err)
	}
	rows, _ := result.RowsAffected()

	m, err := r.getMessage(ctx, p.UID)
	if err != nil {
		return nil, false, err
	}
	return m, rows > 0, nil
}

// MarkMessageRead stamps ReadAt once.
func (r *Repository) MarkMessageRead(ctx context.Context, uid models.UUID, at int64) (*models.Message, bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE messages SET read_at = ? WHERE uid = ? AND read_at = 0`, at, uid)
	if err != nil {
		return nil, false, persistErr("mark message read", err)
	}
	rows, _ := result.RowsAffected()

	m, err := r.getMessage(ctx, uid)
	if err != nil {
		return nil, false, err
	}
	return m, rows > 0, nil
}

func (r *Repository) getMessage(ctx context.Context, uid models.UUID) (*models.Message, error) {
	stmt, err := r.PrepareStmt(ctx, `SELECT `+messageColumns+` FROM messages WHERE uid = ?`)
	if err != nil {
		return nil, persistErr("prepare get message", err)
	}
	m, err := scanMessage(stmt.QueryRowContext(ctx, uid))
	if err != nil {
		return nil, persistErr(fmt.Sprintf("get message %s", uid), err)
	}
	return m, nil
}

// =====================================================
// Circuit / Subscriber Operations
// =====================================================

// CreateCircuit inserts a circuit, assigning its ID.
func (r *Repository) CreateCircuit(ctx context.Context, circuit *models.Circuit) error {
	result, err := r.db.ExecContext(ctx, `INSERT INTO circuits (name) VALUES (?)`, circuit.Name)
	if err != nil {
		return persistErr("create circuit", err)
	}
	if circuit.ID, err = result.LastInsertId(); err != nil {
		return persistErr("create circuit", err)
	}
	return nil
}

// UpsertSubscriber inserts a new subscriber (zero ID) or updates an existing
// one, reporting whether anything changed.
func (r *Repository) UpsertSubscriber(ctx context.Context, sub *models.Subscriber) (bool, error) {
	if sub.ID == 0 {
		result, err := r.db.ExecContext(ctx, `
		INSERT INTO subscribers (circuit_id, name, address, active, updated_at) VALUES (?, ?, ?, ?, ?)
		`, sub.CircuitID, sub.Name, sub.Address, sub.Active, sub.UpdatedAt)
		if err != nil {
			return false, persistErr("insert subscriber", err)
		}
		if sub.ID, err = result.LastInsertId(); err != nil {
			return false, persistErr("insert subscriber", err)
		}
		return true, nil
	}

	result, err := r.db.ExecContext(ctx, `
	INSERT INTO subscribers (id, circuit_id, name, address, active, updated_at) VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		circuit_id = excluded.circuit_id,
		name = excluded.name,
		address = excluded.address,
		active = excluded.active,
		updated_at = excluded.updated_at
	WHERE subscribers.circuit_id IS NOT excluded.circuit_id
	   OR subscribers.name IS NOT excluded.name
	   OR subscribers.address IS NOT excluded.address
	   OR subscribers.active IS NOT excluded.active
	`, sub.ID, sub.CircuitID, sub.Name, sub.Address, sub.Active, sub.UpdatedAt)
	if err != nil {
		return false, persistErr("upsert subscriber", err)
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}
