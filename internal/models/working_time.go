// Package models provides data model definitions for routesync.
package models

// WorkingTime is a worker's time sheet for one day. (UserID, WorkDate) is unique.
type WorkingTime struct {
	ID           int64  `db:"id" json:"id"`
	UserID       int64  `db:"user_id" json:"user_id"`
	WorkDate     string `db:"work_date" json:"work_date"` // YYYY-MM-DD
	StartTime    int64  `db:"start_time" json:"start_time"`
	EndTime      int64  `db:"end_time" json:"end_time,omitempty"`
	BreakMinutes int    `db:"break_minutes" json:"break_minutes"`
	UpdatedAt    int64  `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for WorkingTime.
func (WorkingTime) TableName() string {
	return "working_times"
}

// Key returns the natural key.
func (w *WorkingTime) Key() string {
	return WorkingTimeKey(w.UserID, w.WorkDate)
}

// WorkingTimePayload is the queued/wire form of a working time mutation.
type WorkingTimePayload struct {
	UserID       int64  `json:"user_id"`
	WorkDate     string `json:"work_date"`
	StartTime    int64  `json:"start_time"`
	EndTime      int64  `json:"end_time,omitempty"`
	BreakMinutes int    `json:"break_minutes"`
}

// Key returns the natural key.
func (p WorkingTimePayload) Key() string {
	return WorkingTimeKey(p.UserID, p.WorkDate)
}
