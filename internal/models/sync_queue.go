// Package models provides data model definitions for routesync.
package models

import "encoding/json"

// EntityType names the kind of resource a queued mutation targets.
type EntityType string

const (
	EntityDelivery    EntityType = "delivery"
	EntityMessage     EntityType = "message"
	EntityRoute       EntityType = "route"
	EntityWorkingTime EntityType = "workingTime"
)

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	switch t {
	case EntityDelivery, EntityMessage, EntityRoute, EntityWorkingTime:
		return true
	}
	return false
}

// Action is the mutation kind.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// QueueStatus is the lifecycle state of a SyncQueueItem.
//
//	pending -> syncing -> synced (removed)
//	                   -> pending, retry_count++ (status failed, still eligible)
//	                   -> failed (terminal once retry_count reaches the limit)
//	                   -> pending, blocked_by set (conflict awaiting resolution)
type QueueStatus string

const (
	QueueStatusPending QueueStatus = "pending"
	QueueStatusSyncing QueueStatus = "syncing"
	QueueStatusSynced  QueueStatus = "synced"
	QueueStatusFailed  QueueStatus = "failed"
)

// SyncQueueItem is a durable record of a client-side mutation awaiting
// server confirmation. Timestamps are unix milliseconds.
type SyncQueueItem struct {
	ID            int64           `db:"id" json:"id"`
	EntityType    EntityType      `db:"entity_type" json:"entity_type"`
	Action        Action          `db:"action" json:"action"`
	Payload       json.RawMessage `db:"payload" json:"payload"`
	CreatedAt     int64           `db:"created_at" json:"created_at"`
	Status        QueueStatus     `db:"status" json:"status"`
	RetryCount    int             `db:"retry_count" json:"retry_count"`
	LastAttemptAt int64           `db:"last_attempt_at" json:"last_attempt_at,omitempty"`
	LastError     string          `db:"last_error" json:"last_error,omitempty"`
	BlockedBy     string          `db:"blocked_by" json:"blocked_by,omitempty"` // conflict id
}

// TableName returns the bucket name for SyncQueueItem.
func (SyncQueueItem) TableName() string {
	return "sync_queue"
}

// Blocked reports whether the item waits on an unresolved conflict.
func (i *SyncQueueItem) Blocked() bool {
	return i.BlockedBy != ""
}
