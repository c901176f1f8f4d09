// Package models provides data model definitions for routesync.
package models

import (
	"encoding/json"
	"time"
)

// Resolution records which side won a conflict.
type Resolution string

const (
	ResolutionNone   Resolution = ""
	ResolutionLocal  Resolution = "local"
	ResolutionServer Resolution = "server"
	// ResolutionMerged is reserved for imported audit records; the resolver
	// never produces it.
	ResolutionMerged Resolution = "merged"
)

// VersionSnapshot is one side of a divergence.
type VersionSnapshot struct {
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"` // unix millis
}

// Conflict records a detected divergence between a queued local mutation and
// the server's state for the same natural key. It is never deleted.
type Conflict struct {
	ID            UUID            `db:"id" json:"id"`
	QueueItemID   int64           `db:"queue_item_id" json:"queue_item_id"`
	EntityType    EntityType      `db:"entity_type" json:"entity_type"`
	EntityKey     string          `db:"entity_key" json:"entity_key"`
	Action        Action          `db:"action" json:"action"`
	LocalVersion  VersionSnapshot `db:"local_version" json:"local_version"`
	ServerVersion VersionSnapshot `db:"server_version" json:"server_version"`
	DetectedAt    int64           `db:"detected_at" json:"detected_at"`
	Resolved      bool            `db:"resolved" json:"resolved"`
	Resolution    Resolution      `db:"resolution" json:"resolution,omitempty"`
	ResolvedAt    int64           `db:"resolved_at" json:"resolved_at,omitempty"`
	// State mirrors Resolved as an indexable string ("open" / "resolved").
	State string `db:"state" json:"state"`
}

const (
	ConflictStateOpen     = "open"
	ConflictStateResolved = "resolved"
)

// TableName returns the bucket name for Conflict.
func (Conflict) TableName() string {
	return "conflicts"
}

// DetectedAtTime returns the DetectedAt as time.Time.
func (c *Conflict) DetectedAtTime() time.Time {
	return time.UnixMilli(c.DetectedAt)
}
