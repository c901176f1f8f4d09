// Package models provides data model definitions for routesync.
package models

import "encoding/json"

// ItemStatus is the server's verdict on one batch item.
type ItemStatus string

const (
	ItemSynced ItemStatus = "synced"
	ItemFailed ItemStatus = "failed"
)

// BatchItem is one queued mutation on the wire.
type BatchItem struct {
	ClientID        string          `json:"clientId"`
	EntityType      EntityType      `json:"entity_type"`
	EntityID        string          `json:"entity_id"`
	Action          Action          `json:"action"`
	Data            json.RawMessage `json:"data"`
	ClientTimestamp int64           `json:"client_timestamp"`
}

// BatchRequest is the body of POST /api/sync.
type BatchRequest struct {
	Items []BatchItem `json:"items"`
}

// BatchResult reports the outcome of one BatchItem, correlated by ClientID.
// Code carries the error code of a failure so the client can tell a
// malformed item from a transient one.
type BatchResult struct {
	ClientID string     `json:"clientId"`
	Status   ItemStatus `json:"status"`
	ServerID string     `json:"serverId,omitempty"`
	Error    string     `json:"error,omitempty"`
	Code     string     `json:"code,omitempty"`
}

// BatchResponse is the body returned by POST /api/sync.
type BatchResponse struct {
	Results []BatchResult `json:"results"`
}
