// Package models provides data model definitions for routesync.
package models

// Circuit is a named delivery-route template covering a fixed set of
// subscriber addresses.
type Circuit struct {
	ID   int64  `db:"id" json:"id"`
	Name string `db:"name" json:"name"`
}

// TableName returns the table name for Circuit.
func (Circuit) TableName() string {
	return "circuits"
}

// Subscriber is a delivery address on a circuit. Subscribers are populated by
// CSV import and address normalization, outside the sync path.
type Subscriber struct {
	ID        int64  `db:"id" json:"id"`
	CircuitID int64  `db:"circuit_id" json:"circuit_id"`
	Name      string `db:"name" json:"name"`
	Address   string `db:"address" json:"address"`
	Active    bool   `db:"active" json:"active"`
	UpdatedAt int64  `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for Subscriber.
func (Subscriber) TableName() string {
	return "subscribers"
}
