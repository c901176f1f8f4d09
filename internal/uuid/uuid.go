// Package uuid generates and validates the v4 identifiers routesync assigns
// on the client: conflict ids, batch client ids and message uids.
package uuid

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/kimhsiao/routesync/internal/models"
)

// New generates a new UUID v4.
func New() string {
	return uuid.New().String()
}

// NewUID generates a message uid.
func NewUID() models.UUID {
	return models.UUID(uuid.New().String())
}

// ParseUID validates a client-assigned uid and returns it in canonical
// lowercase form. Only v4 uids are accepted.
func ParseUID(s string) (models.UUID, error) {
	s = strings.TrimSpace(s)
	if len(s) != 36 {
		return "", fmt.Errorf("invalid uid %q: want 36 characters, got %d", s, len(s))
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid uid %q: %w", s, err)
	}
	if id.Version() != 4 {
		return "", fmt.Errorf("invalid uid %q: expected v4, got v%d", s, id.Version())
	}
	if id.Variant() != uuid.RFC4122 {
		return "", fmt.Errorf("invalid uid %q: unexpected variant", s)
	}
	return models.UUID(id.String()), nil
}

// IsValid reports whether s is an acceptable uid.
func IsValid(s string) bool {
	_, err := ParseUID(s)
	return err == nil
}
