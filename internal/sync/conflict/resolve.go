package conflict

import (
	"encoding/json"
	"fmt"

	apperrors "github.com/kimhsiao/routesync/internal/errors"
	"github.com/kimhsiao/routesync/internal/models"
)

// CanonicalState is the value both sides converge on after a resolution.
type CanonicalState struct {
	EntityType models.EntityType
	EntityKey  string
	Payload    json.RawMessage
	Timestamp  int64
	Winner     models.Resolution
}

// Resolve computes the canonical state for choice without side effects.
// Only local and server are supported; there is no automatic merge.
func Resolve(c *models.Conflict, choice models.Resolution) (CanonicalState, error) {
	if c == nil {
		return CanonicalState{}, apperrors.New(apperrors.ErrValidation, "nil conflict")
	}
	if c.Resolved {
		return CanonicalState{}, apperrors.New(apperrors.ErrAlreadyResolved,
			fmt.Sprintf("conflict %s already resolved as %s", c.ID, c.Resolution))
	}

	state := CanonicalState{
		EntityType: c.EntityType,
		EntityKey:  c.EntityKey,
		Winner:     choice,
	}
	switch choice {
	case models.ResolutionLocal:
		state.Payload = c.LocalVersion.Payload
		state.Timestamp = c.LocalVersion.Timestamp
	case models.ResolutionServer:
		state.Payload = c.ServerVersion.Payload
		state.Timestamp = c.ServerVersion.Timestamp
	default:
		return CanonicalState{}, apperrors.New(apperrors.ErrValidation,
			fmt.Sprintf("unsupported resolution %q", choice))
	}
	return state, nil
}

// Detect reports a divergence when the server changed the key after the
// local mutation was made and holds a different value for the contested
// field. A newer server timestamp with an equal value is a normal overwrite.
func Detect(entityType models.EntityType, key string, local, server apperrors.Version, contestedDiffers bool) *apperrors.ConflictError {
	if server.Timestamp <= local.Timestamp || !contestedDiffers {
		return nil
	}
	return &apperrors.ConflictError{
		EntityType: string(entityType),
		EntityKey:  key,
		Local:      local,
		Server:     server,
	}
}
