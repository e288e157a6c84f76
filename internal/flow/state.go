// Package flow implements the registration chat engine.
//
// An Engine owns one SessionContext per visitor. Every turn (a free-text
// message, an option click, a role pick, a resume) runs under that session's
// busy flag, mutates its explicit {stage, section, question} state, and is
// persisted through a StateManager before the turn returns.
package flow

import (
	"context"

	"github.com/BTreeMap/CarePipe/internal/models"
)

// StateManager defines the interface for managing persisted session state.
type StateManager interface {
	// GetCurrentState retrieves the stage stored for a session.
	GetCurrentState(ctx context.Context, sessionID string, flowType models.FlowType) (models.Stage, error)

	// SetCurrentState updates the stored stage for a session.
	SetCurrentState(ctx context.Context, sessionID string, flowType models.FlowType, state models.Stage) error

	// GetStateData retrieves one value of the session blob.
	GetStateData(ctx context.Context, sessionID string, flowType models.FlowType, key models.DataKey) (string, error)

	// SetStateData stores one value of the session blob.
	SetStateData(ctx context.Context, sessionID string, flowType models.FlowType, key models.DataKey, value string) error

	// SaveSnapshot replaces the stage and every given key in a single write.
	SaveSnapshot(ctx context.Context, sessionID string, flowType models.FlowType, state models.Stage, data map[models.DataKey]string) error

	// LoadState returns the whole blob, or nil when nothing is stored.
	LoadState(ctx context.Context, sessionID string, flowType models.FlowType) (*models.FlowState, error)

	// ResetState removes all state data for a session.
	ResetState(ctx context.Context, sessionID string, flowType models.FlowType) error
}
