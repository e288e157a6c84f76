package flow

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/CarePipe/internal/models"
)

// FlowStateStore is the subset of the store the state manager needs.
type FlowStateStore interface {
	SaveFlowState(state models.FlowState) error
	GetFlowState(sessionID string, flowType models.FlowType) (*models.FlowState, error)
	DeleteFlowState(sessionID string, flowType models.FlowType) error
}

// StoreBasedStateManager implements StateManager using a store backend.
type StoreBasedStateManager struct {
	store FlowStateStore
	now   func() time.Time
}

// NewStoreBasedStateManager creates a new StateManager backed by a store.
func NewStoreBasedStateManager(st FlowStateStore) *StoreBasedStateManager {
	slog.Debug("Creating StoreBasedStateManager")
	return &StoreBasedStateManager{store: st, now: time.Now}
}

var _ StateManager = (*StoreBasedStateManager)(nil)

// GetCurrentState retrieves the stored stage for a session.
func (sm *StoreBasedStateManager) GetCurrentState(ctx context.Context, sessionID string, flowType models.FlowType) (models.Stage, error) {
	flowState, err := sm.store.GetFlowState(sessionID, flowType)
	if err != nil {
		slog.Error("StateManager.GetCurrentState error", "error", err, "sessionID", sessionID, "flowType", flowType)
		return "", err
	}
	if flowState == nil {
		slog.Debug("StateManager.GetCurrentState not found", "sessionID", sessionID, "flowType", flowType)
		return "", nil
	}
	return flowState.CurrentState, nil
}

// SetCurrentState updates the stored stage, creating the blob if needed.
func (sm *StoreBasedStateManager) SetCurrentState(ctx context.Context, sessionID string, flowType models.FlowType, state models.Stage) error {
	return sm.SaveSnapshot(ctx, sessionID, flowType, state, nil)
}

// GetStateData retrieves one value of the session blob. Missing values are "".
func (sm *StoreBasedStateManager) GetStateData(ctx context.Context, sessionID string, flowType models.FlowType, key models.DataKey) (string, error) {
	flowState, err := sm.store.GetFlowState(sessionID, flowType)
	if err != nil {
		slog.Error("StateManager.GetStateData error", "error", err, "sessionID", sessionID, "flowType", flowType, "key", key)
		return "", err
	}
	if flowState == nil || flowState.StateData == nil {
		return "", nil
	}
	return flowState.StateData[key], nil
}

// SetStateData stores one value without touching the stage.
func (sm *StoreBasedStateManager) SetStateData(ctx context.Context, sessionID string, flowType models.FlowType, key models.DataKey, value string) error {
	flowState, err := sm.store.GetFlowState(sessionID, flowType)
	if err != nil {
		slog.Error("StateManager.SetStateData get error", "error", err, "sessionID", sessionID, "flowType", flowType, "key", key)
		return err
	}
	var stage models.Stage
	if flowState != nil {
		stage = flowState.CurrentState
	}
	return sm.SaveSnapshot(ctx, sessionID, flowType, stage, map[models.DataKey]string{key: value})
}

// SaveSnapshot merges data into the stored blob and sets the stage. An empty
// value deletes its key.
func (sm *StoreBasedStateManager) SaveSnapshot(ctx context.Context, sessionID string, flowType models.FlowType, state models.Stage, data map[models.DataKey]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	flowState, err := sm.store.GetFlowState(sessionID, flowType)
	if err != nil {
		slog.Error("StateManager.SaveSnapshot get error", "error", err, "sessionID", sessionID, "flowType", flowType)
		return err
	}

	now := sm.now()
	if flowState == nil {
		flowState = &models.FlowState{
			SessionID: sessionID,
			FlowType:  flowType,
			StateData: make(map[models.DataKey]string),
			CreatedAt: now,
		}
	}
	if flowState.StateData == nil {
		flowState.StateData = make(map[models.DataKey]string)
	}
	flowState.CurrentState = state
	flowState.UpdatedAt = now
	for k, v := range data {
		if v == "" {
			delete(flowState.StateData, k)
			continue
		}
		flowState.StateData[k] = v
	}

	if err := sm.store.SaveFlowState(*flowState); err != nil {
		slog.Error("StateManager.SaveSnapshot save error", "error", err, "sessionID", sessionID, "flowType", flowType)
		return err
	}
	slog.Debug("StateManager.SaveSnapshot succeeded", "sessionID", sessionID, "flowType", flowType, "state", state, "keys", len(data))
	return nil
}

// LoadState returns the stored blob or nil.
func (sm *StoreBasedStateManager) LoadState(ctx context.Context, sessionID string, flowType models.FlowType) (*models.FlowState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return sm.store.GetFlowState(sessionID, flowType)
}

// ResetState removes all state data for a session.
func (sm *StoreBasedStateManager) ResetState(ctx context.Context, sessionID string, flowType models.FlowType) error {
	if err := sm.store.DeleteFlowState(sessionID, flowType); err != nil {
		slog.Error("StateManager.ResetState error", "error", err, "sessionID", sessionID, "flowType", flowType)
		return err
	}
	slog.Info("StateManager.ResetState succeeded", "sessionID", sessionID, "flowType", flowType)
	return nil
}
