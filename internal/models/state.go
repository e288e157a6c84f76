// Package models defines state management structures for CarePipe flows.
package models

import "time"

// FlowState is the key-value blob persisted for one session (or the settings owner) in a flow.
type FlowState struct {
	SessionID    string             `json:"session_id"`
	FlowType     FlowType           `json:"flow_type"`
	CurrentState Stage              `json:"current_state"`
	StateData    map[DataKey]string `json:"state_data,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}
