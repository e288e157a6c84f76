// Package models holds the chat data model, the request bodies the API
// accepts and the JSON envelope every reply is wrapped in.
package models

import (
	"errors"
	"fmt"
	"strings"
)

const (
	MaxMessageLength  = 4096
	MaxOptionIDLength = 100
	MaxTurnIDLength   = 128
)

var (
	ErrEmptyMessage      = errors.New("text cannot be empty")
	ErrMessageTooLong    = errors.New("text exceeds maximum length")
	ErrEmptyOptionID     = errors.New("option_id cannot be empty")
	ErrOptionIDTooLong   = errors.New("option_id exceeds maximum length")
	ErrEmptyRoleSelected = errors.New("role cannot be empty")
	ErrTurnIDTooLong     = errors.New("turn_id exceeds maximum length")
)

// ValidationError names the request field that failed. It unwraps to one of
// the sentinel errors above.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string { return e.Err.Error() }

func (e *ValidationError) Unwrap() error { return e.Err }

func invalid(field string, err error) error {
	return &ValidationError{Field: field, Err: err}
}

// IsValidationError reports whether err came from a request Validate method.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func checkTurnID(id string) error {
	if len(id) > MaxTurnIDLength {
		return invalid("turn_id", ErrTurnIDTooLong)
	}
	return nil
}

// MessageRequest is a free-text submission.
type MessageRequest struct {
	Text   string `json:"text"`
	TurnID string `json:"turn_id,omitempty"`
}

func (r *MessageRequest) Validate() error {
	switch {
	case strings.TrimSpace(r.Text) == "":
		return invalid("text", ErrEmptyMessage)
	case len(r.Text) > MaxMessageLength:
		return invalid("text", fmt.Errorf("%w (%d bytes)", ErrMessageTooLong, MaxMessageLength))
	}
	return checkTurnID(r.TurnID)
}

// OptionRequest is a quick-reply click.
type OptionRequest struct {
	OptionID string `json:"option_id"`
	TurnID   string `json:"turn_id,omitempty"`
}

func (r *OptionRequest) Validate() error {
	switch {
	case r.OptionID == "":
		return invalid("option_id", ErrEmptyOptionID)
	case len(r.OptionID) > MaxOptionIDLength:
		return invalid("option_id", ErrOptionIDTooLong)
	}
	return checkTurnID(r.TurnID)
}

// RoleRequest selects a role, or resume/restart for a saved session.
type RoleRequest struct {
	Role   string `json:"role"`
	TurnID string `json:"turn_id,omitempty"`
}

func (r *RoleRequest) Validate() error {
	if strings.TrimSpace(r.Role) == "" {
		return invalid("role", ErrEmptyRoleSelected)
	}
	return checkTurnID(r.TurnID)
}
