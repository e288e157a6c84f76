// Package models defines the chat data model shared by the engine, the store and the API.
package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Role is the visitor category that selects which question script applies.
type Role string

const (
	RoleFamily       Role = "family"
	RoleProfessional Role = "professional"
	RoleCommunity    Role = "community"
)

// AllRoles lists the roles in the order they are offered to visitors.
var AllRoles = []Role{RoleFamily, RoleProfessional, RoleCommunity}

// IsValid reports whether r is one of the known roles.
func (r Role) IsValid() bool {
	switch r {
	case RoleFamily, RoleProfessional, RoleCommunity:
		return true
	default:
		return false
	}
}

// ParseRole converts a raw identifier into a Role.
func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	return r, r.IsValid()
}

// Stage is the coarse phase of a conversation.
type Stage string

const (
	StageIntro      Stage = "intro"
	StageQuestions  Stage = "questions"
	StageCompletion Stage = "completion"
)

// ChatMode selects how bot text is produced.
type ChatMode string

const (
	ChatModeAI       ChatMode = "ai"
	ChatModeScripted ChatMode = "scripted"
	ChatModeHybrid   ChatMode = "hybrid"
)

// IsValid reports whether m is a known mode.
func (m ChatMode) IsValid() bool {
	switch m {
	case ChatModeAI, ChatModeScripted, ChatModeHybrid:
		return true
	default:
		return false
	}
}

// Chat configuration validation errors.
var (
	ErrInvalidChatMode          = errors.New("chat mode must be one of ai, scripted, hybrid")
	ErrInvalidTemperature       = errors.New("temperature must be between 0 and 1")
	ErrInvalidFallbackThreshold = errors.New("fallback threshold must be at least 1")
)

// ChatConfig is the process-wide chat configuration.
type ChatConfig struct {
	Mode              ChatMode `json:"mode"`
	Temperature       float64  `json:"temperature"`
	FallbackThreshold int      `json:"fallback_threshold"`
}

// DefaultChatConfig returns the configuration used when nothing has been persisted yet.
func DefaultChatConfig() ChatConfig {
	return ChatConfig{
		Mode:              ChatModeHybrid,
		Temperature:       0.7,
		FallbackThreshold: 2,
	}
}

// Validate checks the configuration bounds.
func (c ChatConfig) Validate() error {
	if !c.Mode.IsValid() {
		return ErrInvalidChatMode
	}
	if c.Temperature < 0 || c.Temperature > 1 {
		return ErrInvalidTemperature
	}
	if c.FallbackThreshold < 1 {
		return ErrInvalidFallbackThreshold
	}
	return nil
}

// Option is a quick reply offered alongside a bot message.
type Option struct {
	ID      string `json:"id"`
	Label   string `json:"label"`
	Subtext string `json:"subtext,omitempty"`
}

// Message is one turn of the transcript. Timestamp is epoch milliseconds.
type Message struct {
	Content   string   `json:"content"`
	IsUser    bool     `json:"is_user"`
	Timestamp int64    `json:"timestamp"`
	Options   []Option `json:"options,omitempty"`
}

// QuestionType classifies how a question expects to be answered.
type QuestionType string

const (
	QuestionTypeText        QuestionType = "text"
	QuestionTypeSelect      QuestionType = "select"
	QuestionTypeMultiSelect QuestionType = "multiselect"
	QuestionTypeCheckbox    QuestionType = "checkbox"
	QuestionTypeConfirm     QuestionType = "confirm"
)

// FieldType is the kind of free-text input a question expects.
type FieldType string

const (
	FieldTypeNone   FieldType = ""
	FieldTypeEmail  FieldType = "email"
	FieldTypePhone  FieldType = "phone"
	FieldTypeName   FieldType = "name"
	FieldTypeBudget FieldType = "budget"
)

// Question is one entry of a role's script.
type Question struct {
	ID      string       `json:"id"`
	Label   string       `json:"label"`
	Type    QuestionType `json:"type"`
	Field   FieldType    `json:"field,omitempty"`
	Options []Option     `json:"options,omitempty"`
}

// IsMultiSelect reports whether the question accumulates several answers.
func (q Question) IsMultiSelect() bool {
	return q.Type == QuestionTypeMultiSelect || q.Type == QuestionTypeCheckbox
}

// Answer is a single string or, for multi-select questions, an ordered list.
type Answer struct {
	Value  string
	Values []string
}

// TextAnswer builds a single-value answer.
func TextAnswer(v string) Answer { return Answer{Value: v} }

// ListAnswer builds a multi-value answer. The slice is copied.
func ListAnswer(vs []string) Answer {
	return Answer{Values: append([]string(nil), vs...)}
}

// IsList reports whether the answer holds multiple values.
func (a Answer) IsList() bool { return a.Values != nil }

// String renders the answer for transcripts and prompts.
func (a Answer) String() string {
	if a.IsList() {
		return strings.Join(a.Values, ", ")
	}
	return a.Value
}

// MarshalJSON encodes a list answer as a JSON array and a single answer as a string.
func (a Answer) MarshalJSON() ([]byte, error) {
	if a.IsList() {
		return json.Marshal(a.Values)
	}
	return json.Marshal(a.Value)
}

// UnmarshalJSON accepts either a string or an array of strings.
func (a *Answer) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var vs []string
		if err := json.Unmarshal(data, &vs); err != nil {
			return fmt.Errorf("decode list answer: %w", err)
		}
		if vs == nil {
			vs = []string{}
		}
		*a = Answer{Values: vs}
		return nil
	}
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("decode answer: %w", err)
	}
	*a = Answer{Value: v}
	return nil
}

// FormData maps question keys to answers.
type FormData map[string]Answer

// Clone returns a deep copy.
func (f FormData) Clone() FormData {
	out := make(FormData, len(f))
	for k, v := range f {
		if v.IsList() {
			out[k] = ListAnswer(v.Values)
		} else {
			out[k] = v
		}
	}
	return out
}

// QuestionKey is the formData key for a question slot.
func QuestionKey(sectionIndex, questionIndex int) string {
	return fmt.Sprintf("section_%d_question_%d", sectionIndex, questionIndex)
}

// Progress is the persisted position of a session within its questionnaire.
type Progress struct {
	Role          Role     `json:"role,omitempty"`
	Stage         Stage    `json:"stage,omitempty"`
	SectionIndex  int      `json:"section_index"`
	QuestionIndex int      `json:"question_index"`
	FormData      FormData `json:"form_data,omitempty"`
}

// ProgressStatus is the status written alongside progress updates.
type ProgressStatus string

const (
	ProgressStatusInProgress ProgressStatus = "in_progress"
	ProgressStatusCompleted  ProgressStatus = "completed"
)

// ChatResponse is one persisted answer.
type ChatResponse struct {
	SessionID    string `json:"session_id"`
	Role         Role   `json:"role"`
	SectionIndex int    `json:"section_index"`
	QuestionKey  string `json:"question_key"`
	Value        Answer `json:"value"`
	CreatedAt    int64  `json:"created_at"`
}
