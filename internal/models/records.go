package models

import "time"

// ChatProgress is the progress row written after every navigation step.
type ChatProgress struct {
	SessionID    string         `json:"session_id"`
	Role         Role           `json:"role"`
	SectionIndex int            `json:"section_index"`
	Status       ProgressStatus `json:"status"`
	QuestionKey  string         `json:"question_key"`
	FormData     FormData       `json:"form_data,omitempty"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// PrefillRecord is the payload handed to the registration form through a token.
type PrefillRecord struct {
	Token      string    `json:"token"`
	SessionID  string    `json:"session_id"`
	Role       Role      `json:"role"`
	Answers    FormData  `json:"answers"`
	Fields     FormData  `json:"fields,omitempty"`
	Transcript []Message `json:"transcript,omitempty"`
	AutoSubmit bool      `json:"auto_submit"`
	CreatedAt  time.Time `json:"created_at"`
}
