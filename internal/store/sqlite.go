package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/CarePipe/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore is the default single-node backend. The database file lives
// under the state directory.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the database file named by the DSN.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	cfg := resolveOpts(opts)
	if cfg.DSN == "" {
		return nil, errNoDSN
	}
	if err := ensureSQLiteDir(cfg.DSN); err != nil {
		return nil, err
	}
	db, err := openDB("SQLiteStore", "sqlite3", sqliteDSN(cfg.DSN), sqliteMigrations, cfg.ConnectTimeout, func(db *sql.DB) {
		// One writer at a time; a single connection keeps SQLITE_BUSY away.
		db.SetMaxOpenConns(1)
	})
	if err != nil {
		return nil, err
	}
	slog.Debug("SQLiteStore.NewSQLiteStore: ready", "path", sqlitePath(cfg.DSN))
	return &SQLiteStore{db: db}, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}

// SaveFlowState stores or updates the state blob for a session.
func (s *SQLiteStore) SaveFlowState(state models.FlowState) error {
	stateData, err := encodeStateData(state.StateData)
	if err != nil {
		slog.Error("SQLiteStore.SaveFlowState: JSON marshal failed", "error", err, "sessionID", state.SessionID)
		return err
	}
	_, err = s.db.Exec(`INSERT OR REPLACE INTO flow_states (session_id, flow_type, current_state, state_data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		state.SessionID, state.FlowType, state.CurrentState, string(stateData), state.CreatedAt, state.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore.SaveFlowState failed", "error", err, "sessionID", state.SessionID, "flowType", state.FlowType)
		return fmt.Errorf("save flow state for %s: %w", state.SessionID, err)
	}
	slog.Debug("SQLiteStore.SaveFlowState succeeded", "sessionID", state.SessionID, "flowType", state.FlowType, "state", state.CurrentState)
	return nil
}

// GetFlowState returns nil, nil when the session has no stored state.
func (s *SQLiteStore) GetFlowState(sessionID string, flowType models.FlowType) (*models.FlowState, error) {
	var state models.FlowState
	var stateData sql.NullString
	err := s.db.QueryRow(`SELECT session_id, flow_type, current_state, state_data, created_at, updated_at
		FROM flow_states WHERE session_id = ? AND flow_type = ?`, sessionID, flowType).Scan(
		&state.SessionID, &state.FlowType, &state.CurrentState, &stateData, &state.CreatedAt, &state.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore.GetFlowState failed", "error", err, "sessionID", sessionID, "flowType", flowType)
		return nil, fmt.Errorf("get flow state for %s: %w", sessionID, err)
	}
	state.StateData = decodeStateData([]byte(stateData.String), sessionID)
	return &state, nil
}

func (s *SQLiteStore) DeleteFlowState(sessionID string, flowType models.FlowType) error {
	if _, err := s.db.Exec(`DELETE FROM flow_states WHERE session_id = ? AND flow_type = ?`, sessionID, flowType); err != nil {
		slog.Error("SQLiteStore.DeleteFlowState failed", "error", err, "sessionID", sessionID, "flowType", flowType)
		return fmt.Errorf("delete flow state for %s: %w", sessionID, err)
	}
	slog.Debug("SQLiteStore.DeleteFlowState succeeded", "sessionID", sessionID, "flowType", flowType)
	return nil
}

// SaveChatResponse upserts one answer; the latest value per question key wins.
func (s *SQLiteStore) SaveChatResponse(r models.ChatResponse) error {
	value, err := json.Marshal(r.Value)
	if err != nil {
		return fmt.Errorf("encode chat response: %w", err)
	}
	if r.CreatedAt == 0 {
		r.CreatedAt = time.Now().UnixMilli()
	}
	_, err = s.db.Exec(`INSERT OR REPLACE INTO chat_responses (session_id, role, section_index, question_key, value, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`, r.SessionID, r.Role, r.SectionIndex, r.QuestionKey, string(value), r.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore.SaveChatResponse failed", "error", err, "sessionID", r.SessionID, "questionKey", r.QuestionKey)
		return fmt.Errorf("save chat response %s: %w", r.QuestionKey, err)
	}
	slog.Debug("SQLiteStore.SaveChatResponse succeeded", "sessionID", r.SessionID, "questionKey", r.QuestionKey)
	return nil
}

func (s *SQLiteStore) GetSessionResponses(sessionID string) ([]models.ChatResponse, error) {
	rows, err := s.db.Query(`SELECT session_id, role, section_index, question_key, value, created_at
		FROM chat_responses WHERE session_id = ? ORDER BY created_at ASC`, sessionID)
	if err != nil {
		slog.Error("SQLiteStore.GetSessionResponses query failed", "error", err, "sessionID", sessionID)
		return nil, fmt.Errorf("query chat responses: %w", err)
	}
	return collectResponses(rows)
}

func (s *SQLiteStore) UpdateChatProgress(p models.ChatProgress) error {
	formData, err := encodeFormData(p.FormData)
	if err != nil {
		return fmt.Errorf("encode progress form data: %w", err)
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	_, err = s.db.Exec(`INSERT OR REPLACE INTO chat_progress (session_id, role, section_index, status, question_key, form_data, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`, p.SessionID, p.Role, p.SectionIndex, p.Status, p.QuestionKey, string(formData), p.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore.UpdateChatProgress failed", "error", err, "sessionID", p.SessionID)
		return fmt.Errorf("update chat progress for %s: %w", p.SessionID, err)
	}
	slog.Debug("SQLiteStore.UpdateChatProgress succeeded", "sessionID", p.SessionID, "section", p.SectionIndex, "status", p.Status)
	return nil
}

func (s *SQLiteStore) GetChatProgress(sessionID string) (*models.ChatProgress, error) {
	var p models.ChatProgress
	var formData sql.NullString
	err := s.db.QueryRow(`SELECT session_id, role, section_index, status, question_key, form_data, updated_at
		FROM chat_progress WHERE session_id = ?`, sessionID).Scan(
		&p.SessionID, &p.Role, &p.SectionIndex, &p.Status, &p.QuestionKey, &formData, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get chat progress for %s: %w", sessionID, err)
	}
	if p.FormData, err = decodeFormData([]byte(formData.String)); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *SQLiteStore) SavePrefill(p models.PrefillRecord) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode prefill: %w", err)
	}
	_, err = s.db.Exec(`INSERT OR REPLACE INTO prefill_records (token, session_id, role, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		p.Token, p.SessionID, p.Role, string(payload), p.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore.SavePrefill failed", "error", err, "sessionID", p.SessionID)
		return fmt.Errorf("save prefill: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetPrefill(token string) (*models.PrefillRecord, error) {
	var payload string
	err := s.db.QueryRow(`SELECT payload FROM prefill_records WHERE token = ?`, token).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrPrefillNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get prefill: %w", err)
	}
	var p models.PrefillRecord
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return nil, fmt.Errorf("decode prefill: %w", err)
	}
	return &p, nil
}
