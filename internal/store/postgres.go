package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/CarePipe/internal/models"
	_ "github.com/lib/pq"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore is the shared backend for multi-instance deployments.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects with lib/pq and applies the schema.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	cfg := resolveOpts(opts)
	if cfg.DSN == "" {
		return nil, errNoDSN
	}
	db, err := openDB("PostgresStore", "postgres", cfg.DSN, postgresMigrations, cfg.ConnectTimeout, func(db *sql.DB) {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxOpenConns)
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	})
	if err != nil {
		return nil, err
	}
	slog.Debug("PostgresStore.NewPostgresStore: ready", "maxOpenConns", cfg.MaxOpenConns)
	return &PostgresStore{db: db}, nil
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing PostgreSQL database connection")
	return s.db.Close()
}

// SaveFlowState stores or updates the state blob for a session.
func (s *PostgresStore) SaveFlowState(state models.FlowState) error {
	stateData, err := encodeStateData(state.StateData)
	if err != nil {
		slog.Error("PostgresStore.SaveFlowState: JSON marshal failed", "error", err, "sessionID", state.SessionID)
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO flow_states (session_id, flow_type, current_state, state_data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (session_id, flow_type)
		DO UPDATE SET
			current_state = EXCLUDED.current_state,
			state_data = EXCLUDED.state_data,
			updated_at = EXCLUDED.updated_at`,
		state.SessionID, state.FlowType, state.CurrentState, stateData, state.CreatedAt, state.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore.SaveFlowState failed", "error", err, "sessionID", state.SessionID, "flowType", state.FlowType)
		return fmt.Errorf("save flow state for %s: %w", state.SessionID, err)
	}
	slog.Debug("PostgresStore.SaveFlowState succeeded", "sessionID", state.SessionID, "flowType", state.FlowType, "state", state.CurrentState)
	return nil
}

// GetFlowState returns nil, nil when the session has no stored state.
func (s *PostgresStore) GetFlowState(sessionID string, flowType models.FlowType) (*models.FlowState, error) {
	var state models.FlowState
	var stateData []byte
	err := s.db.QueryRow(`SELECT session_id, flow_type, current_state, state_data, created_at, updated_at
		FROM flow_states WHERE session_id = $1 AND flow_type = $2`, sessionID, flowType).Scan(
		&state.SessionID, &state.FlowType, &state.CurrentState, &stateData, &state.CreatedAt, &state.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore.GetFlowState failed", "error", err, "sessionID", sessionID, "flowType", flowType)
		return nil, fmt.Errorf("get flow state for %s: %w", sessionID, err)
	}
	state.StateData = decodeStateData(stateData, sessionID)
	return &state, nil
}

func (s *PostgresStore) DeleteFlowState(sessionID string, flowType models.FlowType) error {
	if _, err := s.db.Exec(`DELETE FROM flow_states WHERE session_id = $1 AND flow_type = $2`, sessionID, flowType); err != nil {
		slog.Error("PostgresStore.DeleteFlowState failed", "error", err, "sessionID", sessionID, "flowType", flowType)
		return fmt.Errorf("delete flow state for %s: %w", sessionID, err)
	}
	slog.Debug("PostgresStore.DeleteFlowState succeeded", "sessionID", sessionID, "flowType", flowType)
	return nil
}

// SaveChatResponse upserts one answer; the latest value per question key wins.
func (s *PostgresStore) SaveChatResponse(r models.ChatResponse) error {
	value, err := json.Marshal(r.Value)
	if err != nil {
		return fmt.Errorf("encode chat response: %w", err)
	}
	if r.CreatedAt == 0 {
		r.CreatedAt = time.Now().UnixMilli()
	}
	_, err = s.db.Exec(`
		INSERT INTO chat_responses (session_id, role, section_index, question_key, value, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (session_id, question_key)
		DO UPDATE SET role = EXCLUDED.role, section_index = EXCLUDED.section_index,
			value = EXCLUDED.value, created_at = EXCLUDED.created_at`,
		r.SessionID, r.Role, r.SectionIndex, r.QuestionKey, value, r.CreatedAt)
	if err != nil {
		slog.Error("PostgresStore.SaveChatResponse failed", "error", err, "sessionID", r.SessionID, "questionKey", r.QuestionKey)
		return fmt.Errorf("save chat response %s: %w", r.QuestionKey, err)
	}
	slog.Debug("PostgresStore.SaveChatResponse succeeded", "sessionID", r.SessionID, "questionKey", r.QuestionKey)
	return nil
}

func (s *PostgresStore) GetSessionResponses(sessionID string) ([]models.ChatResponse, error) {
	rows, err := s.db.Query(`SELECT session_id, role, section_index, question_key, value, created_at
		FROM chat_responses WHERE session_id = $1 ORDER BY created_at ASC`, sessionID)
	if err != nil {
		slog.Error("PostgresStore.GetSessionResponses query failed", "error", err, "sessionID", sessionID)
		return nil, fmt.Errorf("query chat responses: %w", err)
	}
	return collectResponses(rows)
}

func (s *PostgresStore) UpdateChatProgress(p models.ChatProgress) error {
	formData, err := encodeFormData(p.FormData)
	if err != nil {
		return fmt.Errorf("encode progress form data: %w", err)
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	_, err = s.db.Exec(`
		INSERT INTO chat_progress (session_id, role, section_index, status, question_key, form_data, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (session_id)
		DO UPDATE SET role = EXCLUDED.role, section_index = EXCLUDED.section_index, status = EXCLUDED.status,
			question_key = EXCLUDED.question_key, form_data = EXCLUDED.form_data, updated_at = EXCLUDED.updated_at`,
		p.SessionID, p.Role, p.SectionIndex, p.Status, p.QuestionKey, formData, p.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore.UpdateChatProgress failed", "error", err, "sessionID", p.SessionID)
		return fmt.Errorf("update chat progress for %s: %w", p.SessionID, err)
	}
	slog.Debug("PostgresStore.UpdateChatProgress succeeded", "sessionID", p.SessionID, "section", p.SectionIndex, "status", p.Status)
	return nil
}

func (s *PostgresStore) GetChatProgress(sessionID string) (*models.ChatProgress, error) {
	var p models.ChatProgress
	var formData []byte
	err := s.db.QueryRow(`SELECT session_id, role, section_index, status, question_key, form_data, updated_at
		FROM chat_progress WHERE session_id = $1`, sessionID).Scan(
		&p.SessionID, &p.Role, &p.SectionIndex, &p.Status, &p.QuestionKey, &formData, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get chat progress for %s: %w", sessionID, err)
	}
	if p.FormData, err = decodeFormData(formData); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) SavePrefill(p models.PrefillRecord) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode prefill: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO prefill_records (token, session_id, role, payload, created_at) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (token) DO UPDATE SET payload = EXCLUDED.payload`,
		p.Token, p.SessionID, p.Role, payload, p.CreatedAt)
	if err != nil {
		slog.Error("PostgresStore.SavePrefill failed", "error", err, "sessionID", p.SessionID)
		return fmt.Errorf("save prefill: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPrefill(token string) (*models.PrefillRecord, error) {
	var payload []byte
	err := s.db.QueryRow(`SELECT payload FROM prefill_records WHERE token = $1`, token).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrPrefillNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get prefill: %w", err)
	}
	var p models.PrefillRecord
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decode prefill: %w", err)
	}
	return &p, nil
}
