package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/CarePipe/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func encodeStateData(data map[models.DataKey]string) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	return json.Marshal(data)
}

// decodeStateData never fails: a corrupt blob yields an empty map so the
// session restarts instead of wedging.
func decodeStateData(raw []byte, sessionID string) map[models.DataKey]string {
	data := make(map[models.DataKey]string)
	if len(raw) == 0 {
		return data
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		slog.Error("store.decodeStateData: JSON unmarshal failed", "error", err, "sessionID", sessionID)
		return make(map[models.DataKey]string)
	}
	return data
}

func encodeFormData(fd models.FormData) ([]byte, error) {
	if fd == nil {
		fd = models.FormData{}
	}
	return json.Marshal(fd)
}

func decodeFormData(raw []byte) (models.FormData, error) {
	fd := models.FormData{}
	if len(raw) == 0 {
		return fd, nil
	}
	if err := json.Unmarshal(raw, &fd); err != nil {
		return nil, fmt.Errorf("decode form data: %w", err)
	}
	return fd, nil
}

// scanNotification reads one row selected with notificationColumns.
func scanNotification(rows *sql.Rows) (Notification, error) {
	var n Notification
	var dedupeKey, lastError sql.NullString
	var claimedAt sql.NullTime
	if err := rows.Scan(
		&n.ID, &n.SessionID, &n.Kind, &n.Payload, &dedupeKey, &n.Status, &n.Attempts,
		&n.DueAt, &claimedAt, &lastError, &n.CreatedAt, &n.UpdatedAt,
	); err != nil {
		return n, fmt.Errorf("scan notification: %w", err)
	}
	n.DedupeKey = dedupeKey.String
	n.LastError = lastError.String
	if claimedAt.Valid {
		t := claimedAt.Time
		n.ClaimedAt = &t
	}
	return n, nil
}

// collectResponses drains a chat_responses query.
func collectResponses(rows *sql.Rows) ([]models.ChatResponse, error) {
	defer rows.Close()
	var out []models.ChatResponse
	for rows.Next() {
		var r models.ChatResponse
		var value []byte
		if err := rows.Scan(&r.SessionID, &r.Role, &r.SectionIndex, &r.QuestionKey, &value, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chat response: %w", err)
		}
		if err := json.Unmarshal(value, &r.Value); err != nil {
			return nil, fmt.Errorf("decode chat response %s: %w", r.QuestionKey, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat responses: %w", err)
	}
	return out, nil
}
