package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// TurnLedger remembers client-supplied turn ids per session so a replayed
// request is not applied twice.
type TurnLedger interface {
	// ClaimTurn records turnID for sessionID. It returns false when the pair
	// was already claimed.
	ClaimTurn(sessionID, turnID string) (bool, error)

	// CompleteTurn marks a claimed turn as applied.
	CompleteTurn(sessionID, turnID string) error

	// ForgetTurn drops a claim whose turn never took effect, so the client
	// may retry it with the same id.
	ForgetTurn(sessionID, turnID string) error

	// PruneTurns deletes entries received before cutoff.
	PruneTurns(cutoff time.Time) (int, error)
}

// TurnEntry is one row of the ledger.
type TurnEntry struct {
	SessionID   string
	TurnID      string
	ReceivedAt  time.Time
	CompletedAt *time.Time
}

var (
	_ TurnLedger = (*SQLiteStore)(nil)
	_ TurnLedger = (*PostgresStore)(nil)
)

type ledgerQueries struct {
	claim, complete, forget, prune string
}

var (
	sqliteLedger = ledgerQueries{
		claim:    `INSERT INTO turn_ledger (session_id, turn_id, received_at) VALUES (?1, ?2, ?3) ON CONFLICT (session_id, turn_id) DO NOTHING`,
		complete: `UPDATE turn_ledger SET completed_at = ?1 WHERE session_id = ?2 AND turn_id = ?3`,
		forget:   `DELETE FROM turn_ledger WHERE session_id = ?1 AND turn_id = ?2 AND completed_at IS NULL`,
		prune:    `DELETE FROM turn_ledger WHERE received_at < ?1`,
	}
	postgresLedger = ledgerQueries{
		claim:    `INSERT INTO turn_ledger (session_id, turn_id, received_at) VALUES ($1, $2, $3) ON CONFLICT (session_id, turn_id) DO NOTHING`,
		complete: `UPDATE turn_ledger SET completed_at = $1 WHERE session_id = $2 AND turn_id = $3`,
		forget:   `DELETE FROM turn_ledger WHERE session_id = $1 AND turn_id = $2 AND completed_at IS NULL`,
		prune:    `DELETE FROM turn_ledger WHERE received_at < $1`,
	}
)

func claimTurn(db *sql.DB, q ledgerQueries, sessionID, turnID string) (bool, error) {
	res, err := db.Exec(q.claim, sessionID, turnID, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("claim turn %s/%s: %w", sessionID, turnID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim turn %s/%s: %w", sessionID, turnID, err)
	}
	return n == 1, nil
}

func execLedger(db *sql.DB, op, query string, args ...any) (int, error) {
	res, err := db.Exec(query, args...)
	if err != nil {
		return 0, fmt.Errorf("%s turn: %w", op, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) ClaimTurn(sessionID, turnID string) (bool, error) {
	return claimTurn(s.db, sqliteLedger, sessionID, turnID)
}

func (s *SQLiteStore) CompleteTurn(sessionID, turnID string) error {
	_, err := execLedger(s.db, "complete", sqliteLedger.complete, time.Now().UTC(), sessionID, turnID)
	return err
}

func (s *SQLiteStore) ForgetTurn(sessionID, turnID string) error {
	_, err := execLedger(s.db, "forget", sqliteLedger.forget, sessionID, turnID)
	return err
}

func (s *SQLiteStore) PruneTurns(cutoff time.Time) (int, error) {
	n, err := execLedger(s.db, "prune", sqliteLedger.prune, cutoff.UTC())
	if n > 0 {
		slog.Debug("SQLiteStore.PruneTurns", "deleted", n)
	}
	return n, err
}

func (s *PostgresStore) ClaimTurn(sessionID, turnID string) (bool, error) {
	return claimTurn(s.db, postgresLedger, sessionID, turnID)
}

func (s *PostgresStore) CompleteTurn(sessionID, turnID string) error {
	_, err := execLedger(s.db, "complete", postgresLedger.complete, time.Now().UTC(), sessionID, turnID)
	return err
}

func (s *PostgresStore) ForgetTurn(sessionID, turnID string) error {
	_, err := execLedger(s.db, "forget", postgresLedger.forget, sessionID, turnID)
	return err
}

func (s *PostgresStore) PruneTurns(cutoff time.Time) (int, error) {
	n, err := execLedger(s.db, "prune", postgresLedger.prune, cutoff.UTC())
	if n > 0 {
		slog.Debug("PostgresStore.PruneTurns", "deleted", n)
	}
	return n, err
}
