package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/BTreeMap/CarePipe/internal/util"
)

var (
	_ OutboxRepo = (*SQLiteStore)(nil)
	_ OutboxRepo = (*PostgresStore)(nil)
)

const notificationColumns = `id, session_id, kind, payload, dedupe_key, status, attempts, due_at, claimed_at, last_error, created_at, updated_at`

// notificationQueries holds the dialect-specific statements of the queue.
// SQLite and Postgres share the same shape; only placeholders and row locking
// differ.
type notificationQueries struct {
	findActive string
	insert     string
	claim      string
	complete   string
	retry      string
	abandon    string
	release    string
	count      string
}

func buildNotificationQueries(ph func(int) string, lockClause string) notificationQueries {
	return notificationQueries{
		findActive: `SELECT id FROM notifications WHERE dedupe_key = ` + ph(1) + ` AND status IN ('pending', 'claimed') LIMIT 1`,
		insert: `INSERT INTO notifications (id, session_id, kind, payload, dedupe_key, status, attempts, due_at, created_at, updated_at)
			VALUES (` + ph(1) + `, ` + ph(2) + `, ` + ph(3) + `, ` + ph(4) + `, ` + ph(5) + `, 'pending', 0, ` + ph(6) + `, ` + ph(6) + `, ` + ph(6) + `)`,
		claim: `UPDATE notifications SET status = 'claimed', claimed_at = ` + ph(1) + `, updated_at = ` + ph(1) + `
			WHERE id IN (SELECT id FROM notifications WHERE status = 'pending' AND due_at <= ` + ph(1) + `
				ORDER BY due_at, created_at LIMIT ` + ph(2) + lockClause + `)
			RETURNING ` + notificationColumns,
		complete: `UPDATE notifications SET status = 'delivered', claimed_at = NULL, updated_at = ` + ph(1) + ` WHERE id = ` + ph(2),
		retry: `UPDATE notifications SET status = 'pending', attempts = attempts + 1, last_error = ` + ph(1) + `,
			due_at = ` + ph(2) + `, claimed_at = NULL, updated_at = ` + ph(3) + ` WHERE id = ` + ph(4),
		abandon: `UPDATE notifications SET status = 'dead', attempts = attempts + 1, last_error = ` + ph(1) + `,
			claimed_at = NULL, updated_at = ` + ph(2) + ` WHERE id = ` + ph(3),
		release: `UPDATE notifications SET status = 'pending', claimed_at = NULL, updated_at = ` + ph(1) + `
			WHERE status = 'claimed' AND claimed_at < ` + ph(2),
		count: `SELECT status, COUNT(*) FROM notifications GROUP BY status`,
	}
}

var (
	sqliteNotificationQueries   = buildNotificationQueries(func(i int) string { return fmt.Sprintf("?%d", i) }, "")
	postgresNotificationQueries = buildNotificationQueries(func(i int) string { return fmt.Sprintf("$%d", i) }, " FOR UPDATE SKIP LOCKED")
)

// notificationQueue runs the queue statements against either backend.
type notificationQueue struct {
	db    *sql.DB
	q     notificationQueries
	owner string
}

func (nq notificationQueue) enqueue(n Notification) (string, error) {
	if n.DedupeKey != "" {
		var existing string
		err := nq.db.QueryRow(nq.q.findActive, n.DedupeKey).Scan(&existing)
		switch {
		case err == nil:
			slog.Debug(nq.owner+".EnqueueNotification: collapsed onto active row", "dedupeKey", n.DedupeKey, "id", existing)
			return existing, nil
		case !errors.Is(err, sql.ErrNoRows):
			return "", fmt.Errorf("look up notification %q: %w", n.DedupeKey, err)
		}
	}
	id := util.GenerateRandomID("ntf_", 24)
	now := time.Now().UTC()
	if _, err := nq.db.Exec(nq.q.insert, id, n.SessionID, n.Kind, n.Payload, nilIfEmpty(n.DedupeKey), now); err != nil {
		return "", fmt.Errorf("insert notification: %w", err)
	}
	slog.Debug(nq.owner+".EnqueueNotification", "id", id, "sessionID", n.SessionID, "kind", n.Kind)
	return id, nil
}

func (nq notificationQueue) claim(now time.Time, limit int) ([]Notification, error) {
	rows, err := nq.db.Query(nq.q.claim, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("claim notifications: %w", err)
	}
	defer rows.Close()
	var out []Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimed notifications: %w", err)
	}
	// RETURNING does not promise the subquery's order.
	sortNotifications(out)
	return out, nil
}

func (nq notificationQueue) update(op, query string, args ...any) error {
	res, err := nq.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("%s notification: %w", op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		slog.Warn(nq.owner+": notification update matched no rows", "op", op)
	}
	return nil
}

func (nq notificationQueue) release(claimedBefore time.Time) (int, error) {
	res, err := nq.db.Exec(nq.q.release, time.Now().UTC(), claimedBefore.UTC())
	if err != nil {
		return 0, fmt.Errorf("release stale notification claims: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info(nq.owner+".ReleaseStaleClaims", "released", n)
	}
	return int(n), nil
}

func (nq notificationQueue) count() (NotificationCounts, error) {
	rows, err := nq.db.Query(nq.q.count)
	if err != nil {
		return nil, fmt.Errorf("count notifications: %w", err)
	}
	defer rows.Close()
	counts := NotificationCounts{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan notification count: %w", err)
		}
		counts[NotificationStatus(strings.TrimSpace(status))] = n
	}
	return counts, rows.Err()
}

func sortNotifications(ns []Notification) {
	sort.SliceStable(ns, func(i, j int) bool {
		if !ns[i].DueAt.Equal(ns[j].DueAt) {
			return ns[i].DueAt.Before(ns[j].DueAt)
		}
		return ns[i].CreatedAt.Before(ns[j].CreatedAt)
	})
}

func (s *SQLiteStore) notifications() notificationQueue {
	return notificationQueue{db: s.db, q: sqliteNotificationQueries, owner: "SQLiteStore"}
}

func (s *SQLiteStore) EnqueueNotification(n Notification) (string, error) {
	return s.notifications().enqueue(n)
}

func (s *SQLiteStore) ClaimNotifications(now time.Time, limit int) ([]Notification, error) {
	return s.notifications().claim(now, limit)
}

func (s *SQLiteStore) CompleteNotification(id string) error {
	return s.notifications().update("complete", sqliteNotificationQueries.complete, time.Now().UTC(), id)
}

func (s *SQLiteStore) RetryNotification(id, errMsg string, dueAt time.Time) error {
	return s.notifications().update("retry", sqliteNotificationQueries.retry, errMsg, dueAt.UTC(), time.Now().UTC(), id)
}

func (s *SQLiteStore) AbandonNotification(id, errMsg string) error {
	return s.notifications().update("abandon", sqliteNotificationQueries.abandon, errMsg, time.Now().UTC(), id)
}

func (s *SQLiteStore) ReleaseStaleClaims(claimedBefore time.Time) (int, error) {
	return s.notifications().release(claimedBefore)
}

func (s *SQLiteStore) CountNotifications() (NotificationCounts, error) {
	return s.notifications().count()
}

func (s *PostgresStore) notifications() notificationQueue {
	return notificationQueue{db: s.db, q: postgresNotificationQueries, owner: "PostgresStore"}
}

func (s *PostgresStore) EnqueueNotification(n Notification) (string, error) {
	return s.notifications().enqueue(n)
}

func (s *PostgresStore) ClaimNotifications(now time.Time, limit int) ([]Notification, error) {
	return s.notifications().claim(now, limit)
}

func (s *PostgresStore) CompleteNotification(id string) error {
	return s.notifications().update("complete", postgresNotificationQueries.complete, time.Now().UTC(), id)
}

func (s *PostgresStore) RetryNotification(id, errMsg string, dueAt time.Time) error {
	return s.notifications().update("retry", postgresNotificationQueries.retry, errMsg, dueAt.UTC(), time.Now().UTC(), id)
}

func (s *PostgresStore) AbandonNotification(id, errMsg string) error {
	return s.notifications().update("abandon", postgresNotificationQueries.abandon, errMsg, time.Now().UTC(), id)
}

func (s *PostgresStore) ReleaseStaleClaims(claimedBefore time.Time) (int, error) {
	return s.notifications().release(claimedBefore)
}

func (s *PostgresStore) CountNotifications() (NotificationCounts, error) {
	return s.notifications().count()
}
