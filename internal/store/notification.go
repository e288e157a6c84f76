package store

import (
	"time"
)

// NotificationStatus is the delivery state of a queued team notification.
type NotificationStatus string

const (
	NotificationPending   NotificationStatus = "pending"
	NotificationClaimed   NotificationStatus = "claimed"
	NotificationDelivered NotificationStatus = "delivered"
	NotificationDead      NotificationStatus = "dead"
)

// Active reports whether a notification can still be delivered. Dedupe keys
// only collapse onto active rows.
func (s NotificationStatus) Active() bool {
	return s == NotificationPending || s == NotificationClaimed
}

// NotificationKindRepresentative asks the team to reach out to a visitor.
const NotificationKindRepresentative = "representative_request"

// Notification is one row of the delivery queue.
type Notification struct {
	ID        string             `json:"id"`
	SessionID string             `json:"session_id"`
	Kind      string             `json:"kind"`
	Payload   string             `json:"payload"`
	DedupeKey string             `json:"dedupe_key,omitempty"`
	Status    NotificationStatus `json:"status"`
	Attempts  int                `json:"attempts"`
	DueAt     time.Time          `json:"due_at"`
	ClaimedAt *time.Time         `json:"claimed_at,omitempty"`
	LastError string             `json:"last_error,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// NotificationCounts is the number of queued rows per status.
type NotificationCounts map[NotificationStatus]int

// Backlog is the number of rows still waiting for delivery.
func (c NotificationCounts) Backlog() int {
	return c[NotificationPending] + c[NotificationClaimed]
}

// OutboxRepo persists team notifications so they survive restarts.
type OutboxRepo interface {
	// EnqueueNotification stores n as pending and due now. When n.DedupeKey
	// matches an active row, that row's ID is returned and nothing is written.
	EnqueueNotification(n Notification) (string, error)

	// ClaimNotifications moves up to limit pending rows due at or before now to
	// claimed, oldest first.
	ClaimNotifications(now time.Time, limit int) ([]Notification, error)

	CompleteNotification(id string) error

	// RetryNotification returns a claimed row to pending, due at dueAt.
	RetryNotification(id, errMsg string, dueAt time.Time) error

	// AbandonNotification gives up on a row. It is kept for inspection.
	AbandonNotification(id, errMsg string) error

	// ReleaseStaleClaims returns rows claimed before claimedBefore to pending.
	// A sender that crashed mid-delivery leaves such rows behind.
	ReleaseStaleClaims(claimedBefore time.Time) (int, error)

	CountNotifications() (NotificationCounts, error)
}
