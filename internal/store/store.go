// Package store provides storage backends for CarePipe.
//
// It includes an in-memory store used by tests and DSN-less runs, plus SQLite
// and PostgreSQL backends selected from the configured DSN.
package store

import (
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/util"
)

// ErrPrefillNotFound is returned when a prefill token is unknown.
var ErrPrefillNotFound = errors.New("prefill record not found")

// Store is the persistence surface used by the chat engine and the API.
type Store interface {
	// Session blobs.
	SaveFlowState(state models.FlowState) error
	GetFlowState(sessionID string, flowType models.FlowType) (*models.FlowState, error)
	DeleteFlowState(sessionID string, flowType models.FlowType) error

	// Answers and progress.
	SaveChatResponse(r models.ChatResponse) error
	UpdateChatProgress(p models.ChatProgress) error
	GetChatProgress(sessionID string) (*models.ChatProgress, error)
	GetSessionResponses(sessionID string) ([]models.ChatResponse, error)

	// Registration handoff.
	SavePrefill(p models.PrefillRecord) error
	GetPrefill(token string) (*models.PrefillRecord, error)

	OutboxRepo
	TurnLedger

	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN             string
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// Option configures a store backend.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and "sqlite3" otherwise.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite3"
}

// Open picks a backend from the DSN. An empty DSN gives an in-memory store.
func Open(opts ...Option) (Store, error) {
	cfg := resolveOpts(opts)
	switch {
	case cfg.DSN == "":
		slog.Debug("store.Open: no DSN, using in-memory store")
		return NewInMemoryStore(), nil
	case DetectDSNType(cfg.DSN) == "postgres":
		return NewPostgresStore(opts...)
	default:
		return NewSQLiteStore(opts...)
	}
}

type flowKey struct {
	sessionID string
	flowType  models.FlowType
}

// InMemoryStore keeps everything in maps guarded by a single mutex.
type InMemoryStore struct {
	mu        sync.RWMutex
	flows     map[flowKey]models.FlowState
	responses map[string][]models.ChatResponse
	progress  map[string]models.ChatProgress
	prefills  map[string]models.PrefillRecord
	notes     map[string]Notification
	turns     map[turnKey]TurnEntry
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		flows:     make(map[flowKey]models.FlowState),
		responses: make(map[string][]models.ChatResponse),
		progress:  make(map[string]models.ChatProgress),
		prefills:  make(map[string]models.PrefillRecord),
		notes:     make(map[string]Notification),
		turns:     make(map[turnKey]TurnEntry),
	}
}

var _ Store = (*InMemoryStore)(nil)

func (s *InMemoryStore) SaveFlowState(state models.FlowState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data := make(map[models.DataKey]string, len(state.StateData))
	for k, v := range state.StateData {
		data[k] = v
	}
	state.StateData = data
	s.flows[flowKey{state.SessionID, state.FlowType}] = state
	return nil
}

func (s *InMemoryStore) GetFlowState(sessionID string, flowType models.FlowType) (*models.FlowState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.flows[flowKey{sessionID, flowType}]
	if !ok {
		return nil, nil
	}
	data := make(map[models.DataKey]string, len(state.StateData))
	for k, v := range state.StateData {
		data[k] = v
	}
	state.StateData = data
	return &state, nil
}

func (s *InMemoryStore) DeleteFlowState(sessionID string, flowType models.FlowType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.flows, flowKey{sessionID, flowType})
	return nil
}

func (s *InMemoryStore) SaveChatResponse(r models.ChatResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.CreatedAt == 0 {
		r.CreatedAt = time.Now().UnixMilli()
	}
	// Latest answer per question key wins.
	list := s.responses[r.SessionID]
	for i := range list {
		if list[i].QuestionKey == r.QuestionKey {
			list[i] = r
			return nil
		}
	}
	s.responses[r.SessionID] = append(list, r)
	return nil
}

func (s *InMemoryStore) UpdateChatProgress(p models.ChatProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	p.FormData = p.FormData.Clone()
	s.progress[p.SessionID] = p
	return nil
}

func (s *InMemoryStore) GetChatProgress(sessionID string) (*models.ChatProgress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.progress[sessionID]
	if !ok {
		return nil, nil
	}
	p.FormData = p.FormData.Clone()
	return &p, nil
}

func (s *InMemoryStore) GetSessionResponses(sessionID string) ([]models.ChatResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]models.ChatResponse(nil), s.responses[sessionID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

func (s *InMemoryStore) SavePrefill(p models.PrefillRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefills[p.Token] = p
	return nil
}

func (s *InMemoryStore) GetPrefill(token string) (*models.PrefillRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prefills[token]
	if !ok {
		return nil, ErrPrefillNotFound
	}
	return &p, nil
}

func (s *InMemoryStore) EnqueueNotification(n Notification) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n.DedupeKey != "" {
		for _, existing := range s.notes {
			if existing.DedupeKey == n.DedupeKey && existing.Status.Active() {
				return existing.ID, nil
			}
		}
	}
	now := time.Now().UTC()
	n.ID = util.GenerateRandomID("ntf_", 24)
	n.Status = NotificationPending
	n.Attempts = 0
	n.DueAt = now
	n.ClaimedAt = nil
	n.LastError = ""
	n.CreatedAt = now
	n.UpdatedAt = now
	s.notes[n.ID] = n
	return n.ID, nil
}

func (s *InMemoryStore) ClaimNotifications(now time.Time, limit int) ([]Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []Notification
	for _, n := range s.notes {
		if n.Status == NotificationPending && !n.DueAt.After(now) {
			due = append(due, n)
		}
	}
	sortNotifications(due)
	if len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		claimed := now
		due[i].Status = NotificationClaimed
		due[i].ClaimedAt = &claimed
		due[i].UpdatedAt = now
		s.notes[due[i].ID] = due[i]
	}
	return due, nil
}

// settle applies fn to a stored notification. Unknown ids are ignored, like an
// UPDATE that matches no rows.
func (s *InMemoryStore) settle(id string, fn func(*Notification)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notes[id]
	if !ok {
		return
	}
	fn(&n)
	n.ClaimedAt = nil
	n.UpdatedAt = time.Now().UTC()
	s.notes[id] = n
}

func (s *InMemoryStore) CompleteNotification(id string) error {
	s.settle(id, func(n *Notification) { n.Status = NotificationDelivered })
	return nil
}

func (s *InMemoryStore) RetryNotification(id, errMsg string, dueAt time.Time) error {
	s.settle(id, func(n *Notification) {
		n.Status = NotificationPending
		n.Attempts++
		n.LastError = errMsg
		n.DueAt = dueAt
	})
	return nil
}

func (s *InMemoryStore) AbandonNotification(id, errMsg string) error {
	s.settle(id, func(n *Notification) {
		n.Status = NotificationDead
		n.Attempts++
		n.LastError = errMsg
	})
	return nil
}

func (s *InMemoryStore) ReleaseStaleClaims(claimedBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	released := 0
	for id, n := range s.notes {
		if n.Status != NotificationClaimed || n.ClaimedAt == nil || !n.ClaimedAt.Before(claimedBefore) {
			continue
		}
		n.Status = NotificationPending
		n.ClaimedAt = nil
		n.UpdatedAt = time.Now().UTC()
		s.notes[id] = n
		released++
	}
	return released, nil
}

func (s *InMemoryStore) CountNotifications() (NotificationCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := NotificationCounts{}
	for _, n := range s.notes {
		counts[n.Status]++
	}
	return counts, nil
}

type turnKey struct{ session, turn string }

func (s *InMemoryStore) ClaimTurn(sessionID, turnID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := turnKey{sessionID, turnID}
	if _, ok := s.turns[k]; ok {
		return false, nil
	}
	s.turns[k] = TurnEntry{SessionID: sessionID, TurnID: turnID, ReceivedAt: time.Now().UTC()}
	return true, nil
}

func (s *InMemoryStore) CompleteTurn(sessionID, turnID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := turnKey{sessionID, turnID}
	if e, ok := s.turns[k]; ok {
		now := time.Now().UTC()
		e.CompletedAt = &now
		s.turns[k] = e
	}
	return nil
}

func (s *InMemoryStore) ForgetTurn(sessionID, turnID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := turnKey{sessionID, turnID}
	if e, ok := s.turns[k]; ok && e.CompletedAt == nil {
		delete(s.turns, k)
	}
	return nil
}

func (s *InMemoryStore) PruneTurns(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, e := range s.turns {
		if e.ReceivedAt.Before(cutoff) {
			delete(s.turns, k)
			n++
		}
	}
	return n, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }
