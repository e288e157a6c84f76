// Package prefill turns a finished chat into a registration form prefill.
//
// The payload is stored under a random token and the registration page fetches
// it back through the API, so answers never travel in the URL itself.
package prefill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/CarePipe/internal/models"
)

// ErrUnknownRole is returned when the handoff is requested without a valid role.
var ErrUnknownRole = errors.New("prefill requires a known role")

// Repo persists prefill records.
type Repo interface {
	SavePrefill(p models.PrefillRecord) error
	GetPrefill(token string) (*models.PrefillRecord, error)
}

// QuestionResolver maps formData keys back to script questions.
type QuestionResolver interface {
	QuestionForKey(role models.Role, key string) (models.Question, bool)
}

// Request describes one handoff.
type Request struct {
	SessionID  string
	Role       models.Role
	Messages   []models.Message
	FormData   models.FormData
	AutoSubmit bool
}

// Opts holds configuration for the Bridge.
type Opts struct {
	BaseURL string
}

// Option configures the Bridge.
type Option func(*Opts)

// WithBaseURL sets the origin the registration pages are served from.
func WithBaseURL(base string) Option {
	return func(o *Opts) { o.BaseURL = base }
}

// Bridge builds prefill payloads and registration URLs.
type Bridge struct {
	repo     Repo
	resolver QuestionResolver
	baseURL  string
	now      func() time.Time
	newToken func() string
}

// NewBridge creates a Bridge. resolver may be nil, in which case only raw keys are exported.
func NewBridge(repo Repo, resolver QuestionResolver, opts ...Option) *Bridge {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Bridge{
		repo:     repo,
		resolver: resolver,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		now:      time.Now,
		newToken: uuid.NewString,
	}
}

// FallbackPath is the bare registration path used when the handoff cannot be prepared.
func FallbackPath(role models.Role) string {
	if !role.IsValid() {
		return "/registration"
	}
	return "/registration/" + string(role)
}

// PrepareRegistrationURL stores the payload and returns the URL the visitor is sent to.
func (b *Bridge) PrepareRegistrationURL(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !req.Role.IsValid() {
		return "", ErrUnknownRole
	}

	rec := models.PrefillRecord{
		Token:      b.newToken(),
		SessionID:  req.SessionID,
		Role:       req.Role,
		Answers:    req.FormData.Clone(),
		Fields:     b.fields(req.Role, req.FormData),
		Transcript: stripOptions(req.Messages),
		AutoSubmit: req.AutoSubmit,
		CreatedAt:  b.now(),
	}
	if err := b.repo.SavePrefill(rec); err != nil {
		slog.Error("Bridge.PrepareRegistrationURL: save failed", "sessionID", req.SessionID, "error", err)
		return "", fmt.Errorf("save prefill: %w", err)
	}

	q := url.Values{}
	q.Set("prefill", rec.Token)
	if req.AutoSubmit {
		q.Set("auto_submit", "true")
	}
	u := b.baseURL + FallbackPath(req.Role) + "?" + q.Encode()
	slog.Info("Bridge.PrepareRegistrationURL: prefill ready", "sessionID", req.SessionID, "role", req.Role, "answers", len(rec.Answers))
	return u, nil
}

// Get returns a stored prefill record.
func (b *Bridge) Get(token string) (*models.PrefillRecord, error) {
	return b.repo.GetPrefill(token)
}

// fields re-keys answers by question id and by input kind (email, phone, name, budget)
// so the form can fill its own inputs without knowing the chat layout.
func (b *Bridge) fields(role models.Role, fd models.FormData) models.FormData {
	out := models.FormData{}
	if b.resolver == nil {
		return out
	}
	for key, ans := range fd {
		q, ok := b.resolver.QuestionForKey(role, key)
		if !ok {
			continue
		}
		out[q.ID] = ans
		if q.Field != models.FieldTypeNone {
			out[string(q.Field)] = ans
		}
	}
	return out
}

func stripOptions(msgs []models.Message) []models.Message {
	out := make([]models.Message, len(msgs))
	for i, m := range msgs {
		m.Options = nil
		out[i] = m
	}
	return out
}
