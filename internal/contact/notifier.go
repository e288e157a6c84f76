package contact

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/BTreeMap/CarePipe/internal/store"
)

// Notifier delivers a text to the representative team.
type Notifier interface {
	Notify(ctx context.Context, body string) error
}

// Opts holds configuration options for the Twilio notifier.
type Opts struct {
	AccountSID string
	AuthToken  string
	From       string
	To         string
}

// Option defines a configuration option for the Twilio notifier.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFrom sets the sending WhatsApp number.
func WithFrom(from string) Option {
	return func(o *Opts) { o.From = from }
}

// WithTo sets the representative's WhatsApp number.
func WithTo(to string) Option {
	return func(o *Opts) { o.To = to }
}

// messageCreator is the slice of the Twilio API the notifier uses.
type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// TwilioNotifier sends WhatsApp messages through Twilio.
type TwilioNotifier struct {
	api  messageCreator
	from string
	to   string
}

// NewTwilioNotifier builds a notifier, falling back to TWILIO_* environment variables.
func NewTwilioNotifier(opts ...Option) (*TwilioNotifier, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.From == "" {
		cfg.From = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("Twilio notifier config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"From_set", cfg.From != "",
		"To_set", cfg.To != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.From == "" || cfg.To == "" {
		return nil, fmt.Errorf("from and to numbers must be provided")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &TwilioNotifier{api: client.Api, from: whatsappAddress(cfg.From), to: whatsappAddress(cfg.To)}, nil
}

func whatsappAddress(number string) string {
	if strings.HasPrefix(number, "whatsapp:") {
		return number
	}
	return "whatsapp:" + number
}

// Notify sends body to the representative.
func (n *TwilioNotifier) Notify(ctx context.Context, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(n.to)
	params.SetFrom(n.from)
	params.SetBody(body)

	if _, err := n.api.CreateMessage(params); err != nil {
		slog.Error("TwilioNotifier.Notify failed", "to", n.to, "error", err)
		return fmt.Errorf("failed to notify representative: %w", err)
	}
	slog.Debug("TwilioNotifier.Notify: message sent", "to", n.to)
	return nil
}

// MockNotifier records notifications; used when Twilio is not configured and in tests.
type MockNotifier struct {
	mu    sync.Mutex
	Sent  []string
	Err   error
	Quiet bool
}

// Notify records body, or returns Err when set.
func (m *MockNotifier) Notify(ctx context.Context, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Sent = append(m.Sent, body)
	if !m.Quiet {
		slog.Info("MockNotifier.Notify: representative notification", "body", body)
	}
	return nil
}

// Messages returns a copy of the recorded notifications.
func (m *MockNotifier) Messages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Sent...)
}

// Deliver adapts a Notifier to the notification sender.
func Deliver(n Notifier) store.DeliverFunc {
	return func(ctx context.Context, note store.Notification) error {
		switch note.Kind {
		case store.NotificationKindRepresentative:
			var req RepresentativeRequest
			if err := json.Unmarshal([]byte(note.Payload), &req); err != nil {
				return fmt.Errorf("decode representative request %s: %w", note.ID, err)
			}
			return n.Notify(ctx, FormatRepresentativeRequest(req))
		default:
			return fmt.Errorf("unknown notification kind %q", note.Kind)
		}
	}
}

// FormatRepresentativeRequest renders the text the team receives.
func FormatRepresentativeRequest(req RepresentativeRequest) string {
	var b strings.Builder
	b.WriteString("New chat visitor asked to talk to a representative.\n")
	fmt.Fprintf(&b, "Session: %s\n", req.SessionID)
	if req.Role != "" {
		fmt.Fprintf(&b, "Role: %s\n", req.Role)
	}
	if req.Summary != "" {
		b.WriteString(req.Summary)
	}
	return strings.TrimRight(b.String(), "\n")
}
