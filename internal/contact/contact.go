// Package contact connects a visitor with a human representative.
//
// The primary path is a WhatsApp deep link the client opens. The team is also
// notified through the durable outbox. When no link can be produced the turn
// falls back to a contact-form event the client renders instead.
package contact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"unicode"

	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/store"
)

// ErrNoRepresentativeNumber means deep links are not configured.
var ErrNoRepresentativeNumber = errors.New("representative number not configured")

// ContactFormEventName is the event name clients listen for.
const ContactFormEventName = "open-contact-form"

// ContactFormEvent asks the client to open its contact form.
type ContactFormEvent struct {
	Name       string           `json:"name"`
	Role       models.Role      `json:"role,omitempty"`
	SessionID  string           `json:"session_id"`
	Transcript []models.Message `json:"transcript,omitempty"`
}

// RepresentativeRequest is the outbox payload for a notification to the team.
type RepresentativeRequest struct {
	SessionID string      `json:"session_id"`
	Role      models.Role `json:"role,omitempty"`
	Summary   string      `json:"summary"`
}

var roleGreetings = map[models.Role]string{
	models.RoleFamily:       "Hi! I'm looking for care for a loved one and would like to talk to someone.",
	models.RoleProfessional: "Hi! I'm a care professional interested in joining and would like to talk to someone.",
	models.RoleCommunity:    "Hi! I'd like to get involved in the community and would like to talk to someone.",
}

// DeepLink builds a wa.me link with a role-aware prewritten message.
func DeepLink(number string, role models.Role, sessionID string) (string, error) {
	digits := strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, number)
	if digits == "" {
		return "", ErrNoRepresentativeNumber
	}
	text, ok := roleGreetings[role]
	if !ok {
		text = "Hi! I have a few questions and would like to talk to someone."
	}
	if sessionID != "" {
		text += " (ref: " + sessionID + ")"
	}
	return "https://wa.me/" + digits + "?text=" + url.QueryEscape(text), nil
}

// Channel is the representative channel used by the chat engine.
type Channel struct {
	number     string
	outbox     store.OutboxRepo
	dispatcher *Dispatcher
}

// NewChannel creates a Channel. outbox may be nil to skip team notifications.
func NewChannel(number string, outbox store.OutboxRepo, dispatcher *Dispatcher) *Channel {
	if dispatcher == nil {
		dispatcher = NewDispatcher()
	}
	return &Channel{number: number, outbox: outbox, dispatcher: dispatcher}
}

// RepresentativeLink returns the deep link for a session.
func (c *Channel) RepresentativeLink(role models.Role, sessionID string) (string, error) {
	return DeepLink(c.number, role, sessionID)
}

// NotifyRepresentative queues a notification for the team. Repeated requests from
// one session collapse onto the same outbox row.
func (c *Channel) NotifyRepresentative(ctx context.Context, req RepresentativeRequest) error {
	if c.outbox == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode representative request: %w", err)
	}
	id, err := c.outbox.EnqueueNotification(store.Notification{
		SessionID: req.SessionID,
		Kind:      store.NotificationKindRepresentative,
		Payload:   string(payload),
		DedupeKey: "rep:" + req.SessionID,
	})
	if err != nil {
		return fmt.Errorf("enqueue representative request: %w", err)
	}
	slog.Debug("Channel.NotifyRepresentative: queued", "sessionID", req.SessionID, "notificationID", id)
	return nil
}

// DispatchContactForm publishes a contact-form event.
func (c *Channel) DispatchContactForm(ev ContactFormEvent) {
	if ev.Name == "" {
		ev.Name = ContactFormEventName
	}
	c.dispatcher.Dispatch(ev)
}

// Dispatcher returns the event dispatcher so transports can subscribe.
func (c *Channel) Dispatcher() *Dispatcher {
	return c.dispatcher
}
