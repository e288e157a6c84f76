package flow

import (
	"context"
	"log/slog"
	"strings"

	"github.com/BTreeMap/CarePipe/internal/contact"
	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/prefill"
)

const (
	multiSelectPrompt   = "Good choice! Pick any others that apply, then tap Done selecting."
	needSelectionPrompt = "Please choose at least one option, then tap Done selecting."
	haveMorePrompt      = "Of course! Type your question below and one of our team will follow up. Whenever you're ready, you can complete your registration."
	redirectMessage     = "Thank you! Taking you to your registration form now..."
	deepLinkMessage     = "Connecting you with our team on WhatsApp. A representative will pick things up from here."
	contactFormMessage  = "Please share your details in the contact form and a representative will get back to you shortly."
	farewellMessage     = "Thanks for chatting with us. Take care, and come back any time!"

	errOptionUnavailable = "That option is no longer available. Please use the options below."
	errTapContinue       = "Tap Continue when you're ready for the next section."
	errNothingToConfirm  = "There's nothing to confirm right now."
)

// handleOption dispatches a parsed option click. Clicks that do not belong to
// the session's stage are rejected inline without touching the session.
func (e *Engine) handleOption(ctx context.Context, sc *SessionContext, t *Turn, a Action) {
	slog.Debug("Engine.handleOption", "sessionID", sc.ID, "kind", a.Kind, "id", a.ID)
	if !actionAllowed(a.Kind, sc.Stage) {
		slog.Debug("Engine.handleOption: stale option", "sessionID", sc.ID, "kind", a.Kind, "stage", sc.Stage)
		t.Error = errOptionUnavailable
		return
	}
	switch a.Kind {
	case ActionSelectRole:
		e.handleRoleSelection(ctx, sc, t, string(a.Role), true)
	case ActionResume:
		e.handleResume(ctx, sc)
	case ActionRestart, ActionStartOver:
		e.restart(ctx, sc, t)
	case ActionContinue:
		e.handleContinue(ctx, sc)
	case ActionDoneSelecting:
		e.handleDoneSelecting(ctx, sc, t)
	case ActionProceedToRegistration:
		e.proceedToRegistration(ctx, sc, t)
	case ActionTalkToRepresentative:
		e.talkToRepresentative(ctx, sc, t)
	case ActionCloseChat:
		e.closeChat(sc, t)
	case ActionHaveMoreQuestions:
		e.appendBot(sc, haveMorePrompt, models.CompletionOptions())
	case ActionAnswer:
		e.handleAnswer(ctx, sc, t, a.ID)
	default:
		slog.Warn("Engine.handleOption: unhandled action", "sessionID", sc.ID, "kind", a.Kind)
		t.Error = errOptionUnavailable
	}
}

// actionAllowed reports whether a control action may run in stage. Role picks
// belong to the intro and registration to the completion prompt.
func actionAllowed(kind ActionKind, stage models.Stage) bool {
	switch kind {
	case ActionSelectRole:
		return stage == models.StageIntro
	case ActionProceedToRegistration:
		return stage == models.StageCompletion
	default:
		return true
	}
}

// handleAnswer records a click on one of the current question's options.
func (e *Engine) handleAnswer(ctx context.Context, sc *SessionContext, t *Turn, id string) {
	if sc.Role == "" || sc.Stage != models.StageQuestions {
		t.Error = errOptionUnavailable
		return
	}
	if sc.AwaitingContinue {
		t.Error = errTapContinue
		return
	}
	q, ok := e.questions.CurrentQuestion(sc.Role, sc.SectionIndex, sc.QuestionIndex)
	if !ok {
		e.presentQuestion(sc, "")
		return
	}
	label, ok := optionLabel(q.Options, id)
	if !ok {
		t.Error = errOptionUnavailable
		return
	}

	if sc.MultiSelect.Active {
		sc.MultiSelect.Toggle(id)
		slog.Debug("Engine.handleAnswer: toggled selection", "sessionID", sc.ID, "id", id, "selections", sc.MultiSelect.Selections)
		return
	}
	if e.questions.IsMultiSelectQuestion(sc.Role, sc.SectionIndex, sc.QuestionIndex) {
		sc.MultiSelect.Start(id)
		e.appendBot(sc, multiSelectPrompt, append(append([]models.Option(nil), q.Options...), doneSelectingOption()))
		return
	}

	key := sc.positionKey()
	ans := models.TextAnswer(id)
	sc.FormData[key] = ans
	e.appendUser(sc, label)
	e.saveAnswer(ctx, sc, key, ans)
	e.advanceToNextQuestion(ctx, sc)
}

// handleDoneSelecting commits a multi-select answer. An empty selection
// re-prompts without touching the answers.
func (e *Engine) handleDoneSelecting(ctx context.Context, sc *SessionContext, t *Turn) {
	q, ok := e.questions.CurrentQuestion(sc.Role, sc.SectionIndex, sc.QuestionIndex)
	if sc.Stage != models.StageQuestions || sc.AwaitingContinue || !ok ||
		!e.questions.IsMultiSelectQuestion(sc.Role, sc.SectionIndex, sc.QuestionIndex) {
		t.Error = errNothingToConfirm
		return
	}
	if len(sc.MultiSelect.Selections) == 0 {
		sc.MultiSelect.Active = true
		e.appendBot(sc, needSelectionPrompt, append(append([]models.Option(nil), q.Options...), doneSelectingOption()))
		return
	}

	values := append([]string(nil), sc.MultiSelect.Selections...)
	labels := make([]string, 0, len(values))
	for _, v := range values {
		if l, ok := optionLabel(q.Options, v); ok {
			labels = append(labels, l)
		} else {
			labels = append(labels, v)
		}
	}
	key := sc.positionKey()
	ans := models.ListAnswer(values)
	sc.FormData[key] = ans
	e.appendUser(sc, strings.Join(labels, ", "))
	e.saveAnswer(ctx, sc, key, ans)
	sc.MultiSelect.Reset()
	e.advanceToNextQuestion(ctx, sc)
}

// handleContinue acknowledges a section transition. Outside a transition it
// re-shows whatever the visitor should be looking at.
func (e *Engine) handleContinue(ctx context.Context, sc *SessionContext) {
	switch {
	case sc.AwaitingContinue:
		e.presentPending(ctx, sc)
	case sc.Role == "":
		r := e.processConversation(ctx, sc)
		e.appendBot(sc, r.Content, r.Options)
	default:
		e.presentQuestion(sc, "")
	}
}

// proceedToRegistration hands the visitor to the registration form.
func (e *Engine) proceedToRegistration(ctx context.Context, sc *SessionContext, t *Turn) {
	url := ""
	if e.prefill != nil && sc.Role.IsValid() {
		u, err := e.prefill.PrepareRegistrationURL(ctx, prefill.Request{
			SessionID:  sc.ID,
			Role:       sc.Role,
			Messages:   sc.Messages,
			FormData:   sc.FormData,
			AutoSubmit: true,
		})
		if err != nil {
			slog.Error("Engine.proceedToRegistration: prefill failed", "sessionID", sc.ID, "error", err)
		} else {
			url = u
		}
	}
	if url == "" {
		url = prefill.FallbackPath(sc.Role)
	}
	sc.Transitioning = true
	sc.AutoRedirect = true
	sc.RegistrationURL = url
	e.appendBot(sc, redirectMessage, nil)
	t.RedirectURL = url
	t.Terminal = true
	e.metrics.RecordHandoff("registration")
	slog.Info("Engine.proceedToRegistration: redirecting", "sessionID", sc.ID, "role", sc.Role, "url", url)
}

// talkToRepresentative offers a WhatsApp deep link, or the contact form when
// no link can be built. The team is notified either way.
func (e *Engine) talkToRepresentative(ctx context.Context, sc *SessionContext, t *Turn) {
	t.Terminal = true
	link := ""
	if e.contact != nil {
		l, err := e.contact.RepresentativeLink(sc.Role, sc.ID)
		if err != nil {
			slog.Warn("Engine.talkToRepresentative: no deep link, using contact form", "sessionID", sc.ID, "error", err)
		} else {
			link = l
		}
	}

	if link != "" {
		e.appendBot(sc, deepLinkMessage, nil)
		t.ExternalURL = link
		e.metrics.RecordHandoff("deep_link")
	} else {
		ev := contact.ContactFormEvent{
			Name:       contact.ContactFormEventName,
			Role:       sc.Role,
			SessionID:  sc.ID,
			Transcript: VisibleTranscript(sc.Messages),
		}
		for i := range ev.Transcript {
			ev.Transcript[i].Options = nil
		}
		if e.contact != nil {
			e.contact.DispatchContactForm(ev)
		}
		t.ContactEvent = &ev
		e.appendBot(sc, contactFormMessage, nil)
		e.metrics.RecordHandoff("contact_form")
	}

	if e.contact == nil {
		return
	}
	req := contact.RepresentativeRequest{SessionID: sc.ID, Role: sc.Role, Summary: e.summary(sc)}
	if err := e.contact.NotifyRepresentative(ctx, req); err != nil {
		slog.Error("Engine.talkToRepresentative: notify failed", "sessionID", sc.ID, "error", err)
	}
}

// summary is a short plain-text digest of the answers for the team.
func (e *Engine) summary(sc *SessionContext) string {
	if sc.Role == "" {
		return "Visitor asked for a representative before choosing a role."
	}
	var b strings.Builder
	b.WriteString("Role: ")
	b.WriteString(string(sc.Role))
	if known := e.knownAnswers(sc); known != "" {
		b.WriteString("\n")
		b.WriteString(known)
	}
	return b.String()
}

// closeChat says goodbye and clears the conversation.
func (e *Engine) closeChat(sc *SessionContext, t *Turn) {
	e.appendBot(sc, farewellMessage, nil)
	sc.clear()
	sc.Transitioning = false
	sc.AutoRedirect = false
	sc.RegistrationURL = ""
	t.Reset = true
	t.Terminal = true
	e.metrics.RecordHandoff("close")
	slog.Info("Engine.closeChat: conversation closed", "sessionID", sc.ID)
}

// restart clears the conversation and greets the visitor again.
func (e *Engine) restart(ctx context.Context, sc *SessionContext, t *Turn) {
	sc.clear()
	sc.Transitioning = false
	sc.AutoRedirect = false
	sc.RegistrationURL = ""
	t.Reset = true
	r := e.processConversation(ctx, sc)
	e.appendBot(sc, r.Content, r.Options)
	slog.Info("Engine.restart: conversation restarted", "sessionID", sc.ID)
}
