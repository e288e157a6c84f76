package flow

import (
	"context"
	"strings"

	"github.com/BTreeMap/CarePipe/internal/models"
)

const (
	completionAckMessage = "Thanks for your message! Whenever you're ready, you can complete your registration or talk to one of our team."
	errPickFromOptions   = "Please pick from the options above, then tap Done selecting."
)

// handleText routes free text according to where the visitor is.
func (e *Engine) handleText(ctx context.Context, sc *SessionContext, t *Turn, text string) {
	text = strings.TrimSpace(text)
	switch {
	case sc.Stage == models.StageCompletion:
		e.appendUser(sc, text)
		e.appendBot(sc, completionAckMessage, models.CompletionOptions())
	case sc.Role == "":
		e.appendUser(sc, text)
		if role := detectRole(text); role != "" {
			e.handleRoleSelection(ctx, sc, t, string(role), false)
			return
		}
		r := e.processConversation(ctx, sc)
		e.appendBot(sc, r.Content, r.Options)
	case sc.AwaitingContinue:
		e.appendUser(sc, text)
		e.presentPending(ctx, sc)
	case sc.MultiSelect.Active:
		t.Error = errPickFromOptions
	default:
		e.answerText(ctx, sc, t, text)
	}
}

// answerText validates free text against the current question and records it.
func (e *Engine) answerText(ctx context.Context, sc *SessionContext, t *Turn, text string) {
	q, ok := e.questions.CurrentQuestion(sc.Role, sc.SectionIndex, sc.QuestionIndex)
	if !ok {
		e.appendUser(sc, text)
		e.presentQuestion(sc, "")
		return
	}
	if id, ok := matchOption(q.Options, text); ok {
		e.handleAnswer(ctx, sc, t, id)
		return
	}

	ft := DetectFieldType(&q, lastBotMessage(sc.Messages))
	if err := ValidateField(ft, text); err != nil {
		t.Error = FieldErrorMessage(err)
		field := string(ft)
		if field == "" {
			field = "text"
		}
		e.metrics.RecordValidationFailure(field)
		return
	}

	key := sc.positionKey()
	ans := models.TextAnswer(text)
	sc.FormData[key] = ans
	e.appendUser(sc, text)
	e.saveAnswer(ctx, sc, key, ans)
	e.advanceToNextQuestion(ctx, sc)
}

// matchOption maps typed text onto an option by id or label.
func matchOption(opts []models.Option, text string) (string, bool) {
	for _, o := range opts {
		if strings.EqualFold(text, o.ID) || strings.EqualFold(text, o.Label) {
			return o.ID, true
		}
	}
	return "", false
}
