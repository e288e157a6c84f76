package flow

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/prefill"
)

// advanceToNextQuestion moves past the current question. Crossing a section
// boundary waits for Continue; passing the last question completes the flow.
func (e *Engine) advanceToNextQuestion(ctx context.Context, sc *SessionContext) {
	role, s, q := sc.Role, sc.SectionIndex, sc.QuestionIndex
	sc.MultiSelect.Reset()

	switch {
	case e.questions.IsEndOfFlow(role, s, q):
		e.complete(ctx, sc)
	case e.questions.IsEndOfSection(role, s, q):
		sc.SectionIndex = s + 1
		sc.QuestionIndex = 0
		sc.AwaitingContinue = true
		e.saveProgress(ctx, sc)
		r := e.transitionReply(role, s, s+1)
		slog.Debug("Engine.advanceToNextQuestion: section finished", "sessionID", sc.ID, "finished", s, "next", s+1)
		e.appendBot(sc, e.formatter.Format(r.Content, sc.Phrases), r.Options)
	default:
		sc.QuestionIndex = q + 1
		e.saveProgress(ctx, sc)
		slog.Debug("Engine.advanceToNextQuestion: next question", "sessionID", sc.ID, "section", s, "question", q+1)
		e.presentQuestion(sc, "")
	}
}

// presentPending shows the first question of a section after Continue.
func (e *Engine) presentPending(ctx context.Context, sc *SessionContext) {
	sc.AwaitingContinue = false
	sc.MultiSelect.Reset()
	e.saveProgress(ctx, sc)
	e.presentQuestion(sc, "")
}

func (e *Engine) presentQuestion(sc *SessionContext, lead string) {
	r := withLead(lead, e.registrationFlow(sc.Role, sc.Stage, sc.SectionIndex, sc.QuestionIndex))
	e.appendBot(sc, r.Content, r.Options)
}

// complete finishes the questionnaire. The prefill payload is prepared before
// the completion prompt so the registration link always carries fresh answers.
func (e *Engine) complete(ctx context.Context, sc *SessionContext) {
	sc.Stage = models.StageCompletion
	sc.AwaitingContinue = false
	sc.MultiSelect.Reset()
	e.saveProgress(ctx, sc)

	if e.prefill != nil {
		url, err := e.prefill.PrepareRegistrationURL(ctx, prefill.Request{
			SessionID: sc.ID,
			Role:      sc.Role,
			Messages:  sc.Messages,
			FormData:  sc.FormData,
		})
		if err != nil {
			slog.Error("Engine.complete: prefill failed", "sessionID", sc.ID, "error", err)
		} else {
			sc.RegistrationURL = url
		}
	}
	slog.Info("Engine.complete: questionnaire finished", "sessionID", sc.ID, "role", sc.Role, "answers", len(sc.FormData))
	r := e.registrationFlow(sc.Role, sc.Stage, sc.SectionIndex, sc.QuestionIndex)
	e.appendBot(sc, e.formatter.Format(r.Content, sc.Phrases), r.Options)
}
