package flow

import (
	"fmt"

	"github.com/BTreeMap/CarePipe/internal/models"
)

const (
	completionMessage = "Thank you! That's everything we need for now. You can complete your registration, or talk to one of our team if you have any questions first."
	lookupMissMessage = "Sorry, I lost my place for a moment. Would you like to start over, or talk to one of our team?"
	getStartedLead    = "Let's get started."
)

func continueOption() models.Option {
	return models.Option{ID: models.OptionIDContinue, Label: "Continue"}
}

func doneSelectingOption() models.Option {
	return models.Option{ID: models.OptionIDDoneSelecting, Label: "Done selecting"}
}

// registrationFlow answers "what should the visitor see at this slot" from the
// script alone: the question, a section transition, the completion prompt, or
// a clarifying prompt when the slot does not exist.
func (e *Engine) registrationFlow(role models.Role, stage models.Stage, s, q int) reply {
	if stage == models.StageCompletion {
		return reply{Content: completionMessage, Options: models.CompletionOptions()}
	}
	if question, ok := e.questions.CurrentQuestion(role, s, q); ok {
		return e.questionReply(role, s, q, question)
	}

	total := e.questions.TotalSectionsForRole(role)
	switch {
	case total > 0 && s >= total:
		return reply{Content: completionMessage, Options: models.CompletionOptions()}
	case s >= 0 && s < total-1 && q >= e.questions.SectionLength(role, s):
		return e.transitionReply(role, s, s+1)
	default:
		return reply{Content: lookupMissMessage, Options: []models.Option{
			{ID: models.OptionIDStartOver, Label: "Start over"},
			{ID: models.OptionIDTalkToRepresentative, Label: "Talk to a representative"},
		}}
	}
}

// questionReply renders a question, opening its section when it is the first one.
func (e *Engine) questionReply(role models.Role, s, q int, question models.Question) reply {
	content := question.Label
	if q == 0 {
		if opening := e.questions.SectionOpening(role, s); opening != "" {
			content = opening + "\n\n" + content
		}
	}
	return reply{Content: content, Options: question.Options}
}

func (e *Engine) transitionReply(role models.Role, finished, next int) reply {
	content := fmt.Sprintf("Great, that wraps up %s. Next up: %s.",
		e.questions.SectionTitle(role, finished), e.questions.SectionTitle(role, next))
	return reply{Content: content, Options: []models.Option{continueOption()}}
}

func withLead(lead string, r reply) reply {
	if lead != "" {
		r.Content = lead + " " + r.Content
	}
	return r
}
