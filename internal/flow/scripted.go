package flow

import (
	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/util"
)

var defaultIntros = []string{
	"Hi there, welcome to CarePipe! We bring together families, caregivers and neighbours who want to help. Which of these best describes you?",
	"Hello and welcome! Whether you're looking for care, offering it, or hoping to lend a hand, you're in the right place. Which sounds most like you?",
	"Welcome! I'll help you get set up in just a few minutes. To start, which of these fits you best?",
	"Hi! Thanks for stopping by. Tell me a little about yourself so I can point you in the right direction. Are you...",
}

const (
	clarifyingMessage = "I'd love to help. To point you in the right direction, could you tell me which of these best describes you?"
	closingMessage    = "Thanks for sharing all of that with us! Would you like to continue, or do you have more questions?"
)

// reply is the text and options of one bot message.
type reply struct {
	Content string
	Options []models.Option
}

// introMessage picks an intro that differs from the last one this session saw.
func (e *Engine) introMessage(sc *SessionContext) string {
	msg := util.PickDifferent(e.intros, sc.LastIntro)
	sc.LastIntro = msg
	return msg
}

// position is the flat index of the session's current question.
func (e *Engine) position(sc *SessionContext) int {
	if sc.Role == "" {
		return 0
	}
	return e.questions.FlatIndex(sc.Role, sc.SectionIndex, sc.QuestionIndex)
}

// scriptedReply is the deterministic engine. Apart from the intro choice it
// depends only on transcript length, role and position.
func (e *Engine) scriptedReply(sc *SessionContext) reply {
	n := len(sc.Messages)
	switch {
	case n <= 2:
		return reply{Content: e.introMessage(sc), Options: models.RoleOptions()}
	case sc.Role != "" && n <= 4:
		return reply{Content: e.questions.RoleFollowUp(sc.Role)}
	case sc.Role != "" && e.position(sc) > 0:
		return e.registrationFlow(sc.Role, sc.Stage, sc.SectionIndex, sc.QuestionIndex)
	case sc.Role != "":
		if q, ok := e.questions.CurrentQuestion(sc.Role, 0, 0); ok {
			return e.questionReply(sc.Role, 0, 0, q)
		}
		return reply{Content: closingMessage, Options: []models.Option{
			{ID: models.OptionIDContinue, Label: "Continue"},
			{ID: models.OptionIDHaveMoreQuestions, Label: "I have more questions"},
		}}
	default:
		return reply{Content: clarifyingMessage, Options: models.RoleOptions()}
	}
}
