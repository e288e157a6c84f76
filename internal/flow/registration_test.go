package flow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/BTreeMap/CarePipe/internal/models"
)

func TestRegistrationFlowIsPureOverTheScript(t *testing.T) {
	h := newHarness(t, scriptedConfig())
	e := h.e

	r := e.registrationFlow(models.RoleFamily, models.StageQuestions, 0, 0)
	assert.Contains(t, r.Content, "First, tell us a little about the person who needs care.")
	assert.Contains(t, r.Content, "Who are you arranging care for?")
	assert.Len(t, r.Options, 5)

	r = e.registrationFlow(models.RoleFamily, models.StageQuestions, 0, 1)
	assert.Equal(t, "What is their first name?", r.Content)
	assert.Empty(t, r.Options)

	r = e.registrationFlow(models.RoleFamily, models.StageQuestions, 0, 3)
	assert.Contains(t, r.Content, "Your Loved One")
	assert.Equal(t, []string{models.OptionIDContinue}, optionIDs(r.Options))

	for _, stage := range []models.Stage{models.StageCompletion, models.StageQuestions} {
		r = e.registrationFlow(models.RoleFamily, stage, 3, 0)
		assert.Equal(t, optionIDs(models.CompletionOptions()), optionIDs(r.Options))
	}

	r = e.registrationFlow(models.RoleFamily, models.StageQuestions, 2, 9)
	assert.Equal(t, lookupMissMessage, r.Content)
	assert.NotEmpty(t, r.Options)
}

func TestScriptedReplyRules(t *testing.T) {
	h := newHarness(t, scriptedConfig())
	e := h.e
	msgs := func(n int) []models.Message { return make([]models.Message, n) }

	sc := newSessionContext("s")
	r := e.scriptedReply(sc)
	assert.Equal(t, optionIDs(models.RoleOptions()), optionIDs(r.Options))

	sc.Messages = msgs(4)
	sc.Role = models.RoleCommunity
	r = e.scriptedReply(sc)
	assert.Equal(t, e.questions.RoleFollowUp(models.RoleCommunity), r.Content)
	assert.Empty(t, r.Options)

	sc.Messages = msgs(6)
	sc.Stage = models.StageQuestions
	r = e.scriptedReply(sc)
	assert.Contains(t, r.Content, "What is your full name?")

	sc.SectionIndex, sc.QuestionIndex = 0, 1
	r = e.scriptedReply(sc)
	assert.Equal(t, "What brings you to our community?", r.Content)

	sc.Role = ""
	r = e.scriptedReply(sc)
	assert.Equal(t, clarifyingMessage, r.Content)
}

func TestProcessConversationUsesScriptInsideQuestionnaire(t *testing.T) {
	h := newHarness(t, models.DefaultChatConfig())
	sc := newSessionContext("s")
	sc.Messages = make([]models.Message, 8)
	sc.Role = models.RoleFamily
	sc.Stage = models.StageQuestions
	sc.SectionIndex, sc.QuestionIndex = 1, 1

	r := h.e.processConversation(context.Background(), sc)
	assert.Contains(t, r.Content, "health conditions")
	assert.Zero(t, h.ai.calls)
}
