package flow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/CarePipe/internal/contact"
	"github.com/BTreeMap/CarePipe/internal/genai"
	"github.com/BTreeMap/CarePipe/internal/metrics"
	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/prefill"
	"github.com/BTreeMap/CarePipe/internal/script"
	"github.com/BTreeMap/CarePipe/internal/store"
)

type fakeCompleter struct {
	mu      sync.Mutex
	reply   string
	err     error
	calls   int
	lastReq genai.CompletionRequest
	started chan struct{}
	release chan struct{}
}

func (f *fakeCompleter) GetChatCompletion(ctx context.Context, req genai.CompletionRequest) (genai.CompletionResponse, error) {
	f.mu.Lock()
	f.calls++
	f.lastReq = req
	reply, err := f.reply, f.err
	started, release := f.started, f.release
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if release != nil {
		<-release
	}
	if err != nil {
		return genai.CompletionResponse{}, err
	}
	return genai.CompletionResponse{Message: reply}, nil
}

func (f *fakeCompleter) set(reply string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reply, f.err = reply, err
}

type fakePrefill struct {
	mu    sync.Mutex
	url   string
	err   error
	calls []prefill.Request
}

func (f *fakePrefill) PrepareRegistrationURL(ctx context.Context, req prefill.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req.FormData = req.FormData.Clone()
	f.calls = append(f.calls, req)
	if f.err != nil {
		return "", f.err
	}
	return f.url, nil
}

type fakeContact struct {
	link     string
	linkErr  error
	events   []contact.ContactFormEvent
	notified []contact.RepresentativeRequest
}

func (f *fakeContact) RepresentativeLink(role models.Role, sessionID string) (string, error) {
	return f.link, f.linkErr
}

func (f *fakeContact) NotifyRepresentative(ctx context.Context, req contact.RepresentativeRequest) error {
	f.notified = append(f.notified, req)
	return nil
}

func (f *fakeContact) DispatchContactForm(ev contact.ContactFormEvent) {
	f.events = append(f.events, ev)
}

type harness struct {
	e  *Engine
	st *store.InMemoryStore
	ai *fakeCompleter
	pf *fakePrefill
	ct *fakeContact
}

func newHarness(t *testing.T, cfg models.ChatConfig) *harness {
	t.Helper()
	h := &harness{
		st: store.NewInMemoryStore(),
		ai: &fakeCompleter{reply: "Hi! How can I help you today?"},
		pf: &fakePrefill{url: "https://example.org/registration/family?prefill=tok"},
		ct: &fakeContact{link: "https://wa.me/15551234567?text=hi"},
	}
	e, err := NewEngine(context.Background(), Dependencies{
		Questions: script.Default(),
		State:     NewStoreBasedStateManager(h.st),
		Responses: h.st,
		Completer: h.ai,
		Prefill:   h.pf,
		Contact:   h.ct,
		Metrics:   metrics.New(),
	}, WithChatConfig(cfg))
	require.NoError(t, err)
	h.e = e
	return h
}

func scriptedConfig() models.ChatConfig {
	cfg := models.DefaultChatConfig()
	cfg.Mode = models.ChatModeScripted
	return cfg
}

func (h *harness) session(t *testing.T, id string) *SessionContext {
	t.Helper()
	sc, err := h.e.lookup(context.Background(), id)
	require.NoError(t, err)
	return sc
}

// placeAt starts a session for role and moves it to the given slot.
func (h *harness) placeAt(t *testing.T, role models.Role, s, q int) string {
	t.Helper()
	ctx := context.Background()
	turn, err := h.e.Start(ctx)
	require.NoError(t, err)
	_, err = h.e.SelectRole(ctx, turn.SessionID, string(role))
	require.NoError(t, err)
	sc := h.session(t, turn.SessionID)
	sc.SectionIndex, sc.QuestionIndex = s, q
	return turn.SessionID
}

func optionIDs(opts []models.Option) []string {
	ids := make([]string, 0, len(opts))
	for _, o := range opts {
		ids = append(ids, o.ID)
	}
	return ids
}

func lastMessage(t *testing.T, turn Turn) models.Message {
	t.Helper()
	require.NotEmpty(t, turn.Messages)
	return turn.Messages[len(turn.Messages)-1]
}

func TestStartScriptedReturnsIntroWithRoleOptions(t *testing.T) {
	h := newHarness(t, scriptedConfig())
	turn, err := h.e.Start(context.Background())
	require.NoError(t, err)

	require.Len(t, turn.Messages, 1)
	msg := turn.Messages[0]
	assert.False(t, msg.IsUser)
	assert.Contains(t, defaultIntros, msg.Content)
	assert.Equal(t, []string{"family", "professional", "community"}, optionIDs(msg.Options))
	assert.Equal(t, models.StageIntro, turn.State.Stage)
	assert.Zero(t, h.ai.calls)
}

func TestIntroNeverRepeatsBackToBack(t *testing.T) {
	h := newHarness(t, scriptedConfig())
	sc := newSessionContext("s_intro")
	prev := h.e.introMessage(sc)
	for i := 0; i < 50; i++ {
		next := h.e.introMessage(sc)
		require.NotEqual(t, prev, next)
		prev = next
	}
}

func TestSelectRoleShowsFirstQuestion(t *testing.T) {
	h := newHarness(t, scriptedConfig())
	ctx := context.Background()
	start, err := h.e.Start(ctx)
	require.NoError(t, err)

	turn, err := h.e.SelectRole(ctx, start.SessionID, "family")
	require.NoError(t, err)
	require.Len(t, turn.Messages, 2)
	assert.True(t, turn.Messages[0].IsUser)
	bot := turn.Messages[1]
	assert.Contains(t, bot.Content, getStartedLead)
	assert.Contains(t, bot.Content, "Who are you arranging care for?")
	assert.Contains(t, optionIDs(bot.Options), "parent")
	assert.Equal(t, models.RoleFamily, turn.State.Role)
	assert.Equal(t, models.StageQuestions, turn.State.Stage)
	assert.Equal(t, 0, turn.State.Position)
	assert.Equal(t, script.Default().TotalQuestions(models.RoleFamily), turn.State.TotalQuestions)

	turn, err = h.e.SelectOption(ctx, start.SessionID, "parent")
	require.NoError(t, err)
	assert.Equal(t, 1, turn.State.Position)
}

func TestSingleSelectRecordsAndAdvances(t *testing.T) {
	h := newHarness(t, scriptedConfig())
	id := h.placeAt(t, models.RoleFamily, 0, 0)

	turn, err := h.e.SelectOption(context.Background(), id, "parent")
	require.NoError(t, err)

	assert.Equal(t, models.TextAnswer("parent"), turn.State.FormData["section_0_question_0"])
	assert.Equal(t, 0, turn.State.SectionIndex)
	assert.Equal(t, 1, turn.State.QuestionIndex)
	assert.False(t, turn.State.MultiSelectActive)
	require.Len(t, turn.Messages, 2)
	assert.Equal(t, "A parent", turn.Messages[0].Content)
	assert.Equal(t, "What is their first name?", turn.Messages[1].Content)
	assert.Equal(t, models.FieldTypeName, turn.FieldType)

	responses, err := h.st.GetSessionResponses(id)
	require.NoError(t, err)
	require.Len(t, responses, 1)
	assert.Equal(t, "section_0_question_0", responses[0].QuestionKey)
}

func TestUnknownOptionIsRejectedWithoutMutation(t *testing.T) {
	h := newHarness(t, scriptedConfig())
	id := h.placeAt(t, models.RoleFamily, 0, 0)

	turn, err := h.e.SelectOption(context.Background(), id, "not_an_option")
	require.NoError(t, err)
	assert.Equal(t, errOptionUnavailable, turn.Error)
	assert.Empty(t, turn.Messages)
	assert.Empty(t, turn.State.FormData)
	assert.Equal(t, 0, turn.State.QuestionIndex)
}

func TestProceedOutsideCompletionIsRejected(t *testing.T) {
	ctx := context.Background()

	t.Run("mid questionnaire", func(t *testing.T) {
		h := newHarness(t, scriptedConfig())
		id := h.placeAt(t, models.RoleFamily, 0, 0)
		before := len(h.pf.calls)

		turn, err := h.e.SelectOption(ctx, id, models.OptionIDProceedToRegistration)
		require.NoError(t, err)
		assert.Equal(t, errOptionUnavailable, turn.Error)
		assert.Empty(t, turn.RedirectURL)
		assert.False(t, turn.Terminal)
		assert.False(t, turn.State.Transitioning)
		assert.Equal(t, models.StageQuestions, turn.State.Stage)
		assert.Len(t, h.pf.calls, before)
	})

	t.Run("intro", func(t *testing.T) {
		h := newHarness(t, scriptedConfig())
		start, err := h.e.Start(ctx)
		require.NoError(t, err)

		turn, err := h.e.SelectOption(ctx, start.SessionID, models.OptionIDProceedToRegistration)
		require.NoError(t, err)
		assert.Equal(t, errOptionUnavailable, turn.Error)
		assert.Empty(t, turn.RedirectURL)
		assert.False(t, turn.Terminal)
		assert.Equal(t, models.StageIntro, turn.State.Stage)
	})
}

func TestRolePickMidQuestionnaireKeepsAnswers(t *testing.T) {
	h := newHarness(t, scriptedConfig())
	ctx := context.Background()
	id := h.placeAt(t, models.RoleFamily, 0, 0)
	_, err := h.e.SelectOption(ctx, id, "parent")
	require.NoError(t, err)

	turn, err := h.e.SelectOption(ctx, id, string(models.RoleFamily))
	require.NoError(t, err)
	assert.Equal(t, errOptionUnavailable, turn.Error)
	assert.Empty(t, turn.Messages)
	assert.Equal(t, models.TextAnswer("parent"), turn.State.FormData["section_0_question_0"])
	assert.Equal(t, 1, turn.State.QuestionIndex)

	turn, err = h.e.SelectRole(ctx, id, string(models.RoleProfessional))
	require.NoError(t, err)
	assert.Equal(t, errOptionUnavailable, turn.Error)
	assert.Equal(t, models.RoleFamily, turn.State.Role)
	assert.Len(t, turn.State.FormData, 1)
}

func TestInvalidEmailIsRejectedInline(t *testing.T) {
	h := newHarness(t, scriptedConfig())
	id := h.placeAt(t, models.RoleFamily, 2, 2)
	sc := h.session(t, id)
	before := len(sc.Messages)

	turn, err := h.e.HandleMessage(context.Background(), id, "not-an-email")
	require.NoError(t, err)

	assert.Equal(t, FieldErrorMessage(ErrInvalidEmail), turn.Error)
	assert.Empty(t, turn.Messages)
	assert.NotContains(t, turn.State.FormData, "section_2_question_2")
	assert.Equal(t, 2, turn.State.SectionIndex)
	assert.Equal(t, 2, turn.State.QuestionIndex)
	assert.Equal(t, models.FieldTypeEmail, turn.FieldType)
	assert.Equal(t, "name@example.com", turn.Placeholder)
	assert.Len(t, sc.Messages, before)

	turn, err = h.e.HandleMessage(context.Background(), id, "ada@example.com")
	require.NoError(t, err)
	assert.Empty(t, turn.Error)
	assert.Equal(t, models.TextAnswer("ada@example.com"), turn.State.FormData["section_2_question_2"])
	assert.Equal(t, 3, turn.State.QuestionIndex)
}

func TestTypedOptionLabelCountsAsClick(t *testing.T) {
	h := newHarness(t, scriptedConfig())
	id := h.placeAt(t, models.RoleFamily, 0, 0)

	turn, err := h.e.HandleMessage(context.Background(), id, "my spouse or partner")
	require.NoError(t, err)
	assert.Equal(t, models.TextAnswer("spouse"), turn.State.FormData["section_0_question_0"])
	assert.Equal(t, 1, turn.State.QuestionIndex)
}

func TestMultiSelectTogglesThenDone(t *testing.T) {
	h := newHarness(t, scriptedConfig())
	ctx := context.Background()
	id := h.placeAt(t, models.RoleFamily, 1, 0)

	turn, err := h.e.SelectOption(ctx, id, "meals")
	require.NoError(t, err)
	require.Len(t, turn.Messages, 1)
	assert.Contains(t, optionIDs(turn.Messages[0].Options), models.OptionIDDoneSelecting)
	assert.True(t, turn.State.MultiSelectActive)
	assert.Empty(t, turn.State.FormData)

	for _, opt := range []string{"mobility", "companionship", "mobility"} {
		turn, err = h.e.SelectOption(ctx, id, opt)
		require.NoError(t, err)
		assert.Empty(t, turn.Messages, "toggles are silent")
	}
	assert.Equal(t, []string{"meals", "companionship"}, turn.State.Selections)

	turn, err = h.e.SelectOption(ctx, id, models.OptionIDDoneSelecting)
	require.NoError(t, err)
	assert.Equal(t, models.ListAnswer([]string{"meals", "companionship"}), turn.State.FormData["section_1_question_0"])
	assert.False(t, turn.State.MultiSelectActive)
	assert.Empty(t, turn.State.Selections)
	assert.Equal(t, 1, turn.State.QuestionIndex)
	assert.Equal(t, "Meal preparation, Companionship", turn.Messages[0].Content)
}

func TestDoneSelectingWithNothingSelectedReprompts(t *testing.T) {
	h := newHarness(t, scriptedConfig())
	ctx := context.Background()
	id := h.placeAt(t, models.RoleFamily, 1, 0)

	turn, err := h.e.SelectOption(ctx, id, models.OptionIDDoneSelecting)
	require.NoError(t, err)
	assert.Equal(t, needSelectionPrompt, lastMessage(t, turn).Content)
	assert.Equal(t, 0, turn.State.QuestionIndex)
	assert.Empty(t, turn.State.FormData)

	_, err = h.e.SelectOption(ctx, id, "meals")
	require.NoError(t, err)
	_, err = h.e.SelectOption(ctx, id, "meals")
	require.NoError(t, err)
	turn, err = h.e.SelectOption(ctx, id, models.OptionIDDoneSelecting)
	require.NoError(t, err)
	assert.Equal(t, needSelectionPrompt, lastMessage(t, turn).Content)
	assert.Equal(t, 0, turn.State.QuestionIndex)
	assert.Empty(t, turn.State.FormData)
}

func TestFreeTextDuringMultiSelectIsRejected(t *testing.T) {
	h := newHarness(t, scriptedConfig())
	ctx := context.Background()
	id := h.placeAt(t, models.RoleFamily, 1, 0)
	_, err := h.e.SelectOption(ctx, id, "meals")
	require.NoError(t, err)

	turn, err := h.e.HandleMessage(ctx, id, "something else")
	require.NoError(t, err)
	assert.Equal(t, errPickFromOptions, turn.Error)
	assert.Equal(t, []string{"meals"}, turn.State.Selections)
}

func TestSectionTransitionClearsMultiSelectAndWaitsForContinue(t *testing.T) {
	h := newHarness(t, scriptedConfig())
	ctx := context.Background()
	id := h.placeAt(t, models.RoleFamily, 0, 2)
	sc := h.session(t, id)
	sc.MultiSelect.Start("stale")

	h.e.advanceToNextQuestion(ctx, sc)
	assert.Equal(t, 1, sc.SectionIndex)
	assert.Equal(t, 0, sc.QuestionIndex)
	assert.False(t, sc.MultiSelect.Active)
	assert.Empty(t, sc.MultiSelect.Selections)
	assert.True(t, sc.AwaitingContinue)
	last := sc.Messages[len(sc.Messages)-1]
	assert.Contains(t, last.Content, "Your Loved One")
	assert.Contains(t, last.Content, "Care Needs")
	assert.Equal(t, []string{models.OptionIDContinue}, optionIDs(last.Options))

	turn, err := h.e.SelectOption(ctx, id, "meals")
	require.NoError(t, err)
	assert.Equal(t, errTapContinue, turn.Error)

	turn, err = h.e.SelectOption(ctx, id, models.OptionIDContinue)
	require.NoError(t, err)
	assert.False(t, turn.State.AwaitingContinue)
	assert.Equal(t, 1, turn.State.SectionIndex)
	assert.Equal(t, 0, turn.State.QuestionIndex)
	msg := lastMessage(t, turn)
	assert.Contains(t, msg.Content, "Now let's talk about the kind of support")
	assert.Contains(t, msg.Content, "What kind of help is needed?")
	assert.Contains(t, optionIDs(msg.Options), "meals")
}

func TestLastQuestionCompletesWithoutMovingIndices(t *testing.T) {
	h := newHarness(t, scriptedConfig())
	ctx := context.Background()
	id := h.placeAt(t, models.RoleFamily, 2, 3)

	turn, err := h.e.HandleMessage(ctx, id, "+1 (555) 123-4567")
	require.NoError(t, err)

	assert.Equal(t, models.StageCompletion, turn.State.Stage)
	assert.Equal(t, 2, turn.State.SectionIndex)
	assert.Equal(t, 3, turn.State.QuestionIndex)
	assert.Equal(t, []string{models.OptionIDProceedToRegistration, models.OptionIDTalkToRepresentative},
		optionIDs(lastMessage(t, turn).Options))
	require.Len(t, h.pf.calls, 1)
	assert.False(t, h.pf.calls[0].AutoSubmit)
	assert.Equal(t, h.pf.url, turn.State.RegistrationURL)

	progress, err := h.st.GetChatProgress(id)
	require.NoError(t, err)
	require.NotNil(t, progress)
	assert.Equal(t, models.ProgressStatusCompleted, progress.Status)
}

func TestCompletionStageFreeTextIsAcknowledged(t *testing.T) {
	h := newHarness(t, scriptedConfig())
	ctx := context.Background()
	id := h.placeAt(t, models.RoleFamily, 2, 3)
	_, err := h.e.HandleMessage(ctx, id, "5551234567")
	require.NoError(t, err)

	turn, err := h.e.HandleMessage(ctx, id, "what happens next?")
	require.NoError(t, err)
	assert.Equal(t, completionAckMessage, lastMessage(t, turn).Content)
	assert.Equal(t, optionIDs(models.CompletionOptions()), optionIDs(lastMessage(t, turn).Options))
	assert.Equal(t, models.StageCompletion, turn.State.Stage)
}

func TestProceedToRegistrationRedirects(t *testing.T) {
	h := newHarness(t, scriptedConfig())
	ctx := context.Background()
	id := h.placeAt(t, models.RoleFamily, 2, 3)
	_, err := h.e.HandleMessage(ctx, id, "5551234567")
	require.NoError(t, err)

	turn, err := h.e.SelectOption(ctx, id, models.OptionIDProceedToRegistration)
	require.NoError(t, err)

	assert.Equal(t, h.pf.url, turn.RedirectURL)
	assert.True(t, turn.Terminal)
	assert.Equal(t, redirectMessage, lastMessage(t, turn).Content)
	assert.True(t, turn.State.Transitioning)
	assert.Equal(t, models.StageCompletion, turn.State.Stage)
	assert.Equal(t, 3, turn.State.QuestionIndex)
	require.Len(t, h.pf.calls, 2)
	last := h.pf.calls[1]
	assert.True(t, last.AutoSubmit)
	assert.Equal(t, models.TextAnswer("5551234567"), last.FormData["section_2_question_3"])
}

func TestProceedToRegistrationFallsBackOnPrefillError(t *testing.T) {
	h := newHarness(t, scriptedConfig())
	h.pf.err = errors.New("store down")
	ctx := context.Background()
	id := h.placeAt(t, models.RoleProfessional, 2, 1)
	sc := h.session(t, id)
	sc.Stage = models.StageCompletion
	sc.RegistrationURL = "https://example.org/registration/professional?prefill=old"

	turn, err := h.e.SelectOption(ctx, id, models.OptionIDProceedToRegistration)
	require.NoError(t, err)
	assert.Equal(t, "/registration/professional", turn.RedirectURL)
	assert.True(t, turn.Terminal)
}

func TestTalkToRepresentative(t *testing.T) {
	ctx := context.Background()

	t.Run("deep link", func(t *testing.T) {
		h := newHarness(t, scriptedConfig())
		id := h.placeAt(t, models.RoleFamily, 0, 0)
		turn, err := h.e.SelectOption(ctx, id, models.OptionIDTalkToRepresentative)
		require.NoError(t, err)
		assert.Equal(t, h.ct.link, turn.ExternalURL)
		assert.Nil(t, turn.ContactEvent)
		assert.True(t, turn.Terminal)
		require.Len(t, h.ct.notified, 1)
		assert.Equal(t, id, h.ct.notified[0].SessionID)
	})

	t.Run("contact form fallback", func(t *testing.T) {
		h := newHarness(t, scriptedConfig())
		h.ct.link, h.ct.linkErr = "", contact.ErrNoRepresentativeNumber
		id := h.placeAt(t, models.RoleCommunity, 0, 0)
		turn, err := h.e.SelectOption(ctx, id, models.OptionIDTalkToRepresentative)
		require.NoError(t, err)
		assert.Empty(t, turn.ExternalURL)
		require.NotNil(t, turn.ContactEvent)
		assert.Equal(t, contact.ContactFormEventName, turn.ContactEvent.Name)
		assert.Equal(t, models.RoleCommunity, turn.ContactEvent.Role)
		assert.NotEmpty(t, turn.ContactEvent.Transcript)
		require.Len(t, h.ct.events, 1)
		assert.Equal(t, contactFormMessage, lastMessage(t, turn).Content)
	})
}

func TestCloseChatResetsConversation(t *testing.T) {
	h := newHarness(t, scriptedConfig())
	ctx := context.Background()
	id := h.placeAt(t, models.RoleFamily, 0, 0)
	_, err := h.e.SelectOption(ctx, id, "parent")
	require.NoError(t, err)

	turn, err := h.e.SelectOption(ctx, id, models.OptionIDCloseChat)
	require.NoError(t, err)
	assert.True(t, turn.Reset)
	assert.Equal(t, farewellMessage, lastMessage(t, turn).Content)
	assert.Empty(t, turn.State.Role)
	assert.Empty(t, turn.State.FormData)

	view, err := h.e.View(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, view.Messages)
}

func TestFreeTextDetectsRole(t *testing.T) {
	h := newHarness(t, scriptedConfig())
	ctx := context.Background()
	start, err := h.e.Start(ctx)
	require.NoError(t, err)

	turn, err := h.e.HandleMessage(ctx, start.SessionID, "I need care for my mom")
	require.NoError(t, err)
	assert.Equal(t, models.RoleFamily, turn.State.Role)
	require.Len(t, turn.Messages, 2)
	assert.Equal(t, "I need care for my mom", turn.Messages[0].Content)
	assert.Contains(t, turn.Messages[1].Content, "Who are you arranging care for?")
}

func TestHybridFallsBackAfterThreshold(t *testing.T) {
	cfg := models.ChatConfig{Mode: models.ChatModeHybrid, Temperature: 0.5, FallbackThreshold: 2}
	h := newHarness(t, cfg)
	h.ai.set("", errors.New("upstream unavailable"))
	ctx := context.Background()
	start, err := h.e.Start(ctx)
	require.NoError(t, err)
	id := start.SessionID

	for i := 0; i < cfg.FallbackThreshold; i++ {
		turn, err := h.e.HandleMessage(ctx, id, "hello there")
		require.NoError(t, err)
		msg := lastMessage(t, turn)
		assert.Equal(t, apologyMessage, msg.Content)
		assert.Contains(t, optionIDs(msg.Options), models.OptionIDStartOver)
	}

	turn, err := h.e.HandleMessage(ctx, id, "hello there")
	require.NoError(t, err)
	assert.Equal(t, clarifyingMessage, lastMessage(t, turn).Content)
	assert.Equal(t, 3, h.session(t, id).Breaker.Count)

	turn, err = h.e.HandleMessage(ctx, id, "hello again")
	require.NoError(t, err)
	assert.Equal(t, clarifyingMessage, lastMessage(t, turn).Content)

	h.ai.set("Happy to help! Are you looking for care or offering it?", nil)
	turn, err = h.e.HandleMessage(ctx, id, "still here")
	require.NoError(t, err)
	assert.Equal(t, "Happy to help! Are you looking for care or offering it?", lastMessage(t, turn).Content)
	assert.Zero(t, h.session(t, id).Breaker.Count)
	assert.Equal(t, 0.5, h.ai.lastReq.Temperature)
}

func TestAIModeApologisesOnEveryFailure(t *testing.T) {
	cfg := models.ChatConfig{Mode: models.ChatModeAI, Temperature: 0.7, FallbackThreshold: 1}
	h := newHarness(t, cfg)
	h.ai.set("", errors.New("boom"))
	ctx := context.Background()
	start, err := h.e.Start(ctx)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		turn, err := h.e.HandleMessage(ctx, start.SessionID, "hello")
		require.NoError(t, err)
		assert.Equal(t, apologyMessage, lastMessage(t, turn).Content)
	}
}

func TestModeSwitchResetsBreakers(t *testing.T) {
	h := newHarness(t, models.DefaultChatConfig())
	ctx := context.Background()
	start, err := h.e.Start(ctx)
	require.NoError(t, err)
	sc := h.session(t, start.SessionID)
	sc.Breaker = Breaker{Count: 2, LastError: "boom"}

	require.NoError(t, h.e.UpdateConfig(ctx, scriptedConfig()))
	_, err = h.e.HandleMessage(ctx, start.SessionID, "hello")
	require.NoError(t, err)
	assert.Zero(t, sc.Breaker.Count)
}

func TestUpdateConfigIsPersisted(t *testing.T) {
	h := newHarness(t, models.DefaultChatConfig())
	ctx := context.Background()
	want := models.ChatConfig{Mode: models.ChatModeAI, Temperature: 0.2, FallbackThreshold: 4}
	require.NoError(t, h.e.UpdateConfig(ctx, want))
	assert.ErrorIs(t, h.e.UpdateConfig(ctx, models.ChatConfig{Mode: "loud"}), models.ErrInvalidChatMode)

	again, err := NewEngine(ctx, Dependencies{Questions: script.Default(), State: NewStoreBasedStateManager(h.st)})
	require.NoError(t, err)
	assert.Equal(t, want, again.Config())
}

func TestAIReplyIsCleanedAndRephrasedWhenRepeated(t *testing.T) {
	h := newHarness(t, models.DefaultChatConfig())
	h.ai.set("Certainly! As an AI, I can help you find care.", nil)
	ctx := context.Background()
	start, err := h.e.Start(ctx)
	require.NoError(t, err)

	turn, err := h.e.HandleMessage(ctx, start.SessionID, "hello")
	require.NoError(t, err)
	first := lastMessage(t, turn).Content
	assert.Equal(t, "I can help you find care.", first)
	assert.Equal(t, optionIDs(models.RoleOptions()), optionIDs(lastMessage(t, turn).Options))

	turn, err = h.e.HandleMessage(ctx, start.SessionID, "hello?")
	require.NoError(t, err)
	second := lastMessage(t, turn).Content
	assert.NotEqual(t, first, second)
	assert.Contains(t, second, "i can help you find care.")
}

func TestResumeDecodesLegacyProgress(t *testing.T) {
	h := newHarness(t, scriptedConfig())
	ctx := context.Background()
	require.NoError(t, h.st.SaveFlowState(models.FlowState{
		SessionID:    "s_legacy",
		FlowType:     models.FlowTypeRegistrationChat,
		CurrentState: models.StageQuestions,
		StateData: map[models.DataKey]string{
			models.DataKeyProgress: `{"role":"family","questionIndex":12}`,
			models.DataKeyMessages: `[{"content":"Hello","is_user":false,"timestamp":1}]`,
		},
	}))

	turn, err := h.e.Resume(ctx, "s_legacy")
	require.NoError(t, err)
	assert.Equal(t, models.RoleFamily, turn.State.Role)
	assert.Equal(t, 1, turn.State.SectionIndex)
	assert.Equal(t, 2, turn.State.QuestionIndex)
	msg := lastMessage(t, turn)
	assert.Contains(t, msg.Content, "Welcome back! We were discussing Care Needs.")
	assert.Contains(t, msg.Content, "What schedule are you looking for?")
	assert.Contains(t, optionIDs(msg.Options), "overnight")

	raw, err := h.e.state.GetStateData(ctx, "s_legacy", models.FlowTypeRegistrationChat, models.DataKeyProgress)
	require.NoError(t, err)
	assert.Contains(t, raw, `"section_index":1`)
}

func TestResumeNeverRepeatsLastMessage(t *testing.T) {
	h := newHarness(t, scriptedConfig())
	ctx := context.Background()
	id := h.placeAt(t, models.RoleFamily, 0, 1)

	first, err := h.e.Resume(ctx, id)
	require.NoError(t, err)
	second, err := h.e.Resume(ctx, id)
	require.NoError(t, err)

	a, b := lastMessage(t, first).Content, lastMessage(t, second).Content
	assert.NotEqual(t, a, b)
	assert.Equal(t, "What is their first name?", b)
}

func TestResumeWithoutRoleOffersRoles(t *testing.T) {
	h := newHarness(t, scriptedConfig())
	ctx := context.Background()
	start, err := h.e.Start(ctx)
	require.NoError(t, err)

	turn, err := h.e.SelectRole(ctx, start.SessionID, models.OptionIDResume)
	require.NoError(t, err)
	assert.Equal(t, optionIDs(models.RoleOptions()), optionIDs(lastMessage(t, turn).Options))
}

func TestSessionSurvivesEngineRestart(t *testing.T) {
	h := newHarness(t, scriptedConfig())
	ctx := context.Background()
	id := h.placeAt(t, models.RoleFamily, 0, 0)
	_, err := h.e.SelectOption(ctx, id, "grandparent")
	require.NoError(t, err)

	again, err := NewEngine(ctx, Dependencies{Questions: script.Default(), State: NewStoreBasedStateManager(h.st)},
		WithChatConfig(scriptedConfig()))
	require.NoError(t, err)
	view, err := again.View(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.RoleFamily, view.State.Role)
	assert.Equal(t, 1, view.State.QuestionIndex)
	assert.Equal(t, models.TextAnswer("grandparent"), view.State.FormData["section_0_question_0"])
}

func TestViewKeepsOneActiveOptionSet(t *testing.T) {
	h := newHarness(t, scriptedConfig())
	ctx := context.Background()
	id := h.placeAt(t, models.RoleFamily, 0, 0)
	_, err := h.e.SelectOption(ctx, id, "parent")
	require.NoError(t, err)
	_, err = h.e.HandleMessage(ctx, id, "Rosa")
	require.NoError(t, err)

	view, err := h.e.View(ctx, id)
	require.NoError(t, err)
	withOptions := 0
	for _, m := range view.Messages {
		if len(m.Options) > 0 {
			withOptions++
		}
	}
	assert.Equal(t, 1, withOptions)
	assert.NotEmpty(t, view.Messages[len(view.Messages)-1].Options)
}

func TestConcurrentTurnIsRejected(t *testing.T) {
	h := newHarness(t, models.DefaultChatConfig())
	ctx := context.Background()
	start, err := h.e.Start(ctx)
	require.NoError(t, err)

	h.ai.mu.Lock()
	h.ai.started = make(chan struct{}, 1)
	h.ai.release = make(chan struct{})
	h.ai.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := h.e.HandleMessage(ctx, start.SessionID, "hello")
		done <- err
	}()

	select {
	case <-h.ai.started:
	case <-time.After(5 * time.Second):
		t.Fatal("first turn never reached the completer")
	}
	_, err = h.e.HandleMessage(ctx, start.SessionID, "second")
	assert.ErrorIs(t, err, ErrTurnInProgress)
	assert.ErrorIs(t, h.e.Reset(ctx, start.SessionID), ErrTurnInProgress)

	close(h.ai.release)
	require.NoError(t, <-done)
}

func TestUnknownSessionAndReset(t *testing.T) {
	h := newHarness(t, scriptedConfig())
	ctx := context.Background()
	_, err := h.e.HandleMessage(ctx, "s_missing", "hello")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	start, err := h.e.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, h.e.ActiveSessions())
	require.NoError(t, h.e.Reset(ctx, start.SessionID))
	assert.Zero(t, h.e.ActiveSessions())
	_, err = h.e.View(ctx, start.SessionID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestEmptyMessageIsRejected(t *testing.T) {
	h := newHarness(t, scriptedConfig())
	_, err := h.e.HandleMessage(context.Background(), "s_any", "   ")
	assert.ErrorIs(t, err, models.ErrEmptyMessage)
}

func TestNewEngineRequiresDependencies(t *testing.T) {
	_, err := NewEngine(context.Background(), Dependencies{})
	assert.ErrorIs(t, err, ErrMissingDependency)
}

func TestEvictIdleReloadsFromStore(t *testing.T) {
	h := newHarness(t, scriptedConfig())
	ctx := context.Background()
	start, err := h.e.Start(ctx)
	require.NoError(t, err)
	_, err = h.e.SelectRole(ctx, start.SessionID, string(models.RoleFamily))
	require.NoError(t, err)

	assert.Zero(t, h.e.EvictIdle(time.Hour))
	assert.Equal(t, 1, h.e.ActiveSessions())

	now := time.Now()
	h.e.now = func() time.Time { return now.Add(2 * time.Hour) }
	assert.Equal(t, 1, h.e.EvictIdle(time.Hour))
	assert.Zero(t, h.e.ActiveSessions())

	view, err := h.e.View(ctx, start.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.RoleFamily, view.State.Role)
	assert.Equal(t, models.StageQuestions, view.State.Stage)
}

func TestEvictedContextIsNotLockedForATurn(t *testing.T) {
	h := newHarness(t, scriptedConfig())
	ctx := context.Background()
	start, err := h.e.Start(ctx)
	require.NoError(t, err)
	id := start.SessionID

	stale := h.session(t, id)
	now := time.Now()
	h.e.now = func() time.Time { return now.Add(2 * time.Hour) }
	require.Equal(t, 1, h.e.EvictIdle(time.Hour))

	ok, err := h.e.lockResident(id, stale)
	require.NoError(t, err)
	assert.False(t, ok, "evicted context must not be used for a turn")
	assert.True(t, stale.busy.TryLock(), "stale context should be unlocked again")
	stale.busy.Unlock()

	fresh, err := h.e.acquire(ctx, id)
	require.NoError(t, err)
	assert.NotSame(t, stale, fresh)
	_, err = h.e.SelectOption(ctx, id, string(models.RoleFamily))
	assert.ErrorIs(t, err, ErrTurnInProgress)
	fresh.busy.Unlock()

	turn, err := h.e.SelectOption(ctx, id, string(models.RoleFamily))
	require.NoError(t, err)
	assert.Equal(t, models.RoleFamily, turn.State.Role)
}

func TestEvictIdleSkipsBusySession(t *testing.T) {
	h := newHarness(t, scriptedConfig())
	start, err := h.e.Start(context.Background())
	require.NoError(t, err)
	sc := h.session(t, start.SessionID)

	sc.busy.Lock()
	now := time.Now()
	h.e.now = func() time.Time { return now.Add(2 * time.Hour) }
	assert.Zero(t, h.e.EvictIdle(time.Hour))
	sc.busy.Unlock()
	assert.Equal(t, 1, h.e.EvictIdle(time.Hour))
}
