package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/CarePipe/internal/contact"
	"github.com/BTreeMap/CarePipe/internal/metrics"
	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/util"
)

// Engine errors.
var (
	ErrTurnInProgress    = errors.New("a turn is already in progress for this session")
	ErrSessionNotFound   = errors.New("session not found")
	ErrMissingDependency = errors.New("engine requires a question provider and a state manager")
)

// Dependencies holds the collaborators of an Engine. Questions and State are
// required; everything else may be nil.
type Dependencies struct {
	Questions QuestionProvider
	State     StateManager
	Responses ResponseSink
	Completer Completer
	Prefill   PrefillBridge
	Contact   ContactChannel
	Metrics   *metrics.Metrics
}

// Opts holds engine configuration.
type Opts struct {
	Config     models.ChatConfig
	Phrasebook map[string][]string
	Intros     []string
}

// Option configures the Engine.
type Option func(*Opts)

// WithChatConfig sets the configuration used when none is persisted.
func WithChatConfig(cfg models.ChatConfig) Option {
	return func(o *Opts) { o.Config = cfg }
}

// WithPhrasebook replaces the formatter phrasebook.
func WithPhrasebook(p map[string][]string) Option {
	return func(o *Opts) { o.Phrasebook = p }
}

// WithIntros replaces the intro message pool.
func WithIntros(pool []string) Option {
	return func(o *Opts) { o.Intros = pool }
}

// Turn is the result of one visitor action.
type Turn struct {
	SessionID    string                    `json:"session_id"`
	Messages     []models.Message          `json:"messages"`
	Error        string                    `json:"error,omitempty"`
	FieldType    models.FieldType          `json:"field_type,omitempty"`
	Placeholder  string                    `json:"placeholder"`
	RedirectURL  string                    `json:"redirect_url,omitempty"`
	ExternalURL  string                    `json:"external_url,omitempty"`
	Terminal     bool                      `json:"terminal"`
	Reset        bool                      `json:"reset"`
	ContactEvent *contact.ContactFormEvent `json:"contact_event,omitempty"`
	State        SessionState              `json:"state"`
}

// View is a read-only snapshot of a session.
type View struct {
	Messages []models.Message `json:"messages"`
	State    SessionState     `json:"state"`
}

// Engine runs registration conversations.
type Engine struct {
	questions QuestionProvider
	state     StateManager
	responses ResponseSink
	completer Completer
	prefill   PrefillBridge
	contact   ContactChannel
	metrics   *metrics.Metrics
	formatter *Formatter
	intros    []string
	now       func() time.Time

	mu       sync.Mutex
	sessions map[string]*SessionContext
	cfg      models.ChatConfig
	epoch    uint64
}

// NewEngine creates an Engine and loads the persisted chat configuration.
func NewEngine(ctx context.Context, deps Dependencies, opts ...Option) (*Engine, error) {
	if deps.Questions == nil || deps.State == nil {
		return nil, ErrMissingDependency
	}
	cfg := Opts{Config: models.DefaultChatConfig()}
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.Config.Validate(); err != nil {
		return nil, fmt.Errorf("chat config: %w", err)
	}
	intros := cfg.Intros
	if len(intros) == 0 {
		intros = defaultIntros
	}

	e := &Engine{
		questions: deps.Questions,
		state:     deps.State,
		responses: deps.Responses,
		completer: deps.Completer,
		prefill:   deps.Prefill,
		contact:   deps.Contact,
		metrics:   deps.Metrics,
		formatter: NewFormatter(cfg.Phrasebook),
		intros:    intros,
		now:       time.Now,
		sessions:  make(map[string]*SessionContext),
		cfg:       cfg.Config,
	}

	raw, err := e.state.GetStateData(ctx, models.SettingsOwnerID, models.FlowTypeSettings, models.DataKeyChatConfig)
	if err != nil {
		slog.Error("Engine.NewEngine: failed to load chat config, using defaults", "error", err)
	} else if raw != "" {
		var stored models.ChatConfig
		if err := json.Unmarshal([]byte(raw), &stored); err != nil || stored.Validate() != nil {
			slog.Warn("Engine.NewEngine: ignoring invalid stored chat config", "raw", raw, "error", err)
		} else {
			e.cfg = stored
		}
	}
	slog.Info("Engine.NewEngine: ready", "mode", e.cfg.Mode, "temperature", e.cfg.Temperature,
		"fallbackThreshold", e.cfg.FallbackThreshold, "ai", e.completer != nil)
	return e, nil
}

// Config returns the current chat configuration.
func (e *Engine) Config() models.ChatConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// UpdateConfig validates, applies and persists a chat configuration. A mode
// switch clears every session's failure count.
func (e *Engine) UpdateConfig(ctx context.Context, cfg models.ChatConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	if e.cfg.Mode != cfg.Mode {
		e.epoch++
		slog.Info("Engine.UpdateConfig: mode switched, resetting fallback counters", "from", e.cfg.Mode, "to", cfg.Mode)
	}
	e.cfg = cfg
	e.mu.Unlock()

	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode chat config: %w", err)
	}
	if err := e.state.SetStateData(ctx, models.SettingsOwnerID, models.FlowTypeSettings, models.DataKeyChatConfig, string(raw)); err != nil {
		slog.Error("Engine.UpdateConfig: failed to persist chat config", "error", err)
	}
	return nil
}

// ActiveSessions returns the number of sessions held in memory.
func (e *Engine) ActiveSessions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

// Start creates a session and returns its opening turn.
func (e *Engine) Start(ctx context.Context) (Turn, error) {
	id := util.GenerateSessionID()
	sc := newSessionContext(id)
	sc.lastActive = e.now()
	e.mu.Lock()
	sc.breakerEpoch = e.epoch
	e.sessions[id] = sc
	n := len(e.sessions)
	e.mu.Unlock()
	e.metrics.SetActiveSessions(n)
	slog.Info("Engine.Start: session created", "sessionID", id)

	return e.runTurn(ctx, id, "start", func(ctx context.Context, sc *SessionContext, t *Turn) {
		r := e.processConversation(ctx, sc)
		e.appendBot(sc, r.Content, r.Options)
	})
}

// HandleMessage processes free text typed by the visitor.
func (e *Engine) HandleMessage(ctx context.Context, sessionID, text string) (Turn, error) {
	req := models.MessageRequest{Text: text}
	if err := req.Validate(); err != nil {
		return Turn{}, err
	}
	return e.runTurn(ctx, sessionID, "message", func(ctx context.Context, sc *SessionContext, t *Turn) {
		e.handleText(ctx, sc, t, text)
	})
}

// SelectOption processes a quick-reply click.
func (e *Engine) SelectOption(ctx context.Context, sessionID, optionID string) (Turn, error) {
	req := models.OptionRequest{OptionID: optionID}
	if err := req.Validate(); err != nil {
		return Turn{}, err
	}
	action := ParseAction(optionID)
	return e.runTurn(ctx, sessionID, "option:"+action.Kind.String(), func(ctx context.Context, sc *SessionContext, t *Turn) {
		e.handleOption(ctx, sc, t, action)
	})
}

// SelectRole processes a role pick. "resume" and "restart" are accepted too.
func (e *Engine) SelectRole(ctx context.Context, sessionID, roleID string) (Turn, error) {
	req := models.RoleRequest{Role: roleID}
	if err := req.Validate(); err != nil {
		return Turn{}, err
	}
	return e.runTurn(ctx, sessionID, "role", func(ctx context.Context, sc *SessionContext, t *Turn) {
		if _, ok := models.ParseRole(roleID); ok && !actionAllowed(ActionSelectRole, sc.Stage) {
			t.Error = errOptionUnavailable
			return
		}
		e.handleRoleSelection(ctx, sc, t, roleID, true)
	})
}

// Resume picks a stored conversation back up.
func (e *Engine) Resume(ctx context.Context, sessionID string) (Turn, error) {
	return e.runTurn(ctx, sessionID, "resume", func(ctx context.Context, sc *SessionContext, t *Turn) {
		e.handleResume(ctx, sc)
	})
}

// View returns the visible transcript and state of a session. It waits for a
// running turn to finish.
func (e *Engine) View(ctx context.Context, sessionID string) (View, error) {
	sc, err := e.lookup(ctx, sessionID)
	if err != nil {
		return View{}, err
	}
	sc.busy.Lock()
	defer sc.busy.Unlock()
	return View{Messages: VisibleTranscript(sc.Messages), State: e.sessionState(sc)}, nil
}

// Reset deletes a session and its stored state.
func (e *Engine) Reset(ctx context.Context, sessionID string) error {
	sc, err := e.acquire(ctx, sessionID)
	if err != nil {
		return err
	}
	defer sc.busy.Unlock()

	if err := e.state.ResetState(ctx, sessionID, models.FlowTypeRegistrationChat); err != nil {
		return fmt.Errorf("reset session: %w", err)
	}
	e.mu.Lock()
	delete(e.sessions, sessionID)
	n := len(e.sessions)
	e.mu.Unlock()
	e.metrics.SetActiveSessions(n)
	slog.Info("Engine.Reset: session removed", "sessionID", sessionID)
	return nil
}

// EvictIdle drops sessions with no turn for longer than idle from memory.
// Their state is already persisted, so the next request reloads them.
// Sessions with a turn in flight are skipped.
func (e *Engine) EvictIdle(idle time.Duration) int {
	cutoff := e.now().Add(-idle)
	e.mu.Lock()
	evicted := 0
	for id, sc := range e.sessions {
		if !sc.busy.TryLock() {
			continue
		}
		if sc.lastActive.Before(cutoff) {
			delete(e.sessions, id)
			evicted++
		}
		sc.busy.Unlock()
	}
	n := len(e.sessions)
	e.mu.Unlock()

	e.metrics.SetActiveSessions(n)
	if evicted > 0 {
		slog.Info("Engine.EvictIdle: evicted idle sessions", "count", evicted, "remaining", n)
	}
	return evicted
}

// lookup returns the in-memory session, loading it from the state manager if needed.
func (e *Engine) lookup(ctx context.Context, sessionID string) (*SessionContext, error) {
	e.mu.Lock()
	sc := e.sessions[sessionID]
	e.mu.Unlock()
	if sc != nil {
		return sc, nil
	}

	fs, err := e.state.LoadState(ctx, sessionID, models.FlowTypeRegistrationChat)
	if err != nil {
		slog.Error("Engine.lookup: load failed", "sessionID", sessionID, "error", err)
		return nil, fmt.Errorf("load session: %w", err)
	}
	if fs == nil {
		return nil, ErrSessionNotFound
	}
	loaded := restoreSession(fs)

	e.mu.Lock()
	if existing := e.sessions[sessionID]; existing != nil {
		loaded = existing
	} else {
		loaded.breakerEpoch = e.epoch
		loaded.lastActive = e.now()
		e.sessions[sessionID] = loaded
	}
	n := len(e.sessions)
	e.mu.Unlock()
	e.metrics.SetActiveSessions(n)
	slog.Debug("Engine.lookup: session restored", "sessionID", sessionID, "role", loaded.Role, "stage", loaded.Stage)
	return loaded, nil
}

// acquire returns the session with its busy flag held. A session evicted
// between lookup and locking is looked up again, so a turn never runs on a
// context that is no longer the resident one.
func (e *Engine) acquire(ctx context.Context, sessionID string) (*SessionContext, error) {
	for {
		sc, err := e.lookup(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		ok, err := e.lockResident(sessionID, sc)
		if err != nil {
			return nil, err
		}
		if ok {
			return sc, nil
		}
		slog.Debug("Engine.acquire: session evicted before lock, reloading", "sessionID", sessionID)
	}
}

// lockResident takes sc's busy flag and reports whether sc is still the
// session held in memory under id. A stale sc is unlocked again.
func (e *Engine) lockResident(id string, sc *SessionContext) (bool, error) {
	if !sc.busy.TryLock() {
		return false, ErrTurnInProgress
	}
	e.mu.Lock()
	current := e.sessions[id]
	e.mu.Unlock()
	if current != sc {
		sc.busy.Unlock()
		return false, nil
	}
	return true, nil
}

type turnFunc func(ctx context.Context, sc *SessionContext, t *Turn)

// runTurn executes fn with the session's busy flag held, then persists the
// session. A second turn for the same session is rejected, not queued.
func (e *Engine) runTurn(ctx context.Context, sessionID, kind string, fn turnFunc) (Turn, error) {
	sc, err := e.acquire(ctx, sessionID)
	if errors.Is(err, ErrTurnInProgress) {
		slog.Warn("Engine.runTurn: turn already in progress", "sessionID", sessionID, "kind", kind)
	}
	if err != nil {
		return Turn{}, err
	}
	defer sc.busy.Unlock()

	start := e.now()
	sc.lastActive = start
	e.syncBreaker(sc)
	sc.turnLog = nil

	t := Turn{SessionID: sessionID}
	fn(ctx, sc, &t)
	e.persist(ctx, sc)

	t.Messages = sc.turnLog
	if t.Messages == nil {
		t.Messages = []models.Message{}
	}
	sc.turnLog = nil
	t.State = e.sessionState(sc)
	t.FieldType = t.State.FieldType
	t.Placeholder = t.State.Placeholder

	e.metrics.ObserveTurn(kind, e.now().Sub(start))
	slog.Debug("Engine.runTurn: done", "sessionID", sessionID, "kind", kind, "stage", sc.Stage,
		"section", sc.SectionIndex, "question", sc.QuestionIndex, "messages", len(t.Messages), "error", t.Error)
	return t, nil
}

// syncBreaker clears the failure count of a session that predates the last mode switch.
func (e *Engine) syncBreaker(sc *SessionContext) {
	e.mu.Lock()
	epoch := e.epoch
	e.mu.Unlock()
	if sc.breakerEpoch != epoch {
		sc.Breaker = Breaker{}
		sc.breakerEpoch = epoch
	}
}

// persist writes the session blob. Failures are logged and the turn goes on.
func (e *Engine) persist(ctx context.Context, sc *SessionContext) {
	data, err := sc.snapshot()
	if err != nil {
		slog.Error("Engine.persist: encode failed", "sessionID", sc.ID, "error", err)
		return
	}
	ctx = context.WithoutCancel(ctx)
	if err := e.state.SaveSnapshot(ctx, sc.ID, models.FlowTypeRegistrationChat, sc.Stage, data); err != nil {
		slog.Error("Engine.persist: save failed", "sessionID", sc.ID, "error", err)
	}
}

func (e *Engine) saveAnswer(ctx context.Context, sc *SessionContext, key string, ans models.Answer) {
	if e.responses == nil {
		return
	}
	err := e.responses.SaveChatResponse(models.ChatResponse{
		SessionID:    sc.ID,
		Role:         sc.Role,
		SectionIndex: sc.SectionIndex,
		QuestionKey:  key,
		Value:        ans,
		CreatedAt:    e.now().UnixMilli(),
	})
	if err != nil {
		slog.Error("Engine.saveAnswer: save failed", "sessionID", sc.ID, "key", key, "error", err)
	}
}

func (e *Engine) saveProgress(ctx context.Context, sc *SessionContext) {
	if e.responses == nil {
		return
	}
	status := models.ProgressStatusInProgress
	if sc.Stage == models.StageCompletion {
		status = models.ProgressStatusCompleted
	}
	err := e.responses.UpdateChatProgress(models.ChatProgress{
		SessionID:    sc.ID,
		Role:         sc.Role,
		SectionIndex: sc.SectionIndex,
		Status:       status,
		QuestionKey:  sc.positionKey(),
		FormData:     sc.FormData.Clone(),
		UpdatedAt:    e.now(),
	})
	if err != nil {
		slog.Error("Engine.saveProgress: update failed", "sessionID", sc.ID, "error", err)
	}
}

func (e *Engine) appendBot(sc *SessionContext, content string, opts []models.Option) {
	msg := models.Message{Content: content, Timestamp: e.now().UnixMilli()}
	if len(opts) > 0 {
		msg.Options = append([]models.Option(nil), opts...)
	}
	sc.Messages = append(sc.Messages, msg)
	sc.turnLog = append(sc.turnLog, msg)
	sc.Cache.Remember(content)
}

func (e *Engine) appendUser(sc *SessionContext, content string) {
	msg := models.Message{Content: content, IsUser: true, Timestamp: e.now().UnixMilli()}
	sc.Messages = append(sc.Messages, msg)
	sc.turnLog = append(sc.turnLog, msg)
}

// currentFieldType is the input kind expected for the next free-text message.
func (e *Engine) currentFieldType(sc *SessionContext) models.FieldType {
	if sc.Stage != models.StageQuestions || sc.AwaitingContinue || sc.MultiSelect.Active {
		return models.FieldTypeNone
	}
	q, ok := e.questions.CurrentQuestion(sc.Role, sc.SectionIndex, sc.QuestionIndex)
	if !ok {
		return DetectFieldType(nil, lastBotMessage(sc.Messages))
	}
	return DetectFieldType(&q, lastBotMessage(sc.Messages))
}

func (e *Engine) sessionState(sc *SessionContext) SessionState {
	sc.FieldType = e.currentFieldType(sc)
	st := SessionState{
		SessionID:         sc.ID,
		Role:              sc.Role,
		Stage:             sc.Stage,
		SectionIndex:      sc.SectionIndex,
		QuestionIndex:     sc.QuestionIndex,
		FormData:          sc.FormData.Clone(),
		AwaitingContinue:  sc.AwaitingContinue,
		MultiSelectActive: sc.MultiSelect.Active,
		FieldType:         sc.FieldType,
		Placeholder:       Placeholder(sc.FieldType),
		Transitioning:     sc.Transitioning,
		AutoRedirect:      sc.AutoRedirect,
		RegistrationURL:   sc.RegistrationURL,
	}
	if sc.Role != "" {
		st.SectionTitle = e.questions.SectionTitle(sc.Role, sc.SectionIndex)
		st.TotalQuestions = e.questions.TotalQuestions(sc.Role)
		st.Position = e.position(sc)
		if sc.Stage == models.StageCompletion {
			st.Position = st.TotalQuestions
		}
	}
	if len(sc.MultiSelect.Selections) > 0 {
		st.Selections = append([]string(nil), sc.MultiSelect.Selections...)
	}
	return st
}
