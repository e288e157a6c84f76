package flow

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/BTreeMap/CarePipe/internal/models"
)

// legacySlotsPerSection is the stride of old progress blobs, which packed
// section and question into one questionIndex.
const legacySlotsPerSection = 10

// MultiSelect accumulates answers for a multi-select question.
type MultiSelect struct {
	Active     bool
	Selections []string
}

// Start begins a selection with its first choice.
func (m *MultiSelect) Start(first string) {
	m.Active = true
	m.Selections = []string{first}
}

// Toggle adds id, or removes it if already selected. Order of addition is kept.
func (m *MultiSelect) Toggle(id string) {
	if i := slices.Index(m.Selections, id); i >= 0 {
		m.Selections = slices.Delete(m.Selections, i, i+1)
		return
	}
	m.Selections = append(m.Selections, id)
}

// Reset clears the selection state.
func (m *MultiSelect) Reset() {
	m.Active = false
	m.Selections = nil
}

// SessionContext is everything the engine knows about one visitor.
type SessionContext struct {
	ID       string
	Messages []models.Message

	Role             models.Role
	Stage            models.Stage
	SectionIndex     int
	QuestionIndex    int
	FormData         models.FormData
	AwaitingContinue bool

	MultiSelect MultiSelect
	Breaker     Breaker
	Cache       MessageCache
	LastIntro   string
	Phrases     map[string]string
	FieldType   models.FieldType
	IsResuming  bool

	Transitioning   bool
	AutoRedirect    bool
	RegistrationURL string

	busy         sync.Mutex
	breakerEpoch uint64
	turnLog      []models.Message
	lastActive   time.Time
}

func newSessionContext(id string) *SessionContext {
	return &SessionContext{
		ID:       id,
		Stage:    models.StageIntro,
		FormData: models.FormData{},
		Phrases:  map[string]string{},
	}
}

// clear drops the conversation but keeps the session id, the intro history
// and the handoff flags. The busy flag is left alone since a turn holds it.
func (sc *SessionContext) clear() {
	sc.Messages = nil
	sc.Role = ""
	sc.Stage = models.StageIntro
	sc.SectionIndex = 0
	sc.QuestionIndex = 0
	sc.FormData = models.FormData{}
	sc.AwaitingContinue = false
	sc.MultiSelect.Reset()
	sc.Breaker = Breaker{}
	sc.Cache = MessageCache{}
	sc.Phrases = map[string]string{}
	sc.FieldType = models.FieldTypeNone
	sc.IsResuming = false
}

// positionKey is the formData key of the current question.
func (sc *SessionContext) positionKey() string {
	return models.QuestionKey(sc.SectionIndex, sc.QuestionIndex)
}

func (sc *SessionContext) progress() models.Progress {
	return models.Progress{
		Role:          sc.Role,
		Stage:         sc.Stage,
		SectionIndex:  sc.SectionIndex,
		QuestionIndex: sc.QuestionIndex,
		FormData:      sc.FormData.Clone(),
	}
}

// storedProgress is the persisted progress blob.
type storedProgress struct {
	models.Progress
	AwaitingContinue bool `json:"awaiting_continue,omitempty"`
}

// legacyProgress is the blob written before sections were tracked explicitly.
type legacyProgress struct {
	Role          models.Role     `json:"role"`
	QuestionIndex int             `json:"questionIndex"`
	FormData      models.FormData `json:"formData,omitempty"`
}

// decodeProgress reads a progress blob, converting the legacy packed index
// when the blob has no section_index.
func decodeProgress(raw string) (storedProgress, error) {
	var out storedProgress
	var probe map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &probe); err != nil {
		return out, fmt.Errorf("decode progress: %w", err)
	}
	if _, ok := probe["section_index"]; ok {
		if err := json.Unmarshal([]byte(raw), &out); err != nil {
			return out, fmt.Errorf("decode progress: %w", err)
		}
		return out, nil
	}

	var legacy legacyProgress
	if err := json.Unmarshal([]byte(raw), &legacy); err != nil {
		return out, fmt.Errorf("decode legacy progress: %w", err)
	}
	out.Role = legacy.Role
	out.FormData = legacy.FormData
	out.SectionIndex = legacy.QuestionIndex / legacySlotsPerSection
	out.QuestionIndex = legacy.QuestionIndex % legacySlotsPerSection
	if legacy.Role.IsValid() {
		out.Stage = models.StageQuestions
	}
	slog.Debug("decodeProgress: converted legacy progress", "role", legacy.Role, "questionIndex", legacy.QuestionIndex,
		"sectionIndex", out.SectionIndex, "sectionQuestion", out.QuestionIndex)
	return out, nil
}

// snapshot encodes the session into state data.
func (sc *SessionContext) snapshot() (map[models.DataKey]string, error) {
	msgs, err := json.Marshal(sc.Messages)
	if err != nil {
		return nil, fmt.Errorf("encode messages: %w", err)
	}
	prog, err := json.Marshal(storedProgress{Progress: sc.progress(), AwaitingContinue: sc.AwaitingContinue})
	if err != nil {
		return nil, fmt.Errorf("encode progress: %w", err)
	}
	return map[models.DataKey]string{
		models.DataKeyMessages:        string(msgs),
		models.DataKeyProgress:        string(prog),
		models.DataKeyLastMessage:     sc.Cache.Last(),
		models.DataKeyLastIntro:       sc.LastIntro,
		models.DataKeyTransitioning:   boolFlag(sc.Transitioning),
		models.DataKeyAutoRedirect:    boolFlag(sc.AutoRedirect),
		models.DataKeyRegistrationURL: sc.RegistrationURL,
	}, nil
}

// restoreSession rebuilds a session from its stored blob. Corrupt values are
// logged and skipped so a damaged blob still yields a usable session.
func restoreSession(fs *models.FlowState) *SessionContext {
	sc := newSessionContext(fs.SessionID)
	data := fs.StateData

	if raw := data[models.DataKeyMessages]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &sc.Messages); err != nil {
			slog.Error("restoreSession: corrupt messages", "sessionID", fs.SessionID, "error", err)
			sc.Messages = nil
		}
	}
	if raw := data[models.DataKeyProgress]; raw != "" {
		p, err := decodeProgress(raw)
		if err != nil {
			slog.Error("restoreSession: corrupt progress", "sessionID", fs.SessionID, "error", err)
		} else {
			sc.Role = p.Role
			sc.Stage = p.Stage
			sc.SectionIndex = p.SectionIndex
			sc.QuestionIndex = p.QuestionIndex
			sc.AwaitingContinue = p.AwaitingContinue
			if p.FormData != nil {
				sc.FormData = p.FormData
			}
		}
	}
	if sc.Stage == "" {
		sc.Stage = fs.CurrentState
	}
	if sc.Stage == "" {
		sc.Stage = models.StageIntro
	}
	sc.Cache.Remember(data[models.DataKeyLastMessage])
	sc.LastIntro = data[models.DataKeyLastIntro]
	sc.Transitioning = data[models.DataKeyTransitioning] == "true"
	sc.AutoRedirect = data[models.DataKeyAutoRedirect] == "true"
	sc.RegistrationURL = data[models.DataKeyRegistrationURL]
	return sc
}

func boolFlag(b bool) string {
	if b {
		return "true"
	}
	return ""
}

// SessionState is the externally visible state of a session.
type SessionState struct {
	SessionID         string           `json:"session_id"`
	Role              models.Role      `json:"role,omitempty"`
	Stage             models.Stage     `json:"stage"`
	SectionIndex      int              `json:"section_index"`
	QuestionIndex     int              `json:"question_index"`
	SectionTitle      string           `json:"section_title,omitempty"`
	Position          int              `json:"position"`
	TotalQuestions    int              `json:"total_questions,omitempty"`
	FormData          models.FormData  `json:"form_data,omitempty"`
	AwaitingContinue  bool             `json:"awaiting_continue,omitempty"`
	MultiSelectActive bool             `json:"multi_select_active,omitempty"`
	Selections        []string         `json:"selections,omitempty"`
	FieldType         models.FieldType `json:"field_type,omitempty"`
	Placeholder       string           `json:"placeholder"`
	Transitioning     bool             `json:"transitioning,omitempty"`
	AutoRedirect      bool             `json:"auto_redirect,omitempty"`
	RegistrationURL   string           `json:"registration_url,omitempty"`
}
