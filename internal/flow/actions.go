package flow

import "github.com/BTreeMap/CarePipe/internal/models"

// ActionKind is the meaning of an option id. Ids that are not control actions
// or role names are answers to the current question.
type ActionKind int

const (
	ActionAnswer ActionKind = iota
	ActionSelectRole
	ActionContinue
	ActionDoneSelecting
	ActionProceedToRegistration
	ActionTalkToRepresentative
	ActionCloseChat
	ActionResume
	ActionRestart
	ActionStartOver
	ActionHaveMoreQuestions
)

var actionNames = map[ActionKind]string{
	ActionAnswer:                "answer",
	ActionSelectRole:            "select_role",
	ActionContinue:              models.OptionIDContinue,
	ActionDoneSelecting:         models.OptionIDDoneSelecting,
	ActionProceedToRegistration: models.OptionIDProceedToRegistration,
	ActionTalkToRepresentative:  models.OptionIDTalkToRepresentative,
	ActionCloseChat:             models.OptionIDCloseChat,
	ActionResume:                models.OptionIDResume,
	ActionRestart:               models.OptionIDRestart,
	ActionStartOver:             models.OptionIDStartOver,
	ActionHaveMoreQuestions:     models.OptionIDHaveMoreQuestions,
}

func (k ActionKind) String() string {
	if s, ok := actionNames[k]; ok {
		return s
	}
	return "unknown"
}

// Action is a parsed option click.
type Action struct {
	Kind ActionKind
	ID   string
	Role models.Role
}

// ParseAction classifies an option id.
func ParseAction(id string) Action {
	a := Action{Kind: ActionAnswer, ID: id}
	switch id {
	case models.OptionIDContinue:
		a.Kind = ActionContinue
	case models.OptionIDDoneSelecting:
		a.Kind = ActionDoneSelecting
	case models.OptionIDProceedToRegistration:
		a.Kind = ActionProceedToRegistration
	case models.OptionIDTalkToRepresentative:
		a.Kind = ActionTalkToRepresentative
	case models.OptionIDCloseChat:
		a.Kind = ActionCloseChat
	case models.OptionIDResume:
		a.Kind = ActionResume
	case models.OptionIDRestart:
		a.Kind = ActionRestart
	case models.OptionIDStartOver:
		a.Kind = ActionStartOver
	case models.OptionIDHaveMoreQuestions:
		a.Kind = ActionHaveMoreQuestions
	default:
		if r, ok := models.ParseRole(id); ok {
			a.Kind = ActionSelectRole
			a.Role = r
		}
	}
	return a
}
