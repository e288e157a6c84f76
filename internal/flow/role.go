package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/CarePipe/internal/models"
)

const noSavedProgressMessage = "There's no saved conversation to pick up, so let's start fresh. Which of these best describes you?"

var roleKeywords = []struct {
	role     models.Role
	keywords []string
}{
	{models.RoleFamily, []string{"my mom", "my mum", "my mother", "my dad", "my father", "my parent", "my grandma",
		"my grandmother", "my grandfather", "my husband", "my wife", "my partner", "my son", "my daughter",
		"loved one", "need care", "looking for care", "find care", "need a caregiver", "need a nurse"}},
	{models.RoleProfessional, []string{"i'm a caregiver", "i am a caregiver", "i'm a nurse", "i am a nurse",
		"looking for work", "looking for a job", "find work", "caregiving job", "work as a", "care professional"}},
	{models.RoleCommunity, []string{"volunteer", "community", "donate", "help out", "get involved", "give back"}},
}

// detectRole guesses a role from free text. Care seekers are checked first.
func detectRole(text string) models.Role {
	lower := strings.ToLower(text)
	for _, rk := range roleKeywords {
		for _, kw := range rk.keywords {
			if strings.Contains(lower, kw) {
				return rk.role
			}
		}
	}
	return ""
}

func roleLabel(role models.Role) string {
	if l, ok := optionLabel(models.RoleOptions(), string(role)); ok {
		return l
	}
	return string(role)
}

// handleRoleSelection starts the questionnaire for a role. echo adds the
// role's label to the transcript as the visitor's message.
func (e *Engine) handleRoleSelection(ctx context.Context, sc *SessionContext, t *Turn, roleID string, echo bool) {
	switch roleID {
	case models.OptionIDResume:
		e.handleResume(ctx, sc)
		return
	case models.OptionIDRestart:
		e.restart(ctx, sc, t)
		return
	}

	role, ok := models.ParseRole(roleID)
	if !ok || !e.questions.HasRole(role) {
		slog.Warn("Engine.handleRoleSelection: unknown role", "sessionID", sc.ID, "role", roleID)
		e.appendBot(sc, clarifyingMessage, models.RoleOptions())
		return
	}
	if echo {
		e.appendUser(sc, roleLabel(role))
	}

	sc.Role = role
	sc.Stage = models.StageQuestions
	sc.SectionIndex = 0
	sc.QuestionIndex = 0
	sc.FormData = models.FormData{}
	sc.AwaitingContinue = false
	sc.MultiSelect.Reset()
	e.saveProgress(ctx, sc)
	slog.Info("Engine.handleRoleSelection: role selected", "sessionID", sc.ID, "role", role)
	e.presentQuestion(sc, getStartedLead)
}

// handleResume rebuilds the visitor's place from stored progress.
func (e *Engine) handleResume(ctx context.Context, sc *SessionContext) {
	sc.IsResuming = true
	defer func() { sc.IsResuming = false }()
	sc.MultiSelect.Reset()

	if !sc.Role.IsValid() || !e.questions.HasRole(sc.Role) {
		sc.Role = ""
		sc.Stage = models.StageIntro
		e.appendBot(sc, noSavedProgressMessage, models.RoleOptions())
		return
	}

	e.normalizePosition(sc)
	sc.AwaitingContinue = false
	e.saveProgress(ctx, sc)

	r := e.registrationFlow(sc.Role, sc.Stage, sc.SectionIndex, sc.QuestionIndex)
	var welcome string
	if sc.Stage == models.StageCompletion {
		welcome = "Welcome back! You've already answered all of our questions.\n\n" + r.Content
	} else {
		welcome = fmt.Sprintf("Welcome back! We were discussing %s.\n\n%s",
			e.questions.SectionTitle(sc.Role, sc.SectionIndex), r.Content)
	}
	if sc.Cache.IsRepeat(welcome) {
		slog.Debug("Engine.handleResume: skipping repeated welcome", "sessionID", sc.ID)
		e.appendBot(sc, r.Content, r.Options)
		return
	}
	slog.Info("Engine.handleResume: resumed", "sessionID", sc.ID, "role", sc.Role,
		"section", sc.SectionIndex, "question", sc.QuestionIndex, "stage", sc.Stage)
	e.appendBot(sc, welcome, r.Options)
}

// normalizePosition clamps a stored position onto the current script.
func (e *Engine) normalizePosition(sc *SessionContext) {
	total := e.questions.TotalSectionsForRole(sc.Role)
	if sc.Stage != models.StageCompletion {
		sc.Stage = models.StageQuestions
	}
	if sc.SectionIndex < 0 {
		sc.SectionIndex = 0
	}
	if sc.QuestionIndex < 0 {
		sc.QuestionIndex = 0
	}
	if sc.SectionIndex >= total {
		sc.Stage = models.StageCompletion
		sc.SectionIndex = total - 1
		sc.QuestionIndex = e.questions.SectionLength(sc.Role, sc.SectionIndex) - 1
		return
	}
	if n := e.questions.SectionLength(sc.Role, sc.SectionIndex); sc.QuestionIndex >= n {
		sc.QuestionIndex = n - 1
	}
}
