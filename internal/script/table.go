// Package script holds the per-role questionnaire the registration chat walks through.
//
// A Table is validated when it is built, so section and question bounds are a property
// of the schema rather than of lookups that happen to miss.
package script

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/CarePipe/internal/models"
)

// Schema validation errors.
var (
	ErrUnknownRole         = errors.New("unknown role")
	ErrNoSections          = errors.New("role has no sections")
	ErrEmptySection        = errors.New("section has no questions")
	ErrMissingSectionTitle = errors.New("section title is required")
	ErrMissingQuestionID   = errors.New("question id is required")
	ErrDuplicateQuestionID = errors.New("duplicate question id")
	ErrMissingOptions      = errors.New("select question has no options")
	ErrDuplicateOptionID   = errors.New("duplicate option id")
	ErrReservedOptionID    = errors.New("option id is reserved")
)

// Section is a named group of sequential questions.
type Section struct {
	Title     string            `json:"title"`
	Opening   string            `json:"opening,omitempty"`
	Questions []models.Question `json:"questions"`
}

// RoleScript is everything the chat says for one role.
type RoleScript struct {
	Intent   string    `json:"intent"`
	FollowUp string    `json:"follow_up"`
	Sections []Section `json:"sections"`
}

// Table is an immutable, validated set of role scripts.
type Table struct {
	roles map[models.Role]RoleScript
}

// New validates the scripts and returns a Table.
func New(roles map[models.Role]RoleScript) (*Table, error) {
	for role, rs := range roles {
		if err := validateRole(role, rs); err != nil {
			slog.Error("script.New: invalid role script", "role", role, "error", err)
			return nil, err
		}
	}
	copied := make(map[models.Role]RoleScript, len(roles))
	for role, rs := range roles {
		copied[role] = rs
	}
	slog.Debug("script.New: table built", "roles", len(copied))
	return &Table{roles: copied}, nil
}

// MustNew is like New but panics on an invalid schema.
func MustNew(roles map[models.Role]RoleScript) *Table {
	t, err := New(roles)
	if err != nil {
		panic(fmt.Sprintf("invalid script table: %v", err))
	}
	return t
}

func validateRole(role models.Role, rs RoleScript) error {
	if !role.IsValid() {
		return fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	if len(rs.Sections) == 0 {
		return fmt.Errorf("%s: %w", role, ErrNoSections)
	}
	seenQuestions := make(map[string]bool)
	for si, sec := range rs.Sections {
		if sec.Title == "" {
			return fmt.Errorf("%s section %d: %w", role, si, ErrMissingSectionTitle)
		}
		if len(sec.Questions) == 0 {
			return fmt.Errorf("%s section %q: %w", role, sec.Title, ErrEmptySection)
		}
		for _, q := range sec.Questions {
			if q.ID == "" {
				return fmt.Errorf("%s section %q: %w", role, sec.Title, ErrMissingQuestionID)
			}
			if seenQuestions[q.ID] {
				return fmt.Errorf("%s question %q: %w", role, q.ID, ErrDuplicateQuestionID)
			}
			seenQuestions[q.ID] = true
			if err := validateOptions(q); err != nil {
				return fmt.Errorf("%s question %q: %w", role, q.ID, err)
			}
		}
	}
	return nil
}

func validateOptions(q models.Question) error {
	needsOptions := q.Type == models.QuestionTypeSelect || q.IsMultiSelect()
	if needsOptions && len(q.Options) == 0 {
		return ErrMissingOptions
	}
	seen := make(map[string]bool, len(q.Options))
	for _, o := range q.Options {
		if models.IsReservedOptionID(o.ID) {
			return fmt.Errorf("%w: %q", ErrReservedOptionID, o.ID)
		}
		if seen[o.ID] {
			return fmt.Errorf("%w: %q", ErrDuplicateOptionID, o.ID)
		}
		seen[o.ID] = true
	}
	return nil
}

func (t *Table) section(role models.Role, sectionIndex int) (Section, bool) {
	rs, ok := t.roles[role]
	if !ok || sectionIndex < 0 || sectionIndex >= len(rs.Sections) {
		return Section{}, false
	}
	return rs.Sections[sectionIndex], true
}

// HasRole reports whether the table carries a script for role.
func (t *Table) HasRole(role models.Role) bool {
	_, ok := t.roles[role]
	return ok
}

// CurrentQuestion returns the question at the given slot.
func (t *Table) CurrentQuestion(role models.Role, sectionIndex, questionIndex int) (models.Question, bool) {
	sec, ok := t.section(role, sectionIndex)
	if !ok || questionIndex < 0 || questionIndex >= len(sec.Questions) {
		return models.Question{}, false
	}
	return sec.Questions[questionIndex], true
}

// TotalSectionsForRole returns the number of sections in a role's script.
func (t *Table) TotalSectionsForRole(role models.Role) int {
	return len(t.roles[role].Sections)
}

// SectionLength returns the number of questions in a section, or 0 if it does not exist.
func (t *Table) SectionLength(role models.Role, sectionIndex int) int {
	sec, _ := t.section(role, sectionIndex)
	return len(sec.Questions)
}

// SectionTitle returns the title of a section, or "" if it does not exist.
func (t *Table) SectionTitle(role models.Role, sectionIndex int) string {
	sec, _ := t.section(role, sectionIndex)
	return sec.Title
}

// SectionOpening returns the line shown before a section's first question.
func (t *Table) SectionOpening(role models.Role, sectionIndex int) string {
	sec, _ := t.section(role, sectionIndex)
	return sec.Opening
}

// IsEndOfSection reports whether questionIndex is the last question of its section.
func (t *Table) IsEndOfSection(role models.Role, sectionIndex, questionIndex int) bool {
	n := t.SectionLength(role, sectionIndex)
	return n == 0 || questionIndex >= n-1
}

// IsEndOfFlow reports whether the slot is the last question of the last section.
func (t *Table) IsEndOfFlow(role models.Role, sectionIndex, questionIndex int) bool {
	total := t.TotalSectionsForRole(role)
	return sectionIndex >= total-1 && t.IsEndOfSection(role, sectionIndex, questionIndex)
}

// IsMultiSelectQuestion reports whether the question at the slot accumulates several answers.
func (t *Table) IsMultiSelectQuestion(role models.Role, sectionIndex, questionIndex int) bool {
	q, ok := t.CurrentQuestion(role, sectionIndex, questionIndex)
	return ok && q.IsMultiSelect()
}

// RoleIntent returns the short description of what a role is looking for.
func (t *Table) RoleIntent(role models.Role) string {
	return t.roles[role].Intent
}

// RoleFollowUp returns the one-line follow-up shown right after a role is picked.
func (t *Table) RoleFollowUp(role models.Role) string {
	return t.roles[role].FollowUp
}

// FlatIndex returns the zero-based position of a slot across all sections.
func (t *Table) FlatIndex(role models.Role, sectionIndex, questionIndex int) int {
	idx := 0
	for s := 0; s < sectionIndex; s++ {
		idx += t.SectionLength(role, s)
	}
	return idx + questionIndex
}

// TotalQuestions returns the number of questions in a role's script.
func (t *Table) TotalQuestions(role models.Role) int {
	total := 0
	for s := 0; s < t.TotalSectionsForRole(role); s++ {
		total += t.SectionLength(role, s)
	}
	return total
}

// QuestionForKey resolves a formData key such as "section_1_question_2" back to its question.
func (t *Table) QuestionForKey(role models.Role, key string) (models.Question, bool) {
	var s, q int
	if _, err := fmt.Sscanf(key, "section_%d_question_%d", &s, &q); err != nil {
		return models.Question{}, false
	}
	if models.QuestionKey(s, q) != key {
		return models.Question{}, false
	}
	return t.CurrentQuestion(role, s, q)
}
