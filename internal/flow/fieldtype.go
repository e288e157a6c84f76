package flow

import (
	"errors"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/BTreeMap/CarePipe/internal/models"
)

// Field validation errors.
var (
	ErrEmptyAnswer   = errors.New("empty answer")
	ErrInvalidEmail  = errors.New("invalid email address")
	ErrInvalidPhone  = errors.New("invalid phone number")
	ErrInvalidName   = errors.New("invalid name")
	ErrInvalidBudget = errors.New("budget has no amount")
)

// fieldErrorMessages is the text shown to the visitor for each validation error.
var fieldErrorMessages = map[error]string{
	ErrEmptyAnswer:   "Please type an answer before sending.",
	ErrInvalidEmail:  "Please enter a valid email address, for example name@example.com.",
	ErrInvalidPhone:  "Please enter a valid phone number with 7 to 15 digits.",
	ErrInvalidName:   "Please enter a name using letters only (2 to 100 characters).",
	ErrInvalidBudget: "Please include an amount, for example $25/hour or 20-30.",
}

// FieldErrorMessage returns the visitor-facing text for a ValidateField error.
func FieldErrorMessage(err error) string {
	if msg, ok := fieldErrorMessages[err]; ok {
		return msg
	}
	return "Please check your answer and try again."
}

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]{2,}$`)

var fieldKeywords = []struct {
	field    models.FieldType
	keywords []string
}{
	{models.FieldTypeEmail, []string{"email", "e-mail"}},
	{models.FieldTypePhone, []string{"phone", "mobile number", "whatsapp number", "number to reach"}},
	{models.FieldTypeBudget, []string{"budget", "hourly rate", "your rate", "how much"}},
	{models.FieldTypeName, []string{"your name", "full name", "first name", "their name", "called"}},
}

// DetectFieldType works out what kind of input the visitor is being asked for.
// An explicit field on the question wins, then its label, then the last bot message.
func DetectFieldType(q *models.Question, lastBotMessage string) models.FieldType {
	if q != nil {
		if q.Field != models.FieldTypeNone {
			return q.Field
		}
		if q.Type != models.QuestionTypeText {
			return models.FieldTypeNone
		}
		if ft := scanFieldKeywords(q.Label); ft != models.FieldTypeNone {
			return ft
		}
	}
	return scanFieldKeywords(lastBotMessage)
}

func scanFieldKeywords(text string) models.FieldType {
	lower := strings.ToLower(text)
	if lower == "" {
		return models.FieldTypeNone
	}
	for _, fk := range fieldKeywords {
		for _, kw := range fk.keywords {
			if strings.Contains(lower, kw) {
				return fk.field
			}
		}
	}
	return models.FieldTypeNone
}

// ValidateField checks free text against the rules of its field type.
func ValidateField(ft models.FieldType, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyAnswer
	}
	switch ft {
	case models.FieldTypeEmail:
		if !emailPattern.MatchString(text) {
			return ErrInvalidEmail
		}
	case models.FieldTypePhone:
		if !validPhone(text) {
			return ErrInvalidPhone
		}
	case models.FieldTypeName:
		if !validName(text) {
			return ErrInvalidName
		}
	case models.FieldTypeBudget:
		if !strings.ContainsFunc(text, unicode.IsDigit) {
			return ErrInvalidBudget
		}
	}
	return nil
}

func validPhone(text string) bool {
	digits := 0
	for _, r := range text {
		switch {
		case unicode.IsDigit(r):
			digits++
		case r == ' ' || r == '+' || r == '-' || r == '.' || r == '(' || r == ')':
		default:
			return false
		}
	}
	return digits >= 7 && digits <= 15
}

func validName(text string) bool {
	n := utf8.RuneCountInString(text)
	if n < 2 || n > 100 {
		return false
	}
	letters := 0
	for _, r := range text {
		switch {
		case unicode.IsLetter(r):
			letters++
		case r == ' ' || r == '\'' || r == '-' || r == '.':
		default:
			return false
		}
	}
	return letters > 0
}

// Placeholder returns the input hint for a field type.
func Placeholder(ft models.FieldType) string {
	switch ft {
	case models.FieldTypeEmail:
		return "name@example.com"
	case models.FieldTypePhone:
		return "+1 555 123 4567"
	case models.FieldTypeName:
		return "Full name"
	case models.FieldTypeBudget:
		return "e.g. $25/hour"
	default:
		return "Type your message..."
	}
}
