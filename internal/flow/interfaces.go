package flow

import (
	"context"

	"github.com/BTreeMap/CarePipe/internal/contact"
	"github.com/BTreeMap/CarePipe/internal/genai"
	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/prefill"
)

// QuestionProvider exposes the question script. *script.Table implements it.
type QuestionProvider interface {
	HasRole(role models.Role) bool
	CurrentQuestion(role models.Role, sectionIndex, questionIndex int) (models.Question, bool)
	TotalSectionsForRole(role models.Role) int
	SectionLength(role models.Role, sectionIndex int) int
	SectionTitle(role models.Role, sectionIndex int) string
	SectionOpening(role models.Role, sectionIndex int) string
	IsEndOfSection(role models.Role, sectionIndex, questionIndex int) bool
	IsEndOfFlow(role models.Role, sectionIndex, questionIndex int) bool
	IsMultiSelectQuestion(role models.Role, sectionIndex, questionIndex int) bool
	RoleIntent(role models.Role) string
	RoleFollowUp(role models.Role) string
	FlatIndex(role models.Role, sectionIndex, questionIndex int) int
	TotalQuestions(role models.Role) int
	QuestionForKey(role models.Role, key string) (models.Question, bool)
}

// ResponseSink persists answers and progress rows. store.Store implements it.
type ResponseSink interface {
	SaveChatResponse(resp models.ChatResponse) error
	UpdateChatProgress(p models.ChatProgress) error
	GetSessionResponses(sessionID string) ([]models.ChatResponse, error)
}

// Completer produces AI text. *genai.Client implements it.
type Completer interface {
	GetChatCompletion(ctx context.Context, req genai.CompletionRequest) (genai.CompletionResponse, error)
}

// PrefillBridge hands a finished chat over to the registration form. *prefill.Bridge implements it.
type PrefillBridge interface {
	PrepareRegistrationURL(ctx context.Context, req prefill.Request) (string, error)
}

// ContactChannel connects visitors to a human. *contact.Channel implements it.
type ContactChannel interface {
	RepresentativeLink(role models.Role, sessionID string) (string, error)
	NotifyRepresentative(ctx context.Context, req contact.RepresentativeRequest) error
	DispatchContactForm(ev contact.ContactFormEvent)
}
