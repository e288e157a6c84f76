package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/BTreeMap/CarePipe/internal/genai"
	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/util"
)

// AI adapter errors. They never reach the visitor; the orchestrator turns
// them into a fallback.
var (
	ErrAIUnavailable = errors.New("ai completion is not configured")
	ErrEmptyAIReply  = errors.New("ai completion returned no usable text")
)

const aiPersona = `You are the friendly welcome assistant for CarePipe, a platform that connects families who need care, care professionals looking for work, and community members who want to help.
Keep replies short (one to three sentences), warm and plain-spoken. Ask one thing at a time. Never give medical, legal or financial advice.`

var fillerRules = []struct {
	pattern *regexp.Regexp
	repl    string
}{
	{regexp.MustCompile(`(?i)^\s*(certainly|absolutely|sure thing|of course)[!.,]\s*`), ""},
	{regexp.MustCompile(`(?i)\bas an ai( language model)?,?\s*`), ""},
	{regexp.MustCompile(`(?i)\s*i hope (this|that) helps[.!]?`), ""},
	{regexp.MustCompile(`(?i)\bfeel free to\b`), "you can"},
	{regexp.MustCompile(`(?i)\bdelve into\b`), "look at"},
	{regexp.MustCompile(`(?i)\bgreat question[!.,]?\s*`), ""},
	{regexp.MustCompile(`[ \t]{2,}`), " "},
}

var rephraseLeadIns = []string{
	"To put it another way, ",
	"Just to check, ",
	"In other words, ",
	"Let me ask that a little differently: ",
}

// aiReply asks the completion backend for the next bot message. Errors are
// returned untouched so the orchestrator can decide on a fallback.
func (e *Engine) aiReply(ctx context.Context, sc *SessionContext, cfg models.ChatConfig) (reply, error) {
	if e.completer == nil {
		return reply{}, ErrAIUnavailable
	}
	req := genai.CompletionRequest{
		SessionID:    sc.ID,
		UserRole:     string(sc.Role),
		SystemPrompt: e.systemPrompt(sc),
		Messages:     toCompletionMessages(sc.Messages),
		Temperature:  cfg.Temperature,
	}
	resp, err := e.completer.GetChatCompletion(ctx, req)
	e.metrics.RecordAIRequest(err)
	if err != nil {
		return reply{}, fmt.Errorf("ai completion: %w", err)
	}

	text := cleanAIText(resp.Message)
	if text == "" {
		return reply{}, ErrEmptyAIReply
	}
	text = e.formatter.Format(text, sc.Phrases)
	if sc.Cache.IsRepeat(text) {
		slog.Debug("Engine.aiReply: rephrasing repeated reply", "sessionID", sc.ID)
		text = rephrase(text, util.PickDifferent(rephraseLeadIns, ""))
	}
	return reply{Content: text, Options: e.aiOptions(sc)}, nil
}

func (e *Engine) systemPrompt(sc *SessionContext) string {
	var b strings.Builder
	b.WriteString(aiPersona)
	if ex := e.formatter.Examples(); ex != "" {
		b.WriteString("\nVary your phrasing naturally, for example: ")
		b.WriteString(ex)
		b.WriteString(".")
	}
	if sc.Role == "" {
		b.WriteString("\nThe visitor has not said who they are yet. Help them work out whether they need care for a loved one, provide care, or want to help their community.")
	} else {
		fmt.Fprintf(&b, "\nThe visitor is a %s member who wants to %s.", sc.Role, e.questions.RoleIntent(sc.Role))
		fmt.Fprintf(&b, "\nThey are on question %d of the questionnaire.", e.position(sc)+1)
	}
	if known := e.knownAnswers(sc); known != "" {
		b.WriteString("\nAlready known, do not ask again:\n")
		b.WriteString(known)
	}
	return b.String()
}

// knownAnswers lists collected answers by question label. It falls back to the
// response sink when the session itself holds nothing yet.
func (e *Engine) knownAnswers(sc *SessionContext) string {
	fd := sc.FormData
	if len(fd) == 0 && e.responses != nil {
		stored, err := e.responses.GetSessionResponses(sc.ID)
		if err != nil {
			slog.Error("Engine.knownAnswers: fetch failed", "sessionID", sc.ID, "error", err)
		} else {
			fd = models.FormData{}
			for _, r := range stored {
				fd[r.QuestionKey] = r.Value
			}
		}
	}
	if len(fd) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fd))
	for k := range fd {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		label := k
		if sc.Role != "" {
			if q, ok := e.questions.QuestionForKey(sc.Role, k); ok {
				label = q.Label
			}
		}
		fmt.Fprintf(&b, "- %s %s\n", label, fd[k].String())
	}
	return strings.TrimRight(b.String(), "\n")
}

// aiOptions offers role choices early on, then the script's options for the
// first two questions, then nothing.
func (e *Engine) aiOptions(sc *SessionContext) []models.Option {
	if sc.Role == "" {
		if len(sc.Messages) <= 4 {
			return models.RoleOptions()
		}
		return nil
	}
	if sc.Stage != models.StageQuestions || e.position(sc) >= 2 {
		return nil
	}
	q, ok := e.questions.CurrentQuestion(sc.Role, sc.SectionIndex, sc.QuestionIndex)
	if !ok {
		return nil
	}
	return q.Options
}

func toCompletionMessages(msgs []models.Message) []genai.Message {
	out := make([]genai.Message, 0, len(msgs))
	for _, m := range msgs {
		role := genai.RoleAssistant
		if m.IsUser {
			role = genai.RoleUser
		}
		out = append(out, genai.Message{Role: role, Content: m.Content})
	}
	return out
}

func cleanAIText(text string) string {
	for _, r := range fillerRules {
		text = r.pattern.ReplaceAllString(text, r.repl)
	}
	text = strings.TrimSpace(text)
	return upperFirst(text)
}

// rephrase prepends a lead-in and lowercases the original first letter.
func rephrase(text, leadIn string) string {
	r, size := utf8.DecodeRuneInString(text)
	if r == utf8.RuneError {
		return leadIn + text
	}
	return leadIn + string(unicode.ToLower(r)) + text[size:]
}

func upperFirst(text string) string {
	r, size := utf8.DecodeRuneInString(text)
	if r == utf8.RuneError || unicode.IsUpper(r) {
		return text
	}
	return string(unicode.ToUpper(r)) + text[size:]
}
