package flow

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/CarePipe/internal/models"
)

const apologyMessage = "I'm sorry, I'm having a little trouble right now. Could you tell me which of these describes you, or would you like to start over?"

func apologyReply() reply {
	opts := append(models.RoleOptions(), models.Option{ID: models.OptionIDStartOver, Label: "Start over"})
	return reply{Content: apologyMessage, Options: opts}
}

// processConversation produces the next bot message for the current
// transcript. It always returns a reply: AI failures become a scripted reply
// or an apology with options.
func (e *Engine) processConversation(ctx context.Context, sc *SessionContext) reply {
	cfg := e.Config()

	if cfg.Mode == models.ChatModeScripted || len(sc.Messages) == 0 {
		return e.scriptedReply(sc)
	}
	if sc.Role != "" && e.position(sc) > 0 {
		return e.registrationFlow(sc.Role, sc.Stage, sc.SectionIndex, sc.QuestionIndex)
	}
	if cfg.Mode != models.ChatModeAI && cfg.Mode != models.ChatModeHybrid {
		return e.scriptedReply(sc)
	}

	r, err := e.aiReply(ctx, sc, cfg)
	decision, next := decideFallback(err, sc.Breaker, cfg)
	sc.Breaker = next
	switch decision {
	case decisionUseAI:
		return r
	case decisionScripted:
		slog.Warn("Engine.processConversation: falling back to scripted replies", "sessionID", sc.ID,
			"failures", next.Count, "lastError", next.LastError)
		e.metrics.RecordFallback(decision.String())
		return e.scriptedReply(sc)
	default:
		slog.Warn("Engine.processConversation: ai reply failed", "sessionID", sc.ID,
			"failures", next.Count, "error", err)
		e.metrics.RecordFallback(decision.String())
		return apologyReply()
	}
}
