package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/BTreeMap/CarePipe/internal/flow"
	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/store"
)

// maxBodyBytes bounds request bodies well above models.MaxMessageLength.
const maxBodyBytes = 64 << 10

// HealthStatus is the payload of GET /health.
type HealthStatus struct {
	Status         string `json:"status"`
	Mode           string `json:"mode"`
	ActiveSessions int    `json:"active_sessions"`
	Uptime         string `json:"uptime"`
	// PendingNotifications is omitted when no queue is wired or counting fails.
	PendingNotifications *int `json:"pending_notifications,omitempty"`
	DeadNotifications    *int `json:"dead_notifications,omitempty"`
	// AIBackend is the breaker state of the completion backend, when one is configured.
	AIBackend string `json:"ai_backend,omitempty"`
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		slog.Warn("Server.decodeJSON: invalid JSON body", "error", err, "path", r.URL.Path)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return false
	}
	return true
}

// healthHandler reports liveness and a little engine state.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	status := HealthStatus{
		Status:         "ok",
		Mode:           string(s.engine.Config().Mode),
		ActiveSessions: s.engine.ActiveSessions(),
		Uptime:         time.Since(s.started).Round(time.Second).String(),
	}
	if s.queue != nil {
		if counts, err := s.queue.CountNotifications(); err != nil {
			slog.Warn("Server.healthHandler: notification count failed", "error", err)
		} else {
			pending, dead := counts.Backlog(), counts[store.NotificationDead]
			status.PendingNotifications = &pending
			status.DeadNotifications = &dead
		}
	}
	if s.ai != nil {
		status.AIBackend = s.ai.State()
	}
	writeJSONResponse(w, http.StatusOK, models.Success(status))
}

// createSessionHandler starts a new conversation and returns the intro turn.
func (s *Server) createSessionHandler(w http.ResponseWriter, r *http.Request) {
	turn, err := s.engine.Start(r.Context())
	if err != nil {
		writeEngineError(w, "createSessionHandler", err)
		return
	}
	slog.Info("Server.createSessionHandler: session created", "sessionID", turn.SessionID)
	writeJSONResponse(w, http.StatusCreated, models.Success(turn))
}

// getSessionHandler returns the visible transcript and state of a session.
func (s *Server) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	view, err := s.engine.View(r.Context(), id)
	if err != nil {
		writeEngineError(w, "getSessionHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(view))
}

// deleteSessionHandler resets a session and removes its persisted state.
func (s *Server) deleteSessionHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.engine.Reset(r.Context(), id); err != nil {
		writeEngineError(w, "deleteSessionHandler", err)
		return
	}
	slog.Info("Server.deleteSessionHandler: session reset", "sessionID", id)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Session reset", nil))
}

// messageHandler handles free-text input.
func (s *Server) messageHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req models.MessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	s.serveTurn(w, r, "messageHandler", id, req.TurnID, func() (flow.Turn, error) {
		return s.engine.HandleMessage(r.Context(), id, req.Text)
	})
}

// optionHandler handles quick-reply clicks.
func (s *Server) optionHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req models.OptionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	s.serveTurn(w, r, "optionHandler", id, req.TurnID, func() (flow.Turn, error) {
		return s.engine.SelectOption(r.Context(), id, req.OptionID)
	})
}

// roleHandler handles role selection, including the resume and restart ids.
func (s *Server) roleHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req models.RoleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	s.serveTurn(w, r, "roleHandler", id, req.TurnID, func() (flow.Turn, error) {
		return s.engine.SelectRole(r.Context(), id, req.Role)
	})
}

// resumeHandler restores a saved session and re-presents its current question.
func (s *Server) resumeHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.serveTurn(w, r, "resumeHandler", id, "", func() (flow.Turn, error) {
		return s.engine.Resume(r.Context(), id)
	})
}

// serveTurn runs one engine turn. A non-empty turnID is claimed in the ledger
// first and a replay is answered with 409.
func (s *Server) serveTurn(w http.ResponseWriter, r *http.Request, handler, sessionID, turnID string, run func() (flow.Turn, error)) {
	if !s.claimTurn(handler, sessionID, turnID) {
		writeJSONResponse(w, http.StatusConflict, models.Error("Duplicate turn"))
		return
	}
	turn, err := run()
	s.settleTurn(handler, sessionID, turnID, err)
	if err != nil {
		writeEngineError(w, handler, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(turn))
}

// claimTurn reports false when turnID was already claimed for sessionID.
// Ledger failures let the turn through.
func (s *Server) claimTurn(handler, sessionID, turnID string) bool {
	if s.turns == nil || turnID == "" {
		return true
	}
	fresh, err := s.turns.ClaimTurn(sessionID, turnID)
	if err != nil {
		slog.Error("Server."+handler+": turn ledger claim failed", "error", err, "sessionID", sessionID, "turnID", turnID)
		return true
	}
	if !fresh {
		slog.Info("Server."+handler+": replayed turn ignored", "sessionID", sessionID, "turnID", turnID)
	}
	return fresh
}

// settleTurn completes the claim, or forgets it when the engine refused the
// turn so the client can retry with the same id.
func (s *Server) settleTurn(handler, sessionID, turnID string, runErr error) {
	if s.turns == nil || turnID == "" {
		return
	}
	var err error
	if runErr != nil {
		err = s.turns.ForgetTurn(sessionID, turnID)
	} else {
		err = s.turns.CompleteTurn(sessionID, turnID)
	}
	if err != nil {
		slog.Error("Server."+handler+": turn ledger settle failed", "error", err, "sessionID", sessionID, "turnID", turnID)
	}
}

// getConfigHandler returns the current chat configuration.
func (s *Server) getConfigHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(s.engine.Config()))
}

// putConfigHandler replaces the chat configuration.
func (s *Server) putConfigHandler(w http.ResponseWriter, r *http.Request) {
	var cfg models.ChatConfig
	if !decodeJSON(w, r, &cfg) {
		return
	}
	if err := cfg.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if err := s.engine.UpdateConfig(r.Context(), cfg); err != nil {
		slog.Error("Server.putConfigHandler: update failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to update chat configuration"))
		return
	}
	slog.Info("Server.putConfigHandler: chat configuration updated", "mode", cfg.Mode,
		"temperature", cfg.Temperature, "threshold", cfg.FallbackThreshold)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Chat configuration updated", s.engine.Config()))
}

// prefillHandler returns the stored registration prefill payload for a token.
func (s *Server) prefillHandler(w http.ResponseWriter, r *http.Request) {
	if s.prefills == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Prefill storage not configured"))
		return
	}
	token := chi.URLParam(r, "token")
	rec, err := s.prefills.Get(token)
	if err != nil {
		if errors.Is(err, store.ErrPrefillNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Prefill token not found"))
			return
		}
		slog.Error("Server.prefillHandler: lookup failed", "error", err, "token", token)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load prefill"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(rec))
}
