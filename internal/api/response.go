package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/CarePipe/internal/flow"
	"github.com/BTreeMap/CarePipe/internal/models"
)

// internalErrorBody is sent when a reply cannot be encoded.
var internalErrorBody = mustMarshal(models.Error("Internal server error"))

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("marshal %T: %v", v, err))
	}
	return b
}

// writeJSONResponse encodes body before touching the header so an encoding
// failure still yields a well-formed 500.
func writeJSONResponse(w http.ResponseWriter, status int, body models.APIResponse) {
	payload, err := json.Marshal(body)
	if err != nil {
		slog.Error("Server.writeJSONResponse: encode failed", "error", err, "status", status)
		payload, status = internalErrorBody, http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(payload); err != nil {
		slog.Debug("Server.writeJSONResponse: client went away", "error", err)
	}
}

// engineErrorStatus maps engine and validation errors onto HTTP status codes.
func engineErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, flow.ErrSessionNotFound):
		return http.StatusNotFound, "Session not found"
	case errors.Is(err, flow.ErrTurnInProgress):
		return http.StatusConflict, "A reply is still being prepared for this session"
	case models.IsValidationError(err):
		return http.StatusBadRequest, err.Error()
	default:
		return http.StatusInternalServerError, "Failed to process chat turn"
	}
}

func writeEngineError(w http.ResponseWriter, handler string, err error) {
	status, msg := engineErrorStatus(err)
	if status >= http.StatusInternalServerError {
		slog.Error("Server."+handler+": engine error", "error", err)
	} else {
		slog.Warn("Server."+handler+": request rejected", "error", err, "status", status)
	}
	writeJSONResponse(w, status, models.Error(msg))
}
