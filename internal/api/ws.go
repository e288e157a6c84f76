package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/BTreeMap/CarePipe/internal/contact"
	"github.com/BTreeMap/CarePipe/internal/flow"
	"github.com/BTreeMap/CarePipe/internal/models"
)

// Client frame types.
const (
	frameMessage = "message"
	frameOption  = "option"
	frameRole    = "role"
	frameResume  = "resume"
	framePing    = "ping"
)

// Server frame types.
const (
	frameState   = "state"
	frameTyping  = "typing"
	frameTurn    = "turn"
	frameError   = "error"
	frameContact = "contact_form"
	framePong    = "pong"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsSendBuffer   = 16
)

// wsInbound is a frame sent by the chat widget.
type wsInbound struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	OptionID string `json:"option_id,omitempty"`
	Role     string `json:"role,omitempty"`
	TurnID   string `json:"turn_id,omitempty"`
}

// wsOutbound is a frame sent to the chat widget.
type wsOutbound struct {
	Type   string                    `json:"type"`
	Typing *bool                     `json:"typing,omitempty"`
	Turn   *flow.Turn                `json:"turn,omitempty"`
	View   *flow.View                `json:"view,omitempty"`
	Event  *contact.ContactFormEvent `json:"event,omitempty"`
	Error  string                    `json:"error,omitempty"`
}

func typingFrame(on bool) wsOutbound {
	return wsOutbound{Type: frameTyping, Typing: &on}
}

// wsHandler upgrades to a WebSocket carrying turns for one session.
func (s *Server) wsHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	view, err := s.engine.View(r.Context(), id)
	if err != nil {
		writeEngineError(w, "wsHandler", err)
		return
	}

	origins := s.origins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: origins})
	if err != nil {
		slog.Error("Server.wsHandler: accept failed", "error", err, "sessionID", id)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Server.wsHandler: close failed", "error", closeErr, "sessionID", id)
		}
	}()
	slog.Info("Server.wsHandler: connected", "sessionID", id)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	out := make(chan wsOutbound, wsSendBuffer)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wsWriteLoop(ctx, ws, out)
	}()

	if s.dispatcher != nil {
		unsubscribe := s.dispatcher.Subscribe(id, func(ev contact.ContactFormEvent) {
			select {
			case out <- wsOutbound{Type: frameContact, Event: &ev}:
			case <-ctx.Done():
			default:
				slog.Warn("Server.wsHandler: send buffer full, dropping contact event", "sessionID", id)
			}
		})
		defer unsubscribe()
	}

	send := func(f wsOutbound) bool {
		select {
		case out <- f:
			return true
		case <-ctx.Done():
			return false
		}
	}

	send(wsOutbound{Type: frameState, View: &view})
	s.wsReadLoop(ctx, ws, id, s.dispatcher != nil, send)
	cancel()
	<-done
	slog.Info("Server.wsHandler: disconnected", "sessionID", id)
}

func (s *Server) wsWriteLoop(ctx context.Context, ws *websocket.Conn, out <-chan wsOutbound) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-out:
			writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := wsjson.Write(writeCtx, ws, f)
			cancel()
			if err != nil {
				slog.Debug("Server.wsWriteLoop: write failed", "error", err, "frame", f.Type)
				return
			}
		}
	}
}

// wsReadLoop runs client frames as turns. When contact events already arrive
// as contact_form frames, turn frames carry no copy of them.
func (s *Server) wsReadLoop(ctx context.Context, ws *websocket.Conn, sessionID string, eventFrames bool, send func(wsOutbound) bool) {
	for {
		var in wsInbound
		if err := wsjson.Read(ctx, ws, &in); err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				slog.Debug("Server.wsReadLoop: closed by client", "sessionID", sessionID)
			} else {
				slog.Warn("Server.wsReadLoop: read error", "error", err, "sessionID", sessionID)
			}
			return
		}

		if in.Type == framePing {
			if !send(wsOutbound{Type: framePong}) {
				return
			}
			continue
		}

		run, err := s.wsTurnFunc(ctx, sessionID, in)
		if err != nil {
			if !send(wsOutbound{Type: frameError, Error: err.Error()}) {
				return
			}
			continue
		}
		if !s.claimTurn("wsReadLoop", sessionID, in.TurnID) {
			if !send(wsOutbound{Type: frameError, Error: "Duplicate turn"}) {
				return
			}
			continue
		}

		send(typingFrame(true))
		turn, err := run()
		s.settleTurn("wsReadLoop", sessionID, in.TurnID, err)
		send(typingFrame(false))
		if err != nil {
			_, msg := engineErrorStatus(err)
			slog.Warn("Server.wsReadLoop: turn failed", "error", err, "sessionID", sessionID)
			if !send(wsOutbound{Type: frameError, Error: msg}) {
				return
			}
			continue
		}
		if eventFrames {
			turn.ContactEvent = nil
		}
		if !send(wsOutbound{Type: frameTurn, Turn: &turn}) {
			return
		}
	}
}

// errUnknownFrame is returned for client frames with an unrecognised type.
var errUnknownFrame = errors.New("unknown frame type")

// wsTurnFunc validates a client frame and returns the engine call it maps to.
func (s *Server) wsTurnFunc(ctx context.Context, sessionID string, in wsInbound) (func() (flow.Turn, error), error) {
	switch in.Type {
	case frameMessage:
		req := models.MessageRequest{Text: in.Text, TurnID: in.TurnID}
		if err := req.Validate(); err != nil {
			return nil, err
		}
		return func() (flow.Turn, error) { return s.engine.HandleMessage(ctx, sessionID, req.Text) }, nil
	case frameOption:
		req := models.OptionRequest{OptionID: in.OptionID, TurnID: in.TurnID}
		if err := req.Validate(); err != nil {
			return nil, err
		}
		return func() (flow.Turn, error) { return s.engine.SelectOption(ctx, sessionID, req.OptionID) }, nil
	case frameRole:
		req := models.RoleRequest{Role: in.Role, TurnID: in.TurnID}
		if err := req.Validate(); err != nil {
			return nil, err
		}
		return func() (flow.Turn, error) { return s.engine.SelectRole(ctx, sessionID, req.Role) }, nil
	case frameResume:
		return func() (flow.Turn, error) { return s.engine.Resume(ctx, sessionID) }, nil
	default:
		return nil, errUnknownFrame
	}
}
