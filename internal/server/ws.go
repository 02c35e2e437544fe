package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/deskagent/broker/internal/action"
	"github.com/deskagent/broker/internal/broadcast"
	"github.com/deskagent/broker/internal/contextpool"
	"github.com/deskagent/broker/internal/sessionhub"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWebSocket upgrades GET /ws?sessionId=... to the bidirectional
// channel described in spec.md §6: one connection per browser tab,
// subscribed to every server event for its session, accepting prompt,
// dialogResponse, and restoreSession frames.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "sessionId required")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	sess, err := s.hub.GetOrCreate(r.Context(), sessionID, time.Now().UnixMilli())
	if err != nil {
		s.log.Error().Err(err).Str("sessionId", sessionID).Msg("failed to open session")
		conn.WriteJSON(broadcast.ServerEvent{Type: broadcast.EventError, Payload: broadcast.ErrorPayload{Error: err.Error()}})
		conn.Close()
		return
	}

	link := broadcast.NewWSConnection(conn, s.log)
	connectionID := "conn-" + ulid.Make().String()
	s.broadcastHub.Subscribe(connectionID, link, sessionID)
	defer s.broadcastHub.Unsubscribe(connectionID)
	defer link.Close()

	link.Send(broadcast.ServerEvent{
		Type:    broadcast.EventConnectionStatus,
		Payload: broadcast.ConnectionStatusPayload{Status: broadcast.StatusConnected, SessionID: sessionID, Provider: s.poolConfig.Provider},
	})
	s.sendWindowSnapshot(link, sess)

	s.readLoop(r.Context(), conn, sessionID, sess)
}

// readLoop blocks on inbound frames until the client disconnects. Each
// frame is dispatched to its own goroutine so a slow prompt turn never
// delays reading the next frame (e.g. a dialogResponse arriving while a
// turn is in flight).
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sessionID string, sess *sessionhub.Session) {
	for {
		var msg broadcast.ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		sess.Touch(time.Now().UnixMilli())

		switch msg.Type {
		case broadcast.ClientMessagePrompt:
			go s.handlePrompt(ctx, sessionID, sess, msg)
		case broadcast.ClientMessageDialogResponse:
			go s.handleDialogResponse(ctx, sess, msg)
		case broadcast.ClientMessageRestoreSession:
			// The websocket is already scoped to one sessionId via the
			// query string; restoreSession is a no-op resend of the
			// current window snapshot for a client that reconnected.
			go s.sendSnapshotToSession(sessionID, sess)
		default:
			s.log.Warn().Str("type", msg.Type).Msg("ws: unknown client message type")
		}
	}
}

func (s *Server) handlePrompt(ctx context.Context, sessionID string, sess *sessionhub.Session, msg broadcast.ClientMessage) {
	var payload broadcast.PromptPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		s.publishError(sessionID, "invalid prompt payload: "+err.Error())
		return
	}
	monitorID := payload.MonitorID
	if monitorID == "" {
		monitorID = contextpool.DefaultMonitorID
	}

	if !sess.Pool.HasMainAgent(monitorID) {
		if _, err := sess.Pool.CreateMonitorAgent(ctx, monitorID); err != nil {
			s.publishError(sessionID, err.Error())
			return
		}
	}

	if _, err := sess.Pool.RouteMessage(ctx, monitorID, payload.Content, time.Now().UnixMilli()); err != nil {
		s.publishError(sessionID, err.Error())
	}
}

func (s *Server) handleDialogResponse(ctx context.Context, sess *sessionhub.Session, msg broadcast.ClientMessage) {
	var payload broadcast.DialogResponsePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		s.log.Warn().Err(err).Msg("ws: invalid dialogResponse payload")
		return
	}
	sess.Pool.RespondDialog(ctx, payload.DialogID, payload.Confirmed)
}

func (s *Server) publishError(sessionID, message string) {
	s.broadcastHub.PublishToSession(broadcast.ServerEvent{
		Type:    broadcast.EventError,
		Payload: broadcast.ErrorPayload{Error: message},
	}, sessionID)
}

// windowSnapshotActions replays every currently open window as a batch
// of WindowCreate actions, so a (re)connecting client can rebuild the
// desktop without replaying the agent turns that produced it.
func windowSnapshotActions(sess *sessionhub.Session) []json.RawMessage {
	windows := sess.Windows.Snapshot()
	raw := make([]json.RawMessage, 0, len(windows))
	for _, w := range windows {
		create := &action.WindowCreate{
			WindowID:    w.ID,
			Title:       w.Title,
			Renderer:    w.Content.Renderer,
			Data:        w.Content.Data,
			AppProtocol: w.AppProtocol,
		}
		data, err := action.Marshal(create)
		if err != nil {
			continue
		}
		raw = append(raw, data)
	}
	return raw
}

func (s *Server) sendWindowSnapshot(link broadcast.Link, sess *sessionhub.Session) {
	if raw := windowSnapshotActions(sess); len(raw) > 0 {
		link.Send(broadcast.ServerEvent{Type: broadcast.EventActions, Payload: broadcast.ActionsPayload{Actions: raw}})
	}
}

func (s *Server) sendSnapshotToSession(sessionID string, sess *sessionhub.Session) {
	if raw := windowSnapshotActions(sess); len(raw) > 0 {
		s.broadcastHub.PublishToSession(broadcast.ServerEvent{Type: broadcast.EventActions, Payload: broadcast.ActionsPayload{Actions: raw}}, sessionID)
	}
}
