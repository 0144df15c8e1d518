package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/conduitworks/conduit/internal/session"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsReadWait        = 120 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  8192,
	WriteBufferSize: 8192,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// handleWS upgrades the request and hands the socket to the session
// manager. The connection id and group key come from query parameters so a
// reconnecting client can resume its identity.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	connectionID := r.URL.Query().Get("connection_id")
	groupKey := r.URL.Query().Get("group")

	handle := s.sessions.Accept(conn, connectionID, groupKey)
	s.logger.Info("client connected", "connection", handle.ID(), "group", groupKey)

	s.readLoop(r.Context(), conn, handle)
}

// readLoop consumes inbound frames until the peer goes away. Every frame,
// well-formed or not, counts as activity for the heartbeat sweep.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, handle *session.Handle) {
	connectionID := handle.ID()
	defer s.sessions.DisconnectHandle(handle)

	conn.SetReadLimit(wsMaxPayloadBytes)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadWait))
	conn.SetPongHandler(func(string) error {
		s.sessions.Touch(connectionID)
		return conn.SetReadDeadline(time.Now().Add(wsReadWait))
	})

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			s.logger.Debug("client read ended", "connection", connectionID, "error", err)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadWait))
		s.sessions.Touch(connectionID)

		if messageType != websocket.TextMessage {
			continue
		}

		var msg InboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.sessions.Send(connectionID, session.Frame{
				Type:  session.FrameError,
				Error: "malformed frame",
			})
			continue
		}

		switch msg.Type {
		case "message":
			s.dispatch(ctx, connectionID, msg)
		case "ping":
			s.sessions.Send(connectionID, session.Frame{
				Type:      session.FramePing,
				Timestamp: time.Now().UnixMilli(),
			})
		default:
			s.sessions.Send(connectionID, session.Frame{
				Type:  session.FrameError,
				Error: "unknown frame type " + msg.Type,
			})
		}
	}
}

func (s *Server) dispatch(ctx context.Context, connectionID string, msg InboundMessage) {
	if s.handler == nil {
		s.sessions.Send(connectionID, session.Frame{
			Type:  session.FrameError,
			Error: "no message handler configured",
		})
		return
	}
	s.handler(ctx, connectionID, msg)
}
