package server

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/gin-gonic/gin"
	"nhooyr.io/websocket"

	"github.com/pawpal/pawchat"
)

const readLimit = 1 << 20

type inboundCommand struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	RequestID string          `json:"requestId,omitempty"`
}

// serveWS upgrades the request and processes commands until the client
// disconnects.
func (s *Server) serveWS(c *gin.Context) {
	viewer := viewerID(c)
	ws, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket accept failed")
		return
	}
	ws.SetReadLimit(readLimit)

	ctx := c.Request.Context()
	conn := newConnection(viewer, ws)
	s.hub.Attach(ctx, conn)
	defer func() {
		s.hub.Detach(conn)
		conn.Close(websocket.StatusNormalClosure, "session closed")
	}()

	logger := s.logger.With().Str("viewer_id", viewer).Str("connection_id", conn.ID).Logger()
	logger.Debug().Msg("realtime connected")

	s.reply(conn, pawchat.EventAuthenticated, pawchat.AuthenticatedPayload{ViewerID: viewer})

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && !errors.Is(err, context.Canceled) {
				logger.Debug().Err(err).Msg("realtime read failed")
			}
			return
		}

		var cmd inboundCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			s.replyError(conn, pawchat.CodeBadRequest, "invalid payload", "")
			continue
		}

		switch cmd.Type {
		case pawchat.CommandSubscribe:
			s.handleSubscribe(ctx, conn, cmd)
		case pawchat.CommandUnsubscribe:
			s.handleUnsubscribe(conn, cmd)
		case pawchat.CommandPing:
			requestID := cmd.RequestID
			var p pawchat.PongPayload
			if requestID == "" && json.Unmarshal(cmd.Payload, &p) == nil {
				requestID = p.RequestID
			}
			s.reply(conn, pawchat.EventPong, pawchat.PongPayload{RequestID: requestID})
		default:
			s.replyError(conn, pawchat.CodeBadRequest, "unknown command type", "")
		}
	}
}

func (s *Server) handleSubscribe(ctx context.Context, conn *connection, cmd inboundCommand) {
	var p pawchat.TopicPayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil || p.Topic == "" {
		s.replyError(conn, pawchat.CodeBadRequest, "topic is required", "")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()
	if err := s.authorizeTopic(ctx, conn.ViewerID, p.Topic); err != nil {
		_, code := statusFor(err)
		if errors.Is(err, pawchat.ErrInvalidTopic) {
			code = pawchat.CodeBadRequest
		}
		s.replyError(conn, code, err.Error(), p.Topic)
		return
	}
	if err := s.hub.Join(ctx, p.Topic, conn); err != nil {
		s.replyError(conn, pawchat.CodeInternal, "subscribe failed", p.Topic)
		return
	}
	s.reply(conn, pawchat.EventSubscribed, p)
}

func (s *Server) handleUnsubscribe(conn *connection, cmd inboundCommand) {
	var p pawchat.TopicPayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil || p.Topic == "" {
		s.replyError(conn, pawchat.CodeBadRequest, "topic is required", "")
		return
	}
	s.hub.Leave(p.Topic, conn)
	s.reply(conn, pawchat.EventUnsubscribed, p)
}

// authorizeTopic lets a viewer hear only its own viewer topic and the
// conversations it participates in.
func (s *Server) authorizeTopic(ctx context.Context, viewer, topic string) error {
	kind, id, ok := pawchat.ParseTopic(topic)
	if !ok {
		return pawchat.ErrInvalidTopic
	}
	switch kind {
	case "viewer":
		if id != viewer {
			return pawchat.ErrNotParticipant
		}
		return nil
	default:
		_, err := s.backend.GetConversation(ctx, viewer, id)
		return err
	}
}

func (s *Server) reply(conn *connection, eventType string, payload interface{}) {
	data, err := encodeEvent(eventType, payload)
	if err != nil {
		return
	}
	_ = conn.Send(data)
}

func (s *Server) replyError(conn *connection, code, message, topic string) {
	s.reply(conn, pawchat.EventError, pawchat.RealtimeErrorPayload{Code: code, Message: message, Topic: topic})
}
