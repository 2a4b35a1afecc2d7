package collaboration

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"vtt-sync/internal/middleware"
	"vtt-sync/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	replyBuffer    = 16
)

// Connection pumps one WebSocket between a client and its session.
// Session traffic arrives on send, which only the session closes. Replies to
// the client's own requests go through replies, which only ReadPump writes.
type Connection struct {
	session  *GameSession
	conn     *websocket.Conn
	userID   string
	socketID string
	send     chan []byte
	replies  chan []byte
	log      zerolog.Logger
}

func newConnection(session *GameSession, conn *websocket.Conn, userID, socketID string, send chan []byte, log zerolog.Logger) *Connection {
	return &Connection{
		session:  session,
		conn:     conn,
		userID:   userID,
		socketID: socketID,
		send:     send,
		replies:  make(chan []byte, replyBuffer),
		log:      log,
	}
}

// ReadPump decodes client messages and hands them to the session
func (c *Connection) ReadPump(ctx context.Context) {
	defer func() {
		c.session.Leave(c.userID, c.socketID)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.session.Heartbeat(c.userID)
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}

		var env models.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.replyError(newError(models.CodeValidationError, "malformed envelope: %v", err))
			continue
		}

		msgCtx, span := middleware.StartSpan(ctx, "WebSocket.ProcessMessage",
			attribute.String("session.id", c.session.ID()),
			attribute.String("user.id", c.userID),
			attribute.String("message.type", string(env.Type)),
			attribute.Int("message.size", len(message)),
		)
		if err := c.dispatch(msgCtx, env); err != nil {
			middleware.AddSpanError(msgCtx, err)
			c.replyError(AsError(err))
		}
		span.End()
	}
}

func (c *Connection) dispatch(ctx context.Context, env models.Envelope) error {
	switch env.Type {
	case models.MessageSubmitAction:
		var sub models.ActionSubmission
		if err := decodePayload(env, &sub); err != nil {
			return err
		}
		resp, err := c.session.HandleActionRequest(ctx, c.userID, sub.ToAction())
		if err != nil {
			e := AsError(err)
			body := e.Body()
			resp = models.ActionResponse{Success: false, RequestID: sub.ActionID, Error: &body}
		}
		c.reply(models.MessageActionResponse, resp)

	case models.MessageApproveAction, models.MessageDenyAction:
		var d models.GMDecision
		if err := decodePayload(env, &d); err != nil {
			return err
		}
		d.Approved = env.Type == models.MessageApproveAction
		resp, err := c.session.Decide(ctx, c.userID, d)
		if err != nil {
			return err
		}
		c.reply(models.MessageActionResponse, resp)

	case models.MessageRequestFullState:
		var req models.FullStateRequest
		if len(env.Payload) > 0 {
			if err := decodePayload(env, &req); err != nil {
				return err
			}
		}
		_, err := c.session.Resync(ctx, c.userID, req.SinceVersion)
		return err

	case models.MessageSubmitPatch:
		var sub models.PatchSubmission
		if err := decodePayload(env, &sub); err != nil {
			return err
		}
		_, err := c.session.SubmitPatch(ctx, c.userID, sub)
		return err

	case models.MessageVerifyState:
		var v models.VerifyState
		if err := decodePayload(env, &v); err != nil {
			return err
		}
		_, err := c.session.VerifyState(ctx, c.userID, v)
		return err

	case models.MessageHeartbeat:
		c.session.Heartbeat(c.userID)

	default:
		return newError(models.CodeValidationError, "unknown message type %q", env.Type)
	}
	return nil
}

func decodePayload(env models.Envelope, v any) error {
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return newError(models.CodeValidationError, "malformed %s payload: %v", env.Type, err)
	}
	return nil
}

func (c *Connection) replyError(e *Error) {
	c.reply(models.MessageError, models.ErrorEvent{SessionID: c.session.ID(), Error: e.Body()})
}

// reply queues a direct response; it is dropped if the writer has fallen behind
func (c *Connection) reply(t models.MessageType, v any) {
	frame, err := models.Encode(t, v)
	if err != nil {
		c.log.Error().Err(err).Msg("failed to encode reply")
		return
	}
	select {
	case c.replies <- frame:
	default:
		c.log.Warn().Str("type", string(t)).Msg("⚠️  reply buffer full, dropping reply")
	}
}

// WritePump writes session traffic and replies, one frame per message
func (c *Connection) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The session detached us or ended.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case message := <-c.replies:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
