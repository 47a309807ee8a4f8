package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/fedchat/chat-server-go/internal/config"
	apperrors "github.com/fedchat/chat-server-go/internal/errors"
	"github.com/fedchat/chat-server-go/internal/fanout"
	"github.com/fedchat/chat-server-go/internal/model"
	"github.com/fedchat/chat-server-go/internal/session"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Coordinator is the conversation API a connection drives.
type Coordinator interface {
	Admit(conn session.Conn, userID string) (string, error)
	Disconnect(sessionID string)
	Touch(sessionID string) bool
	JoinRoom(ctx context.Context, sessionID, roomID string, sink fanout.Sink) (*model.Room, error)
	SendMessage(ctx context.Context, sessionID, roomID, body string) (*model.Message, error)
	MarkRead(ctx context.Context, sessionID, roomID string, messageIDs []string) ([]string, error)
	DeliveryStatus(ctx context.Context, userID, messageID string) (model.DeliveryStatus, error)
}

// Conn is one websocket client. It is the session's connection handle and
// its fanout sink; both sides share one bounded outbound queue.
type Conn struct {
	ws        *websocket.Conn
	userID    string
	sessionID string
	coord     Coordinator

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

var (
	_ fanout.Sink  = (*Conn)(nil)
	_ session.Conn = (*Conn)(nil)
)

func newConn(ws *websocket.Conn, userID string, coord Coordinator, queue int) *Conn {
	return &Conn{
		ws:     ws,
		userID: userID,
		coord:  coord,
		send:   make(chan []byte, queue),
		done:   make(chan struct{}),
	}
}

// Serve admits the connection and runs it until the client goes away, the
// session is swept, or ctx ends.
func Serve(ctx context.Context, ws *websocket.Conn, userID string, coord Coordinator) error {
	c := newConn(ws, userID, coord, config.SessionOutboundQueue)

	sessionID, err := coord.Admit(c, userID)
	if err != nil {
		c.writeNow(errorFrameFor(err))
		ws.Close()
		return err
	}
	c.sessionID = sessionID

	log.Info().Str("sessionId", sessionID).Str("userId", userID).Msg("realtime connection opened")
	defer func() {
		coord.Disconnect(sessionID)
		c.Close()
		log.Info().Str("sessionId", sessionID).Str("userId", userID).Msg("realtime connection closed")
	}()

	go c.writePump()
	c.readPump(ctx)
	return nil
}

// Deliver queues a broadcast frame. It never blocks; a full queue reports
// false and the bus disconnects the session.
func (c *Conn) Deliver(event fanout.Event) bool {
	return c.enqueue(event.Payload)
}

// Close stops both pumps. Safe to call more than once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Conn) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Conn) reply(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("sessionId", c.sessionID).Msg("failed to encode frame")
		return
	}
	if !c.enqueue(data) {
		log.Warn().Str("sessionId", c.sessionID).Msg("outbound queue full, closing connection")
		c.Close()
	}
}

// writeNow bypasses the queue; only used before the write pump starts.
func (c *Conn) writeNow(v any) {
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	c.ws.WriteJSON(v)
}

func (c *Conn) readPump(ctx context.Context) {
	c.ws.SetReadLimit(config.MaxFrameSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("sessionId", c.sessionID).Msg("realtime read failed")
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))

		f, err := Decode(data)
		if err != nil {
			c.reply(errorFrameFor(err))
			continue
		}
		if !c.coord.Touch(c.sessionID) {
			// Swept while reading.
			return
		}
		c.dispatch(ctx, f)

		select {
		case <-c.done:
			return
		default:
		}
	}
}

func (c *Conn) dispatch(ctx context.Context, f Frame) {
	switch f := f.(type) {
	case Join:
		room, err := c.coord.JoinRoom(ctx, c.sessionID, f.RoomID, c)
		if err != nil {
			c.reply(errorFrameFor(err))
			return
		}
		c.reply(joinedFrame{Type: "joined", RoomID: room.ID, RoomKind: room.Kind})
	case Send:
		if _, err := c.coord.SendMessage(ctx, c.sessionID, f.RoomID, f.Body); err != nil {
			c.reply(errorFrameFor(err))
		}
	case MarkRead:
		if _, err := c.coord.MarkRead(ctx, c.sessionID, f.RoomID, f.MessageIDs); err != nil {
			c.reply(errorFrameFor(err))
		}
	case Ping:
		c.reply(pongFrame{Type: "pong", Time: time.Now().UTC()})
	case Status:
		status, err := c.coord.DeliveryStatus(ctx, c.userID, f.MessageID)
		if err != nil {
			c.reply(errorFrameFor(err))
			return
		}
		c.reply(statusFrame{Type: "status", MessageID: f.MessageID, Status: status})
	default:
		c.reply(errorFrameFor(apperrors.InvalidInput("frame", "unsupported")))
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
