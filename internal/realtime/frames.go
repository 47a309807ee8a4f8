package realtime

import (
	"encoding/json"
	"time"

	apperrors "github.com/fedchat/chat-server-go/internal/errors"
	"github.com/fedchat/chat-server-go/internal/model"
)

// Frame is a client request. The set is closed: only the types in this file
// implement it.
type Frame interface {
	frame()
}

type Join struct {
	RoomID string `json:"roomId"`
}

type Send struct {
	RoomID string `json:"roomId"`
	Body   string `json:"body"`
}

type MarkRead struct {
	RoomID     string   `json:"roomId"`
	MessageIDs []string `json:"messageIds"`
}

type Ping struct{}

// Status asks for the relay progress of a message.
type Status struct {
	MessageID string `json:"messageId"`
}

func (Join) frame()     {}
func (Send) frame()     {}
func (MarkRead) frame() {}
func (Ping) frame()     {}
func (Status) frame()   {}

// Decode parses one client frame by its "type" field.
func Decode(data []byte) (Frame, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, apperrors.InvalidInput("frame", "malformed JSON")
	}

	var (
		f   Frame
		err error
	)
	switch head.Type {
	case "join":
		var v Join
		err = json.Unmarshal(data, &v)
		if err == nil && v.RoomID == "" {
			return nil, apperrors.MissingRequired("roomId")
		}
		f = v
	case "message":
		var v Send
		err = json.Unmarshal(data, &v)
		if err == nil && v.RoomID == "" {
			return nil, apperrors.MissingRequired("roomId")
		}
		f = v
	case "read":
		var v MarkRead
		err = json.Unmarshal(data, &v)
		if err == nil && v.RoomID == "" {
			return nil, apperrors.MissingRequired("roomId")
		}
		f = v
	case "ping":
		f = Ping{}
	case "status":
		var v Status
		err = json.Unmarshal(data, &v)
		if err == nil && v.MessageID == "" {
			return nil, apperrors.MissingRequired("messageId")
		}
		f = v
	case "":
		return nil, apperrors.MissingRequired("type")
	default:
		return nil, apperrors.InvalidInput("type", "unknown frame type "+head.Type)
	}
	if err != nil {
		return nil, apperrors.InvalidInput("frame", err.Error())
	}
	return f, nil
}

// Server-to-client frames.

type joinedFrame struct {
	Type     string         `json:"type"`
	RoomID   string         `json:"roomId"`
	RoomKind model.RoomKind `json:"roomKind"`
}

type errorFrame struct {
	Type    string              `json:"type"`
	Reason  apperrors.ErrorCode `json:"reason"`
	Message string              `json:"message,omitempty"`
}

type pongFrame struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
}

type statusFrame struct {
	Type      string               `json:"type"`
	MessageID string               `json:"messageId"`
	Status    model.DeliveryStatus `json:"status"`
}

func errorFrameFor(err error) errorFrame {
	appErr, ok := apperrors.AsAppError(err)
	if !ok {
		appErr = apperrors.Internal("An unexpected error occurred")
	}
	return errorFrame{Type: "error", Reason: appErr.Code, Message: appErr.Message}
}
