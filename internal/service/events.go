package service

import (
	"encoding/json"

	"github.com/fedchat/chat-server-go/internal/fanout"
	"github.com/fedchat/chat-server-go/internal/model"
)

const (
	EventMessage = "message"
	EventRead    = "read"
	EventStatus  = "status"
)

type readFrame struct {
	Type         string   `json:"type"`
	RoomID       string   `json:"roomId"`
	MessageIDs   []string `json:"messageIds"`
	ReaderID     string   `json:"readerId"`
	ReaderDomain string   `json:"readerDomain"`
}

type statusFrame struct {
	Type      string               `json:"type"`
	MessageID string               `json:"messageId"`
	Status    model.DeliveryStatus `json:"status"`
}

func messageEvent(m *model.Message) fanout.Event {
	return fanout.Event{Type: EventMessage, Payload: m.ToEventData()}
}

func readEvent(roomID string, messageIDs []string, reader model.Identity) fanout.Event {
	data, _ := json.Marshal(readFrame{
		Type:         EventRead,
		RoomID:       roomID,
		MessageIDs:   messageIDs,
		ReaderID:     reader.UserID,
		ReaderDomain: reader.Domain,
	})
	return fanout.Event{Type: EventRead, Payload: data}
}

func statusEvent(messageID string, status model.DeliveryStatus) fanout.Event {
	data, _ := json.Marshal(statusFrame{Type: EventStatus, MessageID: messageID, Status: status})
	return fanout.Event{Type: EventStatus, Payload: data}
}
