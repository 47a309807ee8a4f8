package model

import (
	"encoding/json"
	"time"
)

// Message is append-only; ReadBy and Delivery are the only fields that change.
type Message struct {
	ID           string         `db:"id" json:"messageId"`
	RoomID       string         `db:"room_id" json:"roomId"`
	AuthorID     string         `db:"author_id" json:"authorId"`
	AuthorDomain string         `db:"author_domain" json:"authorDomain"`
	Body         string         `db:"body" json:"body"`
	Kind         MessageKind    `db:"kind" json:"kind"`
	Seq          int64          `db:"seq" json:"seq"`
	Delivery     DeliveryStatus `db:"delivery" json:"delivery"`
	CreatedAt    time.Time      `db:"created_at" json:"createdAt"`
	ReadBy       []ReadEntry    `db:"-" json:"readBy"`
}

type ReadEntry struct {
	MessageID string    `db:"message_id" json:"-"`
	UserID    string    `db:"user_id" json:"userId"`
	Domain    string    `db:"domain" json:"domain"`
	ReadAt    time.Time `db:"read_at" json:"readAt"`
}

// ToEventData returns the realtime "message" frame body.
func (m *Message) ToEventData() json.RawMessage {
	data, _ := json.Marshal(map[string]any{
		"type":         "message",
		"messageId":    m.ID,
		"roomId":       m.RoomID,
		"authorId":     m.AuthorID,
		"authorDomain": m.AuthorDomain,
		"body":         m.Body,
		"kind":         m.Kind,
		"seq":          m.Seq,
		"createdAt":    m.CreatedAt,
	})
	return data
}

type CreateMessageParams struct {
	// ID is set when the message originates on another server.
	ID           string
	RoomID       string
	AuthorID     string
	AuthorDomain string
	Body         string
	Kind         MessageKind
	Delivery     DeliveryStatus
	CreatedAt    time.Time
}
