package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/fedchat/chat-server-go/internal/model"
)

type MessageRepository interface {
	// Create appends a message. When params.ID names an existing message the
	// stored row is returned with created=false.
	Create(ctx context.Context, params model.CreateMessageParams) (msg *model.Message, created bool, err error)
	FindByID(ctx context.Context, id string) (*model.Message, error)
	// FindByRoomID pages backwards from beforeSeq (0 = newest).
	FindByRoomID(ctx context.Context, roomID string, beforeSeq int64, limit int) ([]model.Message, error)
	// MarkRead records reads keyed by reader; returns only ids newly marked.
	MarkRead(ctx context.Context, roomID string, messageIDs []string, reader model.Identity, at time.Time) ([]string, error)
	UpdateDelivery(ctx context.Context, id string, status model.DeliveryStatus) error
}

type messageRepo struct {
	db *sqlx.DB
}

func NewMessageRepository(db *sqlx.DB) MessageRepository {
	return &messageRepo{db: db}
}

func (r *messageRepo) Create(ctx context.Context, params model.CreateMessageParams) (*model.Message, bool, error) {
	id := params.ID
	if id == "" {
		id = uuid.NewString()
	}
	createdAt := params.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	kind := params.Kind
	if kind == "" {
		kind = model.MessageKindText
	}
	delivery := params.Delivery
	if delivery == "" {
		delivery = model.DeliveryLocal
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO messages (id, room_id, author_id, author_domain, body, kind, delivery, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`, id, params.RoomID, params.AuthorID, params.AuthorDomain, params.Body, kind, delivery, createdAt)
	if err != nil {
		return nil, false, err
	}
	created, err := affected(res)
	if err != nil {
		return nil, false, err
	}

	msg, err := r.FindByID(ctx, id)
	return msg, created, err
}

func (r *messageRepo) FindByID(ctx context.Context, id string) (*model.Message, error) {
	var msg model.Message
	err := r.db.GetContext(ctx, &msg, `SELECT * FROM messages WHERE id = $1`, id)
	found, err := HandleNotFound(&msg, err)
	if err != nil || found == nil {
		return nil, err
	}

	err = r.db.SelectContext(ctx, &found.ReadBy, `
		SELECT * FROM message_reads WHERE message_id = $1 ORDER BY read_at ASC
	`, id)
	return found, err
}

func (r *messageRepo) FindByRoomID(ctx context.Context, roomID string, beforeSeq int64, limit int) ([]model.Message, error) {
	var msgs []model.Message
	var err error
	if beforeSeq > 0 {
		err = r.db.SelectContext(ctx, &msgs, `
			SELECT * FROM messages
			WHERE room_id = $1 AND seq < $2
			ORDER BY seq DESC
			LIMIT $3
		`, roomID, beforeSeq, limit)
	} else {
		err = r.db.SelectContext(ctx, &msgs, `
			SELECT * FROM messages
			WHERE room_id = $1
			ORDER BY seq DESC
			LIMIT $2
		`, roomID, limit)
	}
	if err != nil || len(msgs) == 0 {
		return msgs, err
	}

	ids := make([]string, len(msgs))
	index := make(map[string]int, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
		index[m.ID] = i
	}

	var reads []model.ReadEntry
	if err := r.db.SelectContext(ctx, &reads, `
		SELECT * FROM message_reads WHERE message_id = ANY($1) ORDER BY read_at ASC
	`, pq.Array(ids)); err != nil {
		return nil, err
	}
	for _, rd := range reads {
		i := index[rd.MessageID]
		msgs[i].ReadBy = append(msgs[i].ReadBy, rd)
	}
	return msgs, nil
}

func (r *messageRepo) MarkRead(ctx context.Context, roomID string, messageIDs []string, reader model.Identity, at time.Time) ([]string, error) {
	var marked []string
	err := r.db.SelectContext(ctx, &marked, `
		INSERT INTO message_reads (message_id, user_id, domain, read_at)
		SELECT id, $3, $4, $5 FROM messages
		WHERE room_id = $1 AND id = ANY($2)
		ON CONFLICT DO NOTHING
		RETURNING message_id
	`, roomID, pq.Array(messageIDs), reader.UserID, reader.Domain, at)
	return marked, err
}

func (r *messageRepo) UpdateDelivery(ctx context.Context, id string, status model.DeliveryStatus) error {
	_, err := r.db.ExecContext(ctx, `UPDATE messages SET delivery = $2 WHERE id = $1`, id, status)
	return err
}
