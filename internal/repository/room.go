package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/fedchat/chat-server-go/internal/model"
)

type RoomRepository interface {
	FindByID(ctx context.Context, id string) (*model.Room, error)
	// Create inserts the room and its participants. An existing room with the
	// same ID is returned unchanged with created=false.
	Create(ctx context.Context, params model.CreateRoomParams) (room *model.Room, created bool, err error)
	AddParticipant(ctx context.Context, p model.Participant) (bool, error)
}

type roomRepo struct {
	db *sqlx.DB
}

func NewRoomRepository(db *sqlx.DB) RoomRepository {
	return &roomRepo{db: db}
}

func (r *roomRepo) FindByID(ctx context.Context, id string) (*model.Room, error) {
	var room model.Room
	err := r.db.GetContext(ctx, &room, `SELECT * FROM rooms WHERE id = $1`, id)
	found, err := HandleNotFound(&room, err)
	if err != nil || found == nil {
		return nil, err
	}

	err = r.db.SelectContext(ctx, &found.Participants, `
		SELECT * FROM room_participants
		WHERE room_id = $1
		ORDER BY joined_at ASC
	`, id)
	if err != nil {
		return nil, err
	}
	return found, nil
}

func (r *roomRepo) Create(ctx context.Context, params model.CreateRoomParams) (*model.Room, bool, error) {
	created := false
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO rooms (id, kind, show_name)
			VALUES ($1, $2, $3)
			ON CONFLICT (id) DO NOTHING
		`, params.ID, params.Kind, params.ShowName)
		if err != nil {
			return err
		}
		if created, err = affected(res); err != nil || !created {
			return err
		}

		for _, p := range params.Participants {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO room_participants (room_id, user_id, origin_kind, domain)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT DO NOTHING
			`, params.ID, p.UserID, p.OriginKind, p.Domain); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	room, err := r.FindByID(ctx, params.ID)
	return room, created, err
}

func (r *roomRepo) AddParticipant(ctx context.Context, p model.Participant) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO room_participants (room_id, user_id, origin_kind, domain)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT DO NOTHING
	`, p.RoomID, p.UserID, p.OriginKind, p.Domain)
	if err != nil {
		return false, err
	}
	return affected(res)
}
