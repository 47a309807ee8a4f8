package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/fedchat/chat-server-go/internal/model"
)

type RemoteFriendRepository interface {
	Find(ctx context.Context, remoteUserID, domain string) (*model.RemoteFriend, error)
	Upsert(ctx context.Context, friend model.RemoteFriend) error
}

type remoteFriendRepo struct {
	db *sqlx.DB
}

func NewRemoteFriendRepository(db *sqlx.DB) RemoteFriendRepository {
	return &remoteFriendRepo{db: db}
}

func (r *remoteFriendRepo) Find(ctx context.Context, remoteUserID, domain string) (*model.RemoteFriend, error) {
	var friend model.RemoteFriend
	err := r.db.GetContext(ctx, &friend, `
		SELECT * FROM remote_friends WHERE remote_user_id = $1 AND domain = $2
	`, remoteUserID, domain)
	return HandleNotFound(&friend, err)
}

func (r *remoteFriendRepo) Upsert(ctx context.Context, friend model.RemoteFriend) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO remote_friends
			(remote_user_id, domain, user_name, display_name, description, icon_url, last_fetched_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (remote_user_id, domain) DO UPDATE SET
			user_name = EXCLUDED.user_name,
			display_name = EXCLUDED.display_name,
			description = EXCLUDED.description,
			icon_url = EXCLUDED.icon_url,
			last_fetched_at = EXCLUDED.last_fetched_at
	`, friend.RemoteUserID, friend.Domain, friend.UserName, friend.DisplayName,
		friend.Description, friend.IconURL, friend.LastFetchedAt)
	return err
}
