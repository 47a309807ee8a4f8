package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/fedchat/chat-server-go/internal/model"
)

type UserRepository interface {
	FindByID(ctx context.Context, id string) (*model.User, error)
	FindByUserName(ctx context.Context, userName string) (*model.User, error)
	// Ensure inserts the user unless the id is already known.
	Ensure(ctx context.Context, user model.User) (bool, error)
	// UpdateProfile applies the fields named in changes.Changed.
	UpdateProfile(ctx context.Context, id string, changes model.ProfileChanges) (*model.User, error)
}

type userRepo struct {
	db *sqlx.DB
}

func NewUserRepository(db *sqlx.DB) UserRepository {
	return &userRepo{db: db}
}

func (r *userRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	var user model.User
	err := r.db.GetContext(ctx, &user, `SELECT * FROM users WHERE id = $1`, id)
	return HandleNotFound(&user, err)
}

func (r *userRepo) FindByUserName(ctx context.Context, userName string) (*model.User, error) {
	var user model.User
	err := r.db.GetContext(ctx, &user, `SELECT * FROM users WHERE user_name = $1`, userName)
	return HandleNotFound(&user, err)
}

func (r *userRepo) Ensure(ctx context.Context, user model.User) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO users (id, user_name, display_name, description, icon_url)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT DO NOTHING
	`, user.ID, user.UserName, user.DisplayName, user.Description, user.IconURL)
	if err != nil {
		return false, err
	}
	return affected(res)
}

func (r *userRepo) UpdateProfile(ctx context.Context, id string, changes model.ProfileChanges) (*model.User, error) {
	user, err := r.FindByID(ctx, id)
	if err != nil || user == nil {
		return nil, err
	}
	changes.ApplyToUser(user)

	_, err = r.db.ExecContext(ctx, `
		UPDATE users SET
			user_name = $2,
			display_name = $3,
			description = $4,
			icon_url = $5,
			updated_at = NOW()
		WHERE id = $1
	`, id, user.UserName, user.DisplayName, user.Description, user.IconURL)
	if err != nil {
		return nil, err
	}
	return r.FindByID(ctx, id)
}
