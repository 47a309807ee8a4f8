package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/fedchat/chat-server-go/internal/model"
)

type ServerKeyRepository interface {
	FindByDomain(ctx context.Context, domain string) (*model.ServerKeyPair, error)
	// Create stores the first key pair of a domain; false if one already exists.
	Create(ctx context.Context, kp model.ServerKeyPair) (bool, error)
	Save(ctx context.Context, kp model.ServerKeyPair) error
}

type serverKeyRepo struct {
	db *sqlx.DB
}

func NewServerKeyRepository(db *sqlx.DB) ServerKeyRepository {
	return &serverKeyRepo{db: db}
}

func (r *serverKeyRepo) FindByDomain(ctx context.Context, domain string) (*model.ServerKeyPair, error) {
	var kp model.ServerKeyPair
	err := r.db.GetContext(ctx, &kp, `SELECT * FROM server_keys WHERE domain = $1`, domain)
	return HandleNotFound(&kp, err)
}

func (r *serverKeyRepo) Create(ctx context.Context, kp model.ServerKeyPair) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO server_keys (domain, private_key, public_key, rotated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (domain) DO NOTHING
	`, kp.Domain, kp.PrivateKeyPEM, kp.PublicKeyPEM, kp.RotatedAt)
	if err != nil {
		return false, err
	}
	return affected(res)
}

func (r *serverKeyRepo) Save(ctx context.Context, kp model.ServerKeyPair) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE server_keys SET
			private_key = $2,
			public_key = $3,
			rotated_at = $4,
			previous_public_key = $5,
			previous_valid_until = $6
		WHERE domain = $1
	`, kp.Domain, kp.PrivateKeyPEM, kp.PublicKeyPEM, kp.RotatedAt,
		kp.PreviousPublicKey, kp.PreviousValidUntil)
	return err
}
