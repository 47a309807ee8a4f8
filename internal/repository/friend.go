package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/fedchat/chat-server-go/internal/model"
)

type FriendRepository interface {
	FindEdge(ctx context.Context, ownerID, peerID, peerDomain string) (*model.FriendEdge, error)
	// CreateEdge is a no-op returning false when the edge already exists.
	CreateEdge(ctx context.Context, edge model.FriendEdge) (bool, error)
	ListEdges(ctx context.Context, ownerID string) ([]model.FriendEdge, error)

	AddApplicant(ctx context.Context, applicant model.Applicant) (bool, error)
	FindApplicant(ctx context.Context, ownerID, peerID, peerDomain string) (*model.Applicant, error)
	ListApplicants(ctx context.Context, ownerID string) ([]model.Applicant, error)
	RemoveApplicant(ctx context.Context, ownerID, peerID, peerDomain string) error
}

type friendRepo struct {
	db *sqlx.DB
}

func NewFriendRepository(db *sqlx.DB) FriendRepository {
	return &friendRepo{db: db}
}

func (r *friendRepo) FindEdge(ctx context.Context, ownerID, peerID, peerDomain string) (*model.FriendEdge, error) {
	var edge model.FriendEdge
	err := r.db.GetContext(ctx, &edge, `
		SELECT * FROM friend_edges
		WHERE owner_id = $1 AND peer_id = $2 AND peer_domain = $3
	`, ownerID, peerID, peerDomain)
	return HandleNotFound(&edge, err)
}

func (r *friendRepo) CreateEdge(ctx context.Context, edge model.FriendEdge) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO friend_edges (owner_id, peer_id, peer_domain, peer_kind, room_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (owner_id, peer_id, peer_domain) DO NOTHING
	`, edge.OwnerID, edge.PeerID, edge.PeerDomain, edge.PeerKind, edge.RoomID)
	if err != nil {
		return false, err
	}
	return affected(res)
}

func (r *friendRepo) ListEdges(ctx context.Context, ownerID string) ([]model.FriendEdge, error) {
	var edges []model.FriendEdge
	err := r.db.SelectContext(ctx, &edges, `
		SELECT * FROM friend_edges WHERE owner_id = $1 ORDER BY created_at ASC
	`, ownerID)
	return edges, err
}

func (r *friendRepo) AddApplicant(ctx context.Context, applicant model.Applicant) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO friend_applicants (owner_id, peer_id, peer_domain, direction)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (owner_id, peer_id, peer_domain) DO NOTHING
	`, applicant.OwnerID, applicant.PeerID, applicant.PeerDomain, applicant.Direction)
	if err != nil {
		return false, err
	}
	return affected(res)
}

func (r *friendRepo) FindApplicant(ctx context.Context, ownerID, peerID, peerDomain string) (*model.Applicant, error) {
	var applicant model.Applicant
	err := r.db.GetContext(ctx, &applicant, `
		SELECT * FROM friend_applicants
		WHERE owner_id = $1 AND peer_id = $2 AND peer_domain = $3
	`, ownerID, peerID, peerDomain)
	return HandleNotFound(&applicant, err)
}

func (r *friendRepo) ListApplicants(ctx context.Context, ownerID string) ([]model.Applicant, error) {
	var applicants []model.Applicant
	err := r.db.SelectContext(ctx, &applicants, `
		SELECT * FROM friend_applicants WHERE owner_id = $1 ORDER BY requested_at ASC
	`, ownerID)
	return applicants, err
}

func (r *friendRepo) RemoveApplicant(ctx context.Context, ownerID, peerID, peerDomain string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM friend_applicants
		WHERE owner_id = $1 AND peer_id = $2 AND peer_domain = $3
	`, ownerID, peerID, peerDomain)
	return err
}
