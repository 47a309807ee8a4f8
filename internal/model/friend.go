package model

import (
	"time"
)

// FriendEdge is the directed relation owner -> peer with the room they share.
type FriendEdge struct {
	OwnerID    string     `db:"owner_id" json:"ownerId"`
	PeerID     string     `db:"peer_id" json:"peerId"`
	PeerDomain string     `db:"peer_domain" json:"peerDomain"`
	PeerKind   OriginKind `db:"peer_kind" json:"peerKind"`
	RoomID     string     `db:"room_id" json:"roomId"`
	CreatedAt  time.Time  `db:"created_at" json:"createdAt"`
}

// Applicant is one entry in a user's pending friend request queue.
type Applicant struct {
	OwnerID     string           `db:"owner_id" json:"-"`
	PeerID      string           `db:"peer_id" json:"peerId"`
	PeerDomain  string           `db:"peer_domain" json:"peerDomain"`
	Direction   RequestDirection `db:"direction" json:"direction"`
	RequestedAt time.Time        `db:"requested_at" json:"requestedAt"`
}

type PendingFriendRequest struct {
	OwnerID    string      `json:"ownerId"`
	Applicants []Applicant `json:"applicants"`
}
