package repository

import (
	"github.com/jmoiron/sqlx"
)

// Store groups the persistence contracts consumed by the chat core.
type Store struct {
	Users         UserRepository
	Rooms         RoomRepository
	Messages      MessageRepository
	Friends       FriendRepository
	RemoteFriends RemoteFriendRepository
	ServerKeys    ServerKeyRepository
}

func NewPostgresStore(db *sqlx.DB) *Store {
	return &Store{
		Users:         NewUserRepository(db),
		Rooms:         NewRoomRepository(db),
		Messages:      NewMessageRepository(db),
		Friends:       NewFriendRepository(db),
		RemoteFriends: NewRemoteFriendRepository(db),
		ServerKeys:    NewServerKeyRepository(db),
	}
}
