package federation

import (
	"time"

	apperrors "github.com/fedchat/chat-server-go/internal/errors"
	"github.com/fedchat/chat-server-go/internal/model"
)

const (
	PathFriendRequest   = "/friends/request"
	PathIdentityResolve = "/identity/resolve"
	PathProfileFetch    = "/profile/fetch"
	PathProfileChanges  = "/profile/changes"
	PathProfileIcon     = "/profile/icon"
	PathTalkSend        = "/talk/send"
	PathTalkRead        = "/talk/read"
)

type FriendStatus string

const (
	FriendPending  FriendStatus = "pending"
	FriendAccepted FriendStatus = "accepted"
)

type FriendRequest struct {
	Applicant     model.Identity `json:"applicant"`
	ApplicantName string         `json:"applicantName"`
	TargetUserID  string         `json:"targetUserId"`
}

type FriendRequestResult struct {
	Status FriendStatus `json:"status"`
	RoomID string       `json:"roomId,omitempty"`
}

type ResolveDirection string

const (
	NameToID ResolveDirection = "nameToId"
	IDToName ResolveDirection = "idToName"
)

type IdentityQuery struct {
	Direction ResolveDirection `json:"direction"`
	UserName  string           `json:"userName,omitempty"`
	UserID    string           `json:"userId,omitempty"`
}

type IdentityResult struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

type ProfileQuery struct {
	UserID string `json:"userId"`
}

type Profile struct {
	UserID      string  `json:"userId"`
	UserName    string  `json:"userName"`
	DisplayName string  `json:"displayName"`
	Description string  `json:"description"`
	IconURL     *string `json:"iconUrl,omitempty"`
}

type Icon struct {
	UserID  string  `json:"userId"`
	IconURL *string `json:"iconUrl"`
}

type ProfileChangesPush struct {
	User    model.Identity       `json:"user"`
	Changes model.ProfileChanges `json:"changes"`
}

type RelayedMessage struct {
	MessageID string            `json:"messageId"`
	RoomID    string            `json:"roomId"`
	Author    model.Identity    `json:"author"`
	Body      string            `json:"body"`
	Kind      model.MessageKind `json:"kind"`
	CreatedAt time.Time         `json:"createdAt"`
}

type RelayedRead struct {
	RoomID     string         `json:"roomId"`
	Reader     model.Identity `json:"reader"`
	MessageIDs []string       `json:"messageIds"`
	ReadAt     time.Time      `json:"readAt"`
}

type ReadResult struct {
	Marked []string `json:"marked"`
}

type Ack struct {
	OK bool `json:"ok"`
}

// ErrorBody is the signed payload of a rejected request.
type ErrorBody struct {
	Code  apperrors.ErrorCode `json:"code"`
	Error string              `json:"error"`
}
