package service

import (
	"context"
	"time"

	"github.com/fedchat/chat-server-go/internal/federation"
	"github.com/fedchat/chat-server-go/internal/model"
	"github.com/fedchat/chat-server-go/internal/repository"
)

// Federation is the outbound side of server-to-server calls.
type Federation interface {
	RequestFriend(ctx context.Context, targetDomain string, applicant model.Identity, applicantName, targetUserID string) (*federation.FriendRequestResult, error)
	ResolveIdentity(ctx context.Context, targetDomain, userName string) (string, error)
	FetchProfile(ctx context.Context, targetDomain, remoteUserID string) (*federation.Profile, error)
	FetchIcon(ctx context.Context, targetDomain, remoteUserID string) (*string, error)
	PushProfileChanges(ctx context.Context, targetDomain string, push federation.ProfileChangesPush) error
	RelayMessage(ctx context.Context, targetDomain string, msg federation.RelayedMessage) error
	RelayReadReceipt(ctx context.Context, targetDomain string, read federation.RelayedRead) error
}

// Inbound serves verified federation requests from the three services.
type Inbound struct {
	*FriendService
	*ProfileService
	*Coordinator
}

var _ federation.Inbound = Inbound{}

func NewInbound(friends *FriendService, profiles *ProfileService, coordinator *Coordinator) Inbound {
	return Inbound{FriendService: friends, ProfileService: profiles, Coordinator: coordinator}
}

// cacheProfile stores a freshly fetched snapshot of a remote user.
func cacheProfile(ctx context.Context, friends repository.RemoteFriendRepository, domain string, p *federation.Profile, now time.Time) error {
	return friends.Upsert(ctx, model.RemoteFriend{
		RemoteUserID:  p.UserID,
		Domain:        domain,
		UserName:      p.UserName,
		DisplayName:   p.DisplayName,
		Description:   p.Description,
		IconURL:       p.IconURL,
		LastFetchedAt: now,
	})
}
