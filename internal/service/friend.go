package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	apperrors "github.com/fedchat/chat-server-go/internal/errors"
	"github.com/fedchat/chat-server-go/internal/federation"
	"github.com/fedchat/chat-server-go/internal/model"
	"github.com/fedchat/chat-server-go/internal/repository"
	"github.com/fedchat/chat-server-go/internal/util"
)

// directRoomNamespace scopes the deterministic ids of two-person rooms.
var directRoomNamespace = uuid.MustParse("6f1c9b52-3d1e-4f8a-9a57-1d2f4c7e8b90")

// DirectRoomID is the id of the room shared by two friends. Both servers
// derive the same value, so relays address the same room on either side.
func DirectRoomID(a, b model.Identity) string {
	x, y := a.String(), b.String()
	if y < x {
		x, y = y, x
	}
	return uuid.NewSHA1(directRoomNamespace, []byte(x+"\n"+y)).String()
}

type FriendRequestOutcome struct {
	Status federation.FriendStatus `json:"status"`
	Peer   model.Identity          `json:"peer"`
	RoomID string                  `json:"roomId,omitempty"`
}

type FriendService struct {
	domain     string
	store      *repository.Store
	federation Federation
	now        func() time.Time
}

func NewFriendService(domain string, store *repository.Store, fed Federation) *FriendService {
	return &FriendService{
		domain:     domain,
		store:      store,
		federation: fed,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Request asks target ("name@domain") to become a friend of userID. When the
// target already asked userID the friendship is established immediately.
func (s *FriendService) Request(ctx context.Context, userID, target string) (*FriendRequestOutcome, error) {
	name, domain, ok := util.ParseAddress(target)
	if !ok {
		return nil, apperrors.InvalidInput("target", "expected name@domain")
	}
	user, err := s.localUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	if domain == s.domain {
		return s.requestLocal(ctx, user, name)
	}
	return s.requestRemote(ctx, user, name, domain)
}

func (s *FriendService) requestLocal(ctx context.Context, user *model.User, name string) (*FriendRequestOutcome, error) {
	peer, err := s.store.Users.FindByUserName(ctx, name)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if peer == nil {
		return nil, apperrors.NotFound("User")
	}
	if peer.ID == user.ID {
		return nil, apperrors.InvalidInput("target", "cannot befriend yourself")
	}
	peerID := model.Identity{UserID: peer.ID, Domain: s.domain}

	if edge, err := s.store.Friends.FindEdge(ctx, user.ID, peer.ID, s.domain); err != nil {
		return nil, apperrors.Database(err)
	} else if edge != nil {
		return &FriendRequestOutcome{Status: federation.FriendAccepted, Peer: peerID, RoomID: edge.RoomID}, nil
	}

	incoming, err := s.store.Friends.FindApplicant(ctx, user.ID, peer.ID, s.domain)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if incoming != nil && incoming.Direction == model.RequestIncoming {
		room, err := s.establish(ctx, user.ID, peerID)
		if err != nil {
			return nil, err
		}
		return &FriendRequestOutcome{Status: federation.FriendAccepted, Peer: peerID, RoomID: room.ID}, nil
	}

	if _, err := s.store.Friends.AddApplicant(ctx, model.Applicant{
		OwnerID: user.ID, PeerID: peer.ID, PeerDomain: s.domain, Direction: model.RequestOutgoing,
	}); err != nil {
		return nil, apperrors.Database(err)
	}
	if _, err := s.store.Friends.AddApplicant(ctx, model.Applicant{
		OwnerID: peer.ID, PeerID: user.ID, PeerDomain: s.domain, Direction: model.RequestIncoming,
	}); err != nil {
		return nil, apperrors.Database(err)
	}

	log.Info().Str("userId", user.ID).Str("peerId", peer.ID).Msg("friend request recorded")
	return &FriendRequestOutcome{Status: federation.FriendPending, Peer: peerID}, nil
}

func (s *FriendService) requestRemote(ctx context.Context, user *model.User, name, domain string) (*FriendRequestOutcome, error) {
	remoteUserID, err := s.federation.ResolveIdentity(ctx, domain, name)
	if err != nil {
		return nil, err
	}
	peer := model.Identity{UserID: remoteUserID, Domain: domain}

	if edge, err := s.store.Friends.FindEdge(ctx, user.ID, peer.UserID, domain); err != nil {
		return nil, apperrors.Database(err)
	} else if edge != nil {
		return &FriendRequestOutcome{Status: federation.FriendAccepted, Peer: peer, RoomID: edge.RoomID}, nil
	}

	return s.sendRemote(ctx, user, peer)
}

// sendRemote delivers the request and mirrors the peer's answer locally.
// An accepted answer means the peer had already asked us.
func (s *FriendService) sendRemote(ctx context.Context, user *model.User, peer model.Identity) (*FriendRequestOutcome, error) {
	me := model.Identity{UserID: user.ID, Domain: s.domain}
	result, err := s.federation.RequestFriend(ctx, peer.Domain, me, user.UserName, peer.UserID)
	if err != nil {
		return nil, err
	}

	s.refreshCache(ctx, peer)

	if result.Status == federation.FriendAccepted {
		room, err := s.establish(ctx, user.ID, peer)
		if err != nil {
			return nil, err
		}
		if result.RoomID != "" && result.RoomID != room.ID {
			log.Warn().
				Str("roomId", room.ID).
				Str("remoteRoomId", result.RoomID).
				Str("domain", peer.Domain).
				Msg("remote server reported a different direct room id")
		}
		return &FriendRequestOutcome{Status: federation.FriendAccepted, Peer: peer, RoomID: room.ID}, nil
	}

	if _, err := s.store.Friends.AddApplicant(ctx, model.Applicant{
		OwnerID: user.ID, PeerID: peer.UserID, PeerDomain: peer.Domain, Direction: model.RequestOutgoing,
	}); err != nil {
		return nil, apperrors.Database(err)
	}
	log.Info().
		Str("userId", user.ID).
		Str("peer", peer.String()).
		Msg("remote friend request sent")
	return &FriendRequestOutcome{Status: federation.FriendPending, Peer: peer}, nil
}

// Accept turns a pending incoming request into a friendship. Accepting an
// already accepted request returns the existing room.
func (s *FriendService) Accept(ctx context.Context, userID, peerID, peerDomain string) (*FriendRequestOutcome, error) {
	peer := model.Identity{UserID: peerID, Domain: peerDomain}

	// The edge is written before the request is removed, so a missing
	// request with an existing edge means it was already accepted.
	applicant, err := s.store.Friends.FindApplicant(ctx, userID, peerID, peerDomain)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if applicant == nil {
		edge, err := s.store.Friends.FindEdge(ctx, userID, peerID, peerDomain)
		if err != nil {
			return nil, apperrors.Database(err)
		}
		if edge == nil {
			return nil, apperrors.NotFound("Friend request")
		}
		return &FriendRequestOutcome{Status: federation.FriendAccepted, Peer: peer, RoomID: edge.RoomID}, nil
	}
	if applicant.Direction != model.RequestIncoming {
		return nil, apperrors.NotFound("Friend request")
	}

	if peerDomain != s.domain {
		user, err := s.localUser(ctx, userID)
		if err != nil {
			return nil, err
		}
		out, err := s.sendRemote(ctx, user, peer)
		if err != nil {
			return nil, err
		}
		if out.Status != federation.FriendAccepted {
			return nil, apperrors.RemoteRejected(peerDomain, "request is no longer pending")
		}
		return out, nil
	}

	room, err := s.establish(ctx, userID, peer)
	if err != nil {
		return nil, err
	}
	return &FriendRequestOutcome{Status: federation.FriendAccepted, Peer: peer, RoomID: room.ID}, nil
}

// HandleFriendRequest applies a request from another server. A request
// answering one of our own outgoing requests completes the friendship.
func (s *FriendService) HandleFriendRequest(ctx context.Context, req federation.FriendRequest) (*federation.FriendRequestResult, error) {
	if req.Applicant.UserID == "" || req.TargetUserID == "" {
		return nil, apperrors.MissingRequired("applicant and targetUserId")
	}
	target, err := s.store.Users.FindByID(ctx, req.TargetUserID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if target == nil {
		return nil, apperrors.NotFound("User")
	}
	applicant := req.Applicant

	if edge, err := s.store.Friends.FindEdge(ctx, target.ID, applicant.UserID, applicant.Domain); err != nil {
		return nil, apperrors.Database(err)
	} else if edge != nil {
		return &federation.FriendRequestResult{Status: federation.FriendAccepted, RoomID: edge.RoomID}, nil
	}

	if err := s.store.RemoteFriends.Upsert(ctx, model.RemoteFriend{
		RemoteUserID:  applicant.UserID,
		Domain:        applicant.Domain,
		UserName:      req.ApplicantName,
		LastFetchedAt: s.now(),
	}); err != nil {
		log.Warn().Err(err).Str("peer", applicant.String()).Msg("failed to cache applicant")
	}

	outgoing, err := s.store.Friends.FindApplicant(ctx, target.ID, applicant.UserID, applicant.Domain)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if outgoing != nil && outgoing.Direction == model.RequestOutgoing {
		room, err := s.establish(ctx, target.ID, applicant)
		if err != nil {
			return nil, err
		}
		return &federation.FriendRequestResult{Status: federation.FriendAccepted, RoomID: room.ID}, nil
	}

	if _, err := s.store.Friends.AddApplicant(ctx, model.Applicant{
		OwnerID: target.ID, PeerID: applicant.UserID, PeerDomain: applicant.Domain, Direction: model.RequestIncoming,
	}); err != nil {
		return nil, apperrors.Database(err)
	}
	log.Info().
		Str("userId", target.ID).
		Str("applicant", applicant.String()).
		Msg("remote friend request received")
	return &federation.FriendRequestResult{Status: federation.FriendPending}, nil
}

func (s *FriendService) Pending(ctx context.Context, userID string) (*model.PendingFriendRequest, error) {
	applicants, err := s.store.Friends.ListApplicants(ctx, userID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if applicants == nil {
		applicants = []model.Applicant{}
	}
	return &model.PendingFriendRequest{OwnerID: userID, Applicants: applicants}, nil
}

func (s *FriendService) Friends(ctx context.Context, userID string) ([]model.FriendEdge, error) {
	edges, err := s.store.Friends.ListEdges(ctx, userID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	return edges, nil
}

// establish creates the direct room and the edges. Every step is idempotent,
// so concurrent or repeated accepts converge on one room and one edge each.
func (s *FriendService) establish(ctx context.Context, ownerID string, peer model.Identity) (*model.Room, error) {
	owner := model.Identity{UserID: ownerID, Domain: s.domain}
	kind := model.RoomKindFriend
	peerOrigin := model.OriginLocal
	if peer.Domain != s.domain {
		kind = model.RoomKindRemoteFriend
		peerOrigin = model.OriginRemote
	}

	room, created, err := s.store.Rooms.Create(ctx, model.CreateRoomParams{
		ID:   DirectRoomID(owner, peer),
		Kind: kind,
		Participants: []model.Participant{
			{UserID: owner.UserID, OriginKind: model.OriginLocal, Domain: owner.Domain},
			{UserID: peer.UserID, OriginKind: peerOrigin, Domain: peer.Domain},
		},
	})
	if err != nil {
		return nil, apperrors.Database(fmt.Errorf("create direct room: %w", err))
	}

	edges := []model.FriendEdge{{
		OwnerID: owner.UserID, PeerID: peer.UserID, PeerDomain: peer.Domain, PeerKind: peerOrigin, RoomID: room.ID,
	}}
	if peerOrigin == model.OriginLocal {
		edges = append(edges, model.FriendEdge{
			OwnerID: peer.UserID, PeerID: owner.UserID, PeerDomain: owner.Domain, PeerKind: model.OriginLocal, RoomID: room.ID,
		})
	}
	for _, edge := range edges {
		if _, err := s.store.Friends.CreateEdge(ctx, edge); err != nil {
			return nil, apperrors.Database(err)
		}
		if err := s.store.Friends.RemoveApplicant(ctx, edge.OwnerID, edge.PeerID, edge.PeerDomain); err != nil {
			return nil, apperrors.Database(err)
		}
	}

	if created {
		log.Info().
			Str("roomId", room.ID).
			Str("kind", string(kind)).
			Str("owner", owner.String()).
			Str("peer", peer.String()).
			Msg("friendship established")
	}
	return room, nil
}

func (s *FriendService) refreshCache(ctx context.Context, peer model.Identity) {
	profile, err := s.federation.FetchProfile(ctx, peer.Domain, peer.UserID)
	if err != nil {
		log.Warn().Err(err).Str("peer", peer.String()).Msg("failed to fetch remote profile")
		return
	}
	if err := cacheProfile(ctx, s.store.RemoteFriends, peer.Domain, profile, s.now()); err != nil {
		log.Warn().Err(err).Str("peer", peer.String()).Msg("failed to cache remote profile")
	}
}

func (s *FriendService) localUser(ctx context.Context, userID string) (*model.User, error) {
	user, err := s.store.Users.FindByID(ctx, userID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if user == nil {
		return nil, apperrors.AuthRequired()
	}
	return user, nil
}
