package service

import (
	"context"
	"slices"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/fedchat/chat-server-go/internal/errors"
	"github.com/fedchat/chat-server-go/internal/federation"
	"github.com/fedchat/chat-server-go/internal/model"
	"github.com/fedchat/chat-server-go/internal/repository"
	"github.com/fedchat/chat-server-go/internal/util"
)

const profileCacheTTL = time.Hour

var profileFields = []string{
	model.ProfileFieldUserName,
	model.ProfileFieldDisplayName,
	model.ProfileFieldDescription,
	model.ProfileFieldIconURL,
}

// ProfileService owns local profiles and the cache of remote ones.
type ProfileService struct {
	domain     string
	store      *repository.Store
	federation Federation
	now        func() time.Time
}

func NewProfileService(domain string, store *repository.Store, fed Federation) *ProfileService {
	return &ProfileService{
		domain:     domain,
		store:      store,
		federation: fed,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// UpdateProfile changes the listed fields of a local user and pushes the
// change to every server hosting one of the user's friends.
func (s *ProfileService) UpdateProfile(ctx context.Context, userID string, changes model.ProfileChanges) (*model.User, error) {
	if len(changes.Changed) == 0 {
		return nil, apperrors.MissingRequired("changed")
	}
	for _, field := range changes.Changed {
		if !slices.Contains(profileFields, field) {
			return nil, apperrors.InvalidInput("changed", "unknown field "+field)
		}
	}
	if slices.Contains(changes.Changed, model.ProfileFieldUserName) && !util.IsValidUserName(changes.UserName) {
		return nil, apperrors.InvalidInput("userName", "1-64 letters, digits, '.', '_' or '-'")
	}

	user, err := s.store.Users.UpdateProfile(ctx, userID, changes)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if user == nil {
		return nil, apperrors.NotFound("User")
	}

	domains, err := s.friendDomains(ctx, userID)
	if err != nil {
		log.Warn().Err(err).Str("userId", userID).Msg("failed to list friend domains")
		return user, nil
	}
	push := federation.ProfileChangesPush{
		User:    model.Identity{UserID: user.ID, Domain: s.domain},
		Changes: model.ChangesFrom(user, changes.Changed),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxRelayParallel)
	for _, domain := range domains {
		domain := domain
		g.Go(func() error {
			if err := s.federation.PushProfileChanges(gctx, domain, push); err != nil {
				log.Warn().Err(err).Str("userId", userID).Str("domain", domain).Msg("profile push failed")
			}
			return nil
		})
	}
	g.Wait()

	log.Info().
		Str("userId", userID).
		Strs("changed", changes.Changed).
		Int("domains", len(domains)).
		Msg("profile updated")
	return user, nil
}

func (s *ProfileService) friendDomains(ctx context.Context, userID string) ([]string, error) {
	edges, err := s.store.Friends.ListEdges(ctx, userID)
	if err != nil {
		return nil, err
	}
	var domains []string
	for _, e := range edges {
		if e.PeerKind == model.OriginRemote && !slices.Contains(domains, e.PeerDomain) {
			domains = append(domains, e.PeerDomain)
		}
	}
	return domains, nil
}

// LookupProfile returns the profile of a user on any server. Remote profiles
// come from the cache and are refreshed once stale; a stale entry is still
// served when the remote is unreachable.
func (s *ProfileService) LookupProfile(ctx context.Context, domain, userID string) (*federation.Profile, error) {
	if domain == s.domain {
		return s.LocalProfile(ctx, federation.ProfileQuery{UserID: userID})
	}

	cached, err := s.store.RemoteFriends.Find(ctx, userID, domain)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if cached != nil && s.now().Sub(cached.LastFetchedAt) < profileCacheTTL {
		return remoteProfile(cached), nil
	}

	fresh, err := s.RefreshRemote(ctx, domain, userID)
	if err != nil {
		if cached != nil && apperrors.Is(err, apperrors.ErrCodeRemoteUnavailable) {
			log.Debug().Err(err).Str("domain", domain).Msg("serving stale remote profile")
			return remoteProfile(cached), nil
		}
		return nil, err
	}
	return remoteProfile(fresh), nil
}

// RefreshRemote fetches the profile and icon reference of a remote user and
// replaces the cached snapshot.
func (s *ProfileService) RefreshRemote(ctx context.Context, domain, userID string) (*model.RemoteFriend, error) {
	p, err := s.federation.FetchProfile(ctx, domain, userID)
	if err != nil {
		return nil, err
	}
	if icon, err := s.federation.FetchIcon(ctx, domain, userID); err == nil {
		p.IconURL = icon
	} else {
		log.Debug().Err(err).Str("domain", domain).Msg("icon lookup failed")
	}
	if err := cacheProfile(ctx, s.store.RemoteFriends, domain, p, s.now()); err != nil {
		return nil, apperrors.Database(err)
	}
	return &model.RemoteFriend{
		RemoteUserID:  p.UserID,
		Domain:        domain,
		UserName:      p.UserName,
		DisplayName:   p.DisplayName,
		Description:   p.Description,
		IconURL:       p.IconURL,
		LastFetchedAt: s.now(),
	}, nil
}

func (s *ProfileService) ResolveIdentity(ctx context.Context, q federation.IdentityQuery) (*federation.IdentityResult, error) {
	var (
		user *model.User
		err  error
	)
	switch q.Direction {
	case federation.NameToID:
		user, err = s.store.Users.FindByUserName(ctx, q.UserName)
	case federation.IDToName:
		user, err = s.store.Users.FindByID(ctx, q.UserID)
	default:
		return nil, apperrors.InvalidInput("direction", "expected nameToId or idToName")
	}
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if user == nil {
		return nil, apperrors.NotFound("User")
	}
	return &federation.IdentityResult{UserID: user.ID, UserName: user.UserName}, nil
}

func (s *ProfileService) LocalProfile(ctx context.Context, q federation.ProfileQuery) (*federation.Profile, error) {
	user, err := s.findLocal(ctx, q.UserID)
	if err != nil {
		return nil, err
	}
	return &federation.Profile{
		UserID:      user.ID,
		UserName:    user.UserName,
		DisplayName: user.DisplayName,
		Description: user.Description,
		IconURL:     user.IconURL,
	}, nil
}

func (s *ProfileService) LocalIcon(ctx context.Context, q federation.ProfileQuery) (*federation.Icon, error) {
	user, err := s.findLocal(ctx, q.UserID)
	if err != nil {
		return nil, err
	}
	return &federation.Icon{UserID: user.ID, IconURL: user.IconURL}, nil
}

// ApplyRemoteChanges updates the cached snapshot of a remote user. Only the
// fields the sender lists as changed are written.
func (s *ProfileService) ApplyRemoteChanges(ctx context.Context, push federation.ProfileChangesPush) error {
	if push.User.UserID == "" {
		return apperrors.MissingRequired("user.userId")
	}
	cached, err := s.store.RemoteFriends.Find(ctx, push.User.UserID, push.User.Domain)
	if err != nil {
		return apperrors.Database(err)
	}
	if cached == nil {
		cached = &model.RemoteFriend{RemoteUserID: push.User.UserID, Domain: push.User.Domain}
	}
	if !cached.Apply(push.Changes) {
		return nil
	}
	cached.LastFetchedAt = s.now()
	if err := s.store.RemoteFriends.Upsert(ctx, *cached); err != nil {
		return apperrors.Database(err)
	}
	log.Info().
		Str("peer", push.User.String()).
		Strs("changed", push.Changes.Changed).
		Msg("remote profile changes applied")
	return nil
}

func (s *ProfileService) findLocal(ctx context.Context, userID string) (*model.User, error) {
	if userID == "" {
		return nil, apperrors.MissingRequired("userId")
	}
	user, err := s.store.Users.FindByID(ctx, userID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if user == nil {
		return nil, apperrors.NotFound("User")
	}
	return user, nil
}

func remoteProfile(f *model.RemoteFriend) *federation.Profile {
	return &federation.Profile{
		UserID:      f.RemoteUserID,
		UserName:    f.UserName,
		DisplayName: f.DisplayName,
		Description: f.Description,
		IconURL:     f.IconURL,
	}
}
