package service

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fedchat/chat-server-go/internal/fanout"
	"github.com/fedchat/chat-server-go/internal/federation"
	"github.com/fedchat/chat-server-go/internal/model"
	"github.com/fedchat/chat-server-go/internal/repository"
	"github.com/fedchat/chat-server-go/internal/repository/memstore"
	"github.com/fedchat/chat-server-go/internal/session"
)

const localDomain = "a.example"

type MockFederation struct {
	mock.Mock
}

func (m *MockFederation) RequestFriend(ctx context.Context, targetDomain string, applicant model.Identity, applicantName, targetUserID string) (*federation.FriendRequestResult, error) {
	args := m.Called(ctx, targetDomain, applicant, applicantName, targetUserID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*federation.FriendRequestResult), args.Error(1)
}

func (m *MockFederation) ResolveIdentity(ctx context.Context, targetDomain, userName string) (string, error) {
	args := m.Called(ctx, targetDomain, userName)
	return args.String(0), args.Error(1)
}

func (m *MockFederation) FetchProfile(ctx context.Context, targetDomain, remoteUserID string) (*federation.Profile, error) {
	args := m.Called(ctx, targetDomain, remoteUserID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*federation.Profile), args.Error(1)
}

func (m *MockFederation) FetchIcon(ctx context.Context, targetDomain, remoteUserID string) (*string, error) {
	args := m.Called(ctx, targetDomain, remoteUserID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*string), args.Error(1)
}

func (m *MockFederation) PushProfileChanges(ctx context.Context, targetDomain string, push federation.ProfileChangesPush) error {
	return m.Called(ctx, targetDomain, push).Error(0)
}

func (m *MockFederation) RelayMessage(ctx context.Context, targetDomain string, msg federation.RelayedMessage) error {
	return m.Called(ctx, targetDomain, msg).Error(0)
}

func (m *MockFederation) RelayReadReceipt(ctx context.Context, targetDomain string, read federation.RelayedRead) error {
	return m.Called(ctx, targetDomain, read).Error(0)
}

type fakeConn struct {
	closed atomic.Int32
}

func (c *fakeConn) Close() { c.closed.Add(1) }

// recordingSink collects delivered events for assertions.
type recordingSink struct {
	mu     sync.Mutex
	events []fanout.Event
	closed bool
}

func (s *recordingSink) Deliver(e fanout.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return true
}

func (s *recordingSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *recordingSink) ofType(typ string) []fanout.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []fanout.Event
	for _, e := range s.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func (s *recordingSink) count(typ string) int {
	return len(s.ofType(typ))
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	store    *repository.Store
	registry *session.Registry
	bus      *fanout.Bus
	fed      *MockFederation
	coord    *Coordinator
	friends  *FriendService
	profiles *ProfileService
	clock    *clock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, &MockFederation{}, nil)
}

// newHarnessWith wires the services against fed. When fed is nil the mock
// is used.
func newHarnessWith(t *testing.T, mockFed *MockFederation, fed Federation) *harness {
	t.Helper()
	h := &harness{
		store: memstore.New(),
		fed:   mockFed,
		clock: &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	if fed == nil {
		fed = mockFed
	}
	h.registry = session.NewRegistry(localDomain, h.store.Rooms, h.clock.Now)
	h.bus = fanout.NewBus(fanout.NewLocalTransport())
	h.coord = NewCoordinator(localDomain, h.store, h.registry, h.bus, fed, 2*time.Second)
	h.coord.now = h.clock.Now
	h.friends = NewFriendService(localDomain, h.store, fed)
	h.friends.now = h.clock.Now
	h.profiles = NewProfileService(localDomain, h.store, fed)
	h.profiles.now = h.clock.Now
	t.Cleanup(func() {
		h.coord.Close()
		h.bus.Close()
	})
	return h
}

func (h *harness) user(t *testing.T, id, name string) {
	t.Helper()
	_, err := h.store.Users.Ensure(context.Background(), model.User{ID: id, UserName: name, DisplayName: name})
	require.NoError(t, err)
}

func (h *harness) room(t *testing.T, id string, kind model.RoomKind, members ...model.Identity) {
	t.Helper()
	var participants []model.Participant
	for _, m := range members {
		origin := model.OriginLocal
		if m.Domain != localDomain {
			origin = model.OriginRemote
		}
		participants = append(participants, model.Participant{UserID: m.UserID, Domain: m.Domain, OriginKind: origin})
	}
	_, _, err := h.store.Rooms.Create(context.Background(), model.CreateRoomParams{ID: id, Kind: kind, Participants: participants})
	require.NoError(t, err)
}

// joined admits userID and joins roomID with a fresh sink.
func (h *harness) joined(t *testing.T, userID, roomID string) (string, *recordingSink, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	id, err := h.coord.Admit(conn, userID)
	require.NoError(t, err)
	sink := &recordingSink{}
	_, err = h.coord.JoinRoom(context.Background(), id, roomID, sink)
	require.NoError(t, err)
	return id, sink, conn
}

func local(userID string) model.Identity {
	return model.Identity{UserID: userID, Domain: localDomain}
}

func decode(t *testing.T, e fanout.Event) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(e.Payload, &out))
	return out
}
