package service

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	apperrors "github.com/fedchat/chat-server-go/internal/errors"
	"github.com/fedchat/chat-server-go/internal/federation"
	"github.com/fedchat/chat-server-go/internal/model"
	"github.com/fedchat/chat-server-go/internal/repository"
	"github.com/fedchat/chat-server-go/internal/repository/memstore"
	"github.com/fedchat/chat-server-go/internal/session"
	"github.com/fedchat/chat-server-go/internal/signing"
)

func TestSendMessageLocalRoom(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.room(t, "R1", model.RoomKindFriend, local("x"), local("y"))

	xSession, xSink, _ := h.joined(t, "x", "R1")
	_, ySink, _ := h.joined(t, "y", "R1")

	msg, err := h.coord.SendMessage(ctx, xSession, "R1", "hi")
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryLocal, msg.Delivery)

	assert.Eventually(t, func() bool { return ySink.count(EventMessage) == 1 }, time.Second, 5*time.Millisecond)
	frame := decode(t, ySink.ofType(EventMessage)[0])
	assert.Equal(t, "message", frame["type"])
	assert.Equal(t, msg.ID, frame["messageId"])
	assert.Equal(t, "R1", frame["roomId"])
	assert.Equal(t, "x", frame["authorId"])
	assert.Equal(t, "hi", frame["body"])
	assert.Contains(t, frame, "createdAt")

	// The author's own session receives the event too.
	assert.Equal(t, 1, xSink.count(EventMessage))
	h.fed.AssertNotCalled(t, "RelayMessage", mock.Anything, mock.Anything, mock.Anything)
}

func TestSendMessageValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.room(t, "R1", model.RoomKindFriend, local("x"), local("y"))
	h.room(t, "R2", model.RoomKindFriend, local("x"), local("z"))
	xSession, _, _ := h.joined(t, "x", "R1")

	t.Run("requires the joined room", func(t *testing.T) {
		_, err := h.coord.SendMessage(ctx, xSession, "R2", "hi")
		assert.True(t, apperrors.Is(err, apperrors.ErrCodeNotAMember))
	})

	t.Run("unknown session", func(t *testing.T) {
		_, err := h.coord.SendMessage(ctx, "nope", "R1", "hi")
		assert.True(t, apperrors.Is(err, apperrors.ErrCodeAuthRequired))
	})

	t.Run("empty body", func(t *testing.T) {
		_, err := h.coord.SendMessage(ctx, xSession, "R1", "  ")
		assert.True(t, apperrors.Is(err, apperrors.ErrCodeInvalidInput))
	})

	t.Run("unjoined session", func(t *testing.T) {
		id, err := h.coord.Admit(&fakeConn{}, "x")
		require.NoError(t, err)
		_, err = h.coord.SendMessage(ctx, id, "R1", "hi")
		assert.True(t, apperrors.Is(err, apperrors.ErrCodeNotAMember))
	})
}

func TestJoinRoomRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.room(t, "R1", model.RoomKindFriend, local("x"), local("y"))

	t.Run("non participant gets NotAMember and no subscription", func(t *testing.T) {
		id, err := h.coord.Admit(&fakeConn{}, "mallory")
		require.NoError(t, err)

		_, err = h.coord.JoinRoom(ctx, id, "R1", &recordingSink{})
		require.Error(t, err)
		assert.Equal(t, apperrors.ErrCodeNotAMember, apperrors.GetCode(err))
		assert.Equal(t, 0, h.bus.SubscriberCount("R1"))

		s, ok := h.registry.Get(id)
		require.True(t, ok)
		assert.Equal(t, session.Rejected, s.State)
	})

	t.Run("unknown room", func(t *testing.T) {
		id, err := h.coord.Admit(&fakeConn{}, "x")
		require.NoError(t, err)

		_, err = h.coord.JoinRoom(ctx, id, "missing", &recordingSink{})
		assert.Equal(t, apperrors.ErrCodeRoomNotFound, apperrors.GetCode(err))
	})

	t.Run("failed join detaches from the previous room", func(t *testing.T) {
		id, sink, _ := h.joined(t, "x", "R1")
		require.Equal(t, 1, h.bus.SubscriberCount("R1"))

		_, err := h.coord.JoinRoom(ctx, id, "missing", sink)
		require.Error(t, err)
		assert.Equal(t, 0, h.bus.SubscriberCount("R1"))
	})
}

func TestJoinRoomSwitchesSubscription(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.room(t, "R1", model.RoomKindFriend, local("x"), local("y"))
	h.room(t, "R2", model.RoomKindFriend, local("x"), local("z"))

	id, sink, _ := h.joined(t, "x", "R1")
	_, err := h.coord.JoinRoom(ctx, id, "R2", sink)
	require.NoError(t, err)

	assert.Equal(t, 0, h.bus.SubscriberCount("R1"))
	assert.Equal(t, 1, h.bus.SubscriberCount("R2"))
}

func TestJoinRoomWithRemoteParticipant(t *testing.T) {
	ctx := context.Background()
	remote := model.Identity{UserID: "rb", Domain: "b.example"}

	t.Run("confirms remote participants and caches their profile", func(t *testing.T) {
		h := newHarness(t)
		h.room(t, "RR", model.RoomKindRemoteFriend, local("x"), remote)
		h.fed.On("FetchProfile", mock.Anything, "b.example", "rb").
			Return(&federation.Profile{UserID: "rb", UserName: "bob", DisplayName: "Bob"}, nil).Once()

		h.joined(t, "x", "RR")

		cached, err := h.store.RemoteFriends.Find(ctx, "rb", "b.example")
		require.NoError(t, err)
		require.NotNil(t, cached)
		assert.Equal(t, "Bob", cached.DisplayName)
		h.fed.AssertExpectations(t)
	})

	t.Run("unreachable remote rejects the join", func(t *testing.T) {
		h := newHarness(t)
		h.room(t, "RR", model.RoomKindRemoteFriend, local("x"), remote)
		h.fed.On("FetchProfile", mock.Anything, "b.example", "rb").
			Return(nil, apperrors.RemoteUnavailable("b.example", context.DeadlineExceeded)).Once()

		id, err := h.coord.Admit(&fakeConn{}, "x")
		require.NoError(t, err)
		_, err = h.coord.JoinRoom(ctx, id, "RR", &recordingSink{})
		assert.Equal(t, apperrors.ErrCodeRemoteUnavailable, apperrors.GetCode(err))
		assert.Equal(t, 0, h.bus.SubscriberCount("RR"))

		s, _ := h.registry.Get(id)
		assert.Equal(t, session.Rejected, s.State)
	})
}

func TestSendMessageRelay(t *testing.T) {
	ctx := context.Background()
	remote := model.Identity{UserID: "rb", Domain: "b.example"}
	profile := &federation.Profile{UserID: "rb", UserName: "bob"}

	tests := []struct {
		name     string
		relayErr error
		want     model.DeliveryStatus
	}{
		{"delivered", nil, model.DeliveryDelivered},
		{"rejected", apperrors.RemoteRejected("b.example", "NotAMember"), model.DeliveryRemoteRejected},
		{"unavailable", apperrors.RemoteUnavailable("b.example", nil), model.DeliveryRemoteUnavailable},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.room(t, "RR", model.RoomKindRemoteFriend, local("x"), remote)
			h.fed.On("FetchProfile", mock.Anything, "b.example", "rb").Return(profile, nil)
			h.fed.On("RelayMessage", mock.Anything, "b.example", mock.MatchedBy(func(m federation.RelayedMessage) bool {
				return m.RoomID == "RR" && m.Author == local("x") && m.Body == "hello"
			})).Return(tc.relayErr).Once()

			id, sink, _ := h.joined(t, "x", "RR")
			msg, err := h.coord.SendMessage(ctx, id, "RR", "hello")
			require.NoError(t, err)
			assert.Equal(t, model.DeliveryPending, msg.Delivery)

			h.coord.WaitRelays()

			status, err := h.coord.DeliveryStatus(ctx, "x", msg.ID)
			require.NoError(t, err)
			assert.Equal(t, tc.want, status)

			require.Equal(t, 1, sink.count(EventStatus))
			frame := decode(t, sink.ofType(EventStatus)[0])
			assert.Equal(t, msg.ID, frame["messageId"])
			assert.Equal(t, string(tc.want), frame["status"])
			h.fed.AssertExpectations(t)
		})
	}
}

// profileStub answers profile lookups locally and relays through the real
// client.
type profileStub struct {
	*federation.Client
}

func (profileStub) FetchProfile(_ context.Context, _ string, remoteUserID string) (*federation.Profile, error) {
	return &federation.Profile{UserID: remoteUserID}, nil
}

func TestRelayToFailingServer(t *testing.T) {
	ctx := context.Background()

	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/server"+federation.PathTalkSend {
			attempts.Add(1)
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	remoteDomain := strings.TrimPrefix(srv.URL, "http://")

	signer := signing.NewSigner(localDomain, memstore.New().ServerKeys, signing.WithKeyBits(1024))
	verifier := signing.NewVerifier(signer, http.DefaultClient, signing.WithScheme("http"))
	client := federation.NewClient(signer, verifier, time.Second,
		federation.WithScheme("http"),
		federation.WithRetryPolicy(federation.RetryPolicy{MaxAttempts: 3, Base: time.Millisecond, Max: 4 * time.Millisecond}),
	)
	h := newHarnessWith(t, &MockFederation{}, profileStub{client})
	h.room(t, "RR", model.RoomKindRemoteFriend, local("x"), local("y"), model.Identity{UserID: "rb", Domain: remoteDomain})

	xSession, _, _ := h.joined(t, "x", "RR")
	_, ySink, _ := h.joined(t, "y", "RR")

	msg, err := h.coord.SendMessage(ctx, xSession, "RR", "hi")
	require.NoError(t, err)

	// Local participants see the message before the relay settles.
	assert.Equal(t, 1, ySink.count(EventMessage))

	h.coord.WaitRelays()
	assert.Equal(t, int32(3), attempts.Load())

	status, err := h.coord.DeliveryStatus(ctx, "y", msg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryRemoteUnavailable, status)
	assert.Equal(t, 1, ySink.count(EventStatus))
}

func TestMarkRead(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.room(t, "R1", model.RoomKindFriend, local("x"), local("y"))
	xSession, xSink, _ := h.joined(t, "x", "R1")
	ySession, _, _ := h.joined(t, "y", "R1")

	msg, err := h.coord.SendMessage(ctx, xSession, "R1", "hi")
	require.NoError(t, err)

	marked, err := h.coord.MarkRead(ctx, ySession, "R1", []string{msg.ID})
	require.NoError(t, err)
	assert.Equal(t, []string{msg.ID}, marked)

	t.Run("second mark is a no-op", func(t *testing.T) {
		marked, err := h.coord.MarkRead(ctx, ySession, "R1", []string{msg.ID})
		require.NoError(t, err)
		assert.Empty(t, marked)

		stored, err := h.store.Messages.FindByID(ctx, msg.ID)
		require.NoError(t, err)
		require.Len(t, stored.ReadBy, 1)
		assert.Equal(t, "y", stored.ReadBy[0].UserID)
	})

	t.Run("one read event is published", func(t *testing.T) {
		require.Equal(t, 1, xSink.count(EventRead))
		frame := decode(t, xSink.ofType(EventRead)[0])
		assert.Equal(t, "y", frame["readerId"])
		assert.Equal(t, []any{msg.ID}, frame["messageIds"])
	})

	t.Run("requires message ids", func(t *testing.T) {
		_, err := h.coord.MarkRead(ctx, ySession, "R1", nil)
		assert.True(t, apperrors.Is(err, apperrors.ErrCodeInvalidInput))
	})
}

type failingRooms struct {
	repository.RoomRepository
}

func (failingRooms) FindByID(context.Context, string) (*model.Room, error) {
	return nil, errors.New("connection reset")
}

func TestMarkReadSurvivesRoomLookupFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.room(t, "R1", model.RoomKindFriend, local("x"), local("y"))
	xSession, xSink, _ := h.joined(t, "x", "R1")
	ySession, _, _ := h.joined(t, "y", "R1")

	msg, err := h.coord.SendMessage(ctx, xSession, "R1", "hi")
	require.NoError(t, err)

	h.store.Rooms = failingRooms{RoomRepository: h.store.Rooms}

	marked, err := h.coord.MarkRead(ctx, ySession, "R1", []string{msg.ID})
	require.NoError(t, err)
	assert.Equal(t, []string{msg.ID}, marked)
	assert.Equal(t, 1, xSink.count(EventRead))
	h.fed.AssertNotCalled(t, "RelayReadReceipt", mock.Anything, mock.Anything, mock.Anything)
}

func TestMarkReadRelaysToRemote(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	remote := model.Identity{UserID: "rb", Domain: "b.example"}
	h.room(t, "RR", model.RoomKindRemoteFriend, local("x"), remote)
	h.fed.On("FetchProfile", mock.Anything, "b.example", "rb").Return(&federation.Profile{UserID: "rb"}, nil)

	_, created, err := h.store.Messages.Create(ctx, model.CreateMessageParams{
		ID: "7b0e3c1a-1111-4222-8333-944455556666", RoomID: "RR", AuthorID: "rb", AuthorDomain: "b.example", Body: "yo",
	})
	require.NoError(t, err)
	require.True(t, created)

	h.fed.On("RelayReadReceipt", mock.Anything, "b.example", mock.MatchedBy(func(r federation.RelayedRead) bool {
		return r.RoomID == "RR" && r.Reader == local("x") && len(r.MessageIDs) == 1
	})).Return(nil).Once()

	id, _, _ := h.joined(t, "x", "RR")
	_, err = h.coord.MarkRead(ctx, id, "RR", []string{"7b0e3c1a-1111-4222-8333-944455556666"})
	require.NoError(t, err)

	h.coord.WaitRelays()
	h.fed.AssertExpectations(t)
}

func TestSweepRemovesSubscription(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.room(t, "R1", model.RoomKindFriend, local("x"), local("y"))

	_, staleSink, staleConn := h.joined(t, "x", "R1")
	h.clock.Advance(2 * time.Hour)
	ySession, ySink, _ := h.joined(t, "y", "R1")

	removed := h.registry.Sweep(time.Hour)
	assert.Equal(t, 1, removed)
	assert.Equal(t, int32(1), staleConn.closed.Load())
	assert.Equal(t, 1, h.bus.SubscriberCount("R1"))

	_, err := h.coord.SendMessage(ctx, ySession, "R1", "anyone?")
	require.NoError(t, err)
	assert.Equal(t, 1, ySink.count(EventMessage))
	assert.Equal(t, 0, staleSink.count(EventMessage))
}

func TestDisconnect(t *testing.T) {
	h := newHarness(t)
	h.room(t, "R1", model.RoomKindFriend, local("x"), local("y"))
	id, _, conn := h.joined(t, "x", "R1")

	h.coord.Disconnect(id)
	assert.Equal(t, 0, h.bus.SubscriberCount("R1"))
	assert.Equal(t, 0, h.registry.Count())
	assert.Equal(t, int32(0), conn.closed.Load())
}

func TestHistoryAndDeliveryStatusRequireMembership(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.room(t, "R1", model.RoomKindFriend, local("x"), local("y"))
	id, _, _ := h.joined(t, "x", "R1")

	for _, body := range []string{"one", "two", "three"} {
		_, err := h.coord.SendMessage(ctx, id, "R1", body)
		require.NoError(t, err)
	}

	msgs, err := h.coord.History(ctx, "y", "R1", 0, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "three", msgs[0].Body)
	assert.Equal(t, "two", msgs[1].Body)

	older, err := h.coord.History(ctx, "y", "R1", msgs[1].Seq, 10)
	require.NoError(t, err)
	require.Len(t, older, 1)
	assert.Equal(t, "one", older[0].Body)

	_, err = h.coord.History(ctx, "mallory", "R1", 0, 10)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeNotAMember))

	_, err = h.coord.DeliveryStatus(ctx, "mallory", msgs[0].ID)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeNotAMember))

	_, err = h.coord.DeliveryStatus(ctx, "x", "missing")
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeNotFound))
}

func TestReceiveMessage(t *testing.T) {
	ctx := context.Background()
	remote := model.Identity{UserID: "rb", Domain: "b.example"}
	relayed := federation.RelayedMessage{
		MessageID: "0d6b3f9e-8c1a-4a55-9e0b-7f2f5d1c2a10",
		RoomID:    "RR",
		Author:    remote,
		Body:      "from afar",
		CreatedAt: time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC),
	}

	t.Run("stores once and publishes once", func(t *testing.T) {
		h := newHarness(t)
		h.room(t, "RR", model.RoomKindRemoteFriend, local("x"), remote)
		h.fed.On("FetchProfile", mock.Anything, "b.example", "rb").Return(&federation.Profile{UserID: "rb"}, nil)
		_, sink, _ := h.joined(t, "x", "RR")

		require.NoError(t, h.coord.ReceiveMessage(ctx, relayed))
		require.NoError(t, h.coord.ReceiveMessage(ctx, relayed))

		assert.Equal(t, 1, sink.count(EventMessage))
		msgs, err := h.store.Messages.FindByRoomID(ctx, "RR", 0, 10)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, relayed.MessageID, msgs[0].ID)
		assert.Equal(t, model.MessageKindText, msgs[0].Kind)
	})

	t.Run("author must participate", func(t *testing.T) {
		h := newHarness(t)
		h.room(t, "RR", model.RoomKindRemoteFriend, local("x"), remote)

		in := relayed
		in.Author = model.Identity{UserID: "eve", Domain: "b.example"}
		err := h.coord.ReceiveMessage(ctx, in)
		assert.True(t, apperrors.Is(err, apperrors.ErrCodeNotAMember))
	})

	t.Run("unknown room", func(t *testing.T) {
		h := newHarness(t)
		err := h.coord.ReceiveMessage(ctx, relayed)
		assert.True(t, apperrors.Is(err, apperrors.ErrCodeRoomNotFound))
	})

	t.Run("message id must be a uuid", func(t *testing.T) {
		h := newHarness(t)
		in := relayed
		in.MessageID = "m1"
		err := h.coord.ReceiveMessage(ctx, in)
		assert.True(t, apperrors.Is(err, apperrors.ErrCodeInvalidInput))
	})
}

func TestReceiveReadReceipt(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	remote := model.Identity{UserID: "rb", Domain: "b.example"}
	h.room(t, "RR", model.RoomKindRemoteFriend, local("x"), remote)
	h.fed.On("FetchProfile", mock.Anything, "b.example", "rb").Return(&federation.Profile{UserID: "rb"}, nil)
	h.fed.On("RelayMessage", mock.Anything, "b.example", mock.Anything).Return(nil)

	id, sink, _ := h.joined(t, "x", "RR")
	msg, err := h.coord.SendMessage(ctx, id, "RR", "hi")
	require.NoError(t, err)
	h.coord.WaitRelays()

	read := federation.RelayedRead{RoomID: "RR", Reader: remote, MessageIDs: []string{msg.ID}}
	res, err := h.coord.ReceiveReadReceipt(ctx, read)
	require.NoError(t, err)
	assert.Equal(t, []string{msg.ID}, res.Marked)

	res, err = h.coord.ReceiveReadReceipt(ctx, read)
	require.NoError(t, err)
	assert.Empty(t, res.Marked)
	assert.Equal(t, 1, sink.count(EventRead))
}
