package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fedchat/chat-server-go/internal/model"
)

func friendRoom() model.CreateRoomParams {
	return model.CreateRoomParams{
		ID:   "room-1",
		Kind: model.RoomKindFriend,
		Participants: []model.Participant{
			{UserID: "u1", OriginKind: model.OriginLocal, Domain: "a.example"},
			{UserID: "u2", OriginKind: model.OriginLocal, Domain: "a.example"},
		},
	}
}

func TestRooms(t *testing.T) {
	ctx := context.Background()
	store := New()

	t.Run("create is idempotent by id", func(t *testing.T) {
		room, created, err := store.Rooms.Create(ctx, friendRoom())
		require.NoError(t, err)
		assert.True(t, created)
		assert.Len(t, room.Participants, 2)

		again, created, err := store.Rooms.Create(ctx, friendRoom())
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, room.ID, again.ID)
		assert.Len(t, again.Participants, 2)
	})

	t.Run("returned room is a copy", func(t *testing.T) {
		room, err := store.Rooms.FindByID(ctx, "room-1")
		require.NoError(t, err)
		room.Participants[0].UserID = "changed"

		fresh, err := store.Rooms.FindByID(ctx, "room-1")
		require.NoError(t, err)
		assert.Equal(t, "u1", fresh.Participants[0].UserID)
	})

	t.Run("missing room is nil without error", func(t *testing.T) {
		room, err := store.Rooms.FindByID(ctx, "nope")
		require.NoError(t, err)
		assert.Nil(t, room)
	})

	t.Run("add participant once", func(t *testing.T) {
		p := model.Participant{RoomID: "room-1", UserID: "u3", OriginKind: model.OriginRemote, Domain: "b.example"}
		added, err := store.Rooms.AddParticipant(ctx, p)
		require.NoError(t, err)
		assert.True(t, added)

		added, err = store.Rooms.AddParticipant(ctx, p)
		require.NoError(t, err)
		assert.False(t, added)
	})
}

func TestMessages(t *testing.T) {
	ctx := context.Background()
	store := New()
	_, _, err := store.Rooms.Create(ctx, friendRoom())
	require.NoError(t, err)

	var ids []string
	for _, body := range []string{"one", "two", "three"} {
		msg, created, err := store.Messages.Create(ctx, model.CreateMessageParams{
			RoomID: "room-1", AuthorID: "u1", AuthorDomain: "a.example", Body: body,
		})
		require.NoError(t, err)
		require.True(t, created)
		assert.Equal(t, model.MessageKindText, msg.Kind)
		assert.Equal(t, model.DeliveryLocal, msg.Delivery)
		ids = append(ids, msg.ID)
	}

	t.Run("history is newest first and pages by seq", func(t *testing.T) {
		page, err := store.Messages.FindByRoomID(ctx, "room-1", 0, 2)
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, "three", page[0].Body)
		assert.Equal(t, "two", page[1].Body)

		older, err := store.Messages.FindByRoomID(ctx, "room-1", page[1].Seq, 10)
		require.NoError(t, err)
		require.Len(t, older, 1)
		assert.Equal(t, "one", older[0].Body)
	})

	t.Run("create with known id is a no-op", func(t *testing.T) {
		msg, created, err := store.Messages.Create(ctx, model.CreateMessageParams{
			ID: ids[0], RoomID: "room-1", AuthorID: "u1", AuthorDomain: "a.example", Body: "replayed",
		})
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, "one", msg.Body)
	})

	t.Run("mark read twice keeps one entry", func(t *testing.T) {
		reader := model.Identity{UserID: "u2", Domain: "a.example"}
		marked, err := store.Messages.MarkRead(ctx, "room-1", ids[:2], reader, time.Now())
		require.NoError(t, err)
		assert.ElementsMatch(t, ids[:2], marked)

		marked, err = store.Messages.MarkRead(ctx, "room-1", ids[:2], reader, time.Now())
		require.NoError(t, err)
		assert.Empty(t, marked)

		msg, err := store.Messages.FindByID(ctx, ids[0])
		require.NoError(t, err)
		assert.Len(t, msg.ReadBy, 1)
	})

	t.Run("mark read ignores messages of other rooms", func(t *testing.T) {
		marked, err := store.Messages.MarkRead(ctx, "room-2", ids, model.Identity{UserID: "u1", Domain: "a.example"}, time.Now())
		require.NoError(t, err)
		assert.Empty(t, marked)
	})

	t.Run("delivery status updates", func(t *testing.T) {
		require.NoError(t, store.Messages.UpdateDelivery(ctx, ids[2], model.DeliveryRemoteUnavailable))
		msg, err := store.Messages.FindByID(ctx, ids[2])
		require.NoError(t, err)
		assert.Equal(t, model.DeliveryRemoteUnavailable, msg.Delivery)
	})
}

func TestFriends(t *testing.T) {
	ctx := context.Background()
	store := New()

	edge := model.FriendEdge{OwnerID: "u1", PeerID: "p1", PeerDomain: "b.example", PeerKind: model.OriginRemote, RoomID: "r"}
	created, err := store.Friends.CreateEdge(ctx, edge)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = store.Friends.CreateEdge(ctx, edge)
	require.NoError(t, err)
	assert.False(t, created)

	edges, err := store.Friends.ListEdges(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, edges, 1)

	a := model.Applicant{OwnerID: "u1", PeerID: "p2", PeerDomain: "b.example", Direction: model.RequestIncoming}
	added, err := store.Friends.AddApplicant(ctx, a)
	require.NoError(t, err)
	assert.True(t, added)
	added, err = store.Friends.AddApplicant(ctx, a)
	require.NoError(t, err)
	assert.False(t, added)

	found, err := store.Friends.FindApplicant(ctx, "u1", "p2", "b.example")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, model.RequestIncoming, found.Direction)

	require.NoError(t, store.Friends.RemoveApplicant(ctx, "u1", "p2", "b.example"))
	pending, err := store.Friends.ListApplicants(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestUsers(t *testing.T) {
	ctx := context.Background()
	store := New()

	created, err := store.Users.Ensure(ctx, model.User{ID: "u1", UserName: "alice"})
	require.NoError(t, err)
	assert.True(t, created)

	created, err = store.Users.Ensure(ctx, model.User{ID: "u1", UserName: "other"})
	require.NoError(t, err)
	assert.False(t, created)

	u, err := store.Users.FindByUserName(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, u)

	updated, err := store.Users.UpdateProfile(ctx, "u1", model.ProfileChanges{
		DisplayName: "Alice",
		Changed:     []string{model.ProfileFieldDisplayName},
	})
	require.NoError(t, err)
	assert.Equal(t, "Alice", updated.DisplayName)
	assert.Equal(t, "alice", updated.UserName)
}

func TestServerKeys(t *testing.T) {
	ctx := context.Background()
	store := New()

	kp := model.ServerKeyPair{Domain: "a.example", PrivateKeyPEM: "priv", PublicKeyPEM: "pub", RotatedAt: time.Now()}
	created, err := store.ServerKeys.Create(ctx, kp)
	require.NoError(t, err)
	assert.True(t, created)

	kp.PublicKeyPEM = "other"
	created, err = store.ServerKeys.Create(ctx, kp)
	require.NoError(t, err)
	assert.False(t, created)

	found, err := store.ServerKeys.FindByDomain(ctx, "a.example")
	require.NoError(t, err)
	assert.Equal(t, "pub", found.PublicKeyPEM)

	require.NoError(t, store.ServerKeys.Save(ctx, kp))
	found, err = store.ServerKeys.FindByDomain(ctx, "a.example")
	require.NoError(t, err)
	assert.Equal(t, "other", found.PublicKeyPEM)
}
