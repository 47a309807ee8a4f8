// Package memstore is an in-process implementation of the repository
// contracts for single-instance deployments and tests.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fedchat/chat-server-go/internal/model"
	"github.com/fedchat/chat-server-go/internal/repository"
)

type peerKey struct {
	owner, peer, domain string
}

type identityKey struct {
	id, domain string
}

type readKey struct {
	messageID, userID, domain string
}

type db struct {
	mu sync.RWMutex

	users         map[string]model.User
	rooms         map[string]model.Room
	messages      map[string]model.Message
	roomMessages  map[string][]string
	reads         map[readKey]model.ReadEntry
	seq           int64
	edges         map[peerKey]model.FriendEdge
	applicants    map[peerKey]model.Applicant
	remoteFriends map[identityKey]model.RemoteFriend
	serverKeys    map[string]model.ServerKeyPair

	now func() time.Time
}

// New returns a Store whose repositories share one in-memory database.
func New() *repository.Store {
	d := &db{
		users:         map[string]model.User{},
		rooms:         map[string]model.Room{},
		messages:      map[string]model.Message{},
		roomMessages:  map[string][]string{},
		reads:         map[readKey]model.ReadEntry{},
		edges:         map[peerKey]model.FriendEdge{},
		applicants:    map[peerKey]model.Applicant{},
		remoteFriends: map[identityKey]model.RemoteFriend{},
		serverKeys:    map[string]model.ServerKeyPair{},
		now:           func() time.Time { return time.Now().UTC() },
	}
	return &repository.Store{
		Users:         &userRepo{d},
		Rooms:         &roomRepo{d},
		Messages:      &messageRepo{d},
		Friends:       &friendRepo{d},
		RemoteFriends: &remoteFriendRepo{d},
		ServerKeys:    &serverKeyRepo{d},
	}
}

type userRepo struct{ *db }

func (r *userRepo) FindByID(_ context.Context, id string) (*model.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (r *userRepo) FindByUserName(_ context.Context, userName string) (*model.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, u := range r.users {
		if u.UserName == userName {
			return &u, nil
		}
	}
	return nil, nil
}

func (r *userRepo) Ensure(_ context.Context, user model.User) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[user.ID]; ok {
		return false, nil
	}
	now := r.now()
	user.CreatedAt, user.UpdatedAt = now, now
	r.users[user.ID] = user
	return true, nil
}

func (r *userRepo) UpdateProfile(_ context.Context, id string, changes model.ProfileChanges) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return nil, nil
	}
	changes.ApplyToUser(&u)
	u.UpdatedAt = r.now()
	r.users[id] = u
	return &u, nil
}

type roomRepo struct{ *db }

func (r *roomRepo) FindByID(_ context.Context, id string) (*model.Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.roomLocked(id), nil
}

func (d *db) roomLocked(id string) *model.Room {
	room, ok := d.rooms[id]
	if !ok {
		return nil
	}
	room.Participants = append([]model.Participant(nil), room.Participants...)
	return &room
}

func (r *roomRepo) Create(_ context.Context, params model.CreateRoomParams) (*model.Room, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rooms[params.ID]; ok {
		return r.roomLocked(params.ID), false, nil
	}

	now := r.now()
	room := model.Room{ID: params.ID, Kind: params.Kind, ShowName: params.ShowName, CreatedAt: now}
	for _, p := range params.Participants {
		p.RoomID = params.ID
		p.JoinedAt = now
		if !room.HasMember(p.UserID, p.Domain) {
			room.Participants = append(room.Participants, p)
		}
	}
	r.rooms[params.ID] = room
	return r.roomLocked(params.ID), true, nil
}

func (r *roomRepo) AddParticipant(_ context.Context, p model.Participant) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[p.RoomID]
	if !ok || room.HasMember(p.UserID, p.Domain) {
		return false, nil
	}
	p.JoinedAt = r.now()
	room.Participants = append(room.Participants, p)
	r.rooms[p.RoomID] = room
	return true, nil
}

type messageRepo struct{ *db }

func (r *messageRepo) Create(_ context.Context, params model.CreateMessageParams) (*model.Message, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := params.ID
	if id == "" {
		id = uuid.NewString()
	}
	if _, ok := r.messages[id]; ok {
		return r.messageLocked(id), false, nil
	}

	msg := model.Message{
		ID:           id,
		RoomID:       params.RoomID,
		AuthorID:     params.AuthorID,
		AuthorDomain: params.AuthorDomain,
		Body:         params.Body,
		Kind:         params.Kind,
		Delivery:     params.Delivery,
		CreatedAt:    params.CreatedAt,
	}
	if msg.Kind == "" {
		msg.Kind = model.MessageKindText
	}
	if msg.Delivery == "" {
		msg.Delivery = model.DeliveryLocal
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = r.now()
	}
	r.seq++
	msg.Seq = r.seq

	r.messages[id] = msg
	r.roomMessages[msg.RoomID] = append(r.roomMessages[msg.RoomID], id)
	return r.messageLocked(id), true, nil
}

func (d *db) messageLocked(id string) *model.Message {
	msg, ok := d.messages[id]
	if !ok {
		return nil
	}
	msg.ReadBy = nil
	for k, rd := range d.reads {
		if k.messageID == id {
			msg.ReadBy = append(msg.ReadBy, rd)
		}
	}
	sort.Slice(msg.ReadBy, func(i, j int) bool {
		return msg.ReadBy[i].ReadAt.Before(msg.ReadBy[j].ReadAt)
	})
	return &msg
}

func (r *messageRepo) FindByID(_ context.Context, id string) (*model.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.messageLocked(id), nil
}

func (r *messageRepo) FindByRoomID(_ context.Context, roomID string, beforeSeq int64, limit int) ([]model.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.roomMessages[roomID]
	var out []model.Message
	for i := len(ids) - 1; i >= 0 && len(out) < limit; i-- {
		msg := r.messageLocked(ids[i])
		if beforeSeq > 0 && msg.Seq >= beforeSeq {
			continue
		}
		out = append(out, *msg)
	}
	return out, nil
}

func (r *messageRepo) MarkRead(_ context.Context, roomID string, messageIDs []string, reader model.Identity, at time.Time) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var marked []string
	for _, id := range messageIDs {
		msg, ok := r.messages[id]
		if !ok || msg.RoomID != roomID {
			continue
		}
		k := readKey{messageID: id, userID: reader.UserID, domain: reader.Domain}
		if _, ok := r.reads[k]; ok {
			continue
		}
		r.reads[k] = model.ReadEntry{MessageID: id, UserID: reader.UserID, Domain: reader.Domain, ReadAt: at}
		marked = append(marked, id)
	}
	return marked, nil
}

func (r *messageRepo) UpdateDelivery(_ context.Context, id string, status model.DeliveryStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if msg, ok := r.messages[id]; ok {
		msg.Delivery = status
		r.messages[id] = msg
	}
	return nil
}

type friendRepo struct{ *db }

func (r *friendRepo) FindEdge(_ context.Context, ownerID, peerID, peerDomain string) (*model.FriendEdge, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.edges[peerKey{ownerID, peerID, peerDomain}]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (r *friendRepo) CreateEdge(_ context.Context, edge model.FriendEdge) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := peerKey{edge.OwnerID, edge.PeerID, edge.PeerDomain}
	if _, ok := r.edges[k]; ok {
		return false, nil
	}
	edge.CreatedAt = r.now()
	r.edges[k] = edge
	return true, nil
}

func (r *friendRepo) ListEdges(_ context.Context, ownerID string) ([]model.FriendEdge, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []model.FriendEdge
	for k, e := range r.edges {
		if k.owner == ownerID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *friendRepo) AddApplicant(_ context.Context, a model.Applicant) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := peerKey{a.OwnerID, a.PeerID, a.PeerDomain}
	if _, ok := r.applicants[k]; ok {
		return false, nil
	}
	a.RequestedAt = r.now()
	r.applicants[k] = a
	return true, nil
}

func (r *friendRepo) FindApplicant(_ context.Context, ownerID, peerID, peerDomain string) (*model.Applicant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.applicants[peerKey{ownerID, peerID, peerDomain}]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (r *friendRepo) ListApplicants(_ context.Context, ownerID string) ([]model.Applicant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []model.Applicant
	for k, a := range r.applicants {
		if k.owner == ownerID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out, nil
}

func (r *friendRepo) RemoveApplicant(_ context.Context, ownerID, peerID, peerDomain string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.applicants, peerKey{ownerID, peerID, peerDomain})
	return nil
}

type remoteFriendRepo struct{ *db }

func (r *remoteFriendRepo) Find(_ context.Context, remoteUserID, domain string) (*model.RemoteFriend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.remoteFriends[identityKey{remoteUserID, domain}]
	if !ok {
		return nil, nil
	}
	return &f, nil
}

func (r *remoteFriendRepo) Upsert(_ context.Context, f model.RemoteFriend) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remoteFriends[identityKey{f.RemoteUserID, f.Domain}] = f
	return nil
}

type serverKeyRepo struct{ *db }

func (r *serverKeyRepo) FindByDomain(_ context.Context, domain string) (*model.ServerKeyPair, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kp, ok := r.serverKeys[domain]
	if !ok {
		return nil, nil
	}
	return &kp, nil
}

func (r *serverKeyRepo) Create(_ context.Context, kp model.ServerKeyPair) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.serverKeys[kp.Domain]; ok {
		return false, nil
	}
	r.serverKeys[kp.Domain] = kp
	return true, nil
}

func (r *serverKeyRepo) Save(_ context.Context, kp model.ServerKeyPair) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.serverKeys[kp.Domain] = kp
	return nil
}
