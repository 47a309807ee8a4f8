package session

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	apperrors "github.com/fedchat/chat-server-go/internal/errors"
	"github.com/fedchat/chat-server-go/internal/model"
	"github.com/fedchat/chat-server-go/internal/repository"
)

const shardCount = 16

type JoinState string

const (
	Unjoined   JoinState = "unjoined"
	Validating JoinState = "validating"
	Joined     JoinState = "joined"
	Rejected   JoinState = "rejected"
)

// Conn is the live connection behind a session.
type Conn interface {
	Close()
}

// Session is a snapshot; the registry owns the live record.
type Session struct {
	ID             string
	UserID         string
	Conn           Conn
	RoomID         string
	RoomKind       model.RoomKind
	State          JoinState
	LastActivityAt time.Time
}

// RemovalListener observes sessions leaving the registry, whether by Leave
// or by Sweep. It runs outside registry locks.
type RemovalListener func(s Session)

// Validator runs between the local membership check and attachment.
type Validator func(ctx context.Context, room *model.Room) error

type JoinResult struct {
	Room           *model.Room
	PreviousRoomID string
}

type shard struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

type Registry struct {
	domain string
	rooms  repository.RoomRepository
	now    func() time.Time
	shards [shardCount]*shard

	listenersMu sync.RWMutex
	listeners   []RemovalListener
}

func NewRegistry(domain string, rooms repository.RoomRepository, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	r := &Registry{domain: domain, rooms: rooms, now: now}
	for i := range r.shards {
		r.shards[i] = &shard{sessions: make(map[string]*Session)}
	}
	return r
}

func (r *Registry) shardFor(sessionID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(sessionID))
	return r.shards[h.Sum32()%shardCount]
}

func (r *Registry) OnRemove(l RemovalListener) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.listeners = append(r.listeners, l)
}

// Admit registers an authenticated connection.
func (r *Registry) Admit(conn Conn, userID string) (string, error) {
	if userID == "" {
		return "", apperrors.AuthRequired()
	}
	s := &Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		Conn:           conn,
		State:          Unjoined,
		LastActivityAt: r.now(),
	}

	sh := r.shardFor(s.ID)
	sh.mu.Lock()
	sh.sessions[s.ID] = s
	sh.mu.Unlock()

	log.Debug().Str("sessionId", s.ID).Str("userId", userID).Msg("session admitted")
	return s.ID, nil
}

func (r *Registry) Get(sessionID string) (Session, bool) {
	sh := r.shardFor(sessionID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	s, ok := sh.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Join detaches the session from its current room, checks membership of
// roomID, runs validate, and attaches. Nothing is attached unless every
// check passes.
func (r *Registry) Join(ctx context.Context, sessionID, roomID string, validate Validator) (*JoinResult, error) {
	previous, userID, err := r.begin(sessionID)
	if err != nil {
		return nil, err
	}
	result := &JoinResult{PreviousRoomID: previous}

	room, err := r.Authorize(ctx, userID, roomID)
	if err == nil && validate != nil {
		err = validate(ctx, room)
	}
	if err != nil {
		r.setState(sessionID, Rejected)
		return result, err
	}

	if err := r.attach(sessionID, room); err != nil {
		return result, err
	}
	result.Room = room
	return result, nil
}

// Authorize reports the room if userID of this server participates in it.
func (r *Registry) Authorize(ctx context.Context, userID, roomID string) (*model.Room, error) {
	room, err := r.rooms.FindByID(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("find room: %w", err)
	}
	if room == nil {
		return nil, apperrors.RoomNotFound(roomID)
	}
	if !room.HasMember(userID, r.domain) {
		return nil, apperrors.NotAMember(roomID)
	}
	return room, nil
}

func (r *Registry) begin(sessionID string) (previous, userID string, err error) {
	sh := r.shardFor(sessionID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	s, ok := sh.sessions[sessionID]
	if !ok {
		return "", "", apperrors.AuthRequired()
	}
	previous = s.RoomID
	s.RoomID = ""
	s.RoomKind = ""
	s.State = Validating
	s.LastActivityAt = r.now()
	return previous, s.UserID, nil
}

func (r *Registry) attach(sessionID string, room *model.Room) error {
	sh := r.shardFor(sessionID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	s, ok := sh.sessions[sessionID]
	if !ok {
		return apperrors.AuthRequired()
	}
	s.RoomID = room.ID
	s.RoomKind = room.Kind
	s.State = Joined
	return nil
}

func (r *Registry) setState(sessionID string, state JoinState) {
	sh := r.shardFor(sessionID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if s, ok := sh.sessions[sessionID]; ok {
		s.State = state
	}
}

// Touch refreshes the idle timer. It reports false for unknown sessions.
func (r *Registry) Touch(sessionID string) bool {
	sh := r.shardFor(sessionID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	s, ok := sh.sessions[sessionID]
	if ok {
		s.LastActivityAt = r.now()
	}
	return ok
}

// Leave removes the session. The caller owns the connection.
func (r *Registry) Leave(sessionID string) bool {
	sh := r.shardFor(sessionID)
	sh.mu.Lock()
	s, ok := sh.sessions[sessionID]
	if ok {
		delete(sh.sessions, sessionID)
	}
	sh.mu.Unlock()

	if !ok {
		return false
	}
	log.Debug().Str("sessionId", sessionID).Str("userId", s.UserID).Msg("session left")
	r.notify(*s)
	return true
}

// Sweep removes sessions idle for longer than maxIdle and closes their
// connections. Safe to race with Leave: each session is removed once.
func (r *Registry) Sweep(maxIdle time.Duration) int {
	cutoff := r.now().Add(-maxIdle)

	var removed []Session
	for _, sh := range r.shards {
		sh.mu.Lock()
		for id, s := range sh.sessions {
			if s.LastActivityAt.Before(cutoff) {
				removed = append(removed, *s)
				delete(sh.sessions, id)
			}
		}
		sh.mu.Unlock()
	}

	for _, s := range removed {
		if s.Conn != nil {
			s.Conn.Close()
		}
		r.notify(s)
	}

	if len(removed) > 0 {
		log.Info().Int("removed", len(removed)).Dur("maxIdle", maxIdle).Msg("idle sessions swept")
	}
	return len(removed)
}

func (r *Registry) notify(s Session) {
	r.listenersMu.RLock()
	listeners := append([]RemovalListener(nil), r.listeners...)
	r.listenersMu.RUnlock()

	for _, l := range listeners {
		l(s)
	}
}

func (r *Registry) Count() int {
	total := 0
	for _, sh := range r.shards {
		sh.mu.Lock()
		total += len(sh.sessions)
		sh.mu.Unlock()
	}
	return total
}
