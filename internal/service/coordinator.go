package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/fedchat/chat-server-go/internal/audit"
	apperrors "github.com/fedchat/chat-server-go/internal/errors"
	"github.com/fedchat/chat-server-go/internal/fanout"
	"github.com/fedchat/chat-server-go/internal/federation"
	"github.com/fedchat/chat-server-go/internal/model"
	"github.com/fedchat/chat-server-go/internal/repository"
	"github.com/fedchat/chat-server-go/internal/session"
	"github.com/fedchat/chat-server-go/internal/util"
)

const (
	maxMessageBody   = 16 << 10
	maxReadBatch     = 500
	maxRelayParallel = 8
)

// Coordinator runs the join, send and read use cases on top of the session
// registry, the fanout bus, the store and the federation client.
type Coordinator struct {
	domain       string
	store        *repository.Store
	registry     *session.Registry
	bus          *fanout.Bus
	federation   Federation
	relayTimeout time.Duration
	now          func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	relays sync.WaitGroup
}

func NewCoordinator(
	domain string,
	store *repository.Store,
	registry *session.Registry,
	bus *fanout.Bus,
	fed Federation,
	relayTimeout time.Duration,
) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		domain:       domain,
		store:        store,
		registry:     registry,
		bus:          bus,
		federation:   fed,
		relayTimeout: relayTimeout,
		now:          func() time.Time { return time.Now().UTC() },
		ctx:          ctx,
		cancel:       cancel,
	}
	registry.OnRemove(c.sessionRemoved)
	return c
}

func (c *Coordinator) sessionRemoved(s session.Session) {
	if s.RoomID != "" {
		c.bus.Unsubscribe(s.RoomID, s.ID)
	}
}

func (c *Coordinator) Admit(conn session.Conn, userID string) (string, error) {
	return c.registry.Admit(conn, userID)
}

func (c *Coordinator) Disconnect(sessionID string) {
	c.registry.Leave(sessionID)
}

func (c *Coordinator) Touch(sessionID string) bool {
	return c.registry.Touch(sessionID)
}

// JoinRoom validates membership and only then subscribes sink to the room.
// Rooms with remote participants are also confirmed with their servers.
func (c *Coordinator) JoinRoom(ctx context.Context, sessionID, roomID string, sink fanout.Sink) (*model.Room, error) {
	res, err := c.registry.Join(ctx, sessionID, roomID, c.validateRemote)
	if res != nil && res.PreviousRoomID != "" {
		c.bus.Unsubscribe(res.PreviousRoomID, sessionID)
	}
	if err != nil {
		if apperrors.Is(err, apperrors.ErrCodeNotAMember) {
			s, _ := c.registry.Get(sessionID)
			audit.Log(ctx, audit.Event{
				Type:    audit.EventMembershipDenied,
				UserID:  s.UserID,
				Domain:  c.domain,
				Details: map[string]interface{}{"roomId": roomID},
			})
		}
		return nil, err
	}

	if err := c.bus.Subscribe(roomID, sessionID, sink); err != nil {
		return nil, apperrors.Internal("Failed to subscribe to room").WithCause(err)
	}
	// A sweep may have removed the session between attach and subscribe.
	if s, ok := c.registry.Get(sessionID); !ok || s.RoomID != roomID {
		c.bus.Unsubscribe(roomID, sessionID)
		return nil, apperrors.AuthRequired()
	}

	log.Info().
		Str("sessionId", sessionID).
		Str("roomId", roomID).
		Str("roomKind", string(res.Room.Kind)).
		Msg("session joined room")
	return res.Room, nil
}

func (c *Coordinator) validateRemote(ctx context.Context, room *model.Room) error {
	remote := room.RemoteParticipants()
	if len(remote) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxRelayParallel)
	for _, p := range remote {
		p := p
		g.Go(func() error {
			profile, err := c.federation.FetchProfile(gctx, p.Domain, p.UserID)
			if err != nil {
				if apperrors.Is(err, apperrors.ErrCodeRemoteRejected) || apperrors.Is(err, apperrors.ErrCodeRemoteUnavailable) {
					return err
				}
				return apperrors.RemoteUnavailable(p.Domain, err)
			}
			if err := cacheProfile(gctx, c.store.RemoteFriends, p.Domain, profile, c.now()); err != nil {
				log.Warn().Err(err).Str("domain", p.Domain).Msg("failed to cache remote profile")
			}
			return nil
		})
	}
	return g.Wait()
}

func (c *Coordinator) joined(sessionID, roomID string) (session.Session, error) {
	s, ok := c.registry.Get(sessionID)
	if !ok {
		return s, apperrors.AuthRequired()
	}
	if s.State != session.Joined || s.RoomID != roomID {
		return s, apperrors.NotAMember(roomID)
	}
	c.registry.Touch(sessionID)
	return s, nil
}

// SendMessage persists and publishes locally, then relays to remote
// participants in the background. Relay outcome only changes the delivery
// status of the message.
func (c *Coordinator) SendMessage(ctx context.Context, sessionID, roomID, body string) (*model.Message, error) {
	s, err := c.joined(sessionID, roomID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(body) == "" {
		return nil, apperrors.InvalidInput("body", "must not be empty")
	}
	if len(body) > maxMessageBody {
		return nil, apperrors.InvalidInput("body", "too long")
	}

	room, err := c.store.Rooms.FindByID(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("find room: %w", err)
	}
	if room == nil {
		return nil, apperrors.RoomNotFound(roomID)
	}
	remoteDomains := room.RemoteDomains()

	delivery := model.DeliveryLocal
	if len(remoteDomains) > 0 {
		delivery = model.DeliveryPending
	}
	msg, _, err := c.store.Messages.Create(ctx, model.CreateMessageParams{
		RoomID:       roomID,
		AuthorID:     s.UserID,
		AuthorDomain: c.domain,
		Body:         body,
		Kind:         model.MessageKindText,
		Delivery:     delivery,
		CreatedAt:    c.now(),
	})
	if err != nil {
		return nil, apperrors.Database(err)
	}

	log.Info().
		Str("messageId", msg.ID).
		Str("roomId", roomID).
		Str("authorId", s.UserID).
		Int("remoteDomains", len(remoteDomains)).
		Msg("message created")

	publishErr := c.bus.Publish(ctx, roomID, messageEvent(msg))
	if publishErr != nil {
		log.Error().Err(publishErr).Str("messageId", msg.ID).Msg("failed to publish message")
	}

	if len(remoteDomains) > 0 {
		c.relays.Add(1)
		go func() {
			defer c.relays.Done()
			c.relayMessage(msg, remoteDomains)
		}()
	}

	if publishErr != nil {
		return msg, apperrors.Internal("Message stored but not delivered").WithCause(publishErr)
	}
	return msg, nil
}

func (c *Coordinator) relayMessage(msg *model.Message, domains []string) {
	ctx, cancel := context.WithTimeout(c.ctx, c.relayTimeout)
	defer cancel()

	payload := federation.RelayedMessage{
		MessageID: msg.ID,
		RoomID:    msg.RoomID,
		Author:    model.Identity{UserID: msg.AuthorID, Domain: msg.AuthorDomain},
		Body:      msg.Body,
		Kind:      msg.Kind,
		CreatedAt: msg.CreatedAt,
	}
	errs := c.relayAll(ctx, domains, func(ctx context.Context, domain string) error {
		return c.federation.RelayMessage(ctx, domain, payload)
	})

	status := model.DeliveryDelivered
	for domain, err := range errs {
		log.Warn().
			Err(err).
			Str("messageId", msg.ID).
			Str("domain", domain).
			Msg("message relay failed")
		if apperrors.Is(err, apperrors.ErrCodeRemoteRejected) {
			status = model.DeliveryRemoteRejected
		} else if status != model.DeliveryRemoteRejected {
			status = model.DeliveryRemoteUnavailable
		}
	}

	// The relay context may be spent; the status write gets its own budget.
	writeCtx, writeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer writeCancel()
	if err := c.store.Messages.UpdateDelivery(writeCtx, msg.ID, status); err != nil {
		log.Error().Err(err).Str("messageId", msg.ID).Msg("failed to update delivery status")
		return
	}
	if err := c.bus.Publish(writeCtx, msg.RoomID, statusEvent(msg.ID, status)); err != nil {
		log.Error().Err(err).Str("messageId", msg.ID).Msg("failed to publish delivery status")
	}

	log.Info().
		Str("messageId", msg.ID).
		Str("status", string(status)).
		Msg("message relay finished")
}

// relayAll calls fn once per domain, in parallel, and returns the failures.
func (c *Coordinator) relayAll(ctx context.Context, domains []string, fn func(context.Context, string) error) map[string]error {
	var (
		mu   sync.Mutex
		errs = make(map[string]error)
		g    errgroup.Group
	)
	g.SetLimit(maxRelayParallel)
	for _, domain := range domains {
		domain := domain
		g.Go(func() error {
			if err := fn(ctx, domain); err != nil {
				mu.Lock()
				errs[domain] = err
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return errs
}

// MarkRead records reads by the session's user. Ids already read are
// ignored; nothing is published when no id is new.
func (c *Coordinator) MarkRead(ctx context.Context, sessionID, roomID string, messageIDs []string) ([]string, error) {
	s, err := c.joined(sessionID, roomID)
	if err != nil {
		return nil, err
	}
	if len(messageIDs) == 0 {
		return nil, apperrors.MissingRequired("messageIds")
	}
	if len(messageIDs) > maxReadBatch {
		return nil, apperrors.InvalidInput("messageIds", "too many")
	}

	reader := model.Identity{UserID: s.UserID, Domain: c.domain}
	at := c.now()
	marked, err := c.store.Messages.MarkRead(ctx, roomID, messageIDs, reader, at)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if len(marked) == 0 {
		return nil, nil
	}

	if err := c.bus.Publish(ctx, roomID, readEvent(roomID, marked, reader)); err != nil {
		log.Error().Err(err).Str("roomId", roomID).Msg("failed to publish read receipt")
	}

	// The reads are stored and published; a failed lookup only skips the relay.
	room, err := c.store.Rooms.FindByID(ctx, roomID)
	if err != nil {
		log.Error().Err(err).Str("roomId", roomID).Msg("failed to load room for read receipt relay")
		return marked, nil
	}
	if room == nil {
		return marked, nil
	}
	if domains := room.RemoteDomains(); len(domains) > 0 {
		read := federation.RelayedRead{RoomID: roomID, Reader: reader, MessageIDs: marked, ReadAt: at}
		c.relays.Add(1)
		go func() {
			defer c.relays.Done()
			ctx, cancel := context.WithTimeout(c.ctx, c.relayTimeout)
			defer cancel()
			errs := c.relayAll(ctx, domains, func(ctx context.Context, domain string) error {
				return c.federation.RelayReadReceipt(ctx, domain, read)
			})
			for domain, err := range errs {
				log.Warn().Err(err).Str("roomId", roomID).Str("domain", domain).Msg("read receipt relay failed")
			}
		}()
	}
	return marked, nil
}

// DeliveryStatus reports relay progress of a message to a member of its room.
func (c *Coordinator) DeliveryStatus(ctx context.Context, userID, messageID string) (model.DeliveryStatus, error) {
	msg, err := c.store.Messages.FindByID(ctx, messageID)
	if err != nil {
		return "", apperrors.Database(err)
	}
	if msg == nil {
		return "", apperrors.NotFound("Message")
	}
	if _, err := c.registry.Authorize(ctx, userID, msg.RoomID); err != nil {
		return "", err
	}
	return msg.Delivery, nil
}

// History pages backwards through a room the user participates in.
func (c *Coordinator) History(ctx context.Context, userID, roomID string, beforeSeq int64, limit int) ([]model.Message, error) {
	if _, err := c.registry.Authorize(ctx, userID, roomID); err != nil {
		return nil, err
	}
	msgs, err := c.store.Messages.FindByRoomID(ctx, roomID, beforeSeq, limit)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	return msgs, nil
}

// ReceiveMessage stores a message relayed by the author's server. Replays of
// a known message id are acknowledged without a second publish.
func (c *Coordinator) ReceiveMessage(ctx context.Context, in federation.RelayedMessage) error {
	if !util.IsValidUUID(in.MessageID) {
		return apperrors.InvalidInput("messageId", "must be a uuid")
	}
	if strings.TrimSpace(in.Body) == "" || len(in.Body) > maxMessageBody {
		return apperrors.InvalidInput("body", "empty or too long")
	}
	if in.Kind == "" {
		in.Kind = model.MessageKindText
	}
	room, err := c.remoteMemberRoom(ctx, in.RoomID, in.Author)
	if err != nil {
		return err
	}

	msg, created, err := c.store.Messages.Create(ctx, model.CreateMessageParams{
		ID:           in.MessageID,
		RoomID:       room.ID,
		AuthorID:     in.Author.UserID,
		AuthorDomain: in.Author.Domain,
		Body:         in.Body,
		Kind:         in.Kind,
		Delivery:     model.DeliveryDelivered,
		CreatedAt:    in.CreatedAt,
	})
	if err != nil {
		return apperrors.Database(err)
	}
	if !created {
		log.Debug().Str("messageId", msg.ID).Msg("relayed message already stored")
		return nil
	}

	log.Info().
		Str("messageId", msg.ID).
		Str("roomId", room.ID).
		Str("authorDomain", in.Author.Domain).
		Msg("relayed message received")
	if err := c.bus.Publish(ctx, room.ID, messageEvent(msg)); err != nil {
		log.Error().Err(err).Str("messageId", msg.ID).Msg("failed to publish relayed message")
	}
	return nil
}

func (c *Coordinator) ReceiveReadReceipt(ctx context.Context, in federation.RelayedRead) (*federation.ReadResult, error) {
	if len(in.MessageIDs) == 0 || len(in.MessageIDs) > maxReadBatch {
		return nil, apperrors.InvalidInput("messageIds", "between 1 and 500 ids required")
	}
	room, err := c.remoteMemberRoom(ctx, in.RoomID, in.Reader)
	if err != nil {
		return nil, err
	}

	at := in.ReadAt
	if at.IsZero() {
		at = c.now()
	}
	marked, err := c.store.Messages.MarkRead(ctx, room.ID, in.MessageIDs, in.Reader, at)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if len(marked) > 0 {
		if err := c.bus.Publish(ctx, room.ID, readEvent(room.ID, marked, in.Reader)); err != nil {
			log.Error().Err(err).Str("roomId", room.ID).Msg("failed to publish relayed read receipt")
		}
	}
	return &federation.ReadResult{Marked: marked}, nil
}

func (c *Coordinator) remoteMemberRoom(ctx context.Context, roomID string, actor model.Identity) (*model.Room, error) {
	room, err := c.store.Rooms.FindByID(ctx, roomID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if room == nil {
		return nil, apperrors.RoomNotFound(roomID)
	}
	if !room.HasMember(actor.UserID, actor.Domain) {
		return nil, apperrors.NotAMember(roomID)
	}
	return room, nil
}

// WaitRelays blocks until background relays have finished.
func (c *Coordinator) WaitRelays() {
	c.relays.Wait()
}

// Close cancels outstanding relays and waits for them.
func (c *Coordinator) Close() {
	c.cancel()
	c.relays.Wait()
}
