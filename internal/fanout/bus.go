package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/rs/zerolog/log"
)

const shardCount = 32

// Event is one room-scoped notification. Payload is the realtime frame
// forwarded verbatim to every subscribed session.
type Event struct {
	RoomID  string          `json:"roomId"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Sink receives events for one session. Deliver must not block; it reports
// false when the session cannot accept more events.
type Sink interface {
	Deliver(event Event) bool
	Close()
}

// Transport carries published events to every process hosting subscribers.
type Transport interface {
	Publish(ctx context.Context, roomID string, event Event) error
	// Listen registers deliver for roomID before returning and keeps it
	// registered until ctx is cancelled.
	Listen(ctx context.Context, roomID string, deliver func(Event)) error
}

type room struct {
	sinks  map[string]Sink
	cancel context.CancelFunc
}

type shard struct {
	mu    sync.RWMutex
	rooms map[string]*room
}

// Bus fans events out to the sessions subscribed to a room. Subscription
// state is sharded by room so rooms do not contend with each other.
type Bus struct {
	transport Transport
	shards    [shardCount]*shard
	ctx       context.Context
	cancel    context.CancelFunc
}

func NewBus(transport Transport) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{transport: transport, ctx: ctx, cancel: cancel}
	for i := range b.shards {
		b.shards[i] = &shard{rooms: make(map[string]*room)}
	}
	return b
}

func (b *Bus) shardFor(roomID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(roomID))
	return b.shards[h.Sum32()%shardCount]
}

// Subscribe attaches sink to roomID under sessionID, replacing any earlier
// sink of the same session.
func (b *Bus) Subscribe(roomID, sessionID string, sink Sink) error {
	s := b.shardFor(roomID)

	s.mu.Lock()
	r, ok := s.rooms[roomID]
	if !ok {
		ctx, cancel := context.WithCancel(b.ctx)
		r = &room{sinks: make(map[string]Sink), cancel: cancel}
		s.rooms[roomID] = r
		s.mu.Unlock()

		if err := b.transport.Listen(ctx, roomID, func(e Event) { b.broadcast(roomID, e) }); err != nil {
			cancel()
			s.mu.Lock()
			if s.rooms[roomID] == r {
				delete(s.rooms, roomID)
			}
			s.mu.Unlock()
			return fmt.Errorf("listen on room %s: %w", roomID, err)
		}

		s.mu.Lock()
		if s.rooms[roomID] != r {
			// Torn down while the transport was registering.
			s.mu.Unlock()
			cancel()
			return b.Subscribe(roomID, sessionID, sink)
		}
	}
	r.sinks[sessionID] = sink
	count := len(r.sinks)
	s.mu.Unlock()

	log.Debug().
		Str("roomId", roomID).
		Str("sessionId", sessionID).
		Int("subscriberCount", count).
		Msg("fanout subscribed")
	return nil
}

// Unsubscribe detaches sessionID from roomID. The transport listener of a
// room stops with its last subscriber.
func (b *Bus) Unsubscribe(roomID, sessionID string) {
	s := b.shardFor(roomID)

	s.mu.Lock()
	r, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return
	}
	if _, ok := r.sinks[sessionID]; !ok {
		s.mu.Unlock()
		return
	}
	delete(r.sinks, sessionID)
	remaining := len(r.sinks)
	if remaining == 0 {
		delete(s.rooms, roomID)
		r.cancel()
	}
	s.mu.Unlock()

	log.Debug().
		Str("roomId", roomID).
		Str("sessionId", sessionID).
		Int("subscriberCount", remaining).
		Msg("fanout unsubscribed")
}

// Publish hands event to the transport once; every subscriber in every
// process receives it from there.
func (b *Bus) Publish(ctx context.Context, roomID string, event Event) error {
	event.RoomID = roomID
	if err := b.transport.Publish(ctx, roomID, event); err != nil {
		return fmt.Errorf("publish to room %s: %w", roomID, err)
	}
	return nil
}

func (b *Bus) broadcast(roomID string, event Event) {
	s := b.shardFor(roomID)

	var overflowed map[string]Sink
	s.mu.RLock()
	if r, ok := s.rooms[roomID]; ok {
		for sessionID, sink := range r.sinks {
			if !sink.Deliver(event) {
				if overflowed == nil {
					overflowed = make(map[string]Sink)
				}
				overflowed[sessionID] = sink
			}
		}
	}
	s.mu.RUnlock()

	for sessionID, sink := range overflowed {
		log.Warn().
			Str("roomId", roomID).
			Str("sessionId", sessionID).
			Msg("subscriber queue full, disconnecting")
		b.Unsubscribe(roomID, sessionID)
		sink.Close()
	}
}

func (b *Bus) SubscriberCount(roomID string) int {
	s := b.shardFor(roomID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.rooms[roomID]; ok {
		return len(r.sinks)
	}
	return 0
}

func (b *Bus) TotalSubscribers() int {
	total := 0
	for _, s := range b.shards {
		s.mu.RLock()
		for _, r := range s.rooms {
			total += len(r.sinks)
		}
		s.mu.RUnlock()
	}
	return total
}

// Close stops every transport listener and closes all sinks.
func (b *Bus) Close() {
	b.cancel()
	for _, s := range b.shards {
		s.mu.Lock()
		rooms := s.rooms
		s.rooms = make(map[string]*room)
		s.mu.Unlock()

		for _, r := range rooms {
			for _, sink := range r.sinks {
				sink.Close()
			}
		}
	}
}
