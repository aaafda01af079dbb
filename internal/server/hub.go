package server

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/pawpal/pawchat"
	"github.com/pawpal/pawchat/internal/logging"
)

// Hub fans change events out to websocket connections. Connections join
// rooms keyed by topic; the hub holds one feed subscription per room and
// drops it when the room empties.
type Hub struct {
	feed   pawchat.Feed
	logger zerolog.Logger

	mu           sync.RWMutex
	sessions     map[string]*connection            // connection id -> connection
	rooms        map[string]map[string]*connection // topic -> connection id -> connection
	sessionRooms map[string]map[string]struct{}    // connection id -> topics
	feedSubs     map[string]func()                 // topic -> unsubscribe
}

// NewHub creates a hub relaying events from feed.
func NewHub(feed pawchat.Feed) *Hub {
	return &Hub{
		feed:         feed,
		logger:       logging.Component("hub"),
		sessions:     make(map[string]*connection),
		rooms:        make(map[string]map[string]*connection),
		sessionRooms: make(map[string]map[string]struct{}),
		feedSubs:     make(map[string]func()),
	}
}

// Attach registers a connection and starts its writer.
func (h *Hub) Attach(ctx context.Context, conn *connection) {
	h.mu.Lock()
	h.sessions[conn.ID] = conn
	h.sessionRooms[conn.ID] = make(map[string]struct{})
	h.mu.Unlock()

	conn.Start(ctx)
}

// Detach removes a connection from every room.
func (h *Hub) Detach(conn *connection) {
	h.mu.Lock()
	unsubs := h.detachLocked(conn.ID)
	h.mu.Unlock()
	runAll(unsubs)
}

// Join adds the connection to the room of topic, subscribing the feed when
// the room is new.
func (h *Hub) Join(ctx context.Context, topic string, conn *connection) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[conn.ID]; !ok {
		return errConnectionClosed
	}

	room := h.rooms[topic]
	if room == nil {
		unsubscribe, err := h.feed.Subscribe(ctx, topic, func(event pawchat.ChangeEvent) {
			h.broadcast(topic, event)
		})
		if err != nil {
			return err
		}
		h.feedSubs[topic] = unsubscribe
		room = make(map[string]*connection)
		h.rooms[topic] = room
	}
	room[conn.ID] = conn
	h.sessionRooms[conn.ID][topic] = struct{}{}
	return nil
}

// Leave removes the connection from the room of topic.
func (h *Hub) Leave(topic string, conn *connection) {
	h.mu.Lock()
	unsubscribe := h.leaveLocked(topic, conn.ID)
	h.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

// RoomSize returns the number of connections in the room of topic.
func (h *Hub) RoomSize(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[topic])
}

// Close disconnects every connection and drops all feed subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*connection, 0, len(h.sessions))
	for _, conn := range h.sessions {
		conns = append(conns, conn)
	}
	unsubs := make([]func(), 0, len(h.feedSubs))
	for _, unsubscribe := range h.feedSubs {
		unsubs = append(unsubs, unsubscribe)
	}
	h.sessions = make(map[string]*connection)
	h.rooms = make(map[string]map[string]*connection)
	h.sessionRooms = make(map[string]map[string]struct{})
	h.feedSubs = make(map[string]func())
	h.mu.Unlock()

	runAll(unsubs)
	for _, conn := range conns {
		conn.Close(websocket.StatusGoingAway, "server shutdown")
	}
}

func (h *Hub) broadcast(topic string, event pawchat.ChangeEvent) int {
	event.Topic = topic
	payload, err := encodeEvent(pawchat.EventChange, event)
	if err != nil {
		h.logger.Error().Err(err).Str("topic", topic).Msg("encode change event")
		return 0
	}

	h.mu.RLock()
	room := h.rooms[topic]
	conns := make([]*connection, 0, len(room))
	for _, conn := range room {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, conn := range conns {
		if err := conn.Send(payload); err == nil {
			delivered++
		}
	}
	return delivered
}

func (h *Hub) detachLocked(sessionID string) []func() {
	if _, ok := h.sessions[sessionID]; !ok {
		return nil
	}
	delete(h.sessions, sessionID)

	var unsubs []func()
	for topic := range h.sessionRooms[sessionID] {
		if unsubscribe := h.leaveLocked(topic, sessionID); unsubscribe != nil {
			unsubs = append(unsubs, unsubscribe)
		}
	}
	delete(h.sessionRooms, sessionID)
	return unsubs
}

func (h *Hub) leaveLocked(topic, sessionID string) func() {
	room := h.rooms[topic]
	if room == nil {
		return nil
	}
	delete(room, sessionID)
	if memberships, ok := h.sessionRooms[sessionID]; ok {
		delete(memberships, topic)
	}
	if len(room) > 0 {
		return nil
	}
	delete(h.rooms, topic)
	unsubscribe := h.feedSubs[topic]
	delete(h.feedSubs, topic)
	return unsubscribe
}

func runAll(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}

func encodeEvent(eventType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(pawchat.RealtimeEnvelope{Type: eventType, Payload: raw})
}
