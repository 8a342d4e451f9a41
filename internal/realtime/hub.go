package realtime

import (
	"log"
	"sync"
	"time"

	"github.com/loopchat/server/internal/metrics"
	"github.com/loopchat/server/internal/protocol"
)

// Event is an immutable outbound event: a type discriminator plus its data
// payload. Addressing (direct user or room broadcast) is chosen by the
// dispatch method, not stored on the event. Events are constructed and
// consumed within a single dispatch call and never persisted.
type Event struct {
	Type string
	Data interface{}
}

// EventPublisher is the interface the REST layer and collaborators use to
// push state changes into connected clients. Delivery is best-effort,
// at-most-once: no retry, no queue, and users without a live connection are
// silently skipped — the persistence layer remains the source of truth for
// anything a client must be able to re-fetch.
type EventPublisher interface {
	SendToUser(userID string, ev Event)
	BroadcastToRoom(roomID string, ev Event, excludeUserID string)
}

// Hub composes the session registry, room membership index, and typing
// tracker, and dispatches events to live connections. It is constructed once
// at startup and passed to the components that need it; there is no package
// singleton.
type Hub struct {
	registry *Registry
	rooms    *Rooms
	typing   *TypingTracker
}

// NewHub creates a hub with empty state. The typing tracker's expiry
// callback broadcasts the synthetic stopped-typing event for swept entries;
// start it with Hub.Typing().Run.
func NewHub(typingCfg TypingConfig) *Hub {
	h := &Hub{
		registry: NewRegistry(),
		rooms:    NewRooms(),
	}
	h.typing = NewTypingTracker(typingCfg, h.expireTyping)
	return h
}

// Registry returns the session registry.
func (h *Hub) Registry() *Registry { return h.registry }

// Rooms returns the room membership index.
func (h *Hub) Rooms() *Rooms { return h.rooms }

// Typing returns the typing tracker.
func (h *Hub) Typing() *TypingTracker { return h.typing }

// Connect registers a new connection for the user and, when the user just
// came online, broadcasts the presence transition to room peers.
func (h *Hub) Connect(userID string, sink Sink) *Conn {
	conn, becameOnline := h.registry.Register(userID, sink)
	metrics.Connections.Inc()
	if becameOnline {
		metrics.OnlineUsers.Inc()
		h.broadcastUserStatus(userID, true, time.Time{})
	}
	return conn
}

// Disconnect removes the connection. When it was the user's last one, the
// user's typing entries are dropped silently (the offline presence event
// already tells peers the user is gone) and the offline transition is
// broadcast with the recorded last-seen timestamp. Idempotent: a connection
// already removed is a no-op. Room membership is deliberately left intact —
// it tracks interest, not liveness.
func (h *Hub) Disconnect(userID, connID string) {
	removed, becameOffline, lastSeen := h.registry.Unregister(userID, connID)
	if !removed {
		return
	}
	metrics.Connections.Dec()
	if !becameOffline {
		return
	}
	metrics.OnlineUsers.Dec()
	h.typing.ClearUser(userID)
	h.broadcastUserStatus(userID, false, lastSeen)
}

// SendToUser serializes the event once and writes it to every connection the
// user has open. A write failure on one connection unregisters that
// connection only; it never aborts delivery to the user's other connections
// and never propagates to the caller.
func (h *Hub) SendToUser(userID string, ev Event) {
	conns := h.registry.ConnectionsFor(userID)
	if len(conns) == 0 {
		return
	}

	data, err := protocol.NewServerMessage(ev.Type, ev.Data)
	if err != nil {
		log.Printf("realtime: build %q event for user=%s: %v", ev.Type, userID, err)
		return
	}

	metrics.EventsDispatched.WithLabelValues(ev.Type).Inc()
	for _, conn := range conns {
		if err := conn.Send(data); err != nil {
			log.Printf("realtime: send %q to user=%s conn=%s failed: %v",
				ev.Type, userID, conn.ID, err)
			metrics.DeliveryFailures.Inc()
			h.dropConn(conn)
		}
	}
}

// BroadcastToRoom fans the event out to every member of the room, minus the
// excluded user, one goroutine per member so a slow or dead member never
// serializes delivery to the rest. Zero members is a no-op.
func (h *Hub) BroadcastToRoom(roomID string, ev Event, excludeUserID string) {
	members := h.rooms.MembersOf(roomID)
	if len(members) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, userID := range members {
		if userID == excludeUserID {
			continue
		}
		wg.Add(1)
		go func(uid string) {
			defer wg.Done()
			h.SendToUser(uid, ev)
		}(userID)
	}
	wg.Wait()
}

// SetTyping records the typing transition and broadcasts it to the room,
// excluding the typist. Both the start and the explicit stop broadcast
// immediately; TTL expiry broadcasts through the tracker's sweep instead.
func (h *Hub) SetTyping(roomID, userID string, isTyping bool) {
	h.typing.Set(roomID, userID, isTyping)
	h.BroadcastToRoom(roomID, Event{
		Type: protocol.TypeTypingIndicator,
		Data: protocol.TypingIndicatorEvent{
			ChatID:   roomID,
			UserID:   userID,
			IsTyping: isTyping,
		},
	}, userID)
}

// expireTyping is the sweep callback: the entry is already gone, so only the
// synthetic stopped-typing broadcast remains.
func (h *Hub) expireTyping(roomID, userID string) {
	metrics.TypingEntriesSwept.Inc()
	h.BroadcastToRoom(roomID, Event{
		Type: protocol.TypeTypingIndicator,
		Data: protocol.TypingIndicatorEvent{
			ChatID:   roomID,
			UserID:   userID,
			IsTyping: false,
		},
	}, userID)
}

// broadcastUserStatus delivers the presence transition to every user sharing
// at least one room with the subject, deduplicated by recipient so a peer in
// five shared rooms receives one event, not five.
func (h *Hub) broadcastUserStatus(userID string, isOnline bool, lastSeen time.Time) {
	status := protocol.UserStatusData{
		UserID:   userID,
		IsOnline: isOnline,
	}
	if !lastSeen.IsZero() {
		status.LastSeen = lastSeen.UTC().Format(time.RFC3339)
	}
	ev := Event{Type: protocol.TypeUserStatus, Data: status}

	affected := make(map[string]struct{})
	for _, roomID := range h.rooms.RoomsContaining(userID) {
		for _, member := range h.rooms.MembersOf(roomID) {
			if member != userID {
				affected[member] = struct{}{}
			}
		}
	}

	var wg sync.WaitGroup
	for peer := range affected {
		wg.Add(1)
		go func(uid string) {
			defer wg.Done()
			h.SendToUser(uid, ev)
		}(peer)
	}
	wg.Wait()
}

// dropConn closes and unregisters a connection whose write failed, running
// the same presence bookkeeping as a normal disconnect.
func (h *Hub) dropConn(conn *Conn) {
	_ = conn.Close()
	h.Disconnect(conn.UserID, conn.ID)
}
