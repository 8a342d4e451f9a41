package realtime

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/loopchat/server/internal/protocol"
)

// fakeSink records every frame written to it and can be made to fail.
type fakeSink struct {
	mu     sync.Mutex
	frames [][]byte
	fail   bool
	closed bool
}

func (s *fakeSink) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("sink write failed")
	}
	s.frames = append(s.frames, data)
	return nil
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSink) received() []protocol.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.Envelope, 0, len(s.frames))
	for _, raw := range s.frames {
		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			continue
		}
		out = append(out, env)
	}
	return out
}

// countType counts the sink's received frames of one type.
func (s *fakeSink) countType(msgType string) int {
	n := 0
	for _, env := range s.received() {
		if env.Type == msgType {
			n++
		}
	}
	return n
}

// ---------------------------------------------------------------------------
// Test: room broadcast reaches every member connection except the excluded
// user
// ---------------------------------------------------------------------------

func TestHub_BroadcastToRoomExcludesSender(t *testing.T) {
	hub := NewHub(DefaultTypingConfig())

	alice := &fakeSink{}
	bobPhone := &fakeSink{}
	bobLaptop := &fakeSink{}

	hub.Connect("alice", alice)
	hub.Connect("bob", bobPhone)
	hub.Connect("bob", bobLaptop)

	hub.Rooms().Join("general", "alice")
	hub.Rooms().Join("general", "bob")

	hub.BroadcastToRoom("general", Event{
		Type: protocol.TypeNewMessage,
		Data: protocol.MessagePayload{ID: "m1", ChatID: "general", SenderID: "alice"},
	}, "alice")

	if got := alice.countType(protocol.TypeNewMessage); got != 0 {
		t.Fatalf("expected excluded sender to receive 0 frames, got %d", got)
	}
	if got := bobPhone.countType(protocol.TypeNewMessage); got != 1 {
		t.Fatalf("expected bob's phone to receive exactly 1 frame, got %d", got)
	}
	if got := bobLaptop.countType(protocol.TypeNewMessage); got != 1 {
		t.Fatalf("expected bob's laptop to receive exactly 1 frame, got %d", got)
	}
}

// ---------------------------------------------------------------------------
// Test: a failing connection is dropped without affecting the user's other
// connections
// ---------------------------------------------------------------------------

func TestHub_FailedSinkIsolated(t *testing.T) {
	hub := NewHub(DefaultTypingConfig())

	good := &fakeSink{}
	bad := &fakeSink{fail: true}

	hub.Connect("carol", good)
	hub.Connect("carol", bad)

	hub.SendToUser("carol", Event{
		Type: protocol.TypePong,
		Data: protocol.PongData{Timestamp: 42},
	})

	if got := good.countType(protocol.TypePong); got != 1 {
		t.Fatalf("expected healthy connection to receive the event, got %d frames", got)
	}
	if !bad.closed {
		t.Fatal("expected failing connection to be closed")
	}
	if got := hub.Registry().ConnCount(); got != 1 {
		t.Fatalf("expected 1 live connection after drop, got %d", got)
	}
	if !hub.Registry().IsOnline("carol") {
		t.Fatal("expected carol to stay online through the healthy connection")
	}
}

// ---------------------------------------------------------------------------
// Test: an offline transition sends one user_status per peer, even across
// multiple shared rooms
// ---------------------------------------------------------------------------

func TestHub_OfflineStatusDeduplicated(t *testing.T) {
	hub := NewHub(DefaultTypingConfig())

	alice := &fakeSink{}
	bob := &fakeSink{}

	conn := hub.Connect("alice", alice)
	hub.Connect("bob", bob)

	// Two shared rooms: bob must still get exactly one offline event.
	hub.Rooms().Join("general", "alice")
	hub.Rooms().Join("general", "bob")
	hub.Rooms().Join("random", "alice")
	hub.Rooms().Join("random", "bob")

	hub.Disconnect("alice", conn.ID)

	if got := bob.countType(protocol.TypeUserStatus); got != 1 {
		t.Fatalf("expected exactly 1 user_status for bob, got %d", got)
	}

	var status protocol.UserStatusData
	for _, env := range bob.received() {
		if env.Type == protocol.TypeUserStatus {
			if err := json.Unmarshal(env.Data, &status); err != nil {
				t.Fatalf("decode user_status: %v", err)
			}
		}
	}
	if status.UserID != "alice" || status.IsOnline {
		t.Fatalf("expected offline status for alice, got %+v", status)
	}
	if status.LastSeen == "" {
		t.Fatal("expected a last_seen timestamp on the offline event")
	}
}

// ---------------------------------------------------------------------------
// Test: disconnect of a non-last connection broadcasts nothing
// ---------------------------------------------------------------------------

func TestHub_PartialDisconnectSilent(t *testing.T) {
	hub := NewHub(DefaultTypingConfig())

	phone := &fakeSink{}
	laptop := &fakeSink{}
	bob := &fakeSink{}

	phoneConn := hub.Connect("alice", phone)
	hub.Connect("alice", laptop)
	hub.Connect("bob", bob)

	hub.Rooms().Join("general", "alice")
	hub.Rooms().Join("general", "bob")
	bobBaseline := bob.countType(protocol.TypeUserStatus)

	hub.Disconnect("alice", phoneConn.ID)

	if got := bob.countType(protocol.TypeUserStatus); got != bobBaseline {
		t.Fatalf("expected no presence event while alice still has a connection, got %d new", got-bobBaseline)
	}
	if !hub.Registry().IsOnline("alice") {
		t.Fatal("expected alice to stay online")
	}
}

// ---------------------------------------------------------------------------
// Test: typing indicator flows to room peers, never back to the typist
// ---------------------------------------------------------------------------

func TestHub_TypingBroadcast(t *testing.T) {
	hub := NewHub(DefaultTypingConfig())

	alice := &fakeSink{}
	bob := &fakeSink{}
	carol := &fakeSink{}

	hub.Connect("alice", alice)
	hub.Connect("bob", bob)
	hub.Connect("carol", carol) // online but not in the room

	hub.Rooms().Join("general", "alice")
	hub.Rooms().Join("general", "bob")

	hub.SetTyping("general", "alice", true)

	if got := alice.countType(protocol.TypeTypingIndicator); got != 0 {
		t.Fatalf("expected typist to receive 0 typing frames, got %d", got)
	}
	if got := carol.countType(protocol.TypeTypingIndicator); got != 0 {
		t.Fatalf("expected non-member to receive 0 typing frames, got %d", got)
	}
	if got := bob.countType(protocol.TypeTypingIndicator); got != 1 {
		t.Fatalf("expected room peer to receive 1 typing frame, got %d", got)
	}

	var ind protocol.TypingIndicatorEvent
	for _, env := range bob.received() {
		if env.Type == protocol.TypeTypingIndicator {
			if err := json.Unmarshal(env.Data, &ind); err != nil {
				t.Fatalf("decode typing_indicator: %v", err)
			}
		}
	}
	if ind.UserID != "alice" || ind.ChatID != "general" || !ind.IsTyping {
		t.Fatalf("unexpected typing event: %+v", ind)
	}

	// Explicit stop reaches the peer exactly once more.
	hub.SetTyping("general", "alice", false)
	if got := bob.countType(protocol.TypeTypingIndicator); got != 2 {
		t.Fatalf("expected 2 typing frames after explicit stop, got %d", got)
	}
	if hub.Typing().IsTyping("general", "alice") {
		t.Fatal("expected typing entry removed after stop")
	}
}

// ---------------------------------------------------------------------------
// Test: sweep expiry produces the synthetic stopped event for room peers
// ---------------------------------------------------------------------------

func TestHub_TypingSweepBroadcast(t *testing.T) {
	hub := NewHub(DefaultTypingConfig())

	alice := &fakeSink{}
	bob := &fakeSink{}
	hub.Connect("alice", alice)
	hub.Connect("bob", bob)
	hub.Rooms().Join("general", "alice")
	hub.Rooms().Join("general", "bob")

	hub.SetTyping("general", "alice", true)

	// Trigger expiry directly through the tracker's callback path.
	hub.expireTyping("general", "alice")

	stops := 0
	for _, env := range bob.received() {
		if env.Type != protocol.TypeTypingIndicator {
			continue
		}
		var ind protocol.TypingIndicatorEvent
		if err := json.Unmarshal(env.Data, &ind); err != nil {
			t.Fatalf("decode typing_indicator: %v", err)
		}
		if !ind.IsTyping {
			stops++
		}
	}
	if stops != 1 {
		t.Fatalf("expected exactly 1 synthetic stopped event, got %d", stops)
	}
	if got := alice.countType(protocol.TypeTypingIndicator); got != 0 {
		t.Fatalf("expected typist to receive no typing frames, got %d", got)
	}
}

// ---------------------------------------------------------------------------
// Test: full disconnect drops typing entries without a stopped broadcast
// ---------------------------------------------------------------------------

func TestHub_DisconnectClearsTyping(t *testing.T) {
	hub := NewHub(DefaultTypingConfig())

	alice := &fakeSink{}
	bob := &fakeSink{}
	conn := hub.Connect("alice", alice)
	hub.Connect("bob", bob)
	hub.Rooms().Join("general", "alice")
	hub.Rooms().Join("general", "bob")

	hub.SetTyping("general", "alice", true)
	typingBefore := bob.countType(protocol.TypeTypingIndicator)

	hub.Disconnect("alice", conn.ID)

	if hub.Typing().IsTyping("general", "alice") {
		t.Fatal("expected typing entry dropped on full disconnect")
	}
	if got := bob.countType(protocol.TypeTypingIndicator); got != typingBefore {
		t.Fatalf("expected no extra typing frames on disconnect, got %d new", got-typingBefore)
	}
	// Membership survives the disconnect: interest, not liveness.
	if !hub.Rooms().Contains("general", "alice") {
		t.Fatal("expected room membership to survive disconnect")
	}
}
