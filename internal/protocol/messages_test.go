package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

// ---------------------------------------------------------------------------
// Test: parsing a valid join_chat message
// ---------------------------------------------------------------------------

func TestParseClientMessage_JoinChat(t *testing.T) {
	input := []byte(`{"type":"join_chat","data":{"chat_id":"room-1"}}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeJoinChat {
		t.Fatalf("expected type %q, got %q", TypeJoinChat, msgType)
	}

	jc, ok := msg.(JoinChatData)
	if !ok {
		t.Fatalf("expected JoinChatData, got %T", msg)
	}
	if jc.ChatID != "room-1" {
		t.Errorf("expected chat_id %q, got %q", "room-1", jc.ChatID)
	}
}

// ---------------------------------------------------------------------------
// Test: parsing a typing indicator with both transitions
// ---------------------------------------------------------------------------

func TestParseClientMessage_TypingIndicator(t *testing.T) {
	for _, isTyping := range []bool{true, false} {
		input, _ := json.Marshal(Envelope{
			Type: TypeTypingIndicator,
			Data: mustRaw(t, TypingIndicatorData{ChatID: "room-1", IsTyping: isTyping}),
		})

		_, msg, err := ParseClientMessage(input)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		ti, ok := msg.(TypingIndicatorData)
		if !ok {
			t.Fatalf("expected TypingIndicatorData, got %T", msg)
		}
		if ti.IsTyping != isTyping {
			t.Errorf("expected is_typing=%v, got %v", isTyping, ti.IsTyping)
		}
	}
}

// ---------------------------------------------------------------------------
// Test: parsing a location update with optional fields
// ---------------------------------------------------------------------------

func TestParseClientMessage_LocationUpdate(t *testing.T) {
	input := []byte(`{"type":"location_update","data":{"latitude":16.8409,"longitude":96.1735,"accuracy":5.5}}`)

	_, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	loc, ok := msg.(LocationUpdateData)
	if !ok {
		t.Fatalf("expected LocationUpdateData, got %T", msg)
	}
	if loc.Latitude != 16.8409 || loc.Longitude != 96.1735 {
		t.Errorf("unexpected coordinates: %v, %v", loc.Latitude, loc.Longitude)
	}
	if loc.Accuracy == nil || *loc.Accuracy != 5.5 {
		t.Errorf("expected accuracy 5.5, got %v", loc.Accuracy)
	}
	if loc.Speed != nil {
		t.Errorf("expected speed unset, got %v", *loc.Speed)
	}
}

// ---------------------------------------------------------------------------
// Test: unknown type is rejected with ErrUnknownType, keeping the type string
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	input := []byte(`{"type":"self_destruct","data":{}}`)

	msgType, _, err := ParseClientMessage(input)
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
	if msgType != "self_destruct" {
		t.Fatalf("expected type echoed back, got %q", msgType)
	}
}

// ---------------------------------------------------------------------------
// Test: malformed frames are rejected with ErrMalformed
// ---------------------------------------------------------------------------

func TestParseClientMessage_Malformed(t *testing.T) {
	cases := [][]byte{
		[]byte(`not json at all`),
		[]byte(`{"data":{"chat_id":"room-1"}}`), // missing type
		[]byte(`{"type":""}`),                   // empty type
	}
	for _, input := range cases {
		if _, _, err := ParseClientMessage(input); !errors.Is(err, ErrMalformed) {
			t.Errorf("input %s: expected ErrMalformed, got %v", input, err)
		}
	}
}

// ---------------------------------------------------------------------------
// Test: recognized types with missing required fields are rejected with
// ErrInvalidData
// ---------------------------------------------------------------------------

func TestParseClientMessage_MissingFields(t *testing.T) {
	cases := [][]byte{
		[]byte(`{"type":"join_chat","data":{}}`),
		[]byte(`{"type":"join_chat"}`), // data object absent entirely
		[]byte(`{"type":"message_read","data":{"chat_id":"room-1"}}`),
		[]byte(`{"type":"call_initiated","data":{"call_id":"c1"}}`),
		[]byte(`{"type":"location_share_start","data":{"duration_minutes":0}}`),
		[]byte(`{"type":"location_share_stop","data":{}}`),
	}
	for _, input := range cases {
		if _, _, err := ParseClientMessage(input); !errors.Is(err, ErrInvalidData) {
			t.Errorf("input %s: expected ErrInvalidData, got %v", input, err)
		}
	}
}

// ---------------------------------------------------------------------------
// Test: call_participant_joined and call_participant_left share a payload
// ---------------------------------------------------------------------------

func TestParseClientMessage_CallParticipants(t *testing.T) {
	for _, msgType := range []string{TypeCallParticipantJoined, TypeCallParticipantLeft} {
		input := []byte(`{"type":"` + msgType + `","data":{"call_id":"c1","participants":["u1","u2"],"participant_name":"Alice"}}`)

		gotType, msg, err := ParseClientMessage(input)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", msgType, err)
		}
		if gotType != msgType {
			t.Fatalf("expected type %q, got %q", msgType, gotType)
		}
		cp, ok := msg.(CallParticipantData)
		if !ok {
			t.Fatalf("expected CallParticipantData, got %T", msg)
		}
		if len(cp.Participants) != 2 || cp.ParticipantName != "Alice" {
			t.Errorf("unexpected payload: %+v", cp)
		}
	}
}

// ---------------------------------------------------------------------------
// Test: building a server message produces the envelope format
// ---------------------------------------------------------------------------

func TestNewServerMessage_Envelope(t *testing.T) {
	data, err := NewServerMessage(TypeUserStatus, UserStatusData{
		UserID:   "alice",
		IsOnline: false,
		LastSeen: "2026-03-14T09:00:00Z",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("failed to unmarshal envelope: %v", err)
	}
	if env.Type != TypeUserStatus {
		t.Errorf("expected type %q, got %q", TypeUserStatus, env.Type)
	}

	var status UserStatusData
	if err := json.Unmarshal(env.Data, &status); err != nil {
		t.Fatalf("failed to unmarshal data: %v", err)
	}
	if status.UserID != "alice" || status.IsOnline || status.LastSeen != "2026-03-14T09:00:00Z" {
		t.Errorf("unexpected payload: %+v", status)
	}
}

// ---------------------------------------------------------------------------
// Test: last_seen is omitted from user_status while online
// ---------------------------------------------------------------------------

func TestNewServerMessage_OmitsEmptyLastSeen(t *testing.T) {
	data, err := NewServerMessage(TypeUserStatus, UserStatusData{UserID: "alice", IsOnline: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("failed to unmarshal envelope: %v", err)
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(env.Data, &fields); err != nil {
		t.Fatalf("failed to unmarshal data: %v", err)
	}
	if _, present := fields["last_seen"]; present {
		t.Error("expected last_seen omitted while online")
	}
}

func mustRaw(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}
