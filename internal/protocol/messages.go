// Package protocol defines the WebSocket message types and structures used for
// communication between the client and server. All messages are serialized as
// JSON and follow a consistent envelope format: a type discriminator plus a
// type-specific data object.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeJoinChat              = "join_chat"
	TypeLeaveChat             = "leave_chat"
	TypeTypingIndicator       = "typing_indicator"
	TypeMessageRead           = "message_read"
	TypeCallInitiated         = "call_initiated"
	TypeCallAnswered          = "call_answered"
	TypeCallDeclined          = "call_declined"
	TypeCallEnded             = "call_ended"
	TypeCallParticipantJoined = "call_participant_joined"
	TypeCallParticipantLeft   = "call_participant_left"
	TypeLocationUpdate        = "location_update"
	TypeLocationShareStart    = "location_share_start"
	TypeLocationShareStop     = "location_share_stop"
	TypePing                  = "ping"
)

// Server -> Client message types.
const (
	TypeConnectionEstablished = "connection_established"
	TypeChatJoined            = "chat_joined"
	TypeChatLeft              = "chat_left"
	TypeUserJoinedChat        = "user_joined_chat"
	TypeUserLeftChat          = "user_left_chat"
	TypeMessageDelivered      = "message_delivered"
	TypeNewMessage            = "new_message"
	TypeMessageUpdated        = "message_updated"
	TypeMessageDeleted        = "message_deleted"
	TypeUserStatus            = "user_status"
	TypeIncomingCall          = "incoming_call"
	TypeCallInitiatedSuccess  = "call_initiated_success"
	TypeLocationUpdated       = "location_updated"
	TypeSharedLocationUpdate  = "shared_location_update"
	TypeLocationShareStarted  = "location_share_started"
	TypeLocationShareStopped  = "location_share_stopped"
	TypeGeofenceEvent         = "geofence_event"
	TypePong                  = "pong"
	TypeError                 = "error"
)

// Sentinel errors returned by ParseClientMessage. Callers distinguish them
// with errors.Is to choose the error code sent back to the client.
var (
	// ErrMalformed indicates the frame was not a valid JSON envelope.
	ErrMalformed = errors.New("protocol: malformed message")

	// ErrUnknownType indicates a well-formed envelope with an unrecognized
	// type discriminator.
	ErrUnknownType = errors.New("protocol: unknown message type")

	// ErrInvalidData indicates a recognized type whose data payload failed
	// to decode or is missing required fields.
	ErrInvalidData = errors.New("protocol: invalid message data")
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope is the wire format shared by client and server frames:
//
//	{ "type": "<discriminator>", "data": { ... } }
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ---------------------------------------------------------------------------
// Client -> Server data payloads
// ---------------------------------------------------------------------------

// JoinChatData asks to join the live view of a chat room.
type JoinChatData struct {
	ChatID string `json:"chat_id"`
}

// LeaveChatData asks to leave the live view of a chat room.
type LeaveChatData struct {
	ChatID string `json:"chat_id"`
}

// TypingIndicatorData signals that the user started or stopped typing.
type TypingIndicatorData struct {
	ChatID   string `json:"chat_id"`
	IsTyping bool   `json:"is_typing"`
}

// MessageReadData acknowledges that the user read a message.
type MessageReadData struct {
	MessageID string `json:"message_id"`
	ChatID    string `json:"chat_id"`
}

// CallInitiatedData notifies the server that the user started a call.
type CallInitiatedData struct {
	CallID      string `json:"call_id"`
	CalleeID    string `json:"callee_id"`
	CallType    string `json:"call_type"`
	ChannelName string `json:"channel_name"`
}

// CallAnsweredData carries the callee's answer to an incoming call.
type CallAnsweredData struct {
	CallID      string `json:"call_id"`
	CallerID    string `json:"caller_id"`
	Accepted    bool   `json:"accepted"`
	ChannelName string `json:"channel_name"`
}

// CallDeclinedData declines an incoming call.
type CallDeclinedData struct {
	CallID   string `json:"call_id"`
	CallerID string `json:"caller_id"`
}

// CallEndedData ends an ongoing call for all participants.
type CallEndedData struct {
	CallID       string   `json:"call_id"`
	Participants []string `json:"participants"`
	EndReason    string   `json:"end_reason"`
}

// CallParticipantData announces a participant joining or leaving a group call.
type CallParticipantData struct {
	CallID          string   `json:"call_id"`
	Participants    []string `json:"participants"`
	ParticipantName string   `json:"participant_name"`
}

// LocationUpdateData carries a GPS fix from the client.
type LocationUpdateData struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
	Altitude  *float64 `json:"altitude,omitempty"`
	Speed     *float64 `json:"speed,omitempty"`
	Heading   *float64 `json:"heading,omitempty"`
}

// LocationShareStartData starts sharing live location. An empty TargetUserID
// shares with every user who shares a room with the sender.
type LocationShareStartData struct {
	TargetUserID    string `json:"target_user_id,omitempty"`
	DurationMinutes int    `json:"duration_minutes"`
}

// LocationShareStopData stops a live location share.
type LocationShareStopData struct {
	ShareID string `json:"share_id"`
}

// PingData is a client keepalive; the timestamp is echoed back verbatim.
type PingData struct {
	Timestamp int64 `json:"timestamp"`
}

// ---------------------------------------------------------------------------
// Server -> Client data payloads
// ---------------------------------------------------------------------------

// ConnectionEstablishedData confirms a successful connect and registration.
type ConnectionEstablishedData struct {
	UserID       string `json:"user_id"`
	ConnectionID string `json:"connection_id"`
}

// ChatJoinedData confirms a join_chat request.
type ChatJoinedData struct {
	ChatID string `json:"chat_id"`
}

// ChatLeftData confirms a leave_chat request.
type ChatLeftData struct {
	ChatID string `json:"chat_id"`
}

// UserChatEventData announces another user joining or leaving a room view.
type UserChatEventData struct {
	ChatID string `json:"chat_id"`
	UserID string `json:"user_id"`
}

// TypingIndicatorEvent relays a typing transition to room peers.
type TypingIndicatorEvent struct {
	ChatID   string `json:"chat_id"`
	UserID   string `json:"user_id"`
	IsTyping bool   `json:"is_typing"`
}

// MessageReadEvent is the read receipt broadcast to room peers.
type MessageReadEvent struct {
	MessageID string `json:"message_id"`
	ChatID    string `json:"chat_id"`
	UserID    string `json:"user_id"`
	ReadAt    string `json:"read_at"`
}

// MessagePayload carries a full message in new_message and message_updated
// events.
type MessagePayload struct {
	ID        string `json:"id"`
	ChatID    string `json:"chat_id"`
	SenderID  string `json:"sender_id"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

// MessageDeliveredData confirms delivery of a message to its recipients.
type MessageDeliveredData struct {
	MessageID   string `json:"message_id"`
	DeliveredAt string `json:"delivered_at"`
}

// MessageDeletedData announces a deleted message to room peers.
type MessageDeletedData struct {
	MessageID string `json:"message_id"`
	ChatID    string `json:"chat_id"`
}

// UserStatusData is the presence event broadcast on online/offline
// transitions. LastSeen is RFC 3339, empty while the user is online.
type UserStatusData struct {
	UserID   string `json:"user_id"`
	IsOnline bool   `json:"is_online"`
	LastSeen string `json:"last_seen,omitempty"`
}

// IncomingCallData notifies the callee of a new call.
type IncomingCallData struct {
	CallID      string `json:"call_id"`
	CallerID    string `json:"caller_id"`
	CallType    string `json:"call_type"`
	ChannelName string `json:"channel_name"`
}

// CallInitiatedSuccessData confirms call setup to the caller.
type CallInitiatedSuccessData struct {
	CallID      string `json:"call_id"`
	ChannelName string `json:"channel_name"`
}

// CallAnsweredEvent notifies the caller that the callee accepted.
type CallAnsweredEvent struct {
	CallID      string `json:"call_id"`
	CalleeID    string `json:"callee_id"`
	ChannelName string `json:"channel_name"`
}

// CallDeclinedEvent notifies the caller that the callee declined.
type CallDeclinedEvent struct {
	CallID   string `json:"call_id"`
	CalleeID string `json:"callee_id"`
}

// CallEndedEvent notifies a participant that the call ended.
type CallEndedEvent struct {
	CallID    string `json:"call_id"`
	EndedBy   string `json:"ended_by"`
	EndReason string `json:"end_reason"`
}

// CallParticipantEvent notifies participants about a peer joining or leaving
// a group call.
type CallParticipantEvent struct {
	CallID          string `json:"call_id"`
	ParticipantID   string `json:"participant_id"`
	ParticipantName string `json:"participant_name"`
}

// LocationUpdatedData acknowledges a stored location fix to its sender.
type LocationUpdatedData struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	UpdatedAt string  `json:"updated_at"`
}

// SharedLocationUpdateData delivers a live location fix to a share audience.
type SharedLocationUpdateData struct {
	ShareID   string  `json:"share_id"`
	UserID    string  `json:"user_id"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	UpdatedAt string  `json:"updated_at"`
}

// LocationShareStartedData confirms a new live share to its owner.
type LocationShareStartedData struct {
	ShareID   string `json:"share_id"`
	ExpiresAt string `json:"expires_at"`
}

// LocationShareStoppedData confirms a stopped live share.
type LocationShareStoppedData struct {
	ShareID string `json:"share_id"`
}

// GeofenceEventData announces a geofence boundary crossing to its owner.
type GeofenceEventData struct {
	GeofenceID int64   `json:"geofence_id"`
	Name       string  `json:"name"`
	Event      string  `json:"event"` // "enter" or "exit"
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
}

// PongData echoes the timestamp of the ping it answers.
type PongData struct {
	Timestamp int64 `json:"timestamp"`
}

// ErrorData is a scoped error reply on the connection that caused it.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded data struct, and any error
// encountered. Errors wrap one of the package sentinels so callers can reply
// with the matching error code without closing the connection.
func ParseClientMessage(raw []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return "", nil, fmt.Errorf("%w: missing or empty \"type\" field", ErrMalformed)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeJoinChat:
		var m JoinChatData
		err = decode(env, &m)
		if err == nil && m.ChatID == "" {
			err = missingField(env.Type, "chat_id")
		}
		msg = m
	case TypeLeaveChat:
		var m LeaveChatData
		err = decode(env, &m)
		if err == nil && m.ChatID == "" {
			err = missingField(env.Type, "chat_id")
		}
		msg = m
	case TypeTypingIndicator:
		var m TypingIndicatorData
		err = decode(env, &m)
		if err == nil && m.ChatID == "" {
			err = missingField(env.Type, "chat_id")
		}
		msg = m
	case TypeMessageRead:
		var m MessageReadData
		err = decode(env, &m)
		if err == nil && (m.MessageID == "" || m.ChatID == "") {
			err = missingField(env.Type, "message_id/chat_id")
		}
		msg = m
	case TypeCallInitiated:
		var m CallInitiatedData
		err = decode(env, &m)
		if err == nil && (m.CallID == "" || m.CalleeID == "") {
			err = missingField(env.Type, "call_id/callee_id")
		}
		msg = m
	case TypeCallAnswered:
		var m CallAnsweredData
		err = decode(env, &m)
		if err == nil && (m.CallID == "" || m.CallerID == "") {
			err = missingField(env.Type, "call_id/caller_id")
		}
		msg = m
	case TypeCallDeclined:
		var m CallDeclinedData
		err = decode(env, &m)
		if err == nil && (m.CallID == "" || m.CallerID == "") {
			err = missingField(env.Type, "call_id/caller_id")
		}
		msg = m
	case TypeCallEnded:
		var m CallEndedData
		err = decode(env, &m)
		if err == nil && m.CallID == "" {
			err = missingField(env.Type, "call_id")
		}
		msg = m
	case TypeCallParticipantJoined, TypeCallParticipantLeft:
		var m CallParticipantData
		err = decode(env, &m)
		if err == nil && m.CallID == "" {
			err = missingField(env.Type, "call_id")
		}
		msg = m
	case TypeLocationUpdate:
		var m LocationUpdateData
		err = decode(env, &m)
		msg = m
	case TypeLocationShareStart:
		var m LocationShareStartData
		err = decode(env, &m)
		if err == nil && m.DurationMinutes <= 0 {
			err = missingField(env.Type, "duration_minutes")
		}
		msg = m
	case TypeLocationShareStop:
		var m LocationShareStopData
		err = decode(env, &m)
		if err == nil && m.ShareID == "" {
			err = missingField(env.Type, "share_id")
		}
		msg = m
	case TypePing:
		var m PingData
		err = decode(env, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if err != nil {
		return env.Type, nil, err
	}
	return env.Type, msg, nil
}

// decode unmarshals the envelope's data payload into dst. A missing data
// object decodes as the zero value so that field validation reports the
// actual missing fields.
func decode(env Envelope, dst interface{}) error {
	if len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, dst); err != nil {
		return fmt.Errorf("%w: decoding %q payload: %v", ErrInvalidData, env.Type, err)
	}
	return nil
}

func missingField(msgType, field string) error {
	return fmt.Errorf("%w: %q requires %s", ErrInvalidData, msgType, field)
}

// NewServerMessage builds the JSON bytes for a server event: the envelope
// with the given type discriminator and data payload.
func NewServerMessage(msgType string, data interface{}) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %q payload: %w", msgType, err)
	}
	out, err := json.Marshal(Envelope{Type: msgType, Data: raw})
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %q envelope: %w", msgType, err)
	}
	return out, nil
}
