package ws

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/loopchat/server/internal/location"
	"github.com/loopchat/server/internal/metrics"
	"github.com/loopchat/server/internal/notify"
	"github.com/loopchat/server/internal/protocol"
	"github.com/loopchat/server/internal/realtime"
	"github.com/loopchat/server/internal/store"
)

// storeTimeout bounds the persistence calls a frame handler is allowed to
// make at the boundary; the in-memory mutations themselves never block.
const storeTimeout = 3 * time.Second

// Router demultiplexes inbound client frames by their type discriminator and
// turns each into calls against the hub, the location manager, and the
// persistence and push collaborators. Every failure it produces is scoped to
// the connection that caused it.
type Router struct {
	hub      *realtime.Hub
	store    store.Store
	push     notify.Dispatcher
	location *location.Manager
}

// NewRouter creates a Router. push may be nil when no out-of-band channel is
// configured.
func NewRouter(hub *realtime.Hub, st store.Store, push notify.Dispatcher, loc *location.Manager) *Router {
	return &Router{hub: hub, store: st, push: push, location: loc}
}

// HandleFrame parses one inbound frame and dispatches it. Malformed frames
// and unknown discriminators produce a scoped error reply without closing
// the connection; a panicking handler is recovered and surfaced the same
// way.
func (r *Router) HandleFrame(conn *Conn, data []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("ws: handler panic conn=%s user=%s: %v", conn.ID, conn.UserID, rec)
			r.sendError(conn, "internal_error", "internal server error")
		}
	}()

	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("ws: parse error conn=%s user=%s: %v", conn.ID, conn.UserID, err)
		switch {
		case errors.Is(err, protocol.ErrUnknownType):
			r.sendError(conn, "unknown_type", "unknown message type: "+msgType)
		case errors.Is(err, protocol.ErrInvalidData):
			r.sendError(conn, "invalid_data", err.Error())
		default:
			r.sendError(conn, "parse_error", "invalid message format")
		}
		return
	}

	metrics.FramesTotal.WithLabelValues(msgType).Inc()

	switch m := msg.(type) {
	case protocol.JoinChatData:
		r.handleJoinChat(conn, m)
	case protocol.LeaveChatData:
		r.handleLeaveChat(conn, m)
	case protocol.TypingIndicatorData:
		r.hub.SetTyping(m.ChatID, conn.UserID, m.IsTyping)
	case protocol.MessageReadData:
		r.handleMessageRead(conn, m)
	case protocol.CallInitiatedData:
		r.handleCallInitiated(conn, m)
	case protocol.CallAnsweredData:
		r.handleCallAnswered(conn, m)
	case protocol.CallDeclinedData:
		r.handleCallDeclined(conn, m)
	case protocol.CallEndedData:
		r.handleCallEnded(conn, m)
	case protocol.CallParticipantData:
		r.handleCallParticipant(conn, msgType, m)
	case protocol.LocationUpdateData:
		r.location.HandleUpdate(conn.UserID, m)
	case protocol.LocationShareStartData:
		share := r.location.StartShare(conn.UserID, m)
		r.reply(conn, protocol.TypeLocationShareStarted, protocol.LocationShareStartedData{
			ShareID:   share.ID,
			ExpiresAt: share.ExpiresAt.UTC().Format(time.RFC3339),
		})
	case protocol.LocationShareStopData:
		if !r.location.StopShare(conn.UserID, m.ShareID) {
			r.sendError(conn, "invalid_share", "unknown share id")
			return
		}
		r.reply(conn, protocol.TypeLocationShareStopped, protocol.LocationShareStoppedData{ShareID: m.ShareID})
	case protocol.PingData:
		// Keep-alive only: the pong goes to this connection and nothing
		// else changes.
		r.reply(conn, protocol.TypePong, protocol.PongData{Timestamp: m.Timestamp})
	}
}

// handleJoinChat adds the user to the room's live view, confirms it on the
// issuing connection, and announces the join to room peers.
func (r *Router) handleJoinChat(conn *Conn, m protocol.JoinChatData) {
	r.hub.Rooms().Join(m.ChatID, conn.UserID)

	r.reply(conn, protocol.TypeChatJoined, protocol.ChatJoinedData{ChatID: m.ChatID})

	r.hub.BroadcastToRoom(m.ChatID, realtime.Event{
		Type: protocol.TypeUserJoinedChat,
		Data: protocol.UserChatEventData{ChatID: m.ChatID, UserID: conn.UserID},
	}, conn.UserID)
}

// handleLeaveChat removes the user from the room's live view. The departure
// is announced after the membership change, so the leaver is naturally
// absent from the broadcast.
func (r *Router) handleLeaveChat(conn *Conn, m protocol.LeaveChatData) {
	r.hub.Rooms().Leave(m.ChatID, conn.UserID)

	r.reply(conn, protocol.TypeChatLeft, protocol.ChatLeftData{ChatID: m.ChatID})

	r.hub.BroadcastToRoom(m.ChatID, realtime.Event{
		Type: protocol.TypeUserLeftChat,
		Data: protocol.UserChatEventData{ChatID: m.ChatID, UserID: conn.UserID},
	}, conn.UserID)
}

// handleMessageRead persists the status change at the boundary, then
// broadcasts the read receipt to room peers.
func (r *Router) handleMessageRead(conn *Conn, m protocol.MessageReadData) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	err := r.store.UpdateMessageStatus(ctx, m.MessageID, "read")
	cancel()
	if err != nil {
		log.Printf("ws: mark message %s read by user=%s: %v", m.MessageID, conn.UserID, err)
		r.sendError(conn, "invalid_message", "could not mark message read")
		return
	}

	r.hub.BroadcastToRoom(m.ChatID, realtime.Event{
		Type: protocol.TypeMessageRead,
		Data: protocol.MessageReadEvent{
			MessageID: m.MessageID,
			ChatID:    m.ChatID,
			UserID:    conn.UserID,
			ReadAt:    time.Now().UTC().Format(time.RFC3339),
		},
	}, conn.UserID)
}

// handleCallInitiated rings the callee on every device and confirms setup to
// the caller. An offline callee gets the invite through the push channel
// instead.
func (r *Router) handleCallInitiated(conn *Conn, m protocol.CallInitiatedData) {
	invite := protocol.IncomingCallData{
		CallID:      m.CallID,
		CallerID:    conn.UserID,
		CallType:    m.CallType,
		ChannelName: m.ChannelName,
	}

	if r.hub.Registry().IsOnline(m.CalleeID) {
		r.hub.SendToUser(m.CalleeID, realtime.Event{Type: protocol.TypeIncomingCall, Data: invite})
	} else if r.push != nil {
		payload, err := protocol.NewServerMessage(protocol.TypeIncomingCall, invite)
		if err != nil {
			log.Printf("ws: build call push call=%s: %v", m.CallID, err)
		} else if err := r.push.DispatchPush(m.CalleeID, payload); err != nil {
			log.Printf("ws: push call invite call=%s callee=%s: %v", m.CallID, m.CalleeID, err)
		}
	}

	r.hub.SendToUser(conn.UserID, realtime.Event{
		Type: protocol.TypeCallInitiatedSuccess,
		Data: protocol.CallInitiatedSuccessData{CallID: m.CallID, ChannelName: m.ChannelName},
	})
}

// handleCallAnswered relays the callee's answer to the caller: accepted
// flows as call_answered, a refusal as call_declined.
func (r *Router) handleCallAnswered(conn *Conn, m protocol.CallAnsweredData) {
	if m.Accepted {
		r.hub.SendToUser(m.CallerID, realtime.Event{
			Type: protocol.TypeCallAnswered,
			Data: protocol.CallAnsweredEvent{
				CallID:      m.CallID,
				CalleeID:    conn.UserID,
				ChannelName: m.ChannelName,
			},
		})
		return
	}

	r.hub.SendToUser(m.CallerID, realtime.Event{
		Type: protocol.TypeCallDeclined,
		Data: protocol.CallDeclinedEvent{CallID: m.CallID, CalleeID: conn.UserID},
	})
}

func (r *Router) handleCallDeclined(conn *Conn, m protocol.CallDeclinedData) {
	r.hub.SendToUser(m.CallerID, realtime.Event{
		Type: protocol.TypeCallDeclined,
		Data: protocol.CallDeclinedEvent{CallID: m.CallID, CalleeID: conn.UserID},
	})
}

// handleCallEnded notifies every listed participant except the user who
// ended the call.
func (r *Router) handleCallEnded(conn *Conn, m protocol.CallEndedData) {
	endReason := m.EndReason
	if endReason == "" {
		endReason = "user_ended"
	}

	for _, participantID := range m.Participants {
		if participantID == conn.UserID {
			continue
		}
		r.hub.SendToUser(participantID, realtime.Event{
			Type: protocol.TypeCallEnded,
			Data: protocol.CallEndedEvent{
				CallID:    m.CallID,
				EndedBy:   conn.UserID,
				EndReason: endReason,
			},
		})
	}
}

// handleCallParticipant announces a group-call join or leave to the other
// participants; the actor is never echoed.
func (r *Router) handleCallParticipant(conn *Conn, msgType string, m protocol.CallParticipantData) {
	for _, participantID := range m.Participants {
		if participantID == conn.UserID {
			continue
		}
		r.hub.SendToUser(participantID, realtime.Event{
			Type: msgType,
			Data: protocol.CallParticipantEvent{
				CallID:          m.CallID,
				ParticipantID:   conn.UserID,
				ParticipantName: m.ParticipantName,
			},
		})
	}
}

// reply writes a server event to the issuing connection only.
func (r *Router) reply(conn *Conn, msgType string, data interface{}) {
	out, err := protocol.NewServerMessage(msgType, data)
	if err != nil {
		log.Printf("ws: build %q reply conn=%s: %v", msgType, conn.ID, err)
		return
	}
	if err := conn.Send(out); err != nil {
		log.Printf("ws: send %q reply conn=%s: %v", msgType, conn.ID, err)
	}
}

// sendError sends a scoped error message back to the client. Errors during
// construction or transmission are logged but not propagated.
func (r *Router) sendError(conn *Conn, code, message string) {
	r.reply(conn, protocol.TypeError, protocol.ErrorData{Code: code, Message: message})
}
