// Package api is the REST boundary for the durable message operations. Each
// handler persists through the store, then fans the change out to live
// connections through the hub; recipients without a connection get the event
// via the push channel. The real-time core never calls into this package.
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/loopchat/server/internal/auth"
	"github.com/loopchat/server/internal/notify"
	"github.com/loopchat/server/internal/protocol"
	"github.com/loopchat/server/internal/realtime"
	"github.com/loopchat/server/internal/store"
)

const maxBodyBytes = 64 * 1024

// Handler serves the message endpoints.
type Handler struct {
	hub      *realtime.Hub
	store    store.Store
	push     notify.Dispatcher
	verifier auth.Verifier
}

// NewHandler creates the REST handler. push may be nil when no out-of-band
// channel is configured.
func NewHandler(hub *realtime.Hub, st store.Store, push notify.Dispatcher, verifier auth.Verifier) *Handler {
	return &Handler{hub: hub, store: st, push: push, verifier: verifier}
}

// Register mounts the message routes on the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/messages", h.withAuth(h.createMessage))
	mux.HandleFunc("PUT /api/v1/messages/{id}", h.withAuth(h.updateMessage))
	mux.HandleFunc("DELETE /api/v1/messages/{id}", h.withAuth(h.deleteMessage))
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type messageResponse struct {
	ID        string `json:"id"`
	ChatID    string `json:"chat_id"`
	SenderID  string `json:"sender_id"`
	Content   string `json:"content"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

// withAuth resolves the bearer token before the handler runs and passes the
// authenticated user id through.
func (h *Handler) withAuth(next func(w http.ResponseWriter, r *http.Request, userID string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeJSON(w, http.StatusUnauthorized, errorResponse{
				Error:   "unauthorized",
				Message: "missing bearer token",
			})
			return
		}
		userID, err := h.verifier.Verify(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, errorResponse{
				Error:   "unauthorized",
				Message: "invalid or expired token",
			})
			return
		}
		next(w, r, userID)
	}
}

// createMessage handles POST /api/v1/messages: persist, broadcast
// new_message to room peers minus the sender, and push to durable
// participants who are offline.
func (h *Handler) createMessage(w http.ResponseWriter, r *http.Request, userID string) {
	var req struct {
		ChatID  string `json:"chat_id"`
		Content string `json:"content"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:   "invalid_request",
			Message: "invalid request body",
		})
		return
	}
	if req.ChatID == "" || req.Content == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:   "validation_error",
			Message: "chat_id and content are required",
		})
		return
	}

	msg := &store.Message{
		ChatID:   req.ChatID,
		SenderID: userID,
		Content:  req.Content,
		Status:   "sent",
	}
	if err := h.store.AppendMessage(r.Context(), msg); err != nil {
		log.Printf("api: append message chat=%s sender=%s: %v", req.ChatID, userID, err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{
			Error:   "store_error",
			Message: "failed to persist message",
		})
		return
	}

	payload := protocol.MessagePayload{
		ID:        msg.ID,
		ChatID:    msg.ChatID,
		SenderID:  msg.SenderID,
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt.UTC().Format(time.RFC3339),
	}
	h.hub.BroadcastToRoom(msg.ChatID, realtime.Event{
		Type: protocol.TypeNewMessage,
		Data: payload,
	}, userID)
	h.pushToOfflineParticipants(r, msg.ChatID, userID, protocol.TypeNewMessage, payload)

	writeJSON(w, http.StatusCreated, messageResponse{
		ID:        msg.ID,
		ChatID:    msg.ChatID,
		SenderID:  msg.SenderID,
		Content:   msg.Content,
		Status:    msg.Status,
		CreatedAt: msg.CreatedAt.UTC().Format(time.RFC3339),
	})
}

// updateMessage handles PUT /api/v1/messages/{id}: only the sender may edit,
// and the edit is broadcast as message_updated.
func (h *Handler) updateMessage(w http.ResponseWriter, r *http.Request, userID string) {
	messageID := r.PathValue("id")

	var req struct {
		Content string `json:"content"`
	}
	if err := decodeBody(r, &req); err != nil || req.Content == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:   "validation_error",
			Message: "content is required",
		})
		return
	}

	msg, err := h.store.GetMessage(r.Context(), messageID)
	if err != nil {
		h.writeStoreError(w, messageID, err)
		return
	}
	if msg.SenderID != userID {
		writeJSON(w, http.StatusForbidden, errorResponse{
			Error:   "forbidden",
			Message: "only the sender can edit a message",
		})
		return
	}

	if err := h.store.UpdateMessageContent(r.Context(), messageID, req.Content); err != nil {
		h.writeStoreError(w, messageID, err)
		return
	}

	h.hub.BroadcastToRoom(msg.ChatID, realtime.Event{
		Type: protocol.TypeMessageUpdated,
		Data: protocol.MessagePayload{
			ID:        messageID,
			ChatID:    msg.ChatID,
			SenderID:  msg.SenderID,
			Content:   req.Content,
			CreatedAt: msg.CreatedAt.UTC().Format(time.RFC3339),
		},
	}, userID)

	writeJSON(w, http.StatusOK, messageResponse{
		ID:        messageID,
		ChatID:    msg.ChatID,
		SenderID:  msg.SenderID,
		Content:   req.Content,
		Status:    msg.Status,
		CreatedAt: msg.CreatedAt.UTC().Format(time.RFC3339),
	})
}

// deleteMessage handles DELETE /api/v1/messages/{id}: only the sender may
// delete, and the deletion is broadcast as message_deleted.
func (h *Handler) deleteMessage(w http.ResponseWriter, r *http.Request, userID string) {
	messageID := r.PathValue("id")

	msg, err := h.store.GetMessage(r.Context(), messageID)
	if err != nil {
		h.writeStoreError(w, messageID, err)
		return
	}
	if msg.SenderID != userID {
		writeJSON(w, http.StatusForbidden, errorResponse{
			Error:   "forbidden",
			Message: "only the sender can delete a message",
		})
		return
	}

	if err := h.store.DeleteMessage(r.Context(), messageID); err != nil {
		h.writeStoreError(w, messageID, err)
		return
	}

	h.hub.BroadcastToRoom(msg.ChatID, realtime.Event{
		Type: protocol.TypeMessageDeleted,
		Data: protocol.MessageDeletedData{MessageID: messageID, ChatID: msg.ChatID},
	}, userID)

	writeJSON(w, http.StatusOK, map[string]any{"deleted": true, "id": messageID})
}

// pushToOfflineParticipants sends the event through the push channel to
// every durable chat participant who has no live connection. Participants
// come from the store, not the live room index, so users who never joined
// the room view this session still get notified.
func (h *Handler) pushToOfflineParticipants(r *http.Request, chatID, senderID, msgType string, data interface{}) {
	if h.push == nil {
		return
	}

	participants, err := h.store.ChatParticipants(r.Context(), chatID)
	if err != nil {
		log.Printf("api: load participants chat=%s: %v", chatID, err)
		return
	}

	var payload []byte
	for _, participantID := range participants {
		if participantID == senderID || h.hub.Registry().IsOnline(participantID) {
			continue
		}
		if payload == nil {
			payload, err = protocol.NewServerMessage(msgType, data)
			if err != nil {
				log.Printf("api: build push %q chat=%s: %v", msgType, chatID, err)
				return
			}
		}
		if err := h.push.DispatchPush(participantID, payload); err != nil {
			log.Printf("api: push %q to user=%s: %v", msgType, participantID, err)
		}
	}
}

func (h *Handler) writeStoreError(w http.ResponseWriter, messageID string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{
			Error:   "not_found",
			Message: "message not found",
		})
		return
	}
	log.Printf("api: message %s: %v", messageID, err)
	writeJSON(w, http.StatusInternalServerError, errorResponse{
		Error:   "store_error",
		Message: "internal storage error",
	})
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return "", false
	}
	return token, true
}

func decodeBody(r *http.Request, dst interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("api: write response: %v", err)
	}
}
