// Package store is the persistence collaborator consumed by the real-time
// core and the REST layer. The core itself never talks to the database; it
// calls through the Store interface at its boundary so the in-memory state
// mutations stay free of blocking I/O.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Message is one durable chat message.
type Message struct {
	ID        string
	ChatID    string
	SenderID  string
	Content   string
	Status    string // "sent", "delivered", "read"
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ShareRecord is the durable copy of a live location share, kept so a share
// survives audits even though the live routing state is in-memory.
type ShareRecord struct {
	ID           string
	UserID       string
	TargetUserID string // empty for untargeted shares
	ExpiresAt    time.Time
	CreatedAt    time.Time
}

// GeofenceArea is a circular area a user watches for enter/exit events.
type GeofenceArea struct {
	ID            int64
	UserID        string
	Name          string
	CenterLat     float64
	CenterLon     float64
	RadiusMeters  float64
	NotifyOnEntry bool
	NotifyOnExit  bool
}

// Store is the persistence contract.
type Store interface {
	// AppendMessage inserts a message, filling ID and CreatedAt.
	AppendMessage(ctx context.Context, m *Message) error

	// GetMessage fetches one message by id.
	GetMessage(ctx context.Context, messageID string) (*Message, error)

	// UpdateMessageContent replaces a message's text body.
	UpdateMessageContent(ctx context.Context, messageID, content string) error

	// UpdateMessageStatus moves a message through sent/delivered/read.
	UpdateMessageStatus(ctx context.Context, messageID, status string) error

	// DeleteMessage removes a message.
	DeleteMessage(ctx context.Context, messageID string) error

	// ChatParticipants returns the durable participant user ids of a chat
	// (distinct from the live room membership index).
	ChatParticipants(ctx context.Context, chatID string) ([]string, error)

	// SaveLocation appends a GPS fix to the user's location history.
	SaveLocation(ctx context.Context, userID string, lat, lon float64, accuracy, altitude, speed, heading *float64) error

	// CreateShare persists the durable copy of a live location share.
	CreateShare(ctx context.Context, rec *ShareRecord) error

	// EndShare marks a location share as ended.
	EndShare(ctx context.Context, shareID string) error

	// GeofenceAreas returns the user's active geofence areas.
	GeofenceAreas(ctx context.Context, userID string) ([]GeofenceArea, error)

	// RecordGeofenceEvent appends an enter/exit crossing.
	RecordGeofenceEvent(ctx context.Context, userID string, geofenceID int64, event string, lat, lon float64) error
}
