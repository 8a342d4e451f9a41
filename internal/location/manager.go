// Package location handles live location sharing and geofence detection for
// connected clients. Share routing state and per-geofence inside/outside
// state are in-memory; location history and durable share/geofence records
// go through the persistence collaborator at the boundary.
package location

import (
	"context"
	"log"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loopchat/server/internal/notify"
	"github.com/loopchat/server/internal/protocol"
	"github.com/loopchat/server/internal/realtime"
	"github.com/loopchat/server/internal/store"
)

const (
	// storeTimeout bounds every persistence call made from a frame handler.
	storeTimeout = 3 * time.Second

	// earthRadiusMeters is the mean Earth radius used by the Haversine
	// distance.
	earthRadiusMeters = 6371000
)

// Share is one active live location share.
type Share struct {
	ID           string
	OwnerID      string
	TargetUserID string // empty: everyone sharing a room with the owner
	ExpiresAt    time.Time
}

// Manager owns the live share table and the last known inside/outside state
// per (user, geofence). It publishes location events through the hub and
// persists at the boundary.
type Manager struct {
	mu     sync.Mutex
	shares map[string]*Share          // share_id -> share
	byUser map[string]map[string]bool // owner_id -> share_id set
	inside map[string]map[int64]bool  // user_id -> geofence_id -> last known inside

	hub   *realtime.Hub
	store store.Store
	push  notify.Dispatcher
	now   func() time.Time
}

// NewManager creates a manager. push may be nil when no out-of-band channel
// is configured.
func NewManager(hub *realtime.Hub, st store.Store, push notify.Dispatcher) *Manager {
	return &Manager{
		shares: make(map[string]*Share),
		byUser: make(map[string]map[string]bool),
		inside: make(map[string]map[int64]bool),
		hub:    hub,
		store:  st,
		push:   push,
		now:    time.Now,
	}
}

// StartShare creates a live share with a fresh id and an expiry clock, and
// persists the durable copy. The target user is notified out-of-band when
// they have no live connection.
func (m *Manager) StartShare(userID string, req protocol.LocationShareStartData) *Share {
	share := &Share{
		ID:           uuid.New().String(),
		OwnerID:      userID,
		TargetUserID: req.TargetUserID,
		ExpiresAt:    m.now().Add(time.Duration(req.DurationMinutes) * time.Minute),
	}

	m.mu.Lock()
	m.shares[share.ID] = share
	set, ok := m.byUser[userID]
	if !ok {
		set = make(map[string]bool)
		m.byUser[userID] = set
	}
	set[share.ID] = true
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := m.store.CreateShare(ctx, &store.ShareRecord{
		ID:           share.ID,
		UserID:       share.OwnerID,
		TargetUserID: share.TargetUserID,
		ExpiresAt:    share.ExpiresAt,
	}); err != nil {
		log.Printf("location: persist share %s: %v", share.ID, err)
	}

	if share.TargetUserID != "" && !m.hub.Registry().IsOnline(share.TargetUserID) {
		m.pushEvent(share.TargetUserID, protocol.TypeLocationShareStarted,
			protocol.LocationShareStartedData{
				ShareID:   share.ID,
				ExpiresAt: share.ExpiresAt.UTC().Format(time.RFC3339),
			})
	}

	return share
}

// StopShare removes the share if it belongs to the caller. Returns false
// for unknown share ids or shares owned by someone else.
func (m *Manager) StopShare(userID, shareID string) bool {
	m.mu.Lock()
	share, ok := m.shares[shareID]
	if !ok || share.OwnerID != userID {
		m.mu.Unlock()
		return false
	}
	m.removeLocked(share)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := m.store.EndShare(ctx, shareID); err != nil {
		log.Printf("location: end share %s: %v", shareID, err)
	}

	if share.TargetUserID != "" {
		m.hub.SendToUser(share.TargetUserID, realtime.Event{
			Type: protocol.TypeLocationShareStopped,
			Data: protocol.LocationShareStoppedData{ShareID: shareID},
		})
	}
	return true
}

// HandleUpdate processes a GPS fix: persist it, acknowledge it to the
// sender, deliver it to every active share audience, and run geofence edge
// detection. Expired shares are pruned lazily here.
func (m *Manager) HandleUpdate(userID string, loc protocol.LocationUpdateData) {
	now := m.now()

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	if err := m.store.SaveLocation(ctx, userID, loc.Latitude, loc.Longitude,
		loc.Accuracy, loc.Altitude, loc.Speed, loc.Heading); err != nil {
		log.Printf("location: save fix for user=%s: %v", userID, err)
	}
	cancel()

	updatedAt := now.UTC().Format(time.RFC3339)
	m.hub.SendToUser(userID, realtime.Event{
		Type: protocol.TypeLocationUpdated,
		Data: protocol.LocationUpdatedData{
			Latitude:  loc.Latitude,
			Longitude: loc.Longitude,
			UpdatedAt: updatedAt,
		},
	})

	for _, share := range m.activeShares(userID, now) {
		ev := realtime.Event{
			Type: protocol.TypeSharedLocationUpdate,
			Data: protocol.SharedLocationUpdateData{
				ShareID:   share.ID,
				UserID:    userID,
				Latitude:  loc.Latitude,
				Longitude: loc.Longitude,
				UpdatedAt: updatedAt,
			},
		}
		if share.TargetUserID != "" {
			m.hub.SendToUser(share.TargetUserID, ev)
			continue
		}
		// Untargeted share: every user sharing a room with the owner,
		// deduplicated across rooms.
		audience := make(map[string]struct{})
		for _, roomID := range m.hub.Rooms().RoomsContaining(userID) {
			for _, member := range m.hub.Rooms().MembersOf(roomID) {
				if member != userID {
					audience[member] = struct{}{}
				}
			}
		}
		for peer := range audience {
			m.hub.SendToUser(peer, ev)
		}
	}

	m.checkGeofences(userID, loc.Latitude, loc.Longitude)
}

// activeShares returns the owner's unexpired shares, dropping expired ones.
func (m *Manager) activeShares(userID string, now time.Time) []*Share {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Share
	for shareID := range m.byUser[userID] {
		share := m.shares[shareID]
		if share == nil {
			continue
		}
		if now.After(share.ExpiresAt) {
			m.removeLocked(share)
			continue
		}
		out = append(out, share)
	}
	return out
}

// removeLocked drops a share from both indexes. Caller holds m.mu.
func (m *Manager) removeLocked(share *Share) {
	delete(m.shares, share.ID)
	set := m.byUser[share.OwnerID]
	delete(set, share.ID)
	if len(set) == 0 {
		delete(m.byUser, share.OwnerID)
	}
}

// checkGeofences diffs the fix against each of the user's geofence areas and
// emits an event only on an inside/outside state change. A user first
// observed inside an area counts as entering it.
func (m *Manager) checkGeofences(userID string, lat, lon float64) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	areas, err := m.store.GeofenceAreas(ctx, userID)
	cancel()
	if err != nil {
		log.Printf("location: load geofences for user=%s: %v", userID, err)
		return
	}

	for _, area := range areas {
		isInside := distanceMeters(lat, lon, area.CenterLat, area.CenterLon) <= area.RadiusMeters

		m.mu.Lock()
		states, ok := m.inside[userID]
		if !ok {
			states = make(map[int64]bool)
			m.inside[userID] = states
		}
		wasInside, seen := states[area.ID]
		states[area.ID] = isInside
		m.mu.Unlock()

		if seen && wasInside == isInside {
			continue
		}
		if !seen && !isInside {
			continue
		}

		event := "enter"
		wantPush := area.NotifyOnEntry
		if !isInside {
			event = "exit"
			wantPush = area.NotifyOnExit
		}

		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		if err := m.store.RecordGeofenceEvent(ctx, userID, area.ID, event, lat, lon); err != nil {
			log.Printf("location: record geofence %s user=%s area=%d: %v", event, userID, area.ID, err)
		}
		cancel()

		data := protocol.GeofenceEventData{
			GeofenceID: area.ID,
			Name:       area.Name,
			Event:      event,
			Latitude:   lat,
			Longitude:  lon,
		}
		m.hub.SendToUser(userID, realtime.Event{Type: protocol.TypeGeofenceEvent, Data: data})

		if wantPush && !m.hub.Registry().IsOnline(userID) {
			m.pushEvent(userID, protocol.TypeGeofenceEvent, data)
		}
	}
}

// ClearGeofenceState drops the remembered inside/outside states for a user.
func (m *Manager) ClearGeofenceState(userID string) {
	m.mu.Lock()
	delete(m.inside, userID)
	m.mu.Unlock()
}

// ShareCount returns the number of active shares.
func (m *Manager) ShareCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.shares)
}

// pushEvent serializes an event envelope and hands it to the push channel.
func (m *Manager) pushEvent(userID, msgType string, data interface{}) {
	if m.push == nil {
		return
	}
	payload, err := protocol.NewServerMessage(msgType, data)
	if err != nil {
		log.Printf("location: build push %q for user=%s: %v", msgType, userID, err)
		return
	}
	if err := m.push.DispatchPush(userID, payload); err != nil {
		log.Printf("location: push %q to user=%s: %v", msgType, userID, err)
	}
}

// distanceMeters computes the Haversine great-circle distance between two
// coordinates.
func distanceMeters(lat1, lon1, lat2, lon2 float64) float64 {
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }

	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Asin(math.Sqrt(a))

	return earthRadiusMeters * c
}
