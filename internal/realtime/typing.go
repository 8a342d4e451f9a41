package realtime

import (
	"context"
	"log"
	"sync"
	"time"
)

// TypingConfig holds tuning parameters for the typing tracker.
type TypingConfig struct {
	TTL           time.Duration // age after which an entry counts as stale
	SweepInterval time.Duration // how often the background sweep runs
}

// DefaultTypingConfig returns the production defaults: a 10 second TTL swept
// every 3 seconds (the sweep should run at least three times per TTL so a
// stale indicator is never visible for much longer than the TTL itself).
func DefaultTypingConfig() TypingConfig {
	return TypingConfig{
		TTL:           10 * time.Second,
		SweepInterval: 3 * time.Second,
	}
}

// TypingTracker holds time-bounded typing state keyed by (room, user). An
// entry older than the TTL is treated as "not typing" even before the sweep
// removes it; the sweep guards against clients that crash or drop without
// sending an explicit stop signal.
type TypingTracker struct {
	mu       sync.Mutex
	cfg      TypingConfig
	entries  map[string]map[string]time.Time // room_id -> user_id -> last signal
	onExpire func(roomID, userID string)
	now      func() time.Time
}

// NewTypingTracker creates a tracker. onExpire is invoked by the sweep, after
// the stale entry has been deleted, once per expired (room, user) pair; the
// caller uses it to broadcast the synthetic stopped-typing event. It may be
// nil.
func NewTypingTracker(cfg TypingConfig, onExpire func(roomID, userID string)) *TypingTracker {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTypingConfig().TTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultTypingConfig().SweepInterval
	}
	return &TypingTracker{
		cfg:      cfg,
		entries:  make(map[string]map[string]time.Time),
		onExpire: onExpire,
		now:      time.Now,
	}
}

// Set records a typing transition: upsert with the current time on true,
// delete on false. Deleting is idempotent, so an explicit stop followed by
// the sweep yields exactly one stopped event, never two.
func (t *TypingTracker) Set(roomID, userID string, isTyping bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if isTyping {
		room, ok := t.entries[roomID]
		if !ok {
			room = make(map[string]time.Time)
			t.entries[roomID] = room
		}
		room[userID] = t.now()
		return
	}

	room, ok := t.entries[roomID]
	if !ok {
		return
	}
	delete(room, userID)
	if len(room) == 0 {
		delete(t.entries, roomID)
	}
}

// IsTyping reports whether the user has a fresh typing entry in the room.
// Entries older than the TTL count as not typing even if not yet swept.
func (t *TypingTracker) IsTyping(roomID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	ts, ok := t.entries[roomID][userID]
	return ok && t.now().Sub(ts) <= t.cfg.TTL
}

// ClearUser drops the user's typing entries across all rooms without firing
// onExpire. Used on full disconnect, where the offline presence event already
// tells peers the user is gone.
func (t *TypingTracker) ClearUser(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for roomID, room := range t.entries {
		delete(room, userID)
		if len(room) == 0 {
			delete(t.entries, roomID)
		}
	}
}

// EntryCount returns the number of live typing entries.
func (t *TypingTracker) EntryCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, room := range t.entries {
		n += len(room)
	}
	return n
}

// Run sweeps stale entries on a fixed interval until the context is
// cancelled. It is meant to run in its own goroutine for the process
// lifetime.
func (t *TypingTracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := t.sweep(t.now()); n > 0 {
				log.Printf("realtime: typing sweep expired %d entries", n)
			}
		}
	}
}

// sweep deletes entries older than the TTL and fires onExpire for each,
// outside the lock so the expiry callback can broadcast freely. Returns the
// number of expired entries.
func (t *TypingTracker) sweep(now time.Time) int {
	type expired struct{ roomID, userID string }
	var stale []expired

	t.mu.Lock()
	for roomID, room := range t.entries {
		for userID, ts := range room {
			if now.Sub(ts) > t.cfg.TTL {
				delete(room, userID)
				stale = append(stale, expired{roomID, userID})
			}
		}
		if len(room) == 0 {
			delete(t.entries, roomID)
		}
	}
	t.mu.Unlock()

	if t.onExpire != nil {
		for _, e := range stale {
			t.onExpire(e.roomID, e.userID)
		}
	}
	return len(stale)
}
