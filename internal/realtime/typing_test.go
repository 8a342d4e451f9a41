package realtime

import (
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Test: start and explicit stop
// ---------------------------------------------------------------------------

func TestTypingTracker_SetAndStop(t *testing.T) {
	tr := NewTypingTracker(DefaultTypingConfig(), nil)

	tr.Set("general", "alice", true)
	if !tr.IsTyping("general", "alice") {
		t.Fatal("expected alice typing after start")
	}

	tr.Set("general", "alice", false)
	if tr.IsTyping("general", "alice") {
		t.Fatal("expected alice not typing after explicit stop")
	}
	if got := tr.EntryCount(); got != 0 {
		t.Fatalf("expected 0 entries, got %d", got)
	}
}

// ---------------------------------------------------------------------------
// Test: stale entries read as not typing even before the sweep runs
// ---------------------------------------------------------------------------

func TestTypingTracker_StaleEntryReadsFalse(t *testing.T) {
	tr := NewTypingTracker(TypingConfig{TTL: 10 * time.Second, SweepInterval: 3 * time.Second}, nil)

	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return base }
	tr.Set("general", "alice", true)

	tr.now = func() time.Time { return base.Add(9 * time.Second) }
	if !tr.IsTyping("general", "alice") {
		t.Fatal("expected entry fresh at 9s")
	}

	tr.now = func() time.Time { return base.Add(11 * time.Second) }
	if tr.IsTyping("general", "alice") {
		t.Fatal("expected stale entry to read as not typing before the sweep")
	}
}

// ---------------------------------------------------------------------------
// Test: sweep expires stale entries and fires onExpire exactly once each
// ---------------------------------------------------------------------------

func TestTypingTracker_SweepExpires(t *testing.T) {
	type expiry struct{ roomID, userID string }
	var fired []expiry

	tr := NewTypingTracker(TypingConfig{TTL: 10 * time.Second, SweepInterval: 3 * time.Second},
		func(roomID, userID string) {
			fired = append(fired, expiry{roomID, userID})
		})

	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return base }
	tr.Set("general", "alice", true)

	tr.now = func() time.Time { return base.Add(8 * time.Second) }
	tr.Set("general", "bob", true) // refreshed recently, must survive

	if n := tr.sweep(base.Add(12 * time.Second)); n != 1 {
		t.Fatalf("expected sweep to expire 1 entry, got %d", n)
	}
	if len(fired) != 1 || fired[0].roomID != "general" || fired[0].userID != "alice" {
		t.Fatalf("expected one expiry for (general, alice), got %v", fired)
	}
	if got := tr.EntryCount(); got != 1 {
		t.Fatalf("expected bob's entry to survive, got %d entries", got)
	}

	// A second sweep at the same instant finds nothing new.
	if n := tr.sweep(base.Add(12 * time.Second)); n != 0 {
		t.Fatalf("expected second sweep to expire 0 entries, got %d", n)
	}
}

// ---------------------------------------------------------------------------
// Test: explicit stop followed by a sweep yields no second expiry
// ---------------------------------------------------------------------------

func TestTypingTracker_ExplicitStopThenSweep(t *testing.T) {
	calls := 0
	tr := NewTypingTracker(TypingConfig{TTL: 10 * time.Second, SweepInterval: 3 * time.Second},
		func(roomID, userID string) { calls++ })

	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return base }

	tr.Set("general", "alice", true)
	tr.Set("general", "alice", false) // explicit stop deletes the entry

	if n := tr.sweep(base.Add(time.Minute)); n != 0 {
		t.Fatalf("expected sweep after explicit stop to expire nothing, got %d", n)
	}
	if calls != 0 {
		t.Fatalf("expected no onExpire calls, got %d", calls)
	}
}

// ---------------------------------------------------------------------------
// Test: ClearUser drops entries across rooms without firing onExpire
// ---------------------------------------------------------------------------

func TestTypingTracker_ClearUserSilent(t *testing.T) {
	calls := 0
	tr := NewTypingTracker(DefaultTypingConfig(), func(roomID, userID string) { calls++ })

	tr.Set("general", "alice", true)
	tr.Set("random", "alice", true)
	tr.Set("general", "bob", true)

	tr.ClearUser("alice")

	if tr.IsTyping("general", "alice") || tr.IsTyping("random", "alice") {
		t.Fatal("expected alice's entries cleared in all rooms")
	}
	if !tr.IsTyping("general", "bob") {
		t.Fatal("expected bob's entry untouched")
	}
	if calls != 0 {
		t.Fatalf("expected ClearUser to be silent, got %d onExpire calls", calls)
	}
}
