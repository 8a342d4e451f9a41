package realtime

import (
	"sort"
	"testing"
)

// ---------------------------------------------------------------------------
// Test: join and leave are idempotent
// ---------------------------------------------------------------------------

func TestRooms_JoinLeaveIdempotent(t *testing.T) {
	rooms := NewRooms()

	rooms.Join("general", "alice")
	rooms.Join("general", "alice")
	if !rooms.Contains("general", "alice") {
		t.Fatal("expected alice in general")
	}
	if got := rooms.MembersOf("general"); len(got) != 1 {
		t.Fatalf("expected 1 member after duplicate join, got %d", len(got))
	}

	rooms.Leave("general", "alice")
	rooms.Leave("general", "alice") // second leave is a no-op
	if rooms.Contains("general", "alice") {
		t.Fatal("expected alice out of general")
	}
	rooms.Leave("no-such-room", "alice") // unknown room is a no-op
}

// ---------------------------------------------------------------------------
// Test: membership churn never leaves empty room entries behind
// ---------------------------------------------------------------------------

func TestRooms_ChurnLeavesNoEmptyRooms(t *testing.T) {
	rooms := NewRooms()

	users := []string{"u1", "u2", "u3", "u4"}
	for i := 0; i < 50; i++ {
		for _, u := range users {
			rooms.Join("busy", u)
		}
		for _, u := range users {
			rooms.Leave("busy", u)
		}
	}

	if got := rooms.RoomCount(); got != 0 {
		t.Fatalf("expected 0 rooms after full churn, got %d", got)
	}
	if got := rooms.MembersOf("busy"); len(got) != 0 {
		t.Fatalf("expected no members, got %v", got)
	}
}

// ---------------------------------------------------------------------------
// Test: reverse lookup of a user's rooms
// ---------------------------------------------------------------------------

func TestRooms_RoomsContaining(t *testing.T) {
	rooms := NewRooms()

	rooms.Join("general", "alice")
	rooms.Join("random", "alice")
	rooms.Join("general", "bob")

	got := rooms.RoomsContaining("alice")
	sort.Strings(got)
	want := []string{"general", "random"}
	if len(got) != len(want) {
		t.Fatalf("expected rooms %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected rooms %v, got %v", want, got)
		}
	}

	if got := rooms.RoomsContaining("nobody"); len(got) != 0 {
		t.Fatalf("expected no rooms for unknown user, got %v", got)
	}
}
