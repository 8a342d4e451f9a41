package realtime

import "sync"

// Rooms is the room membership index: which users currently hold an open
// view on which chat rooms. This is live interest, not a durable membership
// grant — the persistence layer owns chat-participant records. Membership
// survives disconnects; only an explicit Leave or a process restart clears it.
type Rooms struct {
	mu      sync.Mutex
	members map[string]map[string]struct{} // room_id -> set of user_id
}

// NewRooms creates an empty membership index.
func NewRooms() *Rooms {
	return &Rooms{members: make(map[string]map[string]struct{})}
}

// Join adds the user to the room's member set. Idempotent.
func (r *Rooms) Join(roomID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.members[roomID]
	if !ok {
		set = make(map[string]struct{})
		r.members[roomID] = set
	}
	set[userID] = struct{}{}
}

// Leave removes the user from the room's member set. Idempotent. The room
// entry is removed entirely when its set empties, so join/leave churn never
// grows the index.
func (r *Rooms) Leave(roomID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.members[roomID]
	if !ok {
		return
	}
	delete(set, userID)
	if len(set) == 0 {
		delete(r.members, roomID)
	}
}

// Contains reports whether the user is a member of the room.
func (r *Rooms) Contains(roomID, userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.members[roomID][userID]
	return ok
}

// MembersOf returns a snapshot of the room's member set. Order is
// unspecified; callers must treat the result as a set.
func (r *Rooms) MembersOf(roomID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.members[roomID]))
	for userID := range r.members[roomID] {
		out = append(out, userID)
	}
	return out
}

// RoomsContaining returns a snapshot of the rooms the user is a member of.
func (r *Rooms) RoomsContaining(userID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []string
	for roomID, set := range r.members {
		if _, ok := set[userID]; ok {
			out = append(out, roomID)
		}
	}
	return out
}

// RoomCount returns the number of rooms with at least one member.
func (r *Rooms) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}
