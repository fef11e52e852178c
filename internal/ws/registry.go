package ws

import (
	"sync"
)

const handleBuffer = 100

// Handle is one live connection's mailbox in the registry. The owning
// session drains Events; the registry only ever does non-blocking sends,
// so a stalled or dead connection loses events instead of stalling the
// group. The channel is never closed: a handle simply stops receiving
// once it has left every group.
type Handle struct {
	ch chan any
}

func NewHandle() *Handle {
	return &Handle{ch: make(chan any, handleBuffer)}
}

func (h *Handle) Events() <-chan any {
	return h.ch
}

func (h *Handle) send(ev any) bool {
	select {
	case h.ch <- ev:
		return true
	default:
		return false
	}
}

// Registry maps room ids and user ids to the sets of live connection
// handles subscribed to them. Membership mutates concurrently from many
// connection lifecycles; broadcasts iterate over a copy of the set, so a
// leave during a broadcast never corrupts iteration.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]map[*Handle]struct{}
	users map[string]map[*Handle]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[string]map[*Handle]struct{}),
		users: make(map[string]map[*Handle]struct{}),
	}
}

func join(groups map[string]map[*Handle]struct{}, key string, h *Handle) {
	group, ok := groups[key]
	if !ok {
		group = make(map[*Handle]struct{})
		groups[key] = group
	}
	group[h] = struct{}{}
}

func leave(groups map[string]map[*Handle]struct{}, key string, h *Handle) {
	// The group itself is retained even when empty, so a concurrent
	// late joiner never races a create against a delete.
	if group, ok := groups[key]; ok {
		delete(group, h)
	}
}

func snapshot(groups map[string]map[*Handle]struct{}, key string) []*Handle {
	group, ok := groups[key]
	if !ok {
		return nil
	}
	handles := make([]*Handle, 0, len(group))
	for h := range group {
		handles = append(handles, h)
	}
	return handles
}

// JoinRoom adds the handle to the room's broadcast group. Idempotent; the
// group is created lazily.
func (r *Registry) JoinRoom(roomID string, h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	join(r.rooms, roomID, h)
}

func (r *Registry) LeaveRoom(roomID string, h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	leave(r.rooms, roomID, h)
}

// JoinUser subscribes the handle to the user's out-of-band delivery group,
// used for notifications regardless of which room the user is viewing.
func (r *Registry) JoinUser(userID string, h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	join(r.users, userID, h)
}

func (r *Registry) LeaveUser(userID string, h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	leave(r.users, userID, h)
}

// BroadcastRoom delivers the event to every handle currently in the room's
// group, best-effort: one full or dead handle never blocks the rest.
func (r *Registry) BroadcastRoom(roomID string, ev any) {
	r.mu.RLock()
	handles := snapshot(r.rooms, roomID)
	r.mu.RUnlock()

	for _, h := range handles {
		h.send(ev)
	}
}

// BroadcastUser delivers the event to all of a user's open connections.
func (r *Registry) BroadcastUser(userID string, ev any) {
	r.mu.RLock()
	handles := snapshot(r.users, userID)
	r.mu.RUnlock()

	for _, h := range handles {
		h.send(ev)
	}
}

// RoomSize reports the current number of handles in a room's group.
func (r *Registry) RoomSize(roomID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[roomID])
}
