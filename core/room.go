package core

import (
	"log/slog"
	"slices"
	"sync"
)

type room struct {
	mu      sync.RWMutex
	members map[string]Handle
	// dead is set once the room has been emptied and removed from the index.
	dead bool
}

// membership is the set of rooms one handle has joined.
type membership struct {
	mu      sync.Mutex
	rooms   map[string]struct{}
	dropped bool
}

// Multiplexer tracks which handles are subscribed to which rooms and fans events out to them.
// Every room carries its own lock so fan-out and join/leave on unrelated rooms never contend.
//
// Lock order is membership, then room, then the room index.
type Multiplexer struct {
	rooms       *SyncMap[string, *room]
	memberships *SyncMap[string, *membership]
	logger      *slog.Logger

	onDeliveryFailure func(Handle, error)
}

type MultiplexerOption func(*Multiplexer)

// WithDeliveryFailure sets the hook invoked when a write to a member fails.
// The hook must clean the handle up; the default closes it and drops its memberships.
func WithDeliveryFailure(f func(Handle, error)) MultiplexerOption {
	return func(m *Multiplexer) {
		m.onDeliveryFailure = f
	}
}

func NewMultiplexer(logger *slog.Logger, opts ...MultiplexerOption) *Multiplexer {
	m := &Multiplexer{
		rooms:       NewSyncMap[string, *room](),
		memberships: NewSyncMap[string, *membership](),
		logger:      logger.With(slog.String("component", "rooms")),
	}
	m.onDeliveryFailure = func(h Handle, _ error) {
		h.Close()
		m.DropHandle(h)
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnDeliveryFailure replaces the delivery failure hook.
func (m *Multiplexer) OnDeliveryFailure(f func(Handle, error)) {
	m.onDeliveryFailure = f
}

// Join subscribes handle to roomID. Joining a room twice is a no-op.
// Callers are responsible for authorization.
func (m *Multiplexer) Join(roomID string, handle Handle) error {
	ms := m.memberships.LoadAndStore(handle.ID(), func(ms *membership, ok bool) *membership {
		if ok {
			return ms
		}
		return &membership{rooms: make(map[string]struct{})}
	})

	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.dropped || handle.Closed() {
		return ErrHandleClosed
	}
	if _, ok := ms.rooms[roomID]; ok {
		return nil
	}

	for {
		r := m.rooms.LoadAndStore(roomID, func(r *room, ok bool) *room {
			if ok {
				return r
			}
			return &room{members: make(map[string]Handle)}
		})
		r.mu.Lock()
		if r.dead {
			// emptied and unindexed while we were acquiring it
			r.mu.Unlock()
			continue
		}
		r.members[handle.ID()] = handle
		r.mu.Unlock()
		break
	}
	ms.rooms[roomID] = struct{}{}
	return nil
}

// Leave unsubscribes handle from roomID. Leaving a room the handle is not in is a no-op.
func (m *Multiplexer) Leave(roomID string, handle Handle) {
	ms, ok := m.memberships.Load(handle.ID())
	if !ok {
		return
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if _, ok := ms.rooms[roomID]; !ok {
		return
	}
	delete(ms.rooms, roomID)
	m.removeMember(roomID, handle)
}

// DropHandle removes handle from every room it belongs to.
func (m *Multiplexer) DropHandle(handle Handle) {
	ms, ok := m.memberships.Load(handle.ID())
	if !ok {
		return
	}
	ms.mu.Lock()
	ms.dropped = true
	for roomID := range ms.rooms {
		m.removeMember(roomID, handle)
	}
	clear(ms.rooms)
	ms.mu.Unlock()

	m.memberships.CompareAndDelete(handle.ID(), func(current *membership) bool {
		return current == ms
	})
}

func (m *Multiplexer) removeMember(roomID string, handle Handle) {
	r, ok := m.rooms.Load(roomID)
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members, handle.ID())
	if len(r.members) == 0 && !r.dead {
		r.dead = true
		m.rooms.CompareAndDelete(roomID, func(current *room) bool {
			return current == r
		})
	}
}

func (m *Multiplexer) snapshot(roomID string) []Handle {
	r, ok := m.rooms.Load(roomID)
	if !ok {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	handles := make([]Handle, 0, len(r.members))
	for _, h := range r.members {
		handles = append(handles, h)
	}
	return handles
}

// Broadcast delivers e to every member of roomID except exclude, which may be nil.
// A failed write is handed to the delivery failure hook and never reported to the caller.
// It returns the number of members the event was queued for.
func (m *Multiplexer) Broadcast(roomID string, e *Event, exclude Handle) int {
	var delivered int
	for _, h := range m.snapshot(roomID) {
		if exclude != nil && h.ID() == exclude.ID() {
			continue
		}
		if err := h.Send(e); err != nil {
			m.logger.Debug("delivery failed",
				slog.String("room", roomID), slog.String("connection", h.ID()),
				slog.String("event", e.Type), slog.Any("error", err))
			m.onDeliveryFailure(h, err)
			continue
		}
		delivered++
	}
	return delivered
}

// Members returns a snapshot of the handles subscribed to roomID.
func (m *Multiplexer) Members(roomID string) []Handle {
	return m.snapshot(roomID)
}

// HasUser reports whether any connection of userID is subscribed to roomID.
func (m *Multiplexer) HasUser(roomID, userID string) bool {
	r, ok := m.rooms.Load(roomID)
	if !ok {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, h := range r.members {
		if h.UserID() == userID {
			return true
		}
	}
	return false
}

// IsMember reports whether handle is subscribed to roomID.
func (m *Multiplexer) IsMember(roomID string, handle Handle) bool {
	r, ok := m.rooms.Load(roomID)
	if !ok {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok = r.members[handle.ID()]
	return ok
}

// Rooms returns the sorted ids of the rooms handle has joined.
func (m *Multiplexer) Rooms(handle Handle) []string {
	ms, ok := m.memberships.Load(handle.ID())
	if !ok {
		return nil
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	rooms := make([]string, 0, len(ms.rooms))
	for roomID := range ms.rooms {
		rooms = append(rooms, roomID)
	}
	slices.Sort(rooms)
	return rooms
}

// RoomCount is the number of non-empty rooms.
func (m *Multiplexer) RoomCount() int {
	return m.rooms.Len()
}
