package realtime

import (
	"sync"
)

// Hub is the in-process broadcast channel: conversation id -> joined subscribers.
// It holds no durable state; an empty hub after restart is expected and
// clients re-join on reconnect.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]Subscriber
	rooms       map[uint64]map[string]Subscriber
	memberships map[string]map[uint64]struct{}
}

func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[string]Subscriber),
		rooms:       make(map[uint64]map[string]Subscriber),
		memberships: make(map[string]map[uint64]struct{}),
	}
}

// Attach registers a subscriber so it can join rooms.
func (h *Hub) Attach(sub Subscriber) {
	h.mu.Lock()
	h.subscribers[sub.ID()] = sub
	if h.memberships[sub.ID()] == nil {
		h.memberships[sub.ID()] = make(map[uint64]struct{})
	}
	h.mu.Unlock()
}

// Detach leaves every room the subscriber joined. Unknown subscribers are ignored.
func (h *Hub) Detach(sub Subscriber) {
	h.mu.Lock()
	for convID := range h.memberships[sub.ID()] {
		h.leaveLocked(convID, sub.ID())
	}
	delete(h.memberships, sub.ID())
	delete(h.subscribers, sub.ID())
	h.mu.Unlock()
}

// Join subscribes sub to future publishes on convID. Joining twice is a no-op.
func (h *Hub) Join(convID uint64, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[sub.ID()]; !ok {
		h.subscribers[sub.ID()] = sub
	}
	room := h.rooms[convID]
	if room == nil {
		room = make(map[string]Subscriber)
		h.rooms[convID] = room
	}
	room[sub.ID()] = sub

	m := h.memberships[sub.ID()]
	if m == nil {
		m = make(map[uint64]struct{})
		h.memberships[sub.ID()] = m
	}
	m[convID] = struct{}{}
}

// Leave removes sub from convID; leaving a room not joined is not an error.
func (h *Hub) Leave(convID uint64, sub Subscriber) {
	h.mu.Lock()
	h.leaveLocked(convID, sub.ID())
	h.mu.Unlock()
}

func (h *Hub) IsJoined(convID uint64, sub Subscriber) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[convID][sub.ID()]
	return ok
}

// Members is the number of subscribers joined to convID.
func (h *Hub) Members(convID uint64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[convID])
}

// Publish hands payload to every subscriber joined to convID, the sender's
// own connections included. It never blocks on a slow subscriber and returns
// how many accepted the frame.
func (h *Hub) Publish(convID uint64, payload []byte) int {
	h.mu.RLock()
	room := h.rooms[convID]
	targets := make([]Subscriber, 0, len(room))
	for _, sub := range room {
		targets = append(targets, sub)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, sub := range targets {
		if err := sub.Send(payload); err == nil {
			delivered++
		}
	}
	return delivered
}

// SendToUserOutside delivers payload to every attached subscriber of userID
// that is not joined to convID.
func (h *Hub) SendToUserOutside(userID string, convID uint64, payload []byte) int {
	h.mu.RLock()
	room := h.rooms[convID]
	targets := make([]Subscriber, 0, 1)
	for id, sub := range h.subscribers {
		if _, joined := room[id]; joined || sub.UserID() != userID {
			continue
		}
		targets = append(targets, sub)
	}
	h.mu.RUnlock()

	n := 0
	for _, sub := range targets {
		if sub.Send(payload) == nil {
			n++
		}
	}
	return n
}

// Close drops all state and closes every tracked websocket connection.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := make([]Subscriber, 0, len(h.subscribers))
	for _, sub := range h.subscribers {
		subs = append(subs, sub)
	}
	h.subscribers = make(map[string]Subscriber)
	h.rooms = make(map[uint64]map[string]Subscriber)
	h.memberships = make(map[string]map[uint64]struct{})
	h.mu.Unlock()

	for _, sub := range subs {
		if c, ok := sub.(*Connection); ok {
			c.Close(1001, "server shutdown")
		}
	}
}

func (h *Hub) leaveLocked(convID uint64, subID string) {
	room := h.rooms[convID]
	if room == nil {
		return
	}
	delete(room, subID)
	if len(room) == 0 {
		delete(h.rooms, convID)
	}
	if m, ok := h.memberships[subID]; ok {
		delete(m, convID)
	}
}
