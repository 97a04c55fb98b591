// Package realtime pushes committed appointment changes to connected
// dashboards over websockets and server-sent events.
package realtime

import (
	"sync"
)

// Client is one websocket connection. Send is closed by Unregister.
type Client struct {
	ID    string
	Rooms []string
	Send  chan []byte
}

func NewClient(id string, buffer int) *Client {
	return &Client{ID: id, Rooms: []string{}, Send: make(chan []byte, buffer)}
}

// Hub tracks clients by room.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*Client]struct{}
	all   map[*Client]struct{}
}

func NewHub() *Hub {
	return &Hub{
		rooms: make(map[string]map[*Client]struct{}),
		all:   make(map[*Client]struct{}),
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[c] = struct{}{}
	for _, room := range c.Rooms {
		h.addLocked(room, c)
	}
}

func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[c]; !ok {
		return
	}
	for _, room := range c.Rooms {
		h.removeLocked(room, c)
	}
	delete(h.all, c)
	close(c.Send)
}

// Join adds rooms to a registered client. Rooms it is already in are skipped.
func (h *Hub) Join(c *Client, rooms []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[c]; !ok {
		return
	}
	for _, room := range rooms {
		if _, in := h.rooms[room][c]; in {
			continue
		}
		h.addLocked(room, c)
		c.Rooms = append(c.Rooms, room)
	}
}

func (h *Hub) Leave(c *Client, rooms []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	drop := make(map[string]struct{}, len(rooms))
	for _, room := range rooms {
		drop[room] = struct{}{}
		h.removeLocked(room, c)
	}

	kept := c.Rooms[:0:0]
	for _, room := range c.Rooms {
		if _, ok := drop[room]; !ok {
			kept = append(kept, room)
		}
	}
	c.Rooms = kept
}

// Broadcast queues msg for every client in room and returns how many took
// it. A client with a full buffer misses the message rather than stalling
// the rest.
func (h *Hub) Broadcast(room string, msg []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for c := range h.rooms[room] {
		select {
		case c.Send <- msg:
			n++
		default:
		}
	}
	return n
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

func (h *Hub) RoomCount(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

func (h *Hub) addLocked(room string, c *Client) {
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Client]struct{})
	}
	h.rooms[room][c] = struct{}{}
}

func (h *Hub) removeLocked(room string, c *Client) {
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, c)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}
