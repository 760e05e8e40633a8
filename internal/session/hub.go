package session

import (
	"log/slog"
	"sync"
)

// Conn is one live client connection.
type Conn interface {
	ID() string
	// UserID is the authenticated account behind the connection, or "".
	UserID() string
	// Send delivers one event. It fails once the connection is closed.
	Send(event Event) error
}

// hub groups connections by access code for fan-out.
type hub struct {
	mu       sync.Mutex
	groups   map[string]map[string]Conn
	memberOf map[string]string
}

func newHub() *hub {
	return &hub{
		groups:   make(map[string]map[string]Conn),
		memberOf: make(map[string]string),
	}
}

func (h *hub) subscribe(group string, c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c.ID())
	members, ok := h.groups[group]
	if !ok {
		members = make(map[string]Conn)
		h.groups[group] = members
	}
	members[c.ID()] = c
	h.memberOf[c.ID()] = group
}

func (h *hub) unsubscribe(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(connID)
}

func (h *hub) removeLocked(connID string) {
	group, ok := h.memberOf[connID]
	if !ok {
		return
	}
	delete(h.memberOf, connID)
	members := h.groups[group]
	delete(members, connID)
	if len(members) == 0 {
		delete(h.groups, group)
	}
}

func (h *hub) size(group string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.groups[group])
}

func (h *hub) broadcast(group string, ev Event) {
	h.mu.Lock()
	members := make([]Conn, 0, len(h.groups[group]))
	for _, c := range h.groups[group] {
		members = append(members, c)
	}
	h.mu.Unlock()

	for _, c := range members {
		if err := c.Send(ev); err != nil {
			slog.Debug("dropping event for closed connection", "event", ev.Type, "connection_id", c.ID(), "error", err)
		}
	}
}
