package notify

import (
	"context"
	"log/slog"
	"sync"

	"expense-reports/pkg/observability"
)

const sendBuffer = 16

// Hub keeps a room of connections per user and delivers events to every
// connection in the room. Delivery never blocks: a client whose buffer is
// full misses the event.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[*Client]struct{}
	logger *slog.Logger
}

var _ Notifier = (*Hub)(nil)

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{rooms: make(map[string]map[*Client]struct{}), logger: logger}
}

// Client is one subscription in a user's room.
type Client struct {
	userID string
	send   chan []byte
	once   sync.Once
}

func (c *Client) UserID() string { return c.userID }

// Messages yields encoded envelopes until the client is unsubscribed.
func (c *Client) Messages() <-chan []byte { return c.send }

func (h *Hub) Subscribe(userID string) *Client {
	c := &Client{userID: userID, send: make(chan []byte, sendBuffer)}
	h.mu.Lock()
	room, ok := h.rooms[userID]
	if !ok {
		room = make(map[*Client]struct{})
		h.rooms[userID] = room
	}
	room[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *Hub) Unsubscribe(c *Client) {
	h.mu.Lock()
	if room, ok := h.rooms[c.userID]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, c.userID)
		}
	}
	h.mu.Unlock()
	c.once.Do(func() { close(c.send) })
}

// Connections returns how many clients userID has open.
func (h *Hub) Connections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[userID])
}

// deliver returns the number of clients the message was queued for.
func (h *Hub) deliver(userID string, msg []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for c := range h.rooms[userID] {
		select {
		case c.send <- msg:
			n++
		default:
			h.logger.Warn("client buffer full, dropping event", "user_id", userID)
		}
	}
	return n
}

func (h *Hub) publish(event string, data any, userIDs ...string) error {
	msg, err := encode(event, data)
	if err != nil {
		return err
	}
	observability.Notifications.WithLabelValues(event).Inc()
	for _, id := range userIDs {
		n := h.deliver(id, msg)
		h.logger.Debug("event delivered", "event", event, "user_id", id, "connections", n)
	}
	return nil
}

func (h *Hub) ReportReady(_ context.Context, evt ReportReady) error {
	return h.publish(EventReportReady, evt, evt.UserID)
}

func (h *Hub) ExpenseCreated(_ context.Context, evt ExpenseChanged) error {
	return h.publish(EventExpenseCreated, evt, evt.Recipients()...)
}

func (h *Hub) ExpenseUpdated(_ context.Context, evt ExpenseChanged) error {
	return h.publish(EventExpenseUpdated, evt, evt.Recipients()...)
}
