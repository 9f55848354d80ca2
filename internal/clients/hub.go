// Package clients tracks the app windows connected to the agent over
// WebSocket. It is the agent's view of open windows: it enumerates them,
// focuses them, asks them to open new windows, claims them for a new agent
// version and shows notifications in them.
package clients

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"clinicedge/internal/edge"
)

// Message is the envelope exchanged with windows in both directions.
type Message struct {
	Type         string                   `json:"type"`
	ID           string                   `json:"id,omitempty"`
	URL          string                   `json:"url,omitempty"`
	Version      string                   `json:"version,omitempty"`
	Notification *edge.NotificationRecord `json:"notification,omitempty"`
}

// Inbound message types.
const (
	TypeHello             = "hello"
	TypeNavigate          = "navigate"
	TypeFocus             = "focus"
	TypeNotificationClick = "notificationclick"
	TypeNotificationClose = "notificationclose"
)

// Outbound message types.
const (
	TypeNotification     = "notification"
	TypeOpen             = "open"
	TypeControllerChange = "controllerchange"
)

// Client is one connected window.
type Client struct {
	ID   string
	Send chan []byte

	url         string
	controlled  bool
	focused     bool
	connectedAt time.Time
	focusedAt   time.Time
}

// Hub is the registry of connected windows. All methods are safe for
// concurrent use.
type Hub struct {
	log zerolog.Logger

	// OnNotificationClick and OnNotificationClose are invoked for the
	// corresponding window messages.
	OnNotificationClick func(ctx context.Context, id string)
	OnNotificationClose func(ctx context.Context, id string)

	mu      sync.RWMutex
	all     map[string]*Client
	version string
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		log: log,
		all: make(map[string]*Client),
	}
}

// Register adds a client. Windows connecting after an activation are
// controlled by the active version from the start.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.connectedAt.IsZero() {
		c.connectedAt = time.Now()
	}
	c.controlled = h.version != ""
	h.all[c.ID] = c
}

// Unregister removes a client and closes its Send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.all[c.ID]; !ok || cur != c {
		return
	}
	delete(h.all, c.ID)
	close(c.Send)
}

// ProcessMessage applies one inbound window message.
func (h *Hub) ProcessMessage(ctx context.Context, c *Client, msg Message) {
	switch msg.Type {
	case TypeHello, TypeNavigate:
		h.mu.Lock()
		c.url = msg.URL
		h.mu.Unlock()
	case TypeFocus:
		h.mu.Lock()
		h.setFocusedLocked(c)
		h.mu.Unlock()
	case TypeNotificationClick:
		if h.OnNotificationClick != nil && msg.ID != "" {
			h.OnNotificationClick(ctx, msg.ID)
		}
	case TypeNotificationClose:
		if h.OnNotificationClose != nil && msg.ID != "" {
			h.OnNotificationClose(ctx, msg.ID)
		}
	default:
		h.log.Debug().Str("type", msg.Type).Str("window", c.ID).Msg("ignoring unknown window message")
	}
}

func (h *Hub) setFocusedLocked(c *Client) {
	for _, other := range h.all {
		other.focused = false
	}
	c.focused = true
	c.focusedAt = time.Now()
}

// MatchAll returns the connected windows in connection order. Windows not
// yet controlled by an active version are included only on request.
func (h *Hub) MatchAll(_ context.Context, includeUncontrolled bool) ([]edge.Window, error) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.all))
	for _, c := range h.all {
		if !c.controlled && !includeUncontrolled {
			continue
		}
		clients = append(clients, c)
	}
	sortByConnectedAt(clients)
	out := make([]edge.Window, 0, len(clients))
	for _, c := range clients {
		out = append(out, edge.Window{
			ID:         c.ID,
			URL:        c.url,
			Controlled: c.controlled,
			Focused:    c.focused,
		})
	}
	h.mu.RUnlock()
	return out, nil
}

// Focus brings the window id to the foreground.
func (h *Hub) Focus(_ context.Context, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.all[id]
	if !ok {
		return edge.ErrNoWindow
	}
	h.setFocusedLocked(c)
	h.sendLocked(c, Message{Type: TypeFocus})
	return nil
}

// OpenWindow asks the most recently focused window to open url. Without any
// connected window nothing can open one and ErrUnsupported is returned.
func (h *Hub) OpenWindow(_ context.Context, url string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	var pick *Client
	for _, c := range h.all {
		if pick == nil || c.focusedAt.After(pick.focusedAt) ||
			(c.focusedAt.Equal(pick.focusedAt) && c.connectedAt.After(pick.connectedAt)) {
			pick = c
		}
	}
	if pick == nil {
		return edge.ErrUnsupported
	}
	h.sendLocked(pick, Message{Type: TypeOpen, URL: url})
	return nil
}

// Claim marks every window as controlled by version and tells each of them.
func (h *Hub) Claim(_ context.Context, version string) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.version = version
	for _, c := range h.all {
		c.controlled = true
		h.sendLocked(c, Message{Type: TypeControllerChange, Version: version})
	}
	return len(h.all), nil
}

// Show broadcasts a displayed notification to every window.
func (h *Hub) Show(_ context.Context, rec edge.NotificationRecord) error {
	h.broadcast(Message{Type: TypeNotification, ID: rec.ID, Notification: &rec})
	return nil
}

// Close tells every window the notification id was dismissed.
func (h *Hub) Close(_ context.Context, id string) error {
	h.broadcast(Message{Type: TypeNotificationClose, ID: id})
	return nil
}

func (h *Hub) broadcast(msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.all {
		h.sendLocked(c, msg)
	}
}

// sendLocked queues msg for c. A full buffer drops the message rather than
// blocking the hub.
func (h *Hub) sendLocked(c *Client, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error().Err(err).Str("type", msg.Type).Msg("marshal window message")
		return
	}
	select {
	case c.Send <- data:
	default:
		h.log.Warn().Str("window", c.ID).Str("type", msg.Type).Msg("window buffer full, dropping message")
	}
}

// ClientCount returns the number of connected windows.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

func sortByConnectedAt(cs []*Client) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].connectedAt.Equal(cs[j].connectedAt) {
			return cs[i].ID < cs[j].ID
		}
		return cs[i].connectedAt.Before(cs[j].connectedAt)
	})
}
