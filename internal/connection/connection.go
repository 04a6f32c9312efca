// Package connection owns live client connections and their group
// memberships (conversation, user, subscription topic), and provides the
// send, fan-out and liveness primitives used by the router and responder.
package connection

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Disconnect reasons used by the manager itself.
const (
	ReasonSendError        = "send_error"
	ReasonHeartbeatTimeout = "heartbeat_timeout"
	ReasonHandshakeFailed  = "handshake_failed"
	ReasonServerShutdown   = "server_shutdown"
	ReasonClientClosed     = "client_closed"
	ReasonReadError        = "read_error"
)

// ErrConnectionClosed is returned when writing to a connection that has been
// removed from the manager.
var ErrConnectionClosed = errors.New("connection closed")

// Transport is the write side of a client connection.
type Transport interface {
	Write(ctx context.Context, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// WSTransport adapts a websocket.Conn to Transport.
type WSTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

// NewWSTransport wraps conn. Writes that take longer than writeTimeout fail.
func NewWSTransport(conn *websocket.Conn, writeTimeout time.Duration) *WSTransport {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &WSTransport{conn: conn, writeTimeout: writeTimeout}
}

// Write sends one text frame.
func (t *WSTransport) Write(ctx context.Context, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, t.writeTimeout)
	defer cancel()
	return t.conn.Write(ctx, websocket.MessageText, data)
}

// Close starts the close handshake in the background. The handshake waits for
// the peer, which must not stall the caller (often the liveness monitor).
func (t *WSTransport) Close(code websocket.StatusCode, reason string) error {
	go func() {
		if err := t.conn.Close(code, reason); err != nil {
			slog.Debug("websocket close failed", "error", err, "reason", reason)
		}
	}()
	return nil
}

// Connection is one registered client. Mutable fields are only changed by the
// Manager; getters are safe for concurrent use.
type Connection struct {
	ID          string
	UserID      string
	ConnectedAt time.Time

	transport Transport
	writeMu   sync.Mutex

	mu             sync.RWMutex
	conversationID string
	lastSeen       time.Time
	subscriptions  map[string]struct{}
	attributes     map[string]any
	closed         bool
}

// Info is a point-in-time copy of a connection's state.
type Info struct {
	ID             string    `json:"connection_id"`
	UserID         string    `json:"user_id,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	ConnectedAt    time.Time `json:"connected_at"`
	LastSeen       time.Time `json:"last_seen"`
	Subscriptions  []string  `json:"subscriptions"`
}

// ConversationID returns the conversation group the connection belongs to.
func (c *Connection) ConversationID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conversationID
}

// LastSeen returns the last liveness timestamp.
func (c *Connection) LastSeen() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSeen
}

// Subscribed reports whether the connection is subscribed to topic.
func (c *Connection) Subscribed(topic string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.subscriptions[topic]
	return ok
}

// Attribute returns a connection attribute.
func (c *Connection) Attribute(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.attributes[key]
	return v, ok
}

// Info returns a snapshot of the connection.
func (c *Connection) Info() Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	subs := make([]string, 0, len(c.subscriptions))
	for topic := range c.subscriptions {
		subs = append(subs, topic)
	}
	sort.Strings(subs)
	return Info{
		ID:             c.ID,
		UserID:         c.UserID,
		ConversationID: c.conversationID,
		ConnectedAt:    c.ConnectedAt,
		LastSeen:       c.lastSeen,
		Subscriptions:  subs,
	}
}

// write serializes writers so events reach the client in send-call order.
func (c *Connection) write(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return ErrConnectionClosed
	}
	return c.transport.Write(ctx, data)
}

func (c *Connection) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	return true
}

func closeCode(reason string) websocket.StatusCode {
	switch reason {
	case ReasonClientClosed:
		return websocket.StatusNormalClosure
	default:
		return websocket.StatusGoingAway
	}
}
