package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/sellerdesk/internal/event"
)

var (
	// ErrInvalidConnectionID is returned by Connect for an empty id.
	ErrInvalidConnectionID = errors.New("connection id is required")
	// ErrDuplicateConnection is returned by Connect when the id is taken.
	ErrDuplicateConnection = errors.New("connection already registered")
	// ErrHandshake is returned by Connect when the welcome event cannot be written.
	ErrHandshake = errors.New("connection handshake failed")
)

// Default liveness settings.
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultTimeoutMultiplier = 4
)

// Options configures a Manager.
type Options struct {
	HeartbeatInterval time.Duration
	TimeoutMultiplier int
	// Now overrides the clock; used by tests.
	Now func() time.Time
}

// DisconnectHook is called after a connection leaves the table.
type DisconnectHook func(info Info, reason string)

// Stats summarizes the manager's state.
type Stats struct {
	Connections    int   `json:"connections"`
	Conversations  int   `json:"conversations"`
	Users          int   `json:"users"`
	Subscriptions  int   `json:"subscriptions"`
	MessagesSent   int64 `json:"messages_sent"`
	Disconnections int64 `json:"disconnections"`
}

type group map[string]map[string]struct{}

func (g group) add(key, id string) {
	if key == "" {
		return
	}
	if _, ok := g[key]; !ok {
		g[key] = make(map[string]struct{})
	}
	g[key][id] = struct{}{}
}

func (g group) remove(key, id string) {
	members, ok := g[key]
	if !ok {
		return
	}
	delete(members, id)
	if len(members) == 0 {
		delete(g, key)
	}
}

func (g group) members(key string) []string {
	members := g[key]
	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	return ids
}

// Manager owns the connection table and the three group indices. All index
// mutation happens under mu; sends work on snapshots taken under the read lock.
type Manager struct {
	interval   time.Duration
	multiplier int
	now        func() time.Time
	logger     *slog.Logger

	mu            sync.RWMutex
	conns         map[string]*Connection
	conversations group
	users         group
	topics        group

	hooks []DisconnectHook

	monitorEnabled bool
	monitorCtx     context.Context
	monitorCancel  context.CancelFunc
	monitorGen     uint64

	messagesSent   atomic.Int64
	disconnections atomic.Int64
}

// NewManager creates a manager. Pass a nil logger for the default.
func NewManager(opts Options, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.TimeoutMultiplier <= 0 {
		opts.TimeoutMultiplier = DefaultTimeoutMultiplier
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		interval:      opts.HeartbeatInterval,
		multiplier:    opts.TimeoutMultiplier,
		now:           opts.Now,
		logger:        logger.With("component", "connection_manager"),
		conns:         make(map[string]*Connection),
		conversations: make(group),
		users:         make(group),
		topics:        make(group),
	}
}

// HeartbeatTimeout is the silence window after which a connection is dropped.
func (m *Manager) HeartbeatTimeout() time.Duration {
	return m.interval * time.Duration(m.multiplier)
}

// HeartbeatInterval is the liveness sweep period.
func (m *Manager) HeartbeatInterval() time.Duration {
	return m.interval
}

// OnDisconnect registers a hook fired after every successful Disconnect.
func (m *Manager) OnDisconnect(hook DisconnectHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, hook)
}

// Start enables the liveness monitor. The monitor goroutine runs only while
// at least one connection is registered; it stops when ctx is done and stays
// off until Start is called again.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.monitorEnabled = true
	m.monitorCtx = ctx
	if len(m.conns) > 0 {
		m.startMonitorLocked()
	}
}

// Stop disables the liveness monitor.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.monitorEnabled = false
	m.stopMonitorLocked()
}

// MonitorRunning reports whether the liveness goroutine is active.
func (m *Manager) MonitorRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.monitorCancel != nil
}

func (m *Manager) startMonitorLocked() {
	if !m.monitorEnabled || m.monitorCancel != nil {
		return
	}
	parent := m.monitorCtx
	if parent == nil {
		parent = context.Background()
	}
	if parent.Err() != nil {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	m.monitorCancel = cancel
	m.monitorGen++
	go m.runMonitor(ctx, m.monitorGen)
	m.logger.Debug("liveness monitor started", "interval", m.interval, "timeout", m.HeartbeatTimeout())
}

func (m *Manager) stopMonitorLocked() {
	if m.monitorCancel == nil {
		return
	}
	m.monitorCancel()
	m.monitorCancel = nil
	m.logger.Debug("liveness monitor stopped")
}

func (m *Manager) runMonitor(ctx context.Context, gen uint64) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	defer m.monitorExited(gen)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx, m.now())
		}
	}
}

// monitorExited forgets the monitor of generation gen when it ended on its
// own, so MonitorRunning reports the truth and a later Start can restart it.
func (m *Manager) monitorExited(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.monitorGen != gen || m.monitorCancel == nil {
		return
	}
	m.monitorCancel()
	m.monitorCancel = nil
	m.logger.Debug("liveness monitor exited")
}

// Sweep runs one liveness pass at the given instant: silent connections past
// the timeout are dropped, the rest are probed. It returns the number of
// connections dropped.
func (m *Manager) Sweep(ctx context.Context, now time.Time) int {
	timeout := m.HeartbeatTimeout()
	dropped := 0
	for _, c := range m.snapshot() {
		if m.sweepOne(ctx, c, now, timeout) {
			dropped++
		}
	}
	return dropped
}

func (m *Manager) sweepOne(ctx context.Context, c *Connection, now time.Time, timeout time.Duration) (dropped bool) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("liveness check panicked", "connection_id", c.ID, "panic", r)
		}
	}()

	elapsed := now.Sub(c.LastSeen())
	if elapsed > timeout {
		m.logger.Info("connection timed out", "connection_id", c.ID, "silent_for", elapsed)
		return m.Disconnect(c.ID, ReasonHeartbeatTimeout)
	}

	probe := event.New(c.ConversationID(), &event.Ping{})
	data, err := event.Encode(probe)
	if err != nil {
		m.logger.Error("failed to encode liveness probe", "error", err)
		return false
	}
	if err := c.write(ctx, data); err != nil {
		m.logger.Info("liveness probe failed", "connection_id", c.ID, "error", err)
		return m.Disconnect(c.ID, ReasonHeartbeatTimeout)
	}
	m.messagesSent.Add(1)
	return false
}

// Connect registers an accepted transport and welcomes it with a
// connection_established event.
func (m *Manager) Connect(ctx context.Context, t Transport, connectionID, userID, conversationID string) (*Connection, error) {
	if connectionID == "" {
		return nil, ErrInvalidConnectionID
	}
	now := m.now()
	c := &Connection{
		ID:             connectionID,
		UserID:         userID,
		ConnectedAt:    now,
		transport:      t,
		conversationID: conversationID,
		lastSeen:       now,
		subscriptions:  make(map[string]struct{}),
		attributes:     make(map[string]any),
	}

	m.mu.Lock()
	if _, exists := m.conns[connectionID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateConnection, connectionID)
	}
	m.conns[connectionID] = c
	m.conversations.add(conversationID, connectionID)
	m.users.add(userID, connectionID)
	total := len(m.conns)
	if total == 1 {
		m.startMonitorLocked()
	}
	m.mu.Unlock()

	m.logger.Info("connection registered",
		"connection_id", connectionID,
		"user_id", userID,
		"conversation_id", conversationID,
		"total_connections", total,
	)

	welcome := event.New(conversationID, &event.ConnectionEstablished{
		ConnectionID:      connectionID,
		UserID:            userID,
		ConversationID:    conversationID,
		HeartbeatInterval: int(m.interval / time.Second),
	})
	if err := m.deliver(ctx, c, welcome); err != nil {
		m.Disconnect(connectionID, ReasonHandshakeFailed)
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	return c, nil
}

// Disconnect removes a connection from the table and every index and closes
// its transport. It returns false when the connection is already gone.
func (m *Manager) Disconnect(connectionID, reason string) bool {
	m.mu.Lock()
	c, ok := m.conns[connectionID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.conns, connectionID)

	c.mu.Lock()
	m.conversations.remove(c.conversationID, connectionID)
	m.users.remove(c.UserID, connectionID)
	for topic := range c.subscriptions {
		m.topics.remove(topic, connectionID)
	}
	c.subscriptions = make(map[string]struct{})
	c.mu.Unlock()

	remaining := len(m.conns)
	if remaining == 0 {
		m.stopMonitorLocked()
	}
	hooks := append([]DisconnectHook(nil), m.hooks...)
	m.mu.Unlock()

	m.disconnections.Add(1)
	if c.markClosed() {
		if err := c.transport.Close(closeCode(reason), reason); err != nil {
			m.logger.Debug("transport close failed", "connection_id", connectionID, "error", err)
		}
	}

	m.logger.Info("connection removed",
		"connection_id", connectionID,
		"user_id", c.UserID,
		"reason", reason,
		"total_connections", remaining,
	)

	info := c.Info()
	for _, hook := range hooks {
		m.runHook(hook, info, reason)
	}
	return true
}

func (m *Manager) runHook(hook DisconnectHook, info Info, reason string) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("disconnect hook panicked", "connection_id", info.ID, "panic", r)
		}
	}()
	hook(info, reason)
}

// Close disconnects every connection and stops the monitor.
func (m *Manager) Close() {
	m.Stop()
	for _, c := range m.snapshot() {
		m.Disconnect(c.ID, ReasonServerShutdown)
	}
}

// Get returns a registered connection.
func (m *Manager) Get(connectionID string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[connectionID]
	return c, ok
}

// Len returns the number of registered connections.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// Touch refreshes the liveness timestamp.
func (m *Manager) Touch(connectionID string) bool {
	c, ok := m.Get(connectionID)
	if !ok {
		return false
	}
	now := m.now()
	c.mu.Lock()
	c.lastSeen = now
	c.mu.Unlock()
	return true
}

// SetAttribute stores an arbitrary attribute on a connection.
func (m *Manager) SetAttribute(connectionID, key string, value any) bool {
	c, ok := m.Get(connectionID)
	if !ok {
		return false
	}
	c.mu.Lock()
	c.attributes[key] = value
	c.mu.Unlock()
	return true
}

// Subscribe adds topic to the connection's subscriptions.
func (m *Manager) Subscribe(connectionID, topic string) bool {
	if topic == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[connectionID]
	if !ok {
		return false
	}
	c.mu.Lock()
	c.subscriptions[topic] = struct{}{}
	c.mu.Unlock()
	m.topics.add(topic, connectionID)
	return true
}

// Unsubscribe removes topic from the connection's subscriptions.
func (m *Manager) Unsubscribe(connectionID, topic string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[connectionID]
	if !ok {
		return false
	}
	c.mu.Lock()
	_, had := c.subscriptions[topic]
	delete(c.subscriptions, topic)
	c.mu.Unlock()
	m.topics.remove(topic, connectionID)
	return had
}

// Reassign moves one connection to another conversation group.
func (m *Manager) Reassign(connectionID, conversationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[connectionID]
	if !ok {
		return false
	}
	m.reassignLocked(c, conversationID)
	return true
}

// ReassignConversation moves every member of oldID to newID in one step and
// returns the number of connections moved.
func (m *Manager) ReassignConversation(oldID, newID string) int {
	if oldID == "" || oldID == newID {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	moved := 0
	for _, id := range m.conversations.members(oldID) {
		if c, ok := m.conns[id]; ok {
			m.reassignLocked(c, newID)
			moved++
		}
	}
	if moved > 0 {
		m.logger.Info("conversation reassigned", "from", oldID, "to", newID, "connections", moved)
	}
	return moved
}

func (m *Manager) reassignLocked(c *Connection, conversationID string) {
	c.mu.Lock()
	old := c.conversationID
	c.conversationID = conversationID
	c.mu.Unlock()
	if old == conversationID {
		return
	}
	m.conversations.remove(old, c.ID)
	m.conversations.add(conversationID, c.ID)
}

// SendTo writes an event to one connection. A failed write disconnects the
// target with reason send_error.
func (m *Manager) SendTo(ctx context.Context, connectionID string, ev event.Event) bool {
	c, ok := m.Get(connectionID)
	if !ok {
		return false
	}
	if err := m.deliver(ctx, c, ev); err != nil {
		m.logger.Warn("send failed", "connection_id", connectionID, "type", ev.Kind, "error", err)
		m.Disconnect(connectionID, ReasonSendError)
		return false
	}
	return true
}

// SendToConversation fans ev out to a conversation group.
func (m *Manager) SendToConversation(ctx context.Context, conversationID string, ev event.Event, exclude ...string) int {
	return m.fanOut(ctx, m.groupSnapshot(m.conversations, conversationID), ev, exclude)
}

// SendToUser fans ev out to every connection of a user.
func (m *Manager) SendToUser(ctx context.Context, userID string, ev event.Event) int {
	return m.fanOut(ctx, m.groupSnapshot(m.users, userID), ev, nil)
}

// SendToTopic fans ev out to every subscriber of topic.
func (m *Manager) SendToTopic(ctx context.Context, topic string, ev event.Event) int {
	return m.fanOut(ctx, m.groupSnapshot(m.topics, topic), ev, nil)
}

// Broadcast sends ev to every connection not in exclude.
func (m *Manager) Broadcast(ctx context.Context, ev event.Event, exclude ...string) int {
	return m.fanOut(ctx, m.snapshot(), ev, exclude)
}

func (m *Manager) fanOut(ctx context.Context, targets []*Connection, ev event.Event, exclude []string) int {
	if len(targets) == 0 {
		return 0
	}
	data, err := event.Encode(ev)
	if err != nil {
		m.logger.Error("failed to encode event", "type", ev.Kind, "error", err)
		return 0
	}
	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	delivered := 0
	for _, c := range targets {
		if _, ok := skip[c.ID]; ok {
			continue
		}
		if err := c.write(ctx, data); err != nil {
			m.logger.Warn("fan-out send failed", "connection_id", c.ID, "type", ev.Kind, "error", err)
			m.Disconnect(c.ID, ReasonSendError)
			continue
		}
		m.messagesSent.Add(1)
		delivered++
	}
	return delivered
}

func (m *Manager) deliver(ctx context.Context, c *Connection, ev event.Event) error {
	data, err := event.Encode(ev)
	if err != nil {
		return fmt.Errorf("encode %s: %w", ev.Kind, err)
	}
	if err := c.write(ctx, data); err != nil {
		return err
	}
	m.messagesSent.Add(1)
	return nil
}

func (m *Manager) snapshot() []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c)
	}
	return out
}

func (m *Manager) groupSnapshot(g group, key string) []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	members := g[key]
	out := make([]*Connection, 0, len(members))
	for id := range members {
		if c, ok := m.conns[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

// ConversationMembers returns the connection snapshots of a conversation.
func (m *Manager) ConversationMembers(conversationID string) []Info {
	return infos(m.groupSnapshot(m.conversations, conversationID))
}

// ConversationSize returns the number of connections in a conversation.
func (m *Manager) ConversationSize(conversationID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conversations[conversationID])
}

// Connections returns snapshots of every connection, oldest first.
func (m *Manager) Connections() []Info {
	return infos(m.snapshot())
}

func infos(conns []*Connection) []Info {
	out := make([]Info, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Info())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// Stats returns counters and index sizes.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{
		Connections:    len(m.conns),
		Conversations:  len(m.conversations),
		Users:          len(m.users),
		Subscriptions:  len(m.topics),
		MessagesSent:   m.messagesSent.Load(),
		Disconnections: m.disconnections.Load(),
	}
}

// checkInvariants verifies that every index entry refers to a registered
// connection whose fields point back at the key, and that no group is empty.
func (m *Manager) checkInvariants() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	check := func(name string, g group, field func(*Connection, string) bool) error {
		for key, members := range g {
			if len(members) == 0 {
				return fmt.Errorf("%s group %q is empty", name, key)
			}
			for id := range members {
				c, ok := m.conns[id]
				if !ok {
					return fmt.Errorf("%s group %q holds unknown connection %q", name, key, id)
				}
				if !field(c, key) {
					return fmt.Errorf("%s group %q holds %q which does not reference it", name, key, id)
				}
			}
		}
		return nil
	}
	if err := check("conversation", m.conversations, func(c *Connection, key string) bool { return c.ConversationID() == key }); err != nil {
		return err
	}
	if err := check("user", m.users, func(c *Connection, key string) bool { return c.UserID == key }); err != nil {
		return err
	}
	return check("topic", m.topics, func(c *Connection, key string) bool { return c.Subscribed(key) })
}
