package connection

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/sellerdesk/internal/event"
)

type fakeTransport struct {
	mu        sync.Mutex
	frames    [][]byte
	failWrite bool
	closed    bool
	code      websocket.StatusCode
	reason    string
}

func (f *fakeTransport) Write(_ context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrite {
		return errors.New("broken pipe")
	}
	f.frames = append(f.frames, append([]byte(nil), data...))
	return nil
}

func (f *fakeTransport) Close(code websocket.StatusCode, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.code = code
	f.reason = reason
	return nil
}

func (f *fakeTransport) setFail(v bool) {
	f.mu.Lock()
	f.failWrite = v
	f.mu.Unlock()
}

func (f *fakeTransport) kinds() []event.Kind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]event.Kind, 0, len(f.frames))
	for _, raw := range f.frames {
		var env struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(raw, &env)
		out = append(out, event.Kind(env.Type))
	}
	return out
}

func (f *fakeTransport) count(kind event.Kind) int {
	n := 0
	for _, k := range f.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(clock *fakeClock) *Manager {
	opts := Options{HeartbeatInterval: 30 * time.Second, TimeoutMultiplier: 4}
	if clock != nil {
		opts.Now = clock.Now
	}
	return NewManager(opts, quietLogger())
}

func mustConnect(t *testing.T, m *Manager, id, user, conv string) *fakeTransport {
	t.Helper()
	ft := &fakeTransport{}
	if _, err := m.Connect(context.Background(), ft, id, user, conv); err != nil {
		t.Fatalf("Connect(%s): %v", id, err)
	}
	return ft
}

func assertInvariants(t *testing.T, m *Manager) {
	t.Helper()
	if err := m.checkInvariants(); err != nil {
		t.Fatal(err)
	}
}

func TestConnectSendsWelcome(t *testing.T) {
	t.Parallel()

	m := newTestManager(nil)
	ft := mustConnect(t, m, "c1", "u1", "conv-1")

	kinds := ft.kinds()
	if len(kinds) != 1 || kinds[0] != event.KindConnectionEstablished {
		t.Fatalf("expected a single connection_established frame, got %v", kinds)
	}
	ev, err := event.Decode(ft.frames[0])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	welcome := ev.Payload.(*event.ConnectionEstablished)
	if welcome.ConnectionID != "c1" || welcome.HeartbeatInterval != 30 {
		t.Errorf("unexpected welcome payload %+v", welcome)
	}
	if ev.ConversationID != "conv-1" {
		t.Errorf("expected welcome addressed to conv-1, got %q", ev.ConversationID)
	}
	assertInvariants(t, m)
}

func TestConnectRejectsDuplicateAndEmptyID(t *testing.T) {
	t.Parallel()

	m := newTestManager(nil)
	mustConnect(t, m, "c1", "u1", "conv-1")

	if _, err := m.Connect(context.Background(), &fakeTransport{}, "c1", "u2", "conv-2"); !errors.Is(err, ErrDuplicateConnection) {
		t.Fatalf("expected ErrDuplicateConnection, got %v", err)
	}
	if _, err := m.Connect(context.Background(), &fakeTransport{}, "", "u2", "conv-2"); !errors.Is(err, ErrInvalidConnectionID) {
		t.Fatalf("expected ErrInvalidConnectionID, got %v", err)
	}
	if m.Len() != 1 {
		t.Fatalf("expected 1 connection, got %d", m.Len())
	}
	assertInvariants(t, m)
}

func TestConnectHandshakeFailure(t *testing.T) {
	t.Parallel()

	m := newTestManager(nil)
	ft := &fakeTransport{failWrite: true}
	if _, err := m.Connect(context.Background(), ft, "c1", "u1", "conv-1"); !errors.Is(err, ErrHandshake) {
		t.Fatalf("expected ErrHandshake, got %v", err)
	}
	if m.Len() != 0 || m.ConversationSize("conv-1") != 0 {
		t.Fatal("failed handshake must not leave the connection registered")
	}
	if !ft.closed {
		t.Fatal("expected transport closed after failed handshake")
	}
	assertInvariants(t, m)
}

func TestGroupMembershipFollowsConnections(t *testing.T) {
	t.Parallel()

	m := newTestManager(nil)
	mustConnect(t, m, "c1", "u1", "conv-1")
	mustConnect(t, m, "c2", "u1", "conv-1")
	mustConnect(t, m, "c3", "u2", "conv-2")
	m.Subscribe("c1", "orders")
	m.Subscribe("c3", "orders")
	assertInvariants(t, m)

	stats := m.Stats()
	if stats.Connections != 3 || stats.Conversations != 2 || stats.Users != 2 || stats.Subscriptions != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	m.Disconnect("c1", ReasonClientClosed)
	assertInvariants(t, m)
	if got := m.ConversationSize("conv-1"); got != 1 {
		t.Fatalf("expected conv-1 size 1, got %d", got)
	}

	m.Disconnect("c3", ReasonClientClosed)
	assertInvariants(t, m)
	stats = m.Stats()
	if stats.Conversations != 1 || stats.Users != 1 || stats.Subscriptions != 0 {
		t.Fatalf("expected empty groups to be deleted, got %+v", stats)
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	t.Parallel()

	m := newTestManager(nil)
	ft := mustConnect(t, m, "c1", "u1", "conv-1")

	var hookCalls int
	m.OnDisconnect(func(info Info, reason string) {
		hookCalls++
		if info.ID != "c1" || reason != ReasonClientClosed {
			t.Errorf("unexpected hook args %+v %q", info, reason)
		}
	})

	if !m.Disconnect("c1", ReasonClientClosed) {
		t.Fatal("first disconnect should report true")
	}
	if m.Disconnect("c1", ReasonClientClosed) {
		t.Fatal("second disconnect should report false")
	}
	if hookCalls != 1 {
		t.Fatalf("expected hook called once, got %d", hookCalls)
	}
	if !ft.closed || ft.code != websocket.StatusNormalClosure {
		t.Fatalf("expected normal closure, got closed=%v code=%v", ft.closed, ft.code)
	}
	if got := m.Stats().Disconnections; got != 1 {
		t.Fatalf("expected 1 disconnection, got %d", got)
	}
}

func TestBroadcastCountsAndDropsFailures(t *testing.T) {
	t.Parallel()

	m := newTestManager(nil)
	a := mustConnect(t, m, "a", "u1", "conv-1")
	b := mustConnect(t, m, "b", "u2", "conv-1")
	c := mustConnect(t, m, "c", "u3", "conv-2")
	b.setFail(true)

	alert := event.New("", &event.SystemAlert{Level: "info", Message: "maintenance"})
	if got := m.Broadcast(context.Background(), alert); got != 2 {
		t.Fatalf("expected 2 deliveries, got %d", got)
	}
	if _, ok := m.Get("b"); ok {
		t.Fatal("failing connection should be removed")
	}
	if !b.closed || b.reason != ReasonSendError {
		t.Fatalf("expected b closed with send_error, got %q", b.reason)
	}
	if a.count(event.KindSystemAlert) != 1 || c.count(event.KindSystemAlert) != 1 {
		t.Fatal("healthy connections should receive the alert once")
	}
	assertInvariants(t, m)
}

func TestBroadcastExclude(t *testing.T) {
	t.Parallel()

	m := newTestManager(nil)
	a := mustConnect(t, m, "a", "u1", "conv-1")
	b := mustConnect(t, m, "b", "u2", "conv-1")

	ev := event.New("", &event.SystemAlert{Level: "info", Message: "hi"})
	if got := m.Broadcast(context.Background(), ev, "a"); got != 1 {
		t.Fatalf("expected 1 delivery, got %d", got)
	}
	if a.count(event.KindSystemAlert) != 0 || b.count(event.KindSystemAlert) != 1 {
		t.Fatal("exclude set not honored")
	}
}

func TestSendToConversationExcludesSender(t *testing.T) {
	t.Parallel()

	m := newTestManager(nil)
	a := mustConnect(t, m, "a", "u1", "conv-1")
	b := mustConnect(t, m, "b", "u2", "conv-1")
	other := mustConnect(t, m, "c", "u3", "conv-2")

	typing := event.New("conv-1", &event.Typing{IsTyping: true, UserID: "u1"})
	if got := m.SendToConversation(context.Background(), "conv-1", typing, "a"); got != 1 {
		t.Fatalf("expected 1 delivery, got %d", got)
	}
	if a.count(event.KindTyping) != 0 || b.count(event.KindTyping) != 1 || other.count(event.KindTyping) != 0 {
		t.Fatal("typing should reach only the other conversation member")
	}
}

func TestSendToUserAndTopic(t *testing.T) {
	t.Parallel()

	m := newTestManager(nil)
	a := mustConnect(t, m, "a", "u1", "conv-1")
	b := mustConnect(t, m, "b", "u1", "conv-2")
	c := mustConnect(t, m, "c", "u2", "conv-2")
	m.Subscribe("c", "inventory")

	ctx := context.Background()
	if got := m.SendToUser(ctx, "u1", event.New("", &event.SystemAlert{Message: "x"})); got != 2 {
		t.Fatalf("SendToUser delivered %d, want 2", got)
	}
	if got := m.SendToTopic(ctx, "inventory", event.New("", &event.SystemAlert{Message: "y"})); got != 1 {
		t.Fatalf("SendToTopic delivered %d, want 1", got)
	}
	if got := m.SendToTopic(ctx, "nobody", event.New("", &event.SystemAlert{Message: "z"})); got != 0 {
		t.Fatalf("SendToTopic to empty topic delivered %d", got)
	}
	if a.count(event.KindSystemAlert) != 1 || b.count(event.KindSystemAlert) != 1 || c.count(event.KindSystemAlert) != 1 {
		t.Fatal("unexpected alert distribution")
	}

	if !m.Unsubscribe("c", "inventory") {
		t.Fatal("expected unsubscribe to report a removed topic")
	}
	if m.Stats().Subscriptions != 0 {
		t.Fatal("expected topic group deleted")
	}
}

func TestSendToFailureDisconnects(t *testing.T) {
	t.Parallel()

	m := newTestManager(nil)
	ft := mustConnect(t, m, "c1", "u1", "conv-1")
	ft.setFail(true)

	if m.SendTo(context.Background(), "c1", event.New("conv-1", &event.Pong{})) {
		t.Fatal("expected send failure")
	}
	if m.Len() != 0 {
		t.Fatal("expected connection removed")
	}
	if m.SendTo(context.Background(), "missing", event.New("", &event.Pong{})) {
		t.Fatal("send to unknown connection must fail")
	}
}

func TestReassignConversationMovesAllMembers(t *testing.T) {
	t.Parallel()

	m := newTestManager(nil)
	mustConnect(t, m, "c1", "u1", "T1")
	mustConnect(t, m, "c2", "u1", "T1")
	mustConnect(t, m, "c3", "u2", "C1")

	if moved := m.ReassignConversation("T1", "C1"); moved != 2 {
		t.Fatalf("expected 2 moved, got %d", moved)
	}
	if m.ConversationSize("T1") != 0 || m.ConversationSize("C1") != 3 {
		t.Fatalf("unexpected sizes T1=%d C1=%d", m.ConversationSize("T1"), m.ConversationSize("C1"))
	}
	c, _ := m.Get("c1")
	if c.ConversationID() != "C1" {
		t.Fatalf("connection not updated: %q", c.ConversationID())
	}
	assertInvariants(t, m)

	if !m.Reassign("c3", "C2") {
		t.Fatal("Reassign should succeed for a registered connection")
	}
	if m.ConversationSize("C1") != 2 || m.ConversationSize("C2") != 1 {
		t.Fatal("single reassign did not move the connection")
	}
	assertInvariants(t, m)
}

func TestSweepHeartbeatTimeout(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	m := newTestManager(clock)
	ft := mustConnect(t, m, "c1", "u1", "conv-1")
	start := clock.Now()

	if dropped := m.Sweep(context.Background(), start.Add(119*time.Second)); dropped != 0 {
		t.Fatalf("connection silent for 119s should survive, dropped=%d", dropped)
	}
	if ft.count(event.KindPing) != 1 {
		t.Fatalf("expected one probe, got %v", ft.kinds())
	}

	if dropped := m.Sweep(context.Background(), start.Add(121*time.Second)); dropped != 1 {
		t.Fatalf("connection silent for 121s should be dropped, dropped=%d", dropped)
	}
	if ft.reason != ReasonHeartbeatTimeout {
		t.Fatalf("expected heartbeat_timeout, got %q", ft.reason)
	}
}

func TestTouchRefreshesLiveness(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	m := newTestManager(clock)
	mustConnect(t, m, "c1", "u1", "conv-1")
	start := clock.Now()

	clock.Advance(100 * time.Second)
	m.Touch("c1")
	if dropped := m.Sweep(context.Background(), start.Add(200*time.Second)); dropped != 0 {
		t.Fatal("touched connection should survive")
	}
}

func TestSweepProbeFailure(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	m := newTestManager(clock)
	ft := mustConnect(t, m, "c1", "u1", "conv-1")
	ft.setFail(true)

	if dropped := m.Sweep(context.Background(), clock.Now().Add(time.Second)); dropped != 1 {
		t.Fatalf("expected probe failure to drop the connection, dropped=%d", dropped)
	}
	if ft.reason != ReasonHeartbeatTimeout {
		t.Fatalf("expected heartbeat_timeout, got %q", ft.reason)
	}
}

func TestMonitorLifecycle(t *testing.T) {
	t.Parallel()

	m := newTestManager(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	if m.MonitorRunning() {
		t.Fatal("monitor must not run with an empty table")
	}
	mustConnect(t, m, "c1", "u1", "conv-1")
	if !m.MonitorRunning() {
		t.Fatal("monitor should start with the first connection")
	}
	m.Disconnect("c1", ReasonClientClosed)
	if m.MonitorRunning() {
		t.Fatal("monitor should stop when the table empties")
	}

	mustConnect(t, m, "c2", "u1", "conv-1")
	m.Close()
	if m.Len() != 0 || m.MonitorRunning() {
		t.Fatal("Close should drain the table and stop the monitor")
	}
}

func TestConcurrentSendsPreserveInvariants(t *testing.T) {
	t.Parallel()

	m := newTestManager(nil)
	for _, id := range []string{"a", "b", "c", "d"} {
		mustConnect(t, m, id, "u-"+id, "conv-1")
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx := context.Background()
			m.SendToConversation(ctx, "conv-1", event.New("conv-1", &event.Typing{IsTyping: i%2 == 0}))
			m.Subscribe("a", "t")
			m.Unsubscribe("a", "t")
			m.Touch("b")
		}(i)
	}
	wg.Wait()
	assertInvariants(t, m)
}

func TestMonitorStopsWithStartContext(t *testing.T) {
	t.Parallel()

	m := newTestManager(nil)
	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	mustConnect(t, m, "c1", "u1", "conv-1")
	if !m.MonitorRunning() {
		t.Fatal("monitor should start with the first connection")
	}

	cancel()
	deadline := time.Now().Add(2 * time.Second)
	for m.MonitorRunning() {
		if time.Now().After(deadline) {
			t.Fatal("monitor still reported running after its context ended")
		}
		time.Sleep(5 * time.Millisecond)
	}

	mustConnect(t, m, "c2", "u1", "conv-1")
	if m.MonitorRunning() {
		t.Fatal("monitor must stay off until Start is called again")
	}

	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	m.Start(ctx2)
	if !m.MonitorRunning() {
		t.Fatal("Start should restart the monitor for live connections")
	}
	m.Close()
}
