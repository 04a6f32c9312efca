package responder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/sellerdesk/internal/agent"
	"github.com/ashureev/sellerdesk/internal/domain"
	"github.com/ashureev/sellerdesk/internal/event"
)

type sentEvent struct {
	conversationID string
	ev             event.Event
}

type fakeEmitter struct {
	mu   sync.Mutex
	sent []sentEvent
}

func (f *fakeEmitter) SendToConversation(_ context.Context, conversationID string, ev event.Event, _ ...string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentEvent{conversationID: conversationID, ev: ev})
	return 1
}

func (f *fakeEmitter) events() []sentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentEvent(nil), f.sent...)
}

func (f *fakeEmitter) kinds() []event.Kind {
	var out []event.Kind
	for _, s := range f.events() {
		out = append(out, s.ev.Kind)
	}
	return out
}

func (f *fakeEmitter) indexOf(match func(event.Event) bool) int {
	for i, s := range f.events() {
		if match(s.ev) {
			return i
		}
	}
	return -1
}

func (f *fakeEmitter) count(kind event.Kind) int {
	n := 0
	for _, k := range f.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

type fakeGenerator struct {
	fn func(ctx context.Context, req agent.GenerationRequest) (agent.Reply, error)
}

func (g *fakeGenerator) GenerateReply(ctx context.Context, req agent.GenerationRequest) (agent.Reply, error) {
	if g.fn != nil {
		return g.fn(ctx, req)
	}
	return agent.Reply{Content: "hi there"}, nil
}

type fakeWorkflows struct {
	fn func(ctx context.Context, req agent.WorkflowRequest, report agent.Reporter) (agent.WorkflowResult, error)
}

func (w *fakeWorkflows) CoordinateWorkflow(ctx context.Context, req agent.WorkflowRequest, report agent.Reporter) (agent.WorkflowResult, error) {
	if w.fn != nil {
		return w.fn(ctx, req, report)
	}
	report.Progress("market", 0.5, "halfway")
	return agent.WorkflowResult{Summary: "analysis ready"}, nil
}

type memStore struct {
	mu       sync.Mutex
	messages []domain.StoredMessage
}

func (s *memStore) PersistMessage(_ context.Context, msg *domain.StoredMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, *msg)
	return nil
}

type harness struct {
	coord    *Coordinator
	emitter  *fakeEmitter
	store    *memStore
	registry *Registry

	mu       sync.Mutex
	taskErrs []error
}

func newHarness(t *testing.T, gen *fakeGenerator, wf *fakeWorkflows, opts Options) *harness {
	t.Helper()
	h := &harness{emitter: &fakeEmitter{}, store: &memStore{}}
	h.registry = NewRegistry(nil, func(_ TaskInfo, err error) {
		h.mu.Lock()
		h.taskErrs = append(h.taskErrs, err)
		h.mu.Unlock()
	})
	if gen == nil {
		gen = &fakeGenerator{}
	}
	if wf == nil {
		wf = &fakeWorkflows{}
	}
	coord, err := NewCoordinator(Deps{
		Emitter:   h.emitter,
		Store:     h.store,
		Generator: gen,
		Workflows: wf,
		Registry:  h.registry,
	}, opts)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	h.coord = coord
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.registry.Shutdown(ctx)
	})
	return h
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func isTyping(want bool) func(event.Event) bool {
	return func(ev event.Event) bool {
		p, ok := ev.Payload.(*event.Typing)
		return ok && p.IsTyping == want
	}
}

func isKind(k event.Kind) func(event.Event) bool {
	return func(ev event.Event) bool { return ev.Kind == k }
}

func TestSingleResponderOrdering(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, nil, Options{})
	req := Request{ConnectionID: "c1", ConversationID: "main", UserID: "u1", MessageID: "m1", Text: "hello"}
	if err := h.coord.Respond(context.Background(), req); err != nil {
		t.Fatalf("Respond: %v", err)
	}

	typingOn := h.emitter.indexOf(isTyping(true))
	reply := h.emitter.indexOf(isKind(event.KindMessage))
	typingOff := h.emitter.indexOf(isTyping(false))
	if typingOn < 0 || reply < 0 || typingOff < 0 || !(typingOn < reply && reply < typingOff) {
		t.Fatalf("expected typing(true) < message < typing(false), got %v", h.emitter.kinds())
	}
	if h.emitter.count(event.KindWorkflowStarted) != 0 {
		t.Fatal("plain greeting must not start a workflow")
	}
	for _, s := range h.emitter.events() {
		if s.conversationID != "main" || s.ev.ConversationID != "main" {
			t.Fatalf("event %s addressed to %q", s.ev.Kind, s.conversationID)
		}
	}

	msg := h.emitter.events()[reply].ev.Payload.(*event.Message)
	if msg.Role != event.RoleAssistant || msg.AgentRole != "coordinator" || msg.Metadata["reply_to"] != "m1" {
		t.Fatalf("unexpected reply payload %+v", msg)
	}
	if len(h.store.messages) != 1 || h.store.messages[0].ID != msg.MessageID {
		t.Fatalf("expected reply persisted before delivery, got %+v", h.store.messages)
	}
}

func TestWorkflowIntentAcknowledgesBeforeAnyReply(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{fn: func(context.Context, agent.GenerationRequest) (agent.Reply, error) {
		t.Error("single responder must not run for a workflow intent")
		return agent.Reply{}, nil
	}}
	h := newHarness(t, gen, nil, Options{})
	req := Request{ConnectionID: "c1", ConversationID: "main", UserID: "u1", Text: "analyze this product for selling potential"}
	if err := h.coord.Respond(context.Background(), req); err != nil {
		t.Fatalf("Respond: %v", err)
	}

	waitFor(t, func() bool { return h.emitter.count(event.KindWorkflowCompleted) == 1 })

	events := h.emitter.events()
	ack, ok := events[0].ev.Payload.(*event.Message)
	if !ok {
		t.Fatalf("expected acknowledgment message first, got %v", h.emitter.kinds())
	}
	if ack.Metadata["workflow_type"] != "product_analysis" || ack.Metadata["roles"] != "content,market,executive" {
		t.Fatalf("unexpected acknowledgment metadata %+v", ack.Metadata)
	}
	if ack.Metadata["estimated_seconds"] != "45" {
		t.Fatalf("expected 45s estimate, got %q", ack.Metadata["estimated_seconds"])
	}
	started, ok := events[1].ev.Payload.(*event.WorkflowStarted)
	if !ok || started.WorkflowType != "product_analysis" {
		t.Fatalf("expected workflow_started second, got %v", h.emitter.kinds())
	}
	if h.emitter.count(event.KindTyping) != 0 {
		t.Fatal("workflow path must not emit typing indicators")
	}
	if h.emitter.count(event.KindWorkflowProgress) != 1 {
		t.Fatalf("expected reporter progress to be forwarded, got %v", h.emitter.kinds())
	}
}

func TestGenerationFailureSurfacesError(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{fn: func(context.Context, agent.GenerationRequest) (agent.Reply, error) {
		return agent.Reply{}, errors.New("backend exploded: stack trace here")
	}}
	h := newHarness(t, gen, nil, Options{})
	if err := h.coord.Respond(context.Background(), Request{ConversationID: "main", Text: "hello"}); err != nil {
		t.Fatalf("Respond should recover generation errors, got %v", err)
	}

	typingOff := h.emitter.indexOf(isTyping(false))
	errIdx := h.emitter.indexOf(isKind(event.KindError))
	if typingOff < 0 || errIdx < 0 || typingOff > errIdx {
		t.Fatalf("expected typing(false) then error, got %v", h.emitter.kinds())
	}
	payload := h.emitter.events()[errIdx].ev.Payload.(*event.Error)
	if payload.Code != event.CodeGenerationFailed || payload.Message != generationFailedMessage {
		t.Fatalf("unexpected error payload %+v", payload)
	}
	if h.emitter.count(event.KindMessage) != 0 {
		t.Fatal("no reply should be delivered on failure")
	}
}

func TestDirectMarkerSkipsClassification(t *testing.T) {
	t.Parallel()

	var gotRole, gotText string
	gen := &fakeGenerator{fn: func(_ context.Context, req agent.GenerationRequest) (agent.Reply, error) {
		gotRole, gotText = req.Role, req.Message
		return agent.Reply{Content: "numbers look fine"}, nil
	}}
	h := newHarness(t, gen, nil, Options{})
	if err := h.coord.Respond(context.Background(), Request{ConversationID: "main", Text: "@market analyze this product"}); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if gotRole != "market" || gotText != "analyze this product" {
		t.Fatalf("expected direct market request, got role=%q text=%q", gotRole, gotText)
	}
	if h.emitter.count(event.KindWorkflowStarted) != 0 {
		t.Fatal("direct marker must bypass workflow classification")
	}
}

func TestKeepAlivePingerIsBounded(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	gen := &fakeGenerator{fn: func(ctx context.Context, _ agent.GenerationRequest) (agent.Reply, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return agent.Reply{Content: "done"}, nil
	}}
	h := newHarness(t, gen, nil, Options{KeepAliveInterval: 5 * time.Millisecond, KeepAliveMaxIterations: 3})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.coord.Respond(context.Background(), Request{ConversationID: "main", Text: "hello"})
	}()

	waitFor(t, func() bool { return h.emitter.count(event.KindPing) == 3 })
	time.Sleep(30 * time.Millisecond)
	if n := h.emitter.count(event.KindPing); n != 3 {
		t.Fatalf("pinger exceeded its iteration cap: %d pings", n)
	}
	close(release)
	<-done

	lastPing := -1
	for i, s := range h.emitter.events() {
		if s.ev.Kind == event.KindPing {
			lastPing = i
		}
	}
	if lastPing > h.emitter.indexOf(isKind(event.KindMessage)) {
		t.Fatal("pings must stop before the reply is delivered")
	}
}

func TestWorkflowFailureReported(t *testing.T) {
	t.Parallel()

	wf := &fakeWorkflows{fn: func(context.Context, agent.WorkflowRequest, agent.Reporter) (agent.WorkflowResult, error) {
		return agent.WorkflowResult{}, errors.New("pricing service timeout")
	}}
	h := newHarness(t, nil, wf, Options{})
	if err := h.coord.Respond(context.Background(), Request{ConnectionID: "c1", ConversationID: "main", Text: "analyze this product for selling potential"}); err != nil {
		t.Fatalf("Respond: %v", err)
	}

	waitFor(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.taskErrs) == 1
	})
	failed := h.emitter.indexOf(isKind(event.KindWorkflowFailed))
	errIdx := h.emitter.indexOf(isKind(event.KindError))
	if failed < 0 || errIdx < failed {
		t.Fatalf("expected workflow_failed then error, got %v", h.emitter.kinds())
	}
	payload := h.emitter.events()[errIdx].ev.Payload.(*event.Error)
	if payload.Code != event.CodeWorkflowFailed {
		t.Fatalf("unexpected error code %q", payload.Code)
	}
}

func TestCancelOwnerStopsWorkflow(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	wf := &fakeWorkflows{fn: func(ctx context.Context, _ agent.WorkflowRequest, _ agent.Reporter) (agent.WorkflowResult, error) {
		close(entered)
		<-ctx.Done()
		return agent.WorkflowResult{}, ctx.Err()
	}}
	h := newHarness(t, nil, wf, Options{})
	if err := h.coord.Respond(context.Background(), Request{ConnectionID: "c1", ConversationID: "main", Text: "analyze this product for selling potential"}); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	<-entered

	if n := h.registry.CancelOwner("c1"); n != 1 {
		t.Fatalf("expected one task cancelled, got %d", n)
	}
	if h.registry.Len() != 0 {
		t.Fatal("cancelled task still registered")
	}
	p := h.emitter.events()[h.emitter.indexOf(isKind(event.KindWorkflowFailed))].ev.Payload.(*event.WorkflowFailed)
	if p.Stage != "cancelled" {
		t.Fatalf("expected cancelled stage, got %q", p.Stage)
	}
	if h.emitter.count(event.KindError) != 0 {
		t.Fatal("cancellation is not an error for the conversation")
	}
}

func TestOverlappingRunsAreAllowed(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, nil, Options{})
	for i := 0; i < 2; i++ {
		if err := h.coord.Submit(Request{ConnectionID: "c1", ConversationID: "main", Text: "hello"}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	waitFor(t, func() bool { return h.emitter.count(event.KindMessage) == 2 })
}

// blockingStore holds every write until the caller's context ends.
type blockingStore struct {
	persisting chan struct{}
	once       sync.Once
}

func (s *blockingStore) PersistMessage(ctx context.Context, _ *domain.StoredMessage) error {
	s.once.Do(func() { close(s.persisting) })
	<-ctx.Done()
	return ctx.Err()
}

func TestCancelOwnerDuringAcknowledgmentSchedulesNoWorkflow(t *testing.T) {
	t.Parallel()

	emitter := &fakeEmitter{}
	registry := NewRegistry(nil, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = registry.Shutdown(ctx)
	})
	var workflowRan sync.Once
	ran := make(chan struct{})
	wf := &fakeWorkflows{fn: func(ctx context.Context, _ agent.WorkflowRequest, _ agent.Reporter) (agent.WorkflowResult, error) {
		workflowRan.Do(func() { close(ran) })
		<-ctx.Done()
		return agent.WorkflowResult{}, ctx.Err()
	}}
	store := &blockingStore{persisting: make(chan struct{})}
	coord, err := NewCoordinator(Deps{
		Emitter:   emitter,
		Store:     store,
		Generator: &fakeGenerator{},
		Workflows: wf,
		Registry:  registry,
	}, Options{})
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}

	if err := coord.Submit(Request{ConnectionID: "c1", ConversationID: "main", Text: "analyze this product for selling potential"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-store.persisting

	registry.CancelOwner("c1")
	if n := registry.Len(); n != 0 {
		t.Fatalf("expected no tasks after CancelOwner, got %d", n)
	}

	time.Sleep(50 * time.Millisecond)
	select {
	case <-ran:
		t.Fatal("workflow started after its owner was cancelled")
	default:
	}
	if registry.Len() != 0 {
		t.Fatal("a task was registered after CancelOwner returned")
	}
	if emitter.count(event.KindWorkflowStarted) != 0 {
		t.Fatal("workflow_started sent for a cancelled owner")
	}
}
