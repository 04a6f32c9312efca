package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/sellerdesk/internal/domain"
)

type memConversations struct {
	mu      sync.Mutex
	byID    map[string]*domain.Conversation
	loads   int
	creates int
	failOn  string

	// When gate is set, loads report on entered and wait for gate.
	gate      chan struct{}
	entered   chan struct{}
	enterOnce sync.Once
}

func newMemConversations() *memConversations {
	return &memConversations{byID: make(map[string]*domain.Conversation)}
}

func (m *memConversations) LoadConversation(ctx context.Context, ref string) (*domain.Conversation, error) {
	if m.gate != nil {
		m.enterOnce.Do(func() { close(m.entered) })
		select {
		case <-m.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	if ref == m.failOn {
		return nil, errors.New("disk on fire")
	}
	for _, c := range m.byID {
		if c.ID == ref || c.ExternalRef == ref {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memConversations) CreateConversation(_ context.Context, conv *domain.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.byID {
		if c.ExternalRef == conv.ExternalRef {
			return errors.New("unique constraint failed")
		}
	}
	m.creates++
	conv.ID = "conv-" + conv.ExternalRef
	cp := *conv
	m.byID[conv.ID] = &cp
	return nil
}

func TestResolverCreatesOnce(t *testing.T) {
	t.Parallel()

	mem := newMemConversations()
	r := NewResolver(mem)

	var wg sync.WaitGroup
	ids := make([]string, 20)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conv, err := r.Resolve(context.Background(), "T1", "alice")
			if err != nil {
				t.Errorf("Resolve: %v", err)
				return
			}
			ids[i] = conv.ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		if id != "conv-T1" {
			t.Fatalf("expected every caller to get conv-T1, got %q", id)
		}
	}
	if mem.creates != 1 {
		t.Fatalf("expected exactly one create, got %d", mem.creates)
	}
	if id, ok := r.Cached("T1"); !ok || id != "conv-T1" {
		t.Fatalf("expected cached mapping, got %q %v", id, ok)
	}
	if id, ok := r.Cached("conv-T1"); !ok || id != "conv-T1" {
		t.Fatal("canonical ID should map to itself")
	}
}

func TestResolverErrors(t *testing.T) {
	t.Parallel()

	mem := newMemConversations()
	mem.failOn = "broken"
	r := NewResolver(mem)

	if _, err := r.Resolve(context.Background(), "", "alice"); err == nil {
		t.Fatal("expected error for empty label")
	}
	if _, err := r.Resolve(context.Background(), "broken", "alice"); err == nil {
		t.Fatal("expected load error to surface")
	}
	if _, ok := r.Cached("broken"); ok {
		t.Fatal("failed resolution must not be cached")
	}
}

func TestResolverSharedCallSurvivesCallerCancel(t *testing.T) {
	t.Parallel()

	mem := newMemConversations()
	mem.gate = make(chan struct{})
	mem.entered = make(chan struct{})
	r := NewResolver(mem)

	type result struct {
		conv *domain.Conversation
		err  error
	}
	firstCtx, cancelFirst := context.WithCancel(context.Background())
	first := make(chan result, 1)
	go func() {
		conv, err := r.Resolve(firstCtx, "T1", "alice")
		first <- result{conv, err}
	}()
	<-mem.entered

	second := make(chan result, 1)
	go func() {
		conv, err := r.Resolve(context.Background(), "T1", "bob")
		second <- result{conv, err}
	}()

	cancelFirst()
	select {
	case res := <-first:
		if !errors.Is(res.err, context.Canceled) {
			t.Fatalf("expected the cancelled caller to see context.Canceled, got %v", res.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled caller did not return")
	}

	close(mem.gate)
	select {
	case res := <-second:
		if res.err != nil {
			t.Fatalf("other caller failed: %v", res.err)
		}
		if res.conv.ID != "conv-T1" {
			t.Fatalf("unexpected conversation %q", res.conv.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("other caller did not return")
	}
	if id, ok := r.Cached("T1"); !ok || id != "conv-T1" {
		t.Fatalf("shared resolution was abandoned: %q %v", id, ok)
	}
	mem.mu.Lock()
	defer mem.mu.Unlock()
	if mem.creates != 1 {
		t.Fatalf("expected one create, got %d", mem.creates)
	}
}
