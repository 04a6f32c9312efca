package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ashureev/sellerdesk/internal/domain"
)

// ResolveTimeout bounds one shared load-or-create.
const ResolveTimeout = 10 * time.Second

// ConversationStore is the persistence the resolver needs.
type ConversationStore interface {
	LoadConversation(ctx context.Context, ref string) (*domain.Conversation, error)
	CreateConversation(ctx context.Context, conv *domain.Conversation) error
}

// Resolver maps client-supplied conversation labels to canonical
// conversation IDs, creating conversations on first use. Concurrent first
// messages for one label share a single load-or-create.
type Resolver struct {
	store ConversationStore
	group singleflight.Group

	mu        sync.RWMutex
	canonical map[string]string
}

// NewResolver creates a resolver over store.
func NewResolver(store ConversationStore) *Resolver {
	return &Resolver{store: store, canonical: make(map[string]string)}
}

// Cached returns the canonical ID already known for label.
func (r *Resolver) Cached(label string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.canonical[label]
	return id, ok
}

// Resolve returns the canonical conversation for label with its recent
// history, creating it for userID when nothing matches.
func (r *Resolver) Resolve(ctx context.Context, label, userID string) (*domain.Conversation, error) {
	if label == "" {
		return nil, errors.New("conversation label is empty")
	}
	ref := label
	if id, ok := r.Cached(label); ok {
		ref = id
	}

	// The shared call outlives any single caller: one connection going away
	// must not fail the others waiting on the same label.
	shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), ResolveTimeout)
	ch := r.group.DoChan(ref, func() (any, error) {
		defer cancel()
		conv, err := r.store.LoadConversation(shared, ref)
		if err != nil {
			return nil, fmt.Errorf("load conversation %q: %w", ref, err)
		}
		if conv == nil {
			conv, err = r.create(shared, label, userID)
			if err != nil {
				return nil, err
			}
		}
		r.remember(label, conv.ID)
		return conv, nil
	})

	select {
	case res := <-ch:
		cancel()
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*domain.Conversation), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Resolver) create(ctx context.Context, label, userID string) (*domain.Conversation, error) {
	conv := &domain.Conversation{ExternalRef: label, UserID: userID}
	err := r.store.CreateConversation(ctx, conv)
	if err == nil {
		return conv, nil
	}
	// Another process may have created it between our load and insert.
	existing, loadErr := r.store.LoadConversation(ctx, label)
	if loadErr != nil || existing == nil {
		return nil, fmt.Errorf("create conversation %q: %w", label, err)
	}
	return existing, nil
}

// remember records label (and the canonical ID itself) once.
func (r *Resolver) remember(label, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.canonical[label]; !ok {
		r.canonical[label] = id
	}
	if _, ok := r.canonical[id]; !ok {
		r.canonical[id] = id
	}
}
