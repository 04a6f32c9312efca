package responder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrRegistryClosed is returned by Go after Shutdown.
var ErrRegistryClosed = errors.New("task registry closed")

// TaskInfo describes a tracked background task.
type TaskInfo struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Owner          string    `json:"owner"`
	ConversationID string    `json:"conversation_id,omitempty"`
	StartedAt      time.Time `json:"started_at"`
}

// TaskErrorFunc receives errors returned (or panics raised) by tasks. It is
// not called for tasks that ended because they were cancelled.
type TaskErrorFunc func(info TaskInfo, err error)

type task struct {
	info   TaskInfo
	cancel context.CancelFunc
	done   chan struct{}
}

// Registry tracks background tasks by owning connection and conversation so
// they can be cancelled and awaited together.
type Registry struct {
	logger  *slog.Logger
	onError TaskErrorFunc

	base       context.Context
	baseCancel context.CancelFunc

	mu     sync.Mutex
	tasks  map[string]*task
	closed bool
	wg     sync.WaitGroup
}

// NewRegistry creates an empty registry. onError may be nil.
func NewRegistry(logger *slog.Logger, onError TaskErrorFunc) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Registry{
		logger:     logger.With("component", "task_registry"),
		onError:    onError,
		base:       base,
		baseCancel: cancel,
		tasks:      make(map[string]*task),
	}
}

// Go runs fn in a new goroutine tracked under owner and conversationID. The
// task's context is independent of the caller's and ends on cancellation or
// Shutdown.
func (r *Registry) Go(owner, conversationID, name string, fn func(ctx context.Context) error) (string, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", ErrRegistryClosed
	}
	ctx, cancel := context.WithCancel(r.base)
	t := &task{
		info: TaskInfo{
			ID:             uuid.NewString(),
			Name:           name,
			Owner:          owner,
			ConversationID: conversationID,
			StartedAt:      time.Now().UTC(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	r.tasks[t.info.ID] = t
	r.wg.Add(1)
	r.mu.Unlock()

	go r.run(ctx, t, fn)
	return t.info.ID, nil
}

func (r *Registry) run(ctx context.Context, t *task, fn func(ctx context.Context) error) {
	defer r.wg.Done()
	defer close(t.done)
	defer t.cancel()
	defer func() {
		r.mu.Lock()
		delete(r.tasks, t.info.ID)
		r.mu.Unlock()
	}()

	err := r.call(ctx, fn)
	if err == nil {
		return
	}
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		r.logger.Debug("task cancelled", "task", t.info.Name, "task_id", t.info.ID, "owner", t.info.Owner)
		return
	}
	r.logger.Error("task failed",
		"task", t.info.Name,
		"task_id", t.info.ID,
		"owner", t.info.Owner,
		"conversation_id", t.info.ConversationID,
		"error", err,
	)
	if r.onError != nil {
		r.onError(t.info, err)
	}
}

func (r *Registry) call(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("task panicked: %v", rec)
		}
	}()
	return fn(ctx)
}

// cancelWhere cancels matching tasks and waits for them. A task that was
// already running may register follow-up tasks before it observes the
// cancellation, so matching repeats until no match is left.
func (r *Registry) cancelWhere(match func(TaskInfo) bool) int {
	total := 0
	for {
		r.mu.Lock()
		var matched []*task
		for _, t := range r.tasks {
			if match(t.info) {
				matched = append(matched, t)
			}
		}
		r.mu.Unlock()
		if len(matched) == 0 {
			return total
		}

		for _, t := range matched {
			t.cancel()
		}
		for _, t := range matched {
			<-t.done
		}
		total += len(matched)
	}
}

// CancelOwner cancels every task owned by owner, including tasks those tasks
// start while being cancelled, and waits for them to return.
func (r *Registry) CancelOwner(owner string) int {
	return r.cancelWhere(func(info TaskInfo) bool { return info.Owner == owner })
}

// CancelConversation cancels every task of a conversation and waits for them.
func (r *Registry) CancelConversation(conversationID string) int {
	return r.cancelWhere(func(info TaskInfo) bool { return info.ConversationID == conversationID })
}

// Shutdown cancels all tasks, refuses new ones, and waits until they return
// or ctx is done.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.baseCancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for tasks: %w", ctx.Err())
	}
}

// Len returns the number of running tasks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// Tasks returns the running tasks, oldest first.
func (r *Registry) Tasks() []TaskInfo {
	r.mu.Lock()
	out := make([]TaskInfo, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t.info)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}
