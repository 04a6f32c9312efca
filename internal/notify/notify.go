// Package notify mirrors gateway events to external consumers and records
// operational counters.
package notify

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/sellerdesk/internal/event"
)

// Sender publishes events outside the process. Implementations must be safe
// for concurrent use.
type Sender interface {
	Notify(ctx context.Context, ev event.Event) error
	Close() error
}

// Noop discards every event.
type Noop struct{}

// Notify implements Sender.
func (Noop) Notify(context.Context, event.Event) error { return nil }

// Close implements Sender.
func (Noop) Close() error { return nil }

// Mirrored reports whether events of kind are worth publishing. Liveness and
// presence chatter stays inside the gateway.
func Mirrored(kind event.Kind) bool {
	switch kind {
	case event.KindPing, event.KindPong, event.KindTyping, event.KindConnectionEstablished, event.KindSubscribe:
		return false
	default:
		return kind.Valid()
	}
}

// MetricsRecorder counts gateway activity.
type MetricsRecorder interface {
	Inc(name string)
	Observe(name string, d time.Duration)
}

// Counters is an in-memory MetricsRecorder.
type Counters struct {
	mu        sync.Mutex
	counts    map[string]int64
	durations map[string]time.Duration
}

// NewCounters creates an empty recorder.
func NewCounters() *Counters {
	return &Counters{counts: make(map[string]int64), durations: make(map[string]time.Duration)}
}

// Inc implements MetricsRecorder.
func (c *Counters) Inc(name string) {
	c.mu.Lock()
	c.counts[name]++
	c.mu.Unlock()
}

// Observe implements MetricsRecorder. Durations are summed per name, and the
// observation also counts as one increment of name + "_count".
func (c *Counters) Observe(name string, d time.Duration) {
	c.mu.Lock()
	c.durations[name] += d
	c.counts[name+"_count"]++
	c.mu.Unlock()
}

// Snapshot is a copy of the recorded counters.
type Snapshot struct {
	Counts    map[string]int64   `json:"counts"`
	DurationS map[string]float64 `json:"duration_seconds"`
}

// Snapshot returns a copy of the current values.
func (c *Counters) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Snapshot{
		Counts:    make(map[string]int64, len(c.counts)),
		DurationS: make(map[string]float64, len(c.durations)),
	}
	for k, v := range c.counts {
		s.Counts[k] = v
	}
	for k, v := range c.durations {
		s.DurationS[k] = v.Seconds()
	}
	return s
}

// Names returns the recorded counter names in order.
func (s Snapshot) Names() []string {
	names := make([]string, 0, len(s.Counts))
	for k := range s.Counts {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
