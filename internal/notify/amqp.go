package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/ashureev/sellerdesk/internal/event"
)

// DefaultExchange is the topic exchange events are published to.
const DefaultExchange = "sellerdesk.events"

// AMQPSender publishes mirrored events as JSON envelopes to a topic exchange.
type AMQPSender struct {
	conn     *amqp.Connection
	exchange string
	logger   *slog.Logger

	mu sync.Mutex
	ch *amqp.Channel
}

// NewAMQPSender dials url and declares exchange as a durable topic exchange.
func NewAMQPSender(url, exchange string, logger *slog.Logger) (*AMQPSender, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if exchange == "" {
		exchange = DefaultExchange
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &AMQPSender{
		conn:     conn,
		exchange: exchange,
		logger:   logger.With("component", "amqp_notify"),
		ch:       ch,
	}, nil
}

// RoutingKey is "<kind>" for conversation-less events and
// "<kind>.<conversation>" otherwise, so consumers can bind on either.
func RoutingKey(ev event.Event) string {
	key := strings.ReplaceAll(string(ev.Kind), "_", "-")
	if ev.ConversationID == "" {
		return key
	}
	return key + "." + strings.ReplaceAll(ev.ConversationID, ".", "_")
}

// Notify publishes ev when its kind is mirrored.
func (s *AMQPSender) Notify(ctx context.Context, ev event.Event) error {
	if !Mirrored(ev.Kind) {
		return nil
	}
	body, err := event.Encode(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	ch, err := s.channel()
	if err != nil {
		return err
	}
	err = ch.PublishWithContext(ctx, s.exchange, RoutingKey(ev), false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     ev.ID,
		CorrelationId: ev.ConversationID,
		Type:          string(ev.Kind),
		Timestamp:     ev.Timestamp,
		Body:          body,
	})
	if err != nil {
		s.resetChannel()
		return fmt.Errorf("publish %s: %w", ev.Kind, err)
	}
	s.logger.Debug("published", "key", RoutingKey(ev), "exchange", s.exchange)
	return nil
}

func (s *AMQPSender) channel() (*amqp.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch != nil && !s.ch.IsClosed() {
		return s.ch, nil
	}
	ch, err := s.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("reopen channel: %w", err)
	}
	s.ch = ch
	return ch, nil
}

func (s *AMQPSender) resetChannel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch != nil {
		_ = s.ch.Close()
		s.ch = nil
	}
}

// Close closes the channel and the connection.
func (s *AMQPSender) Close() error {
	s.resetChannel()
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("close amqp connection: %w", err)
	}
	return nil
}

// Async wraps a Sender so Notify never blocks the caller. Events are dropped
// when the queue is full.
type Async struct {
	next    Sender
	queue   chan event.Event
	timeout time.Duration
	logger  *slog.Logger
	done    chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewAsync starts a publishing goroutine in front of next.
func NewAsync(next Sender, queueSize int, timeout time.Duration, logger *slog.Logger) *Async {
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	a := &Async{
		next:    next,
		queue:   make(chan event.Event, queueSize),
		timeout: timeout,
		logger:  logger.With("component", "async_notify"),
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) run() {
	defer close(a.done)
	for ev := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := a.next.Notify(ctx, ev); err != nil {
			a.logger.Warn("notification failed", "type", ev.Kind, "error", err)
		}
		cancel()
	}
}

// Notify enqueues ev.
func (a *Async) Notify(_ context.Context, ev event.Event) error {
	if !Mirrored(ev.Kind) {
		return nil
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return nil
	}
	select {
	case a.queue <- ev:
		return nil
	default:
		a.logger.Warn("notification queue full, dropping event", "type", ev.Kind)
		return nil
	}
}

// Close drains the queue and closes next.
func (a *Async) Close() error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	<-a.done
	return a.next.Close()
}
