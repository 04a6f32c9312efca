// Package router accepts realtime WebSocket connections, decodes inbound
// frames and dispatches them to the connection manager, the store and the
// response coordinator.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/ashureev/sellerdesk/internal/agent"
	"github.com/ashureev/sellerdesk/internal/connection"
	"github.com/ashureev/sellerdesk/internal/domain"
	"github.com/ashureev/sellerdesk/internal/event"
	"github.com/ashureev/sellerdesk/internal/identity"
	"github.com/ashureev/sellerdesk/internal/notify"
	"github.com/ashureev/sellerdesk/internal/responder"
	"github.com/ashureev/sellerdesk/internal/store"
)

// Defaults for Options.
const (
	DefaultMaxFrameBytes     = 64 << 10
	DefaultWriteTimeout      = 10 * time.Second
	DefaultConversationLabel = "main"
)

const (
	subscriptionStatusAdded    = "subscribed"
	subscriptionStatusRemoved  = "unsubscribed"
	subscriptionRequestRemoval = "unsubscribe"
)

// Options tunes the WebSocket handler.
type Options struct {
	MaxFrameBytes       int64
	WriteTimeout        time.Duration
	DefaultConversation string
	OriginPatterns      []string
	// InsecureSkipVerify disables the origin check (development only).
	InsecureSkipVerify bool
}

// Deps are the handler's collaborators. Manager, Store, Validator and
// Coordinator are required.
type Deps struct {
	Manager     *connection.Manager
	Store       store.Repository
	Validator   identity.TokenValidator
	Coordinator *responder.Coordinator
	Resolver    *Resolver
	Limiter     *RateLimiter
	Metrics     notify.MetricsRecorder
	Log         agent.ConversationLogger
	Logger      *slog.Logger
}

// Handler serves GET /ws.
type Handler struct {
	manager     *connection.Manager
	store       store.Repository
	validator   identity.TokenValidator
	coordinator *responder.Coordinator
	resolver    *Resolver
	limiter     *RateLimiter
	metrics     notify.MetricsRecorder
	convLog     agent.ConversationLogger
	logger      *slog.Logger
	opts        Options
}

// NewHandler wires a WebSocket handler.
func NewHandler(deps Deps, opts Options) (*Handler, error) {
	if deps.Manager == nil || deps.Store == nil || deps.Validator == nil || deps.Coordinator == nil {
		return nil, errors.New("router: manager, store, validator and coordinator are required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Resolver == nil {
		deps.Resolver = NewResolver(deps.Store)
	}
	if deps.Metrics == nil {
		deps.Metrics = notify.NewCounters()
	}
	if deps.Log == nil {
		deps.Log = agent.NopConversationLogger()
	}
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.DefaultConversation == "" {
		opts.DefaultConversation = DefaultConversationLabel
	}
	return &Handler{
		manager:     deps.Manager,
		store:       deps.Store,
		validator:   deps.Validator,
		coordinator: deps.Coordinator,
		resolver:    deps.Resolver,
		limiter:     deps.Limiter,
		metrics:     deps.Metrics,
		convLog:     deps.Log,
		logger:      deps.Logger.With("component", "router"),
		opts:        opts,
	}, nil
}

// session is the receive-loop view of one registered connection.
type session struct {
	id     string
	userID string
	conn   *connection.Connection
	state  State
	logger *slog.Logger
}

func (s *session) transition(next State) {
	if s.state == next {
		return
	}
	s.logger.Debug("connection state changed", "from", s.state.String(), "to", next.String())
	s.state = next
}

// ServeHTTP upgrades the request, authenticates it and runs the receive loop
// until the client goes away.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:     h.opts.OriginPatterns,
		InsecureSkipVerify: h.opts.InsecureSkipVerify,
	})
	if err != nil {
		h.logger.Warn("failed to accept websocket", "error", err, "ip", identity.IPFromRequest(r))
		return
	}

	ctx := r.Context()
	principal, err := h.validator.ValidateToken(ctx, identity.TokenFromRequest(r))
	if err != nil {
		h.metrics.Inc("connections_rejected")
		h.logger.Warn("websocket authentication failed", "error", err, "ip", identity.IPFromRequest(r))
		if closeErr := ws.Close(websocket.StatusPolicyViolation, "authentication required"); closeErr != nil {
			h.logger.Debug("failed to close unauthenticated websocket", "error", closeErr)
		}
		return
	}
	if err := identity.EnsureUser(ctx, h.store, principal); err != nil {
		h.logger.Warn("failed to record user", "user_id", principal.UserID, "error", err)
	}

	ws.SetReadLimit(h.opts.MaxFrameBytes)
	requested := strings.TrimSpace(r.URL.Query().Get("conversation_id"))
	label := requested
	if canonical, ok := h.resolver.Cached(label); ok {
		label = canonical
	}

	id := uuid.NewString()
	conn, err := h.manager.Connect(ctx, connection.NewWSTransport(ws, h.opts.WriteTimeout), id, principal.UserID, label)
	if err != nil {
		h.logger.Error("failed to register connection", "error", err, "user_id", principal.UserID)
		_ = ws.Close(websocket.StatusInternalError, "registration failed")
		return
	}
	h.metrics.Inc("connections_opened")
	label = h.adoptCanonical(id, requested, label)

	s := &session{
		id:     id,
		userID: principal.UserID,
		conn:   conn,
		state:  StateConnected,
		logger: h.logger.With("connection_id", id, "user_id", principal.UserID),
	}
	s.logger.Info("websocket connected", "conversation_id", label, "ip", identity.IPFromRequest(r))

	reason := h.receive(ctx, ws, s)

	s.transition(StateDisconnected)
	h.manager.Disconnect(id, reason)
	if n := h.coordinator.Registry().CancelOwner(id); n > 0 {
		s.logger.Info("cancelled background tasks", "tasks", n)
	}
	s.logger.Info("websocket disconnected", "reason", reason)
}

// adoptCanonical moves a freshly registered connection into the canonical
// group when its label was reconciled between the cache lookup and Connect.
// Reconciliations after registration migrate it through ReassignConversation.
func (h *Handler) adoptCanonical(connectionID, requested, current string) string {
	canonical, ok := h.resolver.Cached(requested)
	if !ok || canonical == current {
		return current
	}
	h.manager.Reassign(connectionID, canonical)
	return canonical
}

// receive reads frames until the transport fails and returns the disconnect
// reason.
func (h *Handler) receive(ctx context.Context, ws *websocket.Conn, s *session) string {
	for {
		s.transition(StateReceiving)
		_, data, err := ws.Read(ctx)
		if err != nil {
			return readFailureReason(ctx, err)
		}
		s.transition(StateDispatching)
		h.dispatchFrame(ctx, s, data)
	}
}

func readFailureReason(ctx context.Context, err error) string {
	switch {
	case websocket.CloseStatus(err) != -1:
		return connection.ReasonClientClosed
	case ctx.Err() != nil:
		return connection.ReasonServerShutdown
	default:
		return connection.ReasonReadError
	}
}

// dispatchFrame handles one inbound frame. A panic is contained to the frame.
func (h *Handler) dispatchFrame(ctx context.Context, s *session, data []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("panic while handling frame", "panic", rec)
			h.sendError(ctx, s, event.CodeProcessingError, "The message could not be processed.")
		}
	}()

	ev, err := event.Decode(data)
	if err != nil {
		h.metrics.Inc("frames_rejected")
		if errors.Is(err, event.ErrUnsupportedKind) {
			h.sendError(ctx, s, event.CodeUnsupportedType, "Unsupported event type.")
		} else {
			h.sendError(ctx, s, event.CodeInvalidJSON, "Frame is not a valid event envelope.")
		}
		s.logger.Debug("rejected frame", "error", err)
		return
	}
	h.manager.Touch(s.id)

	switch p := ev.Payload.(type) {
	case *event.Message:
		h.handleMessage(ctx, s, ev, p)
	case *event.Typing:
		h.handleTyping(ctx, s, p)
	case *event.Ping:
		h.manager.SendTo(ctx, s.id, event.New(s.conn.ConversationID(), &event.Pong{Nonce: p.Nonce}))
	case *event.Pong:
		// Liveness was refreshed above.
	case *event.Subscription:
		h.handleSubscription(ctx, s, p)
	case *event.Reaction:
		h.handleReaction(ctx, s, p)
	case *event.ConnectionEstablished, *event.AgentStatus, *event.AgentDecision,
		*event.AgentTaskUpdate, *event.WorkflowStarted, *event.WorkflowProgress,
		*event.WorkflowCompleted, *event.WorkflowFailed, *event.AgentCoordination,
		*event.SystemAlert, *event.Error:
		h.metrics.Inc("frames_rejected")
		h.sendError(ctx, s, event.CodeUnsupportedType, fmt.Sprintf("Clients cannot send %s events.", ev.Kind))
	default:
		h.sendError(ctx, s, event.CodeUnsupportedType, "Unsupported event type.")
	}
}

func (h *Handler) sendError(ctx context.Context, s *session, code, message string) {
	h.manager.SendTo(ctx, s.id, event.NewError(s.conn.ConversationID(), code, message))
}

func (h *Handler) handleMessage(ctx context.Context, s *session, ev event.Event, p *event.Message) {
	content := strings.TrimSpace(p.Content)
	if content == "" {
		h.sendError(ctx, s, event.CodeProcessingError, "Message content is required.")
		return
	}
	if !h.limiter.Allow(s.userID) {
		h.metrics.Inc("messages_rate_limited")
		h.sendError(ctx, s, event.CodeRateLimited, "Too many messages. Please slow down.")
		return
	}

	label := s.conn.ConversationID()
	if label == "" {
		label = ev.ConversationID
		if label == "" {
			label = h.opts.DefaultConversation
		}
		h.manager.Reassign(s.id, label)
	}

	conv, err := h.resolver.Resolve(ctx, label, s.userID)
	if err != nil {
		s.logger.Error("conversation resolution failed", "conversation_id", label, "error", err)
		h.sendError(ctx, s, event.CodeProcessingError, "The message could not be processed.")
		return
	}
	if conv.ID != label {
		h.manager.ReassignConversation(label, conv.ID)
	}

	stored := &domain.StoredMessage{
		ID:             p.MessageID,
		ConversationID: conv.ID,
		Role:           event.RoleUser,
		Sender:         s.userID,
		Content:        content,
		Metadata:       p.Metadata,
		CreatedAt:      time.Now().UTC(),
	}
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if err := h.store.PersistMessage(ctx, stored); err != nil {
		s.logger.Error("failed to persist user message", "conversation_id", conv.ID, "error", err)
		h.sendError(ctx, s, event.CodeProcessingError, "The message could not be processed.")
		return
	}
	h.metrics.Inc("messages_received")

	echo := event.New(conv.ID, &event.Message{
		MessageID: stored.ID,
		Content:   stored.Content,
		Role:      stored.Role,
		Sender:    stored.Sender,
		Metadata:  stored.Metadata,
	})
	h.manager.SendToConversation(ctx, conv.ID, echo, s.id)

	h.convLog.Log(agent.ConversationLogEvent{
		UserID:         s.userID,
		ConversationID: conv.ID,
		Channel:        "websocket",
		Direction:      "inbound",
		EventType:      "user_message",
		ContentRaw:     stored.Content,
		Meta: map[string]any{
			"message_id":    stored.ID,
			"connection_id": s.id,
		},
	})

	err = h.coordinator.Submit(responder.Request{
		ConnectionID:   s.id,
		ConversationID: conv.ID,
		UserID:         s.userID,
		MessageID:      stored.ID,
		Text:           content,
		History:        conv.Messages,
	})
	if err != nil {
		s.logger.Error("failed to schedule response", "conversation_id", conv.ID, "error", err)
		h.sendError(ctx, s, event.CodeProcessingError, "The message could not be processed.")
	}
}

func (h *Handler) handleTyping(ctx context.Context, s *session, p *event.Typing) {
	conv := s.conn.ConversationID()
	if conv == "" {
		return
	}
	h.manager.SendToConversation(ctx, conv, event.New(conv, &event.Typing{
		IsTyping: p.IsTyping,
		UserID:   s.userID,
	}), s.id)
}

func (h *Handler) handleSubscription(ctx context.Context, s *session, p *event.Subscription) {
	topic := strings.TrimSpace(p.Topic)
	if topic == "" {
		h.sendError(ctx, s, event.CodeProcessingError, "Subscription topic is required.")
		return
	}
	status := subscriptionStatusAdded
	if p.Status == subscriptionRequestRemoval {
		h.manager.Unsubscribe(s.id, topic)
		status = subscriptionStatusRemoved
	} else {
		h.manager.Subscribe(s.id, topic)
	}
	h.manager.SendTo(ctx, s.id, event.New(s.conn.ConversationID(), &event.Subscription{Topic: topic, Status: status}))
}

func (h *Handler) handleReaction(ctx context.Context, s *session, p *event.Reaction) {
	if p.MessageID == "" || p.Reaction == "" {
		h.sendError(ctx, s, event.CodeProcessingError, "Reactions need a message_id and a reaction.")
		return
	}
	err := h.store.PersistReaction(ctx, &domain.Reaction{
		MessageID: p.MessageID,
		UserID:    s.userID,
		Reaction:  p.Reaction,
	})
	if err != nil {
		s.logger.Error("failed to persist reaction", "message_id", p.MessageID, "error", err)
		h.sendError(ctx, s, event.CodeProcessingError, "The reaction could not be saved.")
		return
	}
	conv := s.conn.ConversationID()
	ev := event.New(conv, &event.Reaction{
		MessageID: p.MessageID,
		Reaction:  p.Reaction,
		UserID:    s.userID,
	})
	if conv == "" {
		h.manager.SendTo(ctx, s.id, ev)
		return
	}
	h.manager.SendToConversation(ctx, conv, ev)
}
