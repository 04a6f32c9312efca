// Package responder drives replies to inbound user messages: workflow
// hand-off for classified intents, otherwise a single-responder reply wrapped
// in typing indicators and keep-alive pings.
package responder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/sellerdesk/internal/agent"
	"github.com/ashureev/sellerdesk/internal/domain"
	"github.com/ashureev/sellerdesk/internal/event"
	"github.com/ashureev/sellerdesk/internal/intent"
	"github.com/ashureev/sellerdesk/internal/notify"
)

// User-facing error texts. Backend details stay in the logs.
const (
	generationFailedMessage = "The assistant could not finish a reply. Please try again."
	workflowFailedMessage   = "The team could not complete this request. Please try again later."
)

// Emitter delivers events to a conversation group.
type Emitter interface {
	SendToConversation(ctx context.Context, conversationID string, ev event.Event, exclude ...string) int
}

// MessageStore persists replies.
type MessageStore interface {
	PersistMessage(ctx context.Context, msg *domain.StoredMessage) error
}

// Options tunes a Coordinator.
type Options struct {
	KeepAliveInterval      time.Duration
	KeepAliveMaxIterations int
}

// Deps are the collaborators a Coordinator calls.
type Deps struct {
	Emitter    Emitter
	Store      MessageStore
	Generator  agent.ReplyGenerator
	Workflows  agent.WorkflowCoordinator
	Classifier *intent.Classifier
	Registry   *Registry
	Notifier   notify.Sender
	Metrics    notify.MetricsRecorder
	Log        agent.ConversationLogger
	Logger     *slog.Logger
}

// Request is one inbound user message that needs a response.
type Request struct {
	ConnectionID   string
	ConversationID string
	UserID         string
	MessageID      string
	Text           string
	History        []domain.StoredMessage
}

// Coordinator responds to user messages.
type Coordinator struct {
	emitter    Emitter
	store      MessageStore
	generator  agent.ReplyGenerator
	workflows  agent.WorkflowCoordinator
	classifier *intent.Classifier
	registry   *Registry
	notifier   notify.Sender
	metrics    notify.MetricsRecorder
	convLog    agent.ConversationLogger
	logger     *slog.Logger
	opts       Options
}

// NewCoordinator wires a coordinator. Emitter, Generator and Workflows are
// required; the rest have no-op defaults.
func NewCoordinator(deps Deps, opts Options) (*Coordinator, error) {
	if deps.Emitter == nil || deps.Generator == nil || deps.Workflows == nil {
		return nil, errors.New("responder: emitter, generator and workflow coordinator are required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Classifier == nil {
		deps.Classifier = intent.NewDefaultClassifier()
	}
	if deps.Registry == nil {
		deps.Registry = NewRegistry(deps.Logger, nil)
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Noop{}
	}
	if deps.Metrics == nil {
		deps.Metrics = notify.NewCounters()
	}
	if deps.Log == nil {
		deps.Log = agent.NopConversationLogger()
	}
	if opts.KeepAliveInterval <= 0 {
		opts.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if opts.KeepAliveMaxIterations <= 0 {
		opts.KeepAliveMaxIterations = DefaultKeepAliveMaxIterations
	}
	return &Coordinator{
		emitter:    deps.Emitter,
		store:      deps.Store,
		generator:  deps.Generator,
		workflows:  deps.Workflows,
		classifier: deps.Classifier,
		registry:   deps.Registry,
		notifier:   deps.Notifier,
		metrics:    deps.Metrics,
		convLog:    deps.Log,
		logger:     deps.Logger.With("component", "responder"),
		opts:       opts,
	}, nil
}

// Registry returns the task registry the coordinator schedules work on.
func (c *Coordinator) Registry() *Registry {
	return c.registry
}

// Submit schedules Respond as a tracked task owned by the request's connection.
func (c *Coordinator) Submit(req Request) error {
	_, err := c.registry.Go(req.ConnectionID, req.ConversationID, "respond", func(ctx context.Context) error {
		return c.Respond(ctx, req)
	})
	return err
}

// Respond handles one user message. Generation and workflow failures are
// reported to the conversation and are not returned.
func (c *Coordinator) Respond(ctx context.Context, req Request) error {
	role, text, direct := intent.DirectTarget(req.Text)
	if !direct {
		text = req.Text
		if wi := c.classifier.Classify(text); wi != nil {
			return c.startWorkflow(ctx, req, wi)
		}
		role = intent.SelectResponder(text)
	}
	return c.reply(ctx, req, role, text)
}

func (c *Coordinator) emit(ctx context.Context, conversationID string, payload event.Payload) event.Event {
	ev := event.New(conversationID, payload)
	c.emitter.SendToConversation(ctx, conversationID, ev)
	return ev
}

func (c *Coordinator) mirror(ctx context.Context, ev event.Event) {
	if err := c.notifier.Notify(ctx, ev); err != nil {
		c.logger.Warn("failed to mirror event", "type", ev.Kind, "error", err)
	}
}

func (c *Coordinator) reply(ctx context.Context, req Request, role, text string) error {
	conv := req.ConversationID
	started := time.Now()
	c.metrics.Inc("replies_started")

	c.emit(ctx, conv, &event.AgentStatus{AgentRole: role, Status: "thinking"})
	c.emit(ctx, conv, &event.Typing{IsTyping: true, AgentRole: role})

	stopPinger := startPinger(ctx, c.opts.KeepAliveInterval, c.opts.KeepAliveMaxIterations, func(ctx context.Context, n int) {
		c.emit(ctx, conv, &event.Ping{Nonce: "keepalive-" + strconv.Itoa(n)})
	})
	defer stopPinger()

	reply, err := c.generator.GenerateReply(ctx, agent.GenerationRequest{
		ConversationID: conv,
		UserID:         req.UserID,
		Role:           role,
		Message:        text,
		History:        req.History,
	})
	if err != nil {
		stopPinger()
		if ctx.Err() != nil {
			c.logger.Info("reply cancelled", "conversation_id", conv, "role", role)
			return nil
		}
		c.metrics.Inc("replies_failed")
		c.logger.Error("reply generation failed",
			"conversation_id", conv,
			"user_id", req.UserID,
			"role", role,
			"error", err,
		)
		c.emit(ctx, conv, &event.Typing{IsTyping: false, AgentRole: role})
		c.emit(ctx, conv, &event.Error{
			Code:    event.CodeGenerationFailed,
			Message: generationFailedMessage,
			Details: map[string]string{"reply_to": req.MessageID},
		})
		c.emit(ctx, conv, &event.AgentStatus{AgentRole: role, Status: "idle"})
		return nil
	}
	if reply.Role == "" {
		reply.Role = role
	}

	stored := &domain.StoredMessage{
		ID:             uuid.NewString(),
		ConversationID: conv,
		Role:           event.RoleAssistant,
		Sender:         reply.Role,
		AgentRole:      reply.Role,
		Content:        reply.Content,
		Metadata:       withReplyTo(reply.Metadata, req.MessageID),
		CreatedAt:      time.Now().UTC(),
	}
	c.persist(ctx, stored)

	c.emit(ctx, conv, &event.Message{
		MessageID: stored.ID,
		Content:   stored.Content,
		Role:      stored.Role,
		Sender:    stored.Sender,
		AgentRole: stored.AgentRole,
		Metadata:  stored.Metadata,
	})
	c.emit(ctx, conv, &event.Typing{IsTyping: false, AgentRole: reply.Role})
	stopPinger()
	c.emit(ctx, conv, &event.AgentStatus{AgentRole: reply.Role, Status: "idle"})

	c.metrics.Observe("reply", time.Since(started))
	c.convLog.Log(agent.ConversationLogEvent{
		UserID:         req.UserID,
		ConversationID: conv,
		Channel:        "websocket",
		Direction:      "outbound",
		EventType:      "assistant_message",
		ContentRaw:     stored.Content,
		Meta: map[string]any{
			"role":        reply.Role,
			"message_id":  stored.ID,
			"reply_to":    req.MessageID,
			"duration_ms": time.Since(started).Milliseconds(),
		},
	})
	return nil
}

func (c *Coordinator) persist(ctx context.Context, msg *domain.StoredMessage) {
	if c.store == nil {
		return
	}
	if err := c.store.PersistMessage(ctx, msg); err != nil {
		c.logger.Warn("failed to persist assistant message",
			"conversation_id", msg.ConversationID,
			"message_id", msg.ID,
			"error", err,
		)
	}
}

func withReplyTo(meta map[string]string, messageID string) map[string]string {
	if messageID == "" {
		return meta
	}
	out := make(map[string]string, len(meta)+1)
	for k, v := range meta {
		out[k] = v
	}
	out["reply_to"] = messageID
	return out
}

func (c *Coordinator) startWorkflow(ctx context.Context, req Request, wi *intent.WorkflowIntent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	conv := req.ConversationID
	workflowID := uuid.NewString()
	estimate := wi.Estimate()
	c.metrics.Inc("workflows_started")

	c.logger.Info("workflow intent detected",
		"conversation_id", conv,
		"workflow_id", workflowID,
		"workflow_type", wi.WorkflowType,
		"confidence", wi.Confidence,
		"triggers", wi.MatchedTriggers,
	)

	ack := &domain.StoredMessage{
		ID:             uuid.NewString(),
		ConversationID: conv,
		Role:           event.RoleAssistant,
		Sender:         intent.RoleCoordinator,
		AgentRole:      intent.RoleCoordinator,
		Content:        acknowledgment(wi, estimate),
		Metadata: map[string]string{
			"workflow_id":       workflowID,
			"workflow_type":     wi.WorkflowType,
			"roles":             strings.Join(wi.Roles, ","),
			"confidence":        strconv.FormatFloat(wi.Confidence, 'f', 2, 64),
			"estimated_seconds": strconv.Itoa(int(estimate / time.Second)),
		},
		CreatedAt: time.Now().UTC(),
	}
	c.persist(ctx, ack)
	// The owner may have disconnected while the acknowledgment was stored.
	if err := ctx.Err(); err != nil {
		return err
	}
	c.emit(ctx, conv, &event.Message{
		MessageID: ack.ID,
		Content:   ack.Content,
		Role:      ack.Role,
		Sender:    ack.Sender,
		AgentRole: ack.AgentRole,
		Metadata:  ack.Metadata,
	})

	started := c.emit(ctx, conv, &event.WorkflowStarted{
		WorkflowID:   workflowID,
		WorkflowType: wi.WorkflowType,
		Stage:        "started",
		Roles:        wi.Roles,
		Message:      ack.Content,
	})
	c.mirror(ctx, started)

	wreq := agent.WorkflowRequest{
		WorkflowID:     workflowID,
		ConversationID: conv,
		UserID:         req.UserID,
		Message:        req.Text,
		Intent:         *wi,
	}
	_, err := c.registry.Go(req.ConnectionID, conv, "workflow:"+wi.WorkflowType, func(ctx context.Context) error {
		return c.runWorkflow(ctx, wreq)
	})
	if err != nil {
		return fmt.Errorf("schedule workflow %s: %w", workflowID, err)
	}
	return nil
}

func (c *Coordinator) runWorkflow(ctx context.Context, req agent.WorkflowRequest) error {
	conv := req.ConversationID
	rep := &workflowReporter{c: c, ctx: ctx, req: req}
	started := time.Now()

	result, err := c.workflows.CoordinateWorkflow(ctx, req, rep)
	if err != nil {
		// Use a fresh context so the failure still reaches clients after cancellation.
		sendCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		reason := "failed"
		if ctx.Err() != nil {
			reason = "cancelled"
		}
		c.metrics.Inc("workflows_" + reason)
		failed := c.emit(sendCtx, conv, &event.WorkflowFailed{
			WorkflowID:   req.WorkflowID,
			WorkflowType: req.Intent.WorkflowType,
			Stage:        reason,
			Roles:        req.Intent.Roles,
			Error:        workflowFailedMessage,
		})
		c.mirror(sendCtx, failed)
		if reason == "cancelled" {
			return nil
		}
		c.emit(sendCtx, conv, &event.Error{
			Code:    event.CodeWorkflowFailed,
			Message: workflowFailedMessage,
			Details: map[string]string{"workflow_id": req.WorkflowID},
		})
		return fmt.Errorf("workflow %s (%s): %w", req.WorkflowID, req.Intent.WorkflowType, err)
	}

	summary := result.Summary
	if summary == "" {
		summary = fmt.Sprintf("%s complete.", humanize(req.Intent.WorkflowType))
	}
	msg := &domain.StoredMessage{
		ID:             uuid.NewString(),
		ConversationID: conv,
		Role:           event.RoleAssistant,
		Sender:         intent.RoleCoordinator,
		AgentRole:      intent.RoleCoordinator,
		Content:        summary,
		Metadata:       withWorkflow(result.Metadata, req.WorkflowID),
		CreatedAt:      time.Now().UTC(),
	}
	c.persist(ctx, msg)
	c.emit(ctx, conv, &event.Message{
		MessageID: msg.ID,
		Content:   msg.Content,
		Role:      msg.Role,
		Sender:    msg.Sender,
		AgentRole: msg.AgentRole,
		Metadata:  msg.Metadata,
	})
	completed := c.emit(ctx, conv, &event.WorkflowCompleted{
		WorkflowID:   req.WorkflowID,
		WorkflowType: req.Intent.WorkflowType,
		Stage:        "completed",
		Progress:     1,
		Roles:        req.Intent.Roles,
		Message:      summary,
	})
	c.mirror(ctx, completed)
	c.metrics.Observe("workflow", time.Since(started))
	c.convLog.Log(agent.ConversationLogEvent{
		UserID:         req.UserID,
		ConversationID: conv,
		Channel:        "websocket",
		Direction:      "outbound",
		EventType:      "workflow_completed",
		ContentRaw:     summary,
		Meta: map[string]any{
			"workflow_id":   req.WorkflowID,
			"workflow_type": req.Intent.WorkflowType,
		},
	})
	return nil
}

func withWorkflow(meta map[string]string, workflowID string) map[string]string {
	out := make(map[string]string, len(meta)+1)
	for k, v := range meta {
		out[k] = v
	}
	out["workflow_id"] = workflowID
	return out
}

func acknowledgment(wi *intent.WorkflowIntent, estimate time.Duration) string {
	return fmt.Sprintf("Starting %s with the %s team. Estimated time: about %d seconds.",
		humanize(wi.WorkflowType), strings.Join(wi.Roles, ", "), int(estimate/time.Second))
}

func humanize(workflowType string) string {
	return strings.ReplaceAll(workflowType, "_", " ")
}

// workflowReporter turns workflow progress into conversation events.
type workflowReporter struct {
	c   *Coordinator
	ctx context.Context
	req agent.WorkflowRequest
}

func (r *workflowReporter) conv() string { return r.req.ConversationID }

func (r *workflowReporter) RoleStatus(role, status, message string) {
	r.c.emit(r.ctx, r.conv(), &event.AgentStatus{AgentRole: role, Status: status, Message: message})
}

func (r *workflowReporter) TaskUpdate(role, taskID, status string, progress float64, detail string) {
	r.c.emit(r.ctx, r.conv(), &event.AgentTaskUpdate{
		AgentRole: role, TaskID: taskID, Status: status, Progress: progress, Detail: detail,
	})
}

func (r *workflowReporter) Decision(role, decision, reasoning string, confidence float64) {
	ev := r.c.emit(r.ctx, r.conv(), &event.AgentDecision{
		AgentRole: role, Decision: decision, Reasoning: reasoning, Confidence: confidence,
	})
	r.c.mirror(r.ctx, ev)
}

func (r *workflowReporter) Handoff(fromRole, toRole, action, message string) {
	r.c.emit(r.ctx, r.conv(), &event.AgentCoordination{
		FromRole: fromRole, ToRole: toRole, Action: action, Message: message,
	})
}

func (r *workflowReporter) Progress(stage string, progress float64, message string) {
	ev := r.c.emit(r.ctx, r.conv(), &event.WorkflowProgress{
		WorkflowID:   r.req.WorkflowID,
		WorkflowType: r.req.Intent.WorkflowType,
		Stage:        stage,
		Progress:     progress,
		Message:      message,
	})
	r.c.mirror(r.ctx, ev)
}
