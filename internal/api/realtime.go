package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/sellerdesk/internal/agent"
	"github.com/ashureev/sellerdesk/internal/connection"
	"github.com/ashureev/sellerdesk/internal/event"
	"github.com/ashureev/sellerdesk/internal/identity"
	"github.com/ashureev/sellerdesk/internal/notify"
	"github.com/ashureev/sellerdesk/internal/responder"
	"github.com/ashureev/sellerdesk/internal/store"
)

// Alert levels accepted by the broadcast endpoint.
var alertLevels = map[string]bool{"info": true, "warning": true, "error": true, "critical": true}

// StatsSource reports generation backend counters.
type StatsSource interface {
	GetStats() agent.Stats
}

// RealtimeDeps are the collaborators of the management handler.
type RealtimeDeps struct {
	Manager  *connection.Manager
	Registry *responder.Registry
	Counters *notify.Counters
	Agent    StatsSource
	Notifier notify.Sender
	Repo     store.Repository
	// Workflows lists the workflow types the classifier knows.
	Workflows []string
	// BroadcastRole, when set, is required to broadcast.
	BroadcastRole string
	Logger        *slog.Logger
}

// RealtimeHandler exposes connection stats and operator broadcast.
type RealtimeHandler struct {
	deps   RealtimeDeps
	logger *slog.Logger
}

// NewRealtimeHandler creates the management handler.
func NewRealtimeHandler(deps RealtimeDeps) *RealtimeHandler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Noop{}
	}
	return &RealtimeHandler{deps: deps, logger: logger.With("component", "api")}
}

// RegisterRoutes registers the management routes. Callers are expected to
// mount them behind identity.Middleware.
func (h *RealtimeHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/me", h.GetMe)
		r.Get("/config", h.GetConfig)
		r.Route("/realtime", func(r chi.Router) {
			r.Get("/stats", h.Stats)
			r.Get("/connections", h.Connections)
			r.Get("/conversations/{conversationID}/members", h.Members)
			r.Post("/broadcast", h.Broadcast)
		})
	})
}

// GetMe returns the current user's information.
func (h *RealtimeHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	p, ok := identity.PrincipalFromContext(r.Context())
	if !ok || p.UserID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	resp := map[string]interface{}{
		"user_id":     p.UserID,
		"username":    p.Username,
		"roles":       p.Roles,
		"connections": len(h.userConnections(p.UserID)),
	}
	if h.deps.Repo != nil {
		user, err := h.deps.Repo.GetUser(r.Context(), p.UserID)
		if err != nil {
			h.logger.Warn("failed to load user", "user_id", p.UserID, "error", err)
		} else if user != nil {
			resp["created_at"] = user.CreatedAt
			resp["last_seen_at"] = user.LastSeenAt
		}
	}
	JSON(w, http.StatusOK, resp)
}

func (h *RealtimeHandler) userConnections(userID string) []connection.Info {
	var out []connection.Info
	for _, info := range h.deps.Manager.Connections() {
		if info.UserID == userID {
			out = append(out, info)
		}
	}
	return out
}

// GetConfig returns the client-facing realtime settings.
func (h *RealtimeHandler) GetConfig(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{
		"heartbeat_interval_seconds": int(h.deps.Manager.HeartbeatInterval().Seconds()),
		"heartbeat_timeout_seconds":  int(h.deps.Manager.HeartbeatTimeout().Seconds()),
		"workflows":                  h.deps.Workflows,
	})
}

// Stats returns connection, delivery, task and backend counters.
func (h *RealtimeHandler) Stats(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]interface{}{
		"connections":     h.deps.Manager.Stats(),
		"monitor_running": h.deps.Manager.MonitorRunning(),
	}
	if h.deps.Counters != nil {
		resp["metrics"] = h.deps.Counters.Snapshot()
	}
	if h.deps.Registry != nil {
		resp["tasks"] = h.deps.Registry.Tasks()
	}
	if h.deps.Agent != nil {
		resp["agent"] = h.deps.Agent.GetStats()
	}
	JSON(w, http.StatusOK, resp)
}

// Connections lists live connections.
func (h *RealtimeHandler) Connections(w http.ResponseWriter, _ *http.Request) {
	conns := h.deps.Manager.Connections()
	JSON(w, http.StatusOK, map[string]interface{}{
		"count":       len(conns),
		"connections": conns,
	})
}

// Members lists the connections in one conversation group.
func (h *RealtimeHandler) Members(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	members := h.deps.Manager.ConversationMembers(conversationID)
	JSON(w, http.StatusOK, map[string]interface{}{
		"conversation_id": conversationID,
		"count":           len(members),
		"members":         members,
	})
}

// BroadcastRequest is the body of POST /api/realtime/broadcast.
type BroadcastRequest struct {
	Message        string `json:"message"`
	Level          string `json:"level"`
	ConversationID string `json:"conversation_id,omitempty"`
	Topic          string `json:"topic,omitempty"`
}

// Broadcast sends a system alert to a conversation, a topic or everyone.
func (h *RealtimeHandler) Broadcast(w http.ResponseWriter, r *http.Request) {
	p, _ := identity.PrincipalFromContext(r.Context())
	if h.deps.BroadcastRole != "" && !p.HasRole(h.deps.BroadcastRole) {
		Error(w, http.StatusForbidden, "broadcast not permitted")
		return
	}

	var req BroadcastRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		Error(w, http.StatusBadRequest, "message is required")
		return
	}
	if req.Level == "" {
		req.Level = "info"
	}
	if !alertLevels[req.Level] {
		Error(w, http.StatusBadRequest, "level must be one of info, warning, error, critical")
		return
	}
	if req.ConversationID != "" && req.Topic != "" {
		Error(w, http.StatusBadRequest, "conversation_id and topic are mutually exclusive")
		return
	}

	ev := event.New(req.ConversationID, &event.SystemAlert{
		Level:   req.Level,
		Message: req.Message,
		Source:  "operator:" + p.UserID,
	})

	ctx := r.Context()
	var delivered int
	target := "all"
	switch {
	case req.ConversationID != "":
		target = "conversation"
		delivered = h.deps.Manager.SendToConversation(ctx, req.ConversationID, ev)
	case req.Topic != "":
		target = "topic"
		delivered = h.deps.Manager.SendToTopic(ctx, req.Topic, ev)
	default:
		delivered = h.deps.Manager.Broadcast(ctx, ev)
	}
	h.mirror(ctx, ev)
	if h.deps.Counters != nil {
		h.deps.Counters.Inc("alerts_broadcast")
	}

	h.logger.Info("system alert broadcast",
		"user_id", p.UserID,
		"level", req.Level,
		"target", target,
		"conversation_id", req.ConversationID,
		"topic", req.Topic,
		"delivered", delivered,
	)
	JSON(w, http.StatusOK, map[string]interface{}{
		"event_id":  ev.ID,
		"target":    target,
		"delivered": delivered,
	})
}

func (h *RealtimeHandler) mirror(ctx context.Context, ev event.Event) {
	if !notify.Mirrored(ev.Kind) {
		return
	}
	if err := h.deps.Notifier.Notify(ctx, ev); err != nil {
		h.logger.Warn("failed to mirror event", "type", ev.Kind, "error", err)
	}
}
