package agent

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ashureev/sellerdesk/internal/shared"
)

// Offline is a local Processor used when no backend address is configured.
// It produces short deterministic replies and walks workflows role by role.
type Offline struct {
	// StepDelay paces workflow updates so clients see progress.
	StepDelay time.Duration

	requests atomic.Int64
}

// NewOffline creates an offline processor with the given workflow pacing.
func NewOffline(stepDelay time.Duration) *Offline {
	return &Offline{StepDelay: stepDelay}
}

var roleOpeners = map[string]string{
	"coordinator": "Thanks, I'm on it.",
	"content":     "Here is a content angle to consider.",
	"market":      "From a market perspective,",
	"executive":   "At a strategic level,",
	"operations":  "Operationally,",
}

// GenerateReply echoes a role-flavored acknowledgment of the message.
func (o *Offline) GenerateReply(ctx context.Context, req GenerationRequest) (Reply, error) {
	o.requests.Add(1)
	if err := ctx.Err(); err != nil {
		return Reply{}, err
	}
	role := req.Role
	if role == "" {
		role = "coordinator"
	}
	opener, ok := roleOpeners[role]
	if !ok {
		opener = roleOpeners["coordinator"]
	}
	text := strings.TrimSpace(req.Message)
	if len(text) > 160 {
		text = text[:160] + "..."
	}
	return Reply{
		Content:  fmt.Sprintf("%s I received: %q. A full answer needs the generation backend, which is offline.", opener, text),
		Role:     role,
		Metadata: map[string]string{"backend": "offline"},
	}, nil
}

// CoordinateWorkflow reports each participating role in turn.
func (o *Offline) CoordinateWorkflow(ctx context.Context, req WorkflowRequest, report Reporter) (WorkflowResult, error) {
	o.requests.Add(1)
	roles := req.Intent.Roles
	for i, role := range roles {
		report.RoleStatus(role, "working", fmt.Sprintf("%s is reviewing the request", role))
		if err := shared.Sleep(ctx, o.StepDelay); err != nil {
			return WorkflowResult{}, err
		}
		report.TaskUpdate(role, fmt.Sprintf("%s-%d", req.WorkflowID, i+1), "completed", 1, "")
		report.Progress(role, float64(i+1)/float64(len(roles)), fmt.Sprintf("%s finished", role))
		if i+1 < len(roles) {
			report.Handoff(role, roles[i+1], "handoff", "passing findings along")
		}
	}
	if len(roles) > 0 {
		last := roles[len(roles)-1]
		report.Decision(last, "proceed", "all participating roles reported", req.Intent.Confidence)
	}
	return WorkflowResult{
		Summary:  fmt.Sprintf("%s finished with %d roles.", req.Intent.WorkflowType, len(roles)),
		Metadata: map[string]string{"backend": "offline"},
	}, nil
}

// Health always succeeds.
func (o *Offline) Health(context.Context) error { return nil }

// GetStats returns request counters.
func (o *Offline) GetStats() Stats {
	return Stats{Backend: "offline", Requests: o.requests.Load()}
}

// Close is a no-op.
func (o *Offline) Close() {}
