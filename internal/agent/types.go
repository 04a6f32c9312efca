// Package agent talks to the reply-generation and workflow backends.
package agent

import (
	"errors"
	"time"

	"github.com/ashureev/sellerdesk/internal/domain"
	"github.com/ashureev/sellerdesk/internal/intent"
)

// ErrGeneratorUnavailable is returned when no backend can serve a request.
var ErrGeneratorUnavailable = errors.New("generator unavailable")

// GenerationRequest carries what a responder needs to draft one reply.
type GenerationRequest struct {
	ConversationID string
	UserID         string
	Role           string
	Message        string
	History        []domain.StoredMessage
	Context        map[string]string
}

// Reply is a generated assistant message.
type Reply struct {
	Content  string
	Role     string
	Metadata map[string]string
}

// WorkflowRequest starts a coordinated multi-role workflow.
type WorkflowRequest struct {
	WorkflowID     string
	ConversationID string
	UserID         string
	Message        string
	Intent         intent.WorkflowIntent
}

// WorkflowResult is the outcome of a completed workflow.
type WorkflowResult struct {
	Summary  string
	Metadata map[string]string
}

// Reporter receives progress while a workflow runs. Implementations turn
// each call into client-visible events.
type Reporter interface {
	RoleStatus(role, status, message string)
	TaskUpdate(role, taskID, status string, progress float64, detail string)
	Decision(role, decision, reasoning string, confidence float64)
	Handoff(fromRole, toRole, action, message string)
	Progress(stage string, progress float64, message string)
}

// Stats describes the backend a Processor talks to.
type Stats struct {
	Backend  string `json:"backend"`
	Address  string `json:"address,omitempty"`
	Requests int64  `json:"requests"`
	Failures int64  `json:"failures"`
}

// Config holds retry and timeout settings for Service.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Timeout     time.Duration
}

// DefaultConfig returns default agent configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Timeout:     120 * time.Second,
	}
}
