package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ashureev/sellerdesk/internal/shared"
)

// RetryError is returned when every generation attempt failed with a
// transient error.
type RetryError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *RetryError) Unwrap() error { return e.Err }

// Service wraps a Processor with per-call timeouts and bounded retries.
type Service struct {
	processor Processor
	cfg       Config
	logger    *slog.Logger
}

// NewService creates a service around processor. Zero config fields fall back
// to DefaultConfig.
func NewService(processor Processor, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &Service{processor: processor, cfg: cfg, logger: logger.With("component", "agent_service")}
}

// GenerateReply calls the processor, retrying transient failures with
// exponential backoff. Exhaustion yields a *RetryError.
func (s *Service) GenerateReply(ctx context.Context, req GenerationRequest) (Reply, error) {
	if s.processor == nil {
		return Reply{}, ErrGeneratorUnavailable
	}
	policy := shared.RetryPolicy{MaxAttempts: s.cfg.MaxAttempts, BaseDelay: s.cfg.BaseDelay, MaxDelay: s.cfg.MaxDelay}

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		reply, err := s.generateOnce(ctx, req)
		if err == nil {
			return reply, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return Reply{}, fmt.Errorf("generate reply: %w", ctx.Err())
		}
		if !IsTransient(err) {
			return Reply{}, fmt.Errorf("generate reply: %w", err)
		}
		if attempt == policy.MaxAttempts {
			break
		}
		delay := policy.Backoff(attempt)
		s.logger.Warn("generation failed, retrying",
			"conversation_id", req.ConversationID,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
		if err := shared.Sleep(ctx, delay); err != nil {
			return Reply{}, fmt.Errorf("generate reply: %w", err)
		}
	}
	return Reply{}, &RetryError{Op: "generate reply", Attempts: policy.MaxAttempts, Err: lastErr}
}

func (s *Service) generateOnce(ctx context.Context, req GenerationRequest) (Reply, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	return s.processor.GenerateReply(ctx, req)
}

// CoordinateWorkflow forwards to the processor. Workflows are not retried
// because their progress has already been reported to clients.
func (s *Service) CoordinateWorkflow(ctx context.Context, req WorkflowRequest, report Reporter) (WorkflowResult, error) {
	if s.processor == nil {
		return WorkflowResult{}, ErrGeneratorUnavailable
	}
	return s.processor.CoordinateWorkflow(ctx, req, report)
}

// Health reports backend health.
func (s *Service) Health(ctx context.Context) error {
	if s.processor == nil {
		return ErrGeneratorUnavailable
	}
	return s.processor.Health(ctx)
}

// GetStats returns agent statistics.
func (s *Service) GetStats() Stats {
	if s.processor == nil {
		return Stats{Backend: "none"}
	}
	return s.processor.GetStats()
}

// Close releases resources.
func (s *Service) Close() {
	if s.processor != nil {
		s.processor.Close()
	}
}

// IsTransient reports whether err is worth retrying: backend unavailability,
// a per-attempt deadline, or a gRPC status that signals a temporary fault.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrGeneratorUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return true
	default:
		return false
	}
}
