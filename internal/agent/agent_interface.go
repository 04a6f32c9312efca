package agent

import (
	"context"
)

// ReplyGenerator drafts a single responder reply.
type ReplyGenerator interface {
	GenerateReply(ctx context.Context, req GenerationRequest) (Reply, error)
}

// WorkflowCoordinator runs a multi-role workflow, reporting progress as it
// goes. It returns when the workflow completes or fails.
type WorkflowCoordinator interface {
	CoordinateWorkflow(ctx context.Context, req WorkflowRequest, report Reporter) (WorkflowResult, error)
}

// Processor is a full generation backend.
type Processor interface {
	ReplyGenerator
	WorkflowCoordinator

	// Health returns nil when the backend can take requests.
	Health(ctx context.Context) error

	// GetStats returns backend statistics.
	GetStats() Stats

	// Close releases resources.
	Close()
}

// Ensure both backends implement Processor.
var (
	_ Processor = (*GrpcClient)(nil)
	_ Processor = (*Offline)(nil)
)
