package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// RPC names served by the generation backend. Requests and responses are
// google.protobuf.Struct documents.
const (
	ServiceName              = "sellerdesk.agent.v1.AgentService"
	MethodGenerateReply      = "/" + ServiceName + "/GenerateReply"
	MethodCoordinateWorkflow = "/" + ServiceName + "/CoordinateWorkflow"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errWorkflowFailed           = errors.New("workflow reported failure")
	errEmptyReply               = errors.New("backend returned an empty reply")
)

var workflowStreamDesc = &grpc.StreamDesc{
	StreamName:    "CoordinateWorkflow",
	ServerStreams: true,
}

// GrpcClient talks to the generation backend over gRPC.
type GrpcClient struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
	addr   string
	logger *slog.Logger

	requests atomic.Int64
	failures atomic.Int64
}

// GrpcClientConfig holds configuration for the gRPC client.
type GrpcClientConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGrpcClientConfig returns default configuration.
func DefaultGrpcClientConfig() GrpcClientConfig {
	return GrpcClientConfig{
		Address:          "localhost:50051",
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// NewGrpcClient connects to the backend at addr and waits until the channel
// is ready.
func NewGrpcClient(addr string, logger *slog.Logger) (*GrpcClient, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cfg := DefaultGrpcClientConfig()
	if addr != "" {
		cfg.Address = addr
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}

	conn, err := grpc.NewClient(cfg.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to agent backend at %s: %w", cfg.Address, err)
	}

	// Fail fast on a bad endpoint instead of on the first user message.
	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("agent backend at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("connected to agent backend", "address", cfg.Address)

	return &GrpcClient{
		conn:   conn,
		health: healthpb.NewHealthClient(conn),
		addr:   cfg.Address,
		logger: logger.With("component", "agent_grpc"),
	}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the gRPC connection.
func (c *GrpcClient) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// Health checks the backend through the standard gRPC health service.
func (c *GrpcClient) Health(ctx context.Context) error {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w: backend status %s", ErrGeneratorUnavailable, resp.GetStatus())
	}
	return nil
}

// GetStats returns request counters.
func (c *GrpcClient) GetStats() Stats {
	return Stats{
		Backend:  "grpc",
		Address:  c.addr,
		Requests: c.requests.Load(),
		Failures: c.failures.Load(),
	}
}

// GenerateReply performs one unary GenerateReply call.
func (c *GrpcClient) GenerateReply(ctx context.Context, req GenerationRequest) (Reply, error) {
	c.requests.Add(1)
	in, err := structpb.NewStruct(generationFields(req))
	if err != nil {
		c.failures.Add(1)
		return Reply{}, fmt.Errorf("build generate request: %w", err)
	}

	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, MethodGenerateReply, in, out); err != nil {
		c.failures.Add(1)
		c.logger.Warn("GenerateReply failed", "error", err, "conversation_id", req.ConversationID)
		return Reply{}, fmt.Errorf("generate reply: %w", err)
	}

	reply := Reply{
		Content:  out.GetFields()["content"].GetStringValue(),
		Role:     out.GetFields()["role"].GetStringValue(),
		Metadata: stringMap(out.GetFields()["metadata"]),
	}
	if reply.Content == "" {
		c.failures.Add(1)
		return Reply{}, errEmptyReply
	}
	if reply.Role == "" {
		reply.Role = req.Role
	}
	return reply, nil
}

// CoordinateWorkflow opens a server stream and forwards each update to report
// until the backend sends a terminal update or closes the stream.
func (c *GrpcClient) CoordinateWorkflow(ctx context.Context, req WorkflowRequest, report Reporter) (WorkflowResult, error) {
	c.requests.Add(1)
	in, err := structpb.NewStruct(workflowFields(req))
	if err != nil {
		c.failures.Add(1)
		return WorkflowResult{}, fmt.Errorf("build workflow request: %w", err)
	}

	stream, err := c.conn.NewStream(ctx, workflowStreamDesc, MethodCoordinateWorkflow)
	if err != nil {
		c.failures.Add(1)
		return WorkflowResult{}, fmt.Errorf("open workflow stream: %w", err)
	}
	if err := stream.SendMsg(in); err != nil {
		c.failures.Add(1)
		return WorkflowResult{}, fmt.Errorf("send workflow request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		c.failures.Add(1)
		return WorkflowResult{}, fmt.Errorf("close workflow send: %w", err)
	}

	for {
		update := &structpb.Struct{}
		err := stream.RecvMsg(update)
		if errors.Is(err, io.EOF) {
			return WorkflowResult{}, nil
		}
		if err != nil {
			c.failures.Add(1)
			return WorkflowResult{}, fmt.Errorf("workflow stream error: %w", err)
		}
		result, done, err := applyWorkflowUpdate(update, report)
		if err != nil {
			c.failures.Add(1)
			return WorkflowResult{}, err
		}
		if done {
			return result, nil
		}
	}
}

// applyWorkflowUpdate dispatches one streamed update. It reports done on a
// "completed" update and an error on a "failed" one.
func applyWorkflowUpdate(update *structpb.Struct, report Reporter) (WorkflowResult, bool, error) {
	f := update.GetFields()
	str := func(key string) string { return f[key].GetStringValue() }
	num := func(key string) float64 { return f[key].GetNumberValue() }

	switch str("type") {
	case "status":
		report.RoleStatus(str("role"), str("status"), str("message"))
	case "task":
		report.TaskUpdate(str("role"), str("task_id"), str("status"), num("progress"), str("detail"))
	case "decision":
		report.Decision(str("role"), str("decision"), str("reasoning"), num("confidence"))
	case "handoff":
		report.Handoff(str("from_role"), str("to_role"), str("action"), str("message"))
	case "progress":
		report.Progress(str("stage"), num("progress"), str("message"))
	case "completed":
		return WorkflowResult{Summary: str("summary"), Metadata: stringMap(f["metadata"])}, true, nil
	case "failed":
		return WorkflowResult{}, true, fmt.Errorf("%w: %s", errWorkflowFailed, str("error"))
	}
	return WorkflowResult{}, false, nil
}

func generationFields(req GenerationRequest) map[string]any {
	history := make([]any, 0, len(req.History))
	for _, m := range req.History {
		history = append(history, map[string]any{
			"role":       m.Role,
			"sender":     m.Sender,
			"agent_type": m.AgentRole,
			"content":    m.Content,
		})
	}
	return map[string]any{
		"conversation_id": req.ConversationID,
		"user_id":         req.UserID,
		"role":            req.Role,
		"message":         req.Message,
		"history":         history,
		"context":         anyMap(req.Context),
	}
}

func workflowFields(req WorkflowRequest) map[string]any {
	roles := make([]any, 0, len(req.Intent.Roles))
	for _, r := range req.Intent.Roles {
		roles = append(roles, r)
	}
	return map[string]any{
		"workflow_id":     req.WorkflowID,
		"workflow_type":   req.Intent.WorkflowType,
		"conversation_id": req.ConversationID,
		"user_id":         req.UserID,
		"message":         req.Message,
		"confidence":      req.Intent.Confidence,
		"roles":           roles,
		"context":         anyMap(req.Intent.Context),
	}
}

func anyMap(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func stringMap(v *structpb.Value) map[string]string {
	fields := v.GetStructValue().GetFields()
	if len(fields) == 0 {
		return nil
	}
	out := make(map[string]string, len(fields))
	for k, f := range fields {
		out[k] = f.GetStringValue()
	}
	return out
}
