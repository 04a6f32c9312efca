package event

// Payload is implemented by every event body. The set is closed: only types
// in this package satisfy it.
type Payload interface {
	Kind() Kind
	isPayload()
}

// Error codes carried in Error payloads.
const (
	CodeInvalidJSON      = "INVALID_JSON"
	CodeUnsupportedType  = "UNSUPPORTED_TYPE"
	CodeProcessingError  = "PROCESSING_ERROR"
	CodeGenerationFailed = "GENERATION_FAILED"
	CodeWorkflowFailed   = "WORKFLOW_FAILED"
	CodeRateLimited      = "RATE_LIMITED"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ConnectionEstablished is sent once to a freshly registered connection.
type ConnectionEstablished struct {
	ConnectionID      string `json:"connection_id"`
	UserID            string `json:"user_id,omitempty"`
	ConversationID    string `json:"conversation_id,omitempty"`
	HeartbeatInterval int    `json:"heartbeat_interval_seconds,omitempty"`
}

// Message is a chat message from a user or an agent.
type Message struct {
	MessageID string            `json:"message_id,omitempty"`
	Content   string            `json:"content"`
	Role      string            `json:"role,omitempty"`
	Sender    string            `json:"sender,omitempty"`
	AgentRole string            `json:"agent_type,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Typing toggles a typing indicator for a user or an agent.
type Typing struct {
	IsTyping  bool   `json:"is_typing"`
	UserID    string `json:"user_id,omitempty"`
	AgentRole string `json:"agent_type,omitempty"`
}

// Reaction is a reaction attached to an earlier message.
type Reaction struct {
	MessageID string `json:"message_id"`
	Reaction  string `json:"reaction"`
	UserID    string `json:"user_id,omitempty"`
}

// Ping is a liveness probe. Either side may send it.
type Ping struct {
	Nonce string `json:"nonce,omitempty"`
}

// Pong answers a Ping.
type Pong struct {
	Nonce string `json:"nonce,omitempty"`
}

// Subscription requests (client) or confirms (server) a topic subscription.
type Subscription struct {
	Topic  string `json:"topic"`
	Status string `json:"status,omitempty"`
}

// AgentStatus reports what an agent role is doing.
type AgentStatus struct {
	AgentRole string `json:"agent_type"`
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
}

// AgentDecision records a decision taken by an agent role.
type AgentDecision struct {
	AgentRole  string  `json:"agent_type"`
	Decision   string  `json:"decision"`
	Reasoning  string  `json:"reasoning,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// AgentTaskUpdate reports progress on a task owned by an agent role.
type AgentTaskUpdate struct {
	AgentRole string  `json:"agent_type"`
	TaskID    string  `json:"task_id"`
	Status    string  `json:"status"`
	Progress  float64 `json:"progress,omitempty"`
	Detail    string  `json:"detail,omitempty"`
}

// WorkflowUpdate is the shared body of the workflow lifecycle events.
type WorkflowUpdate struct {
	WorkflowID   string   `json:"workflow_id"`
	WorkflowType string   `json:"workflow_type"`
	Stage        string   `json:"stage,omitempty"`
	Progress     float64  `json:"progress,omitempty"`
	Roles        []string `json:"participating_agents,omitempty"`
	Message      string   `json:"message,omitempty"`
	Error        string   `json:"error,omitempty"`
}

type (
	// WorkflowStarted announces a coordinated workflow.
	WorkflowStarted WorkflowUpdate
	// WorkflowProgress reports an intermediate workflow stage.
	WorkflowProgress WorkflowUpdate
	// WorkflowCompleted closes a workflow successfully.
	WorkflowCompleted WorkflowUpdate
	// WorkflowFailed closes a workflow with an error.
	WorkflowFailed WorkflowUpdate
)

// AgentCoordination describes a hand-off between agent roles.
type AgentCoordination struct {
	FromRole string `json:"from_agent"`
	ToRole   string `json:"to_agent"`
	Action   string `json:"action"`
	Message  string `json:"message,omitempty"`
}

// SystemAlert is an operator or system notice.
type SystemAlert struct {
	Level   string `json:"level"`
	Message string `json:"message"`
	Source  string `json:"source,omitempty"`
}

// Error reports a problem to a client. Message is always safe to display.
type Error struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

func (*ConnectionEstablished) Kind() Kind { return KindConnectionEstablished }
func (*Message) Kind() Kind               { return KindMessage }
func (*Typing) Kind() Kind                { return KindTyping }
func (*Reaction) Kind() Kind              { return KindMessageReaction }
func (*Ping) Kind() Kind                  { return KindPing }
func (*Pong) Kind() Kind                  { return KindPong }
func (*Subscription) Kind() Kind          { return KindSubscribe }
func (*AgentStatus) Kind() Kind           { return KindAgentStatus }
func (*AgentDecision) Kind() Kind         { return KindAgentDecision }
func (*AgentTaskUpdate) Kind() Kind       { return KindAgentTaskUpdate }
func (*WorkflowStarted) Kind() Kind       { return KindWorkflowStarted }
func (*WorkflowProgress) Kind() Kind      { return KindWorkflowProgress }
func (*WorkflowCompleted) Kind() Kind     { return KindWorkflowCompleted }
func (*WorkflowFailed) Kind() Kind        { return KindWorkflowFailed }
func (*AgentCoordination) Kind() Kind     { return KindAgentCoordination }
func (*SystemAlert) Kind() Kind           { return KindSystemAlert }
func (*Error) Kind() Kind                 { return KindError }

func (*ConnectionEstablished) isPayload() {}
func (*Message) isPayload()               {}
func (*Typing) isPayload()                {}
func (*Reaction) isPayload()              {}
func (*Ping) isPayload()                  {}
func (*Pong) isPayload()                  {}
func (*Subscription) isPayload()          {}
func (*AgentStatus) isPayload()           {}
func (*AgentDecision) isPayload()         {}
func (*AgentTaskUpdate) isPayload()       {}
func (*WorkflowStarted) isPayload()       {}
func (*WorkflowProgress) isPayload()      {}
func (*WorkflowCompleted) isPayload()     {}
func (*WorkflowFailed) isPayload()        {}
func (*AgentCoordination) isPayload()     {}
func (*SystemAlert) isPayload()           {}
func (*Error) isPayload()                 {}
