// Package event defines the realtime wire envelope and its typed payloads.
//
// Every frame exchanged with a client is a JSON object of the form
//
//	{"type": "...", "conversation_id": "...", "data": {...}, "timestamp": "...", "event_id": "..."}
//
// The envelope is decoded once at the boundary into an Event whose Payload is
// one of the concrete payload types in this package. Downstream code switches
// on the payload type instead of inspecting untyped maps.
package event

// Kind is the closed set of event types carried in the "type" field.
type Kind string

const (
	KindConnectionEstablished Kind = "connection_established"
	KindMessage               Kind = "message"
	KindTyping                Kind = "typing"
	KindMessageReaction       Kind = "message_reaction"
	KindPing                  Kind = "ping"
	KindPong                  Kind = "pong"
	KindSubscribe             Kind = "subscribe"
	KindAgentStatus           Kind = "agent_status"
	KindAgentDecision         Kind = "agent_decision"
	KindAgentTaskUpdate       Kind = "agent_task_update"
	KindWorkflowStarted       Kind = "workflow_started"
	KindWorkflowProgress      Kind = "workflow_progress"
	KindWorkflowCompleted     Kind = "workflow_completed"
	KindWorkflowFailed        Kind = "workflow_failed"
	KindAgentCoordination     Kind = "agent_coordination"
	KindSystemAlert           Kind = "system_alert"
	KindError                 Kind = "error"
)

// Kinds lists every kind in wire order.
var Kinds = []Kind{
	KindConnectionEstablished,
	KindMessage,
	KindTyping,
	KindMessageReaction,
	KindPing,
	KindPong,
	KindSubscribe,
	KindAgentStatus,
	KindAgentDecision,
	KindAgentTaskUpdate,
	KindWorkflowStarted,
	KindWorkflowProgress,
	KindWorkflowCompleted,
	KindWorkflowFailed,
	KindAgentCoordination,
	KindSystemAlert,
	KindError,
}

// Valid reports whether k is a member of the closed kind set.
func (k Kind) Valid() bool {
	return newPayload(k) != nil
}

// ClientOriginated reports whether clients may send events of this kind.
// Everything else is emitted by the server only.
func (k Kind) ClientOriginated() bool {
	switch k {
	case KindMessage, KindTyping, KindMessageReaction, KindPing, KindPong, KindSubscribe:
		return true
	default:
		return false
	}
}

// newPayload returns a zero payload for k, or nil when k is unknown.
func newPayload(k Kind) Payload {
	switch k {
	case KindConnectionEstablished:
		return &ConnectionEstablished{}
	case KindMessage:
		return &Message{}
	case KindTyping:
		return &Typing{}
	case KindMessageReaction:
		return &Reaction{}
	case KindPing:
		return &Ping{}
	case KindPong:
		return &Pong{}
	case KindSubscribe:
		return &Subscription{}
	case KindAgentStatus:
		return &AgentStatus{}
	case KindAgentDecision:
		return &AgentDecision{}
	case KindAgentTaskUpdate:
		return &AgentTaskUpdate{}
	case KindWorkflowStarted:
		return &WorkflowStarted{}
	case KindWorkflowProgress:
		return &WorkflowProgress{}
	case KindWorkflowCompleted:
		return &WorkflowCompleted{}
	case KindWorkflowFailed:
		return &WorkflowFailed{}
	case KindAgentCoordination:
		return &AgentCoordination{}
	case KindSystemAlert:
		return &SystemAlert{}
	case KindError:
		return &Error{}
	default:
		return nil
	}
}
