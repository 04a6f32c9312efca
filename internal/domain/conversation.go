package domain

import (
	"time"
)

// Conversation is a canonical conversation record. ExternalRef is the
// client-supplied token the conversation was first opened under.
type Conversation struct {
	ID          string          `json:"id"`
	ExternalRef string          `json:"external_ref,omitempty"`
	UserID      string          `json:"user_id,omitempty"`
	Title       string          `json:"title,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	Messages    []StoredMessage `json:"messages,omitempty"`
}

// StoredMessage is one persisted chat message.
type StoredMessage struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversation_id"`
	Role           string            `json:"role"`
	Sender         string            `json:"sender,omitempty"`
	AgentRole      string            `json:"agent_type,omitempty"`
	Content        string            `json:"content"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// Reaction is a user's reaction to a message.
type Reaction struct {
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	Reaction  string    `json:"reaction"`
	CreatedAt time.Time `json:"created_at"`
}
