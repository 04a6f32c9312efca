// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"

	"github.com/ashureev/sellerdesk/internal/domain"
)

// ErrConversationNotFound is returned when a write references a conversation
// that does not exist.
var ErrConversationNotFound = errors.New("conversation not found")

// Repository persists conversations, messages, reactions and users.
type Repository interface {
	// LoadConversation returns the conversation whose canonical ID or external
	// reference equals ref, with its most recent messages. It returns nil and no
	// error when nothing matches.
	LoadConversation(ctx context.Context, ref string) (*domain.Conversation, error)

	// CreateConversation inserts conv, assigning an ID and timestamps when unset.
	CreateConversation(ctx context.Context, conv *domain.Conversation) error

	// PersistMessage appends a message to its conversation.
	PersistMessage(ctx context.Context, msg *domain.StoredMessage) error

	// PersistReaction records a reaction. Duplicate reactions are ignored.
	PersistReaction(ctx context.Context, reaction *domain.Reaction) error

	// GetUser retrieves a user by their user ID; nil when absent.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
