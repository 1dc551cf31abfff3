package storage

import (
	"context"

	"github.com/xaenox/concierge-bot/internal/models"
)

type Storage interface {
	UserStore
	ConversationStore
	UsageStore
	MemoryStore
	Close() error
}

type UserStore interface {
	UpsertUser(ctx context.Context, id int64, username, firstName string) error
	GetUser(ctx context.Context, id int64) (*models.User, error)
	IsUserApproved(ctx context.Context, id int64) (bool, error)
	SetUserApproved(ctx context.Context, id int64, approved bool) error
	ListUsers(ctx context.Context) ([]*models.User, error)
}

// ConversationStore holds the durable per-user conversation history.
// At most one conversation per user is active; CreateConversation and
// SwitchConversation both enforce this inside a single transaction.
type ConversationStore interface {
	// ActiveConversation returns (nil, nil) when the user has none.
	ActiveConversation(ctx context.Context, userID int64) (*models.Conversation, error)
	CreateConversation(ctx context.Context, userID int64, model, systemPrompt string) (int64, error)
	SwitchConversation(ctx context.Context, userID, convID int64) (bool, error)
	ListConversations(ctx context.Context, userID int64, limit int) ([]*models.Conversation, error)
	SetConversationModel(ctx context.Context, convID int64, model string) error
	SetSystemPrompt(ctx context.Context, convID int64, prompt string) error

	AddMessage(ctx context.Context, msg *models.Message) error
	// GetMessages returns the most recent limit messages in
	// chronological order.
	GetMessages(ctx context.Context, convID int64, limit int) ([]*models.Message, error)
	// DeleteLastUserMessage removes the single most recent user-role
	// message (fallback rewind).
	DeleteLastUserMessage(ctx context.Context, convID int64) error
	// DeleteLastExchange removes the most recent two messages in one
	// transaction (retry / web-search rewind).
	DeleteLastExchange(ctx context.Context, convID int64) (bool, error)
}

// UsageStore is the append-only ledger of billable operations.
type UsageStore interface {
	LogUsage(ctx context.Context, userID int64, usageType models.UsageType, model string, tokens int) error
	DailyTokens(ctx context.Context, userID int64) (int, error)
	MonthlyTokens(ctx context.Context, userID int64) (int, error)
	UsageSummary(ctx context.Context, userID int64) ([]*models.UsageSummary, error)
}

// MemoryStore keeps the per-user fact list.
type MemoryStore interface {
	AddFact(ctx context.Context, userID int64, fact string) (int64, error)
	GetFacts(ctx context.Context, userID int64, limit int) ([]*models.Fact, error)
	DeleteFact(ctx context.Context, factID, userID int64) (bool, error)
	ClearFacts(ctx context.Context, userID int64) (int64, error)
}
