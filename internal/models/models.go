package models

import "time"

// Role of a stored conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type ContentType string

const (
	TextContent   ContentType = "text"
	VisionContent ContentType = "vision"
)

// UsageType tags a billable API call in the usage ledger.
type UsageType string

const (
	UsageChat      UsageType = "chat"
	UsageImage     UsageType = "image"
	UsageSTT       UsageType = "stt"
	UsageVision    UsageType = "vision"
	UsageTTS       UsageType = "tts"
	UsageWebSearch UsageType = "web_search"
)

// User represents a bot user. Access is gated by IsApproved.
type User struct {
	ID         int64     `json:"id"`
	Username   string    `json:"username,omitempty"`
	FirstName  string    `json:"first_name,omitempty"`
	IsApproved bool      `json:"is_approved"`
	CreatedAt  time.Time `json:"created_at"`
}

// Conversation is the unit of chat context. At most one conversation
// per user has IsActive set at any time.
type Conversation struct {
	ID           int64     `json:"id"`
	UserID       int64     `json:"user_id"`
	Title        string    `json:"title,omitempty"`
	Model        string    `json:"model"`
	SystemPrompt string    `json:"system_prompt"`
	IsActive     bool      `json:"is_active"`
	MessageCount int       `json:"message_count,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Message belongs to exactly one conversation. Vision messages store
// only the caption text; image URLs expire and are never replayed.
type Message struct {
	ID             int64       `json:"id"`
	ConversationID int64       `json:"conversation_id"`
	Role           Role        `json:"role"`
	Content        string      `json:"content"`
	ContentType    ContentType `json:"content_type"`
	ImageURL       string      `json:"image_url,omitempty"`
	TokensUsed     int         `json:"tokens_used"`
	CreatedAt      time.Time   `json:"created_at"`
}

// UsageRecord is an append-only ledger entry for one billable call.
type UsageRecord struct {
	ID         int64     `json:"id"`
	UserID     int64     `json:"user_id"`
	Type       UsageType `json:"type"`
	Model      string    `json:"model"`
	TokensUsed int       `json:"tokens_used"`
	CreatedAt  time.Time `json:"created_at"`
}

// UsageSummary aggregates ledger entries of one type for reporting.
type UsageSummary struct {
	Type        UsageType `json:"type"`
	Count       int       `json:"count"`
	TotalTokens int       `json:"total_tokens"`
}

// Fact is a single remembered statement about a user, read into every
// prompt and written by the background extraction pass.
type Fact struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Fact      string    `json:"fact"`
	CreatedAt time.Time `json:"created_at"`
}
