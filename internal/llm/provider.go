package llm

import (
	"context"
	"time"
)

// DefaultSystemPrompt seeds new conversations.
const DefaultSystemPrompt = "You are a helpful assistant."

// streamCursor is appended to intermediate stream edits so the user
// sees that generation is still in progress.
const streamCursor = " ▌"

// ChunkFunc receives the accumulated reply text during streaming. The
// final invocation always carries the complete text.
type ChunkFunc func(text string)

// Config is the orchestrator configuration surface. Loading it from
// files or the environment is the caller's concern.
type Config struct {
	DefaultModel       string
	AvailableModels    []string
	MaxContextMessages int
	// MaxContextTokens bounds prompt history via the chars ≈ 4×tokens
	// heuristic; exact tokenization is provider-specific and out of
	// scope here.
	MaxContextTokens  int
	DailyTokenLimit   int
	MonthlyTokenLimit int
	StreamInterval    time.Duration

	GeminiModel      string
	GeminiImageModel string
	OpenAIImageModel string
}

func (c Config) maxContextChars() int {
	return c.MaxContextTokens * 4
}

func (c Config) streamInterval() time.Duration {
	if c.StreamInterval > 0 {
		return c.StreamInterval
	}
	return 1500 * time.Millisecond
}

// Provider is one upstream LLM orchestrator. Every operation persists
// its own conversation turns and usage records; the fallback
// coordinator in Service never inspects concrete types.
type Provider interface {
	Name() string

	Chat(ctx context.Context, userID int64, text string) (string, error)
	ChatStream(ctx context.Context, userID int64, text string, onChunk ChunkFunc) (string, error)
	// ChatWithContext injects externally-obtained context (skill or
	// search results) as an authoritative system block. onChunk may be
	// nil for a non-streamed reply.
	ChatWithContext(ctx context.Context, userID int64, text, injected string, onChunk ChunkFunc) (string, error)
	// ChatWebSearch uses the provider's native search tool and appends
	// a deduplicated Sources block to the reply.
	ChatWebSearch(ctx context.Context, userID int64, text string, onChunk ChunkFunc) (string, error)
	ChatVision(ctx context.Context, userID int64, imageURL, caption string) (string, error)
	GenerateImage(ctx context.Context, userID int64, prompt string) ([]byte, error)
	// ShouldSearch is a heuristic YES/NO intent classifier; anything
	// other than a literal YES means no.
	ShouldSearch(ctx context.Context, text string) (bool, error)
	// ExtractFacts pulls explicitly-stated personal facts out of one
	// exchange and stores the new ones. Runs on the background worker.
	ExtractFacts(ctx context.Context, userID int64, userText, assistantText string) error

	SetSkillsPrompt(prompt string)
}
