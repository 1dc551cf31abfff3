package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xaenox/concierge-bot/internal/models"
	"github.com/xaenox/concierge-bot/internal/storage"
)

// fakeProvider persists conversation turns the way the real
// orchestrators do: the user message goes in before the upstream call,
// the assistant message only after success.
type fakeProvider struct {
	name    string
	store   storage.Storage
	reply   string
	err     error
	rewound bool // cleans up the full exchange itself, like a failed web search

	mu           sync.Mutex
	chats        int
	searchNeeded bool
	imageData    []byte
	factCalls    chan factJob
}

func (f *fakeProvider) chatCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chats
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) chat(ctx context.Context, userID int64, text string) (string, error) {
	f.mu.Lock()
	f.chats++
	f.mu.Unlock()
	conv, err := ensureConversation(ctx, f.store, userID, "test-model")
	if err != nil {
		return "", err
	}
	if err := f.store.AddMessage(ctx, &models.Message{
		ConversationID: conv.ID,
		Role:           models.RoleUser,
		Content:        text,
		ContentType:    models.TextContent,
	}); err != nil {
		return "", err
	}
	if f.err != nil {
		if f.rewound {
			if _, err := f.store.DeleteLastExchange(ctx, conv.ID); err != nil {
				return "", err
			}
			return "", fmt.Errorf("%w: %v", ErrExchangeRewound, f.err)
		}
		return "", f.err
	}
	if err := f.store.AddMessage(ctx, &models.Message{
		ConversationID: conv.ID,
		Role:           models.RoleAssistant,
		Content:        f.reply,
		ContentType:    models.TextContent,
	}); err != nil {
		return "", err
	}
	return f.reply, nil
}

func (f *fakeProvider) Chat(ctx context.Context, userID int64, text string) (string, error) {
	return f.chat(ctx, userID, text)
}

func (f *fakeProvider) ChatStream(ctx context.Context, userID int64, text string, onChunk ChunkFunc) (string, error) {
	reply, err := f.chat(ctx, userID, text)
	if err == nil && onChunk != nil {
		onChunk(reply)
	}
	return reply, err
}

func (f *fakeProvider) ChatWithContext(ctx context.Context, userID int64, text, injected string, onChunk ChunkFunc) (string, error) {
	return f.chat(ctx, userID, text)
}

func (f *fakeProvider) ChatWebSearch(ctx context.Context, userID int64, text string, onChunk ChunkFunc) (string, error) {
	return f.chat(ctx, userID, text)
}

func (f *fakeProvider) ChatVision(ctx context.Context, userID int64, imageURL, caption string) (string, error) {
	return f.chat(ctx, userID, caption)
}

func (f *fakeProvider) GenerateImage(ctx context.Context, userID int64, prompt string) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.imageData, nil
}

func (f *fakeProvider) ShouldSearch(ctx context.Context, text string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.searchNeeded, nil
}

func (f *fakeProvider) ExtractFacts(ctx context.Context, userID int64, userText, assistantText string) error {
	if f.factCalls != nil {
		f.factCalls <- factJob{userID: userID, userText: userText, assistantText: assistantText}
	}
	return nil
}

func (f *fakeProvider) SetSkillsPrompt(prompt string) {}

var _ Provider = (*fakeProvider)(nil)

func conversationMessages(t *testing.T, store *storage.MemoryStorage, userID int64) []*models.Message {
	t.Helper()
	ctx := context.Background()
	conv, err := store.ActiveConversation(ctx, userID)
	require.NoError(t, err)
	if conv == nil {
		return nil
	}
	msgs, err := store.GetMessages(ctx, conv.ID, 100)
	require.NoError(t, err)
	return msgs
}

func TestNewServiceRequiresProviders(t *testing.T) {
	_, err := NewService(nil, storage.NewMemoryStorage(), Config{}, zap.NewNop())
	require.Error(t, err)
}

func TestChatPrimarySuccess(t *testing.T) {
	store := storage.NewMemoryStorage()
	primary := &fakeProvider{name: "gemini", store: store, reply: "hello"}
	secondary := &fakeProvider{name: "openai", store: store, reply: "unused"}
	svc, err := NewService([]Provider{primary, secondary}, store, Config{DefaultModel: "test-model"}, zap.NewNop())
	require.NoError(t, err)
	defer svc.Close()

	reply, err := svc.Chat(context.Background(), 1, "hi")
	require.NoError(t, err)
	assert.Equal(t, "hello", reply)
	assert.Equal(t, 1, primary.chatCount())
	assert.Equal(t, 0, secondary.chatCount())
}

func TestChatFallbackRewindsUserTurn(t *testing.T) {
	store := storage.NewMemoryStorage()
	primary := &fakeProvider{name: "gemini", store: store, err: errors.New("upstream down")}
	secondary := &fakeProvider{name: "openai", store: store, reply: "recovered"}
	svc, err := NewService([]Provider{primary, secondary}, store, Config{DefaultModel: "test-model"}, zap.NewNop())
	require.NoError(t, err)
	defer svc.Close()

	reply, err := svc.Chat(context.Background(), 1, "hi")
	require.NoError(t, err)
	assert.Equal(t, "recovered", reply)

	// exactly one user message survives the fallback sequence
	msgs := conversationMessages(t, store, 1)
	require.Len(t, msgs, 2)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.Equal(t, models.RoleAssistant, msgs[1].Role)
}

func TestChatAllProvidersFail(t *testing.T) {
	store := storage.NewMemoryStorage()
	boom := errors.New("upstream down")
	primary := &fakeProvider{name: "gemini", store: store, err: boom}
	secondary := &fakeProvider{name: "openai", store: store, err: boom}
	svc, err := NewService([]Provider{primary, secondary}, store, Config{DefaultModel: "test-model"}, zap.NewNop())
	require.NoError(t, err)
	defer svc.Close()

	_, err = svc.Chat(context.Background(), 1, "hi")
	require.ErrorIs(t, err, boom)

	// last attempt's user message is not rewound, so exactly one remains
	msgs := conversationMessages(t, store, 1)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
}

func TestWebSearchSelfRewindStopsFallback(t *testing.T) {
	store := storage.NewMemoryStorage()
	boom := errors.New("search tool unavailable")
	primary := &fakeProvider{name: "openai", store: store, err: boom, rewound: true}
	secondary := &fakeProvider{name: "gemini", store: store, reply: "should not run"}
	svc, err := NewService([]Provider{primary, secondary}, store, Config{DefaultModel: "test-model"}, zap.NewNop())
	require.NoError(t, err)
	defer svc.Close()

	_, err = svc.ChatWebSearch(context.Background(), 1, "latest news", nil)
	require.ErrorIs(t, err, ErrExchangeRewound)
	assert.Equal(t, 0, secondary.chatCount(), "self-rewound failure must not fall through")
	assert.Empty(t, conversationMessages(t, store, 1))
}

func TestChatEnqueuesFactExtraction(t *testing.T) {
	store := storage.NewMemoryStorage()
	primary := &fakeProvider{name: "gemini", store: store, reply: "nice to meet you", factCalls: make(chan factJob, 1)}
	svc, err := NewService([]Provider{primary}, store, Config{DefaultModel: "test-model"}, zap.NewNop())
	require.NoError(t, err)
	defer svc.Close()

	_, err = svc.Chat(context.Background(), 1, "my name is Ada")
	require.NoError(t, err)

	select {
	case job := <-primary.factCalls:
		assert.Equal(t, int64(1), job.userID)
		assert.Equal(t, "my name is Ada", job.userText)
		assert.Equal(t, "nice to meet you", job.assistantText)
	case <-time.After(2 * time.Second):
		t.Fatal("fact extraction never ran")
	}
}

func TestCheckLimits(t *testing.T) {
	ctx := context.Background()

	t.Run("daily boundary inclusive", func(t *testing.T) {
		store := storage.NewMemoryStorage()
		svc, err := NewService([]Provider{&fakeProvider{name: "p", store: store}}, store,
			Config{DefaultModel: "test-model", DailyTokenLimit: 1000}, zap.NewNop())
		require.NoError(t, err)
		defer svc.Close()

		require.NoError(t, store.LogUsage(ctx, 1, models.UsageChat, "m", 999))
		msg, err := svc.CheckLimits(ctx, 1)
		require.NoError(t, err)
		assert.Empty(t, msg)

		require.NoError(t, store.LogUsage(ctx, 1, models.UsageChat, "m", 1))
		msg, err = svc.CheckLimits(ctx, 1)
		require.NoError(t, err)
		assert.Contains(t, msg, "Daily token limit reached (1000 tokens)")
	})

	t.Run("monthly ceiling", func(t *testing.T) {
		store := storage.NewMemoryStorage()
		svc, err := NewService([]Provider{&fakeProvider{name: "p", store: store}}, store,
			Config{DefaultModel: "test-model", MonthlyTokenLimit: 500}, zap.NewNop())
		require.NoError(t, err)
		defer svc.Close()

		require.NoError(t, store.LogUsage(ctx, 1, models.UsageChat, "m", 600))
		msg, err := svc.CheckLimits(ctx, 1)
		require.NoError(t, err)
		assert.Contains(t, msg, "Monthly token limit reached")
	})

	t.Run("zero means unlimited", func(t *testing.T) {
		store := storage.NewMemoryStorage()
		svc, err := NewService([]Provider{&fakeProvider{name: "p", store: store}}, store,
			Config{DefaultModel: "test-model"}, zap.NewNop())
		require.NoError(t, err)
		defer svc.Close()

		require.NoError(t, store.LogUsage(ctx, 1, models.UsageChat, "m", 1_000_000))
		msg, err := svc.CheckLimits(ctx, 1)
		require.NoError(t, err)
		assert.Empty(t, msg)
	})
}

func TestShouldSearchFallsBack(t *testing.T) {
	store := storage.NewMemoryStorage()
	primary := &fakeProvider{name: "gemini", store: store, err: errors.New("down")}
	secondary := &fakeProvider{name: "openai", store: store, searchNeeded: true}
	svc, err := NewService([]Provider{primary, secondary}, store, Config{DefaultModel: "test-model"}, zap.NewNop())
	require.NoError(t, err)
	defer svc.Close()

	needed, err := svc.ShouldSearch(context.Background(), "weather today?")
	require.NoError(t, err)
	assert.True(t, needed)
	// classifier failures persist nothing, so there is nothing to rewind
	assert.Empty(t, conversationMessages(t, store, 1))
}

func TestGenerateImageFallsBack(t *testing.T) {
	store := storage.NewMemoryStorage()
	primary := &fakeProvider{name: "gemini", store: store, err: errors.New("no image model")}
	secondary := &fakeProvider{name: "openai", store: store, imageData: []byte{0x89, 'P', 'N', 'G'}}
	svc, err := NewService([]Provider{primary, secondary}, store, Config{DefaultModel: "test-model"}, zap.NewNop())
	require.NoError(t, err)
	defer svc.Close()

	data, err := svc.GenerateImage(context.Background(), 1, "a lighthouse")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, data)
}

func TestRetryLast(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	provider := &fakeProvider{name: "gemini", store: store, reply: "first answer"}
	svc, err := NewService([]Provider{provider}, store, Config{DefaultModel: "test-model"}, zap.NewNop())
	require.NoError(t, err)
	defer svc.Close()

	t.Run("empty conversation", func(t *testing.T) {
		reply, err := svc.RetryLast(ctx, 1)
		require.NoError(t, err)
		assert.Empty(t, reply)
	})

	t.Run("replays last user message", func(t *testing.T) {
		_, err := svc.Chat(ctx, 1, "tell me a joke")
		require.NoError(t, err)

		provider.reply = "second answer"
		reply, err := svc.RetryLast(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, "second answer", reply)

		msgs := conversationMessages(t, store, 1)
		require.Len(t, msgs, 2, "old exchange replaced, not appended")
		assert.Equal(t, "tell me a joke", msgs[0].Content)
		assert.Equal(t, "second answer", msgs[1].Content)
	})
}

func TestConcurrentChatsSameUser(t *testing.T) {
	// two messages from one user may interleave, but the store must
	// stay consistent: every turn lands in the single active
	// conversation
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	provider := &fakeProvider{name: "gemini", store: store, reply: "reply"}
	svc, err := NewService([]Provider{provider}, store, Config{DefaultModel: "test-model"}, zap.NewNop())
	require.NoError(t, err)
	defer svc.Close()

	_, err = store.CreateConversation(ctx, 1, "test-model", DefaultSystemPrompt)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Chat(ctx, 1, fmt.Sprintf("message %d", i))
		}(i)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	convs, err := store.ListConversations(ctx, 1, 10)
	require.NoError(t, err)
	activeCount := 0
	for _, c := range convs {
		if c.IsActive {
			activeCount++
		}
	}
	assert.Equal(t, 1, activeCount)

	msgs := conversationMessages(t, store, 1)
	require.Len(t, msgs, 4)
	users, assistants := 0, 0
	for _, m := range msgs {
		switch m.Role {
		case models.RoleUser:
			users++
		case models.RoleAssistant:
			assistants++
		}
	}
	assert.Equal(t, 2, users)
	assert.Equal(t, 2, assistants)
}

func TestEnqueueFactsNeverBlocks(t *testing.T) {
	store := storage.NewMemoryStorage()
	// ExtractFacts blocks forever; the unbuffered channel is never read
	blocked := &fakeProvider{name: "gemini", store: store, reply: "ok", factCalls: make(chan factJob)}
	svc, err := NewService([]Provider{blocked}, store, Config{DefaultModel: "test-model"}, zap.NewNop())
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			_, err := svc.Chat(context.Background(), 1, "hi")
			if err != nil {
				return
			}
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("chat calls blocked on the fact queue")
	}
	// drain so Close's worker shutdown can finish
	go func() {
		for range blocked.factCalls {
		}
	}()
	svc.Close()
}
