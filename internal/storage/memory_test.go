package storage

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xaenox/concierge-bot/internal/models"
)

func addMessage(t *testing.T, s *MemoryStorage, convID int64, role models.Role, content string) {
	t.Helper()
	err := s.AddMessage(context.Background(), &models.Message{
		ConversationID: convID,
		Role:           role,
		Content:        content,
	})
	require.NoError(t, err)
}

func TestUpsertUser(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()

	require.NoError(t, s.UpsertUser(ctx, 1, "ada", "Ada"))
	user, err := s.GetUser(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, "ada", user.Username)
	assert.False(t, user.IsApproved)

	// updates in place, approval untouched
	require.NoError(t, s.SetUserApproved(ctx, 1, true))
	require.NoError(t, s.UpsertUser(ctx, 1, "ada2", "Ada"))
	user, err = s.GetUser(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "ada2", user.Username)
	assert.True(t, user.IsApproved)
}

func TestIsUserApproved(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()

	approved, err := s.IsUserApproved(ctx, 42)
	require.NoError(t, err)
	assert.False(t, approved, "unknown user is not approved")

	require.NoError(t, s.UpsertUser(ctx, 42, "u", "U"))
	require.NoError(t, s.SetUserApproved(ctx, 42, true))
	approved, err = s.IsUserApproved(ctx, 42)
	require.NoError(t, err)
	assert.True(t, approved)
}

func TestSingleActiveConversation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()

	conv, err := s.ActiveConversation(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, conv, "no conversation yet")

	first, err := s.CreateConversation(ctx, 1, "model-a", "prompt")
	require.NoError(t, err)
	second, err := s.CreateConversation(ctx, 1, "model-b", "prompt")
	require.NoError(t, err)

	active, err := s.ActiveConversation(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, second, active.ID, "creating a conversation deactivates the rest")

	ok, err := s.SwitchConversation(ctx, 1, first)
	require.NoError(t, err)
	require.True(t, ok)
	active, err = s.ActiveConversation(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, first, active.ID)

	convs, err := s.ListConversations(ctx, 1, 10)
	require.NoError(t, err)
	activeCount := 0
	for _, c := range convs {
		if c.IsActive {
			activeCount++
		}
	}
	assert.Equal(t, 1, activeCount)
}

func TestSwitchConversationWrongUser(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()

	convID, err := s.CreateConversation(ctx, 1, "m", "p")
	require.NoError(t, err)

	ok, err := s.SwitchConversation(ctx, 2, convID)
	require.NoError(t, err)
	assert.False(t, ok, "cannot switch to another user's conversation")
}

func TestGetMessagesRecentChronological(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()
	convID, err := s.CreateConversation(ctx, 1, "m", "p")
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		addMessage(t, s, convID, models.RoleUser, fmt.Sprintf("msg-%d", i))
	}

	msgs, err := s.GetMessages(ctx, convID, 4)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.Equal(t, "msg-2", msgs[0].Content)
	assert.Equal(t, "msg-5", msgs[3].Content)
}

func TestGetMessagesIsolatedPerConversation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()
	a, err := s.CreateConversation(ctx, 1, "m", "p")
	require.NoError(t, err)
	b, err := s.CreateConversation(ctx, 2, "m", "p")
	require.NoError(t, err)

	addMessage(t, s, a, models.RoleUser, "for a")
	addMessage(t, s, b, models.RoleUser, "for b")

	msgs, err := s.GetMessages(ctx, a, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "for a", msgs[0].Content)
}

func TestDeleteLastUserMessage(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()
	convID, err := s.CreateConversation(ctx, 1, "m", "p")
	require.NoError(t, err)

	addMessage(t, s, convID, models.RoleUser, "question")
	addMessage(t, s, convID, models.RoleAssistant, "answer")
	addMessage(t, s, convID, models.RoleUser, "follow-up")

	require.NoError(t, s.DeleteLastUserMessage(ctx, convID))
	msgs, err := s.GetMessages(ctx, convID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "question", msgs[0].Content)
	assert.Equal(t, "answer", msgs[1].Content)

	// assistant messages are never touched
	require.NoError(t, s.DeleteLastUserMessage(ctx, convID))
	msgs, err = s.GetMessages(ctx, convID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.RoleAssistant, msgs[0].Role)

	// no user message left is a no-op
	require.NoError(t, s.DeleteLastUserMessage(ctx, convID))
}

func TestDeleteLastExchange(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()
	convID, err := s.CreateConversation(ctx, 1, "m", "p")
	require.NoError(t, err)

	deleted, err := s.DeleteLastExchange(ctx, convID)
	require.NoError(t, err)
	assert.False(t, deleted, "empty conversation")

	addMessage(t, s, convID, models.RoleUser, "first question")
	addMessage(t, s, convID, models.RoleAssistant, "first answer")
	addMessage(t, s, convID, models.RoleUser, "second question")
	addMessage(t, s, convID, models.RoleAssistant, "second answer")

	deleted, err = s.DeleteLastExchange(ctx, convID)
	require.NoError(t, err)
	assert.True(t, deleted)

	msgs, err := s.GetMessages(ctx, convID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "first question", msgs[0].Content)
	assert.Equal(t, "first answer", msgs[1].Content)
}

func TestTokenAccounting(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()

	require.NoError(t, s.LogUsage(ctx, 1, models.UsageChat, "model-a", 100))
	require.NoError(t, s.LogUsage(ctx, 1, models.UsageVision, "model-a", 50))
	require.NoError(t, s.LogUsage(ctx, 2, models.UsageChat, "model-a", 999))

	daily, err := s.DailyTokens(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 150, daily)

	monthly, err := s.MonthlyTokens(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 150, monthly)
}

func TestUsageSummary(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()

	require.NoError(t, s.LogUsage(ctx, 1, models.UsageChat, "m", 100))
	require.NoError(t, s.LogUsage(ctx, 1, models.UsageChat, "m", 200))
	require.NoError(t, s.LogUsage(ctx, 1, models.UsageImage, "m", 0))

	summary, err := s.UsageSummary(ctx, 1)
	require.NoError(t, err)
	require.Len(t, summary, 2)
	assert.Equal(t, models.UsageChat, summary[0].Type)
	assert.Equal(t, 2, summary[0].Count)
	assert.Equal(t, 300, summary[0].TotalTokens)
	assert.Equal(t, models.UsageImage, summary[1].Type)
	assert.Equal(t, 1, summary[1].Count)
}

func TestFacts(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()

	id1, err := s.AddFact(ctx, 1, "lives in Berlin")
	require.NoError(t, err)
	_, err = s.AddFact(ctx, 1, "has two cats")
	require.NoError(t, err)
	_, err = s.AddFact(ctx, 2, "someone else's fact")
	require.NoError(t, err)

	facts, err := s.GetFacts(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, facts, 2)
	// newest first
	assert.Equal(t, "has two cats", facts[0].Fact)

	ok, err := s.DeleteFact(ctx, id1, 2)
	require.NoError(t, err)
	assert.False(t, ok, "fact belongs to another user")

	ok, err = s.DeleteFact(ctx, id1, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	removed, err := s.ClearFacts(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	facts, err = s.GetFacts(ctx, 2, 10)
	require.NoError(t, err)
	assert.Len(t, facts, 1, "other users' facts survive")
}

func TestGetFactsLimit(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()
	for i := 0; i < 10; i++ {
		_, err := s.AddFact(ctx, 1, fmt.Sprintf("fact-%d", i))
		require.NoError(t, err)
	}
	facts, err := s.GetFacts(ctx, 1, 3)
	require.NoError(t, err)
	require.Len(t, facts, 3)
	assert.Equal(t, "fact-9", facts[0].Fact)
}
