package llm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xaenox/concierge-bot/internal/models"
)

func msg(role models.Role, content string) *models.Message {
	return &models.Message{Role: role, Content: content}
}

func TestBuildSystemInstruction(t *testing.T) {
	t.Run("prompt only", func(t *testing.T) {
		got := buildSystemInstruction("base", "", "")
		assert.Equal(t, "base", got)
	})

	t.Run("all blocks", func(t *testing.T) {
		got := buildSystemInstruction("base", "skills", "memory")
		assert.Equal(t, "base\n\nskills\n\nmemory", got)
	})

	t.Run("memory without skills", func(t *testing.T) {
		got := buildSystemInstruction("base", "", "memory")
		assert.Equal(t, "base\n\nmemory", got)
	})
}

func TestMemoryPrompt(t *testing.T) {
	assert.Empty(t, memoryPrompt(nil))

	facts := []*models.Fact{
		{Fact: "lives in Berlin"},
		{Fact: "has two cats"},
	}
	got := memoryPrompt(facts)
	assert.True(t, strings.HasPrefix(got, "Known facts about this user"))
	assert.Contains(t, got, "- lives in Berlin")
	assert.Contains(t, got, "- has two cats")
}

func TestTrimHistoryUnderBudget(t *testing.T) {
	history := []*models.Message{
		msg(models.RoleUser, "first"),
		msg(models.RoleAssistant, "second"),
		msg(models.RoleUser, "third"),
	}
	kept := trimHistory(history, 1000)
	assert.Len(t, kept, 3)
	assert.Equal(t, "first", kept[0].Content)
	assert.Equal(t, "third", kept[2].Content)
}

func TestTrimHistoryDropsOldest(t *testing.T) {
	history := []*models.Message{
		msg(models.RoleUser, strings.Repeat("a", 50)),
		msg(models.RoleAssistant, strings.Repeat("b", 50)),
		msg(models.RoleUser, strings.Repeat("c", 50)),
	}
	kept := trimHistory(history, 110)
	assert.Len(t, kept, 2)
	assert.Equal(t, strings.Repeat("b", 50), kept[0].Content)
	assert.Equal(t, strings.Repeat("c", 50), kept[1].Content)
}

func TestTrimHistoryAlwaysKeepsNewest(t *testing.T) {
	history := []*models.Message{
		msg(models.RoleUser, "short"),
		msg(models.RoleUser, strings.Repeat("x", 500)),
	}
	kept := trimHistory(history, 100)
	assert.Len(t, kept, 1)
	assert.Equal(t, strings.Repeat("x", 500), kept[0].Content)
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, estimateTokens(""))
	assert.Equal(t, 25, estimateTokens(strings.Repeat("x", 100)))
}
