package llm

import (
	"strings"

	"github.com/xaenox/concierge-bot/internal/models"
)

// buildSystemInstruction concatenates the conversation's system prompt
// with the optional skills and memory blocks. This part of the prompt
// is never truncated.
func buildSystemInstruction(systemPrompt, skillsPrompt, memoryPrompt string) string {
	system := systemPrompt
	if skillsPrompt != "" {
		system += "\n\n" + skillsPrompt
	}
	if memoryPrompt != "" {
		system += "\n\n" + memoryPrompt
	}
	return system
}

// memoryPrompt renders stored facts as a system-prompt block. Empty
// when the user has no facts.
func memoryPrompt(facts []*models.Fact) string {
	if len(facts) == 0 {
		return ""
	}
	lines := make([]string, 0, len(facts)+1)
	lines = append(lines, "Known facts about this user (use them to personalize your responses):")
	for _, f := range facts {
		lines = append(lines, "- "+f.Fact)
	}
	return strings.Join(lines, "\n")
}

// trimHistory walks the history newest-first, accumulating content
// length, and drops the oldest messages once maxChars would be
// exceeded. The most recent message is always kept, even when it alone
// is over budget. The returned slice is chronological.
//
// Vision entries contribute only their caption text; stored image
// references are never re-resolved because the URLs expire.
func trimHistory(history []*models.Message, maxChars int) []*models.Message {
	var kept []*models.Message
	total := 0
	for i := len(history) - 1; i >= 0; i-- {
		msg := history[i]
		if len(kept) > 0 && total+len(msg.Content) > maxChars {
			break
		}
		total += len(msg.Content)
		kept = append(kept, msg)
	}
	// collected newest-first, flip to chronological
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return kept
}

// estimateTokens approximates token cost from character count (chars ≈
// 4× tokens). Used where exact counts are unavailable, e.g. streamed
// replies.
func estimateTokens(text string) int {
	return len(text) / 4
}
