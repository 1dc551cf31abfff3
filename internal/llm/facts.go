package llm

import (
	"strings"

	"github.com/xaenox/concierge-bot/internal/models"
)

// factExtractionPrompt instructs the model to return one explicitly
// stated personal fact per line, or the NONE sentinel.
const factExtractionPrompt = "Extract personal facts about the user from this conversation exchange. " +
	"Only extract FACTUAL info the user explicitly stated about themselves: " +
	"name, age, location, profession, hobbies, preferences, family, pets, etc. " +
	"Do NOT extract opinions, questions, or temporary states. " +
	"Return each fact on a new line, without numbering or bullets. " +
	"If there are no personal facts, respond with exactly: NONE"

const (
	factPromptLimit = 30 // facts read into each prompt
	factDedupLimit  = 50 // facts loaded for duplicate checks
)

// parseFactLines turns a model answer into clean fact sentences.
// Returns nil for the NONE sentinel or unusably short answers.
func parseFactLines(answer string) []string {
	answer = strings.TrimSpace(answer)
	if strings.EqualFold(answer, "NONE") || len(answer) < 3 {
		return nil
	}
	var facts []string
	for _, line := range strings.Split(answer, "\n") {
		fact := strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "-•"))
		if fact != "" && len(fact) > 3 {
			facts = append(facts, fact)
		}
	}
	return facts
}

// newFacts filters out facts already stored for the user,
// case-insensitively.
func newFacts(candidates []string, existing []*models.Fact) []string {
	known := make(map[string]struct{}, len(existing))
	for _, f := range existing {
		known[strings.ToLower(f.Fact)] = struct{}{}
	}
	var fresh []string
	for _, fact := range candidates {
		key := strings.ToLower(fact)
		if _, dup := known[key]; dup {
			continue
		}
		known[key] = struct{}{}
		fresh = append(fresh, fact)
	}
	return fresh
}
