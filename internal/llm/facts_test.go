package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xaenox/concierge-bot/internal/models"
)

func TestParseFactLines(t *testing.T) {
	t.Run("none sentinel", func(t *testing.T) {
		assert.Nil(t, parseFactLines("NONE"))
		assert.Nil(t, parseFactLines("none"))
		assert.Nil(t, parseFactLines("  NONE  "))
	})

	t.Run("too short", func(t *testing.T) {
		assert.Nil(t, parseFactLines(""))
		assert.Nil(t, parseFactLines("ok"))
	})

	t.Run("plain lines", func(t *testing.T) {
		got := parseFactLines("works as a nurse\nlives in Oslo")
		assert.Equal(t, []string{"works as a nurse", "lives in Oslo"}, got)
	})

	t.Run("strips bullets", func(t *testing.T) {
		got := parseFactLines("- has a dog\n• plays guitar")
		assert.Equal(t, []string{"has a dog", "plays guitar"}, got)
	})

	t.Run("skips short lines", func(t *testing.T) {
		got := parseFactLines("ok\nenjoys hiking\n\n- a")
		assert.Equal(t, []string{"enjoys hiking"}, got)
	})
}

func TestNewFacts(t *testing.T) {
	existing := []*models.Fact{
		{Fact: "Lives in Oslo"},
		{Fact: "has a dog"},
	}

	t.Run("case-insensitive dedup", func(t *testing.T) {
		got := newFacts([]string{"lives in oslo", "plays guitar"}, existing)
		assert.Equal(t, []string{"plays guitar"}, got)
	})

	t.Run("dedup within batch", func(t *testing.T) {
		got := newFacts([]string{"Plays Guitar", "plays guitar"}, nil)
		assert.Equal(t, []string{"Plays Guitar"}, got)
	})

	t.Run("all new", func(t *testing.T) {
		got := newFacts([]string{"works remotely"}, existing)
		assert.Equal(t, []string{"works remotely"}, got)
	})
}
