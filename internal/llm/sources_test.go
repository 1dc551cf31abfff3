package llm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppendSourcesEmpty(t *testing.T) {
	assert.Equal(t, "answer", appendSources("answer", nil))
	assert.Equal(t, "answer", appendSources("answer", []Source{{Title: "no url"}}))
}

func TestAppendSourcesDeduplicates(t *testing.T) {
	sources := []Source{
		{Title: "First", URL: "https://example.com/a"},
		{Title: "Duplicate", URL: "https://example.com/a"},
		{Title: "Second", URL: "https://example.com/b"},
		{Title: "Again", URL: "https://example.com/a"},
	}
	got := appendSources("answer", sources)
	assert.Equal(t, 1, strings.Count(got, "https://example.com/a"))
	assert.Contains(t, got, "[First](https://example.com/a)")
	assert.NotContains(t, got, "Duplicate")
	// first-seen order
	assert.Less(t, strings.Index(got, "example.com/a"), strings.Index(got, "example.com/b"))
}

func TestAppendSourcesCap(t *testing.T) {
	var sources []Source
	for i := 0; i < 8; i++ {
		sources = append(sources, Source{URL: "https://example.com/" + string(rune('a'+i))})
	}
	got := appendSources("answer", sources)
	assert.Equal(t, maxSources, strings.Count(got, "• "))
	assert.NotContains(t, got, "example.com/f")
}

func TestAppendSourcesTitleFallback(t *testing.T) {
	got := appendSources("answer", []Source{{URL: "https://example.com"}})
	assert.Contains(t, got, "[https://example.com](https://example.com)")
}

func TestAppendSourcesFormat(t *testing.T) {
	got := appendSources("answer", []Source{{Title: "Docs", URL: "https://example.com"}})
	assert.Equal(t, "answer\n\nSources:\n• [Docs](https://example.com)", got)
}
