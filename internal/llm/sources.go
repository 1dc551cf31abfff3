package llm

import (
	"fmt"
	"strings"
)

// maxSources caps the appended citation list.
const maxSources = 5

// Source is one citation extracted from provider grounding metadata.
type Source struct {
	Title string
	URL   string
}

// appendSources appends a formatted Sources block to the reply text.
// Sources are deduplicated by URL preserving first-seen order and
// capped at maxSources. Returns text unchanged when there is nothing
// to cite.
func appendSources(text string, sources []Source) string {
	seen := make(map[string]struct{}, len(sources))
	var unique []Source
	for _, s := range sources {
		if s.URL == "" {
			continue
		}
		if _, dup := seen[s.URL]; dup {
			continue
		}
		seen[s.URL] = struct{}{}
		unique = append(unique, s)
		if len(unique) == maxSources {
			break
		}
	}
	if len(unique) == 0 {
		return text
	}

	var b strings.Builder
	b.WriteString(text)
	b.WriteString("\n\nSources:\n")
	for i, s := range unique {
		title := s.Title
		if title == "" {
			title = s.URL
		}
		fmt.Fprintf(&b, "• [%s](%s)", title, s.URL)
		if i < len(unique)-1 {
			b.WriteByte('\n')
		}
	}
	return b.String()
}
