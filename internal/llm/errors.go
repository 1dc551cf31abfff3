package llm

import (
	"errors"
	"strings"
)

var (
	// ErrEmptyResponse means the provider returned no extractable
	// text. Treated like any other provider failure so the fallback
	// chain runs instead of persisting an empty reply.
	ErrEmptyResponse = errors.New("provider returned empty response")

	// ErrNoImagePayload means an image-generation response carried no
	// inline image data.
	ErrNoImagePayload = errors.New("provider returned no image data")

	// ErrExchangeRewound marks a web-search failure whose handler
	// already deleted the full last exchange; the coordinator must not
	// rewind again.
	ErrExchangeRewound = errors.New("last exchange already rewound")
)

var rateLimitMarkers = []string{
	"429",
	"resource_exhausted",
	"rate limit",
	"rate_limit",
	"quota",
}

// IsRateLimited reports whether err looks like provider quota
// exhaustion. Providers surface these as formatted strings rather than
// typed errors, so substring matching is the portable check.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range rateLimitMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
