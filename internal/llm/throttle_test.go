package llm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStreamThrottleFirstFires(t *testing.T) {
	th := newStreamThrottle(1500 * time.Millisecond)
	assert.True(t, th.ready())
}

func TestStreamThrottleSpacing(t *testing.T) {
	clock := time.Unix(0, 0)
	th := newStreamThrottle(1500 * time.Millisecond)
	th.now = func() time.Time { return clock }

	// 40 chunks arriving every 500ms should collapse to an edit at
	// most every 1.5s
	fired := 0
	for i := 0; i < 40; i++ {
		if th.ready() {
			fired++
		}
		clock = clock.Add(500 * time.Millisecond)
	}
	assert.Equal(t, 14, fired)
}

func TestStreamThrottleExactInterval(t *testing.T) {
	clock := time.Unix(0, 0)
	th := newStreamThrottle(time.Second)
	th.now = func() time.Time { return clock }

	assert.True(t, th.ready())
	clock = clock.Add(999 * time.Millisecond)
	assert.False(t, th.ready())
	clock = clock.Add(time.Millisecond)
	assert.True(t, th.ready())
}
