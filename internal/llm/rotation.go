package llm

import (
	"errors"
	"sync"

	"go.uber.org/zap"
)

// Pool holds an ordered list of provider clients (one per credential)
// and rotates through them round-robin. Rotation happens on success
// too, to spread load across keys. The cursor is shared process-wide;
// concurrent callers may interleave rotation non-deterministically.
// Only the cursor itself is locked, never the provider call.
type Pool[C any] struct {
	mu      sync.Mutex
	clients []C
	cursor  int
	logger  *zap.Logger
}

func NewPool[C any](clients []C, logger *zap.Logger) (*Pool[C], error) {
	if len(clients) == 0 {
		return nil, errors.New("pool requires at least one client")
	}
	return &Pool[C]{clients: clients, logger: logger}, nil
}

func (p *Pool[C]) Size() int {
	return len(p.clients)
}

func (p *Pool[C]) current() (C, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.cursor % len(p.clients)
	return p.clients[idx], idx
}

func (p *Pool[C]) rotate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cursor = (p.cursor + 1) % len(p.clients)
}

// Take returns the current client and advances the cursor. Streaming
// calls use this instead of CallWithRotation: once a stream has
// started there is no clean retry point.
func (p *Pool[C]) Take() (C, int) {
	client, idx := p.current()
	p.rotate()
	return client, idx
}

// CallWithRotation invokes call with the current client. On success
// the cursor advances for the next caller. On a rate-limit error it
// advances and retries with the next credential, at most Size attempts
// total; the last rate-limit error is returned if every credential is
// exhausted. Any other error propagates immediately.
func (p *Pool[C]) CallWithRotation(call func(client C) error) error {
	var lastErr error
	for attempt := 0; attempt < p.Size(); attempt++ {
		client, idx := p.current()
		err := call(client)
		if err == nil {
			p.rotate()
			return nil
		}
		if !IsRateLimited(err) {
			return err
		}
		p.logger.Warn("rate limited, rotating credential",
			zap.Int("index", idx),
			zap.Error(err))
		lastErr = err
		p.rotate()
	}
	return lastErr
}
