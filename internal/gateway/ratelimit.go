package gateway

import (
	"sync"
	"time"
)

// messageRateLimit is the sliding window spec.md §8 invariant 6 demands:
// at most 10 accepted send-message events per socket in any rolling 60s
// window. Adapted from the teacher's TokenBucket/RateLimiter
// (internal/single/limits/rate_limiter.go) but a true sliding window
// rather than a token bucket, because the spec's retryAfter is defined in
// terms of the oldest timestamp still inside the window — a value a
// token bucket's refill counter can't reconstruct exactly.
type messageRateLimit struct {
	mu        sync.Mutex
	sent      []time.Time // ascending, oldest first
	limit     int
	window    time.Duration
}

func newMessageRateLimit(limit int, window time.Duration) *messageRateLimit {
	return &messageRateLimit{limit: limit, window: window}
}

// Allow reports whether a send-message at now is accepted. On rejection,
// retryAfterSec is ceil((oldestInWindow + window - now) / 1s), per spec.
func (l *messageRateLimit) Allow(now time.Time) (ok bool, retryAfterSec int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.sent) && l.sent[i].Before(cutoff) {
		i++
	}
	l.sent = l.sent[i:]

	if len(l.sent) >= l.limit {
		oldest := l.sent[0]
		remaining := oldest.Add(l.window).Sub(now)
		secs := int(remaining / time.Second)
		if remaining%time.Second != 0 {
			secs++
		}
		if secs < 1 {
			secs = 1
		}
		return false, secs
	}

	l.sent = append(l.sent, now)
	return true, 0
}

// messageRateLimiters owns one messageRateLimit per connected socket,
// mirroring the teacher's sync.Map-of-per-client-state idiom.
type messageRateLimiters struct {
	mu      sync.RWMutex
	sockets map[string]*messageRateLimit
	limit   int
	window  time.Duration
}

func newMessageRateLimiters(limit int, window time.Duration) *messageRateLimiters {
	return &messageRateLimiters{sockets: make(map[string]*messageRateLimit), limit: limit, window: window}
}

func (m *messageRateLimiters) forSocket(socketID string) *messageRateLimit {
	m.mu.RLock()
	l, ok := m.sockets[socketID]
	m.mu.RUnlock()
	if ok {
		return l
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok = m.sockets[socketID]; ok {
		return l
	}
	l = newMessageRateLimit(m.limit, m.window)
	m.sockets[socketID] = l
	return l
}

// Remove drops rate-limit state for a disconnected socket.
func (m *messageRateLimiters) Remove(socketID string) {
	m.mu.Lock()
	delete(m.sockets, socketID)
	m.mu.Unlock()
}
