package translator

import (
	"sync"
	"time"
)

// limitIntentTTL bounds how long a self-placed limit order id is tracked
// waiting for its echo; an exchange that never reports the fill would
// otherwise grow this set without bound.
const limitIntentTTL = 10 * time.Minute

// limitIntents is a bounded order-id set with TTL eviction, tracking
// orderIds of limit orders we placed so the matching limit_filled push
// can be recognized as a self-echo and suppressed. Grounded on the
// teacher's gateway.Manager LRU-with-eviction pattern
// (internal/gateway/manager.go: lruOrder slice + oldest-first eviction),
// repurposed here from connection caching to order-id tracking.
type limitIntents struct {
	mu      sync.Mutex
	expires map[string]time.Time
	order   []string // insertion order, oldest first
}

func newLimitIntents() *limitIntents {
	return &limitIntents{expires: make(map[string]time.Time)}
}

// Add records orderID as a self-placed limit intent.
func (l *limitIntents) Add(orderID string, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evictLocked(now)
	if _, ok := l.expires[orderID]; !ok {
		l.order = append(l.order, orderID)
	}
	l.expires[orderID] = now.Add(limitIntentTTL)
}

// TakeIfPresent removes orderID and reports whether it was present
// (i.e. this fill is our own echo).
func (l *limitIntents) TakeIfPresent(orderID string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evictLocked(now)
	if _, ok := l.expires[orderID]; !ok {
		return false
	}
	delete(l.expires, orderID)
	return true
}

// Discard removes orderID without reporting presence, used for
// order_cancelled/order_invalid cleanup.
func (l *limitIntents) Discard(orderID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.expires, orderID)
}

func (l *limitIntents) evictLocked(now time.Time) {
	i := 0
	for i < len(l.order) {
		id := l.order[i]
		exp, ok := l.expires[id]
		if !ok {
			l.order = append(l.order[:i], l.order[i+1:]...)
			continue
		}
		if now.After(exp) {
			delete(l.expires, id)
			l.order = append(l.order[:i], l.order[i+1:]...)
			continue
		}
		i++
	}
}
