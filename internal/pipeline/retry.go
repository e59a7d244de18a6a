package pipeline

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
)

const retryCacheSize = 4096

// MaxAttempts is how many failed download or upload attempts an event
// gets before it is written off until restart or TTL expiry.
const MaxAttempts = 10

type retryEntry struct {
	count    int
	storedAt time.Time
}

// RetryCounter tracks failed attempts per event id. It lives purely in
// memory: a restart lifts every ban. Counters are never reset on success,
// only by the TTL, which must be at least the retention window so a
// flapping event cannot dodge its ban by briefly succeeding.
type RetryCounter struct {
	cache *lru.Cache[string, retryEntry]
	clock clockwork.Clock
	ttl   time.Duration
	max   int
}

func NewRetryCounter(max int, ttl time.Duration, clock clockwork.Clock) (*RetryCounter, error) {
	cache, err := lru.New[string, retryEntry](retryCacheSize)
	if err != nil {
		return nil, err
	}
	return &RetryCounter{cache: cache, clock: clock, ttl: ttl, max: max}, nil
}

// current applies the TTL at read, like the listener's dedup cache.
func (r *RetryCounter) current(id string) int {
	entry, ok := r.cache.Get(id)
	if !ok {
		return 0
	}
	if r.clock.Since(entry.storedAt) > r.ttl {
		r.cache.Remove(id)
		return 0
	}
	return entry.count
}

// Bump records one failed attempt and returns the new count.
func (r *RetryCounter) Bump(id string) int {
	n := r.current(id) + 1
	r.cache.Add(id, retryEntry{count: n, storedAt: r.clock.Now()})
	return n
}

// Count returns the live attempt count for id.
func (r *RetryCounter) Count(id string) int {
	return r.current(id)
}

// Banned reports whether id has exhausted its attempts.
func (r *RetryCounter) Banned(id string) bool {
	return r.current(id) >= r.max
}

// Max is the configured attempt limit.
func (r *RetryCounter) Max() int {
	return r.max
}
