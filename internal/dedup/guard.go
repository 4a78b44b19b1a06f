// Package dedup holds the process-local duplicate-request guard used by the
// trigger surfaces. It is a double-submit filter only; delivery safety lives
// in the job record.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

const DefaultTTL = 5 * time.Minute

type Guard struct {
	ttl time.Duration
	now func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

func New(ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Guard{ttl: ttl, now: time.Now, seen: map[string]time.Time{}}
}

// WithClock replaces the guard's time source.
func (g *Guard) WithClock(now func() time.Time) *Guard {
	g.now = now
	return g
}

// Check records key and reports whether it is new. A key seen within the TTL
// is a duplicate and is not refreshed.
func (g *Guard) Check(key string) bool {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()

	if at, ok := g.seen[key]; ok && now.Sub(at) < g.ttl {
		return false
	}
	g.seen[key] = now
	return true
}

// Forget drops key, e.g. when the request it guarded failed to persist.
func (g *Guard) Forget(key string) {
	g.mu.Lock()
	delete(g.seen, key)
	g.mu.Unlock()
}

// Purge removes expired entries and returns how many were dropped.
func (g *Guard) Purge() int {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()

	n := 0
	for k, at := range g.seen {
		if now.Sub(at) >= g.ttl {
			delete(g.seen, k)
			n++
		}
	}
	return n
}

func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}

// Key hashes a request signature into a fixed-size guard key.
func Key(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
