package server

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// sweepEvery is how many admitted intents pass between idle sweeps.
const sweepEvery = 512

// intentKey identifies one caller acting on one pairing.
type intentKey struct {
	user    string
	pairing string
}

// IntentLimiter applies one token bucket per caller and pairing, so a party
// hammering one negotiation does not throttle its other pairings. A nil
// limiter admits everything.
type IntentLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration

	mu      sync.Mutex
	buckets map[intentKey]*intentBucket
	calls   uint64
}

type intentBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIntentLimiter returns nil when rps or burst disable limiting.
func NewIntentLimiter(rps float64, burst int, idleTTL time.Duration) *IntentLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &IntentLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		idleTTL: idleTTL,
		buckets: make(map[intentKey]*intentBucket),
	}
}

// Allow reports whether user may submit one more intent on pairing at now.
// Requests without a caller or pairing are not tracked.
func (l *IntentLimiter) Allow(user, pairing string, now time.Time) bool {
	if l == nil {
		return true
	}
	key := intentKey{user: strings.TrimSpace(user), pairing: strings.TrimSpace(pairing)}
	if key.user == "" || key.pairing == "" {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.buckets[key]
	if b == nil {
		b = &intentBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	allowed := b.limiter.AllowN(now, 1)

	l.calls++
	if l.calls%sweepEvery == 0 {
		l.sweep(now)
	}
	return allowed
}

// sweep drops buckets idle for longer than idleTTL. Callers hold mu.
func (l *IntentLimiter) sweep(now time.Time) {
	cutoff := now.Add(-l.idleTTL)
	for key, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}

// Tracked reports how many caller and pairing buckets are live.
func (l *IntentLimiter) Tracked() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
