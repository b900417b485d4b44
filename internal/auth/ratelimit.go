package auth

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/atmx/market-game/internal/metrics"
)

const (
	// cleanupThreshold is the minimum map size before a cleanup pass runs.
	cleanupThreshold = 500
	// maxIdleAge is how long an idle player entry is kept.
	maxIdleAge = 10 * time.Minute
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// PlayerRateLimiter keeps one token bucket per player and prunes idle
// entries inline.
type PlayerRateLimiter struct {
	mu      sync.Mutex
	players map[string]*limiterEntry
	r       rate.Limit
	b       int
}

// NewPlayerRateLimiter allows r requests per second per player with bursts
// of b.
func NewPlayerRateLimiter(r rate.Limit, b int) *PlayerRateLimiter {
	return &PlayerRateLimiter{
		players: make(map[string]*limiterEntry),
		r:       r,
		b:       b,
	}
}

// Limiter returns the player's bucket.
func (l *PlayerRateLimiter) Limiter(playerID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if len(l.players) > cleanupThreshold {
		cutoff := now.Add(-maxIdleAge)
		for k, e := range l.players {
			if e.lastSeen.Before(cutoff) {
				delete(l.players, k)
			}
		}
	}

	e, ok := l.players[playerID]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.r, l.b)}
		l.players[playerID] = e
	}
	e.lastSeen = now
	return e.limiter
}

// Allow reports whether the player may make a request now.
func (l *PlayerRateLimiter) Allow(playerID string) bool {
	return l.Limiter(playerID).Allow()
}

// Middleware answers 429 once the caller's bucket is empty. It must run
// after auth.Middleware; unauthenticated requests pass through.
func (l *PlayerRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := FromContext(r.Context())
		if ok && !l.Allow(id.PlayerID) {
			metrics.RateLimited.Inc()
			retry := time.Second
			if l.r > 0 {
				retry = time.Duration(float64(time.Second) / float64(l.r))
			}
			w.Header().Set("Retry-After", strconv.Itoa(max(1, int(retry.Seconds()))))
			writeError(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
