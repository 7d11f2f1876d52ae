package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	codeRateLimited    = "RATE_LIMITED"
	limiterIdleTimeout = 10 * time.Minute
)

// DownloadLimit configures the per-reader token bucket on bundle downloads.
// A zero PerMinute disables limiting.
type DownloadLimit struct {
	PerMinute int
	Burst     int
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// readerLimiter keeps one token bucket per reader, dropping buckets idle for limiterIdleTimeout.
type readerLimiter struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	entries   map[string]*limiterEntry
	lastPrune time.Time
	now       func() time.Time
}

func newReaderLimiter(cfg DownloadLimit) *readerLimiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &readerLimiter{
		limit:   rate.Every(time.Minute / time.Duration(cfg.PerMinute)),
		burst:   burst,
		entries: make(map[string]*limiterEntry),
		now:     time.Now,
	}
}

func (l *readerLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastPrune) > limiterIdleTimeout {
		for candidate, entry := range l.entries {
			if now.Sub(entry.lastSeen) > limiterIdleTimeout {
				delete(l.entries, candidate)
			}
		}
		l.lastPrune = now
	}

	entry, ok := l.entries[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.entries[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

// middleware keys buckets by the resolved reader, falling back to the client address.
func (l *readerLimiter) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := identityFrom(c).UserID
		if key == "" {
			key = "ip:" + c.ClientIP()
		}
		if !l.allow(key) {
			c.Header("Retry-After", "60")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, errorPayload{Error: codeRateLimited, Message: "too many downloads, try again later"})
			return
		}
		c.Next()
	}
}
