// Package ratelimit enforces per-tier request quotas for the PromptDeck API.
//
// Quotas are fixed windows counted per minute, hour, and UTC day, each
// independently configured per tier (-1 means unlimited). Counters live in
// process memory; they are best-effort and a restart only makes the next
// window slightly generous, never a financial loss.
package ratelimit

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/promptdeck/promptdeck/internal/pricing"
)

// Denial reasons.
const (
	ReasonMinuteLimit = "minute_limit_exceeded"
	ReasonHourLimit   = "hour_limit_exceeded"
	ReasonDayLimit    = "day_limit_exceeded"
)

// Decision is the outcome of a quota check.
type Decision struct {
	Allowed    bool   `json:"allowed"`
	Reason     string `json:"reason,omitempty"`
	Limit      int    `json:"limit,omitempty"`
	RetryAfter int    `json:"retryAfter,omitempty"` // seconds to the window boundary
}

type window struct {
	start time.Time
	count int
}

type clientState struct {
	minute   window
	hour     window
	day      window
	lastSeen time.Time
}

// Limiter tracks fixed-window counters by key.
type Limiter struct {
	mu      sync.Mutex
	clients map[string]*clientState
	stop    chan struct{}
	now     func() time.Time
}

// New creates a rate limiter and starts its cleanup goroutine.
func New() *Limiter {
	l := &Limiter{
		clients: make(map[string]*clientState),
		stop:    make(chan struct{}),
		now:     time.Now,
	}
	go l.cleanup()
	return l
}

// cleanup removes entries idle for more than a day.
func (l *Limiter) cleanup() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			cutoff := l.now().Add(-25 * time.Hour)
			for key, state := range l.clients {
				if state.lastSeen.Before(cutoff) {
					delete(l.clients, key)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

// Stop stops the cleanup goroutine.
func (l *Limiter) Stop() {
	close(l.stop)
}

// Allow checks and counts one request against the given limits.
func (l *Limiter) Allow(key string, limits pricing.RateLimits) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	state, ok := l.clients[key]
	if !ok {
		state = &clientState{}
		l.clients[key] = state
	}
	state.lastSeen = now

	roll(&state.minute, now.Truncate(time.Minute))
	roll(&state.hour, now.Truncate(time.Hour))
	roll(&state.day, startOfDay(now))

	if d, denied := exceeded(&state.minute, limits.PerMinute, now, time.Minute, ReasonMinuteLimit); denied {
		return d
	}
	if d, denied := exceeded(&state.hour, limits.PerHour, now, time.Hour, ReasonHourLimit); denied {
		return d
	}
	if d, denied := exceeded(&state.day, limits.PerDay, now, 24*time.Hour, ReasonDayLimit); denied {
		return d
	}

	state.minute.count++
	state.hour.count++
	state.day.count++
	return Decision{Allowed: true}
}

// AllowForTier checks a request against a tier's configured limits.
func (l *Limiter) AllowForTier(key string, tier pricing.Tier) Decision {
	return l.Allow(key, pricing.ForTier(tier).Limits)
}

// AllowAnonymous checks an unauthenticated request against the free-tier
// limits, the most restrictive defaults.
func (l *Limiter) AllowAnonymous(key string) Decision {
	return l.AllowForTier("anon:"+key, pricing.TierFree)
}

func roll(w *window, start time.Time) {
	if !w.start.Equal(start) {
		w.start = start
		w.count = 0
	}
}

func exceeded(w *window, limit int, now time.Time, span time.Duration, reason string) (Decision, bool) {
	if limit == pricing.Unlimited || w.count < limit {
		return Decision{}, false
	}
	retry := int(w.start.Add(span).Sub(now).Seconds()) + 1
	denialsTotal.WithLabelValues(reason).Inc()
	return Decision{
		Reason:     reason,
		Limit:      limit,
		RetryAfter: retry,
	}, true
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Identity resolves the caller's identity and tier for quota accounting.
// Authentication itself is external; this only reads what it established.
type Identity func(c *gin.Context) (key string, tier pricing.Tier, authenticated bool)

// HeaderIdentity reads the identity the auth layer forwards in headers.
func HeaderIdentity(c *gin.Context) (string, pricing.Tier, bool) {
	userID := c.GetHeader("X-User-ID")
	if userID == "" {
		return c.ClientIP(), pricing.TierFree, false
	}
	tier := pricing.Tier(c.GetHeader("X-User-Tier"))
	if !pricing.ValidTier(tier) {
		tier = pricing.TierFree
	}
	return userID, tier, true
}

// Middleware returns a gin middleware enforcing tier quotas.
func (l *Limiter) Middleware(identity Identity) gin.HandlerFunc {
	if identity == nil {
		identity = HeaderIdentity
	}
	return func(c *gin.Context) {
		key, tier, authenticated := identity(c)

		var d Decision
		if authenticated {
			d = l.AllowForTier(key, tier)
		} else {
			d = l.AllowAnonymous(key)
		}

		if !d.Allowed {
			c.Header("Retry-After", strconv.Itoa(d.RetryAfter))
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       d.Reason,
				"message":     "Too many requests. Please slow down.",
				"retry_after": d.RetryAfter,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
