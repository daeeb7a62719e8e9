package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptdeck/promptdeck/internal/pricing"
)

func newTestLimiter(t *testing.T) (*Limiter, *time.Time) {
	t.Helper()
	// Mid-window so retry-after has a meaningful remainder.
	now := time.Date(2026, 6, 10, 12, 30, 20, 0, time.UTC)
	l := New()
	t.Cleanup(l.Stop)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestAllow_MinuteWindow(t *testing.T) {
	l, now := newTestLimiter(t)
	limits := pricing.RateLimits{PerMinute: 3, PerHour: 100, PerDay: 1000}

	for i := 0; i < 3; i++ {
		d := l.Allow("usr_1", limits)
		require.True(t, d.Allowed, "request %d", i)
	}

	d := l.Allow("usr_1", limits)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonMinuteLimit, d.Reason)
	assert.Equal(t, 3, d.Limit)
	// 40 seconds left in the minute window, plus rounding.
	assert.Equal(t, 41, d.RetryAfter)

	// Next minute the window rolls over.
	*now = now.Add(time.Minute)
	d = l.Allow("usr_1", limits)
	assert.True(t, d.Allowed)
}

func TestAllow_HourWindowOutlastsMinute(t *testing.T) {
	l, now := newTestLimiter(t)
	limits := pricing.RateLimits{PerMinute: pricing.Unlimited, PerHour: 2, PerDay: 1000}

	require.True(t, l.Allow("usr_1", limits).Allowed)
	require.True(t, l.Allow("usr_1", limits).Allowed)

	d := l.Allow("usr_1", limits)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonHourLimit, d.Reason)

	// A new minute does not help; a new hour does.
	*now = now.Add(time.Minute)
	assert.False(t, l.Allow("usr_1", limits).Allowed)
	*now = now.Add(time.Hour)
	assert.True(t, l.Allow("usr_1", limits).Allowed)
}

func TestAllow_DayWindow(t *testing.T) {
	l, now := newTestLimiter(t)
	limits := pricing.RateLimits{PerMinute: pricing.Unlimited, PerHour: pricing.Unlimited, PerDay: 1}

	require.True(t, l.Allow("usr_1", limits).Allowed)

	d := l.Allow("usr_1", limits)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonDayLimit, d.Reason)
	// Retry-after points at the next UTC midnight.
	assert.InDelta(t, int(time.Date(2026, 6, 11, 0, 0, 0, 0, time.UTC).Sub(*now).Seconds()), d.RetryAfter, 1)
}

func TestAllow_UnlimitedTier(t *testing.T) {
	l, _ := newTestLimiter(t)

	for i := 0; i < 500; i++ {
		d := l.AllowForTier("usr_ent", pricing.TierEnterprise)
		require.True(t, d.Allowed)
	}
}

func TestAllow_KeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(t)
	limits := pricing.RateLimits{PerMinute: 1, PerHour: 10, PerDay: 10}

	require.True(t, l.Allow("usr_1", limits).Allowed)
	assert.False(t, l.Allow("usr_1", limits).Allowed)
	assert.True(t, l.Allow("usr_2", limits).Allowed)
}

func TestAllowAnonymous_UsesFreeLimits(t *testing.T) {
	l, _ := newTestLimiter(t)
	free := pricing.ForTier(pricing.TierFree).Limits

	for i := 0; i < free.PerMinute; i++ {
		require.True(t, l.AllowAnonymous("10.0.0.1").Allowed)
	}
	d := l.AllowAnonymous("10.0.0.1")
	assert.False(t, d.Allowed)
}

func TestMiddleware_DeniesWithRetryAfter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l, _ := newTestLimiter(t)

	r := gin.New()
	r.Use(l.Middleware(func(*gin.Context) (string, pricing.Tier, bool) {
		return "usr_1", pricing.TierFree, true
	}))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	free := pricing.ForTier(pricing.TierFree).Limits
	for i := 0; i < free.PerMinute; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest("GET", "/ping", nil))
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/ping", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), ReasonMinuteLimit)
}

func TestHeaderIdentity(t *testing.T) {
	gin.SetMode(gin.TestMode)

	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest("GET", "/", nil)
	c.Request.Header.Set("X-User-ID", "usr_1")
	c.Request.Header.Set("X-User-Tier", "pro")

	key, tier, authed := HeaderIdentity(c)
	assert.Equal(t, "usr_1", key)
	assert.Equal(t, pricing.TierPro, tier)
	assert.True(t, authed)

	// Unknown tier falls back to free.
	c.Request.Header.Set("X-User-Tier", "platinum")
	_, tier, _ = HeaderIdentity(c)
	assert.Equal(t, pricing.TierFree, tier)

	// No user header means anonymous.
	c.Request.Header.Del("X-User-ID")
	_, _, authed = HeaderIdentity(c)
	assert.False(t, authed)
}
