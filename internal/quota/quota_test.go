package quota

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fruitsalade/finder/internal/logging"
)

func TestMain(m *testing.M) {
	logging.SetLogger(zap.NewNop())
	m.Run()
}

// fakeClock lets tests advance time without sleeping.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(rpm int) (*RateLimiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	rl := NewRateLimiter(rpm)
	rl.now = clock.now
	return rl, clock
}

func TestRateLimiterAllow(t *testing.T) {
	rl, _ := newTestLimiter(10)

	for i := 0; i < 10; i++ {
		require.True(t, rl.Allow("alice"), "request %d should be allowed", i+1)
	}
	assert.False(t, rl.Allow("alice"), "11th request should be denied")
}

func TestRateLimiterUnlimited(t *testing.T) {
	rl := NewRateLimiter(0)
	assert.False(t, rl.Enabled())

	for i := 0; i < 1000; i++ {
		require.True(t, rl.Allow("alice"))
	}
	assert.Equal(t, 0, rl.RetryAfter("alice"))
}

func TestRateLimiterRefill(t *testing.T) {
	rl, clock := newTestLimiter(60) // 1 token per second

	for i := 0; i < 60; i++ {
		rl.Allow("alice")
	}
	require.False(t, rl.Allow("alice"))

	clock.advance(1100 * time.Millisecond)
	assert.True(t, rl.Allow("alice"))
	assert.False(t, rl.Allow("alice"))

	// Refill never exceeds the bucket size.
	clock.advance(time.Hour)
	for i := 0; i < 60; i++ {
		require.True(t, rl.Allow("alice"))
	}
	assert.False(t, rl.Allow("alice"))
}

func TestRateLimiterRetryAfter(t *testing.T) {
	rl, _ := newTestLimiter(60)
	assert.Equal(t, 0, rl.RetryAfter("alice"), "unknown principal")

	for i := 0; i < 60; i++ {
		rl.Allow("alice")
	}
	assert.Equal(t, 1, rl.RetryAfter("alice"))

	slow, clock := newTestLimiter(2) // one token every 30s
	slow.Allow("bob")
	slow.Allow("bob")
	assert.Equal(t, 30, slow.RetryAfter("bob"))

	clock.advance(15 * time.Second)
	assert.False(t, slow.Allow("bob"))
	assert.Equal(t, 15, slow.RetryAfter("bob"))

	clock.advance(14500 * time.Millisecond)
	assert.False(t, slow.Allow("bob"))
	assert.Equal(t, 1, slow.RetryAfter("bob"), "partial seconds round up")

	clock.advance(500 * time.Millisecond)
	assert.True(t, slow.Allow("bob"))
}

func TestRateLimiterPrincipalsIndependent(t *testing.T) {
	rl, _ := newTestLimiter(5)

	for i := 0; i < 5; i++ {
		rl.Allow("alice")
	}
	assert.False(t, rl.Allow("alice"))
	assert.True(t, rl.Allow("bob"))
}

func TestRateLimiterCleanup(t *testing.T) {
	rl, clock := newTestLimiter(10)

	rl.Allow("alice")
	clock.advance(10 * time.Minute)
	rl.Allow("bob")

	assert.Equal(t, 1, rl.Cleanup(5*time.Minute))
	assert.Len(t, rl.buckets, 1)
	assert.Contains(t, rl.buckets, "bob")
}

func TestRateLimitMiddleware(t *testing.T) {
	rl, _ := newTestLimiter(2)
	principal := func(ctx context.Context) (string, bool) {
		p, ok := ctx.Value(principalKey{}).(string)
		return p, ok
	}
	h := RateLimitMiddleware(rl, principal)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func(p string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/finder?cmd=open", nil)
		if p != "" {
			req = req.WithContext(context.WithValue(req.Context(), principalKey{}, p))
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, do("alice").Code)
	assert.Equal(t, http.StatusOK, do("alice").Code)

	rec := do("alice")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	retry, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.Positive(t, retry)
	assert.JSONEq(t, `{"error":"rate limit exceeded","code":429}`, rec.Body.String())

	// No principal: not limited here.
	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, do("").Code)
	}
}

func TestRateLimitMiddlewareDisabled(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	h := RateLimitMiddleware(NewRateLimiter(0), func(context.Context) (string, bool) { return "x", true })(next)

	for i := 0; i < 100; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}
}

type principalKey struct{}
