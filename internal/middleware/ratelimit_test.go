package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// ---------------------------------------------------------------------------
// Config constructors
// ---------------------------------------------------------------------------

func TestDefaultRateLimitConfig(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	if cfg.RequestsPerMinute != 200 {
		t.Errorf("RequestsPerMinute = %d, want 200", cfg.RequestsPerMinute)
	}
	if cfg.BurstSize != 50 {
		t.Errorf("BurstSize = %d, want 50", cfg.BurstSize)
	}
	if cfg.CleanupInterval != 5*time.Minute {
		t.Errorf("CleanupInterval = %v, want 5m", cfg.CleanupInterval)
	}
}

func TestInviteRateLimitConfig(t *testing.T) {
	cfg := InviteRateLimitConfig()
	if cfg.RequestsPerMinute != 30 {
		t.Errorf("RequestsPerMinute = %d, want 30", cfg.RequestsPerMinute)
	}
	if cfg.BurstSize != 10 {
		t.Errorf("BurstSize = %d, want 10", cfg.BurstSize)
	}
}

// ---------------------------------------------------------------------------
// RateLimiter (in-process)
// ---------------------------------------------------------------------------

// newTestLimiter returns a limiter whose clock only moves when the returned func is called
func newTestLimiter(t *testing.T, rpm, burst int) (*RateLimiter, func(time.Duration)) {
	t.Helper()
	rl := NewRateLimiter(RateLimitConfig{
		RequestsPerMinute: rpm,
		BurstSize:         burst,
		CleanupInterval:   time.Hour,
	})
	t.Cleanup(rl.Stop)

	now := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	return rl, func(d time.Duration) { now = now.Add(d) }
}

func TestRateLimiter_AllowsUpToBurstSize(t *testing.T) {
	rl, _ := newTestLimiter(t, 60, 3)

	allowed := 0
	for range 5 {
		if rl.Allow("burst-test") {
			allowed++
		}
	}
	if allowed != 3 {
		t.Errorf("allowed %d requests at burst=3, want exactly 3", allowed)
	}
}

func TestRateLimiter_TokensRefillOverTime(t *testing.T) {
	rl, advance := newTestLimiter(t, 60, 2) // one token per second

	for rl.Allow("refill-test") {
	}

	advance(500 * time.Millisecond)
	if rl.Allow("refill-test") {
		t.Error("Allow() = true after half a token refilled, want false")
	}

	advance(600 * time.Millisecond)
	if !rl.Allow("refill-test") {
		t.Error("Allow() = false after a full token refilled, want true")
	}
}

func TestRateLimiter_RefillCapsAtBurst(t *testing.T) {
	rl, advance := newTestLimiter(t, 60, 2)

	rl.Allow("cap-test")
	advance(time.Hour)

	if got := rl.RemainingTokens("cap-test"); got != 2 {
		t.Errorf("RemainingTokens = %d, want 2", got)
	}
}

func TestRateLimiter_DifferentKeysAreIndependent(t *testing.T) {
	rl, _ := newTestLimiter(t, 60, 2)

	for rl.Allow("key-a") {
	}
	if !rl.Allow("key-b") {
		t.Error("Allow(key-b) = false after exhausting key-a, want true")
	}
}

func TestRateLimiter_CheckReportsRetryAfter(t *testing.T) {
	rl, _ := newTestLimiter(t, 60, 1)

	if res, _ := rl.Check(context.Background(), "retry"); !res.Allowed {
		t.Fatal("first Check denied, want allowed")
	}
	res, err := rl.Check(context.Background(), "retry")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.Allowed {
		t.Fatal("second Check allowed, want denied")
	}
	if res.RetryAfter <= 0 || res.RetryAfter > time.Second {
		t.Errorf("RetryAfter = %v, want within (0, 1s]", res.RetryAfter)
	}
	if res.Limit != 60 {
		t.Errorf("Limit = %d, want 60", res.Limit)
	}
}

func TestRateLimiter_RemainingTokensUnknownKey(t *testing.T) {
	rl, _ := newTestLimiter(t, 60, 7)
	if got := rl.RemainingTokens("never-seen"); got != 7 {
		t.Errorf("RemainingTokens = %d, want 7", got)
	}
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(DefaultRateLimitConfig())
	rl.Stop()
	rl.Stop()
}

// ---------------------------------------------------------------------------
// RedisRateLimiter
// ---------------------------------------------------------------------------

func newRedisLimiter(t *testing.T, rpm, burst int) (*RedisRateLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisRateLimiter(client, RateLimitConfig{RequestsPerMinute: rpm, BurstSize: burst}, "ratelimit:test"), mr
}

func TestRedisRateLimiter_DeniesAfterBurst(t *testing.T) {
	rl, _ := newRedisLimiter(t, 60, 2)
	ctx := context.Background()

	for i := range 2 {
		res, err := rl.Check(ctx, "ip:10.0.0.1")
		if err != nil {
			t.Fatalf("Check %d: %v", i, err)
		}
		if !res.Allowed {
			t.Fatalf("Check %d denied, want allowed", i)
		}
	}

	res, err := rl.Check(ctx, "ip:10.0.0.1")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.Allowed {
		t.Error("third Check allowed at burst=2, want denied")
	}
	if res.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %v, want > 0", res.RetryAfter)
	}
}

func TestRedisRateLimiter_KeysAreIndependent(t *testing.T) {
	rl, _ := newRedisLimiter(t, 60, 1)
	ctx := context.Background()

	if res, _ := rl.Check(ctx, "user:a"); !res.Allowed {
		t.Fatal("user:a denied, want allowed")
	}
	if res, _ := rl.Check(ctx, "user:b"); !res.Allowed {
		t.Error("user:b denied after user:a used its burst, want allowed")
	}
}

func TestRedisRateLimiter_ErrorWhenRedisDown(t *testing.T) {
	rl, mr := newRedisLimiter(t, 60, 1)
	mr.Close()

	if _, err := rl.Check(context.Background(), "user:a"); err == nil {
		t.Error("Check with redis down returned nil error")
	}
}

// ---------------------------------------------------------------------------
// RateLimitMiddleware
// ---------------------------------------------------------------------------

type errLimiter struct{}

func (errLimiter) Check(context.Context, string) (LimitResult, error) {
	return LimitResult{}, errors.New("redis: connection refused")
}

func rateLimitRouter(limiter Limiter) *gin.Engine {
	r := gin.New()
	r.Use(RateLimitMiddleware(limiter))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func doRateLimited(r *gin.Engine, remoteAddr string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = remoteAddr
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimitMiddleware_SetsHeadersAndRejects(t *testing.T) {
	rl, _ := newTestLimiter(t, 60, 1)
	r := rateLimitRouter(rl)

	w := doRateLimited(r, "192.0.2.1:1234")
	if w.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", w.Code)
	}
	if got := w.Header().Get("X-RateLimit-Limit"); got != "60" {
		t.Errorf("X-RateLimit-Limit = %q, want 60", got)
	}
	if got := w.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("X-RateLimit-Remaining = %q, want 0", got)
	}

	w = doRateLimited(r, "192.0.2.1:1234")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", w.Code)
	}
	retry, err := strconv.Atoi(w.Header().Get("Retry-After"))
	if err != nil || retry < 1 {
		t.Errorf("Retry-After = %q, want a positive integer", w.Header().Get("Retry-After"))
	}
}

func TestRateLimitMiddleware_PerClientIP(t *testing.T) {
	rl, _ := newTestLimiter(t, 60, 1)
	r := rateLimitRouter(rl)

	doRateLimited(r, "192.0.2.1:1234")
	if w := doRateLimited(r, "192.0.2.2:1234"); w.Code != http.StatusOK {
		t.Errorf("other client status = %d, want 200", w.Code)
	}
}

func TestRateLimitMiddleware_LimiterErrorAllows(t *testing.T) {
	if w := doRateLimited(rateLimitRouter(errLimiter{}), "192.0.2.1:1234"); w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 when limiter errors", w.Code)
	}
}

func TestGetRateLimitKey(t *testing.T) {
	tests := []struct {
		name string
		set  map[string]string
		want string
	}{
		{"user wins", map[string]string{ContextKeyUserID: "u1", ContextKeyAPIKeyID: "k1"}, "user:u1"},
		{"api key", map[string]string{ContextKeyAPIKeyID: "k1"}, "apikey:k1"},
		{"ip fallback", nil, "ip:192.0.2.9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
			c.Request.RemoteAddr = "192.0.2.9:5555"
			for k, v := range tt.set {
				c.Set(k, v)
			}
			if got := getRateLimitKey(c); got != tt.want {
				t.Errorf("getRateLimitKey = %q, want %q", got, tt.want)
			}
		})
	}
}
