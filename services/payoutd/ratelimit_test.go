package payoutd

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"whitelistpayouts/core/identity"
)

func TestRateLimiterBurstPerCaller(t *testing.T) {
	limiter := NewRateLimiter(RateLimitConfig{RequestsPerMinute: 60, Burst: 2})
	clock := time.Unix(1_700_000_000, 0)
	limiter.now = func() time.Time { return clock }

	require.True(t, limiter.Allow("dao.sputnik"))
	require.True(t, limiter.Allow("dao.sputnik"))
	require.False(t, limiter.Allow("dao.sputnik"))
	require.True(t, limiter.Allow("other.sputnik"))

	clock = clock.Add(time.Second)
	require.True(t, limiter.Allow("dao.sputnik"))
	require.False(t, limiter.Allow("dao.sputnik"))
}

func TestRateLimiterEvictsIdleCallers(t *testing.T) {
	limiter := NewRateLimiter(RateLimitConfig{RequestsPerMinute: 1, Burst: 1})
	clock := time.Unix(1_700_000_000, 0)
	limiter.now = func() time.Time { return clock }

	require.True(t, limiter.Allow("dao.sputnik"))
	clock = clock.Add(time.Hour)
	require.True(t, limiter.Allow("other.sputnik"))
	limiter.mu.Lock()
	_, kept := limiter.callers["dao.sputnik"]
	limiter.mu.Unlock()
	require.False(t, kept)
}

func TestRateLimiterMiddlewareKeysByCaller(t *testing.T) {
	limiter := NewRateLimiter(RateLimitConfig{RequestsPerMinute: 1, Burst: 1})
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	send := func(caller string) int {
		req := httptest.NewRequest(http.MethodPost, "/v1/payouts", nil)
		ctx := context.WithValue(req.Context(), callerContextKey{}, identity.AccountID(caller))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req.WithContext(ctx))
		return rec.Code
	}
	require.Equal(t, http.StatusAccepted, send("dao.sputnik"))
	require.Equal(t, http.StatusTooManyRequests, send("dao.sputnik"))
	require.Equal(t, http.StatusAccepted, send("other.sputnik"))
}
