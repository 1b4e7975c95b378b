package middleware

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.1:9000"
	assert.Equal(t, "10.0.0.1", ClientIP(r))

	r.Header.Set("X-Real-IP", "10.0.0.2")
	assert.Equal(t, "10.0.0.2", ClientIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.3")
	assert.Equal(t, "203.0.113.7", ClientIP(r))
}

func TestLocalLimiter(t *testing.T) {
	l := NewLocalLimiter(2)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "a", 3, time.Hour)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, _ := l.Allow(ctx, "a", 3, time.Hour)
	assert.False(t, ok)

	ok, _ = l.Allow(ctx, "b", 3, time.Hour)
	assert.True(t, ok)

	// A third key resets the table, so "a" starts over.
	l.Allow(ctx, "c", 3, time.Hour)
	ok, _ = l.Allow(ctx, "a", 3, time.Hour)
	assert.True(t, ok)
}

func TestAdminAuth(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ok := func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) }

	call := func(h http.HandlerFunc, header, value string) int {
		r := httptest.NewRequest(http.MethodPost, "/api/products", nil)
		if header != "" {
			r.Header.Set(header, value)
		}
		rec := httptest.NewRecorder()
		h(rec, r)
		return rec.Code
	}

	open := AdminAuth("", logger)(ok)
	assert.Equal(t, http.StatusNoContent, call(open, "", ""))

	guarded := AdminAuth("k", logger)(ok)
	assert.Equal(t, http.StatusUnauthorized, call(guarded, "", ""))
	assert.Equal(t, http.StatusUnauthorized, call(guarded, "Authorization", "Bearer nope"))
	assert.Equal(t, http.StatusNoContent, call(guarded, "Authorization", "Bearer k"))
	assert.Equal(t, http.StatusNoContent, call(guarded, "X-API-Key", "k"))
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return false, context.DeadlineExceeded
}

func TestRateLimitFailsOpen(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	h := RateLimit(failingLimiter{}, 1, time.Second)(next)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
