package rate

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuardRefillsOverTime(t *testing.T) {
	mock := clock.NewMock()
	guard := NewGuard(Provider("test").MaxRequestsPerMinute(2).WithClock(mock))

	assert.True(t, guard.ShouldCall().Allowed)
	assert.True(t, guard.ShouldCall().Allowed)

	blocked := guard.ShouldCall()
	assert.False(t, blocked.Allowed)
	assert.Equal(t, "budget", blocked.Reason)

	mock.Add(30 * time.Second)
	assert.True(t, guard.ShouldCall().Allowed)
	assert.False(t, guard.ShouldCall().Allowed)
}

func TestGuardUnlimited(t *testing.T) {
	guard := NewGuard(Provider("test"))
	for i := 0; i < 100; i++ {
		require.True(t, guard.ShouldCall().Allowed)
	}
}

func TestGuardCooldownFromRetryAfter(t *testing.T) {
	mock := clock.NewMock()
	guard := NewGuard(Provider("test").WithClock(mock))

	guard.RecordResponse(http.StatusTooManyRequests, http.Header{"Retry-After": []string{"10"}})
	decision := guard.ShouldCall()
	assert.False(t, decision.Allowed)
	assert.Equal(t, "cooldown", decision.Reason)
	assert.Equal(t, mock.Now().Add(10*time.Second), decision.RetryAt)

	mock.Add(11 * time.Second)
	assert.True(t, guard.ShouldCall().Allowed)
}

func TestWrapHTTPServesCacheWhenBlocked(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`[{"zappi":[]}]`))
	}))
	defer srv.Close()

	mock := clock.NewMock()
	client := WrapHTTP(Provider("test").MaxRequestsPerMinute(1).CacheFor(time.Minute).WithClock(mock), nil)

	for i := 0; i < 2; i++ {
		resp, err := client.Get(srv.URL + "/cgi-jstatus-*")
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		require.NoError(t, err)
		assert.Equal(t, `[{"zappi":[]}]`, string(body))
	}
	assert.Equal(t, int32(1), hits.Load())

	_, err := client.Get(srv.URL + "/cgi-jstatus-E")
	var rle RateLimitError
	require.True(t, errors.As(err, &rle))
	assert.Equal(t, "test", rle.Provider)
}

func TestWrapHTTPCacheWhenSkipsCommands(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":0}`))
	}))
	defer srv.Close()

	mock := clock.NewMock()
	decl := Provider("test").
		MaxRequestsPerMinute(1).
		CacheFor(time.Minute).
		CacheWhen(func(req *http.Request) bool { return strings.HasPrefix(req.URL.Path, "/cgi-jstatus") }).
		WithClock(mock)
	client := WrapHTTP(decl, nil)

	resp, err := client.Get(srv.URL + "/cgi-zappi-mode-Z1-1-0-0-0000")
	require.NoError(t, err)
	resp.Body.Close()

	_, err = client.Get(srv.URL + "/cgi-zappi-mode-Z1-1-0-0-0000")
	var rle RateLimitError
	require.True(t, errors.As(err, &rle))
	assert.Equal(t, "budget", rle.Reason)
}
