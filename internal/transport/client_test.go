package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastOptions(maxRetries int) Options {
	return Options{
		Timeout:        5 * time.Second,
		MaxRetries:     maxRetries,
		RetryBaseDelay: time.Millisecond,
		RetryJitter:    time.Millisecond,
	}
}

func TestDo_SucceedsAfterRetryableStatuses(t *testing.T) {
	ResetProxyFallback()

	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient("")
	resp, err := c.Do(context.Background(), &Request{Method: http.MethodGet, URL: srv.URL}, fastOptions(2))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestDo_RetryableStatusReturnedAfterBudget(t *testing.T) {
	ResetProxyFallback()

	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient("")
	resp, err := c.Do(context.Background(), &Request{Method: http.MethodGet, URL: srv.URL}, fastOptions(2))
	// A still-retryable response after exhausting the budget is returned
	// as-is so the caller can inspect the status.
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestDo_NonRetryableStatusReturnedImmediately(t *testing.T) {
	ResetProxyFallback()

	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient("")
	resp, err := c.Do(context.Background(), &Request{Method: http.MethodGet, URL: srv.URL}, fastOptions(2))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestDo_NetworkFailureEngagesStickyProxy(t *testing.T) {
	ResetProxyFallback()
	t.Cleanup(ResetProxyFallback)

	var proxied atomic.Int32
	var seenTarget atomic.Value
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/proxy" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		proxied.Add(1)
		seenTarget.Store(r.URL.Query().Get("target"))
		w.WriteHeader(http.StatusOK)
	}))
	defer proxy.Close()

	// Unroutable direct target: connection refused on the first attempt.
	direct := "http://127.0.0.1:1/v1/chat/completions"

	c := NewClient(proxy.URL)
	resp, err := c.Do(context.Background(), &Request{Method: http.MethodPost, URL: direct}, fastOptions(2))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.GreaterOrEqual(t, proxied.Load(), int32(1))
	assert.Equal(t, direct, seenTarget.Load().(string))
	assert.True(t, ProxyActive())

	// Sticky: a fresh call goes straight through the proxy.
	before := proxied.Load()
	resp2, err := c.Do(context.Background(), &Request{Method: http.MethodPost, URL: direct}, fastOptions(0))
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Greater(t, proxied.Load(), before)
}

func TestDo_NetworkFailureEverywhereBundlesReasons(t *testing.T) {
	ResetProxyFallback()
	t.Cleanup(ResetProxyFallback)

	c := NewClient("http://127.0.0.1:2")
	_, err := c.Do(context.Background(),
		&Request{Method: http.MethodGet, URL: "http://127.0.0.1:1/"}, fastOptions(2))
	require.Error(t, err)

	var ne *NetworkError
	require.ErrorAs(t, err, &ne)
	assert.NotNil(t, ne.Direct)
	assert.NotNil(t, ne.Proxy)
}

func TestDo_CallerCancellationNeverRetried(t *testing.T) {
	ResetProxyFallback()

	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		time.Sleep(5 * time.Second)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	c := NewClient("")
	_, err := c.Do(ctx, &Request{Method: http.MethodGet, URL: srv.URL}, fastOptions(2))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestDo_TimeoutClassified(t *testing.T) {
	ResetProxyFallback()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	defer srv.Close()

	c := NewClient("")
	opts := Options{
		Timeout:        30 * time.Millisecond,
		MaxRetries:     1,
		RetryBaseDelay: time.Millisecond,
		RetryJitter:    time.Millisecond,
	}
	_, err := c.Do(context.Background(), &Request{Method: http.MethodGet, URL: srv.URL}, opts)
	require.Error(t, err)

	var te *TimeoutError
	assert.True(t, errors.As(err, &te))
}

func TestProxyURL(t *testing.T) {
	target := "https://api.example.com/v1/chat?x=1"
	got := ProxyURL("http://127.0.0.1:8765/", target)
	assert.Equal(t, "http://127.0.0.1:8765/api/proxy?target="+url.QueryEscape(target), got)
}

func TestStatusError_Hints(t *testing.T) {
	cases := []struct {
		status int
		want   string
	}{
		{401, "credentials"},
		{403, "credentials"},
		{429, "quota"},
		{500, "retry later"},
		{404, "request"},
	}
	for _, tc := range cases {
		e := NewStatusError("openai", tc.status, []byte(`{"error":{"message":"nope"}}`))
		assert.Contains(t, e.Hint, tc.want, "status %d", tc.status)
		assert.Equal(t, "nope", e.Message)
		assert.Contains(t, e.Error(), "openai")
	}
}

func TestExtractAPIMessage_Shapes(t *testing.T) {
	assert.Equal(t, "a", extractAPIMessage([]byte(`{"error":{"message":"a"}}`)))
	assert.Equal(t, "b", extractAPIMessage([]byte(`{"message":"b"}`)))
	assert.Equal(t, "c", extractAPIMessage([]byte(`{"error":"c"}`)))
	assert.Equal(t, "plain text", extractAPIMessage([]byte("plain text")))
}

func TestOptionsWithDefaults(t *testing.T) {
	// Zero values fall back to the standard settings.
	got := Options{}.withDefaults()
	assert.Equal(t, DefaultOptions(), got)

	// A negative timeout disables the per-attempt deadline and must
	// survive defaulting.
	got = Options{Timeout: -1}.withDefaults()
	assert.Equal(t, time.Duration(-1), got.Timeout)
}

func TestDo_NegativeTimeoutDisablesDeadline(t *testing.T) {
	ResetProxyFallback()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(30 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient("")
	opts := fastOptions(0)
	opts.Timeout = -1
	resp, err := c.Do(context.Background(), &Request{Method: http.MethodGet, URL: srv.URL}, opts)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
