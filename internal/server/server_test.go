package server

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(New(DefaultConfig()).Router())
	t.Cleanup(srv.Close)
	return srv
}

func TestHealth(t *testing.T) {
	proxy := newTestServer(t)

	resp, err := http.Get(proxy.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestProxyForwardsRequest(t *testing.T) {
	var gotMethod, gotPath, gotAuth, gotOrigin string
	var gotBody []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotOrigin = r.Header.Get("Origin")
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	proxy := newTestServer(t)

	target := upstream.URL + "/v1/messages"
	req, err := http.NewRequest(http.MethodPost,
		proxy.URL+"/api/proxy?target="+url.QueryEscape(target),
		strings.NewReader(`{"model":"x"}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer sk-test")
	req.Header.Set("Origin", "https://addin.example")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	body, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, `{"ok":true}`, string(body))

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/v1/messages", gotPath)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, `{"model":"x"}`, string(gotBody))
	// Browser identity headers must not reach the upstream.
	assert.Empty(t, gotOrigin)
}

func TestProxyStreamsResponse(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, line := range []string{"data: one", "data: two", "data: [DONE]"} {
			_, _ = w.Write([]byte(line + "\n\n"))
			flusher.Flush()
		}
	}))
	defer upstream.Close()

	proxy := newTestServer(t)

	resp, err := http.Get(proxy.URL + "/api/proxy?target=" + url.QueryEscape(upstream.URL))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "data: one")
	assert.Contains(t, string(body), "data: [DONE]")
}

func TestProxyStatusPassthrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down"}}`))
	}))
	defer upstream.Close()

	proxy := newTestServer(t)

	resp, err := http.Get(proxy.URL + "/api/proxy?target=" + url.QueryEscape(upstream.URL))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "slow down")
}

func TestProxyRejectsBadTargets(t *testing.T) {
	proxy := newTestServer(t)

	for _, target := range []string{"", "ftp://example.com/x", "not a url", "/relative"} {
		u := proxy.URL + "/api/proxy"
		if target != "" {
			u += "?target=" + url.QueryEscape(target)
		}
		resp, err := http.Get(u)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "target %q", target)
	}
}

func TestProxyUpstreamUnreachable(t *testing.T) {
	proxy := newTestServer(t)

	resp, err := http.Get(proxy.URL + "/api/proxy?target=" + url.QueryEscape("http://127.0.0.1:1/x"))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}
