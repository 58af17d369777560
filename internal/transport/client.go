// Package transport implements the resilient HTTP layer every provider
// adapter sends through: per-attempt deadlines, bounded retries with
// exponential backoff, and a sticky local-proxy fallback for network and
// CORS-class failures.
package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/funkpopo/writebot-sub002/internal/logging"
)

// Options controls retry behavior for one logical request.
type Options struct {
	// Timeout is the per-attempt deadline, covering until response
	// headers arrive. 0 means the default; a negative value disables
	// the deadline entirely.
	Timeout time.Duration
	// MaxRetries is how many times a failed attempt is retried.
	MaxRetries int
	// RetryBaseDelay is the backoff base: base * 2^(attempt-1).
	RetryBaseDelay time.Duration
	// RetryJitter is the upper bound of the uniform jitter added to each wait.
	RetryJitter time.Duration
}

// DefaultOptions returns the standard retry settings.
func DefaultOptions() Options {
	return Options{
		Timeout:        30 * time.Second,
		MaxRetries:     2,
		RetryBaseDelay: 400 * time.Millisecond,
		RetryJitter:    200 * time.Millisecond,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Timeout == 0 {
		o.Timeout = d.Timeout
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = d.MaxRetries
	}
	if o.RetryBaseDelay == 0 {
		o.RetryBaseDelay = d.RetryBaseDelay
	}
	if o.RetryJitter == 0 {
		o.RetryJitter = d.RetryJitter
	}
	return o
}

// Request is one logical HTTP request; the body is kept as bytes so every
// retry attempt can replay it.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// proxyFallback is the process-wide sticky flag: once any call classifies a
// failure as network/CORS-class, all subsequent calls route through the
// local proxy until an explicit reset. Monotonic: flips true and never
// auto-reverts.
var proxyFallback atomic.Bool

// ResetProxyFallback clears the sticky proxy flag. Test hook.
func ResetProxyFallback() {
	proxyFallback.Store(false)
}

// ProxyActive reports whether the sticky fallback is currently engaged.
func ProxyActive() bool {
	return proxyFallback.Load()
}

// ProxyURL rewrites a target URL to go through the local proxy.
func ProxyURL(proxyBase, target string) string {
	return strings.TrimRight(proxyBase, "/") + "/api/proxy?target=" + url.QueryEscape(target)
}

// sharedHTTPClient is reused across all streaming calls. Compression is
// disabled so SSE chunks are not buffered inside a gzip window.
var sharedHTTPClient = &http.Client{
	Transport: &http.Transport{
		TLSHandshakeTimeout:   30 * time.Second,
		ResponseHeaderTimeout: 2 * time.Minute,
		IdleConnTimeout:       90 * time.Second,
		DisableCompression:    true,
		ForceAttemptHTTP2:     true,
		MaxIdleConnsPerHost:   4,
	},
}

// Client issues requests with retry, backoff and the sticky proxy fallback.
type Client struct {
	http      *http.Client
	proxyBase string
	log       zerolog.Logger
}

// NewClient builds a Client. proxyBase may be empty, which disables the
// proxy fallback entirely.
func NewClient(proxyBase string) *Client {
	return &Client{
		http:      sharedHTTPClient,
		proxyBase: proxyBase,
		log:       logging.ForComponent("transport"),
	}
}

// WithHTTPClient swaps the underlying http.Client. Test hook.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	out := *c
	out.http = hc
	return &out
}

// Do performs the request with up to MaxRetries+1 attempts.
//
// Classification per attempt: caller cancellation is rethrown immediately
// and never retried; a fired deadline becomes a retryable TimeoutError; a
// connection-class error is retryable and engages the sticky proxy
// fallback; HTTP 429/5xx retries the whole request. Anything else is
// returned to the caller as-is, including a still-retryable status after
// the budget is exhausted, so the caller can inspect it.
func (c *Client) Do(ctx context.Context, req *Request, opts Options) (*http.Response, error) {
	opts = opts.withDefaults()
	attempts := opts.MaxRetries + 1

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = opts.RetryBaseDelay
	bo.Multiplier = 2.0
	bo.RandomizationFactor = 0 // jitter is additive, applied below
	bo.MaxInterval = time.Hour
	bo.MaxElapsedTime = 0
	bo.Reset()

	var directErr, proxyErr error
	var sawTimeout *TimeoutError

	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			wait := bo.NextBackOff()
			if opts.RetryJitter > 0 {
				wait += time.Duration(rand.Int64N(int64(opts.RetryJitter)))
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		targetURL := req.URL
		viaProxy := c.proxyBase != "" && proxyFallback.Load()
		if viaProxy {
			targetURL = ProxyURL(c.proxyBase, req.URL)
		}

		resp, err := c.attempt(ctx, req, targetURL, opts.Timeout)
		if err != nil {
			if ctx.Err() != nil {
				// Caller cancellation: rethrow, never retry.
				return nil, ctx.Err()
			}
			var te *TimeoutError
			if errors.As(err, &te) {
				sawTimeout = te
				c.log.Debug().Str("url", targetURL).Int("attempt", attempt).Msg("attempt timed out")
				continue
			}
			// Network/CORS-class failure.
			if viaProxy {
				proxyErr = err
			} else {
				directErr = err
			}
			if !viaProxy && c.proxyBase != "" && proxyFallback.CompareAndSwap(false, true) {
				c.log.Warn().Str("url", req.URL).Err(err).
					Msg("network failure, enabling sticky proxy fallback")
			}
			continue
		}

		if retryableStatus(resp.StatusCode) && attempt < attempts {
			c.log.Debug().Int("status", resp.StatusCode).Int("attempt", attempt).
				Str("url", targetURL).Msg("retryable status")
			drain(resp.Body)
			continue
		}

		return resp, nil
	}

	if directErr != nil || proxyErr != nil {
		if directErr == nil {
			directErr = proxyErr
			proxyErr = nil
		}
		return nil, &NetworkError{Direct: directErr, Proxy: proxyErr}
	}
	if sawTimeout != nil {
		return nil, sawTimeout
	}
	return nil, errors.New("retry budget exhausted")
}

// attempt issues one HTTP request. The deadline timer races the caller's
// context until response headers arrive, then stops so a streaming body is
// never cut off mid-read. The returned body keeps the attempt context alive
// and releases it on Close.
func (c *Client) attempt(ctx context.Context, req *Request, urlStr string, timeout time.Duration) (*http.Response, error) {
	attemptCtx, cancel := context.WithCancel(ctx)

	hreq, err := http.NewRequestWithContext(attemptCtx, req.Method, urlStr, bytes.NewReader(req.Body))
	if err != nil {
		cancel()
		return nil, err
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			hreq.Header.Add(k, v)
		}
	}
	if hreq.Header.Get("X-Request-Id") == "" {
		hreq.Header.Set("X-Request-Id", uuid.NewString())
	}

	var timedOut atomic.Bool
	var timer *time.Timer
	if timeout > 0 {
		timer = time.AfterFunc(timeout, func() {
			timedOut.Store(true)
			cancel()
		})
	}

	resp, err := c.http.Do(hreq)
	if timer != nil {
		timer.Stop()
	}
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if timedOut.Load() {
			return nil, &TimeoutError{URL: urlStr, Timeout: timeout.String()}
		}
		return nil, err
	}

	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// cancelOnClose ties the attempt context's lifetime to the response body.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 4096))
	_ = body.Close()
}
