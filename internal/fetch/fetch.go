// Package fetch issues authenticated GET requests against the upstream
// feed provider and surfaces the rate-limit accounting headers the
// real-time scheduler needs.
package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"gtfsflow.org/internal/logging"
)

const (
	// maxStaticSize bounds static archive downloads.
	maxStaticSize = 200 * 1024 * 1024
	// maxRealtimeSize bounds real-time feed downloads.
	maxRealtimeSize = 25 * 1024 * 1024
)

// RateInfo carries the upstream API's quota accounting, read from response
// headers on every call. Remaining is -1 when the upstream does not report
// a quota.
type RateInfo struct {
	Remaining int
	ResetAt   time.Time
}

// Result is a completed fetch: the raw body bytes plus rate-limit state.
type Result struct {
	Body []byte
	Rate RateInfo
}

// Client wraps an http.Client configured with explicit timeouts and
// transport limits to avoid the pitfalls of http.DefaultClient.
type Client struct {
	httpClient      *http.Client
	authHeaderKey   string
	authHeaderValue string
}

// Option configures a Client.
type Option func(*Client)

// WithAuthHeader sets an authentication header added to every request.
func WithAuthHeader(key, value string) Option {
	return func(c *Client) {
		c.authHeaderKey = key
		c.authHeaderValue = value
	}
}

// WithTimeout overrides the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// NewClient creates a fetch client. The transport is cloned from
// http.DefaultTransport to preserve important defaults
// (ProxyFromEnvironment, DialContext, HTTP/2, keepalives).
func NewClient(opts ...Option) *Client {
	var transport *http.Transport
	if t, ok := http.DefaultTransport.(*http.Transport); ok {
		transport = t.Clone()
	} else {
		transport = &http.Transport{}
	}
	transport.MaxIdleConns = 50
	transport.MaxIdleConnsPerHost = 10
	transport.IdleConnTimeout = 90 * time.Second
	transport.TLSHandshakeTimeout = 10 * time.Second
	transport.ExpectContinueTimeout = 1 * time.Second

	c := &Client{
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: transport,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get fetches url and returns the body plus rate-limit headers. The body
// is bounded by maxBytes; responses exceeding it are an error.
func (c *Client) Get(ctx context.Context, url string, maxBytes int64) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	if c.authHeaderKey != "" && c.authHeaderValue != "" {
		req.Header.Set(c.authHeaderKey, c.authHeaderValue)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error executing request: %w", err)
	}
	defer logging.SafeCloseWithLogging(resp.Body,
		slog.Default().With(slog.String("component", "fetcher")),
		"http_response_body")

	rate := parseRateHeaders(resp.Header)

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{URL: url, StatusCode: resp.StatusCode, Status: resp.Status, Rate: rate}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("error reading response body: %w", err)
	}
	if int64(len(body)) > maxBytes {
		return nil, fmt.Errorf("response from %s exceeds size limit of %d bytes", url, maxBytes)
	}

	return &Result{Body: body, Rate: rate}, nil
}

// GetStatic fetches a static archive with the static size bound.
func (c *Client) GetStatic(ctx context.Context, url string) (*Result, error) {
	return c.Get(ctx, url, maxStaticSize)
}

// GetRealtime fetches a real-time feed with the realtime size bound.
func (c *Client) GetRealtime(ctx context.Context, url string) (*Result, error) {
	return c.Get(ctx, url, maxRealtimeSize)
}

// StatusError is returned for non-200 responses. It retains the rate-limit
// headers so quota exhaustion (429) can be handled as a pause rather than
// a failure.
type StatusError struct {
	URL        string
	StatusCode int
	Status     string
	Rate       RateInfo
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch failed: %s returned %s", e.URL, e.Status)
}

// IsRateLimited reports whether the response indicates quota exhaustion.
func (e *StatusError) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

func parseRateHeaders(h http.Header) RateInfo {
	info := RateInfo{Remaining: -1}

	if v := h.Get("X-RateLimit-Remaining"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			info.Remaining = n
		}
	} else if v := h.Get("RateLimit-Remaining"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			info.Remaining = n
		}
	}

	if v := h.Get("X-RateLimit-Reset"); v != "" {
		if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
			info.ResetAt = time.Unix(secs, 0)
		}
	}

	return info
}
