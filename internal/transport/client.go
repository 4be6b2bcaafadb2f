// Package transport is the HTTP layer every API call goes through. It
// attaches the credential, decodes failures into apierr variants and ends the
// session when an authorized call is rejected with 401. It never retries.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/backupdesk/backupdesk/internal/apierr"
	"github.com/backupdesk/backupdesk/internal/metrics"
)

const (
	// RequestIDHeader carries a per-request correlation id
	RequestIDHeader = "X-Request-ID"

	unauthorizedReason = "unauthorized"
	maxErrorBody       = 64 << 10
)

// Session is what the client needs from the token lifecycle manager. It is
// bound after construction because the manager itself calls through the client.
type Session interface {
	Token() (string, bool)
	// CanForceLogout reports whether a 401 should end the session: true only
	// while Authenticated with no login or refresh in flight
	CanForceLogout() bool
	EndSession(reason string)
}

// Options configures a Client
type Options struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string

	// HTTPClient overrides the underlying client; its Transport is shared
	// with the streaming client.
	HTTPClient *http.Client
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
}

// Client performs authenticated requests against the backup API
type Client struct {
	baseURL   *url.URL
	userAgent string
	http      *http.Client
	stream    *http.Client
	metrics   *metrics.Metrics
	logger    *zap.Logger

	mu      sync.RWMutex
	session Session
}

// New creates a client for opts.BaseURL
func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid base url %q: scheme must be http or https", opts.BaseURL)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "backupdesk/1.0"
	}

	return &Client{
		baseURL:   base,
		userAgent: opts.UserAgent,
		http:      httpClient,
		// long-lived streams must not inherit the request timeout
		stream:  &http.Client{Transport: httpClient.Transport},
		metrics: opts.Metrics,
		logger:  opts.Logger.With(zap.String("component", "transport")),
	}, nil
}

// Bind attaches the session whose credential is sent and which is ended on 401
func (c *Client) Bind(s Session) {
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
}

func (c *Client) boundSession() Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

// Token returns the bound session's credential
func (c *Client) Token() (string, bool) {
	s := c.boundSession()
	if s == nil {
		return "", false
	}
	return s.Token()
}

// URL resolves path and query against the base URL
func (c *Client) URL(path string, query url.Values) *url.URL {
	u := *c.baseURL
	u.Path = c.baseURL.Path + "/" + strings.TrimLeft(path, "/")
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return &u
}

// Header returns the headers attached to every request, including a fresh
// request id and the credential when one is held.
func (c *Client) Header() http.Header {
	h := http.Header{}
	h.Set("User-Agent", c.userAgent)
	h.Set(RequestIDHeader, uuid.NewString())
	if token, ok := c.Token(); ok {
		h.Set("Authorization", "Bearer "+token)
	}
	return h
}

// Do sends a JSON request and decodes the JSON response into out. body and
// out may be nil. Failures are apierr variants.
func (c *Client) Do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.URL(path, nil).String(), reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header = c.Header()
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	route := RouteLabel(path)
	start := time.Now()

	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.ObserveRequest(method, route, 0, time.Since(start))
		return &apierr.TransportFailure{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	c.metrics.ObserveRequest(method, route, resp.StatusCode, time.Since(start))
	if err != nil {
		return &apierr.TransportFailure{Op: method + " " + path, Err: err}
	}

	c.logger.Debug("api request",
		zap.String("method", method),
		zap.String("route", route),
		zap.Int("status", resp.StatusCode),
		zap.String("request_id", req.Header.Get(RequestIDHeader)),
		zap.Duration("elapsed", time.Since(start)),
	)

	if resp.StatusCode >= http.StatusBadRequest {
		return c.Failure(resp.StatusCode, resp.Header, data)
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &apierr.DecodeFailure{Err: err}
	}
	return nil
}

// Stream opens an authenticated long-lived GET. The caller owns the response
// body. Non-2xx answers are returned as apierr variants with the body closed.
func (c *Client) Stream(ctx context.Context, path string, query url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL(path, query).String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create stream request: %w", err)
	}
	req.Header = c.Header()
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	route := RouteLabel(path)
	start := time.Now()

	resp, err := c.stream.Do(req)
	if err != nil {
		c.metrics.ObserveRequest(http.MethodGet, route, 0, time.Since(start))
		return nil, &apierr.TransportFailure{Op: "stream " + path, Err: err}
	}
	c.metrics.ObserveRequest(http.MethodGet, route, resp.StatusCode, time.Since(start))

	if resp.StatusCode >= http.StatusBadRequest {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		return nil, c.Failure(resp.StatusCode, resp.Header, data)
	}
	return resp, nil
}

// Failure decodes an error response and applies the 401 policy
func (c *Client) Failure(status int, header http.Header, body []byte) error {
	err := apierr.FromResponse(status, header, body)
	if status == http.StatusUnauthorized {
		c.Unauthorized()
	}
	return err
}

// Unauthorized applies the 401 policy: the session is ended only when it is
// authenticated and no login or refresh is in flight. Push transports that see a 401
// outside of Do or Stream call it directly.
func (c *Client) Unauthorized() {
	s := c.boundSession()
	if s == nil {
		return
	}
	if s.CanForceLogout() {
		c.logger.Info("credential rejected, ending session")
		s.EndSession(unauthorizedReason)
	}
}

var numericSegment = regexp.MustCompile(`/\d+(/|$)`)

// RouteLabel replaces numeric path segments so metric labels stay bounded
func RouteLabel(path string) string {
	path = "/" + strings.TrimLeft(path, "/")
	for numericSegment.MatchString(path) {
		path = numericSegment.ReplaceAllString(path, "/{id}$1")
	}
	return path
}

// IsCanceled reports whether err came from the caller's context
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
