// Package guilded talks to the upstream platform: the public web API for
// identity lookups, the bot REST API for challenge messages and member
// data, and the bot gateway for reaction events.
package guilded

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
	"unicode/utf8"

	apperrors "github.com/alexjbarnes/authlink/internal/errors"
	"github.com/hashicorp/go-retryablehttp"
)

const (
	// DefaultWebBase is the unauthenticated web API used by the site itself.
	DefaultWebBase = "https://www.guilded.gg/api"

	// DefaultBotBase is the authenticated bot API.
	DefaultBotBase = "https://www.guilded.gg/api/v1"

	httpClientTimeout = 15 * time.Second

	// maxAPIResponseBytes caps response body reads. Upstream payloads
	// are small JSON documents.
	maxAPIResponseBytes = 1024 * 1024

	defaultRetryMax = 2
)

// errNotFound marks a 404 from upstream. Lookup methods translate it to
// a nil result.
var errNotFound = errors.New("upstream resource not found")

// leveledSlog adapts slog to retryablehttp. Intermediate failures are
// logged at warn since the request may still succeed on retry.
type leveledSlog struct {
	inner *slog.Logger
}

func (l leveledSlog) Error(msg string, keysAndValues ...any) { l.inner.Warn(msg, keysAndValues...) }
func (l leveledSlog) Warn(msg string, keysAndValues ...any)  { l.inner.Warn(msg, keysAndValues...) }
func (l leveledSlog) Info(msg string, keysAndValues ...any)  { l.inner.Debug(msg, keysAndValues...) }
func (l leveledSlog) Debug(msg string, keysAndValues ...any) { l.inner.Debug(msg, keysAndValues...) }

// Client is a REST client for both upstream APIs.
type Client struct {
	httpClient *http.Client
	webBase    string
	botBase    string
	botToken   string
	logger     *slog.Logger
}

type clientOptions struct {
	httpClient   *http.Client
	webBase      string
	botBase      string
	botToken     string
	logger       *slog.Logger
	retryMax     int
	retryWaitMin time.Duration
	retryWaitMax time.Duration
}

// Option configures a Client.
type Option func(*clientOptions)

// WithBotToken sets the bot token used for the bot API.
func WithBotToken(token string) Option {
	return func(o *clientOptions) { o.botToken = token }
}

// WithBaseURLs overrides the web and bot API base URLs.
func WithBaseURLs(web, bot string) Option {
	return func(o *clientOptions) {
		o.webBase = web
		o.botBase = bot
	}
}

// WithLogger sets the logger for request diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(o *clientOptions) { o.logger = logger }
}

// WithRetry sets the retry budget and backoff bounds.
func WithRetry(maxRetries int, waitMin, waitMax time.Duration) Option {
	return func(o *clientOptions) {
		o.retryMax = maxRetries
		o.retryWaitMin = waitMin
		o.retryWaitMax = waitMax
	}
}

// WithHTTPClient bypasses the retrying client entirely.
func WithHTTPClient(c *http.Client) Option {
	return func(o *clientOptions) { o.httpClient = c }
}

// NewClient builds a client. Without WithHTTPClient, requests go through
// a retrying client that retries connection errors and 5xx responses for
// idempotent methods.
func NewClient(opts ...Option) *Client {
	o := clientOptions{
		webBase:      DefaultWebBase,
		botBase:      DefaultBotBase,
		logger:       slog.Default(),
		retryMax:     defaultRetryMax,
		retryWaitMin: 500 * time.Millisecond,
		retryWaitMax: 3 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if o.httpClient == nil {
		rc := retryablehttp.NewClient()
		rc.RetryMax = o.retryMax
		rc.RetryWaitMin = o.retryWaitMin
		rc.RetryWaitMax = o.retryWaitMax
		rc.Logger = retryablehttp.LeveledLogger(leveledSlog{inner: o.logger.With(slog.String("subsystem", "guilded-http"))})
		rc.CheckRetry = retryPolicy

		o.httpClient = rc.StandardClient()
		o.httpClient.Timeout = httpClientTimeout
	}

	return &Client{
		httpClient: o.httpClient,
		webBase:    o.webBase,
		botBase:    o.botBase,
		botToken:   o.botToken,
		logger:     o.logger,
	}
}

// noRetryKey marks a request context whose request must be sent at most
// once.
type noRetryKey struct{}

// retryPolicy leaves 429 to the caller; retrying into a rate limit only
// extends it. Requests marked with noRetryKey are never resent, since a
// lost response does not mean the upstream did nothing.
func retryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if once, _ := ctx.Value(noRetryKey{}).(bool); once {
		return false, ctx.Err()
	}

	if err == nil && resp.StatusCode == http.StatusTooManyRequests {
		return false, nil
	}

	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// HasBot reports whether a bot token is configured.
func (c *Client) HasBot() bool {
	return c.botToken != ""
}

// sanitizeResponseBody truncates a response body for error messages and
// replaces control characters to keep logs clean.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if (r == utf8.RuneError && size <= 1) || (r < 0x20 && r != '\n' && r != '\t') {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// do sends a request and returns the response body. 404 yields
// errNotFound, 5xx and transport failures wrap ErrUpstreamUnavailable,
// other non-2xx statuses wrap ErrAPIResponse.
func (c *Client) do(ctx context.Context, method, url string, body any, bot bool) ([]byte, error) {
	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request body: %w", err)
		}

		reader = bytes.NewReader(payload)
	}

	// POST and PATCH create or change state upstream; resending after a
	// 5xx or dropped connection can duplicate the effect.
	if method == http.MethodPost || method == http.MethodPatch {
		ctx = context.WithValue(ctx, noRetryKey{}, true)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if bot {
		req.Header.Set("Authorization", "Bearer "+c.botToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", apperrors.ErrUpstreamUnavailable, method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response from %s: %v", apperrors.ErrUpstreamUnavailable, req.URL.Path, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, errNotFound
	case resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: %s returned status %d", apperrors.ErrUpstreamUnavailable, req.URL.Path, resp.StatusCode)
	case resp.StatusCode >= http.StatusMultipleChoices:
		return nil, fmt.Errorf("%w: %s returned status %d: %s", apperrors.ErrAPIResponse, req.URL.Path, resp.StatusCode, sanitizeResponseBody(respBody))
	}

	return respBody, nil
}
