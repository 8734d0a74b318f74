// Package transport sends JSON requests to the FHIR backend and the identity
// provider. It attaches the bearer token, retries transient failures with
// exponential backoff and records a span per request.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("fhir-importer/transport")

// TokenSource yields the bearer token for the next request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Response is a completed HTTP exchange.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports whether the status is 2xx.
func (r *Response) OK() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// StatusError is returned for responses the caller cannot accept, and for
// retryable statuses that persisted until the retry window closed.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(string(e.Body))
	if len(body) > 512 {
		body = body[:512] + "..."
	}
	return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Method, e.URL, e.StatusCode, body)
}

// HTTPStatusCode returns the response status.
func (e *StatusError) HTTPStatusCode() int { return e.StatusCode }

// NewStatusError builds a StatusError from a completed response.
func NewStatusError(method, url string, resp *Response) *StatusError {
	e := &StatusError{Method: method, URL: url}
	if resp != nil {
		e.StatusCode = resp.StatusCode
		e.Body = resp.Body
	}
	return e
}

// IsRetryableStatus reports whether a status is worth retrying.
func IsRetryableStatus(code int) bool {
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return true
	}
	return code >= 500 && code <= 599
}

// Client issues requests relative to a base URL.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
	maxElapsed time.Duration
	interval   time.Duration
	logger     zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default instrumented HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// WithTokenSource attaches a bearer token to every request.
func WithTokenSource(ts TokenSource) Option {
	return func(cl *Client) {
		cl.tokens = ts
	}
}

// WithMaxElapsed bounds the total time spent retrying one request.
// Zero disables retries.
func WithMaxElapsed(d time.Duration) Option {
	return func(cl *Client) {
		cl.maxElapsed = d
	}
}

// WithInitialInterval sets the first retry delay.
func WithInitialInterval(d time.Duration) Option {
	return func(cl *Client) {
		cl.interval = d
	}
}

// WithLogger sets the logger used for per-attempt debug output.
func WithLogger(l zerolog.Logger) Option {
	return func(cl *Client) {
		cl.logger = l
	}
}

// NewHTTPClient returns an http.Client whose transport is instrumented
// with OpenTelemetry.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// New creates a Client for baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: NewHTTPClient(30 * time.Second),
		maxElapsed: 180 * time.Second,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the URL requests are resolved against.
func (c *Client) BaseURL() string { return c.baseURL }

// Request sends method to path with body encoded as JSON. body may be nil,
// a []byte that is sent as-is, or any JSON-marshalable value. Transport
// errors and 408/429/5xx responses are retried until the retry window
// closes; every other status is returned to the caller without error.
func (c *Client) Request(ctx context.Context, method, path string, body any) (*Response, error) {
	target := c.resolve(path)

	var payload []byte
	switch b := body.(type) {
	case nil:
	case []byte:
		payload = b
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("encode %s %s body: %w", method, target, err)
		}
		payload = data
	}

	ctx, span := tracer.Start(ctx, strings.ToLower(method)+" "+path,
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.url", target),
		),
	)
	defer span.End()

	var (
		resp    *Response
		attempt int
	)
	operation := func() error {
		attempt++
		r, err := c.do(ctx, method, target, payload)
		if err != nil {
			var perm *backoff.PermanentError
			if errors.As(err, &perm) {
				return err
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			c.logger.Debug().Err(err).Str("method", method).Str("url", target).
				Int("attempt", attempt).Msg("request failed, retrying")
			return err
		}
		resp = r
		if IsRetryableStatus(r.StatusCode) {
			return NewStatusError(method, target, r)
		}
		return nil
	}

	err := backoff.Retry(operation, backoff.WithContext(c.newBackOff(), ctx))
	if resp != nil {
		span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return resp, err
	}
	return resp, nil
}

func (c *Client) newBackOff() backoff.BackOff {
	if c.maxElapsed <= 0 {
		return &backoff.StopBackOff{}
	}
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = c.maxElapsed
	if c.interval > 0 {
		b.InitialInterval = c.interval
	}
	return b
}

func (c *Client) do(ctx context.Context, method, target string, payload []byte) (*Response, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		tok, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("obtain access token: %w", err))
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	start := time.Now()
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	c.logger.Debug().
		Str("method", method).
		Str("url", target).
		Int("status", res.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("request")

	return &Response{StatusCode: res.StatusCode, Header: res.Header, Body: data}, nil
}

func (c *Client) resolve(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if path == "" {
		return c.baseURL
	}
	if strings.HasPrefix(path, "/") || strings.HasPrefix(path, "?") {
		return c.baseURL + path
	}
	return c.baseURL + "/" + path
}
