// Package client provides the transport client for the upstream tracker API.
//
// A Client issues single authenticated GET requests and hands back the raw JSON
// payload. It never retries: any failure is returned to the caller as a
// *TransportError and is terminal for that call.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/exploopio/insight/pkg/compress"
	"github.com/exploopio/insight/pkg/core"
	inserrors "github.com/exploopio/insight/pkg/errors"
	"github.com/exploopio/insight/pkg/metrics"
)

// Upstream API paths.
const (
	FindingsPath  = "/api/v2/findings/"
	ProductsPath  = "/api/v2/products/"
	TestTypesPath = "/api/v2/test_types/"
)

const (
	defaultTimeout    = 30 * time.Second
	defaultAuthScheme = "Token"
	defaultUserAgent  = "dojo-insight/1.0"

	// maxErrorBody bounds how much of an error response ends up in Error().
	maxErrorBody = 512
)

// Client is the upstream tracker API client.
type Client struct {
	baseURL    string
	apiKey     string
	authScheme string
	userAgent  string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     core.Logger
	metrics    metrics.Collector
}

// Config holds client configuration.
type Config struct {
	BaseURL    string        `yaml:"base_url" json:"base_url"`
	APIKey     string        `yaml:"api_key" json:"api_key"`
	AuthScheme string        `yaml:"auth_scheme" json:"auth_scheme"` // "Token" (default) or "Bearer"
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`
	UserAgent  string        `yaml:"user_agent" json:"user_agent"`

	// RateLimit is the maximum number of requests per second (0 = unlimited).
	RateLimit float64 `yaml:"rate_limit" json:"rate_limit"`
	Burst     int     `yaml:"burst" json:"burst"`

	Logger  core.Logger       `yaml:"-" json:"-"`
	Metrics metrics.Collector `yaml:"-" json:"-"`
}

// DefaultConfig returns default client config.
func DefaultConfig() *Config {
	return &Config{
		AuthScheme: defaultAuthScheme,
		Timeout:    defaultTimeout,
		UserAgent:  defaultUserAgent,
	}
}

// New creates a new client.
func New(cfg *Config) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		authScheme: cfg.AuthScheme,
		userAgent:  cfg.UserAgent,
		httpClient: &http.Client{Timeout: timeout},
		logger:     core.ComponentLogger(cfg.Logger, "client"),
		metrics:    metrics.OrNop(cfg.Metrics),
	}
	if c.authScheme == "" {
		c.authScheme = defaultAuthScheme
	}
	if c.userAgent == "" {
		c.userAgent = defaultUserAgent
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return c
}

// =============================================================================
// Functional Options Pattern
// =============================================================================

// Option is a function that configures the client.
type Option func(*Client)

// NewWithOptions creates a new client using functional options.
// Example:
//
//	c := client.NewWithOptions(
//	    client.WithBaseURL("https://dojo.example.com"),
//	    client.WithAPIKey("xxx"),
//	    client.WithTimeout(30 * time.Second),
//	)
func NewWithOptions(opts ...Option) *Client {
	c := New(DefaultConfig())
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithBaseURL sets the API base URL.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithAPIKey sets the API key.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = key
	}
}

// WithAuthScheme sets the Authorization scheme ("Token", "Bearer").
func WithAuthScheme(scheme string) Option {
	return func(c *Client) {
		c.authScheme = scheme
	}
}

// WithTimeout sets the HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithRateLimit throttles outgoing requests to rps with the given burst.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithLogger sets the logger.
func WithLogger(l core.Logger) Option {
	return func(c *Client) {
		c.logger = core.ComponentLogger(l, "client")
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m metrics.Collector) Option {
	return func(c *Client) {
		c.metrics = metrics.OrNop(m)
	}
}

// BaseURL returns the configured base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// =============================================================================
// Requests
// =============================================================================

// Fetch performs a single GET against endpoint and returns the JSON payload.
// endpoint may be relative to the base URL ("/api/v2/findings/?limit=10") or
// absolute, as in the "next" links returned by paginated responses.
func (c *Client) Fetch(ctx context.Context, endpoint string) (json.RawMessage, error) {
	target := c.resolve(endpoint)

	if err := c.waitForRateLimit(ctx); err != nil {
		return nil, &TransportError{URL: target, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, inserrors.E(inserrors.KindInvalidInput, "client.Fetch", "create request", err)
	}

	requestID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", compress.AcceptEncoding)
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("X-Request-ID", requestID)
	if c.apiKey != "" {
		req.Header.Set("Authorization", c.authScheme+" "+c.apiKey)
	}

	timer := metrics.NewTimer(c.metrics, metrics.UpstreamRequestDuration.Name)
	resp, err := c.httpClient.Do(req)
	elapsed := timer.ObserveDuration()
	if err != nil {
		c.metrics.CounterInc(metrics.UpstreamRequestsTotal.Name, "status", "error")
		c.logger.Warn("GET %s failed after %v: %v", target, elapsed, err)
		return nil, &TransportError{URL: target, RequestID: requestID, Err: err}
	}
	defer resp.Body.Close()

	c.metrics.CounterInc(metrics.UpstreamRequestsTotal.Name, "status", strconv.Itoa(resp.StatusCode))
	c.logger.Debug("GET %s -> %d (%v)", target, resp.StatusCode, elapsed)

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{StatusCode: resp.StatusCode, URL: target, RequestID: requestID, Err: err}
	}

	data, err := compress.DecodeBody(resp.Header.Get("Content-Encoding"), raw)
	if err != nil {
		return nil, &TransportError{StatusCode: resp.StatusCode, URL: target, RequestID: requestID, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &TransportError{
			StatusCode: resp.StatusCode,
			Body:       string(data),
			URL:        target,
			RequestID:  requestID,
		}
	}

	if !json.Valid(data) {
		return nil, &TransportError{
			StatusCode: resp.StatusCode,
			Body:       string(data),
			URL:        target,
			RequestID:  requestID,
			Err:        errInvalidJSON,
		}
	}

	return data, nil
}

// GetJSON fetches endpoint and decodes the payload into v.
func (c *Client) GetJSON(ctx context.Context, endpoint string, v any) error {
	data, err := c.Fetch(ctx, endpoint)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return inserrors.E(inserrors.KindTransport, "client.GetJSON", "decode "+endpoint, err)
	}
	return nil
}

// Count returns the server-side count for path filtered by query without
// transferring the records: it asks for a single result and reads "count".
func (c *Client) Count(ctx context.Context, path string, query url.Values) (int, error) {
	q := url.Values{}
	for k, v := range query {
		q[k] = v
	}
	q.Set("limit", "1")

	var page struct {
		Count *int `json:"count"`
	}
	if err := c.GetJSON(ctx, Endpoint(path, q), &page); err != nil {
		return 0, err
	}
	if page.Count == nil {
		return 0, inserrors.E(inserrors.KindTransport, "client.Count", "response for "+path+" has no count")
	}
	return *page.Count, nil
}

// Ping checks that the upstream answers an authenticated request.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Fetch(ctx, Endpoint(ProductsPath, url.Values{"limit": {"1"}}))
	return err
}

// Endpoint joins path and query into a relative endpoint.
func Endpoint(path string, query url.Values) string {
	if len(query) == 0 {
		return path
	}
	return path + "?" + query.Encode()
}

func (c *Client) resolve(endpoint string) string {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	return c.baseURL + "/" + strings.TrimLeft(endpoint, "/")
}

// waitForRateLimit blocks until the limiter allows a request.
func (c *Client) waitForRateLimit(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

// =============================================================================
// Errors
// =============================================================================

var errInvalidJSON = errors.New("response is not valid JSON")

// TransportError is returned for any failed upstream call: a non-2xx status,
// a network failure, or an unreadable body. Body carries the response body
// for diagnostics.
type TransportError struct {
	StatusCode int    `json:"status_code"`
	Body       string `json:"body"`
	URL        string `json:"url"`
	RequestID  string `json:"request_id,omitempty"`
	Err        error  `json:"-"`
}

func (e *TransportError) Error() string {
	var b strings.Builder
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, "http %d", e.StatusCode)
	} else {
		b.WriteString("request failed")
	}
	if e.URL != "" {
		fmt.Fprintf(&b, " GET %s", e.URL)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if e.Body != "" {
		body := e.Body
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody] + "..."
		}
		fmt.Fprintf(&b, ": %s", body)
	}
	if e.RequestID != "" {
		fmt.Fprintf(&b, " (request_id: %s)", e.RequestID)
	}
	return b.String()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ErrorKind classifies the failure so that a missing credential can be told
// apart from an upstream outage.
func (e *TransportError) ErrorKind() inserrors.Kind {
	switch {
	case e.StatusCode == http.StatusUnauthorized:
		return inserrors.KindAuthentication
	case e.StatusCode == http.StatusForbidden:
		return inserrors.KindAuthorization
	case e.StatusCode == http.StatusTooManyRequests:
		return inserrors.KindRateLimit
	case e.StatusCode >= 500:
		return inserrors.KindServer
	case e.StatusCode == 0 && e.Err != nil:
		if isTimeout(e.Err) {
			return inserrors.KindTimeout
		}
		return inserrors.KindNetwork
	default:
		return inserrors.KindTransport
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// IsTransportError checks if err is a TransportError and returns it.
func IsTransportError(err error) (*TransportError, bool) {
	var te *TransportError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// IsClientError checks if the error is a 4xx client error.
func IsClientError(err error) bool {
	if te, ok := IsTransportError(err); ok {
		return te.StatusCode >= 400 && te.StatusCode < 500
	}
	return false
}

// IsServerError checks if the error is a 5xx server error.
func IsServerError(err error) bool {
	if te, ok := IsTransportError(err); ok {
		return te.StatusCode >= 500
	}
	return false
}

var _ inserrors.Kinded = (*TransportError)(nil)
