// Package client provides the HTTP transport used by the harvesters: bearer or
// API-key authentication, bounded retries with backoff, GitHub rate-limit
// gating and an optional Redis page cache.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/gh-harvest/pkg/cache"
	"github.com/Sternrassler/gh-harvest/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

// Prometheus metrics for client operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_requests_total",
		Help: "Total upstream requests by operation and status",
	}, []string{"operation", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "harvest_request_duration_seconds",
		Help:    "Upstream request duration in seconds by operation",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"operation"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_errors_total",
		Help: "Total upstream errors by class",
	}, []string{"class"})
)

// DefaultGraphQLEndpoint is the GitHub GraphQL API.
const DefaultGraphQLEndpoint = "https://api.github.com/graphql"

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 32 << 20

// ErrorClass represents a classification of request failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors other than auth and rate limits.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 403/429 responses and transient GraphQL errors.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassAuth represents a rejected credential (401).
	ErrorClassAuth ErrorClass = "auth"

	// ErrorClassGraphQL represents a non-transient GraphQL "errors" payload.
	ErrorClassGraphQL ErrorClass = "graphql"

	// ErrorClassDecode represents a 2xx body that is not valid JSON.
	ErrorClassDecode ErrorClass = "decode"

	// ErrorClassShape represents a decodable body missing required fields.
	ErrorClassShape ErrorClass = "shape"

	// ErrorClassPage marks a page payload that failed validation and is
	// requested again. Paginators use it when classifying for Retry.
	ErrorClassPage ErrorClass = "page"
)

// AuthScheme selects how the credential is attached to requests.
type AuthScheme string

const (
	// AuthBearer sends "Authorization: Bearer <token>".
	AuthBearer AuthScheme = "bearer"

	// AuthAPIKey sends "X-API-Key: <token>".
	AuthAPIKey AuthScheme = "x-api-key"
)

// GraphQLError is one entry of a GraphQL "errors" array.
type GraphQLError struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
	Path    []any  `json:"path,omitempty"`
}

// Client is the harvesting HTTP client.
type Client struct {
	httpClient  *http.Client
	endpoint    *url.URL
	rateLimiter *ratelimit.Tracker
	cache       *cache.Manager
	config      Config
	logger      zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// Endpoint is the GraphQL endpoint, or the REST base URL for Get.
	Endpoint string

	// Token is the credential (REQUIRED).
	Token string

	// AuthScheme defaults to AuthBearer.
	AuthScheme AuthScheme

	// UserAgent header sent with every request.
	UserAgent string

	// Timeout bounds every single HTTP call.
	Timeout time.Duration

	// Retry policy applied per request.
	Retry RetryConfig

	// TransientError decides whether a GraphQL error is worth retrying.
	// Defaults to DefaultTransientError.
	TransientError func(GraphQLError) bool

	// RateLimiter gates requests on the upstream quota (optional).
	RateLimiter *ratelimit.Tracker

	// Cache stores successful GraphQL pages (optional).
	Cache *cache.Manager

	// HTTPClient supplies the base transport (optional, for tests and proxies).
	HTTPClient *http.Client
}

// DefaultConfig returns a safe default configuration for the GitHub GraphQL API.
func DefaultConfig(token, userAgent string) Config {
	return Config{
		Endpoint:       DefaultGraphQLEndpoint,
		Token:          token,
		AuthScheme:     AuthBearer,
		UserAgent:      userAgent,
		Timeout:        30 * time.Second,
		Retry:          DefaultRetryConfig(),
		TransientError: DefaultTransientError,
	}
}

// DefaultTransientError matches rate-limit and abuse-detection errors.
func DefaultTransientError(e GraphQLError) bool {
	if strings.EqualFold(e.Type, "RATE_LIMITED") {
		return true
	}
	msg := strings.ToLower(e.Message)
	for _, pattern := range []string{"rate limit", "abuse", "secondary rate"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// New creates a new client. The credential is validated here, before any network call.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("%w: token is required", ErrAuthentication)
	}

	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("%w: endpoint is required", ErrInvalidArgument)
	}
	endpoint, err := url.Parse(cfg.Endpoint)
	if err != nil || endpoint.Scheme == "" || endpoint.Host == "" {
		return nil, fmt.Errorf("%w: invalid endpoint %q", ErrInvalidArgument, cfg.Endpoint)
	}

	if cfg.AuthScheme == "" {
		cfg.AuthScheme = AuthBearer
	}
	if cfg.AuthScheme != AuthBearer && cfg.AuthScheme != AuthAPIKey {
		return nil, fmt.Errorf("%w: unsupported auth scheme %q", ErrInvalidArgument, cfg.AuthScheme)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.TransientError == nil {
		cfg.TransientError = DefaultTransientError
	}
	cfg.Retry = cfg.Retry.normalize()

	logger := log.With().Str("component", "harvest-client").Logger()

	return &Client{
		httpClient:  newHTTPClient(cfg),
		endpoint:    endpoint,
		rateLimiter: cfg.RateLimiter,
		cache:       cfg.Cache,
		config:      cfg,
		logger:      logger,
	}, nil
}

// newHTTPClient wires the bearer token through an oauth2 transport.
func newHTTPClient(cfg Config) *http.Client {
	base := cfg.HTTPClient
	if base == nil {
		base = &http.Client{}
	}

	if cfg.AuthScheme == AuthAPIKey {
		hc := *base
		hc.Timeout = cfg.Timeout
		return &hc
	}

	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	hc := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token}))
	hc.Timeout = cfg.Timeout
	return hc
}

// Response is a fully read upstream response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Query posts one GraphQL request and returns its "data" member.
// Transient failures are retried; see Retry for the policy.
func (c *Client) Query(ctx context.Context, query string, variables map[string]any) (json.RawMessage, error) {
	payload, err := json.Marshal(struct {
		Query     string         `json:"query"`
		Variables map[string]any `json:"variables"`
	}{query, variables})
	if err != nil {
		return nil, fmt.Errorf("%w: encode variables: %v", ErrInvalidArgument, err)
	}

	cacheKey := cache.Key{Endpoint: c.endpoint.String(), Query: query, Variables: variables}
	if c.cache != nil {
		entry, err := c.cache.Get(ctx, cacheKey)
		switch {
		case err == nil:
			c.logger.Debug().Str("key", cacheKey.String()).Msg("Page served from cache")
			return json.RawMessage(entry.Data), nil
		case !errors.Is(err, cache.ErrCacheMiss):
			c.logger.Warn().Err(err).Msg("Cache get error")
		}
	}

	var data json.RawMessage
	build := func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint.String(), bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}
	inspect := func(resp *Response) error {
		if err := checkStatus(resp); err != nil {
			return err
		}
		var envelope struct {
			Data   json.RawMessage `json:"data"`
			Errors []GraphQLError  `json:"errors"`
		}
		if err := json.Unmarshal(resp.Body, &envelope); err != nil {
			return newProtocolError(ErrorClassDecode, resp.StatusCode, resp.Body, "decode response body", err)
		}
		if len(envelope.Errors) > 0 {
			class := ErrorClassGraphQL
			for _, e := range envelope.Errors {
				if c.config.TransientError(e) {
					class = ErrorClassRateLimit
					break
				}
			}
			return newProtocolError(class, resp.StatusCode, resp.Body, "graphql errors: "+envelope.Errors[0].Message, nil)
		}
		data = envelope.Data
		return nil
	}

	if _, err := c.execute(ctx, "graphql", build, inspect); err != nil {
		return nil, err
	}

	if c.cache != nil && len(data) > 0 && string(data) != "null" {
		if err := c.cache.Set(ctx, cacheKey, data); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to cache page")
		}
	}

	return data, nil
}

// Get performs a GET request relative to the configured endpoint and returns the body
// of a 2xx response.
func (c *Client) Get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	target := c.endpoint.JoinPath(path)
	target.RawQuery = params.Encode()

	build := func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	}

	resp, err := c.execute(ctx, path, build, checkStatus)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// execute runs one logical request under the retry policy. build must return a fresh
// request for every attempt; inspect decides whether a received response is a failure.
func (c *Client) execute(ctx context.Context, operation string, build func(context.Context) (*http.Request, error), inspect func(*Response) error) (*Response, error) {
	var last *Response

	attempt := func(n int) error {
		if c.rateLimiter != nil {
			if err := c.rateLimiter.Wait(ctx); err != nil {
				return fmt.Errorf("rate limit gate: %w", err)
			}
		}

		req, err := build(ctx)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		c.prepare(req)

		c.logger.Debug().
			Str("operation", operation).
			Str("method", req.Method).
			Int("attempt", n).
			Msg("Executing request")

		start := time.Now()
		httpResp, err := c.httpClient.Do(req)
		requestDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
			}
			errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
			requestsTotal.WithLabelValues(operation, "network_error").Inc()
			return newProtocolError(ErrorClassNetwork, 0, nil, "request failed", err)
		}

		body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
		httpResp.Body.Close()
		if err != nil {
			errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
			requestsTotal.WithLabelValues(operation, "network_error").Inc()
			return newProtocolError(ErrorClassNetwork, httpResp.StatusCode, nil, "read response body", err)
		}

		last = &Response{StatusCode: httpResp.StatusCode, Header: httpResp.Header, Body: body}
		requestsTotal.WithLabelValues(operation, strconv.Itoa(httpResp.StatusCode)).Inc()

		if c.rateLimiter != nil {
			if err := c.rateLimiter.UpdateFromHeaders(ctx, httpResp.Header); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to update rate limit from headers")
			}
		}

		if err := inspect(last); err != nil {
			errorsTotal.WithLabelValues(string(classify(err))).Inc()
			c.logger.Warn().
				Str("operation", operation).
				Int("status", last.StatusCode).
				Str("error_class", string(classify(err))).
				Msg("Upstream request error")
			return err
		}
		return nil
	}

	err := Retry(ctx, c.config.Retry, attempt, classify)
	if err == nil {
		return last, nil
	}

	if errors.Is(err, ErrRetryExhausted) {
		pe := &ProtocolError{
			Class:    classify(err),
			Attempts: c.config.Retry.MaxAttempts,
			Message:  "request failed",
			Err:      err,
		}
		if last != nil {
			pe.StatusCode = last.StatusCode
			pe.Body = truncate(last.Body, maxBodySnippet)
		}
		c.logDiagnostic(operation, last, pe)
		return nil, pe
	}

	if last != nil {
		c.logDiagnostic(operation, last, err)
	}
	return nil, err
}

// prepare sets the headers shared by every request.
func (c *Client) prepare(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}
	if c.config.AuthScheme == AuthAPIKey {
		req.Header.Set("X-API-Key", c.config.Token)
	}
}

// logDiagnostic records status, headers and a truncated body before an error is returned.
func (c *Client) logDiagnostic(operation string, last *Response, err error) {
	event := c.logger.Error().Err(err).Str("operation", operation)
	if last != nil {
		event = event.
			Int("status", last.StatusCode).
			Interface("headers", last.Header).
			Str("body", truncate(last.Body, maxBodySnippet))
	}
	event.Msg("Upstream request failed")
}

// checkStatus classifies non-2xx responses.
func checkStatus(resp *Response) error {
	switch code := resp.StatusCode; {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized:
		return fmt.Errorf("%w: status %d: %s", ErrAuthentication, code, truncate(resp.Body, maxBodySnippet))
	case code == http.StatusForbidden || code == http.StatusTooManyRequests:
		return newProtocolError(ErrorClassRateLimit, code, resp.Body, http.StatusText(code), nil)
	case code >= 500:
		return newProtocolError(ErrorClassServer, code, resp.Body, http.StatusText(code), nil)
	default:
		return newProtocolError(ErrorClassClient, code, resp.Body, http.StatusText(code), nil)
	}
}

// classify maps an attempt error onto its ErrorClass.
func classify(err error) ErrorClass {
	var pe *ProtocolError
	switch {
	case errors.As(err, &pe):
		return pe.Class
	case errors.Is(err, ErrAuthentication):
		return ErrorClassAuth
	default:
		return ""
	}
}

// Forget drops the cached page of a query so the next Query reaches the server.
func (c *Client) Forget(ctx context.Context, query string, variables map[string]any) {
	if c.cache == nil {
		return
	}
	key := cache.Key{Endpoint: c.endpoint.String(), Query: query, Variables: variables}
	if err := c.cache.Delete(ctx, key); err != nil {
		c.logger.Warn().Err(err).Str("key", key.String()).Msg("Failed to forget cached page")
	}
}

// RetryConfig returns the retry policy applied to every request.
func (c *Client) RetryConfig() RetryConfig {
	return c.config.Retry
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// Endpoint returns the configured endpoint URL.
func (c *Client) Endpoint() string {
	return c.endpoint.String()
}
