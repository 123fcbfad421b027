package client

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/Sternrassler/gh-harvest/internal/testutil"
	"github.com/Sternrassler/gh-harvest/pkg/cache"
	"github.com/Sternrassler/gh-harvest/pkg/ratelimit"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const viewerQuery = `query { viewer { login } }`

// setupTestRedis creates a test Redis client.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available for testing: %v", err)
	}
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test DB: %v", err)
	}

	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})

	return client
}

func testConfig(endpoint string) Config {
	cfg := DefaultConfig("test-token", "gh-harvest-test/1.0")
	cfg.Endpoint = endpoint
	cfg.Retry = fastRetry(3)
	return cfg
}

func newTestClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		expectErr error
		errorMsg  string
	}{
		{
			name:   "valid config",
			mutate: func(*Config) {},
		},
		{
			name:      "missing token",
			mutate:    func(c *Config) { c.Token = "" },
			expectErr: ErrAuthentication,
		},
		{
			name:      "blank token",
			mutate:    func(c *Config) { c.Token = "   " },
			expectErr: ErrAuthentication,
		},
		{
			name:      "empty endpoint",
			mutate:    func(c *Config) { c.Endpoint = "" },
			expectErr: ErrInvalidArgument,
			errorMsg:  "endpoint is required",
		},
		{
			name:      "relative endpoint",
			mutate:    func(c *Config) { c.Endpoint = "/graphql" },
			expectErr: ErrInvalidArgument,
			errorMsg:  "invalid endpoint",
		},
		{
			name:      "unknown auth scheme",
			mutate:    func(c *Config) { c.AuthScheme = "basic" },
			expectErr: ErrInvalidArgument,
			errorMsg:  "unsupported auth scheme",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig("test-token", "gh-harvest-test/1.0")
			tt.mutate(&cfg)

			c, err := New(cfg)
			switch {
			case tt.expectErr != nil:
				if !errors.Is(err, tt.expectErr) {
					t.Errorf("New() error = %v, want %v", err, tt.expectErr)
				}
				if tt.errorMsg != "" && (err == nil || !strings.Contains(err.Error(), tt.errorMsg)) {
					t.Errorf("New() error = %v, want message containing %q", err, tt.errorMsg)
				}
			default:
				if err != nil {
					t.Fatalf("New() unexpected error = %v", err)
				}
				if c.Endpoint() != DefaultGraphQLEndpoint {
					t.Errorf("Endpoint() = %q", c.Endpoint())
				}
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("tok", "gh-harvest/1.0")

	if cfg.Endpoint != DefaultGraphQLEndpoint {
		t.Errorf("Endpoint = %q", cfg.Endpoint)
	}
	if cfg.AuthScheme != AuthBearer {
		t.Errorf("AuthScheme = %q, want bearer", cfg.AuthScheme)
	}
	if cfg.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", cfg.Timeout)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("Retry.MaxAttempts = %d, want 3", cfg.Retry.MaxAttempts)
	}
	if cfg.TransientError == nil {
		t.Error("TransientError should default to DefaultTransientError")
	}
}

func TestDefaultTransientError(t *testing.T) {
	tests := []struct {
		err  GraphQLError
		want bool
	}{
		{GraphQLError{Message: "API rate limit exceeded for user ID 1."}, true},
		{GraphQLError{Message: "You have exceeded a secondary rate limit."}, true},
		{GraphQLError{Message: "You have triggered an abuse detection mechanism."}, true},
		{GraphQLError{Type: "RATE_LIMITED", Message: "slow down"}, true},
		{GraphQLError{Type: "NOT_FOUND", Message: "Could not resolve to a Repository"}, false},
		{GraphQLError{Message: "Field 'x' doesn't exist on type 'Query'"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.err.Message, func(t *testing.T) {
			if got := DefaultTransientError(tt.err); got != tt.want {
				t.Errorf("DefaultTransientError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"protocol error", errOfClass(ErrorClassServer), ErrorClassServer},
		{"wrapped protocol error", errors.Join(errors.New("ctx"), errOfClass(ErrorClassGraphQL)), ErrorClassGraphQL},
		{"authentication", ErrAuthentication, ErrorClassAuth},
		{"other", errors.New("boom"), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(tt.err); got != tt.want {
				t.Errorf("classify() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestQuery_Success(t *testing.T) {
	mock := testutil.NewMockGraphQL()
	defer mock.Close()
	mock.EnqueueStatus(http.StatusOK, `{"data":{"viewer":{"login":"octocat"}}}`)

	c := newTestClient(t, testConfig(mock.URL()))
	data, err := c.Query(context.Background(), viewerQuery, map[string]any{"pageSize": 10})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if string(data) != `{"viewer":{"login":"octocat"}}` {
		t.Errorf("data = %s", data)
	}

	req := mock.Requests()[0]
	if req.Query != viewerQuery {
		t.Errorf("query = %q", req.Query)
	}
	if req.Variables["pageSize"] != float64(10) {
		t.Errorf("variables = %v", req.Variables)
	}
	if got := req.Header.Get("Authorization"); got != "Bearer test-token" {
		t.Errorf("Authorization = %q, want Bearer test-token", got)
	}
	if got := req.Header.Get("User-Agent"); got != "gh-harvest-test/1.0" {
		t.Errorf("User-Agent = %q", got)
	}
	if got := req.Header.Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q", got)
	}
}

func TestQuery_APIKeyScheme(t *testing.T) {
	mock := testutil.NewMockGraphQL()
	defer mock.Close()
	mock.EnqueueStatus(http.StatusOK, `{"data":{}}`)

	cfg := testConfig(mock.URL())
	cfg.AuthScheme = AuthAPIKey
	c := newTestClient(t, cfg)

	if _, err := c.Query(context.Background(), viewerQuery, nil); err != nil {
		t.Fatalf("Query() error = %v", err)
	}

	req := mock.Requests()[0]
	if got := req.Header.Get("X-API-Key"); got != "test-token" {
		t.Errorf("X-API-Key = %q", got)
	}
	if got := req.Header.Get("Authorization"); got != "" {
		t.Errorf("Authorization = %q, want none", got)
	}
}

func TestQuery_StatusClassification(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		expectedClass ErrorClass
		expectedCalls int
	}{
		{"unauthorized is fatal", http.StatusUnauthorized, ErrorClassAuth, 1},
		{"forbidden is rate limited", http.StatusForbidden, ErrorClassRateLimit, 3},
		{"too many requests", http.StatusTooManyRequests, ErrorClassRateLimit, 3},
		{"not found is retried", http.StatusNotFound, ErrorClassClient, 3},
		{"internal server error", http.StatusInternalServerError, ErrorClassServer, 3},
		{"bad gateway", http.StatusBadGateway, ErrorClassServer, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := testutil.NewMockGraphQL()
			defer mock.Close()
			for i := 0; i < 3; i++ {
				mock.EnqueueStatus(tt.status, `{"message":"nope"}`)
			}

			c := newTestClient(t, testConfig(mock.URL()))
			data, err := c.Query(context.Background(), viewerQuery, nil)
			if err == nil {
				t.Fatal("Query() should fail")
			}
			if data != nil {
				t.Errorf("data = %s, want nil", data)
			}
			if got := classify(err); got != tt.expectedClass {
				t.Errorf("classify() = %q, want %q (err %v)", got, tt.expectedClass, err)
			}
			if mock.RequestCount() != tt.expectedCalls {
				t.Errorf("RequestCount = %d, want %d", mock.RequestCount(), tt.expectedCalls)
			}
		})
	}
}

func TestQuery_RetryExhaustedCarriesDiagnostics(t *testing.T) {
	mock := testutil.NewMockGraphQL()
	defer mock.Close()
	mock.EnqueueStatus(http.StatusBadGateway, "first")
	mock.EnqueueStatus(http.StatusServiceUnavailable, "second")
	mock.EnqueueStatus(http.StatusInternalServerError, strings.Repeat("z", 4096))

	c := newTestClient(t, testConfig(mock.URL()))
	_, err := c.Query(context.Background(), viewerQuery, nil)

	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("Query() error = %v, want ErrRetryExhausted", err)
	}
	if !errors.Is(err, ErrProtocol) {
		t.Error("exhaustion should surface as a ProtocolError")
	}

	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("error = %T, want *ProtocolError", err)
	}
	if pe.StatusCode != http.StatusInternalServerError {
		t.Errorf("StatusCode = %d, want last status 500", pe.StatusCode)
	}
	if pe.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", pe.Attempts)
	}
	if len(pe.Body) > maxBodySnippet+len("...(truncated)") {
		t.Errorf("Body length = %d, want truncated", len(pe.Body))
	}
}

func TestQuery_GraphQLErrors(t *testing.T) {
	t.Run("non-transient is not retried", func(t *testing.T) {
		mock := testutil.NewMockGraphQL()
		defer mock.Close()
		mock.EnqueueStatus(http.StatusOK, testutil.ErrorsBody("Could not resolve to a Repository with the name 'x/y'."))

		c := newTestClient(t, testConfig(mock.URL()))
		_, err := c.Query(context.Background(), viewerQuery, nil)

		var pe *ProtocolError
		if !errors.As(err, &pe) || pe.Class != ErrorClassGraphQL {
			t.Fatalf("Query() error = %v, want graphql ProtocolError", err)
		}
		if !strings.Contains(pe.Message, "Could not resolve") {
			t.Errorf("Message = %q", pe.Message)
		}
		if mock.RequestCount() != 1 {
			t.Errorf("RequestCount = %d, want 1", mock.RequestCount())
		}
	})

	t.Run("transient is retried", func(t *testing.T) {
		mock := testutil.NewMockGraphQL()
		defer mock.Close()
		mock.EnqueueStatus(http.StatusOK, testutil.ErrorsBody("API rate limit exceeded"))
		mock.EnqueueStatus(http.StatusOK, `{"data":{"ok":true}}`)

		c := newTestClient(t, testConfig(mock.URL()))
		data, err := c.Query(context.Background(), viewerQuery, nil)
		if err != nil {
			t.Fatalf("Query() error = %v", err)
		}
		if string(data) != `{"ok":true}` {
			t.Errorf("data = %s", data)
		}
		if mock.RequestCount() != 2 {
			t.Errorf("RequestCount = %d, want 2", mock.RequestCount())
		}
	})

	t.Run("custom predicate", func(t *testing.T) {
		mock := testutil.NewMockGraphQL()
		defer mock.Close()
		mock.EnqueueStatus(http.StatusOK, testutil.ErrorsBody("Something went wrong while executing your query."))
		mock.EnqueueStatus(http.StatusOK, `{"data":{"ok":true}}`)

		cfg := testConfig(mock.URL())
		cfg.TransientError = func(e GraphQLError) bool {
			return strings.Contains(e.Message, "Something went wrong")
		}
		c := newTestClient(t, cfg)

		if _, err := c.Query(context.Background(), viewerQuery, nil); err != nil {
			t.Fatalf("Query() error = %v", err)
		}
		if mock.RequestCount() != 2 {
			t.Errorf("RequestCount = %d, want 2", mock.RequestCount())
		}
	})
}

func TestQuery_DecodeErrorNotRetried(t *testing.T) {
	mock := testutil.NewMockGraphQL()
	defer mock.Close()
	mock.EnqueueStatus(http.StatusOK, `{"data": {"viewer":`)

	c := newTestClient(t, testConfig(mock.URL()))
	_, err := c.Query(context.Background(), viewerQuery, nil)

	var pe *ProtocolError
	if !errors.As(err, &pe) || pe.Class != ErrorClassDecode {
		t.Fatalf("Query() error = %v, want decode ProtocolError", err)
	}
	if mock.RequestCount() != 1 {
		t.Errorf("RequestCount = %d, want 1", mock.RequestCount())
	}
}

func TestQuery_Timeout(t *testing.T) {
	mock := testutil.NewMockGraphQL()
	defer mock.Close()
	for i := 0; i < 3; i++ {
		mock.Enqueue(testutil.MockResponse{StatusCode: http.StatusOK, Body: `{"data":{}}`, Delay: 200 * time.Millisecond})
	}

	cfg := testConfig(mock.URL())
	cfg.Timeout = 20 * time.Millisecond
	c := newTestClient(t, cfg)

	_, err := c.Query(context.Background(), viewerQuery, nil)
	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("Query() error = %v, want ErrRetryExhausted", err)
	}
	if got := classify(err); got != ErrorClassNetwork {
		t.Errorf("classify() = %q, want network", got)
	}
}

func TestQuery_ContextCancelled(t *testing.T) {
	mock := testutil.NewMockGraphQL()
	defer mock.Close()
	mock.Enqueue(testutil.MockResponse{StatusCode: http.StatusOK, Body: `{"data":{}}`, Delay: 300 * time.Millisecond})

	c := newTestClient(t, testConfig(mock.URL()))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := c.Query(ctx, viewerQuery, nil)
	if !errors.Is(err, ErrContextCancelled) {
		t.Fatalf("Query() error = %v, want ErrContextCancelled", err)
	}
	if mock.RequestCount() != 1 {
		t.Errorf("RequestCount = %d, want 1", mock.RequestCount())
	}
}

func TestQuery_UpdatesRateLimitTracker(t *testing.T) {
	mock := testutil.NewMockGraphQL()
	defer mock.Close()
	reset := time.Now().Add(30 * time.Minute).Unix()
	mock.Enqueue(testutil.MockResponse{
		StatusCode: http.StatusOK,
		Body:       `{"data":{}}`,
		Headers: map[string]string{
			ratelimit.HeaderRemaining: "4321",
			ratelimit.HeaderLimit:     "5000",
			ratelimit.HeaderReset:     strconv.FormatInt(reset, 10),
		},
	})

	tracker := ratelimit.NewTracker(ratelimit.NewMemoryStore(), zerolog.New(os.Stderr).Level(zerolog.Disabled))
	cfg := testConfig(mock.URL())
	cfg.RateLimiter = tracker
	c := newTestClient(t, cfg)

	if _, err := c.Query(context.Background(), viewerQuery, nil); err != nil {
		t.Fatalf("Query() error = %v", err)
	}

	state, err := tracker.GetState(context.Background())
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if state.Remaining != 4321 {
		t.Errorf("Remaining = %d, want 4321", state.Remaining)
	}
	if state.ResetAt.Unix() != reset {
		t.Errorf("ResetAt = %v, want %v", state.ResetAt.Unix(), reset)
	}
}

func TestQuery_RateLimitGateBlocks(t *testing.T) {
	mock := testutil.NewMockGraphQL()
	defer mock.Close()

	store := ratelimit.NewMemoryStore()
	exhausted := &ratelimit.RateLimitState{
		Remaining:  0,
		Limit:      5000,
		ResetAt:    time.Now().Add(time.Hour),
		LastUpdate: time.Now(),
	}
	if err := store.Save(context.Background(), exhausted); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	tracker := ratelimit.NewTracker(store, zerolog.New(os.Stderr).Level(zerolog.Disabled)).WithMaxWait(time.Second)
	cfg := testConfig(mock.URL())
	cfg.RateLimiter = tracker
	c := newTestClient(t, cfg)

	_, err := c.Query(context.Background(), viewerQuery, nil)
	if !errors.Is(err, ratelimit.ErrQuotaExhausted) {
		t.Fatalf("Query() error = %v, want ErrQuotaExhausted", err)
	}
	if mock.RequestCount() != 0 {
		t.Errorf("RequestCount = %d, want 0", mock.RequestCount())
	}
}

func TestQuery_CacheHit(t *testing.T) {
	redisClient := setupTestRedis(t)

	mock := testutil.NewMockGraphQL()
	defer mock.Close()
	mock.EnqueueStatus(http.StatusOK, `{"data":{"viewer":{"login":"octocat"}}}`)

	cfg := testConfig(mock.URL())
	cfg.Cache = cache.NewManager(redisClient, time.Minute)
	c := newTestClient(t, cfg)

	vars := map[string]any{"pageSize": 1, "afterCursor": nil}
	first, err := c.Query(context.Background(), viewerQuery, vars)
	if err != nil {
		t.Fatalf("first Query() error = %v", err)
	}
	second, err := c.Query(context.Background(), viewerQuery, vars)
	if err != nil {
		t.Fatalf("second Query() error = %v", err)
	}

	if string(first) != string(second) {
		t.Errorf("cached data = %s, want %s", second, first)
	}
	if mock.RequestCount() != 1 {
		t.Errorf("RequestCount = %d, want 1 (second call served from cache)", mock.RequestCount())
	}
}

func TestQuery_FailuresNotCached(t *testing.T) {
	redisClient := setupTestRedis(t)

	mock := testutil.NewMockGraphQL()
	defer mock.Close()
	mock.EnqueueStatus(http.StatusOK, testutil.ErrorsBody("Could not resolve"))
	mock.EnqueueStatus(http.StatusOK, `{"data":{"ok":true}}`)

	cfg := testConfig(mock.URL())
	cfg.Cache = cache.NewManager(redisClient, time.Minute)
	c := newTestClient(t, cfg)

	if _, err := c.Query(context.Background(), viewerQuery, nil); err == nil {
		t.Fatal("first Query() should fail")
	}
	if _, err := c.Query(context.Background(), viewerQuery, nil); err != nil {
		t.Fatalf("second Query() error = %v", err)
	}
	if mock.RequestCount() != 2 {
		t.Errorf("RequestCount = %d, want 2", mock.RequestCount())
	}
}

func TestGet(t *testing.T) {
	mock := testutil.NewMockGraphQL()
	defer mock.Close()

	var gotQuery url.Values
	var gotKey string
	mock.SetHandler("/v3/locations", func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		gotKey = r.Header.Get("X-API-Key")
		testutil.WriteResponse(w, testutil.MockResponse{StatusCode: http.StatusOK, Body: `{"results":[]}`})
	})

	cfg := testConfig(mock.URL() + "/v3")
	cfg.AuthScheme = AuthAPIKey
	c := newTestClient(t, cfg)

	body, err := c.Get(context.Background(), "locations", url.Values{"countries_id": {"45"}, "page": {"2"}})
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(body) != `{"results":[]}` {
		t.Errorf("body = %s", body)
	}
	if gotQuery.Get("countries_id") != "45" || gotQuery.Get("page") != "2" {
		t.Errorf("query = %v", gotQuery)
	}
	if gotKey != "test-token" {
		t.Errorf("X-API-Key = %q", gotKey)
	}
}

func TestGet_RetriesServerErrors(t *testing.T) {
	mock := testutil.NewMockGraphQL()
	defer mock.Close()

	calls := 0
	mock.SetHandler("/v3/sensors/7/measurements/daily", func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			testutil.WriteResponse(w, testutil.MockResponse{StatusCode: http.StatusServiceUnavailable})
			return
		}
		testutil.WriteResponse(w, testutil.MockResponse{StatusCode: http.StatusOK, Body: `{"results":[1]}`})
	})

	c := newTestClient(t, testConfig(mock.URL()+"/v3"))
	body, err := c.Get(context.Background(), "sensors/7/measurements/daily", nil)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(body) != `{"results":[1]}` {
		t.Errorf("body = %s", body)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}
