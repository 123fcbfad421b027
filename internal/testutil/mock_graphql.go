// Package testutil provides testing utilities for the harvesters.
package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"
)

// MockResponse defines one scripted response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// RecordedRequest is what the mock saw for one GraphQL call.
type RecordedRequest struct {
	Query     string
	Variables map[string]any
	Header    http.Header
}

// MockGraphQL is a scripted GraphQL server. Responses are served in the order
// they were queued; REST paths can be routed to handlers with SetHandler.
type MockGraphQL struct {
	server   *httptest.Server
	mu       sync.Mutex
	queue    []MockResponse
	handlers map[string]http.HandlerFunc
	requests []RecordedRequest
}

// NewMockGraphQL creates and starts a mock server.
func NewMockGraphQL() *MockGraphQL {
	mock := &MockGraphQL{
		handlers: make(map[string]http.HandlerFunc),
	}
	mock.server = httptest.NewServer(http.HandlerFunc(mock.serve))
	return mock
}

// URL returns the mock server URL.
func (m *MockGraphQL) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockGraphQL) Close() {
	m.server.Close()
}

// Reset clears queued responses and recorded requests.
func (m *MockGraphQL) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = nil
	m.requests = nil
}

// Enqueue appends scripted responses.
func (m *MockGraphQL) Enqueue(responses ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, responses...)
}

// EnqueuePage queues a 200 response carrying one connection page at path.
func (m *MockGraphQL) EnqueuePage(path []string, nodes []any, endCursor string, hasNextPage bool) {
	m.Enqueue(MockResponse{
		StatusCode: http.StatusOK,
		Body:       PageBody(path, nodes, endCursor, hasNextPage),
	})
}

// EnqueueStatus queues a bare status response.
func (m *MockGraphQL) EnqueueStatus(status int, body string) {
	m.Enqueue(MockResponse{StatusCode: status, Body: body})
}

// SetHandler routes GET requests for path to handler instead of the queue.
func (m *MockGraphQL) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// Requests returns the recorded GraphQL requests.
func (m *MockGraphQL) Requests() []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RecordedRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// RequestCount returns the number of GraphQL requests received.
func (m *MockGraphQL) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Pending returns the number of queued responses not served yet.
func (m *MockGraphQL) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

func (m *MockGraphQL) serve(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	handler, ok := m.handlers[r.URL.Path]
	m.mu.Unlock()
	if ok && r.Method == http.MethodGet {
		handler(w, r)
		return
	}

	var payload struct {
		Query     string         `json:"query"`
		Variables map[string]any `json:"variables"`
	}
	body, _ := io.ReadAll(r.Body)
	_ = json.Unmarshal(body, &payload)

	m.mu.Lock()
	m.requests = append(m.requests, RecordedRequest{
		Query:     payload.Query,
		Variables: payload.Variables,
		Header:    r.Header.Clone(),
	})
	var resp MockResponse
	if len(m.queue) > 0 {
		resp = m.queue[0]
		m.queue = m.queue[1:]
	} else {
		resp = MockResponse{
			StatusCode: http.StatusInternalServerError,
			Body:       `{"message":"no scripted response left"}`,
		}
	}
	m.mu.Unlock()

	WriteResponse(w, resp)
}

// WriteResponse writes a scripted response, honouring its delay.
func WriteResponse(w http.ResponseWriter, resp MockResponse) {
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	w.Header().Set("Content-Type", "application/json")
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

// PageBody renders {"data": {...path: {nodes, pageInfo}}}. An empty endCursor
// is rendered as null.
func PageBody(path []string, nodes []any, endCursor string, hasNextPage bool) string {
	if nodes == nil {
		nodes = []any{}
	}
	var cursor any
	if endCursor != "" {
		cursor = endCursor
	}
	var inner any = map[string]any{
		"nodes": nodes,
		"pageInfo": map[string]any{
			"endCursor":   cursor,
			"hasNextPage": hasNextPage,
		},
	}
	for i := len(path) - 1; i >= 0; i-- {
		inner = map[string]any{path[i]: inner}
	}
	out, _ := json.Marshal(map[string]any{"data": inner})
	return string(out)
}

// ErrorsBody renders a GraphQL errors payload.
func ErrorsBody(messages ...string) string {
	errs := make([]map[string]any, 0, len(messages))
	for _, msg := range messages {
		errs = append(errs, map[string]any{"message": msg})
	}
	out, _ := json.Marshal(map[string]any{"data": nil, "errors": errs})
	return string(out)
}

// Nodes builds n nodes {"id": "<prefix><i>"} numbered from start.
func Nodes(prefix string, start, n int) []any {
	nodes := make([]any, 0, n)
	for i := start; i < start+n; i++ {
		nodes = append(nodes, map[string]any{"id": prefix + strconv.Itoa(i)})
	}
	return nodes
}
