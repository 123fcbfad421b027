//go:build integration

package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Sternrassler/gh-harvest/internal/config"
	"github.com/Sternrassler/gh-harvest/internal/testutil"
	"github.com/Sternrassler/gh-harvest/pkg/export"
	"github.com/Sternrassler/gh-harvest/pkg/ratelimit"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis starts a Redis container and returns its URL and a client.
func setupRedis(t *testing.T) (string, *redis.Client) {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	addr := fmt.Sprintf("%s:%s", host, port.Port())
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() {
		rdb.Close()
		container.Terminate(ctx)
	})
	return "redis://" + addr + "/0", rdb
}

// TestIntegration_RerunServedFromCache runs the same harvest twice through the
// CLI; the second run must not reach the API.
func TestIntegration_RerunServedFromCache(t *testing.T) {
	redisURL, rdb := setupRedis(t)
	isolate(t)

	mock := testutil.NewMockGraphQL()
	defer mock.Close()
	t.Setenv(config.EnvGitHubToken, "token")
	t.Setenv(config.EnvGitHubEndpoint, mock.URL())

	mock.Enqueue(testutil.MockResponse{
		StatusCode: 200,
		Body: testutil.PageBody([]string{"search"}, []any{
			map[string]any{"nameWithOwner": "a/one"},
		}, "c1", true),
		Headers: map[string]string{
			ratelimit.HeaderRemaining: "4321",
			ratelimit.HeaderLimit:     "5000",
			ratelimit.HeaderReset:     "4102444800",
		},
	})
	mock.EnqueuePage([]string{"search"}, []any{map[string]any{"nameWithOwner": "b/two"}}, "", false)

	dir := t.TempDir()
	args := []string{"repos", "--top", "2", "--data-dir", dir, "--redis", redisURL, "--page-delay", "0s"}

	if _, err := execute(t, args...); err != nil {
		t.Fatalf("first run error = %v", err)
	}
	if mock.RequestCount() != 2 {
		t.Fatalf("first run requests = %d, want 2", mock.RequestCount())
	}

	remaining, err := rdb.Get(context.Background(), ratelimit.RedisKeyRemaining).Int()
	if err != nil || remaining != 4321 {
		t.Errorf("shared remaining = %d, err = %v; want 4321", remaining, err)
	}

	if _, err := execute(t, args...); err != nil {
		t.Fatalf("second run error = %v", err)
	}
	if mock.RequestCount() != 2 {
		t.Errorf("second run reached the API: requests = %d, want 2", mock.RequestCount())
	}

	names, err := export.ReadColumn(filepath.Join(dir, export.CanonicalRepositoriesFile), "nameWithOwner")
	if err != nil || len(names) != 2 {
		t.Errorf("names = %v, err = %v", names, err)
	}

	out, err := execute(t, "cache", "purge", "--redis", redisURL, "--data-dir", dir)
	if err != nil {
		t.Fatalf("cache purge error = %v", err)
	}
	if !strings.Contains(out, "Purged 2 cached pages") {
		t.Errorf("output = %q", out)
	}
}
