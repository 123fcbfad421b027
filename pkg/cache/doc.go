// Package cache stores successful GraphQL pages in Redis.
//
// Cursor pagination is deterministic: the same query with the same variables
// (page size and "after" cursor) always addresses the same page. Caching pages
// by a hash of endpoint, query and variables therefore lets an interrupted
// harvest be re-run without spending quota on the pages it already fetched.
//
// # Basic Usage
//
//	redisClient := redis.NewClient(&redis.Options{
//		Addr: "localhost:6379",
//	})
//
//	manager := cache.NewManager(redisClient, time.Hour)
//
//	key := cache.Key{
//		Endpoint:  "https://api.github.com/graphql",
//		Query:     query,
//		Variables: map[string]any{"pageSize": 100, "afterCursor": nil},
//	}
//
//	entry, err := manager.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// fetch the page, then manager.Set(ctx, key, data)
//	}
//
// # Metrics
//
//   - harvest_cache_hits_total{layer="redis"}
//   - harvest_cache_misses_total
//   - harvest_cache_size_bytes{layer="redis"}
//   - harvest_cache_errors_total{operation}
package cache
