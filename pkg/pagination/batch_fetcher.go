package pagination

import (
	"context"
	"fmt"
	"time"

	"github.com/Sternrassler/gh-harvest/pkg/logging"
	"golang.org/x/sync/errgroup"
)

// Config holds batch fetcher configuration
type Config struct {
	// MaxConcurrency is the maximum number of parallel requests
	MaxConcurrency int
	// Timeout per page fetch
	Timeout time.Duration
	// MaxPages rejects endpoints announcing more pages (0 = unbounded)
	MaxPages int
}

// DefaultConfig returns a conservative configuration for public REST APIs.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 4,
		Timeout:        30 * time.Second,
		MaxPages:       1000,
	}
}

// PageFetcher fetches one page of a page-numbered endpoint.
type PageFetcher interface {
	// FetchPage fetches a single page (1-based) and returns data + total page count
	FetchPage(ctx context.Context, endpoint string, pageNum int) (data []byte, totalPages int, err error)
}

// PageFetcherFunc adapts a function to PageFetcher.
type PageFetcherFunc func(ctx context.Context, endpoint string, pageNum int) ([]byte, int, error)

// FetchPage implements PageFetcher.
func (f PageFetcherFunc) FetchPage(ctx context.Context, endpoint string, pageNum int) ([]byte, int, error) {
	return f(ctx, endpoint, pageNum)
}

// BatchFetcher fetches the pages of a page-numbered endpoint in parallel.
type BatchFetcher struct {
	fetcher PageFetcher
	config  Config
}

// NewBatchFetcher creates a new batch fetcher
func NewBatchFetcher(fetcher PageFetcher, config Config) *BatchFetcher {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 4
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	return &BatchFetcher{
		fetcher: fetcher,
		config:  config,
	}
}

// FetchAllPages fetches every page of endpoint and returns them in page order.
// The first page announces the page count; the rest are spread over a worker
// pool. Any failing page cancels the remaining work and no pages are returned.
func (bf *BatchFetcher) FetchAllPages(ctx context.Context, endpoint string) ([][]byte, error) {
	start := time.Now()
	logger := logging.FromContext(ctx, "batch-fetcher").With().Str("endpoint", endpoint).Logger()

	firstPageData, totalPages, err := bf.fetchPage(ctx, endpoint, 1)
	if err != nil {
		return nil, fmt.Errorf("fetch first page: %w", err)
	}
	if totalPages < 1 {
		totalPages = 1
	}
	if bf.config.MaxPages > 0 && totalPages > bf.config.MaxPages {
		return nil, fmt.Errorf("%w: %s announces %d pages, limit is %d", ErrTooManyPages, endpoint, totalPages, bf.config.MaxPages)
	}

	logger.Debug().Int("total_pages", totalPages).Msg("Starting parallel page fetch")

	results := make([][]byte, totalPages)
	results[0] = firstPageData
	if totalPages == 1 {
		return results, nil
	}

	g, gctx := errgroup.WithContext(ctx)

	pageQueue := make(chan int)
	g.Go(func() error {
		defer close(pageQueue)
		for page := 2; page <= totalPages; page++ {
			select {
			case pageQueue <- page:
			case <-gctx.Done():
				return nil
			}
		}
		return nil
	})

	workers := min(bf.config.MaxConcurrency, totalPages-1)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for pageNum := range pageQueue {
				data, _, err := bf.fetchPage(gctx, endpoint, pageNum)
				if err != nil {
					logger.Warn().Err(err).Int("page", pageNum).Msg("Page fetch failed")
					return fmt.Errorf("fetch page %d: %w", pageNum, err)
				}
				// Each page owns its slot, so no lock is needed.
				results[pageNum-1] = data
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	logger.Debug().
		Int("pages", totalPages).
		Dur("duration", time.Since(start)).
		Msg("Fetch complete")

	return results, nil
}

func (bf *BatchFetcher) fetchPage(ctx context.Context, endpoint string, pageNum int) ([]byte, int, error) {
	pageCtx, cancel := context.WithTimeout(ctx, bf.config.Timeout)
	defer cancel()
	return bf.fetcher.FetchPage(pageCtx, endpoint, pageNum)
}
