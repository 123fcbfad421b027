package pagination

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Sternrassler/gh-harvest/pkg/client"
	"github.com/Sternrassler/gh-harvest/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

// Prometheus metrics for pagination.
var (
	pagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_pages_total",
		Help: "Total number of pages fetched by source",
	}, []string{"source"})

	recordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_records_total",
		Help: "Total number of records accumulated by source",
	}, []string{"source"})
)

// ErrTooManyPages is returned when a harvest needs more pages than its ceiling
// allows, typically because the server keeps returning empty pages.
var ErrTooManyPages = errors.New("too many pages")

// Variable names every paginated query must declare.
const (
	VarPageSize    = "pageSize"
	VarAfterCursor = "afterCursor"
)

// Defaults for cursor pagination.
const (
	DefaultPageSizeCap = 100
	DefaultPageDelay   = time.Second

	// extraPages is the slack added to ceil(total/cap) for the page ceiling.
	extraPages = 50
)

// Requester sends one GraphQL request and returns its "data" member.
// *client.Client implements it.
type Requester interface {
	Query(ctx context.Context, query string, variables map[string]any) (json.RawMessage, error)
}

// Forgetter is implemented by requesters that cache pages. A page whose payload
// fails validation is forgotten before it is requested again.
type Forgetter interface {
	Forget(ctx context.Context, query string, variables map[string]any)
}

// retryConfigurer is implemented by requesters that carry a retry policy.
type retryConfigurer interface {
	RetryConfig() client.RetryConfig
}

// Sink receives the final record list of a harvest.
type Sink[R any] interface {
	Write(ctx context.Context, records []R) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc[R any] func(ctx context.Context, records []R) error

// Write implements Sink.
func (f SinkFunc[R]) Write(ctx context.Context, records []R) error {
	return f(ctx, records)
}

// CursorConfig describes one paginated GraphQL connection.
type CursorConfig[R any] struct {
	// Name labels logs and metrics (e.g. "repositories").
	Name string

	// Query is the GraphQL document. It must accept $pageSize and $afterCursor.
	Query string

	// Variables are sent with every page in addition to the pagination variables.
	Variables map[string]any

	// ConnectionPath locates the connection object inside "data",
	// e.g. {"search"} or {"repository", "pullRequests"}.
	ConnectionPath []string

	// PageSizeCap is the largest page the server accepts (default 100).
	PageSizeCap int

	// MaxTotal rejects larger totals up front when positive.
	MaxTotal int

	// MaxPages bounds the number of requests. Zero selects ceil(total/PageSizeCap)+50.
	MaxPages int

	// PageDelay separates consecutive page requests. Zero disables the pause.
	PageDelay time.Duration

	// Normalize converts one raw node into a record.
	Normalize func(node json.RawMessage) (R, error)

	// Filter, when set, drops records for which it returns false.
	// Dropped records do not count towards the total.
	Filter func(R) bool

	// Sink, when set, receives the result once after a successful harvest.
	Sink Sink[R]

	// Retry governs page-level retries of malformed payloads. The zero value
	// uses the requester's policy, or client.DefaultRetryConfig.
	Retry client.RetryConfig
}

// Cursor harvests a cursor-paginated GraphQL connection.
type Cursor[R any] struct {
	requester Requester
	config    CursorConfig[R]
}

// NewCursor validates cfg and returns a fetcher.
func NewCursor[R any](requester Requester, cfg CursorConfig[R]) (*Cursor[R], error) {
	if requester == nil {
		return nil, fmt.Errorf("%w: requester is required", client.ErrInvalidArgument)
	}
	if strings.TrimSpace(cfg.Query) == "" {
		return nil, fmt.Errorf("%w: query is required", client.ErrInvalidArgument)
	}
	if len(cfg.ConnectionPath) == 0 {
		return nil, fmt.Errorf("%w: connection path is required", client.ErrInvalidArgument)
	}
	if cfg.Normalize == nil {
		return nil, fmt.Errorf("%w: normalize function is required", client.ErrInvalidArgument)
	}
	if cfg.PageSizeCap <= 0 {
		cfg.PageSizeCap = DefaultPageSizeCap
	}
	if cfg.PageDelay < 0 {
		cfg.PageDelay = 0
	}
	if cfg.Name == "" {
		cfg.Name = strings.Join(cfg.ConnectionPath, ".")
	}
	if cfg.Retry == (client.RetryConfig{}) {
		cfg.Retry = client.DefaultRetryConfig()
		if rc, ok := requester.(retryConfigurer); ok {
			cfg.Retry = rc.RetryConfig()
		}
	}
	return &Cursor[R]{requester: requester, config: cfg}, nil
}

func (c *Cursor[R]) forget(ctx context.Context, vars map[string]any) {
	if f, ok := c.requester.(Forgetter); ok {
		f.Forget(ctx, c.config.Query, vars)
	}
}

// connection is the shape every paginated connection shares.
type connection struct {
	Nodes    []json.RawMessage `json:"nodes"`
	PageInfo *struct {
		EndCursor   *string `json:"endCursor"`
		HasNextPage *bool   `json:"hasNextPage"`
	} `json:"pageInfo"`
}

// Fetch collects at most total records in server order.
//
// Pages are requested sequentially, each asking for no more than the records
// still missing. A page whose payload lacks the connection shape is requested
// again under the retry policy. The harvest stops when total records are
// collected or the server reports no further page. On success the sink, if any,
// is called once with the result; on failure no records are returned and the
// sink is not called.
func (c *Cursor[R]) Fetch(ctx context.Context, total int) ([]R, error) {
	cfg := c.config
	if total < 1 {
		return nil, fmt.Errorf("%w: total must be at least 1, got %d", client.ErrInvalidArgument, total)
	}
	if cfg.MaxTotal > 0 && total > cfg.MaxTotal {
		return nil, fmt.Errorf("%w: total must be at most %d, got %d", client.ErrInvalidArgument, cfg.MaxTotal, total)
	}

	maxPages := cfg.MaxPages
	if maxPages <= 0 {
		maxPages = (total+cfg.PageSizeCap-1)/cfg.PageSizeCap + extraPages
	}

	limit := rate.Inf
	if cfg.PageDelay > 0 {
		limit = rate.Every(cfg.PageDelay)
	}
	limiter := rate.NewLimiter(limit, 1)

	logger := logging.FromContext(ctx, "cursor").With().Str("source", cfg.Name).Logger()
	start := time.Now()
	logger.Info().Int("total", total).Msg("Starting harvest")

	acc := make([]R, 0, min(total, cfg.PageSizeCap))
	var cursor *string

	for page := 1; len(acc) < total; page++ {
		if page > maxPages {
			return nil, fmt.Errorf("%w: %s exceeded %d pages with %d of %d records", ErrTooManyPages, cfg.Name, maxPages, len(acc), total)
		}

		if err := limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", client.ErrContextCancelled, err)
		}

		pageSize := min(cfg.PageSizeCap, total-len(acc))
		vars := make(map[string]any, len(cfg.Variables)+2)
		for k, v := range cfg.Variables {
			vars[k] = v
		}
		vars[VarPageSize] = pageSize
		if cursor != nil {
			vars[VarAfterCursor] = *cursor
		} else {
			vars[VarAfterCursor] = nil
		}

		var (
			records []R
			nodes   int
			hasNext bool
			next    *string
		)
		// Malformed payloads are retried at page level; request failures were
		// already retried by the requester and node failures are deterministic.
		retryable := false
		err := client.Retry(ctx, cfg.Retry, func(int) error {
			retryable = false
			data, err := c.requester.Query(ctx, cfg.Query, vars)
			if err != nil {
				return err
			}
			pagesTotal.WithLabelValues(cfg.Name).Inc()

			conn, err := extractConnection(data, cfg.ConnectionPath)
			if err != nil {
				retryable = true
				c.forget(ctx, vars)
				return err
			}

			records = records[:0]
			for i, node := range conn.Nodes {
				record, err := cfg.Normalize(node)
				if err != nil {
					return normalizeError(err, page, i)
				}
				if cfg.Filter != nil && !cfg.Filter(record) {
					continue
				}
				records = append(records, record)
			}
			nodes = len(conn.Nodes)
			hasNext = *conn.PageInfo.HasNextPage
			next = conn.PageInfo.EndCursor

			// The cursor only matters when another page will be requested.
			if hasNext && len(acc)+len(records) < total && (next == nil || *next == "") {
				retryable = true
				c.forget(ctx, vars)
				return client.NewShapeError(nil, "page %d of %s has a next page but no end cursor", page, cfg.Name)
			}
			return nil
		}, func(error) client.ErrorClass {
			if retryable {
				return client.ErrorClassPage
			}
			return ""
		})
		if err != nil {
			return nil, err
		}

		acc = append(acc, records...)
		recordsTotal.WithLabelValues(cfg.Name).Add(float64(len(records)))

		logger.Debug().
			Int("page", page).
			Int("page_size", pageSize).
			Int("nodes", nodes).
			Int("kept", len(records)).
			Int("accumulated", len(acc)).
			Bool("has_next_page", hasNext).
			Msg("Page fetched")

		if !hasNext || len(acc) >= total {
			break
		}
		cursor = next
	}

	if len(acc) > total {
		acc = acc[:total]
	}

	if cfg.Sink != nil {
		if err := cfg.Sink.Write(ctx, acc); err != nil {
			return nil, fmt.Errorf("write %s: %w", cfg.Name, err)
		}
	}

	logger.Info().
		Int("records", len(acc)).
		Int("total", total).
		Dur("duration", time.Since(start)).
		Msg("Harvest complete")

	return acc, nil
}

// extractConnection walks path inside data and validates the connection shape.
func extractConnection(data json.RawMessage, path []string) (*connection, error) {
	raw := data
	for i, field := range path {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
			return nil, client.NewShapeError(err, "%s is not an object", strings.Join(path[:i], "."))
		}
		next, ok := obj[field]
		if !ok || isNull(next) {
			return nil, client.NewShapeError(nil, "missing %s", strings.Join(path[:i+1], "."))
		}
		raw = next
	}

	var conn connection
	where := strings.Join(path, ".")
	if err := json.Unmarshal(raw, &conn); err != nil {
		return nil, client.NewShapeError(err, "%s is not a connection", where)
	}
	if conn.Nodes == nil {
		return nil, client.NewShapeError(nil, "missing %s.nodes", where)
	}
	if conn.PageInfo == nil || conn.PageInfo.HasNextPage == nil {
		return nil, client.NewShapeError(nil, "missing %s.pageInfo.hasNextPage", where)
	}
	return &conn, nil
}

func normalizeError(err error, page, index int) error {
	var pe *client.ProtocolError
	if errors.As(err, &pe) {
		return fmt.Errorf("page %d node %d: %w", page, index, err)
	}
	return client.NewShapeError(err, "page %d node %d", page, index)
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
