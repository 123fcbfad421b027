package openaq

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/gh-harvest/pkg/client"
	"github.com/Sternrassler/gh-harvest/pkg/logging"
	"github.com/Sternrassler/gh-harvest/pkg/pagination"
)

const (
	// DefaultEndpoint is the OpenAQ v3 base URL.
	DefaultEndpoint = "https://api.openaq.org/v3"

	// BrazilCountryID is OpenAQ's identifier for Brazil.
	BrazilCountryID = 45

	locationsLimit    = 100
	measurementsLimit = 1000
)

// Getter performs one REST GET. *client.Client implements it.
type Getter interface {
	Get(ctx context.Context, path string, params url.Values) ([]byte, error)
}

// Options configures a Client.
type Options struct {
	// Batch configures the parallel page fetcher (zero value selects pagination.DefaultConfig).
	Batch pagination.Config

	// SensorDelay separates consecutive per-sensor requests in Harvest.
	SensorDelay time.Duration
}

// Client reads locations and measurements.
type Client struct {
	getter Getter
	opts   Options
}

// New creates a Client.
func New(getter Getter, opts Options) *Client {
	if opts.Batch == (pagination.Config{}) {
		opts.Batch = pagination.DefaultConfig()
	}
	if opts.Batch.Timeout <= 0 {
		opts.Batch.Timeout = pagination.DefaultConfig().Timeout
	}
	if opts.SensorDelay < 0 {
		opts.SensorDelay = 0
	}
	return &Client{getter: getter, opts: opts}
}

// Location is a monitoring station.
type Location struct {
	ID          int         `json:"id"`
	Name        string      `json:"name"`
	Locality    string      `json:"locality"`
	Coordinates Coordinates `json:"coordinates"`
	Sensors     []Sensor    `json:"sensors"`
}

// City returns the locality, falling back to the station name.
func (l Location) City() string {
	if l.Locality != "" {
		return l.Locality
	}
	return l.Name
}

// Coordinates of a location.
type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Sensor measures one parameter at a location.
type Sensor struct {
	ID        int       `json:"id"`
	Parameter Parameter `json:"parameter"`
}

// Parameter names a measured quantity, e.g. "pm25".
type Parameter struct {
	Name  string `json:"name"`
	Units string `json:"units"`
}

// Daily is one daily aggregate of a sensor.
type Daily struct {
	SensorID  int
	Value     float64
	Unit      string
	DateUTC   string
	DateLocal string
}

type pageMeta struct {
	Found json.RawMessage `json:"found"`
	Limit int             `json:"limit"`
}

type page[T any] struct {
	Meta    pageMeta `json:"meta"`
	Results []T      `json:"results"`
}

type timestamp struct {
	UTC   string `json:"utc"`
	Local string `json:"local"`
}

type dailyResult struct {
	Value     *float64   `json:"value"`
	Unit      string     `json:"unit"`
	Parameter Parameter  `json:"parameter"`
	Datetime  *timestamp `json:"datetime"`
	Period    struct {
		DatetimeFrom timestamp `json:"datetimeFrom"`
	} `json:"period"`
}

// Locations returns every location of a country.
func (c *Client) Locations(ctx context.Context, countryID int) ([]Location, error) {
	if countryID <= 0 {
		return nil, fmt.Errorf("%w: country id must be positive, got %d", client.ErrInvalidArgument, countryID)
	}
	params := url.Values{"countries_id": {strconv.Itoa(countryID)}}
	return fetchAll[Location](ctx, c, "locations", params, locationsLimit)
}

// DailyMeasurements returns the daily aggregates of a sensor between from and to.
func (c *Client) DailyMeasurements(ctx context.Context, sensorID int, from, to time.Time) ([]Daily, error) {
	if sensorID <= 0 {
		return nil, fmt.Errorf("%w: sensor id must be positive, got %d", client.ErrInvalidArgument, sensorID)
	}
	if !from.Before(to) {
		return nil, fmt.Errorf("%w: empty time range %s..%s", client.ErrInvalidArgument, from, to)
	}

	params := url.Values{
		"datetime_from": {formatTime(from)},
		"datetime_to":   {formatTime(to)},
	}
	path := fmt.Sprintf("sensors/%d/measurements/daily", sensorID)
	results, err := fetchAll[dailyResult](ctx, c, path, params, measurementsLimit)
	if err != nil {
		return nil, err
	}

	out := make([]Daily, 0, len(results))
	for _, r := range results {
		if r.Value == nil {
			continue
		}
		d := Daily{SensorID: sensorID, Value: *r.Value, Unit: r.Unit}
		if d.Unit == "" {
			d.Unit = r.Parameter.Units
		}
		if r.Datetime != nil {
			d.DateUTC, d.DateLocal = r.Datetime.UTC, r.Datetime.Local
		} else {
			d.DateUTC, d.DateLocal = r.Period.DatetimeFrom.UTC, r.Period.DatetimeFrom.Local
		}
		out = append(out, d)
	}
	return out, nil
}

// fetchAll pages through a listing and concatenates the results in page order.
//
// An exact meta.found fixes the page count, and the remaining pages are fetched
// in parallel. A lower bound such as ">1000" or a missing count does not, so
// pages are then read one after another until a short page.
func fetchAll[T any](ctx context.Context, c *Client, path string, params url.Values, limit int) ([]T, error) {
	getPage := func(ctx context.Context, pageNum int) ([]byte, *page[T], error) {
		q := url.Values{}
		for k, v := range params {
			q[k] = v
		}
		q.Set("limit", strconv.Itoa(limit))
		q.Set("page", strconv.Itoa(pageNum))

		body, err := c.getter.Get(ctx, path, q)
		if err != nil {
			return nil, nil, err
		}
		var p page[T]
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, nil, client.NewShapeError(err, "%s page %d is not a listing", path, pageNum)
		}
		return body, &p, nil
	}

	firstCtx, cancel := context.WithTimeout(ctx, c.opts.Batch.Timeout)
	firstBody, first, err := getPage(firstCtx, 1)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("fetch first page: %w", err)
	}

	found, exact, err := parseFound(first.Meta.Found)
	if err != nil {
		return nil, client.NewShapeError(err, "%s page 1 meta.found", path)
	}
	perPage := first.Meta.Limit
	if perPage <= 0 {
		perPage = limit
	}

	if !exact {
		return readUntilShort(ctx, c, path, first, perPage, getPage)
	}

	totalPages := (found + perPage - 1) / perPage
	fetcher := pagination.PageFetcherFunc(func(ctx context.Context, _ string, pageNum int) ([]byte, int, error) {
		if pageNum == 1 {
			return firstBody, totalPages, nil
		}
		body, _, err := getPage(ctx, pageNum)
		return body, totalPages, err
	})

	pages, err := pagination.NewBatchFetcher(fetcher, c.opts.Batch).FetchAllPages(ctx, path)
	if err != nil {
		return nil, err
	}

	var out []T
	for i, body := range pages {
		var p page[T]
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, client.NewShapeError(err, "%s page %d results", path, i+1)
		}
		out = append(out, p.Results...)
	}
	return out, nil
}

// readUntilShort continues a listing of unknown size after its first page.
func readUntilShort[T any](
	ctx context.Context,
	c *Client,
	path string,
	first *page[T],
	perPage int,
	getPage func(context.Context, int) ([]byte, *page[T], error),
) ([]T, error) {
	logger := logging.FromContext(ctx, "openaq")
	logger.Debug().Str("endpoint", path).Msg("Listing size unknown, reading pages sequentially")

	out := append([]T(nil), first.Results...)
	last := len(first.Results)
	for pageNum := 2; last >= perPage; pageNum++ {
		if maxPages := c.opts.Batch.MaxPages; maxPages > 0 && pageNum > maxPages {
			return nil, fmt.Errorf("%w: %s exceeded %d pages", pagination.ErrTooManyPages, path, maxPages)
		}
		pageCtx, cancel := context.WithTimeout(ctx, c.opts.Batch.Timeout)
		_, p, err := getPage(pageCtx, pageNum)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("fetch page %d: %w", pageNum, err)
		}
		out = append(out, p.Results...)
		last = len(p.Results)
	}
	return out, nil
}

// parseFound reads meta.found. It is exact when it is a number; a lower bound
// such as ">1000" or a missing value is not.
func parseFound(raw json.RawMessage) (int, bool, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false, nil
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, true, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false, err
	}
	s = strings.TrimSpace(s)
	bound := strings.HasPrefix(s, ">")
	n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(s, ">")))
	if err != nil {
		return 0, false, err
	}
	return n, !bound, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}
