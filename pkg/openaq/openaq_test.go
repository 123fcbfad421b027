package openaq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Sternrassler/gh-harvest/internal/testutil"
	"github.com/Sternrassler/gh-harvest/pkg/client"
	"github.com/Sternrassler/gh-harvest/pkg/pagination"
)

func newTestClient(t *testing.T, mock *testutil.MockGraphQL) *Client {
	t.Helper()
	cfg := client.DefaultConfig("aq-key", "gh-harvest-test")
	cfg.Endpoint = mock.URL()
	cfg.AuthScheme = client.AuthAPIKey
	cfg.Retry = client.RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
	rest, err := client.New(cfg)
	if err != nil {
		t.Fatalf("client.New() error = %v", err)
	}
	t.Cleanup(func() { rest.Close() })
	return New(rest, Options{Batch: pagination.Config{MaxConcurrency: 3, Timeout: 5 * time.Second, MaxPages: 100}})
}

// listing serves items with the page/limit contract of OpenAQ.
func listing(t *testing.T, items []any, calls *atomic.Int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("X-API-Key") != "aq-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		pageNum, _ := strconv.Atoi(r.URL.Query().Get("page"))
		start := min((pageNum-1)*limit, len(items))
		end := min(start+limit, len(items))
		body, err := json.Marshal(map[string]any{
			"meta":    map[string]any{"found": len(items), "limit": limit, "page": pageNum},
			"results": items[start:end],
		})
		if err != nil {
			t.Errorf("marshal: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
	}
}

func location(id int, name, locality string, sensors ...map[string]any) map[string]any {
	return map[string]any{
		"id":          id,
		"name":        name,
		"locality":    locality,
		"coordinates": map[string]any{"latitude": -23.5, "longitude": -46.6},
		"sensors":     sensors,
	}
}

func sensor(id int, param string) map[string]any {
	return map[string]any{"id": id, "parameter": map[string]any{"name": param, "units": "µg/m³"}}
}

func TestLocations_AllPagesInOrder(t *testing.T) {
	mock := testutil.NewMockGraphQL()
	defer mock.Close()

	var items []any
	for i := 1; i <= 250; i++ {
		items = append(items, location(i, fmt.Sprintf("station-%d", i), ""))
	}
	var calls atomic.Int32
	mock.SetHandler("/locations", listing(t, items, &calls))

	locs, err := newTestClient(t, mock).Locations(context.Background(), BrazilCountryID)
	if err != nil {
		t.Fatalf("Locations() error = %v", err)
	}
	if len(locs) != 250 {
		t.Fatalf("len = %d, want 250", len(locs))
	}
	for i, loc := range locs {
		if loc.ID != i+1 {
			t.Fatalf("locs[%d].ID = %d, want %d", i, loc.ID, i+1)
		}
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestLocations_InvalidCountry(t *testing.T) {
	mock := testutil.NewMockGraphQL()
	defer mock.Close()

	_, err := newTestClient(t, mock).Locations(context.Background(), 0)
	if !errors.Is(err, client.ErrInvalidArgument) {
		t.Errorf("error = %v, want ErrInvalidArgument", err)
	}
}

func TestLocations_PageFailureFailsWhole(t *testing.T) {
	mock := testutil.NewMockGraphQL()
	defer mock.Close()

	mock.SetHandler("/locations", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"meta":{"found":150,"limit":100},"results":[{"id":1}]}`)
	})

	locs, err := newTestClient(t, mock).Locations(context.Background(), BrazilCountryID)
	if err == nil {
		t.Fatal("Locations() error = nil, want failure")
	}
	if locs != nil {
		t.Errorf("Locations() returned %d locations on failure", len(locs))
	}
	if !errors.Is(err, client.ErrRetryExhausted) {
		t.Errorf("error = %v, want ErrRetryExhausted", err)
	}
}

func TestLocations_MalformedBody(t *testing.T) {
	mock := testutil.NewMockGraphQL()
	defer mock.Close()

	mock.SetHandler("/locations", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `not json`)
	})

	_, err := newTestClient(t, mock).Locations(context.Background(), BrazilCountryID)
	var pe *client.ProtocolError
	if !errors.As(err, &pe) || pe.Class != client.ErrorClassShape {
		t.Errorf("error = %v, want shape ProtocolError", err)
	}
}

func TestParseFound(t *testing.T) {
	tests := []struct {
		raw       string
		want      int
		wantExact bool
		wantErr   bool
	}{
		{`42`, 42, true, false},
		{`">1000"`, 1000, false, false},
		{`"17"`, 17, true, false},
		{`null`, 0, false, false},
		{``, 0, false, false},
		{`"many"`, 0, false, true},
		{`{}`, 0, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, exact, err := parseFound(json.RawMessage(tt.raw))
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseFound(%s) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
			}
			if got != tt.want || exact != tt.wantExact {
				t.Errorf("parseFound(%s) = %d, %v; want %d, %v", tt.raw, got, exact, tt.want, tt.wantExact)
			}
		})
	}
}

func TestLocations_LowerBoundFoundReadsEveryPage(t *testing.T) {
	tests := []struct {
		name  string
		found any
		items int
		calls int32
	}{
		{"lower bound below total", ">100", 250, 3},
		{"missing count", nil, 250, 3},
		{"full last page", ">100", 200, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := testutil.NewMockGraphQL()
			defer mock.Close()

			var calls atomic.Int32
			mock.SetHandler("/locations", func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
				pageNum, _ := strconv.Atoi(r.URL.Query().Get("page"))
				start := min((pageNum-1)*limit, tt.items)
				end := min(start+limit, tt.items)
				results := make([]any, 0, end-start)
				for id := start + 1; id <= end; id++ {
					results = append(results, location(id, fmt.Sprintf("station-%d", id), ""))
				}
				body, _ := json.Marshal(map[string]any{
					"meta":    map[string]any{"found": tt.found, "limit": limit, "page": pageNum},
					"results": results,
				})
				w.Write(body)
			})

			locs, err := newTestClient(t, mock).Locations(context.Background(), BrazilCountryID)
			if err != nil {
				t.Fatalf("Locations() error = %v", err)
			}
			if len(locs) != tt.items {
				t.Fatalf("len = %d, want %d", len(locs), tt.items)
			}
			for i, loc := range locs {
				if loc.ID != i+1 {
					t.Fatalf("locs[%d].ID = %d, want %d", i, loc.ID, i+1)
				}
			}
			if got := calls.Load(); got != tt.calls {
				t.Errorf("calls = %d, want %d", got, tt.calls)
			}
		})
	}
}

func TestLocations_LowerBoundHonoursPageCeiling(t *testing.T) {
	mock := testutil.NewMockGraphQL()
	defer mock.Close()

	mock.SetHandler("/locations", func(w http.ResponseWriter, r *http.Request) {
		results := make([]any, 0, locationsLimit)
		for id := 1; id <= locationsLimit; id++ {
			results = append(results, location(id, "station", ""))
		}
		body, _ := json.Marshal(map[string]any{
			"meta":    map[string]any{"found": ">100", "limit": locationsLimit},
			"results": results,
		})
		w.Write(body)
	})

	cfg := client.DefaultConfig("aq-key", "gh-harvest-test")
	cfg.Endpoint = mock.URL()
	cfg.AuthScheme = client.AuthAPIKey
	rest, err := client.New(cfg)
	if err != nil {
		t.Fatalf("client.New() error = %v", err)
	}
	defer rest.Close()
	aq := New(rest, Options{Batch: pagination.Config{MaxConcurrency: 1, Timeout: 5 * time.Second, MaxPages: 4}})

	_, err = aq.Locations(context.Background(), BrazilCountryID)
	if !errors.Is(err, pagination.ErrTooManyPages) {
		t.Errorf("error = %v, want ErrTooManyPages", err)
	}
}

func TestDailyMeasurements(t *testing.T) {
	mock := testutil.NewMockGraphQL()
	defer mock.Close()

	var gotFrom, gotTo string
	mock.SetHandler("/sensors/7/measurements/daily", func(w http.ResponseWriter, r *http.Request) {
		gotFrom = r.URL.Query().Get("datetime_from")
		gotTo = r.URL.Query().Get("datetime_to")
		fmt.Fprint(w, `{"meta":{"found":3,"limit":1000},"results":[
			{"value":12.5,"unit":"µg/m³","datetime":{"utc":"2024-01-01T00:00:00Z","local":"2023-12-31T21:00:00-03:00"}},
			{"value":null,"parameter":{"units":"µg/m³"}},
			{"value":8,"parameter":{"name":"pm25","units":"ppm"},"period":{"datetimeFrom":{"utc":"2024-01-02T00:00:00Z","local":"2024-01-01T21:00:00-03:00"}}}
		]}`)
	})

	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 2)
	daily, err := newTestClient(t, mock).DailyMeasurements(context.Background(), 7, from, to)
	if err != nil {
		t.Fatalf("DailyMeasurements() error = %v", err)
	}

	if gotFrom != "2024-01-01T00:00:00Z" || gotTo != "2024-01-03T00:00:00Z" {
		t.Errorf("range = %s..%s", gotFrom, gotTo)
	}
	if len(daily) != 2 {
		t.Fatalf("len = %d, want 2 (null values dropped)", len(daily))
	}
	if daily[0].Value != 12.5 || daily[0].DateUTC != "2024-01-01T00:00:00Z" || daily[0].Unit != "µg/m³" {
		t.Errorf("daily[0] = %+v", daily[0])
	}
	if daily[1].DateUTC != "2024-01-02T00:00:00Z" || daily[1].Unit != "ppm" || daily[1].SensorID != 7 {
		t.Errorf("daily[1] = %+v", daily[1])
	}
}

func TestDailyMeasurements_Validation(t *testing.T) {
	mock := testutil.NewMockGraphQL()
	defer mock.Close()
	c := newTestClient(t, mock)
	now := time.Now()

	if _, err := c.DailyMeasurements(context.Background(), 0, now.Add(-time.Hour), now); !errors.Is(err, client.ErrInvalidArgument) {
		t.Errorf("sensor 0: error = %v", err)
	}
	if _, err := c.DailyMeasurements(context.Background(), 1, now, now); !errors.Is(err, client.ErrInvalidArgument) {
		t.Errorf("empty range: error = %v", err)
	}
}

func TestFilterCapitals(t *testing.T) {
	locs := []Location{
		{ID: 1, Name: "Estação Centro", Locality: "São Paulo"},
		{ID: 2, Name: "Interior", Locality: "Campinas"},
		{ID: 3, Name: "CURITIBA - Boqueirão"},
		{ID: 4, Name: "Porto Alegre Norte", Locality: "Canoas"},
	}

	got := FilterCapitals(locs, Capitals)
	var ids []int
	for _, l := range got {
		ids = append(ids, l.ID)
	}
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 3 {
		t.Errorf("FilterCapitals() ids = %v, want [1 3]", ids)
	}
}

func TestMeasurement_Row(t *testing.T) {
	m := Measurement{
		LocationID: 3, LocationName: "A", City: "Recife", Latitude: -8.05, Longitude: -34.9,
		SensorID: 9, Parameter: "pm10", Value: 21.25, Unit: "µg/m³",
		DateUTC: "2024-01-01T00:00:00Z", DateLocal: "2023-12-31T21:00:00-03:00",
	}
	row := m.Row()
	if len(row) != len(m.Header()) {
		t.Fatalf("row has %d columns, header %d", len(row), len(m.Header()))
	}
	if row[3] != "-8.05" || row[7] != "21.25" {
		t.Errorf("row = %v", row)
	}
	if m.Key() != "9@2024-01-01T00:00:00Z" {
		t.Errorf("Key() = %q", m.Key())
	}
}
