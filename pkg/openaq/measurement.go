package openaq

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/gh-harvest/pkg/client"
	"github.com/Sternrassler/gh-harvest/pkg/logging"
	"github.com/Sternrassler/gh-harvest/pkg/pagination"
	"golang.org/x/time/rate"
)

// TargetParameters are the pollutants harvested by Harvest.
var TargetParameters = []string{"pm25", "pm10"}

// DefaultDays is the look-back window of Harvest.
const DefaultDays = 180

// Measurement is one daily value flattened with its location.
type Measurement struct {
	LocationID   int
	LocationName string
	City         string
	Latitude     float64
	Longitude    float64
	SensorID     int
	Parameter    string
	Value        float64
	Unit         string
	DateUTC      string
	DateLocal    string
}

// MeasurementHeader lists the CSV columns of a Measurement.
var MeasurementHeader = []string{
	"location_id", "location_name", "city", "latitude", "longitude",
	"sensor_id", "parameter", "value", "unit", "date_utc", "date_local",
}

// Key identifies the measurement by sensor and day.
func (m Measurement) Key() string {
	return strconv.Itoa(m.SensorID) + "@" + m.DateUTC
}

// Header implements export.Record.
func (Measurement) Header() []string {
	return MeasurementHeader
}

// Row implements export.Record.
func (m Measurement) Row() []string {
	return []string{
		strconv.Itoa(m.LocationID),
		m.LocationName,
		m.City,
		strconv.FormatFloat(m.Latitude, 'f', -1, 64),
		strconv.FormatFloat(m.Longitude, 'f', -1, 64),
		strconv.Itoa(m.SensorID),
		m.Parameter,
		strconv.FormatFloat(m.Value, 'f', -1, 64),
		m.Unit,
		m.DateUTC,
		m.DateLocal,
	}
}

// HarvestOptions configures Harvest.
type HarvestOptions struct {
	// CountryID defaults to BrazilCountryID.
	CountryID int

	// Days is the look-back window (default DefaultDays).
	Days int

	// MaxLocations limits the capital locations visited (0 = all).
	MaxLocations int

	// Capitals overrides the city list used to select locations.
	Capitals []string

	// Now is the end of the window (default time.Now).
	Now func() time.Time

	// Sink receives the result once.
	Sink pagination.Sink[Measurement]
}

// Harvest collects the daily PM2.5 and PM10 values of every capital location.
//
// A sensor whose measurements cannot be fetched is logged and skipped; the
// harvest itself fails only on location listing errors, cancellation or a sink error.
func (c *Client) Harvest(ctx context.Context, opts HarvestOptions) ([]Measurement, error) {
	if opts.CountryID == 0 {
		opts.CountryID = BrazilCountryID
	}
	if opts.Days <= 0 {
		opts.Days = DefaultDays
	}
	if opts.Capitals == nil {
		opts.Capitals = Capitals
	}
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	to := now().UTC()
	from := to.AddDate(0, 0, -opts.Days)

	logger := logging.FromContext(ctx, "openaq")
	start := time.Now()

	locations, err := c.Locations(ctx, opts.CountryID)
	if err != nil {
		return nil, fmt.Errorf("list locations: %w", err)
	}
	selected := FilterCapitals(locations, opts.Capitals)
	if opts.MaxLocations > 0 && len(selected) > opts.MaxLocations {
		selected = selected[:opts.MaxLocations]
	}
	logger.Info().
		Int("locations", len(locations)).
		Int("capital_locations", len(selected)).
		Str("from", formatTime(from)).
		Str("to", formatTime(to)).
		Msg("Collecting measurements")

	limit := rate.Inf
	if c.opts.SensorDelay > 0 {
		limit = rate.Every(c.opts.SensorDelay)
	}
	limiter := rate.NewLimiter(limit, 1)

	var out []Measurement
	skipped := 0
	for _, loc := range selected {
		for _, sensor := range loc.Sensors {
			param := strings.ToLower(sensor.Parameter.Name)
			if !isTarget(param) {
				continue
			}
			if err := limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("%w: %v", client.ErrContextCancelled, err)
			}

			daily, err := c.DailyMeasurements(ctx, sensor.ID, from, to)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, client.ErrContextCancelled) {
					return nil, err
				}
				skipped++
				logger.Warn().Err(err).Int("sensor_id", sensor.ID).Int("location_id", loc.ID).Msg("Skipping sensor")
				continue
			}

			for _, d := range daily {
				unit := d.Unit
				if unit == "" {
					unit = sensor.Parameter.Units
				}
				out = append(out, Measurement{
					LocationID:   loc.ID,
					LocationName: loc.Name,
					City:         loc.City(),
					Latitude:     loc.Coordinates.Latitude,
					Longitude:    loc.Coordinates.Longitude,
					SensorID:     sensor.ID,
					Parameter:    param,
					Value:        d.Value,
					Unit:         unit,
					DateUTC:      d.DateUTC,
					DateLocal:    d.DateLocal,
				})
			}
		}
	}

	if opts.Sink != nil {
		if err := opts.Sink.Write(ctx, out); err != nil {
			return nil, fmt.Errorf("write measurements: %w", err)
		}
	}

	logger.Info().
		Int("measurements", len(out)).
		Int("skipped_sensors", skipped).
		Dur("duration", time.Since(start)).
		Msg("Harvest complete")
	return out, nil
}

func isTarget(param string) bool {
	for _, p := range TargetParameters {
		if p == param {
			return true
		}
	}
	return false
}
