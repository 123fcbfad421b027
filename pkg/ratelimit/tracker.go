package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for rate limit tracking.
var (
	quotaRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "harvest_rate_limit_remaining",
		Help: "Quota points remaining in the current GitHub rate limit window",
	})

	rateLimitBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvest_rate_limit_blocks_total",
		Help: "Total number of requests held until the rate limit window reset",
	})

	rateLimitThrottlesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvest_rate_limit_throttles_total",
		Help: "Total number of requests throttled due to low remaining quota",
	})
)

// ErrQuotaExhausted is returned when the quota is gone and the reset is further
// away than the tracker is willing to wait.
var ErrQuotaExhausted = errors.New("rate limit quota exhausted")

// Header names used by the GitHub API.
const (
	HeaderRemaining = "X-RateLimit-Remaining"
	HeaderLimit     = "X-RateLimit-Limit"
	HeaderReset     = "X-RateLimit-Reset"
)

// Tracker monitors the API quota and gates requests.
type Tracker struct {
	store         Store
	logger        zerolog.Logger
	maxWait       time.Duration
	throttleDelay time.Duration
}

// NewTracker creates a new rate limit tracker.
func NewTracker(store Store, logger zerolog.Logger) *Tracker {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Tracker{
		store:         store,
		logger:        logger,
		maxWait:       15 * time.Minute,
		throttleDelay: time.Second,
	}
}

// WithMaxWait sets how long Wait may hold a request for a window reset.
func (t *Tracker) WithMaxWait(d time.Duration) *Tracker {
	t.maxWait = d
	return t
}

// WithThrottleDelay sets the pause applied in the warning band.
func (t *Tracker) WithThrottleDelay(d time.Duration) *Tracker {
	t.throttleDelay = d
	return t
}

// GetState returns the stored state, or a default healthy state if none exists.
func (t *Tracker) GetState(ctx context.Context) (*RateLimitState, error) {
	state, err := t.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	if state == nil {
		t.logger.Debug().Msg("No rate limit state stored, returning default healthy state")
		return defaultState(), nil
	}
	return state, nil
}

// UpdateFromHeaders parses the quota headers of a response and stores the new state.
// Responses without quota headers are ignored.
func (t *Tracker) UpdateFromHeaders(ctx context.Context, headers http.Header) error {
	remainStr := headers.Get(HeaderRemaining)
	if remainStr == "" {
		return nil
	}

	remain, err := parseIntHeader(remainStr)
	if err != nil {
		return fmt.Errorf("parse %s header: %w", HeaderRemaining, err)
	}

	resetStr := headers.Get(HeaderReset)
	if resetStr == "" {
		return fmt.Errorf("%s header missing", HeaderReset)
	}
	resetEpoch, err := parseIntHeader(resetStr)
	if err != nil {
		return fmt.Errorf("parse %s header: %w", HeaderReset, err)
	}

	limit := 0
	if limitStr := headers.Get(HeaderLimit); limitStr != "" {
		if limit, err = parseIntHeader(limitStr); err != nil {
			return fmt.Errorf("parse %s header: %w", HeaderLimit, err)
		}
	}

	state := &RateLimitState{
		Remaining:  remain,
		Limit:      limit,
		ResetAt:    time.Unix(int64(resetEpoch), 0),
		LastUpdate: time.Now(),
	}
	state.UpdateHealth()

	if err := t.store.Save(ctx, state); err != nil {
		return err
	}

	quotaRemaining.Set(float64(remain))

	switch {
	case state.NeedsCriticalBlock():
		t.logger.Error().
			Int("remaining", remain).
			Time("reset_at", state.ResetAt).
			Msg("Rate limit CRITICAL - requests will wait for reset")
	case state.NeedsThrottling():
		t.logger.Warn().
			Int("remaining", remain).
			Time("reset_at", state.ResetAt).
			Msg("Rate limit WARNING - requests will be throttled")
	default:
		t.logger.Debug().
			Int("remaining", remain).
			Time("reset_at", state.ResetAt).
			Bool("is_healthy", state.IsHealthy).
			Msg("Rate limit state updated")
	}

	return nil
}

// Wait blocks until a request may be sent. In the critical band it waits for
// the window reset (bounded by the max wait), in the warning band it pauses
// for the throttle delay.
func (t *Tracker) Wait(ctx context.Context) error {
	state, err := t.GetState(ctx)
	if err != nil {
		return fmt.Errorf("get rate limit state: %w", err)
	}

	var pause time.Duration
	switch {
	case state.NeedsCriticalBlock():
		pause = state.TimeUntilReset()
		if pause > t.maxWait {
			rateLimitBlocksTotal.Inc()
			return fmt.Errorf("%w: %d remaining, reset in %s", ErrQuotaExhausted, state.Remaining, pause.Round(time.Second))
		}
		t.logger.Warn().
			Int("remaining", state.Remaining).
			Dur("wait_duration", pause).
			Msg("Rate limit critical - waiting for reset")
		rateLimitBlocksTotal.Inc()
	case state.NeedsThrottling():
		pause = t.throttleDelay
		t.logger.Warn().
			Int("remaining", state.Remaining).
			Msg("Rate limit warning - throttling request")
		rateLimitThrottlesTotal.Inc()
	default:
		return nil
	}

	timer := time.NewTimer(pause)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func parseIntHeader(value string) (int, error) {
	return strconv.Atoi(value)
}
