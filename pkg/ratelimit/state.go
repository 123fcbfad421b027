// Package ratelimit tracks the GitHub API quota reported through the
// X-RateLimit-Remaining and X-RateLimit-Reset headers and gates requests
// before the quota runs dry.
package ratelimit

import (
	"time"
)

// Redis keys for rate limit state storage.
const (
	RedisKeyRemaining      = "ghh:rate_limit:remaining"
	RedisKeyLimit          = "ghh:rate_limit:limit"
	RedisKeyResetTimestamp = "ghh:rate_limit:reset_timestamp"
	RedisKeyLastUpdate     = "ghh:rate_limit:last_update"
)

// Thresholds for rate limit decisions, in remaining quota points.
const (
	// ThresholdCritical blocks requests until the window resets.
	ThresholdCritical = 10

	// ThresholdWarning applies throttling to slow down quota consumption.
	ThresholdWarning = 100

	// ThresholdHealthy indicates normal operation.
	ThresholdHealthy = 1000
)

// RateLimitState represents the current quota state.
// It may be shared between concurrent harvests through a Redis store.
type RateLimitState struct {
	// Remaining is the quota left in the current window (X-RateLimit-Remaining).
	Remaining int `json:"remaining"`

	// Limit is the size of the window (X-RateLimit-Limit).
	Limit int `json:"limit"`

	// ResetAt is when the window resets (X-RateLimit-Reset, epoch seconds).
	ResetAt time.Time `json:"reset_at"`

	// LastUpdate is when this state was last refreshed from headers.
	LastUpdate time.Time `json:"last_update"`

	// IsHealthy is true when Remaining >= ThresholdHealthy.
	IsHealthy bool `json:"is_healthy"`
}

// defaultState is assumed until the first response carries quota headers.
func defaultState() *RateLimitState {
	return &RateLimitState{
		Remaining:  5000,
		Limit:      5000,
		ResetAt:    time.Now().Add(time.Hour),
		LastUpdate: time.Now(),
		IsHealthy:  true,
	}
}

// IsStale returns true if the state data is older than the given duration.
func (s *RateLimitState) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}

// NeedsCriticalBlock returns true if requests should wait for the window reset.
// A window that has already reset never blocks.
func (s *RateLimitState) NeedsCriticalBlock() bool {
	return s.Remaining < ThresholdCritical && s.TimeUntilReset() > 0
}

// NeedsThrottling returns true if requests should be slowed down.
func (s *RateLimitState) NeedsThrottling() bool {
	return s.Remaining < ThresholdWarning && !s.NeedsCriticalBlock() && s.TimeUntilReset() > 0
}

// TimeUntilReset returns the duration until the window resets, or 0 if it passed.
func (s *RateLimitState) TimeUntilReset() time.Duration {
	duration := time.Until(s.ResetAt)
	if duration < 0 {
		return 0
	}
	return duration
}

// UpdateHealth updates the IsHealthy field based on current Remaining.
func (s *RateLimitState) UpdateHealth() {
	s.IsHealthy = s.Remaining >= ThresholdHealthy
}
