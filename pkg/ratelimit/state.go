// Package ratelimit tracks the App Store Connect request quota.
// It reads the X-Rate-Limit response header ("user-hour-lim:3600;user-hour-rem:3598;")
// and keeps the latest state in memory or, when configured, in Redis so that
// several tools sharing one API key see the same numbers.
package ratelimit

import (
	"time"
)

// HeaderName is the response header carrying the quota.
const HeaderName = "X-Rate-Limit"

// Redis keys for rate limit state storage.
const (
	RedisKeyLimit      = "asc:rate_limit:limit"
	RedisKeyRemaining  = "asc:rate_limit:remaining"
	RedisKeyLastUpdate = "asc:rate_limit:last_update"
)

// Thresholds on the share of the hourly quota still available.
const (
	// ThresholdCritical marks the quota as nearly exhausted.
	ThresholdCritical = 0.02

	// ThresholdWarning marks the quota as running low.
	ThresholdWarning = 0.10
)

// RateLimitState is the most recently observed request quota.
type RateLimitState struct {
	// Limit is the number of requests allowed per hour (user-hour-lim).
	Limit int `json:"limit"`

	// Remaining is the number of requests left in the current hour (user-hour-rem).
	Remaining int `json:"remaining"`

	// LastUpdate is when the state was taken from a response.
	LastUpdate time.Time `json:"last_update"`

	// IsHealthy is true while the remaining share is at or above ThresholdWarning.
	IsHealthy bool `json:"is_healthy"`
}

// IsStale returns true if the state data is older than the given duration.
func (s *RateLimitState) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}

// RemainingRatio returns the share of the quota still available.
// An unknown limit counts as fully available.
func (s *RateLimitState) RemainingRatio() float64 {
	if s.Limit <= 0 {
		return 1
	}
	return float64(s.Remaining) / float64(s.Limit)
}

// IsCritical returns true if the quota is nearly exhausted.
func (s *RateLimitState) IsCritical() bool {
	return s.RemainingRatio() < ThresholdCritical
}

// IsLow returns true if the quota is running low but not yet critical.
func (s *RateLimitState) IsLow() bool {
	return s.RemainingRatio() < ThresholdWarning && !s.IsCritical()
}

// UpdateHealth updates the IsHealthy field based on the remaining share.
func (s *RateLimitState) UpdateHealth() {
	s.IsHealthy = s.RemainingRatio() >= ThresholdWarning
}
