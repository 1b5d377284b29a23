package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Prometheus metrics for rate limit tracking.
var (
	ascRateLimitRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "asc_rate_limit_remaining",
		Help: "Requests remaining in the current App Store Connect hourly quota",
	})

	ascRateLimitLimit = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "asc_rate_limit_limit",
		Help: "App Store Connect hourly request quota",
	})

	ascRateLimitWarningsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asc_rate_limit_warnings_total",
		Help: "Total number of responses reporting a low or critical quota",
	}, []string{"level"})
)

// ErrMissingRemaining is returned for headers without a user-hour-rem entry.
var ErrMissingRemaining = errors.New("rate limit header has no user-hour-rem entry")

// Tracker records the request quota reported by App Store Connect.
// A nil Redis client keeps state in memory.
type Tracker struct {
	redis  *redis.Client
	logger zerolog.Logger

	mu    sync.RWMutex
	state *RateLimitState
}

// NewTracker creates a new rate limit tracker.
func NewTracker(redisClient *redis.Client, logger zerolog.Logger) *Tracker {
	return &Tracker{
		redis:  redisClient,
		logger: logger,
	}
}

// ParseHeader parses an X-Rate-Limit header value.
func ParseHeader(value string) (limit, remaining int, err error) {
	foundRemaining := false
	for _, part := range strings.Split(value, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, raw, ok := strings.Cut(part, ":")
		if !ok {
			return 0, 0, fmt.Errorf("parse %s entry %q: missing ':'", HeaderName, part)
		}
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return 0, 0, fmt.Errorf("parse %s entry %q: %w", HeaderName, part, err)
		}
		switch strings.TrimSpace(name) {
		case "user-hour-lim":
			limit = n
		case "user-hour-rem":
			remaining = n
			foundRemaining = true
		}
	}
	if !foundRemaining {
		return 0, 0, ErrMissingRemaining
	}
	return limit, remaining, nil
}

// GetState returns the latest observed state.
// Returns a default healthy state if nothing has been observed yet.
func (t *Tracker) GetState(ctx context.Context) (*RateLimitState, error) {
	if t.redis == nil {
		t.mu.RLock()
		defer t.mu.RUnlock()
		if t.state == nil {
			return defaultState(), nil
		}
		state := *t.state
		return &state, nil
	}

	limit, err := t.redis.Get(ctx, RedisKeyLimit).Int()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("get limit: %w", err)
	}

	remaining, err := t.redis.Get(ctx, RedisKeyRemaining).Int()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("get remaining: %w", err)
	}
	if err == redis.Nil {
		t.logger.Debug().Msg("No rate limit state in Redis, returning default healthy state")
		return defaultState(), nil
	}

	lastUpdateStr, err := t.redis.Get(ctx, RedisKeyLastUpdate).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("get last update: %w", err)
	}

	var lastUpdate time.Time
	if lastUpdateStr != "" {
		if err := json.Unmarshal([]byte(lastUpdateStr), &lastUpdate); err != nil {
			return nil, fmt.Errorf("parse last update: %w", err)
		}
	}

	state := &RateLimitState{
		Limit:      limit,
		Remaining:  remaining,
		LastUpdate: lastUpdate,
	}
	state.UpdateHealth()

	return state, nil
}

// UpdateFromHeaders records the quota reported in response headers.
// Responses without the header are ignored.
func (t *Tracker) UpdateFromHeaders(ctx context.Context, headers http.Header) error {
	value := headers.Get(HeaderName)
	if value == "" {
		return nil
	}

	limit, remaining, err := ParseHeader(value)
	if err != nil {
		return err
	}

	state := &RateLimitState{
		Limit:      limit,
		Remaining:  remaining,
		LastUpdate: time.Now(),
	}
	state.UpdateHealth()

	if err := t.store(ctx, state); err != nil {
		return err
	}

	ascRateLimitRemaining.Set(float64(remaining))
	ascRateLimitLimit.Set(float64(limit))

	switch {
	case state.IsCritical():
		ascRateLimitWarningsTotal.WithLabelValues("critical").Inc()
		t.logger.Error().
			Int("remaining", remaining).
			Int("limit", limit).
			Msg("App Store Connect request quota nearly exhausted")
	case state.IsLow():
		ascRateLimitWarningsTotal.WithLabelValues("low").Inc()
		t.logger.Warn().
			Int("remaining", remaining).
			Int("limit", limit).
			Msg("App Store Connect request quota running low")
	default:
		t.logger.Debug().
			Int("remaining", remaining).
			Int("limit", limit).
			Msg("Rate limit state updated")
	}

	return nil
}

func (t *Tracker) store(ctx context.Context, state *RateLimitState) error {
	if t.redis == nil {
		t.mu.Lock()
		t.state = state
		t.mu.Unlock()
		return nil
	}

	lastUpdateJSON, err := json.Marshal(state.LastUpdate)
	if err != nil {
		return fmt.Errorf("marshal last update: %w", err)
	}

	pipe := t.redis.Pipeline()
	pipe.Set(ctx, RedisKeyLimit, state.Limit, 0)
	pipe.Set(ctx, RedisKeyRemaining, state.Remaining, 0)
	pipe.Set(ctx, RedisKeyLastUpdate, lastUpdateJSON, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store rate limit state in redis: %w", err)
	}
	return nil
}

func defaultState() *RateLimitState {
	return &RateLimitState{
		Limit:      0,
		Remaining:  0,
		LastUpdate: time.Time{},
		IsHealthy:  true,
	}
}
