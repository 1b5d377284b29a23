// Package session executes authenticated App Store Connect requests.
//
// Every request gets a freshly computed Authorization header. Responses are
// classified by a RetryBudget: 401 responses revoke the credential and are
// retried, 5xx responses are retried as is, and everything else that is not
// 2xx becomes an *APIError immediately. Retries happen without delay.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/asc-client/internal/audit"
	"github.com/Sternrassler/asc-client/pkg/cache"
	"github.com/Sternrassler/asc-client/pkg/logging"
	"github.com/Sternrassler/asc-client/pkg/query"
	"github.com/Sternrassler/asc-client/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for session requests.
var (
	ascRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asc_requests_total",
		Help: "Total App Store Connect requests by method and status",
	}, []string{"method", "status"})

	ascRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "asc_request_duration_seconds",
		Help:    "App Store Connect request duration in seconds by method",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"method"})

	ascErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asc_errors_total",
		Help: "Total failed App Store Connect responses by class",
	}, []string{"class"})
)

// HeaderFactory returns the authentication headers for the next attempt.
type HeaderFactory func(ctx context.Context) (http.Header, error)

// RevokeFunc discards the credential behind the current headers.
type RevokeFunc func(ctx context.Context) error

// Config holds the session configuration.
type Config struct {
	// AuthHeaders is called before every attempt (REQUIRED).
	AuthHeaders HeaderFactory

	// RevokeAuth is called for every 401 response.
	RevokeAuth RevokeFunc

	// UnauthorizedRetries is the number of attempts allowed to end in 401.
	UnauthorizedRetries int

	// ServerErrorRetries is the number of attempts allowed to end in 5xx.
	ServerErrorRetries int

	// LogRequests logs every request and response at info level.
	LogRequests bool

	// BaseURL is prepended to relative request URLs.
	BaseURL string

	// UserAgent is sent with every request.
	UserAgent string

	// HTTPClient overrides the default client.
	HTTPClient *http.Client

	// Timeout applies to the default client.
	Timeout time.Duration

	// NetworkRetries retries transport errors with backoff (0 disables).
	NetworkRetries      int
	NetworkRetryWaitMin time.Duration
	NetworkRetryWaitMax time.Duration

	// Cache stores GET responses of requests that opt in.
	Cache cache.Store

	// RateLimit records the quota headers of every response.
	RateLimit *ratelimit.Tracker

	// Auditor saves every failed exchange.
	Auditor *audit.Auditor
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(authHeaders HeaderFactory) Config {
	return Config{
		AuthHeaders:         authHeaders,
		UnauthorizedRetries: 1,
		ServerErrorRetries:  1,
		UserAgent:           "asc-client/0.1.0",
		Timeout:             60 * time.Second,
		NetworkRetryWaitMin: defaultNetworkRetryWaitMin,
		NetworkRetryWaitMax: defaultNetworkRetryWaitMax,
	}
}

// Request describes one logical API call.
type Request struct {
	Method string

	// URL is absolute or relative to Config.BaseURL.
	URL string

	// Params are appended to the URL query; nil values are dropped.
	Params query.Params

	// Body is sent as JSON. []byte and json.RawMessage are sent unchanged.
	Body any

	// Header is merged below the authentication headers.
	Header http.Header

	// UseCache serves and stores GET responses through Config.Cache.
	UseCache bool
}

// Response is a successful response with its body fully read.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte

	// FromCache is set when the response was served from the cache.
	FromCache bool
}

// JSON decodes the response body into v.
func (r *Response) JSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Session executes authenticated requests. It is safe for concurrent use.
type Session struct {
	httpClient  *http.Client
	authHeaders HeaderFactory
	revokeAuth  RevokeFunc
	cache       cache.Store
	rateLimiter *ratelimit.Tracker
	auditor     *audit.Auditor
	config      Config
	logger      zerolog.Logger
}

// New creates a new session.
func New(cfg Config) (*Session, error) {
	if cfg.AuthHeaders == nil {
		return nil, fmt.Errorf("auth header factory is required")
	}
	if cfg.UnauthorizedRetries < 0 {
		return nil, fmt.Errorf("unauthorized_retries must be >= 0 (got %d)", cfg.UnauthorizedRetries)
	}
	if cfg.ServerErrorRetries < 0 {
		return nil, fmt.Errorf("server_error_retries must be >= 0 (got %d)", cfg.ServerErrorRetries)
	}
	if cfg.BaseURL != "" {
		if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
			return nil, fmt.Errorf("%w: base url: %v", ErrInvalidURL, err)
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.NetworkRetryWaitMin <= 0 {
		cfg.NetworkRetryWaitMin = defaultNetworkRetryWaitMin
	}
	if cfg.NetworkRetryWaitMax < cfg.NetworkRetryWaitMin {
		cfg.NetworkRetryWaitMax = max(defaultNetworkRetryWaitMax, cfg.NetworkRetryWaitMin)
	}

	revoke := cfg.RevokeAuth
	if revoke == nil {
		revoke = func(context.Context) error { return nil }
	}

	logger := logging.NewLogger("asc-session")

	return &Session{
		httpClient:  newHTTPClient(cfg, logger),
		authHeaders: cfg.AuthHeaders,
		revokeAuth:  revoke,
		cache:       cfg.Cache,
		rateLimiter: cfg.RateLimit,
		auditor:     cfg.Auditor,
		config:      cfg,
		logger:      logger,
	}, nil
}

// Do executes req, retrying 401 and 5xx responses within the configured budgets.
// Errors from the header factory are returned unchanged.
func (s *Session) Do(ctx context.Context, req *Request) (*Response, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	target, err := s.resolve(req.URL)
	if err != nil {
		return nil, err
	}
	params := req.Params.Values()

	var cacheKey cache.Key
	cacheable := req.UseCache && s.cache != nil && method == http.MethodGet
	if cacheable {
		cacheKey = cache.Key{URL: target, Params: params}
		entry, err := s.cache.Get(ctx, cacheKey)
		if err == nil {
			s.logger.Debug().Str("url", target).Msg("Serving response from cache")
			return &Response{
				StatusCode: entry.StatusCode,
				Header:     entry.Header,
				Body:       entry.Body,
				FromCache:  true,
			}, nil
		}
		if err != cache.ErrCacheMiss {
			s.logger.Warn().Err(err).Str("url", target).Msg("Cache get error")
		}
	}

	body, err := encodeBody(req.Body)
	if err != nil {
		return nil, err
	}
	fullURL := withParams(target, params)

	budget := NewRetryBudget(s.config.UnauthorizedRetries, s.config.ServerErrorRetries)
	for attempt := 1; ; attempt++ {
		resp, err := s.send(ctx, method, fullURL, body, req.Header, params)
		if err != nil {
			return nil, err
		}

		outcome := budget.Decide(resp.StatusCode)
		if resp.StatusCode == http.StatusUnauthorized {
			if err := s.revokeAuth(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("Failed to revoke credential")
			}
		}

		switch outcome {
		case OutcomeSuccess:
			if attempt > 1 {
				s.logger.Info().
					Str("method", method).
					Str("url", fullURL).
					Int("attempt", attempt).
					Msg("Request succeeded after retry")
			}
			if cacheable {
				if err := s.cache.Set(ctx, cacheKey, cache.NewEntry(resp.StatusCode, resp.Header, resp.Body)); err != nil {
					s.logger.Warn().Err(err).Str("url", target).Msg("Failed to cache response")
				}
			}
			return resp, nil

		case OutcomeRetryUnauthorized, OutcomeRetryServerError:
			class := classify(resp.StatusCode)
			ascRetriesTotal.WithLabelValues(string(class)).Inc()
			s.logger.Warn().
				Str("method", method).
				Str("url", fullURL).
				Int("status", resp.StatusCode).
				Str("error_class", string(class)).
				Int("attempt", attempt).
				Msg("Request failed, trying again")

		default:
			apiErr := newAPIError(method, fullURL, resp)
			if apiErr.Class != ErrorClassClient {
				ascRetryExhaustedTotal.WithLabelValues(string(apiErr.Class)).Inc()
			}
			s.logger.Error().
				Str("method", method).
				Str("url", fullURL).
				Int("status", resp.StatusCode).
				Str("error_class", string(apiErr.Class)).
				Int("attempt", attempt).
				Msg("Request failed")
			return nil, apiErr
		}
	}
}

// send performs a single attempt.
func (s *Session) send(ctx context.Context, method, fullURL string, body []byte, header http.Header, params url.Values) (*Response, error) {
	authHeader, err := s.authHeaders(ctx)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	for key, values := range header {
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}
	for key, values := range authHeader {
		httpReq.Header[http.CanonicalHeaderKey(key)] = append([]string(nil), values...)
	}
	httpReq.Header.Set("Accept", "application/json")
	if s.config.UserAgent != "" {
		httpReq.Header.Set("User-Agent", s.config.UserAgent)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	if s.config.LogRequests {
		s.logRequest(method, fullURL, params, body)
	}

	startTime := time.Now()
	httpResp, err := s.httpClient.Do(httpReq)
	elapsed := time.Since(startTime)
	ascRequestDuration.WithLabelValues(method).Observe(elapsed.Seconds())
	if err != nil {
		ascErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		ascRequestsTotal.WithLabelValues(method, "network_error").Inc()
		s.logger.Error().Err(err).Str("method", method).Str("url", fullURL).Msg("HTTP request failed")
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		ascErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		return nil, fmt.Errorf("read response body: %w", err)
	}

	ascRequestsTotal.WithLabelValues(method, strconv.Itoa(httpResp.StatusCode)).Inc()
	resp := &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       respBody,
	}

	if s.config.LogRequests {
		s.logResponse(resp)
	}

	if s.rateLimiter != nil {
		if err := s.rateLimiter.UpdateFromHeaders(ctx, httpResp.Header); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to update rate limit from headers")
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		ascErrorsTotal.WithLabelValues(string(classify(resp.StatusCode))).Inc()
		if s.auditor != nil {
			s.auditor.Record(audit.Exchange{
				Method:         method,
				URL:            fullURL,
				RequestHeader:  httpReq.Header,
				RequestBody:    body,
				StatusCode:     resp.StatusCode,
				ResponseHeader: resp.Header,
				ResponseBody:   resp.Body,
				Elapsed:        elapsed,
			})
		}
	}

	return resp, nil
}

func (s *Session) logRequest(method, fullURL string, params url.Values, body []byte) {
	event := s.logger.Info().Str("method", method).Str("url", fullURL)
	if len(params) > 0 {
		event = event.Interface("params", logging.RedactParams(params))
	}
	if body != nil {
		event = withBody(event, "body", logging.RedactJSON(body))
	}
	event.Msg(">>>")
}

func (s *Session) logResponse(resp *Response) {
	withBody(s.logger.Info().Int("status", resp.StatusCode), "body", resp.Body).Msg("<<<")
}

func withBody(event *zerolog.Event, key string, body []byte) *zerolog.Event {
	if len(body) == 0 {
		return event
	}
	if json.Valid(body) {
		return event.RawJSON(key, body)
	}
	return event.Bytes(key, body)
}

// resolve turns a relative URL into an absolute one using the base URL.
func (s *Session) resolve(rawURL string) (string, error) {
	if strings.HasPrefix(rawURL, "http://") || strings.HasPrefix(rawURL, "https://") {
		if _, err := url.ParseRequestURI(rawURL); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
		}
		return rawURL, nil
	}
	if s.config.BaseURL == "" {
		return "", fmt.Errorf("%w: relative url %q without base url", ErrInvalidURL, rawURL)
	}
	return strings.TrimRight(s.config.BaseURL, "/") + "/" + strings.TrimLeft(rawURL, "/"), nil
}

// withParams appends params to the query already present in target.
func withParams(target string, params url.Values) string {
	if len(params) == 0 {
		return target
	}
	separator := "?"
	if strings.Contains(target, "?") {
		separator = "&"
	}
	return target + separator + params.Encode()
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request body: %w", err)
	}
	return data, nil
}

// Get performs a GET request.
func (s *Session) Get(ctx context.Context, url string, params query.Params) (*Response, error) {
	return s.Do(ctx, &Request{Method: http.MethodGet, URL: url, Params: params})
}

// GetJSON performs a GET request and decodes the response into v.
func (s *Session) GetJSON(ctx context.Context, url string, params query.Params, v any) error {
	resp, err := s.Get(ctx, url, params)
	if err != nil {
		return err
	}
	return resp.JSON(v)
}

// GetCached performs a GET request served from and stored in the response cache.
func (s *Session) GetCached(ctx context.Context, url string, params query.Params) (*Response, error) {
	return s.Do(ctx, &Request{Method: http.MethodGet, URL: url, Params: params, UseCache: true})
}

// Post sends body as JSON.
func (s *Session) Post(ctx context.Context, url string, body any) (*Response, error) {
	return s.Do(ctx, &Request{Method: http.MethodPost, URL: url, Body: body})
}

// Patch sends body as JSON.
func (s *Session) Patch(ctx context.Context, url string, body any) (*Response, error) {
	return s.Do(ctx, &Request{Method: http.MethodPatch, URL: url, Body: body})
}

// Delete performs a DELETE request.
func (s *Session) Delete(ctx context.Context, url string) (*Response, error) {
	return s.Do(ctx, &Request{Method: http.MethodDelete, URL: url})
}

// ClearCache drops every cached response.
func (s *Session) ClearCache(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Clear(ctx)
}

// CloseIdleConnections closes idle transport connections.
func (s *Session) CloseIdleConnections() {
	s.httpClient.CloseIdleConnections()
}
