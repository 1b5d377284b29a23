package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Sternrassler/asc-client/internal/audit"
	"github.com/Sternrassler/asc-client/pkg/cache"
	"github.com/Sternrassler/asc-client/pkg/query"
	"github.com/Sternrassler/asc-client/pkg/ratelimit"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// authRecorder counts header factory and revoke calls.
type authRecorder struct {
	headers atomic.Int32
	revokes atomic.Int32
}

func (a *authRecorder) factory(context.Context) (http.Header, error) {
	n := a.headers.Add(1)
	h := http.Header{}
	h.Set("Authorization", "Bearer token-"+string(rune('0'+n)))
	return h, nil
}

func (a *authRecorder) revoke(context.Context) error {
	a.revokes.Add(1)
	return nil
}

// sequenceServer answers with the given statuses in order, repeating the last one.
func sequenceServer(t *testing.T, statuses ...int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(calls.Add(1))
		status := statuses[len(statuses)-1]
		if n <= len(statuses) {
			status = statuses[n-1]
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status >= 200 && status < 300 {
			_, _ = w.Write([]byte(`{"data":[]}`))
			return
		}
		_, _ = w.Write([]byte(`{"errors":[{"status":"` + http.StatusText(status) + `","code":"ERR","title":"Failure","detail":"status ` + http.StatusText(status) + `"}]}`))
	}))
	t.Cleanup(server.Close)
	return server, &calls
}

func newTestSession(t *testing.T, rec *authRecorder, modify func(*Config)) *Session {
	t.Helper()
	cfg := DefaultConfig(rec.factory)
	cfg.RevokeAuth = rec.revoke
	if modify != nil {
		modify(&cfg)
	}
	s, err := New(cfg)
	require.NoError(t, err)
	return s
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{
			name:    "missing header factory",
			cfg:     Config{},
			wantErr: "auth header factory is required",
		},
		{
			name:    "negative unauthorized retries",
			cfg:     Config{AuthHeaders: (&authRecorder{}).factory, UnauthorizedRetries: -1},
			wantErr: "unauthorized_retries must be >= 0",
		},
		{
			name:    "negative server retries",
			cfg:     Config{AuthHeaders: (&authRecorder{}).factory, ServerErrorRetries: -2},
			wantErr: "server_error_retries must be >= 0",
		},
		{
			name:    "invalid base url",
			cfg:     Config{AuthHeaders: (&authRecorder{}).factory, BaseURL: "not a url"},
			wantErr: "invalid request url",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig(nil)

	assert.Equal(t, 1, cfg.UnauthorizedRetries)
	assert.Equal(t, 1, cfg.ServerErrorRetries)
	assert.Equal(t, 60*time.Second, cfg.Timeout)
	assert.Equal(t, "asc-client/0.1.0", cfg.UserAgent)
	assert.False(t, cfg.LogRequests)
	assert.Zero(t, cfg.NetworkRetries)
}

func TestRetryBudget_Decide(t *testing.T) {
	tests := []struct {
		name     string
		budget   *RetryBudget
		statuses []int
		want     []Outcome
	}{
		{
			name:     "success",
			budget:   NewRetryBudget(1, 1),
			statuses: []int{200},
			want:     []Outcome{OutcomeSuccess},
		},
		{
			name:     "created is success",
			budget:   NewRetryBudget(1, 1),
			statuses: []int{201},
			want:     []Outcome{OutcomeSuccess},
		},
		{
			name:     "single unauthorized attempt",
			budget:   NewRetryBudget(1, 1),
			statuses: []int{401},
			want:     []Outcome{OutcomeFatal},
		},
		{
			name:     "three unauthorized attempts",
			budget:   NewRetryBudget(3, 1),
			statuses: []int{401, 401, 401},
			want:     []Outcome{OutcomeRetryUnauthorized, OutcomeRetryUnauthorized, OutcomeFatal},
		},
		{
			name:     "zero counts as one",
			budget:   NewRetryBudget(0, 0),
			statuses: []int{500},
			want:     []Outcome{OutcomeFatal},
		},
		{
			name:     "server errors",
			budget:   NewRetryBudget(1, 2),
			statuses: []int{503, 502},
			want:     []Outcome{OutcomeRetryServerError, OutcomeFatal},
		},
		{
			name:     "independent counters",
			budget:   NewRetryBudget(2, 2),
			statuses: []int{401, 500, 401},
			want:     []Outcome{OutcomeRetryUnauthorized, OutcomeRetryServerError, OutcomeFatal},
		},
		{
			name:     "client error never retried",
			budget:   NewRetryBudget(5, 5),
			statuses: []int{404},
			want:     []Outcome{OutcomeFatal},
		},
		{
			name:     "redirect is not success",
			budget:   NewRetryBudget(5, 5),
			statuses: []int{304},
			want:     []Outcome{OutcomeFatal},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []Outcome
			for _, status := range tt.statuses {
				got = append(got, tt.budget.Decide(status))
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "success", OutcomeSuccess.String())
	assert.Equal(t, "retry_unauthorized", OutcomeRetryUnauthorized.String())
	assert.Equal(t, "retry_server_error", OutcomeRetryServerError.String())
	assert.Equal(t, "fatal", OutcomeFatal.String())
}

func TestDo_UnauthorizedExhaustsBudget(t *testing.T) {
	for _, budget := range []int{1, 2, 3} {
		server, calls := sequenceServer(t, http.StatusUnauthorized)
		rec := &authRecorder{}
		s := newTestSession(t, rec, func(cfg *Config) { cfg.UnauthorizedRetries = budget })

		_, err := s.Get(context.Background(), server.URL+"/v1/apps", nil)

		require.Error(t, err)
		assert.True(t, IsUnauthorized(err))
		assert.Equal(t, int32(budget), calls.Load(), "attempts for budget %d", budget)
		assert.Equal(t, int32(budget), rec.revokes.Load(), "revokes for budget %d", budget)
		assert.Equal(t, int32(budget), rec.headers.Load(), "header calls for budget %d", budget)
	}
}

func TestDo_UnauthorizedThenSuccess(t *testing.T) {
	server, calls := sequenceServer(t, http.StatusUnauthorized, http.StatusUnauthorized, http.StatusOK)
	rec := &authRecorder{}
	s := newTestSession(t, rec, func(cfg *Config) { cfg.UnauthorizedRetries = 3 })

	resp, err := s.Get(context.Background(), server.URL+"/v1/apps", nil)

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, int32(2), rec.revokes.Load())
	assert.False(t, resp.FromCache)
}

func TestDo_FreshHeadersPerAttempt(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Header.Get("Authorization"))
		n := len(seen)
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	rec := &authRecorder{}
	s := newTestSession(t, rec, func(cfg *Config) { cfg.UnauthorizedRetries = 2 })

	_, err := s.Get(context.Background(), server.URL, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"Bearer token-1", "Bearer token-2"}, seen)
}

func TestDo_ClientErrorNotRetried(t *testing.T) {
	server, calls := sequenceServer(t, http.StatusNotFound)
	rec := &authRecorder{}
	s := newTestSession(t, rec, func(cfg *Config) {
		cfg.UnauthorizedRetries = 5
		cfg.ServerErrorRetries = 5
	})

	_, err := s.Get(context.Background(), server.URL+"/v1/apps/1", nil)

	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int32(0), rec.revokes.Load())

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, ErrorClassClient, apiErr.Class)
	assert.Equal(t, "Failure - status Not Found", apiErr.Message())
}

func TestDo_ServerErrorBudget(t *testing.T) {
	server, calls := sequenceServer(t, http.StatusInternalServerError, http.StatusBadGateway, http.StatusOK)
	rec := &authRecorder{}

	s := newTestSession(t, rec, func(cfg *Config) { cfg.ServerErrorRetries = 2 })
	_, err := s.Get(context.Background(), server.URL, nil)
	require.Error(t, err)
	assert.True(t, IsServerError(err))
	assert.Equal(t, http.StatusBadGateway, StatusCode(err))
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, int32(0), rec.revokes.Load())
}

func TestDo_ServerErrorThenSuccess(t *testing.T) {
	server, calls := sequenceServer(t, http.StatusServiceUnavailable, http.StatusOK)
	s := newTestSession(t, &authRecorder{}, func(cfg *Config) { cfg.ServerErrorRetries = 2 })

	resp, err := s.Get(context.Background(), server.URL, nil)

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(2), calls.Load())
}

func TestDo_IndependentCounters(t *testing.T) {
	server, calls := sequenceServer(t,
		http.StatusUnauthorized, http.StatusInternalServerError,
		http.StatusUnauthorized, http.StatusInternalServerError,
		http.StatusOK)
	rec := &authRecorder{}
	s := newTestSession(t, rec, func(cfg *Config) {
		cfg.UnauthorizedRetries = 3
		cfg.ServerErrorRetries = 3
	})

	_, err := s.Get(context.Background(), server.URL, nil)

	require.NoError(t, err)
	assert.Equal(t, int32(5), calls.Load())
	assert.Equal(t, int32(2), rec.revokes.Load())
}

func TestDo_HeaderFactoryError(t *testing.T) {
	server, calls := sequenceServer(t, http.StatusOK)
	factoryErr := errors.New("key unavailable")
	s, err := New(Config{AuthHeaders: func(context.Context) (http.Header, error) { return nil, factoryErr }})
	require.NoError(t, err)

	_, err = s.Get(context.Background(), server.URL, nil)

	assert.Same(t, factoryErr, err)
	assert.Equal(t, int32(0), calls.Load())
}

func TestDo_RevokeErrorDoesNotAbort(t *testing.T) {
	server, calls := sequenceServer(t, http.StatusUnauthorized, http.StatusOK)
	rec := &authRecorder{}
	s := newTestSession(t, rec, func(cfg *Config) {
		cfg.UnauthorizedRetries = 2
		cfg.RevokeAuth = func(context.Context) error { return errors.New("disk full") }
	})

	_, err := s.Get(context.Background(), server.URL, nil)

	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestDo_NetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	target := server.URL
	server.Close()

	s := newTestSession(t, &authRecorder{}, nil)
	_, err := s.Get(context.Background(), target, nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "execute request")
	assert.Zero(t, StatusCode(err))
}

func TestDo_RequestComposition(t *testing.T) {
	var got *http.Request
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"data":{"id":"1"}}`))
	}))
	defer server.Close()

	s := newTestSession(t, &authRecorder{}, func(cfg *Config) { cfg.BaseURL = server.URL + "/v1/" })

	resp, err := s.Do(context.Background(), &Request{
		Method: "post",
		URL:    "/bundleIds?existing=1",
		Params: query.Params{"include": []string{"profiles", "app"}, "skip": nil},
		Body:   map[string]any{"data": map[string]any{"type": "bundleIds"}},
		Header: http.Header{"Authorization": {"Bearer caller"}, "X-Extra": {"yes"}},
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, "/v1/bundleIds", got.URL.Path)
	assert.Equal(t, "existing=1&include=profiles&include=app", got.URL.RawQuery)
	assert.Equal(t, "Bearer token-1", got.Header.Get("Authorization"))
	assert.Equal(t, "yes", got.Header.Get("X-Extra"))
	assert.Equal(t, "application/json", got.Header.Get("Accept"))
	assert.Equal(t, "application/json", got.Header.Get("Content-Type"))
	assert.Equal(t, "asc-client/0.1.0", got.Header.Get("User-Agent"))
	assert.JSONEq(t, `{"data":{"type":"bundleIds"}}`, string(gotBody))

	var decoded struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	require.NoError(t, resp.JSON(&decoded))
	assert.Equal(t, "1", decoded.Data.ID)
}

func TestDo_RelativeURLWithoutBase(t *testing.T) {
	s := newTestSession(t, &authRecorder{}, nil)

	_, err := s.Get(context.Background(), "apps", nil)

	assert.ErrorIs(t, err, ErrInvalidURL)
}

func TestDo_Cache(t *testing.T) {
	server, calls := sequenceServer(t, http.StatusOK)
	store := cache.NewMemoryStore()
	s := newTestSession(t, &authRecorder{}, func(cfg *Config) { cfg.Cache = store })
	ctx := context.Background()

	first, err := s.GetCached(ctx, server.URL+"/v1/apps", query.Params{"limit": 1})
	require.NoError(t, err)
	assert.False(t, first.FromCache)

	second, err := s.GetCached(ctx, server.URL+"/v1/apps", query.Params{"limit": 1})
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.Body, second.Body)
	assert.Equal(t, int32(1), calls.Load())

	// uncached requests always reach the server
	_, err = s.Get(ctx, server.URL+"/v1/apps", query.Params{"limit": 1})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())

	require.NoError(t, s.ClearCache(ctx))
	assert.Equal(t, 0, store.Len())

	third, err := s.GetCached(ctx, server.URL+"/v1/apps", query.Params{"limit": 1})
	require.NoError(t, err)
	assert.False(t, third.FromCache)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDo_CacheKeepsDistinctParamsApart(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"query":"` + r.URL.RawQuery + `"}`))
	}))
	defer server.Close()

	pairs := []struct {
		name          string
		first, second query.Params
	}{
		{"separators inside values", query.Params{"a": "b:c=d"}, query.Params{"a": "b", "c": "d"}},
		{"list against joined value", query.Params{"fields": []string{"x", "y"}}, query.Params{"fields": "x,y"}},
	}

	for _, tt := range pairs {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSession(t, &authRecorder{}, func(cfg *Config) { cfg.Cache = cache.NewMemoryStore() })
			ctx := context.Background()

			first, err := s.GetCached(ctx, server.URL, tt.first)
			require.NoError(t, err)
			second, err := s.GetCached(ctx, server.URL, tt.second)
			require.NoError(t, err)

			assert.False(t, second.FromCache)
			assert.NotEqual(t, string(first.Body), string(second.Body))
		})
	}
}

func TestDo_CacheSkipsFailures(t *testing.T) {
	server, _ := sequenceServer(t, http.StatusNotFound)
	store := cache.NewMemoryStore()
	s := newTestSession(t, &authRecorder{}, func(cfg *Config) { cfg.Cache = store })

	_, err := s.GetCached(context.Background(), server.URL, nil)

	require.Error(t, err)
	assert.Equal(t, 0, store.Len())
}

func TestClearCache_NoStore(t *testing.T) {
	s := newTestSession(t, &authRecorder{}, nil)
	assert.NoError(t, s.ClearCache(context.Background()))
}

func TestDo_LogsRedacted(t *testing.T) {
	var buf bytes.Buffer
	original := log.Logger
	log.Logger = zerolog.New(&buf)
	defer func() { log.Logger = original }()

	server, _ := sequenceServer(t, http.StatusOK)
	s := newTestSession(t, &authRecorder{}, func(cfg *Config) { cfg.LogRequests = true })

	_, err := s.Do(context.Background(), &Request{
		Method: http.MethodPost,
		URL:    server.URL,
		Params: query.Params{"password": "p@ss", "user": "jane"},
		Body:   map[string]any{"password": "hunter2", "name": "n"},
	})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, ">>>")
	assert.Contains(t, out, "<<<")
	assert.Contains(t, out, "jane")
	assert.NotContains(t, out, "hunter2")
	assert.Contains(t, out, "*******")
}

func TestDo_RateLimitTracked(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(ratelimit.HeaderName, "user-hour-lim:3600;user-hour-rem:3598;")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	tracker := ratelimit.NewTracker(nil, zerolog.Nop())
	s := newTestSession(t, &authRecorder{}, func(cfg *Config) { cfg.RateLimit = tracker })

	_, err := s.Get(context.Background(), server.URL, nil)
	require.NoError(t, err)

	state, err := tracker.GetState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3600, state.Limit)
	assert.Equal(t, 3598, state.Remaining)
}

func TestDo_AuditsFailures(t *testing.T) {
	server, _ := sequenceServer(t, http.StatusInternalServerError, http.StatusOK)
	root := t.TempDir()
	s := newTestSession(t, &authRecorder{}, func(cfg *Config) {
		cfg.ServerErrorRetries = 2
		cfg.Auditor = audit.New(root)
	})

	_, err := s.Get(context.Background(), server.URL+"/v1/apps", nil)
	require.NoError(t, err)

	files, err := filepath.Glob(filepath.Join(root, "*", "http-GET-500--v1-apps-*.json"))
	require.NoError(t, err)
	require.Len(t, files, 1)

	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), "Bearer <token>")
	assert.NotContains(t, string(data), "token-1")
}

func TestDo_AuditsEveryFailedAttempt(t *testing.T) {
	server, _ := sequenceServer(t, http.StatusUnauthorized)
	root := t.TempDir()
	s := newTestSession(t, &authRecorder{}, func(cfg *Config) {
		cfg.UnauthorizedRetries = 3
		cfg.Auditor = audit.New(root)
	})

	_, err := s.Get(context.Background(), server.URL+"/v1/apps", nil)
	require.True(t, IsUnauthorized(err))

	files, err := filepath.Glob(filepath.Join(root, "*", "http-GET-401--v1-apps-*.json"))
	require.NoError(t, err)
	assert.Len(t, files, 3)
}

func TestDo_NetworkRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			hj, ok := w.(http.Hijacker)
			require.True(t, ok)
			conn, _, err := hj.Hijack()
			require.NoError(t, err)
			_ = conn.Close()
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	s := newTestSession(t, &authRecorder{}, func(cfg *Config) {
		cfg.NetworkRetries = 2
		cfg.NetworkRetryWaitMin = time.Millisecond
		cfg.NetworkRetryWaitMax = 5 * time.Millisecond
	})

	resp, err := s.Get(context.Background(), server.URL, nil)

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(2), calls.Load())
}

func TestAPIError_Message(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "no envelope",
			body: `<html>bad gateway</html>`,
			want: "request failed with status code 409",
		},
		{
			name: "empty errors",
			body: `{"errors":[]}`,
			want: "request failed with status code 409",
		},
		{
			name: "title only",
			body: `{"errors":[{"code":"X","title":"Conflict"}]}`,
			want: "Conflict",
		},
		{
			name: "multiple entries",
			body: `{"errors":[{"title":"A","detail":"first"},{"title":"B","detail":"second"}]}`,
			want: "A - first\nB - second",
		},
		{
			name: "associated errors",
			body: `{"errors":[{"title":"Invalid","detail":"top","meta":{"associatedErrors":{
				"/v1/b":[{"title":"Second","detail":"two"}],
				"/v1/a":[{"title":"First","detail":"one"}]}}}]}`,
			want: "Invalid - top\n\tAssociated error: First - one\n\tAssociated error: Second - two",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := newAPIError(http.MethodGet, "https://x.test/v1", &Response{
				StatusCode: http.StatusConflict,
				Body:       []byte(tt.body),
			})
			assert.Equal(t, tt.want, err.Message())
			assert.Equal(t, "GET https://x.test/v1 returned 409: "+tt.want, err.Error())
		})
	}
}

func TestAPIError_Helpers(t *testing.T) {
	body, err := json.Marshal(ErrorResponse{Errors: []ErrorDetail{{
		Code:   "ENTITY_ERROR.ATTRIBUTE.INVALID",
		Title:  "Invalid attribute",
		Source: map[string]any{"pointer": "/data/attributes/name"},
	}}})
	require.NoError(t, err)

	apiErr := newAPIError(http.MethodPatch, "https://x.test", &Response{StatusCode: 422, Body: body})

	assert.True(t, apiErr.HasCode("ENTITY_ERROR.ATTRIBUTE.INVALID"))
	assert.False(t, apiErr.HasCode("NOT_FOUND"))
	assert.Equal(t, "/data/attributes/name", apiErr.Errors[0].SourcePointer())
	assert.Equal(t, 422, StatusCode(apiErr))
	assert.Zero(t, StatusCode(errors.New("plain")))
	assert.True(t, strings.HasPrefix(apiErr.Error(), "PATCH https://x.test returned 422"))
}
