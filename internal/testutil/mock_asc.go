// Package testutil provides testing utilities for the App Store Connect client.
package testutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/asc-client/pkg/auth"
)

// RateLimitHeader is sent with every default response.
const RateLimitHeader = "user-hour-lim:3600;user-hour-rem:3599;"

// MockResponse defines the behavior for a mock endpoint response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// RecordedRequest is a request received by the mock server.
type RecordedRequest struct {
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
}

// MockASC is a configurable mock App Store Connect server for testing.
type MockASC struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]func(w http.ResponseWriter, r *http.Request)
	requests []RecordedRequest
}

// NewMockASC creates a new mock App Store Connect server.
func NewMockASC() *MockASC {
	mock := &MockASC{
		handlers: make(map[string]func(w http.ResponseWriter, r *http.Request)),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.requests = append(mock.requests, RecordedRequest{
			Method:   r.Method,
			Path:     r.URL.Path,
			RawQuery: r.URL.RawQuery,
			Header:   r.Header.Clone(),
		})
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.Unlock()

		if exists {
			handler(w, r)
			return
		}
		writeResponse(w, NewNotFoundResponse())
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockASC) URL() string {
	return m.server.URL
}

// BaseURL returns the mock server URL including the API version prefix.
func (m *MockASC) BaseURL() string {
	return m.server.URL + "/v1"
}

// Close shuts down the mock server.
func (m *MockASC) Close() {
	m.server.Close()
}

// Reset clears all recorded requests.
func (m *MockASC) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
}

// SetHandler sets a custom handler for a specific path.
func (m *MockASC) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a fixed response for a path.
func (m *MockASC) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		writeResponse(w, resp)
	})
}

// SetSequence answers requests to path with responses in order.
// The last response is repeated once the sequence is used up.
func (m *MockASC) SetSequence(path string, responses ...MockResponse) {
	var mu sync.Mutex
	next := 0
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		resp := responses[min(next, len(responses)-1)]
		next++
		mu.Unlock()
		writeResponse(w, resp)
	})
}

// SetPages serves a cursor-paginated listing at path. Each page is the JSON
// array used as the data member of that page. The next link repeats the
// query of the current request with an advanced cursor.
func (m *MockASC) SetPages(path string, pages ...string) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		cursor := 0
		if raw := r.URL.Query().Get("cursor"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 || n >= len(pages) {
				writeResponse(w, NewErrorResponse(http.StatusBadRequest, "PARAMETER_ERROR.INVALID", "A parameter has an invalid value", "invalid cursor "+raw))
				return
			}
			cursor = n
		}

		links := map[string]string{"self": m.server.URL + r.URL.RequestURI()}
		if cursor+1 < len(pages) {
			q := r.URL.Query()
			q.Set("cursor", strconv.Itoa(cursor+1))
			links["next"] = m.server.URL + r.URL.Path + "?" + q.Encode()
		}
		linksJSON, _ := json.Marshal(links)

		writeResponse(w, NewHealthyResponse(fmt.Sprintf(`{"data":%s,"links":%s}`, pages[cursor], linksJSON)))
	})
}

// Requests returns a copy of the recorded requests.
func (m *MockASC) Requests() []RecordedRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]RecordedRequest(nil), m.requests...)
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockASC) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.requests)
}

// LastRequestHeader returns the headers of the most recent request.
func (m *MockASC) LastRequestHeader() http.Header {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.requests) == 0 {
		return nil
	}
	return m.requests[len(m.requests)-1].Header
}

func writeResponse(w http.ResponseWriter, resp MockResponse) {
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		_, _ = w.Write([]byte(resp.Body))
	}
}

func defaultHeaders() map[string]string {
	return map[string]string{
		"Content-Type": "application/json",
		"X-Rate-Limit": RateLimitHeader,
	}
}

// NewHealthyResponse creates a standard 200 OK response.
func NewHealthyResponse(body string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       body,
		Headers:    defaultHeaders(),
	}
}

// NewErrorResponse creates a response carrying a single JSON:API error.
func NewErrorResponse(status int, code, title, detail string) MockResponse {
	body, _ := json.Marshal(map[string]any{
		"errors": []map[string]string{{
			"status": strconv.Itoa(status),
			"code":   code,
			"title":  title,
			"detail": detail,
		}},
	})
	return MockResponse{
		StatusCode: status,
		Body:       string(body),
		Headers:    defaultHeaders(),
	}
}

// NewUnauthorizedResponse creates a 401 response.
func NewUnauthorizedResponse() MockResponse {
	return NewErrorResponse(http.StatusUnauthorized, "NOT_AUTHORIZED",
		"Authentication credentials are missing or invalid.",
		"Provide a properly configured and signed bearer token, and make sure that it has not expired.")
}

// NewServerErrorResponse creates a 500 response.
func NewServerErrorResponse() MockResponse {
	return NewErrorResponse(http.StatusInternalServerError, "UNEXPECTED_ERROR",
		"An unexpected error occurred.",
		"An unexpected error occurred on the server side.")
}

// NewNotFoundResponse creates a 404 response.
func NewNotFoundResponse() MockResponse {
	return NewErrorResponse(http.StatusNotFound, "NOT_FOUND",
		"The specified resource does not exist",
		"The path provided does not match a defined resource type.")
}

// NewAPIKey returns an API key backed by a freshly generated P-256 key.
func NewAPIKey(t testing.TB) auth.APIKey {
	t.Helper()
	return auth.APIKey{
		KeyID:      "TESTKEY123",
		IssuerID:   "00000000-0000-0000-0000-000000000000",
		PrivateKey: NewPrivateKeyPEM(t),
	}
}

// NewPrivateKeyPEM returns a PKCS#8 PEM encoded P-256 private key.
func NewPrivateKeyPEM(t testing.TB) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
}
