package cache

import (
	"net/http"
	"time"
)

// Entry is a cached response.
type Entry struct {
	// StatusCode is the HTTP status code of the cached response
	StatusCode int `json:"status_code"`

	// Header holds the response headers
	Header http.Header `json:"headers"`

	// Body is the raw response body
	Body []byte `json:"body"`

	// CachedAt is when the response was stored
	CachedAt time.Time `json:"cached_at"`
}

// NewEntry copies a response into a cache entry.
func NewEntry(statusCode int, header http.Header, body []byte) *Entry {
	return &Entry{
		StatusCode: statusCode,
		Header:     header.Clone(),
		Body:       append([]byte(nil), body...),
		CachedAt:   time.Now(),
	}
}

// Age returns how long ago the entry was stored.
func (e *Entry) Age() time.Duration {
	return time.Since(e.CachedAt)
}
