package cache

import (
	"net/url"
	"strings"
)

// KeyPrefix prefixes every cache key.
const KeyPrefix = "asc:cache"

// Key identifies a cached GET response.
type Key struct {
	// URL is the absolute request URL without the parameters below
	URL string

	// Params are the query parameters sent with the request
	Params url.Values
}

// String generates a deterministic cache key string.
// Format: asc:cache:<url>?<query-encoded params, sorted by key>
//
// Example:
//
//	asc:cache:https://api.appstoreconnect.apple.com/v1/apps?filter%5BbundleId%5D=com.example.app&limit=100
//
// Repeated values stay separate entries, so a list never collides with a
// single comma-joined value.
func (k Key) String() string {
	key := KeyPrefix + ":" + strings.TrimRight(k.URL, "/")
	if len(k.Params) > 0 {
		key += "?" + k.Params.Encode()
	}
	return key
}
