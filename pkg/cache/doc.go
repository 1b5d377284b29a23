// Package cache stores successful responses of idempotent GET requests.
//
// Entries are keyed by request URL and query parameters and are never expired
// automatically: App Store Connect does not send caching headers, so callers
// opt in per request and call Clear when cached listings may be stale.
//
// Two stores are provided:
//
//   - MemoryStore keeps entries for the lifetime of the process.
//   - RedisStore shares entries between processes through Redis.
//
// # Basic Usage
//
//	store := cache.NewMemoryStore()
//
//	key := cache.Key{
//		URL:    "https://api.appstoreconnect.apple.com/v1/apps",
//		Params: url.Values{"filter[bundleId]": []string{"com.example.app"}},
//	}
//
//	entry, err := store.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// Cache miss - fetch from the API
//	}
//
//	// Drop everything
//	_ = store.Clear(ctx)
//
// # Metrics
//
// All stores report asc_cache_hits_total, asc_cache_misses_total and
// asc_cache_errors_total labelled by layer or operation.
package cache
