package auth

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TokensGenerated counts newly signed tokens.
	TokensGenerated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "asc_tokens_generated_total",
			Help: "Total number of App Store Connect tokens signed",
		},
	)

	// TokenCacheHits counts tokens served from cache by layer.
	TokenCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "asc_token_cache_hits_total",
			Help: "Total number of tokens served from cache",
		},
		[]string{"layer"}, // "memory", "store"
	)

	// TokenCacheFaults counts unusable or failing persistent cache entries.
	TokenCacheFaults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "asc_token_cache_faults_total",
			Help: "Total number of discarded or failed token cache operations",
		},
		[]string{"reason"}, // "malformed", "issuer_mismatch", "expired", "read", "write", "delete"
	)

	// TokenRevocations counts explicit revocations.
	TokenRevocations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "asc_token_revocations_total",
			Help: "Total number of revoked tokens",
		},
	)
)
