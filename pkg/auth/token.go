// Package auth issues the signed bearer tokens App Store Connect expects.
//
// A Credential signs short-lived ES256 JSON Web Tokens for one API key. The
// current token is cached in memory and, when a Store is configured, persisted
// so that separate processes using the same key can reuse it until it expires.
package auth

import (
	"time"
)

const (
	// Audience is the fixed aud claim accepted by App Store Connect.
	Audience = "appstoreconnect-v1"

	// DefaultTokenDuration is the lifetime of newly generated tokens.
	// App Store Connect rejects tokens valid for more than 20 minutes.
	DefaultTokenDuration = 19 * time.Minute

	// CacheDirName is the directory below the cache root holding one file per key.
	CacheDirName = "app_store_connect_jwt"
)

// APIKey identifies an App Store Connect API key.
type APIKey struct {
	// KeyID is the key identifier sent as the kid header.
	KeyID string

	// IssuerID is the issuer identifier sent as the iss claim.
	IssuerID string

	// PrivateKey is the PEM encoded EC P-256 private key (the .p8 file contents).
	PrivateKey string
}

// Token is a signed bearer token.
type Token struct {
	KeyID     string
	Value     string
	Payload   map[string]any
	ExpiresAt time.Time
}

// IsExpired reports whether the token is no longer valid at now.
// A token is still valid at exactly its expiry instant.
func (t *Token) IsExpired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// String returns the raw token.
func (t *Token) String() string {
	return t.Value
}
