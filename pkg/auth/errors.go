package auth

import (
	"errors"
	"fmt"
)

var (
	// ErrNotCached is returned by a Store when no token is stored for a key.
	ErrNotCached = errors.New("token not cached")

	// ErrInvalidKeyID is returned for key identifiers that cannot name a cache entry.
	ErrInvalidKeyID = errors.New("invalid key id")
)

// CredentialError reports a failure to build or sign a token.
type CredentialError struct {
	KeyID string
	Op    string
	Err   error
}

// Error implements the error interface.
func (e *CredentialError) Error() string {
	return fmt.Sprintf("credential %s: %s: %v", e.KeyID, e.Op, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *CredentialError) Unwrap() error {
	return e.Err
}
