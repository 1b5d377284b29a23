package auth

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds the credential configuration.
type Config struct {
	// Key is the API key tokens are issued for (REQUIRED).
	Key APIKey

	// TokenDuration is the lifetime of generated tokens.
	TokenDuration time.Duration

	// Store persists tokens across processes. Nil keeps tokens in memory only.
	Store Store

	// Clock returns the current time (default: time.Now).
	Clock func() time.Time
}

// DefaultConfig returns a configuration without persistent caching.
func DefaultConfig(key APIKey) Config {
	return Config{
		Key:           key,
		TokenDuration: DefaultTokenDuration,
		Clock:         time.Now,
	}
}

// Credential produces currently valid bearer tokens for one API key.
// It is safe for concurrent use.
type Credential struct {
	key        APIKey
	privateKey *ecdsa.PrivateKey
	duration   time.Duration
	store      Store
	now        func() time.Time
	logger     zerolog.Logger

	// sign is replaced in tests to observe signing.
	sign func(claims jwt.MapClaims) (string, error)

	mu    sync.Mutex
	token *Token
}

// New creates a credential. The private key is parsed immediately so an
// unusable key fails here rather than on the first request.
func New(cfg Config) (*Credential, error) {
	if cfg.Key.KeyID == "" {
		return nil, fmt.Errorf("key id is required")
	}
	if cfg.Key.IssuerID == "" {
		return nil, fmt.Errorf("issuer id is required")
	}

	privateKey, err := jwt.ParseECPrivateKeyFromPEM([]byte(cfg.Key.PrivateKey))
	if err != nil {
		return nil, &CredentialError{KeyID: cfg.Key.KeyID, Op: "parse private key", Err: err}
	}

	if cfg.TokenDuration <= 0 {
		cfg.TokenDuration = DefaultTokenDuration
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	c := &Credential{
		key:        cfg.Key,
		privateKey: privateKey,
		duration:   cfg.TokenDuration,
		store:      cfg.Store,
		now:        cfg.Clock,
		logger:     log.With().Str("component", "asc-auth").Str("key_id", cfg.Key.KeyID).Logger(),
	}
	c.sign = c.signES256
	return c, nil
}

// KeyID returns the identifier of the key tokens are issued for.
func (c *Credential) KeyID() string {
	return c.key.KeyID
}

// GetToken returns a token that is valid now. The memory cache is consulted
// first, then the persistent store; a new token is signed only when neither
// holds a usable one.
func (c *Credential) GetToken(ctx context.Context) (*Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.token != nil && !c.token.IsExpired(now) {
		TokenCacheHits.WithLabelValues("memory").Inc()
		return c.token, nil
	}
	c.token = nil

	if c.store != nil {
		if token := c.loadCached(ctx, now); token != nil {
			TokenCacheHits.WithLabelValues("store").Inc()
			c.token = token
			return token, nil
		}
	}

	token, err := c.generate(now)
	if err != nil {
		return nil, err
	}
	c.token = token

	if c.store != nil {
		if err := c.store.Save(ctx, c.key.KeyID, token.Value, token.ExpiresAt); err != nil {
			TokenCacheFaults.WithLabelValues("write").Inc()
			c.logger.Warn().Err(err).Msg("Failed to persist token")
		}
	}

	return token, nil
}

// AuthorizationHeader returns the Authorization header for the current token.
func (c *Credential) AuthorizationHeader(ctx context.Context) (http.Header, error) {
	token, err := c.GetToken(ctx)
	if err != nil {
		return nil, err
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token.Value)
	return h, nil
}

// Revoke discards the current token from memory and from the persistent store.
// Revoking when nothing is cached is not an error.
func (c *Credential) Revoke(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.token = nil
	TokenRevocations.Inc()
	c.logger.Debug().Msg("Token revoked")

	if c.store == nil {
		return nil
	}
	if err := c.store.Delete(ctx, c.key.KeyID); err != nil {
		TokenCacheFaults.WithLabelValues("delete").Inc()
		return fmt.Errorf("delete cached token: %w", err)
	}
	return nil
}

func (c *Credential) generate(now time.Time) (*Token, error) {
	// exp is whole seconds; the memory copy must not outlive the signed claim.
	expiresAt := now.Add(c.duration).Truncate(time.Second)
	claims := jwt.MapClaims{
		"iss": c.key.IssuerID,
		"exp": expiresAt.Unix(),
		"aud": Audience,
	}

	raw, err := c.sign(claims)
	if err != nil {
		return nil, &CredentialError{KeyID: c.key.KeyID, Op: "sign token", Err: err}
	}

	TokensGenerated.Inc()
	c.logger.Debug().Time("expires_at", expiresAt).Msg("Generated new token")

	return &Token{
		KeyID:     c.key.KeyID,
		Value:     raw,
		Payload:   claims,
		ExpiresAt: expiresAt,
	}, nil
}

func (c *Credential) signES256(claims jwt.MapClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = c.key.KeyID
	return token.SignedString(c.privateKey)
}

// loadCached returns the stored token when it verifies against this key,
// names this issuer and has not expired. Unusable entries are deleted.
func (c *Credential) loadCached(ctx context.Context, now time.Time) *Token {
	raw, err := c.store.Load(ctx, c.key.KeyID)
	if err != nil {
		if !errors.Is(err, ErrNotCached) {
			TokenCacheFaults.WithLabelValues("read").Inc()
			c.logger.Debug().Err(err).Msg("Failed to read cached token")
		}
		return nil
	}

	token, reason := c.decode(raw, now)
	if token != nil {
		c.logger.Debug().Time("expires_at", token.ExpiresAt).Msg("Using cached token")
		return token
	}

	TokenCacheFaults.WithLabelValues(reason).Inc()
	c.logger.Debug().Str("reason", reason).Msg("Discarding cached token")
	if err := c.store.Delete(ctx, c.key.KeyID); err != nil {
		c.logger.Debug().Err(err).Msg("Failed to delete cached token")
	}
	return nil
}

func (c *Credential) decode(raw string, now time.Time) (*Token, string) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return &c.privateKey.PublicKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}), jwt.WithoutClaimsValidation())
	if err != nil {
		return nil, "malformed"
	}

	audience, err := claims.GetAudience()
	if err != nil || !slices.Contains(audience, Audience) {
		return nil, "malformed"
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, "malformed"
	}

	issuer, err := claims.GetIssuer()
	if err != nil || issuer != c.key.IssuerID {
		return nil, "issuer_mismatch"
	}

	token := &Token{
		KeyID:     c.key.KeyID,
		Value:     raw,
		Payload:   claims,
		ExpiresAt: exp.Time,
	}
	if token.IsExpired(now) {
		return nil, "expired"
	}
	return token, ""
}
