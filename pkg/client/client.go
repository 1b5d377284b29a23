// Package client provides the App Store Connect API client: one credential,
// one authenticated session, and cursor pagination on top of them.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Sternrassler/asc-client/internal/audit"
	"github.com/Sternrassler/asc-client/pkg/auth"
	"github.com/Sternrassler/asc-client/pkg/cache"
	"github.com/Sternrassler/asc-client/pkg/pagination"
	"github.com/Sternrassler/asc-client/pkg/query"
	"github.com/Sternrassler/asc-client/pkg/ratelimit"
	"github.com/Sternrassler/asc-client/pkg/session"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultBaseURL is the App Store Connect API root.
const DefaultBaseURL = "https://api.appstoreconnect.apple.com/v1"

// Client is the main App Store Connect client.
type Client struct {
	credential  *auth.Credential
	session     *session.Session
	paginator   *pagination.Engine
	rateLimiter *ratelimit.Tracker
	config      Config
	logger      zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// Key identifies the API key requests are signed with (REQUIRED).
	Key auth.APIKey

	// BaseURL is prepended to relative request URLs.
	BaseURL string

	// EnableTokenCache persists tokens below CacheRoot.
	EnableTokenCache bool

	// CacheRoot is the token cache root (default: auth.DefaultCacheRoot()).
	CacheRoot string

	// TokenStore overrides the file based token cache.
	TokenStore auth.Store

	// TokenDuration is the lifetime of generated tokens.
	TokenDuration time.Duration

	// Retry budgets per failure class
	UnauthorizedRetries int
	ServerErrorRetries  int

	// NetworkRetries retries transport errors with backoff (0 disables).
	NetworkRetries int

	// LogRequests logs requests and responses with sensitive values redacted.
	LogRequests bool

	// HTTP
	UserAgent  string
	HTTPClient *http.Client
	Timeout    time.Duration

	// ResponseCache stores responses of cached GET requests.
	ResponseCache cache.Store

	// Redis persists rate limit state. Nil keeps it in memory.
	Redis *redis.Client

	// AuditDir receives failed exchanges. Empty disables auditing.
	AuditDir string
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(key auth.APIKey) Config {
	return Config{
		Key:                 key,
		BaseURL:             DefaultBaseURL,
		TokenDuration:       auth.DefaultTokenDuration,
		UnauthorizedRetries: 1,
		ServerErrorRetries:  1,
		UserAgent:           "asc-client/0.1.0",
		Timeout:             60 * time.Second,
		AuditDir:            audit.DefaultDir(),
	}
}

// New creates a new App Store Connect client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}

	logger := log.With().Str("component", "asc-client").Logger()

	store, err := tokenStore(cfg)
	if err != nil {
		return nil, err
	}

	authCfg := auth.DefaultConfig(cfg.Key)
	authCfg.Store = store
	if cfg.TokenDuration > 0 {
		authCfg.TokenDuration = cfg.TokenDuration
	}
	credential, err := auth.New(authCfg)
	if err != nil {
		return nil, fmt.Errorf("create credential: %w", err)
	}

	rateLimiter := ratelimit.NewTracker(cfg.Redis, log.With().Str("component", "asc-ratelimit").Logger())

	sessCfg := session.DefaultConfig(credential.AuthorizationHeader)
	sessCfg.RevokeAuth = credential.Revoke
	sessCfg.UnauthorizedRetries = cfg.UnauthorizedRetries
	sessCfg.ServerErrorRetries = cfg.ServerErrorRetries
	sessCfg.NetworkRetries = cfg.NetworkRetries
	sessCfg.LogRequests = cfg.LogRequests
	sessCfg.BaseURL = cfg.BaseURL
	sessCfg.HTTPClient = cfg.HTTPClient
	sessCfg.Cache = cfg.ResponseCache
	sessCfg.RateLimit = rateLimiter
	if cfg.UserAgent != "" {
		sessCfg.UserAgent = cfg.UserAgent
	}
	if cfg.Timeout > 0 {
		sessCfg.Timeout = cfg.Timeout
	}
	if cfg.AuditDir != "" {
		sessCfg.Auditor = audit.New(cfg.AuditDir)
	}

	sess, err := session.New(sessCfg)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	logger.Debug().
		Str("key_id", cfg.Key.KeyID).
		Str("base_url", cfg.BaseURL).
		Bool("token_cache", store != nil).
		Msg("App Store Connect client created")

	return &Client{
		credential:  credential,
		session:     sess,
		paginator:   pagination.NewEngine(sess),
		rateLimiter: rateLimiter,
		config:      cfg,
		logger:      logger,
	}, nil
}

func tokenStore(cfg Config) (auth.Store, error) {
	if cfg.TokenStore != nil {
		return cfg.TokenStore, nil
	}
	if !cfg.EnableTokenCache {
		return nil, nil
	}
	root := cfg.CacheRoot
	if root == "" {
		var err error
		if root, err = auth.DefaultCacheRoot(); err != nil {
			return nil, err
		}
	}
	return auth.NewFileStore(root), nil
}

// Paginate returns every data resource of the listing at url.
func (c *Client) Paginate(ctx context.Context, url string, params query.Params, opts pagination.Options) ([]json.RawMessage, error) {
	result, err := c.paginator.Paginate(ctx, url, params, opts)
	if err != nil {
		return nil, err
	}
	return result.Data, nil
}

// PaginateWithIncluded returns every data and included resource of the listing at url.
func (c *Client) PaginateWithIncluded(ctx context.Context, url string, params query.Params, opts pagination.Options) (*pagination.Result, error) {
	return c.paginator.Paginate(ctx, url, params, opts)
}

// Session returns the authenticated session.
func (c *Client) Session() *session.Session {
	return c.session
}

// Credential returns the credential requests are signed with.
func (c *Client) Credential() *auth.Credential {
	return c.credential
}

// RateLimit returns the tracker fed by response headers.
func (c *Client) RateLimit() *ratelimit.Tracker {
	return c.rateLimiter
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.session.CloseIdleConnections()
	return nil
}
