package main

import (
	"context"
	"fmt"
	"os"

	"github.com/Sternrassler/asc-client/pkg/auth"
	"github.com/Sternrassler/asc-client/pkg/cache"
	"github.com/Sternrassler/asc-client/pkg/client"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
)

// loadAPIKey reads the key settings. The private key is taken from
// ASC_PRIVATE_KEY (or private-key in the config file) before private-key-path.
func loadAPIKey(v *viper.Viper) (auth.APIKey, error) {
	key := auth.APIKey{
		KeyID:      v.GetString("key-id"),
		IssuerID:   v.GetString("issuer-id"),
		PrivateKey: v.GetString("private-key"),
	}
	if key.KeyID == "" {
		return key, fmt.Errorf("key id is required (--key-id or ASC_KEY_ID)")
	}
	if key.IssuerID == "" {
		return key, fmt.Errorf("issuer id is required (--issuer-id or ASC_ISSUER_ID)")
	}
	if key.PrivateKey != "" {
		return key, nil
	}

	path := v.GetString("private-key-path")
	if path == "" {
		return key, fmt.Errorf("private key is required (--private-key-path or ASC_PRIVATE_KEY)")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return key, fmt.Errorf("read private key: %w", err)
	}
	key.PrivateKey = string(data)
	return key, nil
}

// connectRedis returns nil when no Redis address is configured.
func connectRedis(ctx context.Context, v *viper.Viper) (*redis.Client, error) {
	addr := v.GetString("redis-url")
	if addr == "" {
		return nil, nil
	}
	redisClient := redis.NewClient(&redis.Options{Addr: addr})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		redisClient.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	return redisClient, nil
}

// clientConfig builds the client configuration from flags, environment and config file.
func clientConfig(v *viper.Viper, key auth.APIKey, redisClient *redis.Client) client.Config {
	cfg := client.DefaultConfig(key)
	cfg.BaseURL = v.GetString("base-url")
	cfg.UnauthorizedRetries = v.GetInt("unauthorized-retries")
	cfg.ServerErrorRetries = v.GetInt("server-error-retries")
	cfg.NetworkRetries = v.GetInt("network-retries")
	cfg.LogRequests = v.GetBool("log-requests")
	cfg.UserAgent = "asc-client/" + version
	if dir := v.GetString("audit-dir"); dir != "" {
		cfg.AuditDir = dir
	}

	if redisClient != nil {
		cfg.Redis = redisClient
		cfg.TokenStore = auth.NewRedisStore(redisClient)
		cfg.ResponseCache = cache.NewRedisStore(redisClient)
		return cfg
	}

	cfg.EnableTokenCache = v.GetBool("token-cache")
	cfg.CacheRoot = v.GetString("cache-root")
	cfg.ResponseCache = cache.NewMemoryStore()
	return cfg
}

// newClient creates a client and a cleanup func releasing it.
func newClient(ctx context.Context, v *viper.Viper) (*client.Client, func(), error) {
	key, err := loadAPIKey(v)
	if err != nil {
		return nil, nil, err
	}

	redisClient, err := connectRedis(ctx, v)
	if err != nil {
		return nil, nil, err
	}

	c, err := client.New(clientConfig(v, key, redisClient))
	if err != nil {
		if redisClient != nil {
			redisClient.Close()
		}
		return nil, nil, err
	}

	cleanup := func() {
		c.Close()
		if redisClient != nil {
			redisClient.Close()
		}
	}
	return c, cleanup, nil
}
