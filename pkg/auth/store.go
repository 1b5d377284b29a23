package auth

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store persists raw tokens by key identifier.
type Store interface {
	// Load returns the stored token or ErrNotCached.
	Load(ctx context.Context, keyID string) (string, error)

	// Save stores token, replacing any previous entry.
	Save(ctx context.Context, keyID, token string, expiresAt time.Time) error

	// Delete removes the entry. Deleting a missing entry is not an error.
	Delete(ctx context.Context, keyID string) error
}

const (
	cacheDirPerm  = 0o750
	cacheFilePerm = 0o600
)

// DefaultCacheRoot returns the per-user cache directory used when no root is configured.
func DefaultCacheRoot() (string, error) {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("resolve user cache dir: %w", err)
	}
	return filepath.Join(dir, "asc-client"), nil
}

// FileStore keeps one file per key at <Root>/app_store_connect_jwt/<keyID>
// holding only the raw token.
type FileStore struct {
	Root string
}

// NewFileStore creates a file store below root.
func NewFileStore(root string) *FileStore {
	return &FileStore{Root: root}
}

// Path returns the cache file path for keyID.
func (s *FileStore) Path(keyID string) string {
	return filepath.Join(s.Root, CacheDirName, keyID)
}

// Load reads the cached token for keyID.
func (s *FileStore) Load(_ context.Context, keyID string) (string, error) {
	if err := checkKeyID(keyID); err != nil {
		return "", err
	}
	data, err := os.ReadFile(s.Path(keyID))
	if errors.Is(err, fs.ErrNotExist) {
		return "", ErrNotCached
	}
	if err != nil {
		return "", fmt.Errorf("read token cache: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Save writes token to a temporary file and renames it into place so readers
// never observe a partial write.
func (s *FileStore) Save(_ context.Context, keyID, token string, _ time.Time) error {
	if err := checkKeyID(keyID); err != nil {
		return err
	}

	dir := filepath.Join(s.Root, CacheDirName)
	if err := os.MkdirAll(dir, cacheDirPerm); err != nil {
		return fmt.Errorf("create token cache dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+keyID+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp token file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.WriteString(token); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp token file: %w", err)
	}
	if err := tmp.Chmod(cacheFilePerm); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp token file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp token file: %w", err)
	}

	if err := os.Rename(tmpName, s.Path(keyID)); err != nil {
		return fmt.Errorf("rename token file: %w", err)
	}
	return nil
}

// Delete removes the cache file for keyID.
func (s *FileStore) Delete(_ context.Context, keyID string) error {
	if err := checkKeyID(keyID); err != nil {
		return err
	}
	err := os.Remove(s.Path(keyID))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete token cache: %w", err)
	}
	return nil
}

func checkKeyID(keyID string) error {
	if keyID == "" || keyID == "." || keyID == ".." || strings.ContainsAny(keyID, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidKeyID, keyID)
	}
	return nil
}

// RedisKeyPrefix prefixes token entries in Redis.
const RedisKeyPrefix = "asc:jwt:"

// RedisStore shares tokens between hosts through Redis. Entries expire
// together with the token.
type RedisStore struct {
	redis *redis.Client
}

// NewRedisStore creates a Redis backed token store.
func NewRedisStore(redisClient *redis.Client) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &RedisStore{redis: redisClient}
}

// Load fetches the token for keyID.
func (s *RedisStore) Load(ctx context.Context, keyID string) (string, error) {
	token, err := s.redis.Get(ctx, RedisKeyPrefix+keyID).Result()
	if err != nil {
		if err == redis.Nil {
			return "", ErrNotCached
		}
		return "", fmt.Errorf("redis get: %w", err)
	}
	return token, nil
}

// Save stores token until expiresAt. Already expired tokens are not stored.
func (s *RedisStore) Save(ctx context.Context, keyID, token string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil
	}
	if err := s.redis.Set(ctx, RedisKeyPrefix+keyID, token, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete removes the token for keyID.
func (s *RedisStore) Delete(ctx context.Context, keyID string) error {
	if err := s.redis.Del(ctx, RedisKeyPrefix+keyID).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
