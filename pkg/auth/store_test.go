package auth

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore_RoundTrip(t *testing.T) {
	store := NewFileStore(t.TempDir())
	ctx := context.Background()

	_, err := store.Load(ctx, testKeyID)
	assert.ErrorIs(t, err, ErrNotCached)

	require.NoError(t, store.Save(ctx, testKeyID, "token-1", time.Now().Add(time.Minute)))
	require.NoError(t, store.Save(ctx, testKeyID, "token-2", time.Now().Add(time.Minute)))

	token, err := store.Load(ctx, testKeyID)
	require.NoError(t, err)
	assert.Equal(t, "token-2", token)

	info, err := os.Stat(store.Path(testKeyID))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(cacheFilePerm), info.Mode().Perm())

	entries, err := os.ReadDir(filepath.Join(store.Root, CacheDirName))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files must not be left behind")
}

func TestFileStore_Delete(t *testing.T) {
	store := NewFileStore(t.TempDir())
	ctx := context.Background()

	require.NoError(t, store.Delete(ctx, testKeyID), "deleting a missing entry is not an error")

	require.NoError(t, store.Save(ctx, testKeyID, "token", time.Time{}))
	require.NoError(t, store.Delete(ctx, testKeyID))

	_, err := store.Load(ctx, testKeyID)
	assert.ErrorIs(t, err, ErrNotCached)
}

func TestFileStore_Path(t *testing.T) {
	store := NewFileStore("/var/cache/asc")
	assert.Equal(t, filepath.Join("/var/cache/asc", "app_store_connect_jwt", "KEY1"), store.Path("KEY1"))
}

func TestFileStore_InvalidKeyID(t *testing.T) {
	store := NewFileStore(t.TempDir())
	ctx := context.Background()

	for _, keyID := range []string{"", "..", "../escape", `a\b`} {
		t.Run(keyID, func(t *testing.T) {
			assert.ErrorIs(t, store.Save(ctx, keyID, "token", time.Time{}), ErrInvalidKeyID)
			_, err := store.Load(ctx, keyID)
			assert.ErrorIs(t, err, ErrInvalidKeyID)
			assert.ErrorIs(t, store.Delete(ctx, keyID), ErrInvalidKeyID)
		})
	}
}

func TestDefaultCacheRoot(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", "/tmp/xdg-cache")
	t.Setenv("HOME", "/tmp/home")

	root, err := DefaultCacheRoot()
	require.NoError(t, err)
	assert.Equal(t, "asc-client", filepath.Base(root))
}
