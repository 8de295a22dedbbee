package buildcache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/droidpack/droidpack"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"
)

func newTestCache(t *testing.T, maxEntries int) *Cache {
	t.Helper()

	bucket := memblob.OpenBucket(nil)
	t.Cleanup(func() {
		_ = bucket.Close()
	})

	cache, err := New(context.Background(), bucket, maxEntries)
	require.NoError(t, err)

	return cache
}

func writeAPK(t *testing.T, content string) (string, *droidpack.Artifact) {
	t.Helper()

	name := filepath.Join(t.TempDir(), "app.apk")
	require.NoError(t, os.WriteFile(name, []byte(content), 0o600))

	return name, &droidpack.Artifact{
		Name:   "app.apk",
		Digest: digest.FromString(content),
		Size:   int64(len(content)),
	}
}

func TestStoreThenLookup(t *testing.T) {
	var (
		ctx   = context.Background()
		cache = newTestCache(t, 0)
		key   = digest.FromString("key")
	)

	name, artifact := writeAPK(t, "package bytes")
	require.NoError(t, cache.Store(ctx, key, name, artifact))

	got, err := cache.Lookup(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, artifact.Digest, got.Digest)

	dst := filepath.Join(t.TempDir(), "out.apk")
	require.NoError(t, cache.Export(ctx, key, dst))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "package bytes", string(data))
}

func TestLookupMiss(t *testing.T) {
	cache := newTestCache(t, 0)

	got, err := cache.Lookup(context.Background(), digest.FromString("absent"))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCorruptEntryIsInvalidatedNotServed(t *testing.T) {
	var (
		ctx   = context.Background()
		cache = newTestCache(t, 0)
		key   = digest.FromString("key")
	)

	name, artifact := writeAPK(t, "good bytes")
	require.NoError(t, cache.Store(ctx, key, name, artifact))

	// Corrupt the stored package behind the cache's back.
	require.NoError(t, cache.bucket.WriteAll(ctx, apkKey(key), []byte("corrupted"), nil))

	got, err := cache.Lookup(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, got, "corrupt entry must be a miss")

	exists, err := cache.bucket.Exists(ctx, metadataKey(key))
	require.NoError(t, err)
	assert.False(t, exists, "corrupt entry must be invalidated")
}

func TestDoCoalescesConcurrentBuilds(t *testing.T) {
	var (
		ctx    = context.Background()
		cache  = newTestCache(t, 0)
		key    = digest.FromString("key")
		builds atomic.Int32
	)

	name, artifact := writeAPK(t, "built once")

	build := func(context.Context) (string, *droidpack.Artifact, error) {
		builds.Add(1)
		time.Sleep(50 * time.Millisecond)
		return name, artifact, nil
	}

	const n = 8

	var (
		wg      sync.WaitGroup
		results [n]*droidpack.Artifact
		errs    [n]error
	)

	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = cache.Do(ctx, key, build)
		}()
	}

	wg.Wait()

	assert.Equal(t, int32(1), builds.Load(), "concurrent identical builds must coalesce")
	for i := range n {
		require.NoError(t, errs[i])
		assert.Equal(t, artifact.Digest, results[i].Digest)
	}
}

func TestDoFailedBuildDoesNotPopulateCache(t *testing.T) {
	var (
		ctx   = context.Background()
		cache = newTestCache(t, 0)
		key   = digest.FromString("key")
	)

	boom := errors.New("compile failed")
	_, err := cache.Do(ctx, key, func(context.Context) (string, *droidpack.Artifact, error) {
		return "", nil, boom
	})
	require.ErrorIs(t, err, boom)

	got, err := cache.Lookup(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestEvictionRemovesLeastRecentlyUsed(t *testing.T) {
	var (
		ctx   = context.Background()
		cache = newTestCache(t, 2)
		keyA  = digest.FromString("a")
		keyB  = digest.FromString("b")
		keyC  = digest.FromString("c")
	)

	for _, k := range []struct {
		key     digest.Digest
		content string
	}{{keyA, "aaa"}, {keyB, "bbb"}, {keyC, "ccc"}} {
		name, artifact := writeAPK(t, k.content)
		require.NoError(t, cache.Store(ctx, k.key, name, artifact))
	}

	got, err := cache.Lookup(ctx, keyA)
	require.NoError(t, err)
	assert.Nil(t, got, "oldest entry should have been evicted")

	got, err = cache.Lookup(ctx, keyC)
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestNewSeedsIndexFromBucket(t *testing.T) {
	var (
		ctx    = context.Background()
		bucket = memblob.OpenBucket(nil)
		key    = digest.FromString("key")
	)
	t.Cleanup(func() {
		_ = bucket.Close()
	})

	first, err := New(ctx, bucket, 0)
	require.NoError(t, err)

	name, artifact := writeAPK(t, "persisted")
	require.NoError(t, first.Store(ctx, key, name, artifact))

	second, err := New(ctx, bucket, 0)
	require.NoError(t, err)

	got, err := second.Lookup(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, artifact.Digest, got.Digest)
}
