package buildcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/droidpack/droidpack"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/opencontainers/go-digest"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"
)

const (
	apkName      = "app.apk"
	metadataName = "metadata.yaml"

	// DefaultMaxEntries bounds how many artifacts the cache retains
	// before evicting least-recently-used entries.
	DefaultMaxEntries = 64
)

// Cache is a content-addressed artifact cache over a blob bucket.
// Entries are keyed by the build's input fingerprint; concurrent builds
// for the same key coalesce onto a single execution.
type Cache struct {
	bucket *blob.Bucket
	group  singleflight.Group
	index  *lru.Cache[string, struct{}]
}

func apkKey(key digest.Digest) string {
	return path.Join(key.Algorithm().String(), key.Encoded(), apkName)
}

func metadataKey(key digest.Digest) string {
	return path.Join(key.Algorithm().String(), key.Encoded(), metadataName)
}

// New builds a Cache over bucket, seeding the eviction index from the
// entries already stored there.
func New(ctx context.Context, bucket *blob.Bucket, maxEntries int) (*Cache, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}

	cache := &Cache{bucket: bucket}

	index, err := lru.NewWithEvict(maxEntries, func(key string, _ struct{}) {
		// Eviction is advisory cleanup; a failed delete just leaves a
		// blob the next seed pass will index again.
		_ = bucket.Delete(context.Background(), key+"/"+apkName)
		_ = bucket.Delete(context.Background(), key+"/"+metadataName)
	})
	if err != nil {
		return nil, err
	}

	cache.index = index

	iter := bucket.List(&blob.ListOptions{})
	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return nil, err
		}

		if strings.HasSuffix(obj.Key, "/"+metadataName) {
			cache.index.Add(strings.TrimSuffix(obj.Key, "/"+metadataName), struct{}{})
		}
	}

	return cache, nil
}

// Lookup returns the artifact stored under key, or nil on a miss. A
// stored artifact whose content no longer matches its recorded digest
// is invalidated and reported as a miss instead of being served.
func (c *Cache) Lookup(ctx context.Context, key digest.Digest) (*droidpack.Artifact, error) {
	data, err := c.bucket.ReadAll(ctx, metadataKey(key))
	if gcerrors.Code(err) == gcerrors.NotFound {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	artifact := &droidpack.Artifact{}
	if err := yaml.Unmarshal(data, artifact); err != nil {
		return nil, c.invalidate(ctx, key)
	}

	r, err := c.bucket.NewReader(ctx, apkKey(key), nil)
	if gcerrors.Code(err) == gcerrors.NotFound {
		return nil, c.invalidate(ctx, key)
	} else if err != nil {
		return nil, err
	}
	defer r.Close()

	dgst, err := digest.FromReader(r)
	if err != nil {
		return nil, err
	}

	if dgst != artifact.Digest {
		return nil, c.invalidate(ctx, key)
	}

	c.index.Add(keyPrefix(key), struct{}{})

	return artifact, nil
}

func (c *Cache) invalidate(ctx context.Context, key digest.Digest) error {
	c.index.Remove(keyPrefix(key))

	if err := c.bucket.Delete(ctx, apkKey(key)); err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return err
	}

	if err := c.bucket.Delete(ctx, metadataKey(key)); err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return err
	}

	return nil
}

// Store promotes a built artifact into the cache. The artifact blob is
// written before its metadata so an interrupted store never yields an
// entry that looks complete.
func (c *Cache) Store(ctx context.Context, key digest.Digest, name string, artifact *droidpack.Artifact) error {
	f, err := os.Open(name)
	if err != nil {
		return err
	}
	defer f.Close()

	w, err := c.bucket.NewWriter(ctx, apkKey(key), nil)
	if err != nil {
		return err
	}

	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return err
	}

	if err := w.Close(); err != nil {
		return err
	}

	data, err := yaml.Marshal(artifact)
	if err != nil {
		return err
	}

	if err := c.bucket.WriteAll(ctx, metadataKey(key), data, nil); err != nil {
		return err
	}

	c.index.Add(keyPrefix(key), struct{}{})

	return nil
}

// Export copies the artifact stored under key to dst.
func (c *Cache) Export(ctx context.Context, key digest.Digest, dst string) error {
	r, err := c.bucket.NewReader(ctx, apkKey(key), nil)
	if err != nil {
		return err
	}
	defer r.Close()

	f, err := os.Create(dst)
	if err != nil {
		return err
	}

	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return err
	}

	return f.Close()
}

// BuildFunc produces an artifact on a cache miss, returning the path of
// the built package and its metadata.
type BuildFunc func(ctx context.Context) (string, *droidpack.Artifact, error)

// Do returns the artifact for key, running build at most once across
// all concurrent callers with the same key. Every coalesced caller gets
// the same artifact or the same failure.
func (c *Cache) Do(ctx context.Context, key digest.Digest, build BuildFunc) (*droidpack.Artifact, error) {
	v, err, _ := c.group.Do(key.String(), func() (any, error) {
		artifact, err := c.Lookup(ctx, key)
		if err != nil {
			return nil, err
		}

		if artifact != nil {
			return artifact, nil
		}

		name, artifact, err := build(ctx)
		if err != nil {
			return nil, err
		}

		if err := c.Store(ctx, key, name, artifact); err != nil {
			return nil, err
		}

		return artifact, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(*droidpack.Artifact), nil
}

// Clean removes every cache entry.
func (c *Cache) Clean(ctx context.Context) error {
	c.index.Purge()

	iter := c.bucket.List(&blob.ListOptions{})
	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		} else if err != nil {
			return err
		}

		if err := c.bucket.Delete(ctx, obj.Key); err != nil && gcerrors.Code(err) != gcerrors.NotFound {
			return fmt.Errorf("clean %s: %w", obj.Key, err)
		}
	}
}

func keyPrefix(key digest.Digest) string {
	return path.Join(key.Algorithm().String(), key.Encoded())
}
