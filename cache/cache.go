// Package cache indexes downloaded image artifacts on disk so a fetch can be
// skipped when the same content is already present. Lookups go by content
// sha256 or by source URL; fetching itself is the caller's concern. Entries
// whose backing file has vanished or no longer hashes correctly are evicted
// on lookup, never served.
package cache

import (
	"encoding/hex"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"github.com/synthread/go-imager/checksum"
)

const (
	bucketBySHA = "artifacts_by_sha"
	bucketByURL = "url_to_sha"
)

var ErrMiss = errors.New("artifact not in cache")

// Cache is a directory of verified image artifacts with a bolt index.
type Cache struct {
	db  *bolt.DB
	dir string
}

// Open creates or opens a cache rooted at dir.
func Open(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create cache dir")
	}

	db, err := bolt.Open(filepath.Join(dir, "index.db"), 0o644, nil)
	if err != nil {
		return nil, errors.Wrap(err, "open cache index")
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketBySHA, bucketByURL} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create cache buckets")
	}

	return &Cache{db: db, dir: dir}, nil
}

func (c *Cache) Close() error { return c.db.Close() }

// Put moves a downloaded artifact into the cache after verifying its sha256.
// The URL is optional; when given, later lookups by that URL resolve to the
// same artifact.
func (c *Cache) Put(srcPath, url string, declared checksum.Digest) (string, error) {
	if declared.Algo != checksum.SHA256 {
		return "", errors.Errorf("cache is keyed by sha256, got %s", declared.Algo)
	}

	f, err := os.Open(srcPath)
	if err != nil {
		return "", errors.Wrap(err, "open artifact")
	}
	actual, err := checksum.SumReader(checksum.SHA256, f)
	f.Close()
	if err != nil {
		return "", err
	}
	if !actual.Equal(declared) {
		return "", errors.Errorf("artifact %s does not match declared digest %s", srcPath, declared)
	}

	dst := c.pathFor(declared)
	if srcPath != dst {
		if err := os.Rename(srcPath, dst); err != nil {
			// cross-device move: fall back to copy
			if err := copyFile(srcPath, dst); err != nil {
				return "", errors.Wrap(err, "store artifact")
			}
			os.Remove(srcPath)
		}
	}

	err = c.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket([]byte(bucketBySHA)).Put(declared.Sum, []byte(dst)); err != nil {
			return err
		}
		if url != "" {
			return tx.Bucket([]byte(bucketByURL)).Put([]byte(url), declared.Sum)
		}
		return nil
	})
	if err != nil {
		return "", errors.Wrap(err, "index artifact")
	}

	logrus.WithFields(logrus.Fields{"sha256": hex.EncodeToString(declared.Sum), "path": dst}).Debug("artifact cached")

	return dst, nil
}

// GetBySHA returns the cached artifact path for a content digest, re-hashing
// the file to catch on-disk corruption before it is served.
func (c *Cache) GetBySHA(declared checksum.Digest) (string, error) {
	var path string
	err := c.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket([]byte(bucketBySHA)).Get(declared.Sum); v != nil {
			path = string(v)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if path == "" {
		return "", ErrMiss
	}

	f, err := os.Open(path)
	if err != nil {
		c.evict(declared)
		return "", errors.Wrapf(ErrMiss, "cached file gone: %s", path)
	}
	actual, err := checksum.SumReader(checksum.SHA256, f)
	f.Close()
	if err != nil || !actual.Equal(declared) {
		c.evict(declared)
		os.Remove(path)
		return "", errors.Wrapf(ErrMiss, "cached file corrupt: %s", path)
	}

	return path, nil
}

// GetByURL resolves a source URL to a cached artifact path.
func (c *Cache) GetByURL(url string) (string, error) {
	var sum []byte
	err := c.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket([]byte(bucketByURL)).Get([]byte(url)); v != nil {
			sum = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if sum == nil {
		return "", ErrMiss
	}
	return c.GetBySHA(checksum.Digest{Algo: checksum.SHA256, Sum: sum})
}

func (c *Cache) evict(d checksum.Digest) {
	_ = c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketBySHA)).Delete(d.Sum)
	})
}

func (c *Cache) pathFor(d checksum.Digest) string {
	return filepath.Join(c.dir, hex.EncodeToString(d.Sum))
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.CreateTemp(filepath.Dir(dst), ".cache-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(out.Name())
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(out.Name())
		return err
	}
	return os.Rename(out.Name(), dst)
}
