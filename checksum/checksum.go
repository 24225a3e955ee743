// Package checksum provides incremental digest computation over byte streams
// and an algorithm-aware digest value used for image verification and catalog
// integrity checks.
package checksum

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"hash/crc32"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// Algorithm identifies the hash function that produced a Digest.
type Algorithm string

const (
	SHA256 Algorithm = "sha256"
	CRC32  Algorithm = "crc32"
)

var ErrUnknownAlgorithm = errors.New("unknown checksum algorithm")

// Digest is an opaque fixed-size hash value tagged with the algorithm that
// produced it. Digests from different algorithms never compare equal.
type Digest struct {
	Algo Algorithm
	Sum  []byte
}

// Equal reports whether two digests were produced by the same algorithm and
// have the same value.
func (d Digest) Equal(other Digest) bool {
	return d.Algo == other.Algo && bytes.Equal(d.Sum, other.Sum)
}

// IsZero reports whether the digest carries no value.
func (d Digest) IsZero() bool {
	return len(d.Sum) == 0
}

// String renders the digest as "algo:hex".
func (d Digest) String() string {
	return string(d.Algo) + ":" + hex.EncodeToString(d.Sum)
}

// Parse decodes a digest in "algo:hex" form.
func Parse(s string) (Digest, error) {
	algo, sum, ok := strings.Cut(s, ":")
	if !ok {
		return Digest{}, errors.Errorf("malformed digest %q: want algo:hex", s)
	}

	switch Algorithm(algo) {
	case SHA256, CRC32:
	default:
		return Digest{}, errors.Wrap(ErrUnknownAlgorithm, algo)
	}

	bs, err := hex.DecodeString(sum)
	if err != nil {
		return Digest{}, errors.Wrapf(err, "malformed digest %q", s)
	}

	return Digest{Algo: Algorithm(algo), Sum: bs}, nil
}

// ParseSHA256 decodes a bare hex sha256 value, as declared by the catalog.
func ParseSHA256(s string) (Digest, error) {
	bs, err := hex.DecodeString(s)
	if err != nil {
		return Digest{}, errors.Wrap(err, "malformed sha256")
	}
	if len(bs) != sha256.Size {
		return Digest{}, errors.Errorf("sha256 must be %d bytes, got %d", sha256.Size, len(bs))
	}
	return Digest{Algo: SHA256, Sum: bs}, nil
}

// Hasher computes a digest incrementally from written bytes.
type Hasher struct {
	algo Algorithm
	h    hash.Hash
}

// NewHasher returns an incremental hasher for the given algorithm.
func NewHasher(algo Algorithm) (*Hasher, error) {
	switch algo {
	case SHA256:
		return &Hasher{algo: algo, h: sha256.New()}, nil
	case CRC32:
		return &Hasher{algo: algo, h: crc32.NewIEEE()}, nil
	default:
		return nil, errors.Wrap(ErrUnknownAlgorithm, string(algo))
	}
}

func (h *Hasher) Write(p []byte) (int, error) {
	return h.h.Write(p)
}

// Digest returns the digest of everything written so far.
func (h *Hasher) Digest() Digest {
	return Digest{Algo: h.algo, Sum: h.h.Sum(nil)}
}

// Sum computes the digest of a byte slice in one shot.
func Sum(algo Algorithm, p []byte) (Digest, error) {
	h, err := NewHasher(algo)
	if err != nil {
		return Digest{}, err
	}
	h.Write(p)
	return h.Digest(), nil
}

// SumReader digests everything remaining in r.
func SumReader(algo Algorithm, r io.Reader) (Digest, error) {
	h, err := NewHasher(algo)
	if err != nil {
		return Digest{}, err
	}
	if _, err := io.Copy(h, r); err != nil {
		return Digest{}, errors.Wrap(err, "digesting stream")
	}
	return h.Digest(), nil
}

// Reader digests bytes as they pass through, so verification can piggyback on
// the write path without a second read of the source.
type Reader struct {
	r io.Reader
	h *Hasher
	n uint64
}

// NewReader wraps r so that all bytes read are also hashed.
func NewReader(r io.Reader, algo Algorithm) (*Reader, error) {
	h, err := NewHasher(algo)
	if err != nil {
		return nil, err
	}
	return &Reader{r: r, h: h}, nil
}

func (t *Reader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n > 0 {
		t.h.Write(p[:n])
		t.n += uint64(n)
	}
	return n, err
}

// BytesRead returns the number of bytes digested so far.
func (t *Reader) BytesRead() uint64 { return t.n }

// Digest returns the digest of the bytes read so far.
func (t *Reader) Digest() Digest { return t.h.Digest() }
