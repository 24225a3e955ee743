// Package source resolves an image reference into a sequential stream of
// decompressed bytes plus the declared size and digest the stream must match.
// Streams are finite and non-restartable; the digest is checked incrementally
// as the bytes are consumed so no second pass over the source is needed.
package source

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/ulikunitz/xz"

	"github.com/synthread/go-imager/catalog"
	"github.com/synthread/go-imager/checksum"
)

var (
	// ErrUnknownCompression fails fast before any destination I/O begins.
	ErrUnknownCompression = errors.New("unknown image compression kind")

	// ErrZeroSize rejects images declaring no content; a doomed job must not
	// touch the destination.
	ErrZeroSize = errors.New("image declares zero size")

	// ErrTruncated means the stream ended before the declared size. This is
	// a corrupt or incomplete download, distinct from a digest mismatch.
	ErrTruncated = errors.New("image stream ended before declared size")

	// ErrOversized means the stream carried more bytes than declared.
	ErrOversized = errors.New("image stream longer than declared size")

	// ErrDigestMismatch means the full content hashed to something other
	// than the declared digest: a corrupt or incompatible image.
	ErrDigestMismatch = errors.New("image digest mismatch")
)

// Stream is a finite, non-restartable byte stream of decompressed image
// content. Read enforces the declared size and digest: a short stream yields
// ErrTruncated, surplus bytes yield ErrOversized, and the final Read at the
// declared boundary yields ErrDigestMismatch instead of io.EOF when the
// content does not hash to the declared digest.
type Stream struct {
	r        *checksum.Reader
	closer   io.Closer
	size     uint64
	declared checksum.Digest
}

// Size is the declared decompressed size in bytes.
func (s *Stream) Size() uint64 { return s.size }

// Declared is the catalog-declared content digest.
func (s *Stream) Declared() checksum.Digest { return s.declared }

// Computed is the digest of the bytes read so far. Only meaningful for
// comparison once the stream has been fully consumed.
func (s *Stream) Computed() checksum.Digest { return s.r.Digest() }

func (s *Stream) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)

	if s.r.BytesRead() > s.size {
		return n, errors.Wrapf(ErrOversized, "declared %d", s.size)
	}

	if err == io.EOF {
		if s.r.BytesRead() < s.size {
			return n, errors.Wrapf(ErrTruncated, "got %d of %d bytes", s.r.BytesRead(), s.size)
		}
		if !s.declared.IsZero() && !s.r.Digest().Equal(s.declared) {
			return n, errors.Wrapf(ErrDigestMismatch, "declared %s, computed %s", s.declared, s.r.Digest())
		}
	}

	return n, err
}

func (s *Stream) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// OpenReader wraps an already-open compressed reader. The declared size and
// digest describe the decompressed content; a zero digest skips content
// verification (bare local files with no catalog entry).
func OpenReader(r io.ReadCloser, compression catalog.Compression, size uint64, declared checksum.Digest) (*Stream, error) {
	if size == 0 {
		r.Close()
		return nil, ErrZeroSize
	}

	var decoded io.Reader
	switch compression {
	case catalog.CompressionNone, "":
		decoded = r
	case catalog.CompressionXz:
		xr, err := xz.NewReader(r)
		if err != nil {
			r.Close()
			return nil, errors.Wrap(err, "xz header")
		}
		decoded = xr
	default:
		r.Close()
		return nil, errors.Wrap(ErrUnknownCompression, string(compression))
	}

	cr, err := checksum.NewReader(decoded, checksum.SHA256)
	if err != nil {
		r.Close()
		return nil, err
	}

	return &Stream{r: cr, closer: r, size: size, declared: declared}, nil
}

// OpenFile resolves a local file into a decompressed stream.
func OpenFile(path string, compression catalog.Compression, size uint64, declared checksum.Digest) (*Stream, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open image %s", path)
	}

	logrus.WithFields(logrus.Fields{
		"path":        path,
		"compression": compression,
		"size":        size,
	}).Debug("image source opened")

	return OpenReader(f, compression, size, declared)
}

// OpenImage resolves a catalog image whose artifact is already on disk at
// localPath (its own Path, or a cache hit for its URL; fetching is the
// caller's concern).
func OpenImage(img catalog.OSImage, localPath string) (*Stream, error) {
	declared, err := img.Digest()
	if err != nil {
		return nil, errors.Wrapf(err, "image %s", img.ID)
	}

	if localPath == "" {
		localPath = img.Path
	}
	if localPath == "" {
		return nil, errors.Errorf("image %s: no local artifact (url images must be fetched first)", img.ID)
	}

	return OpenFile(localPath, img.Compression, img.Size, declared)
}
