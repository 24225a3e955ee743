package source

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"

	"github.com/synthread/go-imager/catalog"
	"github.com/synthread/go-imager/checksum"
)

func fixturePayload(t *testing.T, n int) ([]byte, checksum.Digest) {
	t.Helper()

	payload := make([]byte, n)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	d, err := checksum.Sum(checksum.SHA256, payload)
	require.NoError(t, err)
	return payload, d
}

func xzCompress(t *testing.T, payload []byte) []byte {
	t.Helper()

	var buf bytes.Buffer
	w, err := xz.NewWriter(&buf)
	require.NoError(t, err)
	_, err = w.Write(payload)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestOpenReaderStoreRoundTrip(t *testing.T) {
	payload, digest := fixturePayload(t, 64*1024)

	s, err := OpenReader(io.NopCloser(bytes.NewReader(payload)), catalog.CompressionNone, uint64(len(payload)), digest)
	require.NoError(t, err)
	defer s.Close()

	got, err := io.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.True(t, s.Computed().Equal(digest))
}

func TestOpenReaderXzRoundTrip(t *testing.T) {
	payload, digest := fixturePayload(t, 128*1024)
	compressed := xzCompress(t, payload)

	s, err := OpenReader(io.NopCloser(bytes.NewReader(compressed)), catalog.CompressionXz, uint64(len(payload)), digest)
	require.NoError(t, err)
	defer s.Close()

	got, err := io.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, payload, got, "decompressed content must match the original fixture")
	assert.True(t, s.Computed().Equal(digest), "computed digest must equal the catalog-declared digest")
}

func TestOpenReaderUnknownCompression(t *testing.T) {
	_, err := OpenReader(io.NopCloser(bytes.NewReader([]byte("x"))), "zip", 1, checksum.Digest{})
	assert.ErrorIs(t, err, ErrUnknownCompression)
}

func TestOpenReaderZeroSize(t *testing.T) {
	_, err := OpenReader(io.NopCloser(bytes.NewReader(nil)), catalog.CompressionNone, 0, checksum.Digest{})
	assert.ErrorIs(t, err, ErrZeroSize)
}

func TestStreamDetectsTruncation(t *testing.T) {
	payload, digest := fixturePayload(t, 4096)

	// declare more bytes than the stream carries
	s, err := OpenReader(io.NopCloser(bytes.NewReader(payload[:1000])), catalog.CompressionNone, uint64(len(payload)), digest)
	require.NoError(t, err)
	defer s.Close()

	_, err = io.ReadAll(s)
	assert.ErrorIs(t, err, ErrTruncated)
	assert.NotErrorIs(t, err, ErrDigestMismatch, "truncation and digest mismatch imply different remediation")
}

func TestStreamDetectsDigestMismatch(t *testing.T) {
	payload, digest := fixturePayload(t, 4096)
	corrupted := append([]byte(nil), payload...)
	corrupted[17] ^= 0xff

	s, err := OpenReader(io.NopCloser(bytes.NewReader(corrupted)), catalog.CompressionNone, uint64(len(payload)), digest)
	require.NoError(t, err)
	defer s.Close()

	_, err = io.ReadAll(s)
	assert.ErrorIs(t, err, ErrDigestMismatch)
	assert.NotErrorIs(t, err, ErrTruncated)
}

func TestStreamDetectsOversize(t *testing.T) {
	payload, digest := fixturePayload(t, 4096)

	s, err := OpenReader(io.NopCloser(bytes.NewReader(payload)), catalog.CompressionNone, 1000, digest)
	require.NoError(t, err)
	defer s.Close()

	_, err = io.ReadAll(s)
	assert.ErrorIs(t, err, ErrOversized)
}

func TestOpenFileAndOpenImage(t *testing.T) {
	payload, digest := fixturePayload(t, 8192)
	path := filepath.Join(t.TempDir(), "image.img.xz")
	require.NoError(t, os.WriteFile(path, xzCompress(t, payload), 0o644))

	s, err := OpenFile(path, catalog.CompressionXz, uint64(len(payload)), digest)
	require.NoError(t, err)
	got, err := io.ReadAll(s)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.Equal(t, payload, got)

	img := catalog.OSImage{
		ID:          "fixture",
		Path:        path,
		Size:        uint64(len(payload)),
		SHA256:      digest.String()[len("sha256:"):],
		Compression: catalog.CompressionXz,
	}
	s, err = OpenImage(img, "")
	require.NoError(t, err)
	got, err = io.ReadAll(s)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.Equal(t, payload, got)

	_, err = OpenImage(catalog.OSImage{ID: "remote", URL: "https://x/y", Size: 1, SHA256: img.SHA256}, "")
	assert.Error(t, err, "url images need a fetched local artifact")
}
