package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synthread/go-imager/destination"
)

func testImage(id string) OSImage {
	sum := sha256.Sum256([]byte(id))
	return OSImage{
		ID:          id,
		Name:        "Image " + id,
		URL:         "https://images.example.org/" + id + ".img.xz",
		Size:        64 * 1024 * 1024,
		SHA256:      hex.EncodeToString(sum[:]),
		Compression: CompressionXz,
		InitFormat:  InitSysconf,
	}
}

func testBoard(id string, images ...string) Board {
	return Board{
		ID:           id,
		Name:         "Board " + id,
		Images:       images,
		Destinations: []destination.Kind{destination.KindBlockDevice},
	}
}

func sealed(t *testing.T, boards []Board, images []OSImage) []byte {
	t.Helper()
	doc, err := Seal("2026.08", boards, images)
	require.NoError(t, err)
	return doc
}

func TestParseValidManifest(t *testing.T) {
	doc := sealed(t,
		[]Board{testBoard("bbai64", "debian-12"), testBoard("pocketbeagle2", "debian-12")},
		[]OSImage{testImage("debian-12")},
	)

	m, err := Parse(doc)
	require.NoError(t, err)

	assert.Equal(t, "2026.08", m.Version)

	b, ok := m.Board("bbai64")
	require.True(t, ok)
	assert.Equal(t, "Board bbai64", b.Name)

	imgs := m.ImagesFor("pocketbeagle2")
	require.Len(t, imgs, 1)
	assert.Equal(t, "debian-12", imgs[0].ID)

	d, err := imgs[0].Digest()
	require.NoError(t, err)
	assert.False(t, d.IsZero())
}

func TestParseRejectsMalformedDocument(t *testing.T) {
	_, err := Parse([]byte("not json"))
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestParseRejectsTamperedPayload(t *testing.T) {
	doc := sealed(t, []Board{testBoard("bbai64", "img")}, []OSImage{testImage("img")})

	var env map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(doc, &env))
	tampered := []byte(`{"version":"2026.08","boards":[],"images":[]}`)
	env["payload"] = tampered
	doc, err := json.Marshal(env)
	require.NoError(t, err)

	_, err = Parse(doc)
	assert.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "integrity")
}

func TestParseRejectsDuplicateIDs(t *testing.T) {
	doc := sealed(t,
		[]Board{testBoard("b", "img"), testBoard("b", "img")},
		[]OSImage{testImage("img")},
	)
	_, err := Parse(doc)
	assert.ErrorIs(t, err, ErrInvalid)

	doc = sealed(t,
		[]Board{testBoard("b", "img")},
		[]OSImage{testImage("img"), testImage("img")},
	)
	_, err = Parse(doc)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestParseRejectsDanglingImageReference(t *testing.T) {
	doc := sealed(t, []Board{testBoard("b", "missing")}, []OSImage{testImage("img")})

	_, err := Parse(doc)
	assert.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "missing")
}

func TestParseRejectsBadImageMetadata(t *testing.T) {
	zeroSize := testImage("img")
	zeroSize.Size = 0
	_, err := Parse(sealed(t, nil, []OSImage{zeroSize}))
	assert.ErrorIs(t, err, ErrInvalid, "zero declared size")

	badDigest := testImage("img")
	badDigest.SHA256 = "abcd"
	_, err = Parse(sealed(t, nil, []OSImage{badDigest}))
	assert.ErrorIs(t, err, ErrInvalid, "truncated digest")

	badCompression := testImage("img")
	badCompression.Compression = "zip"
	_, err = Parse(sealed(t, nil, []OSImage{badCompression}))
	assert.ErrorIs(t, err, ErrInvalid, "unknown compression kind")

	noSource := testImage("img")
	noSource.URL = ""
	noSource.Path = ""
	_, err = Parse(sealed(t, nil, []OSImage{noSource}))
	assert.ErrorIs(t, err, ErrInvalid, "neither url nor path")
}

func TestHolderLoadAndReload(t *testing.T) {
	h := NewHolder()

	_, err := h.Current()
	assert.ErrorIs(t, err, ErrNotLoaded)

	_, err = h.Load(sealed(t, []Board{testBoard("b", "img")}, []OSImage{testImage("img")}))
	require.NoError(t, err)

	m, err := h.Current()
	require.NoError(t, err)
	assert.Len(t, m.Boards, 1)

	// a rejected reload keeps the previous manifest in place
	_, err = h.Load([]byte("garbage"))
	assert.ErrorIs(t, err, ErrInvalid)

	m2, err := h.Current()
	require.NoError(t, err)
	assert.Same(t, m, m2)
}
