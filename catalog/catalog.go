// Package catalog holds the typed, validated registry of boards and the OS
// images compatible with them. Manifests are consumed from an external fetch
// collaborator; this package owns their content and validation rules only.
package catalog

import (
	"encoding/hex"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/synthread/go-imager/checksum"
	"github.com/synthread/go-imager/destination"
)

// ErrInvalid is wrapped by every manifest rejection. Manifests are accepted
// whole or not at all; a partially valid catalog is never exposed.
var ErrInvalid = errors.New("invalid catalog manifest")

// Compression identifies how an image's payload is encoded on the wire.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionXz   Compression = "xz"
)

// InitFormat names the first-boot configuration mechanism an image supports.
// It gates which customization fields may be applied.
type InitFormat string

const (
	// InitNone images carry no first-boot tooling; customization is a
	// capability mismatch.
	InitNone InitFormat = "none"
	// InitSysconf images read sysconf.txt-style configuration at first boot.
	InitSysconf InitFormat = "sysconf"
)

// Board describes one supported board. Immutable once loaded.
type Board struct {
	ID           string             `json:"id"`
	Name         string             `json:"name"`
	Images       []string           `json:"images"`
	Destinations []destination.Kind `json:"destinations"`
}

// OSImage describes one flashable image. Immutable and integrity-checked
// before use.
type OSImage struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	URL         string      `json:"url,omitempty"`
	Path        string      `json:"path,omitempty"`
	Size        uint64      `json:"size"`
	SHA256      string      `json:"sha256"`
	Compression Compression `json:"compression"`
	InitFormat  InitFormat  `json:"init_format"`
}

// Digest returns the image's declared content digest (of the decompressed
// payload).
func (img OSImage) Digest() (checksum.Digest, error) {
	return checksum.ParseSHA256(img.SHA256)
}

// Manifest is the validated board/image registry for one catalog version.
type Manifest struct {
	Version string
	Boards  []Board
	Images  []OSImage

	byBoard map[string]*Board
	byImage map[string]*OSImage
}

// Board looks up a board by identifier.
func (m *Manifest) Board(id string) (*Board, bool) {
	b, ok := m.byBoard[id]
	return b, ok
}

// Image looks up an image by identifier.
func (m *Manifest) Image(id string) (*OSImage, bool) {
	img, ok := m.byImage[id]
	return img, ok
}

// ImagesFor returns the images compatible with a board, in manifest order.
func (m *Manifest) ImagesFor(boardID string) []OSImage {
	b, ok := m.byBoard[boardID]
	if !ok {
		return nil
	}

	out := make([]OSImage, 0, len(b.Images))
	for _, id := range b.Images {
		out = append(out, *m.byImage[id])
	}
	return out
}

// envelope is the manifest wire form: the payload is kept raw so the
// integrity digest covers the exact bytes the producer signed.
type envelope struct {
	Integrity string          `json:"integrity"`
	Payload   json.RawMessage `json:"payload"`
}

type payload struct {
	Version string    `json:"version"`
	Boards  []Board   `json:"boards"`
	Images  []OSImage `json:"images"`
}

// Parse validates a manifest document wholesale. It rejects malformed
// structure, integrity failures, duplicate identifiers, boards referencing
// unknown images, and images with unusable metadata.
func Parse(doc []byte) (*Manifest, error) {
	var env envelope
	if err := json.Unmarshal(doc, &env); err != nil {
		return nil, errors.Wrapf(ErrInvalid, "malformed document: %v", err)
	}
	if len(env.Payload) == 0 {
		return nil, errors.Wrap(ErrInvalid, "missing payload")
	}

	declared, err := checksum.ParseSHA256(env.Integrity)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalid, "integrity value: %v", err)
	}
	actual, err := checksum.Sum(checksum.SHA256, env.Payload)
	if err != nil {
		return nil, err
	}
	if !actual.Equal(declared) {
		return nil, errors.Wrap(ErrInvalid, "integrity check failed")
	}

	var p payload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, errors.Wrapf(ErrInvalid, "malformed payload: %v", err)
	}

	m := &Manifest{
		Version: p.Version,
		Boards:  p.Boards,
		Images:  p.Images,
		byBoard: make(map[string]*Board, len(p.Boards)),
		byImage: make(map[string]*OSImage, len(p.Images)),
	}

	for i := range m.Images {
		img := &m.Images[i]
		if img.ID == "" {
			return nil, errors.Wrap(ErrInvalid, "image with empty id")
		}
		if _, dup := m.byImage[img.ID]; dup {
			return nil, errors.Wrapf(ErrInvalid, "duplicate image id %q", img.ID)
		}
		if img.URL == "" && img.Path == "" {
			return nil, errors.Wrapf(ErrInvalid, "image %q has neither url nor path", img.ID)
		}
		if img.Size == 0 {
			return nil, errors.Wrapf(ErrInvalid, "image %q declares zero size", img.ID)
		}
		if _, err := img.Digest(); err != nil {
			return nil, errors.Wrapf(ErrInvalid, "image %q digest: %v", img.ID, err)
		}
		switch img.Compression {
		case CompressionNone, CompressionXz:
		default:
			return nil, errors.Wrapf(ErrInvalid, "image %q has unknown compression %q", img.ID, img.Compression)
		}
		if img.InitFormat == "" {
			img.InitFormat = InitNone
		}
		m.byImage[img.ID] = img
	}

	for i := range m.Boards {
		b := &m.Boards[i]
		if b.ID == "" {
			return nil, errors.Wrap(ErrInvalid, "board with empty id")
		}
		if _, dup := m.byBoard[b.ID]; dup {
			return nil, errors.Wrapf(ErrInvalid, "duplicate board id %q", b.ID)
		}
		for _, imgID := range b.Images {
			if _, ok := m.byImage[imgID]; !ok {
				return nil, errors.Wrapf(ErrInvalid, "board %q references unknown image %q", b.ID, imgID)
			}
		}
		m.byBoard[b.ID] = b
	}

	return m, nil
}

// Seal computes the integrity value for a payload and wraps it into a
// manifest document. Used by catalog producers and test fixtures.
func Seal(version string, boards []Board, images []OSImage) ([]byte, error) {
	raw, err := json.Marshal(payload{Version: version, Boards: boards, Images: images})
	if err != nil {
		return nil, err
	}

	sum, err := checksum.Sum(checksum.SHA256, raw)
	if err != nil {
		return nil, err
	}

	return json.Marshal(envelope{
		Integrity: hex.EncodeToString(sum.Sum),
		Payload:   raw,
	})
}
