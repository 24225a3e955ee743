// Package overlay injects first-boot configuration into a freshly written
// image. Settings are rendered into a sysconf payload (the key=value form the
// target's first-boot tooling reads) and appended to the destination as a
// tagged, digest-framed blob at the first block-aligned offset past the image.
// Rendering is deterministic: identical settings always produce identical
// bytes, so reapplying is byte-stable.
package overlay

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/synthread/go-imager/catalog"
	"github.com/synthread/go-imager/checksum"
	"github.com/synthread/go-imager/destination"
)

var (
	// ErrFieldPairing rejects half-specified credential pairs.
	ErrFieldPairing = errors.New("customization fields must be set in pairs")

	// ErrRootUser rejects configuring the default user as root.
	ErrRootUser = errors.New("default user cannot be root")

	// ErrUnsupported is a capability mismatch: the image or destination has
	// no first-boot mechanism for the requested fields.
	ErrUnsupported = errors.New("customization not supported for this image/destination")
)

// Customization carries the optional first-boot settings a user can apply.
// Immutable once a flash job starts.
type Customization struct {
	Hostname     string
	Timezone     string
	Keymap       string
	Username     string
	Password     string
	WifiSSID     string
	WifiPassword string
}

// IsZero reports whether no field is set. A zero customization is a no-op,
// not an error.
func (c Customization) IsZero() bool {
	return c == Customization{}
}

// Validate enforces field pairing: username and password go together, as do
// Wi-Fi SSID and password.
func (c Customization) Validate() error {
	if (c.Username == "") != (c.Password == "") {
		return errors.Wrap(ErrFieldPairing, "username and password")
	}
	if (c.WifiSSID == "") != (c.WifiPassword == "") {
		return errors.Wrap(ErrFieldPairing, "wifi ssid and password")
	}
	if c.Username == "root" {
		return ErrRootUser
	}
	return nil
}

// Supports checks the capability match between the requested fields, the
// image's first-boot format, and the destination kind.
func (c Customization) Supports(format catalog.InitFormat, kind destination.Kind) error {
	if c.IsZero() {
		return nil
	}
	if kind != destination.KindBlockDevice {
		return errors.Wrapf(ErrUnsupported, "destination kind %s", kind)
	}
	if format != catalog.InitSysconf {
		return errors.Wrapf(ErrUnsupported, "image init format %q", format)
	}
	return nil
}

// renderSysconf produces the sysconf.txt content in a fixed key order.
func (c Customization) renderSysconf() []byte {
	var buf bytes.Buffer

	w := func(key, value string) {
		fmt.Fprintf(&buf, "%s=%s\n", key, value)
	}

	if c.Hostname != "" {
		w("hostname", c.Hostname)
	}
	if c.Timezone != "" {
		w("timezone", c.Timezone)
	}
	if c.Keymap != "" {
		w("keymap", c.Keymap)
	}
	if c.Username != "" {
		w("user_name", c.Username)
		w("user_password", c.Password)
	}
	if c.WifiSSID != "" {
		w("iwd_psk_file", c.WifiSSID+".psk")
	}

	return buf.Bytes()
}

// renderPSK produces the iwd service file referenced from sysconf.txt.
func (c Customization) renderPSK() []byte {
	return []byte(fmt.Sprintf(
		"[Security]\nPassphrase=%s\n\n[Settings]\nAutoConnect=true", c.WifiPassword))
}

// payloadMagic tags an appended configuration payload so first-boot tooling
// can find and trust it.
var payloadMagic = [8]byte{'S', 'Y', 'S', 'C', 'F', 'G', '0', '1'}

// Payload renders the full appended blob:
//
//	magic[8] | length uint32 LE | sha256[32] | files
//
// where files is a sequence of (name length uint16 LE, name, content length
// uint32 LE, content) records in fixed order.
func (c Customization) Payload() ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	var files bytes.Buffer
	writeFile := func(name string, content []byte) {
		var n16 [2]byte
		binary.LittleEndian.PutUint16(n16[:], uint16(len(name)))
		files.Write(n16[:])
		files.WriteString(name)

		var n32 [4]byte
		binary.LittleEndian.PutUint32(n32[:], uint32(len(content)))
		files.Write(n32[:])
		files.Write(content)
	}

	writeFile("sysconf.txt", c.renderSysconf())
	if c.WifiSSID != "" {
		writeFile("services/"+c.WifiSSID+".psk", c.renderPSK())
	}

	sum, err := checksum.Sum(checksum.SHA256, files.Bytes())
	if err != nil {
		return nil, err
	}

	out := bytes.NewBuffer(make([]byte, 0, 8+4+32+files.Len()))
	out.Write(payloadMagic[:])

	var n32 [4]byte
	binary.LittleEndian.PutUint32(n32[:], uint32(files.Len()))
	out.Write(n32[:])
	out.Write(sum.Sum)
	out.Write(files.Bytes())

	return out.Bytes(), nil
}

// Apply appends the rendered payload to an opened destination at the first
// block-aligned offset past imageSize, padded out to a whole block. Applying
// the same customization over an unmodified image is byte-identical.
func (c Customization) Apply(h destination.Handle, imageSize uint64) error {
	if c.IsZero() {
		return nil
	}

	payload, err := c.Payload()
	if err != nil {
		return err
	}

	bs := uint64(h.BlockSize())
	off := alignUp(imageSize, bs)
	padded := make([]byte, alignUp(uint64(len(payload)), bs))
	copy(padded, payload)

	if err := h.WriteChunk(off, padded); err != nil {
		return errors.Wrap(err, "write customization payload")
	}
	if err := h.Flush(); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"offset": off,
		"bytes":  len(padded),
	}).Debug("customization applied")

	return nil
}

func alignUp(n, align uint64) uint64 {
	if align <= 1 {
		return n
	}
	if rem := n % align; rem != 0 {
		return n + align - rem
	}
	return n
}
