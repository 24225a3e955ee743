// Package destination models writable flashing targets behind one capability
// contract: raw block devices (SD/eMMC readers) and serial-attached
// microcontroller bootloaders. Callers depend only on the Device and Handle
// interfaces, never on a concrete variant.
package destination

import (
	"context"

	"github.com/pkg/errors"

	"github.com/synthread/go-imager/checksum"
)

// Kind is a destination-kind filter for enumeration.
type Kind string

const (
	KindBlockDevice      Kind = "block"
	KindSerialBootloader Kind = "serial-bootloader"
)

var (
	// ErrUnavailable covers not-found, busy, and permission-denied at open
	// time. A device may disappear between enumeration and open.
	ErrUnavailable = errors.New("destination unavailable")

	// ErrReadBackUnsupported is returned by handles that cannot read written
	// bytes back for verification.
	ErrReadBackUnsupported = errors.New("destination does not support read-back")
)

// Device is a writable flashing target discovered by enumeration. Instances
// are transient snapshots; validity is re-checked when opened.
type Device interface {
	// Kind reports which destination variant this is.
	Kind() Kind

	// ID is a stable platform identifier (a device node or serial port path).
	// It keys the process-wide exclusive-lock registry.
	ID() string

	// Label is a human-readable description for UI lists.
	Label() string

	// Capacity is the writable size in bytes, 0 when the device cannot
	// report one.
	Capacity() uint64

	// OpenExclusive opens the device for writing, taking the process-wide
	// exclusive lock on its ID. It fails with ErrUnavailable when the device
	// is gone, busy, or not permitted.
	OpenExclusive(ctx context.Context) (Handle, error)
}

// Handle is an exclusively opened destination. Writes are offset-addressed
// and issued in strictly increasing offset order by the pipeline.
type Handle interface {
	// WriteChunk writes p at the given offset (a logical flash address for
	// serial bootloader targets). Block devices require offset and chunk
	// length to be multiples of the device block size.
	WriteChunk(off uint64, p []byte) error

	// Flush forces written bytes to the medium.
	Flush() error

	// SupportsReadBack reports whether ReadBack may be used.
	SupportsReadBack() bool

	// ReadBack reads n previously written bytes starting at off, for
	// post-write verification. ErrReadBackUnsupported when the variant
	// cannot.
	ReadBack(off uint64, n int) ([]byte, error)

	// BlockSize is the write alignment granularity in bytes (1 when the
	// device has no alignment requirement).
	BlockSize() int

	// Close flushes, releases the exclusive lock, and invalidates the
	// handle. Safe to call more than once.
	Close() error
}

// Checksummer is an optional handle capability: destinations that cannot
// read written bytes back may instead report a device-computed checksum over
// a written range.
type Checksummer interface {
	DeviceChecksum(off, n uint64) (checksum.Digest, error)
}

// Enumerator discovers live destinations of one kind. Implementations perform
// no I/O beyond discovery and silently omit devices that disappear mid-walk.
type Enumerator interface {
	DestinationKind() Kind
	Enumerate(ctx context.Context) ([]Device, error)
}
