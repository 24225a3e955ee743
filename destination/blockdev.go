package destination

import (
	"context"
	"os"
	"sync"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DefaultBlockSize is assumed when a device does not report its logical
// block size.
const DefaultBlockSize = 512

// BlockDevice is a raw block device destination (SD card, eMMC, USB reader).
type BlockDevice struct {
	path      string
	label     string
	capacity  uint64
	blockSize int
}

// NewBlockDevice describes a block device target. The path is only validated
// when the device is opened, since it may disappear after enumeration.
func NewBlockDevice(path, label string, capacity uint64, blockSize int) *BlockDevice {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	return &BlockDevice{
		path:      path,
		label:     label,
		capacity:  capacity,
		blockSize: blockSize,
	}
}

// BlockDeviceFromPath builds a target from a bare device node or image file,
// for callers flashing outside the catalog/enumeration flow.
func BlockDeviceFromPath(path string) (*BlockDevice, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrap(ErrUnavailable, path)
	}

	var capacity uint64
	if fi.Mode().IsRegular() {
		capacity = uint64(fi.Size())
	}
	return NewBlockDevice(path, path, capacity, DefaultBlockSize), nil
}

func (d *BlockDevice) Kind() Kind       { return KindBlockDevice }
func (d *BlockDevice) ID() string       { return d.path }
func (d *BlockDevice) Label() string    { return d.label }
func (d *BlockDevice) Capacity() uint64 { return d.capacity }

// OpenExclusive opens the device node for writing. The process-wide lock is
// taken first, then an advisory flock guards against other processes. Both
// are released on Close.
func (d *BlockDevice) OpenExclusive(ctx context.Context) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := locks.acquire(d.path); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(d.path, os.O_RDWR, 0)
	if err != nil {
		locks.release(d.path)
		return nil, errors.Wrapf(ErrUnavailable, "open %s: %v", d.path, err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		locks.release(d.path)
		return nil, errors.Wrapf(ErrUnavailable, "%s is locked by another process", d.path)
	}

	logrus.Debugf("blockdev open: %s", d.path)

	return &blockHandle{dev: d, f: f}, nil
}

type blockHandle struct {
	dev *BlockDevice
	f   *os.File

	mu     sync.Mutex
	closed bool
}

func (h *blockHandle) BlockSize() int { return h.dev.blockSize }

func (h *blockHandle) WriteChunk(off uint64, p []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return errors.New("write on closed destination")
	}
	bs := uint64(h.dev.blockSize)
	if off%bs != 0 || uint64(len(p))%bs != 0 {
		return errors.Errorf("unaligned write: off=%d len=%d blocksize=%d", off, len(p), bs)
	}
	if h.dev.capacity > 0 && off+uint64(len(p)) > h.dev.capacity {
		return errors.Errorf("write past device end: off=%d len=%d capacity=%d", off, len(p), h.dev.capacity)
	}

	_, err := h.f.WriteAt(p, int64(off))
	return errors.Wrapf(err, "write %d bytes at %d", len(p), off)
}

func (h *blockHandle) Flush() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	return errors.Wrap(h.f.Sync(), "flush")
}

func (h *blockHandle) SupportsReadBack() bool { return true }

func (h *blockHandle) ReadBack(off uint64, n int) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, errors.New("read on closed destination")
	}

	p := make([]byte, n)
	if _, err := h.f.ReadAt(p, int64(off)); err != nil {
		return nil, errors.Wrapf(err, "read back %d bytes at %d", n, off)
	}
	return p, nil
}

func (h *blockHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true

	err := h.f.Sync()
	syscall.Flock(int(h.f.Fd()), syscall.LOCK_UN)
	if cerr := h.f.Close(); err == nil {
		err = cerr
	}
	locks.release(h.dev.path)

	logrus.Debugf("blockdev close: %s", h.dev.path)

	return errors.Wrap(err, "close")
}
