package bootloader

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.bug.st/serial"

	"github.com/synthread/go-imager/checksum"
	"github.com/synthread/go-imager/destination"
)

// Config holds per-device bootloader knobs. Zero values get defaults.
type Config struct {
	Baud       int
	AckTimeout time.Duration
	// FrameRetries is how many times a frame is resent after an
	// acknowledgment timeout before the write fails.
	FrameRetries int
	// FlashBase is added to chunk offsets to form the target flash address.
	FlashBase uint32
	// FlashSize is the writable flash capacity in bytes, 0 when unknown.
	FlashSize uint64
	// Straps, when set, sequences GPIO lines to enter and leave the
	// bootloader around the session.
	Straps *StrapPins
}

const (
	defaultAckTimeout   = 5 * time.Second
	defaultFrameRetries = 3
)

func (c *Config) withDefaults() Config {
	out := Config{}
	if c != nil {
		out = *c
	}
	if out.Baud <= 0 {
		out.Baud = DefaultBaud
	}
	if out.AckTimeout <= 0 {
		out.AckTimeout = defaultAckTimeout
	}
	if out.FrameRetries <= 0 {
		out.FrameRetries = defaultFrameRetries
	}
	return out
}

// SerialDevice is a serial-attached microcontroller bootloader destination.
type SerialDevice struct {
	portPath string
	label    string
	cfg      Config
}

// NewSerialDevice describes a bootloader target on a serial port.
func NewSerialDevice(portPath string, cfg *Config) *SerialDevice {
	return &SerialDevice{
		portPath: portPath,
		label:    portPath,
		cfg:      cfg.withDefaults(),
	}
}

func (d *SerialDevice) Kind() destination.Kind { return destination.KindSerialBootloader }
func (d *SerialDevice) ID() string             { return d.portPath }
func (d *SerialDevice) Label() string          { return d.label }
func (d *SerialDevice) Capacity() uint64       { return d.cfg.FlashSize }

// OpenExclusive takes the process-wide lock for the port, opens the serial
// connection, strobes the strap pins when configured, and syncs with the
// bootloader.
func (d *SerialDevice) OpenExclusive(ctx context.Context) (destination.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := destination.Acquire(d.portPath); err != nil {
		return nil, err
	}

	var st *straps
	if d.cfg.Straps != nil {
		var err error
		st, err = setupStraps(d.cfg.Straps)
		if err != nil {
			destination.Release(d.portPath)
			return nil, errors.Wrapf(destination.ErrUnavailable, "strap pins: %v", err)
		}
		st.enterBootloader()
	}

	p, err := openPort(d.portPath, d.cfg.Baud)
	if err != nil {
		if st != nil {
			st.exitBootloader()
			st.cleanup()
		}
		destination.Release(d.portPath)
		return nil, errors.Wrapf(destination.ErrUnavailable, "%s: %v", d.portPath, err)
	}

	h := newSerialHandle(d, p, st)
	if err := h.init(); err != nil {
		h.Close()
		return nil, errors.Wrapf(destination.ErrUnavailable, "bootloader init on %s: %v", d.portPath, err)
	}

	return h, nil
}

type serialHandle struct {
	dev *SerialDevice
	w   wire
	st  *straps

	cmdCodes commandCodeMap
	erased   bool
	closed   bool
}

func newSerialHandle(dev *SerialDevice, w wire, st *straps) *serialHandle {
	return &serialHandle{
		dev:      dev,
		w:        w,
		st:       st,
		cmdCodes: commandCodeMap{},
	}
}

// init syncs with the bootloader and learns the command set it advertises.
func (h *serialHandle) init() error {
	if err := h.retryFrame(func() error {
		return h.execCmd(commandSync)
	}); err != nil {
		return errors.Wrap(err, "could not sync bootloader")
	}
	return h.cmdGet()
}

// cmdGet loads the bootloader version and the byte codes of the commands the
// device actually supports.
func (h *serialHandle) cmdGet() error {
	if err := h.execCmd(commandGet); err != nil {
		return err
	}

	bs, err := h.readWithLength()
	if err != nil {
		return err
	}
	if err = h.readAckOrNack(); err != nil {
		return err
	}

	// bs[0] is the bootloader version, the rest are command codes in
	// commandCode order
	for i := 0; i < len(bs)-1; i++ {
		h.cmdCodes[commandCode(i)] = bs[i+1]
	}

	logrus.Debugf("bootloader %s: version %#x, %d commands", h.dev.portPath, bs[0], len(bs)-1)

	return nil
}

func (h *serialHandle) BlockSize() int { return 1 }

// WriteChunk programs p at the flash address FlashBase+off. The chunk is
// framed into bootloader-sized writes; each frame is acknowledged before the
// next is sent, and resent on acknowledgment timeout until the retry budget
// runs out.
func (h *serialHandle) WriteChunk(off uint64, p []byte) error {
	if h.closed {
		return ErrClosed
	}

	if !h.erased {
		if err := h.cmdErase(); err != nil {
			return errors.Wrap(err, "could not erase flash")
		}
		h.erased = true
	}

	for start := 0; start < len(p); start += frameDataMax {
		end := minv(len(p), start+frameDataMax)
		addr := h.dev.cfg.FlashBase + uint32(off) + uint32(start)

		err := h.retryFrame(func() error {
			return h.cmdWriteFrame(addr, p[start:end])
		})
		if err != nil {
			return errors.Wrapf(err, "could not write frame at %#x", addr)
		}
	}

	return nil
}

// retryFrame runs one framed exchange, resending after acknowledgment
// timeouts. NACKs and transport failures are not retried: the device saw the
// frame and rejected it.
func (h *serialHandle) retryFrame(frame func() error) error {
	attempts := 1 + h.dev.cfg.FrameRetries

	var err error
	for try := 0; try < attempts; try++ {
		err = frame()
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrTimeout) {
			return err
		}
		logrus.Debugf("frame ack timeout, retry %d/%d", try+1, h.dev.cfg.FrameRetries)
	}

	return errors.Wrapf(err, "retries exhausted after %d attempts", attempts)
}

// cmdWriteFrame performs one write exchange: command, address, data, each
// acknowledged.
func (h *serialHandle) cmdWriteFrame(addr uint32, data []byte) error {
	if err := h.execCmd(commandWrite); err != nil {
		return err
	}

	if err := h.w.Write(addressFrame(addr)); err != nil {
		return err
	}
	if err := h.readAckOrNack(); err != nil {
		return err
	}

	if err := h.w.Write(dataFrame(data)); err != nil {
		return err
	}
	return h.readAckOrNack()
}

// cmdErase asks the bootloader to erase all of flash.
func (h *serialHandle) cmdErase() error {
	return h.retryFrame(func() error {
		if err := h.execCmd(commandErase); err != nil {
			return err
		}
		if err := h.w.Write([]byte{0xff, 0x00}); err != nil {
			return err
		}
		return h.readAckOrNack()
	})
}

func (h *serialHandle) Flush() error {
	// every frame is individually acknowledged; nothing is buffered
	return nil
}

func (h *serialHandle) SupportsReadBack() bool { return false }

func (h *serialHandle) ReadBack(off uint64, n int) ([]byte, error) {
	return nil, destination.ErrReadBackUnsupported
}

// DeviceChecksum asks the bootloader to CRC32 a written flash range, the
// verification fallback for a target with no read-back. Wraps
// destination.ErrReadBackUnsupported when the device did not advertise the
// command.
func (h *serialHandle) DeviceChecksum(off, n uint64) (checksum.Digest, error) {
	if h.closed {
		return checksum.Digest{}, ErrClosed
	}
	if _, ok := h.cmdCodes[commandChecksum]; !ok {
		return checksum.Digest{},
			errors.Wrap(destination.ErrReadBackUnsupported, "checksum command not advertised")
	}

	var sum []byte
	err := h.retryFrame(func() error {
		if err := h.execCmd(commandChecksum); err != nil {
			return err
		}

		if err := h.w.Write(addressFrame(h.dev.cfg.FlashBase + uint32(off))); err != nil {
			return err
		}
		if err := h.readAckOrNack(); err != nil {
			return err
		}

		if err := h.w.Write(lengthFrame(uint32(n))); err != nil {
			return err
		}
		if err := h.readAckOrNack(); err != nil {
			return err
		}

		bs, err := h.w.ReadN(4, h.dev.cfg.AckTimeout)
		if err != nil {
			return err
		}
		sum = bs
		return h.readAckOrNack()
	})
	if err != nil {
		return checksum.Digest{}, errors.Wrap(err, "device checksum")
	}

	return checksum.Digest{Algo: checksum.CRC32, Sum: sum}, nil
}

// Close exits the bootloader, releases the port and the exclusive lock.
func (h *serialHandle) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true

	// best effort: the device resets and may not acknowledge
	_ = h.w.Write(h.cmdCodes.commandSequence(commandExit))

	if h.st != nil {
		h.st.exitBootloader()
		h.st.cleanup()
	}

	err := h.w.Close()
	destination.Release(h.dev.portPath)

	return err
}

// execCmd sends a command sequence and checks that it is acknowledged.
func (h *serialHandle) execCmd(c commandCode) error {
	if err := h.w.Write(h.cmdCodes.commandSequence(c)); err != nil {
		return err
	}
	return h.readAckOrNack()
}

// readAckOrNack reads whether the pending byte is ACK, NACK, or neither.
func (h *serialHandle) readAckOrNack() error {
	bs, err := h.w.ReadN(1, h.dev.cfg.AckTimeout)
	if err != nil || len(bs) != 1 {
		return err
	}

	switch bs[0] {
	case bAck:
		return nil
	case bNack:
		return ErrNack
	}
	return ErrBadAck
}

// readWithLength reads a message prefixed by a single byte holding the count
// of bytes that follow, minus one.
func (h *serialHandle) readWithLength() ([]byte, error) {
	n, err := h.w.ReadN(1, h.dev.cfg.AckTimeout)
	if err != nil {
		return nil, err
	}
	if len(n) != 1 {
		return nil, errors.New("could not get length from bootloader")
	}
	return h.w.ReadN(int(n[0])+1, h.dev.cfg.AckTimeout)
}

// SerialEnumerator discovers candidate bootloader serial ports.
type SerialEnumerator struct {
	// Ports overrides port discovery, for tests.
	Ports func() ([]string, error)
	// Config applies to every discovered device.
	Config *Config
}

func NewSerialEnumerator(cfg *Config) *SerialEnumerator {
	return &SerialEnumerator{Config: cfg}
}

func (e *SerialEnumerator) DestinationKind() destination.Kind {
	return destination.KindSerialBootloader
}

// Enumerate lists serial ports that look like attached bootloader targets.
// Discovery only; no port is opened.
func (e *SerialEnumerator) Enumerate(ctx context.Context) ([]destination.Device, error) {
	list := e.Ports
	if list == nil {
		list = serial.GetPortsList
	}

	ports, err := list()
	if err != nil {
		return nil, errors.Wrap(err, "list serial ports")
	}

	var out []destination.Device
	for _, p := range ports {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !isCandidatePort(p) {
			continue
		}
		out = append(out, NewSerialDevice(p, e.Config))
	}

	return out, nil
}

// isCandidatePort filters to USB CDC and USB-serial adapters, where
// bootloader targets show up.
func isCandidatePort(p string) bool {
	for _, prefix := range []string{"/dev/ttyACM", "/dev/ttyUSB", "COM"} {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}
