package bootloader

import (
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

var ErrTimeout = errors.New("timed out reading from bootloader")
var ErrClosed = errors.New("serial port is closed")

var DefaultBaud = 115200

// wire is the byte transport to the bootloader. The real implementation is a
// serial port; tests substitute an in-memory device.
type wire interface {
	Write(bs ...[]byte) error
	ReadN(n int, timeout time.Duration) ([]byte, error)
	Close() error
}

// port drives a serial connection with a background rx loop feeding a
// channel, so reads can be given per-call timeouts.
type port struct {
	tty    serial.Port
	rxChan chan byte
	active bool
}

func openPort(path string, baud int) (*port, error) {
	if baud <= 0 {
		baud = DefaultBaud
	}

	tty, err := serial.Open(path, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.EvenParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, errors.Wrap(err, "could not open serial")
	}

	p := &port{
		tty:    tty,
		rxChan: make(chan byte, 64),
	}
	go p.rx()

	logrus.Debugf("serial open: %s @ %d", path, baud)

	return p, nil
}

// rx forever reads from the port and feeds the incoming bytes to the rx chan
func (p *port) rx() {
	p.active = true
	buf := make([]byte, 64)

	p.tty.SetReadTimeout(1 * time.Millisecond)

	for {
		n, err := p.tty.Read(buf)
		if err != nil {
			if perr, ok := err.(*serial.PortError); ok {
				if perr.Code() == serial.PortClosed {
					return
				}
			}
			if errors.Is(err, syscall.EBADF) {
				return
			}

			logrus.Error("serial rx err: ", err.Error())
			return
		}

		for _, b := range buf[:n] {
			p.rxChan <- b
		}
		if n > 0 {
			logrus.Debugf("serial rx: %x", buf[:n])
		}
	}
}

// Write sends each byte slice to the device in order.
func (p *port) Write(bs ...[]byte) (err error) {
	if p.tty == nil {
		return ErrClosed
	}

	for _, b := range bs {
		_, err = p.tty.Write(b)
		if err != nil {
			return
		}
		logrus.Debugf("serial tx: %x", b)
	}

	return
}

// ReadN reads exactly n bytes from the rx chan, failing with ErrTimeout when
// the device goes quiet.
func (p *port) ReadN(n int, timeout time.Duration) ([]byte, error) {
	if p.tty == nil {
		return nil, ErrClosed
	}

	bs := make([]byte, n)
	for i := 0; i < n; i++ {
		select {
		case <-time.After(timeout):
			return nil, ErrTimeout
		case b := <-p.rxChan:
			bs[i] = b
		}
	}

	return bs, nil
}

func (p *port) Close() error {
	p.active = false
	if p.tty != nil {
		p.tty.Close()
		p.tty = nil
	}

	logrus.Debug("serial close")

	return nil
}
