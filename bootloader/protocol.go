// Package bootloader implements the serial-attached microcontroller
// destination: a UART bootloader protocol with per-frame acknowledgment,
// bounded retries, and an optional device-side checksum command used for
// verification on targets that cannot read flash back.
package bootloader

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

const (
	bAck  byte = 0x79
	bNack byte = 0x1f
	bSync byte = 0x7f
)

// frameDataMax is the largest data payload per write frame.
const frameDataMax = 256

var (
	ErrNack   = errors.New("received nack from bootloader")
	ErrBadAck = errors.New("failed to read ack or nack from bootloader")
)

type commandCode int

// indexes of the command bytes as reported by the get command
const (
	commandSync     commandCode = -1
	commandGet      commandCode = 0
	commandWrite    commandCode = 1
	commandErase    commandCode = 2
	commandChecksum commandCode = 3
	commandExit     commandCode = 4
)

type commandCodeMap map[commandCode]byte

var defaultCmdCodes = commandCodeMap{
	commandGet:      0x00,
	commandWrite:    0x31,
	commandErase:    0x43,
	commandChecksum: 0xa1,
	commandExit:     0x21,
}

// xorChecksum is the single-byte XOR checksum the bootloader expects on every
// payload.
func xorChecksum(bs []byte) byte {
	if len(bs) == 0 {
		return 0x00
	}
	s := bs[0]
	for i := 1; i < len(bs); i++ {
		s ^= bs[i]
	}
	return s
}

// commandSequence returns the wire bytes for a command: the code followed by
// its complement, except for sync which is a single byte.
func (m commandCodeMap) commandSequence(c commandCode) []byte {
	if c == commandSync {
		return []byte{bSync}
	}

	cmdb, ok := m[c]
	if !ok {
		cmdb, ok = defaultCmdCodes[c]
		if !ok {
			panic("unknown command code")
		}
	}

	return []byte{cmdb, 0xff ^ cmdb}
}

// addressFrame encodes a 32-bit flash address with its checksum.
func addressFrame(addr uint32) []byte {
	bs := make([]byte, 5)
	binary.BigEndian.PutUint32(bs, addr)
	bs[4] = xorChecksum(bs[:4])
	return bs
}

// dataFrame encodes a write payload: length byte, data, checksum over both.
func dataFrame(data []byte) []byte {
	bs := make([]byte, 0, len(data)+2)
	bs = append(bs, byte(len(data)-1))
	bs = append(bs, data...)
	return append(bs, xorChecksum(bs))
}

// lengthFrame encodes a 32-bit byte count with its checksum, for the device
// checksum command.
func lengthFrame(n uint32) []byte {
	return addressFrame(n)
}
