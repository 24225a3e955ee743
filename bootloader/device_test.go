package bootloader

import (
	"context"
	"encoding/binary"
	"hash/crc32"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synthread/go-imager/checksum"
	"github.com/synthread/go-imager/destination"
)

// mockWire simulates a bootloader device: writes are recorded, reads are
// served from a scripted queue where an entry may also be a timeout.
type mockWire struct {
	writes [][]byte
	script []scriptStep
	closed bool
}

type scriptStep struct {
	bs  []byte
	err error
}

func (m *mockWire) Write(bs ...[]byte) error {
	for _, b := range bs {
		m.writes = append(m.writes, append([]byte(nil), b...))
	}
	return nil
}

func (m *mockWire) ReadN(n int, _ time.Duration) ([]byte, error) {
	if len(m.script) == 0 {
		return nil, ErrTimeout
	}
	step := m.script[0]
	m.script = m.script[1:]
	return step.bs, step.err
}

func (m *mockWire) Close() error {
	m.closed = true
	return nil
}

func (m *mockWire) ack()     { m.script = append(m.script, scriptStep{bs: []byte{bAck}}) }
func (m *mockWire) nack()    { m.script = append(m.script, scriptStep{bs: []byte{bNack}}) }
func (m *mockWire) timeout() { m.script = append(m.script, scriptStep{err: ErrTimeout}) }
func (m *mockWire) reply(bs ...byte) {
	m.script = append(m.script, scriptStep{bs: bs})
}

// scriptInit queues the sync/get exchange that runs at open time. The codes
// slice is what the device advertises after its version byte.
func (m *mockWire) scriptInit(codes ...byte) {
	m.ack() // sync
	m.ack() // get command
	m.reply(byte(len(codes)))
	m.reply(append([]byte{0x10}, codes...)...) // version + command codes
	m.ack()
}

// scriptErase queues the flash erase exchange issued before the first write.
func (m *mockWire) scriptErase() {
	m.ack() // erase command
	m.ack() // erase done
}

// scriptWriteFrame queues a fully acknowledged write frame exchange.
func (m *mockWire) scriptWriteFrame() {
	m.ack() // write command
	m.ack() // address
	m.ack() // data
}

var allCommands = []byte{0x00, 0x31, 0x43, 0xa1, 0x21}

func openTestHandle(t *testing.T, m *mockWire, cfg *Config) *serialHandle {
	t.Helper()

	dev := NewSerialDevice("/dev/ttyACM9", cfg)
	h := newSerialHandle(dev, m, nil)
	require.NoError(t, h.init())
	t.Cleanup(func() {
		h.Close()
		destination.Release(dev.ID())
	})
	return h
}

func TestInitLearnsCommandSet(t *testing.T) {
	m := &mockWire{}
	m.scriptInit(allCommands...)

	h := openTestHandle(t, m, nil)

	assert.Equal(t, byte(0x31), h.cmdCodes[commandWrite])
	assert.Equal(t, byte(0xa1), h.cmdCodes[commandChecksum])
}

func TestWriteChunkFramesAndErases(t *testing.T) {
	m := &mockWire{}
	m.scriptInit(allCommands...)
	h := openTestHandle(t, m, &Config{FlashBase: 0x08000000})

	m.scriptErase()
	m.scriptWriteFrame()
	m.scriptWriteFrame()

	payload := make([]byte, frameDataMax+100)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, h.WriteChunk(0x200, payload))

	// second chunk must not erase again
	m.scriptWriteFrame()
	require.NoError(t, h.WriteChunk(0x200+uint64(len(payload)), make([]byte, 64)))

	// find the address frames among the recorded writes: 5-byte frames
	// following a write-command sequence
	var addrs []uint32
	for i, w := range m.writes {
		if len(w) == 2 && w[0] == 0x31 && i+1 < len(m.writes) {
			addr := m.writes[i+1]
			require.Len(t, addr, 5)
			addrs = append(addrs, binary.BigEndian.Uint32(addr[:4]))
		}
	}
	require.Len(t, addrs, 3)
	assert.Equal(t, uint32(0x08000200), addrs[0])
	assert.Equal(t, uint32(0x08000200+frameDataMax), addrs[1], "frames advance by the frame data size")
	assert.Equal(t, uint32(0x08000200+frameDataMax+100), addrs[2])
}

func TestWriteChunkRetriesAckTimeouts(t *testing.T) {
	m := &mockWire{}
	m.scriptInit(allCommands...)
	h := openTestHandle(t, m, &Config{FrameRetries: 3})

	m.scriptErase()
	m.scriptWriteFrame() // frame 1
	m.scriptWriteFrame() // frame 2
	m.timeout()          // frame 3, attempt 1: ack timeout
	m.timeout()          // frame 3, attempt 2: ack timeout
	m.scriptWriteFrame() // frame 3, attempt 3: success

	require.NoError(t, h.WriteChunk(0, make([]byte, 3*frameDataMax)),
		"two timeouts within the retry budget must stay invisible to the caller")
}

func TestWriteChunkFailsWhenRetriesExhausted(t *testing.T) {
	m := &mockWire{}
	m.scriptInit(allCommands...)
	h := openTestHandle(t, m, &Config{FrameRetries: 2})

	m.scriptErase()
	m.timeout()
	m.timeout()
	m.timeout()

	err := h.WriteChunk(0, make([]byte, 16))
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestWriteChunkDoesNotRetryNack(t *testing.T) {
	m := &mockWire{}
	m.scriptInit(allCommands...)
	h := openTestHandle(t, m, &Config{FrameRetries: 5})

	m.scriptErase()
	m.ack()  // write command accepted
	m.nack() // address rejected

	err := h.WriteChunk(0, make([]byte, 16))
	assert.ErrorIs(t, err, ErrNack)
	assert.Empty(t, m.script, "a nack must fail immediately, not burn retries")
}

func TestDeviceChecksum(t *testing.T) {
	m := &mockWire{}
	m.scriptInit(allCommands...)
	h := openTestHandle(t, m, nil)

	content := []byte("flashed content")
	crc := crc32.ChecksumIEEE(content)
	var sum [4]byte
	binary.BigEndian.PutUint32(sum[:], crc)

	m.ack() // checksum command
	m.ack() // address
	m.ack() // length
	m.reply(sum[:]...)
	m.ack()

	d, err := h.DeviceChecksum(0, uint64(len(content)))
	require.NoError(t, err)
	assert.Equal(t, checksum.CRC32, d.Algo)
	assert.Equal(t, sum[:], d.Sum)
}

func TestDeviceChecksumUnsupported(t *testing.T) {
	m := &mockWire{}
	// device only advertises get, write, erase
	m.scriptInit(0x00, 0x31, 0x43)
	h := openTestHandle(t, m, nil)

	_, err := h.DeviceChecksum(0, 128)
	assert.ErrorIs(t, err, destination.ErrReadBackUnsupported)
}

func TestReadBackUnsupported(t *testing.T) {
	m := &mockWire{}
	m.scriptInit(allCommands...)
	h := openTestHandle(t, m, nil)

	assert.False(t, h.SupportsReadBack())
	_, err := h.ReadBack(0, 16)
	assert.ErrorIs(t, err, destination.ErrReadBackUnsupported)
}

func TestCloseSendsExitAndIsIdempotent(t *testing.T) {
	m := &mockWire{}
	m.scriptInit(allCommands...)

	dev := NewSerialDevice("/dev/ttyACM8", nil)
	h := newSerialHandle(dev, m, nil)
	require.NoError(t, h.init())

	require.NoError(t, h.Close())
	assert.True(t, m.closed)
	assert.Equal(t, []byte{0x21, 0xde}, m.writes[len(m.writes)-1], "exit command on close")

	require.NoError(t, h.Close())
}

func TestSerialEnumeratorFiltersPorts(t *testing.T) {
	e := &SerialEnumerator{
		Ports: func() ([]string, error) {
			return []string{"/dev/ttyS0", "/dev/ttyACM0", "/dev/ttyUSB1"}, nil
		},
	}

	devs, err := e.Enumerate(context.Background())
	require.NoError(t, err)
	require.Len(t, devs, 2)
	assert.Equal(t, "/dev/ttyACM0", devs[0].ID())
	assert.Equal(t, destination.KindSerialBootloader, devs[0].Kind())
	assert.Equal(t, "/dev/ttyUSB1", devs[1].ID())
}
