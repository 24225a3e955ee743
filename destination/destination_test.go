package destination

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempImageFile(t *testing.T, size int) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "card.img")
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o600))
	return path
}

func TestBlockDeviceWriteReadBack(t *testing.T) {
	path := tempImageFile(t, 4096)
	dev := NewBlockDevice(path, "test card", 4096, 512)

	h, err := dev.OpenExclusive(context.Background())
	require.NoError(t, err)
	defer h.Close()

	chunk := bytes.Repeat([]byte{0xbe}, 1024)
	require.NoError(t, h.WriteChunk(512, chunk))
	require.NoError(t, h.Flush())

	require.True(t, h.SupportsReadBack())
	got, err := h.ReadBack(512, len(chunk))
	require.NoError(t, err)
	assert.Equal(t, chunk, got)
}

func TestBlockDeviceRejectsUnalignedWrites(t *testing.T) {
	path := tempImageFile(t, 4096)
	dev := NewBlockDevice(path, "test card", 4096, 512)

	h, err := dev.OpenExclusive(context.Background())
	require.NoError(t, err)
	defer h.Close()

	assert.Error(t, h.WriteChunk(100, make([]byte, 512)), "unaligned offset")
	assert.Error(t, h.WriteChunk(0, make([]byte, 100)), "unaligned length")
	assert.Error(t, h.WriteChunk(0, make([]byte, 8192)), "past capacity")
}

func TestOpenExclusiveIsMutuallyExclusive(t *testing.T) {
	path := tempImageFile(t, 1024)
	dev := NewBlockDevice(path, "test card", 1024, 512)

	h, err := dev.OpenExclusive(context.Background())
	require.NoError(t, err)

	_, err = dev.OpenExclusive(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable, "second open while held must report busy")

	require.NoError(t, h.Close())

	h2, err := dev.OpenExclusive(context.Background())
	require.NoError(t, err, "open must succeed after the first handle is closed")
	h2.Close()
}

func TestOpenExclusiveMissingDevice(t *testing.T) {
	dev := NewBlockDevice(filepath.Join(t.TempDir(), "nope"), "gone", 0, 512)

	_, err := dev.OpenExclusive(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestCloseIsIdempotent(t *testing.T) {
	path := tempImageFile(t, 1024)
	dev := NewBlockDevice(path, "test card", 1024, 512)

	h, err := dev.OpenExclusive(context.Background())
	require.NoError(t, err)

	require.NoError(t, h.Close())
	require.NoError(t, h.Close())
}

func writeSysAttr(t *testing.T, dir, name, value string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(filepath.Join(dir, name)), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(value+"\n"), 0o644))
}

func TestBlockEnumeratorFiltersRemovable(t *testing.T) {
	sys := t.TempDir()

	sd := filepath.Join(sys, "sda")
	writeSysAttr(t, sd, "removable", "1")
	writeSysAttr(t, sd, "size", "1024")
	writeSysAttr(t, sd, "queue/logical_block_size", "512")
	writeSysAttr(t, sd, "device/model", "USB SD Reader")

	system := filepath.Join(sys, "nvme0n1")
	writeSysAttr(t, system, "removable", "0")
	writeSysAttr(t, system, "size", "2048")

	loop := filepath.Join(sys, "loop0")
	writeSysAttr(t, loop, "removable", "0")
	writeSysAttr(t, loop, "size", "64")

	e := &BlockEnumerator{SysBlock: sys, DevRoot: "/dev"}
	devs, err := e.Enumerate(context.Background())
	require.NoError(t, err)
	require.Len(t, devs, 1)

	assert.Equal(t, "/dev/sda", devs[0].ID())
	assert.Equal(t, "USB SD Reader", devs[0].Label())
	assert.Equal(t, uint64(1024*512), devs[0].Capacity())
	assert.Equal(t, KindBlockDevice, devs[0].Kind())
}

func TestBlockEnumeratorOmitsVanishedDevices(t *testing.T) {
	sys := t.TempDir()

	// directory exists but its attributes are already gone
	require.NoError(t, os.MkdirAll(filepath.Join(sys, "sdb"), 0o755))

	sd := filepath.Join(sys, "sdc")
	writeSysAttr(t, sd, "removable", "1")
	writeSysAttr(t, sd, "size", "512")

	e := &BlockEnumerator{SysBlock: sys, DevRoot: "/dev"}
	devs, err := e.Enumerate(context.Background())
	require.NoError(t, err)
	require.Len(t, devs, 1, "half-vanished device is omitted, not an error")
	assert.Equal(t, "/dev/sdc", devs[0].ID())
}

func TestEnumerateFiltersByKind(t *testing.T) {
	sys := t.TempDir()
	sd := filepath.Join(sys, "sda")
	writeSysAttr(t, sd, "removable", "1")
	writeSysAttr(t, sd, "size", "1024")

	e := &BlockEnumerator{SysBlock: sys, DevRoot: "/dev"}

	devs, err := Enumerate(context.Background(), KindSerialBootloader, e)
	require.NoError(t, err)
	assert.Empty(t, devs)

	devs, err = Enumerate(context.Background(), KindBlockDevice, e)
	require.NoError(t, err)
	assert.Len(t, devs, 1)
}
