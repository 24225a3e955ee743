// Package format quick-formats a block destination with a fresh FAT32
// filesystem: boot sector, FSInfo, their backups, both FATs and an empty
// root directory. Existing data outside those regions is left in place,
// which is what makes it quick.
package format

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/synthread/go-imager/destination"
)

const (
	sectorSize      = 512
	reservedSectors = 32
	numFATs         = 2
	rootCluster     = 2
	fsInfoSector    = 1
	backupSector    = 6

	// minClusters is the FAT32 floor; fewer clusters and drivers would
	// treat the volume as FAT16.
	minClusters = 65525
)

var (
	// ErrNotBlockDevice rejects non-block destinations; a bootloader
	// target has no filesystem to format.
	ErrNotBlockDevice = errors.New("formatting requires a block device")

	// ErrTooSmall rejects devices below the FAT32 minimum.
	ErrTooSmall = errors.New("device too small for FAT32")
)

// Options tunes the produced filesystem.
type Options struct {
	// Label is the 11-character volume label, space padded. Empty means
	// "NO NAME".
	Label string

	// VolumeID is the serial number stamped into the boot sector. Zero
	// derives one from the current time.
	VolumeID uint32
}

// layout is the computed geometry for one volume.
type layout struct {
	totalSectors   uint32
	secPerCluster  uint32
	fatSizeSectors uint32
	clusters       uint32
}

// sectorsPerCluster follows the standard size table.
func sectorsPerCluster(totalSectors uint32) uint32 {
	switch {
	case totalSectors <= 532480: // up to 260 MiB
		return 1
	case totalSectors <= 16777216: // up to 8 GiB
		return 8
	case totalSectors <= 33554432: // up to 16 GiB
		return 16
	case totalSectors <= 67108864: // up to 32 GiB
		return 32
	default:
		return 64
	}
}

func planLayout(capacity uint64) (layout, error) {
	totalSectors := uint32(capacity / sectorSize)
	spc := sectorsPerCluster(totalSectors)

	// FAT size per the FAT32 specification's rounding formula
	tmp1 := uint64(totalSectors - reservedSectors)
	tmp2 := uint64(256*spc+numFATs) / 2
	fatSize := uint32((tmp1 + tmp2 - 1) / tmp2)

	dataSectors := totalSectors - reservedSectors - numFATs*fatSize
	clusters := dataSectors / spc
	if clusters < minClusters {
		return layout{}, errors.Wrapf(ErrTooSmall, "%d clusters", clusters)
	}

	return layout{
		totalSectors:   totalSectors,
		secPerCluster:  spc,
		fatSizeSectors: fatSize,
		clusters:       clusters,
	}, nil
}

func put16(b []byte, off int, v uint16) { binary.LittleEndian.PutUint16(b[off:], v) }
func put32(b []byte, off int, v uint32) { binary.LittleEndian.PutUint32(b[off:], v) }

func bootSector(l layout, opts Options) []byte {
	b := make([]byte, sectorSize)

	copy(b[0:], []byte{0xeb, 0x58, 0x90})
	copy(b[3:], "MSWIN4.1")

	put16(b, 11, sectorSize)
	b[13] = byte(l.secPerCluster)
	put16(b, 14, reservedSectors)
	b[16] = numFATs
	// root entry count and 16-bit totals stay zero on FAT32
	b[21] = 0xf8 // media: fixed disk
	put16(b, 24, 63)
	put16(b, 26, 255)
	put32(b, 32, l.totalSectors)

	put32(b, 36, l.fatSizeSectors)
	put32(b, 44, rootCluster)
	put16(b, 48, fsInfoSector)
	put16(b, 50, backupSector)
	b[64] = 0x80
	b[66] = 0x29 // extended boot signature

	id := opts.VolumeID
	if id == 0 {
		id = uint32(time.Now().Unix())
	}
	put32(b, 67, id)

	label := opts.Label
	if label == "" {
		label = "NO NAME"
	}
	copy(b[71:82], []byte("           "))
	copy(b[71:82], label)
	copy(b[82:90], "FAT32   ")

	b[510] = 0x55
	b[511] = 0xaa
	return b
}

func fsInfo(l layout) []byte {
	b := make([]byte, sectorSize)
	put32(b, 0, 0x41615252)
	put32(b, 484, 0x61417272)
	put32(b, 488, l.clusters-1) // root directory occupies one cluster
	put32(b, 492, rootCluster+1)
	put32(b, 508, 0xaa550000)
	return b
}

// fatHead is the first FAT sector: media descriptor entry, end-of-chain
// reserve entry and the root directory's terminating entry.
func fatHead() []byte {
	b := make([]byte, sectorSize)
	put32(b, 0, 0x0ffffff8)
	put32(b, 4, 0x0fffffff)
	put32(b, 8, 0x0fffffff)
	return b
}

// QuickFormat writes a FAT32 filesystem onto dev through the exclusive-open
// contract. Fails up front on a non-block destination or one below the
// FAT32 size floor.
func QuickFormat(ctx context.Context, dev destination.Device, opts *Options) error {
	if dev.Kind() != destination.KindBlockDevice {
		return errors.Wrap(ErrNotBlockDevice, string(dev.Kind()))
	}

	var o Options
	if opts != nil {
		o = *opts
	}

	l, err := planLayout(dev.Capacity())
	if err != nil {
		return err
	}

	h, err := dev.OpenExclusive(ctx)
	if err != nil {
		return err
	}
	defer h.Close()

	// keep every region offset aligned on media with blocks larger than a
	// sector
	if bs := uint32(h.BlockSize()); bs > sectorSize {
		perBlock := bs / sectorSize
		if rem := l.fatSizeSectors % perBlock; rem != 0 {
			l.fatSizeSectors += perBlock - rem
		}
	}

	w := &regionWriter{h: h, blockSize: uint64(h.BlockSize())}

	// reserved region: boot, fsinfo, backups, zeroes elsewhere
	reserved := make([]byte, reservedSectors*sectorSize)
	copy(reserved[0:], bootSector(l, o))
	copy(reserved[fsInfoSector*sectorSize:], fsInfo(l))
	copy(reserved[backupSector*sectorSize:], bootSector(l, o))
	copy(reserved[(backupSector+1)*sectorSize:], fsInfo(l))
	if err := w.write(0, reserved); err != nil {
		return err
	}

	// both FATs: head sector with the fixed entries, zeroes after
	fatBytes := uint64(l.fatSizeSectors) * sectorSize
	for i := uint64(0); i < numFATs; i++ {
		off := reservedSectors*sectorSize + i*fatBytes
		if err := w.writeZeroed(off, fatBytes, fatHead()); err != nil {
			return err
		}
	}

	// empty root directory cluster
	rootOff := reservedSectors*sectorSize + numFATs*fatBytes
	if err := w.writeZeroed(rootOff, uint64(l.secPerCluster)*sectorSize, nil); err != nil {
		return err
	}

	if err := h.Flush(); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"dest":     dev.ID(),
		"clusters": l.clusters,
		"fat_size": l.fatSizeSectors,
	}).Debug("quick format complete")

	return nil
}

// regionWriter chunks region writes into block-aligned pieces.
type regionWriter struct {
	h         destination.Handle
	blockSize uint64
}

const writeChunk = 1 << 20

func (w *regionWriter) write(off uint64, p []byte) error {
	if pad := uint64(len(p)) % w.blockSize; pad != 0 {
		padded := make([]byte, uint64(len(p))+w.blockSize-pad)
		copy(padded, p)
		p = padded
	}
	for len(p) > 0 {
		n := len(p)
		if n > writeChunk {
			n = writeChunk
		}
		if err := w.h.WriteChunk(off, p[:n]); err != nil {
			return err
		}
		off += uint64(n)
		p = p[n:]
	}
	return nil
}

// writeZeroed writes a zero-filled region of size bytes with head, if any,
// at its start.
func (w *regionWriter) writeZeroed(off, size uint64, head []byte) error {
	zero := make([]byte, writeChunk)
	first := true
	for size > 0 {
		n := uint64(writeChunk)
		if size < n {
			n = size
		}
		buf := zero[:n]
		if first && len(head) > 0 {
			buf = make([]byte, n)
			copy(buf, head)
		}
		if err := w.write(off, buf); err != nil {
			return err
		}
		off += n
		size -= n
		first = false
	}
	return nil
}
