package destination

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
)

// Enumerate returns the current live set of destinations matching the kind
// filter. The result is a snapshot: devices can disappear at any point after
// the call, which open-time validation catches.
func Enumerate(ctx context.Context, kind Kind, enums ...Enumerator) ([]Device, error) {
	var out []Device
	for _, e := range enums {
		if kind != "" && e.DestinationKind() != kind {
			continue
		}

		devs, err := e.Enumerate(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, devs...)
	}

	slices.SortFunc(out, func(a, b Device) int {
		return strings.Compare(a.ID(), b.ID())
	})
	return out, nil
}

// BlockEnumerator discovers removable block devices via sysfs.
type BlockEnumerator struct {
	// SysBlock is the sysfs block directory, overridable for tests.
	SysBlock string
	// DevRoot is where device nodes live.
	DevRoot string
	// IncludeAll disables the removable/virtual filter, mirroring the
	// "show all drives" toggle in imaging frontends.
	IncludeAll bool
}

func NewBlockEnumerator() *BlockEnumerator {
	return &BlockEnumerator{SysBlock: "/sys/block", DevRoot: "/dev"}
}

func (e *BlockEnumerator) DestinationKind() Kind { return KindBlockDevice }

// Enumerate walks sysfs for block devices. Devices that vanish mid-walk are
// omitted rather than failing the whole call.
func (e *BlockEnumerator) Enumerate(ctx context.Context) ([]Device, error) {
	entries, err := os.ReadDir(e.SysBlock)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []Device
	for _, ent := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		name := ent.Name()
		if !e.IncludeAll && isVirtualBlock(name) {
			continue
		}

		sys := filepath.Join(e.SysBlock, name)
		removable := readSysInt(filepath.Join(sys, "removable")) == 1
		if !e.IncludeAll && !removable {
			continue
		}

		sectors := readSysInt(filepath.Join(sys, "size"))
		if sectors < 0 {
			// gone between ReadDir and the attribute read
			continue
		}

		blockSize := int(readSysInt(filepath.Join(sys, "queue", "logical_block_size")))
		if blockSize <= 0 {
			blockSize = DefaultBlockSize
		}

		label := readSysString(filepath.Join(sys, "device", "model"))
		if label == "" {
			label = name
		}

		dev := NewBlockDevice(
			filepath.Join(e.DevRoot, name),
			label,
			uint64(sectors)*512,
			blockSize,
		)
		logrus.Debugf("enumerated block device %s (%s, %d bytes)", dev.ID(), dev.Label(), dev.Capacity())
		out = append(out, dev)
	}

	return out, nil
}

// isVirtualBlock filters kernel-backed devices that are never flashing
// targets.
func isVirtualBlock(name string) bool {
	for _, prefix := range []string{"loop", "ram", "zram", "dm-", "md", "sr"} {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

func readSysInt(path string) int64 {
	raw, err := os.ReadFile(path)
	if err != nil {
		return -1
	}
	v, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return -1
	}
	return v
}

func readSysString(path string) string {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}
