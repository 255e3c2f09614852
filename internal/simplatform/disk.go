package simplatform

import (
	"encoding/base64"
	"fmt"

	"github.com/kboot-go/kboot/internal/device"
)

// MemDisk is an in-memory device.DiskOps backed by a byte slice, the
// fixture-harness analogue of the teacher's loopback block device: good
// enough to drive partition-scheme probing and raw block reads without a
// real storage stack.
type MemDisk struct {
	blockSize uint32
	data      []byte
}

// NewMemDisk allocates a zero-filled disk of blockCount blocks.
func NewMemDisk(blockSize uint32, blockCount uint64) *MemDisk {
	return &MemDisk{blockSize: blockSize, data: make([]byte, blockSize*uint32(blockCount))}
}

// NewMemDiskFromBase64 builds a MemDisk whose initial contents are the
// decoded bytes of raw, padded to a whole number of blocks. Used by fixtures
// that need bit-exact bytes at the start of the disk, e.g. a partition
// table or a boot sector.
func NewMemDiskFromBase64(blockSize uint32, raw string) (*MemDisk, error) {
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("simplatform: decoding disk image: %w", err)
	}
	blocks := (uint64(len(data)) + uint64(blockSize) - 1) / uint64(blockSize)
	padded := make([]byte, blocks*uint64(blockSize))
	copy(padded, data)
	return &MemDisk{blockSize: blockSize, data: padded}, nil
}

func (d *MemDisk) BlockSize() uint32  { return d.blockSize }
func (d *MemDisk) BlockCount() uint64 { return uint64(len(d.data)) / uint64(d.blockSize) }

func (d *MemDisk) ReadBlocks(lba uint64, count uint32, buf []byte) error {
	start := lba * uint64(d.blockSize)
	size := uint64(count) * uint64(d.blockSize)
	if start+size > uint64(len(d.data)) {
		return fmt.Errorf("simplatform: read [%d,+%d) blocks exceeds disk size", lba, count)
	}
	n := copy(buf, d.data[start:start+size])
	if uint64(n) < size {
		return fmt.Errorf("simplatform: read buffer too small (%d < %d)", len(buf), size)
	}
	return nil
}

func (d *MemDisk) WriteBlocks(lba uint64, count uint32, buf []byte) error {
	start := lba * uint64(d.blockSize)
	size := uint64(count) * uint64(d.blockSize)
	if start+size > uint64(len(d.data)) {
		return fmt.Errorf("simplatform: write [%d,+%d) blocks exceeds disk size", lba, count)
	}
	copy(d.data[start:start+size], buf[:size])
	return nil
}

var _ device.DiskOps = (*MemDisk)(nil)
