package device

import "fmt"

// PartitionEntry is one partition discovered by a Scheme's Iterate.
type PartitionEntry struct {
	Index  int
	Offset uint64 // blocks from the start of the parent disk
	Size   uint64 // blocks
}

// Scheme probes a raw disk for a partition table. Schemes are tried in
// registration order; the first whose Iterate returns (entries, true, nil)
// wins (spec.md §4.3 "the first scheme whose iterate returns success defines
// the partitions"). Returning (nil, false, nil) means "not this scheme, try
// the next"; a non-nil error means a real I/O error and stops probing.
type Scheme interface {
	Name() string
	Iterate(disk DiskOps) (entries []PartitionEntry, recognized bool, err error)
}

// blockDiskView exposes a parent disk + block offset as its own DiskOps, the
// concrete type installed as a child device's DiskOps for each probed
// partition.
type blockDiskView struct {
	parent *Device
	offset uint64
	size   uint64
}

func (v *blockDiskView) BlockSize() uint32 { return v.parent.DiskOps.BlockSize() }
func (v *blockDiskView) BlockCount() uint64 { return v.size }

func (v *blockDiskView) ReadBlocks(lba uint64, count uint32, buf []byte) error {
	if lba+uint64(count) > v.size {
		return fmt.Errorf("device: partition read [%d,+%d) exceeds partition size %d", lba, count, v.size)
	}
	return v.parent.DiskOps.ReadBlocks(v.offset+lba, count, buf)
}

func (v *blockDiskView) WriteBlocks(lba uint64, count uint32, buf []byte) error {
	if lba+uint64(count) > v.size {
		return fmt.Errorf("device: partition write [%d,+%d) exceeds partition size %d", lba, count, v.size)
	}
	return v.parent.DiskOps.WriteBlocks(v.offset+lba, count, buf)
}

var _ DiskOps = (*blockDiskView)(nil)

// ProbePartitions runs every registered scheme against disk in order and
// registers a child "<disk.Name>p<index>" Device for each partition found by
// the first scheme that recognizes the disk's table.
func ProbePartitions(reg *Registry, schemes []Scheme, disk *Device) error {
	if disk.Kind != KindDisk || disk.DiskOps == nil {
		return fmt.Errorf("device: %q is not a disk", disk.Name)
	}
	for _, scheme := range schemes {
		entries, recognized, err := scheme.Iterate(disk.DiskOps)
		if err != nil {
			return fmt.Errorf("probe %s on %s: %w", scheme.Name(), disk.Name, err)
		}
		if !recognized {
			continue
		}
		for _, e := range entries {
			child := &Device{
				Name: fmt.Sprintf("%sp%d", disk.Name, e.Index),
				Kind: KindDisk,
				Partition: &PartitionInfo{
					Parent: disk,
					Offset: e.Offset,
				},
			}
			child.DiskOps = &blockDiskView{parent: disk, offset: e.Offset, size: e.Size}
			if err := reg.Register(child); err != nil {
				return err
			}
		}
		return nil
	}
	return nil
}
