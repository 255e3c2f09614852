package device

import "encoding/binary"

// AppleScheme recognizes an Apple Partition Map: a "PM" signature on the
// second block (block 1, 0-indexed) of the disk.
type AppleScheme struct{}

func (AppleScheme) Name() string { return "apple" }

func (AppleScheme) Iterate(disk DiskOps) ([]PartitionEntry, bool, error) {
	blockSize := disk.BlockSize()
	block := make([]byte, blockSize)
	if err := disk.ReadBlocks(1, 1, block); err != nil {
		return nil, false, err
	}
	if block[0] != 'P' || block[1] != 'M' {
		return nil, false, nil
	}

	mapEntries := binary.BigEndian.Uint32(block[4:8])
	var entries []PartitionEntry
	for i := uint32(1); i <= mapEntries; i++ {
		buf := make([]byte, blockSize)
		if err := disk.ReadBlocks(uint64(i), 1, buf); err != nil {
			return nil, false, err
		}
		if buf[0] != 'P' || buf[1] != 'M' {
			continue
		}
		startBlock := binary.BigEndian.Uint32(buf[8:12])
		blockCount := binary.BigEndian.Uint32(buf[12:16])
		if blockCount == 0 {
			continue
		}
		entries = append(entries, PartitionEntry{
			Index:  len(entries),
			Offset: uint64(startBlock),
			Size:   uint64(blockCount),
		})
	}
	return entries, true, nil
}

var _ Scheme = AppleScheme{}

// BSDScheme recognizes a BSD disklabel: the 0x82564557 magic at a fixed
// offset within the first block.
type BSDScheme struct{}

func (BSDScheme) Name() string { return "bsd" }

const (
	bsdLabelOffset = 0x200
	bsdMagic       = 0x82564557
)

func (BSDScheme) Iterate(disk DiskOps) ([]PartitionEntry, bool, error) {
	blockSize := disk.BlockSize()
	if uint64(blockSize) < bsdLabelOffset+148 {
		return nil, false, nil
	}
	block := make([]byte, blockSize)
	if err := disk.ReadBlocks(0, 1, block); err != nil {
		return nil, false, err
	}
	label := block[bsdLabelOffset:]
	if binary.LittleEndian.Uint32(label[0:4]) != bsdMagic {
		return nil, false, nil
	}
	numParts := binary.LittleEndian.Uint16(label[138:140])
	const partEntrySize = 16
	const partTableOffset = 148

	var entries []PartitionEntry
	for i := 0; i < int(numParts); i++ {
		off := partTableOffset + i*partEntrySize
		if off+partEntrySize > len(label) {
			break
		}
		entry := label[off : off+partEntrySize]
		size := binary.LittleEndian.Uint32(entry[0:4])
		offset := binary.LittleEndian.Uint32(entry[4:8])
		fsType := entry[12]
		if size == 0 || fsType == 0 {
			continue
		}
		entries = append(entries, PartitionEntry{
			Index:  len(entries),
			Offset: uint64(offset),
			Size:   uint64(size),
		})
	}
	return entries, true, nil
}

var _ Scheme = BSDScheme{}
