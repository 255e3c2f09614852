package device

import (
	"encoding/binary"
	"fmt"
)

// MBRScheme recognizes a classic DOS/MBR partition table: the two-byte
// 0x55AA signature at the end of the boot sector and up to four primary
// partition entries starting at offset 0x1BE. Field layout is bit-exact per
// spec.md §9 ("packed structures at firmware boundaries"); all multi-byte
// fields are little-endian.
type MBRScheme struct{}

func (MBRScheme) Name() string { return "mbr" }

const (
	mbrSignatureOffset = 0x1FE
	mbrSignature       = 0xAA55
	mbrTableOffset     = 0x1BE
	mbrEntrySize       = 16
)

func (MBRScheme) Iterate(disk DiskOps) ([]PartitionEntry, bool, error) {
	blockSize := disk.BlockSize()
	if blockSize < 512 {
		return nil, false, fmt.Errorf("mbr: block size %d too small", blockSize)
	}
	sector := make([]byte, blockSize)
	if err := disk.ReadBlocks(0, 1, sector); err != nil {
		return nil, false, fmt.Errorf("mbr: read boot sector: %w", err)
	}
	if binary.LittleEndian.Uint16(sector[mbrSignatureOffset:]) != mbrSignature {
		return nil, false, nil
	}

	var entries []PartitionEntry
	for i := 0; i < 4; i++ {
		off := mbrTableOffset + i*mbrEntrySize
		entry := sector[off : off+mbrEntrySize]
		partType := entry[4]
		if partType == 0 {
			continue
		}
		if partType == 0xEE {
			// Protective MBR for a GPT disk: defer to GPTScheme entirely.
			return nil, false, nil
		}
		lba := binary.LittleEndian.Uint32(entry[8:12])
		count := binary.LittleEndian.Uint32(entry[12:16])
		if count == 0 {
			continue
		}
		entries = append(entries, PartitionEntry{
			Index:  len(entries),
			Offset: uint64(lba),
			Size:   uint64(count),
		})
	}
	return entries, true, nil
}

var _ Scheme = MBRScheme{}
