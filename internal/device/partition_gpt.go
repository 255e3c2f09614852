package device

import (
	"encoding/binary"
	"fmt"
)

// GPTScheme recognizes a GUID Partition Table: an 8-byte "EFI PART"
// signature in the header at LBA 1, followed by a partition entry array at
// an LBA the header names. Only fields needed to enumerate partitions are
// parsed; GUIDs are treated as opaque 16-byte blobs. Bit-exact little-endian
// layout per spec.md §9.
type GPTScheme struct{}

func (GPTScheme) Name() string { return "gpt" }

var gptSignature = [8]byte{'E', 'F', 'I', ' ', 'P', 'A', 'R', 'T'}

const gptEntrySize = 128 // standard GPT entry size; header also carries the real value

func (GPTScheme) Iterate(disk DiskOps) ([]PartitionEntry, bool, error) {
	blockSize := disk.BlockSize()
	header := make([]byte, blockSize)
	if err := disk.ReadBlocks(1, 1, header); err != nil {
		return nil, false, fmt.Errorf("gpt: read header: %w", err)
	}
	for i, b := range gptSignature {
		if header[i] != b {
			return nil, false, nil
		}
	}

	entryLBA := binary.LittleEndian.Uint64(header[72:80])
	numEntries := binary.LittleEndian.Uint32(header[80:84])
	entrySize := binary.LittleEndian.Uint32(header[84:88])
	if entrySize == 0 {
		entrySize = gptEntrySize
	}
	if numEntries == 0 {
		return nil, true, nil
	}

	entriesPerBlock := uint32(blockSize) / entrySize
	if entriesPerBlock == 0 {
		return nil, false, fmt.Errorf("gpt: entry size %d exceeds block size %d", entrySize, blockSize)
	}
	blocksNeeded := (numEntries + entriesPerBlock - 1) / entriesPerBlock

	buf := make([]byte, uint64(blocksNeeded)*uint64(blockSize))
	if err := disk.ReadBlocks(entryLBA, blocksNeeded, buf); err != nil {
		return nil, false, fmt.Errorf("gpt: read partition entries: %w", err)
	}

	var entries []PartitionEntry
	for i := uint32(0); i < numEntries; i++ {
		off := i * entrySize
		if uint64(off)+uint64(entrySize) > uint64(len(buf)) {
			break
		}
		entry := buf[off : off+entrySize]
		isZero := true
		for _, b := range entry[:16] { // partition type GUID all-zero means unused
			if b != 0 {
				isZero = false
				break
			}
		}
		if isZero {
			continue
		}
		firstLBA := binary.LittleEndian.Uint64(entry[32:40])
		lastLBA := binary.LittleEndian.Uint64(entry[40:48])
		if lastLBA < firstLBA {
			continue
		}
		entries = append(entries, PartitionEntry{
			Index:  len(entries),
			Offset: firstLBA,
			Size:   lastLBA - firstLBA + 1,
		})
	}
	return entries, true, nil
}

var _ Scheme = GPTScheme{}
