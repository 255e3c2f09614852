package linuxboot

import "encoding/binary"

// E820Entry is one BIOS memory map entry the zero page carries (spec.md
// §4.8 "memory map entries (capped at 128)").
type E820Entry struct {
	Addr uint64
	Size uint64
	Type uint32
}

const (
	e820TypeRAM      uint32 = 1
	e820TypeReserved uint32 = 2
)

// ZeroPageInputs is everything BuildZeroPage needs beyond the parsed
// header, grounded on the teacher's BuildZeroPage parameter list
// (internal/linux/boot/bootparams.go) with GPAs renamed to the physical
// addresses this loader itself chose.
type ZeroPageInputs struct {
	LoadAddr    uint64
	Cmdline     string
	CmdlineAddr uint64
	InitrdAddr  uint64
	InitrdSize  uint32
	E820        []E820Entry
}

// BuildZeroPage renders the 4 KiB "zero page" boot_params block, bit-exact
// to the Linux x86 boot protocol (spec.md §6), directly adapted from the
// teacher's BuildZeroPage: the same field offsets and write order, with
// writes landing in a plain []byte instead of a hypervisor's guest-memory
// view.
func BuildZeroPage(img *Image, in ZeroPageInputs) ([]byte, error) {
	if len(in.E820) == 0 {
		return nil, errNoE820
	}
	if len(in.E820) > e820MaxEntries {
		return nil, errTooManyE820
	}

	zp := make([]byte, zeroPageSize)

	if len(img.HeaderBytes) > zeroPageSize-setupHeaderOffset {
		return nil, errHeaderTooLarge
	}
	copy(zp[setupHeaderOffset:], img.HeaderBytes)

	binary.LittleEndian.PutUint16(zp[setupHeaderBootFlagOffset:], 0xaa55)
	copy(zp[setupHeaderHeaderOffset:], []byte(headerMagic))
	binary.LittleEndian.PutUint16(zp[protocolVersionOffset:], img.Header.ProtocolVersion)
	zp[loadFlagsOffset] = img.Header.LoadFlags
	binary.LittleEndian.PutUint32(zp[kernelAlignmentOffset:], img.Header.KernelAlignment)
	zp[relocatableKernelOffset] = img.Header.RelocatableKernel
	zp[minAlignmentOffset] = img.Header.MinAlignment
	binary.LittleEndian.PutUint16(zp[xloadflagsOffset:], img.Header.XLoadFlags)
	binary.LittleEndian.PutUint32(zp[cmdlineSizeOffset:], img.Header.CmdlineSize)
	binary.LittleEndian.PutUint32(zp[initrdAddrMaxOffset:], img.Header.InitrdAddrMax)
	binary.LittleEndian.PutUint64(zp[prefAddressOffset:], img.Header.PrefAddress)
	binary.LittleEndian.PutUint32(zp[initSizeOffset:], img.Header.InitSize)

	zp[typeOfLoaderOffset] = typeOfLoaderUnknown

	loadFlags := zp[loadFlagsOffset] | canUseHeapFlag
	zp[loadFlagsOffset] = loadFlags
	heapEnd := uint16(0x9800)
	if loadFlags&0x1 != 0 {
		heapEnd = 0xe000
	}
	binary.LittleEndian.PutUint16(zp[heapEndPtrOffset:], heapEnd-0x200)

	if in.LoadAddr > 0xffffffff {
		return nil, errLoadAddrTooHigh
	}
	binary.LittleEndian.PutUint32(zp[code32StartOffset:], uint32(in.LoadAddr))

	binary.LittleEndian.PutUint32(zp[cmdLinePtrOffset:], uint32(in.CmdlineAddr))
	binary.LittleEndian.PutUint32(zp[zeroPageExtCmdLinePtr:], uint32(in.CmdlineAddr>>32))

	if in.InitrdSize > 0 {
		binary.LittleEndian.PutUint32(zp[ramdiskImageOffset:], uint32(in.InitrdAddr))
		binary.LittleEndian.PutUint32(zp[ramdiskSizeOffset:], in.InitrdSize)
		binary.LittleEndian.PutUint32(zp[zeroPageExtRamDiskImage:], uint32(in.InitrdAddr>>32))
		binary.LittleEndian.PutUint32(zp[zeroPageExtRamDiskSize:], uint32(uint64(in.InitrdSize)>>32))
	}

	if img.Header.CmdlineSize != 0 && uint32(len(in.Cmdline)) > img.Header.CmdlineSize {
		return nil, errCmdlineTooLong
	}

	zp[zeroPageE820Entries] = byte(len(in.E820))
	for idx, ent := range in.E820 {
		off := zeroPageE820Table + idx*e820EntrySize
		binary.LittleEndian.PutUint64(zp[off:], ent.Addr)
		binary.LittleEndian.PutUint64(zp[off+8:], ent.Size)
		binary.LittleEndian.PutUint32(zp[off+16:], ent.Type)
	}

	return zp, nil
}

// EncodeCmdline returns the NUL-terminated command-line bytes to place at
// ZeroPageInputs.CmdlineAddr.
func EncodeCmdline(cmdline string) []byte {
	return append([]byte(cmdline), 0)
}
