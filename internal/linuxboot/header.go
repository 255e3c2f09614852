// Package linuxboot implements the Linux boot protocol loader of spec.md
// §4.8: bit-exact header validation at file offset 0x1f1, zero-page
// construction, and transfer via either the legacy 16-bit entry or the EFI
// handover entry point.
//
// Adapted directly from the teacher's internal/linux/boot/amd64 package
// (bzimage.go, offsets.go, load.go): the byte-offset table and header
// parsing are kept verbatim, since they encode the Linux kernel's own wire
// format and are correct regardless of what is on the other end of the
// write. What changes is the write path itself — the teacher writes into a
// hv.VirtualMachine's guest memory; this loader writes into a
// phys.Allocator-backed physical address space, since this repository is
// the firmware itself rather than a hypervisor presenting memory to a
// guest.
package linuxboot

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	headerMagicOffset  = 0x202
	headerMagic        = "HdrS"
	headerLengthOffset = 0x201
	setupHeaderOffset  = 497

	zeroPageSize            = 4096
	zeroPageExtRamDiskImage = 192
	zeroPageExtRamDiskSize  = 196
	zeroPageExtCmdLinePtr   = 200
	zeroPageE820Entries     = 488
	zeroPageE820Table       = 720

	protocolVersionOffset     = setupHeaderOffset + 21
	typeOfLoaderOffset        = setupHeaderOffset + 31
	loadFlagsOffset           = setupHeaderOffset + 32
	heapEndPtrOffset          = setupHeaderOffset + 51
	setupHeaderBootFlagOffset = setupHeaderOffset + 13
	setupHeaderHeaderOffset   = setupHeaderOffset + 17
	code32StartOffset        = setupHeaderOffset + 35
	ramdiskImageOffset       = setupHeaderOffset + 39
	ramdiskSizeOffset        = setupHeaderOffset + 43
	cmdLinePtrOffset         = setupHeaderOffset + 55
	initrdAddrMaxOffset      = setupHeaderOffset + 59
	kernelAlignmentOffset    = setupHeaderOffset + 63
	relocatableKernelOffset  = setupHeaderOffset + 67
	minAlignmentOffset       = setupHeaderOffset + 68
	xloadflagsOffset         = setupHeaderOffset + 69
	cmdlineSizeOffset        = setupHeaderOffset + 71
	hardwareSubarchOffset    = setupHeaderOffset + 75
	hwSubarchDataOffset      = setupHeaderOffset + 79
	payloadOffsetOffset      = setupHeaderOffset + 87
	payloadLengthOffset      = setupHeaderOffset + 91
	setupDataOffset          = setupHeaderOffset + 95
	prefAddressOffset        = setupHeaderOffset + 103
	initSizeOffset           = setupHeaderOffset + 111
	handoverOffsetOffset     = setupHeaderOffset + 115
	kernelInfoOffsetOffset   = setupHeaderOffset + 119

	e820EntrySize             = 20
	e820MaxEntries            = 128
	typeOfLoaderUnknown uint8 = 0xff
	canUseHeapFlag      uint8 = 1 << 7

	xlfKernel64     = 0x1
	xlfEFIHandover32 = 0x2
	xlfEFIHandover64 = 0x4
)

// SetupHeader is the Linux x86 boot protocol's setup_header, bit-exact to
// the kernel's own layout (spec.md §9 "packed structures at firmware
// boundaries").
type SetupHeader struct {
	ProtocolVersion     uint16
	SetupSectors        uint8
	LoadFlags           uint8
	Code32Start         uint32
	RamdiskImage        uint32
	RamdiskSize         uint32
	HeapEndPtr          uint16
	CmdLinePtr          uint32
	InitrdAddrMax       uint32
	KernelAlignment     uint32
	RelocatableKernel   uint8
	MinAlignment        uint8
	XLoadFlags          uint16
	CmdlineSize         uint32
	HardwareSubarch     uint32
	HardwareSubarchData uint64
	PayloadOffset       uint32
	PayloadLength       uint32
	SetupData           uint64
	PrefAddress         uint64
	InitSize            uint32
	HandoverOffset      uint32
	KernelInfoOffset    uint32
}

// Image is a parsed bzImage: the raw bytes, its header, and the verbatim
// header byte range for re-embedding into the zero page.
type Image struct {
	Data        []byte
	Header      SetupHeader
	HeaderBytes []byte
	PayloadOff  int
}

// ParseBzImage validates the magic at headerMagicOffset and parses the
// setup_header, grounded on the teacher's KernelImage.parseHeader.
func ParseBzImage(data []byte) (*Image, error) {
	if len(data) < headerMagicOffset+4 {
		return nil, errors.New("linuxboot: kernel image too small")
	}
	if string(data[headerMagicOffset:headerMagicOffset+4]) != headerMagic {
		return nil, errors.New("linuxboot: missing HdrS signature; not a Linux bzImage")
	}

	headerLength := int(data[headerLengthOffset])
	headerEnd := headerMagicOffset + headerLength
	if headerEnd > len(data) {
		return nil, errors.New("linuxboot: setup header extends past end of image")
	}
	if headerEnd <= setupHeaderOffset {
		return nil, errors.New("linuxboot: invalid setup header length")
	}
	headerBytes := make([]byte, headerEnd-setupHeaderOffset)
	copy(headerBytes, data[setupHeaderOffset:headerEnd])

	var hdr SetupHeader
	hdr.SetupSectors = data[setupHeaderOffset]
	if hdr.SetupSectors == 0 {
		hdr.SetupSectors = 4
	}
	hdr.ProtocolVersion = binary.LittleEndian.Uint16(data[protocolVersionOffset : protocolVersionOffset+2])
	hdr.LoadFlags = data[loadFlagsOffset]
	hdr.Code32Start = binary.LittleEndian.Uint32(data[code32StartOffset : code32StartOffset+4])
	hdr.RamdiskImage = binary.LittleEndian.Uint32(data[ramdiskImageOffset : ramdiskImageOffset+4])
	hdr.RamdiskSize = binary.LittleEndian.Uint32(data[ramdiskSizeOffset : ramdiskSizeOffset+4])
	hdr.HeapEndPtr = binary.LittleEndian.Uint16(data[heapEndPtrOffset : heapEndPtrOffset+2])
	hdr.CmdLinePtr = binary.LittleEndian.Uint32(data[cmdLinePtrOffset : cmdLinePtrOffset+4])
	hdr.InitrdAddrMax = binary.LittleEndian.Uint32(data[initrdAddrMaxOffset : initrdAddrMaxOffset+4])
	hdr.KernelAlignment = binary.LittleEndian.Uint32(data[kernelAlignmentOffset : kernelAlignmentOffset+4])
	hdr.RelocatableKernel = data[relocatableKernelOffset]
	hdr.MinAlignment = data[minAlignmentOffset]
	hdr.XLoadFlags = binary.LittleEndian.Uint16(data[xloadflagsOffset : xloadflagsOffset+2])
	hdr.CmdlineSize = binary.LittleEndian.Uint32(data[cmdlineSizeOffset : cmdlineSizeOffset+4])
	hdr.HardwareSubarch = binary.LittleEndian.Uint32(data[hardwareSubarchOffset : hardwareSubarchOffset+4])
	hdr.HardwareSubarchData = binary.LittleEndian.Uint64(data[hwSubarchDataOffset : hwSubarchDataOffset+8])
	hdr.PayloadOffset = binary.LittleEndian.Uint32(data[payloadOffsetOffset : payloadOffsetOffset+4])
	hdr.PayloadLength = binary.LittleEndian.Uint32(data[payloadLengthOffset : payloadLengthOffset+4])
	hdr.SetupData = binary.LittleEndian.Uint64(data[setupDataOffset : setupDataOffset+8])
	hdr.PrefAddress = binary.LittleEndian.Uint64(data[prefAddressOffset : prefAddressOffset+8])
	hdr.InitSize = binary.LittleEndian.Uint32(data[initSizeOffset : initSizeOffset+4])
	hdr.HandoverOffset = binary.LittleEndian.Uint32(data[handoverOffsetOffset : handoverOffsetOffset+4])
	hdr.KernelInfoOffset = binary.LittleEndian.Uint32(data[kernelInfoOffsetOffset : kernelInfoOffsetOffset+4])

	setupSectors := int(hdr.SetupSectors)
	payloadOffset := 512 * (1 + setupSectors)
	if payloadOffset > len(data) {
		return nil, fmt.Errorf("linuxboot: payload offset %d exceeds image size %d", payloadOffset, len(data))
	}
	if hdr.XLoadFlags&xlfKernel64 == 0 {
		return nil, errors.New("linuxboot: kernel does not advertise 64-bit entry (XLF_KERNEL_64)")
	}

	return &Image{Data: data, Header: hdr, HeaderBytes: headerBytes, PayloadOff: payloadOffset}, nil
}

// Payload returns the compressed protected-mode kernel payload.
func (img *Image) Payload() []byte { return img.Data[img.PayloadOff:] }

// SupportsEFIHandover reports whether the kernel advertises the EFI
// handover protocol for the given bitness (spec.md §4.8 "for EFI-capable
// 32/64-bit kernels supporting the EFI handover protocol, transfers via
// the handover entry point instead").
func (img *Image) SupportsEFIHandover(is64Bit bool) bool {
	if is64Bit {
		return img.Header.XLoadFlags&xlfEFIHandover64 != 0
	}
	return img.Header.XLoadFlags&xlfEFIHandover32 != 0
}

// HandoverEntry returns the EFI handover entry point's load-relative
// offset. The Linux boot protocol defines it as 512 bytes past the 32-bit
// entry for 64-bit handover, matching the kernel's own documented
// convention (handover_offset is relative to the 32-bit entry point).
func (img *Image) HandoverEntry(loadAddr uint64, is64Bit bool) uint64 {
	off := uint64(img.Header.HandoverOffset)
	if is64Bit {
		off += 0x200
	}
	return loadAddr + off
}
