// Package bootproto implements the native tag-based OS loader of spec.md
// §4.7: image tags parsed from a kernel's note records, and information
// tags emitted in return to describe the machine. Field layouts are
// bit-exact little-endian, grounded on the teacher's zero-page/e820-list
// construction style in internal/linux/boot/bootparams.go, applied here to
// a self-describing (type, size) tag stream instead of a fixed C struct.
package bootproto

import (
	"encoding/binary"
	"fmt"
)

// Magic is the signature placed in an architecture-specific register at
// kernel entry (spec.md §4.7).
const Magic uint32 = 0xb007cafe

// InfoTagType enumerates the information tags emitted for the kernel
// (spec.md §9 "Native boot protocol — information tags").
type InfoTagType uint32

const (
	TagNone      InfoTagType = 0
	TagCore      InfoTagType = 1
	TagOption    InfoTagType = 2
	TagMemory    InfoTagType = 3
	TagVMem      InfoTagType = 4
	TagPageTable InfoTagType = 5
	TagModule    InfoTagType = 6
	TagVideo     InfoTagType = 7
	TagBootDev   InfoTagType = 8
	TagLog       InfoTagType = 9
	TagSections  InfoTagType = 10
	TagBIOSE820  InfoTagType = 11
	TagEFI       InfoTagType = 12
	TagSerial    InfoTagType = 13
)

// tagHeaderSize is the (type: u32, size: u32) common prefix every tag
// starts with.
const tagHeaderSize = 8

// alignTagSize rounds a whole-tag byte length up to 8, per spec.md §9
// ("size is the whole-tag byte length rounded up to 8").
func alignTagSize(n int) int {
	return (n + 7) &^ 7
}

// Builder accumulates a contiguous information-tag list: CORE first, NONE
// last, everything else emitted in between in the order spec.md §4.7 step 5
// names (MEMORY once per final map range, MODULE once per user module,
// and so on — callers choose the order by calling Emit* in that order).
type Builder struct {
	buf []byte
}

func NewBuilder() *Builder { return &Builder{} }

// emit appends a tag with the given type and little-endian body, padding
// body to the next multiple of 8 with zero bytes.
func (b *Builder) emit(typ InfoTagType, body []byte) {
	size := alignTagSize(tagHeaderSize + len(body))
	tag := make([]byte, size)
	binary.LittleEndian.PutUint32(tag[0:4], uint32(typ))
	binary.LittleEndian.PutUint32(tag[4:8], uint32(size))
	copy(tag[tagHeaderSize:], body)
	b.buf = append(b.buf, tag...)
}

// CoreInfo is the fixed-format CORE tag: protocol/ABI version and entry
// details the kernel needs before it can interpret anything else in the
// list.
type CoreInfo struct {
	Version    uint32
	EntryVirt  uint64
	TagsVirt   uint64
	ArchFlags  uint32
}

func (b *Builder) EmitCore(c CoreInfo) {
	body := make([]byte, 24)
	binary.LittleEndian.PutUint32(body[0:4], c.Version)
	binary.LittleEndian.PutUint64(body[4:12], c.EntryVirt)
	binary.LittleEndian.PutUint64(body[12:20], c.TagsVirt)
	binary.LittleEndian.PutUint32(body[20:24], c.ArchFlags)
	b.emit(TagCore, body)
}

// MemoryRegion is one MEMORY tag: a single range of the final memory map,
// one tag emitted per range (spec.md §4.7 step 5).
type MemoryRegion struct {
	Base, Length uint64
	Type         uint32
}

func (b *Builder) EmitMemory(r MemoryRegion) {
	body := make([]byte, 20)
	binary.LittleEndian.PutUint64(body[0:8], r.Base)
	binary.LittleEndian.PutUint64(body[8:16], r.Length)
	binary.LittleEndian.PutUint32(body[16:20], r.Type)
	b.emit(TagMemory, body)
}

// VMem describes the direct-map base and the virtual-map window the loader
// allocated kernel-requested mappings from (spec.md §4.7 step 4/6).
type VMem struct {
	DirectMapBase    uint64
	WindowStart      uint64
	WindowSize       uint64
	SelfMapSlot      uint32
}

func (b *Builder) EmitVMem(v VMem) {
	body := make([]byte, 28)
	binary.LittleEndian.PutUint64(body[0:8], v.DirectMapBase)
	binary.LittleEndian.PutUint64(body[8:16], v.WindowStart)
	binary.LittleEndian.PutUint64(body[16:24], v.WindowSize)
	binary.LittleEndian.PutUint32(body[24:28], v.SelfMapSlot)
	b.emit(TagVMem, body)
}

// PageTables records where the kernel's initial page tables live, so the
// kernel can find and eventually free or extend them.
type PageTables struct {
	RootPhys uint64
	Count    uint32
}

func (b *Builder) EmitPageTables(p PageTables) {
	body := make([]byte, 12)
	binary.LittleEndian.PutUint64(body[0:8], p.RootPhys)
	binary.LittleEndian.PutUint32(body[8:12], p.Count)
	b.emit(TagPageTable, body)
}

// Module is one MODULE tag: a user-supplied file staged into memory
// alongside the kernel image (e.g. an initramfs or a second-stage binary).
type Module struct {
	Base, Length uint64
	Name         string
}

func (b *Builder) EmitModule(m Module) {
	name := []byte(m.Name)
	body := make([]byte, 16+len(name)+1)
	binary.LittleEndian.PutUint64(body[0:8], m.Base)
	binary.LittleEndian.PutUint64(body[8:16], m.Length)
	copy(body[16:], name)
	b.emit(TagModule, body)
}

// BootDevice identifies the device the kernel was loaded from.
type BootDevice struct {
	Kind uint32
	Unit uint32
}

func (b *Builder) EmitBootDev(d BootDevice) {
	body := make([]byte, 8)
	binary.LittleEndian.PutUint32(body[0:4], d.Kind)
	binary.LittleEndian.PutUint32(body[4:8], d.Unit)
	b.emit(TagBootDev, body)
}

// Video describes the framebuffer mode active at kernel entry, if any.
type Video struct {
	FramebufferPhys uint64
	Width, Height   uint32
	Pitch, BPP      uint32
}

func (b *Builder) EmitVideo(v Video) {
	body := make([]byte, 24)
	binary.LittleEndian.PutUint64(body[0:8], v.FramebufferPhys)
	binary.LittleEndian.PutUint32(body[8:12], v.Width)
	binary.LittleEndian.PutUint32(body[12:16], v.Height)
	binary.LittleEndian.PutUint32(body[16:20], v.Pitch)
	binary.LittleEndian.PutUint32(body[20:24], v.BPP)
	b.emit(TagVideo, body)
}

// Serial describes the console port the kernel can continue logging to.
type Serial struct {
	MMIOOrPort uint64
	BaudRate   uint32
}

func (b *Builder) EmitSerial(s Serial) {
	body := make([]byte, 12)
	binary.LittleEndian.PutUint64(body[0:8], s.MMIOOrPort)
	binary.LittleEndian.PutUint32(body[8:12], s.BaudRate)
	b.emit(TagSerial, body)
}

// Log describes the ring buffer the loader wrote its own boot log into, so
// the kernel can keep appending across the handoff (spec.md §4.7 step 7:
// "cache flush to memory (so the log buffer survives a reset)").
type Log struct {
	Base, Size uint64
}

func (b *Builder) EmitLog(l Log) {
	body := make([]byte, 16)
	binary.LittleEndian.PutUint64(body[0:8], l.Base)
	binary.LittleEndian.PutUint64(body[8:16], l.Size)
	b.emit(TagLog, body)
}

// Sections records the image's own section layout for a kernel that wants
// to introspect its load addresses (e.g. symbol resolution for a panic
// handler).
type Sections struct {
	Base, Size uint64
	EntryCount uint32
}

func (b *Builder) EmitSections(s Sections) {
	body := make([]byte, 20)
	binary.LittleEndian.PutUint64(body[0:8], s.Base)
	binary.LittleEndian.PutUint64(body[8:16], s.Size)
	binary.LittleEndian.PutUint32(body[16:20], s.EntryCount)
	b.emit(TagSections, body)
}

// BIOSE820 carries the raw e820 table for BIOS-platform kernels that want
// it verbatim rather than through the normalized MEMORY tags.
type BIOSE820Entry struct {
	Base, Length uint64
	Type         uint32
}

func (b *Builder) EmitBIOSE820(entries []BIOSE820Entry) {
	body := make([]byte, 4+len(entries)*20)
	binary.LittleEndian.PutUint32(body[0:4], uint32(len(entries)))
	for i, e := range entries {
		off := 4 + i*20
		binary.LittleEndian.PutUint64(body[off:off+8], e.Base)
		binary.LittleEndian.PutUint64(body[off+8:off+16], e.Length)
		binary.LittleEndian.PutUint32(body[off+16:off+20], e.Type)
	}
	b.emit(TagBIOSE820, body)
}

// EFI carries the firmware system table pointer for EFI-platform kernels.
type EFI struct {
	SystemTable uint64
	Is64Bit     bool
}

func (b *Builder) EmitEFI(e EFI) {
	body := make([]byte, 9)
	binary.LittleEndian.PutUint64(body[0:8], e.SystemTable)
	if e.Is64Bit {
		body[8] = 1
	}
	b.emit(TagEFI, body)
}

// EmitOption re-surfaces a user-supplied OPTION value for the kernel,
// named the same as the requesting image's OPTION image tag.
type Option struct {
	Name  string
	Value uint64
}

func (b *Builder) EmitOption(o Option) {
	name := []byte(o.Name)
	body := make([]byte, 8+len(name)+1)
	binary.LittleEndian.PutUint64(body[0:8], o.Value)
	copy(body[8:], name)
	b.emit(TagOption, body)
}

// Finish appends the terminating NONE tag and returns the complete
// contiguous tag list, ready to be written into guest-addressable memory
// at the address recorded in CoreInfo.TagsVirt.
func (b *Builder) Finish() []byte {
	b.emit(TagNone, nil)
	return b.buf
}

// --- Image tag parsing (the kernel's incoming note records) ---

// ImageTagType enumerates the tag kinds a loadable image itself carries
// (spec.md §4.7 "Image tag kinds").
type ImageTagType uint32

const (
	ImageTagImage   ImageTagType = 1
	ImageTagLoad    ImageTagType = 2
	ImageTagOption  ImageTagType = 3
	ImageTagMapping ImageTagType = 4
	ImageTagVideo   ImageTagType = 5
)

// ImageHeader is the required IMAGE tag: protocol version and feature
// flags.
type ImageHeader struct {
	Version          uint32
	RequestSections  bool
	RequestLog       bool
}

// LoadConstraints is the LOAD tag: the physical alignment window the
// loader must place the image within, an optional fixed base, and the
// virtual-map window available for first-fit mapping requests.
type LoadConstraints struct {
	MinAlign        uint64
	Align           uint64
	HasFixedBase    bool
	FixedBase       uint64
	VMapWindowStart uint64
	VMapWindowSize  uint64
}

// MappingRequest is a MAPPING tag: an additional virtual mapping the image
// wants, with Virt == MappingAny meaning "pick any free address in the
// virtual-map window".
type MappingRequest struct {
	Virt  uint64
	Phys  uint64
	Size  uint64
	Cache CacheKind
}

// MappingAny is the sentinel value of MappingRequest.Virt meaning "the
// loader may choose the virtual address" (spec.md §4.7 "virt=-1 meaning
// pick any").
const MappingAny uint64 = ^uint64(0)

// CacheKind is the caching policy requested for a mapping.
type CacheKind uint32

const (
	CacheWriteback CacheKind = iota
	CacheWritecombine
	CacheUncached
)

// OptionRequest is an OPTION image tag: a typed, user-configurable
// parameter the image wants a value for.
type OptionRequest struct {
	Name        string
	Description string
	Default     uint64
}

// VideoRequest is a VIDEO image tag: the image's preferred framebuffer mode
// types and dimensions.
type VideoRequest struct {
	PreferLinear    bool
	Width, Height   uint32
	BPP             uint32
}

// Image is the fully-parsed set of tags a loadable image carries.
type Image struct {
	Header   ImageHeader
	Load     LoadConstraints
	Mappings []MappingRequest
	Options  []OptionRequest
	Video    *VideoRequest
}

// ErrNoImageTag is returned by ParseImage when no IMAGE tag is found; the
// file is not a native-protocol kernel.
var ErrNoImageTag = fmt.Errorf("bootproto: no IMAGE tag found")

// ErrUnsupportedImageVersion is returned by ParseImage when the IMAGE tag's
// version field does not match requiredImageVersion (spec.md §6 "its
// version field must equal 2").
var ErrUnsupportedImageVersion = fmt.Errorf("bootproto: unsupported image protocol version")
