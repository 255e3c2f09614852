package bootproto

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/mod/semver"
)

// requiredImageVersion is the only IMAGE tag version this loader accepts
// (spec.md §6 "its version field must equal 2"), expressed as a semver
// string so the comparison goes through golang.org/x/mod/semver rather than
// a bare integer equality check — the same library the teacher reaches for
// to gate its own release versions in internal/update/update.go.
const requiredImageVersion = "v2.0.0"

func imageVersionSupported(version uint32) bool {
	return semver.Compare(fmt.Sprintf("v%d.0.0", version), requiredImageVersion) == 0
}

// ParseImage scans a (type: u32, size: u32) tag stream — the note records
// spec.md §4.7 says are embedded in the image's object-file sections — and
// builds the Image describing what the kernel requires. data is the raw
// bytes of the notes section; locating that section within the image's
// object-file container (ELF, Mach-O, ...) is the caller's job, matching
// the teacher's split between "parse the container" (amd64/elf.go) and
// "interpret the bytes" that this function performs.
func ParseImage(data []byte) (*Image, error) {
	img := &Image{}
	haveImageTag := false

	off := 0
	for off+tagHeaderSize <= len(data) {
		typ := ImageTagType(binary.LittleEndian.Uint32(data[off : off+4]))
		size := binary.LittleEndian.Uint32(data[off+4 : off+8])
		if size < tagHeaderSize {
			return nil, fmt.Errorf("bootproto: tag at offset %d has impossible size %d", off, size)
		}
		end := off + int(size)
		if end > len(data) {
			return nil, fmt.Errorf("bootproto: tag at offset %d overruns note data (size %d)", off, size)
		}
		body := data[off+tagHeaderSize : end]

		switch typ {
		case ImageTagImage:
			hdr, err := parseImageHeader(body)
			if err != nil {
				return nil, err
			}
			img.Header = hdr
			haveImageTag = true
		case ImageTagLoad:
			lc, err := parseLoadConstraints(body)
			if err != nil {
				return nil, err
			}
			img.Load = lc
		case ImageTagMapping:
			m, err := parseMappingRequest(body)
			if err != nil {
				return nil, err
			}
			img.Mappings = append(img.Mappings, m)
		case ImageTagOption:
			opt, err := parseOptionRequest(body)
			if err != nil {
				return nil, err
			}
			img.Options = append(img.Options, opt)
		case ImageTagVideo:
			v, err := parseVideoRequest(body)
			if err != nil {
				return nil, err
			}
			img.Video = &v
		}

		off = end
		// Each tag's on-disk size is already a multiple of the format's
		// padding unit for the image-tag stream (unlike the outbound
		// information-tag list, the incoming note stream is not required to
		// pad to 8, since it is produced by a separate toolchain); advance by
		// the declared size exactly.
	}

	if !haveImageTag {
		return nil, ErrNoImageTag
	}
	if !imageVersionSupported(img.Header.Version) {
		return nil, fmt.Errorf("bootproto: %w: image reports version %d", ErrUnsupportedImageVersion, img.Header.Version)
	}
	return img, nil
}

func parseImageHeader(body []byte) (ImageHeader, error) {
	if len(body) < 8 {
		return ImageHeader{}, fmt.Errorf("bootproto: IMAGE tag too short (%d bytes)", len(body))
	}
	version := binary.LittleEndian.Uint32(body[0:4])
	flags := binary.LittleEndian.Uint32(body[4:8])
	return ImageHeader{
		Version:         version,
		RequestSections: flags&0x1 != 0,
		RequestLog:      flags&0x2 != 0,
	}, nil
}

func parseLoadConstraints(body []byte) (LoadConstraints, error) {
	if len(body) < 33 {
		return LoadConstraints{}, fmt.Errorf("bootproto: LOAD tag too short (%d bytes)", len(body))
	}
	lc := LoadConstraints{
		MinAlign:        binary.LittleEndian.Uint64(body[0:8]),
		Align:           binary.LittleEndian.Uint64(body[8:16]),
		HasFixedBase:    body[32] != 0,
		VMapWindowStart: binary.LittleEndian.Uint64(body[16:24]),
		VMapWindowSize:  binary.LittleEndian.Uint64(body[24:32]),
	}
	if lc.HasFixedBase {
		if len(body) < 41 {
			return LoadConstraints{}, fmt.Errorf("bootproto: LOAD tag missing fixed base (%d bytes)", len(body))
		}
		lc.FixedBase = binary.LittleEndian.Uint64(body[33:41])
	}
	return lc, nil
}

func parseMappingRequest(body []byte) (MappingRequest, error) {
	if len(body) < 28 {
		return MappingRequest{}, fmt.Errorf("bootproto: MAPPING tag too short (%d bytes)", len(body))
	}
	return MappingRequest{
		Virt:  binary.LittleEndian.Uint64(body[0:8]),
		Phys:  binary.LittleEndian.Uint64(body[8:16]),
		Size:  binary.LittleEndian.Uint64(body[16:24]),
		Cache: CacheKind(binary.LittleEndian.Uint32(body[24:28])),
	}, nil
}

func parseOptionRequest(body []byte) (OptionRequest, error) {
	if len(body) < 8 {
		return OptionRequest{}, fmt.Errorf("bootproto: OPTION tag too short (%d bytes)", len(body))
	}
	defVal := binary.LittleEndian.Uint64(body[0:8])
	rest := body[8:]
	nameEnd := indexZero(rest)
	name := string(rest[:nameEnd])
	descStart := nameEnd + 1
	desc := ""
	if descStart < len(rest) {
		descEnd := indexZero(rest[descStart:])
		desc = string(rest[descStart : descStart+descEnd])
	}
	return OptionRequest{Name: name, Description: desc, Default: defVal}, nil
}

func parseVideoRequest(body []byte) (VideoRequest, error) {
	if len(body) < 13 {
		return VideoRequest{}, fmt.Errorf("bootproto: VIDEO tag too short (%d bytes)", len(body))
	}
	return VideoRequest{
		PreferLinear: body[0] != 0,
		Width:        binary.LittleEndian.Uint32(body[1:5]),
		Height:       binary.LittleEndian.Uint32(body[5:9]),
		BPP:          binary.LittleEndian.Uint32(body[9:13]),
	}, nil
}

func indexZero(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return len(b)
}
