package bootproto

import (
	"bytes"
	"debug/elf"
	"fmt"
)

// ExtractNotes scans raw for an ELF object and concatenates the raw content
// of every SHT_NOTE section, in section order, producing the tag stream
// ParseImage expects. Splitting "parse the container" from "parse the tags"
// this way mirrors the teacher's own amd64/elf.go split; unlike the
// teacher, there is no third-party ELF library anywhere in this corpus, so
// this one case uses the standard library's debug/elf rather than a
// teacher/example dependency.
func ExtractNotes(raw []byte) ([]byte, error) {
	f, err := elf.NewFile(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("bootproto: not an ELF object: %w", err)
	}
	defer f.Close()

	var notes []byte
	for _, sect := range f.Sections {
		if sect.Type != elf.SHT_NOTE {
			continue
		}
		data, err := sect.Data()
		if err != nil {
			return nil, fmt.Errorf("bootproto: read note section %q: %w", sect.Name, err)
		}
		notes = append(notes, data...)
	}
	if len(notes) == 0 {
		return nil, fmt.Errorf("bootproto: image carries no note sections")
	}
	return notes, nil
}
