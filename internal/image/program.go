// Package image implements the two on-disk container formats: the
// Program container produced by the assembler and consumed by the
// backends, and the Runtime container holding prebuilt native support
// code for the loader.
package image

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/tasm/internal/isa"
)

const (
	programMagic = "TASM"

	// Container format version. Decoders reject other majors.
	VersionMajor = 1
	VersionMinor = 0

	programHeaderSize = 16
	sectionEntrySize  = 16
)

// Section is one named region of a Program. Name is a convenience for
// callers; the container only stores the type, flags, and data.
type Section struct {
	Name  string
	Type  isa.SectionType
	Flags isa.SectionFlags
	Data  []byte
}

// Program is a compiled TASM object.
type Program struct {
	Entry    uint32
	Sections []Section
}

// Section returns the first section of the given type, or nil.
func (p *Program) Section(t isa.SectionType) *Section {
	for i := range p.Sections {
		if p.Sections[i].Type == t {
			return &p.Sections[i]
		}
	}
	return nil
}

func align4(n int) int { return (n + 3) &^ 3 }

// Encode serializes the program. Section data is zero-padded to a
// 4-byte boundary and the table records the padded size, so every
// section starts and ends aligned.
func (p *Program) Encode() []byte {
	size := programHeaderSize + len(p.Sections)*sectionEntrySize
	offsets := make([]int, len(p.Sections))
	for i, s := range p.Sections {
		size = align4(size)
		offsets[i] = size
		size += len(s.Data)
	}
	size = align4(size)

	buf := make([]byte, size)
	copy(buf, programMagic)
	binary.LittleEndian.PutUint16(buf[4:], VersionMajor)
	binary.LittleEndian.PutUint16(buf[6:], VersionMinor)
	binary.LittleEndian.PutUint32(buf[8:], p.Entry)
	binary.LittleEndian.PutUint32(buf[12:], uint32(len(p.Sections)))

	for i, s := range p.Sections {
		entry := buf[programHeaderSize+i*sectionEntrySize:]
		binary.LittleEndian.PutUint32(entry[0:], uint32(s.Type))
		binary.LittleEndian.PutUint32(entry[4:], uint32(offsets[i]))
		binary.LittleEndian.PutUint32(entry[8:], uint32(align4(len(s.Data))))
		binary.LittleEndian.PutUint32(entry[12:], uint32(s.Flags))
		copy(buf[offsets[i]:], s.Data)
	}
	return buf
}

// DecodeProgram parses and validates a Program container.
func DecodeProgram(data []byte) (*Program, error) {
	if len(data) < programHeaderSize {
		return nil, fmt.Errorf("program too short: %d bytes", len(data))
	}
	if string(data[:4]) != programMagic {
		return nil, fmt.Errorf("bad program magic % x", data[:4])
	}
	major := binary.LittleEndian.Uint16(data[4:])
	minor := binary.LittleEndian.Uint16(data[6:])
	if major != VersionMajor {
		return nil, fmt.Errorf("unsupported program version %d.%d", major, minor)
	}

	p := &Program{Entry: binary.LittleEndian.Uint32(data[8:])}
	count := binary.LittleEndian.Uint32(data[12:])
	tableEnd := programHeaderSize + int(count)*sectionEntrySize
	if count > uint32(len(data)) || tableEnd > len(data) {
		return nil, fmt.Errorf("section table (%d entries) exceeds file size", count)
	}

	for i := 0; i < int(count); i++ {
		entry := data[programHeaderSize+i*sectionEntrySize:]
		typ := binary.LittleEndian.Uint32(entry[0:])
		off := binary.LittleEndian.Uint32(entry[4:])
		size := binary.LittleEndian.Uint32(entry[8:])
		flags := binary.LittleEndian.Uint32(entry[12:])
		if int64(off)+int64(size) > int64(len(data)) {
			return nil, fmt.Errorf("section %d: range [%d, %d) exceeds file size %d",
				i, off, uint64(off)+uint64(size), len(data))
		}
		p.Sections = append(p.Sections, Section{
			Type:  isa.SectionType(typ),
			Flags: isa.SectionFlags(flags),
			Data:  data[off : off+size : off+size],
		})
	}
	return p, nil
}
