// Package pe writes minimal PE32+ executables: DOS header and stub,
// COFF and optional headers, and raw .text/.data sections. There is
// no import table and no relocations; the emitted code must be
// position independent or rely on the fixed image base.
package pe

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/tinyrange/tasm/internal/image"
	"github.com/tinyrange/tasm/internal/isa"
)

const (
	machineAMD64 = 0x8664

	// IMAGE_FILE_EXECUTABLE_IMAGE | IMAGE_FILE_LARGE_ADDRESS_AWARE
	imageCharacteristics = 0x0022

	magicPE32Plus    = 0x20B
	subsystemConsole = 3

	optionalHeaderSize = 240 // 112 fixed + 16 data directories

	sectionCharText = 0x60000020 // CODE | EXECUTE | READ
	sectionCharData = 0xC0000040 // INITIALIZED_DATA | READ | WRITE
)

// dosHeader is the classic MZ header with e_lfanew pointing at 0x80.
var dosHeader = [64]byte{
	0x4D, 0x5A, 0x90, 0x00, 0x03, 0x00, 0x00, 0x00,
	0x04, 0x00, 0x00, 0x00, 0xFF, 0xFF, 0x00, 0x00,
	0xB8, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x40, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x80, 0x00, 0x00, 0x00,
}

// dosStub prints the usual refusal under DOS.
var dosStub = [64]byte{
	0x0E, 0x1F, 0xBA, 0x0E, 0x00, 0xB4, 0x09, 0xCD,
	0x21, 0xB8, 0x01, 0x4C, 0xCD, 0x21, 0x54, 0x68,
	0x69, 0x73, 0x20, 0x70, 0x72, 0x6F, 0x67, 0x72,
	0x61, 0x6D, 0x20, 0x63, 0x61, 0x6E, 0x6E, 0x6F,
	0x74, 0x20, 0x62, 0x65, 0x20, 0x72, 0x75, 0x6E,
	0x20, 0x69, 0x6E, 0x20, 0x44, 0x4F, 0x53, 0x20,
	0x6D, 0x6F, 0x64, 0x65, 0x2E, 0x0D, 0x0D, 0x0A,
	0x24, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
}

// Config controls image layout. The zero value picks the defaults.
type Config struct {
	ImageBase     uint64
	SectionAlign  uint32
	FileAlign     uint32
	SizeOfHeaders uint32
	Subsystem     uint16
}

func (c Config) withDefaults() Config {
	if c.ImageBase == 0 {
		c.ImageBase = 0x400000
	}
	if c.SectionAlign == 0 {
		c.SectionAlign = 0x1000
	}
	if c.FileAlign == 0 {
		c.FileAlign = 0x200
	}
	if c.SizeOfHeaders == 0 {
		c.SizeOfHeaders = 0x400
	}
	if c.Subsystem == 0 {
		c.Subsystem = subsystemConsole
	}
	return c
}

func (c Config) validate() error {
	if bits.OnesCount32(c.SectionAlign) != 1 || bits.OnesCount32(c.FileAlign) != 1 {
		return fmt.Errorf("alignments must be powers of two")
	}
	if c.FileAlign > c.SectionAlign {
		return fmt.Errorf("file alignment %#x exceeds section alignment %#x",
			c.FileAlign, c.SectionAlign)
	}
	if c.SizeOfHeaders%c.FileAlign != 0 {
		return fmt.Errorf("header size %#x not a multiple of file alignment", c.SizeOfHeaders)
	}
	return nil
}

func alignUp(v, align uint32) uint32 {
	return (v + align - 1) &^ (align - 1)
}

type peSection struct {
	name       string
	data       []byte
	char       uint32
	va         uint32
	fileOffset uint32
}

// Build lays a program container out as a PE32+ image.
func Build(prog *image.Program, cfg Config) ([]byte, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	var sections []peSection
	for _, s := range prog.Sections {
		if len(s.Data) == 0 {
			continue
		}
		switch s.Type {
		case isa.SectionCode:
			sections = append(sections, peSection{name: ".text", data: s.Data, char: sectionCharText})
		case isa.SectionData:
			sections = append(sections, peSection{name: ".data", data: s.Data, char: sectionCharData})
		}
	}
	if len(sections) == 0 || sections[0].char != sectionCharText {
		return nil, fmt.Errorf("program has no code section")
	}

	va := cfg.SectionAlign
	fileOffset := cfg.SizeOfHeaders
	var sizeOfCode, sizeOfData uint32
	for i := range sections {
		s := &sections[i]
		s.va = va
		s.fileOffset = fileOffset
		va = alignUp(va+uint32(len(s.data)), cfg.SectionAlign)
		fileOffset += alignUp(uint32(len(s.data)), cfg.FileAlign)
		if s.char == sectionCharText {
			sizeOfCode += alignUp(uint32(len(s.data)), cfg.FileAlign)
		} else {
			sizeOfData += alignUp(uint32(len(s.data)), cfg.FileAlign)
		}
	}
	sizeOfImage := va

	entryRVA := sections[0].va + prog.Entry
	if prog.Entry >= uint32(len(sections[0].data)) && prog.Entry != 0 {
		return nil, fmt.Errorf("entry point %#x outside the code section", prog.Entry)
	}

	headerEnd := 0x80 + 24 + optionalHeaderSize + len(sections)*40
	if headerEnd > int(cfg.SizeOfHeaders) {
		return nil, fmt.Errorf("headers (%d bytes) exceed SizeOfHeaders %#x", headerEnd, cfg.SizeOfHeaders)
	}

	out := make([]byte, fileOffset)
	copy(out, dosHeader[:])
	copy(out[64:], dosStub[:])

	// COFF header at e_lfanew
	h := out[0x80:]
	copy(h, "PE\x00\x00")
	binary.LittleEndian.PutUint16(h[4:], machineAMD64)
	binary.LittleEndian.PutUint16(h[6:], uint16(len(sections)))
	// timestamp, symbol table, symbol count stay zero
	binary.LittleEndian.PutUint16(h[20:], optionalHeaderSize)
	binary.LittleEndian.PutUint16(h[22:], imageCharacteristics)

	// optional header
	o := h[24:]
	binary.LittleEndian.PutUint16(o[0:], magicPE32Plus)
	o[2] = 1 // linker major
	binary.LittleEndian.PutUint32(o[4:], sizeOfCode)
	binary.LittleEndian.PutUint32(o[8:], sizeOfData)
	binary.LittleEndian.PutUint32(o[16:], entryRVA)
	binary.LittleEndian.PutUint32(o[20:], sections[0].va) // base of code
	binary.LittleEndian.PutUint64(o[24:], cfg.ImageBase)
	binary.LittleEndian.PutUint32(o[32:], cfg.SectionAlign)
	binary.LittleEndian.PutUint32(o[36:], cfg.FileAlign)
	binary.LittleEndian.PutUint16(o[40:], 6) // OS major
	binary.LittleEndian.PutUint16(o[48:], 6) // subsystem major
	binary.LittleEndian.PutUint32(o[56:], sizeOfImage)
	binary.LittleEndian.PutUint32(o[60:], cfg.SizeOfHeaders)
	binary.LittleEndian.PutUint16(o[68:], cfg.Subsystem)
	binary.LittleEndian.PutUint64(o[72:], 0x100000) // stack reserve
	binary.LittleEndian.PutUint64(o[80:], 0x1000)   // stack commit
	binary.LittleEndian.PutUint64(o[88:], 0x100000) // heap reserve
	binary.LittleEndian.PutUint64(o[96:], 0x1000)   // heap commit
	binary.LittleEndian.PutUint32(o[108:], 16)      // rva and sizes
	// the 128-byte data directory table stays zero

	// section table
	table := o[112+128:]
	for i, s := range sections {
		row := table[i*40:]
		copy(row[0:8], s.name)
		binary.LittleEndian.PutUint32(row[8:], uint32(len(s.data)))
		binary.LittleEndian.PutUint32(row[12:], s.va)
		binary.LittleEndian.PutUint32(row[16:], alignUp(uint32(len(s.data)), cfg.FileAlign))
		binary.LittleEndian.PutUint32(row[20:], s.fileOffset)
		binary.LittleEndian.PutUint32(row[36:], s.char)
		copy(out[s.fileOffset:], s.data)
	}
	return out, nil
}
