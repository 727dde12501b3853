package pe

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/tinyrange/tasm/internal/image"
	"github.com/tinyrange/tasm/internal/isa"
)

func testProgram() *image.Program {
	return &image.Program{
		Sections: []image.Section{
			{Name: ".text", Type: isa.SectionCode, Flags: isa.SectionFlagRead | isa.SectionFlagExec,
				Data: []byte{0x48, 0x31, 0xC0, 0xC3}}, // xor rax, rax; ret
			{Name: ".data", Type: isa.SectionData, Flags: isa.SectionFlagRead | isa.SectionFlagWrite,
				Data: []byte("hello")},
		},
	}
}

func TestBuildHeaders(t *testing.T) {
	out, err := Build(testProgram(), Config{})
	if err != nil {
		t.Fatal(err)
	}

	if out[0] != 'M' || out[1] != 'Z' {
		t.Fatalf("missing MZ signature: % x", out[:2])
	}
	lfanew := binary.LittleEndian.Uint32(out[0x3C:])
	if lfanew != 0x80 {
		t.Fatalf("e_lfanew = %#x, want 0x80", lfanew)
	}
	if !bytes.Equal(out[lfanew:lfanew+4], []byte("PE\x00\x00")) {
		t.Fatalf("missing PE signature at %#x", lfanew)
	}
	if !bytes.Contains(out[:0x80], []byte("This program cannot be run in DOS mode.")) {
		t.Fatal("missing DOS stub message")
	}

	coff := out[lfanew+4:]
	if got := binary.LittleEndian.Uint16(coff); got != 0x8664 {
		t.Fatalf("machine = %#x, want 0x8664", got)
	}
	if got := binary.LittleEndian.Uint16(coff[2:]); got != 2 {
		t.Fatalf("section count = %d, want 2", got)
	}
	if got := binary.LittleEndian.Uint16(coff[16:]); got != 240 {
		t.Fatalf("optional header size = %d, want 240", got)
	}

	opt := coff[20:]
	if got := binary.LittleEndian.Uint16(opt); got != 0x20B {
		t.Fatalf("optional magic = %#x, want 0x20B (PE32+)", got)
	}
	if got := binary.LittleEndian.Uint64(opt[24:]); got != 0x400000 {
		t.Fatalf("image base = %#x, want 0x400000", got)
	}
	if got := binary.LittleEndian.Uint16(opt[68:]); got != 3 {
		t.Fatalf("subsystem = %d, want 3 (console)", got)
	}
	// entry RVA is the start of .text for entry offset 0
	if got := binary.LittleEndian.Uint32(opt[16:]); got != 0x1000 {
		t.Fatalf("entry RVA = %#x, want 0x1000", got)
	}
	// the data directory table is present but empty
	for i, b := range opt[112 : 112+128] {
		if b != 0 {
			t.Fatalf("data directory byte %d = %#x, want 0", i, b)
		}
	}
}

func TestBuildSectionLayout(t *testing.T) {
	out, err := Build(testProgram(), Config{})
	if err != nil {
		t.Fatal(err)
	}

	table := out[0x80+24+240:]
	type row struct {
		name     string
		vsize    uint32
		va       uint32
		rawSize  uint32
		rawPtr   uint32
		charBits uint32
	}
	read := func(i int) row {
		r := table[i*40:]
		return row{
			name:     string(bytes.TrimRight(r[:8], "\x00")),
			vsize:    binary.LittleEndian.Uint32(r[8:]),
			va:       binary.LittleEndian.Uint32(r[12:]),
			rawSize:  binary.LittleEndian.Uint32(r[16:]),
			rawPtr:   binary.LittleEndian.Uint32(r[20:]),
			charBits: binary.LittleEndian.Uint32(r[36:]),
		}
	}

	text, data := read(0), read(1)
	if text.name != ".text" || data.name != ".data" {
		t.Fatalf("section names = %q, %q", text.name, data.name)
	}
	if text.va != 0x1000 || data.va != 0x2000 {
		t.Fatalf("VAs = %#x, %#x", text.va, data.va)
	}
	if text.rawPtr != 0x400 || data.rawPtr != 0x600 {
		t.Fatalf("file offsets = %#x, %#x", text.rawPtr, data.rawPtr)
	}
	if text.rawPtr%0x200 != 0 || data.rawPtr%0x200 != 0 {
		t.Fatal("file offsets must be file-aligned")
	}
	if data.rawPtr <= text.rawPtr {
		t.Fatal("file offsets must be strictly increasing")
	}
	if text.charBits != 0x60000020 {
		t.Fatalf(".text characteristics = %#x", text.charBits)
	}
	if data.charBits != 0xC0000040 {
		t.Fatalf(".data characteristics = %#x", data.charBits)
	}

	if !bytes.Equal(out[text.rawPtr:text.rawPtr+4], []byte{0x48, 0x31, 0xC0, 0xC3}) {
		t.Fatal("code bytes not at .text file offset")
	}
	if !bytes.Equal(out[data.rawPtr:data.rawPtr+5], []byte("hello")) {
		t.Fatal("data bytes not at .data file offset")
	}
}

func TestBuildRequiresCode(t *testing.T) {
	prog := &image.Program{Sections: []image.Section{
		{Type: isa.SectionData, Data: []byte("x")},
	}}
	if _, err := Build(prog, Config{}); err == nil {
		t.Fatal("expected error for missing code section")
	}
}

func TestConfigValidation(t *testing.T) {
	prog := testProgram()
	if _, err := Build(prog, Config{FileAlign: 0x300}); err == nil {
		t.Fatal("expected error for non-power-of-two alignment")
	}
	if _, err := Build(prog, Config{FileAlign: 0x2000, SectionAlign: 0x1000, SizeOfHeaders: 0x2000}); err == nil {
		t.Fatal("expected error for file alignment above section alignment")
	}
}
