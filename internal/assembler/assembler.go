package assembler

import (
	"github.com/tinyrange/tasm/internal/image"
	"github.com/tinyrange/tasm/internal/isa"
)

type sectionItem struct {
	isData bool
	inst   isa.Instruction
	data   []byte
	size   int
}

type sectionState struct {
	name  string
	typ   isa.SectionType
	flags isa.SectionFlags
	items []sectionItem
	size  uint32
}

func sectionInfo(name string) (isa.SectionType, isa.SectionFlags) {
	switch {
	case name == ".code" || name == ".text":
		return isa.SectionCode, isa.SectionFlagRead | isa.SectionFlagExec
	default:
		return isa.SectionData, isa.SectionFlagRead | isa.SectionFlagWrite
	}
}

// Object is the result of assembling one source file.
type Object struct {
	Program *image.Program
	Labels  map[string]isa.Label
}

// Assemble compiles TASM source into a program container. On any
// error no output is produced.
func Assemble(src, file string) (*Object, error) {
	stmts, err := Parse(src, file)
	if err != nil {
		return nil, err
	}

	// Pass 1: lay out sections and record label offsets. Instruction
	// sizes come from the shared size table, so offsets here always
	// match the bytes emitted by pass 2.
	var order []*sectionState
	sections := make(map[string]*sectionState)
	current := func(name string) *sectionState {
		s, ok := sections[name]
		if !ok {
			typ, flags := sectionInfo(name)
			s = &sectionState{name: name, typ: typ, flags: flags}
			sections[name] = s
			order = append(order, s)
		}
		return s
	}
	sec := current(".code")

	labels := make(map[string]isa.Label)
	globals := make(map[string]bool)

	for _, stmt := range stmts {
		switch stmt.Kind {
		case StmtSection:
			sec = current(stmt.Section)
		case StmtLabel:
			if _, ok := labels[stmt.Label]; ok {
				return nil, isa.Errorf(file, stmt.Line, stmt.Column,
					"duplicate label %q", stmt.Label)
			}
			labels[stmt.Label] = isa.Label{
				Name:    stmt.Label,
				Section: sec.name,
				Offset:  sec.size,
			}
		case StmtInstruction:
			size := stmt.Inst.Op.EncodedSize()
			sec.items = append(sec.items, sectionItem{inst: stmt.Inst, size: size})
			sec.size += uint32(size)
		case StmtData:
			sec.items = append(sec.items, sectionItem{isData: true, data: stmt.Data, size: len(stmt.Data)})
			sec.size += uint32(len(stmt.Data))
		case StmtGlobal:
			globals[stmt.Name] = true
		case StmtExtern:
			// accepted and ignored; there is no linker stage
		}
	}

	for name := range globals {
		l, ok := labels[name]
		if !ok {
			return nil, isa.Errorf(file, 0, 0, "global symbol %q is not defined", name)
		}
		l.Global = true
		labels[name] = l
	}

	offsets := make(map[string]uint32, len(labels))
	for name, l := range labels {
		offsets[name] = l.Offset
	}

	// Pass 2: encode with the complete label table.
	// TODO: derive the container entry point from the program's entry
	// label instead of leaving it at zero.
	prog := &image.Program{Entry: 0}
	for _, s := range order {
		data := make([]byte, 0, s.size)
		for _, item := range s.items {
			if item.isData {
				data = append(data, item.data...)
				continue
			}
			code, err := item.inst.Encode(offsets)
			if err != nil {
				return nil, isa.Errorf(file, item.inst.Line, item.inst.Column, "%v", err)
			}
			data = append(data, code...)
		}
		if len(data) != int(s.size) {
			return nil, isa.Errorf(file, 0, 0,
				"section %s: emitted %d bytes, layout expected %d", s.name, len(data), s.size)
		}
		prog.Sections = append(prog.Sections, image.Section{
			Name:  s.name,
			Type:  s.typ,
			Flags: s.flags,
			Data:  data,
		})
	}
	return &Object{Program: prog, Labels: labels}, nil
}
