// Package ir is a linear intermediate representation: functions made
// of basic blocks with explicit predecessor and successor edges. The
// assembler's parsed statements are lowered into it, and the x86
// backend consumes it.
package ir

import (
	"fmt"

	"github.com/tinyrange/tasm/internal/isa"
)

type Type int

const (
	Void Type = iota
	I8
	I16
	I32
	I64
	Ptr
)

func (t Type) String() string {
	switch t {
	case Void:
		return "void"
	case I8:
		return "i8"
	case I16:
		return "i16"
	case I32:
		return "i32"
	case I64:
		return "i64"
	case Ptr:
		return "ptr"
	}
	return fmt.Sprintf("type(%d)", int(t))
}

type ValueKind int

const (
	ValueNone ValueKind = iota
	ValueConst
	ValueReg
	ValueMem
	ValueSym
)

// Value is an operand of an IR instruction.
type Value struct {
	Kind ValueKind
	Type Type
	Reg  isa.Register
	Imm  int64
	Mem  isa.MemRef
	Sym  string
}

func Const(v int64) Value         { return Value{Kind: ValueConst, Type: I64, Imm: v} }
func RegVal(r isa.Register) Value { return Value{Kind: ValueReg, Type: I64, Reg: r} }
func MemVal(m isa.MemRef) Value   { return Value{Kind: ValueMem, Type: Ptr, Mem: m} }
func SymVal(name string) Value    { return Value{Kind: ValueSym, Type: Ptr, Sym: name} }

func (v Value) String() string {
	switch v.Kind {
	case ValueConst:
		return fmt.Sprintf("%d", v.Imm)
	case ValueReg:
		return v.Reg.String()
	case ValueMem:
		if v.Mem.HasBase {
			if v.Mem.HasIndex {
				return fmt.Sprintf("[%s+%s*%d+%d]", v.Mem.Base, v.Mem.Index, v.Mem.Scale, v.Mem.Disp)
			}
			if v.Mem.Disp != 0 {
				return fmt.Sprintf("[%s+%d]", v.Mem.Base, v.Mem.Disp)
			}
			return fmt.Sprintf("[%s]", v.Mem.Base)
		}
		return fmt.Sprintf("[%d]", v.Mem.Disp)
	case ValueSym:
		return "@" + v.Sym
	}
	return "<none>"
}

// Instruction is one IR operation. Jumps and calls carry the target
// block or function name in Target.
type Instruction struct {
	Op     isa.Opcode
	Dest   Value
	Src    Value
	Target string
}

func (i *Instruction) String() string {
	switch {
	case i.Target != "":
		return fmt.Sprintf("%s %s", i.Op, i.Target)
	case i.Src.Kind != ValueNone:
		return fmt.Sprintf("%s %s, %s", i.Op, i.Dest, i.Src)
	case i.Dest.Kind != ValueNone:
		return fmt.Sprintf("%s %s", i.Op, i.Dest)
	default:
		return i.Op.String()
	}
}

// BasicBlock is a straight-line run of instructions ending at a
// terminator or at the start of another block.
type BasicBlock struct {
	Name         string
	Instructions []*Instruction
	Preds        []*BasicBlock
	Succs        []*BasicBlock
}

func (b *BasicBlock) addEdge(succ *BasicBlock) {
	for _, s := range b.Succs {
		if s == succ {
			return
		}
	}
	b.Succs = append(b.Succs, succ)
	succ.Preds = append(succ.Preds, b)
}

// Terminated reports whether the block ends in an unconditional
// terminator.
func (b *BasicBlock) Terminated() bool {
	if len(b.Instructions) == 0 {
		return false
	}
	return b.Instructions[len(b.Instructions)-1].Op.IsTerminator()
}

type Function struct {
	Name   string
	Blocks []*BasicBlock
	Entry  *BasicBlock
}

// Block returns the named block, or nil.
func (f *Function) Block(name string) *BasicBlock {
	for _, b := range f.Blocks {
		if b.Name == name {
			return b
		}
	}
	return nil
}

type Global struct {
	Name string
	Data []byte
}

type Module struct {
	Functions []*Function
	Globals   []Global
	Entry     string
}

// Function returns the named function, or nil.
func (m *Module) Function(name string) *Function {
	for _, f := range m.Functions {
		if f.Name == name {
			return f
		}
	}
	return nil
}
