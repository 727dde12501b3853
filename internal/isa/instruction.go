package isa

import (
	"encoding/binary"
	"fmt"
)

type OperandKind int

const (
	OperandNone OperandKind = iota
	OperandReg
	OperandImm
	OperandLabel
	OperandMem
)

// MemRef is a parsed memory operand [base(+index*scale)(+disp)]. The
// compact program encoding only stores the base register or absolute
// displacement; the richer fields exist for the native backends.
type MemRef struct {
	Base     Register
	HasBase  bool
	Index    Register
	HasIndex bool
	Scale    int
	Disp     int64
}

type Operand struct {
	Kind  OperandKind
	Reg   Register
	Imm   int64
	Label string
	Mem   MemRef
}

func Reg(r Register) Operand { return Operand{Kind: OperandReg, Reg: r} }
func Imm(v int64) Operand    { return Operand{Kind: OperandImm, Imm: v} }
func LabelRef(name string) Operand {
	return Operand{Kind: OperandLabel, Label: name}
}
func Mem(m MemRef) Operand { return Operand{Kind: OperandMem, Mem: m} }

func (o Operand) String() string {
	switch o.Kind {
	case OperandReg:
		return o.Reg.String()
	case OperandImm:
		return fmt.Sprintf("%d", o.Imm)
	case OperandLabel:
		return o.Label
	case OperandMem:
		if o.Mem.HasBase {
			return fmt.Sprintf("[%s]", o.Mem.Base)
		}
		return fmt.Sprintf("[%d]", o.Mem.Disp)
	}
	return "<none>"
}

// Instruction is one decoded TASM instruction. Line and Column point
// at the mnemonic in the source, for diagnostics.
type Instruction struct {
	Op     Opcode
	A, B   Operand
	Line   int
	Column int
}

func (i Instruction) String() string {
	switch {
	case i.B.Kind != OperandNone:
		return fmt.Sprintf("%s %s, %s", i.Op, i.A, i.B)
	case i.A.Kind != OperandNone:
		return fmt.Sprintf("%s %s", i.Op, i.A)
	default:
		return i.Op.String()
	}
}

// operandByte packs a single operand into the one-byte slot used by
// unary and binary encodings.
func operandByte(o Operand) (byte, error) {
	switch o.Kind {
	case OperandReg:
		return byte(o.Reg), nil
	case OperandImm:
		if o.Imm < -128 || o.Imm > 255 {
			return 0, fmt.Errorf("immediate %d does not fit in one byte", o.Imm)
		}
		return byte(o.Imm), nil
	case OperandMem:
		if o.Mem.HasBase {
			return byte(o.Mem.Base), nil
		}
		if o.Mem.Disp < 0 || o.Mem.Disp > 255 {
			return 0, fmt.Errorf("memory address %d does not fit in one byte", o.Mem.Disp)
		}
		return byte(o.Mem.Disp), nil
	default:
		return 0, fmt.Errorf("operand %s cannot be encoded", o)
	}
}

// Encode emits the instruction's compact byte encoding. Jump targets
// are resolved through labels; the returned slice length always equals
// Op.EncodedSize().
func (i Instruction) Encode(labels map[string]uint32) ([]byte, error) {
	switch i.Op.Class() {
	case ClassNiladic:
		return []byte{byte(i.Op)}, nil
	case ClassUnary:
		b, err := operandByte(i.A)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", i.Op, err)
		}
		return []byte{byte(i.Op), b}, nil
	case ClassSyscall:
		var svc byte
		if i.A.Kind == OperandImm {
			b, err := operandByte(i.A)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", i.Op, err)
			}
			svc = b
		} else if i.A.Kind != OperandNone {
			return nil, fmt.Errorf("%s: operand must be an immediate", i.Op)
		}
		return []byte{byte(i.Op), svc}, nil
	case ClassJump:
		buf := []byte{byte(i.Op), 0, 0, 0, 0}
		switch i.A.Kind {
		case OperandLabel:
			target, ok := labels[i.A.Label]
			if !ok {
				return nil, fmt.Errorf("undefined label %q", i.A.Label)
			}
			binary.LittleEndian.PutUint32(buf[1:], target)
		case OperandImm:
			binary.LittleEndian.PutUint32(buf[1:], uint32(i.A.Imm))
		case OperandReg:
			binary.LittleEndian.PutUint32(buf[1:], uint32(i.A.Reg))
		default:
			return nil, fmt.Errorf("%s: missing jump target", i.Op)
		}
		return buf, nil
	default: // ClassBinary
		a, err := operandByte(i.A)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", i.Op, err)
		}
		var b byte
		if i.B.Kind != OperandNone {
			b, err = operandByte(i.B)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", i.Op, err)
			}
		}
		return []byte{byte(i.Op), a, b}, nil
	}
}
