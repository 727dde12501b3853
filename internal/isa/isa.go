// Package isa defines the TASM instruction set: opcodes, registers,
// section metadata, and the byte-level instruction encoding shared by
// the assembler, the IR lowering, and the native backends.
package isa

import "fmt"

type Opcode byte

const (
	OpNop   Opcode = 0x00
	OpMov   Opcode = 0x01
	OpLoad  Opcode = 0x02
	OpStore Opcode = 0x03
	OpPush  Opcode = 0x04
	OpPop   Opcode = 0x05
	OpLea   Opcode = 0x06

	OpAdd Opcode = 0x10
	OpSub Opcode = 0x11
	OpMul Opcode = 0x12
	OpDiv Opcode = 0x13
	OpMod Opcode = 0x14
	OpNeg Opcode = 0x15
	OpInc Opcode = 0x16
	OpDec Opcode = 0x17

	OpAnd Opcode = 0x20
	OpOr  Opcode = 0x21
	OpXor Opcode = 0x22
	OpNot Opcode = 0x23
	OpShl Opcode = 0x24
	OpShr Opcode = 0x25

	OpCmp  Opcode = 0x30
	OpTest Opcode = 0x31

	OpJmp Opcode = 0x40
	OpJe  Opcode = 0x41
	OpJne Opcode = 0x42
	OpJl  Opcode = 0x43
	OpJle Opcode = 0x44
	OpJg  Opcode = 0x45
	OpJge Opcode = 0x46
	OpJz  Opcode = 0x47
	OpJnz Opcode = 0x48

	OpCall Opcode = 0x50
	OpRet  Opcode = 0x51

	OpSyscall Opcode = 0x60
	OpInt     Opcode = 0x61

	OpHlt Opcode = 0xFF
)

var opcodeNames = map[Opcode]string{
	OpNop: "nop", OpMov: "mov", OpLoad: "load", OpStore: "store",
	OpPush: "push", OpPop: "pop", OpLea: "lea",
	OpAdd: "add", OpSub: "sub", OpMul: "mul", OpDiv: "div",
	OpMod: "mod", OpNeg: "neg", OpInc: "inc", OpDec: "dec",
	OpAnd: "and", OpOr: "or", OpXor: "xor", OpNot: "not",
	OpShl: "shl", OpShr: "shr",
	OpCmp: "cmp", OpTest: "test",
	OpJmp: "jmp", OpJe: "je", OpJne: "jne", OpJl: "jl", OpJle: "jle",
	OpJg: "jg", OpJge: "jge", OpJz: "jz", OpJnz: "jnz",
	OpCall: "call", OpRet: "ret",
	OpSyscall: "syscall", OpInt: "int",
	OpHlt: "hlt",
}

var opcodeByName = func() map[string]Opcode {
	m := make(map[string]Opcode, len(opcodeNames))
	for op, name := range opcodeNames {
		m[name] = op
	}
	return m
}()

func (op Opcode) String() string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return fmt.Sprintf("op(%#02x)", byte(op))
}

// OpcodeByName looks up an opcode by its lowercase mnemonic.
func OpcodeByName(name string) (Opcode, bool) {
	op, ok := opcodeByName[name]
	return op, ok
}

// Class groups opcodes by operand arity, which determines the fixed
// encoded size used by the assembler's first pass.
type Class int

const (
	ClassNiladic Class = iota // opcode only
	ClassUnary                // opcode + one operand byte
	ClassBinary               // opcode + two operand bytes
	ClassJump                 // opcode + 4-byte absolute target
	ClassSyscall              // opcode + service number byte
)

func (op Opcode) Class() Class {
	switch op {
	case OpNop, OpRet, OpHlt:
		return ClassNiladic
	case OpPush, OpPop, OpNeg, OpNot, OpInc, OpDec:
		return ClassUnary
	case OpJmp, OpJe, OpJne, OpJl, OpJle, OpJg, OpJge, OpJz, OpJnz, OpCall:
		return ClassJump
	case OpSyscall, OpInt:
		return ClassSyscall
	default:
		return ClassBinary
	}
}

// EncodedSize returns the number of bytes the opcode occupies in a
// compiled program. Both assembler passes use this table so label
// offsets always agree with emitted code.
func (op Opcode) EncodedSize() int {
	switch op.Class() {
	case ClassNiladic:
		return 1
	case ClassUnary, ClassSyscall:
		return 2
	case ClassJump:
		return 5
	default:
		return 3
	}
}

// IsJump reports whether the opcode transfers control to a label
// operand. Call is included; Ret and Syscall are not.
func (op Opcode) IsJump() bool { return op.Class() == ClassJump }

// IsTerminator reports whether the opcode unconditionally ends a basic
// block.
func (op Opcode) IsTerminator() bool {
	return op == OpJmp || op == OpRet || op == OpHlt
}

// IsConditionalJump reports whether the opcode may fall through to the
// next instruction.
func (op Opcode) IsConditionalJump() bool {
	switch op {
	case OpJe, OpJne, OpJl, OpJle, OpJg, OpJge, OpJz, OpJnz:
		return true
	}
	return false
}

// Register is a TASM virtual register. The ordinal is the byte used in
// the instruction encoding.
type Register byte

const (
	R0 Register = iota
	R1
	R2
	R3
	R4
	R5
	R6
	R7
	SP // stack pointer

	// PC aliases R3 for historical reasons.
	PC = R3
)

var registerNames = map[string]Register{
	"r0": R0, "r1": R1, "r2": R2, "r3": R3,
	"r4": R4, "r5": R5, "r6": R6, "r7": R7,
	"sp": SP, "pc": PC,
}

func (r Register) String() string {
	if r == SP {
		return "sp"
	}
	if r <= R7 {
		return fmt.Sprintf("r%d", byte(r))
	}
	return fmt.Sprintf("reg(%d)", byte(r))
}

// RegisterByName looks up a register by its lowercase name.
func RegisterByName(name string) (Register, bool) {
	r, ok := registerNames[name]
	return r, ok
}

// Section metadata carried by the program container.
type SectionType uint32

const (
	SectionCode  SectionType = 1
	SectionData  SectionType = 2
	SectionReloc SectionType = 3
)

type SectionFlags uint32

const (
	SectionFlagRead  SectionFlags = 1 << 0
	SectionFlagWrite SectionFlags = 1 << 1
	SectionFlagExec  SectionFlags = 1 << 2
)

// Label marks a position within a section. Offset is relative to the
// start of the owning section.
type Label struct {
	Name    string
	Section string
	Offset  uint32
	Global  bool
}
