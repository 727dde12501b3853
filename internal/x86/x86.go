// Package x86 emits x86-64 machine code. Instructions are built as a
// list with symbolic labels, optimized by a peephole pass, and then
// linearized with rel32 backpatching.
package x86

import (
	"encoding/binary"
	"fmt"
)

// Reg is an x86-64 general purpose register. The value is the 4-bit
// hardware encoding; bit 3 selects the REX-extended bank.
type Reg byte

const (
	RAX Reg = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

var regNames = [...]string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

func (r Reg) String() string {
	if int(r) < len(regNames) {
		return regNames[r]
	}
	return fmt.Sprintf("reg(%d)", byte(r))
}

func (r Reg) low3() byte     { return byte(r) & 7 }
func (r Reg) extended() bool { return r >= R8 }

// Mem is a memory operand [base + index*scale + disp].
type Mem struct {
	Base     Reg
	HasBase  bool
	Index    Reg
	HasIndex bool
	Scale    int
	Disp     int32
}

// Cond is a jump condition, named by the low byte of its two-byte
// jcc opcode.
type Cond byte

const (
	CondE  Cond = 0x84
	CondNE Cond = 0x85
	CondL  Cond = 0x8C
	CondGE Cond = 0x8D
	CondLE Cond = 0x8E
	CondG  Cond = 0x8F
)

// Invert returns the opposite condition.
func (c Cond) Invert() Cond {
	// conditions pair up with their complement one bit apart
	return c ^ 1
}

const (
	modIndirect = 0x00
	modDisp8    = 0x40
	modDisp32   = 0x80
	modRegister = 0xC0
	rmSIB       = 4
	sibNoIndex  = 4
	sibNoBase   = 5
)

func modrm(mod, reg, rm byte) byte { return mod | reg<<3 | rm }

// rex builds a REX prefix. W selects 64-bit operands; R, X, and B
// extend the modrm reg field, the SIB index, and the base/rm field.
func rex(w, r, x, b bool) byte {
	out := byte(0x40)
	if w {
		out |= 0x08
	}
	if r {
		out |= 0x04
	}
	if x {
		out |= 0x02
	}
	if b {
		out |= 0x01
	}
	return out
}

// Instruction is one machine instruction, or a label marker when
// Label is set. Jump and call instructions keep their target symbolic
// in Target until linearization.
type Instruction struct {
	Label string

	REX      byte
	Opcode   []byte
	ModRM    byte
	HasModRM bool
	SIB      byte
	HasSIB   bool
	Disp     int32
	DispSize int // 0, 1, or 4
	Imm      int64
	ImmSize  int // 0, 1, 4, or 8

	Target string
}

// EncodedLen returns the instruction's size in bytes. Labels occupy
// no space; symbolic jumps reserve four bytes for the rel32.
func (i *Instruction) EncodedLen() int {
	if i.Label != "" {
		return 0
	}
	n := len(i.Opcode)
	if i.REX != 0 {
		n++
	}
	if i.Target != "" {
		return n + 4
	}
	if i.HasModRM {
		n++
	}
	if i.HasSIB {
		n++
	}
	return n + i.DispSize + i.ImmSize
}

// Encode appends the instruction bytes to out and returns the result.
func (i *Instruction) Encode(out []byte) []byte {
	if i.Label != "" {
		return out
	}
	if i.REX != 0 {
		out = append(out, i.REX)
	}
	out = append(out, i.Opcode...)
	if i.Target != "" {
		return append(out, 0, 0, 0, 0)
	}
	if i.HasModRM {
		out = append(out, i.ModRM)
	}
	if i.HasSIB {
		out = append(out, i.SIB)
	}
	switch i.DispSize {
	case 1:
		out = append(out, byte(i.Disp))
	case 4:
		out = binary.LittleEndian.AppendUint32(out, uint32(i.Disp))
	}
	switch i.ImmSize {
	case 1:
		out = append(out, byte(i.Imm))
	case 4:
		out = binary.LittleEndian.AppendUint32(out, uint32(i.Imm))
	case 8:
		out = binary.LittleEndian.AppendUint64(out, uint64(i.Imm))
	}
	return out
}

func (i *Instruction) String() string {
	if i.Label != "" {
		return i.Label + ":"
	}
	if i.Target != "" {
		return fmt.Sprintf("op % x -> %s", i.Opcode, i.Target)
	}
	return fmt.Sprintf("op % x", i.Opcode)
}

// memEncoding is the modrm/sib/displacement triple for a memory
// operand, plus the REX bits it requires.
type memEncoding struct {
	modrm    byte
	sib      byte
	hasSIB   bool
	disp     int32
	dispSize int
	rexX     bool
	rexB     bool
}

// encodeMemOperand builds the addressing bytes for m with the given
// modrm reg field. RSP cannot be used as an index register.
func encodeMemOperand(reg byte, m Mem) (memEncoding, error) {
	var e memEncoding

	if m.HasIndex {
		if m.Index == RSP {
			return e, fmt.Errorf("rsp cannot be used as an index register")
		}
		var scaleBits byte
		switch m.Scale {
		case 1:
			scaleBits = 0
		case 2:
			scaleBits = 1
		case 4:
			scaleBits = 2
		case 8:
			scaleBits = 3
		default:
			return e, fmt.Errorf("invalid scale %d", m.Scale)
		}
		e.hasSIB = true
		e.rexX = m.Index.extended()
		if !m.HasBase {
			// no base: mod=00 with base field 101 forces disp32
			e.modrm = modrm(modIndirect, reg, rmSIB)
			e.sib = scaleBits<<6 | m.Index.low3()<<3 | sibNoBase
			e.disp = m.Disp
			e.dispSize = 4
			return e, nil
		}
		e.rexB = m.Base.extended()
		e.sib = scaleBits<<6 | m.Index.low3()<<3 | m.Base.low3()
		mod, disp, dispSize := dispMode(m)
		e.modrm = modrm(mod, reg, rmSIB)
		e.disp = disp
		e.dispSize = dispSize
		return e, nil
	}

	if !m.HasBase {
		// absolute: SIB with no base and no index, disp32
		e.hasSIB = true
		e.modrm = modrm(modIndirect, reg, rmSIB)
		e.sib = sibNoIndex<<3 | sibNoBase
		e.disp = m.Disp
		e.dispSize = 4
		return e, nil
	}

	e.rexB = m.Base.extended()
	if m.Base.low3() == rmSIB {
		// rsp/r12 base always needs a SIB byte
		e.hasSIB = true
		e.sib = sibNoIndex<<3 | m.Base.low3()
		mod, disp, dispSize := dispMode(m)
		e.modrm = modrm(mod, reg, rmSIB)
		e.disp = disp
		e.dispSize = dispSize
		return e, nil
	}
	mod, disp, dispSize := dispMode(m)
	e.modrm = modrm(mod, reg, m.Base.low3())
	e.disp = disp
	e.dispSize = dispSize
	return e, nil
}

// dispMode picks the smallest displacement encoding. [rbp] and [r13]
// have no disp-free form and use a zero disp8 instead.
func dispMode(m Mem) (mod byte, disp int32, dispSize int) {
	if m.Disp == 0 && m.Base.low3() != 5 {
		return modIndirect, 0, 0
	}
	if m.Disp >= -128 && m.Disp <= 127 {
		return modDisp8, m.Disp, 1
	}
	return modDisp32, m.Disp, 4
}
