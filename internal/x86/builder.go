package x86

import (
	"fmt"
	"math"
)

// Builder accumulates instructions with symbolic branch targets.
// Finalize runs label resolution: targets are encoded as rel32
// displacements patched in once every label offset is known.
type Builder struct {
	insts []Instruction
	err   error
}

func NewBuilder() *Builder {
	return &Builder{}
}

// Instructions exposes the current instruction list, mainly so the
// optimizer and tests can inspect it.
func (b *Builder) Instructions() []Instruction {
	return b.insts
}

func (b *Builder) push(i Instruction) {
	b.insts = append(b.insts, i)
}

// fail records the first operand error; Finalize reports it.
func (b *Builder) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

// Label defines a branch target at the current position.
func (b *Builder) Label(name string) {
	b.push(Instruction{Label: name})
}

func regPair(dst, src Reg) (rexByte, modrmByte byte) {
	return rex(true, src.extended(), false, dst.extended()),
		modrm(modRegister, src.low3(), dst.low3())
}

// MovRegReg emits mov dst, src.
func (b *Builder) MovRegReg(dst, src Reg) {
	r, m := regPair(dst, src)
	b.push(Instruction{REX: r, Opcode: []byte{0x89}, ModRM: m, HasModRM: true})
}

// MovRegImm emits mov dst, imm64.
func (b *Builder) MovRegImm(dst Reg, imm int64) {
	b.push(Instruction{
		REX:     rex(true, false, false, dst.extended()),
		Opcode:  []byte{0xB8 | dst.low3()},
		Imm:     imm,
		ImmSize: 8,
	})
}

func (b *Builder) memOp(opcode byte, reg Reg, m Mem) {
	e, err := encodeMemOperand(reg.low3(), m)
	if err != nil {
		b.fail(err)
		return
	}
	b.push(Instruction{
		REX:      rex(true, reg.extended(), e.rexX, e.rexB),
		Opcode:   []byte{opcode},
		ModRM:    e.modrm,
		HasModRM: true,
		SIB:      e.sib,
		HasSIB:   e.hasSIB,
		Disp:     e.disp,
		DispSize: e.dispSize,
	})
}

// MovRegMem emits mov dst, qword [m].
func (b *Builder) MovRegMem(dst Reg, m Mem) { b.memOp(0x8B, dst, m) }

// MovMemReg emits mov qword [m], src.
func (b *Builder) MovMemReg(m Mem, src Reg) { b.memOp(0x89, src, m) }

// Lea emits lea dst, [m].
func (b *Builder) Lea(dst Reg, m Mem) { b.memOp(0x8D, dst, m) }

// MovMemImm emits mov qword [m], imm32 (sign extended).
func (b *Builder) MovMemImm(m Mem, imm int32) {
	e, err := encodeMemOperand(0, m)
	if err != nil {
		b.fail(err)
		return
	}
	b.push(Instruction{
		REX:      rex(true, false, e.rexX, e.rexB),
		Opcode:   []byte{0xC7},
		ModRM:    e.modrm,
		HasModRM: true,
		SIB:      e.sib,
		HasSIB:   e.hasSIB,
		Disp:     e.disp,
		DispSize: e.dispSize,
		Imm:      int64(imm),
		ImmSize:  4,
	})
}

func (b *Builder) alu(opcode byte, dst, src Reg) {
	r, m := regPair(dst, src)
	b.push(Instruction{REX: r, Opcode: []byte{opcode}, ModRM: m, HasModRM: true})
}

func (b *Builder) AddRegReg(dst, src Reg)  { b.alu(0x01, dst, src) }
func (b *Builder) SubRegReg(dst, src Reg)  { b.alu(0x29, dst, src) }
func (b *Builder) AndRegReg(dst, src Reg)  { b.alu(0x21, dst, src) }
func (b *Builder) OrRegReg(dst, src Reg)   { b.alu(0x09, dst, src) }
func (b *Builder) XorRegReg(dst, src Reg)  { b.alu(0x31, dst, src) }
func (b *Builder) CmpRegReg(dst, src Reg)  { b.alu(0x39, dst, src) }
func (b *Builder) TestRegReg(dst, src Reg) { b.alu(0x85, dst, src) }

// XchgRegReg emits xchg dst, src.
func (b *Builder) XchgRegReg(dst, src Reg) {
	r, m := regPair(dst, src)
	b.push(Instruction{REX: r, Opcode: []byte{0x87}, ModRM: m, HasModRM: true})
}

func (b *Builder) aluImm(ext byte, dst Reg, imm int64) {
	if imm < math.MinInt32 || imm > math.MaxInt32 {
		b.fail(fmt.Errorf("immediate %d does not fit in 32 bits", imm))
		return
	}
	b.push(Instruction{
		REX:      rex(true, false, false, dst.extended()),
		Opcode:   []byte{0x81},
		ModRM:    modrm(modRegister, ext, dst.low3()),
		HasModRM: true,
		Imm:      imm,
		ImmSize:  4,
	})
}

// AddRegImm emits add dst, imm32.
func (b *Builder) AddRegImm(dst Reg, imm int64) { b.aluImm(0, dst, imm) }

// SubRegImm emits sub dst, imm32.
func (b *Builder) SubRegImm(dst Reg, imm int64) { b.aluImm(5, dst, imm) }

// AndRegImm emits and dst, imm32.
func (b *Builder) AndRegImm(dst Reg, imm int64) { b.aluImm(4, dst, imm) }

// OrRegImm emits or dst, imm32.
func (b *Builder) OrRegImm(dst Reg, imm int64) { b.aluImm(1, dst, imm) }

// XorRegImm emits xor dst, imm32.
func (b *Builder) XorRegImm(dst Reg, imm int64) { b.aluImm(6, dst, imm) }

// TestRegImm emits test dst, imm32.
func (b *Builder) TestRegImm(dst Reg, imm int64) {
	if imm < math.MinInt32 || imm > math.MaxInt32 {
		b.fail(fmt.Errorf("immediate %d does not fit in 32 bits", imm))
		return
	}
	b.push(Instruction{
		REX:      rex(true, false, false, dst.extended()),
		Opcode:   []byte{0xF7},
		ModRM:    modrm(modRegister, 0, dst.low3()),
		HasModRM: true,
		Imm:      imm,
		ImmSize:  4,
	})
}

// CmpRegImm emits cmp dst, imm, using the short imm8 form when the
// value fits.
func (b *Builder) CmpRegImm(dst Reg, imm int64) {
	if imm >= -128 && imm <= 127 {
		b.push(Instruction{
			REX:      rex(true, false, false, dst.extended()),
			Opcode:   []byte{0x83},
			ModRM:    modrm(modRegister, 7, dst.low3()),
			HasModRM: true,
			Imm:      imm,
			ImmSize:  1,
		})
		return
	}
	b.aluImm(7, dst, imm)
}

func (b *Builder) group3(ext byte, r Reg) {
	b.push(Instruction{
		REX:      rex(true, false, false, r.extended()),
		Opcode:   []byte{0xF7},
		ModRM:    modrm(modRegister, ext, r.low3()),
		HasModRM: true,
	})
}

// MulReg emits mul r (unsigned rdx:rax = rax * r).
func (b *Builder) MulReg(r Reg) { b.group3(4, r) }

// DivReg emits div r (unsigned rax, rdx = rdx:rax / r).
func (b *Builder) DivReg(r Reg) { b.group3(6, r) }

// NegReg emits neg r.
func (b *Builder) NegReg(r Reg) { b.group3(3, r) }

// NotReg emits not r.
func (b *Builder) NotReg(r Reg) { b.group3(2, r) }

func (b *Builder) shift(ext byte, r Reg, count uint8) {
	b.push(Instruction{
		REX:      rex(true, false, false, r.extended()),
		Opcode:   []byte{0xC1},
		ModRM:    modrm(modRegister, ext, r.low3()),
		HasModRM: true,
		Imm:      int64(count),
		ImmSize:  1,
	})
}

// ShlRegImm emits shl r, count.
func (b *Builder) ShlRegImm(r Reg, count uint8) { b.shift(4, r, count) }

// ShrRegImm emits shr r, count.
func (b *Builder) ShrRegImm(r Reg, count uint8) { b.shift(5, r, count) }

func (b *Builder) incDec(ext byte, r Reg) {
	b.push(Instruction{
		REX:      rex(true, false, false, r.extended()),
		Opcode:   []byte{0xFF},
		ModRM:    modrm(modRegister, ext, r.low3()),
		HasModRM: true,
	})
}

// IncReg emits inc r.
func (b *Builder) IncReg(r Reg) { b.incDec(0, r) }

// DecReg emits dec r.
func (b *Builder) DecReg(r Reg) { b.incDec(1, r) }

// PushReg emits push r.
func (b *Builder) PushReg(r Reg) {
	var prefix byte
	if r.extended() {
		prefix = rex(false, false, false, true)
	}
	b.push(Instruction{REX: prefix, Opcode: []byte{0x50 | r.low3()}})
}

// PopReg emits pop r.
func (b *Builder) PopReg(r Reg) {
	var prefix byte
	if r.extended() {
		prefix = rex(false, false, false, true)
	}
	b.push(Instruction{REX: prefix, Opcode: []byte{0x58 | r.low3()}})
}

// Ret emits ret.
func (b *Builder) Ret() {
	b.push(Instruction{Opcode: []byte{0xC3}})
}

// Syscall emits syscall.
func (b *Builder) Syscall() {
	b.push(Instruction{Opcode: []byte{0x0F, 0x05}})
}

// Int emits int n.
func (b *Builder) Int(n byte) {
	b.push(Instruction{Opcode: []byte{0xCD}, Imm: int64(n), ImmSize: 1})
}

// Jmp emits an unconditional jump to a label.
func (b *Builder) Jmp(target string) {
	b.push(Instruction{Opcode: []byte{0xE9}, Target: target})
}

// Jcc emits a conditional jump to a label.
func (b *Builder) Jcc(c Cond, target string) {
	b.push(Instruction{Opcode: []byte{0x0F, byte(c)}, Target: target})
}

// Call emits a call to a label.
func (b *Builder) Call(target string) {
	b.push(Instruction{Opcode: []byte{0xE8}, Target: target})
}

// Optimize runs the peephole pass over the pending instructions.
func (b *Builder) Optimize() {
	b.insts = Optimize(b.insts)
}

type fixup struct {
	pos    int // offset of the rel32 field
	target string
}

// Finalize lays out the instruction list, resolves every label, and
// returns the machine code. Any reference to an unknown label is an
// error and no code is returned.
func (b *Builder) Finalize() ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}

	labels := make(map[string]int)
	size := 0
	for i := range b.insts {
		inst := &b.insts[i]
		if inst.Label != "" {
			if _, ok := labels[inst.Label]; ok {
				return nil, fmt.Errorf("duplicate label %q", inst.Label)
			}
			labels[inst.Label] = size
		}
		size += inst.EncodedLen()
	}

	code := make([]byte, 0, size)
	var fixups []fixup
	for i := range b.insts {
		inst := &b.insts[i]
		if inst.Target != "" {
			relPos := len(code) + inst.EncodedLen() - 4
			fixups = append(fixups, fixup{pos: relPos, target: inst.Target})
		}
		code = inst.Encode(code)
	}

	for _, f := range fixups {
		target, ok := labels[f.target]
		if !ok {
			return nil, fmt.Errorf("undefined label %q", f.target)
		}
		rel := int64(target) - int64(f.pos+4)
		if rel < math.MinInt32 || rel > math.MaxInt32 {
			return nil, fmt.Errorf("jump to %q out of rel32 range", f.target)
		}
		code[f.pos] = byte(rel)
		code[f.pos+1] = byte(rel >> 8)
		code[f.pos+2] = byte(rel >> 16)
		code[f.pos+3] = byte(rel >> 24)
	}
	return code, nil
}
