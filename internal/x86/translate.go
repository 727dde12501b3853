package x86

import (
	"fmt"

	"github.com/tinyrange/tasm/internal/image"
	"github.com/tinyrange/tasm/internal/ir"
	"github.com/tinyrange/tasm/internal/isa"
)

// Virtual registers are mapped to hardware registers on first use.
// RAX and RDX are kept free as mul/div scratch, R15 as a general
// scratch, and the stack pointer maps straight onto RSP.
var regPool = [...]Reg{RCX, RBX, RSI, RDI, R8, R9, R10, R11}

type translator struct {
	b      *Builder
	fnName string
	blocks map[string]bool
	regs   map[isa.Register]Reg
	next   int
	data   map[string]int64
}

// Translate lowers an IR module to native code packed into a program
// container. The entry function is placed first; its code begins at
// offset zero of the text section.
func Translate(m *ir.Module) (*image.Program, error) {
	t := &translator{
		b:    NewBuilder(),
		data: make(map[string]int64),
	}

	var data []byte
	for _, g := range m.Globals {
		t.data[g.Name] = int64(len(data))
		data = append(data, g.Data...)
	}

	fns := append([]*ir.Function(nil), m.Functions...)
	if m.Entry != "" {
		for i, fn := range fns {
			if fn.Name == m.Entry && i != 0 {
				fns[0], fns[i] = fns[i], fns[0]
				break
			}
		}
	}

	for _, fn := range fns {
		if err := t.translateFunction(fn); err != nil {
			return nil, fmt.Errorf("function %s: %w", fn.Name, err)
		}
	}

	t.b.Optimize()
	code, err := t.b.Finalize()
	if err != nil {
		return nil, err
	}

	prog := &image.Program{
		// TODO: derive the container entry point from the entry
		// function's offset instead of leaving it at zero.
		Entry: 0,
		Sections: []image.Section{{
			Name:  ".text",
			Type:  isa.SectionCode,
			Flags: isa.SectionFlagRead | isa.SectionFlagExec,
			Data:  code,
		}},
	}
	if len(data) > 0 {
		prog.Sections = append(prog.Sections, image.Section{
			Name:  ".data",
			Type:  isa.SectionData,
			Flags: isa.SectionFlagRead | isa.SectionFlagWrite,
			Data:  data,
		})
	}
	return prog, nil
}

func (t *translator) translateFunction(fn *ir.Function) error {
	t.fnName = fn.Name
	t.blocks = make(map[string]bool, len(fn.Blocks))
	for _, block := range fn.Blocks {
		t.blocks[block.Name] = true
	}
	t.regs = make(map[isa.Register]Reg)
	t.next = 0

	t.b.Label(fn.Name)
	t.prologue()

	for _, block := range fn.Blocks {
		t.b.Label(t.blockLabel(block.Name))
		for _, inst := range block.Instructions {
			if err := t.translateInst(inst); err != nil {
				return fmt.Errorf("block %s: %s: %w", block.Name, inst, err)
			}
		}
	}

	last := fn.Blocks[len(fn.Blocks)-1]
	if !last.Terminated() {
		t.epilogue()
		t.b.Ret()
	}
	return nil
}

func (t *translator) blockLabel(name string) string {
	return t.fnName + "." + name
}

// prologue saves the frame and the one callee-saved register in the
// allocation pool.
func (t *translator) prologue() {
	t.b.PushReg(RBP)
	t.b.MovRegReg(RBP, RSP)
	t.b.PushReg(RBX)
}

func (t *translator) epilogue() {
	t.b.Lea(RSP, Mem{Base: RBP, HasBase: true, Disp: -8})
	t.b.PopReg(RBX)
	t.b.PopReg(RBP)
}

// hw maps a virtual register to its hardware register, allocating
// from the pool on first use.
func (t *translator) hw(r isa.Register) (Reg, error) {
	if r == isa.SP {
		return RSP, nil
	}
	if hw, ok := t.regs[r]; ok {
		return hw, nil
	}
	if t.next >= len(regPool) {
		return 0, fmt.Errorf("out of hardware registers for %s", r)
	}
	hw := regPool[t.next]
	t.next++
	t.regs[r] = hw
	return hw, nil
}

// srcReg materializes any operand into a register, spilling constants
// and addresses into the scratch register when needed.
func (t *translator) srcReg(v ir.Value) (Reg, error) {
	switch v.Kind {
	case ir.ValueReg:
		return t.hw(v.Reg)
	case ir.ValueConst:
		t.b.MovRegImm(R15, v.Imm)
		return R15, nil
	case ir.ValueMem:
		m, err := t.mem(v.Mem)
		if err != nil {
			return 0, err
		}
		t.b.MovRegMem(R15, m)
		return R15, nil
	case ir.ValueSym:
		addr, err := t.symAddr(v.Sym)
		if err != nil {
			return 0, err
		}
		t.b.MovRegImm(R15, addr)
		return R15, nil
	}
	return 0, fmt.Errorf("operand %s cannot be read", v)
}

func (t *translator) symAddr(name string) (int64, error) {
	addr, ok := t.data[name]
	if !ok {
		return 0, fmt.Errorf("undefined symbol %q", name)
	}
	return addr, nil
}

func (t *translator) mem(m isa.MemRef) (Mem, error) {
	out := Mem{Disp: int32(m.Disp)}
	if int64(out.Disp) != m.Disp {
		return Mem{}, fmt.Errorf("displacement %d does not fit in 32 bits", m.Disp)
	}
	if m.HasBase {
		hw, err := t.hw(m.Base)
		if err != nil {
			return Mem{}, err
		}
		out.Base = hw
		out.HasBase = true
	}
	if m.HasIndex {
		hw, err := t.hw(m.Index)
		if err != nil {
			return Mem{}, err
		}
		out.Index = hw
		out.HasIndex = true
		out.Scale = m.Scale
	}
	return out, nil
}

func (t *translator) translateInst(inst *ir.Instruction) error {
	op := inst.Op

	if op.IsJump() {
		if inst.Target == "" {
			return fmt.Errorf("jump without a target")
		}
		if op == isa.OpCall {
			// a local label calls into this function's own blocks;
			// anything else is another function's entry
			target := inst.Target
			if t.blocks[target] {
				target = t.blockLabel(target)
			}
			t.b.Call(target)
			return nil
		}
		target := t.blockLabel(inst.Target)
		switch op {
		case isa.OpJmp:
			t.b.Jmp(target)
		case isa.OpJe, isa.OpJz:
			t.b.Jcc(CondE, target)
		case isa.OpJne, isa.OpJnz:
			t.b.Jcc(CondNE, target)
		case isa.OpJl:
			t.b.Jcc(CondL, target)
		case isa.OpJle:
			t.b.Jcc(CondLE, target)
		case isa.OpJg:
			t.b.Jcc(CondG, target)
		case isa.OpJge:
			t.b.Jcc(CondGE, target)
		}
		return nil
	}

	switch op {
	case isa.OpNop:
		return nil
	case isa.OpMov, isa.OpLea:
		return t.translateMov(op, inst)
	case isa.OpLoad:
		dst, err := t.hw(inst.Dest.Reg)
		if err != nil {
			return err
		}
		if inst.Src.Kind != ir.ValueMem {
			return fmt.Errorf("load source must be a memory operand")
		}
		m, err := t.mem(inst.Src.Mem)
		if err != nil {
			return err
		}
		t.b.MovRegMem(dst, m)
		return nil
	case isa.OpStore:
		if inst.Dest.Kind != ir.ValueMem {
			return fmt.Errorf("store destination must be a memory operand")
		}
		m, err := t.mem(inst.Dest.Mem)
		if err != nil {
			return err
		}
		src, err := t.srcReg(inst.Src)
		if err != nil {
			return err
		}
		t.b.MovMemReg(m, src)
		return nil
	case isa.OpPush:
		r, err := t.srcReg(inst.Dest)
		if err != nil {
			return err
		}
		t.b.PushReg(r)
		return nil
	case isa.OpPop:
		r, err := t.hw(inst.Dest.Reg)
		if err != nil {
			return err
		}
		t.b.PopReg(r)
		return nil
	case isa.OpAdd, isa.OpSub, isa.OpAnd, isa.OpOr, isa.OpXor:
		return t.translateALU(op, inst)
	case isa.OpMul, isa.OpDiv, isa.OpMod:
		return t.translateMulDiv(op, inst)
	case isa.OpNeg, isa.OpNot, isa.OpInc, isa.OpDec:
		r, err := t.hw(inst.Dest.Reg)
		if err != nil {
			return err
		}
		switch op {
		case isa.OpNeg:
			t.b.NegReg(r)
		case isa.OpNot:
			t.b.NotReg(r)
		case isa.OpInc:
			t.b.IncReg(r)
		case isa.OpDec:
			t.b.DecReg(r)
		}
		return nil
	case isa.OpShl, isa.OpShr:
		r, err := t.hw(inst.Dest.Reg)
		if err != nil {
			return err
		}
		if inst.Src.Kind != ir.ValueConst {
			return fmt.Errorf("shift count must be an immediate")
		}
		count := inst.Src.Imm
		if count < 0 || count > 63 {
			return fmt.Errorf("shift count %d out of range", count)
		}
		if op == isa.OpShl {
			t.b.ShlRegImm(r, uint8(count))
		} else {
			t.b.ShrRegImm(r, uint8(count))
		}
		return nil
	case isa.OpCmp:
		dst, err := t.hw(inst.Dest.Reg)
		if err != nil {
			return err
		}
		if inst.Src.Kind == ir.ValueConst {
			t.b.CmpRegImm(dst, inst.Src.Imm)
			return nil
		}
		src, err := t.srcReg(inst.Src)
		if err != nil {
			return err
		}
		t.b.CmpRegReg(dst, src)
		return nil
	case isa.OpTest:
		dst, err := t.hw(inst.Dest.Reg)
		if err != nil {
			return err
		}
		if inst.Src.Kind == ir.ValueConst {
			t.b.TestRegImm(dst, inst.Src.Imm)
			return nil
		}
		src, err := t.srcReg(inst.Src)
		if err != nil {
			return err
		}
		t.b.TestRegReg(dst, src)
		return nil
	case isa.OpSyscall:
		t.b.Syscall()
		return nil
	case isa.OpInt:
		n := inst.Dest.Imm
		if inst.Dest.Kind != ir.ValueConst || n < 0 || n > 255 {
			return fmt.Errorf("interrupt number must be an immediate byte")
		}
		t.b.Int(byte(n))
		return nil
	case isa.OpRet, isa.OpHlt:
		if op == isa.OpHlt {
			// the program result is whatever ended up in r0
			if hw, ok := t.regs[isa.R0]; ok {
				t.b.MovRegReg(RAX, hw)
			} else {
				t.b.XorRegReg(RAX, RAX)
			}
		}
		t.epilogue()
		t.b.Ret()
		return nil
	}
	return fmt.Errorf("opcode %s is not supported by the x86 backend", op)
}

func (t *translator) translateMov(op isa.Opcode, inst *ir.Instruction) error {
	// a store form: mov [m], src
	if inst.Dest.Kind == ir.ValueMem {
		m, err := t.mem(inst.Dest.Mem)
		if err != nil {
			return err
		}
		src, err := t.srcReg(inst.Src)
		if err != nil {
			return err
		}
		t.b.MovMemReg(m, src)
		return nil
	}

	dst, err := t.hw(inst.Dest.Reg)
	if err != nil {
		return err
	}
	switch inst.Src.Kind {
	case ir.ValueReg:
		src, err := t.hw(inst.Src.Reg)
		if err != nil {
			return err
		}
		t.b.MovRegReg(dst, src)
	case ir.ValueConst:
		t.b.MovRegImm(dst, inst.Src.Imm)
	case ir.ValueMem:
		m, err := t.mem(inst.Src.Mem)
		if err != nil {
			return err
		}
		if op == isa.OpLea {
			t.b.Lea(dst, m)
		} else {
			t.b.MovRegMem(dst, m)
		}
	case ir.ValueSym:
		addr, err := t.symAddr(inst.Src.Sym)
		if err != nil {
			return err
		}
		t.b.MovRegImm(dst, addr)
	default:
		return fmt.Errorf("mov needs a source operand")
	}
	return nil
}

func (t *translator) translateALU(op isa.Opcode, inst *ir.Instruction) error {
	dst, err := t.hw(inst.Dest.Reg)
	if err != nil {
		return err
	}
	if inst.Src.Kind == ir.ValueConst {
		switch op {
		case isa.OpAdd:
			t.b.AddRegImm(dst, inst.Src.Imm)
		case isa.OpSub:
			t.b.SubRegImm(dst, inst.Src.Imm)
		case isa.OpAnd:
			t.b.AndRegImm(dst, inst.Src.Imm)
		case isa.OpOr:
			t.b.OrRegImm(dst, inst.Src.Imm)
		case isa.OpXor:
			t.b.XorRegImm(dst, inst.Src.Imm)
		}
		return nil
	}
	src, err := t.srcReg(inst.Src)
	if err != nil {
		return err
	}
	switch op {
	case isa.OpAdd:
		t.b.AddRegReg(dst, src)
	case isa.OpSub:
		t.b.SubRegReg(dst, src)
	case isa.OpAnd:
		t.b.AndRegReg(dst, src)
	case isa.OpOr:
		t.b.OrRegReg(dst, src)
	case isa.OpXor:
		t.b.XorRegReg(dst, src)
	}
	return nil
}

// translateMulDiv uses the rax/rdx pair the hardware insists on. The
// source cannot be rax or rdx, which the allocator never hands out.
func (t *translator) translateMulDiv(op isa.Opcode, inst *ir.Instruction) error {
	dst, err := t.hw(inst.Dest.Reg)
	if err != nil {
		return err
	}
	src, err := t.srcReg(inst.Src)
	if err != nil {
		return err
	}
	t.b.MovRegReg(RAX, dst)
	if op == isa.OpMul {
		t.b.MulReg(src)
	} else {
		t.b.XorRegReg(RDX, RDX)
		t.b.DivReg(src)
	}
	if op == isa.OpMod {
		t.b.MovRegReg(dst, RDX)
	} else {
		t.b.MovRegReg(dst, RAX)
	}
	return nil
}
