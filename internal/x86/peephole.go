package x86

import "math"

// The peephole pass rewrites short instruction windows until a full
// scan makes no further change, so the result is a fixed point and
// re-running the pass is a no-op. Windows never span a label: a label
// is a control entry point and breaks the dataflow the patterns rely
// on. Jump threading runs over the whole list instead, since it needs
// label definitions.

type pattern struct {
	name   string
	window int
	apply  func(w []Instruction) ([]Instruction, bool)
}

var patterns = []pattern{
	{"remove-mov-self", 1, removeMovSelf},
	{"remove-add-zero", 1, removeAddZero},
	{"fold-lea-scale", 1, foldLeaScale},
	{"simplify-lea-base", 1, simplifyLeaBase},
	{"remove-dead-imm-load", 2, removeDeadImmLoad},
	{"propagate-imm-copy", 2, propagateImmCopy},
	{"collapse-push-pop", 2, collapsePushPop},
	{"collapse-push-pop-pairs", 4, collapsePushPopPairs},
	{"canonicalize-test-zero", 2, canonicalizeTestZero},
	{"fold-add-imm", 2, foldAddImm},
	{"forward-store-to-load", 2, forwardStoreToLoad},
	{"remove-store-back", 2, removeStoreBack},
	{"fuse-lea-deref", 2, fuseLeaDeref},
	{"store-imm-direct", 2, storeImmDirect},
}

// Optimize rewrites insts to a fixed point and returns the result.
func Optimize(insts []Instruction) []Instruction {
	for {
		changed := false
		for _, p := range patterns {
			for i := 0; i+p.window <= len(insts); i++ {
				w := insts[i : i+p.window]
				if windowHasLabel(w) {
					continue
				}
				repl, ok := p.apply(w)
				if !ok {
					continue
				}
				insts = splice(insts, i, p.window, repl)
				changed = true
			}
		}
		if threadJumps(insts) {
			changed = true
		}
		insts, changed = dropDeadJumps(insts, changed)
		if !changed {
			return insts
		}
	}
}

func windowHasLabel(w []Instruction) bool {
	for i := range w {
		if w[i].Label != "" {
			return true
		}
	}
	return false
}

func splice(insts []Instruction, i, n int, repl []Instruction) []Instruction {
	out := make([]Instruction, 0, len(insts)-n+len(repl))
	out = append(out, insts[:i]...)
	out = append(out, repl...)
	return append(out, insts[i+n:]...)
}

// instruction shape helpers

func (i *Instruction) rexR() bool { return i.REX&0x04 != 0 }
func (i *Instruction) rexX() bool { return i.REX&0x02 != 0 }
func (i *Instruction) rexB() bool { return i.REX&0x01 != 0 }

func (i *Instruction) modrmMod() byte { return i.ModRM & 0xC0 }

// modrmReg decodes the modrm reg field with its REX extension.
func (i *Instruction) modrmReg() Reg {
	r := Reg(i.ModRM >> 3 & 7)
	if i.rexR() {
		r |= 8
	}
	return r
}

// modrmRM decodes the modrm rm field as a register (mod=11 forms).
func (i *Instruction) modrmRM() Reg {
	r := Reg(i.ModRM & 7)
	if i.rexB() {
		r |= 8
	}
	return r
}

func (i *Instruction) is(opcode byte) bool {
	return i.Label == "" && i.Target == "" && len(i.Opcode) == 1 && i.Opcode[0] == opcode
}

func (i *Instruction) isMovRegReg() bool {
	return i.is(0x89) && i.HasModRM && i.modrmMod() == modRegister
}

func (i *Instruction) isMovRegImm() bool {
	return i.Label == "" && len(i.Opcode) == 1 &&
		i.Opcode[0]&0xF8 == 0xB8 && i.ImmSize == 8
}

// movImmReg decodes the destination of a mov reg, imm64.
func (i *Instruction) movImmReg() Reg {
	r := Reg(i.Opcode[0] & 7)
	if i.rexB() {
		r |= 8
	}
	return r
}

func (i *Instruction) isLoad() bool {
	return i.is(0x8B) && i.HasModRM && i.modrmMod() != modRegister
}

func (i *Instruction) isStore() bool {
	return i.is(0x89) && i.HasModRM && i.modrmMod() != modRegister
}

func (i *Instruction) isLea() bool {
	return i.is(0x8D) && i.HasModRM
}

func (i *Instruction) isPush() bool {
	return i.Label == "" && len(i.Opcode) == 1 && i.Opcode[0]&0xF8 == 0x50 && !i.HasModRM
}

func (i *Instruction) isPop() bool {
	return i.Label == "" && len(i.Opcode) == 1 && i.Opcode[0]&0xF8 == 0x58 && !i.HasModRM
}

func (i *Instruction) stackReg() Reg {
	r := Reg(i.Opcode[0] & 7)
	if i.rexB() {
		r |= 8
	}
	return r
}

// isALUImm matches the 0x81 group-1 form with the given extension
// (0 = add, 5 = sub).
func (i *Instruction) isALUImm(ext byte) bool {
	return i.is(0x81) && i.HasModRM && i.modrmMod() == modRegister &&
		i.ModRM>>3&7 == ext
}

func (i *Instruction) isJcc() bool {
	return i.Target != "" && len(i.Opcode) == 2 && i.Opcode[0] == 0x0F
}

func (i *Instruction) isJmp() bool {
	return i.Target != "" && len(i.Opcode) == 1 && i.Opcode[0] == 0xE9
}

// sameAddress reports whether two memory-form instructions address
// the same location: identical mod and rm bits, SIB byte, REX X/B
// bits, and displacement.
func sameAddress(a, b *Instruction) bool {
	return a.modrmMod() == b.modrmMod() &&
		a.ModRM&7 == b.ModRM&7 &&
		a.HasSIB == b.HasSIB &&
		a.SIB == b.SIB &&
		a.Disp == b.Disp &&
		a.DispSize == b.DispSize &&
		a.rexX() == b.rexX() &&
		a.rexB() == b.rexB()
}

// addressUses reports whether the memory operand reads r as a base or
// index register.
func addressUses(i *Instruction, r Reg) bool {
	if i.modrmMod() == modRegister {
		return false
	}
	if i.HasSIB {
		base := Reg(i.SIB & 7)
		if i.rexB() {
			base |= 8
		}
		index := Reg(i.SIB >> 3 & 7)
		if i.rexX() {
			index |= 8
		}
		hasBase := !(i.SIB&7 == sibNoBase && i.modrmMod() == modIndirect)
		hasIndex := i.SIB>>3&7 != sibNoIndex
		return hasBase && base == r || hasIndex && index == r
	}
	base := Reg(i.ModRM & 7)
	if i.rexB() {
		base |= 8
	}
	return base == r
}

// patterns

// mov r, r is a no-op.
func removeMovSelf(w []Instruction) ([]Instruction, bool) {
	i := &w[0]
	if i.isMovRegReg() && i.modrmReg() == i.modrmRM() {
		return nil, true
	}
	return nil, false
}

// add r, 0 and sub r, 0 only cost bytes. The flags result differs
// from the original instruction's, but nothing this backend emits
// reads flags across an add or sub.
func removeAddZero(w []Instruction) ([]Instruction, bool) {
	i := &w[0]
	if (i.isALUImm(0) || i.isALUImm(5)) && i.Imm == 0 {
		return nil, true
	}
	return nil, false
}

// mov r, imm immediately overwritten by another full write of r is
// dead.
func removeDeadImmLoad(w []Instruction) ([]Instruction, bool) {
	first, second := &w[0], &w[1]
	if !first.isMovRegImm() {
		return nil, false
	}
	dst := first.movImmReg()
	switch {
	case second.isMovRegImm() && second.movImmReg() == dst:
	case second.isMovRegReg() && second.modrmRM() == dst && second.modrmReg() != dst:
	case second.isLoad() && second.modrmReg() == dst && !addressUses(second, dst):
	default:
		return nil, false
	}
	return []Instruction{*second}, true
}

// mov r1, imm; mov r2, r1 loads the same constant twice through a
// register; the copy becomes an immediate load.
func propagateImmCopy(w []Instruction) ([]Instruction, bool) {
	first, second := &w[0], &w[1]
	if !first.isMovRegImm() || !second.isMovRegReg() {
		return nil, false
	}
	src := first.movImmReg()
	if second.modrmReg() != src || second.modrmRM() == src {
		return nil, false
	}
	dst := second.modrmRM()
	repl := Instruction{
		REX:     rex(true, false, false, dst.extended()),
		Opcode:  []byte{0xB8 | dst.low3()},
		Imm:     first.Imm,
		ImmSize: 8,
	}
	return []Instruction{*first, repl}, true
}

// push a; pop a cancels; push a; pop b is a register move.
func collapsePushPop(w []Instruction) ([]Instruction, bool) {
	first, second := &w[0], &w[1]
	if !first.isPush() || !second.isPop() {
		return nil, false
	}
	a, b := first.stackReg(), second.stackReg()
	if a == b {
		return nil, true
	}
	r, m := regPair(b, a)
	return []Instruction{{REX: r, Opcode: []byte{0x89}, ModRM: m, HasModRM: true}}, true
}

// push a; push b; pop b; pop a restores both registers and vanishes.
// push a; push b; pop a; pop b pops in stack order, so a receives b
// and b receives a: a swap.
func collapsePushPopPairs(w []Instruction) ([]Instruction, bool) {
	if !w[0].isPush() || !w[1].isPush() || !w[2].isPop() || !w[3].isPop() {
		return nil, false
	}
	a, b := w[0].stackReg(), w[1].stackReg()
	p1, p2 := w[2].stackReg(), w[3].stackReg()
	if a == b && p1 == a && p2 == a {
		return nil, true
	}
	if p1 == b && p2 == a {
		return nil, true
	}
	if p1 == a && p2 == b && a != b {
		r, m := regPair(a, b)
		return []Instruction{{REX: r, Opcode: []byte{0x87}, ModRM: m, HasModRM: true}}, true
	}
	return nil, false
}

// test r, r before je/jne becomes the canonical cmp r, 0.
func canonicalizeTestZero(w []Instruction) ([]Instruction, bool) {
	first, second := &w[0], &w[1]
	if !first.is(0x85) || !first.HasModRM || first.modrmMod() != modRegister {
		return nil, false
	}
	if first.modrmReg() != first.modrmRM() {
		return nil, false
	}
	if !second.isJcc() {
		return nil, false
	}
	if c := Cond(second.Opcode[1]); c != CondE && c != CondNE {
		return nil, false
	}
	// already canonical? cmp is 0x83 /7
	r := first.modrmRM()
	cmp := Instruction{
		REX:      rex(true, false, false, r.extended()),
		Opcode:   []byte{0x83},
		ModRM:    modrm(modRegister, 7, r.low3()),
		HasModRM: true,
		Imm:      0,
		ImmSize:  1,
	}
	return []Instruction{cmp, *second}, true
}

// adjacent add/sub on the same register with immediates fold into one.
func foldAddImm(w []Instruction) ([]Instruction, bool) {
	first, second := &w[0], &w[1]
	v1, ok1 := aluImmValue(first)
	v2, ok2 := aluImmValue(second)
	if !ok1 || !ok2 || first.modrmRM() != second.modrmRM() {
		return nil, false
	}
	sum := v1 + v2
	if sum < math.MinInt32 || sum > math.MaxInt32 {
		return nil, false
	}
	if sum == 0 {
		return nil, true
	}
	r := first.modrmRM()
	ext := byte(0)
	if sum < 0 {
		ext = 5
		sum = -sum
	}
	repl := Instruction{
		REX:      rex(true, false, false, r.extended()),
		Opcode:   []byte{0x81},
		ModRM:    modrm(modRegister, ext, r.low3()),
		HasModRM: true,
		Imm:      sum,
		ImmSize:  4,
	}
	return []Instruction{repl}, true
}

func aluImmValue(i *Instruction) (int64, bool) {
	if i.isALUImm(0) {
		return i.Imm, true
	}
	if i.isALUImm(5) {
		return -i.Imm, true
	}
	return 0, false
}

// lea r, [b + b*1 + disp32] has the same size as lea r, [b*2 + disp32]
// and one fewer register read.
func foldLeaScale(w []Instruction) ([]Instruction, bool) {
	i := &w[0]
	if !i.isLea() || !i.HasSIB || i.DispSize != 4 {
		return nil, false
	}
	if i.modrmMod() == modIndirect && i.SIB&7 == sibNoBase {
		return nil, false // already baseless
	}
	if i.SIB>>6 != 0 || i.SIB>>3&7 == sibNoIndex {
		return nil, false // needs scale 1 with a real index
	}
	base := Reg(i.SIB & 7)
	if i.rexB() {
		base |= 8
	}
	index := Reg(i.SIB >> 3 & 7)
	if i.rexX() {
		index |= 8
	}
	if base != index {
		return nil, false
	}
	dst := i.modrmReg()
	e, err := encodeMemOperand(dst.low3(), Mem{
		HasIndex: true, Index: base, Scale: 2, Disp: i.Disp,
	})
	if err != nil {
		return nil, false
	}
	repl := Instruction{
		REX:      rex(true, dst.extended(), e.rexX, e.rexB),
		Opcode:   []byte{0x8D},
		ModRM:    e.modrm,
		HasModRM: true,
		SIB:      e.sib,
		HasSIB:   e.hasSIB,
		Disp:     e.disp,
		DispSize: e.dispSize,
	}
	return []Instruction{repl}, true
}

// lea r, [b] with no displacement is mov r, b.
func simplifyLeaBase(w []Instruction) ([]Instruction, bool) {
	i := &w[0]
	if !i.isLea() || i.HasSIB || i.DispSize != 0 || i.modrmMod() != modIndirect {
		return nil, false
	}
	dst := i.modrmReg()
	src := i.modrmRM() // rm field holds the base register
	r, m := regPair(dst, src)
	return []Instruction{{REX: r, Opcode: []byte{0x89}, ModRM: m, HasModRM: true}}, true
}

// a load right after a store to the same address reads the stored
// register.
func forwardStoreToLoad(w []Instruction) ([]Instruction, bool) {
	first, second := &w[0], &w[1]
	if !first.isStore() || !second.isLoad() || !sameAddress(first, second) {
		return nil, false
	}
	src := first.modrmReg()
	dst := second.modrmReg()
	if src == dst {
		return []Instruction{*first}, true
	}
	r, m := regPair(dst, src)
	mov := Instruction{REX: r, Opcode: []byte{0x89}, ModRM: m, HasModRM: true}
	return []Instruction{*first, mov}, true
}

// storing a register straight back to the address it was loaded from
// is a no-op.
func removeStoreBack(w []Instruction) ([]Instruction, bool) {
	first, second := &w[0], &w[1]
	if !first.isLoad() || !second.isStore() || !sameAddress(first, second) {
		return nil, false
	}
	if first.modrmReg() != second.modrmReg() {
		return nil, false
	}
	if addressUses(first, first.modrmReg()) {
		return nil, false // the load clobbered its own address
	}
	return []Instruction{*first}, true
}

// lea r, [m]; mov r, [r] loads through the just-computed address and
// fuses into a single load.
func fuseLeaDeref(w []Instruction) ([]Instruction, bool) {
	first, second := &w[0], &w[1]
	if !first.isLea() || !second.isLoad() {
		return nil, false
	}
	r := first.modrmReg()
	if second.modrmReg() != r {
		return nil, false
	}
	// the load must be exactly [r] with no index or displacement
	if second.HasSIB || second.DispSize != 0 || second.modrmMod() != modIndirect {
		return nil, false
	}
	if second.modrmRM() != r {
		return nil, false
	}
	load := *first
	load.Opcode = []byte{0x8B}
	return []Instruction{load}, true
}

// a store of a register holding a known small constant also encodes
// as a direct immediate store; the register load stays for later
// uses.
func storeImmDirect(w []Instruction) ([]Instruction, bool) {
	first, second := &w[0], &w[1]
	if !first.isMovRegImm() || !second.isStore() {
		return nil, false
	}
	if first.Imm < math.MinInt32 || first.Imm > math.MaxInt32 {
		return nil, false
	}
	if second.modrmReg() != first.movImmReg() {
		return nil, false
	}
	store := *second
	store.Opcode = []byte{0xC7}
	store.ModRM = store.ModRM &^ 0x38 // reg field becomes /0
	store.REX = rex(true, false, store.rexX(), store.rexB())
	store.Imm = first.Imm
	store.ImmSize = 4
	return []Instruction{*first, store}, true
}

// jump threading

// threadJumps retargets branches that land on an unconditional jump,
// and rewrites jcc L1; jmp L2; L1: into the inverted condition. It
// mutates insts in place and reports whether anything changed.
func threadJumps(insts []Instruction) bool {
	changed := false

	// final destination of each label, following jmp chains
	dest := func(label string) string {
		seen := map[string]bool{}
		for !seen[label] {
			seen[label] = true
			idx := -1
			for i := range insts {
				if insts[i].Label == label {
					idx = i
					break
				}
			}
			if idx < 0 {
				return label
			}
			j := idx + 1
			for j < len(insts) && insts[j].Label != "" {
				j++
			}
			if j >= len(insts) || !insts[j].isJmp() {
				return label
			}
			label = insts[j].Target
		}
		return label
	}

	for i := range insts {
		inst := &insts[i]
		if inst.Target == "" || inst.Opcode[0] == 0xE8 {
			continue // calls are not threaded
		}
		if d := dest(inst.Target); d != inst.Target {
			inst.Target = d
			changed = true
		}
	}

	// jcc L1; jmp L2; L1: ...  =>  j!cc L2; L1: ...
	for i := 0; i+1 < len(insts); i++ {
		if !insts[i].isJcc() || !insts[i+1].isJmp() {
			continue
		}
		if labelFollows(insts, i+2, insts[i].Target) {
			insts[i].Opcode = []byte{0x0F, byte(Cond(insts[i].Opcode[1]).Invert())}
			insts[i].Target = insts[i+1].Target
			// placeholder slot; dropDeadJumps strips it
			insts[i+1] = Instruction{}
			changed = true
		}
	}
	return changed
}

func isPlaceholder(i *Instruction) bool {
	return i.Label == "" && i.Opcode == nil
}

func labelFollows(insts []Instruction, i int, label string) bool {
	for ; i < len(insts); i++ {
		if insts[i].Label == label {
			return true
		}
		if insts[i].Label == "" && !isPlaceholder(&insts[i]) {
			return false
		}
	}
	return false
}

// dropDeadJumps removes jumps that target the label immediately
// following them, plus empty placeholder slots.
func dropDeadJumps(insts []Instruction, changed bool) ([]Instruction, bool) {
	out := insts[:0]
	for i := range insts {
		inst := insts[i]
		if isPlaceholder(&inst) {
			changed = true
			continue
		}
		if inst.isJmp() && labelFollows(insts, i+1, inst.Target) {
			changed = true
			continue
		}
		out = append(out, inst)
	}
	return out, changed
}
