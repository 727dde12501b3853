package x86

import (
	"bytes"
	"testing"
)

func optimized(t *testing.T, build func(b *Builder)) []byte {
	t.Helper()
	b := NewBuilder()
	build(b)
	b.Optimize()
	code, err := b.Finalize()
	if err != nil {
		t.Fatal(err)
	}
	return code
}

func TestOptimizeIsIdempotent(t *testing.T) {
	b := NewBuilder()
	b.Label("f")
	b.MovRegImm(RAX, 1)
	b.MovRegReg(RCX, RAX)
	b.PushReg(RCX)
	b.PopReg(RDX)
	b.AddRegImm(RDX, 4)
	b.AddRegImm(RDX, 4)
	b.TestRegReg(RDX, RDX)
	b.Jcc(CondE, "f")
	b.Ret()

	b.Optimize()
	once := append([]Instruction(nil), b.insts...)
	b.Optimize()
	if len(b.insts) != len(once) {
		t.Fatalf("second pass changed length: %d -> %d", len(once), len(b.insts))
	}
	for i := range once {
		a, c := &once[i], &b.insts[i]
		if a.String() != c.String() || !bytes.Equal(a.Encode(nil), c.Encode(nil)) {
			t.Fatalf("instruction %d changed on second pass: %s vs %s", i, a, c)
		}
	}
}

func TestRemoveMovSelf(t *testing.T) {
	code := optimized(t, func(b *Builder) {
		b.MovRegReg(RAX, RAX)
		b.Ret()
	})
	if !bytes.Equal(code, []byte{0xC3}) {
		t.Fatalf("code = % x, want bare ret", code)
	}
}

func TestCollapsePushPop(t *testing.T) {
	// push rax; pop rax cancels entirely
	code := optimized(t, func(b *Builder) {
		b.PushReg(RAX)
		b.PopReg(RAX)
		b.Ret()
	})
	if !bytes.Equal(code, []byte{0xC3}) {
		t.Fatalf("same-register pair: % x", code)
	}

	// push rax; pop rcx is mov rcx, rax
	code = optimized(t, func(b *Builder) {
		b.PushReg(RAX)
		b.PopReg(RCX)
		b.Ret()
	})
	if !bytes.Equal(code, []byte{0x48, 0x89, 0xC1, 0xC3}) {
		t.Fatalf("transfer pair: % x", code)
	}
}

func TestCollapsePushPopPairs(t *testing.T) {
	// pops in reverse order restore both registers: a complete no-op
	code := optimized(t, func(b *Builder) {
		b.PushReg(RAX)
		b.PushReg(RCX)
		b.PopReg(RCX)
		b.PopReg(RAX)
		b.Ret()
	})
	if !bytes.Equal(code, []byte{0xC3}) {
		t.Fatalf("restoring pairs: % x", code)
	}

	// pops in stack order exchange the registers
	code = optimized(t, func(b *Builder) {
		b.PushReg(RAX)
		b.PushReg(RCX)
		b.PopReg(RAX)
		b.PopReg(RCX)
		b.Ret()
	})
	if !bytes.Equal(code, []byte{0x48, 0x87, 0xC8, 0xC3}) {
		t.Fatalf("swapping pairs: % x, want xchg rax, rcx; ret", code)
	}
}

func TestCanonicalizeTestZero(t *testing.T) {
	code := optimized(t, func(b *Builder) {
		b.Label("top")
		b.TestRegReg(RAX, RAX)
		b.Jcc(CondE, "top")
		b.Ret()
	})
	// cmp rax, 0 (imm8 form) replaces the test
	want := []byte{0x48, 0x83, 0xF8, 0x00}
	if !bytes.Equal(code[:4], want) {
		t.Fatalf("code = % x, want cmp rax, 0 first", code)
	}
}

func TestFoldAddImm(t *testing.T) {
	code := optimized(t, func(b *Builder) {
		b.AddRegImm(RAX, 5)
		b.AddRegImm(RAX, 7)
		b.Ret()
	})
	want := []byte{0x48, 0x81, 0xC0, 12, 0, 0, 0, 0xC3}
	if !bytes.Equal(code, want) {
		t.Fatalf("code = % x, want single add rax, 12", code)
	}

	// add and sub of the same amount cancel
	code = optimized(t, func(b *Builder) {
		b.AddRegImm(RAX, 5)
		b.SubRegImm(RAX, 5)
		b.Ret()
	})
	if !bytes.Equal(code, []byte{0xC3}) {
		t.Fatalf("cancelling pair: % x", code)
	}

	// a negative net folds to sub
	code = optimized(t, func(b *Builder) {
		b.AddRegImm(RAX, 5)
		b.SubRegImm(RAX, 8)
		b.Ret()
	})
	want = []byte{0x48, 0x81, 0xE8, 3, 0, 0, 0, 0xC3}
	if !bytes.Equal(code, want) {
		t.Fatalf("code = % x, want sub rax, 3", code)
	}
}

func TestRemoveAddZero(t *testing.T) {
	code := optimized(t, func(b *Builder) {
		b.AddRegImm(RAX, 0)
		b.Ret()
	})
	if !bytes.Equal(code, []byte{0xC3}) {
		t.Fatalf("code = % x", code)
	}
}

func TestDeadImmLoadRemoved(t *testing.T) {
	code := optimized(t, func(b *Builder) {
		b.MovRegImm(RAX, 1)
		b.MovRegImm(RAX, 2)
		b.Ret()
	})
	want := []byte{0x48, 0xB8, 2, 0, 0, 0, 0, 0, 0, 0, 0xC3}
	if !bytes.Equal(code, want) {
		t.Fatalf("code = % x, want only the second load", code)
	}
}

func TestPropagateImmCopy(t *testing.T) {
	code := optimized(t, func(b *Builder) {
		b.MovRegImm(RAX, 7)
		b.MovRegReg(RCX, RAX)
		b.Ret()
	})
	want := []byte{
		0x48, 0xB8, 7, 0, 0, 0, 0, 0, 0, 0,
		0x48, 0xB9, 7, 0, 0, 0, 0, 0, 0, 0,
		0xC3,
	}
	if !bytes.Equal(code, want) {
		t.Fatalf("code = % x, want both as immediate loads", code)
	}
}

func TestForwardStoreToLoad(t *testing.T) {
	m := Mem{Base: RBP, HasBase: true, Disp: -16}
	code := optimized(t, func(b *Builder) {
		b.MovMemReg(m, RAX)
		b.MovRegMem(RCX, m)
		b.Ret()
	})
	// store stays; the load becomes mov rcx, rax
	want := []byte{0x48, 0x89, 0x45, 0xF0, 0x48, 0x89, 0xC1, 0xC3}
	if !bytes.Equal(code, want) {
		t.Fatalf("code = % x, want % x", code, want)
	}

	// loading back into the same register drops the load entirely
	code = optimized(t, func(b *Builder) {
		b.MovMemReg(m, RAX)
		b.MovRegMem(RAX, m)
		b.Ret()
	})
	want = []byte{0x48, 0x89, 0x45, 0xF0, 0xC3}
	if !bytes.Equal(code, want) {
		t.Fatalf("code = % x, want % x", code, want)
	}
}

func TestRemoveStoreBack(t *testing.T) {
	m := Mem{Base: RCX, HasBase: true, Disp: 8}
	code := optimized(t, func(b *Builder) {
		b.MovRegMem(RAX, m)
		b.MovMemReg(m, RAX)
		b.Ret()
	})
	want := []byte{0x48, 0x8B, 0x41, 0x08, 0xC3}
	if !bytes.Equal(code, want) {
		t.Fatalf("code = % x, want load only", code)
	}
}

func TestFuseLeaDeref(t *testing.T) {
	m := Mem{Base: RCX, HasBase: true, Disp: 32}
	code := optimized(t, func(b *Builder) {
		b.Lea(RAX, m)
		b.MovRegMem(RAX, Mem{Base: RAX, HasBase: true})
		b.Ret()
	})
	want := []byte{0x48, 0x8B, 0x41, 0x20, 0xC3}
	if !bytes.Equal(code, want) {
		t.Fatalf("code = % x, want fused load", code)
	}
}

func TestStoreImmDirect(t *testing.T) {
	m := Mem{Base: RCX, HasBase: true}
	code := optimized(t, func(b *Builder) {
		b.MovRegImm(RAX, 9)
		b.MovMemReg(m, RAX)
		b.Ret()
	})
	want := []byte{
		0x48, 0xB8, 9, 0, 0, 0, 0, 0, 0, 0, // register load kept
		0x48, 0xC7, 0x01, 9, 0, 0, 0, // direct immediate store
		0xC3,
	}
	if !bytes.Equal(code, want) {
		t.Fatalf("code = % x, want % x", code, want)
	}
}

func TestSimplifyLeaBase(t *testing.T) {
	code := optimized(t, func(b *Builder) {
		b.Lea(RAX, Mem{Base: RCX, HasBase: true})
		b.Ret()
	})
	want := []byte{0x48, 0x89, 0xC8, 0xC3}
	if !bytes.Equal(code, want) {
		t.Fatalf("code = % x, want mov rax, rcx", code)
	}
}

func TestFoldLeaScale(t *testing.T) {
	code := optimized(t, func(b *Builder) {
		b.Lea(RAX, Mem{Base: RCX, HasBase: true, Index: RCX, HasIndex: true, Scale: 1, Disp: 0x1000})
		b.Ret()
	})
	// same length, but [rcx*2+0x1000] reads one register
	want := []byte{0x48, 0x8D, 0x04, 0x4D, 0x00, 0x10, 0x00, 0x00, 0xC3}
	if !bytes.Equal(code, want) {
		t.Fatalf("code = % x, want % x", code, want)
	}
}

func TestJumpThreading(t *testing.T) {
	code := optimized(t, func(b *Builder) {
		b.Jmp("a")
		b.MovRegImm(RAX, 1)
		b.Label("a")
		b.Jmp("b")
		b.MovRegImm(RAX, 2)
		b.Label("b")
		b.Ret()
	})
	// the first jump retargets straight to b
	rel := int32(code[1]) | int32(code[2])<<8 | int32(code[3])<<16 | int32(code[4])<<24
	target := 5 + int(rel)
	if code[0] != 0xE9 || code[target] != 0xC3 {
		t.Fatalf("first jump should land on ret: % x (target %d)", code, target)
	}
}

func TestRemoveJumpToNext(t *testing.T) {
	code := optimized(t, func(b *Builder) {
		b.Jmp("next")
		b.Label("next")
		b.Ret()
	})
	if !bytes.Equal(code, []byte{0xC3}) {
		t.Fatalf("code = % x, want bare ret", code)
	}
}

func TestInvertConditionOverJump(t *testing.T) {
	code := optimized(t, func(b *Builder) {
		b.CmpRegImm(RAX, 0)
		b.Jcc(CondE, "skip")
		b.Jmp("other")
		b.Label("skip")
		b.Ret()
		b.Label("other")
		b.IncReg(RAX)
		b.Ret()
	})
	// jne other replaces the je/jmp pair
	want := []byte{0x48, 0x83, 0xF8, 0x00, 0x0F, 0x85}
	if !bytes.Equal(code[:6], want) {
		t.Fatalf("code = % x, want cmp then jne", code)
	}
	rel := int32(code[6]) | int32(code[7])<<8 | int32(code[8])<<16 | int32(code[9])<<24
	target := 10 + int(rel)
	if code[target] != 0x48 || code[target+1] != 0xFF {
		t.Fatalf("jne should land on inc rax: % x (target %d)", code, target)
	}
}

func TestPatternsDoNotCrossLabels(t *testing.T) {
	code := optimized(t, func(b *Builder) {
		b.PushReg(RAX)
		b.Label("entry")
		b.PopReg(RAX)
		b.Ret()
	})
	// push and pop stay because control may enter at the label
	want := []byte{0x50, 0x58, 0xC3}
	if !bytes.Equal(code, want) {
		t.Fatalf("code = % x, want push/pop preserved", code)
	}
}
