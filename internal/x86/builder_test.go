package x86

import (
	"bytes"
	"testing"
)

func finalize(t *testing.T, build func(b *Builder)) []byte {
	t.Helper()
	b := NewBuilder()
	build(b)
	code, err := b.Finalize()
	if err != nil {
		t.Fatal(err)
	}
	return code
}

func TestMovEncodings(t *testing.T) {
	tests := []struct {
		name  string
		build func(b *Builder)
		want  []byte
	}{
		{"mov rcx, rax", func(b *Builder) { b.MovRegReg(RCX, RAX) }, []byte{0x48, 0x89, 0xC1}},
		{"mov r8, rax", func(b *Builder) { b.MovRegReg(R8, RAX) }, []byte{0x49, 0x89, 0xC0}},
		{"mov rax, r9", func(b *Builder) { b.MovRegReg(RAX, R9) }, []byte{0x4C, 0x89, 0xC8}},
		{"mov rax, imm", func(b *Builder) { b.MovRegImm(RAX, 0x12345678) },
			[]byte{0x48, 0xB8, 0x78, 0x56, 0x34, 0x12, 0, 0, 0, 0}},
		{"mov r10, imm", func(b *Builder) { b.MovRegImm(R10, 1) },
			[]byte{0x49, 0xBA, 1, 0, 0, 0, 0, 0, 0, 0}},
	}
	for _, tt := range tests {
		if got := finalize(t, tt.build); !bytes.Equal(got, tt.want) {
			t.Fatalf("%s: got % x, want % x", tt.name, got, tt.want)
		}
	}
}

func TestMemoryEncodings(t *testing.T) {
	tests := []struct {
		name  string
		build func(b *Builder)
		want  []byte
	}{
		{"[rcx]", func(b *Builder) { b.MovRegMem(RAX, Mem{Base: RCX, HasBase: true}) },
			[]byte{0x48, 0x8B, 0x01}},
		{"[rsp] needs sib", func(b *Builder) { b.MovRegMem(RAX, Mem{Base: RSP, HasBase: true}) },
			[]byte{0x48, 0x8B, 0x04, 0x24}},
		{"[rbp] needs disp8", func(b *Builder) { b.MovRegMem(RAX, Mem{Base: RBP, HasBase: true}) },
			[]byte{0x48, 0x8B, 0x45, 0x00}},
		{"[r12] needs sib", func(b *Builder) { b.MovRegMem(RAX, Mem{Base: R12, HasBase: true}) },
			[]byte{0x49, 0x8B, 0x04, 0x24}},
		{"[r13] needs disp8", func(b *Builder) { b.MovRegMem(RAX, Mem{Base: R13, HasBase: true}) },
			[]byte{0x49, 0x8B, 0x45, 0x00}},
		{"[rcx+8]", func(b *Builder) { b.MovRegMem(RAX, Mem{Base: RCX, HasBase: true, Disp: 8}) },
			[]byte{0x48, 0x8B, 0x41, 0x08}},
		{"[rcx+0x1000]", func(b *Builder) { b.MovRegMem(RAX, Mem{Base: RCX, HasBase: true, Disp: 0x1000}) },
			[]byte{0x48, 0x8B, 0x81, 0x00, 0x10, 0x00, 0x00}},
		{"[rcx+rdx*4+8]", func(b *Builder) {
			b.MovRegMem(RAX, Mem{Base: RCX, HasBase: true, Index: RDX, HasIndex: true, Scale: 4, Disp: 8})
		}, []byte{0x48, 0x8B, 0x44, 0x91, 0x08}},
		{"[rcx+r9*2]", func(b *Builder) {
			b.MovRegMem(RAX, Mem{Base: RCX, HasBase: true, Index: R9, HasIndex: true, Scale: 2})
		}, []byte{0x4A, 0x8B, 0x04, 0x49}},
		{"[rdx*8] no base", func(b *Builder) {
			b.MovRegMem(RAX, Mem{Index: RDX, HasIndex: true, Scale: 8})
		}, []byte{0x48, 0x8B, 0x04, 0xD5, 0, 0, 0, 0}},
		{"[0x40] absolute", func(b *Builder) { b.MovRegMem(RAX, Mem{Disp: 0x40}) },
			[]byte{0x48, 0x8B, 0x04, 0x25, 0x40, 0, 0, 0}},
		{"store [rcx], rax", func(b *Builder) { b.MovMemReg(Mem{Base: RCX, HasBase: true}, RAX) },
			[]byte{0x48, 0x89, 0x01}},
		{"lea rax, [rcx+1]", func(b *Builder) { b.Lea(RAX, Mem{Base: RCX, HasBase: true, Disp: 1}) },
			[]byte{0x48, 0x8D, 0x41, 0x01}},
	}
	for _, tt := range tests {
		if got := finalize(t, tt.build); !bytes.Equal(got, tt.want) {
			t.Fatalf("%s: got % x, want % x", tt.name, got, tt.want)
		}
	}
}

func TestRSPIndexRejected(t *testing.T) {
	b := NewBuilder()
	b.MovRegMem(RAX, Mem{Base: RCX, HasBase: true, Index: RSP, HasIndex: true, Scale: 1})
	if _, err := b.Finalize(); err == nil {
		t.Fatal("expected error for rsp index")
	}
}

func TestALUEncodings(t *testing.T) {
	tests := []struct {
		name  string
		build func(b *Builder)
		want  []byte
	}{
		{"add rax, rcx", func(b *Builder) { b.AddRegReg(RAX, RCX) }, []byte{0x48, 0x01, 0xC8}},
		{"sub rax, rcx", func(b *Builder) { b.SubRegReg(RAX, RCX) }, []byte{0x48, 0x29, 0xC8}},
		{"xor rdx, rdx", func(b *Builder) { b.XorRegReg(RDX, RDX) }, []byte{0x48, 0x31, 0xD2}},
		{"cmp rax, rcx", func(b *Builder) { b.CmpRegReg(RAX, RCX) }, []byte{0x48, 0x39, 0xC8}},
		{"test rax, rax", func(b *Builder) { b.TestRegReg(RAX, RAX) }, []byte{0x48, 0x85, 0xC0}},
		{"add rax, 5", func(b *Builder) { b.AddRegImm(RAX, 5) },
			[]byte{0x48, 0x81, 0xC0, 5, 0, 0, 0}},
		{"sub rcx, 16", func(b *Builder) { b.SubRegImm(RCX, 16) },
			[]byte{0x48, 0x81, 0xE9, 16, 0, 0, 0}},
		{"cmp rax, 0 short", func(b *Builder) { b.CmpRegImm(RAX, 0) },
			[]byte{0x48, 0x83, 0xF8, 0}},
		{"cmp rax, 1000", func(b *Builder) { b.CmpRegImm(RAX, 1000) },
			[]byte{0x48, 0x81, 0xF8, 0xE8, 0x03, 0, 0}},
		{"mul rcx", func(b *Builder) { b.MulReg(RCX) }, []byte{0x48, 0xF7, 0xE1}},
		{"div rcx", func(b *Builder) { b.DivReg(RCX) }, []byte{0x48, 0xF7, 0xF1}},
		{"neg rax", func(b *Builder) { b.NegReg(RAX) }, []byte{0x48, 0xF7, 0xD8}},
		{"inc rax", func(b *Builder) { b.IncReg(RAX) }, []byte{0x48, 0xFF, 0xC0}},
		{"dec rcx", func(b *Builder) { b.DecReg(RCX) }, []byte{0x48, 0xFF, 0xC9}},
		{"shl rax, 3", func(b *Builder) { b.ShlRegImm(RAX, 3) }, []byte{0x48, 0xC1, 0xE0, 3}},
		{"shr rax, 3", func(b *Builder) { b.ShrRegImm(RAX, 3) }, []byte{0x48, 0xC1, 0xE8, 3}},
		{"xchg rax, rcx", func(b *Builder) { b.XchgRegReg(RAX, RCX) }, []byte{0x48, 0x87, 0xC8}},
		{"push rax", func(b *Builder) { b.PushReg(RAX) }, []byte{0x50}},
		{"push r8", func(b *Builder) { b.PushReg(R8) }, []byte{0x41, 0x50}},
		{"pop rcx", func(b *Builder) { b.PopReg(RCX) }, []byte{0x59}},
		{"ret", func(b *Builder) { b.Ret() }, []byte{0xC3}},
		{"syscall", func(b *Builder) { b.Syscall() }, []byte{0x0F, 0x05}},
	}
	for _, tt := range tests {
		if got := finalize(t, tt.build); !bytes.Equal(got, tt.want) {
			t.Fatalf("%s: got % x, want % x", tt.name, got, tt.want)
		}
	}
}

func TestForwardJumpBackpatch(t *testing.T) {
	code := finalize(t, func(b *Builder) {
		b.Jmp("end")
		b.MovRegImm(RAX, 1)
		b.Label("end")
		b.Ret()
	})
	want := []byte{0xE9, 0x0A, 0, 0, 0}
	if !bytes.Equal(code[:5], want) {
		t.Fatalf("jump = % x, want % x", code[:5], want)
	}
	if code[len(code)-1] != 0xC3 {
		t.Fatalf("missing ret: % x", code)
	}
}

func TestBackwardJumpBackpatch(t *testing.T) {
	code := finalize(t, func(b *Builder) {
		b.Label("loop")
		b.DecReg(RAX)
		b.Jcc(CondNE, "loop")
		b.Ret()
	})
	// dec(3) + jcc(6): rel = 0 - 9 = -9
	want := []byte{0x48, 0xFF, 0xC8, 0x0F, 0x85, 0xF7, 0xFF, 0xFF, 0xFF, 0xC3}
	if !bytes.Equal(code, want) {
		t.Fatalf("code = % x, want % x", code, want)
	}
}

func TestUndefinedLabelFails(t *testing.T) {
	b := NewBuilder()
	b.Jmp("nowhere")
	code, err := b.Finalize()
	if err == nil {
		t.Fatal("expected error for undefined label")
	}
	if code != nil {
		t.Fatal("no code should be returned on error")
	}
}

func TestDuplicateLabelFails(t *testing.T) {
	b := NewBuilder()
	b.Label("x")
	b.Label("x")
	if _, err := b.Finalize(); err == nil {
		t.Fatal("expected error for duplicate label")
	}
}

func TestCondInvert(t *testing.T) {
	pairs := [][2]Cond{{CondE, CondNE}, {CondL, CondGE}, {CondLE, CondG}}
	for _, p := range pairs {
		if p[0].Invert() != p[1] || p[1].Invert() != p[0] {
			t.Fatalf("%#x and %#x should invert to each other", byte(p[0]), byte(p[1]))
		}
	}
}

func TestEncodedLenMatchesEncode(t *testing.T) {
	b := NewBuilder()
	b.Label("start")
	b.MovRegImm(RAX, 42)
	b.MovRegMem(RCX, Mem{Base: RAX, HasBase: true, Disp: 0x100})
	b.AddRegImm(RCX, 7)
	b.CmpRegImm(RCX, 0)
	b.Jcc(CondE, "start")
	b.Ret()
	for i := range b.insts {
		inst := &b.insts[i]
		got := len(inst.Encode(nil))
		if got != inst.EncodedLen() {
			t.Fatalf("%s: Encode produced %d bytes, EncodedLen says %d", inst, got, inst.EncodedLen())
		}
	}
}
