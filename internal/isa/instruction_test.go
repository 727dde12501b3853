package isa

import (
	"bytes"
	"testing"
)

func TestEncodedSizes(t *testing.T) {
	tests := []struct {
		op   Opcode
		want int
	}{
		{OpNop, 1},
		{OpHlt, 1},
		{OpRet, 1},
		{OpPush, 2},
		{OpInc, 2},
		{OpSyscall, 2},
		{OpMov, 3},
		{OpAdd, 3},
		{OpCmp, 3},
		{OpJmp, 5},
		{OpJne, 5},
		{OpCall, 5},
	}
	for _, tt := range tests {
		if got := tt.op.EncodedSize(); got != tt.want {
			t.Fatalf("%s: size = %d, want %d", tt.op, got, tt.want)
		}
	}
}

func TestEncodeMatchesSizeTable(t *testing.T) {
	labels := map[string]uint32{"l": 0}
	insts := []Instruction{
		{Op: OpNop},
		{Op: OpMov, A: Reg(R0), B: Imm(5)},
		{Op: OpPush, A: Reg(R2)},
		{Op: OpSyscall, A: Imm(1)},
		{Op: OpJmp, A: LabelRef("l")},
	}
	for _, inst := range insts {
		code, err := inst.Encode(labels)
		if err != nil {
			t.Fatalf("encode %s: %v", inst, err)
		}
		if len(code) != inst.Op.EncodedSize() {
			t.Fatalf("%s: encoded %d bytes, size table says %d",
				inst, len(code), inst.Op.EncodedSize())
		}
	}
}

func TestEncodeBinary(t *testing.T) {
	code, err := Instruction{Op: OpAdd, A: Reg(R0), B: Reg(R1)}.Encode(nil)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(code, []byte{0x10, 0, 1}) {
		t.Fatalf("got % x, want 10 00 01", code)
	}
}

func TestEncodeJumpTarget(t *testing.T) {
	code, err := Instruction{Op: OpJne, A: LabelRef("loop")}.Encode(map[string]uint32{"loop": 0x1234})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(code, []byte{0x42, 0x34, 0x12, 0, 0}) {
		t.Fatalf("got % x", code)
	}
}

func TestEncodeUndefinedLabel(t *testing.T) {
	_, err := Instruction{Op: OpJmp, A: LabelRef("missing")}.Encode(nil)
	if err == nil {
		t.Fatal("expected error for undefined label")
	}
}

func TestEncodeImmediateRange(t *testing.T) {
	_, err := Instruction{Op: OpMov, A: Reg(R0), B: Imm(300)}.Encode(nil)
	if err == nil {
		t.Fatal("expected error for oversized immediate")
	}
	code, err := Instruction{Op: OpMov, A: Reg(R0), B: Imm(-1)}.Encode(nil)
	if err != nil {
		t.Fatal(err)
	}
	if code[2] != 0xFF {
		t.Fatalf("got %#x, want 0xff", code[2])
	}
}

func TestPCAliasesR3(t *testing.T) {
	r, ok := RegisterByName("pc")
	if !ok || r != R3 {
		t.Fatalf("pc = %v, want r3", r)
	}
}

func TestOpcodeLookup(t *testing.T) {
	op, ok := OpcodeByName("shl")
	if !ok || op != OpShl {
		t.Fatalf("shl = %v, want %#02x", op, byte(OpShl))
	}
	if _, ok := OpcodeByName("frob"); ok {
		t.Fatal("frob should not resolve")
	}
}
