package token

import (
	"testing"

	"github.com/MYJ-GOD/M-Language-Core/leb128"
	"github.com/MYJ-GOD/M-Language-Core/opcode"
)

func appendOp(buf []byte, op opcode.Op) []byte {
	return leb128.PutUvarint32(buf, uint32(op))
}

func appendLit(buf []byte, v int64) []byte {
	buf = appendOp(buf, opcode.LIT)
	return leb128.PutSignedVarint64(buf, v)
}

// S1 from the scenario list: LIT 5, LIT 3, LIT 2, MUL, ADD, HALT
func buildS1() []byte {
	var buf []byte
	buf = appendLit(buf, 5)
	buf = appendLit(buf, 3)
	buf = appendLit(buf, 2)
	buf = appendOp(buf, opcode.MUL)
	buf = appendOp(buf, opcode.ADD)
	buf = appendOp(buf, opcode.HALT)
	return buf
}

func TestBuildS1(t *testing.T) {
	code := buildS1()
	m, err := Build(code)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if m.TokenCount() != 6 {
		t.Fatalf("token count = %d, want 6", m.TokenCount())
	}
	if m.Instrs[0].Op != opcode.LIT || m.Instrs[0].Literal != 5 {
		t.Fatalf("token 0 = %+v, want LIT 5", m.Instrs[0])
	}
	if m.Instrs[5].Op != opcode.HALT {
		t.Fatalf("token 5 = %+v, want HALT", m.Instrs[5])
	}
	for i, off := range m.TokenOffsets {
		if m.ByteToToken[off] != i {
			t.Fatalf("byte_to_token[%d] = %d, want %d", off, m.ByteToToken[off], i)
		}
	}
}

func TestBuildTruncatedFails(t *testing.T) {
	code := []byte{0x1e} // LIT opcode with a missing operand
	if _, err := Build(code); err == nil {
		t.Fatalf("expected error on truncated LIT")
	}
}

func TestBuildUnknownOpcode(t *testing.T) {
	code := []byte{0x2d} // 45 is not an assigned opcode
	if _, err := Build(code); err == nil {
		t.Fatalf("expected error on unknown opcode")
	}
}

func TestIfElseSideTable(t *testing.T) {
	var buf []byte
	buf = appendOp(buf, opcode.IF)
	buf = appendOp(buf, opcode.B)
	buf = appendLit(buf, 1)
	buf = appendOp(buf, opcode.E)
	buf = appendOp(buf, opcode.B)
	buf = appendLit(buf, 2)
	buf = appendOp(buf, opcode.E)
	buf = appendOp(buf, opcode.HALT)

	m, err := Build(buf)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	elseTok, ok := m.IfElseTok[0]
	if !ok {
		t.Fatalf("missing IfElseTok entry for token 0")
	}
	if m.Instrs[elseTok].Op != opcode.B {
		t.Fatalf("IfElseTok points at %v, want B", m.Instrs[elseTok].Op)
	}
	endTok := m.IfEndTok[0]
	if m.Instrs[endTok].Op != opcode.HALT {
		t.Fatalf("IfEndTok points at %v, want HALT", m.Instrs[endTok].Op)
	}
}

func TestTargetToken(t *testing.T) {
	if got := TargetToken(2, -3); got != 0 {
		t.Fatalf("TargetToken(2, -3) = %d, want 0", got)
	}
	if got := TargetToken(2, 1); got != 4 {
		t.Fatalf("TargetToken(2, 1) = %d, want 4", got)
	}
}
