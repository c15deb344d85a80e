package disasm_test

import (
	"strings"
	"testing"

	"github.com/MYJ-GOD/M-Language-Core/disasm"
	"github.com/MYJ-GOD/M-Language-Core/leb128"
	"github.com/MYJ-GOD/M-Language-Core/opcode"
)

func op(buf []byte, o opcode.Op) []byte { return leb128.PutUvarint32(buf, uint32(o)) }
func lit(buf []byte, v int64) []byte {
	buf = op(buf, opcode.LIT)
	return leb128.PutSignedVarint64(buf, v)
}

func TestDisassembleArithmetic(t *testing.T) {
	var code []byte
	code = lit(code, 5)
	code = lit(code, 3)
	code = op(code, opcode.ADD)
	code = op(code, opcode.HALT)

	l, err := disasm.Disassemble(code)
	if err != nil {
		t.Fatalf("Disassemble() error = %v", err)
	}
	if len(l.Instrs) != 4 {
		t.Fatalf("len(Instrs) = %d, want 4", len(l.Instrs))
	}
	if l.Instrs[2].Op != opcode.ADD {
		t.Fatalf("Instrs[2].Op = %v, want ADD", l.Instrs[2].Op)
	}

	out := l.String()
	if !strings.Contains(out, "ADD") || !strings.Contains(out, "HALT") {
		t.Fatalf("listing missing expected mnemonics:\n%s", out)
	}
}

func TestDisassembleLabelsJumpTargets(t *testing.T) {
	var code []byte
	code = lit(code, 1)
	jzAt := len(code)
	code = op(code, opcode.JZ)
	code = leb128.PutSignedVarint32(code, 0) // placeholder, patched below
	code = op(code, opcode.LIT)              // token 2: literal body (unused value)
	code = leb128.PutSignedVarint64(code, 0)
	code = op(code, opcode.HALT) // token 3: jump target

	// JZ at token 1 should target token 3: offset = target - (self+1) = 3 - 2 = 1.
	code[jzAt+1] = byte(leb128.Zigzag32(1))

	l, err := disasm.Disassemble(code)
	if err != nil {
		t.Fatalf("Disassemble() error = %v", err)
	}
	if l.Instrs[1].Target != 3 {
		t.Fatalf("JZ target = %d, want 3", l.Instrs[1].Target)
	}
	if _, ok := l.Labels[3]; !ok {
		t.Fatalf("expected a label at token 3")
	}

	out := l.String()
	if !strings.Contains(out, "L3") {
		t.Fatalf("listing does not reference label L3:\n%s", out)
	}
}

func TestDisassembleTruncatedVarintFails(t *testing.T) {
	code := []byte{byte(opcode.LIT), 0x80}
	if _, err := disasm.Disassemble(code); err == nil {
		t.Fatalf("expected error for truncated varint")
	}
}

func TestDisassembleUnknownOpcodeFails(t *testing.T) {
	code := []byte{0xfa, 0x01} // 250 as a varint: not a known opcode
	if _, err := disasm.Disassemble(code); err == nil {
		t.Fatalf("expected error for unknown opcode")
	}
}
