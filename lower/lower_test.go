package lower

import (
	"testing"

	"github.com/MYJ-GOD/M-Language-Core/leb128"
	"github.com/MYJ-GOD/M-Language-Core/opcode"
	"github.com/MYJ-GOD/M-Language-Core/token"
)

func op(buf []byte, o opcode.Op) []byte { return leb128.PutUvarint32(buf, uint32(o)) }
func idxOp(buf []byte, o opcode.Op, idx uint32) []byte {
	buf = op(buf, o)
	return leb128.PutUvarint32(buf, idx)
}
func lit(buf []byte, v int64) []byte {
	buf = op(buf, opcode.LIT)
	return leb128.PutSignedVarint64(buf, v)
}

func TestLowerNoOpWithoutLoops(t *testing.T) {
	var code []byte
	code = lit(code, 1)
	code = op(code, opcode.HALT)

	out, err := Lower(code)
	if err != nil {
		t.Fatalf("Lower: %v", err)
	}
	if string(out) != string(code) {
		t.Fatalf("Lower changed a loop-free buffer")
	}
}

// Builds a while-loop summing i=5 downto 1 into sum, mirroring scenario
// S4's intent ("sum i=5..1 via JZ/JMP"):
//
//	LET 0, 5; LET 1, 0
//	while (V0 > 0) { V1 = V1+V0; V0 = V0-1 }
//	HALT
func buildWhileSum() []byte {
	var c []byte
	c = lit(c, 5)
	c = idxOp(c, opcode.LET, 0)
	c = lit(c, 0)
	c = idxOp(c, opcode.LET, 1)

	c = idxOp(c, opcode.V, 0) // cond start
	c = lit(c, 0)
	c = op(c, opcode.GT) // cond end

	c = op(c, opcode.WH)
	c = op(c, opcode.B)
	c = idxOp(c, opcode.V, 1)
	c = idxOp(c, opcode.V, 0)
	c = op(c, opcode.ADD)
	c = idxOp(c, opcode.LET, 1)
	c = idxOp(c, opcode.V, 0)
	c = lit(c, 1)
	c = op(c, opcode.SUB)
	c = idxOp(c, opcode.LET, 0)
	c = op(c, opcode.E)

	c = op(c, opcode.HALT)
	return c
}

func TestLowerWhileLoop(t *testing.T) {
	code := buildWhileSum()
	out, err := Lower(code)
	if err != nil {
		t.Fatalf("Lower: %v", err)
	}

	m, err := token.Build(out)
	if err != nil {
		t.Fatalf("token.Build(lowered): %v", err)
	}

	for _, in := range m.Instrs {
		if in.Op == opcode.WH || in.Op == opcode.FR || in.Op == opcode.B || in.Op == opcode.E {
			t.Fatalf("lowered stream still contains structural opcode %v", in.Op)
		}
	}

	var jzIdx = -1
	var jmpIdx = -1
	for i, in := range m.Instrs {
		switch in.Op {
		case opcode.JZ:
			jzIdx = i
		case opcode.JMP:
			jmpIdx = i
		}
	}
	if jzIdx < 0 || jmpIdx < 0 {
		t.Fatalf("lowered stream missing JZ/JMP: %+v", m.Instrs)
	}
	if m.Instrs[len(m.Instrs)-1].Op != opcode.HALT {
		t.Fatalf("lowered stream should end in HALT, got %v", m.Instrs[len(m.Instrs)-1].Op)
	}

	jzTarget := token.TargetToken(jzIdx, m.Instrs[jzIdx].JumpOff)
	if jzTarget != len(m.Instrs)-1 {
		t.Fatalf("JZ target = %d, want %d (the HALT after the loop)", jzTarget, len(m.Instrs)-1)
	}

	jmpTarget := token.TargetToken(jmpIdx, m.Instrs[jmpIdx].JumpOff)
	condStartOp := m.Instrs[jmpTarget].Op
	if condStartOp != opcode.V {
		t.Fatalf("JMP target token is %v, want V (loop condition restart)", condStartOp)
	}
}
