package jit_test

import (
	"testing"

	"github.com/MYJ-GOD/M-Language-Core/jit"
	"github.com/MYJ-GOD/M-Language-Core/opcode"
	"github.com/MYJ-GOD/M-Language-Core/token"
)

func TestScanFindsArithmeticRun(t *testing.T) {
	instrs := []token.Instr{
		{Op: opcode.LIT},
		{Op: opcode.LIT},
		{Op: opcode.ADD},
		{Op: opcode.MUL},
		{Op: opcode.IOW}, // breaks the run
		{Op: opcode.HALT},
	}
	cands := (jit.Scanner{}).Scan(instrs, 4)
	if len(cands) != 1 {
		t.Fatalf("Scan() found %d candidates, want 1", len(cands))
	}
	if cands[0].Start != 0 || cands[0].End != 4 {
		t.Fatalf("candidate = %+v, want {0 4}", cands[0])
	}
}

func TestScanDropsShortRuns(t *testing.T) {
	instrs := []token.Instr{
		{Op: opcode.LIT},
		{Op: opcode.ADD},
		{Op: opcode.IOW},
	}
	if cands := (jit.Scanner{}).Scan(instrs, 4); len(cands) != 0 {
		t.Fatalf("Scan() = %v, want no candidates below minRunLength", cands)
	}
}

func TestCanCompile(t *testing.T) {
	short := []token.Instr{{Op: opcode.LIT}, {Op: opcode.ADD}}
	if jit.CanCompile(short) {
		t.Fatalf("CanCompile() = true for a short run, want false")
	}

	long := []token.Instr{
		{Op: opcode.LIT}, {Op: opcode.LIT}, {Op: opcode.ADD},
		{Op: opcode.LIT}, {Op: opcode.MUL},
	}
	if !jit.CanCompile(long) {
		t.Fatalf("CanCompile() = false for a long pure-arithmetic run, want true")
	}
}

func TestBuildAlwaysReservedForNow(t *testing.T) {
	instrs := []token.Instr{
		{Op: opcode.LIT}, {Op: opcode.LIT}, {Op: opcode.ADD}, {Op: opcode.MUL},
	}
	cands := (jit.Scanner{}).Scan(instrs, 4)
	if len(cands) != 1 {
		t.Fatalf("setup: expected one candidate, got %d", len(cands))
	}
	code, err := (jit.Backend{}).Build(cands[0], instrs)
	if err != jit.ErrReserved {
		t.Fatalf("Build() error = %v, want ErrReserved", err)
	}
	if code != nil {
		t.Fatalf("Build() code = %v, want nil", code)
	}
}

func TestBuildRejectsEmptyRange(t *testing.T) {
	_, err := (jit.Backend{}).Build(jit.Candidate{Start: 3, End: 3}, nil)
	if err == nil {
		t.Fatalf("expected error for empty candidate range")
	}
}
