package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/MYJ-GOD/M-Language-Core/leb128"
	"github.com/MYJ-GOD/M-Language-Core/opcode"
)

func op(buf []byte, o opcode.Op) []byte { return leb128.PutUvarint32(buf, uint32(o)) }
func lit(buf []byte, v int64) []byte {
	buf = op(buf, opcode.LIT)
	return leb128.PutSignedVarint64(buf, v)
}

func program() []byte {
	var code []byte
	code = lit(code, 5)
	code = lit(code, 3)
	code = op(code, opcode.ADD)
	code = op(code, opcode.HALT)
	return code
}

func TestRunReportsHaltAndStack(t *testing.T) {
	out := new(bytes.Buffer)
	run(out, program(), 0, 0, false)

	got := out.String()
	if !strings.Contains(got, "halted: NONE") {
		t.Fatalf("output missing clean halt:\n%s", got)
	}
	if !strings.Contains(got, "stack[0]") {
		t.Fatalf("output missing final stack dump:\n%s", got)
	}
}

func TestRunValidateReportsValid(t *testing.T) {
	out := new(bytes.Buffer)
	if !runValidate(out, program()) {
		t.Fatalf("runValidate() = false, want true for a well-formed program")
	}
	if !strings.Contains(out.String(), "valid") {
		t.Fatalf("output missing validity confirmation:\n%s", out.String())
	}
}

func TestRunValidateReportsInvalid(t *testing.T) {
	out := new(bytes.Buffer)
	bad := []byte{0xfa, 0x01} // 250 as a varint: not a known opcode
	if runValidate(out, bad) {
		t.Fatalf("runValidate() = true, want false for an unknown opcode")
	}
	if !strings.Contains(out.String(), "invalid") {
		t.Fatalf("output missing invalidity report:\n%s", out.String())
	}
}

func TestRunDisasmPrintsMnemonics(t *testing.T) {
	out := new(bytes.Buffer)
	runDisasm(out, program())

	got := out.String()
	if !strings.Contains(got, "ADD") || !strings.Contains(got, "HALT") {
		t.Fatalf("disassembly missing expected mnemonics:\n%s", got)
	}
}
