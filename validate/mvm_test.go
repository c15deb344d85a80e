package validate

import (
	"testing"

	"github.com/MYJ-GOD/M-Language-Core/fault"
	"github.com/MYJ-GOD/M-Language-Core/leb128"
	"github.com/MYJ-GOD/M-Language-Core/opcode"
)

func vop(buf []byte, o opcode.Op) []byte { return leb128.PutUvarint32(buf, uint32(o)) }
func vidx(buf []byte, o opcode.Op, idx uint32) []byte {
	buf = vop(buf, o)
	return leb128.PutUvarint32(buf, idx)
}
func vlit(buf []byte, v int64) []byte {
	buf = vop(buf, opcode.LIT)
	return leb128.PutSignedVarint64(buf, v)
}

func TestValidateSimpleArithmeticIsValid(t *testing.T) {
	var code []byte
	code = vlit(code, 5)
	code = vlit(code, 3)
	code = vop(code, opcode.ADD)
	code = vop(code, opcode.HALT)

	r := Validate(code)
	if !r.Valid {
		t.Fatalf("Validate() = %+v, want valid", r)
	}
}

func TestValidateTruncatedVarintFails(t *testing.T) {
	code := []byte{byte(opcode.LIT), 0x80} // truncated varint operand
	r := Validate(code)
	if r.Valid {
		t.Fatalf("expected invalid result for truncated varint")
	}
	if r.Fault != fault.BadEncoding {
		t.Fatalf("fault = %v, want BadEncoding", r.Fault)
	}
}

func TestValidateUnknownOpcodeFails(t *testing.T) {
	code := []byte{0xfa, 0x01} // 250 as a varint: not a known opcode
	r := Validate(code)
	if r.Valid || r.Fault != fault.UnknownOpcode {
		t.Fatalf("Validate() = %+v, want UnknownOpcode", r)
	}
}

func TestValidateUnreachableTokenFails(t *testing.T) {
	var code []byte
	code = vop(code, opcode.HALT)
	code = vlit(code, 1) // never reached: falls after a terminal HALT

	r := Validate(code)
	if r.Valid {
		t.Fatalf("expected invalid result for unreachable tail")
	}
}

func TestValidateIndexOutOfBoundsFails(t *testing.T) {
	var code []byte
	code = vidx(code, opcode.V, 999)
	code = vop(code, opcode.HALT)

	r := Validate(code)
	if r.Valid || r.Fault != fault.LocalsOob {
		t.Fatalf("Validate() = %+v, want LocalsOob", r)
	}
}

func TestValidateIOWithoutGrantFails(t *testing.T) {
	var code []byte
	code = vlit(code, 1)
	code = vidx(code, opcode.IOW, 2)
	code = vop(code, opcode.HALT)

	r := Validate(code)
	if r.Valid || r.Fault != fault.Unauthorized {
		t.Fatalf("Validate() = %+v, want Unauthorized", r)
	}
}

func TestValidateIOWithGrantIsValid(t *testing.T) {
	var code []byte
	code = vidx(code, opcode.GTWAY, 2)
	code = vlit(code, 1)
	code = vidx(code, opcode.IOW, 2)
	code = vop(code, opcode.HALT)

	r := Validate(code)
	if !r.Valid {
		t.Fatalf("Validate() = %+v, want valid", r)
	}
}

func TestValidateCoreOnlyRejectsExtensionOpcodes(t *testing.T) {
	var code []byte
	code = vop(code, opcode.GC)
	code = vop(code, opcode.HALT)

	if r := ValidateCoreOnly(code); r.Valid {
		t.Fatalf("ValidateCoreOnly should reject opcode >= 100")
	}
	if r := Validate(code); !r.Valid {
		t.Fatalf("Validate (non-core) should accept GC")
	}
}

func TestValidateIfBranchHeightMismatchFails(t *testing.T) {
	var code []byte
	code = vlit(code, 1)
	code = vop(code, opcode.IF)
	code = vop(code, opcode.B)
	code = vlit(code, 1) // then-branch leaves an extra value
	code = vop(code, opcode.E)
	code = vop(code, opcode.B)
	code = vop(code, opcode.E) // else-branch leaves nothing
	code = vop(code, opcode.HALT)

	r := Validate(code)
	if r.Valid {
		t.Fatalf("expected invalid result for mismatched if/else stack heights")
	}
}
