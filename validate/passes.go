package validate

import (
	"io/ioutil"
	"os"

	"github.com/MYJ-GOD/M-Language-Core/fault"
	"github.com/MYJ-GOD/M-Language-Core/leb128"
	"github.com/MYJ-GOD/M-Language-Core/opcode"
	"github.com/MYJ-GOD/M-Language-Core/token"
)

// Validate runs every pass over code in order and reports the first
// failure, or a valid Result if all six pass.
func Validate(code []byte) Result {
	return validate(code, false)
}

// ValidateCoreOnly runs the same passes, additionally rejecting any
// opcode numbered >= 100 (the jump/legacy/debug/platform extensions).
func ValidateCoreOnly(code []byte) Result {
	return validate(code, true)
}

func validate(code []byte, coreOnly bool) Result {
	if PrintDebugInfo {
		logger.SetOutput(os.Stderr)
	} else {
		logger.SetOutput(ioutil.Discard)
	}

	pc, err := scanOpcodesAndVarints(code, coreOnly)
	if err != nil {
		logger.Printf("opcode/varint pass failed at %d: %v", pc, err)
		return fail(codeOf(err), pc, err.Error())
	}

	m, err := token.Build(code)
	if err != nil {
		return fail(codeOf(err), 0, err.Error())
	}

	if pc, err := checkBlockBalance(m); err != nil {
		return fail(fault.BadArg, pc, err.Error())
	}
	if pc, err := checkIndexBounds(m); err != nil {
		return fail(codeOf(err), pc, err.Error())
	}
	if r := checkStructured(m); !r.Valid {
		return r
	}
	if pc, err := checkReachability(m); err != nil {
		return fail(fault.BadArg, pc, err.Error())
	}
	return ok
}

func codeOf(err error) fault.Code {
	if c, ok := err.(fault.Code); ok {
		return c
	}
	if c, ok := err.(interface{ Code() fault.Code }); ok {
		return c.Code()
	}
	return fault.BadArg
}

// scanOpcodesAndVarints duplicates token.Build's decode loop (pass 1 +
// pass 2) so the validator can report the exact byte offset of a
// malformed opcode or truncated operand, which token.Build's error
// values alone do not carry.
func scanOpcodesAndVarints(code []byte, coreOnly bool) (int, error) {
	pc := 0
	for pc < len(code) {
		start := pc
		opVal, err := leb128.Uvarint32(code, &pc)
		if err != nil {
			return start, err
		}
		if opVal > 255 {
			return start, fault.BadEncoding
		}
		op := opcode.Canonical(opcode.Op(opVal))
		if !opcode.Known(op) {
			return start, fault.UnknownOpcode
		}
		if coreOnly && !opcode.IsCoreOnly(op) {
			return start, fault.BadArg
		}
		switch opcode.OperandShape(op) {
		case opcode.ShapeLit:
			if _, err := leb128.SignedVarint64(code, &pc); err != nil {
				return start, err
			}
		case opcode.ShapeIndex, opcode.ShapeArity:
			if _, err := leb128.Uvarint32(code, &pc); err != nil {
				return start, err
			}
		case opcode.ShapeCall:
			if _, err := leb128.Uvarint32(code, &pc); err != nil {
				return start, err
			}
			if _, err := leb128.Uvarint32(code, &pc); err != nil {
				return start, err
			}
		case opcode.ShapeJump:
			if _, err := leb128.SignedVarint32(code, &pc); err != nil {
				return start, err
			}
		}
	}
	return -1, nil
}

// checkBlockBalance verifies every B/E pair is balanced and the running
// depth never goes negative.
func checkBlockBalance(m *token.Map) (int, error) {
	depth := 0
	for i, in := range m.Instrs {
		switch in.Op {
		case opcode.B:
			depth++
		case opcode.E:
			depth--
			if depth < 0 {
				return i, unmatchedBlockError{TokenIndex: i}
			}
		}
	}
	if depth != 0 {
		return len(m.Instrs) - 1, unmatchedBlockError{TokenIndex: len(m.Instrs) - 1}
	}
	return -1, nil
}

// checkIndexBounds verifies V/LET index < LOCALS_SIZE and SET index <
// GLOBALS_SIZE.
func checkIndexBounds(m *token.Map) (int, error) {
	const localsSize = 64
	const globalsSize = 128
	for i, in := range m.Instrs {
		switch in.Op {
		case opcode.V, opcode.LET:
			if in.Index32 >= localsSize {
				return i, fault.LocalsOob
			}
		case opcode.SET:
			if in.Index32 >= globalsSize {
				return i, fault.GlobalsOob
			}
		}
	}
	return -1, nil
}

// checkReachability runs a BFS over the control-flow graph from token 0.
// HALT and RT are terminal; JMP has one successor; JZ/JNZ have two;
// every other opcode falls through to the next token. Any token the BFS
// never visits is unreachable.
func checkReachability(m *token.Map) (int, error) {
	n := len(m.Instrs)
	if n == 0 {
		return -1, nil
	}
	visited := make([]bool, n)
	queue := []int{0}
	visited[0] = true
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		in := m.Instrs[i]
		for _, succ := range successors(m, i, in) {
			if succ >= 0 && succ < n && !visited[succ] {
				visited[succ] = true
				queue = append(queue, succ)
			}
		}
	}
	for i, v := range visited {
		if !v {
			return i, unreachableTokenError{TokenIndex: i}
		}
	}
	return -1, nil
}

func successors(m *token.Map, i int, in token.Instr) []int {
	switch in.Op {
	case opcode.HALT, opcode.RT:
		return nil
	case opcode.JMP:
		return []int{token.TargetToken(i, in.JumpOff)}
	case opcode.JZ, opcode.JNZ, opcode.DWHL, opcode.WHIL:
		return []int{i + 1, token.TargetToken(i, in.JumpOff)}
	default:
		if i+1 < len(m.Instrs) {
			return []int{i + 1}
		}
		return nil
	}
}
