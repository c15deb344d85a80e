package validate

import (
	"github.com/MYJ-GOD/M-Language-Core/capset"
	"github.com/MYJ-GOD/M-Language-Core/fault"
	"github.com/MYJ-GOD/M-Language-Core/opcode"
	"github.com/MYJ-GOD/M-Language-Core/token"
)

// checkStructured is the range-recursive pass: it walks the decoded
// token stream once, tracking an abstract stack height and a
// statically-guaranteed capability set, recursing into IF/WH/FR bodies.
// It requires IF's two branches to leave the same height (the merged
// capability set is their intersection) and a WH/FR body to be net-zero
// on the stack, and faults IOW/IOR when the capability isn't guaranteed
// on every incoming path.
func checkStructured(m *token.Map) Result {
	_, _, r := walkRange(m, 0, len(m.Instrs), 0, capset.Set{})
	return r
}

func walkRange(m *token.Map, lo, hi, startHeight int, caps capset.Set) (int, capset.Set, Result) {
	h := startHeight
	c := caps
	i := lo
	for i < hi {
		in := m.Instrs[i]
		switch in.Op {
		case opcode.IF:
			var r Result
			h, c, i, r = checkIf(m, i, h, c)
			if !r.Valid {
				return h, c, r
			}
		case opcode.WH, opcode.FR:
			var r Result
			h, c, i, r = checkLoop(m, i, h, c)
			if !r.Valid {
				return h, c, r
			}
		case opcode.JMP:
			target := token.TargetToken(i, in.JumpOff)
			if target < 0 || target >= len(m.Instrs) {
				return h, c, fail(fault.PcOob, i, "jump target out of range")
			}
			i++
		case opcode.JZ, opcode.JNZ, opcode.DWHL, opcode.WHIL:
			target := token.TargetToken(i, in.JumpOff)
			if target < 0 || target >= len(m.Instrs) {
				return h, c, fail(fault.PcOob, i, "jump target out of range")
			}
			h--
			if h < 0 {
				return h, c, fail(fault.StackUnderflow, i, "conditional jump pops an empty stack")
			}
			i++
		case opcode.GTWAY:
			if in.Index32 > 255 {
				return h, c, fail(fault.BadArg, i, "capability id > 255")
			}
			c.Grant(byte(in.Index32))
			i++
		case opcode.IOW, opcode.IOR:
			if in.Index32 > 255 {
				return h, c, fail(fault.BadArg, i, "device id > 255")
			}
			if !c.Has(byte(in.Index32)) {
				return h, c, fail(fault.Unauthorized, i, "device capability not granted on every path")
			}
			pop, push := stackDelta(m, i, in)
			h -= pop
			if h < 0 {
				return h, c, fail(fault.StackUnderflow, i, "stack underflow")
			}
			h += push
			i++
		default:
			pop, push := stackDelta(m, i, in)
			h -= pop
			if h < 0 {
				return h, c, fail(fault.StackUnderflow, i, "stack underflow")
			}
			h += push
			i++
		}
	}
	return h, c, ok
}

func checkIf(m *token.Map, i, h int, c capset.Set) (int, capset.Set, int, Result) {
	h--
	if h < 0 {
		return h, c, i, fail(fault.StackUnderflow, i, "IF pops an empty stack")
	}
	elseTok, hasElse := m.IfElseTok[i]
	ifEnd, ok2 := m.IfEndTok[i]
	if !ok2 {
		return h, c, i, fail(fault.BadArg, i, "IF missing side-table entry")
	}
	thenB := i + 1
	var thenEnd int
	if hasElse && elseTok >= 0 {
		thenEnd = elseTok - 1
	} else {
		thenEnd = ifEnd - 1
	}

	thenHeight, thenCaps, r := walkRange(m, thenB+1, thenEnd, h, c)
	if !r.Valid {
		return h, c, i, r
	}

	elseHeight, elseCaps := h, c
	if hasElse && elseTok >= 0 {
		elseEnd := ifEnd - 1
		elseHeight, elseCaps, r = walkRange(m, elseTok+1, elseEnd, h, c)
		if !r.Valid {
			return h, c, i, r
		}
	}

	if thenHeight != elseHeight {
		return h, c, i, fail(fault.TypeMismatch, i, "if/else branches leave different stack heights")
	}
	return thenHeight, capset.Intersect(thenCaps, elseCaps), ifEnd, ok
}

func checkLoop(m *token.Map, i, h int, c capset.Set) (int, capset.Set, int, Result) {
	h--
	if h < 0 {
		return h, c, i, fail(fault.StackUnderflow, i, "loop pops an empty stack")
	}
	bIdx := i + 1
	if bIdx >= len(m.Instrs) || m.Instrs[bIdx].Op != opcode.B {
		return h, c, i, fail(fault.BadArg, i, "loop missing opening block")
	}
	end, err := matchLoopBlock(m.Instrs, bIdx)
	if err != nil {
		return h, c, i, fail(fault.BadArg, i, "loop block never closes")
	}
	bodyHeight, _, r := walkRange(m, bIdx+1, end, h, c)
	if !r.Valid {
		return h, c, i, r
	}
	if bodyHeight != h {
		return h, c, i, fail(fault.TypeMismatch, i, "loop body is not net-zero on the stack")
	}
	return h, c, end + 1, ok
}

func matchLoopBlock(instrs []token.Instr, bIdx int) (int, error) {
	depth := 0
	for i := bIdx; i < len(instrs); i++ {
		switch instrs[i].Op {
		case opcode.B:
			depth++
		case opcode.E:
			depth--
			if depth == 0 {
				return i, nil
			}
		}
	}
	return 0, fault.BadArg
}

// stackDelta returns the pop/push counts for straight-line opcodes; CL's
// pop count depends on its decoded argc operand.
func stackDelta(m *token.Map, idx int, in token.Instr) (pop, push int) {
	switch in.Op {
	case opcode.LIT, opcode.V:
		return 0, 1
	case opcode.LET, opcode.SET, opcode.DRP:
		return 1, 0
	case opcode.LT, opcode.GT, opcode.LE, opcode.GE, opcode.EQ, opcode.NEQ,
		opcode.ADD, opcode.SUB, opcode.MUL, opcode.DIV, opcode.MOD,
		opcode.AND, opcode.OR, opcode.XOR, opcode.SHL, opcode.SHR:
		return 2, 1
	case opcode.NEG, opcode.NOT, opcode.LEN:
		return 1, 1
	case opcode.GET, opcode.IDX:
		return 2, 1
	case opcode.PUT, opcode.STO:
		return 3, 0
	case opcode.SWP:
		return 2, 2
	case opcode.DUP:
		return 1, 2
	case opcode.ROT:
		return 3, 3
	case opcode.NEWARR, opcode.ALLOC:
		return 1, 1
	case opcode.FREE:
		return 1, 0
	case opcode.IOW:
		return 1, 0
	case opcode.IOR:
		return 0, 1
	case opcode.CL:
		return int(in.Argc), 1
	case opcode.RT:
		return 1, 0
	default:
		return 0, 0
	}
}
