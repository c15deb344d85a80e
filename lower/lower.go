// Package lower implements the structured-to-flat lowering pass: it
// rewrites WH/FR loops in a decoded token stream into JZ/JMP jumps with
// token-relative signed-varint offsets, the way exec/internal/compile
// rewrites WASM block/loop/if/br into flat jmp/jmpz/jmpnz opcodes in the
// teacher. Unlike the teacher's byte-absolute 8-byte patch scheme, M-VM's
// jump offsets are token-relative, so targets are resolved against the
// OUTPUT token order before any byte is ever written — no backpatch pass
// over raw bytes is needed, only a final pass to turn a resolved token
// list into bytes.
package lower

import (
	"github.com/MYJ-GOD/M-Language-Core/fault"
	"github.com/MYJ-GOD/M-Language-Core/leb128"
	"github.com/MYJ-GOD/M-Language-Core/opcode"
	"github.com/MYJ-GOD/M-Language-Core/token"
)

// outInstr is one instruction of the lowered stream before byte encoding.
type outInstr struct {
	op      opcode.Op
	literal int64
	index32 uint32
	arity   uint32
	argc    uint32

	// funcID is CL's operand: the original byte offset of the target FN,
	// carried until funcIDTok below is resolved.
	funcID uint32
	// funcIDTok is the new output token index of the CL's target FN,
	// resolved during the discovery pass; -1 if this is not a CL.
	funcIDTok int

	// target is the new output token index a jump opcode (synthetic or
	// copied) resolves to; -1 if this instruction is not a jump.
	target int
	// origTarget is set for jump opcodes copied from the input verbatim
	// (i.e. not synthesized by this pass): the ORIGINAL token index they
	// pointed at, fixed up to a new index once the whole stream is built.
	origTarget    int
	hasOrigTarget bool
}

type loopInfo struct {
	condStart int // original token index where the condition begins
	condEnd   int // original token index where the condition ends (inclusive)
	incStart  int // original token index where inc-tokens begin (== whIdx for WH)
	bodyB     int // original token index of the loop body's opening B
	bodyE     int // original token index of the loop body's closing E
}

type lowering struct {
	orig  []token.Instr
	loops map[int]loopInfo

	out []outInstr

	// origToNew maps an original token index to the index it was copied
	// to in out, for every token copied verbatim (used to fix up
	// pre-existing jump targets and CL func_id references that survive
	// the rewrite unchanged).
	origToNew map[int]int
}

// Lower rewrites WH/FR loops in code into JZ/JMP jumps and returns the
// re-encoded byte buffer. If code contains no WH/FR tokens, Lower returns
// code unchanged (a no-op), per the "no loops present" case.
func Lower(code []byte) ([]byte, error) {
	m, err := token.Build(code)
	if err != nil {
		return nil, err
	}

	hasLoop := false
	for _, in := range m.Instrs {
		if in.Op == opcode.WH || in.Op == opcode.FR {
			hasLoop = true
			break
		}
	}
	if !hasLoop {
		return code, nil
	}

	l := &lowering{
		orig:      m.Instrs,
		loops:     make(map[int]loopInfo),
		origToNew: make(map[int]int),
	}
	if err := l.discoverLoops(); err != nil {
		return nil, err
	}
	l.emitRange(0, len(l.orig))
	l.resolveOrigTargets()

	return l.encode()
}

// stackRange is the contiguous original-token-index range that produced
// an abstract stack slot's value, tracked by the stack-origin simulation
// that locates a loop's condition boundary.
type stackRange struct{ start, end int }

// effect returns the number of values op pops and pushes, for the purpose
// of the stack-origin simulation that locates a loop's condition. CL is
// handled separately by its caller since its pop count depends on its
// decoded argc operand.
func effect(op opcode.Op) (pop, push int) {
	switch op {
	case opcode.LIT, opcode.V, opcode.IOR:
		return 0, 1
	case opcode.LET, opcode.SET, opcode.IOW, opcode.DRP, opcode.FREE, opcode.RT:
		return 1, 0
	case opcode.LT, opcode.GT, opcode.LE, opcode.GE, opcode.EQ, opcode.NEQ,
		opcode.ADD, opcode.SUB, opcode.MUL, opcode.DIV, opcode.MOD,
		opcode.AND, opcode.OR, opcode.XOR, opcode.SHL, opcode.SHR:
		return 2, 1
	case opcode.NEG, opcode.NOT, opcode.LEN, opcode.ALLOC, opcode.NEWARR:
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
	case opcode.IF:
		return 1, 0
	default:
		return 0, 0
	}
}

// discoverLoops runs the stack-origin simulation once over the whole
// original token stream, recording loopInfo for every WH/FR encountered.
func (l *lowering) discoverLoops() error {
	var stack []stackRange
	pop := func(n int) stackRange {
		if n == 0 || len(stack) == 0 {
			return stackRange{}
		}
		r := stack[len(stack)-n]
		for _, s := range stack[len(stack)-n:] {
			if s.start < r.start {
				r.start = s.start
			}
		}
		stack = stack[:len(stack)-n]
		return r
	}

	for i, in := range l.orig {
		switch in.Op {
		case opcode.WH, opcode.FR:
			if len(stack) == 0 {
				return fault.BadArg
			}
			top := stack[len(stack)-1]
			bodyB := i + 1
			if bodyB >= len(l.orig) || l.orig[bodyB].Op != opcode.B {
				return fault.BadArg
			}
			bodyE, err := matchBlock(l.orig, bodyB)
			if err != nil {
				return err
			}
			l.loops[i] = loopInfo{
				condStart: top.start,
				condEnd:   top.end,
				incStart:  top.end + 1,
				bodyB:     bodyB,
				bodyE:     bodyE,
			}
			stack = stack[:len(stack)-1]
			continue
		case opcode.CL:
			r := pop(int(in.Argc))
			if in.Argc == 0 {
				r = stackRange{start: i, end: i}
			} else {
				r.end = i
			}
			stack = append(stack, r)
			continue
		}

		npop, npush := effect(in.Op)
		r := pop(npop)
		if npop == 0 {
			r = stackRange{start: i, end: i}
		} else {
			r.end = i
		}
		for j := 0; j < npush; j++ {
			stack = append(stack, r)
		}
	}
	return nil
}

func matchBlock(instrs []token.Instr, bIdx int) (int, error) {
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

// emitRange copies original tokens [lo, hi) into l.out in order,
// rewriting any WH/FR encountered into the flat JZ/body/[inc]/JMP form.
func (l *lowering) emitRange(lo, hi int) {
	i := lo
	for i < hi {
		if lp, ok := l.loops[i]; ok {
			l.emitLoop(i, lp)
			i = lp.bodyE + 1
			continue
		}
		l.copyToken(i)
		i++
	}
}

// emitLoop rewrites the loop whose WH/FR token is at idx using the
// already-buffered cond/inc tokens sitting at the tail of l.out.
func (l *lowering) emitLoop(idx int, lp loopInfo) {
	nCondAndInc := idx - lp.condStart
	condLen := lp.incStart - lp.condStart
	incLen := nCondAndInc - condLen

	condStartOut := len(l.out) - nCondAndInc

	var incBuf []outInstr
	if incLen > 0 {
		incBuf = append(incBuf, l.out[len(l.out)-incLen:]...)
		l.out = l.out[:len(l.out)-incLen]
	}

	jzIdx := len(l.out)
	l.out = append(l.out, outInstr{op: opcode.JZ, target: -1, funcIDTok: -1})

	l.emitRange(lp.bodyB+1, lp.bodyE)

	l.out = append(l.out, incBuf...)

	l.out = append(l.out, outInstr{op: opcode.JMP, target: condStartOut, funcIDTok: -1})

	l.out[jzIdx].target = len(l.out)
}

// copyToken appends original token idx to l.out verbatim, recording its
// new position and deferring resolution of any embedded token/byte
// references (jump targets, CL func_id) it carries.
func (l *lowering) copyToken(idx int) {
	in := l.orig[idx]
	l.origToNew[idx] = len(l.out)

	o := outInstr{op: in.Op, funcIDTok: -1, target: -1}
	switch in.Op {
	case opcode.LIT:
		o.literal = in.Literal
	case opcode.V, opcode.LET, opcode.SET, opcode.IOW, opcode.IOR, opcode.GTWAY, opcode.WAIT, opcode.TRACE, opcode.BP:
		o.index32 = in.Index32
	case opcode.FN:
		o.arity = in.Arity
	case opcode.CL:
		o.funcID = in.FuncID
		o.argc = in.Argc
		o.funcIDTok = -2 // resolved in resolveOrigTargets once FN offsets are known
	case opcode.JMP, opcode.JZ, opcode.JNZ, opcode.DWHL, opcode.WHIL:
		o.origTarget = token.TargetToken(idx, in.JumpOff)
		o.hasOrigTarget = true
	}
	l.out = append(l.out, o)
}

// resolveOrigTargets fixes up every copied jump's original-index target
// into its new output index, and resolves CL func_id operands from an
// original FN byte offset into the new output token holding that FN.
func (l *lowering) resolveOrigTargets() {
	origFNOffsetToOrigIdx := make(map[int]int)
	for i, in := range l.orig {
		if in.Op == opcode.FN {
			origFNOffsetToOrigIdx[in.Offset] = i
		}
	}
	for i := range l.out {
		if l.out[i].hasOrigTarget {
			if newIdx, ok := l.origToNew[l.out[i].origTarget]; ok {
				l.out[i].target = newIdx
			}
		}
		if l.out[i].funcIDTok == -2 {
			if origIdx, ok := origFNOffsetToOrigIdx[int(l.out[i].funcID)]; ok {
				if newIdx, ok := l.origToNew[origIdx]; ok {
					l.out[i].funcIDTok = newIdx
					continue
				}
			}
			l.out[i].funcIDTok = -1
		}
	}
}

// encode turns the resolved output token list into bytes. CL operands
// reference an earlier FN's final byte offset; this holds whenever FN
// bodies are declared before their callers. A CL whose target FN has not
// yet been encoded (a forward reference) falls back to emitting its
// original func_id byte value unchanged.
func (l *lowering) encode() ([]byte, error) {
	tokenByteOffset := make([]int, len(l.out))
	var buf []byte

	for i, o := range l.out {
		tokenByteOffset[i] = len(buf)
		buf = leb128.PutUvarint32(buf, uint32(o.op))
		switch o.op {
		case opcode.LIT:
			buf = leb128.PutSignedVarint64(buf, o.literal)
		case opcode.V, opcode.LET, opcode.SET, opcode.IOW, opcode.IOR, opcode.GTWAY, opcode.WAIT, opcode.TRACE, opcode.BP:
			buf = leb128.PutUvarint32(buf, o.index32)
		case opcode.FN:
			buf = leb128.PutUvarint32(buf, o.arity)
		case opcode.CL:
			funcID := o.funcID
			if o.funcIDTok >= 0 && o.funcIDTok < i {
				funcID = uint32(tokenByteOffset[o.funcIDTok])
			}
			buf = leb128.PutUvarint32(buf, funcID)
			buf = leb128.PutUvarint32(buf, o.argc)
		case opcode.JMP, opcode.JZ, opcode.JNZ, opcode.DWHL, opcode.WHIL:
			off := int32(o.target - (i + 1))
			buf = leb128.PutSignedVarint32(buf, off)
		}
	}
	return buf, nil
}
