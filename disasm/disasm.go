// Package disasm renders M-VM bytecode as a human-readable listing: one
// line per token, byte offset, mnemonic, decoded operands, and jump/call
// targets resolved to symbolic labels instead of raw offsets.
//
// It decodes the byte stream itself rather than going through token.Build,
// so it does not build token.Build's IF side tables and still produces a
// listing for code whose IF blocks token.Build rejects as malformed.
package disasm

import (
	"bytes"
	"fmt"

	"github.com/MYJ-GOD/M-Language-Core/fault"
	"github.com/MYJ-GOD/M-Language-Core/leb128"
	"github.com/MYJ-GOD/M-Language-Core/opcode"
)

// Instr is one decoded instruction: its token index, byte offset, opcode
// and whichever operand fields apply to its shape.
type Instr struct {
	Index   int
	Offset  int
	Op      opcode.Op
	Arity   uint32
	FuncID  uint32
	Argc    uint32
	Index32 uint32
	Literal int64
	JumpOff int32

	// Target is the resolved token index a jump/branch instruction lands
	// on; -1 for everything else.
	Target int
}

// Listing is the result of disassembling a code buffer: the decoded
// instruction stream plus the set of token indices worth labeling (jump
// targets and function entry points).
type Listing struct {
	Instrs []Instr
	Labels map[int]string
}

// Disassemble decodes code token-by-token and resolves every jump's
// target to a token index, assigning a label to each target and to every
// FN so the printed listing reads symbolically instead of in raw offsets.
func Disassemble(code []byte) (*Listing, error) {
	l := &Listing{Labels: make(map[int]string)}

	pc := 0
	for pc < len(code) {
		start := pc
		opVal, err := leb128.Uvarint32(code, &pc)
		if err != nil {
			return nil, fault.BadEncoding
		}
		if opVal > 255 {
			return nil, fault.BadEncoding
		}
		op := opcode.Canonical(opcode.Op(opVal))
		if !opcode.Known(op) {
			return nil, fault.UnknownOpcode
		}

		idx := len(l.Instrs)
		in := Instr{Index: idx, Offset: start, Op: op, Target: -1}

		switch opcode.OperandShape(op) {
		case opcode.ShapeLit:
			v, err := leb128.SignedVarint64(code, &pc)
			if err != nil {
				return nil, fault.BadEncoding
			}
			in.Literal = v
		case opcode.ShapeIndex:
			v, err := leb128.Uvarint32(code, &pc)
			if err != nil {
				return nil, fault.BadEncoding
			}
			in.Index32 = v
		case opcode.ShapeArity:
			v, err := leb128.Uvarint32(code, &pc)
			if err != nil {
				return nil, fault.BadEncoding
			}
			in.Arity = v
		case opcode.ShapeCall:
			fid, err := leb128.Uvarint32(code, &pc)
			if err != nil {
				return nil, fault.BadEncoding
			}
			argc, err := leb128.Uvarint32(code, &pc)
			if err != nil {
				return nil, fault.BadEncoding
			}
			in.FuncID = fid
			in.Argc = argc
		case opcode.ShapeJump:
			off, err := leb128.SignedVarint32(code, &pc)
			if err != nil {
				return nil, fault.BadEncoding
			}
			in.JumpOff = off
		}

		l.Instrs = append(l.Instrs, in)
	}

	l.resolveLabels()
	return l, nil
}

// resolveLabels is the second pass: now that every token index is known,
// it can turn a jump's token-relative offset into an absolute target
// token index and assign every target, and every FN entry point, a label.
func (l *Listing) resolveLabels() {
	n := len(l.Instrs)
	for i := range l.Instrs {
		in := &l.Instrs[i]
		if opcode.IsJump(in.Op) {
			target := i + 1 + int(in.JumpOff)
			if target >= 0 && target < n {
				in.Target = target
				l.label(target)
			}
		}
		if in.Op == opcode.FN {
			l.label(i)
		}
	}
}

func (l *Listing) label(tokenIdx int) {
	if _, ok := l.Labels[tokenIdx]; !ok {
		l.Labels[tokenIdx] = fmt.Sprintf("L%d", tokenIdx)
	}
}

// String renders the listing: one line per token, with running
// indentation that deepens after B and shallows before E, byte offset,
// any label this token is a jump/call target of, the mnemonic, and its
// decoded operand.
func (l *Listing) String() string {
	var buf bytes.Buffer
	indent := 0
	for _, in := range l.Instrs {
		if in.Op == opcode.E {
			indent--
			if indent < 0 {
				indent = 0
			}
		}

		label := ""
		if name, ok := l.Labels[in.Index]; ok {
			label = name + ":"
		}
		fmt.Fprintf(&buf, "%6d %-8s", in.Offset, label)
		for i := 0; i < indent; i++ {
			buf.WriteString("  ")
		}
		fmt.Fprintf(&buf, "%-6s%s\n", opcode.Name(in.Op), operand(l, in))

		if in.Op == opcode.B {
			indent++
		}
	}
	return buf.String()
}

func operand(l *Listing, in Instr) string {
	switch opcode.OperandShape(in.Op) {
	case opcode.ShapeLit:
		return fmt.Sprintf("%d", in.Literal)
	case opcode.ShapeIndex:
		return fmt.Sprintf("%d", in.Index32)
	case opcode.ShapeArity:
		return fmt.Sprintf("argc=%d", in.Arity)
	case opcode.ShapeCall:
		for _, fn := range l.Instrs {
			if fn.Op == opcode.FN && fn.Offset == int(in.FuncID) {
				if name, ok := l.Labels[fn.Index]; ok {
					return fmt.Sprintf("func=%s argc=%d", name, in.Argc)
				}
			}
		}
		return fmt.Sprintf("func=%d argc=%d", in.FuncID, in.Argc)
	case opcode.ShapeJump:
		if name, ok := l.Labels[in.Target]; ok {
			return name
		}
		return fmt.Sprintf("%+d", in.JumpOff)
	default:
		return ""
	}
}
