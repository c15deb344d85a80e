// Package token builds the opcode-index <-> byte-offset map that every
// other M-VM component operates on: the execution engine resolves jump
// targets through it, the validator walks it token-by-token, and the
// disassembler uses it to label jump destinations.
package token

import (
	"github.com/MYJ-GOD/M-Language-Core/fault"
	"github.com/MYJ-GOD/M-Language-Core/leb128"
	"github.com/MYJ-GOD/M-Language-Core/opcode"
)

// Instr is one decoded instruction: its opcode, the token index it was
// assigned, and its decoded operand(s) where applicable.
type Instr struct {
	Op      opcode.Op
	Offset  int // byte offset of the opcode prefix
	Index   int // token index
	Arity   uint32
	FuncID  uint32
	Argc    uint32
	Index32 uint32
	Literal int64
	JumpOff int32
}

// Map is the decoded byte-offset/token-index correspondence for a code
// buffer, plus the side tables computed once instead of re-scanning at
// every execution.
type Map struct {
	Code []byte

	// TokenOffsets[idx] is the byte offset at which token idx begins.
	TokenOffsets []int
	// ByteToToken[offset] is the token index beginning at offset, or -1
	// if offset falls inside an opcode's operand bytes.
	ByteToToken []int
	// Instrs is the decoded instruction stream, one entry per token.
	Instrs []Instr

	// Functions maps an FN token's byte offset to its declared arity,
	// built during the decode walk. The VM's CL handler does not read it:
	// it resolves func_id through ByteToToken and checks Instrs' Arity.
	Functions map[int]uint32

	// IfElseTok maps an IF token index to the token index of its
	// else-block's opening B, or -1 if the IF has no else-block.
	IfElseTok map[int]int
	// IfEndTok maps an IF token index to the token index immediately
	// following the whole if/else construct.
	IfEndTok map[int]int
	// ThenEndSkip maps a then-block's closing E token index to the token
	// index right after the whole if/else construct, for IF statements
	// that have a sibling else-block. At runtime, reaching such an E
	// while executing the true branch must skip the adjacent else-block
	// rather than falling into it; an E with no entry here is a plain
	// no-op, as is every other E (loop/no-else-IF block closers).
	ThenEndSkip map[int]int
}

// TokenCount is the number of decoded tokens.
func (m *Map) TokenCount() int { return len(m.TokenOffsets) }

// Build walks code once, decoding each opcode and its operand per the
// shape table in package opcode, and returns the resulting Map. It never
// runs the structured-to-flat lowering pass itself — callers lower first,
// then build (or rebuild) the token map over the lowered bytes.
func Build(code []byte) (*Map, error) {
	m := &Map{
		Code:        code,
		ByteToToken: make([]int, len(code)),
		Functions:   make(map[int]uint32),
		IfElseTok:   make(map[int]int),
		IfEndTok:    make(map[int]int),
		ThenEndSkip: make(map[int]int),
	}
	for i := range m.ByteToToken {
		m.ByteToToken[i] = -1
	}

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

		idx := len(m.TokenOffsets)
		instr := Instr{Op: op, Offset: start, Index: idx}

		switch opcode.OperandShape(op) {
		case opcode.ShapeLit:
			lit, err := leb128.SignedVarint64(code, &pc)
			if err != nil {
				return nil, fault.BadEncoding
			}
			instr.Literal = lit
		case opcode.ShapeIndex:
			v, err := leb128.Uvarint32(code, &pc)
			if err != nil {
				return nil, fault.BadEncoding
			}
			instr.Index32 = v
		case opcode.ShapeArity:
			v, err := leb128.Uvarint32(code, &pc)
			if err != nil {
				return nil, fault.BadEncoding
			}
			instr.Arity = v
			m.Functions[start] = v
		case opcode.ShapeCall:
			fid, err := leb128.Uvarint32(code, &pc)
			if err != nil {
				return nil, fault.BadEncoding
			}
			argc, err := leb128.Uvarint32(code, &pc)
			if err != nil {
				return nil, fault.BadEncoding
			}
			instr.FuncID = fid
			instr.Argc = argc
		case opcode.ShapeJump:
			off, err := leb128.SignedVarint32(code, &pc)
			if err != nil {
				return nil, fault.BadEncoding
			}
			instr.JumpOff = off
		}

		m.ByteToToken[start] = idx
		m.TokenOffsets = append(m.TokenOffsets, start)
		m.Instrs = append(m.Instrs, instr)
	}

	if err := m.buildIfSideTables(); err != nil {
		return nil, err
	}
	return m, nil
}

// buildIfSideTables scans the already-decoded token stream once to
// precompute, for every IF token, the token index of its else-block (if
// any) and the token index following the whole construct. It assumes
// lowering has already removed WH/FR, so the only block-forming opcodes
// remaining are B/E/IF pairs.
func (m *Map) buildIfSideTables() error {
	for i, instr := range m.Instrs {
		if instr.Op != opcode.IF {
			continue
		}
		thenB := i + 1
		if thenB >= len(m.Instrs) || m.Instrs[thenB].Op != opcode.B {
			return fault.BadArg
		}
		thenEnd, err := matchBlock(m.Instrs, thenB)
		if err != nil {
			return err
		}
		elseTok := -1
		endTok := thenEnd + 1
		if thenEnd+1 < len(m.Instrs) && m.Instrs[thenEnd+1].Op == opcode.B {
			elseB := thenEnd + 1
			elseEnd, err := matchBlock(m.Instrs, elseB)
			if err != nil {
				return err
			}
			elseTok = elseB
			endTok = elseEnd + 1
			m.ThenEndSkip[thenEnd] = endTok
		}
		m.IfElseTok[i] = elseTok
		m.IfEndTok[i] = endTok
	}
	return nil
}

// matchBlock returns the token index of the E matching the B at bIdx,
// accounting for nested B/E pairs.
func matchBlock(instrs []Instr, bIdx int) (int, error) {
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

// TargetToken resolves a jump's token-relative signed offset into an
// absolute token index: target_token_index = self_idx + 1 + offset.
func TargetToken(selfIdx int, offset int32) int {
	return selfIdx + 1 + int(offset)
}
