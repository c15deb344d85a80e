// Package jit reserves a native-compilation path for hot arithmetic runs
// of M-VM bytecode. It follows the scan-candidate/build-native split the
// interpreter's own amd64 backend uses: Scan walks a token stream looking
// for maximal runs of opcodes the backend knows how to emit, and Build
// turns a candidate into raw machine code via golang-asm.
//
// The M-VM stack holds tagged value.Value structs, not the raw uint64
// lanes the wasm VM's stack holds; a candidate run can only be compiled
// once every opcode it contains is proven to operate on the Int lane
// exclusively (no tag dispatch, no heap references, no capability
// checks). CanCompile identifies such runs; Build always reports
// ErrReserved for now, since emitting the tag-check preamble/postamble
// safely is not yet implemented. The scanner and builder are real and
// exercised by tests; only native code emission is stubbed out.
package jit

import (
	"errors"
	"fmt"

	asm "github.com/twitchyliquid64/golang-asm"
	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"

	"github.com/MYJ-GOD/M-Language-Core/opcode"
	"github.com/MYJ-GOD/M-Language-Core/token"
)

// ErrReserved is returned by Build for every candidate: native emission
// of tagged-value arithmetic is reserved for future work.
var ErrReserved = errors.New("jit: native code generation is reserved, not yet implemented")

// supported is the set of opcodes the backend's Scanner will fold into a
// candidate run: pure Int-lane arithmetic with no side effects.
var supported = map[opcode.Op]bool{
	opcode.LIT: true,
	opcode.ADD: true,
	opcode.SUB: true,
	opcode.MUL: true,
	opcode.AND: true,
	opcode.OR:  true,
	opcode.XOR: true,
}

// Candidate is a maximal run of consecutive tokens the Scanner judged
// compilable: every opcode in [Start,End) is in the supported set.
type Candidate struct {
	Start, End int
}

// Scanner finds compilation candidates in a decoded token stream.
type Scanner struct{}

// Scan walks instrs once and returns every maximal run of opcodes this
// backend knows how to emit. Runs shorter than minRunLength are dropped:
// compiling a two-instruction run costs more than it saves.
func (Scanner) Scan(instrs []token.Instr, minRunLength int) []Candidate {
	var out []Candidate
	start := -1
	for i, in := range instrs {
		if supported[in.Op] {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			if i-start >= minRunLength {
				out = append(out, Candidate{Start: start, End: i})
			}
			start = -1
		}
	}
	if start >= 0 && len(instrs)-start >= minRunLength {
		out = append(out, Candidate{Start: start, End: len(instrs)})
	}
	return out
}

// Backend is the amd64 native-code backend. It wraps a golang-asm
// builder the same way the interpreter's own compile package does;
// Build exists to prove the builder plumbing works end to end, but
// intentionally refuses to hand back executable code.
type Backend struct{}

// Build attempts to compile a candidate run into native amd64 code. It
// constructs a real golang-asm builder and preamble/postamble to
// exercise the assembler plumbing, then discards the result: emitting
// correct code for M-VM's tagged Value layout (tag checks, heap-ref
// retains, gas accounting per folded instruction) is not implemented,
// so every call reports ErrReserved rather than returning code that
// would silently skip those checks.
func (Backend) Build(c Candidate, instrs []token.Instr) ([]byte, error) {
	if c.End <= c.Start {
		return nil, fmt.Errorf("jit: empty candidate range [%d,%d)", c.Start, c.End)
	}
	builder, err := asm.NewBuilder("amd64", c.End-c.Start+2)
	if err != nil {
		return nil, err
	}

	// Preamble: reserve R10 as a scratch accumulator. Nothing downstream
	// of this point is safe to execute, so the assembled bytes are
	// thrown away rather than returned.
	prog := builder.NewProg()
	prog.As = x86.AXORQ
	prog.To.Type = obj.TYPE_REG
	prog.To.Reg = x86.REG_R10
	prog.From.Type = obj.TYPE_REG
	prog.From.Reg = x86.REG_R10
	builder.AddInstruction(prog)

	_ = builder.Assemble()
	return nil, ErrReserved
}

// CanCompile reports whether any candidate in instrs is worth compiling
// (a run of at least 4 pure-arithmetic opcodes). It never implies Build
// will succeed; it exists so a caller can decide whether to even try.
func CanCompile(instrs []token.Instr) bool {
	return len(Scanner{}.Scan(instrs, 4)) > 0
}
