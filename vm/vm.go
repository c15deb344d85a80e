// Package vm is the M-VM execution engine: a bounded tagged-value stack
// machine with call frames, gas/step/depth limits, a closed fault
// taxonomy, and host hooks for I/O, sleep, and tracing. Its dispatch
// loop is grounded on exec/vm.go's execCode loop, adapted to walk a
// pre-decoded token.Map instead of fetching operands byte-by-byte from a
// raw bytecode stream.
package vm

import (
	"github.com/MYJ-GOD/M-Language-Core/capset"
	"github.com/MYJ-GOD/M-Language-Core/fault"
	"github.com/MYJ-GOD/M-Language-Core/heap"
	"github.com/MYJ-GOD/M-Language-Core/lower"
	"github.com/MYJ-GOD/M-Language-Core/opcode"
	"github.com/MYJ-GOD/M-Language-Core/token"
	"github.com/MYJ-GOD/M-Language-Core/value"
)

// Fixed region sizes and default resource limits; the step, call-depth,
// stack and GC limits are overridable per-instance via the Set* methods
// below.
const (
	StackSize             = 256
	RetStackSize          = 32
	LocalsSize            = 64
	LocalsFrames          = 32
	GlobalsSize           = 128
	DefaultStepLimit      = 1_000_000
	DefaultCallDepthLimit = 32
	DefaultGCThreshold    = 100
)

// State is the VM's coarse run state.
type State int

const (
	Stopped State = iota
	Running
	Faulted
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "STOPPED"
	case Running:
		return "RUNNING"
	case Faulted:
		return "FAULTED"
	default:
		return "UNKNOWN"
	}
}

// Hooks are the host callbacks IOW/IOR/WAIT/TRACE opcodes invoke. A nil
// hook is treated as a no-op (IORead's absence yields Int(0)).
type Hooks struct {
	IOWrite func(device byte, v value.Value)
	IORead  func(device byte) value.Value
	SleepMS func(ms int32)
	Trace   func(level uint32, msg string)
}

// VM is one M-VM instance: its code, token map, registers, heap,
// capability set, and fault/limit state. Not safe for concurrent use.
type VM struct {
	tokens *token.Map

	stack [StackSize]value.Value
	sp    int // index of top of stack, -1 when empty

	retStack [RetStackSize]int // token indices to resume at
	rp       int

	locals       [LocalsSize]value.Value
	localsFrames [LocalsFrames][LocalsSize]value.Value
	frameSP      int
	callDepth    int

	globals [GlobalsSize]value.Value

	caps capset.Set
	heap *heap.Heap

	pc    int // index into tokens.Instrs of the next instruction to execute
	state State
	fault fault.Code

	steps, stepLimit           int
	gas, gasLimit              int64
	callDepthLimit             int
	stackLimit                 int
	gcThreshold                int

	breakpoints     map[int]bool // keyed by token index
	pausedAtBP      int          // token index currently paused at, -1 if none
	singleStepArmed bool

	hooks Hooks
}

// New lowers code (a no-op if it contains no WH/FR), builds its token
// map, and returns a VM ready to Run. Limits and hooks take their
// defaults; use the Set*/SetHooks methods to override before running.
func New(code []byte, hooks Hooks) (*VM, error) {
	lowered, err := lower.Lower(code)
	if err != nil {
		return nil, err
	}
	tm, err := token.Build(lowered)
	if err != nil {
		return nil, err
	}
	h, err := heap.New(heap.DefaultArenaSize)
	if err != nil {
		return nil, err
	}
	vm := &VM{
		tokens:         tm,
		heap:           h,
		hooks:          hooks,
		stepLimit:      DefaultStepLimit,
		callDepthLimit: DefaultCallDepthLimit,
		stackLimit:     StackSize,
		gcThreshold:    DefaultGCThreshold,
		breakpoints:    make(map[int]bool),
	}
	vm.resetRegisters()
	return vm, nil
}

// SetHooks replaces the host hook set.
func (vm *VM) SetHooks(h Hooks) { vm.hooks = h }

// SetStepLimit overrides the default instruction-count ceiling; 0 disables it.
func (vm *VM) SetStepLimit(n int) { vm.stepLimit = n }

// SetGasLimit overrides the gas ceiling; 0 disables it.
func (vm *VM) SetGasLimit(n int64) { vm.gasLimit = n }

// SetCallDepthLimit overrides the nested-CL ceiling.
func (vm *VM) SetCallDepthLimit(n int) { vm.callDepthLimit = n }

// SetStackLimit overrides the value-stack ceiling; must be <= StackSize.
func (vm *VM) SetStackLimit(n int) {
	if n > StackSize {
		n = StackSize
	}
	vm.stackLimit = n
}

// SetGCThreshold sets the allocation count at which auto-GC fires, and
// enables it.
func (vm *VM) SetGCThreshold(n int) {
	vm.gcThreshold = n
	vm.heap.SetAutoGC(true, n)
}

// GCEnable turns automatic collection on or off.
func (vm *VM) GCEnable(on bool) { vm.heap.SetAutoGC(on, vm.gcThreshold) }

// resetRegisters zeroes every interpreter register without touching the
// code, token map, hooks, limits, or heap allocation list.
func (vm *VM) resetRegisters() {
	vm.sp = -1
	vm.rp = -1
	vm.frameSP = -1
	vm.callDepth = 0
	vm.pc = 0
	vm.steps = 0
	vm.gas = 0
	vm.state = Stopped
	vm.fault = fault.None
	vm.pausedAtBP = -1
	vm.singleStepArmed = false
	vm.caps.Clear()
	for i := range vm.locals {
		vm.locals[i] = value.IntV(0)
	}
	for i := range vm.globals {
		vm.globals[i] = value.IntV(0)
	}
}

// Reset zeroes interpreter state (stack, locals, globals, return stack,
// program counter, capabilities, fault) while preserving the code, token
// map, hooks, resource limits, and the heap's live allocation list.
func (vm *VM) Reset() { vm.resetRegisters() }

// GetState reports the VM's current run state.
func (vm *VM) GetState() State { return vm.state }

// FaultCode reports the fault code that stopped execution, or fault.None.
func (vm *VM) FaultCode() fault.Code { return vm.fault }

// FaultString returns the stable diagnostic identifier for the current
// fault, e.g. "STACK_OVERFLOW", or "NONE".
func (vm *VM) FaultString() string { return vm.fault.String() }

// OpcodeName returns the mnemonic for the opcode at the given token
// index, or "UNKNOWN" if idx is out of range.
func (vm *VM) OpcodeName(tokenIdx int) string {
	if tokenIdx < 0 || tokenIdx >= len(vm.tokens.Instrs) {
		return "UNKNOWN"
	}
	return opcode.Name(vm.tokens.Instrs[tokenIdx].Op)
}

// Destroy releases the VM's heap arena. The VM must not be used after.
func (vm *VM) Destroy() error { return vm.heap.Destroy() }

// Global returns the value stored at globals[i] and true, or the zero
// value and false if i is out of range. Globals have no bytecode read
// opcode (SET is the only opcode that touches them); this is the host's
// only way to observe one.
func (vm *VM) Global(i int) (value.Value, bool) {
	if i < 0 || i >= GlobalsSize {
		return value.Value{}, false
	}
	return vm.globals[i], true
}

// StackSnapshot returns a copy of the live portion of the value stack,
// bottom first, for host introspection.
func (vm *VM) StackSnapshot() []value.Value {
	out := make([]value.Value, vm.sp+1)
	copy(out, vm.stack[:vm.sp+1])
	return out
}

// SetBreakpoint arms a pause the next time execution reaches token index
// tokenIdx.
func (vm *VM) SetBreakpoint(tokenIdx int) { vm.breakpoints[tokenIdx] = true }

// ClearBreakpoint disarms a previously set breakpoint.
func (vm *VM) ClearBreakpoint(tokenIdx int) { delete(vm.breakpoints, tokenIdx) }

// ClearAllBreakpoints disarms every breakpoint.
func (vm *VM) ClearAllBreakpoints() { vm.breakpoints = make(map[int]bool) }

func (vm *VM) setFault(c fault.Code) {
	vm.fault = c
	vm.state = Faulted
}

// push appends v to the value stack, faulting StackOverflow if full.
func (vm *VM) push(v value.Value) bool {
	if vm.sp+1 >= vm.stackLimit {
		vm.setFault(fault.StackOverflow)
		return false
	}
	vm.sp++
	vm.stack[vm.sp] = v
	return true
}

// pop removes and returns the top of the value stack, faulting
// StackUnderflow if empty.
func (vm *VM) pop() (value.Value, bool) {
	if vm.sp < 0 {
		vm.setFault(fault.StackUnderflow)
		return value.Value{}, false
	}
	v := vm.stack[vm.sp]
	vm.sp--
	return v, true
}

// peek returns the top of the value stack without removing it.
func (vm *VM) peek() (value.Value, bool) {
	if vm.sp < 0 {
		vm.setFault(fault.StackUnderflow)
		return value.Value{}, false
	}
	return vm.stack[vm.sp], true
}

// roots assembles every GC root slice: the live value stack, current
// locals, every saved locals frame, and globals.
func (vm *VM) roots() [][]value.Value {
	out := [][]value.Value{
		vm.stack[:vm.sp+1],
		vm.locals[:],
		vm.globals[:],
	}
	for i := 0; i <= vm.frameSP; i++ {
		out = append(out, vm.localsFrames[i][:])
	}
	return out
}

// GC runs one mark-and-sweep collection cycle and returns the number of
// allocations it freed.
func (vm *VM) GC() int { return vm.heap.Collect(vm.roots()) }

// noteAlloc runs an automatic collection if the heap's allocation
// counter has reached its threshold.
func (vm *VM) noteAlloc() {
	if vm.heap.ShouldAutoCollect() {
		vm.heap.Collect(vm.roots())
	}
}

// Run resets interpreter registers and steps the VM from token index 0
// until it halts or faults, returning the final fault code (fault.None
// on a clean HALT).
func (vm *VM) Run() fault.Code {
	vm.resetRegisters()
	vm.state = Running
	for vm.state == Running {
		vm.Step()
	}
	return vm.fault
}

// Call invokes the function whose FN token begins at funcID (an
// original-encoding byte offset, per the CL operand convention) with the
// given argument values, and runs until it returns or faults. It does
// not reset prior interpreter state, so locals/globals/heap from an
// earlier Run persist — callers that want a fresh VM should Reset first.
func (vm *VM) Call(funcID uint32, args []value.Value) (value.Value, fault.Code) {
	for _, a := range args {
		if !vm.push(a) {
			return value.Value{}, vm.fault
		}
	}
	if int(funcID) < 0 || int(funcID) >= len(vm.tokens.ByteToToken) {
		vm.setFault(fault.BadArg)
		return value.Value{}, vm.fault
	}
	fnIdx := vm.tokens.ByteToToken[int(funcID)]
	if fnIdx < 0 || fnIdx >= len(vm.tokens.Instrs) || vm.tokens.Instrs[fnIdx].Op != opcode.FN {
		vm.setFault(fault.BadArg)
		return value.Value{}, vm.fault
	}
	if !vm.bindCall(fnIdx, uint32(len(args)), -1) {
		return value.Value{}, vm.fault
	}
	vm.state = Running
	vm.fault = fault.None
	for vm.state == Running {
		vm.Step()
	}
	if vm.fault != fault.None {
		return value.Value{}, vm.fault
	}
	ret, _ := vm.peek()
	return ret, fault.None
}

// ExecBlock runs the token range [startTok, endTok) as a straight-line
// block sharing the VM's current stack/locals/globals, stopping early on
// fault. It is the host-facing entry point for executing an isolated
// snippet without a surrounding FN/CL.
func (vm *VM) ExecBlock(startTok, endTok int) fault.Code {
	vm.pc = startTok
	vm.state = Running
	vm.fault = fault.None
	for vm.state == Running && vm.pc < endTok {
		vm.Step()
	}
	if vm.state == Running {
		vm.state = Stopped
	}
	return vm.fault
}

// Simulate runs the whole program from token 0 with a fresh register
// set, exactly like Run: it shares Run's semantics, including heap
// effects, so allocations, frees and collections it performs stay in the
// heap's allocation list. It records no per-step trace.
func (vm *VM) Simulate() fault.Code { return vm.Run() }

// SingleStep arms a one-instruction pause: after the next instruction
// executes, the VM clears Running and returns, regardless of the
// stepLimit or any breakpoint.
func (vm *VM) SingleStep() { vm.singleStepArmed = true }
