package vm

import (
	"fmt"

	"github.com/MYJ-GOD/M-Language-Core/fault"
	"github.com/MYJ-GOD/M-Language-Core/opcode"
	"github.com/MYJ-GOD/M-Language-Core/token"
	"github.com/MYJ-GOD/M-Language-Core/value"
)

// Step executes exactly one instruction. It is the primitive every other
// driver (Run, Call, ExecBlock) loops on, and is also exposed directly
// for single-instruction debugger use. Calling Step while the VM is
// already faulted is a no-op; the host must Reset to continue, except
// after a breakpoint pause, where calling Step again executes the paused
// instruction (Run would instead restart from token 0).
func (vm *VM) Step() {
	if vm.fault != fault.None && vm.pausedAtBP != vm.pc {
		return
	}
	if vm.pc < 0 || vm.pc >= len(vm.tokens.Instrs) {
		vm.setFault(fault.PcOob)
		return
	}
	if vm.breakpoints[vm.pc] && vm.pausedAtBP != vm.pc {
		vm.pausedAtBP = vm.pc
		vm.fault = fault.Breakpoint
		vm.state = Stopped
		return
	}
	if vm.pausedAtBP == vm.pc {
		vm.pausedAtBP = -1
		vm.fault = fault.None
	}

	vm.state = Running
	idx := vm.pc
	instr := vm.tokens.Instrs[idx]
	vm.pc = idx + 1 // default straight-line advance; handlers below override

	vm.execOne(idx, instr)

	if vm.fault != fault.None {
		return
	}
	vm.steps++
	if vm.stepLimit > 0 && vm.steps >= vm.stepLimit {
		vm.setFault(fault.StepLimit)
		return
	}
	if vm.gasLimit > 0 {
		vm.gas += gasCost(instr.Op)
		if vm.gas >= vm.gasLimit {
			vm.setFault(fault.GasExhausted)
			return
		}
	}
	if vm.singleStepArmed {
		vm.singleStepArmed = false
		vm.state = Stopped
		return
	}
	if vm.state == Running && vm.pc >= len(vm.tokens.Instrs) {
		// Fell off the end of the stream without a HALT: the validator's
		// reachability pass is expected to reject this ahead of time, but
		// a program run without validation stops cleanly here instead of
		// faulting PcOob on the next Step.
		vm.state = Stopped
	}
}

func (vm *VM) execOne(idx int, instr token.Instr) {
	switch instr.Op {
	case opcode.B:
		// no-op; E carries the only block-closing behavior that matters.
	case opcode.E:
		if end, ok := vm.tokens.ThenEndSkip[idx]; ok {
			vm.pc = end
		}
	case opcode.IF:
		vm.execIf(idx, instr)
	case opcode.FN:
		// Reached by straight-line fallthrough (not via CL): skip the
		// whole body, since FN is only ever entered through a call.
		vm.skipFunctionBody(idx)
	case opcode.RT:
		vm.execReturn()
	case opcode.CL:
		vm.execCall(idx, instr)
	case opcode.PH:
		// Reserved placeholder opcode; no defined runtime effect.

	case opcode.WH, opcode.FR:
		// Unreachable through the VM's own construction path: New always
		// runs the lowering pass first, which rewrites every WH/FR into
		// JZ/JMP before a token map is ever built. A token map built
		// directly over un-lowered bytes (bypassing New) would reach
		// here; rejected rather than re-implementing the backward-branch
		// scan lowering already performs once at load time.
		vm.setFault(fault.BadArg)

	case opcode.LIT:
		vm.push(value.IntV(instr.Literal))
	case opcode.V:
		vm.execLoadLocal(instr)
	case opcode.LET:
		vm.execStoreLocal(instr)
	case opcode.SET:
		vm.execStoreGlobal(instr)

	case opcode.LT, opcode.GT, opcode.LE, opcode.GE:
		vm.execCompare(instr.Op)
	case opcode.EQ:
		vm.execEquality(true)
	case opcode.NEQ:
		vm.execEquality(false)

	case opcode.ADD, opcode.SUB, opcode.MUL, opcode.DIV, opcode.MOD,
		opcode.AND, opcode.OR, opcode.XOR, opcode.SHL, opcode.SHR:
		vm.execArith(instr.Op)
	case opcode.NEG:
		vm.execNeg()
	case opcode.NOT:
		vm.execNot()

	case opcode.LEN:
		vm.execLen()
	case opcode.GET, opcode.IDX:
		vm.execGet()
	case opcode.PUT, opcode.STO:
		vm.execPut()
	case opcode.SWP:
		vm.execSwap()
	case opcode.DUP:
		vm.execDup()
	case opcode.DRP:
		vm.execDrop()
	case opcode.ROT:
		vm.execRot()
	case opcode.NEWARR:
		vm.execNewArray()

	case opcode.IOW:
		vm.execIOWrite(instr)
	case opcode.IOR:
		vm.execIORead(instr)
	case opcode.GTWAY:
		vm.execGrant(instr)
	case opcode.WAIT:
		vm.execWait(instr)
	case opcode.TRACE:
		vm.execTrace(idx, instr)
	case opcode.HALT:
		vm.state = Stopped

	case opcode.JMP:
		vm.pc = vm.resolveJump(idx, instr.JumpOff)
	case opcode.JZ:
		vm.execCondJump(idx, instr, false)
	case opcode.JNZ:
		vm.execCondJump(idx, instr, true)

	case opcode.ALLOC:
		vm.execAlloc()
	case opcode.FREE:
		vm.execFree()

	case opcode.GC:
		vm.heap.Collect(vm.roots())
	case opcode.BP:
		vm.breakpoints[idx] = true
	case opcode.STEP:
		vm.singleStepArmed = true

	default:
		vm.setFault(fault.UnknownOpcode)
	}
}

// gasCost is the per-opcode gas price billed when a gas limit is active.
// Every opcode costs one unit except the heap operations (10 units),
// priced higher since they carry a mark-and-sweep sweep risk and an arena
// allocation, and CL (5 units) for its frame setup.
func gasCost(op opcode.Op) int64 {
	switch op {
	case opcode.ALLOC, opcode.NEWARR, opcode.GC:
		return 10
	case opcode.CL:
		return 5
	default:
		return 1
	}
}

func (vm *VM) resolveJump(selfIdx int, off int32) int {
	target := token.TargetToken(selfIdx, off)
	if target < 0 || target >= len(vm.tokens.Instrs) {
		vm.setFault(fault.PcOob)
		return selfIdx + 1
	}
	return target
}

func (vm *VM) execCondJump(idx int, instr token.Instr, onNonZero bool) {
	cond, ok := vm.pop()
	if !ok {
		return
	}
	taken := cond.ToBool()
	if !onNonZero {
		taken = !taken
	}
	if taken {
		vm.pc = vm.resolveJump(idx, instr.JumpOff)
	}
}

// execIf implements IF's false-path scan: on a true condition execution
// simply falls through into the then-block (B is a no-op, and its
// matching E redirects past any sibling else-block via ThenEndSkip). On
// false, it jumps directly to the else-block's body (skipping its own
// opening B) if present, or past the whole construct otherwise.
func (vm *VM) execIf(idx int, instr token.Instr) {
	cond, ok := vm.pop()
	if !ok {
		return
	}
	if cond.ToBool() {
		return // fall through to the then-block's B at idx+1
	}
	elseB, hasElse := vm.tokens.IfElseTok[idx]
	if hasElse && elseB >= 0 {
		vm.pc = elseB + 1 // skip the else-block's own opening B
		return
	}
	end, ok := vm.tokens.IfEndTok[idx]
	if !ok {
		vm.setFault(fault.BadArg)
		return
	}
	vm.pc = end
}

// skipFunctionBody advances past an FN header reached by straight-line
// fallthrough: FN arity, B, <body>, E.
func (vm *VM) skipFunctionBody(idx int) {
	bIdx := idx + 1
	if bIdx >= len(vm.tokens.Instrs) || vm.tokens.Instrs[bIdx].Op != opcode.B {
		vm.setFault(fault.BadArg)
		return
	}
	depth := 0
	for i := bIdx; i < len(vm.tokens.Instrs); i++ {
		switch vm.tokens.Instrs[i].Op {
		case opcode.B:
			depth++
		case opcode.E:
			depth--
			if depth == 0 {
				vm.pc = i + 1
				return
			}
		}
	}
	vm.setFault(fault.PcOob)
}

// execLoadLocal implements V: push locals[index]. Bytecode has no global
// read opcode — SET is a write-only store from the program's own
// perspective; a global's value is host-observable only through the
// VM.Global introspection method, mirroring StackSnapshot.
func (vm *VM) execLoadLocal(instr token.Instr) {
	i := int(instr.Index32)
	if i < 0 || i >= LocalsSize {
		vm.setFault(fault.LocalsOob)
		return
	}
	vm.push(vm.locals[i])
}

func (vm *VM) execStoreLocal(instr token.Instr) {
	i := int(instr.Index32)
	if i < 0 || i >= LocalsSize {
		vm.setFault(fault.LocalsOob)
		return
	}
	v, ok := vm.pop()
	if !ok {
		return
	}
	vm.locals[i] = v
}

func (vm *VM) execStoreGlobal(instr token.Instr) {
	i := int(instr.Index32)
	if i < 0 || i >= GlobalsSize {
		vm.setFault(fault.GlobalsOob)
		return
	}
	v, ok := vm.pop()
	if !ok {
		return
	}
	vm.globals[i] = v
}

func intOperand(v value.Value) (int64, bool) {
	if v.Tag != value.Int && v.Tag != value.Bool {
		return 0, false
	}
	return v.ToInt(), true
}

func (vm *VM) execCompare(op opcode.Op) {
	b, ok := vm.pop()
	if !ok {
		return
	}
	a, ok := vm.pop()
	if !ok {
		return
	}
	ai, ok := intOperand(a)
	if !ok {
		vm.setFault(fault.TypeMismatch)
		return
	}
	bi, ok := intOperand(b)
	if !ok {
		vm.setFault(fault.TypeMismatch)
		return
	}
	var result bool
	switch op {
	case opcode.LT:
		result = ai < bi
	case opcode.GT:
		result = ai > bi
	case opcode.LE:
		result = ai <= bi
	case opcode.GE:
		result = ai >= bi
	}
	vm.push(value.BoolV(result))
}

func (vm *VM) execEquality(wantEqual bool) {
	b, ok := vm.pop()
	if !ok {
		return
	}
	a, ok := vm.pop()
	if !ok {
		return
	}
	eq := value.Equal(a, b)
	if !wantEqual {
		eq = !eq
	}
	vm.push(value.BoolV(eq))
}

func (vm *VM) execArith(op opcode.Op) {
	b, ok := vm.pop()
	if !ok {
		return
	}
	a, ok := vm.pop()
	if !ok {
		return
	}
	ai, ok := intOperand(a)
	if !ok {
		vm.setFault(fault.TypeMismatch)
		return
	}
	bi, ok := intOperand(b)
	if !ok {
		vm.setFault(fault.TypeMismatch)
		return
	}
	var r int64
	switch op {
	case opcode.ADD:
		r = ai + bi
	case opcode.SUB:
		r = ai - bi
	case opcode.MUL:
		r = ai * bi
	case opcode.DIV:
		if bi == 0 {
			vm.setFault(fault.DivByZero)
			return
		}
		r = ai / bi
	case opcode.MOD:
		if bi == 0 {
			vm.setFault(fault.ModByZero)
			return
		}
		r = ai % bi
	case opcode.AND:
		r = ai & bi
	case opcode.OR:
		r = ai | bi
	case opcode.XOR:
		r = ai ^ bi
	case opcode.SHL:
		r = ai << (uint64(bi) & 63)
	case opcode.SHR:
		r = ai >> (uint64(bi) & 63)
	}
	vm.push(value.IntV(r))
}

func (vm *VM) execNeg() {
	a, ok := vm.pop()
	if !ok {
		return
	}
	ai, ok := intOperand(a)
	if !ok {
		vm.setFault(fault.TypeMismatch)
		return
	}
	vm.push(value.IntV(-ai))
}

func (vm *VM) execNot() {
	a, ok := vm.pop()
	if !ok {
		return
	}
	vm.push(value.BoolV(!a.ToBool()))
}

func (vm *VM) execLen() {
	a, ok := vm.pop()
	if !ok {
		return
	}
	if a.Tag != value.Array || a.Arr == nil {
		vm.setFault(fault.TypeMismatch)
		return
	}
	vm.push(value.IntV(int64(len(a.Arr.Data))))
}

// execGet implements GET/IDX: pop idx, pop arr, push arr[idx].
func (vm *VM) execGet() {
	idxV, ok := vm.pop()
	if !ok {
		return
	}
	arrV, ok := vm.pop()
	if !ok {
		return
	}
	if arrV.Tag != value.Array || arrV.Arr == nil {
		vm.setFault(fault.TypeMismatch)
		return
	}
	if idxV.Tag != value.Int {
		vm.setFault(fault.TypeMismatch)
		return
	}
	i := idxV.I
	if i < 0 || i >= int64(len(arrV.Arr.Data)) {
		vm.setFault(fault.IndexOob)
		return
	}
	vm.push(arrV.Arr.Data[i])
}

// execPut implements PUT/STO: pop value, pop idx, pop arr, arr[idx] = value.
func (vm *VM) execPut() {
	val, ok := vm.pop()
	if !ok {
		return
	}
	idxV, ok := vm.pop()
	if !ok {
		return
	}
	arrV, ok := vm.pop()
	if !ok {
		return
	}
	if arrV.Tag != value.Array || arrV.Arr == nil {
		vm.setFault(fault.TypeMismatch)
		return
	}
	if idxV.Tag != value.Int {
		vm.setFault(fault.TypeMismatch)
		return
	}
	i := idxV.I
	if i < 0 || i >= int64(len(arrV.Arr.Data)) {
		vm.setFault(fault.IndexOob)
		return
	}
	arrV.Arr.Data[i] = val
}

func (vm *VM) execSwap() {
	b, ok := vm.pop()
	if !ok {
		return
	}
	a, ok := vm.pop()
	if !ok {
		return
	}
	vm.push(b)
	vm.push(a)
}

func (vm *VM) execDup() {
	top, ok := vm.peek()
	if !ok {
		return
	}
	vm.push(top)
}

func (vm *VM) execDrop() {
	vm.pop()
}

// execRot rotates the top three stack values so the third-from-top
// becomes the new top: [.. a b c] -> [.. b c a].
func (vm *VM) execRot() {
	c, ok := vm.pop()
	if !ok {
		return
	}
	b, ok := vm.pop()
	if !ok {
		return
	}
	a, ok := vm.pop()
	if !ok {
		return
	}
	vm.push(b)
	vm.push(c)
	vm.push(a)
}

func (vm *VM) execNewArray() {
	sizeV, ok := vm.pop()
	if !ok {
		return
	}
	if sizeV.Tag != value.Int {
		vm.setFault(fault.TypeMismatch)
		return
	}
	arr, err := vm.heap.NewArray(sizeV.I)
	if err != nil {
		vm.setFault(fault.BadArg)
		return
	}
	vm.noteAlloc()
	vm.push(value.ArrayV(arr))
}

func (vm *VM) execAlloc() {
	sizeV, ok := vm.pop()
	if !ok {
		return
	}
	if sizeV.Tag != value.Int {
		vm.setFault(fault.TypeMismatch)
		return
	}
	id, err := vm.heap.Alloc(sizeV.I)
	if err != nil {
		vm.setFault(fault.Oom)
		return
	}
	vm.noteAlloc()
	vm.push(value.RefV(id))
}

func (vm *VM) execFree() {
	refV, ok := vm.pop()
	if !ok {
		return
	}
	if refV.Tag != value.Ref {
		vm.setFault(fault.TypeMismatch)
		return
	}
	if err := vm.heap.Free(int(refV.I)); err != nil {
		vm.setFault(fault.TypeMismatch)
	}
}

func (vm *VM) execIOWrite(instr token.Instr) {
	if instr.Index32 > 255 {
		vm.setFault(fault.BadArg)
		return
	}
	dev := byte(instr.Index32)
	if !vm.caps.Has(dev) {
		vm.setFault(fault.Unauthorized)
		return
	}
	v, ok := vm.pop()
	if !ok {
		return
	}
	if vm.hooks.IOWrite != nil {
		vm.hooks.IOWrite(dev, v)
	}
}

func (vm *VM) execIORead(instr token.Instr) {
	if instr.Index32 > 255 {
		vm.setFault(fault.BadArg)
		return
	}
	dev := byte(instr.Index32)
	if !vm.caps.Has(dev) {
		vm.setFault(fault.Unauthorized)
		return
	}
	v := value.IntV(0)
	if vm.hooks.IORead != nil {
		v = vm.hooks.IORead(dev)
	}
	vm.push(v)
}

func (vm *VM) execGrant(instr token.Instr) {
	if instr.Index32 > 255 {
		vm.setFault(fault.BadArg)
		return
	}
	vm.caps.Grant(byte(instr.Index32))
}

func (vm *VM) execWait(instr token.Instr) {
	if vm.hooks.SleepMS != nil {
		vm.hooks.SleepMS(int32(instr.Index32))
	}
}

func (vm *VM) execTrace(idx int, instr token.Instr) {
	if vm.hooks.Trace != nil {
		vm.hooks.Trace(instr.Index32, fmt.Sprintf("pc=%d op=%s", idx, opcode.Name(instr.Op)))
	}
}

// bindCall pushes a new locals frame, binds argc popped values into
// locals[0..argc-1] (top of stack becomes local 0), pushes returnTok
// (the token index to resume at on RT, or -1 for a host-initiated call
// with no caller to resume), and lands pc inside the callee's body.
func (vm *VM) bindCall(fnIdx int, argc uint32, returnTok int) bool {
	if vm.sp+1 < int(argc) {
		vm.setFault(fault.StackUnderflow)
		return false
	}
	if vm.callDepth >= vm.callDepthLimit {
		vm.setFault(fault.CallDepthLimit)
		return false
	}
	if vm.frameSP+1 >= LocalsFrames {
		vm.setFault(fault.StackOverflow)
		return false
	}
	if vm.rp+1 >= RetStackSize {
		vm.setFault(fault.RetStackOverflow)
		return false
	}

	vm.frameSP++
	vm.localsFrames[vm.frameSP] = vm.locals
	var fresh [LocalsSize]value.Value
	for i := range fresh {
		fresh[i] = value.IntV(0)
	}
	vm.locals = fresh
	for k := uint32(0); k < argc; k++ {
		v, ok := vm.pop()
		if !ok {
			return false
		}
		vm.locals[k] = v
	}

	vm.rp++
	vm.retStack[vm.rp] = returnTok

	bodyStart := fnIdx + 2 // skip FN and its opening B
	if bodyStart >= len(vm.tokens.Instrs) {
		vm.setFault(fault.PcOob)
		return false
	}
	vm.pc = bodyStart
	vm.callDepth++
	return true
}

func (vm *VM) execCall(idx int, instr token.Instr) {
	fid := int(instr.FuncID)
	if fid < 0 || fid >= len(vm.tokens.ByteToToken) {
		vm.setFault(fault.BadArg)
		return
	}
	fnIdx := vm.tokens.ByteToToken[fid]
	if fnIdx < 0 || fnIdx >= len(vm.tokens.Instrs) || vm.tokens.Instrs[fnIdx].Op != opcode.FN {
		vm.setFault(fault.BadArg)
		return
	}
	if vm.tokens.Instrs[fnIdx].Arity != instr.Argc {
		vm.setFault(fault.BadArg)
		return
	}
	vm.bindCall(fnIdx, instr.Argc, idx+1)
}

func (vm *VM) execReturn() {
	retVal, ok := vm.pop()
	if !ok {
		return
	}
	if vm.rp < 0 || vm.frameSP < 0 {
		vm.setFault(fault.RetStackUnderflow)
		return
	}
	target := vm.retStack[vm.rp]
	vm.rp--
	vm.locals = vm.localsFrames[vm.frameSP]
	vm.frameSP--
	vm.callDepth--

	if !vm.push(retVal) {
		return
	}
	if target < 0 {
		vm.state = Stopped
		return
	}
	vm.pc = target
}
