// Package validate implements the M-VM static validator: six passes over
// a code buffer (opcode, varint, block-balance, index-bounds, structured
// stack/capability-flow, reachability) that together decide whether a
// program is safe to hand to the execution engine without it ever
// faulting on a structural defect.
package validate

import "github.com/MYJ-GOD/M-Language-Core/fault"

// Result is the validator's single structured outcome: valid code
// carries a zero PC/fault and an empty message; invalid code reports the
// first failure encountered, in pass order.
type Result struct {
	Valid bool
	Fault fault.Code
	PC    int
	Msg   string
}

func fail(f fault.Code, pc int, msg string) Result {
	return Result{Valid: false, Fault: f, PC: pc, Msg: msg}
}

var ok = Result{Valid: true}
