package validate

import (
	"strconv"

	"github.com/MYJ-GOD/M-Language-Core/fault"
)

// unmatchedBlockError reports a B/E pair that does not balance: an E
// with no open B, or a B left open at the end of the stream.
type unmatchedBlockError struct {
	TokenIndex int
}

func (e unmatchedBlockError) Error() string {
	return "validate: unmatched block at token " + strconv.Itoa(e.TokenIndex)
}

func (e unmatchedBlockError) Code() fault.Code { return fault.BadArg }

// unreachableTokenError reports a token the control-flow BFS from token
// 0 never visits.
type unreachableTokenError struct {
	TokenIndex int
}

func (e unreachableTokenError) Error() string {
	return "validate: token " + strconv.Itoa(e.TokenIndex) + " is unreachable"
}

func (e unreachableTokenError) Code() fault.Code { return fault.BadArg }
