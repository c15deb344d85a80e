package validate

import (
	"io/ioutil"
	"log"
	"os"
)

// PrintDebugInfo turns on verbose per-pass logging, mirroring the
// package-level debug switch the rest of this codebase uses.
var PrintDebugInfo = false

var logger *log.Logger

func init() {
	w := ioutil.Discard
	if PrintDebugInfo {
		w = os.Stderr
	}
	logger = log.New(w, "", log.Lshortfile)
}
