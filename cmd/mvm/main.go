// Command mvm loads M-VM bytecode from a file, optionally validates and/or
// disassembles it, then runs it to completion and reports the final fault
// and value stack.
package main

import (
	"flag"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"os"

	"github.com/MYJ-GOD/M-Language-Core/disasm"
	"github.com/MYJ-GOD/M-Language-Core/validate"
	"github.com/MYJ-GOD/M-Language-Core/value"
	"github.com/MYJ-GOD/M-Language-Core/vm"
)

func main() {
	log.SetPrefix("mvm: ")
	log.SetFlags(0)

	verbose := flag.Bool("v", false, "enable verbose debug logging")
	doValidate := flag.Bool("validate", false, "validate the bytecode before running")
	doDisasm := flag.Bool("disasm", false, "print a disassembly listing instead of running")
	gasLimit := flag.Int64("gas", 0, "gas ceiling for the run; 0 disables gas metering")
	stepLimit := flag.Int("steps", 0, "instruction-count ceiling for the run; 0 uses the default")

	flag.Parse()
	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}

	validate.PrintDebugInfo = *verbose

	code, err := ioutil.ReadFile(flag.Arg(0))
	if err != nil {
		log.Fatalf("could not read bytecode file: %v", err)
	}

	if *doDisasm {
		runDisasm(os.Stdout, code)
		return
	}

	if *doValidate {
		if !runValidate(os.Stdout, code) {
			os.Exit(1)
		}
	}

	run(os.Stdout, code, *gasLimit, *stepLimit, *verbose)
}

func runDisasm(w io.Writer, code []byte) {
	l, err := disasm.Disassemble(code)
	if err != nil {
		log.Fatalf("could not disassemble: %v", err)
	}
	fmt.Fprint(w, l.String())
}

func runValidate(w io.Writer, code []byte) bool {
	r := validate.Validate(code)
	if !r.Valid {
		fmt.Fprintf(w, "invalid: %s at token %d (%s)\n", r.Fault, r.PC, r.Msg)
		return false
	}
	fmt.Fprintln(w, "valid")
	return true
}

func run(w io.Writer, code []byte, gasLimit int64, stepLimit int, verbose bool) {
	m, err := vm.New(code, vm.Hooks{
		IOWrite: func(device byte, v value.Value) {
			fmt.Fprintf(w, "io[%d] <- %+v\n", device, v)
		},
		Trace: func(level uint32, msg string) {
			if verbose {
				log.Printf("trace[%d] %s", level, msg)
			}
		},
	})
	if err != nil {
		log.Fatalf("could not construct VM: %v", err)
	}
	if gasLimit > 0 {
		m.SetGasLimit(gasLimit)
	}
	if stepLimit > 0 {
		m.SetStepLimit(stepLimit)
	}

	fc := m.Run()
	fmt.Fprintf(w, "halted: %s\n", fc)
	for i, v := range m.StackSnapshot() {
		fmt.Fprintf(w, "stack[%d] = %+v\n", i, v)
	}
}
