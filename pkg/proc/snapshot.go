package proc

import (
	"fmt"
)

// Snapshot is the execution context of the stopped thread: registers, call
// stack, locals of the innermost frame and the current instruction. It is
// rebuilt every time the target traps and never mutated afterwards.
type Snapshot struct {
	Tid       int
	Registers *Registers
	Frames    []Stackframe
	Locals    []Variable
	// Line is the source line of the current PC, nil if unknown.
	Line *SourceLine
	// Breakpoint is a copy of the user breakpoint that caused the stop, nil
	// for transient breakpoints and stops at the end of a step.
	Breakpoint *Breakpoint

	Instruction     *AsmInstruction
	InstructionText string
}

// PC returns the program counter of the snapshot.
func (s *Snapshot) PC() uint64 {
	if s == nil || s.Registers == nil {
		return 0
	}
	return s.Registers.PC()
}

// ReturnAddress returns the return address of the innermost frame, if
// the stack walk found one.
func (s *Snapshot) ReturnAddress() (uint64, bool) {
	if s == nil || len(s.Frames) == 0 || s.Frames[0].Ret == 0 {
		return 0, false
	}
	return s.Frames[0].Ret, true
}

// Function returns the function of the innermost frame, nil if unknown.
func (s *Snapshot) Function() *Function {
	if s == nil || len(s.Frames) == 0 {
		return nil
	}
	return s.Frames[0].Function
}

// CaptureConfig are the knobs of Capture.
type CaptureConfig struct {
	MaxFrames int
	Flavour   AssemblyFlavour
}

// Capture reads the state of thread tid. Only a failure to read the
// registers is an error, every other failure degrades the snapshot.
func Capture(p ProcessControl, syms SymbolProvider, lines *LineIndex, bps *BreakpointTable, tid int, cfg CaptureConfig) (*Snapshot, error) {
	regs, err := p.Registers(tid)
	if err != nil {
		return nil, fmt.Errorf("could not read registers of thread %d: %w", tid, err)
	}
	s := &Snapshot{Tid: tid, Registers: regs.Copy()}

	frames, _ := Stacktrace(p, syms, lines, bps, regs, cfg.MaxFrames)
	s.Frames = frames

	if len(frames) > 0 {
		top := &frames[0]
		if lines != nil {
			if line, ok := lines.LineAt(top.PC); ok {
				s.Line = line
			} else if top.Function != nil {
				s.Line, _ = lines.LineContaining(top.PC, top.Function.Entry)
			}
		}
		if top.Function != nil {
			if locals, err := syms.Locals(top.PC); err == nil {
				s.Locals = readLocals(p, top, locals)
			}
		}
	}

	if instr, err := instructionAt(p, bps, regs.PC()); err == nil {
		s.Instruction = instr
		s.InstructionText = instr.Text(cfg.Flavour, symLookup(syms))
	}
	return s, nil
}

// symLookup adapts a SymbolProvider to the x86asm symbol lookup callback.
func symLookup(syms SymbolProvider) func(uint64) (string, uint64) {
	return func(addr uint64) (string, uint64) {
		fn, err := syms.ResolveAddress(addr)
		if err != nil {
			return "", 0
		}
		return fn.Name, fn.Entry
	}
}
