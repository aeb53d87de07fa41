package proc

import (
	"fmt"
)

// Stackframe represents a frame in a system stack.
type Stackframe struct {
	// PC is the current instruction for the innermost frame and the return
	// address into this frame for the others.
	PC uint64
	// Ret is the return address of this frame, read from the stack.
	Ret uint64
	// CFA is the canonical frame address: the value of RSP before the call
	// instruction that created this frame.
	CFA uint64

	Function *Function
	File     string
	Line     int

	// Err is set when the frame could not be resolved to a function or a
	// source line.
	Err error
}

// FrameBase returns the base address locals of kind k are relative to.
func (frame *Stackframe) FrameBase(k FrameBaseKind) uint64 {
	if k == FrameBaseRBP {
		return frame.CFA - 16
	}
	return frame.CFA
}

// FunctionName returns the name of the frame's function or "?".
func (frame *Stackframe) FunctionName() string {
	if frame.Function == nil {
		return "?"
	}
	return frame.Function.Name
}

func (frame *Stackframe) String() string {
	return fmt.Sprintf("%#016x in %s at %s:%d", frame.PC, frame.FunctionName(), frame.File, frame.Line)
}

// stackIterator walks the stack using frame pointers.
type stackIterator struct {
	pc, sp, fp uint64
	top        bool
	atend      bool
	frame      Stackframe
	mem        MemoryReader
	syms       SymbolProvider
	lines      *LineIndex
	bps        *BreakpointTable
	err        error
}

func newStackIterator(mem MemoryReader, syms SymbolProvider, lines *LineIndex, bps *BreakpointTable, regs *Registers) *stackIterator {
	return &stackIterator{pc: regs.PC(), sp: regs.SP(), fp: regs.BP(), top: true, mem: mem, syms: syms, lines: lines, bps: bps}
}

// Next points the iterator to the next stack frame.
func (it *stackIterator) Next() bool {
	if it.err != nil || it.atend {
		return false
	}

	fn, fnerr := it.syms.ResolveAddress(it.pc)
	if fnerr != nil {
		fn = nil
	}

	ret, cfa, callerFP, err := it.unwind(fn)
	if err != nil {
		if it.top {
			// the innermost frame is always reported, even when it can not be
			// unwound.
			it.frame = it.newStackframe(fn, fnerr, 0, it.sp)
			it.atend = true
			it.top = false
			return true
		}
		it.err = err
		return false
	}

	it.frame = it.newStackframe(fn, fnerr, ret, cfa)
	it.top = false

	if ret == 0 || callerFP != 0 && callerFP <= cfa-16 {
		it.atend = true
		return true
	}
	it.pc, it.sp, it.fp = ret, cfa, callerFP
	return true
}

// unwind computes the return address, CFA and caller frame pointer of the
// current frame.
func (it *stackIterator) unwind(fn *Function) (ret, cfa, callerFP uint64, err error) {
	if it.top {
		switch {
		case fn != nil && it.pc == fn.Entry:
			// before push rbp
			ret, err = readUint64(it.mem, it.sp)
			return ret, it.sp + 8, it.fp, err
		case fn != nil && it.afterPushRBP(fn):
			ret, err = readUint64(it.mem, it.sp+8)
			if err != nil {
				return 0, 0, 0, err
			}
			callerFP, err = readUint64(it.mem, it.sp)
			return ret, it.sp + 16, callerFP, err
		case it.atRet():
			// after leave, rbp already holds the caller's frame pointer
			ret, err = readUint64(it.mem, it.sp)
			return ret, it.sp + 8, it.fp, err
		}
	}
	if it.fp == 0 {
		return 0, 0, 0, fmt.Errorf("no frame pointer at %#x", it.pc)
	}
	ret, err = readUint64(it.mem, it.fp+8)
	if err != nil {
		return 0, 0, 0, err
	}
	callerFP, err = readUint64(it.mem, it.fp)
	if err != nil {
		return 0, 0, 0, err
	}
	cfa = it.fp + 16
	if cfa <= it.sp && !it.top {
		return 0, 0, 0, fmt.Errorf("frame pointer %#x below stack pointer %#x", it.fp, it.sp)
	}
	return ret, cfa, callerFP, nil
}

func (it *stackIterator) afterPushRBP(fn *Function) bool {
	instr, err := instructionAt(it.mem, it.bps, fn.Entry)
	if err != nil || !isPushRBP(instr) {
		return false
	}
	return it.pc == fn.Entry+uint64(instr.Size)
}

func (it *stackIterator) atRet() bool {
	instr, err := instructionAt(it.mem, it.bps, it.pc)
	return err == nil && instr.IsRet()
}

func (it *stackIterator) newStackframe(fn *Function, fnerr error, ret, cfa uint64) Stackframe {
	r := Stackframe{PC: it.pc, Ret: ret, CFA: cfa, Function: fn, Err: fnerr}
	// outer frames point after the call instruction, look up the line of
	// the call itself.
	pc := it.pc
	if !it.top && pc > 0 {
		pc--
	}
	if it.lines != nil {
		var entry uint64
		if fn != nil {
			entry = fn.Entry
		}
		if line, ok := it.lines.LineContaining(pc, entry); ok {
			r.File, r.Line = line.File, line.Index
		}
	}
	if r.File == "" {
		r.File = "?"
	}
	return r
}

// Frame returns the frame the iterator is pointing at.
func (it *stackIterator) Frame() Stackframe {
	return it.frame
}

// Err returns the error encountered during stack iteration.
func (it *stackIterator) Err() error {
	return it.err
}

func (it *stackIterator) stacktrace(depth int) ([]Stackframe, error) {
	if depth < 0 {
		return nil, fmt.Errorf("negative maximum stack depth")
	}
	frames := make([]Stackframe, 0, depth)
	for it.Next() {
		frames = append(frames, it.Frame())
		if len(frames) >= depth {
			break
		}
	}
	// a broken link terminates the walk, the frames collected so far are
	// still valid.
	return frames, nil
}

// Stacktrace returns the call stack of the thread whose registers are
// regs, innermost frame first, at most depth frames.
func Stacktrace(mem MemoryReader, syms SymbolProvider, lines *LineIndex, bps *BreakpointTable, regs *Registers, depth int) ([]Stackframe, error) {
	mem = cacheMemory(mem, regs.SP(), stackCacheSize(regs))
	return newStackIterator(mem, syms, lines, bps, regs).stacktrace(depth)
}

// stackCacheSize returns how much of the stack above RSP is worth reading
// in one go.
func stackCacheSize(regs *Registers) int {
	const maxCache = 4096
	if regs.BP() > regs.SP() && regs.BP()-regs.SP() < maxCache-16 {
		return int(regs.BP()-regs.SP()) + 16
	}
	return 0
}
