package proc

import (
	"context"
	"fmt"
)

// ProcessControl is the capability the engine uses to drive a target
// process. Implementations are provided by pkg/proc/native (ptrace) and
// pkg/proc/emu (emulated target).
//
// All methods are called from the debug loop goroutine, except
// ReadMemory, which controllers may call through Engine queries while the
// target is stopped.
type ProcessControl interface {
	// Pid returns the process id of the target.
	Pid() int
	// ReadMemory reads size bytes at addr.
	ReadMemory(addr uint64, size int) ([]byte, error)
	// WriteMemory writes data at addr, bypassing page protections.
	WriteMemory(addr uint64, data []byte) error
	// FlushInstructionCache makes a code patch visible to the CPU.
	FlushInstructionCache(addr uint64, size int) error
	// Registers returns the register set of thread tid.
	Registers(tid int) (*Registers, error)
	// SetRegisters writes the register set of thread tid. Setting the trap
	// flag arms a single step for the next ContinueEvent.
	SetRegisters(tid int, regs *Registers) error
	// NextDebugEvent blocks until the target reports a debug event. There
	// is no timeout: it only returns early if ctx is canceled.
	NextDebugEvent(ctx context.Context) (*DebugEvent, error)
	// ContinueEvent resumes the target after the event reported for
	// (pid, tid).
	ContinueEvent(pid, tid int, disposition ContinueDisposition) error
	// Detach releases the target, killing it if kill is true.
	Detach(kill bool) error
}

// Interrupter is implemented by backends that can force a running target
// to report a debug event, so that a blocked NextDebugEvent returns.
type Interrupter interface {
	Interrupt() error
}

// ModuleID identifies a module loaded into a SymbolProvider.
type ModuleID int

// LineRecord is one (line, address) pair of a module's line table.
type LineRecord struct {
	Line int
	Addr uint64
}

// Function describes the function enclosing an address.
type Function struct {
	Name  string
	Entry uint64
	End   uint64 // first address after the function
}

// Contains returns true if pc is inside fn.
func (fn *Function) Contains(pc uint64) bool {
	return fn != nil && fn.Entry <= pc && pc < fn.End
}

// FrameBaseKind describes how the frame base of a function is computed.
type FrameBaseKind uint8

const (
	// FrameBaseCFA is the canonical frame address, RBP+16 once the
	// standard prologue has run.
	FrameBaseCFA FrameBaseKind = iota
	// FrameBaseRBP is the value of RBP.
	FrameBaseRBP
)

// TypeKind classifies the types the variable formatter understands.
type TypeKind uint8

const (
	UnsupportedType TypeKind = iota
	IntType
	UintType
	FloatType
	BoolType
	CharType
	PointerType
)

// VariableType is the type of a local variable as described by the
// symbol provider.
type VariableType struct {
	Name string
	Kind TypeKind
	Size int
}

// LocalVariable is a stack resident variable: its value lives at
// frameBase+Offset.
type LocalVariable struct {
	Name      string
	Type      VariableType
	Offset    int64
	FrameBase FrameBaseKind
}

// SymbolProvider is the capability that turns debug information into
// source level knowledge.
type SymbolProvider interface {
	// LoadModule loads the debug information of the executable or library
	// at path, mapped at baseAddress.
	LoadModule(path string, baseAddress uint64) (ModuleID, error)
	// SourceFiles lists the source files of a module.
	SourceFiles(mod ModuleID) ([]string, error)
	// Lines returns the line table of file inside mod.
	Lines(mod ModuleID, file string) ([]LineRecord, error)
	// ResolveSymbol returns the address of a function.
	ResolveSymbol(name string) (uint64, error)
	// ResolveAddress returns the function containing addr.
	ResolveAddress(addr uint64) (*Function, error)
	// Locals lists the stack resident locals visible at pc.
	Locals(pc uint64) ([]LocalVariable, error)
}

// FunctionLister is implemented by symbol providers that can enumerate
// the functions they know about.
type FunctionLister interface {
	Functions() []string
}

// SourceReader returns the literal text lines of a source file.
type SourceReader interface {
	ReadSource(file string) ([]string, error)
}

// EventKind is the kind of a raw debug event.
type EventKind uint8

const (
	EventProcessCreated EventKind = iota
	EventModuleLoaded
	EventModuleUnloaded
	EventThreadCreated
	EventThreadExited
	EventException
	EventOutputDebugString
	EventProcessExited
)

func (k EventKind) String() string {
	switch k {
	case EventProcessCreated:
		return "ProcessCreated"
	case EventModuleLoaded:
		return "ModuleLoaded"
	case EventModuleUnloaded:
		return "ModuleUnloaded"
	case EventThreadCreated:
		return "ThreadCreated"
	case EventThreadExited:
		return "ThreadExited"
	case EventException:
		return "Exception"
	case EventOutputDebugString:
		return "OutputDebugString"
	case EventProcessExited:
		return "ProcessExited"
	}
	return fmt.Sprintf("EventKind(%d)", uint8(k))
}

// ExceptionCode classifies exception events.
type ExceptionCode uint8

const (
	ExceptionOther ExceptionCode = iota
	ExceptionBreakpoint
	ExceptionSingleStep
)

func (c ExceptionCode) String() string {
	switch c {
	case ExceptionBreakpoint:
		return "breakpoint"
	case ExceptionSingleStep:
		return "single-step"
	}
	return "other"
}

// ModuleInfo is attached to process creation and module load events.
type ModuleInfo struct {
	Path string
	Base uint64
}

// ExceptionInfo is attached to exception events.
type ExceptionInfo struct {
	Code ExceptionCode
	// Address is the address of the faulting instruction. For breakpoint
	// traps it is the address of the trap instruction itself.
	Address uint64
	// Raw is the backend specific exception code (signal number on Linux).
	Raw         uint32
	FirstChance bool
}

// DebugEvent is a raw debug event as reported by a ProcessControl.
type DebugEvent struct {
	Kind      EventKind
	Pid       int
	Tid       int
	Module    *ModuleInfo
	Exception *ExceptionInfo
	// LoaderBreakpoint is set on EventProcessCreated when the backend will
	// deliver one breakpoint trap of its own before the program runs.
	LoaderBreakpoint bool
	Output           string
	ExitCode         int
}

func (ev *DebugEvent) String() string {
	switch {
	case ev.Exception != nil:
		return fmt.Sprintf("%s(%s) pid=%d tid=%d addr=%#x", ev.Kind, ev.Exception.Code, ev.Pid, ev.Tid, ev.Exception.Address)
	case ev.Module != nil:
		return fmt.Sprintf("%s(%s@%#x) pid=%d", ev.Kind, ev.Module.Path, ev.Module.Base, ev.Pid)
	case ev.Kind == EventProcessExited:
		return fmt.Sprintf("%s pid=%d status=%d", ev.Kind, ev.Pid, ev.ExitCode)
	}
	return fmt.Sprintf("%s pid=%d tid=%d", ev.Kind, ev.Pid, ev.Tid)
}

// ContinueDisposition tells the backend whether the event was handled by
// the debugger or must be passed to the target.
type ContinueDisposition uint8

const (
	DispositionHandled ContinueDisposition = iota
	DispositionNotHandled
)

// SymbolResolutionError is returned when no debug information describes a
// name or an address.
type SymbolResolutionError struct {
	Name string
	Addr uint64
}

func (err *SymbolResolutionError) Error() string {
	if err.Name != "" {
		return fmt.Sprintf("could not find symbol %s", err.Name)
	}
	return fmt.Sprintf("no debug information for address %#x", err.Addr)
}

// ErrProcessExited indicates that the process has exited and contains both
// process id and exit status.
type ErrProcessExited struct {
	Pid    int
	Status int
}

func (pe ErrProcessExited) Error() string {
	return fmt.Sprintf("Process %d has exited with status %d", pe.Pid, pe.Status)
}
