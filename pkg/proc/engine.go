package proc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/atomic"

	"github.com/ndbg/ndbg/pkg/logflags"
)

// EngineState is the state of the debug loop.
type EngineState int32

const (
	StateIdle EngineState = iota
	StateWaitingForEvent
	StateAtBreakpoint
	StateSteppingSingleInstruction
	StateTerminated
)

func (s EngineState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaitingForEvent:
		return "waiting for event"
	case StateAtBreakpoint:
		return "at breakpoint"
	case StateSteppingSingleInstruction:
		return "stepping"
	case StateTerminated:
		return "terminated"
	}
	return fmt.Sprintf("EngineState(%d)", int32(s))
}

// EngineConfig configures an Engine.
type EngineConfig struct {
	// EntrySymbol is the function the session stops at first.
	EntrySymbol string
	// MaxStackDepth bounds the stack walk of every snapshot.
	MaxStackDepth int
	// MaxStepInstructions bounds a step into request.
	MaxStepInstructions int
	// Flavour is the syntax of the disassembled current instruction.
	Flavour AssemblyFlavour
	// Sources reads the text of source files, may be nil.
	Sources SourceReader
	// KillOnStop kills the target on ActionStop instead of detaching.
	KillOnStop bool
}

// vacatedBreakpoint is a breakpoint removed to let the target execute the
// instruction underneath it.
type vacatedBreakpoint struct {
	bp *Breakpoint
	// passThrough is set when the breakpoint was removed only to resume
	// from it, without it having been hit.
	passThrough bool
}

// stepState tracks a step into request.
type stepState struct {
	file  string
	line  int
	count int
}

// Engine is the debugger engine: it consumes debug events from a
// ProcessControl and keeps the breakpoint table, the line index and the
// snapshot consistent with the target. Run must be called on a single
// goroutine; every other exported method is safe for concurrent use.
type Engine struct {
	proc     ProcessControl
	syms     SymbolProvider
	cfg      EngineConfig
	ctl      *ControlChannel
	listener Listener
	log      logflags.Logger

	bps   *BreakpointTable
	lines *LineIndex

	state      atomic.Int32
	exitCode   atomic.Int64
	killOnStop atomic.Bool

	snapshotMu sync.Mutex
	snapshot   *Snapshot

	// Fields below are owned by the debug loop goroutine.
	pid, tid       int
	skipLoaderTrap bool
	mode           Action
	vacated        *vacatedBreakpoint
	step           *stepState
	stopAddr       uint64
	// stepFrom is the address the last single step started from.
	stepFrom uint64
}

// NewEngine returns an idle engine driving p.
func NewEngine(p ProcessControl, syms SymbolProvider, cfg EngineConfig, listener Listener) *Engine {
	if cfg.EntrySymbol == "" {
		cfg.EntrySymbol = "main"
	}
	if cfg.MaxStackDepth <= 0 {
		cfg.MaxStackDepth = 50
	}
	if cfg.MaxStepInstructions <= 0 {
		cfg.MaxStepInstructions = 100000
	}
	if listener == nil {
		listener = NopListener{}
	}
	e := &Engine{
		proc:     p,
		syms:     syms,
		cfg:      cfg,
		ctl:      NewControlChannel(),
		listener: listener,
		log:      logflags.DebuggerLogger(),
		lines:    NewLineIndex(),
	}
	e.bps = NewBreakpointTable(p, e.locate)
	e.killOnStop.Store(cfg.KillOnStop)
	return e
}

func (e *Engine) locate(addr uint64) (fn, file string, line int) {
	var entry uint64
	if f, err := e.syms.ResolveAddress(addr); err == nil {
		fn, entry = f.Name, f.Entry
	}
	if l, ok := e.lines.LineContaining(addr, entry); ok {
		file, line = l.File, l.Index
	}
	return fn, file, line
}

// Control returns the channel controllers use to drive the engine.
func (e *Engine) Control() *ControlChannel { return e.ctl }

// State returns the current state of the debug loop.
func (e *Engine) State() EngineState { return EngineState(e.state.Load()) }

func (e *Engine) setState(s EngineState) {
	old := EngineState(e.state.Swap(int32(s)))
	if old != s {
		e.log.Debugf("state %s -> %s", old, s)
	}
}

// Snapshot returns the execution context captured at the last trap.
func (e *Engine) Snapshot() *Snapshot {
	e.snapshotMu.Lock()
	defer e.snapshotMu.Unlock()
	return e.snapshot
}

func (e *Engine) setSnapshot(s *Snapshot) {
	e.snapshotMu.Lock()
	e.snapshot = s
	e.snapshotMu.Unlock()
}

// Lines returns the address to line index.
func (e *Engine) Lines() *LineIndex { return e.lines }

// Breakpoints returns a copy of the breakpoint table.
func (e *Engine) Breakpoints() []Breakpoint { return e.bps.Breakpoints() }

// ExitCode returns the exit status of the target once terminated.
func (e *Engine) ExitCode() int { return int(e.exitCode.Load()) }

// Symbols returns the symbol provider of the session.
func (e *Engine) Symbols() SymbolProvider { return e.syms }

// Run drives the target until it exits or a Stop action is processed.
func (e *Engine) Run(ctx context.Context) error {
	if s := e.State(); s != StateIdle {
		return fmt.Errorf("engine already started (%s)", s)
	}
	e.setState(StateWaitingForEvent)
	for {
		ev, err := e.proc.NextDebugEvent(ctx)
		if err != nil {
			var pe ErrProcessExited
			if errors.As(err, &pe) {
				e.exited(pe.Status)
				return nil
			}
			e.terminate(true)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("waiting for debug event: %w", err)
		}
		e.log.Debugf("event %s", ev)
		resume, disp, err := e.handleEvent(ev)
		if err != nil {
			e.log.Errorf("handling %s: %v", ev, err)
		}
		if e.State() == StateTerminated {
			return err
		}
		if !resume {
			continue
		}
		if e.ctl.peek() == ActionStop {
			e.ctl.take()
			e.stop()
			return nil
		}
		if err := e.proc.ContinueEvent(ev.Pid, ev.Tid, disp); err != nil {
			var pe ErrProcessExited
			if errors.As(err, &pe) {
				e.exited(pe.Status)
				return nil
			}
			e.terminate(true)
			return fmt.Errorf("resuming target: %w", err)
		}
	}
}

func (e *Engine) handleEvent(ev *DebugEvent) (resume bool, disp ContinueDisposition, err error) {
	switch ev.Kind {
	case EventProcessCreated:
		e.pid, e.tid = ev.Pid, ev.Tid
		e.skipLoaderTrap = ev.LoaderBreakpoint
		if ev.Module != nil {
			e.loadModule(ev.Module)
		}
		e.setEntryBreakpoint()
		e.ctl.runQueued()
		return true, DispositionHandled, nil

	case EventModuleLoaded:
		if ev.Module != nil {
			e.loadModule(ev.Module)
		}
		e.ctl.runQueued()
		return true, DispositionHandled, nil

	case EventModuleUnloaded, EventThreadCreated, EventThreadExited:
		return true, DispositionHandled, nil

	case EventOutputDebugString:
		e.listener.Output(ev.Output)
		return true, DispositionHandled, nil

	case EventProcessExited:
		e.exited(ev.ExitCode)
		return false, DispositionHandled, nil

	case EventException:
		if ev.Exception == nil {
			return true, DispositionNotHandled, nil
		}
		e.tid = ev.Tid
		switch ev.Exception.Code {
		case ExceptionBreakpoint:
			e.setState(StateAtBreakpoint)
			return e.atBreakpoint(ev)
		case ExceptionSingleStep:
			e.setState(StateSteppingSingleInstruction)
			return e.singleStep(ev)
		}
		e.log.Debugf("passing exception %#x at %#x to the target", ev.Exception.Raw, ev.Exception.Address)
		return true, DispositionNotHandled, nil
	}
	return true, DispositionHandled, nil
}

func (e *Engine) loadModule(mi *ModuleInfo) {
	mod, err := e.syms.LoadModule(mi.Path, mi.Base)
	if err != nil {
		e.log.Warnf("could not load symbols for %s: %v", mi.Path, err)
		return
	}
	files, err := e.syms.SourceFiles(mod)
	if err != nil {
		e.log.Warnf("could not list source files of %s: %v", mi.Path, err)
		return
	}
	texts := make(map[string][]string, len(files))
	records := make(map[string][]LineRecord, len(files))
	for _, file := range files {
		recs, err := e.syms.Lines(mod, file)
		if err != nil {
			e.log.Debugf("no line table for %s: %v", file, err)
			continue
		}
		records[file] = recs
		if e.cfg.Sources == nil {
			continue
		}
		text, err := e.cfg.Sources.ReadSource(file)
		if err != nil {
			e.log.Debugf("could not read source %s: %v", file, err)
			continue
		}
		texts[file] = text
	}
	e.lines.Extend(texts, records)
	e.log.Debugf("loaded %s at %#x: %d source files", mi.Path, mi.Base, len(files))
	e.listener.SourcesLoaded(e.lines.Sources())
}

func (e *Engine) setEntryBreakpoint() {
	addr, err := e.syms.ResolveSymbol(e.cfg.EntrySymbol)
	if err != nil {
		e.log.Warnf("entry symbol %s: %v, the target will run until a breakpoint is hit", e.cfg.EntrySymbol, err)
		return
	}
	if _, err := e.bps.Set(addr, TransientBreakpoint); err != nil {
		e.log.Warnf("could not set entry breakpoint at %#x: %v", addr, err)
	}
}

func (e *Engine) atBreakpoint(ev *DebugEvent) (bool, ContinueDisposition, error) {
	addr := ev.Exception.Address
	bp, ok := e.bps.Find(addr)
	if !ok {
		if e.skipLoaderTrap {
			e.skipLoaderTrap = false
			e.log.Debugf("skipping loader breakpoint at %#x", addr)
		} else {
			e.log.Infof("breakpoint trap at %#x is not ours, continuing", addr)
		}
		e.setState(StateWaitingForEvent)
		return true, DispositionHandled, nil
	}

	// a breakpoint ends any step into in progress
	e.step = nil

	kind := bp.Kind
	removed, err := e.bps.Remove(addr)
	if err != nil {
		e.log.Errorf("restoring original byte of breakpoint at %#x: %v", addr, err)
	}
	if removed != nil {
		removed.HitCount++
		e.vacated = &vacatedBreakpoint{bp: removed}
	}

	regs, err := e.proc.Registers(ev.Tid)
	if err != nil {
		return false, DispositionHandled, e.fatal(fmt.Errorf("reading registers at breakpoint %#x: %w", addr, err))
	}
	regs.SetPC(addr)
	regs.SetTrapFlag(true)
	if err := e.proc.SetRegisters(ev.Tid, regs); err != nil {
		return false, DispositionHandled, e.fatal(fmt.Errorf("rewinding to breakpoint %#x: %w", addr, err))
	}
	e.stepFrom = addr

	var hit *Breakpoint
	if kind == UserBreakpoint {
		hit = removed
	}
	e.refreshSnapshot(ev.Tid, hit)
	e.reportLine(addr)

	if kind == UserBreakpoint {
		e.instrumentFunction(addr)
	}
	e.setState(StateSteppingSingleInstruction)
	return true, DispositionHandled, nil
}

// instrumentFunction sets a transient breakpoint on every line of the
// function containing addr, except addr itself, so that the next line
// executed in the function traps.
func (e *Engine) instrumentFunction(addr uint64) {
	fn, err := e.syms.ResolveAddress(addr)
	if err != nil {
		e.log.Debugf("no function for %#x: %v", addr, err)
		return
	}
	for _, lineAddr := range e.lines.LinesBetween(fn.Entry, fn.End) {
		if lineAddr == addr {
			continue
		}
		if _, ok := e.bps.Find(lineAddr); ok {
			continue
		}
		if _, err := e.bps.Set(lineAddr, TransientBreakpoint); err != nil {
			e.log.Debugf("instrumenting %s at %#x: %v", fn.Name, lineAddr, err)
		}
	}
}

func (e *Engine) singleStep(ev *DebugEvent) (bool, ContinueDisposition, error) {
	regs, err := e.proc.Registers(ev.Tid)
	if err != nil {
		return false, DispositionHandled, e.fatal(fmt.Errorf("reading registers after single step: %w", err))
	}
	pc := regs.PC()

	if e.vacated == nil && pc-1 == e.stepFrom {
		if _, ok := e.bps.Find(pc - 1); ok {
			// the stepped instruction was one of our breakpoints
			e.log.Debugf("single step executed the breakpoint at %#x", pc-1)
			bev := *ev
			bev.Exception = &ExceptionInfo{Code: ExceptionBreakpoint, Address: pc - 1, FirstChance: true}
			if ev.Exception != nil {
				bev.Exception.Raw = ev.Exception.Raw
			}
			e.setState(StateAtBreakpoint)
			return e.atBreakpoint(&bev)
		}
	}

	vacated := e.vacated
	e.vacated = nil
	if vacated != nil && vacated.bp.Kind == UserBreakpoint {
		if _, err := e.bps.Reinsert(vacated.bp); err != nil {
			e.log.Errorf("re-arming breakpoint at %#x: %v", vacated.bp.Addr, err)
		}
	}

	if e.step != nil {
		e.step.count++
		line, atLine := e.lines.LineAt(pc)
		switch {
		case atLine && (line.File != e.step.file || line.Index != e.step.line):
			e.step = nil
			e.refreshSnapshot(ev.Tid, nil)
			e.reportLine(pc)
		case e.step.count >= e.cfg.MaxStepInstructions:
			e.log.Warnf("step into gave up after %d instructions at %#x", e.step.count, pc)
			e.step = nil
			e.refreshSnapshot(ev.Tid, nil)
		default:
			return e.resumeStepping(ev.Tid, regs)
		}
		return e.park(ev.Tid)
	}

	if vacated == nil {
		// spurious single step
		return true, DispositionHandled, nil
	}
	if vacated.passThrough {
		e.setState(StateWaitingForEvent)
		return true, DispositionHandled, nil
	}
	if e.mode == ActionContinue && vacated.bp.Kind == TransientBreakpoint {
		e.setState(StateWaitingForEvent)
		return true, DispositionHandled, nil
	}
	return e.park(ev.Tid)
}

// resumeStepping executes one more instruction of a step into request.
func (e *Engine) resumeStepping(tid int, regs *Registers) (bool, ContinueDisposition, error) {
	regs.SetTrapFlag(true)
	if err := e.proc.SetRegisters(tid, regs); err != nil {
		return false, DispositionHandled, e.fatal(fmt.Errorf("setting trap flag: %w", err))
	}
	e.stepFrom = regs.PC()
	return true, DispositionHandled, nil
}

// park notifies the controllers that the target stopped and blocks until
// an action is posted.
func (e *Engine) park(tid int) (bool, ContinueDisposition, error) {
	for {
		e.listener.Stopped(e.Snapshot())
		a := e.ctl.wait()
		e.log.Debugf("action %s", a)
		if a == ActionStop {
			e.stop()
			return false, DispositionHandled, nil
		}
		e.mode = a

		regs, err := e.proc.Registers(tid)
		if err != nil {
			return false, DispositionHandled, e.fatal(fmt.Errorf("reading registers: %w", err))
		}
		pc := regs.PC()

		switch a {
		case ActionStepOver:
			e.setStepOverBreakpoint()
		case ActionStepInto:
			origin, _ := e.stopLine()
			if line, ok := e.lines.LineAt(pc); ok && pc != e.stopAddr && (origin == nil || line.File != origin.File || line.Index != origin.Index) {
				// already at the first instruction of another line
				e.refreshSnapshot(tid, nil)
				e.reportLine(pc)
				continue
			}
			e.step = &stepState{}
			if origin != nil {
				e.step.file, e.step.line = origin.File, origin.Index
			}
		}

		trap := a == ActionStepInto
		if bp, ok := e.bps.Find(pc); ok && pc == e.stopAddr {
			// parked on a breakpoint that has not been executed yet, step
			// over it.
			removed, err := e.bps.Remove(pc)
			if err != nil {
				e.log.Errorf("restoring original byte of breakpoint at %#x: %v", pc, err)
			}
			if removed == nil {
				removed = bp
			}
			e.vacated = &vacatedBreakpoint{bp: removed, passThrough: true}
			trap = true
		}
		if trap {
			regs.SetTrapFlag(true)
			if err := e.proc.SetRegisters(tid, regs); err != nil {
				return false, DispositionHandled, e.fatal(fmt.Errorf("setting trap flag: %w", err))
			}
			e.stepFrom = pc
			e.setState(StateSteppingSingleInstruction)
		} else {
			e.setState(StateWaitingForEvent)
		}
		return true, DispositionHandled, nil
	}
}

// stopLine returns the line the target is reported to be stopped at.
func (e *Engine) stopLine() (*SourceLine, *Function) {
	fn, err := e.syms.ResolveAddress(e.stopAddr)
	if err != nil {
		fn = nil
	}
	if line, ok := e.lines.LineAt(e.stopAddr); ok {
		return line, fn
	}
	if fn != nil {
		line, _ := e.lines.LineContaining(e.stopAddr, fn.Entry)
		return line, fn
	}
	return nil, nil
}

// setStepOverBreakpoint sets a transient breakpoint on the line following
// the current one. If that line is outside the current function the
// return address is used instead.
func (e *Engine) setStepOverBreakpoint() {
	cur, fn := e.stopLine()
	target, ok := e.nextLineAddr(cur, fn)
	if !ok {
		ret, hasRet := e.Snapshot().ReturnAddress()
		if !hasRet {
			e.log.Debugf("step over at %#x: no next line and no return address", e.stopAddr)
			return
		}
		target = ret
	}
	if _, exists := e.bps.Find(target); exists {
		return
	}
	if _, err := e.bps.Set(target, TransientBreakpoint); err != nil {
		e.log.Errorf("step over: setting breakpoint at %#x: %v", target, err)
	}
}

// nextLineAddr returns the first address after the stop address that
// belongs to a different line of the same function.
func (e *Engine) nextLineAddr(cur *SourceLine, fn *Function) (uint64, bool) {
	addr := e.stopAddr
	for {
		next, line, err := e.lines.NextLineAfter(addr)
		if err != nil {
			return 0, false
		}
		if fn != nil && !fn.Contains(next) {
			return 0, false
		}
		if line != cur {
			return next, true
		}
		addr = next
	}
}

func (e *Engine) reportLine(addr uint64) {
	e.stopAddr = addr
	line, ok := e.lines.LineAt(addr)
	if !ok {
		if fn, err := e.syms.ResolveAddress(addr); err == nil {
			line, ok = e.lines.LineContaining(addr, fn.Entry)
		}
	}
	if !ok {
		line = nil
	}
	e.listener.LineChanged(addr, line)
}

func (e *Engine) refreshSnapshot(tid int, hit *Breakpoint) {
	s, err := Capture(e.proc, e.syms, e.lines, e.bps, tid, CaptureConfig{MaxFrames: e.cfg.MaxStackDepth, Flavour: e.cfg.Flavour})
	if err != nil {
		e.log.Errorf("capturing execution context: %v", err)
		return
	}
	if hit != nil {
		cpy := *hit
		s.Breakpoint = &cpy
	}
	e.setSnapshot(s)
}

// stop ends the session on a Stop action: breakpoints are removed and the
// target is detached (or killed).
func (e *Engine) stop() {
	e.terminate(e.killOnStop.Load())
}

func (e *Engine) terminate(kill bool) {
	if !kill {
		if err := e.bps.ClearAll(); err != nil {
			e.log.Warnf("removing breakpoints before detach: %v", err)
		}
	}
	if err := e.proc.Detach(kill); err != nil {
		e.log.Warnf("detach: %v", err)
	}
	e.setState(StateTerminated)
	e.ctl.close()
}

func (e *Engine) exited(code int) {
	e.exitCode.Store(int64(code))
	e.setState(StateTerminated)
	e.ctl.close()
	e.listener.Exited(code)
	if err := e.proc.Detach(false); err != nil {
		e.log.Debugf("releasing exited process: %v", err)
	}
}

// fatal terminates the session after an unrecoverable backend error.
func (e *Engine) fatal(err error) error {
	e.terminate(true)
	return err
}

// CreateBreakpoint sets a user breakpoint at addr, at the next stop of the
// target. A transient breakpoint already at addr is promoted, a user
// breakpoint at addr is a BreakpointExistsError.
func (e *Engine) CreateBreakpoint(ctx context.Context, addr uint64) (*Breakpoint, error) {
	var bp *Breakpoint
	var err error
	doErr := e.ctl.Do(ctx, func() {
		cur, ok := e.bps.Find(addr)
		switch {
		case !ok:
			bp, err = e.bps.Set(addr, UserBreakpoint)
		case cur.Kind == UserBreakpoint:
			err = BreakpointExistsError{cur.File, cur.Line, cur.Addr, cur.Kind}
		default:
			bp, err = e.bps.Promote(addr)
		}
		if bp != nil {
			cpy := *bp
			bp = &cpy
		}
	})
	if doErr != nil {
		return nil, doErr
	}
	return bp, err
}

// ClearBreakpoint removes the user breakpoint at addr at the next stop of
// the target.
func (e *Engine) ClearBreakpoint(ctx context.Context, addr uint64) (*Breakpoint, error) {
	var bp *Breakpoint
	var err error
	doErr := e.ctl.Do(ctx, func() {
		if e.vacated != nil && e.vacated.bp.Addr == addr {
			e.vacated = nil
		}
		cur, ok := e.bps.Find(addr)
		if !ok || cur.Kind != UserBreakpoint {
			err = NoBreakpointError{Addr: addr}
			return
		}
		bp, err = e.bps.Remove(addr)
		if bp != nil {
			cpy := *bp
			bp = &cpy
		}
	})
	if doErr != nil {
		return nil, doErr
	}
	return bp, err
}

// ReadMemory reads target memory at the next stop of the target.
// Breakpoint instructions are not hidden.
func (e *Engine) ReadMemory(ctx context.Context, addr uint64, size int) ([]byte, error) {
	var data []byte
	var err error
	doErr := e.ctl.Do(ctx, func() {
		data, err = e.proc.ReadMemory(addr, size)
	})
	if doErr != nil {
		return nil, doErr
	}
	return data, err
}

// Disassemble disassembles [start, end) at the next stop of the target.
func (e *Engine) Disassemble(ctx context.Context, start, end uint64) ([]AsmInstruction, error) {
	var text []AsmInstruction
	var err error
	doErr := e.ctl.Do(ctx, func() {
		text, err = Disassemble(e.proc, e.bps, e.Snapshot().PC(), start, end)
	})
	if doErr != nil {
		return nil, doErr
	}
	return text, err
}

// Stop ends the session: the target is killed if kill is true, detached
// otherwise. A running target is interrupted if the backend supports it,
// else the stop happens at the next debug event. Returns false if the
// session already terminated.
func (e *Engine) Stop(kill bool) bool {
	e.killOnStop.Store(kill)
	if !e.ctl.Post(ActionStop) {
		return false
	}
	if e.ctl.Parked() {
		return true
	}
	if i, ok := e.proc.(Interrupter); ok {
		if err := i.Interrupt(); err != nil {
			e.log.Warnf("interrupting target: %v", err)
		}
	}
	return true
}

// SymLookup returns a symbol lookup function for AsmInstruction.Text.
func (e *Engine) SymLookup() func(uint64) (string, uint64) {
	return symLookup(e.syms)
}
