package debugger

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"

	"go.uber.org/atomic"

	"github.com/ndbg/ndbg/pkg/logflags"
	"github.com/ndbg/ndbg/pkg/proc"
)

// Debugger service.
//
// Debugger provides a higher level of abstraction over proc.Engine. It
// runs the debug loop on its own goroutine and turns every command into
// an action posted on the engine's control channel followed by a wait for
// the next stop.
type Debugger struct {
	config  *Config
	backend Backend
	engine  *proc.Engine
	log     logflags.Logger

	// processMutex serializes execution commands.
	processMutex sync.Mutex
	running      atomic.Bool

	done   chan struct{}
	runErr error
}

// Config provides the configuration to start a Debugger.
type Config struct {
	// EntrySymbol is the function the session stops at first.
	EntrySymbol string
	// MaxStackDepth bounds the stack walk of every stop.
	MaxStackDepth int
	// MaxStepInstructions bounds a single step into request.
	MaxStepInstructions int
	// DisassembleFlavour is the syntax of disassembled instructions.
	DisassembleFlavour proc.AssemblyFlavour
	// ContinueOnStart resumes the target after the first stop.
	ContinueOnStart bool
	// Listener receives the notifications of the debug loop, may be nil.
	Listener proc.Listener
}

// State is the state of the target after a command.
type State struct {
	// Running is true if the target is executing a command.
	Running bool
	// Exited is true once the target has terminated.
	Exited   bool
	ExitCode int
	// Snapshot is the execution context of the last stop.
	Snapshot *proc.Snapshot
	// Line is the source line of the last stop, nil if unknown.
	Line *proc.SourceLine
	// Breakpoint is the breakpoint that caused the stop, nil for steps.
	Breakpoint *proc.Breakpoint
}

// New starts a debug session on backend and returns once the target is
// stopped at the entry symbol (or has already terminated).
func New(config *Config, backend Backend) (*Debugger, error) {
	if config == nil {
		config = &Config{}
	}
	if backend.Process == nil || backend.Symbols == nil {
		return nil, errors.New("incomplete backend")
	}
	d := &Debugger{
		config:  config,
		backend: backend,
		log:     logflags.DebuggerLogger(),
		done:    make(chan struct{}),
	}

	listeners := proc.MultiListener{&sessionLogger{log: d.log}}
	if config.Listener != nil {
		listeners = append(listeners, config.Listener)
	}
	d.engine = proc.NewEngine(backend.Process, backend.Symbols, proc.EngineConfig{
		EntrySymbol:         config.EntrySymbol,
		MaxStackDepth:       config.MaxStackDepth,
		MaxStepInstructions: config.MaxStepInstructions,
		Flavour:             config.DisassembleFlavour,
		Sources:             backend.Sources,
	}, listeners)

	d.log.Infof("starting debug session for pid %d", backend.Process.Pid())
	go func() {
		d.runErr = d.engine.Run(context.Background())
		if d.runErr != nil {
			d.log.Errorf("debug loop: %v", d.runErr)
		}
		close(d.done)
	}()

	if _, err := d.engine.Control().WaitParked(context.Background()); err != nil {
		return nil, err
	}
	if d.engine.State() == proc.StateTerminated {
		<-d.done
		if d.runErr != nil {
			return nil, fmt.Errorf("could not start debug session: %w", d.runErr)
		}
		return d, nil
	}

	if config.ContinueOnStart {
		if _, err := d.Continue(context.Background()); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// ProcessPid returns the PID of the process the debugger is attached to.
func (d *Debugger) ProcessPid() int {
	return d.backend.Process.Pid()
}

// Engine returns the engine driving the target.
func (d *Debugger) Engine() *proc.Engine {
	return d.engine
}

// Continue resumes the target until the next user breakpoint or exit.
func (d *Debugger) Continue(ctx context.Context) (*State, error) {
	return d.Command(ctx, proc.ActionContinue)
}

// Next steps over the current source line.
func (d *Debugger) Next(ctx context.Context) (*State, error) {
	return d.Command(ctx, proc.ActionStepOver)
}

// Step steps into the current source line.
func (d *Debugger) Step(ctx context.Context) (*State, error) {
	return d.Command(ctx, proc.ActionStepInto)
}

// Command posts an execution action and waits until the target stops
// again. A target that exits during the command yields an Exited state
// and no error; a command issued after the exit fails with
// proc.ErrProcessExited.
func (d *Debugger) Command(ctx context.Context, a proc.Action) (*State, error) {
	if a == proc.ActionStop || a == proc.ActionNone {
		return nil, fmt.Errorf("invalid command %s", a)
	}
	d.processMutex.Lock()
	defer d.processMutex.Unlock()

	ctl := d.engine.Control()
	seq, err := ctl.WaitParked(ctx)
	if err != nil {
		return nil, err
	}
	if ctl.Closed() {
		return d.State(), proc.ErrProcessExited{Pid: d.ProcessPid(), Status: d.engine.ExitCode()}
	}

	d.log.Debugf("%s", a)
	d.running.Store(true)
	defer d.running.Store(false)
	if !ctl.Post(a) {
		return d.State(), proc.ErrProcessExited{Pid: d.ProcessPid(), Status: d.engine.ExitCode()}
	}
	if _, err := ctl.WaitStop(ctx, seq); err != nil {
		return nil, err
	}
	return d.state(false), nil
}

// State returns the current state of the target.
func (d *Debugger) State() *State {
	return d.state(d.running.Load())
}

func (d *Debugger) state(running bool) *State {
	s := &State{Running: running}
	if d.engine.State() == proc.StateTerminated {
		s.Exited = true
		s.ExitCode = d.engine.ExitCode()
		return s
	}
	s.Snapshot = d.engine.Snapshot()
	if s.Snapshot != nil {
		s.Line = s.Snapshot.Line
		s.Breakpoint = s.Snapshot.Breakpoint
	}
	return s
}

// CreateBreakpoint sets a user breakpoint on file:line.
func (d *Debugger) CreateBreakpoint(ctx context.Context, file string, line int) (*proc.Breakpoint, error) {
	loc, err := d.lineLocation(file, line)
	if err != nil {
		return nil, err
	}
	return d.CreateBreakpointAt(ctx, loc.Addr)
}

// CreateBreakpointAt sets a user breakpoint on addr. A transient
// breakpoint already at addr is promoted.
func (d *Debugger) CreateBreakpointAt(ctx context.Context, addr uint64) (*proc.Breakpoint, error) {
	bp, err := d.engine.CreateBreakpoint(ctx, addr)
	if err != nil {
		return nil, err
	}
	d.log.Infof("created breakpoint %d at %s", bp.ID, lineFor(bp))
	return bp, nil
}

// ClearBreakpoint removes the user breakpoint with the given ID.
func (d *Debugger) ClearBreakpoint(ctx context.Context, id int) (*proc.Breakpoint, error) {
	bp := d.FindBreakpoint(id)
	if bp == nil {
		return nil, fmt.Errorf("no breakpoint with id %d", id)
	}
	return d.ClearBreakpointAt(ctx, bp.Addr)
}

// ClearBreakpointAt removes the user breakpoint at addr.
func (d *Debugger) ClearBreakpointAt(ctx context.Context, addr uint64) (*proc.Breakpoint, error) {
	bp, err := d.engine.ClearBreakpoint(ctx, addr)
	if err != nil {
		return nil, err
	}
	d.log.Infof("cleared breakpoint %d at %s", bp.ID, lineFor(bp))
	return bp, nil
}

// Breakpoints returns the user breakpoints, ordered by ID.
func (d *Debugger) Breakpoints() []proc.Breakpoint {
	var r []proc.Breakpoint
	for _, bp := range d.engine.Breakpoints() {
		if bp.Kind == proc.UserBreakpoint {
			r = append(r, bp)
		}
	}
	sort.Slice(r, func(i, j int) bool { return r[i].ID < r[j].ID })
	return r
}

// FindBreakpoint returns the user breakpoint with the given ID.
func (d *Debugger) FindBreakpoint(id int) *proc.Breakpoint {
	for _, bp := range d.Breakpoints() {
		if bp.ID == id {
			return &bp
		}
	}
	return nil
}

// Sources returns the indexed source files matching filter.
func (d *Debugger) Sources(filter string) ([]string, error) {
	regex, err := regexp.Compile(filter)
	if err != nil {
		return nil, fmt.Errorf("invalid filter argument: %s", err.Error())
	}
	var files []string
	for _, f := range d.engine.Lines().Files() {
		if regex.MatchString(f) {
			files = append(files, f)
		}
	}
	return files, nil
}

// Functions returns the function names matching filter. It returns an
// empty list if the symbol provider cannot enumerate its functions.
func (d *Debugger) Functions(filter string) ([]string, error) {
	regex, err := regexp.Compile(filter)
	if err != nil {
		return nil, fmt.Errorf("invalid filter argument: %s", err.Error())
	}
	lister, ok := d.backend.Symbols.(proc.FunctionLister)
	if !ok {
		return nil, nil
	}
	var funcs []string
	for _, name := range lister.Functions() {
		if regex.MatchString(name) {
			funcs = append(funcs, name)
		}
	}
	return funcs, nil
}

// SourceLines returns the lines of file, resolved as a path suffix.
func (d *Debugger) SourceLines(file string) (string, []*proc.SourceLine, error) {
	lines := d.engine.Lines()
	name, err := lines.FindFile(file)
	if err != nil {
		return "", nil, err
	}
	return name, lines.FileLines(name), nil
}

// Stacktrace returns the call stack captured at the last stop.
func (d *Debugger) Stacktrace() ([]proc.Stackframe, error) {
	snap, err := d.stoppedSnapshot()
	if err != nil {
		return nil, err
	}
	return snap.Frames, nil
}

// LocalVariables returns the locals of the innermost frame.
func (d *Debugger) LocalVariables() ([]proc.Variable, error) {
	snap, err := d.stoppedSnapshot()
	if err != nil {
		return nil, err
	}
	return snap.Locals, nil
}

// Registers returns the registers captured at the last stop.
func (d *Debugger) Registers() (*proc.Registers, error) {
	snap, err := d.stoppedSnapshot()
	if err != nil {
		return nil, err
	}
	return snap.Registers, nil
}

func (d *Debugger) stoppedSnapshot() (*proc.Snapshot, error) {
	if d.engine.State() == proc.StateTerminated {
		return nil, proc.ErrProcessExited{Pid: d.ProcessPid(), Status: d.engine.ExitCode()}
	}
	snap := d.engine.Snapshot()
	if snap == nil {
		return nil, errors.New("target has not stopped yet")
	}
	return snap, nil
}

// Disassemble disassembles count instructions starting at addr, without
// crossing the end of the enclosing function. An addr of 0 means the
// current PC.
func (d *Debugger) Disassemble(ctx context.Context, addr uint64, count int) ([]proc.AsmInstruction, error) {
	if addr == 0 {
		snap, err := d.stoppedSnapshot()
		if err != nil {
			return nil, err
		}
		addr = snap.PC()
	}
	if count <= 0 {
		count = 1
	}
	end := addr + uint64(count)*maxInstructionLength
	if fn, err := d.backend.Symbols.ResolveAddress(addr); err == nil && fn.End < end {
		end = fn.End
	}
	text, err := d.engine.Disassemble(ctx, addr, end)
	if len(text) > count {
		text = text[:count]
	}
	return text, err
}

const maxInstructionLength = 15

// DisassembleFunction disassembles the function containing addr.
func (d *Debugger) DisassembleFunction(ctx context.Context, addr uint64) (*proc.Function, []proc.AsmInstruction, error) {
	fn, err := d.backend.Symbols.ResolveAddress(addr)
	if err != nil {
		return nil, nil, err
	}
	text, err := d.engine.Disassemble(ctx, fn.Entry, fn.End)
	return fn, text, err
}

// InstructionText formats an instruction in the configured flavour.
func (d *Debugger) InstructionText(instr *proc.AsmInstruction) string {
	return instr.Text(d.config.DisassembleFlavour, d.engine.SymLookup())
}

// Detach ends the session, killing the target if kill is true, and waits
// for the debug loop to return.
func (d *Debugger) Detach(kill bool) error {
	if d.engine.Stop(kill) {
		d.log.Infof("detaching from pid %d (kill=%v)", d.ProcessPid(), kill)
	}
	<-d.done
	return d.runErr
}

// Wait blocks until the debug loop returns.
func (d *Debugger) Wait() error {
	<-d.done
	return d.runErr
}

// ExitCode returns the exit status of the target once it has terminated.
func (d *Debugger) ExitCode() int {
	return d.engine.ExitCode()
}

// sessionLogger logs the notifications of the debug loop.
type sessionLogger struct {
	proc.NopListener
	log logflags.Logger
}

func (l *sessionLogger) LineChanged(addr uint64, line *proc.SourceLine) {
	if line == nil {
		l.log.Debugf("stopped at %#x", addr)
		return
	}
	l.log.Debugf("stopped at %#x %s:%d", addr, line.File, line.Index)
}

func (l *sessionLogger) Exited(code int) {
	l.log.Infof("target exited with status %d", code)
}
