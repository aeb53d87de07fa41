package emu

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/atomic"

	"github.com/ndbg/ndbg/pkg/proc"
)

const (
	sigTrap = 5
	sigSegv = 11
	sigStop = 19

	// maxInstructions bounds a single resume, to catch programs that never
	// stop.
	maxInstructions = 10000000

	initialFlags = 0x202
)

var errNotStopped = errors.New("target is running")

type region struct {
	start uint64
	data  []byte
}

func (r *region) contains(addr uint64, size int) bool {
	return addr >= r.start && addr+uint64(size) <= r.start+uint64(len(r.data))
}

// Process is an emulated process running a Program.
type Process struct {
	prog *Program

	mu      sync.Mutex
	regions []*region
	regs    proc.Registers

	queue    []*proc.DebugEvent
	last     *proc.DebugEvent
	running  bool
	exited   bool
	exitCode int
	detached bool

	interrupt atomic.Bool
}

// Launch starts prog. The process is stopped until the first debug event
// is consumed and ContinueEvent is called.
func Launch(prog *Program) (*Process, error) {
	if prog.layout == nil {
		if err := prog.Assemble(); err != nil {
			return nil, err
		}
	}
	l := prog.layout
	p := &Process{prog: prog}

	code := make([]byte, len(l.code))
	copy(code, l.code)
	p.regions = append(p.regions, &region{start: l.codeStart, data: code})
	p.regions = append(p.regions, &region{start: defaultStackTop - defaultStackSize, data: make([]byte, defaultStackSize)})

	// the initial return address is 0, returning from the entry function
	// terminates the process
	p.regs.Rsp = defaultStackTop - 8
	p.regs.Rip = l.functions[prog.Entry].Entry
	p.regs.Rflags = initialFlags
	p.regs.Cs, p.regs.Ss = 0x33, 0x2b

	p.queue = append(p.queue, &proc.DebugEvent{
		Kind:             proc.EventProcessCreated,
		Pid:              prog.Pid,
		Tid:              prog.Pid,
		Module:           &proc.ModuleInfo{Path: prog.Path, Base: prog.Base},
		LoaderBreakpoint: true,
	})
	for _, lib := range prog.Libraries {
		p.queue = append(p.queue, &proc.DebugEvent{
			Kind:   proc.EventModuleLoaded,
			Pid:    prog.Pid,
			Tid:    prog.Pid,
			Module: &proc.ModuleInfo{Path: lib.Path, Base: lib.Base},
		})
	}
	p.queue = append(p.queue, p.exception(proc.ExceptionBreakpoint, prog.LoaderTrap, sigTrap))
	return p, nil
}

// Program returns the program the process runs.
func (p *Process) Program() *Program { return p.prog }

func (p *Process) Pid() int { return p.prog.Pid }

func (p *Process) findRegion(addr uint64, size int) *region {
	for _, r := range p.regions {
		if r.contains(addr, size) {
			return r
		}
	}
	return nil
}

func (p *Process) ReadMemory(addr uint64, size int) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.read(addr, size)
}

func (p *Process) read(addr uint64, size int) ([]byte, error) {
	if size < 0 {
		return nil, fmt.Errorf("negative size")
	}
	r := p.findRegion(addr, size)
	if r == nil {
		return nil, fmt.Errorf("address %#x not mapped", addr)
	}
	out := make([]byte, size)
	copy(out, r.data[addr-r.start:])
	return out, nil
}

func (p *Process) WriteMemory(addr uint64, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.write(addr, data)
}

func (p *Process) write(addr uint64, data []byte) error {
	r := p.findRegion(addr, len(data))
	if r == nil {
		return fmt.Errorf("address %#x not mapped", addr)
	}
	copy(r.data[addr-r.start:], data)
	return nil
}

func (p *Process) FlushInstructionCache(addr uint64, size int) error { return nil }

func (p *Process) Registers(tid int) (*proc.Registers, error) {
	if err := p.checkThread(tid); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.regs.Copy(), nil
}

func (p *Process) SetRegisters(tid int, regs *proc.Registers) error {
	if err := p.checkThread(tid); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.regs = *regs
	return nil
}

func (p *Process) checkThread(tid int) error {
	if tid != p.prog.Pid {
		return fmt.Errorf("no such thread %d", tid)
	}
	if p.exited {
		return proc.ErrProcessExited{Pid: p.prog.Pid, Status: p.exitCode}
	}
	return nil
}

// Interrupt makes a running process report a stop event.
func (p *Process) Interrupt() error {
	p.interrupt.Store(true)
	return nil
}

func (p *Process) NextDebugEvent(ctx context.Context) (*proc.DebugEvent, error) {
	if len(p.queue) > 0 {
		ev := p.queue[0]
		p.queue = p.queue[1:]
		p.stopped(ev)
		return ev, nil
	}
	if p.exited || p.detached {
		return nil, proc.ErrProcessExited{Pid: p.prog.Pid, Status: p.exitCode}
	}
	if !p.running {
		return nil, fmt.Errorf("waiting for an event of a stopped process")
	}
	for i := 0; ; i++ {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if p.interrupt.CompareAndSwap(true, false) {
			ev := p.exception(proc.ExceptionOther, p.regs.Rip, sigStop)
			p.stopped(ev)
			return ev, nil
		}
		if i >= maxInstructions {
			return nil, fmt.Errorf("no debug event after %d instructions", maxInstructions)
		}
		p.mu.Lock()
		ev := p.stepInstruction()
		p.mu.Unlock()
		if ev != nil {
			p.stopped(ev)
			return ev, nil
		}
	}
}

func (p *Process) stopped(ev *proc.DebugEvent) {
	p.running = false
	p.last = ev
	if ev.Kind == proc.EventProcessExited {
		p.exited = true
		p.exitCode = ev.ExitCode
	}
}

func (p *Process) ContinueEvent(pid, tid int, disposition proc.ContinueDisposition) error {
	if pid != p.prog.Pid {
		return fmt.Errorf("no such process %d", pid)
	}
	if p.exited {
		return proc.ErrProcessExited{Pid: p.prog.Pid, Status: p.exitCode}
	}
	if p.running {
		return errNotStopped
	}
	if last := p.last; last != nil && last.Exception != nil && last.Exception.Code == proc.ExceptionOther && disposition == proc.DispositionNotHandled {
		if last.Exception.Raw == sigSegv {
			// unhandled fault kills the process
			p.queue = append(p.queue, p.exitEvent(128+sigSegv))
			return nil
		}
	}
	p.running = true
	return nil
}

func (p *Process) Detach(kill bool) error {
	p.detached = true
	p.running = false
	p.queue = nil
	if kill && !p.exited {
		p.exited = true
		p.exitCode = 128 + 9
	}
	return nil
}

func (p *Process) exception(code proc.ExceptionCode, addr uint64, raw uint32) *proc.DebugEvent {
	return &proc.DebugEvent{
		Kind:      proc.EventException,
		Pid:       p.prog.Pid,
		Tid:       p.prog.Pid,
		Exception: &proc.ExceptionInfo{Code: code, Address: addr, Raw: raw, FirstChance: true},
	}
}

func (p *Process) exitEvent(code int) *proc.DebugEvent {
	return &proc.DebugEvent{Kind: proc.EventProcessExited, Pid: p.prog.Pid, Tid: p.prog.Pid, ExitCode: code}
}

func (p *Process) fault(addr uint64) *proc.DebugEvent {
	return p.exception(proc.ExceptionOther, addr, sigSegv)
}

// stepInstruction executes the instruction at RIP and returns the debug
// event it raised, if any. Must be called with p.mu held.
func (p *Process) stepInstruction() *proc.DebugEvent {
	pc := p.regs.Rip
	b, err := p.read(pc, 1)
	if err != nil {
		return p.fault(pc)
	}
	if b[0] == proc.BreakpointInstruction {
		p.regs.Rip = pc + 1
		p.regs.SetTrapFlag(false)
		return p.exception(proc.ExceptionBreakpoint, pc, sigTrap)
	}
	in, ok := p.prog.layout.instrs[pc]
	if !ok {
		return p.fault(pc)
	}

	tf := p.regs.TrapFlag()
	ev := p.execute(in)
	if ev != nil && (ev.Kind == proc.EventProcessExited || ev.Exception != nil) {
		return ev
	}
	if tf {
		p.regs.SetTrapFlag(false)
		step := p.exception(proc.ExceptionSingleStep, p.regs.Rip, sigTrap)
		if ev != nil {
			p.queue = append(p.queue, step)
			return ev
		}
		return step
	}
	return ev
}

func (p *Process) push(v uint64) error {
	p.regs.Rsp -= 8
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return p.write(p.regs.Rsp, buf[:])
}

func (p *Process) pop() (uint64, error) {
	buf, err := p.read(p.regs.Rsp, 8)
	if err != nil {
		return 0, err
	}
	p.regs.Rsp += 8
	return binary.LittleEndian.Uint64(buf), nil
}

func (p *Process) execute(in *instruction) *proc.DebugEvent {
	next := in.end()
	switch in.kind {
	case opNop:
	case opPushRBP:
		if err := p.push(p.regs.Rbp); err != nil {
			return p.fault(in.addr)
		}
	case opMovRBPRSP:
		p.regs.Rbp = p.regs.Rsp
	case opSubRSP:
		p.regs.Rsp -= uint64(in.imm)
	case opStore:
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], uint64(in.imm))
		if err := p.write(uint64(int64(p.regs.Rbp)+in.disp), buf[:]); err != nil {
			return p.fault(in.addr)
		}
	case opCall:
		if err := p.push(next); err != nil {
			return p.fault(in.addr)
		}
		next = p.prog.layout.functions[in.target].Entry
	case opJmp:
		next = uint64(in.imm)
	case opLeave:
		p.regs.Rsp = p.regs.Rbp
		rbp, err := p.pop()
		if err != nil {
			return p.fault(in.addr)
		}
		p.regs.Rbp = rbp
	case opRet:
		ret, err := p.pop()
		if err != nil {
			return p.fault(in.addr)
		}
		if ret == 0 {
			return p.exitEvent(int(int32(p.regs.Rax)))
		}
		next = ret
	case opMovEAX:
		p.regs.Rax = uint64(uint32(in.imm))
	case opMovEDI:
		p.regs.Rdi = uint64(uint32(in.imm))
	case opSyscall:
		p.regs.Rip = next
		switch p.regs.Rax {
		case 60:
			return p.exitEvent(int(int32(p.regs.Rdi)))
		case 1:
			return &proc.DebugEvent{Kind: proc.EventOutputDebugString, Pid: p.prog.Pid, Tid: p.prog.Pid, Output: in.text}
		}
		return nil
	}
	p.regs.Rip = next
	return nil
}
