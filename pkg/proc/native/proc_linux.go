//go:build linux && amd64

package native

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/creack/pty"
	isatty "github.com/mattn/go-isatty"
	sys "golang.org/x/sys/unix"

	"github.com/ndbg/ndbg/pkg/proc"
)

// TTYPseudo asks Launch to allocate a new pseudo-terminal for the target.
const TTYPseudo = "pty"

// LaunchConfig describes how to start the target.
type LaunchConfig struct {
	// Args is the program to run followed by its arguments.
	Args []string
	// WorkingDir is the working directory of the target. Empty means the
	// debugger's working directory.
	WorkingDir string
	// TTY is either empty (the target inherits the debugger's stdio),
	// TTYPseudo or the path of a terminal device.
	TTY string
	// DisableASLR starts the target without address space randomization.
	DisableASLR bool
	// Foreground puts the target in the foreground process group of the
	// debugger's terminal.
	Foreground bool
}

// Launch creates and begins debugging a new process. The process is
// stopped at the first instruction of the dynamic loader; the first debug
// events reported are ProcessCreated followed by the loader breakpoint.
func Launch(cfg LaunchConfig) (*Process, error) {
	if len(cfg.Args) == 0 {
		return nil, errors.New("no program to launch")
	}

	var (
		process *exec.Cmd
		err     error
	)

	foreground := cfg.Foreground
	if cfg.TTY != "" || !isatty.IsTerminal(os.Stdin.Fd()) {
		// exec.(*Cmd).Start fails if we try to send a process to the
		// foreground but we are not attached to a terminal.
		foreground = false
	}

	dbp := newProcess()
	defer func() {
		if err != nil {
			if dbp.pid != 0 {
				_ = dbp.Detach(true)
			} else {
				dbp.postExit()
			}
		}
	}()
	dbp.execPtraceFunc(func() {
		if cfg.DisableASLR {
			defer disableASLR()()
		}

		process = exec.Command(cfg.Args[0])
		process.Args = cfg.Args
		process.Stdin = os.Stdin
		process.Stdout = os.Stdout
		process.Stderr = os.Stderr
		process.SysProcAttr = &syscall.SysProcAttr{
			Ptrace:     true,
			Setpgid:    true,
			Foreground: foreground,
		}
		if foreground {
			signal.Ignore(syscall.SIGTTOU, syscall.SIGTTIN)
		}
		var tty *os.File
		if cfg.TTY != "" {
			tty, err = dbp.attachProcessToTTY(process, cfg.TTY)
			if err != nil {
				return
			}
		}
		process.Dir = cfg.WorkingDir
		err = process.Start()
		if tty != nil && tty != dbp.ctty {
			// the child has its own copy of the terminal side
			tty.Close()
		}
	})
	if err != nil {
		return nil, err
	}
	dbp.pid = process.Process.Pid

	var status sys.WaitStatus
	status, err = dbp.wait(context.Background())
	if err != nil {
		return nil, fmt.Errorf("waiting for target execve failed: %w", err)
	}
	if !status.Stopped() || status.StopSignal() != sys.SIGTRAP {
		err = fmt.Errorf("unexpected status %#x after execve", uint32(status))
		return nil, err
	}

	dbp.execPtraceFunc(func() { err = sys.PtraceSetOptions(dbp.pid, sys.PTRACE_O_EXITKILL) })
	if err != nil {
		return nil, fmt.Errorf("could not set ptrace options: %w", err)
	}

	dbp.path, err = os.Readlink(fmt.Sprintf("/proc/%d/exe", dbp.pid))
	if err != nil {
		return nil, err
	}
	var base uint64
	base, err = imageBase(dbp.pid, dbp.path)
	if err != nil {
		return nil, err
	}
	var regs *proc.Registers
	regs, err = dbp.Registers(dbp.pid)
	if err != nil {
		return nil, err
	}

	dbp.log.Debugf("launched %s pid=%d base=%#x loader=%#x", dbp.path, dbp.pid, base, regs.PC())
	dbp.queue = append(dbp.queue,
		&proc.DebugEvent{
			Kind:             proc.EventProcessCreated,
			Pid:              dbp.pid,
			Tid:              dbp.pid,
			Module:           &proc.ModuleInfo{Path: dbp.path, Base: base},
			LoaderBreakpoint: true,
		},
		dbp.exception(proc.ExceptionBreakpoint, regs.PC(), uint32(sys.SIGTRAP)))
	return dbp, nil
}

// attachProcessToTTY makes tty the controlling terminal of the process.
// For TTYPseudo a new pseudo-terminal pair is allocated and its controlling
// side is kept in dbp.ctty.
func (dbp *Process) attachProcessToTTY(process *exec.Cmd, tty string) (*os.File, error) {
	var f *os.File
	if tty == TTYPseudo {
		ptmx, pts, err := pty.Open()
		if err != nil {
			return nil, fmt.Errorf("could not allocate a pseudo-terminal: %w", err)
		}
		dbp.ctty = ptmx
		f = pts
	} else {
		var err error
		f, err = os.OpenFile(tty, os.O_RDWR, 0)
		if err != nil {
			return nil, err
		}
		if !isatty.IsTerminal(f.Fd()) {
			f.Close()
			return nil, fmt.Errorf("%s is not a terminal", f.Name())
		}
		dbp.ctty = f
	}
	process.Stdin = f
	process.Stdout = f
	process.Stderr = f
	process.SysProcAttr.Setpgid = false
	process.SysProcAttr.Setsid = true
	process.SysProcAttr.Setctty = true
	return f, nil
}

// imageBase returns the address where the executable at path is mapped,
// read from /proc/<pid>/maps.
func imageBase(pid int, path string) (uint64, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return 0, err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		// 55d0c4a00000-55d0c4a01000 r--p 00000000 fd:01 1234 /path/to/exe
		fields := strings.Fields(s.Text())
		if len(fields) < 6 || fields[5] != path {
			continue
		}
		addrs := strings.SplitN(fields[0], "-", 2)
		start, err := strconv.ParseUint(addrs[0], 16, 64)
		if err != nil {
			return 0, fmt.Errorf("malformed mapping %q: %w", s.Text(), err)
		}
		off, err := strconv.ParseUint(fields[2], 16, 64)
		if err != nil {
			return 0, fmt.Errorf("malformed mapping %q: %w", s.Text(), err)
		}
		return start - off, nil
	}
	if err := s.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("%s is not mapped in process %d", path, pid)
}

func (dbp *Process) exception(code proc.ExceptionCode, addr uint64, sig uint32) *proc.DebugEvent {
	return &proc.DebugEvent{
		Kind:      proc.EventException,
		Pid:       dbp.pid,
		Tid:       dbp.pid,
		Exception: &proc.ExceptionInfo{Code: code, Address: addr, Raw: sig, FirstChance: true},
	}
}

type waitResult struct {
	status sys.WaitStatus
	err    error
}

// wait waits for the next state change of the target. The blocking wait4
// runs on its own goroutine so that ctx can interrupt it. A wait abandoned
// by a cancelled ctx is picked up by the next call, which gets its status.
func (dbp *Process) wait(ctx context.Context) (sys.WaitStatus, error) {
	if dbp.waiting == nil {
		ch := make(chan waitResult, 1)
		pid := dbp.pid
		go func() {
			var r waitResult
			for {
				_, r.err = sys.Wait4(pid, &r.status, sys.WALL, nil)
				if r.err != sys.EINTR {
					break
				}
			}
			ch <- r
		}()
		dbp.waiting = ch
	}
	select {
	case r := <-dbp.waiting:
		dbp.waiting = nil
		return r.status, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (dbp *Process) NextDebugEvent(ctx context.Context) (*proc.DebugEvent, error) {
	if len(dbp.queue) > 0 {
		ev := dbp.queue[0]
		dbp.queue = dbp.queue[1:]
		return ev, nil
	}
	if dbp.exited || dbp.detached {
		return nil, proc.ErrProcessExited{Pid: dbp.pid, Status: dbp.exitCode}
	}
	if !dbp.running {
		return nil, errors.New("waiting for an event of a stopped process")
	}
	status, err := dbp.wait(ctx)
	if err != nil {
		return nil, err
	}
	dbp.running = false
	stepped := dbp.stepping
	dbp.stepping = false

	switch {
	case status.Exited():
		return dbp.exit(status.ExitStatus()), nil
	case status.Signaled():
		return dbp.exit(128 + int(status.Signal())), nil
	case !status.Stopped():
		return nil, fmt.Errorf("unexpected wait status %#x", uint32(status))
	}

	sig := status.StopSignal()
	dbp.log.Debugf("pid %d stopped with %s (stepping=%v)", dbp.pid, sig, stepped)
	regs, err := dbp.Registers(dbp.pid)
	if err != nil {
		return nil, err
	}
	pc := regs.PC()

	switch {
	case sig == sys.SIGTRAP && dbp.trapWasBreakpoint(pc, stepped):
		return dbp.exception(proc.ExceptionBreakpoint, pc-1, uint32(sig)), nil
	case sig == sys.SIGTRAP && stepped:
		return dbp.exception(proc.ExceptionSingleStep, pc, uint32(sig)), nil
	case sig == sys.SIGSTOP && dbp.interruptRequested.CompareAndSwap(true, false):
		return dbp.exception(proc.ExceptionOther, pc, uint32(sig)), nil
	}
	dbp.pendingSig = int(sig)
	return dbp.exception(proc.ExceptionOther, pc, uint32(sig)), nil
}

// trapWasBreakpoint reports whether the SIGTRAP the target stopped with was
// raised by an int3 ending at pc. A single step that executes an int3 stops
// with the int3's SIGTRAP (si_code SI_KERNEL), not with a trace trap.
func (dbp *Process) trapWasBreakpoint(pc uint64, stepped bool) bool {
	b, err := dbp.ReadMemory(pc-1, 1)
	if err != nil || b[0] != proc.BreakpointInstruction {
		return false
	}
	var info ptraceSiginfo
	dbp.execPtraceFunc(func() { info, err = ptraceGetSiginfo(dbp.pid) })
	if err != nil {
		dbp.log.Debugf("could not read siginfo of %d: %v", dbp.pid, err)
		return !stepped
	}
	switch info.code {
	case _SI_KERNEL:
		return true
	case _TRAP_TRACE:
		return false
	case _TRAP_BRKPT:
		// also used for ptrace single steps
		return !stepped
	}
	return !stepped
}

func (dbp *Process) exit(code int) *proc.DebugEvent {
	dbp.log.Debugf("pid %d exited with status %d", dbp.pid, code)
	dbp.exited = true
	dbp.exitCode = code
	dbp.postExit()
	return &proc.DebugEvent{Kind: proc.EventProcessExited, Pid: dbp.pid, Tid: dbp.pid, ExitCode: code}
}

func (dbp *Process) ContinueEvent(pid, tid int, disposition proc.ContinueDisposition) error {
	if pid != dbp.pid {
		return fmt.Errorf("no such process %d", pid)
	}
	if err := dbp.checkThread(tid); err != nil {
		return err
	}
	sig := 0
	if disposition == proc.DispositionNotHandled {
		sig = dbp.pendingSig
	}
	dbp.pendingSig = 0
	if len(dbp.queue) > 0 {
		// the target has not run since the synthesized events were queued
		return nil
	}
	if dbp.running {
		return errors.New("target is running")
	}
	var err error
	dbp.execPtraceFunc(func() {
		if dbp.stepping {
			err = ptraceSingleStep(tid, sig)
		} else {
			err = ptraceCont(tid, sig)
		}
	})
	if err != nil {
		return fmt.Errorf("could not resume %d: %w", tid, err)
	}
	dbp.running = true
	return nil
}

// Detach releases the target. If kill is true the target is killed and
// reaped instead.
func (dbp *Process) Detach(kill bool) error {
	if dbp.exited || dbp.detached {
		return nil
	}
	var err error
	if kill {
		err = sys.Kill(dbp.pid, sys.SIGKILL)
		for err == nil {
			var status sys.WaitStatus
			status, err = dbp.wait(context.Background())
			if status.Exited() || status.Signaled() {
				break
			}
		}
		dbp.exitCode = 128 + int(sys.SIGKILL)
	} else {
		dbp.execPtraceFunc(func() { err = ptraceDetach(dbp.pid, 0) })
	}
	dbp.detached = true
	dbp.running = false
	dbp.queue = nil
	dbp.postExit()
	return err
}
