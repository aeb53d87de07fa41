//go:build linux && amd64

package native

import (
	"fmt"

	sys "golang.org/x/sys/unix"

	"github.com/ndbg/ndbg/pkg/proc"
)

func (dbp *Process) checkThread(tid int) error {
	if dbp.exited || dbp.detached {
		return proc.ErrProcessExited{Pid: dbp.pid, Status: dbp.exitCode}
	}
	if tid != dbp.pid {
		return fmt.Errorf("thread %d is not traced", tid)
	}
	return nil
}

func (dbp *Process) ReadMemory(addr uint64, size int) ([]byte, error) {
	if dbp.exited || dbp.detached {
		return nil, proc.ErrProcessExited{Pid: dbp.pid, Status: dbp.exitCode}
	}
	if size <= 0 {
		return nil, nil
	}
	data := make([]byte, size)
	var (
		n   int
		err error
	)
	dbp.execPtraceFunc(func() { n, err = sys.PtracePeekData(dbp.pid, uintptr(addr), data) })
	if err == nil && n != size {
		err = fmt.Errorf("short read: %d of %d bytes", n, size)
	}
	if err != nil {
		return nil, &proc.MemoryAccessError{Addr: addr, Err: err}
	}
	return data, nil
}

func (dbp *Process) WriteMemory(addr uint64, data []byte) error {
	if dbp.exited || dbp.detached {
		return proc.ErrProcessExited{Pid: dbp.pid, Status: dbp.exitCode}
	}
	if len(data) == 0 {
		return nil
	}
	var (
		n   int
		err error
	)
	dbp.execPtraceFunc(func() { n, err = sys.PtracePokeData(dbp.pid, uintptr(addr), data) })
	if err == nil && n != len(data) {
		err = fmt.Errorf("short write: %d of %d bytes", n, len(data))
	}
	if err != nil {
		return &proc.MemoryAccessError{Addr: addr, Write: true, Err: err}
	}
	return nil
}

// FlushInstructionCache is a no-op: on amd64 writes done through ptrace are
// coherent with instruction fetch.
func (dbp *Process) FlushInstructionCache(addr uint64, size int) error {
	return nil
}

func (dbp *Process) Registers(tid int) (*proc.Registers, error) {
	if err := dbp.checkThread(tid); err != nil {
		return nil, err
	}
	var (
		regs sys.PtraceRegs
		err  error
	)
	dbp.execPtraceFunc(func() { err = sys.PtraceGetRegs(tid, &regs) })
	if err != nil {
		return nil, fmt.Errorf("could not read registers of %d: %w", tid, err)
	}
	r := registersFromPtrace(&regs)
	// single stepping is done with PTRACE_SINGLESTEP, the armed step is
	// reported through the trap flag
	r.SetTrapFlag(dbp.stepping)
	return r, nil
}

func (dbp *Process) SetRegisters(tid int, r *proc.Registers) error {
	if err := dbp.checkThread(tid); err != nil {
		return err
	}
	var (
		regs sys.PtraceRegs
		err  error
	)
	dbp.execPtraceFunc(func() {
		if err = sys.PtraceGetRegs(tid, &regs); err != nil {
			return
		}
		copyToPtrace(&regs, r)
		regs.Eflags &^= proc.TrapFlag
		err = sys.PtraceSetRegs(tid, &regs)
	})
	if err != nil {
		return fmt.Errorf("could not write registers of %d: %w", tid, err)
	}
	dbp.stepping = r.TrapFlag()
	return nil
}

// Interrupt stops the running target with SIGSTOP. The stop is reported by
// NextDebugEvent as an exception that is not passed back to the target.
func (dbp *Process) Interrupt() error {
	dbp.interruptRequested.Store(true)
	err := sys.Tgkill(dbp.pid, dbp.pid, sys.SIGSTOP)
	if err == sys.ESRCH {
		return nil
	}
	return err
}
