//go:build linux && amd64

package native

import (
	"os"
	"runtime"

	"go.uber.org/atomic"

	"github.com/ndbg/ndbg/pkg/logflags"
	"github.com/ndbg/ndbg/pkg/proc"
)

// Process is a process traced with ptrace(2). Only the main thread of the
// target is traced.
type Process struct {
	pid  int
	path string

	ptraceChan     chan func()
	ptraceDoneChan chan interface{}

	// queue holds events synthesized at launch, delivered before the
	// target is waited on.
	queue []*proc.DebugEvent

	stepping   bool // next resume is a PTRACE_SINGLESTEP
	pendingSig int  // signal to deliver on a DispositionNotHandled resume
	running    bool
	// waiting delivers the status of a wait4 still in flight.
	waiting chan waitResult

	interruptRequested atomic.Bool

	exited, detached bool
	exitCode         int

	ctty *os.File
	log  logflags.Logger
}

var _ proc.ProcessControl = (*Process)(nil)
var _ proc.Interrupter = (*Process)(nil)

func newProcess() *Process {
	dbp := &Process{
		ptraceChan:     make(chan func()),
		ptraceDoneChan: make(chan interface{}),
		log:            logflags.NativeLogger(),
	}
	go dbp.handlePtraceFuncs()
	return dbp
}

// Pid returns the process id of the target.
func (dbp *Process) Pid() int { return dbp.pid }

// Path returns the path of the executable, as resolved by the kernel.
func (dbp *Process) Path() string { return dbp.path }

// Terminal returns the controlling side of the pseudo-terminal allocated
// for the target, or nil if the target inherited the debugger's stdio.
func (dbp *Process) Terminal() *os.File { return dbp.ctty }

func (dbp *Process) handlePtraceFuncs() {
	// ptrace(2) expects every request after PTRACE_TRACEME/ATTACH to come
	// from the same OS thread.
	runtime.LockOSThread()

	for fn := range dbp.ptraceChan {
		fn()
		dbp.ptraceDoneChan <- nil
	}
}

func (dbp *Process) execPtraceFunc(fn func()) {
	dbp.ptraceChan <- fn
	<-dbp.ptraceDoneChan
}

func (dbp *Process) postExit() {
	if dbp.ptraceChan == nil {
		return
	}
	close(dbp.ptraceChan)
	dbp.ptraceChan = nil
	if dbp.ctty != nil {
		dbp.ctty.Close()
	}
}
