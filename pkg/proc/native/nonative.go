//go:build !linux || !amd64

package native

import (
	"context"
	"errors"
	"os"

	"github.com/ndbg/ndbg/pkg/proc"
)

// ErrNativeBackendDisabled is returned when trying to launch a process on
// a platform without ptrace support.
var ErrNativeBackendDisabled = errors.New("native backend disabled: only linux/amd64 is supported")

const TTYPseudo = "pty"

// LaunchConfig describes how to start the target.
type LaunchConfig struct {
	Args        []string
	WorkingDir  string
	TTY         string
	DisableASLR bool
	Foreground  bool
}

// Launch returns ErrNativeBackendDisabled.
func Launch(cfg LaunchConfig) (*Process, error) {
	return nil, ErrNativeBackendDisabled
}

// Process is a stub: it can not be obtained on this platform.
type Process struct{}

var _ proc.ProcessControl = (*Process)(nil)

func (dbp *Process) Pid() int           { return 0 }
func (dbp *Process) Path() string       { return "" }
func (dbp *Process) Terminal() *os.File { return nil }

func (dbp *Process) ReadMemory(addr uint64, size int) ([]byte, error) {
	return nil, ErrNativeBackendDisabled
}

func (dbp *Process) WriteMemory(addr uint64, data []byte) error {
	return ErrNativeBackendDisabled
}

func (dbp *Process) FlushInstructionCache(addr uint64, size int) error {
	return ErrNativeBackendDisabled
}

func (dbp *Process) Registers(tid int) (*proc.Registers, error) {
	return nil, ErrNativeBackendDisabled
}

func (dbp *Process) SetRegisters(tid int, regs *proc.Registers) error {
	return ErrNativeBackendDisabled
}

func (dbp *Process) NextDebugEvent(ctx context.Context) (*proc.DebugEvent, error) {
	return nil, ErrNativeBackendDisabled
}

func (dbp *Process) ContinueEvent(pid, tid int, disposition proc.ContinueDisposition) error {
	return ErrNativeBackendDisabled
}

func (dbp *Process) Detach(kill bool) error { return ErrNativeBackendDisabled }

func (dbp *Process) Interrupt() error { return ErrNativeBackendDisabled }
