//go:build linux && amd64

package native

import (
	"syscall"
	"unsafe"

	sys "golang.org/x/sys/unix"
)

// si_code values of a SIGTRAP.
const (
	_TRAP_BRKPT = 0x1
	_TRAP_TRACE = 0x2
	_SI_KERNEL  = 0x80
)

const (
	personalityGetPersonality = 0xffffffff // argument to pass to personality syscall to get the current personality
	_ADDR_NO_RANDOMIZE        = 0x0040000  // ADDR_NO_RANDOMIZE linux constant
)

// ptraceDetach calls ptrace(PTRACE_DETACH).
func ptraceDetach(tid, sig int) error {
	_, _, err := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_DETACH, uintptr(tid), 1, uintptr(sig), 0, 0)
	if err != syscall.Errno(0) {
		return err
	}
	return nil
}

// ptraceCont executes ptrace PTRACE_CONT
func ptraceCont(tid, sig int) error {
	return sys.PtraceCont(tid, sig)
}

// ptraceSingleStep executes ptrace PTRACE_SINGLESTEP
func ptraceSingleStep(pid, sig int) error {
	_, _, e1 := sys.Syscall6(sys.SYS_PTRACE, uintptr(sys.PTRACE_SINGLESTEP), uintptr(pid), uintptr(0), uintptr(sig), 0, 0)
	if e1 != 0 {
		return e1
	}
	return nil
}

// ptraceSiginfo is the head of the amd64 siginfo_t.
type ptraceSiginfo struct {
	signo int32
	errno int32
	code  int32
	_     [116]byte
}

// ptraceGetSiginfo executes ptrace PTRACE_GETSIGINFO
func ptraceGetSiginfo(tid int) (ptraceSiginfo, error) {
	var info ptraceSiginfo
	_, _, e1 := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_GETSIGINFO, uintptr(tid), 0, uintptr(unsafe.Pointer(&info)), 0, 0)
	if e1 != 0 {
		return info, e1
	}
	return info, nil
}

// disableASLR switches the personality of the calling thread so that
// children it starts are not randomized. The returned function restores
// the previous personality.
func disableASLR() func() {
	oldPersonality, _, err := syscall.Syscall(sys.SYS_PERSONALITY, personalityGetPersonality, 0, 0)
	if err != syscall.Errno(0) {
		return func() {}
	}
	newPersonality := oldPersonality | _ADDR_NO_RANDOMIZE
	syscall.Syscall(sys.SYS_PERSONALITY, newPersonality, 0, 0)
	return func() { syscall.Syscall(sys.SYS_PERSONALITY, oldPersonality, 0, 0) }
}
