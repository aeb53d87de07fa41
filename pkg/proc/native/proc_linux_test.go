//go:build linux && amd64

package native

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	sys "golang.org/x/sys/unix"

	"github.com/ndbg/ndbg/pkg/proc"
)

func launchShell(t *testing.T, script string) *Process {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	p, err := Launch(LaunchConfig{Args: []string{"/bin/sh", "-c", script}, DisableASLR: true})
	if err != nil {
		if errors.Is(err, sys.EPERM) {
			t.Skipf("ptrace not permitted: %v", err)
		}
		t.Fatalf("Launch: %v", err)
	}
	t.Cleanup(func() { p.Detach(true) })
	return p
}

func nextEvent(t *testing.T, p *Process) *proc.DebugEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ev, err := p.NextDebugEvent(ctx)
	if err != nil {
		t.Fatalf("NextDebugEvent: %v", err)
	}
	return ev
}

func resume(t *testing.T, p *Process, disp proc.ContinueDisposition) {
	t.Helper()
	if err := p.ContinueEvent(p.Pid(), p.Pid(), disp); err != nil {
		t.Fatalf("ContinueEvent: %v", err)
	}
}

// startup consumes the launch events and returns the loader breakpoint.
func startup(t *testing.T, p *Process) *proc.DebugEvent {
	t.Helper()
	ev := nextEvent(t, p)
	if ev.Kind != proc.EventProcessCreated || !ev.LoaderBreakpoint || ev.Module == nil {
		t.Fatalf("first event %s", ev)
	}
	if ev.Module.Path != p.Path() || ev.Module.Base == 0 {
		t.Fatalf("wrong module %+v", ev.Module)
	}
	resume(t, p, proc.DispositionHandled)
	ev = nextEvent(t, p)
	if ev.Kind != proc.EventException || ev.Exception.Code != proc.ExceptionBreakpoint {
		t.Fatalf("expected loader breakpoint, got %s", ev)
	}
	return ev
}

func TestLaunchAndExit(t *testing.T) {
	p := launchShell(t, "exit 7")
	loader := startup(t, p)
	resume(t, p, proc.DispositionHandled)

	ev := nextEvent(t, p)
	if ev.Kind != proc.EventProcessExited || ev.ExitCode != 7 {
		t.Fatalf("expected exit 7, got %s", ev)
	}
	_, err := p.NextDebugEvent(context.Background())
	var pe proc.ErrProcessExited
	if !errors.As(err, &pe) || pe.Status != 7 {
		t.Fatalf("NextDebugEvent after exit: %v", err)
	}
	if _, err := p.ReadMemory(loader.Exception.Address, 1); err == nil {
		t.Fatalf("read memory of an exited process")
	}
}

func TestSingleStepAndBreakpoint(t *testing.T) {
	p := launchShell(t, "exit 0")
	loader := startup(t, p)
	pc := loader.Exception.Address

	regs, err := p.Registers(p.Pid())
	if err != nil {
		t.Fatal(err)
	}
	if regs.PC() != pc || regs.TrapFlag() {
		t.Fatalf("unexpected registers at the loader breakpoint: pc=%#x flags=%#x", regs.PC(), regs.Rflags)
	}

	// software breakpoint on the current instruction
	orig, err := p.ReadMemory(pc, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.WriteMemory(pc, []byte{proc.BreakpointInstruction}); err != nil {
		t.Fatal(err)
	}
	resume(t, p, proc.DispositionHandled)
	ev := nextEvent(t, p)
	if ev.Exception == nil || ev.Exception.Code != proc.ExceptionBreakpoint || ev.Exception.Address != pc {
		t.Fatalf("expected breakpoint at %#x, got %s", pc, ev)
	}
	if regs, _ = p.Registers(p.Pid()); regs.PC() != pc+1 {
		t.Fatalf("pc after trap %#x", regs.PC())
	}

	// restore and single step the original instruction
	if err := p.WriteMemory(pc, orig); err != nil {
		t.Fatal(err)
	}
	regs.SetPC(pc)
	regs.SetTrapFlag(true)
	if err := p.SetRegisters(p.Pid(), regs); err != nil {
		t.Fatal(err)
	}
	if regs, _ = p.Registers(p.Pid()); !regs.TrapFlag() {
		t.Fatalf("armed single step not reported")
	}
	resume(t, p, proc.DispositionHandled)
	ev = nextEvent(t, p)
	if ev.Exception == nil || ev.Exception.Code != proc.ExceptionSingleStep || ev.Exception.Address == pc {
		t.Fatalf("expected single step away from %#x, got %s", pc, ev)
	}
	if regs, _ = p.Registers(p.Pid()); regs.TrapFlag() {
		t.Fatalf("trap flag still set after the step")
	}
}

func TestSingleStepOntoBreakpoint(t *testing.T) {
	p := launchShell(t, "exit 0")
	loader := startup(t, p)
	pc := loader.Exception.Address

	orig, err := p.ReadMemory(pc, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.WriteMemory(pc, []byte{proc.BreakpointInstruction}); err != nil {
		t.Fatal(err)
	}
	regs, err := p.Registers(p.Pid())
	if err != nil {
		t.Fatal(err)
	}
	regs.SetTrapFlag(true)
	if err := p.SetRegisters(p.Pid(), regs); err != nil {
		t.Fatal(err)
	}
	resume(t, p, proc.DispositionHandled)

	// the stepped instruction is the int3: the stop is a breakpoint trap
	ev := nextEvent(t, p)
	if ev.Exception == nil || ev.Exception.Code != proc.ExceptionBreakpoint || ev.Exception.Address != pc {
		t.Fatalf("expected breakpoint at %#x, got %s", pc, ev)
	}

	if err := p.WriteMemory(pc, orig); err != nil {
		t.Fatal(err)
	}
	regs, _ = p.Registers(p.Pid())
	regs.SetPC(pc)
	regs.SetTrapFlag(true)
	if err := p.SetRegisters(p.Pid(), regs); err != nil {
		t.Fatal(err)
	}
	resume(t, p, proc.DispositionHandled)
	ev = nextEvent(t, p)
	if ev.Exception == nil || ev.Exception.Code != proc.ExceptionSingleStep {
		t.Fatalf("expected single step, got %s", ev)
	}
}

func TestInterrupt(t *testing.T) {
	p := launchShell(t, "while :; do :; done")
	startup(t, p)
	resume(t, p, proc.DispositionHandled)

	time.Sleep(50 * time.Millisecond)
	if err := p.Interrupt(); err != nil {
		t.Fatal(err)
	}
	ev := nextEvent(t, p)
	if ev.Exception == nil || ev.Exception.Code != proc.ExceptionOther || ev.Exception.Raw != uint32(sys.SIGSTOP) {
		t.Fatalf("expected SIGSTOP, got %s", ev)
	}
	if err := p.Detach(true); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if _, err := p.Registers(p.Pid()); err == nil {
		t.Fatalf("registers of a killed process")
	}
}

func TestWaitCancelled(t *testing.T) {
	p := launchShell(t, "while :; do :; done")
	startup(t, p)
	resume(t, p, proc.DispositionHandled)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := p.NextDebugEvent(ctx); err != context.DeadlineExceeded {
		t.Fatalf("NextDebugEvent: %v", err)
	}

	// the abandoned wait still delivers the next stop
	if err := p.Interrupt(); err != nil {
		t.Fatal(err)
	}
	ev := nextEvent(t, p)
	if ev.Exception == nil || ev.Exception.Raw != uint32(sys.SIGSTOP) {
		t.Fatalf("expected SIGSTOP after a cancelled wait, got %s", ev)
	}
	if err := p.Detach(true); err != nil {
		t.Fatalf("Detach: %v", err)
	}
}

func TestImageBase(t *testing.T) {
	exe, err := os.Readlink("/proc/self/exe")
	if err != nil {
		t.Fatal(err)
	}
	base, err := imageBase(os.Getpid(), exe)
	if err != nil {
		t.Fatal(err)
	}
	if base == 0 {
		t.Fatalf("base of %s is 0", exe)
	}
	if _, err := imageBase(os.Getpid(), fmt.Sprintf("/no/such/%d", os.Getpid())); err == nil {
		t.Fatalf("found a mapping for a missing file")
	}
}
