package emu_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"golang.org/x/arch/x86/x86asm"

	"github.com/ndbg/ndbg/pkg/proc"
	"github.com/ndbg/ndbg/pkg/proc/emu"
)

func loadDemo(t *testing.T) *emu.Program {
	t.Helper()
	prog, err := emu.LoadProgram("testdata/demo.yml")
	if err != nil {
		t.Fatalf("LoadProgram: %v", err)
	}
	return prog
}

func launch(t *testing.T, prog *emu.Program) *emu.Process {
	t.Helper()
	p, err := emu.Launch(prog)
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	return p
}

func nextEvent(t *testing.T, p *emu.Process) *proc.DebugEvent {
	t.Helper()
	ev, err := p.NextDebugEvent(context.Background())
	if err != nil {
		t.Fatalf("NextDebugEvent: %v", err)
	}
	return ev
}

func resume(t *testing.T, p *emu.Process, ev *proc.DebugEvent) {
	t.Helper()
	if err := p.ContinueEvent(ev.Pid, ev.Tid, proc.DispositionHandled); err != nil {
		t.Fatalf("ContinueEvent: %v", err)
	}
}

// skipStartup consumes the events delivered before the first instruction
// of the program runs.
func skipStartup(t *testing.T, p *emu.Process) {
	t.Helper()
	for {
		ev := nextEvent(t, p)
		resume(t, p, ev)
		if ev.Kind == proc.EventException && ev.Exception.Code == proc.ExceptionBreakpoint {
			return
		}
	}
}

func TestStartupEvents(t *testing.T) {
	prog := loadDemo(t)
	p := launch(t, prog)

	ev := nextEvent(t, p)
	if ev.Kind != proc.EventProcessCreated || !ev.LoaderBreakpoint {
		t.Fatalf("first event: %s", ev)
	}
	if ev.Module == nil || ev.Module.Path != "/emu/demo" || ev.Module.Base != 0x1000 {
		t.Fatalf("wrong module %#v", ev.Module)
	}
	resume(t, p, ev)

	ev = nextEvent(t, p)
	if ev.Kind != proc.EventModuleLoaded || ev.Module.Path != "/lib/libc.so.6" {
		t.Fatalf("second event: %s", ev)
	}
	resume(t, p, ev)

	ev = nextEvent(t, p)
	if ev.Kind != proc.EventException || ev.Exception.Code != proc.ExceptionBreakpoint || ev.Exception.Address != 0x10 {
		t.Fatalf("third event: %s", ev)
	}
}

func TestLayout(t *testing.T) {
	prog := loadDemo(t)

	if len(prog.Funcs) != 2 {
		t.Fatalf("%d functions parsed", len(prog.Funcs))
	}
	if names := prog.Functions(); strings.Join(names, ",") != "helper,main" {
		t.Fatalf("Functions() = %v", names)
	}

	for _, tc := range []struct {
		name  string
		entry uint64
	}{
		{"main", 0x1000},
		{"helper", 0x1100},
	} {
		addr, err := prog.ResolveSymbol(tc.name)
		if err != nil {
			t.Fatalf("ResolveSymbol(%s): %v", tc.name, err)
		}
		if addr != tc.entry {
			t.Errorf("%s at %#x, expected %#x", tc.name, addr, tc.entry)
		}
	}

	recs, err := prog.Lines(1, "main.c")
	if err != nil {
		t.Fatal(err)
	}
	want := map[int]uint64{10: 0x1000, 11: 0x1008, 12: 0x1010, 13: 0x1015, 20: 0x1050, 21: 0x1058, 3: 0x1100, 4: 0x1104}
	found := map[int]uint64{}
	for _, r := range recs {
		found[r.Line] = r.Addr
	}
	for line, addr := range want {
		if found[line] != addr {
			t.Errorf("line %d at %#x, expected %#x", line, found[line], addr)
		}
	}

	fn, err := prog.ResolveAddress(0x1052)
	if err != nil || fn.Name != "main" {
		t.Fatalf("ResolveAddress(0x1052) = %v, %v", fn, err)
	}
	if _, err := prog.ResolveAddress(0x1080); err == nil {
		t.Fatalf("address between functions resolved")
	}

	text, err := prog.ReadSource("main.c")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(text[19]) != "x = 3;" {
		t.Fatalf("line 20 is %q", text[19])
	}
}

func TestMachineCode(t *testing.T) {
	p := launch(t, loadDemo(t))

	for _, tc := range []struct {
		addr uint64
		op   x86asm.Op
		len  int
	}{
		{0x1000, x86asm.PUSH, 1},
		{0x1001, x86asm.MOV, 3},
		{0x1004, x86asm.SUB, 4},
		{0x1008, x86asm.MOV, 8},
		{0x1010, x86asm.CALL, 5},
		{0x101d, x86asm.JMP, 5},
		{0x105d, x86asm.LEAVE, 1},
		{0x105e, x86asm.RET, 1},
	} {
		buf, err := p.ReadMemory(tc.addr, 16)
		if err != nil {
			t.Fatalf("ReadMemory(%#x): %v", tc.addr, err)
		}
		inst, err := x86asm.Decode(buf, 64)
		if err != nil {
			t.Fatalf("decoding %#x: %v", tc.addr, err)
		}
		if inst.Op != tc.op || inst.Len != tc.len {
			t.Errorf("%#x: %s (%d bytes), expected %s (%d bytes)", tc.addr, inst.Op, inst.Len, tc.op, tc.len)
		}
		if tc.op == x86asm.CALL {
			rel := inst.Args[0].(x86asm.Rel)
			if dest := int64(tc.addr) + int64(inst.Len) + int64(rel); dest != 0x1100 {
				t.Errorf("call to %#x", dest)
			}
		}
		if tc.op == x86asm.JMP {
			rel := inst.Args[0].(x86asm.Rel)
			if dest := int64(tc.addr) + int64(inst.Len) + int64(rel); dest != 0x1050 {
				t.Errorf("jump to %#x", dest)
			}
		}
	}
}

func TestRunToExit(t *testing.T) {
	p := launch(t, loadDemo(t))
	skipStartup(t, p)

	var output []string
	for {
		ev := nextEvent(t, p)
		if ev.Kind == proc.EventProcessExited {
			if ev.ExitCode != 3 {
				t.Fatalf("exit code %d", ev.ExitCode)
			}
			break
		}
		if ev.Kind != proc.EventOutputDebugString {
			t.Fatalf("unexpected event %s", ev)
		}
		output = append(output, ev.Output)
		resume(t, p, ev)
	}
	if len(output) != 1 || output[0] != "hello" {
		t.Fatalf("output %q", output)
	}

	_, err := p.NextDebugEvent(context.Background())
	var pe proc.ErrProcessExited
	if !errors.As(err, &pe) || pe.Status != 3 {
		t.Fatalf("expected exit error, got %v", err)
	}
}

func TestBreakpointTrap(t *testing.T) {
	p := launch(t, loadDemo(t))
	skipStartup(t, p)

	if err := p.WriteMemory(0x1050, []byte{proc.BreakpointInstruction}); err != nil {
		t.Fatal(err)
	}
	var ev *proc.DebugEvent
	for {
		ev = nextEvent(t, p)
		if ev.Kind != proc.EventOutputDebugString {
			break
		}
		resume(t, p, ev)
	}
	if ev.Kind != proc.EventException || ev.Exception.Code != proc.ExceptionBreakpoint || ev.Exception.Address != 0x1050 {
		t.Fatalf("expected breakpoint at 0x1050, got %s", ev)
	}
	regs, err := p.Registers(ev.Tid)
	if err != nil {
		t.Fatal(err)
	}
	if regs.PC() != 0x1051 {
		t.Fatalf("pc after trap %#x", regs.PC())
	}

	// restore the original byte and single step it
	if err := p.WriteMemory(0x1050, []byte{0x48}); err != nil {
		t.Fatal(err)
	}
	regs.SetPC(0x1050)
	regs.SetTrapFlag(true)
	if err := p.SetRegisters(ev.Tid, regs); err != nil {
		t.Fatal(err)
	}
	resume(t, p, ev)
	ev = nextEvent(t, p)
	if ev.Kind != proc.EventException || ev.Exception.Code != proc.ExceptionSingleStep {
		t.Fatalf("expected single step, got %s", ev)
	}
	regs, _ = p.Registers(ev.Tid)
	if regs.PC() != 0x1058 || regs.TrapFlag() {
		t.Fatalf("after single step pc=%#x trap=%v", regs.PC(), regs.TrapFlag())
	}
	x, err := p.ReadMemory(regs.BP()-8, 8)
	if err != nil {
		t.Fatal(err)
	}
	if x[0] != 3 {
		t.Fatalf("x = %d", x[0])
	}
}

func TestInterrupt(t *testing.T) {
	prog, err := emu.ParseProgram([]byte(`
functions:
  - name: main
    body:
      - {line: 1, op: enter}
      - {line: 2, op: call main}
`))
	if err != nil {
		t.Fatal(err)
	}
	p := launch(t, prog)
	skipStartup(t, p)
	if err := p.Interrupt(); err != nil {
		t.Fatal(err)
	}
	ev := nextEvent(t, p)
	if ev.Kind != proc.EventException || ev.Exception.Code != proc.ExceptionOther {
		t.Fatalf("expected stop, got %s", ev)
	}
}

func TestParseErrors(t *testing.T) {
	for _, src := range []string{
		"functions: []\n",
		"functions:\n  - name: main\n    body:\n      - {line: 1, op: frobnicate}\n",
		"functions:\n  - name: main\n    body:\n      - {line: 1, op: call nowhere}\n",
		"entry: start\nfunctions:\n  - name: main\n    body:\n      - {line: 1, op: ret}\n",
		"bogus: 1\n",
	} {
		if _, err := emu.ParseProgram([]byte(src)); err == nil {
			t.Errorf("no error parsing %q", src)
		}
	}
}
