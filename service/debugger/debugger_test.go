package debugger

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ndbg/ndbg/pkg/proc"
)

const demoProgram = "../../pkg/proc/emu/testdata/demo.yml"

func startDemo(t *testing.T, cfg *Config) *Debugger {
	t.Helper()
	backend, _, err := LaunchEmulated(demoProgram)
	if err != nil {
		t.Fatal(err)
	}
	d, err := New(cfg, backend)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { d.Detach(true) })
	return d
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func assertStoppedAt(t *testing.T, s *State, line int) {
	t.Helper()
	if s.Exited {
		t.Fatalf("expected a stop at line %d, target exited with %d", line, s.ExitCode)
	}
	if s.Line == nil || s.Line.File != "main.c" || s.Line.Index != line {
		t.Fatalf("expected a stop at main.c:%d, got %v", line, s.Line)
	}
}

func TestLaunchStopsAtEntry(t *testing.T) {
	d := startDemo(t, nil)
	s := d.State()
	assertStoppedAt(t, s, 10)
	if s.Running || s.Snapshot.PC() != 0x1000 || s.Breakpoint != nil {
		t.Fatalf("unexpected state %+v", s)
	}
	if len(d.Breakpoints()) != 0 {
		t.Fatalf("entry breakpoint reported as a user breakpoint")
	}
}

func TestBreakpointAndContinue(t *testing.T) {
	d := startDemo(t, nil)
	ctx := testContext(t)

	bp, err := d.CreateBreakpoint(ctx, "main.c", 20)
	if err != nil {
		t.Fatalf("CreateBreakpoint: %v", err)
	}
	if bp.ID <= 0 || bp.Addr != 0x1050 || bp.FunctionName != "main" {
		t.Fatalf("wrong breakpoint %+v", bp)
	}
	_, err = d.CreateBreakpoint(ctx, "main.c", 20)
	var exists proc.BreakpointExistsError
	if !errors.As(err, &exists) {
		t.Fatalf("duplicate breakpoint: %v", err)
	}
	if _, err := d.CreateBreakpoint(ctx, "main.c", 15); err == nil {
		t.Fatalf("breakpoint on a line without code")
	}
	if bps := d.Breakpoints(); len(bps) != 1 || bps[0].ID != bp.ID {
		t.Fatalf("wrong breakpoint list %v", bps)
	}

	s, err := d.Continue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	assertStoppedAt(t, s, 20)
	if s.Breakpoint == nil || s.Breakpoint.ID != bp.ID || s.Breakpoint.Kind != proc.UserBreakpoint {
		t.Fatalf("stop not attributed to breakpoint %d: %+v", bp.ID, s.Breakpoint)
	}

	locals, err := d.LocalVariables()
	if err != nil {
		t.Fatal(err)
	}
	values := map[string]string{}
	for _, v := range locals {
		values[v.Name] = v.Value
	}
	if values["x"] != "1" || values["y"] != "2" {
		t.Fatalf("wrong locals %v", locals)
	}
	frames, err := d.Stacktrace()
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) == 0 || frames[0].FunctionName() != "main" {
		t.Fatalf("wrong stack %v", frames)
	}

	if _, err := d.ClearBreakpoint(ctx, bp.ID); err != nil {
		t.Fatalf("ClearBreakpoint: %v", err)
	}
	if _, err := d.ClearBreakpoint(ctx, bp.ID); err == nil {
		t.Fatalf("cleared a breakpoint twice")
	}

	s, err = d.Continue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !s.Exited || s.ExitCode != 3 {
		t.Fatalf("expected exit 3, got %+v", s)
	}
	_, err = d.Next(ctx)
	var pe proc.ErrProcessExited
	if !errors.As(err, &pe) || pe.Status != 3 {
		t.Fatalf("Next after exit: %v", err)
	}
	if _, err := d.Registers(); err == nil {
		t.Fatalf("registers of an exited target")
	}
}

func TestNextAndStep(t *testing.T) {
	d := startDemo(t, nil)
	ctx := testContext(t)

	for _, want := range []int{11, 12} {
		s, err := d.Next(ctx)
		if err != nil {
			t.Fatal(err)
		}
		assertStoppedAt(t, s, want)
	}

	s, err := d.Step(ctx)
	if err != nil {
		t.Fatal(err)
	}
	assertStoppedAt(t, s, 3)
	frames, _ := d.Stacktrace()
	if len(frames) < 2 || frames[0].FunctionName() != "helper" || frames[1].FunctionName() != "main" {
		t.Fatalf("wrong stack after step into %v", frames)
	}

	s, err = d.Step(ctx)
	if err != nil {
		t.Fatal(err)
	}
	assertStoppedAt(t, s, 4)
	if len(d.Breakpoints()) != 0 {
		t.Fatalf("stepping created user breakpoints")
	}
}

func TestParseLocationSpec(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want LocationSpec
	}{
		{"main.c:20", &NormalLocationSpec{Base: "main.c", LineOffset: 20}},
		{"helper", &NormalLocationSpec{Base: "helper", LineOffset: -1}},
		{"12", &LineLocationSpec{12}},
		{"+2", &OffsetLocationSpec{2}},
		{"-1", &OffsetLocationSpec{-1}},
		{"*0x1050", &AddrLocationSpec{0x1050}},
	} {
		got, err := ParseLocationSpec(tc.in)
		if err != nil {
			t.Errorf("%q: %v", tc.in, err)
			continue
		}
		switch want := tc.want.(type) {
		case *NormalLocationSpec:
			if g, ok := got.(*NormalLocationSpec); !ok || *g != *want {
				t.Errorf("%q: got %#v", tc.in, got)
			}
		case *LineLocationSpec:
			if g, ok := got.(*LineLocationSpec); !ok || *g != *want {
				t.Errorf("%q: got %#v", tc.in, got)
			}
		case *OffsetLocationSpec:
			if g, ok := got.(*OffsetLocationSpec); !ok || *g != *want {
				t.Errorf("%q: got %#v", tc.in, got)
			}
		case *AddrLocationSpec:
			if g, ok := got.(*AddrLocationSpec); !ok || *g != *want {
				t.Errorf("%q: got %#v", tc.in, got)
			}
		}
	}
	for _, in := range []string{"", "main.c:x", "main.c:-3", "*nowhere", "+x"} {
		if _, err := ParseLocationSpec(in); err == nil {
			t.Errorf("%q: expected an error", in)
		}
	}
}

func TestFindLocation(t *testing.T) {
	d := startDemo(t, nil)

	for _, tc := range []struct {
		in   string
		addr uint64
		line int
		fn   string
	}{
		{"helper", 0x1100, 3, "helper"},
		{"main.c:20", 0x1050, 20, "main"},
		{"+10", 0x1050, 20, "main"},
		{"13", 0x1015, 13, "main"},
		{"*0x1050", 0x1050, 20, "main"},
	} {
		loc, err := d.FindLocation(tc.in)
		if err != nil {
			t.Errorf("%q: %v", tc.in, err)
			continue
		}
		if loc.Addr != tc.addr || loc.Line != tc.line || loc.File != "main.c" || loc.Function != tc.fn {
			t.Errorf("%q: got %+v", tc.in, loc)
		}
	}
	for _, in := range []string{"main.c", "nosuchfunction", "other.c:3", "main.c:1000"} {
		if _, err := d.FindLocation(in); err == nil {
			t.Errorf("%q: expected an error", in)
		}
	}
}

func TestSources(t *testing.T) {
	d := startDemo(t, nil)

	files, err := d.Sources(`\.c$`)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || files[0] != "main.c" {
		t.Fatalf("wrong sources %v", files)
	}
	if _, err := d.Sources("("); err == nil {
		t.Fatalf("invalid filter accepted")
	}
	funcs, err := d.Functions("^h")
	if err != nil || len(funcs) != 1 || funcs[0] != "helper" {
		t.Fatalf("wrong functions %v: %v", funcs, err)
	}
	name, lines, err := d.SourceLines("main.c")
	if err != nil {
		t.Fatal(err)
	}
	if name != "main.c" || len(lines) < 21 || lines[19].Addr != 0x1050 || strings.TrimSpace(lines[19].Text) != "x = 3;" {
		t.Fatalf("wrong source lines for %s", name)
	}
}

func TestDisassemble(t *testing.T) {
	d := startDemo(t, nil)
	ctx := testContext(t)

	text, err := d.Disassemble(ctx, 0, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(text) != 3 || text[0].Addr != 0x1000 || !text[0].AtPC {
		t.Fatalf("wrong disassembly %v", text)
	}
	if s := d.InstructionText(&text[0]); !strings.HasPrefix(s, "push") {
		t.Fatalf("first instruction %q", s)
	}

	fn, text, err := d.DisassembleFunction(ctx, 0x1104)
	if err != nil {
		t.Fatal(err)
	}
	if fn.Name != "helper" || len(text) == 0 || !text[len(text)-1].IsRet() {
		t.Fatalf("wrong disassembly of %v: %v", fn, text)
	}
}

func TestDetach(t *testing.T) {
	d := startDemo(t, nil)
	ctx := testContext(t)

	if _, err := d.CreateBreakpoint(ctx, "main.c", 20); err != nil {
		t.Fatal(err)
	}
	if err := d.Detach(false); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if !d.State().Exited {
		t.Fatalf("session still alive after detach")
	}
	if _, err := d.CreateBreakpointAt(ctx, 0x1058); err != proc.ErrControlClosed {
		t.Fatalf("CreateBreakpointAt after detach: %v", err)
	}
	if err := d.Detach(true); err != nil {
		t.Fatalf("second Detach: %v", err)
	}
}

func TestContinueOnStart(t *testing.T) {
	d := startDemo(t, &Config{ContinueOnStart: true})
	if s := d.State(); !s.Exited || s.ExitCode != 3 {
		t.Fatalf("expected the target to run to completion, got %+v", s)
	}
}
