//go:build linux && amd64

package debugger

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	sys "golang.org/x/sys/unix"

	"github.com/ndbg/ndbg/pkg/proc/native"
)

const addSource = `int add(int a, int b) {
	int sum = a + b;
	return sum;
}

int main(void) {
	int x = add(1, 2);
	return x;
}
`

// startNative compiles addSource with gcc and starts a session on it.
func startNative(t *testing.T) *Debugger {
	t.Helper()
	gcc, err := exec.LookPath("gcc")
	if err != nil {
		t.Skip("gcc not found")
	}
	dir := t.TempDir()
	src := filepath.Join(dir, "add.c")
	exe := filepath.Join(dir, "add")
	if err := os.WriteFile(src, []byte(addSource), 0o644); err != nil {
		t.Fatal(err)
	}
	if out, err := exec.Command(gcc, "-g", "-gdwarf-4", "-O0", "-fno-omit-frame-pointer", "-o", exe, src).CombinedOutput(); err != nil {
		t.Fatalf("gcc: %v\n%s", err, out)
	}
	backend, _, err := LaunchNative(LaunchConfig{LaunchConfig: native.LaunchConfig{Args: []string{exe}, DisableASLR: true}})
	if err != nil {
		if errors.Is(err, sys.EPERM) {
			t.Skipf("ptrace not permitted: %v", err)
		}
		t.Fatal(err)
	}
	d, err := New(nil, backend)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { d.Detach(true) })
	return d
}

func nativeLine(s *State) int {
	if s == nil || s.Line == nil || filepath.Base(s.Line.File) != "add.c" {
		return 0
	}
	return s.Line.Index
}

func TestNativeStepIntoArmedBreakpoint(t *testing.T) {
	d := startNative(t)
	ctx := testContext(t)

	s := d.State()
	for i := 0; nativeLine(s) != 7; i++ {
		if i >= 5 || s.Exited {
			t.Fatalf("never reached line 7, at %v", s.Line)
		}
		var err error
		if s, err = d.Next(ctx); err != nil {
			t.Fatal(err)
		}
	}

	s, err := d.Step(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if fn := s.Snapshot.Function(); fn == nil || fn.Name != "add" {
		t.Fatalf("step into line 7 stopped in %v at %v", fn, s.Line)
	}
	for i := 0; nativeLine(s) != 2; i++ {
		if i >= 3 || s.Exited {
			t.Fatalf("never reached line 2, at %v", s.Line)
		}
		if s, err = d.Step(ctx); err != nil {
			t.Fatal(err)
		}
	}

	text, err := d.Disassemble(ctx, 0, 2)
	if err != nil || len(text) != 2 {
		t.Fatalf("Disassemble: %v %v", text, err)
	}
	second := text[1].Addr
	bp, err := d.CreateBreakpointAt(ctx, second)
	if err != nil {
		t.Fatalf("CreateBreakpointAt(%#x): %v", second, err)
	}

	// the step executes the armed breakpoint in the middle of line 2
	s, err = d.Step(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if s.Exited {
		t.Fatalf("target exited with %d while stepping onto the breakpoint", s.ExitCode)
	}
	if s.Breakpoint == nil || s.Breakpoint.ID != bp.ID || s.Snapshot.PC() != second || nativeLine(s) != 2 {
		t.Fatalf("stop at %#x line %d attributed to %v, want breakpoint %d at %#x", s.Snapshot.PC(), nativeLine(s), s.Breakpoint, bp.ID, second)
	}

	s, err = d.Continue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !s.Exited || s.ExitCode != 3 {
		t.Fatalf("expected exit 3, got %+v", s)
	}
}
