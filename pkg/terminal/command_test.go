package terminal

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/ndbg/ndbg/pkg/config"
	"github.com/ndbg/ndbg/pkg/proc"
	"github.com/ndbg/ndbg/service/debugger"
)

const demoProgram = "../proc/emu/testdata/demo.yml"

type FakeTerminal struct {
	*Term
	t   testing.TB
	out *bytes.Buffer
}

const logCommandOutput = false

func (ft *FakeTerminal) Exec(cmdstr string) (outstr string, err error) {
	ft.out.Reset()
	err = ft.cmds.Call(cmdstr, ft.Term)
	outstr = ft.out.String()
	if logCommandOutput {
		ft.t.Logf("command %q -> %q", cmdstr, outstr)
	}
	return
}

func (ft *FakeTerminal) MustExec(cmdstr string) string {
	outstr, err := ft.Exec(cmdstr)
	if err != nil {
		ft.t.Errorf("output of %q: %q", cmdstr, outstr)
		ft.t.Fatalf("Error executing <%s>: %v", cmdstr, err)
	}
	return outstr
}

func (ft *FakeTerminal) AssertExec(cmdstr, tgt string) {
	out := ft.MustExec(cmdstr)
	if out != tgt {
		ft.t.Fatalf("Error executing %q, expected %q got %q", cmdstr, tgt, out)
	}
}

func (ft *FakeTerminal) AssertExecError(cmdstr, tgterr string) {
	_, err := ft.Exec(cmdstr)
	if err == nil {
		ft.t.Fatalf("Expected error executing %q", cmdstr)
	}
	if err.Error() != tgterr {
		ft.t.Fatalf("Expected error %q executing %q, got error %q", tgterr, cmdstr, err.Error())
	}
}

func withTestTerminal(t testing.TB, conf *config.Config, fn func(*FakeTerminal)) {
	backend, _, err := debugger.LaunchEmulated(demoProgram)
	if err != nil {
		t.Fatal(err)
	}
	client, err := debugger.New(&debugger.Config{}, backend)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Detach(true)

	out := new(bytes.Buffer)
	ft := &FakeTerminal{
		t:    t,
		out:  out,
		Term: newTerm(client, conf, out, true),
	}
	fn(ft)
}

func findCmdName(c *Commands, cmdstr string) string {
	for _, v := range c.cmds {
		if v.match(cmdstr) {
			return v.aliases[0]
		}
	}
	return ""
}

func TestCommandDefault(t *testing.T) {
	var (
		cmds = Commands{}
		cmd  = cmds.Find("non-existant-command")
	)

	err := cmd.cmdFn(nil, "")
	if err == nil {
		t.Fatal("cmd() did not default")
	}

	if err.Error() != "command not available" {
		t.Fatal("wrong command output")
	}
}

func TestCommandReplayWithoutPreviousCommand(t *testing.T) {
	var (
		cmds = DebugCommands(nil)
		cmd  = cmds.Find("")
		err  = cmd.cmdFn(nil, "")
	)

	if err != nil {
		t.Error("Null command not returned", err)
	}
}

func TestMergeAliases(t *testing.T) {
	cmds := DebugCommands(nil)
	cmds.Merge(map[string][]string{"continue": {"go", "run"}})
	if findCmdName(cmds, "go") != "continue" || findCmdName(cmds, "run") != "continue" || findCmdName(cmds, "c") != "continue" {
		t.Fatalf("aliases not merged")
	}
	cmds.Merge(map[string][]string{})
	if findCmdName(cmds, "go") != "" || findCmdName(cmds, "c") != "continue" {
		t.Fatalf("aliases not reset")
	}
}

func TestSplitArgs(t *testing.T) {
	v, err := splitArgs(`main.c:20 "a b" c`)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(v, []string{"main.c:20", "a b", "c"}) {
		t.Fatalf("wrong split %q", v)
	}
	if v, err := splitArgs(""); err != nil || len(v) != 0 {
		t.Fatalf("empty arguments: %q %v", v, err)
	}
	if _, err := splitArgs("`ls`"); err == nil {
		t.Fatalf("backtick accepted")
	}
	if _, err := splitArgs("a | b"); err == nil {
		t.Fatalf("pipe accepted")
	}
}

func TestHelp(t *testing.T) {
	withTestTerminal(t, nil, func(term *FakeTerminal) {
		out := term.MustExec("help")
		for _, s := range []string{"Running the program:", "break (alias: b)", "continue (alias: c)", "exit (alias: quit | q)"} {
			if !strings.Contains(out, s) {
				t.Fatalf("help output lacks %q:\n%s", s, out)
			}
		}
		if out := term.MustExec("help b"); !strings.HasPrefix(out, "Sets a breakpoint.") {
			t.Fatalf("wrong help for break: %q", out)
		}
		term.AssertExecError("help nosuchcommand", "command not available")
	})
}

func TestBreakpointCommands(t *testing.T) {
	withTestTerminal(t, nil, func(term *FakeTerminal) {
		term.AssertExec("break main.c:20", "Breakpoint 1 set at 0x1050 for main() main.c:20\n")
		term.AssertExec("breakpoints", "Breakpoint 1 at 0x1050 for main() main.c:20 (0)\n")
		term.AssertExecError("break", "not enough arguments")
		term.AssertExecError("break main.c:20 helper", "too many arguments")
		if _, err := term.Exec("break main.c:20"); err == nil {
			t.Fatalf("duplicate breakpoint accepted")
		}

		out := term.MustExec("continue")
		if !strings.HasPrefix(out, "> [breakpoint 1] main() main.c:20 (hits total:1) (PC: 0x1050)\n") {
			t.Fatalf("wrong stop output:\n%s", out)
		}
		if !strings.Contains(out, "=>  20:\t") || !strings.Contains(out, "x = 3;") {
			t.Fatalf("source not listed:\n%s", out)
		}
		term.AssertExec("locals", "x = 1\ny = 2\n")
		term.AssertExec("locals ^y", "y = 2\n")
		term.AssertExec("breakpoints", "Breakpoint 1 at 0x1050 for main() main.c:20 (1)\n")

		term.AssertExec("clear 1", "Breakpoint 1 cleared at 0x1050 for main() main.c:20\n")
		term.AssertExec("breakpoints", "")
		if _, err := term.Exec("clear 1"); err == nil {
			t.Fatalf("cleared a breakpoint twice")
		}
		term.AssertExecError("clear one", `"one" is not a breakpoint id`)

		term.AssertExec("continue", fmt.Sprintf("Process %d has exited with status 3\n", term.client.ProcessPid()))
		_, err := term.Exec("next")
		var exited proc.ErrProcessExited
		if !errors.As(err, &exited) {
			t.Fatalf("next after exit: %v", err)
		}
	})
}

func TestClearAll(t *testing.T) {
	withTestTerminal(t, nil, func(term *FakeTerminal) {
		term.MustExec("break helper")
		term.MustExec("break main.c:20")
		term.AssertExec("clearall main.c:20", "Breakpoint 2 cleared at 0x1050 for main() main.c:20\n")
		term.AssertExec("clearall", "Breakpoint 1 cleared at 0x1100 for helper() main.c:3\n")
		term.AssertExec("breakpoints", "")
	})
}

func TestNextStepStack(t *testing.T) {
	withTestTerminal(t, nil, func(term *FakeTerminal) {
		if out := term.MustExec("next"); !strings.HasPrefix(out, "> main() main.c:11 ") {
			t.Fatalf("wrong next output:\n%s", out)
		}
		// an empty command does nothing, the prompt loop replays the last one
		term.AssertExec("", "")
		term.MustExec("n")
		if out := term.MustExec("step"); !strings.HasPrefix(out, "> helper() main.c:3 ") {
			t.Fatalf("wrong step output:\n%s", out)
		}
		out := term.MustExec("stack")
		lines := strings.Split(strings.TrimSpace(out), "\n")
		if len(lines) < 4 || !strings.Contains(lines[0], "in helper") || !strings.Contains(lines[1], "at main.c:3") || !strings.Contains(lines[2], "in main") {
			t.Fatalf("wrong stack:\n%s", out)
		}
		out = term.MustExec("bt 0")
		if strings.Contains(out, "in main") {
			t.Fatalf("stack depth ignored:\n%s", out)
		}
		term.AssertExecError("stack x", "depth must be a positive number")
	})
}

func TestListCmd(t *testing.T) {
	withTestTerminal(t, nil, func(term *FakeTerminal) {
		out := term.MustExec("list")
		if !strings.Contains(out, "=>  10:\t{") {
			t.Fatalf("current line not marked:\n%s", out)
		}
		out = term.MustExec("ls main.c:20")
		if !strings.HasPrefix(out, "Showing main.c:20 (PC: 0x1050)\n") || strings.Contains(out, "=>") {
			t.Fatalf("wrong listing:\n%s", out)
		}
		if !strings.Contains(out, "  20:\t    x = 3;") || !strings.Contains(out, "  15:") || strings.Contains(out, "  26:") {
			t.Fatalf("wrong listing range:\n%s", out)
		}
		if out := term.MustExec("list helper"); !strings.Contains(out, "   3:\tlong helper(void) {") {
			t.Fatalf("wrong listing of helper:\n%s", out)
		}
		if _, err := term.Exec("list nosuchfunction"); err == nil {
			t.Fatalf("listed a missing function")
		}
	})
}

func TestSourcesAndFuncs(t *testing.T) {
	withTestTerminal(t, nil, func(term *FakeTerminal) {
		term.AssertExec("sources", "main.c\n")
		term.AssertExec("sources \\.h$", "")
		term.AssertExec("funcs", "helper\nmain\n")
		term.AssertExec("funcs ^m", "main\n")
		if _, err := term.Exec("funcs ("); err == nil {
			t.Fatalf("invalid regex accepted")
		}
	})
}

func TestRegs(t *testing.T) {
	withTestTerminal(t, nil, func(term *FakeTerminal) {
		out := term.MustExec("regs")
		if !strings.Contains(out, "rip") || !strings.Contains(out, "rsp") {
			t.Fatalf("wrong registers:\n%s", out)
		}
		out = term.MustExec("regs rip")
		if !strings.HasPrefix(out, "rip") || !strings.Contains(out, "1000") || strings.Contains(out, "rsp") {
			t.Fatalf("register filter ignored:\n%s", out)
		}
	})
}

func TestDisassembleCmd(t *testing.T) {
	withTestTerminal(t, nil, func(term *FakeTerminal) {
		out := term.MustExec("disassemble")
		if !strings.HasPrefix(out, "TEXT main main.c\n") {
			t.Fatalf("wrong header:\n%s", out)
		}
		lines := strings.Split(out, "\n")
		if !strings.HasPrefix(lines[1], "=>") || !strings.Contains(lines[1], "main.c:10") || !strings.Contains(lines[1], "0x1000") || !strings.Contains(lines[1], "push") {
			t.Fatalf("wrong first instruction: %q", lines[1])
		}

		term.MustExec("break main.c:20")
		out = term.MustExec("disass -l main.c:20")
		if !strings.Contains(out, "0x1050*") {
			t.Fatalf("breakpoint not marked:\n%s", out)
		}

		out = term.MustExec("disassemble -l helper")
		if !strings.HasPrefix(out, "TEXT helper main.c\n") || !strings.Contains(out, "ret") {
			t.Fatalf("wrong disassembly of helper:\n%s", out)
		}

		out = term.MustExec("disassemble -a 0x1100 0x1104")
		if strings.HasPrefix(out, "TEXT") || !strings.Contains(out, "0x1100") {
			t.Fatalf("wrong range disassembly:\n%s", out)
		}

		term.AssertExecError("disassemble -a 0x1100", "wrong number of arguments to disassemble -a")
		term.AssertExecError("disassemble -a 0x1104 0x1100", "wrong argument: end address must be greater than start address")
		term.AssertExecError("disassemble -x", `unknown option "-x"`)
	})
}

func TestConfig(t *testing.T) {
	var term Term
	term.conf = &config.Config{}
	term.cmds = DebugCommands(nil)

	err := configureCmd(&term, "nonexistent-parameter 10")
	if err == nil {
		t.Fatalf("expected error executing configureCmd(nonexistent-parameter)")
	}

	err = configureCmd(&term, "max-stack-depth 10")
	if err != nil {
		t.Fatalf("error executing configureCmd(max-stack-depth): %v", err)
	}
	if term.conf.MaxStackDepth == nil {
		t.Fatalf("expected MaxStackDepth 10, got nil")
	}
	if *term.conf.MaxStackDepth != 10 {
		t.Fatalf("expected MaxStackDepth 10, got: %d", *term.conf.MaxStackDepth)
	}
	err = configureCmd(&term, "continue-on-start   true")
	if err != nil {
		t.Fatalf("error executing configureCmd(continue-on-start   true)")
	}
	if term.conf.ContinueOnStart != true {
		t.Fatalf("expected ContinueOnStart true, got false")
	}
	err = configureCmd(&term, "kill-on-exit false")
	if err != nil {
		t.Fatalf("error executing configureCmd(kill-on-exit): %v", err)
	}
	if term.conf.GetKillOnExit() {
		t.Fatalf("expected KillOnExit false")
	}
	err = configureCmd(&term, "disassemble-flavor gnu")
	if err != nil {
		t.Fatalf("error executing configureCmd(disassemble-flavor): %v", err)
	}
	if term.conf.DisassembleFlavor != "gnu" {
		t.Fatalf("expected DisassembleFlavor gnu, got %q", term.conf.DisassembleFlavor)
	}
	if err := configureCmd(&term, "disassemble-flavor att"); err == nil {
		t.Fatalf("unknown flavor accepted")
	}
	if err := configureCmd(&term, "max-stack-depth -1"); err == nil {
		t.Fatalf("negative depth accepted")
	}

	err = configureCmd(&term, "substitute-path a b")
	if err != nil {
		t.Fatalf("error executing configureCmd(substitute-path a b): %v", err)
	}
	if len(term.conf.SubstitutePath) != 1 || (term.conf.SubstitutePath[0] != config.SubstitutePathRule{From: "a", To: "b"}) {
		t.Fatalf("unexpected SubstitutePathRules after insert %v", term.conf.SubstitutePath)
	}

	err = configureCmd(&term, "substitute-path a")
	if err != nil {
		t.Fatalf("error executing configureCmd(substitute-path a): %v", err)
	}
	if len(term.conf.SubstitutePath) != 0 {
		t.Fatalf("unexpected SubstitutePathRules after delete %v", term.conf.SubstitutePath)
	}

	err = configureCmd(&term, "alias locals blah")
	if err != nil {
		t.Fatalf("error executing configureCmd(alias locals blah): %v", err)
	}
	if len(term.conf.Aliases["locals"]) != 1 {
		t.Fatalf("aliases not changed after configure command %v", term.conf.Aliases)
	}
	if findCmdName(term.cmds, "blah") != "locals" {
		t.Fatalf("new alias not found")
	}

	err = configureCmd(&term, "alias blah")
	if err != nil {
		t.Fatalf("error executing configureCmd(alias blah): %v", err)
	}
	if len(term.conf.Aliases["locals"]) != 0 {
		t.Fatalf("alias not removed after configure command %v", term.conf.Aliases)
	}
	if findCmdName(term.cmds, "blah") != "" {
		t.Fatalf("new alias found after delete")
	}

	if err := configureCmd(&term, "alias nosuchcommand blah"); err == nil {
		t.Fatalf("alias of a missing command accepted")
	}
}

func TestConfigList(t *testing.T) {
	out := new(bytes.Buffer)
	term := newTerm(nil, &config.Config{EntrySymbol: "start"}, out, true)
	if err := configureCmd(term, "-list"); err != nil {
		t.Fatal(err)
	}
	for _, s := range []string{"entry-symbol", "start", "max-stack-depth", "<not defined>", "source-list-line-color", "34"} {
		if !strings.Contains(out.String(), s) {
			t.Fatalf("config list lacks %q:\n%s", s, out)
		}
	}
	if strings.Contains(out.String(), "aliases") {
		t.Fatalf("aliases listed:\n%s", out)
	}
}

func TestExecuteFile(t *testing.T) {
	withTestTerminal(t, nil, func(term *FakeTerminal) {
		path := filepath.Join(t.TempDir(), "init")
		script := "# stop in helper\n\nbreak helper\nnosuchcommand\ncontinue\n"
		if err := os.WriteFile(path, []byte(script), 0600); err != nil {
			t.Fatal(err)
		}
		out := term.MustExec("source " + path)
		if !strings.Contains(out, path+":4: command not available") {
			t.Fatalf("script error not reported:\n%s", out)
		}
		s := term.client.State()
		if s.Line == nil || s.Line.Index != 3 {
			t.Fatalf("script did not stop in helper: %+v", s.Line)
		}
		term.AssertExecError("source", "wrong number of arguments: source <filename>")

		exit := filepath.Join(t.TempDir(), "exit")
		if err := os.WriteFile(exit, []byte("exit\nnext\n"), 0600); err != nil {
			t.Fatal(err)
		}
		if err := term.cmds.executeFile(term.Term, exit); !errors.As(err, &ExitRequestError{}) {
			t.Fatalf("exit request not propagated: %v", err)
		}
	})
}

func TestTranscript(t *testing.T) {
	withTestTerminal(t, nil, func(term *FakeTerminal) {
		path := filepath.Join(t.TempDir(), "transcript")
		term.MustExec("transcript -t " + path)
		term.MustExec("sources")
		term.MustExec("transcript -x " + path)
		if out := term.MustExec("funcs"); out != "" {
			t.Fatalf("output not suppressed: %q", out)
		}
		term.MustExec("transcript -off")
		term.AssertExecError("transcript", "no output path specified")

		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		}
		want := "(ndbg) sources\nmain.c\n(ndbg) transcript -x " + path + "\n(ndbg) funcs\nhelper\nmain\n(ndbg) transcript -off\n"
		if string(data) != want {
			t.Fatalf("wrong transcript %q", data)
		}
	})
}

func TestCompleter(t *testing.T) {
	withTestTerminal(t, nil, func(term *FakeTerminal) {
		c := newCompleter(term.Term)
		for _, tc := range []struct {
			line string
			want []string
		}{
			{"br", []string{"break", "breakpoints"}},
			{"b ma", []string{"b main", "b main.c"}},
			{"list he", []string{"list helper"}},
			{"disassemble -l ", []string{"disassemble -l helper", "disassemble -l main", "disassemble -l main.c"}},
			{"regs r", nil},
			{"zz", nil},
		} {
			if got := c.complete(tc.line); !reflect.DeepEqual(got, tc.want) {
				t.Errorf("complete(%q) = %q, want %q", tc.line, got, tc.want)
			}
		}
	})
}
