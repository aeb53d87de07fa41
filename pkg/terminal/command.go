// Package terminal implements functions for responding to user
// input and dispatching to appropriate backend commands.
package terminal

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/cosiner/argv"

	"github.com/ndbg/ndbg/pkg/proc"
	"github.com/ndbg/ndbg/service/debugger"
)

const sourceListContext = 5

type cmdfunc func(t *Term, args string) error

type command struct {
	aliases        []string
	builtinAliases []string
	group          commandGroup
	// locArgs is set for commands taking a location, the completer
	// offers source files and functions for them.
	locArgs bool
	helpMsg string
	cmdFn   cmdfunc
}

// Returns true if the command string matches one of the aliases for this command
func (c command) match(cmdstr string) bool {
	for _, v := range c.aliases {
		if v == cmdstr {
			return true
		}
	}
	return false
}

// Commands represents the commands for the ndbg terminal.
type Commands struct {
	cmds   []command
	client *debugger.Debugger
}

type byFirstAlias []command

func (a byFirstAlias) Len() int           { return len(a) }
func (a byFirstAlias) Swap(i, j int)      { a[i], a[j] = a[j], a[i] }
func (a byFirstAlias) Less(i, j int) bool { return a[i].aliases[0] < a[j].aliases[0] }

// DebugCommands returns a Commands struct with default commands defined.
func DebugCommands(client *debugger.Debugger) *Commands {
	c := &Commands{client: client}

	c.cmds = []command{
		{aliases: []string{"help", "h"}, cmdFn: c.help, helpMsg: `Prints the help message.

	help [command]

Type "help" followed by the name of a command for more information about it.`},
		{aliases: []string{"break", "b"}, group: breakCmds, locArgs: true, cmdFn: breakpoint, helpMsg: `Sets a breakpoint.

	break <location>

Locations have one of the following forms:

	<function>       first instruction of a function
	<file>:<line>    first instruction of a line, file is matched by suffix
	<line>           line of the current file
	+<n>, -<n>       line relative to the current one
	*<address>       a memory address

A transient breakpoint already set by the debugger at the same address
becomes a user breakpoint.`},
		{aliases: []string{"clear"}, group: breakCmds, cmdFn: clear, helpMsg: `Deletes breakpoints.

	clear <breakpoint id> [<breakpoint id>...]`},
		{aliases: []string{"clearall"}, group: breakCmds, locArgs: true, cmdFn: clearAll, helpMsg: `Deletes multiple breakpoints.

	clearall [<location>]

If called with the location argument it will delete the breakpoint at that
location, otherwise it will delete all breakpoints.`},
		{aliases: []string{"breakpoints", "bp"}, group: breakCmds, cmdFn: breakpoints, helpMsg: "Print out info for active breakpoints."},
		{aliases: []string{"continue", "c"}, group: runCmds, cmdFn: c.cont, helpMsg: "Run until breakpoint or program termination."},
		{aliases: []string{"next", "n"}, group: runCmds, cmdFn: c.next, helpMsg: `Step over to next source line.

Calls made by the current line are not entered. Returning from the current
function stops at the caller.`},
		{aliases: []string{"step", "s"}, group: runCmds, cmdFn: c.step, helpMsg: `Single step through program.

Enters the functions called by the current line.`},
		{aliases: []string{"stack", "bt"}, group: stackCmds, cmdFn: stackCommand, helpMsg: `Print stack trace.

	stack [<depth>]

The stack is walked through the frame pointer chain.`},
		{aliases: []string{"regs"}, group: dataCmds, cmdFn: regs, helpMsg: `Print contents of CPU registers.

	regs [<register>...]`},
		{aliases: []string{"locals"}, group: dataCmds, cmdFn: locals, helpMsg: `Print local variables.

	locals [<regex>]

If regex is specified only local variables with a name matching it will be
returned.`},
		{aliases: []string{"list", "ls", "l"}, group: sourceCmds, locArgs: true, cmdFn: listCommand, helpMsg: `Show source code.

	list [<location>]

Show source around current point or provided location.`},
		{aliases: []string{"sources"}, group: sourceCmds, cmdFn: sources, helpMsg: `Print list of source files.

	sources [<regex>]

If regex is specified only the source files matching it will be returned.`},
		{aliases: []string{"funcs"}, group: sourceCmds, cmdFn: funcs, helpMsg: `Print list of functions.

	funcs [<regex>]

If regex is specified only the functions matching it will be returned.`},
		{aliases: []string{"disassemble", "disass"}, group: sourceCmds, locArgs: true, cmdFn: disassCommand, helpMsg: `Disassembler.

	disassemble [-a <start> <end>] [-l <locspec>]

If no argument is specified the function being executed is disassembled.

	-a <start> <end>	disassembles the specified address range
	-l <locspec>		disassembles the specified function`},
		{aliases: []string{"config"}, cmdFn: configureCmd, helpMsg: `Changes configuration parameters.

	config -list

Show all configuration parameters.

	config -save

Saves the configuration file to disk, overwriting the current configuration file.

	config <parameter> <value>

Changes the value of a configuration parameter.

	config substitute-path <from> <to>
	config substitute-path <from>

Adds or removes a path substitution rule.

	config alias <command> <alias>
	config alias <alias>

Defines <alias> as an alias to <command> or removes an alias.`},
		{aliases: []string{"source"}, cmdFn: c.sourceCommand, helpMsg: `Executes a file containing a list of ndbg commands.

	source <path>

Empty lines and lines starting with # are ignored.`},
		{aliases: []string{"transcript"}, cmdFn: transcript, helpMsg: `Appends command output to a file.

	transcript [-t] [-x] <output file>
	transcript -off

Output of ndbg's command is appended to the specified output file. If '-t'
is specified and the output file exists it is truncated. If '-x' is
specified output to stdout is suppressed instead.

Using the -off option disables the transcript.`},
		{aliases: []string{"exit", "quit", "q"}, cmdFn: exitCommand, helpMsg: `Exit the debugger.

The target is killed or detached according to the kill-on-exit
configuration parameter.`},
	}

	sort.Sort(byFirstAlias(c.cmds))
	return c
}

// Find will look up the command function for the given command input.
// If it cannot find the command it will default to noCmdAvailable().
// If the command is an empty string it will replay the last command.
func (c *Commands) Find(cmdstr string) command {
	// If <enter> use last command, if there was one.
	if cmdstr == "" {
		return command{aliases: []string{"nullcmd"}, cmdFn: nullCommand}
	}

	for _, v := range c.cmds {
		if v.match(cmdstr) {
			return v
		}
	}

	return command{aliases: []string{"nocmd"}, cmdFn: noCmdAvailable}
}

// lookup returns the command whose primary name is name.
func (c *Commands) lookup(name string) (command, bool) {
	for _, cmd := range c.cmds {
		if cmd.aliases[0] == name {
			return cmd, true
		}
	}
	return command{}, false
}

// Call takes a command to execute.
func (c *Commands) Call(cmdstr string, t *Term) error {
	vals := strings.SplitN(strings.TrimSpace(cmdstr), " ", 2)
	cmdname := vals[0]
	var args string
	if len(vals) > 1 {
		args = strings.TrimSpace(vals[1])
	}
	t.stdout.Echo(t.prompt + cmdstr + "\n")
	return c.Find(cmdname).cmdFn(t, args)
}

// Merge takes aliases defined in the config struct and merges them with the default aliases.
func (c *Commands) Merge(allAliases map[string][]string) {
	for i := range c.cmds {
		if c.cmds[i].builtinAliases != nil {
			c.cmds[i].aliases = append(c.cmds[i].aliases[:0], c.cmds[i].builtinAliases...)
		}
	}
	for i := range c.cmds {
		if aliases, ok := allAliases[c.cmds[i].aliases[0]]; ok {
			if c.cmds[i].builtinAliases == nil {
				c.cmds[i].builtinAliases = make([]string, len(c.cmds[i].aliases))
				copy(c.cmds[i].builtinAliases, c.cmds[i].aliases)
			}
			c.cmds[i].aliases = append(c.cmds[i].aliases, aliases...)
		}
	}
}

var errNoCmd = errors.New("command not available")

func noCmdAvailable(t *Term, args string) error {
	return errNoCmd
}

func nullCommand(t *Term, args string) error {
	return nil
}

func (c *Commands) help(t *Term, args string) error {
	if args != "" {
		for _, cmd := range c.cmds {
			for _, alias := range cmd.aliases {
				if alias == args {
					fmt.Fprintln(t.stdout, cmd.helpMsg)
					return nil
				}
			}
		}
		return errNoCmd
	}

	t.stdout.pw.PageMaybe(nil)
	fmt.Fprintln(t.stdout, "The following commands are available:")

	for _, cgd := range commandGroupDescriptions {
		fmt.Fprintf(t.stdout, "\n%s:\n", cgd.description)
		w := new(tabwriter.Writer)
		w.Init(t.stdout, 0, 8, 0, '-', 0)
		for _, cmd := range c.cmds {
			if cmd.group != cgd.group {
				continue
			}
			h := cmd.helpMsg
			if idx := strings.Index(h, "\n"); idx >= 0 {
				h = h[:idx]
			}
			if len(cmd.aliases) > 1 {
				fmt.Fprintf(w, "    %s (alias: %s) \t %s\n", cmd.aliases[0], strings.Join(cmd.aliases[1:], " | "), h)
			} else {
				fmt.Fprintf(w, "    %s \t %s\n", cmd.aliases[0], h)
			}
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	fmt.Fprintln(t.stdout)
	fmt.Fprintln(t.stdout, "Type help followed by a command for full documentation.")
	return nil
}

// splitArgs splits a command's arguments the way a shell would, without
// expanding anything.
func splitArgs(args string) ([]string, error) {
	if strings.TrimSpace(args) == "" {
		return nil, nil
	}
	v, err := argv.Argv(args, func(s string) (string, error) {
		return "", fmt.Errorf("Backtick not supported in '%s'", s)
	}, nil)
	if err != nil {
		return nil, err
	}
	if len(v) > 1 {
		return nil, errors.New("pipes are not supported")
	}
	if len(v) == 0 {
		return nil, nil
	}
	return v[0], nil
}

func formatBreakpointName(bp *proc.Breakpoint, upcase bool) string {
	if upcase {
		return fmt.Sprintf("Breakpoint %d", bp.ID)
	}
	return fmt.Sprintf("breakpoint %d", bp.ID)
}

func formatBreakpointLocation(bp *proc.Breakpoint) string {
	fn := bp.FunctionName
	if fn == "" {
		fn = "?"
	}
	if bp.File == "" {
		return fmt.Sprintf("%#x for %s()", bp.Addr, fn)
	}
	return fmt.Sprintf("%#x for %s() %s:%d", bp.Addr, fn, bp.File, bp.Line)
}

func breakpoint(t *Term, args string) error {
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	switch len(v) {
	case 0:
		return errors.New("not enough arguments")
	case 1:
	default:
		return errors.New("too many arguments")
	}
	loc, err := t.client.FindLocation(v[0])
	if err != nil {
		return err
	}
	bp, err := t.client.CreateBreakpointAt(context.Background(), loc.Addr)
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "%s set at %s\n", formatBreakpointName(bp, true), formatBreakpointLocation(bp))
	return nil
}

func clear(t *Term, args string) error {
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	if len(v) == 0 {
		return errors.New("not enough arguments")
	}
	for _, arg := range v {
		id, err := strconv.Atoi(arg)
		if err != nil {
			return fmt.Errorf("%q is not a breakpoint id", arg)
		}
		bp, err := t.client.ClearBreakpoint(context.Background(), id)
		if err != nil {
			return err
		}
		fmt.Fprintf(t.stdout, "%s cleared at %s\n", formatBreakpointName(bp, true), formatBreakpointLocation(bp))
	}
	return nil
}

func clearAll(t *Term, args string) error {
	var addr uint64
	if args != "" {
		loc, err := t.client.FindLocation(args)
		if err != nil {
			return err
		}
		addr = loc.Addr
	}
	for _, bp := range t.client.Breakpoints() {
		if args != "" && bp.Addr != addr {
			continue
		}
		cleared, err := t.client.ClearBreakpointAt(context.Background(), bp.Addr)
		if err != nil {
			fmt.Fprintf(t.stdout, "Couldn't delete %s at %s: %s\n", formatBreakpointName(&bp, false), formatBreakpointLocation(&bp), err)
			continue
		}
		fmt.Fprintf(t.stdout, "%s cleared at %s\n", formatBreakpointName(cleared, true), formatBreakpointLocation(cleared))
	}
	return nil
}

func breakpoints(t *Term, args string) error {
	for _, bp := range t.client.Breakpoints() {
		fmt.Fprintf(t.stdout, "%s at %s (%d)\n", formatBreakpointName(&bp, true), formatBreakpointLocation(&bp), bp.HitCount)
	}
	return nil
}

func (c *Commands) cont(t *Term, args string) error {
	return c.execute(t, c.client.Continue)
}

func (c *Commands) next(t *Term, args string) error {
	return c.execute(t, c.client.Next)
}

func (c *Commands) step(t *Term, args string) error {
	return c.execute(t, c.client.Step)
}

func (c *Commands) execute(t *Term, fn func(context.Context) (*debugger.State, error)) error {
	state, err := fn(context.Background())
	if err != nil {
		return err
	}
	printcontext(t, state)
	return nil
}

func printcontext(t *Term, state *debugger.State) {
	if state.Exited {
		fmt.Fprintf(t.stdout, "Process %d has exited with status %d\n", t.client.ProcessPid(), state.ExitCode)
		return
	}
	snap := state.Snapshot
	if snap == nil {
		fmt.Fprintln(t.stdout, "No current thread available")
		return
	}
	fn := "?"
	if f := snap.Function(); f != nil {
		fn = f.Name
	}
	if state.Line == nil {
		fmt.Fprintf(t.stdout, "> %s() ?:0 (PC: %#x)\n", fn, snap.PC())
		fmt.Fprintln(t.stdout, "no source available")
		return
	}
	if bp := state.Breakpoint; bp != nil && bp.Kind == proc.UserBreakpoint {
		fmt.Fprintf(t.stdout, "> [%s] %s() %s:%d (hits total:%d) (PC: %#x)\n", formatBreakpointName(bp, false), fn, state.Line.File, state.Line.Index, bp.HitCount, snap.PC())
	} else {
		fmt.Fprintf(t.stdout, "> %s() %s:%d (PC: %#x)\n", fn, state.Line.File, state.Line.Index, snap.PC())
	}
	if err := printfile(t, state.Line.File, state.Line.Index, true); err != nil {
		fmt.Fprintln(t.stdout, err)
	}
}

func printfile(t *Term, filename string, line int, showArrow bool) error {
	if filename == "" {
		return nil
	}
	_, lines, err := t.client.SourceLines(filename)
	if err != nil {
		return err
	}
	start, end := line-sourceListContext, line+sourceListContext
	if start < 1 {
		start = 1
	}
	if end > len(lines) {
		end = len(lines)
	}
	if start > end {
		return fmt.Errorf("line %d out of range for %s", line, filename)
	}
	for i := start; i <= end; i++ {
		arrow := "  "
		if showArrow && i == line {
			arrow = "=>"
		}
		t.Println(fmt.Sprintf("%s%4d:\t", arrow, i), lines[i-1].Text)
	}
	return nil
}

func stackCommand(t *Term, args string) error {
	depth := math.MaxInt32
	if args != "" {
		n, err := strconv.Atoi(args)
		if err != nil || n < 0 {
			return fmt.Errorf("depth must be a positive number")
		}
		depth = n + 1
	}
	stack, err := t.client.Stacktrace()
	if err != nil {
		return err
	}
	if len(stack) > depth {
		stack = stack[:depth]
	}
	printStack(t.stdout, stack, "")
	return nil
}

func printStack(out io.Writer, stack []proc.Stackframe, ind string) {
	if len(stack) == 0 {
		return
	}
	d := digits(len(stack) - 1)
	fmtstr := "%s%" + strconv.Itoa(d) + "d  0x%016x in %s\n"
	s := ind + strings.Repeat(" ", d+2+len(ind))

	for i := range stack {
		fmt.Fprintf(out, fmtstr, ind, i, stack[i].PC, stack[i].FunctionName())
		if stack[i].Err != nil {
			fmt.Fprintf(out, "%serror: %v\n", s, stack[i].Err)
			continue
		}
		fmt.Fprintf(out, "%sat %s:%d\n", s, stack[i].File, stack[i].Line)
	}
}

func digits(n int) int {
	if n <= 0 {
		return 1
	}
	return int(math.Floor(math.Log10(float64(n)))) + 1
}

func regs(t *Term, args string) error {
	r, err := t.client.Registers()
	if err != nil {
		return err
	}
	filter, err := splitArgs(args)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(t.stdout, 0, 8, 1, ' ', 0)
	for _, reg := range r.Slice() {
		if len(filter) > 0 && !contains(filter, reg.Name) {
			continue
		}
		fmt.Fprintf(w, "%s\t%s\n", reg.Name, reg.Value)
	}
	return w.Flush()
}

func contains(v []string, s string) bool {
	for _, x := range v {
		if strings.EqualFold(x, s) {
			return true
		}
	}
	return false
}

func locals(t *Term, args string) error {
	filter, err := regexp.Compile(args)
	if err != nil {
		return fmt.Errorf("invalid filter argument: %s", err.Error())
	}
	vars, err := t.client.LocalVariables()
	if err != nil {
		return err
	}
	if len(vars) == 0 {
		fmt.Fprintln(t.stdout, "(no locals)")
		return nil
	}
	for _, v := range vars {
		if !filter.MatchString(v.Name) {
			continue
		}
		fmt.Fprintf(t.stdout, "%s = %s\n", v.Name, v.Value)
	}
	return nil
}

func listCommand(t *Term, args string) error {
	if args == "" {
		state := t.client.State()
		if state.Exited {
			return proc.ErrProcessExited{Pid: t.client.ProcessPid(), Status: state.ExitCode}
		}
		if state.Line == nil {
			return errors.New("no current source line")
		}
		return printfile(t, state.Line.File, state.Line.Index, true)
	}

	loc, err := t.client.FindLocation(args)
	if err != nil {
		return err
	}
	if loc.File == "" {
		return fmt.Errorf("no source for %s", args)
	}
	fmt.Fprintf(t.stdout, "Showing %s:%d (PC: %#x)\n", loc.File, loc.Line, loc.Addr)
	showArrow := false
	if state := t.client.State(); state.Line != nil {
		showArrow = state.Line.File == loc.File && state.Line.Index == loc.Line
	}
	return printfile(t, loc.File, loc.Line, showArrow)
}

func printSortedStrings(t *Term, v []string, err error) error {
	if err != nil {
		return err
	}
	t.stdout.pw.PageMaybe(nil)
	sort.Strings(v)
	for _, d := range v {
		fmt.Fprintln(t.stdout, d)
	}
	return nil
}

func sources(t *Term, args string) error {
	files, err := t.client.Sources(args)
	return printSortedStrings(t, files, err)
}

func funcs(t *Term, args string) error {
	names, err := t.client.Functions(args)
	return printSortedStrings(t, names, err)
}

func disassCommand(t *Term, args string) error {
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	ctx := context.Background()

	var (
		fn   *proc.Function
		text []proc.AsmInstruction
	)
	switch {
	case len(v) == 0:
		regs, err := t.client.Registers()
		if err != nil {
			return err
		}
		fn, text, err = t.client.DisassembleFunction(ctx, regs.PC())
		if err != nil {
			return err
		}
	case v[0] == "-a":
		if len(v) != 3 {
			return errors.New("wrong number of arguments to disassemble -a")
		}
		start, err := strconv.ParseUint(v[1], 0, 64)
		if err != nil {
			return fmt.Errorf("wrong argument: %s is not a number", v[1])
		}
		end, err := strconv.ParseUint(v[2], 0, 64)
		if err != nil {
			return fmt.Errorf("wrong argument: %s is not a number", v[2])
		}
		if end <= start {
			return errors.New("wrong argument: end address must be greater than start address")
		}
		text, err = t.client.Engine().Disassemble(ctx, start, end)
		if err != nil {
			return err
		}
	case v[0] == "-l":
		if len(v) != 2 {
			return errors.New("wrong number of arguments to disassemble -l")
		}
		loc, err := t.client.FindLocation(v[1])
		if err != nil {
			return err
		}
		fn, text, err = t.client.DisassembleFunction(ctx, loc.Addr)
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown option %q", v[0])
	}

	flavour := proc.ParseAssemblyFlavour(t.conf.DisassembleFlavor)
	symLookup := t.client.Engine().SymLookup()
	lines := make([]asmLine, len(text))
	for i := range text {
		loc := t.client.LocationOf(text[i].Addr)
		lines[i] = asmLine{
			AsmInstruction: text[i],
			File:           loc.File,
			Line:           loc.Line,
			Text:           text[i].Text(flavour, symLookup),
		}
	}
	t.stdout.pw.PageMaybe(nil)
	disasmPrint(lines, fn, t.stdout, true)
	return nil
}

func (c *Commands) sourceCommand(t *Term, args string) error {
	if len(args) == 0 {
		return fmt.Errorf("wrong number of arguments: source <filename>")
	}
	return c.executeFile(t, args)
}

func (c *Commands) executeFile(t *Term, name string) error {
	fh, err := os.Open(name)
	if err != nil {
		return err
	}
	defer fh.Close()

	scanner := bufio.NewScanner(fh)
	lineno := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		lineno++

		if line == "" || line[0] == '#' {
			continue
		}

		if err := c.Call(line, t); err != nil {
			if _, isExitRequest := err.(ExitRequestError); isExitRequest {
				return err
			}
			fmt.Fprintf(t.stdout, "%s:%d: %v\n", name, lineno, err)
		}
	}

	return scanner.Err()
}

func transcript(t *Term, args string) error {
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	truncate := false
	fileOnly := false
	disable := false
	path := ""
	for _, arg := range v {
		switch arg {
		case "-x":
			fileOnly = true
		case "-t":
			truncate = true
		case "-off":
			disable = true
		default:
			if path != "" || strings.HasPrefix(arg, "-") {
				return fmt.Errorf("unrecognized option %q", arg)
			}
			path = arg
		}
	}

	if disable {
		if path != "" {
			return errors.New("-off option specified with an output path")
		}
		return t.stdout.CloseTranscript()
	}

	if path == "" {
		return errors.New("no output path specified")
	}

	flags := os.O_APPEND | os.O_WRONLY | os.O_CREATE
	if truncate {
		flags |= os.O_TRUNC
	}
	fh, err := os.OpenFile(path, flags, 0660)
	if err != nil {
		return err
	}

	if err := t.stdout.CloseTranscript(); err != nil {
		return err
	}

	t.stdout.TranscribeTo(fh, fileOnly)
	return nil
}

// ExitRequestError is returned when the user
// exits ndbg.
type ExitRequestError struct{}

func (ere ExitRequestError) Error() string {
	return ""
}

func exitCommand(t *Term, args string) error {
	return ExitRequestError{}
}

func split2PartsBySpace(s string) []string {
	v := strings.SplitN(s, " ", 2)
	for i := range v {
		v[i] = strings.TrimSpace(v[i])
	}
	return v
}
