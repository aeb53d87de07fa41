package cmds

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/cosiner/argv"
	"github.com/spf13/cobra"

	"github.com/ndbg/ndbg/cmd/ndbg/cmds/helphelpers"
	"github.com/ndbg/ndbg/pkg/config"
	"github.com/ndbg/ndbg/pkg/logflags"
	"github.com/ndbg/ndbg/pkg/proc"
	"github.com/ndbg/ndbg/pkg/proc/native"
	"github.com/ndbg/ndbg/pkg/terminal"
	"github.com/ndbg/ndbg/pkg/version"
	"github.com/ndbg/ndbg/service"
	"github.com/ndbg/ndbg/service/dap"
	"github.com/ndbg/ndbg/service/debugger"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// continueOnStart is whether to continue the process on startup
	continueOnStart bool
	// addr is the debugging server listen address.
	addr string
	// initFile is the path to initialization file.
	initFile string
	// workingDir is the working directory for running the program.
	workingDir string
	// tty is used to provide an alternate TTY for the program you wish to debug.
	tty string
	// entry overrides the symbol the session stops at first.
	entry string
	// disableASLR is used to disable ASLR
	disableASLR bool
	// targetArgs are the arguments of the target, as a single string.
	targetArgs string
	// verbose prints the build information with the version.
	verbose bool

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

const ndbgCommandLongDesc = `ndbg is a source level debugger for native programs.

ndbg launches a program under its control, stops it at the entry symbol and
lets you place breakpoints on source lines, step through the code, and inspect
the stack, the registers and the local variables of the stopped program.

Pass flags to the program you are debugging using ` + "`--`" + `, for example:

` + "`ndbg exec ./hello -- server --config conf/config.toml`"

// New returns an initialized command tree. The configuration file is not
// read when the tree is only built to generate documentation.
func New(docCall bool) *cobra.Command {
	// Config setup and load.
	conf = &config.Config{}
	if !docCall {
		conf = config.LoadConfig()
	}

	// Main ndbg root command.
	rootCommand = &cobra.Command{
		Use:   "ndbg",
		Short: "ndbg is a source level debugger for native programs.",
		Long:  ndbgCommandLongDesc,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable debugging server logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'ndbg help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'ndbg help log').")

	rootCommand.PersistentFlags().StringVar(&initFile, "init", "", "Init file, executed by the terminal client.")
	rootCommand.PersistentFlags().StringVar(&workingDir, "wd", "", "Working directory for running the program.")
	rootCommand.PersistentFlags().StringVar(&tty, "tty", "", `TTY to use for the target program, "pty" allocates a new pseudo-terminal.`)
	rootCommand.PersistentFlags().StringVar(&entry, "entry", "", "Function the debug session stops at first (default from the config file, or main).")
	rootCommand.PersistentFlags().BoolVar(&continueOnStart, "continue", false, "Continue the debugged process on start.")
	rootCommand.PersistentFlags().BoolVar(&disableASLR, "disable-aslr", false, "Disables address space randomization")

	defaultHelp := rootCommand.HelpFunc()
	rootCommand.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		helphelpers.Prepare(cmd)
		defaultHelp(cmd, args)
	})

	// 'exec' subcommand.
	execCommand := &cobra.Command{
		Use:   "exec <path/to/binary> [-- args]",
		Short: "Execute a precompiled binary, and begin a debug session.",
		Long: `Execute a precompiled binary and begin a debug session.

This command will cause ndbg to exec the binary and immediately attach to it to
begin a new debug session. The session stops at the entry symbol, main unless
configured otherwise. Please note that if the binary was not compiled with
optimizations disabled and frame pointers, it may be difficult to properly
debug it.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.New("you must provide a path to a binary")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			processArgs, err := execArgs(args)
			if err != nil {
				return err
			}
			os.Exit(execute(func() (debugger.Backend, error) {
				return launchNative(processArgs)
			}))
			return nil
		},
	}
	execCommand.Flags().StringVar(&targetArgs, "args", "", "Arguments of the program, split the way a shell would.")
	rootCommand.AddCommand(execCommand)

	// 'sim' subcommand.
	simCommand := &cobra.Command{
		Use:   "sim <program.yml>",
		Short: "Begin a debug session on an emulated program.",
		Long: `Begin a debug session on an emulated program.

The program is a YAML description of functions, their source lines and the
operations each line performs. The emulator reports the same debug events as a
native process, which makes it possible to try every command without a real
target.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return errors.New("you must provide the path of an emulated program")
			}
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(execute(func() (debugger.Backend, error) {
				backend, _, err := debugger.LaunchEmulated(args[0])
				return backend, err
			}))
		},
	}
	rootCommand.AddCommand(simCommand)

	// 'dap' subcommand.
	dapCommand := &cobra.Command{
		Use:   "dap",
		Short: "Starts a TCP server communicating via Debug Adaptor Protocol (DAP).",
		Long: `Starts a TCP server communicating via Debug Adaptor Protocol (DAP).

The server is always headless and requires a DAP client like vscode to connect and request a binary
to be launched. The launch request takes the path of the program, its arguments and a mode: 'exec'
for native binaries (the default) and 'sim' for emulated programs.
Program and output binary paths will be interpreted relative to ndbg's working directory.

The server does not yet support attach requests or asynchronous request-response communication.
The server does not accept multiple client connections.`,
		Run: dapCmd,
	}
	dapCommand.Flags().StringVarP(&addr, "listen", "l", "127.0.0.1:0", "Debugging server listen address.")
	rootCommand.AddCommand(dapCommand)

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ndbg debugger\n%s\n", version.NdbgVersion)
			if verbose {
				fmt.Fprintf(cmd.OutOrStdout(), "Build Details: %s\n", version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolVarP(&verbose, "verbose", "v", false, "print verbose version info")
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:

	debugger	Log the debug loop and debugger commands
	native		Log the ptrace backend
	symbols		Log the loading of ELF and DWARF information
	dap		Log all DAP messages
	terminal	Log the terminal client

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.
`,
	})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

// execArgs builds the command line of the target from the positional
// arguments and the --args flag.
func execArgs(args []string) ([]string, error) {
	extra, err := splitQuotedFields(targetArgs)
	if err != nil {
		return nil, err
	}
	processArgs := append([]string{}, args...)
	return append(processArgs, extra...), nil
}

// splitQuotedFields splits s the way a shell would, without expanding
// anything.
func splitQuotedFields(s string) ([]string, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	v, err := argv.Argv(s, func(s string) (string, error) {
		return "", fmt.Errorf("backtick not supported in '%s'", s)
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

// launchConfig returns the settings of a native launch of processArgs.
func launchConfig(processArgs []string) debugger.LaunchConfig {
	return debugger.LaunchConfig{
		LaunchConfig: native.LaunchConfig{
			Args:        processArgs,
			WorkingDir:  workingDir,
			TTY:         tty,
			DisableASLR: disableASLR,
		},
		DebugInfoDirectories: conf.DebugInfoDirectories,
		SubstitutePath:       conf.SubstitutePath,
	}
}

func launchNative(processArgs []string) (debugger.Backend, error) {
	if len(processArgs) > 0 {
		if p, err := filepath.Abs(processArgs[0]); err == nil {
			processArgs[0] = p
		}
	}
	backend, p, err := debugger.LaunchNative(launchConfig(processArgs))
	if err != nil {
		return backend, err
	}
	if ctty := p.Terminal(); ctty != nil && tty == native.TTYPseudo {
		go io.Copy(os.Stdout, ctty)
	}
	return backend, nil
}

// debuggerConfig merges the configuration file with the command line.
func debuggerConfig(listener proc.Listener) debugger.Config {
	entrySymbol := conf.GetEntrySymbol()
	if entry != "" {
		entrySymbol = entry
	}
	return debugger.Config{
		EntrySymbol:         entrySymbol,
		MaxStackDepth:       conf.GetMaxStackDepth(),
		MaxStepInstructions: conf.GetMaxStepInstructions(),
		DisassembleFlavour:  proc.ParseAssemblyFlavour(conf.DisassembleFlavor),
		ContinueOnStart:     continueOnStart || conf.ContinueOnStart,
		Listener:            listener,
	}
}

func dapCmd(cmd *cobra.Command, args []string) {
	status := func() int {
		if err := logflags.Setup(log, logOutput, logDest); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		defer logflags.Close()

		if initFile != "" {
			fmt.Fprint(os.Stderr, "Warning: init file ignored with dap\n")
		}
		if continueOnStart {
			fmt.Fprintf(os.Stderr, "Warning: continue ignored with dap; specify via launch request instead\n")
		}
		if len(args) > 0 {
			fmt.Fprintf(os.Stderr, "Warning: program flags ignored with dap; specify via launch request instead\n")
		}

		listener, err := net.Listen("tcp", addr)
		if err != nil {
			fmt.Printf("couldn't start listener: %s\n", err)
			return 1
		}
		disconnectChan := make(chan struct{})
		server := dap.NewServer(&service.Config{
			Listener:       listener,
			Launch:         launchConfig(nil),
			Debugger:       debuggerConfig(nil),
			DisconnectChan: disconnectChan,
		})
		defer server.Stop()

		server.Run()
		waitForDisconnectSignal(disconnectChan)
		return 0
	}()
	os.Exit(status)
}

// waitForDisconnectSignal is a blocking function that waits for either
// a SIGINT (Ctrl-C) signal from the OS or for disconnectChan to be closed
// by the server when the client disconnects.
func waitForDisconnectSignal(disconnectChan chan struct{}) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT)
	select {
	case <-ch:
	case <-disconnectChan:
	}
}

// execute starts a debug session on the target returned by launch and
// runs the terminal client on it.
func execute(launch func() (debugger.Backend, error)) int {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()

	backend, err := launch()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	cfg := debuggerConfig(terminal.OutputListener(os.Stdout))
	d, err := debugger.New(&cfg, backend)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		backend.Process.Detach(true)
		return 1
	}
	if st := d.State(); st.Exited {
		fmt.Printf("Process %d has exited with status %d\n", d.ProcessPid(), st.ExitCode)
		return 0
	}

	term := terminal.New(d, conf)
	term.InitFile = initFile
	status, err := term.Run()
	if err != nil {
		fmt.Println(err)
	}
	return status
}
