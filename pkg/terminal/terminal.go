package terminal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/go-delve/liner"
	"github.com/mattn/go-isatty"

	"github.com/ndbg/ndbg/pkg/config"
	"github.com/ndbg/ndbg/pkg/logflags"
	"github.com/ndbg/ndbg/pkg/proc"
	"github.com/ndbg/ndbg/service/debugger"
)

const (
	historyFile                 string = ".ndbg_history"
	terminalHighlightEscapeCode string = "\033[%2dm"
	terminalResetEscapeCode     string = "\033[0m"
)

const (
	ansiBlack     = 30
	ansiRed       = 31
	ansiGreen     = 32
	ansiYellow    = 33
	ansiBlue      = 34
	ansiMagenta   = 35
	ansiCyan      = 36
	ansiWhite     = 37
	ansiBrBlack   = 90
	ansiBrRed     = 91
	ansiBrGreen   = 92
	ansiBrYellow  = 93
	ansiBrBlue    = 94
	ansiBrMagenta = 95
	ansiBrCyan    = 96
	ansiBrWhite   = 97
)

// Term represents the terminal running ndbg.
type Term struct {
	client   *debugger.Debugger
	conf     *config.Config
	prompt   string
	line     *liner.State
	cmds     *Commands
	dumb     bool
	stdout   *transcriptWriter
	InitFile string
	log      logflags.Logger

	quittingMutex sync.Mutex
	quitting      bool
}

// New returns a new Term.
func New(client *debugger.Debugger, conf *config.Config) *Term {
	dumb := strings.ToLower(os.Getenv("TERM")) == "dumb" || !isatty.IsTerminal(os.Stdout.Fd())
	var w io.Writer = os.Stdout
	if !dumb {
		w = getColorableWriter()
	}
	return newTerm(client, conf, w, dumb)
}

func newTerm(client *debugger.Debugger, conf *config.Config, w io.Writer, dumb bool) *Term {
	if conf == nil {
		conf = &config.Config{}
	}
	cmds := DebugCommands(client)
	if conf.Aliases != nil {
		cmds.Merge(conf.Aliases)
	}

	if (conf.SourceListLineColor > ansiWhite &&
		conf.SourceListLineColor < ansiBrBlack) ||
		conf.SourceListLineColor < ansiBlack ||
		conf.SourceListLineColor > ansiBrWhite {
		conf.SourceListLineColor = ansiBlue
	}

	return &Term{
		client: client,
		conf:   conf,
		prompt: "(ndbg) ",
		cmds:   cmds,
		dumb:   dumb,
		stdout: &transcriptWriter{pw: &pagingWriter{w: w}},
		log:    logflags.TerminalLogger(),
	}
}

// Close returns the terminal to its previous mode.
func (t *Term) Close() {
	if t.line != nil {
		t.line.Close()
	}
	t.stdout.CloseTranscript()
}

// OutputListener returns a listener printing the debug output of the
// target to w.
func OutputListener(w io.Writer) proc.Listener {
	return outputListener{w: w}
}

type outputListener struct {
	proc.NopListener
	w io.Writer
}

func (l outputListener) Output(s string) {
	if !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	io.WriteString(l.w, s)
}

func (t *Term) sigintGuard(ch <-chan os.Signal) {
	for range ch {
		if t.client.State().Exited {
			continue
		}
		fmt.Fprintf(os.Stderr, "received SIGINT, stopping process (will not forward signal)\n")
		t.quittingMutex.Lock()
		t.quitting = true
		t.quittingMutex.Unlock()
		if err := t.client.Detach(true); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
		}
	}
}

// Run begins running ndbg in the terminal.
func (t *Term) Run() (int, error) {
	t.line = liner.NewLiner()
	defer t.Close()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT)
	defer signal.Stop(ch)
	go t.sigintGuard(ch)

	t.line.SetCompleter(newCompleter(t).complete)

	fullHistoryFile, err := config.GetConfigFilePath(historyFile)
	if err != nil {
		fmt.Printf("Unable to load history file: %v.", err)
	}

	f, err := os.Open(fullHistoryFile)
	if err != nil {
		f, err = os.Create(fullHistoryFile)
		if err != nil {
			fmt.Printf("Unable to open history file: %v. History will not be saved for this session.", err)
		}
	}
	if f != nil {
		t.line.ReadHistory(f)
		f.Close()
	}
	fmt.Fprintln(t.stdout, "Type 'help' for list of commands.")

	if t.InitFile != "" {
		err := t.cmds.executeFile(t, t.InitFile)
		if err != nil {
			if _, ok := err.(ExitRequestError); ok {
				return t.handleExit()
			}
			fmt.Fprintf(os.Stderr, "Error executing init file: %s\n", err)
		}
	}

	var lastCmd string
	for {
		cmdstr, err := t.promptForInput()
		if err != nil {
			if err == io.EOF {
				fmt.Fprintln(t.stdout, "exit")
				return t.handleExit()
			}
			return 1, fmt.Errorf("Prompt for input failed.\n")
		}
		if strings.TrimSpace(cmdstr) == "" {
			cmdstr = lastCmd
		}
		lastCmd = cmdstr

		if err := t.cmds.Call(cmdstr, t); err != nil {
			if _, ok := err.(ExitRequestError); ok {
				return t.handleExit()
			}
			var exited proc.ErrProcessExited
			if errors.As(err, &exited) {
				fmt.Fprintln(os.Stderr, err.Error())
			} else {
				t.quittingMutex.Lock()
				quitting := t.quitting
				t.quittingMutex.Unlock()
				if quitting {
					return t.handleExit()
				}
				fmt.Fprintf(os.Stderr, "Command failed: %s\n", err)
			}
		}

		t.stdout.Flush()
		t.stdout.pw.Reset()
	}
}

// Println prints a line to the terminal.
func (t *Term) Println(prefix, str string) {
	if !t.dumb {
		terminalColorEscapeCode := fmt.Sprintf(terminalHighlightEscapeCode, t.conf.SourceListLineColor)
		prefix = fmt.Sprintf("%s%s%s", terminalColorEscapeCode, prefix, terminalResetEscapeCode)
	}
	fmt.Fprintf(t.stdout, "%s%s\n", prefix, str)
}

func (t *Term) promptForInput() (string, error) {
	l, err := t.line.Prompt(t.prompt)
	if err != nil {
		return "", err
	}

	l = strings.TrimSuffix(l, "\n")
	if l != "" {
		t.line.AppendHistory(l)
	}

	return l, nil
}

func yesno(line *liner.State, question string) (bool, error) {
	for {
		answer, err := line.Prompt(question)
		if err != nil {
			return false, err
		}
		answer = strings.ToLower(strings.TrimSpace(answer))
		switch answer {
		case "n", "no":
			return false, nil
		case "y", "yes":
			return true, nil
		}
	}
}

func (t *Term) handleExit() (int, error) {
	fullHistoryFile, err := config.GetConfigFilePath(historyFile)
	if err != nil {
		fmt.Println("Error saving history file:", err)
	} else {
		if f, err := os.OpenFile(fullHistoryFile, os.O_RDWR|os.O_TRUNC, 0666); err == nil {
			_, err = t.line.WriteHistory(f)
			if err != nil {
				fmt.Println("readline history error:", err)
			}
			f.Close()
		}
	}

	s := t.client.State()
	if s.Exited {
		t.log.Debugf("target exited with status %d", s.ExitCode)
		return 0, nil
	}

	kill := t.conf.GetKillOnExit()
	t.quittingMutex.Lock()
	quitting := t.quitting
	t.quittingMutex.Unlock()
	if t.conf.KillOnExit == nil && !quitting {
		answer, err := yesno(t.line, "Would you like to kill the process? [Y/n] ")
		if err != nil {
			return 2, io.EOF
		}
		kill = answer
	}
	if err := t.client.Detach(kill); err != nil {
		return 1, err
	}
	return 0, nil
}
