// Package logflags configures the per-layer loggers used across ndbg.
// Every layer logs through a logrus entry tagged with a "layer" field; a
// layer only emits debug output when it was named in --log-output.
package logflags

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

var debugger = false
var native = false
var symbols = false
var dap = false
var terminal = false

var logOut io.WriteCloser

func makeLogger(level logrus.Level, fields Fields) Logger {
	if lf := loggerFactory; lf != nil {
		return lf(level, fields, logOut)
	}
	logger := logrus.New().WithFields(logrus.Fields(fields))
	logger.Logger.Formatter = textFormatterInstance
	if logOut != nil {
		logger.Logger.Out = logOut
	}
	logger.Logger.Level = level
	return &logrusLogger{logger}
}

func makeFlaggableLogger(flag bool, fields Fields) Logger {
	if !flag {
		return makeLogger(logrus.ErrorLevel, fields)
	}
	return makeLogger(logrus.DebugLevel, fields)
}

// Debugger returns true if the engine and the debugger service should log.
func Debugger() bool {
	return debugger
}

// DebuggerLogger returns a logger for the engine state machine.
func DebuggerLogger() Logger {
	return makeFlaggableLogger(debugger, Fields{"layer": "debugger"})
}

// Native returns true if the ptrace backend should log every debug event.
func Native() bool {
	return native
}

// NativeLogger returns a logger for the ptrace backend.
func NativeLogger() Logger {
	return makeFlaggableLogger(native, Fields{"layer": "native"})
}

// Symbols returns true if symbol loading should log recoverable errors.
func Symbols() bool {
	return symbols
}

// SymbolsLogger returns a logger for pkg/bininfo and the line index.
func SymbolsLogger() Logger {
	return makeFlaggableLogger(symbols, Fields{"layer": "symbols"})
}

// DAP returns true if DAP messages should be logged.
func DAP() bool {
	return dap
}

// DAPLogger returns a logger for the DAP server.
func DAPLogger() Logger {
	return makeFlaggableLogger(dap, Fields{"layer": "dap"})
}

// TerminalLogger returns a logger for the interactive terminal.
func TerminalLogger() Logger {
	return makeFlaggableLogger(terminal, Fields{"layer": "terminal"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets debugger flags based on the contents of logstr.
// If logDest is not empty logs will be redirected to the file descriptor or
// file path specified by logDest.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "ndbg-logs")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return fmt.Errorf("could not create log file: %v", err)
			}
			logOut = fh
		}
	}
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(io.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "debugger"
	}
	for _, logcmd := range strings.Split(logstr, ",") {
		switch strings.TrimSpace(logcmd) {
		case "debugger":
			debugger = true
		case "native":
			native = true
		case "symbols":
			symbols = true
		case "dap":
			dap = true
		case "terminal":
			terminal = true
		default:
			fmt.Fprintf(os.Stderr, "Warning: unknown log output value %q\n", logcmd)
		}
	}
	return nil
}

// Close closes the logger output.
func Close() {
	if logOut != nil {
		logOut.Close()
	}
}

var textFormatterInstance = &textFormatter{}

type textFormatter struct {
	logrus.TextFormatter
}

func (f *textFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	f.TextFormatter.FullTimestamp = true
	f.TextFormatter.TimestampFormat = "2006-01-02T15:04:05.000Z07:00"
	return f.TextFormatter.Format(entry)
}

// WriteDAPListeningMessage writes the "DAP server listening" message.
func WriteDAPListeningMessage(addr string) {
	fmt.Fprintf(os.Stdout, "DAP server listening at: %s\n", addr)
}
