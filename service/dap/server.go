// Package dap implements VSCode's Debug Adaptor Protocol (DAP).
// This allows ndbg to communicate with frontends using DAP
// without a separate adaptor. The frontend will run the debugger
// (which now doubles as an adaptor) in server mode listening on
// a port and communicating over TCP. Requests are served
// synchronously, blocking while processing each of them; only the
// output of the target is forwarded while a request is in progress.
// For DAP details see https://microsoft.github.io/debug-adapter-protocol.
package dap

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/go-dap"

	"github.com/ndbg/ndbg/pkg/logflags"
	"github.com/ndbg/ndbg/pkg/proc"
	"github.com/ndbg/ndbg/service"
	"github.com/ndbg/ndbg/service/debugger"
)

// Server implements a DAP server that can accept a single client for
// a single debug session. It does not support restarting.
// The server operates via two goroutines:
// (1) Main goroutine where the server is created via NewServer(),
// started via Run() and stopped via Stop().
// (2) Run goroutine started from Run() that accepts a client connection,
// reads, decodes and processes each request, issuing commands to the
// underlying debugger and sending back events and responses.
// The debug loop of the target is a third goroutine; it only ever sends
// output events.
type Server struct {
	// config is all the information necessary to start the debugger and server.
	config *service.Config
	// listener is used to accept the client connection.
	listener net.Listener
	// conn is the accepted client connection.
	conn net.Conn
	// stopChan is closed when the server is Stop()-ed. This can be used to signal
	// to goroutines run by the server that it's time to quit.
	stopChan chan struct{}
	// reader is used to read requests from the connection.
	reader *bufio.Reader
	// sendingMu synchronizes writing to conn.
	sendingMu sync.Mutex
	// debugger is the underlying debugger service.
	debugger *debugger.Debugger
	// debuggerMu protects debugger, Stop may run while a request is served.
	debuggerMu sync.Mutex
	// log is used for structured logging.
	log logflags.Logger
	// stackFrameHandles maps frames of the stopped thread to unique ids.
	stackFrameHandles *handlesMap
	// variableHandles maps scopes to unique references within their stack frame.
	variableHandles *variablesHandlesMap
	// args tracks special settings for handling debug session requests.
	args launchArgs
	// terminated is set once the exited and terminated events were sent.
	terminated bool
}

// launchArgs captures arguments from the launch request that
// impact handling of subsequent requests.
type launchArgs struct {
	// stopOnEntry is set to automatically stop the debugee after start.
	stopOnEntry bool
	// stackTraceDepth is the maximum length of the returned list of stack frames.
	stackTraceDepth int
}

// defaultArgs borrows the defaults for the arguments from the original vscode-go adapter.
var defaultArgs = launchArgs{
	stopOnEntry:     false,
	stackTraceDepth: 50,
}

// launchAttributes is the debug configuration of a launch request.
type launchAttributes struct {
	Program string   `json:"program"`
	Args    []string `json:"args"`
	// Mode is "exec" for native executables and "sim" for emulated
	// program descriptions.
	Mode            string `json:"mode"`
	Cwd             string `json:"cwd"`
	StopOnEntry     bool   `json:"stopOnEntry"`
	StackTraceDepth int    `json:"stackTraceDepth"`
}

// NewServer creates a new DAP Server. It takes an opened Listener
// via config and assumes its ownership. config.DisconnectChan has to be set;
// it will be closed by the server when the client disconnects or requests
// shutdown. Once DisconnectChan is closed, Server.Stop() must be called.
func NewServer(config *service.Config) *Server {
	logger := logflags.DAPLogger()
	logflags.WriteDAPListeningMessage(config.Listener.Addr().String())
	logger.Debug("DAP server pid = ", os.Getpid())
	return &Server{
		config:            config,
		listener:          config.Listener,
		stopChan:          make(chan struct{}),
		log:               logger,
		stackFrameHandles: newHandlesMap(),
		variableHandles:   newVariablesHandlesMap(),
		args:              defaultArgs,
	}
}

// Stop stops the DAP debugger service, closes the listener and the client
// connection. It shuts down the underlying debugger and kills the target
// process. This method mustn't be called more than once.
func (s *Server) Stop() {
	s.listener.Close()
	close(s.stopChan)
	if s.conn != nil {
		// Unless Stop() was called after serveDAPCodec()
		// returned, this will result in closed connection error
		// on next read, breaking out of the read loop and
		// allowing the run goroutine to exit.
		s.conn.Close()
	}
	if d := s.getDebugger(); d != nil {
		if err := d.Detach(true); err != nil {
			s.log.Error(err)
		}
	}
}

// signalDisconnect closes config.DisconnectChan if not nil, which
// signals that the client disconnected or there was a client
// connection failure. Since the server currently services only one
// client, this can be used as a signal to the entire server via
// Stop(). The function safeguards against closing the channel more
// than once and can be called multiple times. It is only called from
// the run goroutine.
func (s *Server) signalDisconnect() {
	if s.config.DisconnectChan != nil {
		close(s.config.DisconnectChan)
		s.config.DisconnectChan = nil
	}
}

// Run launches a new goroutine where it accepts a client connection
// and starts processing requests from it. Use Stop() to close connection.
// The server does not support multiple clients, serially or in parallel.
// The server should be restarted for every new debug session.
// The debugger won't be started until a launch request is received.
func (s *Server) Run() {
	go func() {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopChan:
			default:
				s.log.Errorf("Error accepting client connection: %s\n", err)
			}
			s.signalDisconnect()
			return
		}
		s.conn = conn
		s.serveDAPCodec()
	}()
}

// serveDAPCodec reads and decodes requests from the client
// until it encounters an error or EOF, when it sends
// the disconnect signal and returns.
func (s *Server) serveDAPCodec() {
	defer s.signalDisconnect()
	s.reader = bufio.NewReader(s.conn)
	for {
		request, err := dap.ReadProtocolMessage(s.reader)
		if err != nil {
			stopRequested := false
			select {
			case <-s.stopChan:
				stopRequested = true
			default:
			}
			if err != io.EOF && !stopRequested {
				s.log.Error("DAP error: ", err)
			}
			return
		}
		s.handleRequest(request)
		if _, ok := request.(*dap.DisconnectRequest); ok {
			return
		}
	}
}

func (s *Server) handleRequest(request dap.Message) {
	defer func() {
		// In case a handler panics, we catch the panic and send an error response
		// back to the client.
		if ierr := recover(); ierr != nil {
			s.sendInternalErrorResponse(request.GetSeq(), fmt.Sprintf("%v", ierr))
		}
	}()

	jsonmsg, _ := json.Marshal(request)
	s.log.Debug("[<- from client]", string(jsonmsg))

	switch request := request.(type) {
	case *dap.InitializeRequest:
		// Required
		s.onInitializeRequest(request)
	case *dap.LaunchRequest:
		// Required
		s.onLaunchRequest(request)
	case *dap.DisconnectRequest:
		// Required
		s.onDisconnectRequest(request)
	case *dap.SetBreakpointsRequest:
		// Required
		s.onSetBreakpointsRequest(request)
	case *dap.SetExceptionBreakpointsRequest:
		// Optional (capability ‘exceptionBreakpointFilters’)
		s.onSetExceptionBreakpointsRequest(request)
	case *dap.ConfigurationDoneRequest:
		// Optional (capability ‘supportsConfigurationDoneRequest’)
		s.onConfigurationDoneRequest(request)
	case *dap.ContinueRequest:
		// Required
		s.onContinueRequest(request)
	case *dap.NextRequest:
		// Required
		s.onNextRequest(request)
	case *dap.StepInRequest:
		// Required
		s.onStepInRequest(request)
	case *dap.ThreadsRequest:
		// Required
		s.onThreadsRequest(request)
	case *dap.StackTraceRequest:
		// Required
		s.onStackTraceRequest(request)
	case *dap.ScopesRequest:
		// Required
		s.onScopesRequest(request)
	case *dap.VariablesRequest:
		// Required
		s.onVariablesRequest(request)
	case *dap.AttachRequest:
		// Attaching to a running process is not supported by the engine.
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.StepOutRequest:
		s.sendNotYetImplementedErrorResponse(request.Request)
	case *dap.PauseRequest:
		s.sendNotYetImplementedErrorResponse(request.Request)
	case *dap.TerminateRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.RestartRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.SetFunctionBreakpointsRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.EvaluateRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.SetVariableRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.SourceRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.LoadedSourcesRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.DisassembleRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.ReadMemoryRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	default:
		// This is a DAP message that go-dap has a struct for, so
		// decoding succeeded, but this function does not know how
		// to handle.
		s.sendInternalErrorResponse(request.GetSeq(), fmt.Sprintf("Unable to process %#v\n", request))
	}
}

func (s *Server) send(message dap.Message) {
	jsonmsg, _ := json.Marshal(message)
	s.log.Debug("[-> to client]", string(jsonmsg))
	s.sendingMu.Lock()
	defer s.sendingMu.Unlock()
	dap.WriteProtocolMessage(s.conn, message)
}

func (s *Server) getDebugger() *debugger.Debugger {
	s.debuggerMu.Lock()
	defer s.debuggerMu.Unlock()
	return s.debugger
}

func (s *Server) onInitializeRequest(request *dap.InitializeRequest) {
	if request.Arguments.PathFormat != "" && request.Arguments.PathFormat != "path" {
		s.sendErrorResponse(request.Request, FailedToLaunch, "Failed to initialize",
			fmt.Sprintf("Unsupported 'pathFormat' value '%s'.", request.Arguments.PathFormat))
		return
	}
	if !request.Arguments.LinesStartAt1 {
		s.sendErrorResponse(request.Request, FailedToLaunch, "Failed to initialize",
			"Only 1-based line numbers are supported.")
		return
	}
	response := &dap.InitializeResponse{Response: *newResponse(request.Request)}
	response.Body.SupportsConfigurationDoneRequest = true
	response.Body.SupportsSetVariable = false
	response.Body.SupportsTerminateRequest = false
	response.Body.SupportsRestartRequest = false
	response.Body.SupportsFunctionBreakpoints = false
	response.Body.SupportsStepBack = false
	response.Body.SupportsSetExpression = false
	response.Body.SupportsLoadedSourcesRequest = false
	response.Body.SupportsReadMemoryRequest = false
	response.Body.SupportsDisassembleRequest = false
	response.Body.SupportsCancelRequest = false
	s.send(response)
}

func (s *Server) onLaunchRequest(request *dap.LaunchRequest) {
	if s.getDebugger() != nil {
		s.sendErrorResponse(request.Request, FailedToLaunch, "Failed to launch",
			"A debug session is already in progress.")
		return
	}

	var attrs launchAttributes
	if err := json.Unmarshal(request.Arguments, &attrs); err != nil {
		s.sendErrorResponse(request.Request, FailedToLaunch, "Failed to launch",
			fmt.Sprintf("invalid debug configuration - %v", err))
		return
	}
	if attrs.Program == "" {
		s.sendErrorResponse(request.Request, FailedToLaunch, "Failed to launch",
			"The program attribute is missing in debug configuration.")
		return
	}
	if attrs.Mode == "" {
		attrs.Mode = "exec"
	}

	var backend debugger.Backend
	var err error
	switch attrs.Mode {
	case "exec":
		program, aerr := filepath.Abs(attrs.Program)
		if aerr != nil {
			s.sendInternalErrorResponse(request.Seq, aerr.Error())
			return
		}
		cfg := s.config.Launch
		cfg.Args = append([]string{program}, attrs.Args...)
		if attrs.Cwd != "" {
			cfg.WorkingDir = attrs.Cwd
		}
		backend, _, err = debugger.LaunchNative(cfg)
	case "sim":
		backend, _, err = debugger.LaunchEmulated(attrs.Program)
	default:
		s.sendErrorResponse(request.Request, FailedToLaunch, "Failed to launch",
			fmt.Sprintf("Unsupported 'mode' value %q in debug configuration.", attrs.Mode))
		return
	}
	if err != nil {
		s.sendErrorResponse(request.Request, FailedToLaunch, "Failed to launch", err.Error())
		return
	}

	s.args.stopOnEntry = attrs.StopOnEntry
	if attrs.StackTraceDepth > 0 {
		s.args.stackTraceDepth = attrs.StackTraceDepth
	}

	dcfg := s.config.Debugger
	dcfg.ContinueOnStart = false
	dcfg.Listener = &outputListener{s: s}
	d, err := debugger.New(&dcfg, backend)
	if err != nil {
		s.sendErrorResponse(request.Request, FailedToLaunch, "Failed to launch", err.Error())
		return
	}
	s.debuggerMu.Lock()
	s.debugger = d
	s.debuggerMu.Unlock()

	// Notify the client that the debugger is ready to start accepting
	// configuration requests for setting breakpoints, etc. The client
	// will end the configuration sequence with 'configurationDone'.
	s.send(&dap.InitializedEvent{Event: *newEvent("initialized")})
	s.send(&dap.LaunchResponse{Response: *newResponse(request.Request)})
}

// onDisconnectRequest handles the DisconnectRequest. Per the DAP spec,
// it disconnects the debuggee and signals that the debug adaptor
// (in our case this TCP server) can be terminated.
func (s *Server) onDisconnectRequest(request *dap.DisconnectRequest) {
	if d := s.getDebugger(); d != nil {
		// The target is always launched by the server.
		if err := d.Detach(true); err != nil {
			s.log.Error(err)
		}
	}
	s.send(&dap.DisconnectResponse{Response: *newResponse(request.Request)})
	s.signalDisconnect()
}

func (s *Server) onSetBreakpointsRequest(request *dap.SetBreakpointsRequest) {
	d := s.getDebugger()
	if d == nil {
		s.sendErrorResponse(request.Request, UnableToSetBreakpoints, "Unable to set breakpoints", "no debug session")
		return
	}
	path := request.Arguments.Source.Path
	if path == "" {
		s.sendErrorResponse(request.Request, UnableToSetBreakpoints, "Unable to set breakpoints", "empty file path")
		return
	}
	ctx := context.Background()

	// The request replaces every breakpoint of the file.
	if file, err := d.Engine().Lines().FindFile(path); err == nil {
		for _, bp := range d.Breakpoints() {
			if bp.File != file {
				continue
			}
			if _, err := d.ClearBreakpointAt(ctx, bp.Addr); err != nil {
				s.log.Errorf("clearing breakpoint %d: %v", bp.ID, err)
			}
		}
	}

	response := &dap.SetBreakpointsResponse{Response: *newResponse(request.Request)}
	response.Body.Breakpoints = make([]dap.Breakpoint, len(request.Arguments.Breakpoints))
	for i, want := range request.Arguments.Breakpoints {
		got := &response.Body.Breakpoints[i]
		got.Line = want.Line
		got.Source = &dap.Source{Name: filepath.Base(path), Path: path}
		bp, err := d.CreateBreakpoint(ctx, path, want.Line)
		if err != nil {
			got.Message = err.Error()
			continue
		}
		got.Id = bp.ID
		got.Verified = true
		got.Line = bp.Line
	}
	s.send(response)
}

func (s *Server) onSetExceptionBreakpointsRequest(request *dap.SetExceptionBreakpointsRequest) {
	// Unlike what DAP documentation claims, this request is always sent
	// even though we specified no filters at initialization. Handle as no-op.
	s.send(&dap.SetExceptionBreakpointsResponse{Response: *newResponse(request.Request)})
}

func (s *Server) onConfigurationDoneRequest(request *dap.ConfigurationDoneRequest) {
	d := s.getDebugger()
	if d == nil {
		s.send(&dap.ConfigurationDoneResponse{Response: *newResponse(request.Request)})
		return
	}
	if st := d.State(); st.Exited {
		s.send(&dap.ConfigurationDoneResponse{Response: *newResponse(request.Request)})
		s.sendTerminated(st.ExitCode)
		return
	}
	if s.args.stopOnEntry {
		e := &dap.StoppedEvent{
			Event: *newEvent("stopped"),
			Body:  dap.StoppedEventBody{Reason: "entry", ThreadId: d.ProcessPid(), AllThreadsStopped: true},
		}
		s.send(e)
	}
	s.send(&dap.ConfigurationDoneResponse{Response: *newResponse(request.Request)})
	if !s.args.stopOnEntry {
		s.runUntilStop(d.Continue, "breakpoint")
	}
}

func (s *Server) onContinueRequest(request *dap.ContinueRequest) {
	d := s.getDebugger()
	if d == nil {
		s.sendErrorResponse(request.Request, FailedToContinue, "Unable to continue", "no debug session")
		return
	}
	s.send(&dap.ContinueResponse{
		Response: *newResponse(request.Request),
		Body:     dap.ContinueResponseBody{AllThreadsContinued: true},
	})
	s.runUntilStop(d.Continue, "breakpoint")
}

func (s *Server) onNextRequest(request *dap.NextRequest) {
	d := s.getDebugger()
	if d == nil {
		s.sendErrorResponse(request.Request, FailedToNext, "Unable to step over", "no debug session")
		return
	}
	s.send(&dap.NextResponse{Response: *newResponse(request.Request)})
	s.runUntilStop(d.Next, "step")
}

func (s *Server) onStepInRequest(request *dap.StepInRequest) {
	d := s.getDebugger()
	if d == nil {
		s.sendErrorResponse(request.Request, FailedToStep, "Unable to step in", "no debug session")
		return
	}
	s.send(&dap.StepInResponse{Response: *newResponse(request.Request)})
	s.runUntilStop(d.Step, "step")
}

func (s *Server) onThreadsRequest(request *dap.ThreadsRequest) {
	d := s.getDebugger()
	if d == nil {
		s.sendErrorResponse(request.Request, UnableToDisplayThreads, "Unable to display threads", "debugger is nil")
		return
	}
	response := &dap.ThreadsResponse{Response: *newResponse(request.Request)}
	st := d.State()
	if st.Exited {
		// If the program exits very quickly, the initial threads request will complete after it has exited.
		// A TerminatedEvent has already been sent.
		response.Body.Threads = []dap.Thread{}
		s.send(response)
		return
	}
	name := "main"
	if frames, err := d.Stacktrace(); err == nil && len(frames) > 0 && frames[0].Function != nil {
		name = frames[0].FunctionName()
	}
	response.Body.Threads = []dap.Thread{{Id: d.ProcessPid(), Name: name}}
	s.send(response)
}

// onStackTraceRequest handles ‘stackTrace’ requests.
// This is a mandatory request to support.
func (s *Server) onStackTraceRequest(request *dap.StackTraceRequest) {
	d := s.getDebugger()
	if d == nil {
		s.sendErrorResponse(request.Request, UnableToProduceStackTrace, "Unable to produce stack trace", "debugger is nil")
		return
	}
	frames, err := d.Stacktrace()
	if err != nil {
		s.sendErrorResponse(request.Request, UnableToProduceStackTrace, "Unable to produce stack trace", err.Error())
		return
	}
	if len(frames) > s.args.stackTraceDepth {
		frames = frames[:s.args.stackTraceDepth]
	}

	stackFrames := make([]dap.StackFrame, len(frames))
	for i := range frames {
		frame := &frames[i]
		stackFrames[i] = dap.StackFrame{
			Id:                          s.stackFrameHandles.create(i),
			Name:                        frame.FunctionName(),
			Line:                        frame.Line,
			InstructionPointerReference: fmt.Sprintf("%#x", frame.PC),
		}
		if frame.File != "" {
			stackFrames[i].Source = &dap.Source{Name: filepath.Base(frame.File), Path: frame.File}
		}
		if frame.Err != nil {
			stackFrames[i].PresentationHint = "subtle"
		}
	}
	if request.Arguments.StartFrame > 0 {
		stackFrames = stackFrames[min(request.Arguments.StartFrame, len(stackFrames)):]
	}
	if request.Arguments.Levels > 0 {
		stackFrames = stackFrames[:min(request.Arguments.Levels, len(stackFrames))]
	}
	response := &dap.StackTraceResponse{
		Response: *newResponse(request.Request),
		Body:     dap.StackTraceResponseBody{StackFrames: stackFrames, TotalFrames: len(frames)},
	}
	s.send(response)
}

// onScopesRequest handles 'scopes' requests.
// This is a mandatory request to support.
// Locals and registers are only known for the innermost frame, outer
// frames have no scopes.
func (s *Server) onScopesRequest(request *dap.ScopesRequest) {
	sf, ok := s.stackFrameHandles.get(request.Arguments.FrameId)
	if !ok {
		s.sendErrorResponse(request.Request, UnableToListLocals, "Unable to list locals", fmt.Sprintf("unknown frame id %d", request.Arguments.FrameId))
		return
	}

	scopes := []dap.Scope{}
	if sf.(int) == 0 {
		for _, kind := range []scopeKind{localsScope, registersScope} {
			scopes = append(scopes, dap.Scope{
				Name:               kind.String(),
				VariablesReference: s.variableHandles.create(kind),
				Expensive:          kind == registersScope,
			})
		}
	}
	response := &dap.ScopesResponse{
		Response: *newResponse(request.Request),
		Body:     dap.ScopesResponseBody{Scopes: scopes},
	}
	s.send(response)
}

// onVariablesRequest handles 'variables' requests.
// This is a mandatory request to support.
func (s *Server) onVariablesRequest(request *dap.VariablesRequest) {
	kind, ok := s.variableHandles.get(request.Arguments.VariablesReference)
	d := s.getDebugger()
	if !ok || d == nil {
		s.sendErrorResponse(request.Request, UnableToLookupVariable, "Unable to lookup variable", fmt.Sprintf("unknown reference %d", request.Arguments.VariablesReference))
		return
	}

	children := []dap.Variable{}
	switch kind {
	case localsScope:
		locals, err := d.LocalVariables()
		if err != nil {
			s.sendErrorResponse(request.Request, UnableToListLocals, "Unable to list locals", err.Error())
			return
		}
		for _, v := range locals {
			value := v.Value
			if v.Unreadable != nil {
				value = fmt.Sprintf("unreadable <%v>", v.Unreadable)
			}
			children = append(children, dap.Variable{Name: v.Name, Value: value, Type: v.Type})
		}
	case registersScope:
		regs, err := d.Registers()
		if err != nil {
			s.sendErrorResponse(request.Request, UnableToListRegisters, "Unable to list registers", err.Error())
			return
		}
		for _, r := range regs.Slice() {
			children = append(children, dap.Variable{Name: r.Name, Value: r.Value})
		}
	}
	response := &dap.VariablesResponse{
		Response: *newResponse(request.Request),
		Body:     dap.VariablesResponseBody{Variables: children},
	}
	s.send(response)
}

func (s *Server) sendErrorResponse(request dap.Request, id int, summary, details string) {
	er := &dap.ErrorResponse{}
	er.Type = "response"
	er.Command = request.Command
	er.RequestSeq = request.Seq
	er.Success = false
	er.Message = summary
	er.Body.Error = &dap.ErrorMessage{
		Id:       id,
		Format:   fmt.Sprintf("%s: %s", summary, details),
		ShowUser: true,
	}
	s.log.Error(er.Body.Error.Format)
	s.send(er)
}

// sendInternalErrorResponse sends an "internal error" response back to the client.
// We only take a seq here because we don't want to make assumptions about the
// kind of message received by the server that this error is a reply to.
func (s *Server) sendInternalErrorResponse(seq int, details string) {
	er := &dap.ErrorResponse{}
	er.Type = "response"
	er.RequestSeq = seq
	er.Success = false
	er.Message = "Internal Error"
	er.Body.Error = &dap.ErrorMessage{
		Id:     InternalError,
		Format: fmt.Sprintf("%s: %s", er.Message, details),
	}
	s.log.Error(er.Body.Error.Format)
	s.send(er)
}

func (s *Server) sendUnsupportedErrorResponse(request dap.Request) {
	s.sendErrorResponse(request, UnsupportedCommand, "Unsupported command",
		fmt.Sprintf("cannot process '%s' request", request.Command))
}

func (s *Server) sendNotYetImplementedErrorResponse(request dap.Request) {
	s.sendErrorResponse(request, NotYetImplemented, "Not yet implemented",
		fmt.Sprintf("cannot process '%s' request", request.Command))
}

func newResponse(request dap.Request) *dap.Response {
	return &dap.Response{
		ProtocolMessage: dap.ProtocolMessage{
			Seq:  0,
			Type: "response",
		},
		Command:    request.Command,
		RequestSeq: request.Seq,
		Success:    true,
	}
}

func newEvent(event string) *dap.Event {
	return &dap.Event{
		ProtocolMessage: dap.ProtocolMessage{
			Seq:  0,
			Type: "event",
		},
		Event: event,
	}
}

func (s *Server) clearProcessStateHandles() {
	s.stackFrameHandles.reset()
	s.variableHandles.reset()
}

// runUntilStop resumes the target with cmd and reports the next stop
// to the client.
func (s *Server) runUntilStop(cmd func(context.Context) (*debugger.State, error), reason string) {
	s.clearProcessStateHandles()
	state, err := cmd(context.Background())
	if err != nil {
		s.handleStopOnError(err)
		return
	}
	s.handleStop(state, reason)
}

// handleStopOnError sends an apropriate event to the client, followed by
// an output event with the details of the error.
func (s *Server) handleStopOnError(err error) {
	s.log.Error("runtime error: ", err)

	var exited proc.ErrProcessExited
	if errors.As(err, &exited) {
		s.sendTerminated(exited.Status)
		return
	}
	d := s.getDebugger()
	if st := d.State(); st.Exited {
		s.sendTerminated(st.ExitCode)
		return
	}
	e := &dap.StoppedEvent{Event: *newEvent("stopped")}
	e.Body.AllThreadsStopped = true
	e.Body.Reason = "exception"
	e.Body.Text = err.Error()
	e.Body.ThreadId = d.ProcessPid()
	s.send(e)

	s.send(&dap.OutputEvent{
		Event: *newEvent("output"),
		Body: dap.OutputEventBody{
			Output:   fmt.Sprintf("ERROR: %s\n", e.Body.Text),
			Category: "stderr",
		}})
}

// handleStop sends an apropriate event to the client when execution stops
// due to normal causes (termination, breakpoint, step, etc).
func (s *Server) handleStop(state *debugger.State, reason string) {
	if state.Exited {
		s.sendTerminated(state.ExitCode)
		return
	}
	if state.Breakpoint == nil && reason == "breakpoint" {
		reason = "pause"
	}
	e := &dap.StoppedEvent{Event: *newEvent("stopped")}
	e.Body.Reason = reason
	e.Body.AllThreadsStopped = true
	e.Body.ThreadId = s.getDebugger().ProcessPid()
	s.send(e)
}

// sendTerminated reports the exit of the target, once.
func (s *Server) sendTerminated(code int) {
	if s.terminated {
		return
	}
	s.terminated = true
	s.send(&dap.ExitedEvent{Event: *newEvent("exited"), Body: dap.ExitedEventBody{ExitCode: code}})
	s.send(&dap.TerminatedEvent{Event: *newEvent("terminated")})
}

// outputListener forwards the debug strings of the target to the client.
type outputListener struct {
	proc.NopListener
	s *Server
}

func (l *outputListener) Output(str string) {
	l.s.send(&dap.OutputEvent{
		Event: *newEvent("output"),
		Body:  dap.OutputEventBody{Output: str, Category: "stdout"},
	})
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
