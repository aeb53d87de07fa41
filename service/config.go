package service

import (
	"net"

	"github.com/ndbg/ndbg/service/debugger"
)

// Config provides the configuration to start a Debugger and expose it with a
// service.
//
// The target is not part of the configuration: the client names it when it
// asks for a launch.
type Config struct {
	// Listener is used to serve requests.
	Listener net.Listener

	// Launch holds the settings of native launches that the client does
	// not provide: working directory, tty and debug info directories.
	Launch debugger.LaunchConfig

	// Debugger is the configuration of every debug session.
	Debugger debugger.Config

	// DisconnectChan will be closed by the server when the client disconnects
	DisconnectChan chan<- struct{}
}
