package service

// Server serves a debug session to a remote client.
type Server interface {
	Run()
	Stop()
}
