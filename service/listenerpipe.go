package service

import (
	"errors"
	"net"
	"sync"
)

// ListenerPipe returns an in-memory connection and a listener whose first
// Accept returns the other end of it. Servers can then be driven without a
// network socket.
func ListenerPipe() (net.Listener, net.Conn) {
	serverEnd, clientEnd := net.Pipe()
	return &pipeListener{conn: serverEnd, closech: make(chan struct{})}, clientEnd
}

// pipeListener hands out a single connection. Later Accept calls block
// until the listener is closed.
type pipeListener struct {
	mu       sync.Mutex
	accepted bool
	conn     net.Conn

	closeOnce sync.Once
	closech   chan struct{}
}

func (l *pipeListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	if !l.accepted {
		l.accepted = true
		l.mu.Unlock()
		return l.conn, nil
	}
	l.mu.Unlock()
	<-l.closech
	return nil, errors.New("accept failed: listener closed")
}

func (l *pipeListener) Close() error {
	l.closeOnce.Do(func() { close(l.closech) })
	return nil
}

func (l *pipeListener) Addr() net.Addr {
	return l.conn.LocalAddr()
}
