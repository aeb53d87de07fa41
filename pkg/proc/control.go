package proc

import (
	"context"
	"errors"
	"sync"
)

// Action is a request from a controller to the debug loop.
type Action uint8

const (
	ActionNone Action = iota
	ActionContinue
	ActionStepOver
	ActionStepInto
	ActionStop
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionContinue:
		return "continue"
	case ActionStepOver:
		return "step-over"
	case ActionStepInto:
		return "step-into"
	case ActionStop:
		return "stop"
	}
	return "unknown"
}

// ErrControlClosed is returned by ControlChannel.Do once the debug loop has
// terminated.
var ErrControlClosed = errors.New("debug session terminated")

// Listener receives notifications from the debug loop. Methods are called
// synchronously on the debug loop goroutine and must not block on the
// ControlChannel.
type Listener interface {
	// LineChanged is called every time the target traps at a known line.
	LineChanged(addr uint64, line *SourceLine)
	// SourcesLoaded is called once the source files of a module are indexed.
	SourcesLoaded(sources map[string][]*SourceLine)
	// Stopped is called when the debug loop parks waiting for an action.
	Stopped(snapshot *Snapshot)
	// Exited is called when the target process has exited.
	Exited(code int)
	// Output receives debug strings emitted by the target.
	Output(s string)
}

// NopListener ignores every notification. Embed it to implement a subset
// of Listener.
type NopListener struct{}

func (NopListener) LineChanged(uint64, *SourceLine) {}
func (NopListener) SourcesLoaded(map[string][]*SourceLine) {}
func (NopListener) Stopped(*Snapshot) {}
func (NopListener) Exited(int) {}
func (NopListener) Output(string) {}

// MultiListener forwards notifications to every listener in order.
type MultiListener []Listener

func (ls MultiListener) LineChanged(addr uint64, line *SourceLine) {
	for _, l := range ls {
		l.LineChanged(addr, line)
	}
}

func (ls MultiListener) SourcesLoaded(sources map[string][]*SourceLine) {
	for _, l := range ls {
		l.SourcesLoaded(sources)
	}
}

func (ls MultiListener) Stopped(snapshot *Snapshot) {
	for _, l := range ls {
		l.Stopped(snapshot)
	}
}

func (ls MultiListener) Exited(code int) {
	for _, l := range ls {
		l.Exited(code)
	}
}

func (ls MultiListener) Output(s string) {
	for _, l := range ls {
		l.Output(s)
	}
}

type queuedFunc struct {
	fn   func()
	done chan struct{}
	err  error
}

// ControlChannel is the gate between controllers and the debug loop. The
// pending action slot, the queue of closures and the stop sequence are
// protected by one mutex; the debug loop parks on its condition variable.
type ControlChannel struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending Action
	closed  bool
	parked  bool
	stopSeq uint64
	queue   []*queuedFunc
}

// NewControlChannel returns an open channel with no pending action.
func NewControlChannel() *ControlChannel {
	c := &ControlChannel{}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Post sets the pending action, replacing any action not yet consumed.
// Returns false if the debug loop has terminated.
func (c *ControlChannel) Post(a Action) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.pending = a
	c.cond.Broadcast()
	return true
}

// Do runs fn on the debug loop goroutine the next time the target is
// stopped and waits for it to complete.
func (c *ControlChannel) Do(ctx context.Context, fn func()) error {
	q := &queuedFunc{fn: fn, done: make(chan struct{})}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrControlClosed
	}
	c.queue = append(c.queue, q)
	c.cond.Broadcast()
	c.mu.Unlock()

	select {
	case <-q.done:
		return q.err
	case <-ctx.Done():
		c.mu.Lock()
		for i := range c.queue {
			if c.queue[i] == q {
				c.queue = append(c.queue[:i], c.queue[i+1:]...)
				c.mu.Unlock()
				return ctx.Err()
			}
		}
		c.mu.Unlock()
		// already running
		<-q.done
		return q.err
	}
}

// StopSeq returns the number of times the debug loop has parked (or
// terminated) so far.
func (c *ControlChannel) StopSeq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopSeq
}

// Parked returns true while the debug loop waits for an action.
func (c *ControlChannel) Parked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.parked
}

// Closed returns true once the debug loop has terminated.
func (c *ControlChannel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// WaitStop blocks until the debug loop parks or terminates after stop
// number seq. Returns the new stop sequence number.
func (c *ControlChannel) WaitStop(ctx context.Context, seq uint64) (uint64, error) {
	return c.waitFor(ctx, func() bool { return c.stopSeq > seq })
}

// WaitParked blocks until the debug loop is parked or terminated.
func (c *ControlChannel) WaitParked(ctx context.Context) (uint64, error) {
	return c.waitFor(ctx, func() bool { return c.parked })
}

func (c *ControlChannel) waitFor(ctx context.Context, cond func() bool) (uint64, error) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			c.mu.Lock()
			c.cond.Broadcast()
			c.mu.Unlock()
		case <-done:
		}
	}()

	c.mu.Lock()
	defer c.mu.Unlock()
	for !cond() && !c.closed {
		if err := ctx.Err(); err != nil {
			return c.stopSeq, err
		}
		c.cond.Wait()
	}
	return c.stopSeq, nil
}

// take consumes the pending action.
func (c *ControlChannel) take() Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	a := c.pending
	c.pending = ActionNone
	return a
}

// peek returns the pending action without consuming it.
func (c *ControlChannel) peek() Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// wait parks the debug loop until an action is pending, running queued
// closures meanwhile. Returns ActionStop if the channel is closed.
func (c *ControlChannel) wait() Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.parked = true
	c.stopSeq++
	c.cond.Broadcast()
	for {
		for len(c.queue) > 0 {
			q := c.queue[0]
			c.queue = c.queue[1:]
			c.mu.Unlock()
			q.fn()
			close(q.done)
			c.mu.Lock()
		}
		if c.pending != ActionNone || c.closed {
			break
		}
		c.cond.Wait()
	}
	c.parked = false
	if c.closed {
		return ActionStop
	}
	a := c.pending
	c.pending = ActionNone
	return a
}

// runQueued runs the closures queued so far. Called by the debug loop at
// safe points other than a park.
func (c *ControlChannel) runQueued() {
	c.mu.Lock()
	queue := c.queue
	c.queue = nil
	c.mu.Unlock()
	for _, q := range queue {
		q.fn()
		close(q.done)
	}
}

// close marks the debug loop as terminated: later actions are ignored and
// queued closures fail with ErrControlClosed.
func (c *ControlChannel) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.pending = ActionNone
	c.parked = false
	c.stopSeq++
	for _, q := range c.queue {
		q.err = ErrControlClosed
		close(q.done)
	}
	c.queue = nil
	c.cond.Broadcast()
}
