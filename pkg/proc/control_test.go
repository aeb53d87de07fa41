package proc

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestControlWaitRunsQueuedClosures(t *testing.T) {
	c := NewControlChannel()
	ctx := context.Background()

	done := make(chan Action)
	go func() { done <- c.wait() }()

	if _, err := c.WaitParked(ctx); err != nil {
		t.Fatal(err)
	}
	ran := false
	if err := c.Do(ctx, func() { ran = true }); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if !ran {
		t.Fatalf("closure did not run")
	}
	if !c.Post(ActionStepOver) {
		t.Fatalf("Post refused")
	}
	select {
	case a := <-done:
		if a != ActionStepOver {
			t.Fatalf("wait returned %s", a)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("wait did not return")
	}
	if c.Parked() {
		t.Fatalf("still parked")
	}
	if c.peek() != ActionNone {
		t.Fatalf("action not consumed")
	}
}

func TestControlPostReplacesPending(t *testing.T) {
	c := NewControlChannel()
	c.Post(ActionStepInto)
	c.Post(ActionContinue)
	if a := c.wait(); a != ActionContinue {
		t.Fatalf("wait returned %s", a)
	}
	if c.StopSeq() != 1 {
		t.Fatalf("stop sequence %d", c.StopSeq())
	}
}

func TestControlClose(t *testing.T) {
	c := NewControlChannel()
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		errs <- c.Do(ctx, func() { t.Errorf("closure ran after close") })
	}()
	// wait for the closure to be queued
	for {
		c.mu.Lock()
		n := len(c.queue)
		c.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	seq := c.StopSeq()
	c.close()
	wg.Wait()
	if err := <-errs; err != ErrControlClosed {
		t.Fatalf("Do after close: %v", err)
	}
	if c.Post(ActionContinue) {
		t.Fatalf("Post accepted after close")
	}
	if c.wait() != ActionStop {
		t.Fatalf("wait on a closed channel must return stop")
	}
	got, err := c.WaitStop(ctx, seq)
	if err != nil || got <= seq {
		t.Fatalf("WaitStop after close = %d, %v", got, err)
	}
	if err := c.Do(ctx, func() {}); err != ErrControlClosed {
		t.Fatalf("Do on closed channel: %v", err)
	}
}

func TestControlDoCancelled(t *testing.T) {
	c := NewControlChannel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Do(ctx, func() { t.Errorf("cancelled closure ran") }); err != context.Canceled {
		t.Fatalf("Do: %v", err)
	}
	c.runQueued()
}

func TestControlWaitStopTimeout(t *testing.T) {
	c := NewControlChannel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := c.WaitStop(ctx, 0); err != context.DeadlineExceeded {
		t.Fatalf("WaitStop: %v", err)
	}
}
