package shutdownutil

import (
	"testing"
	"time"
)

func TestToken_ChildObservesParentCancel(t *testing.T) {
	root := NewRoot()
	child := root.Child()

	select {
	case <-child.Done():
		t.Fatal("child should not be done before parent shutdown")
	default:
	}

	go func() {
		<-child.Done()
		child.MarkExited()
	}()
	root.cancel()

	select {
	case <-child.exited:
	case <-time.After(time.Second):
		t.Fatal("child did not observe parent cancellation in time")
	}
}

func TestToken_ShutdownWaitsForExit(t *testing.T) {
	tok := NewRoot()
	started := make(chan struct{})
	finished := make(chan struct{})

	go func() {
		close(started)
		<-tok.Done()
		time.Sleep(10 * time.Millisecond)
		tok.MarkExited()
		close(finished)
	}()

	<-started
	tok.Shutdown()

	select {
	case <-finished:
	default:
		t.Fatal("Shutdown returned before the task called MarkExited")
	}
}

func TestToken_ShutdownAsyncReturnsChannelThatClosesOnExit(t *testing.T) {
	tok := NewRoot()
	go func() {
		<-tok.Done()
		tok.MarkExited()
	}()

	done := tok.ShutdownAsync()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ShutdownAsync channel never closed")
	}
}
