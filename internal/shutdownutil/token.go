// Package shutdownutil implements the parent-child cancellation token tree
// used to fan shutdown out to every live TopSQL subscriber and wait for each
// one to acknowledge exit before the controller returns.
package shutdownutil

import "context"

// Token is one node in the shutdown tree. It is cheap to derive children
// from: Child just wraps context.WithCancel, so cancelling a parent token
// cancels every descendant's Done() future without the parent needing to
// know how many descendants exist.
//
// Distinct from a plain context.Context, a Token also carries its own exit
// acknowledgement: the task that owns it must call MarkExited when it stops
// observing the token, and Shutdown blocks until that happens. This is what
// lets the controller respawn a component only after its previous
// incarnation has actually torn down.
type Token struct {
	ctx    context.Context
	cancel context.CancelFunc
	exited chan struct{}
}

// NewRoot creates the root of a shutdown tree.
func NewRoot() *Token {
	ctx, cancel := context.WithCancel(context.Background())
	return &Token{ctx: ctx, cancel: cancel, exited: make(chan struct{})}
}

// Child derives a new token whose Done() future fires whenever either t or
// the child itself is shut down. Used when spawning a subscriber under the
// controller's root.
func (t *Token) Child() *Token {
	ctx, cancel := context.WithCancel(t.ctx)
	return &Token{ctx: ctx, cancel: cancel, exited: make(chan struct{})}
}

// Done returns the selectable completion future: every suspension point in
// the owning task should select on this alongside its real work.
func (t *Token) Done() <-chan struct{} {
	return t.ctx.Done()
}

// Err reports why Done() fired, or nil if it hasn't.
func (t *Token) Err() error {
	return t.ctx.Err()
}

// MarkExited signals that the task holding this token has stopped running.
// Call exactly once, typically via defer at the top of the task's loop.
// Calling it more than once panics, matching close()'s semantics — a
// double-exit is a caller bug, not a runtime condition to tolerate.
func (t *Token) MarkExited() {
	close(t.exited)
}

// Shutdown cancels the token and blocks until MarkExited is observed. It is
// the synchronous "signal and wait for exit" step in the controller's
// spawn/stop diff.
func (t *Token) Shutdown() {
	t.cancel()
	<-t.exited
}

// ShutdownAsync cancels the token without waiting, returning a channel that
// closes once MarkExited is observed. Useful when the caller wants to
// signal many tokens before blocking on any of them.
func (t *Token) ShutdownAsync() <-chan struct{} {
	t.cancel()
	return t.exited
}
