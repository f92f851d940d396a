package chat

import "context"

// gate holds the cancel handle of the in-flight turn. Generations keep a
// finished turn from clearing a newer turn's handle.
type gate struct {
	cancel     context.CancelFunc
	generation uint64
}

// begin derives the turn context from parent and replaces any previous
// handle without cancelling it.
func (g *gate) begin(parent context.Context) (context.Context, context.CancelFunc, uint64) {
	ctx, cancel := context.WithCancel(parent)
	g.generation++
	g.cancel = cancel
	return ctx, cancel, g.generation
}

// abort cancels the current handle, if any, and clears it.
func (g *gate) abort() bool {
	if g.cancel == nil {
		return false
	}
	g.cancel()
	g.cancel = nil
	return true
}

// invalidate aborts the current handle and retires its generation, so the
// aborted turn no longer owns the controller state when it finishes.
func (g *gate) invalidate() {
	g.abort()
	g.generation++
}

// end clears the handle if it still belongs to generation.
func (g *gate) end(generation uint64) {
	if g.generation == generation {
		g.cancel = nil
	}
}

func (g *gate) canStop() bool {
	return g.cancel != nil
}
