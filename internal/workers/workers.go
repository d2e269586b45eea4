// Package workers runs goroutines that share one cancellation and can be stopped together.
package workers

import (
	"context"
	"sync"

	goutils "go.viam.com/utils"
)

// Group is a set of goroutines stopped as one. Stop cancels the shared context and blocks
// until every goroutine has returned, so once Stop returns nothing in the group is still
// running. The zero value is not usable; call NewGroup.
type Group struct {
	mu     sync.Mutex
	ctx    context.Context
	cancel func()
	active sync.WaitGroup
}

// NewGroup returns a group whose goroutines run until Stop. It starts fns right away.
func NewGroup(fns ...func(context.Context)) *Group {
	ctx, cancel := context.WithCancel(context.Background())
	g := &Group{ctx: ctx, cancel: cancel}
	g.Go(fns...)
	return g
}

// Go starts each fn on its own goroutine. Panics are logged, not propagated. After Stop it
// starts nothing.
func (g *Group) Go(fns ...func(context.Context)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ctx.Err() != nil {
		return
	}
	g.active.Add(len(fns))
	for _, fn := range fns {
		goutils.PanicCapturingGo(func() {
			defer g.active.Done()
			fn(g.ctx)
		})
	}
}

// Stop cancels the group and waits for its goroutines. It must not be called from one of
// them. Stopping twice is fine.
func (g *Group) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancel()
	g.active.Wait()
}

// Context is cancelled by Stop.
func (g *Group) Context() context.Context {
	return g.ctx
}

// Stopped reports whether Stop has been called.
func (g *Group) Stopped() bool {
	return g.ctx.Err() != nil
}
