package peer

import (
	"context"
	"sync"
)

// taskGroup tracks background tasks so shutdown can cancel and wait for them.
type taskGroup struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func newTaskGroup() *taskGroup {
	ctx, cancel := context.WithCancel(context.Background())

	return &taskGroup{
		ctx:    ctx,
		cancel: cancel,
	}
}

// Go runs f in a new goroutine. f's context is canceled when either ctx or
// the group is done. It reports false, without running f, once the group is
// stopped.
func (g *taskGroup) Go(ctx context.Context, f func(ctx context.Context)) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return false
	}

	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(g.ctx, cancel)

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer stop()
		defer cancel()

		f(ctx)
	}()

	return true
}

// Stop cancels all running tasks and waits for them to return.
func (g *taskGroup) Stop() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()

	g.cancel()
	g.wg.Wait()
}
