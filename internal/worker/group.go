package worker

import (
	"context"
	"fmt"
	"sync"
)

// Group runs background loops under one cancelable context and lets the
// caller wait for them to return.
type Group struct {
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// Start launches each loop in its own goroutine. Loops must return once ctx
// is canceled.
func (g *Group) Start(loops ...func(ctx context.Context)) {
	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	for _, loop := range loops {
		g.wg.Go(func() { loop(ctx) })
	}
}

// Stop cancels the loops and waits until they have all returned or ctx ends.
func (g *Group) Stop(ctx context.Context) error {
	if g.cancel != nil {
		g.cancel()
	}
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("background workers still running: %w", ctx.Err())
	}
}
