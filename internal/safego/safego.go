// Package safego launches fire-and-forget goroutines that cannot crash the process.
package safego

import (
	"context"
	"log/slog"
	"sync"
)

// Go runs fn in a new goroutine, recovering and logging any panic under name
func Go(name string, fn func()) {
	go run(name, fn)
}

func run(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("recovered panic in background task", "task", name, "panic", r)
		}
	}()
	fn()
}

// Group tracks background tasks so shutdown (and tests) can wait for them to drain.
// The zero value is ready to use.
type Group struct {
	wg sync.WaitGroup
}

// Go runs fn like the package-level Go and tracks it until it returns or panics
func (g *Group) Go(name string, fn func()) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		run(name, fn)
	}()
}

// Wait blocks until every tracked task has finished or ctx ends
func (g *Group) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
