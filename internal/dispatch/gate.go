package dispatch

import (
	"context"
	"sync"
)

// gate is a resizable counting semaphore bounding concurrent job handlers.
// Shrinking never interrupts holders; it takes effect as they release.
type gate struct {
	mu    sync.Mutex
	limit int
	held  int

	// wake is closed and replaced whenever capacity may have appeared
	wake chan struct{}
}

func newGate(limit int) *gate {
	if limit < 1 {
		limit = 1
	}
	return &gate{limit: limit, wake: make(chan struct{})}
}

func (g *gate) acquire(ctx context.Context) error {
	for {
		g.mu.Lock()
		if g.held < g.limit {
			g.held++
			g.mu.Unlock()
			return nil
		}
		wake := g.wake
		g.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		}
	}
}

func (g *gate) release() {
	g.mu.Lock()
	g.held--
	g.wakeLocked()
	g.mu.Unlock()
}

func (g *gate) resize(limit int) {
	if limit < 1 {
		limit = 1
	}
	g.mu.Lock()
	g.limit = limit
	g.wakeLocked()
	g.mu.Unlock()
}

func (g *gate) width() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.limit
}

func (g *gate) inFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.held
}

func (g *gate) wakeLocked() {
	close(g.wake)
	g.wake = make(chan struct{})
}
