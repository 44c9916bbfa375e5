package power

import (
	"context"
	"fmt"
	"sync/atomic"
)

// Gate is the process wide activation lock. Most camera stacks support a
// single open session, so a camera holds the gate from the start of its
// activation until it goes back to sleep.
type Gate struct {
	slot   chan struct{}
	holder atomic.Int64
}

// NewGate returns a free gate.
func NewGate() *Gate {
	return &Gate{slot: make(chan struct{}, 1)}
}

// Acquire blocks until the gate is free or ctx is done.
func (g *Gate) Acquire(ctx context.Context, camera int) error {
	select {
	case g.slot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	if !g.holder.CompareAndSwap(0, int64(camera)+1) {
		panic(fmt.Sprintf("activation gate taken by camera %d while held by camera %d", camera, g.holder.Load()-1))
	}
	return nil
}

// Release frees the gate. Only the holder may release it.
func (g *Gate) Release(camera int) {
	if !g.holder.CompareAndSwap(int64(camera)+1, 0) {
		panic(fmt.Sprintf("activation gate released by camera %d which does not hold it", camera))
	}
	<-g.slot
}

// Holder returns the camera holding the gate.
func (g *Gate) Holder() (int, bool) {
	h := g.holder.Load()
	return int(h - 1), h != 0
}
