// Package admission bounds how many requests are processed at once.
//
// A Gate hands out a fixed number of permits. The receive loop acquires one
// permit per datagram before dispatching a worker, so excess demand waits at a
// single point instead of turning into unbounded goroutine growth.
package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

var (
	// ErrGateClosed is returned by Acquire once the gate has been closed.
	ErrGateClosed = errors.New("admission gate closed")

	// ErrInvalidCapacity is returned by New for a non-positive capacity.
	ErrInvalidCapacity = errors.New("admission capacity must be positive")
)

// Gate is a counting semaphore with a close signal.
type Gate struct {
	sem      *semaphore.Weighted
	capacity int64
	inFlight atomic.Int64

	closed    context.Context
	closeGate context.CancelFunc
}

// Permit is one unit of admitted work. Release it exactly once; extra calls
// are ignored.
type Permit struct {
	gate *Gate
	once sync.Once
}

// New creates a gate with the given capacity. The capacity never changes.
func New(capacity int) (*Gate, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCapacity, capacity)
	}
	closed, closeGate := context.WithCancel(context.Background())
	return &Gate{
		sem:       semaphore.NewWeighted(int64(capacity)),
		capacity:  int64(capacity),
		closed:    closed,
		closeGate: closeGate,
	}, nil
}

// Acquire blocks until a permit is available, ctx is done, or the gate is
// closed. It returns ErrGateClosed in the last case.
func (g *Gate) Acquire(ctx context.Context) (*Permit, error) {
	if g.IsClosed() {
		return nil, ErrGateClosed
	}

	if !g.sem.TryAcquire(1) {
		acquireCtx, cancel := context.WithCancel(ctx)
		stop := context.AfterFunc(g.closed, cancel)
		err := g.sem.Acquire(acquireCtx, 1)
		stop()
		cancel()
		if err != nil {
			if g.IsClosed() {
				return nil, ErrGateClosed
			}
			return nil, err
		}
	}

	// Lost a race with Close.
	if g.IsClosed() {
		g.sem.Release(1)
		return nil, ErrGateClosed
	}

	g.inFlight.Add(1)
	return &Permit{gate: g}, nil
}

// Release returns the permit to its gate.
func (p *Permit) Release() {
	p.once.Do(func() {
		p.gate.inFlight.Add(-1)
		p.gate.sem.Release(1)
	})
}

// Close fails all pending and future acquisitions. Permits already handed out
// stay valid and must still be released.
func (g *Gate) Close() {
	g.closeGate()
}

// IsClosed reports whether Close has been called.
func (g *Gate) IsClosed() bool {
	return g.closed.Err() != nil
}

// Wait blocks until every permit has been released or ctx is done. While it
// waits, new acquisitions queue behind it.
func (g *Gate) Wait(ctx context.Context) error {
	if err := g.sem.Acquire(ctx, g.capacity); err != nil {
		return err
	}
	g.sem.Release(g.capacity)
	return nil
}

// InFlight returns the number of permits currently held.
func (g *Gate) InFlight() int {
	return int(g.inFlight.Load())
}

// Capacity returns the maximum number of concurrent permits.
func (g *Gate) Capacity() int {
	return int(g.capacity)
}
