package buffer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-streamengine/logging"
)

// ErrPoolExhausted is returned by the non-blocking acquisition variants when
// the pool has no free buffers.
var ErrPoolExhausted = errors.New(`buffer: pool exhausted`)

// ErrPoolDestroyed is returned when acquiring from a destroyed pool.
var ErrPoolDestroyed = errors.New(`buffer: pool destroyed`)

type (
	// Pool is the buffer acquisition surface shared by the global Manager
	// and per-source FixedSizePool instances.
	Pool interface {
		// GetBufferBlocking waits until a buffer is free, or ctx cancels.
		GetBufferBlocking(ctx context.Context) (*TupleBuffer, error)

		// GetBufferNoBlocking returns ErrPoolExhausted when no buffer is
		// immediately available.
		GetBufferNoBlocking() (*TupleBuffer, error)

		// BufferSize returns the capacity in bytes of every buffer in the
		// pool.
		BufferSize() int

		// AvailableBuffers returns the current number of free buffers.
		AvailableBuffers() int
	}

	// Manager is the engine-global pool of fixed-size tuple buffers. All
	// per-source pools are carved out of it via NewFixedSizePool.
	Manager struct {
		bufferSize int
		numBuffers int
		free       chan *TupleBuffer
		destroyed  atomic.Bool
		logger     *logging.Logger
	}

	// FixedSizePool reserves a fixed number of buffers from the global
	// Manager for exclusive use, typically one pool per data source.
	// Destroying the pool returns the reservation to the Manager.
	FixedSizePool struct {
		parent      *Manager
		free        chan *TupleBuffer
		numReserved int
		outstanding atomic.Int64
		destroyOnce sync.Once
		destroyed   atomic.Bool
	}
)

// NewManager initializes a Manager holding numBuffers buffers of bufferSize
// bytes each. The logger may be nil.
func NewManager(numBuffers, bufferSize int, logger *logging.Logger) *Manager {
	if numBuffers <= 0 {
		panic(`buffer: manager requires at least one buffer`)
	}
	if bufferSize <= 0 {
		panic(`buffer: buffer size must be positive`)
	}
	x := &Manager{
		bufferSize: bufferSize,
		numBuffers: numBuffers,
		free:       make(chan *TupleBuffer, numBuffers),
		logger:     logger,
	}
	for i := 0; i < numBuffers; i++ {
		x.free <- newTupleBuffer(bufferSize, x)
	}
	return x
}

// BufferSize returns the capacity in bytes of every buffer in the pool.
func (x *Manager) BufferSize() int { return x.bufferSize }

// NumBuffers returns the total number of buffers owned by the manager.
func (x *Manager) NumBuffers() int { return x.numBuffers }

// AvailableBuffers returns the current number of free buffers.
func (x *Manager) AvailableBuffers() int { return len(x.free) }

// GetBufferBlocking waits until a buffer is free, or ctx cancels.
func (x *Manager) GetBufferBlocking(ctx context.Context) (*TupleBuffer, error) {
	if x.destroyed.Load() {
		return nil, ErrPoolDestroyed
	}
	select {
	case buf := <-x.free:
		return buf.issue(x), nil
	default:
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case buf := <-x.free:
		return buf.issue(x), nil
	}
}

// GetBufferNoBlocking returns ErrPoolExhausted when no buffer is free.
func (x *Manager) GetBufferNoBlocking() (*TupleBuffer, error) {
	if x.destroyed.Load() {
		return nil, ErrPoolDestroyed
	}
	select {
	case buf := <-x.free:
		return buf.issue(x), nil
	default:
		return nil, ErrPoolExhausted
	}
}

// Destroy marks the manager as destroyed. It is idempotent. Destroy must
// only be called once all outstanding buffer handles have been released;
// violating that is a fatal usage error detected by the free-list count.
func (x *Manager) Destroy() {
	if !x.destroyed.CompareAndSwap(false, true) {
		return
	}
	if n := len(x.free); n != x.numBuffers {
		panic(`buffer: manager destroyed with outstanding buffers`)
	}
	if x.logger != nil {
		x.logger.Debug().Int(`buffers`, x.numBuffers).Log(`buffer manager destroyed`)
	}
}

func (x *Manager) recycle(buf *TupleBuffer) {
	x.free <- buf
}

// NewFixedSizePool reserves n buffers from the manager as a sub-pool. It
// blocks until the reservation is satisfied, or ctx cancels.
func (x *Manager) NewFixedSizePool(ctx context.Context, n int) (*FixedSizePool, error) {
	if n <= 0 {
		panic(`buffer: fixed size pool requires at least one buffer`)
	}
	pool := &FixedSizePool{
		parent:      x,
		free:        make(chan *TupleBuffer, n),
		numReserved: n,
	}
	for i := 0; i < n; i++ {
		buf, err := x.GetBufferBlocking(ctx)
		if err != nil {
			pool.releaseReservation()
			return nil, err
		}
		// the reservation holds the parent reference; the sub-pool hands
		// buffers out under its own recycler
		buf.pool = pool
		buf.refs.Store(0)
		pool.free <- buf
	}
	return pool, nil
}

// BufferSize returns the capacity in bytes of every buffer in the pool.
func (x *FixedSizePool) BufferSize() int { return x.parent.bufferSize }

// AvailableBuffers returns the current number of free buffers.
func (x *FixedSizePool) AvailableBuffers() int { return len(x.free) }

// GetBufferBlocking waits until a buffer is free, or ctx cancels.
func (x *FixedSizePool) GetBufferBlocking(ctx context.Context) (*TupleBuffer, error) {
	if x.destroyed.Load() {
		return nil, ErrPoolDestroyed
	}
	var buf *TupleBuffer
	select {
	case buf = <-x.free:
	default:
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case buf = <-x.free:
		}
	}
	x.outstanding.Add(1)
	return buf.issue(x), nil
}

// GetBufferNoBlocking returns ErrPoolExhausted when no buffer is free.
func (x *FixedSizePool) GetBufferNoBlocking() (*TupleBuffer, error) {
	if x.destroyed.Load() {
		return nil, ErrPoolDestroyed
	}
	select {
	case buf := <-x.free:
		x.outstanding.Add(1)
		return buf.issue(x), nil
	default:
		return nil, ErrPoolExhausted
	}
}

// Destroy returns the pool's free reservation to the global manager. It is
// idempotent. Buffers still held downstream migrate back to the manager as
// their holders release them.
func (x *FixedSizePool) Destroy() {
	x.destroyOnce.Do(func() {
		x.destroyed.Store(true)
		x.releaseReservation()
	})
}

func (x *FixedSizePool) releaseReservation() {
	for {
		select {
		case buf := <-x.free:
			buf.pool = x.parent
			buf.refs.Store(0)
			x.parent.recycle(buf)
		default:
			return
		}
	}
}

func (x *FixedSizePool) recycle(buf *TupleBuffer) {
	x.outstanding.Add(-1)
	if x.destroyed.Load() {
		// late release after destroy: hand the buffer back to the parent
		buf.pool = x.parent
		x.parent.recycle(buf)
		return
	}
	x.free <- buf
}
