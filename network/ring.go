package network

import (
	"github.com/joeycumines/go-streamengine/buffer"
)

// bufferRing is an unbounded FIFO of queued outgoing tuple buffers, used by
// the network sink while buffering is active. Backed by a power-of-two ring
// that doubles when full, so drained buffers leave in exactly the order
// they were queued.
type bufferRing struct {
	s    []*buffer.TupleBuffer
	r, w uint
}

func newBufferRing() *bufferRing {
	return &bufferRing{s: make([]*buffer.TupleBuffer, 16)}
}

func (x *bufferRing) mask(val uint) uint {
	return val & (uint(len(x.s)) - 1)
}

func (x *bufferRing) Len() int {
	return int(x.w - x.r)
}

// PushBack appends buf, growing the ring if it is full.
func (x *bufferRing) PushBack(buf *buffer.TupleBuffer) {
	if x.Len() == len(x.s) {
		s := make([]*buffer.TupleBuffer, uint(len(x.s))<<1)
		if len(s) == 0 {
			panic(`network: buffer ring overflow`)
		}
		i := x.mask(x.r)
		n := copy(s, x.s[i:])
		copy(s[n:], x.s[:i])
		x.r = 0
		x.w = uint(len(x.s))
		x.s = s
	}
	x.s[x.mask(x.w)] = buf
	x.w++
}

// PopFront removes and returns the oldest buffer, or nil when empty.
func (x *bufferRing) PopFront() *buffer.TupleBuffer {
	if x.r == x.w {
		return nil
	}
	i := x.mask(x.r)
	buf := x.s[i]
	x.s[i] = nil
	x.r++
	return buf
}
