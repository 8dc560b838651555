package record

import (
	"encoding/binary"
	"math"

	"github.com/joeycumines/go-streamengine/buffer"
)

// View is the logical record abstraction over a tuple buffer: layout-aware,
// typed access to field values by (tuple, field) coordinates. A View does
// not own the underlying buffer and must not outlive the caller's buffer
// reference.
type View struct {
	layout Layout
	buf    *buffer.TupleBuffer
}

// NewView wraps buf with typed accessors under the given layout.
func NewView(layout Layout, buf *buffer.TupleBuffer) View {
	return View{layout: layout, buf: buf}
}

// Layout returns the layout the view reads and writes through.
func (x View) Layout() Layout { return x.layout }

// Buffer returns the underlying tuple buffer.
func (x View) Buffer() *buffer.TupleBuffer { return x.buf }

// NumTuples returns the tuple count of the underlying buffer.
func (x View) NumTuples() int { return int(x.buf.NumTuples()) }

// Capacity returns the layout's tuple capacity.
func (x View) Capacity() int { return x.layout.Capacity() }

// Uint64 reads field f of tuple t as a uint64.
func (x View) Uint64(t, f int) uint64 {
	off := x.layout.FieldOffset(t, f)
	return binary.LittleEndian.Uint64(x.buf.Bytes()[off:])
}

// PutUint64 writes field f of tuple t.
func (x View) PutUint64(t, f int, v uint64) {
	off := x.layout.FieldOffset(t, f)
	binary.LittleEndian.PutUint64(x.buf.Bytes()[off:], v)
}

// Int64 reads field f of tuple t as an int64.
func (x View) Int64(t, f int) int64 { return int64(x.Uint64(t, f)) }

// PutInt64 writes field f of tuple t.
func (x View) PutInt64(t, f int, v int64) { x.PutUint64(t, f, uint64(v)) }

// Float64 reads field f of tuple t as a float64.
func (x View) Float64(t, f int) float64 { return math.Float64frombits(x.Uint64(t, f)) }

// PutFloat64 writes field f of tuple t.
func (x View) PutFloat64(t, f int, v float64) { x.PutUint64(t, f, math.Float64bits(v)) }

// Bool reads field f of tuple t as a bool.
func (x View) Bool(t, f int) bool {
	off := x.layout.FieldOffset(t, f)
	return x.buf.Bytes()[off] != 0
}

// PutBool writes field f of tuple t.
func (x View) PutBool(t, f int, v bool) {
	off := x.layout.FieldOffset(t, f)
	if v {
		x.buf.Bytes()[off] = 1
	} else {
		x.buf.Bytes()[off] = 0
	}
}

// FieldBytes returns the raw bytes of field f of tuple t.
func (x View) FieldBytes(t, f int) []byte {
	off := x.layout.FieldOffset(t, f)
	return x.buf.Bytes()[off : off+x.layout.Schema().Field(f).Width()]
}

// TupleBytes returns the raw bytes of tuple t. It requires the row layout.
func (x View) TupleBytes(t int) []byte {
	layout, ok := x.layout.(*RowLayout)
	if !ok {
		panic(`record: tuple bytes requires the row layout`)
	}
	size := layout.Schema().SizeBytes()
	off := t * size
	return x.buf.Bytes()[off : off+size]
}

// AppendTuple claims the next tuple slot and returns its index, or false
// when the buffer is full. The caller writes fields, the tuple count is
// already advanced.
func (x View) AppendTuple() (int, bool) {
	n := int(x.buf.NumTuples())
	if n >= x.layout.Capacity() {
		return 0, false
	}
	x.buf.SetNumTuples(uint64(n + 1))
	return n, true
}
