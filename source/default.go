package source

import (
	"context"

	"github.com/joeycumines/go-streamengine/buffer"
	"github.com/joeycumines/go-streamengine/record"
)

type (
	// DefaultSource generates synthetic buffers: every numeric field of
	// every tuple is 1, matching the engine's canonical test stream.
	DefaultSource struct {
		tuplesPerBuffer int
		buffers         Allocator
	}

	// GenerateFunc fills one buffer via the schema view, returning the
	// number of tuples written; returning 0 ends the stream gracefully.
	GenerateFunc func(ctx context.Context, view record.View) (int, error)

	// LambdaSource produces buffers by invoking a user function, the
	// engine's programmable source type.
	LambdaSource struct {
		generate GenerateFunc
		buffers  Allocator
	}
)

var _ Receiver = (*DefaultSource)(nil)
var _ Receiver = (*LambdaSource)(nil)

// NewDefaultSource initializes a generator of tuplesPerBuffer tuples per
// buffer.
func NewDefaultSource(tuplesPerBuffer int) *DefaultSource {
	if tuplesPerBuffer <= 0 {
		tuplesPerBuffer = 1
	}
	return &DefaultSource{tuplesPerBuffer: tuplesPerBuffer}
}

func (x *DefaultSource) Type() Type { return TypeDefault }

func (x *DefaultSource) Open(_ context.Context, buffers Allocator) error {
	x.buffers = buffers
	return nil
}

func (x *DefaultSource) ReceiveData(ctx context.Context) (*buffer.TupleBuffer, error) {
	view, err := x.buffers.AllocateBuffer(ctx)
	if err != nil {
		return nil, err
	}
	schema := view.Layout().Schema()
	n := x.tuplesPerBuffer
	if n > view.Capacity() {
		n = view.Capacity()
	}
	for t := 0; t < n; t++ {
		for f := 0; f < schema.NumFields(); f++ {
			switch schema.Field(f).Type {
			case record.TypeFloat64:
				view.PutFloat64(t, f, 1)
			case record.TypeBool:
				view.PutBool(t, f, true)
			default:
				view.PutUint64(t, f, 1)
			}
		}
	}
	view.Buffer().SetNumTuples(uint64(n))
	return view.Buffer(), nil
}

func (x *DefaultSource) Close() error { return nil }

// NewLambdaSource initializes a source driven by generate.
func NewLambdaSource(generate GenerateFunc) *LambdaSource {
	if generate == nil {
		panic(`source: nil generate func`)
	}
	return &LambdaSource{generate: generate}
}

func (x *LambdaSource) Type() Type { return TypeLambda }

func (x *LambdaSource) Open(_ context.Context, buffers Allocator) error {
	x.buffers = buffers
	return nil
}

func (x *LambdaSource) ReceiveData(ctx context.Context) (*buffer.TupleBuffer, error) {
	view, err := x.buffers.AllocateBuffer(ctx)
	if err != nil {
		return nil, err
	}
	n, err := x.generate(ctx, view)
	if err != nil {
		view.Buffer().Release()
		return nil, err
	}
	if n <= 0 {
		view.Buffer().Release()
		return nil, nil
	}
	view.Buffer().SetNumTuples(uint64(n))
	return view.Buffer(), nil
}

func (x *LambdaSource) Close() error { return nil }
