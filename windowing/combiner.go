package windowing

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-streamengine/buffer"
	"github.com/joeycumines/go-streamengine/query"
	"github.com/joeycumines/go-streamengine/record"
)

type (
	// PartialExtractor reads one (window, key, partial) record from tuple
	// t of an upstream pre-aggregation buffer.
	PartialExtractor[K comparable, A any] func(view record.View, t int) (start, end uint64, key K, partial A)

	// WindowCombiner merges the partial aggregates produced by the
	// workers of a distributed window, keyed by (window, key). It runs on
	// at most one worker per shared query; a (window, key) group is final
	// once the window is closed on every upstream origin, per the
	// per-origin watermarks.
	WindowCombiner[K comparable, V, A, R any] struct {
		cfg     OperatorConfig
		agg     AggregationFunc[V, A, R]
		extract PartialExtractor[K, A]
		write   ResultWriter[K, R]

		inputLayout  record.Layout
		outputLayout record.Layout

		mu     sync.Mutex
		state  map[combinerWindow[K]]A
		fired  uint64
		seq    atomic.Uint64

		watermarks *WatermarkTracker
	}

	combinerWindow[K comparable] struct {
		start uint64
		end   uint64
		key   K
	}
)

var _ query.Stage = (*WindowCombiner[uint64, uint64, uint64, uint64])(nil)

// NewWindowCombiner assembles the merge stage of a distributed windowed
// aggregation.
func NewWindowCombiner[K comparable, V, A, R any](
	cfg OperatorConfig,
	agg AggregationFunc[V, A, R],
	extract PartialExtractor[K, A],
	write ResultWriter[K, R],
) *WindowCombiner[K, V, A, R] {
	if cfg.InputSchema == nil || cfg.OutputSchema == nil {
		panic(`windowing: combiner requires input and output schemas`)
	}
	return &WindowCombiner[K, V, A, R]{
		cfg:        cfg,
		agg:        agg,
		extract:    extract,
		write:      write,
		state:      make(map[combinerWindow[K]]A),
		watermarks: NewWatermarkTracker(cfg.InputOrigins),
	}
}

func (x *WindowCombiner[K, V, A, R]) Setup(ctx *query.PipelineContext) error {
	x.inputLayout = record.NewLayout(x.cfg.InputSchema, ctx.BufferSize())
	x.outputLayout = record.NewLayout(x.cfg.OutputSchema, ctx.BufferSize())
	return nil
}

func (x *WindowCombiner[K, V, A, R]) Execute(ctx *query.PipelineContext, buf *buffer.TupleBuffer, _ int) error {
	view := record.NewView(x.inputLayout, buf)
	x.mu.Lock()
	for t := 0; t < view.NumTuples(); t++ {
		start, end, key, partial := x.extract(view, t)
		w := combinerWindow[K]{start: start, end: end, key: key}
		if cur, ok := x.state[w]; ok {
			x.state[w] = x.agg.Combine(cur, partial)
		} else {
			x.state[w] = partial
		}
	}
	x.mu.Unlock()
	if wm := buf.Watermark(); wm > 0 {
		if effective := x.watermarks.Update(query.OriginID(buf.OriginID()), wm); effective > 0 {
			return x.fire(ctx, effective)
		}
	}
	return nil
}

// Terminate flushes the remaining groups; failure termination drops them.
func (x *WindowCombiner[K, V, A, R]) Terminate(ctx *query.PipelineContext, kind query.TerminationKind, _ int) error {
	if kind == query.Failure {
		return nil
	}
	return x.fire(ctx, ^uint64(0))
}

// fire emits every group whose window closed on all upstream origins.
func (x *WindowCombiner[K, V, A, R]) fire(ctx *query.PipelineContext, watermark uint64) error {
	x.mu.Lock()
	if watermark <= x.fired {
		x.mu.Unlock()
		return nil
	}
	x.fired = watermark
	var ready []combinerWindow[K]
	var finals []A
	for w, a := range x.state {
		if w.end <= watermark {
			ready = append(ready, w)
			finals = append(finals, a)
			delete(x.state, w)
		}
	}
	x.mu.Unlock()
	if len(ready) == 0 {
		return nil
	}

	var view record.View
	var n int
	flushBuf := func() error {
		if n == 0 {
			return nil
		}
		buf := view.Buffer()
		buf.SetNumTuples(uint64(n))
		buf.SetOriginID(uint64(x.cfg.OriginID))
		buf.SetSequenceNumber(x.seq.Add(1))
		buf.SetWatermark(watermark)
		buf.SetCreationTimestampMs(uint64(time.Now().UnixMilli()))
		n = 0
		view = record.View{}
		return ctx.Emit(buf)
	}
	for i, w := range ready {
		if view.Buffer() == nil {
			buf, err := ctx.AllocateBuffer(context.Background())
			if err != nil {
				return fmt.Errorf(`windowing: allocate combiner buffer: %w`, err)
			}
			view = record.NewView(x.outputLayout, buf)
		}
		x.write(view, n, WindowResult[K, R]{
			Start: w.start,
			End:   w.end,
			Key:   w.key,
			Value: x.agg.Lower(finals[i]),
		})
		n++
		if n >= x.outputLayout.Capacity() {
			if err := flushBuf(); err != nil {
				return err
			}
		}
	}
	return flushBuf()
}

// KeyedPartialExtractor reads (start, end, key, partial) from the first
// four uint64 fields of a pre-aggregation record.
func KeyedPartialExtractor() PartialExtractor[uint64, uint64] {
	return func(view record.View, t int) (uint64, uint64, uint64, uint64) {
		return view.Uint64(t, 0), view.Uint64(t, 1), view.Uint64(t, 2), view.Uint64(t, 3)
	}
}
