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
	"github.com/puzpuzpuz/xsync/v4"
)

type (
	// WindowResult is one materialized window aggregate.
	WindowResult[K comparable, R any] struct {
		Start uint64
		End   uint64
		Key   K
		Value R
	}

	// RecordExtractor reads (eventTime, key, value) from tuple t of an
	// input buffer view.
	RecordExtractor[K comparable, V any] func(view record.View, t int) (ts uint64, key K, value V)

	// ResultWriter materializes one window result into tuple t of an
	// output buffer view.
	ResultWriter[K comparable, R any] func(view record.View, t int, res WindowResult[K, R])

	// OperatorConfig is the window-independent part of a window operator.
	OperatorConfig struct {
		// OriginID stamps the operator's output stream.
		OriginID query.OriginID

		// InputOrigins are the upstream origins whose watermarks gate
		// window completion.
		InputOrigins []query.OriginID

		// InputSchema describes the consumed buffers.
		InputSchema *record.Schema

		// OutputSchema describes the emitted window results.
		OutputSchema *record.Schema
	}

	// KeyedWindowOperator is the slicing window aggregation stage. Each
	// worker thread owns a lazily created slice store per key; watermark
	// advances fold completed windows across all thread-local stores,
	// merge per (window, key), and emit materialized results downstream.
	KeyedWindowOperator[K comparable, V, A, R any] struct {
		cfg     OperatorConfig
		window  WindowType
		agg     AggregationFunc[V, A, R]
		extract RecordExtractor[K, V]
		write   ResultWriter[K, R]

		inputLayout  record.Layout
		outputLayout record.Layout

		stores     []*xsync.Map[K, *WindowSliceStore[A]]
		watermarks *WatermarkTracker

		// lastTrigger is the watermark of the last fired trigger; windows
		// ending at or below it already emitted.
		lastTrigger uint64
		triggerMu   sync.Mutex

		seq            atomic.Uint64
		droppedRecords atomic.Uint64
	}

	windowInstance[K comparable] struct {
		start uint64
		key   K
	}
)

var _ query.Stage = (*KeyedWindowOperator[uint64, uint64, uint64, uint64])(nil)
var _ query.EpochAware = (*KeyedWindowOperator[uint64, uint64, uint64, uint64])(nil)

// NewKeyedWindowOperator assembles a window aggregation stage.
func NewKeyedWindowOperator[K comparable, V, A, R any](
	cfg OperatorConfig,
	window WindowType,
	agg AggregationFunc[V, A, R],
	extract RecordExtractor[K, V],
	write ResultWriter[K, R],
) *KeyedWindowOperator[K, V, A, R] {
	if cfg.InputSchema == nil || cfg.OutputSchema == nil {
		panic(`windowing: operator requires input and output schemas`)
	}
	return &KeyedWindowOperator[K, V, A, R]{
		cfg:        cfg,
		window:     window,
		agg:        agg,
		extract:    extract,
		write:      write,
		watermarks: NewWatermarkTracker(cfg.InputOrigins),
	}
}

// DroppedRecords returns how many late records were discarded.
func (x *KeyedWindowOperator[K, V, A, R]) DroppedRecords() uint64 {
	return x.droppedRecords.Load()
}

func (x *KeyedWindowOperator[K, V, A, R]) Setup(ctx *query.PipelineContext) error {
	x.inputLayout = record.NewLayout(x.cfg.InputSchema, ctx.BufferSize())
	x.outputLayout = record.NewLayout(x.cfg.OutputSchema, ctx.BufferSize())
	x.stores = make([]*xsync.Map[K, *WindowSliceStore[A]], ctx.WorkerThreads())
	for i := range x.stores {
		x.stores[i] = xsync.NewMap[K, *WindowSliceStore[A]]()
	}
	return nil
}

func (x *KeyedWindowOperator[K, V, A, R]) Execute(ctx *query.PipelineContext, buf *buffer.TupleBuffer, workerID int) error {
	view := record.NewView(x.inputLayout, buf)
	for t := 0; t < view.NumTuples(); t++ {
		ts, key, value := x.extract(view, t)
		if err := x.insert(workerID, ts, key, value); err != nil {
			return err
		}
	}
	if wm := buf.Watermark(); wm > 0 {
		effective := x.watermarks.Update(query.OriginID(buf.OriginID()), wm)
		if effective > 0 {
			return x.trigger(ctx, effective, false)
		}
	}
	return nil
}

// OnEpochBarrier treats the barrier as a watermark with an identifier.
func (x *KeyedWindowOperator[K, V, A, R]) OnEpochBarrier(ctx *query.PipelineContext, timestamp uint64, _ query.QueryID, _ int) error {
	var effective uint64
	for _, origin := range x.cfg.InputOrigins {
		effective = x.watermarks.Update(origin, timestamp)
	}
	if effective > 0 {
		return x.trigger(ctx, effective, false)
	}
	return nil
}

// Terminate flushes every remaining window; failure termination drops the
// state instead.
func (x *KeyedWindowOperator[K, V, A, R]) Terminate(ctx *query.PipelineContext, kind query.TerminationKind, _ int) error {
	if kind == query.Failure {
		return nil
	}
	return x.trigger(ctx, ^uint64(0), true)
}

func (x *KeyedWindowOperator[K, V, A, R]) insert(workerID int, ts uint64, key K, value V) error {
	storeMap := x.stores[workerID]
	store, ok := storeMap.Load(key)
	if !ok {
		store, _ = storeMap.LoadOrStore(key, NewWindowSliceStore[A](x.agg.Identity()))
	}
	width := x.window.SliceWidth()
	store.Lock()
	defer store.Unlock()
	if store.Empty() && store.NextEdge() == 0 {
		start := sliceStartFor(x.window, ts)
		store.AppendSlice(NewSliceMetaData(start, start+width))
		store.SetNextEdge(start + width)
	} else if store.Empty() && ts < store.NextEdge() {
		// late record below the evicted range
		x.droppedRecords.Add(1)
		return nil
	}
	for ts >= store.NextEdge() {
		edge := store.NextEdge()
		store.AppendSlice(NewSliceMetaData(edge, edge+width))
		store.SetNextEdge(edge + width)
	}
	for !store.Empty() && ts < store.SliceMetadata()[0].StartTs() {
		first := store.SliceMetadata()[0].StartTs()
		store.PrependSlice(NewSliceMetaData(first-width, first))
	}
	idx, err := store.GetSliceIndexByTs(ts)
	if err != nil {
		return err
	}
	store.SetPartialAggregate(idx, x.agg.Combine(store.PartialAggregates()[idx], x.agg.Lift(value)))
	store.IncrementRecordCnt(idx)
	return nil
}

// trigger folds every window whose end falls in (lastTrigger, watermark]
// across all thread-local stores, emits the merged results, and evicts
// slices no open window can reference anymore.
func (x *KeyedWindowOperator[K, V, A, R]) trigger(ctx *query.PipelineContext, watermark uint64, flush bool) error {
	x.triggerMu.Lock()
	defer x.triggerMu.Unlock()
	if watermark <= x.lastTrigger {
		return nil
	}
	prev := x.lastTrigger
	x.lastTrigger = watermark

	size, slide := x.window.Size(), x.window.Slide()
	aggregates := make(map[windowInstance[K]]A)
	counts := make(map[windowInstance[K]]uint64)

	// slices retire once their last containing window closed
	var evictBound uint64
	if watermark >= size-slide {
		evictBound = watermark - (size - slide)
	}

	for _, storeMap := range x.stores {
		storeMap.Range(func(key K, store *WindowSliceStore[A]) bool {
			store.Lock()
			slices := store.SliceMetadata()
			partials := store.PartialAggregates()
			for i, slice := range slices {
				x.foldSliceWindows(slice, partials[i], key, prev, watermark, aggregates, counts)
			}
			if !flush {
				store.RemoveSlicesUntil(evictBound)
			}
			store.Unlock()
			return true
		})
	}
	return x.emit(ctx, watermark, aggregates, counts)
}

// foldSliceWindows combines the slice's partial into every window instance
// containing it whose end lies in (prev, watermark].
func (x *KeyedWindowOperator[K, V, A, R]) foldSliceWindows(
	slice SliceMetaData, partial A, key K,
	prev, watermark uint64,
	aggregates map[windowInstance[K]]A, counts map[windowInstance[K]]uint64,
) {
	size, slide := x.window.Size(), x.window.Slide()
	// window starts covering this slice: slice.start, slice.start-slide,
	// ... down to slice.end-size
	for wStart := slice.StartTs(); ; wStart -= slide {
		wEnd := wStart + size
		if wEnd > prev && wEnd <= watermark {
			w := windowInstance[K]{start: wStart, key: key}
			if cur, ok := aggregates[w]; ok {
				aggregates[w] = x.agg.Combine(cur, partial)
			} else {
				aggregates[w] = partial
			}
			counts[w] += slice.RecordsPerSlice()
		}
		if wStart < slide || wStart-slide+size <= slice.StartTs() {
			break
		}
	}
}

func (x *KeyedWindowOperator[K, V, A, R]) emit(ctx *query.PipelineContext, watermark uint64, aggregates map[windowInstance[K]]A, counts map[windowInstance[K]]uint64) error {
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
	for w, a := range aggregates {
		if counts[w] == 0 {
			continue
		}
		if view.Buffer() == nil {
			buf, err := ctx.AllocateBuffer(context.Background())
			if err != nil {
				return fmt.Errorf(`windowing: allocate result buffer: %w`, err)
			}
			view = record.NewView(x.outputLayout, buf)
		}
		x.write(view, n, WindowResult[K, R]{
			Start: w.start,
			End:   w.start + x.window.Size(),
			Key:   w.key,
			Value: x.agg.Lower(a),
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

// Uint64Extractor builds a RecordExtractor for uint64-typed timestamp,
// key, and value fields.
func Uint64Extractor(schema *record.Schema, tsField, keyField, valueField string) RecordExtractor[uint64, uint64] {
	tsIdx := schema.MustFieldIndex(tsField)
	keyIdx := schema.MustFieldIndex(keyField)
	valIdx := schema.MustFieldIndex(valueField)
	return func(view record.View, t int) (uint64, uint64, uint64) {
		return view.Uint64(t, tsIdx), view.Uint64(t, keyIdx), view.Uint64(t, valIdx)
	}
}

// GlobalUint64Extractor builds a RecordExtractor with a constant key, for
// non-keyed windows.
func GlobalUint64Extractor(schema *record.Schema, tsField, valueField string) RecordExtractor[uint64, uint64] {
	tsIdx := schema.MustFieldIndex(tsField)
	valIdx := schema.MustFieldIndex(valueField)
	return func(view record.View, t int) (uint64, uint64, uint64) {
		return view.Uint64(t, tsIdx), 0, view.Uint64(t, valIdx)
	}
}

// KeyedUint64ResultWriter writes (start, end, key, value) to the first
// four output fields.
func KeyedUint64ResultWriter() ResultWriter[uint64, uint64] {
	return func(view record.View, t int, res WindowResult[uint64, uint64]) {
		view.PutUint64(t, 0, res.Start)
		view.PutUint64(t, 1, res.End)
		view.PutUint64(t, 2, res.Key)
		view.PutUint64(t, 3, res.Value)
	}
}

// GlobalUint64ResultWriter writes (start, end, value) to the first three
// output fields, for non-keyed windows.
func GlobalUint64ResultWriter() ResultWriter[uint64, uint64] {
	return func(view record.View, t int, res WindowResult[uint64, uint64]) {
		view.PutUint64(t, 0, res.Start)
		view.PutUint64(t, 1, res.End)
		view.PutUint64(t, 2, res.Value)
	}
}
