package join

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/joeycumines/go-streamengine/buffer"
	"github.com/joeycumines/go-streamengine/query"
	"github.com/joeycumines/go-streamengine/record"
	"github.com/joeycumines/go-streamengine/windowing"
)

type (
	// Side identifies a join input.
	Side int

	// HandlerConfig configures a streaming hash join instance.
	HandlerConfig struct {
		// OriginID stamps the join's output stream.
		OriginID query.OriginID

		// LeftOrigins and RightOrigins gate window completion per side.
		LeftOrigins  []query.OriginID
		RightOrigins []query.OriginID

		LeftSchema  *record.Schema
		RightSchema *record.Schema

		LeftJoinField  string
		RightJoinField string
		LeftTsField    string
		RightTsField   string

		// Window is the join window measure (tumbling or sliding).
		Window windowing.WindowType

		// NumPartitions parallelizes the probe; defaults to 1.
		NumPartitions uint64

		// NumBuckets per partition table; defaults to 128.
		NumBuckets uint64

		// PageSize in bytes; defaults to 128 KiB.
		PageSize int
	}

	// OperatorHandler owns the shared state of one streaming hash join:
	// the per-window build structures of both sides, the per-side
	// watermarks, and the window lifecycle. The build stages of both
	// sides and the probe stage all reference one handler.
	OperatorHandler struct {
		cfg HandlerConfig

		leftLayout  record.Layout
		rightLayout record.Layout

		outputSchema *record.Schema
		outputLayout record.Layout

		leftKeyIdx, rightKeyIdx int
		leftTsIdx, rightTsIdx   int
		keyWidth                int

		workerThreads int

		mu      sync.Mutex
		windows map[uint64]*joinWindow

		leftWm  *windowing.WatermarkTracker
		rightWm *windowing.WatermarkTracker

		closeMu    sync.Mutex
		lastClosed uint64

		// sidesDone counts build sides that observed end-of-stream; the
		// final flush waits for both
		sidesDone atomic.Int32

		seq         atomic.Uint64
		droppedLate atomic.Uint64
		setupOnce   sync.Once
		setupErr    error
	}

	joinWindow struct {
		start, end uint64
		// tables[side][workerThread][partition]
		tables [2][][]*LocalHashTable
		// probing flips when both sides' watermarks passed end
		probing        atomic.Bool
		probeRemaining atomic.Int64
	}

	// BuildStage is the per-side insert phase of the join.
	BuildStage struct {
		handler *OperatorHandler
		side    Side
	}

	// ProbeStage joins one (window, partition) unit of work per task and
	// reclaims windows once all their partitions drained.
	ProbeStage struct {
		handler *OperatorHandler
	}
)

const (
	SideLeft Side = iota
	SideRight
)

// DefaultPageSize is the build page size used when none is configured.
const DefaultPageSize = 128 << 10

// probeDescriptorSchema describes the control tuples the build phase
// emits toward the probe phase: (windowStart, windowEnd, partition).
var probeDescriptorSchema = record.NewSchema(record.LayoutRow,
	record.Uint64Field(`windowStart`),
	record.Uint64Field(`windowEnd`),
	record.Uint64Field(`partition`),
)

// NewOperatorHandler validates cfg and assembles the join's shared state.
func NewOperatorHandler(cfg HandlerConfig) *OperatorHandler {
	if cfg.LeftSchema == nil || cfg.RightSchema == nil {
		panic(`join: nil input schema`)
	}
	if cfg.Window == nil {
		panic(`join: nil window`)
	}
	if cfg.NumPartitions == 0 {
		cfg.NumPartitions = 1
	}
	if cfg.NumBuckets == 0 {
		cfg.NumBuckets = 128
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	x := &OperatorHandler{
		cfg:     cfg,
		windows: make(map[uint64]*joinWindow),
		leftWm:  windowing.NewWatermarkTracker(cfg.LeftOrigins),
		rightWm: windowing.NewWatermarkTracker(cfg.RightOrigins),
	}
	x.leftKeyIdx = cfg.LeftSchema.MustFieldIndex(cfg.LeftJoinField)
	x.rightKeyIdx = cfg.RightSchema.MustFieldIndex(cfg.RightJoinField)
	x.leftTsIdx = cfg.LeftSchema.MustFieldIndex(cfg.LeftTsField)
	x.rightTsIdx = cfg.RightSchema.MustFieldIndex(cfg.RightTsField)
	x.keyWidth = cfg.LeftSchema.Field(x.leftKeyIdx).Width()
	if x.keyWidth != cfg.RightSchema.Field(x.rightKeyIdx).Width() {
		panic(`join: join field widths differ`)
	}
	keyField := cfg.LeftSchema.Field(x.leftKeyIdx)
	keyField.Name = `key`
	x.outputSchema = record.Concat([]record.Field{
		record.Uint64Field(`windowStart`),
		record.Uint64Field(`windowEnd`),
		keyField,
	}, cfg.LeftSchema, cfg.RightSchema)
	return x
}

// OutputSchema returns the join result schema:
// (windowStart, windowEnd, key, leftFields..., rightFields...).
func (x *OperatorHandler) OutputSchema() *record.Schema { return x.outputSchema }

// DroppedLateRecords returns how many records arrived for already probing
// windows and were discarded.
func (x *OperatorHandler) DroppedLateRecords() uint64 { return x.droppedLate.Load() }

// BuildStageFor returns the insert stage of the given side.
func (x *OperatorHandler) BuildStageFor(side Side) *BuildStage {
	return &BuildStage{handler: x, side: side}
}

// NewProbeStage returns the probe stage.
func (x *OperatorHandler) NewProbeStage() *ProbeStage {
	return &ProbeStage{handler: x}
}

func (x *OperatorHandler) setup(ctx *query.PipelineContext) error {
	x.setupOnce.Do(func() {
		x.workerThreads = ctx.WorkerThreads()
		x.leftLayout = record.NewLayout(x.cfg.LeftSchema, ctx.BufferSize())
		x.rightLayout = record.NewLayout(x.cfg.RightSchema, ctx.BufferSize())
		x.outputLayout = record.NewLayout(x.outputSchema, ctx.BufferSize())
	})
	return x.setupErr
}

// getWindowByTimestampOrCreate resolves the window instance starting at
// start, creating it in build state if absent.
func (x *OperatorHandler) getWindowByTimestampOrCreate(start uint64) *joinWindow {
	x.mu.Lock()
	defer x.mu.Unlock()
	if w, ok := x.windows[start]; ok {
		return w
	}
	w := &joinWindow{start: start, end: start + x.cfg.Window.Size()}
	for side := 0; side < 2; side++ {
		schema := x.cfg.LeftSchema
		if Side(side) == SideRight {
			schema = x.cfg.RightSchema
		}
		w.tables[side] = make([][]*LocalHashTable, x.workerThreads)
		for t := 0; t < x.workerThreads; t++ {
			w.tables[side][t] = make([]*LocalHashTable, x.cfg.NumPartitions)
			for p := range w.tables[side][t] {
				w.tables[side][t][p] = newLocalHashTable(schema.SizeBytes(), x.cfg.PageSize, x.cfg.NumBuckets)
			}
		}
	}
	x.windows[start] = w
	return w
}

// windowStartsFor enumerates the window instances covering ts.
func (x *OperatorHandler) windowStartsFor(ts uint64) []uint64 {
	size, slide := x.cfg.Window.Size(), x.cfg.Window.Slide()
	last := ts - ts%slide
	var starts []uint64
	for ws := last; ws+size > ts; ws -= slide {
		starts = append(starts, ws)
		if ws < slide {
			break
		}
	}
	return starts
}

func (x *OperatorHandler) partitionOf(hash uint64) uint64 {
	return hash % x.cfg.NumPartitions
}

// insert copies one raw tuple into the window's build table of the given
// side and worker thread.
func (x *OperatorHandler) insert(side Side, workerID int, ts uint64, hash uint64, tuple []byte) {
	for _, ws := range x.windowStartsFor(ts) {
		w := x.getWindowByTimestampOrCreate(ws)
		if w.probing.Load() {
			x.droppedLate.Add(1)
			continue
		}
		p := x.partitionOf(hash)
		w.tables[side][workerID][p].Insert(hash, tuple)
	}
}

// closeReadyWindows flips every window whose end both sides' watermarks
// passed into probe state, and emits one probe descriptor per partition
// through ctx (the build pipeline's successor is the probe pipeline).
func (x *OperatorHandler) closeReadyWindows(ctx *query.PipelineContext) error {
	combined := x.leftWm.Min()
	if r := x.rightWm.Min(); r < combined {
		combined = r
	}
	return x.closeWindowsUpTo(ctx, combined)
}

func (x *OperatorHandler) closeWindowsUpTo(ctx *query.PipelineContext, bound uint64) error {
	x.closeMu.Lock()
	defer x.closeMu.Unlock()
	if bound <= x.lastClosed {
		return nil
	}
	x.lastClosed = bound
	x.mu.Lock()
	var ready []*joinWindow
	for _, w := range x.windows {
		if w.end <= bound && w.probing.CompareAndSwap(false, true) {
			w.probeRemaining.Store(int64(x.cfg.NumPartitions))
			ready = append(ready, w)
		}
	}
	x.mu.Unlock()
	for _, w := range ready {
		if err := x.emitProbeDescriptors(ctx, w); err != nil {
			return err
		}
	}
	return nil
}

func (x *OperatorHandler) emitProbeDescriptors(ctx *query.PipelineContext, w *joinWindow) error {
	layout := record.NewLayout(probeDescriptorSchema, ctx.BufferSize())
	for p := uint64(0); p < x.cfg.NumPartitions; p++ {
		buf, err := ctx.AllocateBuffer(context.Background())
		if err != nil {
			return fmt.Errorf(`join: allocate probe descriptor: %w`, err)
		}
		view := record.NewView(layout, buf)
		view.PutUint64(0, 0, w.start)
		view.PutUint64(0, 1, w.end)
		view.PutUint64(0, 2, p)
		buf.SetNumTuples(1)
		buf.SetOriginID(uint64(x.cfg.OriginID))
		buf.SetSequenceNumber(x.seq.Add(1))
		buf.SetCreationTimestampMs(uint64(time.Now().UnixMilli()))
		if err := ctx.Emit(buf); err != nil {
			return err
		}
	}
	return nil
}

func (x *BuildStage) layout() record.Layout {
	if x.side == SideLeft {
		return x.handler.leftLayout
	}
	return x.handler.rightLayout
}

func (x *BuildStage) Setup(ctx *query.PipelineContext) error { return x.handler.setup(ctx) }

// Execute inserts every tuple of buf into the build tables of the covered
// windows, then advances this side's watermark and closes ready windows.
func (x *BuildStage) Execute(ctx *query.PipelineContext, buf *buffer.TupleBuffer, workerID int) error {
	h := x.handler
	view := record.NewView(x.layout(), buf)
	keyIdx, tsIdx := h.leftKeyIdx, h.leftTsIdx
	if x.side == SideRight {
		keyIdx, tsIdx = h.rightKeyIdx, h.rightTsIdx
	}
	for t := 0; t < view.NumTuples(); t++ {
		ts := view.Uint64(t, tsIdx)
		hash := xxhash.Sum64(view.FieldBytes(t, keyIdx))
		h.insert(x.side, workerID, ts, hash, view.TupleBytes(t))
	}
	if wm := buf.Watermark(); wm > 0 {
		tracker := h.leftWm
		if x.side == SideRight {
			tracker = h.rightWm
		}
		tracker.Update(query.OriginID(buf.OriginID()), wm)
		return h.closeReadyWindows(ctx)
	}
	return nil
}

// Terminate flushes the join once both sides observed end-of-stream: every
// remaining window closes so the probe phase drains them. Failure
// termination discards the build state instead.
func (x *BuildStage) Terminate(ctx *query.PipelineContext, kind query.TerminationKind, _ int) error {
	if kind == query.Failure {
		return nil
	}
	if x.handler.sidesDone.Add(1) < 2 {
		return nil
	}
	return x.handler.closeWindowsUpTo(ctx, ^uint64(0))
}

func (x *ProbeStage) Setup(ctx *query.PipelineContext) error { return x.handler.setup(ctx) }

// Execute probes one (window, partition) unit of work: for every left
// tuple of the partition it scans the matching right bucket, re-checks the
// raw key bytes, and emits the concatenated records.
func (x *ProbeStage) Execute(ctx *query.PipelineContext, buf *buffer.TupleBuffer, _ int) error {
	h := x.handler
	view := record.NewView(record.NewLayout(probeDescriptorSchema, ctx.BufferSize()), buf)
	if view.NumTuples() != 1 {
		return fmt.Errorf(`join: malformed probe descriptor with %d tuples`, view.NumTuples())
	}
	start := view.Uint64(0, 0)
	p := view.Uint64(0, 2)

	h.mu.Lock()
	w := h.windows[start]
	h.mu.Unlock()
	if w == nil {
		return fmt.Errorf(`join: probe descriptor for unknown window %d`, start)
	}
	if err := x.probePartition(ctx, w, p); err != nil {
		return err
	}
	if w.probeRemaining.Add(-1) == 0 {
		h.mu.Lock()
		delete(h.windows, w.start)
		h.mu.Unlock()
	}
	return nil
}

func (x *ProbeStage) Terminate(*query.PipelineContext, query.TerminationKind, int) error {
	return nil
}

func (x *ProbeStage) probePartition(ctx *query.PipelineContext, w *joinWindow, p uint64) error {
	h := x.handler
	leftSize := h.cfg.LeftSchema.SizeBytes()
	rightSize := h.cfg.RightSchema.SizeBytes()
	leftKeyOff := h.leftLayout.FieldOffset(0, h.leftKeyIdx)
	rightKeyOff := h.rightLayout.FieldOffset(0, h.rightKeyIdx)

	var out record.View
	var n int
	flushBuf := func() error {
		if n == 0 {
			return nil
		}
		buf := out.Buffer()
		buf.SetNumTuples(uint64(n))
		buf.SetOriginID(uint64(h.cfg.OriginID))
		buf.SetSequenceNumber(h.seq.Add(1))
		buf.SetCreationTimestampMs(uint64(time.Now().UnixMilli()))
		n = 0
		out = record.View{}
		return ctx.Emit(buf)
	}
	emitPair := func(l, r []byte) error {
		if out.Buffer() == nil {
			buf, err := ctx.AllocateBuffer(context.Background())
			if err != nil {
				return fmt.Errorf(`join: allocate output buffer: %w`, err)
			}
			out = record.NewView(h.outputLayout, buf)
		}
		row := out.TupleBytes(n)
		binary.LittleEndian.PutUint64(row[0:], w.start)
		binary.LittleEndian.PutUint64(row[8:], w.end)
		copy(row[16:], l[leftKeyOff:leftKeyOff+h.keyWidth])
		copy(row[16+h.keyWidth:], l[:leftSize])
		copy(row[16+h.keyWidth+leftSize:], r[:rightSize])
		out.Buffer().SetNumTuples(uint64(n + 1))
		n++
		if n >= h.outputLayout.Capacity() {
			return flushBuf()
		}
		return nil
	}

	// both sides share the bucket count, so bucket b lines up across them
	mask := w.tables[SideLeft][0][p].bucketMask
	for b := uint64(0); b <= mask; b++ {
		for _, leftTable := range tablesOf(w, SideLeft, p) {
			err := leftTable.scanBucket(b, func(l []byte) error {
				key := l[leftKeyOff : leftKeyOff+h.keyWidth]
				for _, rightTable := range tablesOf(w, SideRight, p) {
					if err := rightTable.scanBucket(b, func(r []byte) error {
						if bytes.Equal(key, r[rightKeyOff:rightKeyOff+h.keyWidth]) {
							return emitPair(l, r)
						}
						return nil
					}); err != nil {
						return err
					}
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
	}
	return flushBuf()
}

// tablesOf collects the per-thread tables of one (window, side, partition).
func tablesOf(w *joinWindow, side Side, p uint64) []*LocalHashTable {
	tables := make([]*LocalHashTable, 0, len(w.tables[side]))
	for _, perThread := range w.tables[side] {
		tables = append(tables, perThread[p])
	}
	return tables
}
