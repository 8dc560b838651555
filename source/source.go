// Package source implements the data-source driver: a thread-per-source
// production loop stamping origin ids, sequence numbers, and timestamps
// onto tuple buffers under one of several gathering regimes, plus the
// concrete source types feeding it.
package source

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/pprof"
	"sync"
	"sync/atomic"
	"time"

	"code.hybscloud.com/spin"
	"github.com/joeycumines/go-streamengine/buffer"
	"github.com/joeycumines/go-streamengine/logging"
	"github.com/joeycumines/go-streamengine/query"
	"github.com/joeycumines/go-streamengine/record"
)

var (
	// ErrAlreadyRunning is returned by Start on a running source.
	ErrAlreadyRunning = errors.New(`source: already running`)

	// ErrStopTimeout is returned when the production loop did not exit
	// within the configured deadline.
	ErrStopTimeout = errors.New(`source: stop deadline exceeded`)
)

type (
	// GatheringMode selects the pacing regime of the production loop.
	GatheringMode int32

	// Type identifies the concrete source implementation.
	Type int32

	// Allocator hands schema-aware views over pool buffers to receivers.
	Allocator interface {
		AllocateBuffer(ctx context.Context) (record.View, error)
	}

	// Receiver is the source-type specific part of a data source: it
	// produces one tuple buffer per call, drawing buffers from the
	// driver's local pool. Returning (nil, nil) ends the stream
	// gracefully.
	Receiver interface {
		Type() Type
		Open(ctx context.Context, buffers Allocator) error
		ReceiveData(ctx context.Context) (*buffer.TupleBuffer, error)
		Close() error
	}

	// Config configures the driver around a Receiver.
	Config struct {
		OperatorID query.OperatorID
		OriginID   query.OriginID

		// PhysicalSourceName labels the source in logs and profiles.
		PhysicalSourceName string

		Schema *record.Schema

		// NumSourceLocalBuffers is the size of the source's fixed pool.
		NumSourceLocalBuffers int

		GatheringMode GatheringMode

		// GatheringInterval paces ModeInterval and seeds the adaptive
		// modes.
		GatheringInterval time.Duration

		// IngestionRate is the target buffers/second of
		// ModeIngestionRate; at least 10, since pacing works in 100ms
		// slots.
		IngestionRate int

		// NumberOfBuffersToProduce bounds production; 0 is unbounded.
		NumberOfBuffersToProduce uint64

		// NumberOfConsumerQueries reference-counts Stop across the
		// sub-plans sharing this source. Defaults to 1.
		NumberOfConsumerQueries int

		// SourceAffinity pins the production loop to a dedicated OS
		// thread when >= 0.
		SourceAffinity int64

		// TaskQueueID selects the worker queue receiving this source's
		// tasks.
		TaskQueueID int

		// StopTimeout bounds Stop; defaults to 10 minutes.
		StopTimeout time.Duration
	}

	// DataSource drives a Receiver on its own goroutine, stamping stream
	// metadata on every produced buffer and enqueueing it for each
	// successor pipeline.
	DataSource struct {
		cfg          Config
		impl         Receiver
		queryManager *query.Manager
		buffers      *buffer.Manager
		localPool    *buffer.FixedSizePool
		layout       record.Layout
		logger       *logging.Logger

		successorMu sync.Mutex
		successors  []*query.Pipeline

		ctx    context.Context
		cancel context.CancelFunc

		running    atomic.Bool
		wasStarted atomic.Bool
		completed  chan struct{}

		maxSequenceNumber atomic.Uint64
		generatedBuffers  atomic.Uint64
		generatedTuples   atomic.Uint64

		stopMu      sync.Mutex
		termination query.TerminationKind
		refCounter  atomic.Int32
		eosSent     atomic.Bool

		kFilter         *kalmanFilter
		lastValuesBuf   *floatRing
		lastIntervalBuf *floatRing
	}
)

const (
	ModeInterval GatheringMode = iota
	ModeIngestionRate
	ModeAdaptive
	ModeAdaptiveOversampler
)

const (
	TypeDefault Type = iota
	TypeCSV
	TypeTCP
	TypeZmq
	TypeLambda
)

const lastValuesSize = 64

// adaptiveIntervalRange bounds how far the adaptive modes may relax the
// gathering interval.
const adaptiveIntervalRange = 8 * time.Second

func (x GatheringMode) String() string {
	switch x {
	case ModeInterval:
		return `Interval`
	case ModeIngestionRate:
		return `IngestionRate`
	case ModeAdaptive:
		return `Adaptive`
	case ModeAdaptiveOversampler:
		return `AdaptiveOversampler`
	default:
		return fmt.Sprintf(`GatheringMode(%d)`, int32(x))
	}
}

// NewDataSource wires a driver around impl. Successors may be extended
// later via AddExecutableSuccessors.
func NewDataSource(cfg Config, impl Receiver, queryManager *query.Manager, buffers *buffer.Manager, successors []*query.Pipeline, logger *logging.Logger) *DataSource {
	if impl == nil {
		panic(`source: nil receiver`)
	}
	if cfg.Schema == nil {
		panic(`source: nil schema`)
	}
	if cfg.NumSourceLocalBuffers <= 0 {
		cfg.NumSourceLocalBuffers = 8
	}
	if cfg.NumberOfConsumerQueries <= 0 {
		cfg.NumberOfConsumerQueries = 1
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10 * time.Minute
	}
	if cfg.GatheringMode == ModeIngestionRate && cfg.IngestionRate < 10 {
		panic(`source: ingestion rate below 10 buffers/second`)
	}
	ctx, cancel := context.WithCancel(context.Background())
	x := &DataSource{
		cfg:             cfg,
		impl:            impl,
		queryManager:    queryManager,
		buffers:         buffers,
		layout:          record.NewLayout(cfg.Schema, buffers.BufferSize()),
		logger:          logger,
		successors:      successors,
		ctx:             ctx,
		cancel:          cancel,
		completed:       make(chan struct{}),
		termination:     query.Graceful,
		kFilter:         newKalmanFilter(),
		lastValuesBuf:   newFloatRing(lastValuesSize),
		lastIntervalBuf: newFloatRing(lastValuesSize),
	}
	return x
}

// OperatorID identifies the source operator instance.
func (x *DataSource) OperatorID() query.OperatorID { return x.cfg.OperatorID }

// OriginID identifies the logical stream the source produces.
func (x *DataSource) OriginID() query.OriginID { return x.cfg.OriginID }

// Schema returns the schema of the produced buffers.
func (x *DataSource) Schema() *record.Schema { return x.cfg.Schema }

// Successors returns the pipelines fed by this source.
func (x *DataSource) Successors() []*query.Pipeline {
	x.successorMu.Lock()
	defer x.successorMu.Unlock()
	return append([]*query.Pipeline(nil), x.successors...)
}

// AddExecutableSuccessors extends the successor set, for source sharing.
func (x *DataSource) AddExecutableSuccessors(pipelines []*query.Pipeline) {
	x.successorMu.Lock()
	defer x.successorMu.Unlock()
	x.successors = append(x.successors, pipelines...)
}

// NumberOfGeneratedBuffers returns how many buffers the source emitted.
func (x *DataSource) NumberOfGeneratedBuffers() uint64 { return x.generatedBuffers.Load() }

// NumberOfGeneratedTuples returns how many tuples the source emitted.
func (x *DataSource) NumberOfGeneratedTuples() uint64 { return x.generatedTuples.Load() }

// GatheringInterval returns the current gathering interval; the adaptive
// modes re-derive it continuously.
func (x *DataSource) GatheringInterval() time.Duration {
	x.stopMu.Lock()
	defer x.stopMu.Unlock()
	return x.cfg.GatheringInterval
}

func (x *DataSource) setGatheringInterval(d time.Duration) {
	x.stopMu.Lock()
	defer x.stopMu.Unlock()
	x.cfg.GatheringInterval = d
}

// AllocateBuffer draws a buffer from the source-local pool and wraps it in
// a schema view.
func (x *DataSource) AllocateBuffer(ctx context.Context) (record.View, error) {
	buf, err := x.localPool.GetBufferBlocking(ctx)
	if err != nil {
		return record.View{}, err
	}
	return record.NewView(x.layout, buf), nil
}

// Start spawns the production loop. It fails on a source that is already
// running.
func (x *DataSource) Start() error {
	if !x.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	if !x.wasStarted.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	go func() {
		labels := pprof.Labels(`source`, fmt.Sprintf(`DataSrc-%d`, x.cfg.OperatorID))
		pprof.Do(context.Background(), labels, func(context.Context) {
			if x.cfg.SourceAffinity >= 0 {
				runtime.LockOSThread()
				defer runtime.UnlockOSThread()
			}
			x.runningRoutine()
		})
	}()
	return nil
}

// Stop requests termination of the given kind. Stop is reference-counted:
// the source winds down once every consumer sub-plan requested it. The
// final call blocks until the production loop exited, up to the configured
// stop timeout.
func (x *DataSource) Stop(kind query.TerminationKind) error {
	x.stopMu.Lock()
	x.termination = kind
	x.stopMu.Unlock()

	if int(x.refCounter.Add(1)) < x.cfg.NumberOfConsumerQueries {
		return nil
	}

	if !x.running.CompareAndSwap(true, false) {
		// loop already exited (or never ran); ensure the receiver is
		// unblocked and wait out any in-flight close
		x.cancel()
		if x.wasStarted.Load() {
			return x.awaitCompleted()
		}
		return nil
	}
	x.cancel()
	return x.awaitCompleted()
}

// Fail hard-stops the source and guarantees a failure end-of-stream so
// downstream operators release.
func (x *DataSource) Fail() error {
	err := x.Stop(query.Failure)
	if x.eosSent.CompareAndSwap(false, true) {
		x.queryManager.AddEndOfStream(x, query.Failure)
		x.queryManager.NotifySourceCompletion(x, query.Failure)
	}
	return err
}

func (x *DataSource) awaitCompleted() error {
	select {
	case <-x.completed:
		return nil
	case <-time.After(x.cfg.StopTimeout):
		return ErrStopTimeout
	}
}

// InjectEpochBarrier enqueues a barrier that flows with the data of the
// given query; operators treat it as a watermark with an identifier.
func (x *DataSource) InjectEpochBarrier(timestamp uint64, queryID query.QueryID) bool {
	return x.queryManager.AddEpochBarrier(x, queryID, timestamp)
}

// emitWorkFromSource stamps stream metadata and enqueues the buffer for
// every successor. The driver owns the caller's reference.
func (x *DataSource) emitWorkFromSource(buf *buffer.TupleBuffer) {
	buf.SetOriginID(uint64(x.cfg.OriginID))
	buf.SetCreationTimestampMs(uint64(time.Now().UnixMilli()))
	buf.SetSequenceNumber(x.maxSequenceNumber.Add(1))
	x.generatedBuffers.Add(1)
	x.generatedTuples.Add(buf.NumTuples())
	x.emitWork(buf)
}

func (x *DataSource) emitWork(buf *buffer.TupleBuffer) {
	defer buf.Release()
	for _, succ := range x.Successors() {
		if err := x.queryManager.AddWorkForNextPipeline(buf.Retain(), succ, x.cfg.TaskQueueID); err != nil {
			if x.logger != nil {
				x.logger.Err().Uint64(`operator`, uint64(x.cfg.OperatorID)).Err(err).Log(`enqueue failed`)
			}
			return
		}
	}
}

func (x *DataSource) open() error {
	pool, err := x.buffers.NewFixedSizePool(x.ctx, x.cfg.NumSourceLocalBuffers)
	if err != nil {
		return fmt.Errorf(`source %d: local pool: %w`, x.cfg.OperatorID, err)
	}
	x.localPool = pool
	if err := x.impl.Open(x.ctx, x); err != nil {
		pool.Destroy()
		x.localPool = nil
		return fmt.Errorf(`source %d: open: %w`, x.cfg.OperatorID, err)
	}
	return nil
}

func (x *DataSource) close() {
	_ = x.impl.Close()
	x.stopMu.Lock()
	kind := x.termination
	x.stopMu.Unlock()
	if x.eosSent.CompareAndSwap(false, true) {
		x.queryManager.AddEndOfStream(x, kind)
		x.queryManager.NotifySourceCompletion(x, kind)
	}
	if x.localPool != nil {
		x.localPool.Destroy()
	}
}

func (x *DataSource) runningRoutine() {
	defer close(x.completed)
	var err error
	switch x.cfg.GatheringMode {
	case ModeInterval:
		err = x.runningRoutineWithGatheringInterval()
	case ModeIngestionRate:
		err = x.runningRoutineWithIngestionRate()
	case ModeAdaptive:
		err = x.runningRoutineAdaptiveGatheringInterval(true)
	case ModeAdaptiveOversampler:
		err = x.runningRoutineAdaptiveGatheringInterval(false)
	default:
		err = fmt.Errorf(`source %d: unknown gathering mode %d`, x.cfg.OperatorID, x.cfg.GatheringMode)
	}
	if err != nil {
		if x.logger != nil {
			x.logger.Err().Uint64(`operator`, uint64(x.cfg.OperatorID)).Err(err).Log(`source failed`)
		}
		x.running.Store(false)
		x.stopMu.Lock()
		x.termination = query.Failure
		x.stopMu.Unlock()
		x.close()
		x.queryManager.NotifySourceFailure(x, err.Error())
		return
	}
	x.close()
}

// receiveOne pulls the next buffer from the receiver. The second result
// reports whether the loop should continue.
func (x *DataSource) receiveOne() (*buffer.TupleBuffer, bool, error) {
	buf, err := x.impl.ReceiveData(x.ctx)
	if err != nil {
		if x.ctx.Err() != nil && !x.running.Load() {
			// stopped while blocked in the receiver
			if buf != nil {
				buf.Release()
			}
			return nil, false, nil
		}
		return nil, false, err
	}
	if !x.running.Load() {
		if buf != nil {
			buf.Release()
		}
		return nil, false, nil
	}
	if buf == nil {
		// source exhausted
		x.running.Store(false)
		return nil, false, nil
	}
	return buf, true, nil
}

func (x *DataSource) sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-x.ctx.Done():
	case <-time.After(d):
	}
}

func (x *DataSource) runningRoutineWithGatheringInterval() error {
	if err := x.open(); err != nil {
		return err
	}
	var produced uint64
	for x.running.Load() {
		if n := x.cfg.NumberOfBuffersToProduce; n != 0 && produced >= n {
			x.running.Store(false)
			break
		}
		buf, ok, err := x.receiveOne()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		x.emitWorkFromSource(buf)
		produced++
		x.sleep(x.GatheringInterval())
	}
	return nil
}

func (x *DataSource) runningRoutineWithIngestionRate() error {
	if err := x.open(); err != nil {
		return err
	}
	buffersPer100Ms := uint64(x.cfg.IngestionRate) / 10
	var produced uint64
	var period uint64
	for x.running.Load() {
		startPeriod := uint64(time.Now().UnixMilli())
		var producedThisPeriod uint64
		for producedThisPeriod < buffersPer100Ms && x.running.Load() &&
			(x.cfg.NumberOfBuffersToProduce == 0 || produced < x.cfg.NumberOfBuffersToProduce) {
			buf, ok, err := x.receiveOne()
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			x.emitWorkFromSource(buf)
			producedThisPeriod++
			produced++
		}
		if n := x.cfg.NumberOfBuffersToProduce; n != 0 && produced >= n {
			x.running.Store(false)
		}
		endPeriod := uint64(time.Now().UnixMilli())
		nextPeriodStartTime := startPeriod + 100
		if nextPeriodStartTime < endPeriod && x.logger != nil {
			x.logger.Warning().
				Uint64(`operator`, uint64(x.cfg.OperatorID)).
				Uint64(`period`, period).
				Uint64(`overrunMs`, endPeriod-nextPeriodStartTime).
				Log(`ingestion rate slot overrun`)
		}
		// spin until the next slot starts; the rate contract beats the
		// scheduling jitter a sleep would add
		sw := spin.Wait{}
		for x.running.Load() && uint64(time.Now().UnixMilli()) < nextPeriodStartTime {
			sw.Once()
		}
		period++
	}
	return nil
}

// runningRoutineAdaptiveGatheringInterval drives the Kalman-filtered
// adaptive mode. The oversampler variant updates the filter but does not
// apply the derived interval; that asymmetry is intended.
func (x *DataSource) runningRoutineAdaptiveGatheringInterval(applyInterval bool) error {
	if err := x.open(); err != nil {
		return err
	}
	x.kFilter.setGatheringInterval(x.GatheringInterval())
	x.kFilter.setGatheringIntervalRange(adaptiveIntervalRange)
	var produced uint64
	for x.running.Load() {
		if n := x.cfg.NumberOfBuffersToProduce; n != 0 && produced >= n {
			x.running.Store(false)
			break
		}
		buf, ok, err := x.receiveOne()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		x.adaptInterval(buf, applyInterval)
		x.emitWorkFromSource(buf)
		produced++
		x.sleep(x.GatheringInterval())
	}
	return nil
}

func (x *DataSource) adaptInterval(buf *buffer.TupleBuffer, applyInterval bool) {
	view := record.NewView(x.layout, buf)
	currentIntervalSeconds := x.GatheringInterval().Seconds()
	numTuples := int(buf.NumTuples())
	for i := 0; i < numTuples; i++ {
		x.lastValuesBuf.Emplace(x.sampleValue(view, i))
		x.lastIntervalBuf.Emplace(currentIntervalSeconds)
	}
	skewedIntervalSeconds := (x.lastIntervalBuf.Mean() + currentIntervalSeconds) / 2
	if ok, bound := computeNyquistAndEnergy(x.lastValuesBuf.Slice(), skewedIntervalSeconds); ok {
		x.kFilter.setSlowestInterval(time.Duration(bound * float64(time.Second)))
	}
	for i := 0; i < numTuples; i++ {
		x.kFilter.update(x.sampleValue(view, i))
	}
	next := x.kFilter.newGatheringInterval()
	if applyInterval {
		x.setGatheringInterval(next)
		x.kFilter.setGatheringInterval(next)
	}
}

// sampleValue reads the first schema field of tuple i as the monitored
// signal.
func (x *DataSource) sampleValue(view record.View, i int) float64 {
	switch x.cfg.Schema.Field(0).Type {
	case record.TypeFloat64:
		return view.Float64(i, 0)
	case record.TypeInt64:
		return float64(view.Int64(i, 0))
	default:
		return float64(view.Uint64(i, 0))
	}
}
