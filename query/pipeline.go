package query

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/joeycumines/go-streamengine/buffer"
	"github.com/joeycumines/go-streamengine/logging"
)

type (
	// Stage is the executable logic of a pipeline. Execute is called from
	// worker threads; implementations that keep per-thread state index it
	// by workerID. Terminate is called exactly once, after end-of-stream
	// was observed from every upstream origin, and may still emit output
	// (e.g. window operators flushing pending windows on graceful stop).
	Stage interface {
		Setup(ctx *PipelineContext) error
		Execute(ctx *PipelineContext, buf *buffer.TupleBuffer, workerID int) error
		Terminate(ctx *PipelineContext, kind TerminationKind, workerID int) error
	}

	// Sink is a terminal stage with a stable descriptor id, so the engine
	// can address it in reconfiguration messages.
	Sink interface {
		Stage
		SinkID() uint64
	}

	// Pipeline is one node of a sub-plan's executable DAG: a stage plus its
	// successors. Sinks are modeled as pipelines without successors whose
	// stage is a Sink.
	Pipeline struct {
		id         PipelineID
		operatorID OperatorID
		stage      Stage
		successors []*Pipeline
		subPlan    *SubPlan
		ctx        *PipelineContext

		// producers is the number of distinct upstream origins feeding this
		// pipeline; each delivers exactly one end-of-stream.
		producers  int32
		active     atomic.Int32
		terminated atomic.Bool

		// inflight counts data tasks currently executing on worker
		// threads; termination waits for it to drain so Terminate never
		// races an Execute of the same stage.
		inflight atomic.Int64
	}

	// PipelineContext is handed to stages: it provides output emission,
	// buffer allocation, and engine facts stages depend on.
	PipelineContext struct {
		pipeline      *Pipeline
		manager       *Manager
		buffers       buffer.Pool
		workerThreads int
		logger        *logging.Logger
	}
)

// NewPipeline builds a pipeline node. Successors may be empty for sinks.
func NewPipeline(id PipelineID, operatorID OperatorID, stage Stage, successors ...*Pipeline) *Pipeline {
	if stage == nil {
		panic(`query: nil pipeline stage`)
	}
	return &Pipeline{
		id:         id,
		operatorID: operatorID,
		stage:      stage,
		successors: successors,
	}
}

// ID returns the pipeline id.
func (x *Pipeline) ID() PipelineID { return x.id }

// OperatorID returns the id of the operator the stage was compiled from.
func (x *Pipeline) OperatorID() OperatorID { return x.operatorID }

// Stage returns the executable stage.
func (x *Pipeline) Stage() Stage { return x.stage }

// Successors returns the downstream pipelines.
func (x *Pipeline) Successors() []*Pipeline { return x.successors }

// SubPlan returns the owning sub-plan, nil before wiring.
func (x *Pipeline) SubPlan() *SubPlan { return x.subPlan }

// addProducer records one more upstream origin feeding this pipeline.
func (x *Pipeline) addProducer() {
	x.producers++
	x.active.Add(1)
}

// producerFinished consumes one upstream end-of-stream; it reports whether
// that was the last one.
func (x *Pipeline) producerFinished() bool {
	n := x.active.Add(-1)
	if n < 0 {
		panic(fmt.Sprintf(`query: pipeline %d: more end-of-stream than producers`, x.id))
	}
	return n == 0
}

// Context returns the pipeline execution context, nil before setup.
func (x *Pipeline) Context() *PipelineContext { return x.ctx }

// Manager returns the query manager executing this pipeline.
func (x *PipelineContext) Manager() *Manager { return x.manager }

// Pipeline returns the owning pipeline.
func (x *PipelineContext) Pipeline() *Pipeline { return x.pipeline }

// WorkerThreads returns the size of the thread pool, for stages that keep
// per-thread state.
func (x *PipelineContext) WorkerThreads() int { return x.workerThreads }

// Logger returns the context's logger; may be nil.
func (x *PipelineContext) Logger() *logging.Logger { return x.logger }

// AllocateBuffer acquires an output buffer from the engine pool.
func (x *PipelineContext) AllocateBuffer(ctx context.Context) (*buffer.TupleBuffer, error) {
	return x.buffers.GetBufferBlocking(ctx)
}

// BufferSize returns the engine buffer capacity in bytes.
func (x *PipelineContext) BufferSize() int { return x.buffers.BufferSize() }

// Emit forwards buf to every successor of the pipeline, consuming the
// caller's reference. Emitting from a sink pipeline is an error.
func (x *PipelineContext) Emit(buf *buffer.TupleBuffer) error {
	defer buf.Release()
	if len(x.pipeline.successors) == 0 {
		return fmt.Errorf(`query: pipeline %d has no successors`, x.pipeline.id)
	}
	for _, succ := range x.pipeline.successors {
		if err := x.manager.AddWorkForNextPipeline(buf.Retain(), succ, 0); err != nil {
			buf.Release()
			return err
		}
	}
	return nil
}
