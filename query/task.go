package query

import (
	"github.com/joeycumines/go-streamengine/buffer"
)

type (
	// Task is the unit of work consumed by worker threads: either a tuple
	// buffer bound to a downstream pipeline, or a reconfiguration message.
	// Reconfiguration messages ride the same queues so they interleave in
	// FIFO order with the data tasks of their sub-plan.
	Task struct {
		Buffer   *buffer.TupleBuffer
		Pipeline *Pipeline
		Reconf   *ReconfigurationMessage
	}

	// ReconfigurationType enumerates the control messages that flow through
	// the task queues alongside data.
	ReconfigurationType int32

	// ReconfigurationMessage is a control task. Target receives the message
	// on a worker thread; Pipeline-directed messages (EndOfStream,
	// EpochBarrier) are routed by the worker loop instead.
	ReconfigurationMessage struct {
		Type      ReconfigurationType
		QueryID   QueryID
		SubPlanID SubPlanID

		// Target receives StartBuffering, StopBuffering and
		// UpdateSinkLocation messages (typically a network sink).
		Target Reconfigurable

		// Pipeline is the routing target of EndOfStream and EpochBarrier.
		Pipeline *Pipeline

		// Origin is the upstream origin an EndOfStream belongs to.
		Origin OriginID

		// Termination qualifies EndOfStream messages.
		Termination TerminationKind

		// EpochTimestamp carries the barrier timestamp of EpochBarrier.
		EpochTimestamp uint64

		// Payload carries message-specific data, e.g. the new peer location
		// of UpdateSinkLocation.
		Payload any

		// done, if non-nil, is closed once the message was processed.
		done chan struct{}
	}

	// Reconfigurable is implemented by operators that accept reconfiguration
	// messages, e.g. network sinks that can buffer and reconnect.
	Reconfigurable interface {
		Reconfigure(msg *ReconfigurationMessage, workerID int) error
	}
)

const (
	ReconfStartBuffering ReconfigurationType = iota
	ReconfStopBuffering
	ReconfUpdateSinkLocation
	ReconfEndOfStream
	ReconfEpochBarrier
)

// Wait blocks until the message was processed by a worker. It is a no-op
// for messages enqueued without blocking semantics.
func (x *ReconfigurationMessage) Wait() {
	if x.done != nil {
		<-x.done
	}
}

func (x *ReconfigurationMessage) complete() {
	if x.done != nil {
		close(x.done)
	}
}
