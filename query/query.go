// Package query implements the worker thread pool, the task queues, the
// executable sub-plan model, and the per-sub-plan lifecycle and statistics.
package query

import "fmt"

type (
	// QueryID identifies a shared (merged) query.
	QueryID uint64

	// SubPlanID identifies a sub-plan within its shared query. SubPlanIDs
	// are unique per engine.
	SubPlanID uint64

	// OperatorID identifies an operator instance within a deployment.
	OperatorID uint64

	// OriginID identifies a logical producer of tuples. Sequence numbers
	// and watermarks are scoped per origin.
	OriginID uint64

	// PipelineID identifies an executable pipeline within a sub-plan.
	PipelineID uint64

	// Status is the lifecycle state of an ExecutableSubPlan.
	Status int32

	// TerminationKind classifies how a query, source, or stream terminates.
	TerminationKind int32

	// FaultToleranceMode is carried by sub-plans; only None is supported by
	// the runtime core.
	FaultToleranceMode int32

	// QueueingMode selects the task queue topology of the thread pool.
	QueueingMode int32
)

const (
	Created Status = iota
	Deployed
	Running
	Stopped
	Finished
	ErrorState
	Invalid
)

const (
	Graceful TerminationKind = iota
	HardStop
	Failure
	InvalidTermination
)

const (
	FaultToleranceNone FaultToleranceMode = iota
	FaultToleranceAtLeastOnce
	FaultToleranceExactlyOnce
)

const (
	// QueueGlobal runs all workers against one shared MPMC queue.
	QueueGlobal QueueingMode = iota
	// QueuePerNumaNode runs one queue per (emulated) NUMA node; sources
	// select their queue via a task queue id.
	QueuePerNumaNode
)

func (x Status) String() string {
	switch x {
	case Created:
		return `Created`
	case Deployed:
		return `Deployed`
	case Running:
		return `Running`
	case Stopped:
		return `Stopped`
	case Finished:
		return `Finished`
	case ErrorState:
		return `ErrorState`
	case Invalid:
		return `Invalid`
	default:
		return fmt.Sprintf(`Status(%d)`, int32(x))
	}
}

// Terminal reports whether the status is a terminal state.
func (x Status) Terminal() bool {
	switch x {
	case Stopped, Finished, ErrorState:
		return true
	default:
		return false
	}
}

func (x TerminationKind) String() string {
	switch x {
	case Graceful:
		return `Graceful`
	case HardStop:
		return `HardStop`
	case Failure:
		return `Failure`
	default:
		return fmt.Sprintf(`TerminationKind(%d)`, int32(x))
	}
}

// terminalStatus maps a termination kind to the sub-plan status it produces.
func (x TerminationKind) terminalStatus() Status {
	switch x {
	case Graceful:
		return Finished
	case HardStop:
		return Stopped
	default:
		return ErrorState
	}
}
