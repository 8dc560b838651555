package query

import (
	"fmt"
	"sync"
	"sync/atomic"
)

type (
	// Source is the surface the query manager needs from data-producing
	// operators: the concrete implementations live in the source and
	// network packages.
	Source interface {
		// OperatorID identifies the source operator instance.
		OperatorID() OperatorID

		// OriginID identifies the logical stream the source produces.
		OriginID() OriginID

		// Successors returns the pipelines fed by this source.
		Successors() []*Pipeline

		// Start spawns the source's production loop.
		Start() error

		// Stop requests termination. Stop is reference-counted across the
		// source's consumer sub-plans; the source terminates once every
		// consumer requested it.
		Stop(kind TerminationKind) error

		// Fail hard-stops the source and injects a failure end-of-stream.
		Fail() error
	}

	// SubPlan is an executable sub-plan: the DAG of pipelines with its
	// designated sources and sinks, owned exclusively by the engine.
	SubPlan struct {
		queryID   QueryID
		subPlanID SubPlanID
		mode      FaultToleranceMode

		sources   []Source
		pipelines []*Pipeline
		sinks     []Sink

		status      atomic.Int32
		termination atomic.Int32

		// activeSinks tracks sink pipelines that have not yet observed
		// end-of-stream from all their upstream origins.
		activeSinks atomic.Int32

		doneOnce sync.Once
		done     chan struct{}

		mu     sync.Mutex
		reason string
	}
)

// NewSubPlan assembles a sub-plan. Pipelines must list every node of the
// DAG, including sink pipelines; sinks must be the stages of the terminal
// pipelines. Producer counts are derived from the source successor sets and
// the pipeline DAG.
func NewSubPlan(queryID QueryID, subPlanID SubPlanID, mode FaultToleranceMode, sources []Source, pipelines []*Pipeline, sinks []Sink) (*SubPlan, error) {
	if mode != FaultToleranceNone {
		return nil, fmt.Errorf(`query: unsupported fault tolerance mode %d`, mode)
	}
	if len(pipelines) == 0 || len(sinks) == 0 {
		return nil, fmt.Errorf(`query: sub-plan %d has no executable pipelines or sinks`, subPlanID)
	}
	x := &SubPlan{
		queryID:   queryID,
		subPlanID: subPlanID,
		mode:      mode,
		sources:   sources,
		pipelines: pipelines,
		sinks:     sinks,
		done:      make(chan struct{}),
	}
	x.status.Store(int32(Created))
	x.termination.Store(int32(InvalidTermination))
	for _, p := range pipelines {
		if p.subPlan != nil {
			return nil, fmt.Errorf(`query: pipeline %d already wired`, p.ID())
		}
		p.subPlan = x
	}
	for _, s := range sources {
		for _, p := range s.Successors() {
			p.addProducer()
		}
	}
	for _, p := range pipelines {
		for _, succ := range p.successors {
			succ.addProducer()
		}
	}
	for _, p := range pipelines {
		if len(p.successors) == 0 {
			x.activeSinks.Add(1)
		}
		if p.producers == 0 && !x.isSourcePipeline(p) {
			return nil, fmt.Errorf(`query: pipeline %d has no producers`, p.ID())
		}
	}
	return x, nil
}

func (x *SubPlan) isSourcePipeline(p *Pipeline) bool {
	for _, s := range x.sources {
		for _, succ := range s.Successors() {
			if succ == p {
				return true
			}
		}
	}
	return false
}

// QueryID returns the shared query id the sub-plan belongs to.
func (x *SubPlan) QueryID() QueryID { return x.queryID }

// SubPlanID returns the sub-plan id, unique within the shared query.
func (x *SubPlan) SubPlanID() SubPlanID { return x.subPlanID }

// FaultToleranceMode returns the configured fault tolerance mode.
func (x *SubPlan) FaultToleranceMode() FaultToleranceMode { return x.mode }

// Sources returns the sub-plan's source operators.
func (x *SubPlan) Sources() []Source { return x.sources }

// Pipelines returns every pipeline of the DAG, including sink pipelines.
func (x *SubPlan) Pipelines() []*Pipeline { return x.pipelines }

// Sinks returns the sub-plan's sink stages.
func (x *SubPlan) Sinks() []Sink { return x.sinks }

// Status returns the current lifecycle status.
func (x *SubPlan) Status() Status { return Status(x.status.Load()) }

// Done is closed once the sub-plan reached a terminal status.
func (x *SubPlan) Done() <-chan struct{} { return x.done }

// Reason returns the human-readable reason of the last status transition.
func (x *SubPlan) Reason() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.reason
}

// TerminationKind returns how the sub-plan terminated, or
// InvalidTermination while it has not.
func (x *SubPlan) TerminationKind() TerminationKind {
	return TerminationKind(x.termination.Load())
}

func (x *SubPlan) transition(from, to Status) bool {
	return x.status.CompareAndSwap(int32(from), int32(to))
}

func (x *SubPlan) setReason(reason string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.reason = reason
}

// toTerminal moves the sub-plan to the terminal status implied by kind,
// unless it is already terminal. It reports whether this call performed the
// transition.
func (x *SubPlan) toTerminal(kind TerminationKind, reason string) bool {
	for {
		cur := x.Status()
		if cur.Terminal() {
			return false
		}
		if x.transition(cur, kind.terminalStatus()) {
			x.termination.Store(int32(kind))
			x.setReason(reason)
			x.doneOnce.Do(func() { close(x.done) })
			return true
		}
	}
}

// sinkFinished consumes one sink pipeline's end-of-stream; it reports
// whether the whole sub-plan has drained.
func (x *SubPlan) sinkFinished() bool {
	n := x.activeSinks.Add(-1)
	if n < 0 {
		panic(fmt.Sprintf(`query: sub-plan %d: more sink end-of-stream than sinks`, x.subPlanID))
	}
	return n == 0
}
