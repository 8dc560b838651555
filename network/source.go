package network

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-streamengine/buffer"
	"github.com/joeycumines/go-streamengine/logging"
	"github.com/joeycumines/go-streamengine/query"
)

type (
	// SourceConfig configures a network source operator.
	SourceConfig struct {
		OperatorID query.OperatorID
		OriginID   query.OriginID

		// Partition is the shuffle address consumed.
		Partition Partition

		// Sender is the remote producer's location, recorded for
		// diagnostics.
		Sender NodeLocation
	}

	// Source is the operator adapter translating inbound partition traffic
	// into pipeline input. It is the DataEmitter registered for its
	// partition and the query.Source of its sub-plan.
	Source struct {
		cfg          SourceConfig
		manager      *Manager
		queryManager *query.Manager
		successors   []*query.Pipeline
		logger       *logging.Logger

		bound   atomic.Bool
		running atomic.Bool
		eosOnce sync.Once
	}
)

var _ query.Source = (*Source)(nil)
var _ DataEmitter = (*Source)(nil)

// NewSource initializes a network source feeding the given successor
// pipelines.
func NewSource(cfg SourceConfig, manager *Manager, queryManager *query.Manager, successors []*query.Pipeline, logger *logging.Logger) *Source {
	return &Source{
		cfg:          cfg,
		manager:      manager,
		queryManager: queryManager,
		successors:   successors,
		logger:       logger,
	}
}

// OperatorID identifies the source operator instance.
func (x *Source) OperatorID() query.OperatorID { return x.cfg.OperatorID }

// OriginID identifies the logical stream; network sources preserve the
// origin stamped by the remote producer on the buffers themselves.
func (x *Source) OriginID() query.OriginID { return x.cfg.OriginID }

// Successors returns the pipelines fed by this source.
func (x *Source) Successors() []*query.Pipeline { return x.successors }

// Partition returns the consumed shuffle address.
func (x *Source) Partition() Partition { return x.cfg.Partition }

// Bind registers the source as the partition's consumer, so remote
// producers can connect. It is called when the sub-plan is deployed.
func (x *Source) Bind() error {
	if !x.bound.CompareAndSwap(false, true) {
		return nil
	}
	if err := x.manager.RegisterSubpartitionConsumer(x.cfg.Partition, x.cfg.Sender, x); err != nil {
		return fmt.Errorf(`network: source %d: %w`, x.cfg.OperatorID, err)
	}
	return nil
}

// Start begins forwarding inbound traffic into the sub-plan.
func (x *Source) Start() error {
	if err := x.Bind(); err != nil {
		return err
	}
	x.running.Store(true)
	return nil
}

// Stop requests termination. Graceful stop defers to the remote producer's
// end-of-stream; hard stop and failure inject one locally.
func (x *Source) Stop(kind query.TerminationKind) error {
	if kind == query.Graceful {
		return nil
	}
	x.terminate(kind)
	return nil
}

// Fail hard-stops the source with failure semantics.
func (x *Source) Fail() error {
	x.terminate(query.Failure)
	return nil
}

func (x *Source) terminate(kind query.TerminationKind) {
	x.running.Store(false)
	x.manager.UnregisterSubpartitionConsumer(x.cfg.Partition)
	x.eosOnce.Do(func() {
		x.queryManager.AddEndOfStream(x, kind)
		x.queryManager.NotifySourceCompletion(x, kind)
	})
}

// EmitWork forwards one inbound buffer to every successor pipeline.
func (x *Source) EmitWork(buf *buffer.TupleBuffer) {
	defer buf.Release()
	if !x.running.Load() {
		return
	}
	for _, p := range x.successors {
		if err := x.queryManager.AddWorkForNextPipeline(buf.Retain(), p, 0); err != nil {
			if x.logger != nil {
				x.logger.Err().Str(`partition`, x.cfg.Partition.String()).Err(err).Log(`dropping inbound work`)
			}
			return
		}
	}
}

// OnEvent delivers channel control events; the engine currently has no
// forward events, so they are logged and dropped.
func (x *Source) OnEvent(ev Event) {
	if x.logger != nil {
		x.logger.Debug().Str(`partition`, ev.Partition.String()).Uint64(`kind`, uint64(ev.Kind)).Log(`network source event`)
	}
}

// OnEndOfStream terminates the source with the remote producer's
// termination kind.
func (x *Source) OnEndOfStream(msg EndOfStreamMessage) {
	x.terminate(msg.Termination)
}
