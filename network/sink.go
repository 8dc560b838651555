package network

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/joeycumines/go-streamengine/buffer"
	"github.com/joeycumines/go-streamengine/logging"
	"github.com/joeycumines/go-streamengine/query"
	"github.com/joeycumines/go-streamengine/record"
)

type (
	// SinkConfig configures a network sink operator.
	SinkConfig struct {
		// SinkID is the unique network sink descriptor id, addressed by
		// engine reconfiguration requests.
		SinkID uint64

		// Partition is the shuffle address written to.
		Partition Partition

		// Receiver is the peer consuming the partition.
		Receiver NodeLocation

		// Schema of the outgoing buffers, used to bound the bytes put on
		// the wire.
		Schema *record.Schema

		// RetryInterval and MaxRetries govern connection establishment.
		RetryInterval time.Duration
		MaxRetries    int
	}

	// Sink is the operator adapter translating pipeline output into
	// partition traffic. It supports buffering reconfigurations: between
	// StartBuffering and StopBuffering, outgoing buffers are queued in
	// order and drained on resume without loss, reordering, or duplicates.
	// While buffering, the peer location may be swapped via an
	// UpdateSinkLocation reconfiguration; queued content is flushed to the
	// new peer after the reconnect.
	Sink struct {
		cfg     SinkConfig
		manager *Manager
		logger  *logging.Logger

		mu        sync.Mutex
		channel   *Channel
		receiver  NodeLocation
		buffering bool
		pending   *bufferRing
		abandoned bool
		closed    bool
	}
)

var _ query.Sink = (*Sink)(nil)
var _ query.Reconfigurable = (*Sink)(nil)

// NewSink initializes a network sink; the channel is established on Setup.
func NewSink(cfg SinkConfig, manager *Manager, logger *logging.Logger) *Sink {
	if cfg.Schema == nil {
		panic(`network: sink requires a schema`)
	}
	return &Sink{
		cfg:      cfg,
		manager:  manager,
		logger:   logger,
		receiver: cfg.Receiver,
		pending:  newBufferRing(),
	}
}

// SinkID returns the unique network sink descriptor id.
func (x *Sink) SinkID() uint64 { return x.cfg.SinkID }

// Partition returns the shuffle address written to.
func (x *Sink) Partition() Partition { return x.cfg.Partition }

// Setup establishes the outbound channel, retrying per the sink's policy.
func (x *Sink) Setup(*query.PipelineContext) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.channel != nil {
		return nil
	}
	ch, err := x.manager.RegisterSubpartitionProducer(x.cfg.Partition, x.receiver, x.cfg.RetryInterval, x.cfg.MaxRetries)
	if err != nil {
		return fmt.Errorf(`network: sink %d: %w`, x.cfg.SinkID, err)
	}
	x.channel = ch
	return nil
}

func (x *Sink) usedBytes(buf *buffer.TupleBuffer) int {
	used := int(buf.NumTuples()) * x.cfg.Schema.SizeBytes()
	if x.cfg.Schema.Layout() == record.LayoutColumnar || used > buf.Size() {
		used = buf.Size()
	}
	return used
}

// Execute forwards buf to the peer, or queues it while buffering.
func (x *Sink) Execute(ctx *query.PipelineContext, buf *buffer.TupleBuffer, _ int) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.abandoned || x.closed {
		return nil
	}
	if x.buffering {
		x.pending.PushBack(buf.Retain())
		return nil
	}
	return x.writeLocked(ctx, buf)
}

func (x *Sink) writeLocked(ctx *query.PipelineContext, buf *buffer.TupleBuffer) error {
	if x.channel == nil {
		return fmt.Errorf(`network: sink %d has no channel`, x.cfg.SinkID)
	}
	err := x.channel.WriteData(buf, x.usedBytes(buf))
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrDeletedPartition) {
		// the peer deleted the partition: abandon without retry and wind
		// the owning sub-plan down
		x.abandoned = true
		x.releasePendingLocked()
		if x.logger != nil {
			x.logger.Warning().Str(`partition`, x.cfg.Partition.String()).Log(`peer deleted partition, abandoning sink`)
		}
		if ctx != nil {
			if plan := ctx.Pipeline().SubPlan(); plan != nil {
				go func() { _ = ctx.Manager().StopQuery(plan, query.HardStop) }()
			}
		}
		return nil
	}
	return fmt.Errorf(`network: sink %d write: %w`, x.cfg.SinkID, err)
}

// Terminate drains whatever the sink holds and sends the terminal
// end-of-stream. Failure termination drops queued buffers instead.
func (x *Sink) Terminate(ctx *query.PipelineContext, kind query.TerminationKind, _ int) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return nil
	}
	x.closed = true
	if x.abandoned {
		x.releasePendingLocked()
		return nil
	}
	var err error
	if kind == query.Failure {
		x.releasePendingLocked()
	} else {
		err = x.drainLocked(ctx)
	}
	if cerr := x.channel.Close(kind); err == nil {
		err = cerr
	}
	return err
}

// Reconfigure handles StartBuffering, StopBuffering, and
// UpdateSinkLocation messages delivered through the task queue.
func (x *Sink) Reconfigure(msg *query.ReconfigurationMessage, _ int) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed || x.abandoned {
		return nil
	}
	switch msg.Type {
	case query.ReconfStartBuffering:
		x.buffering = true
		return nil
	case query.ReconfStopBuffering:
		if !x.buffering {
			return nil
		}
		x.buffering = false
		return x.drainLocked(nil)
	case query.ReconfUpdateSinkLocation:
		loc, ok := msg.Payload.(NodeLocation)
		if !ok {
			return fmt.Errorf(`network: sink %d: invalid location payload %T`, x.cfg.SinkID, msg.Payload)
		}
		return x.reconnectLocked(loc)
	default:
		return fmt.Errorf(`network: sink %d: unsupported reconfiguration %d`, x.cfg.SinkID, msg.Type)
	}
}

func (x *Sink) reconnectLocked(loc NodeLocation) error {
	if x.channel != nil {
		x.channel.Abort()
		x.channel = nil
	}
	ch, err := x.manager.RegisterSubpartitionProducer(x.cfg.Partition, loc, x.cfg.RetryInterval, x.cfg.MaxRetries)
	if err != nil {
		return fmt.Errorf(`network: sink %d reconnect: %w`, x.cfg.SinkID, err)
	}
	x.receiver = loc
	x.channel = ch
	if !x.buffering {
		return x.drainLocked(nil)
	}
	return nil
}

// drainLocked flushes queued buffers in order.
func (x *Sink) drainLocked(ctx *query.PipelineContext) error {
	for {
		buf := x.pending.PopFront()
		if buf == nil {
			return nil
		}
		err := func() error {
			defer buf.Release()
			return x.writeLocked(ctx, buf)
		}()
		if err != nil {
			return err
		}
		if x.abandoned {
			return nil
		}
	}
}

func (x *Sink) releasePendingLocked() {
	for {
		buf := x.pending.PopFront()
		if buf == nil {
			return
		}
		buf.Release()
	}
}
