// Package network implements the inter-worker shuffle fabric: partition
// addressing, the framed wire protocol, backpressured data and event
// channels, and the network source and sink operator adapters.
package network

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/joeycumines/go-streamengine/buffer"
	"github.com/joeycumines/go-streamengine/query"
	"github.com/puzpuzpuz/xsync/v4"
)

var (
	// ErrAlreadyRegistered is returned on duplicate consumer registration.
	ErrAlreadyRegistered = errors.New(`network: partition already registered`)

	// ErrPartitionNotRegistered indicates the receiving node has no
	// consumer for the partition (yet); senders retry.
	ErrPartitionNotRegistered = errors.New(`network: partition not registered`)

	// ErrDeletedPartition indicates the receiving node deleted the
	// partition; senders must abandon the channel.
	ErrDeletedPartition = errors.New(`network: partition deleted`)
)

type (
	// Partition is the globally unique address of a shuffle endpoint.
	Partition struct {
		QueryID        query.QueryID
		OperatorID     query.OperatorID
		PartitionID    uint64
		SubpartitionID uint64
	}

	// NodeLocation addresses a worker's shuffle endpoint, resolved at
	// placement time and immutable for the life of a sub-plan.
	NodeLocation struct {
		NodeID   uint64
		Host     string
		DataPort uint16
	}

	// PartitionStatus is the local registration state of a partition.
	PartitionStatus int32

	// DataEmitter receives the inbound traffic of one registered consumer
	// partition.
	DataEmitter interface {
		// EmitWork hands over one inbound tuple buffer; the emitter owns
		// the reference.
		EmitWork(buf *buffer.TupleBuffer)

		// OnEvent delivers a control event for the partition.
		OnEvent(ev Event)

		// OnEndOfStream delivers the remote producer's terminal signal.
		OnEndOfStream(msg EndOfStreamMessage)
	}

	// PartitionManager is the per-engine registry mapping partitions to
	// their local consumer and producer registration state. Deleted
	// partitions are remembered so late traffic can be classified.
	PartitionManager struct {
		consumers *xsync.Map[Partition, *consumerEntry]
		producers *xsync.Map[Partition, *producerEntry]
	}

	consumerEntry struct {
		emitter DataEmitter
		sender  NodeLocation
		deleted bool
	}

	producerEntry struct {
		receiver NodeLocation
		deleted  bool
	}
)

const (
	PartitionUnknown PartitionStatus = iota
	PartitionRegistered
	PartitionDeleted
)

func (x Partition) String() string {
	return fmt.Sprintf(`%d::%d::%d::%d`, x.QueryID, x.OperatorID, x.PartitionID, x.SubpartitionID)
}

// Addr renders the host:port address of the node's shuffle endpoint.
func (x NodeLocation) Addr() string {
	return net.JoinHostPort(x.Host, strconv.Itoa(int(x.DataPort)))
}

func (x NodeLocation) String() string {
	return fmt.Sprintf(`%d@%s`, x.NodeID, x.Addr())
}

// NewPartitionManager initializes an empty registry.
func NewPartitionManager() *PartitionManager {
	return &PartitionManager{
		consumers: xsync.NewMap[Partition, *consumerEntry](),
		producers: xsync.NewMap[Partition, *producerEntry](),
	}
}

// RegisterSubpartitionConsumer registers emitter as the sink for inbound
// traffic on p. Duplicate registration fails with ErrAlreadyRegistered.
func (x *PartitionManager) RegisterSubpartitionConsumer(p Partition, sender NodeLocation, emitter DataEmitter) error {
	entry := &consumerEntry{emitter: emitter, sender: sender}
	if existing, loaded := x.consumers.LoadOrStore(p, entry); loaded {
		if !existing.deleted {
			return ErrAlreadyRegistered
		}
		// re-registration after deletion replaces the tombstone
		x.consumers.Store(p, entry)
	}
	return nil
}

// UnregisterSubpartitionConsumer marks p deleted; late traffic is answered
// with a deleted-partition error. It reports whether p was registered.
func (x *PartitionManager) UnregisterSubpartitionConsumer(p Partition) bool {
	entry, ok := x.consumers.Load(p)
	if !ok || entry.deleted {
		return false
	}
	x.consumers.Store(p, &consumerEntry{sender: entry.sender, deleted: true})
	return true
}

// ConsumerStatus returns the registration state of p's consumer side.
func (x *PartitionManager) ConsumerStatus(p Partition) PartitionStatus {
	entry, ok := x.consumers.Load(p)
	switch {
	case !ok:
		return PartitionUnknown
	case entry.deleted:
		return PartitionDeleted
	default:
		return PartitionRegistered
	}
}

// ConsumerEmitter returns the registered emitter for p, or nil.
func (x *PartitionManager) ConsumerEmitter(p Partition) DataEmitter {
	if entry, ok := x.consumers.Load(p); ok && !entry.deleted {
		return entry.emitter
	}
	return nil
}

// RegisterSubpartitionProducer records the local producer side of p.
func (x *PartitionManager) RegisterSubpartitionProducer(p Partition, receiver NodeLocation) {
	x.producers.Store(p, &producerEntry{receiver: receiver})
}

// UnregisterSubpartitionProducer marks the local producer side deleted.
func (x *PartitionManager) UnregisterSubpartitionProducer(p Partition) bool {
	entry, ok := x.producers.Load(p)
	if !ok || entry.deleted {
		return false
	}
	x.producers.Store(p, &producerEntry{receiver: entry.receiver, deleted: true})
	return true
}

// ProducerStatus returns the registration state of p's producer side.
func (x *PartitionManager) ProducerStatus(p Partition) PartitionStatus {
	entry, ok := x.producers.Load(p)
	switch {
	case !ok:
		return PartitionUnknown
	case entry.deleted:
		return PartitionDeleted
	default:
		return PartitionRegistered
	}
}

// Clear drops every registration, for engine shutdown.
func (x *PartitionManager) Clear() {
	x.consumers.Range(func(p Partition, _ *consumerEntry) bool {
		x.consumers.Delete(p)
		return true
	})
	x.producers.Range(func(p Partition, _ *producerEntry) bool {
		x.producers.Delete(p)
		return true
	})
}
