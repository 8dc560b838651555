package network

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-streamengine/buffer"
	"github.com/joeycumines/go-streamengine/logging"
	"github.com/joeycumines/go-streamengine/query"
)

// ErrChannelClosed is returned when writing to a closed channel.
var ErrChannelClosed = errors.New(`network: channel closed`)

type (
	// Channel is the producer end of one partition's point-to-point data
	// and event stream. Writes are serialized internally; WriteData blocks
	// while the peer's send window is exhausted, which is how backpressure
	// reaches the emitting worker thread.
	Channel struct {
		partition Partition
		location  NodeLocation
		conn      net.Conn
		logger    *logging.Logger

		writeMu sync.Mutex
		credits chan struct{}

		closed   atomic.Bool
		failedCh chan struct{}
		failOnce sync.Once
		failErr  error

		// onEvent receives backward-flowing control events; set before any
		// traffic via SetEventListener.
		onEvent atomic.Pointer[func(Event)]

		readerDone chan struct{}
	}
)

// dialChannel establishes a producer channel to the consumer at location,
// retrying the handshake at retryInterval up to maxRetries times while the
// peer answers with partition-not-registered or is unreachable; a maxRetries
// of zero or less retries without limit. A deleted-partition answer aborts
// immediately.
func dialChannel(p Partition, location NodeLocation, retryInterval time.Duration, maxRetries int, logger *logging.Logger) (*Channel, error) {
	if retryInterval <= 0 {
		retryInterval = 100 * time.Millisecond
	}
	var lastErr error
	for attempt := 0; maxRetries <= 0 || attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(retryInterval)
		}
		conn, err := net.DialTimeout(`tcp`, location.Addr(), retryInterval+time.Second)
		if err != nil {
			lastErr = err
			continue
		}
		ch, err := handshake(conn, p, location, logger)
		if err == nil {
			return ch, nil
		}
		_ = conn.Close()
		if errors.Is(err, ErrDeletedPartition) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf(`network: channel to %s for partition %s: %w`, location, p, lastErr)
}

func handshake(conn net.Conn, p Partition, location NodeLocation, logger *logging.Logger) (*Channel, error) {
	if err := writeFrame(conn, &message{Type: msgAnnouncePartition, Partition: p}); err != nil {
		return nil, err
	}
	resp, err := readFrame(conn)
	if err != nil {
		return nil, err
	}
	switch resp.Type {
	case msgAnnounceAck:
		window := int(resp.Credit)
		if window <= 0 {
			window = 1
		}
		x := &Channel{
			partition:  p,
			location:   location,
			conn:       conn,
			logger:     logger,
			credits:    make(chan struct{}, window),
			failedCh:   make(chan struct{}),
			readerDone: make(chan struct{}),
		}
		for i := 0; i < window; i++ {
			x.credits <- struct{}{}
		}
		go x.readLoop()
		return x, nil
	case msgError:
		switch ErrorKind(resp.Kind) {
		case ErrorDeletedPartition:
			return nil, ErrDeletedPartition
		case ErrorPartitionNotRegistered:
			return nil, ErrPartitionNotRegistered
		default:
			return nil, fmt.Errorf(`network: handshake error kind %d`, resp.Kind)
		}
	default:
		return nil, fmt.Errorf(`network: unexpected handshake response type %d`, resp.Type)
	}
}

// Partition returns the partition the channel is bound to.
func (x *Channel) Partition() Partition { return x.partition }

// Location returns the peer's node location.
func (x *Channel) Location() NodeLocation { return x.location }

// SetEventListener registers fn for backward-flowing events.
func (x *Channel) SetEventListener(fn func(Event)) {
	x.onEvent.Store(&fn)
}

func (x *Channel) readLoop() {
	defer close(x.readerDone)
	for {
		msg, err := readFrame(x.conn)
		if err != nil {
			if !x.closed.Load() {
				x.fail(fmt.Errorf(`network: channel %s: %w`, x.partition, err))
			}
			return
		}
		switch msg.Type {
		case msgCredit:
			for i := uint64(0); i < msg.Credit; i++ {
				select {
				case x.credits <- struct{}{}:
				default:
					// peer granted beyond the agreed window; ignore
				}
			}
		case msgEvent:
			if fn := x.onEvent.Load(); fn != nil {
				(*fn)(Event{Partition: msg.Partition, Kind: EventKind(msg.Kind), Payload: msg.Payload})
			}
		case msgError:
			switch ErrorKind(msg.Kind) {
			case ErrorDeletedPartition:
				x.fail(ErrDeletedPartition)
			case ErrorPartitionNotRegistered:
				x.fail(ErrPartitionNotRegistered)
			default:
				x.fail(fmt.Errorf(`network: channel %s: remote error kind %d`, x.partition, msg.Kind))
			}
			return
		}
	}
}

func (x *Channel) fail(err error) {
	x.failOnce.Do(func() {
		x.failErr = err
		close(x.failedCh)
	})
}

// Err returns the channel's failure cause, or nil.
func (x *Channel) Err() error {
	select {
	case <-x.failedCh:
		return x.failErr
	default:
		return nil
	}
}

// WriteData sends the first used bytes of buf as a data frame, carrying the
// buffer's stream metadata. It blocks while the send window is exhausted.
func (x *Channel) WriteData(buf *buffer.TupleBuffer, used int) error {
	if x.closed.Load() {
		return ErrChannelClosed
	}
	select {
	case <-x.failedCh:
		return x.failErr
	case <-x.credits:
	}
	x.writeMu.Lock()
	defer x.writeMu.Unlock()
	return writeFrame(x.conn, &message{
		Type:           msgDataBuffer,
		Partition:      x.partition,
		SequenceNumber: buf.SequenceNumber(),
		OriginID:       buf.OriginID(),
		Watermark:      buf.Watermark(),
		CreationTs:     buf.CreationTimestampMs(),
		NumTuples:      buf.NumTuples(),
		Payload:        buf.Bytes()[:used],
	})
}

// SendEvent sends a forward-flowing control event.
func (x *Channel) SendEvent(kind EventKind, payload []byte) error {
	if x.closed.Load() {
		return ErrChannelClosed
	}
	x.writeMu.Lock()
	defer x.writeMu.Unlock()
	return writeFrame(x.conn, &message{
		Type:      msgEvent,
		Partition: x.partition,
		Kind:      uint64(kind),
		Payload:   payload,
	})
}

// Close sends the terminal end-of-stream and tears the channel down. It is
// idempotent; only the first call's termination kind is transmitted.
func (x *Channel) Close(kind query.TerminationKind) error {
	if !x.closed.CompareAndSwap(false, true) {
		return nil
	}
	x.writeMu.Lock()
	err := writeFrame(x.conn, &message{
		Type:      msgEndOfStream,
		Partition: x.partition,
		Kind:      uint64(kind),
	})
	x.writeMu.Unlock()
	_ = x.conn.Close()
	<-x.readerDone
	if err != nil && x.Err() == nil {
		return err
	}
	return nil
}

// Abort tears the channel down without an end-of-stream, e.g. ahead of a
// reconnect to a relocated peer.
func (x *Channel) Abort() {
	if !x.closed.CompareAndSwap(false, true) {
		return
	}
	_ = x.conn.Close()
	<-x.readerDone
}
