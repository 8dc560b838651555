package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/joeycumines/go-streamengine/buffer"
	"github.com/joeycumines/go-streamengine/logging"
	"github.com/joeycumines/go-streamengine/query"
	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/sync/errgroup"
)

type (
	// ManagerConfig configures the shuffle endpoint of one engine.
	ManagerConfig struct {
		// Location is the advertised node location; its DataPort is bound.
		Location NodeLocation

		// SendWindow is the per-channel credit window granted to remote
		// producers. Defaults to 64 frames.
		SendWindow int
	}

	// Manager owns the engine's inbound shuffle server and hands out the
	// outbound channels of local producers. Inbound data buffers are
	// dispatched to the DataEmitter registered for their partition.
	Manager struct {
		cfg        ManagerConfig
		partitions *PartitionManager
		buffers    buffer.Pool
		logger     *logging.Logger

		ln      net.Listener
		eg      *errgroup.Group
		ctx     context.Context
		cancel  context.CancelFunc
		inbound *xsync.Map[Partition, *serverConn]

		destroyOnce sync.Once
	}

	serverConn struct {
		conn    net.Conn
		writeMu sync.Mutex
	}
)

func (x *serverConn) write(msg *message) error {
	x.writeMu.Lock()
	defer x.writeMu.Unlock()
	return writeFrame(x.conn, msg)
}

// NewManager binds the shuffle endpoint and starts accepting channels.
func NewManager(cfg ManagerConfig, partitions *PartitionManager, buffers buffer.Pool, logger *logging.Logger) (*Manager, error) {
	if cfg.SendWindow <= 0 {
		cfg.SendWindow = 64
	}
	ln, err := net.Listen(`tcp`, fmt.Sprintf(`:%d`, cfg.Location.DataPort))
	if err != nil {
		return nil, fmt.Errorf(`network: listen on %d: %w`, cfg.Location.DataPort, err)
	}
	if cfg.Location.DataPort == 0 {
		cfg.Location.DataPort = uint16(ln.Addr().(*net.TCPAddr).Port)
	}
	ctx, cancel := context.WithCancel(context.Background())
	eg, ctx := errgroup.WithContext(ctx)
	x := &Manager{
		cfg:        cfg,
		partitions: partitions,
		buffers:    buffers,
		logger:     logger,
		ln:         ln,
		eg:         eg,
		ctx:        ctx,
		cancel:     cancel,
		inbound:    xsync.NewMap[Partition, *serverConn](),
	}
	eg.Go(x.acceptLoop)
	return x, nil
}

// Location returns the advertised node location, with the bound port
// resolved when port 0 was configured.
func (x *Manager) Location() NodeLocation { return x.cfg.Location }

// PartitionManager returns the engine's partition registry.
func (x *Manager) PartitionManager() *PartitionManager { return x.partitions }

func (x *Manager) acceptLoop() error {
	for {
		conn, err := x.ln.Accept()
		if err != nil {
			if x.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		x.eg.Go(func() error {
			x.serveConn(conn)
			return nil
		})
	}
}

func (x *Manager) serveConn(conn net.Conn) {
	defer conn.Close()
	first, err := readFrame(conn)
	if err != nil || first.Type != msgAnnouncePartition {
		return
	}
	p := first.Partition
	sc := &serverConn{conn: conn}
	switch x.partitions.ConsumerStatus(p) {
	case PartitionRegistered:
		// fall through to the data loop below
	case PartitionDeleted:
		_ = sc.write(&message{Type: msgError, Partition: p, Kind: uint64(ErrorDeletedPartition)})
		return
	default:
		_ = sc.write(&message{Type: msgError, Partition: p, Kind: uint64(ErrorPartitionNotRegistered)})
		return
	}
	if err := sc.write(&message{Type: msgAnnounceAck, Partition: p, Credit: uint64(x.cfg.SendWindow)}); err != nil {
		return
	}
	x.inbound.Store(p, sc)
	defer x.inbound.Delete(p)

	var deletedNotified bool
	for {
		msg, err := readFrame(conn)
		if err != nil {
			return
		}
		emitter := x.partitions.ConsumerEmitter(p)
		if emitter == nil {
			// partition deleted mid-stream: drop silently, notify once
			if !deletedNotified {
				deletedNotified = true
				_ = sc.write(&message{Type: msgError, Partition: p, Kind: uint64(ErrorDeletedPartition)})
			}
			if msg.Type == msgEndOfStream {
				return
			}
			continue
		}
		switch msg.Type {
		case msgDataBuffer:
			if err := x.dispatchData(sc, p, emitter, msg); err != nil {
				if x.logger != nil {
					x.logger.Err().Str(`partition`, p.String()).Err(err).Log(`dropping inbound buffer`)
				}
				return
			}
		case msgEvent:
			emitter.OnEvent(Event{Partition: p, Kind: EventKind(msg.Kind), Payload: msg.Payload})
		case msgEndOfStream:
			emitter.OnEndOfStream(EndOfStreamMessage{
				Partition:   p,
				Termination: query.TerminationKind(msg.Kind),
			})
			return
		}
	}
}

func (x *Manager) dispatchData(sc *serverConn, p Partition, emitter DataEmitter, msg *message) error {
	if len(msg.Payload) > x.buffers.BufferSize() {
		return fmt.Errorf(`network: inbound payload of %d bytes exceeds buffer size`, len(msg.Payload))
	}
	buf, err := x.buffers.GetBufferBlocking(x.ctx)
	if err != nil {
		return err
	}
	copy(buf.Bytes(), msg.Payload)
	buf.SetNumTuples(msg.NumTuples)
	buf.SetOriginID(msg.OriginID)
	buf.SetSequenceNumber(msg.SequenceNumber)
	buf.SetWatermark(msg.Watermark)
	buf.SetCreationTimestampMs(msg.CreationTs)
	emitter.EmitWork(buf)
	// return one credit now that the frame was dispatched
	return sc.write(&message{Type: msgCredit, Partition: p, Credit: 1})
}

// RegisterSubpartitionConsumer registers emitter for inbound traffic on p.
func (x *Manager) RegisterSubpartitionConsumer(p Partition, sender NodeLocation, emitter DataEmitter) error {
	return x.partitions.RegisterSubpartitionConsumer(p, sender, emitter)
}

// UnregisterSubpartitionConsumer marks p's consumer side deleted.
func (x *Manager) UnregisterSubpartitionConsumer(p Partition) bool {
	return x.partitions.UnregisterSubpartitionConsumer(p)
}

// RegisterSubpartitionProducer establishes the outbound channel for p
// toward receiver, retrying per the given policy.
func (x *Manager) RegisterSubpartitionProducer(p Partition, receiver NodeLocation, retryInterval time.Duration, maxRetries int) (*Channel, error) {
	ch, err := dialChannel(p, receiver, retryInterval, maxRetries, x.logger)
	if err != nil {
		return nil, err
	}
	x.partitions.RegisterSubpartitionProducer(p, receiver)
	return ch, nil
}

// UnregisterSubpartitionProducer marks p's producer side deleted.
func (x *Manager) UnregisterSubpartitionProducer(p Partition) bool {
	return x.partitions.UnregisterSubpartitionProducer(p)
}

// SendBackwardEvent sends a control event from the consumer side of p back
// to its remote producer.
func (x *Manager) SendBackwardEvent(p Partition, kind EventKind, payload []byte) error {
	sc, ok := x.inbound.Load(p)
	if !ok {
		return ErrPartitionNotRegistered
	}
	return sc.write(&message{Type: msgEvent, Partition: p, Kind: uint64(kind), Payload: payload})
}

// Destroy stops the server and waits for connection handlers to finish.
func (x *Manager) Destroy() {
	x.destroyOnce.Do(func() {
		x.cancel()
		_ = x.ln.Close()
		x.inbound.Range(func(_ Partition, sc *serverConn) bool {
			_ = sc.conn.Close()
			return true
		})
		_ = x.eg.Wait()
	})
}
