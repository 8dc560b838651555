package network

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/go-streamengine/buffer"
	"github.com/joeycumines/go-streamengine/query"
	"github.com/stretchr/testify/require"
)

func testPartition(sub uint64) Partition {
	return Partition{QueryID: 1, OperatorID: 2, PartitionID: 3, SubpartitionID: sub}
}

func TestWire_messageRoundTrip(t *testing.T) {
	for _, tc := range [...]struct {
		name string
		msg  message
	}{
		{`data`, message{
			Type:           msgDataBuffer,
			Partition:      testPartition(4),
			SequenceNumber: 42,
			OriginID:       7,
			Watermark:      1999,
			CreationTs:     123456,
			NumTuples:      3,
			Payload:        []byte(`abcdef`),
		}},
		{`announce`, message{Type: msgAnnouncePartition, Partition: testPartition(1)}},
		{`eos`, message{Type: msgEndOfStream, Partition: testPartition(2), Kind: uint64(query.HardStop)}},
		{`error`, message{Type: msgError, Partition: testPartition(3), Kind: uint64(ErrorDeletedPartition)}},
		{`credit`, message{Type: msgCredit, Partition: testPartition(5), Credit: 16}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := decodeMessage(tc.msg.encode())
			require.NoError(t, err)
			require.Equal(t, tc.msg.Type, got.Type)
			require.Equal(t, tc.msg.Partition, got.Partition)
			require.Equal(t, tc.msg.SequenceNumber, got.SequenceNumber)
			require.Equal(t, tc.msg.OriginID, got.OriginID)
			require.Equal(t, tc.msg.Watermark, got.Watermark)
			require.Equal(t, tc.msg.NumTuples, got.NumTuples)
			require.Equal(t, tc.msg.Kind, got.Kind)
			require.Equal(t, tc.msg.Credit, got.Credit)
			if len(tc.msg.Payload) != 0 {
				require.Equal(t, tc.msg.Payload, got.Payload)
			}
		})
	}
}

func TestPartitionManager_statuses(t *testing.T) {
	pm := NewPartitionManager()
	p := testPartition(1)
	require.Equal(t, PartitionUnknown, pm.ConsumerStatus(p))
	require.NoError(t, pm.RegisterSubpartitionConsumer(p, NodeLocation{}, &collectEmitter{}))
	require.Equal(t, PartitionRegistered, pm.ConsumerStatus(p))
	require.ErrorIs(t, pm.RegisterSubpartitionConsumer(p, NodeLocation{}, &collectEmitter{}), ErrAlreadyRegistered)
	require.True(t, pm.UnregisterSubpartitionConsumer(p))
	require.Equal(t, PartitionDeleted, pm.ConsumerStatus(p))
	require.False(t, pm.UnregisterSubpartitionConsumer(p))
	// re-registration after deletion is allowed
	require.NoError(t, pm.RegisterSubpartitionConsumer(p, NodeLocation{}, &collectEmitter{}))
	require.Equal(t, PartitionRegistered, pm.ConsumerStatus(p))
}

// collectEmitter records inbound traffic.
type collectEmitter struct {
	mu      sync.Mutex
	buffers []*buffer.TupleBuffer
	events  []Event
	eos     []EndOfStreamMessage
	eosCh   chan struct{}
}

func newCollectEmitter() *collectEmitter {
	return &collectEmitter{eosCh: make(chan struct{}, 1)}
}

func (x *collectEmitter) EmitWork(buf *buffer.TupleBuffer) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.buffers = append(x.buffers, buf)
}

func (x *collectEmitter) OnEvent(ev Event) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.events = append(x.events, ev)
}

func (x *collectEmitter) OnEndOfStream(msg EndOfStreamMessage) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.eos = append(x.eos, msg)
	select {
	case x.eosCh <- struct{}{}:
	default:
	}
}

func (x *collectEmitter) release() {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, buf := range x.buffers {
		buf.Release()
	}
	x.buffers = nil
}

func newTestNetworkManager(t *testing.T) *Manager {
	t.Helper()
	buffers := buffer.NewManager(512, 512, nil)
	m, err := NewManager(ManagerConfig{
		Location: NodeLocation{NodeID: 1, Host: `127.0.0.1`, DataPort: 0},
	}, NewPartitionManager(), buffers, nil)
	require.NoError(t, err)
	t.Cleanup(m.Destroy)
	return m
}

func TestManager_loopbackDataOrderingAndEoS(t *testing.T) {
	m := newTestNetworkManager(t)
	p := testPartition(1)
	emitter := newCollectEmitter()
	require.NoError(t, m.RegisterSubpartitionConsumer(p, NodeLocation{}, emitter))

	ch, err := m.RegisterSubpartitionProducer(p, m.Location(), 50*time.Millisecond, 5)
	require.NoError(t, err)

	src := buffer.NewManager(8, 512, nil)
	const total = 200
	for i := 1; i <= total; i++ {
		buf, err := src.GetBufferBlocking(context.Background())
		require.NoError(t, err)
		buf.SetNumTuples(1)
		buf.SetOriginID(9)
		buf.SetSequenceNumber(uint64(i))
		copy(buf.Bytes(), []byte{byte(i)})
		require.NoError(t, ch.WriteData(buf, 8))
		buf.Release()
	}
	require.NoError(t, ch.Close(query.Graceful))

	select {
	case <-emitter.eosCh:
	case <-time.After(5 * time.Second):
		t.Fatal(`consumer did not observe end-of-stream`)
	}

	emitter.mu.Lock()
	require.Len(t, emitter.buffers, total)
	for i, buf := range emitter.buffers {
		require.Equal(t, uint64(i+1), buf.SequenceNumber(), `data arrived out of order`)
		require.Equal(t, uint64(9), buf.OriginID())
	}
	require.Len(t, emitter.eos, 1)
	require.Equal(t, query.Graceful, emitter.eos[0].Termination)
	emitter.mu.Unlock()
	emitter.release()
}

func TestManager_producerRetryThenAbandonOnDeleted(t *testing.T) {
	m := newTestNetworkManager(t)
	p := testPartition(2)

	// not registered yet: retries exhaust
	_, err := m.RegisterSubpartitionProducer(p, m.Location(), 20*time.Millisecond, 2)
	require.Error(t, err)

	// deleted: abandoned without retry
	require.NoError(t, m.RegisterSubpartitionConsumer(p, NodeLocation{}, newCollectEmitter()))
	require.True(t, m.UnregisterSubpartitionConsumer(p))
	_, err = m.RegisterSubpartitionProducer(p, m.Location(), 20*time.Millisecond, 10)
	require.ErrorIs(t, err, ErrDeletedPartition)
}

func TestManager_lateRegistrationViaRetry(t *testing.T) {
	m := newTestNetworkManager(t)
	p := testPartition(3)
	emitter := newCollectEmitter()
	go func() {
		time.Sleep(150 * time.Millisecond)
		_ = m.RegisterSubpartitionConsumer(p, NodeLocation{}, emitter)
	}()
	ch, err := m.RegisterSubpartitionProducer(p, m.Location(), 50*time.Millisecond, 0)
	require.NoError(t, err)
	require.NoError(t, ch.Close(query.Graceful))
}

func TestBufferRing_fifoAndGrowth(t *testing.T) {
	ring := newBufferRing()
	src := buffer.NewManager(64, 64, nil)
	var bufs []*buffer.TupleBuffer
	for i := 0; i < 40; i++ {
		buf, err := src.GetBufferBlocking(context.Background())
		require.NoError(t, err)
		buf.SetSequenceNumber(uint64(i))
		bufs = append(bufs, buf)
		ring.PushBack(buf)
	}
	require.Equal(t, 40, ring.Len())
	for i := 0; i < 40; i++ {
		buf := ring.PopFront()
		require.NotNil(t, buf)
		require.Equal(t, uint64(i), buf.SequenceNumber())
	}
	require.Nil(t, ring.PopFront())
	for _, buf := range bufs {
		buf.Release()
	}
}
