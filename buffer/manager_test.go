package buffer

import (
	"context"
	"testing"
	"time"
)

func TestManager_GetBufferNoBlocking_exhaustion(t *testing.T) {
	m := NewManager(2, 64, nil)
	a, err := m.GetBufferNoBlocking()
	if err != nil {
		t.Fatal(err)
	}
	b, err := m.GetBufferNoBlocking()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.GetBufferNoBlocking(); err != ErrPoolExhausted {
		t.Fatalf(`expected ErrPoolExhausted, got %v`, err)
	}
	a.Release()
	b.Release()
	if got := m.AvailableBuffers(); got != 2 {
		t.Fatalf(`expected 2 free buffers, got %d`, got)
	}
}

func TestManager_GetBufferBlocking_waitsForRelease(t *testing.T) {
	m := NewManager(1, 64, nil)
	a, err := m.GetBufferBlocking(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	got := make(chan *TupleBuffer, 1)
	go func() {
		buf, err := m.GetBufferBlocking(context.Background())
		if err != nil {
			t.Error(err)
		}
		got <- buf
	}()
	select {
	case <-got:
		t.Fatal(`acquired buffer while pool empty`)
	case <-time.After(50 * time.Millisecond):
	}
	a.Release()
	select {
	case buf := <-got:
		buf.Release()
	case <-time.After(time.Second):
		t.Fatal(`blocked acquisition did not resume`)
	}
}

func TestManager_GetBufferBlocking_ctxCancel(t *testing.T) {
	m := NewManager(1, 64, nil)
	a, err := m.GetBufferBlocking(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer a.Release()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := m.GetBufferBlocking(ctx); err == nil {
		t.Fatal(`expected context error`)
	}
}

func TestTupleBuffer_resetOnReissue(t *testing.T) {
	m := NewManager(1, 64, nil)
	buf, err := m.GetBufferNoBlocking()
	if err != nil {
		t.Fatal(err)
	}
	buf.SetNumTuples(7)
	buf.SetOriginID(3)
	buf.SetSequenceNumber(9)
	buf.SetWatermark(1000)
	buf.Release()
	buf, err = m.GetBufferNoBlocking()
	if err != nil {
		t.Fatal(err)
	}
	defer buf.Release()
	if buf.NumTuples() != 0 || buf.OriginID() != 0 || buf.SequenceNumber() != 0 || buf.Watermark() != 0 {
		t.Fatal(`recycled buffer not reset`)
	}
}

func TestTupleBuffer_retainRelease(t *testing.T) {
	m := NewManager(1, 64, nil)
	buf, err := m.GetBufferNoBlocking()
	if err != nil {
		t.Fatal(err)
	}
	buf.Retain()
	buf.Release()
	if m.AvailableBuffers() != 0 {
		t.Fatal(`buffer recycled while a reference remained`)
	}
	buf.Release()
	if m.AvailableBuffers() != 1 {
		t.Fatal(`buffer not recycled after final release`)
	}
	defer func() {
		if recover() == nil {
			t.Fatal(`expected panic on double release`)
		}
	}()
	buf.Release()
}

func TestFixedSizePool_reservesAndReturns(t *testing.T) {
	m := NewManager(4, 64, nil)
	pool, err := m.NewFixedSizePool(context.Background(), 3)
	if err != nil {
		t.Fatal(err)
	}
	if got := m.AvailableBuffers(); got != 1 {
		t.Fatalf(`expected 1 free global buffer, got %d`, got)
	}
	buf, err := pool.GetBufferBlocking(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	buf.Release()
	if got := pool.AvailableBuffers(); got != 3 {
		t.Fatalf(`expected 3 free pool buffers, got %d`, got)
	}
	pool.Destroy()
	pool.Destroy() // idempotent
	if got := m.AvailableBuffers(); got != 4 {
		t.Fatalf(`expected reservation returned, got %d free`, got)
	}
}

func TestFixedSizePool_lateReleaseMigratesToParent(t *testing.T) {
	m := NewManager(2, 64, nil)
	pool, err := m.NewFixedSizePool(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	buf, err := pool.GetBufferBlocking(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	pool.Destroy()
	buf.Release()
	if got := m.AvailableBuffers(); got != 2 {
		t.Fatalf(`expected buffer back in the global pool, got %d free`, got)
	}
}
