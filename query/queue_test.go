package query

import (
	"sync"
	"testing"
	"time"
)

func TestTaskQueue_fifo(t *testing.T) {
	q := newTaskQueue(16)
	for i := 0; i < 10; i++ {
		p := NewPipeline(PipelineID(i), OperatorID(i), nopStage{})
		if err := q.enqueue(Task{Pipeline: p}); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 10; i++ {
		task, ok := q.dequeue(time.Second)
		if !ok {
			t.Fatalf(`dequeue %d failed`, i)
		}
		if got := task.Pipeline.ID(); got != PipelineID(i) {
			t.Fatalf(`expected pipeline %d, got %d`, i, got)
		}
	}
	if _, ok := q.dequeue(0); ok {
		t.Fatal(`dequeue from empty queue succeeded`)
	}
}

func TestTaskQueue_backpressureAndDrain(t *testing.T) {
	q := newTaskQueue(2)
	var wg sync.WaitGroup
	const total = 64
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			if err := q.enqueue(Task{Pipeline: NewPipeline(PipelineID(i), 0, nopStage{})}); err != nil {
				t.Error(err)
				return
			}
		}
	}()
	var got int
	deadline := time.Now().Add(5 * time.Second)
	for got < total && time.Now().Before(deadline) {
		if _, ok := q.dequeue(50 * time.Millisecond); ok {
			got++
		}
	}
	wg.Wait()
	if got != total {
		t.Fatalf(`expected %d tasks, got %d`, total, got)
	}
}

func TestTaskQueue_closeRejectsEnqueue(t *testing.T) {
	q := newTaskQueue(4)
	if err := q.enqueue(Task{Pipeline: NewPipeline(1, 0, nopStage{})}); err != nil {
		t.Fatal(err)
	}
	q.close()
	if err := q.enqueue(Task{Pipeline: NewPipeline(2, 0, nopStage{})}); err != errQueueClosed {
		t.Fatalf(`expected errQueueClosed, got %v`, err)
	}
	// remaining tasks still drain
	if _, ok := q.dequeue(time.Second); !ok {
		t.Fatal(`closed queue should drain remaining tasks`)
	}
}
