package query

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joeycumines/go-streamengine/buffer"
)

type nopStage struct{}

func (nopStage) Setup(*PipelineContext) error { return nil }

func (nopStage) Execute(*PipelineContext, *buffer.TupleBuffer, int) error { return nil }

func (nopStage) Terminate(*PipelineContext, TerminationKind, int) error { return nil }

// recordingSink counts buffers and tuples, and remembers its termination.
type recordingSink struct {
	id          uint64
	buffers     atomic.Uint64
	tuples      atomic.Uint64
	termination atomic.Int32
}

func (x *recordingSink) SinkID() uint64 { return x.id }

func (x *recordingSink) Setup(*PipelineContext) error { return nil }

func (x *recordingSink) Execute(_ *PipelineContext, buf *buffer.TupleBuffer, _ int) error {
	x.buffers.Add(1)
	x.tuples.Add(buf.NumTuples())
	return nil
}

func (x *recordingSink) Terminate(_ *PipelineContext, kind TerminationKind, _ int) error {
	x.termination.Store(int32(kind))
	return nil
}

// stubSource emits count buffers of one tuple each, then a graceful
// end-of-stream. Stop is reference-counted like a shared data source.
type stubSource struct {
	operatorID OperatorID
	originID   OriginID
	manager    *Manager
	buffers    *buffer.Manager
	successors []*Pipeline
	count      int
	consumers  int32

	refs    atomic.Int32
	stopped atomic.Bool
	eosOnce sync.Once
	seq     atomic.Uint64
}

func (x *stubSource) OperatorID() OperatorID { return x.operatorID }

func (x *stubSource) OriginID() OriginID { return x.originID }

func (x *stubSource) Successors() []*Pipeline { return x.successors }

func (x *stubSource) Start() error {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		for i := 0; i < x.count && !x.stopped.Load(); i++ {
			buf, err := x.buffers.GetBufferBlocking(ctx)
			if err != nil {
				break
			}
			buf.SetNumTuples(1)
			buf.SetOriginID(uint64(x.originID))
			buf.SetSequenceNumber(x.seq.Add(1))
			for _, p := range x.successors {
				if err := x.manager.AddWorkForNextPipeline(buf.Retain(), p, 0); err != nil {
					break
				}
			}
			buf.Release()
		}
		if !x.stopped.Load() {
			x.eos(Graceful)
		}
	}()
	return nil
}

func (x *stubSource) eos(kind TerminationKind) {
	x.eosOnce.Do(func() {
		x.manager.AddEndOfStream(x, kind)
	})
}

func (x *stubSource) Stop(kind TerminationKind) error {
	if x.refs.Add(1) < x.consumers {
		return nil
	}
	x.stopped.Store(true)
	x.eos(kind)
	return nil
}

func (x *stubSource) Fail() error {
	x.stopped.Store(true)
	x.eos(Failure)
	return nil
}

type statusRecorder struct {
	mu       sync.Mutex
	statuses []Status
}

func (x *statusRecorder) OnQueryStatusChange(_ QueryID, _ SubPlanID, status Status, _ string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.statuses = append(x.statuses, status)
}

func (x *statusRecorder) last() Status {
	x.mu.Lock()
	defer x.mu.Unlock()
	if len(x.statuses) == 0 {
		return Invalid
	}
	return x.statuses[len(x.statuses)-1]
}

func newTestManager(t *testing.T, listener StatusListener) (*Manager, *buffer.Manager) {
	t.Helper()
	buffers := buffer.NewManager(128, 256, nil)
	m := NewManager(ManagerConfig{
		NumWorkerThreads: 2,
		StopTimeout:      5 * time.Second,
	}, buffers, listener, nil)
	if err := m.StartThreadPool(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(m.Destroy)
	return m, buffers
}

func buildPlan(t *testing.T, m *Manager, buffers *buffer.Manager, count int) (*SubPlan, *stubSource, *recordingSink) {
	t.Helper()
	sink := &recordingSink{id: 1}
	sinkPipe := NewPipeline(2, 2, sink)
	src := &stubSource{
		operatorID: 1,
		originID:   1,
		manager:    m,
		buffers:    buffers,
		successors: []*Pipeline{sinkPipe},
		count:      count,
		consumers:  1,
	}
	plan, err := NewSubPlan(1, 1, FaultToleranceNone, []Source{src}, []*Pipeline{sinkPipe}, []Sink{sink})
	if err != nil {
		t.Fatal(err)
	}
	return plan, src, sink
}

func TestManager_lifecycle_graceful(t *testing.T) {
	recorder := &statusRecorder{}
	m, buffers := newTestManager(t, recorder)
	plan, _, sink := buildPlan(t, m, buffers, 10)

	if err := m.StartQuery(plan); err != ErrNotDeployed {
		t.Fatalf(`expected ErrNotDeployed before registration, got %v`, err)
	}
	if err := m.RegisterQuery(plan); err != nil {
		t.Fatal(err)
	}
	if got := plan.Status(); got != Deployed {
		t.Fatalf(`expected Deployed, got %v`, got)
	}
	// idempotent per (queryID, subPlanID)
	if err := m.RegisterQuery(plan); err != nil {
		t.Fatal(err)
	}
	if err := m.StartQuery(plan); err != nil {
		t.Fatal(err)
	}
	select {
	case <-plan.Done():
	case <-time.After(5 * time.Second):
		t.Fatal(`plan did not finish`)
	}
	if got := plan.Status(); got != Finished {
		t.Fatalf(`expected Finished, got %v`, got)
	}
	if got := sink.buffers.Load(); got != 10 {
		t.Fatalf(`expected 10 buffers at sink, got %d`, got)
	}
	if got := TerminationKind(sink.termination.Load()); got != Graceful {
		t.Fatalf(`expected graceful sink termination, got %v`, got)
	}
	if got := recorder.last(); got != Finished {
		t.Fatalf(`listener saw %v`, got)
	}
	if err := m.DeregisterQuery(plan); err != nil {
		t.Fatal(err)
	}
}

func TestManager_stopQuery_hardStop(t *testing.T) {
	m, buffers := newTestManager(t, nil)
	plan, _, _ := buildPlan(t, m, buffers, 1<<30)
	if err := m.RegisterQuery(plan); err != nil {
		t.Fatal(err)
	}
	if err := m.StartQuery(plan); err != nil {
		t.Fatal(err)
	}
	if err := m.StopQuery(plan, HardStop); err != nil {
		t.Fatal(err)
	}
	if got := plan.Status(); got != Stopped {
		t.Fatalf(`expected Stopped, got %v`, got)
	}
}

func TestManager_deregisterRequiresTerminal(t *testing.T) {
	m, buffers := newTestManager(t, nil)
	plan, _, _ := buildPlan(t, m, buffers, 1)
	if err := m.RegisterQuery(plan); err != nil {
		t.Fatal(err)
	}
	if err := m.DeregisterQuery(plan); err != ErrNotTerminal {
		t.Fatalf(`expected ErrNotTerminal, got %v`, err)
	}
}

func TestManager_referenceCountedSourceStop(t *testing.T) {
	m, buffers := newTestManager(t, nil)
	sink := &recordingSink{id: 1}
	sinkPipe := NewPipeline(2, 2, sink)
	src := &stubSource{
		operatorID: 1,
		originID:   1,
		manager:    m,
		buffers:    buffers,
		successors: []*Pipeline{sinkPipe},
		count:      1 << 30,
		consumers:  2,
	}
	plan, err := NewSubPlan(1, 1, FaultToleranceNone, []Source{src}, []*Pipeline{sinkPipe}, []Sink{sink})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.RegisterQuery(plan); err != nil {
		t.Fatal(err)
	}
	if err := m.StartQuery(plan); err != nil {
		t.Fatal(err)
	}
	if err := src.Stop(HardStop); err != nil {
		t.Fatal(err)
	}
	if src.stopped.Load() {
		t.Fatal(`source stopped before all consumers requested it`)
	}
	if err := m.StopQuery(plan, HardStop); err != nil {
		t.Fatal(err)
	}
	if !src.stopped.Load() {
		t.Fatal(`source should stop once the final consumer requested it`)
	}
}

func TestManager_statisticsAccumulate(t *testing.T) {
	m, buffers := newTestManager(t, nil)
	plan, _, _ := buildPlan(t, m, buffers, 5)
	if err := m.RegisterQuery(plan); err != nil {
		t.Fatal(err)
	}
	if err := m.StartQuery(plan); err != nil {
		t.Fatal(err)
	}
	<-plan.Done()
	s := m.Statistics(plan.SubPlanID())
	if s == nil {
		t.Fatal(`missing statistics`)
	}
	if got := s.ProcessedBuffers(); got != 5 {
		t.Fatalf(`expected 5 processed buffers, got %d`, got)
	}
	if got := s.ProcessedTuples(); got != 5 {
		t.Fatalf(`expected 5 processed tuples, got %d`, got)
	}
	s.Clear()
	if s.ProcessedBuffers() != 0 {
		t.Fatal(`clear did not reset counters`)
	}
}
