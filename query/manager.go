package query

import (
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/joeycumines/go-streamengine/buffer"
	"github.com/joeycumines/go-streamengine/logging"
	"github.com/puzpuzpuz/xsync/v4"
)

var (
	// ErrNotRunning is returned when registering against a stopped pool.
	ErrNotRunning = errors.New(`query: thread pool not running`)

	// ErrNotDeployed is returned by StartQuery for plans not in Deployed.
	ErrNotDeployed = errors.New(`query: sub-plan not deployed`)

	// ErrNotTerminal is returned by DeregisterQuery for live plans.
	ErrNotTerminal = errors.New(`query: sub-plan not in a terminal state`)

	// ErrStopTimeout is returned when a stop did not complete in time.
	ErrStopTimeout = errors.New(`query: stop deadline exceeded`)
)

type (
	// StatusListener observes sub-plan status transitions.
	StatusListener interface {
		OnQueryStatusChange(queryID QueryID, subPlanID SubPlanID, status Status, reason string)
	}

	// EpochAware is implemented by stages that react to epoch barriers.
	EpochAware interface {
		OnEpochBarrier(ctx *PipelineContext, timestamp uint64, queryID QueryID, workerID int) error
	}

	// ManagerConfig configures the worker thread pool.
	ManagerConfig struct {
		// NumWorkerThreads defaults to runtime.NumCPU().
		NumWorkerThreads int

		// QueueingMode defaults to QueueGlobal.
		QueueingMode QueueingMode

		// NumQueues is the queue count for QueuePerNumaNode; defaults to 1.
		NumQueues int

		// TaskQueueCapacity per queue; defaults to 1024.
		TaskQueueCapacity int

		// StopTimeout bounds StopQuery; defaults to 10 minutes.
		StopTimeout time.Duration
	}

	// Manager owns the worker threads and the per-sub-plan lifecycle.
	Manager struct {
		cfg      ManagerConfig
		buffers  buffer.Pool
		listener StatusListener
		logger   *logging.Logger

		queues  []*taskQueue
		wg      sync.WaitGroup
		started bool
		stopped bool
		mu      sync.Mutex

		plans *xsync.Map[SubPlanID, *SubPlan]
		stats *xsync.Map[SubPlanID, *Statistics]
	}
)

func (x ManagerConfig) withDefaults() ManagerConfig {
	if x.NumWorkerThreads <= 0 {
		x.NumWorkerThreads = runtime.NumCPU()
	}
	if x.QueueingMode == QueueGlobal || x.NumQueues <= 0 {
		x.NumQueues = 1
	}
	if x.TaskQueueCapacity <= 0 {
		x.TaskQueueCapacity = 1024
	}
	if x.StopTimeout <= 0 {
		x.StopTimeout = 10 * time.Minute
	}
	return x
}

// NewManager initializes a Manager drawing output buffers from buffers.
// The listener and logger may be nil.
func NewManager(cfg ManagerConfig, buffers buffer.Pool, listener StatusListener, logger *logging.Logger) *Manager {
	return &Manager{
		cfg:      cfg.withDefaults(),
		buffers:  buffers,
		listener: listener,
		logger:   logger,
		plans:    xsync.NewMap[SubPlanID, *SubPlan](),
		stats:    xsync.NewMap[SubPlanID, *Statistics](),
	}
}

// StartThreadPool spawns the worker threads. It may be called once.
func (x *Manager) StartThreadPool() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.started {
		return errors.New(`query: thread pool already started`)
	}
	x.started = true
	for i := 0; i < x.cfg.NumQueues; i++ {
		x.queues = append(x.queues, newTaskQueue(x.cfg.TaskQueueCapacity))
	}
	for i := 0; i < x.cfg.NumWorkerThreads; i++ {
		queue := x.queues[i%len(x.queues)]
		x.wg.Add(1)
		go x.worker(i, queue)
	}
	if x.logger != nil {
		x.logger.Debug().
			Int(`workers`, x.cfg.NumWorkerThreads).
			Int(`queues`, x.cfg.NumQueues).
			Log(`thread pool started`)
	}
	return nil
}

// IsThreadPoolRunning reports whether workers are accepting tasks.
func (x *Manager) IsThreadPoolRunning() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.started && !x.stopped
}

// Destroy drains the queues and stops the worker threads.
func (x *Manager) Destroy() {
	x.mu.Lock()
	if !x.started || x.stopped {
		x.mu.Unlock()
		return
	}
	x.stopped = true
	x.mu.Unlock()
	for _, q := range x.queues {
		q.close()
	}
	x.wg.Wait()
}

// RegisterQuery registers plan with the manager, transitioning it to
// Deployed. Registration is idempotent per (queryID, subPlanID).
func (x *Manager) RegisterQuery(plan *SubPlan) error {
	if !x.IsThreadPoolRunning() {
		return ErrNotRunning
	}
	if existing, loaded := x.plans.LoadOrStore(plan.SubPlanID(), plan); loaded {
		if existing == plan || existing.QueryID() == plan.QueryID() {
			return nil
		}
		return fmt.Errorf(`query: sub-plan id %d already registered for query %d`, plan.SubPlanID(), existing.QueryID())
	}
	x.stats.Store(plan.SubPlanID(), NewStatistics(plan.QueryID(), plan.SubPlanID()))
	for _, p := range plan.pipelines {
		p.ctx = &PipelineContext{
			pipeline:      p,
			manager:       x,
			buffers:       x.buffers,
			workerThreads: x.cfg.NumWorkerThreads,
			logger:        x.logger,
		}
		if err := p.stage.Setup(p.ctx); err != nil {
			x.plans.Delete(plan.SubPlanID())
			x.stats.Delete(plan.SubPlanID())
			return fmt.Errorf(`query: setup of pipeline %d failed: %w`, p.ID(), err)
		}
	}
	if !plan.transition(Created, Deployed) {
		return fmt.Errorf(`query: sub-plan %d not in Created state`, plan.SubPlanID())
	}
	x.notifyStatus(plan, `registered`)
	return nil
}

// StartQuery starts the plan's sources. It refuses unless the plan is
// Deployed.
func (x *Manager) StartQuery(plan *SubPlan) error {
	if !plan.transition(Deployed, Running) {
		return ErrNotDeployed
	}
	for _, s := range plan.sources {
		if err := s.Start(); err != nil {
			plan.toTerminal(Failure, fmt.Sprintf(`source %d start: %v`, s.OperatorID(), err))
			x.notifyStatus(plan, plan.Reason())
			return fmt.Errorf(`query: start source %d: %w`, s.OperatorID(), err)
		}
	}
	x.notifyStatus(plan, `started`)
	return nil
}

// StopQuery requests termination of the given kind and waits for the plan
// to drain, up to the configured stop timeout.
func (x *Manager) StopQuery(plan *SubPlan, kind TerminationKind) error {
	if plan.Status().Terminal() {
		return nil
	}
	if kind == Failure {
		return x.FailQuery(plan, `stop requested with failure termination`)
	}
	for _, s := range plan.sources {
		if err := s.Stop(kind); err != nil {
			return fmt.Errorf(`query: stop source %d: %w`, s.OperatorID(), err)
		}
	}
	return x.awaitTerminal(plan)
}

// FailQuery hard-stops the plan's sources with failure semantics and marks
// the plan failed.
func (x *Manager) FailQuery(plan *SubPlan, reason string) error {
	if plan.Status().Terminal() {
		return nil
	}
	for _, s := range plan.sources {
		if err := s.Fail(); err != nil && x.logger != nil {
			x.logger.Err().
				Uint64(`subPlan`, uint64(plan.SubPlanID())).
				Err(err).
				Log(`failing source`)
		}
	}
	if err := x.awaitTerminal(plan); err != nil {
		// force the terminal state so the engine can release the plan
		if plan.toTerminal(Failure, reason) {
			x.notifyStatus(plan, reason)
		}
	}
	return nil
}

func (x *Manager) awaitTerminal(plan *SubPlan) error {
	select {
	case <-plan.Done():
		return nil
	case <-time.After(x.cfg.StopTimeout):
		return ErrStopTimeout
	}
}

// DeregisterQuery removes a terminal plan from the manager.
func (x *Manager) DeregisterQuery(plan *SubPlan) error {
	if !plan.Status().Terminal() {
		return ErrNotTerminal
	}
	x.plans.Delete(plan.SubPlanID())
	x.stats.Delete(plan.SubPlanID())
	return nil
}

// SubPlan returns the registered plan with the given id, or nil.
func (x *Manager) SubPlan(id SubPlanID) *SubPlan {
	plan, _ := x.plans.Load(id)
	return plan
}

// Statistics returns the statistics of the given sub-plan, or nil.
func (x *Manager) Statistics(id SubPlanID) *Statistics {
	s, _ := x.stats.Load(id)
	return s
}

// AllStatistics snapshots every registered sub-plan's statistics. With
// reset, counters are cleared after the snapshot.
func (x *Manager) AllStatistics(reset bool) []*Statistics {
	var out []*Statistics
	x.stats.Range(func(_ SubPlanID, s *Statistics) bool {
		out = append(out, s)
		if reset {
			s.Clear()
		}
		return true
	})
	return out
}

// queueFor selects the task queue for the given queue id.
func (x *Manager) queueFor(queueID int) *taskQueue {
	if queueID < 0 || queueID >= len(x.queues) {
		queueID = 0
	}
	return x.queues[queueID]
}

// AddWorkForNextPipeline enqueues buf for execution by pipeline, blocking
// under backpressure. Ownership of the caller's reference transfers to the
// task.
func (x *Manager) AddWorkForNextPipeline(buf *buffer.TupleBuffer, pipeline *Pipeline, queueID int) error {
	if err := x.queueFor(queueID).enqueue(Task{Buffer: buf, Pipeline: pipeline}); err != nil {
		buf.Release()
		return err
	}
	return nil
}

// AddReconfigurationMessage enqueues msg; with blocking, it waits until a
// worker processed it.
func (x *Manager) AddReconfigurationMessage(msg *ReconfigurationMessage, blocking bool) error {
	if blocking {
		msg.done = make(chan struct{})
	}
	if err := x.queueFor(int(msg.SubPlanID) % len(x.queues)).enqueue(Task{Reconf: msg}); err != nil {
		return err
	}
	if blocking {
		msg.Wait()
	}
	return nil
}

// AddEndOfStream injects one end-of-stream of the given kind per successor
// pipeline of source. It reports whether injection succeeded.
func (x *Manager) AddEndOfStream(source Source, kind TerminationKind) bool {
	ok := true
	for _, p := range source.Successors() {
		msg := &ReconfigurationMessage{
			Type:        ReconfEndOfStream,
			Pipeline:    p,
			Origin:      source.OriginID(),
			Termination: kind,
		}
		if p.subPlan != nil {
			msg.QueryID = p.subPlan.QueryID()
			msg.SubPlanID = p.subPlan.SubPlanID()
		}
		if err := x.AddReconfigurationMessage(msg, false); err != nil {
			ok = false
		}
	}
	return ok
}

// AddEpochBarrier injects an epoch barrier for every successor of source.
func (x *Manager) AddEpochBarrier(source Source, queryID QueryID, timestamp uint64) bool {
	ok := true
	for _, p := range source.Successors() {
		msg := &ReconfigurationMessage{
			Type:           ReconfEpochBarrier,
			QueryID:        queryID,
			Pipeline:       p,
			Origin:         source.OriginID(),
			EpochTimestamp: timestamp,
		}
		if p.subPlan != nil {
			msg.SubPlanID = p.subPlan.SubPlanID()
		}
		if err := x.AddReconfigurationMessage(msg, false); err != nil {
			ok = false
		}
	}
	return ok
}

// NotifySourceFailure fails every sub-plan fed by the source.
func (x *Manager) NotifySourceFailure(source Source, reason string) {
	seen := make(map[*SubPlan]bool)
	for _, p := range source.Successors() {
		if plan := p.subPlan; plan != nil && !seen[plan] {
			seen[plan] = true
			go func(plan *SubPlan) {
				_ = x.FailQuery(plan, reason)
			}(plan)
		}
	}
}

// NotifySourceCompletion records that a source drained.
func (x *Manager) NotifySourceCompletion(source Source, kind TerminationKind) {
	if x.logger != nil {
		x.logger.Debug().
			Uint64(`operator`, uint64(source.OperatorID())).
			Str(`termination`, kind.String()).
			Log(`source completed`)
	}
}

func (x *Manager) notifyStatus(plan *SubPlan, reason string) {
	if x.listener != nil {
		x.listener.OnQueryStatusChange(plan.QueryID(), plan.SubPlanID(), plan.Status(), reason)
	}
}

func (x *Manager) worker(workerID int, q *taskQueue) {
	defer x.wg.Done()
	for {
		task, ok := q.dequeue(queueWakeupPoll * 4)
		if !ok {
			if q.closed.Load() {
				// drain whatever remains, then exit
				if task, ok = q.dequeue(0); !ok {
					return
				}
			} else {
				continue
			}
		}
		x.processTask(task, workerID, q)
	}
}

func (x *Manager) processTask(task Task, workerID int, q *taskQueue) {
	defer func() {
		if r := recover(); r != nil {
			x.onTaskPanic(task, r)
		}
	}()
	if task.Reconf != nil {
		defer task.Reconf.complete()
		x.processReconfiguration(task.Reconf, workerID)
		return
	}
	buf, p := task.Buffer, task.Pipeline
	defer buf.Release()
	p.inflight.Add(1)
	defer p.inflight.Add(-1)
	if err := p.stage.Execute(p.ctx, buf, workerID); err != nil {
		x.onOperatorError(p, buf, err)
		return
	}
	if p.subPlan == nil {
		return
	}
	if s, _ := x.stats.Load(p.subPlan.SubPlanID()); s != nil {
		s.recordTask(
			uint64(time.Now().UnixMilli()),
			buf.CreationTimestampMs(),
			buf.NumTuples(),
			uint64(q.len()),
			buf.NumTuples() == 0 && buf.Watermark() != 0,
		)
	}
}

func (x *Manager) processReconfiguration(msg *ReconfigurationMessage, workerID int) {
	switch msg.Type {
	case ReconfEndOfStream:
		x.processEndOfStream(msg, workerID)
	case ReconfEpochBarrier:
		p := msg.Pipeline
		if aware, ok := p.stage.(EpochAware); ok {
			if err := aware.OnEpochBarrier(p.ctx, msg.EpochTimestamp, msg.QueryID, workerID); err != nil {
				x.onOperatorError(p, nil, err)
				return
			}
		}
		for _, succ := range p.successors {
			next := *msg
			next.Pipeline = succ
			_ = x.AddReconfigurationMessage(&next, false)
		}
	default:
		if msg.Target == nil {
			return
		}
		if err := msg.Target.Reconfigure(msg, workerID); err != nil && x.logger != nil {
			x.logger.Err().
				Uint64(`subPlan`, uint64(msg.SubPlanID)).
				Err(err).
				Log(`reconfiguration failed`)
		}
	}
}

func (x *Manager) processEndOfStream(msg *ReconfigurationMessage, workerID int) {
	p := msg.Pipeline
	if !p.producerFinished() {
		return
	}
	if p.terminated.CompareAndSwap(false, true) {
		// every data task of this pipeline was enqueued before its final
		// end-of-stream; wait out the ones other workers still execute
		for p.inflight.Load() > 0 {
			time.Sleep(time.Millisecond)
		}
		if err := p.stage.Terminate(p.ctx, msg.Termination, workerID); err != nil {
			x.onOperatorError(p, nil, err)
		}
	}
	if len(p.successors) == 0 {
		plan := p.subPlan
		if plan.sinkFinished() && plan.toTerminal(msg.Termination, `end of stream`) {
			x.notifyStatus(plan, plan.Reason())
		}
		return
	}
	for _, succ := range p.successors {
		next := &ReconfigurationMessage{
			Type:        ReconfEndOfStream,
			QueryID:     msg.QueryID,
			SubPlanID:   msg.SubPlanID,
			Pipeline:    succ,
			Origin:      OriginID(p.operatorID),
			Termination: msg.Termination,
		}
		_ = x.AddReconfigurationMessage(next, false)
	}
}

func (x *Manager) onOperatorError(p *Pipeline, buf *buffer.TupleBuffer, err error) {
	plan := p.subPlan
	if plan == nil {
		return
	}
	reason := fmt.Sprintf(`operator error in pipeline %d: %v`, p.ID(), err)
	if x.logger != nil {
		b := x.logger.Err().
			Uint64(`query`, uint64(plan.QueryID())).
			Uint64(`subPlan`, uint64(plan.SubPlanID())).
			Uint64(`pipeline`, uint64(p.ID())).
			Err(err)
		if buf != nil {
			b = b.Uint64(`origin`, buf.OriginID()).Uint64(`seq`, buf.SequenceNumber())
		}
		b.Log(`operator error`)
	}
	if plan.toTerminal(Failure, reason) {
		x.notifyStatus(plan, reason)
	}
	// release the sources; they may still be producing
	for _, s := range plan.sources {
		go func(s Source) { _ = s.Fail() }(s)
	}
}

func (x *Manager) onTaskPanic(task Task, r any) {
	reason := fmt.Sprintf(`panic in task: %v`, r)
	if x.logger != nil {
		x.logger.Err().
			Str(`panic`, fmt.Sprint(r)).
			Str(`stack`, string(debug.Stack())).
			Log(`recovered operator panic`)
	}
	// note: the task's buffer reference was already released by the
	// deferred release in processTask
	if p := task.Pipeline; p != nil && p.subPlan != nil {
		if p.subPlan.toTerminal(Failure, reason) {
			x.notifyStatus(p.subPlan, reason)
		}
	}
}
