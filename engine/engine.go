// Package engine glues the runtime together: configuration, the node
// engine lifecycle around compiled sub-plans, buffering reconfiguration of
// network sinks, statistics, and the control service.
package engine

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-streamengine/buffer"
	"github.com/joeycumines/go-streamengine/logging"
	"github.com/joeycumines/go-streamengine/network"
	"github.com/joeycumines/go-streamengine/query"
)

var (
	// ErrEngineStopped is returned by operations on a stopped engine.
	ErrEngineStopped = errors.New(`engine: stopped`)

	// ErrUnknownQuery is returned when no sub-plan of the query is
	// deployed.
	ErrUnknownQuery = errors.New(`engine: unknown query`)

	// ErrUnknownSink is returned when a sub-plan has no network sink with
	// the requested descriptor id.
	ErrUnknownSink = errors.New(`engine: unknown network sink`)
)

type (
	// WindowingStrategy selects the windowing runtime; the engine
	// implements the slicing strategy.
	WindowingStrategy int32

	// JoinStrategy selects the join runtime; the engine implements the
	// local hash join.
	JoinStrategy int32

	// StatusListener observes sub-plan status transitions, the engine's
	// user-visible error surface.
	StatusListener interface {
		OnQueryStatusChange(queryID query.QueryID, subPlanID query.SubPlanID, status query.Status, reason string)
	}

	// ErrorListener receives fatal engine errors with a captured stack.
	ErrorListener interface {
		OnFatalError(err error, stack []byte)
	}

	// Config enumerates the engine configuration.
	Config struct {
		NodeID uint64

		// Host is the advertised shuffle host; defaults to 127.0.0.1.
		Host string

		// DataPort is the TCP port of the shuffle endpoint; 0 binds an
		// ephemeral port.
		DataPort uint16

		NumWorkerThreads int

		NumberOfBuffersInGlobalBufferManager   int
		NumberOfBuffersInSourceLocalBufferPool int
		NumberOfBuffersPerWorker               int
		BufferSizeInBytes                      int

		// SourceSharing allows multiple sub-plans to share one source
		// instance.
		SourceSharing bool

		QueueingMode query.QueueingMode

		// NumQueues applies under QueuePerNumaNode.
		NumQueues int

		WindowingStrategy WindowingStrategy
		JoinStrategy      JoinStrategy

		// StopTimeout bounds engine-initiated stops; defaults to 10m.
		StopTimeout time.Duration

		// SendWindow is the shuffle credit window per channel.
		SendWindow int

		// TaskQueueCapacity per worker queue.
		TaskQueueCapacity int

		// FailSharedQueryOnSubPlanError marks sibling sub-plans of the
		// same shared query failed when one enters ErrorState.
		FailSharedQueryOnSubPlanError bool

		Logger         *logging.Logger
		StatusListener StatusListener
		ErrorListener  ErrorListener
	}

	// Engine is one worker's node engine: it owns the buffer manager, the
	// partition and network managers, and the query manager, and drives
	// the lifecycle of every deployed sub-plan.
	Engine struct {
		cfg Config

		logger       *logging.Logger
		buffers      *buffer.Manager
		partitions   *network.PartitionManager
		netManager   *network.Manager
		queryManager *query.Manager

		mu              sync.Mutex
		deployed        map[query.SubPlanID]*query.SubPlan
		queryToSubPlans map[query.QueryID][]query.SubPlanID

		running atomic.Bool
	}
)

const (
	WindowingSlicing WindowingStrategy = iota
	WindowingLegacy
)

const (
	JoinHashLocal JoinStrategy = iota
	JoinNestedLoop
)

func (x Config) withDefaults() Config {
	if x.Host == `` {
		x.Host = `127.0.0.1`
	}
	if x.NumberOfBuffersInGlobalBufferManager <= 0 {
		x.NumberOfBuffersInGlobalBufferManager = 1024
	}
	if x.NumberOfBuffersInSourceLocalBufferPool <= 0 {
		x.NumberOfBuffersInSourceLocalBufferPool = 64
	}
	if x.NumberOfBuffersPerWorker <= 0 {
		x.NumberOfBuffersPerWorker = 128
	}
	if x.BufferSizeInBytes <= 0 {
		x.BufferSizeInBytes = 4096
	}
	if x.StopTimeout <= 0 {
		x.StopTimeout = 10 * time.Minute
	}
	return x
}

// NewEngine assembles and starts a node engine.
func NewEngine(cfg Config) (*Engine, error) {
	cfg = cfg.withDefaults()
	x := &Engine{
		cfg:             cfg,
		logger:          cfg.Logger,
		deployed:        make(map[query.SubPlanID]*query.SubPlan),
		queryToSubPlans: make(map[query.QueryID][]query.SubPlanID),
	}
	x.buffers = buffer.NewManager(cfg.NumberOfBuffersInGlobalBufferManager, cfg.BufferSizeInBytes, cfg.Logger)
	x.partitions = network.NewPartitionManager()
	netManager, err := network.NewManager(network.ManagerConfig{
		Location: network.NodeLocation{
			NodeID:   cfg.NodeID,
			Host:     cfg.Host,
			DataPort: cfg.DataPort,
		},
		SendWindow: cfg.SendWindow,
	}, x.partitions, x.buffers, cfg.Logger)
	if err != nil {
		return nil, err
	}
	x.netManager = netManager
	x.queryManager = query.NewManager(query.ManagerConfig{
		NumWorkerThreads:  cfg.NumWorkerThreads,
		QueueingMode:      cfg.QueueingMode,
		NumQueues:         cfg.NumQueues,
		TaskQueueCapacity: cfg.TaskQueueCapacity,
		StopTimeout:       cfg.StopTimeout,
	}, x.buffers, (*statusRelay)(x), cfg.Logger)
	if err := x.queryManager.StartThreadPool(); err != nil {
		netManager.Destroy()
		return nil, err
	}
	x.running.Store(true)
	return x, nil
}

// Location returns the engine's advertised shuffle location, with the
// bound port resolved.
func (x *Engine) Location() network.NodeLocation { return x.netManager.Location() }

// BufferManager returns the engine's global buffer manager.
func (x *Engine) BufferManager() *buffer.Manager { return x.buffers }

// NetworkManager returns the engine's network manager.
func (x *Engine) NetworkManager() *network.Manager { return x.netManager }

// PartitionManager returns the engine's partition registry.
func (x *Engine) PartitionManager() *network.PartitionManager { return x.partitions }

// QueryManager returns the engine's query manager.
func (x *Engine) QueryManager() *query.Manager { return x.queryManager }

// statusRelay adapts the engine to query.StatusListener, forwarding to the
// configured listener and applying the sibling-failure policy.
type statusRelay Engine

func (x *statusRelay) OnQueryStatusChange(queryID query.QueryID, subPlanID query.SubPlanID, status query.Status, reason string) {
	e := (*Engine)(x)
	if e.cfg.StatusListener != nil {
		e.cfg.StatusListener.OnQueryStatusChange(queryID, subPlanID, status, reason)
	}
	if status == query.ErrorState && e.cfg.FailSharedQueryOnSubPlanError {
		go e.failSiblings(queryID, subPlanID, fmt.Sprintf(`sibling sub-plan %d failed`, subPlanID))
	}
}

func (x *Engine) failSiblings(queryID query.QueryID, failed query.SubPlanID, reason string) {
	x.mu.Lock()
	var siblings []*query.SubPlan
	for _, id := range x.queryToSubPlans[queryID] {
		if id != failed {
			if plan, ok := x.deployed[id]; ok {
				siblings = append(siblings, plan)
			}
		}
	}
	x.mu.Unlock()
	for _, plan := range siblings {
		_ = x.queryManager.FailQuery(plan, reason)
	}
}

// RegisterSubPlan registers plan with the engine, binding its network
// sources and transitioning it to Deployed.
func (x *Engine) RegisterSubPlan(plan *query.SubPlan) error {
	if !x.running.Load() {
		return ErrEngineStopped
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.deployed[plan.SubPlanID()]; ok {
		return nil
	}
	// partitions register before pipeline setup so remote producers can
	// connect while the sinks dial out
	for _, s := range plan.Sources() {
		if ns, ok := s.(*network.Source); ok {
			if err := ns.Bind(); err != nil {
				return err
			}
		}
	}
	if err := x.queryManager.RegisterQuery(plan); err != nil {
		return err
	}
	x.deployed[plan.SubPlanID()] = plan
	x.queryToSubPlans[plan.QueryID()] = append(x.queryToSubPlans[plan.QueryID()], plan.SubPlanID())
	return nil
}

// DeploySubPlan registers and immediately starts plan.
func (x *Engine) DeploySubPlan(plan *query.SubPlan) error {
	if err := x.RegisterSubPlan(plan); err != nil {
		return err
	}
	return x.queryManager.StartQuery(plan)
}

func (x *Engine) subPlansOf(queryID query.QueryID) ([]*query.SubPlan, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	ids := x.queryToSubPlans[queryID]
	if len(ids) == 0 {
		return nil, fmt.Errorf(`%w: %d`, ErrUnknownQuery, queryID)
	}
	plans := make([]*query.SubPlan, 0, len(ids))
	for _, id := range ids {
		if plan, ok := x.deployed[id]; ok {
			plans = append(plans, plan)
		}
	}
	return plans, nil
}

// StartQuery starts every deployed sub-plan of the query.
func (x *Engine) StartQuery(queryID query.QueryID) error {
	plans, err := x.subPlansOf(queryID)
	if err != nil {
		return err
	}
	for _, plan := range plans {
		if err := x.queryManager.StartQuery(plan); err != nil {
			return fmt.Errorf(`engine: start sub-plan %d: %w`, plan.SubPlanID(), err)
		}
	}
	return nil
}

// StopQuery stops every sub-plan of the query with the given termination
// kind. Each sub-plan's outcome is independent; the first failure does not
// short-circuit the rest.
func (x *Engine) StopQuery(queryID query.QueryID, kind query.TerminationKind) error {
	plans, err := x.subPlansOf(queryID)
	if err != nil {
		return err
	}
	var errs []error
	for _, plan := range plans {
		var perr error
		switch kind {
		case query.Failure:
			perr = x.queryManager.FailQuery(plan, `stop requested with failure termination`)
		default:
			perr = x.queryManager.StopQuery(plan, kind)
		}
		if perr != nil {
			errs = append(errs, fmt.Errorf(`engine: stop sub-plan %d: %w`, plan.SubPlanID(), perr))
		}
	}
	return errors.Join(errs...)
}

// UnregisterQuery stops (if necessary) and deregisters every sub-plan of
// the query.
func (x *Engine) UnregisterQuery(queryID query.QueryID) error {
	plans, err := x.subPlansOf(queryID)
	if err != nil {
		return err
	}
	var errs []error
	for _, plan := range plans {
		if !plan.Status().Terminal() {
			if err := x.queryManager.StopQuery(plan, query.HardStop); err != nil {
				errs = append(errs, fmt.Errorf(`engine: stop sub-plan %d: %w`, plan.SubPlanID(), err))
				continue
			}
		}
		if err := x.queryManager.DeregisterQuery(plan); err != nil {
			errs = append(errs, fmt.Errorf(`engine: deregister sub-plan %d: %w`, plan.SubPlanID(), err))
			continue
		}
		x.mu.Lock()
		delete(x.deployed, plan.SubPlanID())
		x.mu.Unlock()
	}
	x.mu.Lock()
	delete(x.queryToSubPlans, queryID)
	x.mu.Unlock()
	return errors.Join(errs...)
}

// UndeployQuery is StopQuery(HardStop) followed by UnregisterQuery.
func (x *Engine) UndeployQuery(queryID query.QueryID) error {
	if err := x.StopQuery(queryID, query.HardStop); err != nil {
		return err
	}
	return x.UnregisterQuery(queryID)
}

// QueryStatus returns the status of each sub-plan of the query.
func (x *Engine) QueryStatus(queryID query.QueryID) (map[query.SubPlanID]query.Status, error) {
	plans, err := x.subPlansOf(queryID)
	if err != nil {
		return nil, err
	}
	out := make(map[query.SubPlanID]query.Status, len(plans))
	for _, plan := range plans {
		out[plan.SubPlanID()] = plan.Status()
	}
	return out, nil
}

// SubPlan returns the deployed sub-plan with the given id, or nil.
func (x *Engine) SubPlan(id query.SubPlanID) *query.SubPlan {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.deployed[id]
}

// QueryStatistics returns the statistics of every sub-plan of the query.
func (x *Engine) QueryStatistics(queryID query.QueryID) ([]*query.Statistics, error) {
	plans, err := x.subPlansOf(queryID)
	if err != nil {
		return nil, err
	}
	var out []*query.Statistics
	for _, plan := range plans {
		if s := x.queryManager.Statistics(plan.SubPlanID()); s != nil {
			out = append(out, s)
		}
	}
	return out, nil
}

// AllQueryStatistics snapshots every deployed sub-plan's statistics,
// optionally clearing the counters.
func (x *Engine) AllQueryStatistics(withReset bool) []*query.Statistics {
	return x.queryManager.AllStatistics(withReset)
}

// networkSinksOf collects the network sinks of plan, optionally filtered
// by descriptor id (0 matches all).
func networkSinksOf(plan *query.SubPlan, sinkID uint64) []*network.Sink {
	var out []*network.Sink
	for _, s := range plan.Sinks() {
		if ns, ok := s.(*network.Sink); ok && (sinkID == 0 || ns.SinkID() == sinkID) {
			out = append(out, ns)
		}
	}
	return out
}

func (x *Engine) reconfigureSinks(plan *query.SubPlan, sinkID uint64, typ query.ReconfigurationType, payload any) (int, error) {
	sinks := networkSinksOf(plan, sinkID)
	for _, sink := range sinks {
		msg := &query.ReconfigurationMessage{
			Type:      typ,
			QueryID:   plan.QueryID(),
			SubPlanID: plan.SubPlanID(),
			Target:    sink,
			Payload:   payload,
		}
		if err := x.queryManager.AddReconfigurationMessage(msg, true); err != nil {
			return 0, err
		}
	}
	return len(sinks), nil
}

// BufferData tells the identified network sink of the sub-plan to start
// buffering outgoing data.
func (x *Engine) BufferData(subPlanID query.SubPlanID, sinkDescriptorID uint64) error {
	plan := x.SubPlan(subPlanID)
	if plan == nil {
		return fmt.Errorf(`%w: sub-plan %d`, ErrUnknownQuery, subPlanID)
	}
	n, err := x.reconfigureSinks(plan, sinkDescriptorID, query.ReconfStartBuffering, nil)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf(`%w: %d`, ErrUnknownSink, sinkDescriptorID)
	}
	return nil
}

// BufferAllData tells every network sink of every deployed sub-plan to
// start buffering outgoing data.
func (x *Engine) BufferAllData() error {
	x.mu.Lock()
	plans := make([]*query.SubPlan, 0, len(x.deployed))
	for _, plan := range x.deployed {
		plans = append(plans, plan)
	}
	x.mu.Unlock()
	for _, plan := range plans {
		if _, err := x.reconfigureSinks(plan, 0, query.ReconfStartBuffering, nil); err != nil {
			return err
		}
	}
	return nil
}

// StopBufferingAllData drains and resumes every buffering network sink.
func (x *Engine) StopBufferingAllData() error {
	x.mu.Lock()
	plans := make([]*query.SubPlan, 0, len(x.deployed))
	for _, plan := range x.deployed {
		plans = append(plans, plan)
	}
	x.mu.Unlock()
	for _, plan := range plans {
		if _, err := x.reconfigureSinks(plan, 0, query.ReconfStopBuffering, nil); err != nil {
			return err
		}
	}
	return nil
}

// UpdateNetworkSink points the identified network sink at a relocated
// peer; buffered content is flushed to the new peer after the reconnect.
func (x *Engine) UpdateNetworkSink(newLocation network.NodeLocation, subPlanID query.SubPlanID, sinkDescriptorID uint64) error {
	plan := x.SubPlan(subPlanID)
	if plan == nil {
		return fmt.Errorf(`%w: sub-plan %d`, ErrUnknownQuery, subPlanID)
	}
	n, err := x.reconfigureSinks(plan, sinkDescriptorID, query.ReconfUpdateSinkLocation, newLocation)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf(`%w: %d`, ErrUnknownSink, sinkDescriptorID)
	}
	return nil
}

// InjectEpochBarrier injects a barrier into every source of the query.
func (x *Engine) InjectEpochBarrier(timestamp uint64, queryID query.QueryID) error {
	plans, err := x.subPlansOf(queryID)
	if err != nil {
		return err
	}
	type epochInjector interface {
		InjectEpochBarrier(timestamp uint64, queryID query.QueryID) bool
	}
	for _, plan := range plans {
		for _, s := range plan.Sources() {
			if inj, ok := s.(epochInjector); ok {
				if !inj.InjectEpochBarrier(timestamp, queryID) {
					return fmt.Errorf(`engine: inject epoch barrier into source %d`, s.OperatorID())
				}
			}
		}
	}
	return nil
}

// OnFatalError surfaces an unrecoverable failure to the configured error
// listener with a captured stack.
func (x *Engine) OnFatalError(err error) {
	if x.logger != nil {
		x.logger.Err().Err(err).Log(`fatal engine error`)
	}
	if x.cfg.ErrorListener != nil {
		x.cfg.ErrorListener.OnFatalError(err, debug.Stack())
	}
}

// Stop winds the engine down: every deployed sub-plan is stopped (or
// failed, with markQueriesAsFailed), deregistered, and the engine's
// components are destroyed. Stop is idempotent.
func (x *Engine) Stop(markQueriesAsFailed bool) error {
	if !x.running.CompareAndSwap(true, false) {
		return nil
	}
	x.mu.Lock()
	plans := make([]*query.SubPlan, 0, len(x.deployed))
	for _, plan := range x.deployed {
		plans = append(plans, plan)
	}
	x.deployed = make(map[query.SubPlanID]*query.SubPlan)
	x.queryToSubPlans = make(map[query.QueryID][]query.SubPlanID)
	x.mu.Unlock()

	var errs []error
	for _, plan := range plans {
		var err error
		if markQueriesAsFailed {
			err = x.queryManager.FailQuery(plan, `engine stopping`)
		} else if !plan.Status().Terminal() {
			err = x.queryManager.StopQuery(plan, query.HardStop)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf(`engine: stop sub-plan %d: %w`, plan.SubPlanID(), err))
		}
		if derr := x.queryManager.DeregisterQuery(plan); derr != nil {
			errs = append(errs, fmt.Errorf(`engine: deregister sub-plan %d: %w`, plan.SubPlanID(), derr))
		}
	}
	// teardown order mirrors startup in reverse
	x.queryManager.Destroy()
	x.netManager.Destroy()
	x.partitions.Clear()
	x.buffers.Destroy()
	return errors.Join(errs...)
}
