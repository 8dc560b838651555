package engine

import (
	"fmt"
	"time"

	"github.com/joeycumines/go-streamengine/join"
	"github.com/joeycumines/go-streamengine/network"
	"github.com/joeycumines/go-streamengine/query"
	"github.com/joeycumines/go-streamengine/record"
	"github.com/joeycumines/go-streamengine/source"
	"github.com/joeycumines/go-streamengine/windowing"
)

type (
	// SourceKind enumerates the source descriptors of the wire format.
	SourceKind int32

	// SinkKind enumerates the sink descriptors of the wire format.
	SinkKind int32

	// OperatorKind enumerates the operator descriptors of the wire
	// format.
	OperatorKind int32

	// WindowKind discriminates window descriptors.
	WindowKind int32

	// FieldDescriptor is the wire form of one schema field.
	FieldDescriptor struct {
		Name string
		Type record.FieldType
		Size uint64
	}

	// SchemaDescriptor is the wire form of a schema.
	SchemaDescriptor struct {
		Layout record.LayoutKind
		Fields []FieldDescriptor
	}

	// WindowDescriptor is the wire form of a window measure.
	WindowDescriptor struct {
		Kind    WindowKind
		SizeMs  uint64
		SlideMs uint64
	}

	// SourceDescriptor is the wire form of one physical source.
	SourceDescriptor struct {
		Kind       SourceKind
		OperatorID query.OperatorID
		OriginID   query.OriginID
		Schema     SchemaDescriptor

		GatheringMode            source.GatheringMode
		GatheringIntervalMs      uint64
		GatheringIngestionRate   uint64
		NumberOfBuffersToProduce uint64
		NumberOfTuplesPerBuffer  uint64
		SourceAffinity           int64

		// File/CSV
		Path       string
		SkipHeader bool

		// TCP
		Host           string
		Port           uint64
		Framing        source.TCPFraming
		FrameSizeBytes uint64
		InputFormat    source.TCPInputFormat
		TupleSeparator byte

		// Network
		Partition network.Partition
		Peer      network.NodeLocation

		// Successors are the operator or sink ids this source feeds;
		// join inputs are wired via the join descriptor's input lists
		// instead.
		Successors []uint64
	}

	// OperatorDescriptor is the wire form of one stateful operator.
	OperatorDescriptor struct {
		ID   uint64
		Kind OperatorKind

		OutputOriginID query.OriginID

		// Window aggregation
		InputSchema  SchemaDescriptor
		InputOrigins []query.OriginID
		Window       WindowDescriptor
		Aggregation  windowing.AggregationKind
		TsField      string
		KeyField     string
		ValueField   string

		// Hash join
		LeftSchema     SchemaDescriptor
		RightSchema    SchemaDescriptor
		LeftOrigins    []query.OriginID
		RightOrigins   []query.OriginID
		LeftJoinField  string
		RightJoinField string
		LeftTsField    string
		RightTsField   string
		NumPartitions  uint64
		NumBuckets     uint64
		PageSize       uint64
		LeftInputs     []uint64
		RightInputs    []uint64

		Successors []uint64
	}

	// SinkDescriptor is the wire form of one sink.
	SinkDescriptor struct {
		ID     uint64
		Kind   SinkKind
		Schema SchemaDescriptor

		// File
		Path string
		Mode FileSinkMode

		// Network
		Partition       network.Partition
		Peer            network.NodeLocation
		RetryIntervalMs uint64
		MaxRetries      uint64
	}

	// SubPlanDescriptor is the deserialized form of a compiled sub-plan:
	// the operator tree the engine materializes into pipelines.
	SubPlanDescriptor struct {
		QueryID        query.QueryID
		SubPlanID      query.SubPlanID
		FaultTolerance query.FaultToleranceMode
		Sources        []SourceDescriptor
		Operators      []OperatorDescriptor
		Sinks          []SinkDescriptor
	}
)

const (
	SourceDefault SourceKind = iota
	SourceCsv
	SourceTcp
	SourceZmq
	SourceLambda
	SourceNetwork
	SourceFile
)

const (
	SinkFile SinkKind = iota
	SinkNetwork
	SinkPrint
	SinkNullOutput
)

const (
	OperatorKeyedWindowAgg OperatorKind = iota
	OperatorGlobalWindowAgg
	OperatorWindowCombiner
	OperatorHashJoin
)

const (
	WindowTumbling WindowKind = iota
	WindowSliding
)

// SchemaOf converts a schema into its wire descriptor.
func SchemaOf(s *record.Schema) SchemaDescriptor {
	d := SchemaDescriptor{Layout: s.Layout()}
	for _, f := range s.Fields() {
		d.Fields = append(d.Fields, FieldDescriptor{Name: f.Name, Type: f.Type, Size: uint64(f.Size)})
	}
	return d
}

// Materialize rebuilds the schema from its descriptor.
func (x SchemaDescriptor) Materialize() (*record.Schema, error) {
	if len(x.Fields) == 0 {
		return nil, fmt.Errorf(`engine: schema descriptor without fields`)
	}
	fields := make([]record.Field, 0, len(x.Fields))
	for _, f := range x.Fields {
		fields = append(fields, record.Field{Name: f.Name, Type: f.Type, Size: int(f.Size)})
	}
	return record.NewSchema(x.Layout, fields...), nil
}

// Materialize rebuilds the window measure from its descriptor.
func (x WindowDescriptor) Materialize() (windowing.WindowType, error) {
	switch x.Kind {
	case WindowTumbling:
		return windowing.NewTumblingWindow(x.SizeMs), nil
	case WindowSliding:
		return windowing.NewSlidingWindow(x.SizeMs, x.SlideMs), nil
	default:
		return nil, fmt.Errorf(`engine: unknown window kind %d`, x.Kind)
	}
}

// BuildSubPlan materializes a deserialized sub-plan into an executable one,
// wiring sources, pipelines, and sinks against this engine's managers.
func (x *Engine) BuildSubPlan(desc *SubPlanDescriptor) (*query.SubPlan, error) {
	if x.cfg.WindowingStrategy != WindowingSlicing {
		return nil, fmt.Errorf(`engine: windowing strategy %d not supported by this runtime`, x.cfg.WindowingStrategy)
	}
	b := &planBuilder{engine: x, desc: desc, pipelines: make(map[uint64]*query.Pipeline)}
	return b.build()
}

type planBuilder struct {
	engine    *Engine
	desc      *SubPlanDescriptor
	pipelines map[uint64]*query.Pipeline
	all       []*query.Pipeline
	sinks     []query.Sink
	// joinSides maps upstream ids to the build pipeline of their side
	joinSides map[uint64]*query.Pipeline
	nextID    query.PipelineID
}

func (x *planBuilder) pipelineID() query.PipelineID {
	x.nextID++
	return x.nextID
}

func (x *planBuilder) build() (*query.SubPlan, error) {
	x.joinSides = make(map[uint64]*query.Pipeline)
	for i := range x.desc.Sinks {
		if err := x.buildSink(&x.desc.Sinks[i]); err != nil {
			return nil, err
		}
	}
	// operators resolve in reverse dependency order; iterate until no
	// progress remains
	remaining := make(map[uint64]*OperatorDescriptor, len(x.desc.Operators))
	for i := range x.desc.Operators {
		op := &x.desc.Operators[i]
		remaining[op.ID] = op
	}
	for len(remaining) > 0 {
		var progress bool
		for id, op := range remaining {
			if !x.resolved(op.Successors) {
				continue
			}
			if err := x.buildOperator(op); err != nil {
				return nil, err
			}
			delete(remaining, id)
			progress = true
		}
		if !progress {
			return nil, fmt.Errorf(`engine: sub-plan %d has an operator cycle or dangling successor`, x.desc.SubPlanID)
		}
	}
	sources, err := x.buildSources()
	if err != nil {
		return nil, err
	}
	return query.NewSubPlan(x.desc.QueryID, x.desc.SubPlanID, x.desc.FaultTolerance, sources, x.all, x.sinks)
}

func (x *planBuilder) resolved(ids []uint64) bool {
	for _, id := range ids {
		if _, ok := x.pipelines[id]; !ok {
			if _, ok := x.joinSides[id]; !ok {
				return false
			}
		}
	}
	return true
}

// successorsOf resolves target ids into pipelines, preferring join-side
// entry points for ids registered as join inputs of the caller.
func (x *planBuilder) successorsOf(selfID uint64, ids []uint64) ([]*query.Pipeline, error) {
	var out []*query.Pipeline
	if p, ok := x.joinSides[selfID]; ok {
		out = append(out, p)
	}
	for _, id := range ids {
		p, ok := x.pipelines[id]
		if !ok {
			return nil, fmt.Errorf(`engine: unknown successor id %d`, id)
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf(`engine: node %d has no successors`, selfID)
	}
	return out, nil
}

func (x *planBuilder) buildSink(desc *SinkDescriptor) error {
	var schema *record.Schema
	if desc.Kind != SinkNullOutput {
		var err error
		schema, err = desc.Schema.Materialize()
		if err != nil {
			return fmt.Errorf(`engine: sink %d: %w`, desc.ID, err)
		}
	}
	var sink query.Sink
	switch desc.Kind {
	case SinkFile:
		sink = NewFileSink(desc.ID, desc.Path, desc.Mode, schema)
	case SinkPrint:
		sink = NewPrintSink(desc.ID, nil, schema)
	case SinkNullOutput:
		sink = NewNullSink(desc.ID)
	case SinkNetwork:
		sink = network.NewSink(network.SinkConfig{
			SinkID:        desc.ID,
			Partition:     desc.Partition,
			Receiver:      desc.Peer,
			Schema:        schema,
			RetryInterval: time.Duration(desc.RetryIntervalMs) * time.Millisecond,
			MaxRetries:    int(desc.MaxRetries),
		}, x.engine.netManager, x.engine.logger)
	default:
		return fmt.Errorf(`engine: unknown sink kind %d`, desc.Kind)
	}
	p := query.NewPipeline(x.pipelineID(), query.OperatorID(desc.ID), sink)
	x.pipelines[desc.ID] = p
	x.all = append(x.all, p)
	x.sinks = append(x.sinks, sink)
	return nil
}

func (x *planBuilder) buildOperator(desc *OperatorDescriptor) error {
	switch desc.Kind {
	case OperatorHashJoin:
		return x.buildJoin(desc)
	case OperatorKeyedWindowAgg, OperatorGlobalWindowAgg, OperatorWindowCombiner:
		return x.buildWindowOperator(desc)
	default:
		return fmt.Errorf(`engine: unknown operator kind %d`, desc.Kind)
	}
}

func (x *planBuilder) buildWindowOperator(desc *OperatorDescriptor) error {
	successors, err := x.successorsOf(desc.ID, desc.Successors)
	if err != nil {
		return err
	}
	var stage query.Stage
	switch desc.Kind {
	case OperatorKeyedWindowAgg:
		inputSchema, err := desc.InputSchema.Materialize()
		if err != nil {
			return fmt.Errorf(`engine: operator %d: %w`, desc.ID, err)
		}
		window, err := desc.Window.Materialize()
		if err != nil {
			return fmt.Errorf(`engine: operator %d: %w`, desc.ID, err)
		}
		stage, _, err = windowing.NewKeyedUint64WindowStage(
			desc.OutputOriginID, desc.InputOrigins, inputSchema, window,
			desc.Aggregation, desc.TsField, desc.KeyField, desc.ValueField,
		)
		if err != nil {
			return fmt.Errorf(`engine: operator %d: %w`, desc.ID, err)
		}
	case OperatorGlobalWindowAgg:
		inputSchema, err := desc.InputSchema.Materialize()
		if err != nil {
			return fmt.Errorf(`engine: operator %d: %w`, desc.ID, err)
		}
		window, err := desc.Window.Materialize()
		if err != nil {
			return fmt.Errorf(`engine: operator %d: %w`, desc.ID, err)
		}
		stage, _, err = windowing.NewGlobalUint64WindowStage(
			desc.OutputOriginID, desc.InputOrigins, inputSchema, window,
			desc.Aggregation, desc.TsField, desc.ValueField,
		)
		if err != nil {
			return fmt.Errorf(`engine: operator %d: %w`, desc.ID, err)
		}
	case OperatorWindowCombiner:
		var err error
		stage, _, err = windowing.NewUint64CombinerStage(
			desc.OutputOriginID, desc.InputOrigins,
			desc.Aggregation, desc.KeyField, desc.ValueField,
		)
		if err != nil {
			return fmt.Errorf(`engine: operator %d: %w`, desc.ID, err)
		}
	}
	p := query.NewPipeline(x.pipelineID(), query.OperatorID(desc.ID), stage, successors...)
	x.pipelines[desc.ID] = p
	x.all = append(x.all, p)
	return nil
}

func (x *planBuilder) buildJoin(desc *OperatorDescriptor) error {
	if x.engine.cfg.JoinStrategy != JoinHashLocal {
		return fmt.Errorf(`engine: join strategy %d not supported by this runtime`, x.engine.cfg.JoinStrategy)
	}
	successors, err := x.successorsOf(desc.ID, desc.Successors)
	if err != nil {
		return err
	}
	leftSchema, err := desc.LeftSchema.Materialize()
	if err != nil {
		return fmt.Errorf(`engine: join %d: %w`, desc.ID, err)
	}
	rightSchema, err := desc.RightSchema.Materialize()
	if err != nil {
		return fmt.Errorf(`engine: join %d: %w`, desc.ID, err)
	}
	window, err := desc.Window.Materialize()
	if err != nil {
		return fmt.Errorf(`engine: join %d: %w`, desc.ID, err)
	}
	handler := join.NewOperatorHandler(join.HandlerConfig{
		OriginID:       desc.OutputOriginID,
		LeftOrigins:    desc.LeftOrigins,
		RightOrigins:   desc.RightOrigins,
		LeftSchema:     leftSchema,
		RightSchema:    rightSchema,
		LeftJoinField:  desc.LeftJoinField,
		RightJoinField: desc.RightJoinField,
		LeftTsField:    desc.LeftTsField,
		RightTsField:   desc.RightTsField,
		Window:         window,
		NumPartitions:  desc.NumPartitions,
		NumBuckets:     desc.NumBuckets,
		PageSize:       int(desc.PageSize),
	})
	probe := query.NewPipeline(x.pipelineID(), query.OperatorID(desc.ID), handler.NewProbeStage(), successors...)
	buildLeft := query.NewPipeline(x.pipelineID(), query.OperatorID(desc.ID), handler.BuildStageFor(join.SideLeft), probe)
	buildRight := query.NewPipeline(x.pipelineID(), query.OperatorID(desc.ID), handler.BuildStageFor(join.SideRight), probe)
	x.all = append(x.all, probe, buildLeft, buildRight)
	for _, id := range desc.LeftInputs {
		x.joinSides[id] = buildLeft
	}
	for _, id := range desc.RightInputs {
		x.joinSides[id] = buildRight
	}
	return nil
}

func (x *planBuilder) buildSources() ([]query.Source, error) {
	var sources []query.Source
	for i := range x.desc.Sources {
		desc := &x.desc.Sources[i]
		successors, err := x.successorsOf(uint64(desc.OperatorID), desc.Successors)
		if err != nil {
			return nil, fmt.Errorf(`engine: source %d: %w`, desc.OperatorID, err)
		}
		schema, err := desc.Schema.Materialize()
		if err != nil {
			return nil, fmt.Errorf(`engine: source %d: %w`, desc.OperatorID, err)
		}
		if desc.Kind == SourceNetwork {
			sources = append(sources, network.NewSource(network.SourceConfig{
				OperatorID: desc.OperatorID,
				OriginID:   desc.OriginID,
				Partition:  desc.Partition,
				Sender:     desc.Peer,
			}, x.engine.netManager, x.engine.queryManager, successors, x.engine.logger))
			continue
		}
		impl, err := x.receiverFor(desc)
		if err != nil {
			return nil, err
		}
		affinity := desc.SourceAffinity
		if affinity == 0 {
			affinity = -1
		}
		sources = append(sources, source.NewDataSource(source.Config{
			OperatorID:               desc.OperatorID,
			OriginID:                 desc.OriginID,
			Schema:                   schema,
			NumSourceLocalBuffers:    x.engine.cfg.NumberOfBuffersInSourceLocalBufferPool,
			GatheringMode:            desc.GatheringMode,
			GatheringInterval:        time.Duration(desc.GatheringIntervalMs) * time.Millisecond,
			IngestionRate:            int(desc.GatheringIngestionRate),
			NumberOfBuffersToProduce: desc.NumberOfBuffersToProduce,
			SourceAffinity:           affinity,
			StopTimeout:              x.engine.cfg.StopTimeout,
		}, impl, x.engine.queryManager, x.engine.buffers, successors, x.engine.logger))
	}
	return sources, nil
}

func (x *planBuilder) receiverFor(desc *SourceDescriptor) (source.Receiver, error) {
	switch desc.Kind {
	case SourceDefault:
		return source.NewDefaultSource(int(desc.NumberOfTuplesPerBuffer)), nil
	case SourceCsv, SourceFile:
		return source.NewCSVSource(source.CSVSourceConfig{
			Path:            desc.Path,
			SkipHeader:      desc.SkipHeader,
			TuplesPerBuffer: int(desc.NumberOfTuplesPerBuffer),
		}), nil
	case SourceTcp:
		return source.NewTCPSource(source.TCPSourceConfig{
			Host:            desc.Host,
			Port:            uint16(desc.Port),
			Framing:         desc.Framing,
			TupleSeparator:  desc.TupleSeparator,
			FrameSizeBytes:  int(desc.FrameSizeBytes),
			InputFormat:     desc.InputFormat,
			TuplesPerBuffer: int(desc.NumberOfTuplesPerBuffer),
		}), nil
	case SourceLambda:
		return nil, fmt.Errorf(`engine: lambda sources are programmatic and cannot be deserialized`)
	case SourceZmq:
		return nil, fmt.Errorf(`engine: zmq sources are not supported by this runtime`)
	default:
		return nil, fmt.Errorf(`engine: unknown source kind %d`, desc.Kind)
	}
}
