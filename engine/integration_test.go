package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/joeycumines/go-streamengine/engine"
	"github.com/joeycumines/go-streamengine/join"
	"github.com/joeycumines/go-streamengine/network"
	"github.com/joeycumines/go-streamengine/query"
	"github.com/joeycumines/go-streamengine/record"
	"github.com/joeycumines/go-streamengine/source"
	"github.com/joeycumines/go-streamengine/windowing"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) *engine.Engine {
	return newTestEngineWorkers(t, 2)
}

func newTestEngineWorkers(t *testing.T, workers int) *engine.Engine {
	t.Helper()
	eng, err := engine.NewEngine(engine.Config{
		Host:                                 `127.0.0.1`,
		DataPort:                             0,
		NumWorkerThreads:                     workers,
		NumberOfBuffersInGlobalBufferManager: 2048,
		BufferSizeInBytes:                    1024,
		StopTimeout:                          20 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Stop(false) })
	return eng
}

func inputSchema() *record.Schema {
	return record.NewSchema(record.LayoutRow,
		record.Uint64Field(`value`),
		record.Uint64Field(`id`),
		record.Uint64Field(`ts`),
	)
}

// rowsSource produces one buffer holding all rows, then ends gracefully.
func rowsSource(rows [][3]uint64) source.Receiver {
	var done bool
	return source.NewLambdaSource(func(_ context.Context, view record.View) (int, error) {
		if done {
			return 0, nil
		}
		done = true
		for i, row := range rows {
			view.PutUint64(i, 0, row[0])
			view.PutUint64(i, 1, row[1])
			view.PutUint64(i, 2, row[2])
		}
		return len(rows), nil
	})
}

// resultTuples decodes every collected buffer through schema.
func resultTuples(t *testing.T, eng *engine.Engine, collector *engine.CollectorSink, schema *record.Schema) [][]uint64 {
	t.Helper()
	layout := record.NewLayout(schema, eng.BufferManager().BufferSize())
	var out [][]uint64
	for _, buf := range collector.Buffers() {
		view := record.NewView(layout, buf)
		for i := 0; i < view.NumTuples(); i++ {
			row := make([]uint64, schema.NumFields())
			for f := range row {
				row[f] = view.Uint64(i, f)
			}
			out = append(out, row)
		}
	}
	return out
}

func awaitDone(t *testing.T, plan *query.SubPlan) {
	t.Helper()
	select {
	case <-plan.Done():
	case <-time.After(20 * time.Second):
		t.Fatalf(`plan %d did not reach a terminal state`, plan.SubPlanID())
	}
}

func TestKeyedTumblingSum(t *testing.T) {
	eng := newTestEngine(t)
	schema := inputSchema()
	stage, outSchema, err := windowing.NewKeyedUint64WindowStage(
		100, []query.OriginID{1}, schema,
		windowing.NewTumblingWindow(1000), windowing.AggSum,
		`ts`, `id`, `value`,
	)
	require.NoError(t, err)

	collector := engine.NewCollectorSink(1)
	t.Cleanup(collector.Reset)
	sinkPipe := query.NewPipeline(2, 2, collector)
	winPipe := query.NewPipeline(1, 1, stage, sinkPipe)
	src := source.NewDataSource(source.Config{
		OperatorID:    1,
		OriginID:      1,
		Schema:        schema,
		GatheringMode: source.ModeInterval,
	}, rowsSource([][3]uint64{
		{1, 1, 1000}, {1, 1, 1200}, {2, 1, 1900}, {3, 1, 2100},
	}), eng.QueryManager(), eng.BufferManager(), []*query.Pipeline{winPipe}, nil)

	plan, err := query.NewSubPlan(1, 1, query.FaultToleranceNone,
		[]query.Source{src}, []*query.Pipeline{winPipe, sinkPipe}, []query.Sink{collector})
	require.NoError(t, err)
	require.NoError(t, eng.DeploySubPlan(plan))
	awaitDone(t, plan)
	require.Equal(t, query.Finished, plan.Status())

	got := resultTuples(t, eng, collector, outSchema)
	require.ElementsMatch(t, [][]uint64{
		{1000, 2000, 1, 4},
		{2000, 3000, 1, 3},
	}, got)
}

func TestSlidingWindowSum(t *testing.T) {
	eng := newTestEngine(t)
	schema := inputSchema()
	stage, outSchema, err := windowing.NewKeyedUint64WindowStage(
		100, []query.OriginID{1}, schema,
		windowing.NewSlidingWindow(10000, 5000), windowing.AggSum,
		`ts`, `id`, `value`,
	)
	require.NoError(t, err)

	collector := engine.NewCollectorSink(1)
	t.Cleanup(collector.Reset)
	sinkPipe := query.NewPipeline(2, 2, collector)
	winPipe := query.NewPipeline(1, 1, stage, sinkPipe)

	// two keys, one record per second for ten seconds, value 1
	var rows [][3]uint64
	for ts := uint64(0); ts < 10000; ts += 1000 {
		rows = append(rows, [3]uint64{1, 1, ts}, [3]uint64{1, 2, ts})
	}
	src := source.NewDataSource(source.Config{
		OperatorID:    1,
		OriginID:      1,
		Schema:        schema,
		GatheringMode: source.ModeInterval,
	}, rowsSource(rows), eng.QueryManager(), eng.BufferManager(), []*query.Pipeline{winPipe}, nil)

	plan, err := query.NewSubPlan(1, 1, query.FaultToleranceNone,
		[]query.Source{src}, []*query.Pipeline{winPipe, sinkPipe}, []query.Sink{collector})
	require.NoError(t, err)
	require.NoError(t, eng.DeploySubPlan(plan))
	awaitDone(t, plan)

	got := resultTuples(t, eng, collector, outSchema)
	var want [][]uint64
	for _, key := range []uint64{1, 2} {
		// [0,10000) covers all ten records, [5000,15000) the last five
		want = append(want, []uint64{0, 10000, key, 10}, []uint64{5000, 15000, key, 5})
	}
	require.ElementsMatch(t, want, got)
}

func TestGlobalTumblingCount(t *testing.T) {
	eng := newTestEngine(t)
	schema := inputSchema()
	stage, outSchema, err := windowing.NewGlobalUint64WindowStage(
		100, []query.OriginID{1}, schema,
		windowing.NewTumblingWindow(1000), windowing.AggCount,
		`ts`, `value`,
	)
	require.NoError(t, err)

	collector := engine.NewCollectorSink(1)
	t.Cleanup(collector.Reset)
	sinkPipe := query.NewPipeline(2, 2, collector)
	winPipe := query.NewPipeline(1, 1, stage, sinkPipe)
	src := source.NewDataSource(source.Config{
		OperatorID:    1,
		OriginID:      1,
		Schema:        schema,
		GatheringMode: source.ModeInterval,
	}, rowsSource([][3]uint64{
		{1, 1, 1000}, {1, 1, 1500}, {1, 1, 1999}, {1, 1, 2000}, {1, 1, 2500},
	}), eng.QueryManager(), eng.BufferManager(), []*query.Pipeline{winPipe}, nil)

	plan, err := query.NewSubPlan(1, 1, query.FaultToleranceNone,
		[]query.Source{src}, []*query.Pipeline{winPipe, sinkPipe}, []query.Sink{collector})
	require.NoError(t, err)
	require.NoError(t, eng.DeploySubPlan(plan))
	awaitDone(t, plan)

	got := resultTuples(t, eng, collector, outSchema)
	require.ElementsMatch(t, [][]uint64{
		{1000, 2000, 3},
		{2000, 3000, 2},
	}, got)
}

func TestWatermarkDrivenWindowTrigger(t *testing.T) {
	eng := newTestEngine(t)
	schema := inputSchema()
	stage, outSchema, err := windowing.NewKeyedUint64WindowStage(
		100, []query.OriginID{1}, schema,
		windowing.NewTumblingWindow(1000), windowing.AggSum,
		`ts`, `id`, `value`,
	)
	require.NoError(t, err)

	collector := engine.NewCollectorSink(1)
	t.Cleanup(collector.Reset)
	sinkPipe := query.NewPipeline(2, 2, collector)
	winPipe := query.NewPipeline(1, 1, stage, sinkPipe)

	step := 0
	impl := source.NewLambdaSource(func(_ context.Context, view record.View) (int, error) {
		step++
		switch step {
		case 1:
			view.PutUint64(0, 0, 5)
			view.PutUint64(0, 1, 1)
			view.PutUint64(0, 2, 1100)
			view.Buffer().SetWatermark(1100)
			return 1, nil
		case 2:
			// the watermark passes the first window's end
			view.PutUint64(0, 0, 7)
			view.PutUint64(0, 1, 1)
			view.PutUint64(0, 2, 2100)
			view.Buffer().SetWatermark(2100)
			return 1, nil
		default:
			return 0, nil
		}
	})
	src := source.NewDataSource(source.Config{
		OperatorID:    1,
		OriginID:      1,
		Schema:        schema,
		GatheringMode: source.ModeInterval,
	}, impl, eng.QueryManager(), eng.BufferManager(), []*query.Pipeline{winPipe}, nil)

	plan, err := query.NewSubPlan(1, 1, query.FaultToleranceNone,
		[]query.Source{src}, []*query.Pipeline{winPipe, sinkPipe}, []query.Sink{collector})
	require.NoError(t, err)
	require.NoError(t, eng.DeploySubPlan(plan))
	awaitDone(t, plan)

	got := resultTuples(t, eng, collector, outSchema)
	require.ElementsMatch(t, [][]uint64{
		{1000, 2000, 1, 5},
		{2000, 3000, 1, 7},
	}, got)
}

func TestStreamingHashJoin(t *testing.T) {
	eng := newTestEngine(t)
	leftSchema := record.NewSchema(record.LayoutRow,
		record.Uint64Field(`f1_left`),
		record.Uint64Field(`f2_left`),
		record.Uint64Field(`ts`),
	)
	rightSchema := record.NewSchema(record.LayoutRow,
		record.Uint64Field(`f1_right`),
		record.Uint64Field(`f2_right`),
		record.Uint64Field(`ts`),
	)
	handler := join.NewOperatorHandler(join.HandlerConfig{
		OriginID:       100,
		LeftOrigins:    []query.OriginID{1},
		RightOrigins:   []query.OriginID{2},
		LeftSchema:     leftSchema,
		RightSchema:    rightSchema,
		LeftJoinField:  `f2_left`,
		RightJoinField: `f2_right`,
		LeftTsField:    `ts`,
		RightTsField:   `ts`,
		Window:         windowing.NewTumblingWindow(1000),
		NumPartitions:  2,
	})

	collector := engine.NewCollectorSink(1)
	t.Cleanup(collector.Reset)
	sinkPipe := query.NewPipeline(4, 4, collector)
	probe := query.NewPipeline(3, 3, handler.NewProbeStage(), sinkPipe)
	buildLeft := query.NewPipeline(1, 3, handler.BuildStageFor(join.SideLeft), probe)
	buildRight := query.NewPipeline(2, 3, handler.BuildStageFor(join.SideRight), probe)

	leftSrc := source.NewDataSource(source.Config{
		OperatorID: 1, OriginID: 1, Schema: leftSchema, GatheringMode: source.ModeInterval,
	}, rowsSource([][3]uint64{{10, 1, 1000}, {11, 2, 1100}}),
		eng.QueryManager(), eng.BufferManager(), []*query.Pipeline{buildLeft}, nil)
	rightSrc := source.NewDataSource(source.Config{
		OperatorID: 2, OriginID: 2, Schema: rightSchema, GatheringMode: source.ModeInterval,
	}, rowsSource([][3]uint64{{20, 1, 1200}, {21, 2, 2500}}),
		eng.QueryManager(), eng.BufferManager(), []*query.Pipeline{buildRight}, nil)

	plan, err := query.NewSubPlan(1, 1, query.FaultToleranceNone,
		[]query.Source{leftSrc, rightSrc},
		[]*query.Pipeline{buildLeft, buildRight, probe, sinkPipe},
		[]query.Sink{collector})
	require.NoError(t, err)
	require.NoError(t, eng.DeploySubPlan(plan))
	awaitDone(t, plan)
	require.Equal(t, query.Finished, plan.Status())

	got := resultTuples(t, eng, collector, handler.OutputSchema())
	require.Equal(t, [][]uint64{
		{1000, 2000, 1, 10, 1, 1000, 20, 1, 1200},
	}, got)
}

func TestUnionOfTwoSources(t *testing.T) {
	eng := newTestEngine(t)
	schema := record.NewSchema(record.LayoutRow,
		record.Uint64Field(`value`),
		record.Uint64Field(`id`),
	)
	collector := engine.NewCollectorSink(1)
	t.Cleanup(collector.Reset)
	sinkPipe := query.NewPipeline(1, 1, collector)

	newCar := func(operatorID query.OperatorID, originID query.OriginID) query.Source {
		count := 0
		impl := source.NewLambdaSource(func(_ context.Context, view record.View) (int, error) {
			if count >= 30 {
				return 0, nil
			}
			count++
			view.PutUint64(0, 0, 1)
			view.PutUint64(0, 1, 1)
			return 1, nil
		})
		return source.NewDataSource(source.Config{
			OperatorID:    operatorID,
			OriginID:      originID,
			Schema:        schema,
			GatheringMode: source.ModeInterval,
		}, impl, eng.QueryManager(), eng.BufferManager(), []*query.Pipeline{sinkPipe}, nil)
	}
	car, truck := newCar(1, 1), newCar(2, 2)

	plan, err := query.NewSubPlan(1, 1, query.FaultToleranceNone,
		[]query.Source{car, truck}, []*query.Pipeline{sinkPipe}, []query.Sink{collector})
	require.NoError(t, err)
	require.NoError(t, eng.DeploySubPlan(plan))
	awaitDone(t, plan)
	require.Equal(t, query.Finished, plan.Status())
	require.Equal(t, uint64(60), collector.NumTuples())
}

func TestNetworkShuffleWithBufferingReconnectsCleanly(t *testing.T) {
	// one worker on the producer keeps per-origin task execution strictly
	// sequential, so the consumer must observe per-origin sequence order
	engA := newTestEngineWorkers(t, 1)
	engB := newTestEngine(t)
	schema := record.NewSchema(record.LayoutRow,
		record.Uint64Field(`value`),
		record.Uint64Field(`id`),
	)
	partition := network.Partition{QueryID: 1, OperatorID: 9, PartitionID: 0, SubpartitionID: 0}

	// consumer engine: network source -> collector
	collector := engine.NewCollectorSink(1)
	t.Cleanup(collector.Reset)
	sinkPipeB := query.NewPipeline(1, 1, collector)
	netSrc := network.NewSource(network.SourceConfig{
		OperatorID: 9,
		OriginID:   9,
		Partition:  partition,
		Sender:     engA.Location(),
	}, engB.NetworkManager(), engB.QueryManager(), []*query.Pipeline{sinkPipeB}, nil)
	planB, err := query.NewSubPlan(1, 2, query.FaultToleranceNone,
		[]query.Source{netSrc}, []*query.Pipeline{sinkPipeB}, []query.Sink{collector})
	require.NoError(t, err)
	require.NoError(t, engB.DeploySubPlan(planB))

	// producer engine: four paced sources -> network sink
	netSink := network.NewSink(network.SinkConfig{
		SinkID:        7,
		Partition:     partition,
		Receiver:      engB.Location(),
		Schema:        schema,
		RetryInterval: 100 * time.Millisecond,
		MaxRetries:    20,
	}, engA.NetworkManager(), nil)
	sinkPipeA := query.NewPipeline(1, 7, netSink)

	const perSource, numSources = 100, 4
	var sources []query.Source
	for s := 0; s < numSources; s++ {
		sources = append(sources, source.NewDataSource(source.Config{
			OperatorID:               query.OperatorID(11 + s),
			OriginID:                 query.OriginID(11 + s),
			Schema:                   schema,
			GatheringMode:            source.ModeInterval,
			GatheringInterval:        2 * time.Millisecond,
			NumberOfBuffersToProduce: perSource,
		}, source.NewDefaultSource(1), engA.QueryManager(), engA.BufferManager(), []*query.Pipeline{sinkPipeA}, nil))
	}
	planA, err := query.NewSubPlan(1, 1, query.FaultToleranceNone,
		sources, []*query.Pipeline{sinkPipeA}, []query.Sink{netSink})
	require.NoError(t, err)
	require.NoError(t, engA.DeploySubPlan(planA))

	// wait for some traffic, then buffer mid-stream
	require.Eventually(t, func() bool {
		return len(collector.Buffers()) >= 20
	}, 10*time.Second, 10*time.Millisecond)
	require.NoError(t, engA.BufferAllData())

	time.Sleep(300 * time.Millisecond)
	c1 := len(collector.Buffers())
	time.Sleep(300 * time.Millisecond)
	c2 := len(collector.Buffers())
	if c1 < numSources*perSource {
		// no new buffers may arrive while the sink buffers
		require.Equal(t, c1, c2)
	}

	require.NoError(t, engA.StopBufferingAllData())
	awaitDone(t, planA)
	require.Equal(t, query.Finished, planA.Status())
	awaitDone(t, planB)
	require.Equal(t, query.Finished, planB.Status())

	// every buffer arrived exactly once, in per-origin order
	bufs := collector.Buffers()
	require.Len(t, bufs, numSources*perSource)
	seqs := make(map[uint64]uint64)
	for _, buf := range bufs {
		seqs[buf.OriginID()]++
		require.Equal(t, seqs[buf.OriginID()], buf.SequenceNumber(), `per-origin order violated`)
	}
	for origin, n := range seqs {
		require.Equal(t, uint64(perSource), n, `origin %d`, origin)
	}
}

func TestUpdateNetworkSink_relocatesPeerWhileBuffering(t *testing.T) {
	engA := newTestEngineWorkers(t, 1)
	engB := newTestEngine(t)
	engC := newTestEngine(t)
	schema := record.NewSchema(record.LayoutRow,
		record.Uint64Field(`value`),
		record.Uint64Field(`id`),
	)
	partition := network.Partition{QueryID: 2, OperatorID: 9, PartitionID: 0, SubpartitionID: 0}

	newConsumer := func(eng *engine.Engine, subPlanID query.SubPlanID) (*engine.CollectorSink, *query.SubPlan) {
		collector := engine.NewCollectorSink(1)
		t.Cleanup(collector.Reset)
		sinkPipe := query.NewPipeline(1, 1, collector)
		netSrc := network.NewSource(network.SourceConfig{
			OperatorID: 9,
			OriginID:   9,
			Partition:  partition,
			Sender:     engA.Location(),
		}, eng.NetworkManager(), eng.QueryManager(), []*query.Pipeline{sinkPipe}, nil)
		plan, err := query.NewSubPlan(2, subPlanID, query.FaultToleranceNone,
			[]query.Source{netSrc}, []*query.Pipeline{sinkPipe}, []query.Sink{collector})
		require.NoError(t, err)
		require.NoError(t, eng.DeploySubPlan(plan))
		return collector, plan
	}
	collectorB, _ := newConsumer(engB, 21)
	collectorC, planC := newConsumer(engC, 22)

	netSink := network.NewSink(network.SinkConfig{
		SinkID:        7,
		Partition:     partition,
		Receiver:      engB.Location(),
		Schema:        schema,
		RetryInterval: 100 * time.Millisecond,
		MaxRetries:    20,
	}, engA.NetworkManager(), nil)
	sinkPipeA := query.NewPipeline(1, 7, netSink)

	const total = 50
	src := source.NewDataSource(source.Config{
		OperatorID:               11,
		OriginID:                 11,
		Schema:                   schema,
		GatheringMode:            source.ModeInterval,
		GatheringInterval:        5 * time.Millisecond,
		NumberOfBuffersToProduce: total,
	}, source.NewDefaultSource(1), engA.QueryManager(), engA.BufferManager(), []*query.Pipeline{sinkPipeA}, nil)
	planA, err := query.NewSubPlan(2, 20, query.FaultToleranceNone,
		[]query.Source{src}, []*query.Pipeline{sinkPipeA}, []query.Sink{netSink})
	require.NoError(t, err)
	require.NoError(t, engA.DeploySubPlan(planA))

	require.Eventually(t, func() bool {
		return len(collectorB.Buffers()) >= 5
	}, 10*time.Second, 5*time.Millisecond)
	require.NoError(t, engA.BufferData(20, 7))
	require.NoError(t, engA.UpdateNetworkSink(engC.Location(), 20, 7))
	require.NoError(t, engA.StopBufferingAllData())

	awaitDone(t, planA)
	require.Equal(t, query.Finished, planA.Status())
	awaitDone(t, planC)

	gotB, gotC := collectorB.Buffers(), collectorC.Buffers()
	require.NotEmpty(t, gotC, `relocated peer must receive the buffered suffix`)
	require.Equal(t, total, len(gotB)+len(gotC), `no buffer lost or duplicated across the relocation`)
	// the old peer holds a strict prefix, the new peer the remaining suffix
	for i, buf := range gotB {
		require.Equal(t, uint64(i+1), buf.SequenceNumber())
	}
	for i, buf := range gotC {
		require.Equal(t, uint64(len(gotB)+i+1), buf.SequenceNumber())
	}
}
