package engine_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/joeycumines/go-streamengine/engine"
	"github.com/joeycumines/go-streamengine/query"
	"github.com/joeycumines/go-streamengine/record"
	"github.com/joeycumines/go-streamengine/source"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func startControlServer(t *testing.T, eng *engine.Engine) *engine.ControlClient {
	t.Helper()
	ln, err := net.Listen(`tcp`, `127.0.0.1:0`)
	require.NoError(t, err)
	server := engine.NewControlServer(eng)
	go func() { _ = server.Serve(ln) }()
	t.Cleanup(server.Stop)

	conn, err := grpc.NewClient(ln.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return engine.NewControlClient(conn)
}

func TestControlService_deployAndObserve(t *testing.T) {
	eng := newTestEngine(t)
	client := startControlServer(t, eng)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	schema := engine.SchemaOf(record.NewSchema(record.LayoutRow,
		record.Uint64Field(`value`),
		record.Uint64Field(`id`),
	))
	desc := &engine.SubPlanDescriptor{
		QueryID:   9,
		SubPlanID: 9,
		Sources: []engine.SourceDescriptor{{
			Kind:                     engine.SourceDefault,
			OperatorID:               1,
			OriginID:                 1,
			Schema:                   schema,
			GatheringMode:            source.ModeInterval,
			NumberOfBuffersToProduce: 5,
			NumberOfTuplesPerBuffer:  2,
			Successors:               []uint64{50},
		}},
		Sinks: []engine.SinkDescriptor{{ID: 50, Kind: engine.SinkNullOutput}},
	}
	require.NoError(t, client.DeploySubPlan(ctx, desc))

	require.Eventually(t, func() bool {
		statuses, err := client.QueryStatus(ctx, 9)
		if err != nil || len(statuses) != 1 {
			return false
		}
		return statuses[0].Status == query.Finished
	}, 20*time.Second, 50*time.Millisecond)

	stats, err := client.QueryStatistics(ctx, 9, false)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	require.Equal(t, query.SubPlanID(9), stats[0].SubPlanID)
	require.Equal(t, uint64(5), stats[0].ProcessedBuffers)
	require.Equal(t, uint64(10), stats[0].ProcessedTuples)

	require.NoError(t, client.UnregisterQuery(ctx, 9))
	_, err = client.QueryStatus(ctx, 9)
	require.Error(t, err)
}

func TestControlService_rejectsMalformedSubPlan(t *testing.T) {
	eng := newTestEngine(t)
	client := startControlServer(t, eng)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := client.DeploySubPlan(ctx, &engine.SubPlanDescriptor{QueryID: 1, SubPlanID: 1})
	require.Error(t, err, `a plan without sinks must be rejected`)

	// engine state is untouched: nothing registered for the query
	_, err = client.QueryStatus(ctx, 1)
	require.Error(t, err)
}

func TestControlService_stopQuery(t *testing.T) {
	eng := newTestEngine(t)
	client := startControlServer(t, eng)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	schema := engine.SchemaOf(record.NewSchema(record.LayoutRow,
		record.Uint64Field(`value`),
		record.Uint64Field(`id`),
	))
	desc := &engine.SubPlanDescriptor{
		QueryID:   11,
		SubPlanID: 11,
		Sources: []engine.SourceDescriptor{{
			Kind:                    engine.SourceDefault,
			OperatorID:              1,
			OriginID:                1,
			Schema:                  schema,
			GatheringMode:           source.ModeInterval,
			GatheringIntervalMs:     1,
			NumberOfTuplesPerBuffer: 1,
			Successors:              []uint64{50},
		}},
		Sinks: []engine.SinkDescriptor{{ID: 50, Kind: engine.SinkNullOutput}},
	}
	require.NoError(t, client.DeploySubPlan(ctx, desc))
	require.NoError(t, client.StopQuery(ctx, 11, query.HardStop))

	statuses, err := client.QueryStatus(ctx, 11)
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	require.Equal(t, query.Stopped, statuses[0].Status)
}
