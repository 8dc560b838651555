package engine

import (
	"testing"

	"github.com/joeycumines/go-streamengine/network"
	"github.com/joeycumines/go-streamengine/query"
	"github.com/joeycumines/go-streamengine/record"
	"github.com/joeycumines/go-streamengine/source"
	"github.com/joeycumines/go-streamengine/windowing"
	"github.com/stretchr/testify/require"
)

func TestSubPlanWireFormat_roundTrip(t *testing.T) {
	schema := SchemaDescriptor{
		Layout: record.LayoutRow,
		Fields: []FieldDescriptor{
			{Name: `value`, Type: record.TypeUint64},
			{Name: `id`, Type: record.TypeUint64},
			{Name: `ts`, Type: record.TypeUint64},
		},
	}
	in := &SubPlanDescriptor{
		QueryID:   3,
		SubPlanID: 4,
		Sources: []SourceDescriptor{
			{
				Kind:                     SourceTcp,
				OperatorID:               1,
				OriginID:                 1,
				Schema:                   schema,
				GatheringMode:            source.ModeIngestionRate,
				GatheringIngestionRate:   100,
				NumberOfBuffersToProduce: 50,
				NumberOfTuplesPerBuffer:  8,
				Host:                     `10.0.0.7`,
				Port:                     9000,
				Framing:                  source.FramingLengthFromSocket,
				FrameSizeBytes:           4,
				InputFormat:              source.FormatJSON,
				TupleSeparator:           '\n',
				Successors:               []uint64{20},
			},
		},
		Operators: []OperatorDescriptor{
			{
				ID:             20,
				Kind:           OperatorKeyedWindowAgg,
				OutputOriginID: 100,
				InputSchema:    schema,
				InputOrigins:   []query.OriginID{1},
				Window:         WindowDescriptor{Kind: WindowSliding, SizeMs: 10000, SlideMs: 5000},
				Aggregation:    windowing.AggMax,
				TsField:        `ts`,
				KeyField:       `id`,
				ValueField:     `value`,
				Successors:     []uint64{30},
			},
		},
		Sinks: []SinkDescriptor{
			{
				ID:   30,
				Kind: SinkNetwork,
				Schema: SchemaDescriptor{
					Layout: record.LayoutRow,
					Fields: []FieldDescriptor{
						{Name: `start`, Type: record.TypeUint64},
						{Name: `end`, Type: record.TypeUint64},
						{Name: `id`, Type: record.TypeUint64},
						{Name: `value`, Type: record.TypeUint64},
					},
				},
				Partition:       network.Partition{QueryID: 3, OperatorID: 30, PartitionID: 1, SubpartitionID: 2},
				Peer:            network.NodeLocation{NodeID: 8, Host: `10.0.0.8`, DataPort: 7000},
				RetryIntervalMs: 250,
				MaxRetries:      10,
			},
		},
	}
	out, err := UnmarshalSubPlan(MarshalSubPlan(in))
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestUnmarshalSubPlan_rejectsMalformed(t *testing.T) {
	if _, err := UnmarshalSubPlan([]byte{0xff, 0xff, 0xff}); err == nil {
		t.Fatal(`expected error for malformed bytes`)
	}
}

func TestSchemaDescriptor_materializeRoundTrip(t *testing.T) {
	schema := record.NewSchema(record.LayoutColumnar,
		record.Uint64Field(`a`),
		record.Float64Field(`b`),
		record.Field{Name: `c`, Type: record.TypeBytes, Size: 12},
	)
	got, err := SchemaOf(schema).Materialize()
	require.NoError(t, err)
	require.Equal(t, schema.Layout(), got.Layout())
	require.Equal(t, schema.Fields(), got.Fields())
	require.Equal(t, schema.SizeBytes(), got.SizeBytes())
}
