package windowing

import (
	"fmt"

	"github.com/joeycumines/go-streamengine/query"
	"github.com/joeycumines/go-streamengine/record"
)

// AggregationKind enumerates the aggregations expressible in serialized
// sub-plans, over uint64-typed value fields.
type AggregationKind int32

const (
	AggSum AggregationKind = iota
	AggCount
	AggMin
	AggMax
	AggAvg
)

func (x AggregationKind) String() string {
	switch x {
	case AggSum:
		return `Sum`
	case AggCount:
		return `Count`
	case AggMin:
		return `Min`
	case AggMax:
		return `Max`
	case AggAvg:
		return `Avg`
	default:
		return fmt.Sprintf(`AggregationKind(%d)`, int32(x))
	}
}

// KeyedResultSchema is the output shape of a keyed uint64 window stage:
// (start, end, key, value), with a float64 value for Avg.
func KeyedResultSchema(kind AggregationKind, keyField, valueField string) *record.Schema {
	value := record.Uint64Field(valueField)
	if kind == AggAvg {
		value = record.Float64Field(valueField)
	}
	return record.NewSchema(record.LayoutRow,
		record.Uint64Field(`start`),
		record.Uint64Field(`end`),
		record.Uint64Field(keyField),
		value,
	)
}

// GlobalResultSchema is the output shape of a non-keyed uint64 window
// stage: (start, end, value).
func GlobalResultSchema(kind AggregationKind, valueField string) *record.Schema {
	value := record.Uint64Field(valueField)
	if kind == AggAvg {
		value = record.Float64Field(valueField)
	}
	return record.NewSchema(record.LayoutRow,
		record.Uint64Field(`start`),
		record.Uint64Field(`end`),
		value,
	)
}

// NewKeyedUint64WindowStage builds a keyed window aggregation stage over
// uint64 timestamp, key, and value fields, returning the stage and its
// output schema.
func NewKeyedUint64WindowStage(
	originID query.OriginID,
	inputOrigins []query.OriginID,
	inputSchema *record.Schema,
	window WindowType,
	kind AggregationKind,
	tsField, keyField, valueField string,
) (query.Stage, *record.Schema, error) {
	outputSchema := KeyedResultSchema(kind, keyField, valueField)
	cfg := OperatorConfig{
		OriginID:     originID,
		InputOrigins: inputOrigins,
		InputSchema:  inputSchema,
		OutputSchema: outputSchema,
	}
	extract := Uint64Extractor(inputSchema, tsField, keyField, valueField)
	var stage query.Stage
	switch kind {
	case AggSum:
		stage = NewKeyedWindowOperator[uint64, uint64, uint64, uint64](cfg, window, SumAggregation[uint64]{}, extract, KeyedUint64ResultWriter())
	case AggCount:
		stage = NewKeyedWindowOperator[uint64, uint64, uint64, uint64](cfg, window, CountAggregation[uint64]{}, extract, KeyedUint64ResultWriter())
	case AggMin:
		stage = NewKeyedWindowOperator(cfg, window, MinAggregation[uint64]{}, extract, KeyedUint64ResultWriter())
	case AggMax:
		stage = NewKeyedWindowOperator(cfg, window, MaxAggregation[uint64]{}, extract, KeyedUint64ResultWriter())
	case AggAvg:
		stage = NewKeyedWindowOperator(cfg, window, AvgAggregation[uint64]{}, extract, keyedFloat64ResultWriter())
	default:
		return nil, nil, fmt.Errorf(`windowing: unknown aggregation kind %d`, kind)
	}
	return stage, outputSchema, nil
}

// NewGlobalUint64WindowStage builds a non-keyed window aggregation stage
// over uint64 timestamp and value fields.
func NewGlobalUint64WindowStage(
	originID query.OriginID,
	inputOrigins []query.OriginID,
	inputSchema *record.Schema,
	window WindowType,
	kind AggregationKind,
	tsField, valueField string,
) (query.Stage, *record.Schema, error) {
	outputSchema := GlobalResultSchema(kind, valueField)
	cfg := OperatorConfig{
		OriginID:     originID,
		InputOrigins: inputOrigins,
		InputSchema:  inputSchema,
		OutputSchema: outputSchema,
	}
	extract := GlobalUint64Extractor(inputSchema, tsField, valueField)
	var stage query.Stage
	switch kind {
	case AggSum:
		stage = NewKeyedWindowOperator[uint64, uint64, uint64, uint64](cfg, window, SumAggregation[uint64]{}, extract, GlobalUint64ResultWriter())
	case AggCount:
		stage = NewKeyedWindowOperator[uint64, uint64, uint64, uint64](cfg, window, CountAggregation[uint64]{}, extract, GlobalUint64ResultWriter())
	case AggMin:
		stage = NewKeyedWindowOperator(cfg, window, MinAggregation[uint64]{}, extract, GlobalUint64ResultWriter())
	case AggMax:
		stage = NewKeyedWindowOperator(cfg, window, MaxAggregation[uint64]{}, extract, GlobalUint64ResultWriter())
	case AggAvg:
		stage = NewKeyedWindowOperator(cfg, window, AvgAggregation[uint64]{}, extract, globalFloat64ResultWriter())
	default:
		return nil, nil, fmt.Errorf(`windowing: unknown aggregation kind %d`, kind)
	}
	return stage, outputSchema, nil
}

// NewUint64CombinerStage builds the distributed merge stage matching a
// keyed uint64 window stage of the same kind. Avg is not expressible with
// a single-field partial and is rejected.
func NewUint64CombinerStage(
	originID query.OriginID,
	inputOrigins []query.OriginID,
	kind AggregationKind,
	keyField, valueField string,
) (query.Stage, *record.Schema, error) {
	if kind == AggAvg {
		return nil, nil, fmt.Errorf(`windowing: avg requires a two-field partial, not supported on the wire`)
	}
	schema := KeyedResultSchema(kind, keyField, valueField)
	cfg := OperatorConfig{
		OriginID:     originID,
		InputOrigins: inputOrigins,
		InputSchema:  schema,
		OutputSchema: schema,
	}
	extract := KeyedPartialExtractor()
	write := KeyedUint64ResultWriter()
	var stage query.Stage
	switch kind {
	case AggSum:
		stage = NewWindowCombiner[uint64, uint64, uint64, uint64](cfg, SumAggregation[uint64]{}, extract, write)
	case AggCount:
		// counts combine by summation
		stage = NewWindowCombiner[uint64, uint64, uint64, uint64](cfg, SumAggregation[uint64]{}, extract, write)
	case AggMin:
		stage = NewWindowCombiner[uint64, uint64, uint64, uint64](cfg, rawMinAggregation{}, extract, write)
	case AggMax:
		stage = NewWindowCombiner[uint64, uint64, uint64, uint64](cfg, rawMaxAggregation{}, extract, write)
	default:
		return nil, nil, fmt.Errorf(`windowing: unknown aggregation kind %d`, kind)
	}
	return stage, schema, nil
}

// rawMinAggregation combines already-lowered uint64 minima.
type rawMinAggregation struct{}

func (rawMinAggregation) Identity() uint64 { return ^uint64(0) }
func (rawMinAggregation) Lift(v uint64) uint64 { return v }
func (rawMinAggregation) Combine(a, b uint64) uint64 {
	if b < a {
		return b
	}
	return a
}
func (rawMinAggregation) Lower(a uint64) uint64 { return a }

// rawMaxAggregation combines already-lowered uint64 maxima.
type rawMaxAggregation struct{}

func (rawMaxAggregation) Identity() uint64 { return 0 }
func (rawMaxAggregation) Lift(v uint64) uint64 { return v }
func (rawMaxAggregation) Combine(a, b uint64) uint64 {
	if b > a {
		return b
	}
	return a
}
func (rawMaxAggregation) Lower(a uint64) uint64 { return a }

// keyedFloat64ResultWriter writes (start, end, key, float64 value).
func keyedFloat64ResultWriter() ResultWriter[uint64, float64] {
	return func(view record.View, t int, res WindowResult[uint64, float64]) {
		view.PutUint64(t, 0, res.Start)
		view.PutUint64(t, 1, res.End)
		view.PutUint64(t, 2, res.Key)
		view.PutFloat64(t, 3, res.Value)
	}
}

// globalFloat64ResultWriter writes (start, end, float64 value).
func globalFloat64ResultWriter() ResultWriter[uint64, float64] {
	return func(view record.View, t int, res WindowResult[uint64, float64]) {
		view.PutUint64(t, 0, res.Start)
		view.PutUint64(t, 1, res.End)
		view.PutFloat64(t, 2, res.Value)
	}
}
