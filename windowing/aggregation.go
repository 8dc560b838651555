package windowing

import "cmp"

type (
	// AggregationFunc is the partial aggregate algebra of a windowed
	// aggregation: lift a value into the aggregate domain, combine
	// partials associatively, and lower the final aggregate into the
	// result domain.
	AggregationFunc[V, A, R any] interface {
		Identity() A
		Lift(v V) A
		Combine(a, b A) A
		Lower(a A) R
	}

	// Numeric covers the value types of the arithmetic aggregations.
	Numeric interface {
		~int64 | ~uint64 | ~float64
	}

	// SumAggregation sums values.
	SumAggregation[V Numeric] struct{}

	// CountAggregation counts records.
	CountAggregation[V any] struct{}

	// MinAggregation tracks the minimum value.
	MinAggregation[V cmp.Ordered] struct{}

	// MaxAggregation tracks the maximum value.
	MaxAggregation[V cmp.Ordered] struct{}

	// AvgState is the partial aggregate of AvgAggregation.
	AvgState[V Numeric] struct {
		Sum   V
		Count uint64
	}

	// AvgAggregation averages values via a sum and count pair.
	AvgAggregation[V Numeric] struct{}

	// minMaxState distinguishes "no record yet" from a genuine extremum.
	minMaxState[V cmp.Ordered] struct {
		value V
		valid bool
	}
)

func (SumAggregation[V]) Identity() V        { var zero V; return zero }
func (SumAggregation[V]) Lift(v V) V         { return v }
func (SumAggregation[V]) Combine(a, b V) V   { return a + b }
func (SumAggregation[V]) Lower(a V) V        { return a }

func (CountAggregation[V]) Identity() uint64           { return 0 }
func (CountAggregation[V]) Lift(V) uint64              { return 1 }
func (CountAggregation[V]) Combine(a, b uint64) uint64 { return a + b }
func (CountAggregation[V]) Lower(a uint64) uint64      { return a }

func (MinAggregation[V]) Identity() minMaxState[V] { return minMaxState[V]{} }

func (MinAggregation[V]) Lift(v V) minMaxState[V] {
	return minMaxState[V]{value: v, valid: true}
}

func (MinAggregation[V]) Combine(a, b minMaxState[V]) minMaxState[V] {
	switch {
	case !a.valid:
		return b
	case !b.valid:
		return a
	case b.value < a.value:
		return b
	default:
		return a
	}
}

func (MinAggregation[V]) Lower(a minMaxState[V]) V { return a.value }

func (MaxAggregation[V]) Identity() minMaxState[V] { return minMaxState[V]{} }

func (MaxAggregation[V]) Lift(v V) minMaxState[V] {
	return minMaxState[V]{value: v, valid: true}
}

func (MaxAggregation[V]) Combine(a, b minMaxState[V]) minMaxState[V] {
	switch {
	case !a.valid:
		return b
	case !b.valid:
		return a
	case b.value > a.value:
		return b
	default:
		return a
	}
}

func (MaxAggregation[V]) Lower(a minMaxState[V]) V { return a.value }

func (AvgAggregation[V]) Identity() AvgState[V] { return AvgState[V]{} }

func (AvgAggregation[V]) Lift(v V) AvgState[V] {
	return AvgState[V]{Sum: v, Count: 1}
}

func (AvgAggregation[V]) Combine(a, b AvgState[V]) AvgState[V] {
	return AvgState[V]{Sum: a.Sum + b.Sum, Count: a.Count + b.Count}
}

func (AvgAggregation[V]) Lower(a AvgState[V]) float64 {
	if a.Count == 0 {
		return 0
	}
	return float64(a.Sum) / float64(a.Count)
}
