package windowing

import (
	"testing"

	"github.com/joeycumines/go-streamengine/query"
)

func TestWindowSliceStore_appendAndLookup(t *testing.T) {
	s := NewWindowSliceStore[uint64](0)
	s.Lock()
	defer s.Unlock()
	s.AppendSlice(NewSliceMetaData(1000, 2000))
	s.AppendSlice(NewSliceMetaData(2000, 3000))
	s.AppendSlice(NewSliceMetaData(3000, 4000))

	if len(s.SliceMetadata()) != len(s.PartialAggregates()) {
		t.Fatal(`slice and partial sequences diverged`)
	}
	for _, tc := range [...]struct {
		ts   uint64
		want int
	}{
		{1000, 0}, {1999, 0}, {2000, 1}, {2500, 1}, {3999, 2},
	} {
		got, err := s.GetSliceIndexByTs(tc.ts)
		if err != nil {
			t.Fatalf(`ts %d: %v`, tc.ts, err)
		}
		if got != tc.want {
			t.Fatalf(`ts %d: got slice %d, want %d`, tc.ts, got, tc.want)
		}
	}
	if _, err := s.GetSliceIndexByTs(999); err == nil {
		t.Fatal(`lookup below the first slice must fail`)
	}
	if _, err := s.GetSliceIndexByTs(4000); err == nil {
		t.Fatal(`lookup past the last slice must fail`)
	}
}

func TestWindowSliceStore_slicesSortedAndContiguous(t *testing.T) {
	s := NewWindowSliceStore[uint64](0)
	s.Lock()
	defer s.Unlock()
	s.AppendSlice(NewSliceMetaData(2000, 3000))
	s.AppendSlice(NewSliceMetaData(3000, 4000))
	s.PrependSlice(NewSliceMetaData(1000, 2000))

	slices := s.SliceMetadata()
	for i := 1; i < len(slices); i++ {
		if slices[i-1].StartTs() >= slices[i].StartTs() {
			t.Fatal(`slices not strictly increasing`)
		}
		if slices[i-1].EndTs() != slices[i].StartTs() {
			t.Fatal(`slices not contiguous`)
		}
	}
	if len(s.PartialAggregates()) != 3 {
		t.Fatal(`prepend did not grow partial aggregates`)
	}
}

func TestWindowSliceStore_removeSlicesUntil(t *testing.T) {
	for _, tc := range [...]struct {
		name      string
		watermark uint64
		remaining int
	}{
		{`below first end`, 1999, 3},
		{`exactly first end`, 2000, 2},
		{`mid`, 2500, 2},
		{`all but last`, 3999, 1},
		{`all`, 4000, 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s := NewWindowSliceStore[uint64](0)
			s.Lock()
			defer s.Unlock()
			s.AppendSlice(NewSliceMetaData(1000, 2000))
			s.AppendSlice(NewSliceMetaData(2000, 3000))
			s.AppendSlice(NewSliceMetaData(3000, 4000))
			s.RemoveSlicesUntil(tc.watermark)
			if got := len(s.SliceMetadata()); got != tc.remaining {
				t.Fatalf(`got %d slices, want %d`, got, tc.remaining)
			}
			if got, want := len(s.PartialAggregates()), tc.remaining; got != want {
				t.Fatalf(`partials out of lockstep: %d vs %d`, got, want)
			}
			for _, slice := range s.SliceMetadata() {
				if slice.EndTs() <= tc.watermark {
					t.Fatalf(`retained slice [%d,%d) at or below watermark %d`, slice.StartTs(), slice.EndTs(), tc.watermark)
				}
			}
		})
	}
}

func TestWindowSliceStore_incrementRecordCnt(t *testing.T) {
	s := NewWindowSliceStore[uint64](0)
	s.Lock()
	defer s.Unlock()
	s.AppendSlice(NewSliceMetaData(0, 1000))
	s.IncrementRecordCnt(0)
	s.IncrementRecordCnt(0)
	if got := s.SliceMetadata()[0].RecordsPerSlice(); got != 2 {
		t.Fatalf(`got %d records`, got)
	}
}

func TestWatermarkTracker_minOverOrigins(t *testing.T) {
	tr := NewWatermarkTracker([]query.OriginID{1, 2})
	if got := tr.Update(1, 5000); got != 0 {
		t.Fatalf(`effective watermark before all origins reported: %d`, got)
	}
	if got := tr.Update(2, 3000); got != 3000 {
		t.Fatalf(`got %d, want 3000`, got)
	}
	// stale update is ignored
	if got := tr.Update(1, 1000); got != 3000 {
		t.Fatalf(`stale update changed the minimum: %d`, got)
	}
	if got := tr.Update(2, 7000); got != 5000 {
		t.Fatalf(`got %d, want 5000`, got)
	}
}

func TestAggregations(t *testing.T) {
	sum := SumAggregation[uint64]{}
	if got := sum.Combine(sum.Lift(3), sum.Lift(4)); got != 7 {
		t.Fatalf(`sum: %d`, got)
	}
	cnt := CountAggregation[uint64]{}
	if got := cnt.Combine(cnt.Lift(99), cnt.Lift(1)); got != 2 {
		t.Fatalf(`count: %d`, got)
	}
	min := MinAggregation[uint64]{}
	if got := min.Lower(min.Combine(min.Combine(min.Identity(), min.Lift(9)), min.Lift(3))); got != 3 {
		t.Fatalf(`min: %d`, got)
	}
	max := MaxAggregation[uint64]{}
	if got := max.Lower(max.Combine(max.Lift(9), max.Lift(3))); got != 9 {
		t.Fatalf(`max: %d`, got)
	}
	avg := AvgAggregation[uint64]{}
	state := avg.Combine(avg.Lift(4), avg.Lift(8))
	if got := avg.Lower(state); got != 6 {
		t.Fatalf(`avg: %v`, got)
	}
}

func TestWindowTypes(t *testing.T) {
	tumbling := NewTumblingWindow(1000)
	if tumbling.Slide() != 1000 || tumbling.SliceWidth() != 1000 {
		t.Fatal(`tumbling window geometry`)
	}
	sliding := NewSlidingWindow(10000, 5000)
	if sliding.SliceWidth() != 5000 {
		t.Fatal(`sliding slice width`)
	}
	defer func() {
		if recover() == nil {
			t.Fatal(`expected panic for non-multiple size/slide`)
		}
	}()
	NewSlidingWindow(10000, 3000)
}
