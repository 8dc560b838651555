package windowing

import (
	"sync"

	"github.com/joeycumines/go-streamengine/query"
)

type (
	// WindowType describes a slicing window measure: slices are the unit
	// of pre-aggregation, windows are composed of consecutive slices.
	WindowType interface {
		// Size returns the window length in event-time milliseconds.
		Size() uint64

		// Slide returns the window advance; Slide == Size for tumbling
		// windows.
		Slide() uint64

		// SliceWidth returns the width of one slice.
		SliceWidth() uint64
	}

	// TumblingWindow models windows of Size advancing by Size.
	TumblingWindow struct{ size uint64 }

	// SlidingWindow models windows of Size advancing by Slide; a record
	// belongs to every one of the ceil(Size/Slide) windows covering its
	// timestamp.
	SlidingWindow struct{ size, slide uint64 }

	// WatermarkTracker computes an operator's effective watermark: the
	// minimum over the latest watermark of every expected upstream origin.
	// Until all origins reported, the effective watermark is zero.
	WatermarkTracker struct {
		mu      sync.Mutex
		origins map[query.OriginID]uint64
		pending int
	}
)

// NewTumblingWindow initializes a tumbling window of the given size in
// milliseconds.
func NewTumblingWindow(sizeMs uint64) TumblingWindow {
	if sizeMs == 0 {
		panic(`windowing: zero window size`)
	}
	return TumblingWindow{size: sizeMs}
}

func (x TumblingWindow) Size() uint64 { return x.size }

func (x TumblingWindow) Slide() uint64 { return x.size }

func (x TumblingWindow) SliceWidth() uint64 { return x.size }

// NewSlidingWindow initializes a sliding window of the given size and
// slide in milliseconds. The size must be a multiple of the slide so
// windows compose exactly from slices.
func NewSlidingWindow(sizeMs, slideMs uint64) SlidingWindow {
	if sizeMs == 0 || slideMs == 0 {
		panic(`windowing: zero window size or slide`)
	}
	if slideMs > sizeMs || sizeMs%slideMs != 0 {
		panic(`windowing: window size must be a positive multiple of the slide`)
	}
	return SlidingWindow{size: sizeMs, slide: slideMs}
}

func (x SlidingWindow) Size() uint64 { return x.size }

func (x SlidingWindow) Slide() uint64 { return x.slide }

func (x SlidingWindow) SliceWidth() uint64 { return x.slide }

// sliceStartFor aligns ts down to its slice boundary.
func sliceStartFor(w WindowType, ts uint64) uint64 {
	return ts - ts%w.SliceWidth()
}

// NewWatermarkTracker initializes a tracker expecting the given origins.
func NewWatermarkTracker(origins []query.OriginID) *WatermarkTracker {
	x := &WatermarkTracker{origins: make(map[query.OriginID]uint64, len(origins))}
	for _, o := range origins {
		if _, ok := x.origins[o]; !ok {
			x.origins[o] = 0
			x.pending++
		}
	}
	return x
}

// Update folds one per-origin watermark and returns the new effective
// watermark. Watermarks are monotonic per origin; stale values are
// ignored.
func (x *WatermarkTracker) Update(origin query.OriginID, watermark uint64) uint64 {
	x.mu.Lock()
	defer x.mu.Unlock()
	prev, ok := x.origins[origin]
	if !ok {
		// unexpected origins extend the tracked set
		x.origins[origin] = watermark
		return x.minLocked()
	}
	if prev == 0 && watermark > 0 {
		x.pending--
	}
	if watermark > prev {
		x.origins[origin] = watermark
	}
	return x.minLocked()
}

// Min returns the current effective watermark.
func (x *WatermarkTracker) Min() uint64 {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.minLocked()
}

func (x *WatermarkTracker) minLocked() uint64 {
	if x.pending > 0 || len(x.origins) == 0 {
		return 0
	}
	var min uint64
	first := true
	for _, wm := range x.origins {
		if first || wm < min {
			min = wm
			first = false
		}
	}
	return min
}
