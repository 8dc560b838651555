package query

import (
	"fmt"
	"sync/atomic"
)

// Statistics accumulates per-sub-plan processing counters. All fields are
// updated lock-free from worker threads; Clear resets them in place.
type Statistics struct {
	queryID   QueryID
	subPlanID SubPlanID

	processedTasks      atomic.Uint64
	processedBuffers    atomic.Uint64
	processedTuples     atomic.Uint64
	processedWatermarks atomic.Uint64
	latencySumMs        atomic.Uint64
	queueSizeSum        atomic.Uint64

	timestampFirstProcessedTask atomic.Uint64
	timestampLastProcessedTask  atomic.Uint64
}

// NewStatistics initializes a Statistics for the given sub-plan.
func NewStatistics(queryID QueryID, subPlanID SubPlanID) *Statistics {
	return &Statistics{queryID: queryID, subPlanID: subPlanID}
}

// QueryID returns the shared query id the statistics belong to.
func (x *Statistics) QueryID() QueryID { return x.queryID }

// SubPlanID returns the sub-plan id the statistics belong to.
func (x *Statistics) SubPlanID() SubPlanID { return x.subPlanID }

// ProcessedTasks returns the number of tasks executed.
func (x *Statistics) ProcessedTasks() uint64 { return x.processedTasks.Load() }

// ProcessedBuffers returns the number of tuple buffers executed.
func (x *Statistics) ProcessedBuffers() uint64 { return x.processedBuffers.Load() }

// ProcessedTuples returns the number of tuples executed.
func (x *Statistics) ProcessedTuples() uint64 { return x.processedTuples.Load() }

// ProcessedWatermarks returns the number of watermark-only buffers seen:
// buffers with no tuples and a non-zero watermark.
func (x *Statistics) ProcessedWatermarks() uint64 { return x.processedWatermarks.Load() }

// LatencySumMs returns the summed buffer creation-to-processing latency.
func (x *Statistics) LatencySumMs() uint64 { return x.latencySumMs.Load() }

// QueueSizeSum returns the summed queue occupancy sampled per task.
func (x *Statistics) QueueSizeSum() uint64 { return x.queueSizeSum.Load() }

// TimestampFirstProcessedTask returns the wall-clock ms of the first task.
func (x *Statistics) TimestampFirstProcessedTask() uint64 {
	return x.timestampFirstProcessedTask.Load()
}

// TimestampLastProcessedTask returns the wall-clock ms of the last task.
func (x *Statistics) TimestampLastProcessedTask() uint64 {
	return x.timestampLastProcessedTask.Load()
}

func (x *Statistics) recordTask(nowMs, creationMs, numTuples, queueSize uint64, watermarkOnly bool) {
	x.processedTasks.Add(1)
	x.processedBuffers.Add(1)
	x.processedTuples.Add(numTuples)
	if watermarkOnly {
		x.processedWatermarks.Add(1)
	}
	if creationMs != 0 && nowMs >= creationMs {
		x.latencySumMs.Add(nowMs - creationMs)
	}
	x.queueSizeSum.Add(queueSize)
	x.timestampFirstProcessedTask.CompareAndSwap(0, nowMs)
	x.timestampLastProcessedTask.Store(nowMs)
}

// Clear resets all counters.
func (x *Statistics) Clear() {
	x.processedTasks.Store(0)
	x.processedBuffers.Store(0)
	x.processedTuples.Store(0)
	x.processedWatermarks.Store(0)
	x.latencySumMs.Store(0)
	x.queueSizeSum.Store(0)
	x.timestampFirstProcessedTask.Store(0)
	x.timestampLastProcessedTask.Store(0)
}

// String renders a one-line summary, for logs and the coordinator surface.
func (x *Statistics) String() string {
	return fmt.Sprintf(
		`query=%d subPlan=%d tasks=%d buffers=%d tuples=%d watermarks=%d latencySumMs=%d`,
		x.queryID, x.subPlanID,
		x.ProcessedTasks(), x.ProcessedBuffers(), x.ProcessedTuples(),
		x.ProcessedWatermarks(), x.LatencySumMs(),
	)
}
