package engine

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// StatisticsCollector exports the engine's per-sub-plan query statistics
// as prometheus metrics. The engine does not serve HTTP itself; register
// the collector with a caller-owned registry.
type StatisticsCollector struct {
	engine *Engine

	processedTasks      *prometheus.Desc
	processedBuffers    *prometheus.Desc
	processedTuples     *prometheus.Desc
	processedWatermarks *prometheus.Desc
	latencySumMs        *prometheus.Desc
	queueSizeSum        *prometheus.Desc
}

var _ prometheus.Collector = (*StatisticsCollector)(nil)

// NewStatisticsCollector builds a collector over the engine's statistics.
func NewStatisticsCollector(engine *Engine) *StatisticsCollector {
	labels := []string{`query`, `sub_plan`}
	return &StatisticsCollector{
		engine: engine,
		processedTasks: prometheus.NewDesc(
			`streamengine_processed_tasks_total`,
			`Tasks executed per sub-plan.`, labels, nil),
		processedBuffers: prometheus.NewDesc(
			`streamengine_processed_buffers_total`,
			`Tuple buffers executed per sub-plan.`, labels, nil),
		processedTuples: prometheus.NewDesc(
			`streamengine_processed_tuples_total`,
			`Tuples executed per sub-plan.`, labels, nil),
		processedWatermarks: prometheus.NewDesc(
			`streamengine_processed_watermarks_total`,
			`Watermark-only buffers observed per sub-plan.`, labels, nil),
		latencySumMs: prometheus.NewDesc(
			`streamengine_task_latency_milliseconds_sum`,
			`Summed creation-to-processing latency per sub-plan.`, labels, nil),
		queueSizeSum: prometheus.NewDesc(
			`streamengine_queue_size_sum`,
			`Summed task queue occupancy sampled per task.`, labels, nil),
	}
}

func (x *StatisticsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- x.processedTasks
	ch <- x.processedBuffers
	ch <- x.processedTuples
	ch <- x.processedWatermarks
	ch <- x.latencySumMs
	ch <- x.queueSizeSum
}

func (x *StatisticsCollector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range x.engine.AllQueryStatistics(false) {
		labels := []string{
			strconv.FormatUint(uint64(s.QueryID()), 10),
			strconv.FormatUint(uint64(s.SubPlanID()), 10),
		}
		ch <- prometheus.MustNewConstMetric(x.processedTasks, prometheus.CounterValue, float64(s.ProcessedTasks()), labels...)
		ch <- prometheus.MustNewConstMetric(x.processedBuffers, prometheus.CounterValue, float64(s.ProcessedBuffers()), labels...)
		ch <- prometheus.MustNewConstMetric(x.processedTuples, prometheus.CounterValue, float64(s.ProcessedTuples()), labels...)
		ch <- prometheus.MustNewConstMetric(x.processedWatermarks, prometheus.CounterValue, float64(s.ProcessedWatermarks()), labels...)
		ch <- prometheus.MustNewConstMetric(x.latencySumMs, prometheus.CounterValue, float64(s.LatencySumMs()), labels...)
		ch <- prometheus.MustNewConstMetric(x.queueSizeSum, prometheus.CounterValue, float64(s.QueueSizeSum()), labels...)
	}
}
