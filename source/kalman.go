package source

import (
	"math"
	"time"
)

// kalmanFilter is a scalar filter tracking the source's signal so the
// adaptive gathering routines can derive a sampling interval from the
// estimation error: a noisy, fast-moving signal pulls the interval down, a
// stable one lets it relax toward the configured range.
type kalmanFilter struct {
	// process noise, measurement noise, estimate covariance, gain
	q, r, p, k float64
	// current estimate
	xEst float64
	// innovation magnitudes of recent updates
	errors *floatRing

	initialized bool

	gatheringInterval time.Duration
	intervalRange     time.Duration
	slowestInterval   time.Duration
}

func newKalmanFilter() *kalmanFilter {
	return &kalmanFilter{
		q:      1e-4,
		r:      1e-2,
		p:      1,
		errors: newFloatRing(8),
	}
}

func (x *kalmanFilter) setGatheringInterval(d time.Duration) { x.gatheringInterval = d }

// setGatheringIntervalRange bounds how far the derived interval may relax.
func (x *kalmanFilter) setGatheringIntervalRange(d time.Duration) { x.intervalRange = d }

// setSlowestInterval caps the interval at the Nyquist-derived bound.
func (x *kalmanFilter) setSlowestInterval(d time.Duration) { x.slowestInterval = d }

// update folds one measurement into the estimate.
func (x *kalmanFilter) update(measurement float64) {
	if !x.initialized {
		x.initialized = true
		x.xEst = measurement
		return
	}
	x.p += x.q
	x.k = x.p / (x.p + x.r)
	innovation := measurement - x.xEst
	x.xEst += x.k * innovation
	x.p *= 1 - x.k
	x.errors.Emplace(math.Abs(innovation))
}

// newGatheringInterval derives the next sampling interval. The interval
// scales with estimation confidence: the normalized innovation error maps
// [stable..volatile] onto [intervalRange..gatheringInterval], and the
// slowest-interval cap (Nyquist bound) is applied last.
func (x *kalmanFilter) newGatheringInterval() time.Duration {
	base := x.gatheringInterval
	if base <= 0 {
		base = time.Millisecond
	}
	upper := x.intervalRange
	if upper < base {
		upper = base
	}
	magnitude := math.Abs(x.xEst)
	if magnitude < 1 {
		magnitude = 1
	}
	// error relative to signal magnitude, clamped to [0, 1]
	errNorm := x.errors.Mean() / magnitude
	if errNorm > 1 {
		errNorm = 1
	}
	interval := base + time.Duration((1-errNorm)*float64(upper-base))
	if x.slowestInterval > 0 && interval > x.slowestInterval {
		interval = x.slowestInterval
	}
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	return interval
}

// computeNyquistAndEnergy estimates the dominant frequency of the sampled
// signal via its mean-crossing rate and derives the Nyquist sampling
// interval: the upper bound the gathering interval must stay below to
// still reconstruct the signal. The bound applies whenever the signal has
// enough energy (mean crossings) to estimate a frequency at all.
func computeNyquistAndEnergy(values []float64, intervalSeconds float64) (bool, float64) {
	if len(values) < 4 || intervalSeconds <= 0 {
		return false, 0
	}
	var mean float64
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	var crossings int
	for i := 1; i < len(values); i++ {
		if (values[i-1] < mean) != (values[i] < mean) {
			crossings++
		}
	}
	if crossings == 0 {
		return false, 0
	}
	duration := float64(len(values)-1) * intervalSeconds
	frequency := float64(crossings) / (2 * duration)
	if frequency <= 0 {
		return false, 0
	}
	return true, 1 / (2 * frequency)
}
