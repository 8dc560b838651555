package source

import (
	"math"
	"testing"
	"time"
)

func TestKalmanFilter_convergesOnConstantSignal(t *testing.T) {
	f := newKalmanFilter()
	for i := 0; i < 100; i++ {
		f.update(42)
	}
	if math.Abs(f.xEst-42) > 1e-6 {
		t.Fatalf(`estimate did not converge: %v`, f.xEst)
	}
}

func TestKalmanFilter_intervalRelaxesWhenStable(t *testing.T) {
	f := newKalmanFilter()
	f.setGatheringInterval(10 * time.Millisecond)
	f.setGatheringIntervalRange(time.Second)
	for i := 0; i < 100; i++ {
		f.update(100)
	}
	stable := f.newGatheringInterval()
	if stable <= 10*time.Millisecond {
		t.Fatalf(`stable signal should relax the interval, got %v`, stable)
	}

	noisy := newKalmanFilter()
	noisy.setGatheringInterval(10 * time.Millisecond)
	noisy.setGatheringIntervalRange(time.Second)
	for i := 0; i < 100; i++ {
		if i%2 == 0 {
			noisy.update(1000)
		} else {
			noisy.update(-1000)
		}
	}
	if got := noisy.newGatheringInterval(); got >= stable {
		t.Fatalf(`volatile signal should sample faster: noisy=%v stable=%v`, got, stable)
	}
}

func TestKalmanFilter_slowestIntervalCaps(t *testing.T) {
	f := newKalmanFilter()
	f.setGatheringInterval(10 * time.Millisecond)
	f.setGatheringIntervalRange(time.Second)
	f.setSlowestInterval(50 * time.Millisecond)
	for i := 0; i < 100; i++ {
		f.update(5)
	}
	if got := f.newGatheringInterval(); got > 50*time.Millisecond {
		t.Fatalf(`interval must respect the Nyquist cap, got %v`, got)
	}
}

func TestComputeNyquistAndEnergy(t *testing.T) {
	// 1 Hz sine sampled at 10 Hz: Nyquist interval is 0.5s, well above the
	// 0.1s sampling interval, so no tighter bound applies
	var fast []float64
	for i := 0; i < 64; i++ {
		fast = append(fast, math.Sin(2*math.Pi*float64(i)/10))
	}
	ok, bound := computeNyquistAndEnergy(fast, 0.1)
	if !ok || bound <= 0.1 {
		t.Fatalf(`expected a slower admissible interval, got ok=%v bound=%v`, ok, bound)
	}

	// constant signal has no crossings
	if ok, _ := computeNyquistAndEnergy([]float64{5, 5, 5, 5, 5}, 0.1); ok {
		t.Fatal(`constant signal must not produce a bound`)
	}

	// too few samples
	if ok, _ := computeNyquistAndEnergy([]float64{1, 2}, 0.1); ok {
		t.Fatal(`short sample runs must not produce a bound`)
	}
}

func TestFloatRing_overwritesOldest(t *testing.T) {
	r := newFloatRing(4)
	for i := 1; i <= 6; i++ {
		r.Emplace(float64(i))
	}
	if r.Len() != 4 {
		t.Fatalf(`expected 4 samples, got %d`, r.Len())
	}
	want := []float64{3, 4, 5, 6}
	for i, w := range want {
		if got := r.At(i); got != w {
			t.Fatalf(`sample %d: got %v want %v`, i, got, w)
		}
	}
	if got := r.Mean(); got != 4.5 {
		t.Fatalf(`mean: got %v`, got)
	}
}
