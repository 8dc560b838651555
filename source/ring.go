package source

// floatRing is a bounded ring of recent samples: once full, new samples
// overwrite the oldest. It feeds the adaptive gathering filter.
type floatRing struct {
	s    []float64
	r, w uint
}

func newFloatRing(size int) *floatRing {
	if size <= 0 || size&(size-1) != 0 {
		panic(`source: ring size must be a power of 2`)
	}
	return &floatRing{s: make([]float64, size)}
}

func (x *floatRing) mask(val uint) uint {
	return val & (uint(len(x.s)) - 1)
}

func (x *floatRing) Len() int {
	return int(x.w - x.r)
}

// Emplace appends v, evicting the oldest sample when full.
func (x *floatRing) Emplace(v float64) {
	if x.Len() == len(x.s) {
		x.r++
	}
	x.s[x.mask(x.w)] = v
	x.w++
}

// At returns the i-th oldest sample.
func (x *floatRing) At(i int) float64 {
	if i < 0 || i >= x.Len() {
		panic(`source: ring index out of range`)
	}
	return x.s[x.mask(x.r+uint(i))]
}

// Slice copies the samples oldest-first.
func (x *floatRing) Slice() []float64 {
	out := make([]float64, x.Len())
	for i := range out {
		out[i] = x.At(i)
	}
	return out
}

// Mean returns the average of the stored samples, or 0 when empty.
func (x *floatRing) Mean() float64 {
	n := x.Len()
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += x.At(i)
	}
	return sum / float64(n)
}
