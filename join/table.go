// Package join implements the two-phase, windowed, partition-parallel
// streaming hash join: per-window per-thread chained hash tables of
// fixed-size pages built during the window, probed partition-by-partition
// once both sides' watermarks pass the window end.
package join

type (
	// page is a fixed-size append-only region of raw tuple bytes, laid out
	// contiguously at schema size with no per-tuple overhead.
	page struct {
		data []byte
		used int
	}

	// bucketChain is one hash bucket: a linked list of pages.
	bucketChain struct {
		pages  []*page
		tuples int
	}

	// LocalHashTable is the build structure of one (window, side, worker
	// thread, partition): numBuckets chains of pages. It is written by
	// exactly one worker during build and immutable during probe.
	LocalHashTable struct {
		tupleSize  int
		pageSize   int
		bucketMask uint64
		buckets    []bucketChain
	}
)

// newLocalHashTable sizes a table for tuples of tupleSize bytes. The
// bucket count is rounded up to a power of two.
func newLocalHashTable(tupleSize, pageSize int, numBuckets uint64) *LocalHashTable {
	if tupleSize <= 0 {
		panic(`join: tuple size must be positive`)
	}
	if pageSize < tupleSize {
		pageSize = tupleSize
	}
	n := uint64(1)
	for n < numBuckets {
		n <<= 1
	}
	return &LocalHashTable{
		tupleSize:  tupleSize,
		pageSize:   pageSize,
		bucketMask: n - 1,
		buckets:    make([]bucketChain, n),
	}
}

// NumBuckets returns the bucket count.
func (x *LocalHashTable) NumBuckets() uint64 { return x.bucketMask + 1 }

// NumTuples returns the total tuples stored.
func (x *LocalHashTable) NumTuples() int {
	var n int
	for i := range x.buckets {
		n += x.buckets[i].tuples
	}
	return n
}

// bucketOf maps a pre-hashed key to its bucket index.
func (x *LocalHashTable) bucketOf(hash uint64) uint64 {
	// mix the high bits in so bucket and partition selection decorrelate
	return (hash ^ hash>>32) & x.bucketMask
}

// Insert copies tuple into the tail page of its bucket's chain, opening a
// new page when the tail is full.
func (x *LocalHashTable) Insert(hash uint64, tuple []byte) {
	if len(tuple) != x.tupleSize {
		panic(`join: tuple size mismatch`)
	}
	b := &x.buckets[x.bucketOf(hash)]
	var tail *page
	if n := len(b.pages); n > 0 {
		tail = b.pages[n-1]
	}
	if tail == nil || x.pageSize-tail.used < x.tupleSize {
		tail = &page{data: make([]byte, x.pageSize)}
		b.pages = append(b.pages, tail)
	}
	copy(tail.data[tail.used:], tuple)
	tail.used += x.tupleSize
	b.tuples++
}

// scanBucket invokes fn for every tuple of bucket index b.
func (x *LocalHashTable) scanBucket(b uint64, fn func(tuple []byte) error) error {
	for _, p := range x.buckets[b&x.bucketMask].pages {
		for off := 0; off+x.tupleSize <= p.used; off += x.tupleSize {
			if err := fn(p.data[off : off+x.tupleSize]); err != nil {
				return err
			}
		}
	}
	return nil
}
