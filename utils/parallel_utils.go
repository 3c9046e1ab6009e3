package utils

import (
	"golang.org/x/sync/errgroup"
)

// PartitionMap splits the index range [0, MaxIndex) into ParallelDegree
// contiguous buckets differing in size by at most one.
type PartitionMap struct {
	MaxIndex       int // MaxIndex is partitioned into ParallelDegree partitions
	ParallelDegree int
	Partitions     [][2]int // Beginning and end index of partitions
}

func NewPartitionMap(ParallelDegree, maxIndex int) (pm *PartitionMap) {
	pm = &PartitionMap{
		MaxIndex:       maxIndex,
		ParallelDegree: ParallelDegree,
		Partitions:     make([][2]int, ParallelDegree),
	}
	for n := 0; n < ParallelDegree; n++ {
		pm.Partitions[n] = pm.Split1D(n)
	}
	return
}

func (pm *PartitionMap) GetBucketRange(bucketNum int) (kMin, kMax int) {
	kMin, kMax = pm.Partitions[bucketNum][0], pm.Partitions[bucketNum][1]
	return
}

// GetBucketDimension is the size of bucket bn.
func (pm *PartitionMap) GetBucketDimension(bn int) (kMax int) {
	var (
		k1, k2 = pm.GetBucketRange(bn)
	)
	kMax = k2 - k1
	return
}

func (pm *PartitionMap) Split1D(threadNum int) (bucket [2]int) {
	// Spread the remainder over the first buckets, one item each
	var (
		Npart            = pm.MaxIndex / (pm.ParallelDegree)
		startAdd, endAdd int
		remainder        int
	)
	remainder = pm.MaxIndex % pm.ParallelDegree
	if remainder != 0 {
		if threadNum+1 > remainder {
			startAdd = remainder
			endAdd = 0
		} else {
			startAdd = threadNum
			endAdd = 1
		}
	}
	bucket[0] = threadNum*Npart + startAdd
	bucket[1] = bucket[0] + Npart + endAdd
	return
}

// ParallelFor runs fn over the buckets of [0, n) on up to workers
// goroutines and returns the first error. Buckets never overlap, so fn may
// write to disjoint slots of shared slices without locking.
func ParallelFor(workers, n int, fn func(lo, hi int) error) error {
	if n <= 0 {
		return nil
	}
	if workers < 1 {
		workers = 1
	}
	if workers > n {
		workers = n
	}
	if workers == 1 {
		return fn(0, n)
	}
	var (
		pm = NewPartitionMap(workers, n)
		g  errgroup.Group
	)
	g.SetLimit(workers)
	for bn := 0; bn < pm.ParallelDegree; bn++ {
		lo, hi := pm.GetBucketRange(bn)
		g.Go(func() error { return fn(lo, hi) })
	}
	return g.Wait()
}
