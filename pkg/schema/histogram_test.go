// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package schema_test

import (
	"math"
	"testing"

	"github.com/antimetal/allocprof/pkg/schema"
	"github.com/stretchr/testify/assert"
)

func TestHistogram_IncrementZeroIsNoop(t *testing.T) {
	var h schema.Histogram
	h.Increment(0)
	assert.Equal(t, schema.Histogram{}, h)
}

func TestHistogram_IncrementBucketsByLog2(t *testing.T) {
	var h schema.Histogram
	h.Increment(1023)
	assert.Equal(t, uint64(1), h.Data[9])
	assert.Equal(t, uint64(1023), h.Total)
	assert.Equal(t, uint64(1), h.Count())
}

func TestHistogram_MixedSizes(t *testing.T) {
	var h schema.Histogram
	h.Increment(1)
	h.Increment(512)
	h.Increment(1026)
	assert.Equal(t, uint64(1), h.Data[0])
	assert.Equal(t, uint64(1), h.Data[9])
	assert.Equal(t, uint64(1), h.Data[10])
	assert.Equal(t, uint64(1539), h.Total)
	assert.Equal(t, uint64(3), h.Count())
}

func TestHistogram_LargeAllocations(t *testing.T) {
	var h schema.Histogram
	h.Increment(1 << 20)
	h.Increment(1 << 30)
	assert.Equal(t, uint64(1), h.Data[20])
	assert.Equal(t, uint64(1), h.Data[30])
	assert.Equal(t, uint64(1073742824), h.Total)
}

func TestHistogram_BoundaryBuckets(t *testing.T) {
	var h schema.Histogram
	h.Increment(1)
	assert.Equal(t, uint64(1), h.Data[0])

	h = schema.Histogram{}
	h.Increment(1<<schema.MaxTrackedAllocationSize - 1)
	assert.Equal(t, uint64(1), h.Data[schema.MaxTrackedAllocationSize-1])
}

func TestHistogram_LastBucketHoldsValueBelowMaxTrackedSize(t *testing.T) {
	var h schema.Histogram
	top := uint64(1) << (schema.MaxTrackedAllocationSize - 1)
	h.Increment(top)
	assert.Equal(t, uint64(1), h.Data[schema.MaxTrackedAllocationSize-1])
	assert.Equal(t, top, h.Total)
}

func TestHistogram_OversizeAllocationAddsToTotalOnly(t *testing.T) {
	var h schema.Histogram
	big := uint64(1) << schema.MaxTrackedAllocationSize
	h.Increment(big)
	for _, c := range h.Data {
		assert.Zero(t, c)
	}
	assert.Equal(t, big, h.Total)
}

func TestHistogram_SaturatingTotal(t *testing.T) {
	var h schema.Histogram
	h.Total = math.MaxUint64 - 5
	h.Increment(10)
	assert.Equal(t, uint64(math.MaxUint64), h.Total)
}

func TestHistogram_SaturatingBucket(t *testing.T) {
	var h schema.Histogram
	h.Data[0] = math.MaxUint64
	h.Increment(1)
	assert.Equal(t, uint64(math.MaxUint64), h.Data[0])
}

func TestHistogram_MergeIsIdentityOnSingleShard(t *testing.T) {
	var a, b schema.Histogram
	a.Increment(1023)

	merged := a
	merged.Merge(b) // merging in the zero histogram changes nothing
	assert.Equal(t, a, merged)
}

func TestHistogram_MergeCommutativeAndAssociative(t *testing.T) {
	var a, b, c schema.Histogram
	a.Increment(1)
	a.Increment(512)
	b.Increment(1026)
	c.Increment(1 << 20)

	ab := a
	ab.Merge(b)
	ba := b
	ba.Merge(a)
	assert.Equal(t, ab, ba, "merge must be commutative")

	abc1 := ab
	abc1.Merge(c)

	bc := b
	bc.Merge(c)
	abc2 := a
	abc2.Merge(bc)

	assert.Equal(t, abc1, abc2, "merge must be associative")
}

func TestBucket(t *testing.T) {
	tests := []struct {
		v       uint64
		wantIdx int
		wantOK  bool
	}{
		{0, 0, false},
		{1, 0, true},
		{2, 1, true},
		{1023, 9, true},
		{1 << 32, 32, true},
		{1 << 33, 33, true},  // last valid bucket
		{1 << 34, 0, false}, // exceeds NumBuckets, total-only
	}
	for _, tt := range tests {
		idx, ok := schema.Bucket(tt.v)
		assert.Equal(t, tt.wantOK, ok, "v=%d", tt.v)
		if ok {
			assert.Equal(t, tt.wantIdx, idx, "v=%d", tt.v)
		}
	}
}
