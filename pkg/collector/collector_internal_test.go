// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package collector

import (
	"context"
	"errors"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	alloperrors "github.com/antimetal/allocprof/pkg/errors"
	"github.com/antimetal/allocprof/pkg/probe"
	"github.com/antimetal/allocprof/pkg/schema"
)

type fakeHistograms struct {
	entries []probe.Entry
	deleted []schema.HistogramKey
}

func (f *fakeHistograms) All() ([]probe.Entry, error) { return f.entries, nil }
func (f *fakeHistograms) Delete(key schema.HistogramKey) error {
	f.deleted = append(f.deleted, key)
	return nil
}

type fakeStacks struct {
	frames  map[uint32][]uint64
	deleted []uint32
}

func (f *fakeStacks) Lookup(stackID uint32) ([]uint64, error) {
	frames, ok := f.frames[stackID]
	if !ok {
		return nil, alloperrors.NewRetryable("stack_id not found")
	}
	return frames, nil
}

func (f *fakeStacks) Delete(stackID uint32) error {
	f.deleted = append(f.deleted, stackID)
	return nil
}

type fakeSymbolizer struct {
	fail  bool
	calls int
}

func (f *fakeSymbolizer) Resolve(pid uint32, addrs []uint64) ([]schema.Frame, error) {
	f.calls++
	if f.fail {
		return nil, errors.New("symbolization failed")
	}
	frames := make([]schema.Frame, len(addrs))
	for i, a := range addrs {
		frames[i] = schema.Frame{Address: a, Symbol: "sym"}
	}
	return frames, nil
}

func histOf(size uint64) schema.Histogram {
	var h schema.Histogram
	h.Increment(size)
	return h
}

func TestCollector_SingleSmallAllocation(t *testing.T) {
	key := schema.NewHistogramKey(1, 100, 0)
	hist := histOf(1023)

	histograms := &fakeHistograms{entries: []probe.Entry{{Key: key, Histogram: hist}}}
	stacks := &fakeStacks{frames: map[uint32][]uint64{100: {0xdead, 0xbeef}}}

	c := NewWithSources(logr.Discard(), histograms, stacks, &fakeSymbolizer{}, RetentionFilter{SkipSize: 1, SkipCount: 1})
	processor := newEventProcessor()
	live := make(map[schema.HistogramKey]bool)
	failing := make(map[schema.HistogramKey]bool)
	c.sweep(context.Background(), processor, live, failing)

	require.Len(t, processor.Shards, 1)
	got := processor.Shards[key]
	assert.Equal(t, uint64(1), got.Data[9])
	assert.Equal(t, uint64(1023), got.Total)

	resolved, ok := processor.Resolved[100]
	require.True(t, ok)
	assert.True(t, resolved.Resolved())
	assert.Len(t, resolved.Frames, 2)
}

func TestCollector_RetentionFilterDropsLowSignalShards(t *testing.T) {
	keepKey := schema.NewHistogramKey(1, 1, 0)
	dropKey := schema.NewHistogramKey(1, 2, 0)

	var keepHist schema.Histogram
	for i := 0; i < 50; i++ {
		keepHist.Increment(1)
	}
	var dropHist schema.Histogram
	for i := 0; i < 3; i++ {
		dropHist.Increment(1)
	}

	histograms := &fakeHistograms{entries: []probe.Entry{
		{Key: keepKey, Histogram: keepHist},
		{Key: dropKey, Histogram: dropHist},
	}}
	stacks := &fakeStacks{frames: map[uint32][]uint64{1: {0x1}, 2: {0x2}}}

	c := NewWithSources(logr.Discard(), histograms, stacks, &fakeSymbolizer{}, RetentionFilter{SkipSize: 1, SkipCount: 5})
	processor := newEventProcessor()
	live := make(map[schema.HistogramKey]bool)
	failing := make(map[schema.HistogramKey]bool)
	c.sweep(context.Background(), processor, live, failing)

	require.Len(t, processor.Shards, 1)
	_, kept := processor.Shards[keepKey]
	assert.True(t, kept)
	_, dropped := processor.Shards[dropKey]
	assert.False(t, dropped)
}

func TestCollector_RetryableStackLookupMissLeavesStackUnresolved(t *testing.T) {
	key := schema.NewHistogramKey(1, 100, 0)
	histograms := &fakeHistograms{entries: []probe.Entry{{Key: key, Histogram: histOf(1)}}}
	stacks := &fakeStacks{frames: map[uint32][]uint64{}} // stack_id 100 evicted before this sweep

	c := NewWithSources(logr.Discard(), histograms, stacks, &fakeSymbolizer{}, RetentionFilter{SkipSize: 1, SkipCount: 1})
	processor := newEventProcessor()
	live := make(map[schema.HistogramKey]bool)
	failing := make(map[schema.HistogramKey]bool)
	c.sweep(context.Background(), processor, live, failing)

	_, ok := processor.Resolved[100]
	assert.False(t, ok, "a retryable miss must not be cached so a later sweep can retry")
}

func TestCollector_ResolvesStackOnlyOnce(t *testing.T) {
	key := schema.NewHistogramKey(1, 100, 0)
	histograms := &fakeHistograms{entries: []probe.Entry{{Key: key, Histogram: histOf(1)}}}
	stacks := &fakeStacks{frames: map[uint32][]uint64{100: {0xaaaa}}}
	sym := &fakeSymbolizer{}

	c := NewWithSources(logr.Discard(), histograms, stacks, sym, RetentionFilter{SkipSize: 1, SkipCount: 1})
	processor := newEventProcessor()
	live := make(map[schema.HistogramKey]bool)
	failing := make(map[schema.HistogramKey]bool)

	c.sweep(context.Background(), processor, live, failing)
	c.sweep(context.Background(), processor, live, failing)

	assert.Len(t, stacks.deleted, 0)
	require.Len(t, processor.Resolved, 1)
	assert.Equal(t, 1, sym.calls, "the symbolizer must run once for a stack seen on two sweeps")
}

func TestCollector_NegativeSymbolizationCached(t *testing.T) {
	key := schema.NewHistogramKey(1, 100, 0)
	histograms := &fakeHistograms{entries: []probe.Entry{{Key: key, Histogram: histOf(1)}}}
	stacks := &fakeStacks{frames: map[uint32][]uint64{100: {0xaaaa}}}
	sym := &fakeSymbolizer{fail: true}

	c := NewWithSources(logr.Discard(), histograms, stacks, sym, RetentionFilter{SkipSize: 1, SkipCount: 1})
	processor := newEventProcessor()
	live := make(map[schema.HistogramKey]bool)
	failing := make(map[schema.HistogramKey]bool)
	c.sweep(context.Background(), processor, live, failing)

	resolved, ok := processor.Resolved[100]
	require.True(t, ok, "a negative result must still be cached")
	assert.False(t, resolved.Resolved())
}

func TestCollector_ReclaimRemovesDeadKeys(t *testing.T) {
	liveKey := schema.NewHistogramKey(1, 1, 0)
	deadKey := schema.NewHistogramKey(1, 2, 0)

	histograms := &fakeHistograms{}
	stacks := &fakeStacks{}
	c := NewWithSources(logr.Discard(), histograms, stacks, &fakeSymbolizer{}, RetentionFilter{SkipSize: 1, SkipCount: 1})

	processor := newEventProcessor()
	processor.Shards[liveKey] = histOf(1)
	processor.Shards[deadKey] = histOf(1)

	live := map[schema.HistogramKey]bool{liveKey: true}
	failing := make(map[schema.HistogramKey]bool)
	c.reclaim(processor, live, failing)

	_, stillThere := processor.Shards[liveKey]
	assert.True(t, stillThere)
	_, gone := processor.Shards[deadKey]
	assert.False(t, gone)

	assert.Contains(t, histograms.deleted, deadKey)
	assert.Contains(t, stacks.deleted, deadKey.StackID())
}

func TestCollector_ReclaimRemovesLowSignalKeysThatNeverEnteredShards(t *testing.T) {
	lowSignalKey := schema.NewHistogramKey(1, 3, 0)

	var lowSignalHist schema.Histogram
	for i := 0; i < 3; i++ {
		lowSignalHist.Increment(1)
	}

	histograms := &fakeHistograms{entries: []probe.Entry{{Key: lowSignalKey, Histogram: lowSignalHist}}}
	stacks := &fakeStacks{frames: map[uint32][]uint64{3: {0x3}}}
	c := NewWithSources(logr.Discard(), histograms, stacks, &fakeSymbolizer{}, RetentionFilter{SkipSize: 1, SkipCount: 5})

	processor := newEventProcessor()
	live := make(map[schema.HistogramKey]bool)
	failing := make(map[schema.HistogramKey]bool)
	c.sweep(context.Background(), processor, live, failing)

	require.Empty(t, processor.Shards, "a low-signal shard must never enter the processor")
	require.Contains(t, failing, lowSignalKey)

	c.reclaim(processor, live, failing)

	assert.Contains(t, histograms.deleted, lowSignalKey, "a key that never passed retention must still be reclaimed from the kernel map")
	assert.Contains(t, stacks.deleted, lowSignalKey.StackID())
}
