// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package collector periodically drains the kernel's per-(pid, stack_id,
// cpu) histogram map into an in-process snapshot, suppressing low-signal
// shards and resolving each distinct stack exactly once.
package collector

import (
	"context"
	"time"

	"github.com/go-logr/logr"

	alloperrors "github.com/antimetal/allocprof/pkg/errors"
	"github.com/antimetal/allocprof/pkg/probe"
	"github.com/antimetal/allocprof/pkg/schema"
	"github.com/antimetal/allocprof/pkg/symbolize"
)

const (
	sweepInterval   = time.Second
	reclaimInterval = 60 * time.Second
)

// HistogramSource is the subset of *probe.HistogramMap the collector
// needs. Narrowed to an interface so tests can exercise sweep/retention/
// reclamation logic without a real eBPF map.
type HistogramSource interface {
	All() ([]probe.Entry, error)
	Delete(key schema.HistogramKey) error
}

// StackTraceSource is the subset of *probe.StackTraceMap the collector
// needs.
type StackTraceSource interface {
	Lookup(stackID uint32) ([]uint64, error)
	Delete(stackID uint32) error
}

// RetentionFilter decides whether a shard is significant enough to enter
// the processor. Inlined as a plain function rather than an interface per
// Design Note 9: "cheap enough to inline rather than abstract behind a
// trait/interface."
type RetentionFilter struct {
	SkipSize  uint64
	SkipCount uint64
}

func (r RetentionFilter) Keep(h schema.Histogram) bool {
	return h.Total >= r.SkipSize && h.Count() >= r.SkipCount
}

// EventProcessor is the accumulated state a collector Run builds up across
// poll cycles: the latest snapshot of every live (pid, stack_id, cpu)
// shard, and the resolved frames for each distinct stack_id seen so far.
type EventProcessor struct {
	Shards     map[schema.HistogramKey]schema.Histogram
	Resolved   map[uint32]schema.ResolvedStackTrace
	PIDByStack map[uint32]uint32
}

func newEventProcessor() *EventProcessor {
	return &EventProcessor{
		Shards:     make(map[schema.HistogramKey]schema.Histogram),
		Resolved:   make(map[uint32]schema.ResolvedStackTrace),
		PIDByStack: make(map[uint32]uint32),
	}
}

// Collector owns the maps and symbolizer a Run sweeps over.
type Collector struct {
	logger     logr.Logger
	histograms HistogramSource
	stacks     StackTraceSource
	symbolizer symbolize.Symbolizer
	retention  RetentionFilter
}

// New builds a Collector from a probe.Handle's map handles.
func New(logger logr.Logger, handle *probe.Handle, symbolizer symbolize.Symbolizer, retention RetentionFilter) *Collector {
	return NewWithSources(logger, handle.Histogram, handle.StackTrace, symbolizer, retention)
}

// NewWithSources builds a Collector directly from its map interfaces,
// bypassing probe.Handle. Used by tests and by anything composing a
// Collector without a live kernel attachment.
func NewWithSources(logger logr.Logger, histograms HistogramSource, stacks StackTraceSource, symbolizer symbolize.Symbolizer, retention RetentionFilter) *Collector {
	return &Collector{
		logger:     logger,
		histograms: histograms,
		stacks:     stacks,
		symbolizer: symbolizer,
		retention:  retention,
	}
}

// Run drains the histogram map at a fixed cadence until ctx is cancelled,
// returning the accumulated EventProcessor. Shutdown latency is bounded by
// the processing time of one shard, since cancellation is checked both
// between keys and between the per-key and per-reclaim steps.
func (c *Collector) Run(ctx context.Context) (*EventProcessor, error) {
	processor := newEventProcessor()
	liveThisRun := make(map[schema.HistogramKey]bool)
	failingThisRun := make(map[schema.HistogramKey]bool)

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	lastReclaim := time.Now()

	for {
		select {
		case <-ctx.Done():
			return processor, nil
		case <-ticker.C:
		}

		if ctx.Err() != nil {
			return processor, nil
		}

		c.sweep(ctx, processor, liveThisRun, failingThisRun)

		if time.Since(lastReclaim) >= reclaimInterval {
			c.reclaim(processor, liveThisRun, failingThisRun)
			liveThisRun = make(map[schema.HistogramKey]bool)
			failingThisRun = make(map[schema.HistogramKey]bool)
			lastReclaim = time.Now()
		}
	}
}

// sweep drains one snapshot of the histogram map. Keys passing retention
// are folded into the processor and marked live; keys failing retention
// are tracked separately so reclaim can evict them even though they never
// entered processor.Shards.
func (c *Collector) sweep(ctx context.Context, processor *EventProcessor, liveThisRun, failingThisRun map[schema.HistogramKey]bool) {
	entries, err := c.histograms.All()
	if err != nil {
		c.logger.V(1).Info("sweep: listing histogram map failed", "error", err)
		return
	}

	for _, e := range entries {
		if ctx.Err() != nil {
			return
		}
		if !c.retention.Keep(e.Histogram) {
			failingThisRun[e.Key] = true
			continue
		}
		c.process(processor, e.Key, e.Histogram)
		liveThisRun[e.Key] = true
		delete(failingThisRun, e.Key)
	}
}

// process overwrites the snapshot for key with the latest shard read from
// the kernel — snapshots are cumulative per CPU, so last-seen-wins is
// correct; cross-CPU merging happens later in pkg/report. It also
// resolves key's stack_id at most once per run.
func (c *Collector) process(p *EventProcessor, key schema.HistogramKey, hist schema.Histogram) {
	p.Shards[key] = hist

	stackID := key.StackID()
	if _, ok := p.Resolved[stackID]; ok {
		return
	}
	p.PIDByStack[stackID] = key.PID()

	frames, err := c.stacks.Lookup(stackID)
	if err != nil {
		// A retryable miss (the common case: the kernel evicted the
		// stack_id before this sweep ran) is left unresolved rather than
		// cached negative, so the next sweep's re-observation gets a
		// fresh chance to resolve it.
		if alloperrors.Retryable(err) {
			c.logger.V(1).Info("stack_id lookup miss, will retry next sweep", "stack_id", stackID, "error", err)
			return
		}
		c.logger.V(1).Info("stack_id lookup failed", "stack_id", stackID, "error", err)
		return
	}

	resolvedFrames, err := c.symbolizer.Resolve(key.PID(), frames)
	if err != nil {
		c.logger.V(1).Info("symbolization failed", "stack_id", stackID, "pid", key.PID(), "error", err)
		// Cache a negative result so a persistently failing symbolizer
		// isn't re-invoked every sweep for the same stack.
		p.Resolved[stackID] = schema.ResolvedStackTrace{}
		return
	}
	p.Resolved[stackID] = schema.ResolvedStackTrace{Frames: resolvedFrames}
}

// reclaim removes every key that failed retention on every CPU during the
// window just completed: both keys that previously entered p.Shards and
// dropped out of observation (liveThisRun no longer contains them — the
// kernel may have already evicted them under pressure), and keys that
// were observed every sweep this window but never passed retention at
// all, so never entered p.Shards in the first place. Deletions are
// best-effort; errors are ignored and a later re-observation simply
// re-creates the key.
func (c *Collector) reclaim(p *EventProcessor, liveThisRun, failingThisRun map[schema.HistogramKey]bool) {
	for key := range p.Shards {
		if liveThisRun[key] {
			continue
		}
		_ = c.histograms.Delete(key)
		_ = c.stacks.Delete(key.StackID())
		delete(p.Shards, key)
	}

	for key := range failingThisRun {
		_ = c.histograms.Delete(key)
		_ = c.stacks.Delete(key.StackID())
	}
}
