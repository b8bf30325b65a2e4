// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package probe

import (
	"fmt"

	"github.com/cilium/ebpf"

	"github.com/antimetal/allocprof/pkg/schema"
)

// HistogramMap is a typed handle over the kernel-written, user-read hash
// map keyed by schema.HistogramKey. cpu is folded into the key, so this is
// a plain BPF_MAP_TYPE_HASH rather than a true per-CPU map type; iterating
// it already yields one entry per (pid, stack_id, cpu) shard.
type HistogramMap struct {
	m *ebpf.Map
}

func NewHistogramMap(m *ebpf.Map) *HistogramMap {
	return &HistogramMap{m: m}
}

// Entry pairs a key with the shard snapshot read for it.
type Entry struct {
	Key       schema.HistogramKey
	Histogram schema.Histogram
}

// All returns a snapshot of every live shard. The kernel may mutate
// entries concurrently with this call; callers tolerate a weakly
// consistent view per the collector's overwrite-on-read merge strategy.
func (h *HistogramMap) All() ([]Entry, error) {
	var (
		entries []Entry
		key     schema.HistogramKey
		val     schema.Histogram
	)
	it := h.m.Iterate()
	for it.Next(&key, &val) {
		entries = append(entries, Entry{Key: key, Histogram: val})
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("iterating histogram map: %w", err)
	}
	return entries, nil
}

// Delete removes a shard during reclamation. The kernel may have already
// evicted the key under map pressure; callers treat a miss as benign.
func (h *HistogramMap) Delete(key schema.HistogramKey) error {
	return h.m.Delete(key)
}
