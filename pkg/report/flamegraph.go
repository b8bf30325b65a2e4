// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package report

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/antimetal/allocprof/pkg/collector"
	"github.com/antimetal/allocprof/pkg/schema"
)

// sortedShardKeys returns processor.Shards' keys in a deterministic order
// so repeated runs over the same data produce byte-identical output.
func sortedShardKeys(processor *collector.EventProcessor) []schema.HistogramKey {
	keys := make([]schema.HistogramKey, 0, len(processor.Shards))
	for k := range processor.Shards {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		pi, si, ci := keys[i].Parts()
		pj, sj, cj := keys[j].Parts()
		if pi != pj {
			return pi < pj
		}
		if si != sj {
			return si < sj
		}
		return ci < cj
	})
	return keys
}

// WriteFoldedStacks emits one line per unmerged (pid, stack_id, cpu) shard
// in "sym0;sym1;...;symN <weight>" form, the folded-stack format consumed
// by an external flame-graph renderer with reverse_stack_order=true.
// Unlike WriteText/WriteCSV this does not merge per-CPU shards first:
// each shard contributes its own line. Entries whose stack is unresolved
// are skipped, since a flame graph has no use for a frameless sample.
func WriteFoldedStacks(w io.Writer, processor *collector.EventProcessor, orderBy OrderBy) error {
	for _, key := range sortedShardKeys(processor) {
		hist := processor.Shards[key]
		if hist.Total == 0 {
			continue
		}

		resolved, ok := processor.Resolved[key.StackID()]
		if !ok || !resolved.Resolved() {
			continue
		}

		weight := hist.Count()
		if orderBy == OrderByTraffic {
			weight = hist.Total
		}

		syms := make([]string, len(resolved.Frames))
		for i, f := range resolved.Frames {
			syms[i] = f.Symbol
		}

		if _, err := fmt.Fprintf(w, "%s %d\n", strings.Join(syms, ";"), weight); err != nil {
			return err
		}
	}
	return nil
}
