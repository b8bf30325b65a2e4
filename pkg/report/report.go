// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package report renders a collected EventProcessor as a textual
// histogram table, optional CSV, and an optional folded-stack file for an
// external flame-graph renderer.
package report

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/antimetal/allocprof/pkg/collector"
	"github.com/antimetal/allocprof/pkg/schema"
)

// OrderBy selects the sort key for the rendered entries.
type OrderBy string

const (
	OrderByCount   OrderBy = "Count"
	OrderByTraffic OrderBy = "Traffic"
)

const barWidth = 50

// mergedEntry is one (pid, stack_id) after folding its per-CPU shards
// together.
type mergedEntry struct {
	key  schema.ReducedKey
	hist schema.Histogram
}

// Merge collapses processor.Shards' per-CPU keys into one histogram per
// (pid, stack_id), via the schema's saturating Merge. Applying this to a
// population observed on a single CPU is the identity.
func Merge(processor *collector.EventProcessor) map[schema.ReducedKey]schema.Histogram {
	merged := make(map[schema.ReducedKey]schema.Histogram)
	for key, hist := range processor.Shards {
		reduced := key.Reduced()
		existing := merged[reduced]
		existing.Merge(hist)
		merged[reduced] = existing
	}
	return merged
}

func orderedEntries(merged map[schema.ReducedKey]schema.Histogram, orderBy OrderBy) []mergedEntry {
	entries := make([]mergedEntry, 0, len(merged))
	for key, hist := range merged {
		if hist.Total == 0 {
			continue
		}
		entries = append(entries, mergedEntry{key: key, hist: hist})
	}

	sortKey := func(e mergedEntry) uint64 {
		if orderBy == OrderByTraffic {
			return e.hist.Total
		}
		return e.hist.Count()
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return sortKey(entries[i]) < sortKey(entries[j])
	})
	return entries
}

// WriteText renders the ascending-ordered entry table a pager presents
// with the largest entry nearest the prompt.
func WriteText(w io.Writer, processor *collector.EventProcessor, orderBy OrderBy) error {
	merged := Merge(processor)
	for _, e := range orderedEntries(merged, orderBy) {
		if _, err := fmt.Fprintln(w, strings.Repeat("=", 80)); err != nil {
			return err
		}
		if err := writeFrames(w, processor, e.key.StackID); err != nil {
			return err
		}
		if _, err := fmt.Fprintln(w, strings.Repeat("-", 80)); err != nil {
			return err
		}
		if err := writeHistogramTable(w, e.hist); err != nil {
			return err
		}
	}
	return nil
}

func writeFrames(w io.Writer, processor *collector.EventProcessor, stackID uint32) error {
	resolved, ok := processor.Resolved[stackID]
	if !ok || !resolved.Resolved() {
		_, err := fmt.Fprintln(w, "No resolved stacktrace")
		return err
	}
	for _, frame := range resolved.Frames {
		if _, err := fmt.Fprintf(w, "0x%x - %s\n", frame.Address, frame.Symbol); err != nil {
			return err
		}
	}
	return nil
}

func writeHistogramTable(w io.Writer, hist schema.Histogram) error {
	type bucketRow struct {
		bucket int
		count  uint64
	}
	var rows []bucketRow
	var maxCount uint64
	for i, c := range hist.Data {
		if c == 0 {
			continue
		}
		rows = append(rows, bucketRow{bucket: i, count: c})
		if c > maxCount {
			maxCount = c
		}
	}
	if maxCount == 0 {
		maxCount = 1
	}

	if _, err := fmt.Fprintln(w, "Size      | Count     | Percentage | Distribution"); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "----------+-----------+------------+%s\n", strings.Repeat("-", barWidth)); err != nil {
		return err
	}

	totalCount := hist.Count()
	for _, row := range rows {
		size := uint64(1) << row.bucket
		percentage := float64(row.count) / float64(totalCount) * 100
		barLen := int(float64(row.count) / float64(maxCount) * float64(barWidth))
		if _, err := fmt.Fprintf(w, "%-9s | %9d | %9.2f%% | %s\n",
			humanize.IBytes(size), row.count, percentage, strings.Repeat("#", barLen)); err != nil {
			return err
		}
	}

	_, err := fmt.Fprintf(w, "Total allocations: %s in %d allocations\n", humanize.IBytes(hist.Total), totalCount)
	return err
}
