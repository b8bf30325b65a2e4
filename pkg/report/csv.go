// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package report

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"

	"github.com/antimetal/allocprof/pkg/collector"
)

// WriteCSV writes one row per ordered entry with the columns named in
// §4.E: pid, stack_id, total, count, histogram, stacktrace. histogram is
// the same textual table WriteText renders, embedded as a single field;
// stacktrace is "addr_hex - symbol" frames joined by newline.
func WriteCSV(w io.Writer, processor *collector.EventProcessor, orderBy OrderBy) error {
	merged := Merge(processor)
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"pid", "stack_id", "total", "count", "histogram", "stacktrace"}); err != nil {
		return err
	}

	for _, e := range orderedEntries(merged, orderBy) {
		var histBuf bytes.Buffer
		if err := writeHistogramTable(&histBuf, e.hist); err != nil {
			return err
		}

		row := []string{
			fmt.Sprintf("%d", e.key.PID),
			fmt.Sprintf("%d", e.key.StackID),
			fmt.Sprintf("%d", e.hist.Total),
			fmt.Sprintf("%d", e.hist.Count()),
			histBuf.String(),
			stacktraceColumn(processor, e.key.StackID),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}

func stacktraceColumn(processor *collector.EventProcessor, stackID uint32) string {
	resolved, ok := processor.Resolved[stackID]
	if !ok || !resolved.Resolved() {
		return ""
	}
	var buf bytes.Buffer
	for i, frame := range resolved.Frames {
		if i > 0 {
			buf.WriteByte('\n')
		}
		fmt.Fprintf(&buf, "0x%x - %s", frame.Address, frame.Symbol)
	}
	return buf.String()
}
