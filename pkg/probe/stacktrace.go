// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package probe

import (
	"fmt"

	"github.com/cilium/ebpf"

	alloperrors "github.com/antimetal/allocprof/pkg/errors"
)

// maxStackDepth must match MAX_STACK_DEPTH in ebpf/src/allocprobe.h.
const maxStackDepth = 127

// StackTraceMap is a read-only (from user space) view over the kernel's
// BPF_MAP_TYPE_STACK_TRACE table. Keys are created by the probe; the
// collector only ever looks up or deletes.
type StackTraceMap struct {
	m *ebpf.Map
}

func NewStackTraceMap(m *ebpf.Map) *StackTraceMap {
	return &StackTraceMap{m: m}
}

// Lookup returns the raw instruction pointers captured for stackID, with
// trailing zero frames (the kernel always returns a fixed-size array)
// trimmed off. A lookup miss is returned as a RetryableError: stack ids
// are evicted under pressure independent of the collector's reclamation
// pass, so a future sweep observing the same stack_id again is expected
// to succeed.
func (s *StackTraceMap) Lookup(stackID uint32) ([]uint64, error) {
	var raw [maxStackDepth]uint64
	if err := s.m.Lookup(stackID, &raw); err != nil {
		return nil, alloperrors.NewRetryable(fmt.Sprintf("looking up stack_id %d: %v", stackID, err))
	}
	frames := make([]uint64, 0, maxStackDepth)
	for _, addr := range raw {
		if addr == 0 {
			break
		}
		frames = append(frames, addr)
	}
	return frames, nil
}

// Delete removes a stack id during reclamation. Errors are expected when
// the kernel has already evicted the entry and are not propagated as
// failures by callers.
func (s *StackTraceMap) Delete(stackID uint32) error {
	return s.m.Delete(stackID)
}
