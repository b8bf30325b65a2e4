// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package schema

// Frame is one resolved stack frame: the raw instruction pointer and the
// symbol name the symbolizer mapped it to (or a synthetic
// "<module>+0x<offset>" / "[unknown]" placeholder when resolution fails).
type Frame struct {
	Address uint64
	Symbol  string
}

// ResolvedStackTrace is the user-space-only, cached result of symbolizing
// a stack_id for a given pid. It is never shared with the kernel.
type ResolvedStackTrace struct {
	Frames []Frame
}

// Resolved reports whether symbolization actually produced frames, as
// opposed to this being a cached negative result.
func (r ResolvedStackTrace) Resolved() bool {
	return len(r.Frames) > 0
}
