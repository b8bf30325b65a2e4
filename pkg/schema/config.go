// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package schema

// Configuration array indices. These are part of the interface between
// the kernel and user-space halves of this system and must stay stable
// across any rolling redeploy that mixes versions of the probe and the
// collector — mirrors jeprof-common's MIN_ALLOC_INDEX/MAX_ALLOC_INDEX/...
// constants in original_source.
const (
	ConfigMinAlloc        = 0 // exclusive lower bound on tracked allocation size
	ConfigMaxAlloc        = 1 // exclusive upper bound on tracked allocation size
	ConfigSampleCount     = 2 // kernel-owned running counter, one slot shared by every CPU
	ConfigSampleEvery     = 3 // sample every Nth eligible call; 0 or 1 means every call
	ConfigFunctionArgIdx  = 4 // reserved for forward compatibility; not read by the probe
	ConfigArraySize       = 5
)

// DefaultMaxAlloc is the identity upper bound: together with
// DefaultMinAlloc (0) it accepts every non-zero allocation size.
const DefaultMaxAlloc = ^uint64(0)

// DefaultMinAlloc is the identity lower bound.
const DefaultMinAlloc = uint64(0)
