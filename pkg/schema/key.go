// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package schema

import "unsafe"

// HistogramKey is the 16-byte key into the histogram map: pid and
// stack_id packed into the first 8-byte word, cpu in the second. Folding
// cpu into the key (rather than relying on a PerCPU map type) means a
// single eBPF hash map is sufficient: under normal operation only the
// owning CPU ever writes a given key, so there is no cross-CPU race to
// guard against beyond the preemption window the spec already tolerates.
type HistogramKey struct {
	pidStack uint64 // pid in the high 32 bits, stack_id in the low 32 bits
	cpu      uint64 // cpu in the low 32 bits, high bits always zero
}

func init() {
	if unsafe.Sizeof(HistogramKey{}) != 16 {
		panic("schema: HistogramKey has unexpected size; check for padding")
	}
}

// NewHistogramKey builds a key from its three logical fields.
func NewHistogramKey(pid, stackID, cpu uint32) HistogramKey {
	return HistogramKey{
		pidStack: uint64(pid)<<32 | uint64(stackID),
		cpu:      uint64(cpu),
	}
}

// Parts decomposes the key back into (pid, stack_id, cpu).
func (k HistogramKey) Parts() (pid, stackID, cpu uint32) {
	return uint32(k.pidStack >> 32), uint32(k.pidStack), uint32(k.cpu)
}

func (k HistogramKey) PID() uint32     { return uint32(k.pidStack >> 32) }
func (k HistogramKey) StackID() uint32 { return uint32(k.pidStack) }
func (k HistogramKey) CPU() uint32     { return uint32(k.cpu) }

// Reduced drops the cpu component, collapsing per-CPU shards of the same
// (pid, stack_id) observation onto one collector-side key.
func (k HistogramKey) Reduced() ReducedKey {
	return ReducedKey{PID: k.PID(), StackID: k.StackID()}
}

// ReducedKey identifies a call stack within a process, independent of
// which CPU observed it. Used by the reporter to merge per-CPU shards.
type ReducedKey struct {
	PID     uint32
	StackID uint32
}
