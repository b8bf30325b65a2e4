// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package probe provides typed handles over the shared eBPF maps and the
// uprobe attachment logic that wires the compiled probe into a target
// process.
package probe

import (
	"fmt"

	"github.com/cilium/ebpf"

	"github.com/antimetal/allocprof/pkg/schema"
)

// ConfigMap is a typed handle over the five-slot configuration array the
// probe reads on every call. No behavior beyond marshaling; the caller
// decides when to seed it and when to read SAMPLE_COUNT back.
type ConfigMap struct {
	m *ebpf.Map
}

func NewConfigMap(m *ebpf.Map) *ConfigMap {
	return &ConfigMap{m: m}
}

// Set writes a single config slot.
func (c *ConfigMap) Set(index uint32, value uint64) error {
	if err := c.m.Update(index, value, ebpf.UpdateAny); err != nil {
		return fmt.Errorf("writing config[%d]: %w", index, err)
	}
	return nil
}

// Get reads a single config slot.
func (c *ConfigMap) Get(index uint32) (uint64, error) {
	var v uint64
	if err := c.m.Lookup(index, &v); err != nil {
		return 0, fmt.Errorf("reading config[%d]: %w", index, err)
	}
	return v, nil
}

// Seed writes the full tunable set composed from CLI flags; cmd/allocprof
// calls it after Attach has returned.
// FUNCTION_ARG_INDEX is written for forward compatibility only; the
// compiled probe variant in use does not read it back.
func (c *ConfigMap) Seed(minAlloc, maxAlloc, sampleEvery uint64, functionArgIndex uint64) error {
	values := map[uint32]uint64{
		schema.ConfigMinAlloc:       minAlloc,
		schema.ConfigMaxAlloc:       maxAlloc,
		schema.ConfigSampleCount:    0,
		schema.ConfigSampleEvery:    sampleEvery,
		schema.ConfigFunctionArgIdx: functionArgIndex,
	}
	for idx, v := range values {
		if err := c.Set(idx, v); err != nil {
			return err
		}
	}
	return nil
}

// SampleCount reads back the kernel-owned running sample counter.
func (c *ConfigMap) SampleCount() (uint64, error) {
	return c.Get(schema.ConfigSampleCount)
}
