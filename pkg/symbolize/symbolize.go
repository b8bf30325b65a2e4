// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package symbolize resolves raw instruction addresses captured by the
// probe into symbol names. It is an external collaborator from the core
// system's point of view: the collector depends only on the Symbolizer
// interface, so a production deployment can swap in a DWARF or
// blazesym-class resolver without touching pkg/collector.
package symbolize

import (
	"fmt"
	"os"

	"github.com/google/pprof/profile"

	"github.com/antimetal/allocprof/pkg/schema"
)

// Symbolizer maps a process id plus a sequence of instruction addresses to
// resolved frames, one per address, in the same order.
type Symbolizer interface {
	Resolve(pid uint32, addrs []uint64) ([]schema.Frame, error)
}

// ELF is the default Symbolizer. It parses /proc/<pid>/maps on every
// Resolve call and resolves each address against the ELF symbol table of whichever
// mapped file covers it, caching parsed symbol tables by file path since
// the same binary (and its shared libraries) is typically hit by many
// stacks.
type ELF struct {
	symtabs map[string]*symtab
}

func NewELF() *ELF {
	return &ELF{symtabs: make(map[string]*symtab)}
}

// Resolve implements Symbolizer. An address that no file-backed mapping
// covers resolves to "[unknown]"; one whose file cannot be parsed, or that
// falls outside every symbol's range, resolves to a "<module>+0x<offset>"
// placeholder. Neither fails the whole call — a heap profiler degrades
// gracefully to approximate frames instead of losing a stack entirely.
// Only a failure to read /proc/<pid>/maps returns an error.
func (e *ELF) Resolve(pid uint32, addrs []uint64) ([]schema.Frame, error) {
	mappings, err := procMaps(pid)
	if err != nil {
		return nil, fmt.Errorf("reading /proc/%d/maps: %w", pid, err)
	}

	frames := make([]schema.Frame, len(addrs))
	for i, addr := range addrs {
		frames[i] = e.resolveOne(mappings, addr)
	}
	return frames, nil
}

func (e *ELF) resolveOne(mappings []*profile.Mapping, addr uint64) schema.Frame {
	m := mappingForAddr(mappings, addr)
	if m == nil || m.File == "" {
		return schema.Frame{Address: addr, Symbol: "[unknown]"}
	}

	st, err := e.symtabFor(m.File)
	if err != nil {
		return schema.Frame{Address: addr, Symbol: fmt.Sprintf("%s+0x%x", m.File, addr-m.Start+m.Offset)}
	}

	fileOffset := addr - m.Start + m.Offset
	vaddr, ok := st.vaddrForOffset(fileOffset)
	if !ok {
		return schema.Frame{Address: addr, Symbol: fmt.Sprintf("%s+0x%x", m.File, fileOffset)}
	}

	sym, ok := st.lookup(vaddr)
	if !ok {
		return schema.Frame{Address: addr, Symbol: fmt.Sprintf("%s+0x%x", m.File, fileOffset)}
	}
	return schema.Frame{Address: addr, Symbol: sym}
}

func (e *ELF) symtabFor(path string) (*symtab, error) {
	if st, ok := e.symtabs[path]; ok {
		return st, nil
	}
	st, err := newSymtab(path)
	if err != nil {
		return nil, err
	}
	e.symtabs[path] = st
	return st, nil
}

// procMaps parses /proc/<pid>/maps using the same profile.ParseProcMaps
// helper pprof itself relies on when converting a live process into a
// profile.Mapping list.
func procMaps(pid uint32) ([]*profile.Mapping, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return profile.ParseProcMaps(f)
}

func mappingForAddr(mappings []*profile.Mapping, addr uint64) *profile.Mapping {
	for _, m := range mappings {
		if addr >= m.Start && addr < m.Limit {
			return m
		}
	}
	return nil
}
