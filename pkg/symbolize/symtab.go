// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package symbolize

import (
	"debug/elf"
	"fmt"
	"sort"
)

// symtab is a parsed, sorted-by-address symbol table for one ELF file,
// together with the program headers needed to translate a file offset (as
// seen through /proc/<pid>/maps) back into the virtual address the symbol
// table's Value field is expressed in.
type symtab struct {
	loads   []elf.ProgHeader
	symbols []elfSymbol
}

type elfSymbol struct {
	value uint64
	size  uint64
	name  string
}

func newSymtab(path string) (*symtab, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening ELF %s: %w", path, err)
	}
	defer f.Close()

	st := &symtab{}
	for _, prog := range f.Progs {
		if prog.Type == elf.PT_LOAD {
			st.loads = append(st.loads, prog.ProgHeader)
		}
	}

	for _, src := range []func() ([]elf.Symbol, error){f.Symbols, f.DynamicSymbols} {
		syms, err := src()
		if err != nil {
			continue // a missing .symtab or .dynsym section is not fatal
		}
		for _, s := range syms {
			if s.Name == "" || elf.ST_TYPE(s.Info) != elf.STT_FUNC {
				continue
			}
			st.symbols = append(st.symbols, elfSymbol{value: s.Value, size: s.Size, name: s.Name})
		}
	}

	sort.Slice(st.symbols, func(i, j int) bool { return st.symbols[i].value < st.symbols[j].value })

	return st, nil
}

// vaddrForOffset translates a file offset into the virtual address it
// would be loaded at, by finding the PT_LOAD segment whose file range
// contains it.
func (s *symtab) vaddrForOffset(offset uint64) (uint64, bool) {
	for _, p := range s.loads {
		if offset >= p.Off && offset < p.Off+p.Filesz {
			return p.Vaddr + (offset - p.Off), true
		}
	}
	return 0, false
}

// lookup finds the function symbol whose [value, value+size) range
// contains vaddr, via binary search over the address-sorted table. A
// zero-size symbol matches only its exact value.
func (s *symtab) lookup(vaddr uint64) (string, bool) {
	i := sort.Search(len(s.symbols), func(i int) bool { return s.symbols[i].value > vaddr })
	if i == 0 {
		return "", false
	}
	sym := s.symbols[i-1]
	if sym.size == 0 {
		if vaddr != sym.value {
			return "", false
		}
		return sym.name, true
	}
	if vaddr >= sym.value+sym.size {
		return "", false
	}
	return sym.name, true
}
