// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package probe

//go:generate go run github.com/cilium/ebpf/cmd/bpf2go -cc clang -cflags "-I../../ebpf/include -Wall -Werror -g -O2 -D__TARGET_ARCH_x86 -fdebug-types-section -fno-stack-protector" -target bpfel allocprobe ../../ebpf/src/allocprobe.bpf.c -- -I../../ebpf/include

import (
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/rlimit"
	"github.com/go-logr/logr"

	"github.com/antimetal/allocprof/pkg/ebpf/core"
)

// Function identifies one of the allocator entry points this probe
// understands. The mapping to an argument index is fixed at compile time
// (Design Note 9(a)): the verifier cannot prove a runtime-selected
// register index stays in bounds, so each index gets its own prebuilt
// probe program and this type just picks which one to attach.
type Function string

const (
	FunctionMalloc  Function = "malloc"
	FunctionCalloc  Function = "calloc"
	FunctionRealloc Function = "realloc"
	FunctionMallocx Function = "mallocx"
	FunctionRallocx Function = "rallocx"
	FunctionXallocx Function = "xallocx"
)

// ArgIndex returns the argument register the kernel probe reads the
// allocation size from for this function, matching spec's
// "malloc -> arg 0; all others -> arg 1" mapping.
func (f Function) ArgIndex() uint64 {
	if f == FunctionMalloc {
		return 0
	}
	return 1
}

// programName returns the ELF program name (the C function name in
// ebpf/src/allocprobe.bpf.c) for this function's argument-index variant.
func (f Function) programName() string {
	if f == FunctionMalloc {
		return "on_enter_arg0"
	}
	return "on_enter_arg1"
}

func (f Function) valid() bool {
	switch f {
	case FunctionMalloc, FunctionCalloc, FunctionRealloc, FunctionMallocx, FunctionRallocx, FunctionXallocx:
		return true
	default:
		return false
	}
}

// AttachOptions configures where and what to attach to.
type AttachOptions struct {
	// ProgramPath is the absolute path to the executable or shared
	// object carrying the probed symbol.
	ProgramPath string
	// Function selects which allocator entry point to probe.
	Function Function
	// PID restricts the probe to a single process; zero attaches to
	// every process that loads ProgramPath.
	PID uint32
}

// Handle owns the attached probe's maps and the uprobe link. Close
// releases every kernel resource it holds.
type Handle struct {
	logger logr.Logger
	coll   *ebpf.Collection
	link   link.Link

	Config     *ConfigMap
	StackTrace *StackTraceMap
	Histogram  *HistogramMap
}

// Attach removes the memlock rlimit, loads the compiled probe with CO-RE
// support, and attaches the variant selected by opts.Function as a uprobe
// on opts.ProgramPath. On any failure it releases whatever it already
// acquired before returning.
func Attach(logger logr.Logger, objectPath string, opts AttachOptions) (*Handle, error) {
	if !opts.Function.valid() {
		return nil, fmt.Errorf("unknown function %q", opts.Function)
	}

	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("removing memlock: %w", err)
	}

	manager, err := core.NewManager(logger)
	if err != nil {
		return nil, fmt.Errorf("creating CO-RE manager: %w", err)
	}

	coll, err := manager.LoadCollection(objectPath)
	if err != nil {
		return nil, fmt.Errorf("loading probe collection: %w", err)
	}

	h := &Handle{logger: logger, coll: coll}

	prog, ok := coll.Programs[opts.Function.programName()]
	if !ok {
		h.Close()
		return nil, fmt.Errorf("program %q not found in collection", opts.Function.programName())
	}

	ex, err := link.OpenExecutable(opts.ProgramPath)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("opening %s: %w", opts.ProgramPath, err)
	}

	uprobeOpts := &link.UprobeOptions{}
	if opts.PID != 0 {
		uprobeOpts.PID = int(opts.PID)
	}

	l, err := ex.Uprobe(string(opts.Function), prog, uprobeOpts)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("attaching uprobe on %s: %w", opts.Function, err)
	}
	h.link = l

	configMap, ok := coll.Maps["config"]
	if !ok {
		h.Close()
		return nil, fmt.Errorf("config map not found in collection")
	}
	stackMap, ok := coll.Maps["stacktraces"]
	if !ok {
		h.Close()
		return nil, fmt.Errorf("stacktraces map not found in collection")
	}
	histMap, ok := coll.Maps["histograms"]
	if !ok {
		h.Close()
		return nil, fmt.Errorf("histograms map not found in collection")
	}

	h.Config = NewConfigMap(configMap)
	h.StackTrace = NewStackTraceMap(stackMap)
	h.Histogram = NewHistogramMap(histMap)

	return h, nil
}

// Close detaches the uprobe and releases the loaded collection. Safe to
// call on a partially constructed Handle.
func (h *Handle) Close() error {
	if h.link != nil {
		h.link.Close()
		h.link = nil
	}
	if h.coll != nil {
		h.coll.Close()
		h.coll = nil
	}
	return nil
}
