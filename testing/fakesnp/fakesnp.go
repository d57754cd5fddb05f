// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package fakesnp provides a software model of an SEV-SNP guest platform: the RMP, the page
// validated state, guest memory and a hypervisor that runs each created AP as a goroutine.
package fakesnp

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/google/go-svsm/ghcb"
	"github.com/google/go-svsm/insn"
	"github.com/google/go-svsm/mm"
	"github.com/google/go-svsm/rmp"
	"github.com/google/go-svsm/vmsa"
	"golang.org/x/exp/slices"
)

// DirectMapBase is the virtual address of guest physical address 0.
const DirectMapBase = 0xffff800000000000

// OpKind names a modelled instruction.
type OpKind int

const (
	// OpPValidate is PVALIDATE.
	OpPValidate OpKind = iota
	// OpRMPAdjust is RMPADJUST.
	OpRMPAdjust
	// OpVMGExit is VMGEXIT.
	OpVMGExit
	// OpWriteMSR is WRMSR.
	OpWriteMSR
)

func (k OpKind) String() string {
	switch k {
	case OpPValidate:
		return "PVALIDATE"
	case OpRMPAdjust:
		return "RMPADJUST"
	case OpVMGExit:
		return "VMGEXIT"
	case OpWriteMSR:
		return "WRMSR"
	}
	return fmt.Sprintf("OpKind(%d)", int(k))
}

// Op is one instruction issued on the platform.
type Op struct {
	Kind   OpKind
	CPU    uint32
	VAddr  uint64
	Huge   bool
	Valid  bool
	Flags  rmp.Flags
	Result insn.Result
}

// APRecord describes an AP the hypervisor created.
type APRecord struct {
	APICID      uint32
	VMSA        mm.PhysAddr
	SevFeatures uint64
	Rip         uint64
}

type entry struct {
	validated bool
	rights    [4]rmp.Rights
}

// Platform is the shared state of all modelled processors.
type Platform struct {
	mu        sync.Mutex
	memory    *Memory
	rmp       map[mm.PhysAddr]*entry
	fractured map[mm.PhysAddr]bool
	trace     []Op
	created   []APRecord
	cpus      map[uint32]*CPU

	// Intercept, when set, is consulted before every instruction. Returning true replaces the
	// modelled outcome with the returned result and leaves the platform state untouched.
	Intercept func(Op) (insn.Result, bool)
	// Observe, when set, is called after every instruction without the platform lock held.
	Observe func(Op)
	// OnAPCreate, when set, runs in a new goroutine for every successful AP creation.
	OnAPCreate func(APRecord)
	// RejectAPCreate, when set, makes the hypervisor fail AP creation with the returned code
	// if it is non-zero.
	RejectAPCreate func(*ghcb.APCreateRequest) uint32
}

// New returns a platform with size bytes of guest memory mapped at DirectMapBase.
func New(size uint64) *Platform {
	return &Platform{
		memory:    newMemory(size),
		rmp:       make(map[mm.PhysAddr]*entry),
		fractured: make(map[mm.PhysAddr]bool),
		cpus:      make(map[uint32]*CPU),
	}
}

// Memory returns the platform's guest memory.
func (p *Platform) Memory() *Memory { return p.memory }

// CPU returns the executor of the processor with the given APIC ID. Every call with the same ID
// returns the same processor.
func (p *Platform) CPU(apicID uint32) *CPU {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.cpus[apicID]
	if !ok {
		c = &CPU{platform: p, apicID: apicID}
		p.cpus[apicID] = c
	}
	return c
}

// Fracture makes the 2MiB region containing va 4KiB-granular in the RMP, so that 2MiB operations
// on it fail with a size mismatch.
func (p *Platform) Fracture(va mm.VirtAddr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fractured[p.pa(va.AlignDown(mm.PageSize2M))] = true
}

// Trace returns a copy of every instruction issued so far.
func (p *Platform) Trace() []Op {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.trace)
}

// Count returns how many traced instructions satisfy pred.
func (p *Platform) Count(pred func(Op) bool) int {
	n := 0
	for _, op := range p.Trace() {
		if pred(op) {
			n++
		}
	}
	return n
}

// ResetTrace forgets the instructions issued so far.
func (p *Platform) ResetTrace() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.trace = nil
}

// Created returns the APs the hypervisor created, in creation order.
func (p *Platform) Created() []APRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.created)
}

// Validated reports the validated state of the 4KiB page at va.
func (p *Platform) Validated(va mm.VirtAddr) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.rmp[p.pa(va.AlignDown(mm.PageSize))]
	return ok && e.validated
}

// SetValidated forces the validated state of the 4KiB pages in [start, end).
func (p *Platform) SetValidated(start, end mm.VirtAddr, valid bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for va := start.AlignDown(mm.PageSize); va < end; va = va.Add(mm.PageSize) {
		p.entry(p.pa(va)).validated = valid
	}
}

// Rights returns the rights vmpl has on the 4KiB page at va. VMPL0 always has every right.
func (p *Platform) Rights(va mm.VirtAddr, vmpl rmp.VMPL) rmp.Rights {
	if vmpl == rmp.VMPL0 {
		return rmp.RWX
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.rmp[p.pa(va.AlignDown(mm.PageSize))]
	if !ok {
		return rmp.None
	}
	return e.rights[vmpl]
}

// IsVMSA returns true iff any VMPL holds the 4KiB page at va as a VMSA.
func (p *Platform) IsVMSA(va mm.VirtAddr) bool {
	for _, vmpl := range []rmp.VMPL{rmp.VMPL1, rmp.VMPL2, rmp.VMPL3} {
		if p.Rights(va, vmpl).Has(rmp.VMSAPage) {
			return true
		}
	}
	return false
}

// pa maps a virtual address to the physical address the RMP is indexed by. Addresses outside the
// direct map are treated as identity mapped.
func (p *Platform) pa(va mm.VirtAddr) mm.PhysAddr {
	if pa, err := p.memory.VirtToPhys(va); err == nil {
		return pa
	}
	return mm.PhysAddr(va)
}

func (p *Platform) entry(pa mm.PhysAddr) *entry {
	e, ok := p.rmp[pa]
	if !ok {
		e = &entry{}
		p.rmp[pa] = e
	}
	return e
}

func (p *Platform) span(va mm.VirtAddr, huge bool) []mm.PhysAddr {
	n := 1
	if huge {
		n = mm.PagesPer2M
	}
	base := p.pa(va)
	pages := make([]mm.PhysAddr, n)
	for i := range pages {
		pages[i] = base + mm.PhysAddr(i*mm.PageSize)
	}
	return pages
}

func (p *Platform) alignmentCode(va mm.VirtAddr, huge bool) uint64 {
	align := uint64(mm.PageSize)
	if huge {
		align = mm.PageSize2M
	}
	if !va.IsAligned(align) {
		return rmp.FailInput
	}
	if huge && p.fractured[p.pa(va)] {
		return rmp.FailSizeMismatch
	}
	return 0
}

func (p *Platform) pvalidate(va mm.VirtAddr, huge, valid bool) insn.Result {
	if code := p.alignmentCode(va, huge); code != 0 {
		return insn.Result{Code: code}
	}
	changed := false
	for _, pa := range p.span(va, huge) {
		e := p.entry(pa)
		if e.validated != valid {
			changed = true
		}
		e.validated = valid
	}
	return insn.Result{Carry: !changed}
}

func (p *Platform) rmpadjust(va mm.VirtAddr, huge bool, flags rmp.Flags) insn.Result {
	if flags.Target == rmp.VMPL0 || flags.Target > rmp.VMPL3 {
		return insn.Result{Code: rmp.FailPermission}
	}
	if code := p.alignmentCode(va, huge); code != 0 {
		return insn.Result{Code: code}
	}
	pages := p.span(va, huge)
	for _, pa := range pages {
		if e, ok := p.rmp[pa]; !ok || !e.validated {
			return insn.Result{Code: rmp.FailInput}
		}
	}
	for _, pa := range pages {
		p.rmp[pa].rights[flags.Target] = flags.Rights
	}
	return insn.Result{}
}

func (p *Platform) isVMSALocked(pa mm.PhysAddr) bool {
	e, ok := p.rmp[pa]
	if !ok {
		return false
	}
	for _, r := range e.rights[1:] {
		if r.Has(rmp.VMSAPage) {
			return true
		}
	}
	return false
}

// vmgexit services the request in the GHCB at ghcbPA. It returns the record of a created AP, if
// any, for the caller to start outside the lock.
func (p *Platform) vmgexit(ghcbPA mm.PhysAddr) (insn.Result, *APRecord) {
	page, ok := p.memory.page(ghcbPA)
	if !ok {
		return insn.Result{Faulted: true}, nil
	}
	g := ghcb.Page(page)
	respond := func(info1, info2 uint64) {
		g.SetSwExitInfo1(info1)
		g.SetSwExitInfo2(info2)
	}
	req, err := g.APCreateRequest()
	if err != nil {
		respond(1, 0)
		return insn.Result{}, nil
	}
	if p.RejectAPCreate != nil {
		if code := p.RejectAPCreate(req); code != 0 {
			respond(uint64(code), 0)
			return insn.Result{}, nil
		}
	}
	if req.Action == ghcb.APDestroy || !p.isVMSALocked(req.VMSA) {
		respond(1, uint64(req.VMSA))
		return insn.Result{}, nil
	}
	vpage, ok := p.memory.page(req.VMSA)
	if !ok {
		respond(1, uint64(req.VMSA))
		return insn.Result{}, nil
	}
	state, err := vmsa.Read(vpage)
	if err != nil || !state.Enabled() {
		respond(1, uint64(req.VMSA))
		return insn.Result{}, nil
	}
	rec := APRecord{APICID: req.APICID, VMSA: req.VMSA, SevFeatures: req.SevFeatures, Rip: state.Rip}
	p.created = append(p.created, rec)
	respond(0, 0)
	return insn.Result{}, &rec
}

// CPU is the insn.Executor of one modelled processor.
type CPU struct {
	platform *Platform
	apicID   uint32

	mu     sync.Mutex
	ghcbPA mm.PhysAddr
}

func (c *CPU) issue(op Op, model func() insn.Result) insn.Result {
	p := c.platform
	op.CPU = c.apicID
	p.mu.Lock()
	var r insn.Result
	intercepted := false
	if p.Intercept != nil {
		r, intercepted = p.Intercept(op)
	}
	if !intercepted {
		r = model()
	}
	op.Result = r
	p.trace = append(p.trace, op)
	observe := p.Observe
	p.mu.Unlock()
	if observe != nil {
		observe(op)
	}
	return r
}

// PValidate implements insn.Executor.
func (c *CPU) PValidate(vaddr uint64, huge, valid bool) insn.Result {
	op := Op{Kind: OpPValidate, VAddr: vaddr, Huge: huge, Valid: valid}
	return c.issue(op, func() insn.Result {
		return c.platform.pvalidate(mm.VirtAddr(vaddr), huge, valid)
	})
}

// RMPAdjust implements insn.Executor.
func (c *CPU) RMPAdjust(vaddr uint64, huge bool, attrs uint64) insn.Result {
	flags := rmp.FromAttributes(attrs)
	op := Op{Kind: OpRMPAdjust, VAddr: vaddr, Huge: huge, Flags: flags}
	return c.issue(op, func() insn.Result {
		return c.platform.rmpadjust(mm.VirtAddr(vaddr), huge, flags)
	})
}

// VMGExit implements insn.Executor.
func (c *CPU) VMGExit() insn.Result {
	c.mu.Lock()
	ghcbPA := c.ghcbPA
	c.mu.Unlock()
	var created *APRecord
	r := c.issue(Op{Kind: OpVMGExit, VAddr: uint64(ghcbPA)}, func() insn.Result {
		var r insn.Result
		r, created = c.platform.vmgexit(ghcbPA)
		return r
	})
	if created != nil && c.platform.OnAPCreate != nil {
		go c.platform.OnAPCreate(*created)
	}
	return r
}

// WriteMSR implements insn.Executor. Only the GHCB MSR is modelled.
func (c *CPU) WriteMSR(msr uint32, value uint64) insn.Result {
	return c.issue(Op{Kind: OpWriteMSR, VAddr: value}, func() insn.Result {
		if msr != insn.MsrGHCB {
			return insn.Result{Faulted: true}
		}
		c.mu.Lock()
		c.ghcbPA = mm.PhysAddr(value)
		c.mu.Unlock()
		return insn.Result{}
	})
}

// Pause implements insn.Executor.
func (c *CPU) Pause() { runtime.Gosched() }
