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

// Package percpu holds the state each processor of the module owns: its APIC ID, online flag,
// stack, GHCB and VMSA images.
package percpu

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/go-svsm/ghcb"
	"github.com/google/go-svsm/insn"
	"github.com/google/go-svsm/mm"
	"github.com/google/go-svsm/vmsa"
	"github.com/pkg/errors"
)

const (
	// StackPages is the number of 4KiB pages in each processor's stack.
	StackPages = 4
	// VMSASlots is the number of VMSA images a processor can hold. Slot 0 is the processor's own.
	VMSASlots = 1
)

var (
	// ErrNotSetUp is returned by operations that need Setup to have run.
	ErrNotSetUp = errors.New("per-CPU area not set up")
	// ErrAlreadySetUp is returned by a second call to Setup.
	ErrAlreadySetUp = errors.New("per-CPU area already set up")
	// ErrBadSlot is returned for a VMSA slot outside [0, VMSASlots).
	ErrBadSlot = errors.New("bad VMSA slot")
	// ErrStackNotContiguous is returned by Setup when the allocator hands out stack pages that do
	// not form one span.
	ErrStackNotContiguous = errors.New("stack pages are not contiguous")
)

// PageAllocator provides zeroed, validated 4KiB pages. Successive pages from a single caller must
// be adjacent for Setup to build a stack from them.
type PageAllocator interface {
	AllocPage() (mm.VirtAddr, []byte, error)
}

// Area owns the per-CPU structures of every processor.
type Area struct {
	Pages      PageAllocator
	Translator mm.Translator
	// Executor returns the instruction executor of the processor with the given APIC ID. It is
	// only used for operations that must run on that processor.
	Executor func(apicID uint32) insn.Executor

	mu   sync.Mutex
	cpus []*PerCPU
}

// Alloc returns a new, unconfigured PerCPU owned by a.
func (a *Area) Alloc() (*PerCPU, error) {
	if a.Pages == nil || a.Translator == nil || a.Executor == nil {
		return nil, fmt.Errorf("per-CPU area is missing its allocator, translator or executor")
	}
	cpu := &PerCPU{area: a}
	a.mu.Lock()
	a.cpus = append(a.cpus, cpu)
	a.mu.Unlock()
	return cpu, nil
}

// ByAPICID returns the PerCPU whose APIC ID is apicID.
func (a *Area) ByAPICID(apicID uint32) (*PerCPU, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, cpu := range a.cpus {
		if cpu.hasAPICID.Load() && cpu.apicID.Load() == apicID {
			return cpu, true
		}
	}
	return nil, false
}

// All returns every PerCPU allocated from a, in allocation order.
func (a *Area) All() []*PerCPU {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*PerCPU(nil), a.cpus...)
}

// PerCPU is the state of one processor. The online flag is the only field another processor may
// read while the owner runs.
type PerCPU struct {
	area *Area

	apicID    atomic.Uint32
	hasAPICID atomic.Bool
	online    atomic.Bool

	ghcb     *ghcb.GHCB
	stackTop mm.VirtAddr
	vmsas    [VMSASlots]*vmsa.Image
}

// Setup allocates the processor's GHCB page and stack.
func (c *PerCPU) Setup() error {
	if c.ghcb != nil {
		return ErrAlreadySetUp
	}
	va, page, err := c.area.Pages.AllocPage()
	if err != nil {
		return errors.Wrap(err, "GHCB page")
	}
	pa, err := c.area.Translator.VirtToPhys(va)
	if err != nil {
		return errors.Wrap(err, "GHCB page")
	}
	g, err := ghcb.New(page, va, pa)
	if err != nil {
		return err
	}
	var top mm.VirtAddr
	for i := 0; i < StackPages; i++ {
		sva, _, err := c.area.Pages.AllocPage()
		if err != nil {
			return errors.Wrapf(err, "stack page %d", i)
		}
		if i > 0 && sva != top {
			return errors.Wrapf(ErrStackNotContiguous, "page %d at %v, want %v", i, sva, top)
		}
		top = sva.Add(mm.PageSize)
	}
	c.ghcb = g
	c.stackTop = top
	return nil
}

// SetAPICID records the APIC ID of the processor c describes.
func (c *PerCPU) SetAPICID(apicID uint32) {
	c.apicID.Store(apicID)
	c.hasAPICID.Store(true)
}

// APICID returns the processor's APIC ID.
func (c *PerCPU) APICID() uint32 { return c.apicID.Load() }

// StackTop returns the initial stack pointer of the processor.
func (c *PerCPU) StackTop() mm.VirtAddr { return c.stackTop }

// GHCB returns the processor's GHCB, or nil before Setup.
func (c *PerCPU) GHCB() *ghcb.GHCB { return c.ghcb }

// AllocVMSA backs VMSA slot with a fresh page holding the default processor state.
func (c *PerCPU) AllocVMSA(slot int) error {
	if slot < 0 || slot >= VMSASlots {
		return errors.Wrapf(ErrBadSlot, "%d", slot)
	}
	va, page, err := c.area.Pages.AllocPage()
	if err != nil {
		return errors.Wrapf(err, "VMSA slot %d", slot)
	}
	img, err := vmsa.NewImage(page, va)
	if err != nil {
		return err
	}
	c.vmsas[slot] = img
	return nil
}

// VMSA returns the image in slot, or nil if the slot is empty.
func (c *PerCPU) VMSA(slot int) *vmsa.Image {
	if slot < 0 || slot >= VMSASlots {
		return nil
	}
	return c.vmsas[slot]
}

// IsOnline returns the processor's online flag.
func (c *PerCPU) IsOnline() bool { return c.online.Load() }

// SetOnline sets the online flag. Only the first call has an effect.
func (c *PerCPU) SetOnline() { c.online.CompareAndSwap(false, true) }

// SetupOnCPU finishes the processor's initialization on the processor itself by registering its
// GHCB.
func (c *PerCPU) SetupOnCPU() error {
	if c.ghcb == nil {
		return ErrNotSetUp
	}
	return c.ghcb.Register(c.Executor())
}

// Executor returns the instruction executor of the processor.
func (c *PerCPU) Executor() insn.Executor {
	return c.area.Executor(c.APICID())
}
