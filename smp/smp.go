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

// Package smp brings the secondary processors (APs) of the guest online one at a time from the
// bootstrap processor.
package smp

import (
	"fmt"

	"github.com/google/go-svsm/acpi"
	"github.com/google/go-svsm/cmd/output"
	"github.com/google/go-svsm/ghcb"
	"github.com/google/go-svsm/insn"
	"github.com/google/go-svsm/mm"
	"github.com/google/go-svsm/percpu"
	"github.com/google/go-svsm/rmp"
	"github.com/google/go-svsm/vmsa"
	sgpb "github.com/google/go-sev-guest/proto/sevsnp"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/net/context"
)

// bootAPICID is the APIC ID of the processor that runs the launch sequence.
const bootAPICID = 0

// ctxCheckInterval is how many spins pass between checks of the launch context.
const ctxCheckInterval = 1024

var (
	// ErrAlloc is returned when a per-CPU structure cannot be allocated or set up.
	ErrAlloc = errors.New("could not allocate per-CPU structure")
	// ErrVMSA is returned when the AP's VMSA cannot be prepared.
	ErrVMSA = errors.New("could not prepare AP VMSA")
	// ErrAPCreate is returned when the hypervisor does not create the AP.
	ErrAPCreate = errors.New("AP creation failed")
	// ErrAPTimeout is returned when an AP does not come online within the spin limit.
	ErrAPTimeout = errors.New("AP did not come online")
	// ErrAPSetup is returned by StartAP when the AP cannot finish its own setup.
	ErrAPSetup = errors.New("AP setup failed")
	// ErrAddressWidth is returned when a VMSA lies above what the product can address.
	ErrAddressWidth = errors.New("VMSA physical address exceeds the product's address width")
)

// PerCPU is the per-processor state the launch sequence drives.
type PerCPU interface {
	Setup() error
	SetAPICID(apicID uint32)
	APICID() uint32
	StackTop() mm.VirtAddr
	AllocVMSA(slot int) error
	VMSA(slot int) *vmsa.Image
	IsOnline() bool
	SetOnline()
	SetupOnCPU() error
}

// Allocator provides a fresh PerCPU for each AP.
type Allocator interface {
	AllocCPU() (PerCPU, error)
}

// AllocatorFunc adapts a function to an Allocator.
type AllocatorFunc func() (PerCPU, error)

// AllocCPU calls f.
func (f AllocatorFunc) AllocCPU() (PerCPU, error) { return f() }

// AreaAllocator returns an Allocator that takes PerCPU structures from a.
func AreaAllocator(a *percpu.Area) Allocator {
	return AllocatorFunc(func() (PerCPU, error) {
		cpu, err := a.Alloc()
		if err != nil {
			return nil, err
		}
		return cpu, nil
	})
}

// Launcher holds what the bootstrap processor needs to start APs.
type Launcher struct {
	// Executor runs instructions on the bootstrap processor.
	Executor insn.Executor
	// Allocator provides the per-CPU structure of each AP.
	Allocator Allocator
	// Translator maps VMSA pages to the physical addresses the hypervisor is given.
	Translator mm.Translator
	// GHCB is the bootstrap processor's registered GHCB.
	GHCB *ghcb.GHCB
	// EntryPoint is the address every AP starts executing at.
	EntryPoint uint64
	// SevFeatures overrides the SEV features of each AP's VMSA when non-zero.
	SevFeatures uint64
	// Product bounds the physical address of each VMSA.
	Product sgpb.SevProduct_SevProductName
	// SpinLimit is the number of pauses to wait for an AP before giving up. Zero waits forever.
	SpinLimit uint64
}

// Validate returns every configuration problem of l.
func (l *Launcher) Validate() error {
	var err error
	if l.Executor == nil {
		err = multierr.Append(err, fmt.Errorf("launcher has no executor"))
	}
	if l.Allocator == nil {
		err = multierr.Append(err, fmt.Errorf("launcher has no per-CPU allocator"))
	}
	if l.Translator == nil {
		err = multierr.Append(err, fmt.Errorf("launcher has no address translator"))
	}
	if l.GHCB == nil {
		err = multierr.Append(err, fmt.Errorf("launcher has no GHCB"))
	}
	if l.EntryPoint == 0 {
		err = multierr.Append(err, fmt.Errorf("launcher has no AP entry point"))
	}
	return err
}

// StartSecondaryCPUs starts every enabled processor of topology except the bootstrap processor,
// in topology order. An AP is started only after the previous one is online. It returns the
// number of APs brought online, and stops at the first error.
func (l *Launcher) StartSecondaryCPUs(ctx context.Context, topology []acpi.CPUInfo) (int, error) {
	if err := l.Validate(); err != nil {
		return 0, err
	}
	count := 0
	for _, cpu := range topology {
		if !cpu.Enabled || cpu.APICID == bootAPICID {
			continue
		}
		output.Infof(ctx, "Launching AP with APIC-ID %d", cpu.APICID)
		if err := l.startCPU(ctx, cpu.APICID); err != nil {
			return count, err
		}
		count++
	}
	output.Infof(ctx, "Brought %d AP(s) online", count)
	return count, nil
}

func (l *Launcher) startCPU(ctx context.Context, apicID uint32) error {
	cpu, err := l.Allocator.AllocCPU()
	if err != nil {
		return multierr.Append(errors.Wrapf(ErrAlloc, "APIC-ID %d", apicID), err)
	}
	if err := cpu.Setup(); err != nil {
		return multierr.Append(errors.Wrapf(ErrAlloc, "APIC-ID %d setup", apicID), err)
	}
	cpu.SetAPICID(apicID)
	if err := cpu.AllocVMSA(0); err != nil {
		return multierr.Append(errors.Wrapf(ErrVMSA, "APIC-ID %d", apicID), err)
	}
	img := cpu.VMSA(0)
	pa, err := l.prepareVMSA(cpu, img)
	if err != nil {
		return multierr.Append(errors.Wrapf(ErrVMSA, "APIC-ID %d", apicID), err)
	}

	output.Debugf(ctx, "AP create: APIC-ID %d VMSA %v SEV features 0x%x", apicID, pa,
		img.SevFeatures)
	if err := l.GHCB.APCreate(l.Executor, pa, apicID, 0, ghcb.APCreateOnInit, img.SevFeatures); err != nil {
		return multierr.Append(ErrAPCreate, err)
	}
	return l.waitOnline(ctx, cpu)
}

// prepareVMSA fills in the AP's VMSA, stores it and hands the page to the hardware. It returns
// the physical address of the VMSA.
func (l *Launcher) prepareVMSA(cpu PerCPU, img *vmsa.Image) (mm.PhysAddr, error) {
	if img == nil {
		return 0, fmt.Errorf("no VMSA in slot 0")
	}
	img.PrepareForLaunch(l.EntryPoint, uint64(cpu.StackTop()))
	if l.SevFeatures != 0 {
		img.SevFeatures = l.SevFeatures
	}
	img.Enable()
	if err := img.Commit(); err != nil {
		return 0, err
	}
	pa, err := l.Translator.VirtToPhys(img.VA)
	if err != nil {
		return 0, err
	}
	if high := mm.ProductHighAddress(l.Product); pa > high {
		return 0, errors.Wrapf(ErrAddressWidth, "%v > %v", pa, high)
	}
	if err := rmp.SetGuestVMSA(l.Executor, img.VA); err != nil {
		return 0, err
	}
	return pa, nil
}

func (l *Launcher) waitOnline(ctx context.Context, cpu PerCPU) error {
	for spins := uint64(0); !cpu.IsOnline(); spins++ {
		if l.SpinLimit != 0 && spins >= l.SpinLimit {
			return errors.Wrapf(ErrAPTimeout, "APIC-ID %d after %d spins", cpu.APICID(), spins)
		}
		if spins%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return errors.Wrapf(err, "waiting for APIC-ID %d", cpu.APICID())
			}
		}
		l.Executor.Pause()
	}
	return nil
}

// StartAP is the first code an AP runs on its own processor. It finishes the AP's setup and
// then marks it online, which releases the bootstrap processor to start the next AP.
func StartAP(ctx context.Context, cpu PerCPU) error {
	if err := cpu.SetupOnCPU(); err != nil {
		return multierr.Append(errors.Wrapf(ErrAPSetup, "APIC-ID %d", cpu.APICID()), err)
	}
	output.Infof(ctx, "AP with APIC-ID %d is online", cpu.APICID())
	cpu.SetOnline()
	return nil
}
