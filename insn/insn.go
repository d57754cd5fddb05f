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

// Package insn is the boundary at which SEV-SNP guest instructions are issued. Every other
// package talks to hardware only through an Executor and only sees Result values.
package insn

import (
	"fmt"
	"runtime"
)

// MsrGHCB is the SEV-ES GHCB MSR holding the guest physical address of the current GHCB page.
const MsrGHCB = 0xc0010130

// CPUID leaves and bits that identify an SEV-SNP guest.
const (
	cpuidFeatures = 0x1
	// hypervisorPresent is ECX bit 31 of leaf 0x1.
	hypervisorPresent = 1 << 31
	cpuidMaxExtended  = 0x80000000
	// cpuidMemoryEncryption is AMD's Fn8000_001F.
	cpuidMemoryEncryption = 0x8000001f
	// snpSupported is EAX bit 4 of Fn8000_001F.
	snpSupported = 1 << 4
)

// cpuidFunc returns EAX, EBX, ECX and EDX of CPUID for the given leaf and subleaf.
type cpuidFunc func(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)

// detectSNPGuest returns true iff cpuid describes a processor running under a hypervisor that
// reports SEV-SNP.
func detectSNPGuest(cpuid cpuidFunc) bool {
	if _, _, ecx, _ := cpuid(cpuidFeatures, 0); ecx&hypervisorPresent == 0 {
		return false
	}
	if highest, _, _, _ := cpuid(cpuidMaxExtended, 0); highest < cpuidMemoryEncryption {
		return false
	}
	eax, _, _, _ := cpuid(cpuidMemoryEncryption, 0)
	return eax&snpSupported != 0
}

// Kind classifies the outcome of a single instruction.
type Kind uint8

const (
	// KindSuccess means the instruction completed and reported success.
	KindSuccess Kind = iota
	// KindFailure means the instruction completed and reported a failure code.
	KindFailure
	// KindFault means the instruction raised a synchronous exception that was trapped.
	KindFault
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindFailure:
		return "failure"
	case KindFault:
		return "fault"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Result is the register-level outcome of one instruction.
type Result struct {
	// Code is RAX after the instruction.
	Code uint64
	// Carry is rFLAGS.CF after the instruction. Only PVALIDATE defines it.
	Carry bool
	// Faulted is true iff the instruction trapped instead of completing.
	Faulted bool
}

// Kind returns the classification of r.
func (r Result) Kind() Kind {
	if r.Faulted {
		return KindFault
	}
	if r.Code != 0 {
		return KindFailure
	}
	return KindSuccess
}

// Executor issues SEV-SNP guest instructions for the current processor.
type Executor interface {
	// PValidate issues PVALIDATE for the page at vaddr.
	PValidate(vaddr uint64, huge, valid bool) Result
	// RMPAdjust issues RMPADJUST for the page at vaddr with the given attribute word.
	RMPAdjust(vaddr uint64, huge bool, attrs uint64) Result
	// VMGExit exits to the hypervisor with the currently registered GHCB.
	VMGExit() Result
	// WriteMSR writes value to msr.
	WriteMSR(msr uint32, value uint64) Result
	// Pause hints that the caller is spinning.
	Pause()
}

// Guard runs fn, which must issue exactly one instruction, and turns a synchronous fault raised
// by it into Result{Faulted: true}. Panics that are not hardware faults are re-raised.
func Guard(fn func() Result) (r Result) {
	defer func() {
		if e := recover(); e != nil {
			if _, ok := e.(runtime.Error); !ok {
				panic(e)
			}
			r = Result{Faulted: true}
		}
	}()
	return fn()
}
